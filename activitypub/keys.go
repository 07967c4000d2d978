package activitypub

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
)

// ParsePublicKey decodes a PEM public key as published by remote actors. PKCS#1 ("RSA PUBLIC
// KEY"), SubjectPublicKeyInfo ("PUBLIC KEY") and certificates are accepted.
func ParsePublicKey(pemString string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemString)))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrUnsupportedKeyFormat)
	}

	var key crypto.PublicKey
	var err error
	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err = x509.ParsePKCS1PublicKey(block.Bytes)
	case "CERTIFICATE":
		var cert *x509.Certificate
		if cert, err = x509.ParseCertificate(block.Bytes); err == nil {
			key = cert.PublicKey
		}
	default:
		key, err = x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			// some servers label PKCS#1 material as "PUBLIC KEY"
			if rsaKey, rsaErr := x509.ParsePKCS1PublicKey(block.Bytes); rsaErr == nil {
				key, err = rsaKey, nil
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKeyFormat, err)
	}

	switch key.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
		return key, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyFormat, key)
}

// CanonicalPublicKeyPEM re-encodes any key accepted by ParsePublicKey as a PKIX "PUBLIC KEY" block.
func CanonicalPublicKeyPEM(pemString string) (string, error) {
	key, err := ParsePublicKey(pemString)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedKeyFormat, err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePrivateKey converts a PEM private key (PKCS#1, PKCS#8 or SEC1) to a signer.
func ParsePrivateKey(pemString string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemString)))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrUnsupportedKeyFormat)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedKeyFormat, err)
		}
		return key, nil
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedKeyFormat, err)
		}
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKeyFormat, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyFormat, key)
	}
	return signer, nil
}
