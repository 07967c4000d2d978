package activitypub

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/benbjohnson/clock"
	"github.com/deemkeen/apcore/domain"
	"go.uber.org/zap"
)

// SignatureMaxSkew is how far a signed request's Date (or created) may be from our clock.
const SignatureMaxSkew = time.Hour

const (
	requestTarget      = "(request-target)"
	signatureAlgorithm = "rsa-sha256"
)

var (
	postSignedHeaders = []string{requestTarget, "host", "date", "digest"}
	getSignedHeaders  = []string{requestTarget, "host", "date"}
)

// SignatureBlock is a parsed Signature header.
type SignatureBlock struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature []byte
	Created   int64
	Expires   int64
}

// ParseSignatureHeader parses the value of a Signature header, or of an Authorization header
// with the "Signature " scheme prefix removed.
func ParseSignatureHeader(value string) (*SignatureBlock, error) {
	params, err := parseParams(value)
	if err != nil {
		return nil, err
	}

	block := &SignatureBlock{
		KeyID:     params["keyid"],
		Algorithm: params["algorithm"],
	}
	if block.KeyID == "" {
		return nil, fmt.Errorf("keyId missing")
	}
	if params["signature"] == "" {
		return nil, fmt.Errorf("signature missing")
	}
	if block.Signature, err = base64.StdEncoding.DecodeString(params["signature"]); err != nil {
		return nil, fmt.Errorf("signature is not base64: %w", err)
	}
	if h := strings.TrimSpace(params["headers"]); h != "" {
		block.Headers = strings.Fields(strings.ToLower(h))
	} else {
		block.Headers = []string{"date"}
	}
	for name, dst := range map[string]*int64{"created": &block.Created, "expires": &block.Expires} {
		if v := params[name]; v != "" {
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed %s: %q", name, v)
			}
			*dst = int64(n)
		}
	}
	return block, nil
}

// parseParams splits a list of name="value" pairs. Values may be unquoted (created, expires).
func parseParams(s string) (map[string]string, error) {
	params := make(map[string]string)
	for s = strings.TrimSpace(s); s != ""; {
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("malformed signature parameter %q", s)
		}
		name := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = strings.TrimSpace(s[eq+1:])

		var value string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated value for %s", name)
			}
			value, s = s[1:end+1], s[end+2:]
		} else if comma := strings.IndexByte(s, ','); comma >= 0 {
			value, s = strings.TrimSpace(s[:comma]), s[comma:]
		} else {
			value, s = strings.TrimSpace(s), ""
		}
		params[name] = value

		s = strings.TrimSpace(s)
		s = strings.TrimPrefix(s, ",")
		s = strings.TrimSpace(s)
	}
	return params, nil
}

// DigestForAlgorithm maps the algorithm parameter of a signature to the hash used to verify it.
// hs2019 leaves the choice to the key and is verified with SHA-512. An empty algorithm is refused.
func DigestForAlgorithm(algorithm string) (crypto.Hash, bool) {
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "":
		return 0, false
	case "hs2019":
		return crypto.SHA512, true
	default:
		return crypto.SHA256, true
	}
}

// Signer signs outgoing requests with the keys of local actors.
type Signer struct {
	clock clock.Clock
}

func NewSigner(clk clock.Clock) *Signer {
	return &Signer{clock: clk}
}

// SignRequest adds Date, Digest (when body is not nil) and Signature headers to req.
func (s *Signer) SignRequest(req *http.Request, body []byte, kp *domain.KeyPair, keyID string) error {
	privateKey, err := ParsePrivateKey(kp.PrivatePem)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", s.clock.Now().UTC().Format(http.TimeFormat))
	}
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}

	headers := getSignedHeaders
	if body != nil {
		headers = postSignedHeaders
	}

	// httpsig signers keep state and are not safe for concurrent use
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}
	if err := signer.SignRequest(privateKey, keyID, req, body); err != nil {
		return err
	}

	// httpsig always labels the signature hs2019, which peers verify with SHA-512
	sig := req.Header.Get("Signature")
	if !strings.Contains(sig, `algorithm="hs2019"`) {
		return fmt.Errorf("unexpected signature header %q", sig)
	}
	req.Header.Set("Signature", strings.Replace(sig, `algorithm="hs2019"`, `algorithm="`+signatureAlgorithm+`"`, 1))
	return nil
}

// KeyResolver finds the remote actor owning a key id.
type KeyResolver interface {
	ResolveKey(ctx context.Context, keyID string) (*domain.RemoteAccount, error)
}

// Verifier checks the HTTP signatures of inbound requests.
type Verifier struct {
	keys  KeyResolver
	clock clock.Clock
	log   *zap.Logger
}

func NewVerifier(keys KeyResolver, clk clock.Clock, logger *zap.Logger) *Verifier {
	return &Verifier{keys: keys, clock: clk, log: logger.Named("httpsig")}
}

// Verify checks the signature of req and returns the remote actor that signed it. body is the
// request body as read by the caller; it is compared against Digest when that header is signed.
// Every failure is a *SignatureError.
func (v *Verifier) Verify(ctx context.Context, req *http.Request, body []byte) (*domain.RemoteAccount, error) {
	header := req.Header.Get("Signature")
	if header == "" {
		if auth := req.Header.Get("Authorization"); len(auth) > 10 && strings.EqualFold(auth[:10], "Signature ") {
			header = auth[10:]
		}
	}
	if header == "" {
		return nil, &SignatureError{Reason: ReasonMissingSignature}
	}

	block, err := ParseSignatureHeader(header)
	if err != nil {
		return nil, &SignatureError{Reason: ReasonMissingSignature, Err: err}
	}
	hash, ok := DigestForAlgorithm(block.Algorithm)
	if !ok {
		return nil, signatureError(ReasonMismatch, "unsupported algorithm %q", block.Algorithm)
	}
	if err := v.checkFreshness(req, block); err != nil {
		return nil, err
	}

	actor, err := v.keys.ResolveKey(ctx, block.KeyID)
	if errors.Is(err, ErrUnsupportedKeyFormat) {
		return nil, &SignatureError{Reason: ReasonUnsupportedKeyFormat, Err: err}
	}
	if err != nil {
		return nil, &SignatureError{Reason: ReasonUnresolvableKey, Err: err}
	}
	publicKey, err := ParsePublicKey(actor.PublicKeyPem)
	if err != nil {
		return nil, &SignatureError{Reason: ReasonUnsupportedKeyFormat, Err: err}
	}

	signingString, err := buildSigningString(req, block)
	if err != nil {
		return nil, &SignatureError{Reason: ReasonMismatch, Err: err}
	}
	if err := verifySignature(publicKey, hash, signingString, block.Signature); err != nil {
		return nil, &SignatureError{Reason: ReasonMismatch, Err: err}
	}
	if body != nil && slices.Contains(block.Headers, "digest") {
		if err := verifyDigest(req.Header.Get("Digest"), body); err != nil {
			return nil, &SignatureError{Reason: ReasonMismatch, Err: err}
		}
	}

	v.log.Debug("Signature verified", zap.String("keyId", block.KeyID), zap.String("actor", actor.ActorURI))
	return actor, nil
}

func (v *Verifier) checkFreshness(req *http.Request, block *SignatureBlock) error {
	now := v.clock.Now()

	var signedAt time.Time
	if date := req.Header.Get("Date"); date != "" {
		t, err := http.ParseTime(date)
		if err != nil {
			return signatureError(ReasonExpired, "unparseable date %q", date)
		}
		signedAt = t
	} else if block.Created != 0 {
		signedAt = time.Unix(block.Created, 0)
	} else {
		return signatureError(ReasonExpired, "request carries neither date nor created")
	}

	skew := now.Sub(signedAt)
	if skew > SignatureMaxSkew || skew < -SignatureMaxSkew {
		return signatureError(ReasonExpired, "signed at %s, outside the allowed window", signedAt.UTC().Format(time.RFC3339))
	}
	if block.Expires != 0 && now.After(time.Unix(block.Expires, 0)) {
		return signatureError(ReasonExpired, "signature expired at %d", block.Expires)
	}
	return nil
}

// buildSigningString reconstructs the signed text from the headers listed in block, in order.
func buildSigningString(req *http.Request, block *SignatureBlock) (string, error) {
	lines := make([]string, 0, len(block.Headers))
	for _, name := range block.Headers {
		var value string
		switch name {
		case requestTarget:
			value = strings.ToLower(req.Method) + " " + req.URL.RequestURI()
		case "(created)":
			if block.Created == 0 {
				return "", fmt.Errorf("(created) signed but not provided")
			}
			value = strconv.FormatInt(block.Created, 10)
		case "(expires)":
			if block.Expires == 0 {
				return "", fmt.Errorf("(expires) signed but not provided")
			}
			value = strconv.FormatInt(block.Expires, 10)
		case "host":
			value = req.Header.Get("Host")
			if value == "" {
				value = req.Host
			}
		default:
			values := req.Header.Values(name)
			if len(values) == 0 {
				return "", fmt.Errorf("signed header %q missing from request", name)
			}
			value = strings.Join(values, ", ")
		}
		if value == "" {
			return "", fmt.Errorf("signed header %q is empty", name)
		}
		lines = append(lines, name+": "+strings.TrimSpace(value))
	}
	return strings.Join(lines, "\n"), nil
}

func verifySignature(key crypto.PublicKey, hash crypto.Hash, signingString string, sig []byte) error {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(k, hash, hashString(hash, signingString), sig)
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(k, hashString(hash, signingString), sig) {
			return fmt.Errorf("ecdsa verification failed")
		}
		return nil
	case ed25519.PublicKey:
		if !ed25519.Verify(k, []byte(signingString), sig) {
			return fmt.Errorf("ed25519 verification failed")
		}
		return nil
	}
	return fmt.Errorf("%w: %T", ErrUnsupportedKeyFormat, key)
}

func hashString(hash crypto.Hash, s string) []byte {
	if hash == crypto.SHA512 {
		sum := sha512.Sum512([]byte(s))
		return sum[:]
	}
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

// verifyDigest compares the Digest header against body. Any listed SHA-256 or SHA-512 entry
// that matches is enough.
func verifyDigest(header string, body []byte) error {
	if header == "" {
		return fmt.Errorf("digest signed but not provided")
	}
	for _, entry := range strings.Split(header, ",") {
		alg, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		want, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			continue
		}
		var got []byte
		switch strings.ToUpper(alg) {
		case "SHA-256":
			sum := sha256.Sum256(body)
			got = sum[:]
		case "SHA-512":
			sum := sha512.Sum512(body)
			got = sum[:]
		default:
			continue
		}
		if bytes.Equal(got, want) {
			return nil
		}
	}
	return fmt.Errorf("body does not match digest")
}
