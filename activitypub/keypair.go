package activitypub

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/deemkeen/apcore/db"
	"github.com/deemkeen/apcore/domain"
	"github.com/deemkeen/apcore/util"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// KeyStore hands out the signing keypair of local actors, creating it on first use.
type KeyStore struct {
	db       *db.DB
	log      *zap.Logger
	clock    clock.Clock
	group    singleflight.Group
	generate func() (*util.RsaKeyPair, error)
}

func NewKeyStore(database *db.DB, logger *zap.Logger, clk clock.Clock) *KeyStore {
	return &KeyStore{
		db:       database,
		log:      logger.Named("keys"),
		clock:    clk,
		generate: util.GeneratePemKeypair,
	}
}

// GetKeypairFor returns the keypair of actor. A stored pair wins, then key material left in the
// legacy options, and only then a freshly generated pair. Concurrent first calls for the same
// actor generate at most one pair per process, and the store keeps whichever was written first.
func (ks *KeyStore) GetKeypairFor(ctx context.Context, actor *domain.Account) (*domain.KeyPair, error) {
	kp, err := ks.db.ReadKeyPair(ctx, actor.Id)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, storageError("read keypair", err)
	}

	v, err, _ := ks.group.Do(actor.Id.String(), func() (any, error) {
		return ks.createKeypair(ctx, actor)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.KeyPair), nil
}

func (ks *KeyStore) createKeypair(ctx context.Context, actor *domain.Account) (*domain.KeyPair, error) {
	candidate, err := ks.db.ReadLegacyKeyPair(ctx, actor.Id)
	switch {
	case err == nil:
		ks.log.Info("Migrating legacy keypair", zap.String("actor", actor.Username))
	case errors.Is(err, db.ErrNotFound):
		pair, err := ks.generate()
		if err != nil {
			return nil, fmt.Errorf("generate keypair for %s: %w", actor.Username, err)
		}
		candidate = &domain.KeyPair{AccountId: actor.Id, PublicPem: pair.Public, PrivatePem: pair.Private}
		ks.log.Info("Generated keypair", zap.String("actor", actor.Username))
	default:
		return nil, storageError("read legacy keypair", err)
	}

	candidate.CreatedAt = ks.clock.Now().UTC()
	stored, err := ks.db.InsertKeyPairIfAbsent(ctx, candidate)
	if err != nil {
		return nil, storageError("store keypair", err)
	}
	return stored, nil
}

// PublicKeyPEM is the canonical public key of actor, as published in its actor document.
func (ks *KeyStore) PublicKeyPEM(ctx context.Context, actor *domain.Account) (string, error) {
	kp, err := ks.GetKeypairFor(ctx, actor)
	if err != nil {
		return "", err
	}
	return CanonicalPublicKeyPEM(kp.PublicPem)
}
