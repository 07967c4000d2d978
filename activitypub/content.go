package activitypub

import (
	"context"

	"github.com/deemkeen/apcore/db"
	"github.com/deemkeen/apcore/domain"
)

// ContentStore is where local content is remembered and inbound replies and reactions land.
type ContentStore interface {
	RegisterObject(ctx context.Context, obj *domain.LocalObject) error
	// LookupObject finds local content by object id or url; db.ErrNotFound when unknown.
	LookupObject(ctx context.Context, uri string) (*domain.LocalObject, error)
	AddReply(ctx context.Context, reply *domain.Reply) error
	RemoveReply(ctx context.Context, remoteId, kind string) (bool, error)
}

// NewContentStore returns the ContentStore backed by the objects and replies tables.
func NewContentStore(database *db.DB) ContentStore {
	return &dbContentStore{db: database}
}

type dbContentStore struct {
	db *db.DB
}

func (s *dbContentStore) RegisterObject(ctx context.Context, obj *domain.LocalObject) error {
	return s.db.RegisterObject(ctx, obj)
}

func (s *dbContentStore) LookupObject(ctx context.Context, uri string) (*domain.LocalObject, error) {
	return s.db.ReadObject(ctx, uri)
}

func (s *dbContentStore) AddReply(ctx context.Context, reply *domain.Reply) error {
	return s.db.UpsertReply(ctx, reply)
}

func (s *dbContentStore) RemoveReply(ctx context.Context, remoteId, kind string) (bool, error) {
	return s.db.DeleteReply(ctx, remoteId, kind)
}
