package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/deemkeen/apcore/domain"
	"github.com/google/uuid"
)

// Local objects and the replies attached to them
const (
	sqlInsertObject = `INSERT INTO objects(id, account_id, object_uri, url, created_at) VALUES (?, ?, ?, ?, ?)
						ON CONFLICT(object_uri) DO NOTHING`
	sqlSelectObject = `SELECT id, account_id, object_uri, COALESCE(url, ''), created_at FROM objects WHERE object_uri = ? OR url = ? LIMIT 1`
	sqlUpsertReply  = `INSERT INTO replies(id, object_id, remote_id, kind, actor_uri, author_name, avatar_url, content, url, created_at)
						VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
						ON CONFLICT(remote_id, kind) DO UPDATE SET
							content = excluded.content,
							author_name = excluded.author_name,
							avatar_url = excluded.avatar_url,
							url = excluded.url`
	sqlSelectReplies = `SELECT id, object_id, remote_id, kind, actor_uri, COALESCE(author_name, ''), COALESCE(avatar_url, ''), COALESCE(content, ''), COALESCE(url, ''), created_at
						FROM replies WHERE object_id = ? ORDER BY created_at`
	sqlDeleteReply = `DELETE FROM replies WHERE remote_id = ? AND kind = ?`
)

// RegisterObject remembers content published by a local account. Registering twice is a no-op.
func (db *DB) RegisterObject(ctx context.Context, obj *domain.LocalObject) error {
	if obj.Id == uuid.Nil {
		obj.Id = uuid.New()
	}
	obj.CreatedAt = db.now()
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertObject, obj.Id, obj.AccountId, obj.ObjectURI, obj.URL, obj.CreatedAt)
		return err
	})
}

// ReadObject finds local content by object id or by its public url.
func (db *DB) ReadObject(ctx context.Context, uri string) (*domain.LocalObject, error) {
	var obj domain.LocalObject
	err := db.db.QueryRowContext(ctx, sqlSelectObject, uri, uri).Scan(&obj.Id, &obj.AccountId, &obj.ObjectURI, &obj.URL, &obj.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &obj, nil
}

// UpsertReply stores a reply or reaction. A redelivered activity updates the stored copy.
func (db *DB) UpsertReply(ctx context.Context, r *domain.Reply) error {
	if r.Id == uuid.Nil {
		r.Id = uuid.New()
	}
	r.CreatedAt = db.now()
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertReply, r.Id, r.ObjectId, r.RemoteId, r.Kind, r.ActorURI, r.AuthorName, r.AvatarURL, r.Content, r.URL, r.CreatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("store reply %s: %w", r.RemoteId, err)
	}
	return nil
}

func (db *DB) DeleteReply(ctx context.Context, remoteId, kind string) (bool, error) {
	var deleted bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteReply, remoteId, kind)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		deleted = n > 0
		return nil
	})
	return deleted, err
}

func (db *DB) ReadReplies(ctx context.Context, objectId uuid.UUID) ([]domain.Reply, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectReplies, objectId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var replies []domain.Reply
	for rows.Next() {
		var r domain.Reply
		if err := rows.Scan(&r.Id, &r.ObjectId, &r.RemoteId, &r.Kind, &r.ActorURI, &r.AuthorName, &r.AvatarURL, &r.Content, &r.URL, &r.CreatedAt); err != nil {
			return nil, err
		}
		replies = append(replies, r)
	}
	return replies, rows.Err()
}
