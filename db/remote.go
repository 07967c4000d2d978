package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/deemkeen/apcore/domain"
	"github.com/google/uuid"
)

// Remote Accounts queries
const (
	sqlUpsertRemoteAccount = `INSERT INTO remote_accounts(id, username, domain, actor_uri, actor_type, display_name, summary, inbox_uri, shared_inbox_uri, outbox_uri, public_key_id, public_key_pem, avatar_url, last_fetched_at)
								VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
								ON CONFLICT(actor_uri) DO UPDATE SET
									username = excluded.username,
									domain = excluded.domain,
									actor_type = excluded.actor_type,
									display_name = excluded.display_name,
									summary = excluded.summary,
									inbox_uri = excluded.inbox_uri,
									shared_inbox_uri = excluded.shared_inbox_uri,
									outbox_uri = excluded.outbox_uri,
									public_key_id = excluded.public_key_id,
									public_key_pem = excluded.public_key_pem,
									avatar_url = excluded.avatar_url,
									last_fetched_at = excluded.last_fetched_at`
	sqlSelectRemoteAccountColumns = `SELECT id, username, domain, actor_uri, COALESCE(actor_type, ''), COALESCE(display_name, ''), COALESCE(summary, ''),
									inbox_uri, COALESCE(shared_inbox_uri, ''), COALESCE(outbox_uri, ''), COALESCE(public_key_id, ''), public_key_pem,
									COALESCE(avatar_url, ''), last_fetched_at FROM remote_accounts`
	sqlSelectRemoteAccountByURI   = sqlSelectRemoteAccountColumns + ` WHERE actor_uri = ?`
	sqlSelectRemoteAccountByKeyId = sqlSelectRemoteAccountColumns + ` WHERE public_key_id = ?`
	sqlDeleteRemoteAccountByURI   = `DELETE FROM remote_accounts WHERE actor_uri = ?`
)

// UpsertRemoteAccount inserts or refreshes the cached copy of a remote actor, keyed by actor URI.
func (db *DB) UpsertRemoteAccount(ctx context.Context, acc *domain.RemoteAccount) error {
	if acc.Id == uuid.Nil {
		acc.Id = uuid.New()
	}
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertRemoteAccount,
			acc.Id,
			acc.Username,
			acc.Domain,
			acc.ActorURI,
			acc.ActorType,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.SharedInboxURI,
			acc.OutboxURI,
			acc.PublicKeyId,
			acc.PublicKeyPem,
			acc.AvatarURL,
			acc.LastFetchedAt.UTC(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert remote account %s: %w", acc.ActorURI, err)
	}
	return nil
}

func (db *DB) ReadRemoteAccountByURI(ctx context.Context, uri string) (*domain.RemoteAccount, error) {
	return scanRemoteAccount(db.db.QueryRowContext(ctx, sqlSelectRemoteAccountByURI, uri))
}

func (db *DB) ReadRemoteAccountByKeyId(ctx context.Context, keyId string) (*domain.RemoteAccount, error) {
	return scanRemoteAccount(db.db.QueryRowContext(ctx, sqlSelectRemoteAccountByKeyId, keyId))
}

func (db *DB) DeleteRemoteAccount(ctx context.Context, uri string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteRemoteAccountByURI, uri)
		return err
	})
}

func scanRemoteAccount(row scanner) (*domain.RemoteAccount, error) {
	var acc domain.RemoteAccount
	err := row.Scan(
		&acc.Id,
		&acc.Username,
		&acc.Domain,
		&acc.ActorURI,
		&acc.ActorType,
		&acc.DisplayName,
		&acc.Summary,
		&acc.InboxURI,
		&acc.SharedInboxURI,
		&acc.OutboxURI,
		&acc.PublicKeyId,
		&acc.PublicKeyPem,
		&acc.AvatarURL,
		&acc.LastFetchedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &acc, nil
}
