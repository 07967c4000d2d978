package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/deemkeen/apcore/domain"
	"github.com/google/uuid"
)

// Followers queries
const (
	sqlUpsertFollower = `INSERT INTO followers(id, account_id, remote_actor_uri, inbox_uri, shared_inbox_uri, created_at) VALUES (?, ?, ?, ?, ?, ?)
							ON CONFLICT(account_id, remote_actor_uri) DO UPDATE SET
								inbox_uri = excluded.inbox_uri,
								shared_inbox_uri = excluded.shared_inbox_uri`
	sqlSelectFollowerColumns     = `SELECT id, account_id, remote_actor_uri, inbox_uri, COALESCE(shared_inbox_uri, ''), errors, COALESCE(last_error, ''), created_at FROM followers`
	sqlSelectFollower            = sqlSelectFollowerColumns + ` WHERE account_id = ? AND remote_actor_uri = ?`
	sqlSelectFollowersPage       = sqlSelectFollowerColumns + ` WHERE account_id = ? ORDER BY seq LIMIT ? OFFSET ?`
	sqlCountFollowers            = `SELECT COUNT(*) FROM followers WHERE account_id = ?`
	sqlDeleteFollower            = `DELETE FROM followers WHERE account_id = ? AND remote_actor_uri = ?`
	sqlSelectFollowerIdsByRemote = `SELECT id FROM followers WHERE remote_actor_uri = ?`
	sqlDeleteFollowersByRemote   = `DELETE FROM followers WHERE remote_actor_uri = ?`
	sqlIncrementFollowerErrors   = `UPDATE followers SET errors = errors + 1, last_error = ? WHERE id = ?`
	sqlInsertFollowerError       = `INSERT INTO follower_errors(follower_id, message, created_at) VALUES (?, ?, ?)`
	sqlResetFollowerErrors       = `UPDATE followers SET errors = 0, last_error = NULL WHERE id = ? AND errors > 0`
	sqlSelectFollowerErrors      = `SELECT follower_id, message, created_at FROM follower_errors WHERE follower_id = ? ORDER BY id`
	sqlSelectPrunableFollowers   = `SELECT id FROM followers WHERE errors >= ?`
	sqlDeleteFollowerById        = `DELETE FROM followers WHERE id = ?`
	sqlDeleteFollowerErrors      = `DELETE FROM follower_errors WHERE follower_id = ?`
)

// UpsertFollower records that remote follows the local account. A repeated call only refreshes the
// inbox addresses; the follower keeps its id, position and error history.
func (db *DB) UpsertFollower(ctx context.Context, f *domain.Follower) (*domain.Follower, error) {
	var stored *domain.Follower
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertFollower, uuid.New(), f.AccountId, f.RemoteActorURI, f.InboxURI, f.SharedInboxURI, db.now())
		if err != nil {
			return err
		}
		stored, err = scanFollower(tx.QueryRowContext(ctx, sqlSelectFollower, f.AccountId, f.RemoteActorURI))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("upsert follower %s: %w", f.RemoteActorURI, err)
	}
	return stored, nil
}

func (db *DB) ReadFollower(ctx context.Context, accountId uuid.UUID, remoteActorURI string) (*domain.Follower, error) {
	return scanFollower(db.db.QueryRowContext(ctx, sqlSelectFollower, accountId, remoteActorURI))
}

// ReadFollowersPage lists followers of a local account in insertion order.
func (db *DB) ReadFollowersPage(ctx context.Context, accountId uuid.UUID, offset, limit int) ([]domain.Follower, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowersPage, accountId, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("read followers of %s: %w", accountId, err)
	}
	defer rows.Close()

	var followers []domain.Follower
	for rows.Next() {
		f, err := scanFollower(rows)
		if err != nil {
			return nil, err
		}
		followers = append(followers, *f)
	}
	return followers, rows.Err()
}

func (db *DB) CountFollowers(ctx context.Context, accountId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountFollowers, accountId).Scan(&n)
	return n, err
}

// DeleteFollower removes the relation. Returns false when there was none.
func (db *DB) DeleteFollower(ctx context.Context, accountId uuid.UUID, remoteActorURI string) (bool, error) {
	var deleted bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		f, err := scanFollower(tx.QueryRowContext(ctx, sqlSelectFollower, accountId, remoteActorURI))
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, sqlDeleteFollowerErrors, f.Id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, sqlDeleteFollower, accountId, remoteActorURI)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// DeleteFollowersByRemote drops every relation held by a remote actor, for all local accounts.
func (db *DB) DeleteFollowersByRemote(ctx context.Context, remoteActorURI string) (int, error) {
	var deleted int
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		ids, err := queryIds(ctx, tx, sqlSelectFollowerIdsByRemote, remoteActorURI)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, sqlDeleteFollowerErrors, id); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, sqlDeleteFollowersByRemote, remoteActorURI)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		deleted = int(n)
		return nil
	})
	return deleted, err
}

// RecordFollowerFailure bumps the error counter of each follower and appends to its history.
func (db *DB) RecordFollowerFailure(ctx context.Context, followerIds []uuid.UUID, message string) error {
	now := db.now()
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, id := range followerIds {
			if _, err := tx.ExecContext(ctx, sqlIncrementFollowerErrors, message, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, sqlInsertFollowerError, id, message, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordFollowerSuccess clears the error counter after a successful delivery.
func (db *DB) RecordFollowerSuccess(ctx context.Context, followerIds []uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, id := range followerIds {
			if _, err := tx.ExecContext(ctx, sqlResetFollowerErrors, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) ReadFollowerErrors(ctx context.Context, followerId uuid.UUID) ([]domain.FollowerError, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowerErrors, followerId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var errs []domain.FollowerError
	for rows.Next() {
		var fe domain.FollowerError
		if err := rows.Scan(&fe.FollowerId, &fe.Message, &fe.CreatedAt); err != nil {
			return nil, err
		}
		errs = append(errs, fe)
	}
	return errs, rows.Err()
}

// PruneFollowers deletes followers whose error counter reached threshold.
func (db *DB) PruneFollowers(ctx context.Context, threshold int) (int, error) {
	var pruned int
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		ids, err := queryIds(ctx, tx, sqlSelectPrunableFollowers, threshold)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, sqlDeleteFollowerErrors, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, sqlDeleteFollowerById, id); err != nil {
				return err
			}
		}
		pruned = len(ids)
		return nil
	})
	return pruned, err
}

func queryIds(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanFollower(row scanner) (*domain.Follower, error) {
	var f domain.Follower
	err := row.Scan(&f.Id, &f.AccountId, &f.RemoteActorURI, &f.InboxURI, &f.SharedInboxURI, &f.Errors, &f.LastError, &f.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}
