package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/apcore/domain"
	"github.com/google/uuid"
)

// ErrConflict is returned when a guarded update matched no row because the row moved on.
var ErrConflict = errors.New("conflicting update")

var outboxStatuses = []domain.OutboxStatus{
	domain.OutboxPending,
	domain.OutboxProcessing,
	domain.OutboxPublished,
	domain.OutboxFailed,
}

// Outbox queries
const (
	sqlInsertOutboxItem = `INSERT INTO outbox(id, activity_id, activity_type, account_id, actor_kind, visibility, status, follower_offset, payload, created_at, updated_at)
							VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectOutboxColumns  = `SELECT id, activity_id, activity_type, account_id, actor_kind, visibility, status, follower_offset, payload, created_at, updated_at FROM outbox`
	sqlSelectOutboxItem     = sqlSelectOutboxColumns + ` WHERE id = ?`
	sqlSelectOutboxByAcc    = sqlSelectOutboxColumns + ` WHERE account_id = ? AND status = ? AND visibility IN ('public', 'quiet_public') ORDER BY seq DESC LIMIT ?`
	sqlCountOutboxByAcc     = `SELECT COUNT(*) FROM outbox WHERE account_id = ? AND status = ? AND visibility IN ('public', 'quiet_public')`
	sqlClaimOutboxItem      = `UPDATE outbox SET claimed_until = ? WHERE id = ? AND claimed_until <= ? AND status IN ('pending', 'processing')`
	sqlReleaseOutboxItem    = `UPDATE outbox SET claimed_until = 0 WHERE id = ?`
	sqlCommitOutboxProgress = `UPDATE outbox SET follower_offset = ?, status = ?, updated_at = ? WHERE id = ? AND status = 'processing' AND follower_offset <= ?`
	sqlDeleteOutboxBefore   = `DELETE FROM outbox WHERE status = ? AND updated_at < ?`
)

func (db *DB) InsertOutboxItem(ctx context.Context, item *domain.OutboxItem) error {
	now := db.now()
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	if item.Status == "" {
		item.Status = domain.OutboxPending
	}
	item.CreatedAt, item.UpdatedAt = now, now
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertOutboxItem,
			item.Id,
			item.ActivityId,
			item.ActivityType,
			item.AccountId,
			string(item.ActorKind),
			string(item.Visibility),
			string(item.Status),
			item.Offset,
			item.Payload,
			item.CreatedAt,
			item.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert outbox item: %w", err)
	}
	return nil
}

func (db *DB) ReadOutboxItem(ctx context.Context, id uuid.UUID) (*domain.OutboxItem, error) {
	return scanOutboxItem(db.db.QueryRowContext(ctx, sqlSelectOutboxItem, id))
}

// ReadOutboxItemsByStatus lists items in any of the given statuses, oldest first.
func (db *DB) ReadOutboxItemsByStatus(ctx context.Context, statuses ...domain.OutboxStatus) ([]domain.OutboxItem, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return db.queryOutbox(ctx, sqlSelectOutboxColumns+` WHERE status IN (`+placeholders+`) ORDER BY seq`, args...)
}

// ReadPublishedOutbox lists the newest published public items of an account.
func (db *DB) ReadPublishedOutbox(ctx context.Context, accountId uuid.UUID, limit int) ([]domain.OutboxItem, error) {
	return db.queryOutbox(ctx, sqlSelectOutboxByAcc, accountId, string(domain.OutboxPublished), limit)
}

func (db *DB) CountPublishedOutbox(ctx context.Context, accountId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountOutboxByAcc, accountId, string(domain.OutboxPublished)).Scan(&n)
	return n, err
}

func (db *DB) queryOutbox(ctx context.Context, query string, args ...any) ([]domain.OutboxItem, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	defer rows.Close()

	var items []domain.OutboxItem
	for rows.Next() {
		item, err := scanOutboxItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// ClaimOutboxItem takes the per-item lease until the given time. It fails (false) while another
// run holds an unexpired lease or when the item is already terminal.
func (db *DB) ClaimOutboxItem(ctx context.Context, id uuid.UUID, until time.Time) (bool, error) {
	var claimed bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlClaimOutboxItem, until.Unix(), id, db.now().Unix())
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		claimed = n == 1
		return nil
	})
	return claimed, err
}

func (db *DB) ReleaseOutboxItem(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlReleaseOutboxItem, id)
		return err
	})
}

// TransitionOutboxItem moves the item to status `to` if that is a forward move from its current
// status. ErrConflict means the item was not in a predecessor status.
func (db *DB) TransitionOutboxItem(ctx context.Context, id uuid.UUID, to domain.OutboxStatus) error {
	var from []any
	for _, s := range outboxStatuses {
		if s.CanTransition(to) {
			from = append(from, string(s))
		}
	}
	if len(from) == 0 {
		return fmt.Errorf("transition outbox item %s to %s: %w", id, to, ErrConflict)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	query := `UPDATE outbox SET status = ?, updated_at = ? WHERE id = ? AND status IN (` + placeholders + `)`
	args := append([]any{string(to), db.now(), id}, from...)

	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("transition outbox item %s to %s: %w", id, to, ErrConflict)
		}
		return nil
	})
}

// CommitOutboxProgress stores the new follower offset of a processing item and, when done, marks
// it published. Both happen in one statement so a failed commit leaves the item untouched.
func (db *DB) CommitOutboxProgress(ctx context.Context, id uuid.UUID, offset int, done bool) error {
	status := domain.OutboxProcessing
	if done {
		status = domain.OutboxPublished
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlCommitOutboxProgress, offset, string(status), db.now(), id, offset)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("commit progress of outbox item %s: %w", id, ErrConflict)
		}
		return nil
	})
}

// DeleteOutboxItemsBefore removes items in the given status last updated before t.
func (db *DB) DeleteOutboxItemsBefore(ctx context.Context, status domain.OutboxStatus, t time.Time) (int, error) {
	var deleted int
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteOutboxBefore, string(status), t.UTC())
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		deleted = int(n)
		return nil
	})
	return deleted, err
}

func scanOutboxItem(row scanner) (*domain.OutboxItem, error) {
	var item domain.OutboxItem
	var kind, visibility, status string
	err := row.Scan(
		&item.Id,
		&item.ActivityId,
		&item.ActivityType,
		&item.AccountId,
		&kind,
		&visibility,
		&status,
		&item.Offset,
		&item.Payload,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	item.ActorKind = domain.ActorKind(kind)
	item.Visibility = domain.Visibility(visibility)
	item.Status = domain.OutboxStatus(status)
	return &item, nil
}
