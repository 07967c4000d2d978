package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/deemkeen/apcore/domain"
	"github.com/google/uuid"
)

// Activities log queries
const (
	sqlInsertActivity = `INSERT INTO activities(id, account_id, activity_uri, activity_type, actor_uri, raw_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
							ON CONFLICT(activity_uri, account_id) DO NOTHING`
	sqlSelectActivityColumns  = `SELECT seq, id, account_id, activity_uri, activity_type, actor_uri, raw_json, created_at FROM activities`
	sqlSelectActivitiesNewest = sqlSelectActivityColumns + ` WHERE account_id = ? ORDER BY seq DESC LIMIT ?`
	sqlSelectActivitiesBefore = sqlSelectActivityColumns + ` WHERE account_id = ? AND seq < ? ORDER BY seq DESC LIMIT ?`
	sqlCountActivities        = `SELECT COUNT(*) FROM activities WHERE account_id = ?`
)

// LogInboundActivity records an activity received for a local account. It returns false when the
// same activity id was already recorded for that account.
func (db *DB) LogInboundActivity(ctx context.Context, a *domain.InboundActivity) (bool, error) {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	a.CreatedAt = db.now()
	var inserted bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertActivity, a.Id, a.AccountId, a.ActivityURI, a.ActivityType, a.ActorURI, a.RawJSON, a.CreatedAt)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		inserted = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("log activity %s: %w", a.ActivityURI, err)
	}
	return inserted, nil
}

// ReadInboundActivities pages through an account's received activities, newest first. A maxSeq of
// zero starts at the newest entry; otherwise only entries older than maxSeq are returned.
func (db *DB) ReadInboundActivities(ctx context.Context, accountId uuid.UUID, maxSeq int64, limit int) ([]domain.InboundActivity, error) {
	var rows *sql.Rows
	var err error
	if maxSeq > 0 {
		rows, err = db.db.QueryContext(ctx, sqlSelectActivitiesBefore, accountId, maxSeq, limit)
	} else {
		rows, err = db.db.QueryContext(ctx, sqlSelectActivitiesNewest, accountId, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("read activities: %w", err)
	}
	defer rows.Close()

	var activities []domain.InboundActivity
	for rows.Next() {
		var a domain.InboundActivity
		if err := rows.Scan(&a.Seq, &a.Id, &a.AccountId, &a.ActivityURI, &a.ActivityType, &a.ActorURI, &a.RawJSON, &a.CreatedAt); err != nil {
			return nil, err
		}
		activities = append(activities, a)
	}
	return activities, rows.Err()
}

func (db *DB) CountInboundActivities(ctx context.Context, accountId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountActivities, accountId).Scan(&n)
	return n, err
}
