package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

const maintenanceLockOption = "maintenance_lock"

// Lock takes the maintenance lock without blocking. When the lock is free it stores the current
// time and reports acquired. When it is held, the stored timestamp is returned and left as is.
// This is a best-effort guard for a single scheduler, not a distributed mutex.
func (db *DB) Lock(ctx context.Context) (bool, time.Time, error) {
	now := db.now()
	var acquired bool
	var since time.Time
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertOptionIfAbsent, maintenanceLockOption, strconv.FormatInt(now.Unix(), 10))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			acquired, since = true, time.Unix(now.Unix(), 0).UTC()
			return nil
		}
		var value string
		if err := tx.QueryRowContext(ctx, sqlSelectOption, maintenanceLockOption).Scan(&value); err != nil {
			return err
		}
		ts, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed lock value %q: %w", value, err)
		}
		since = time.Unix(ts, 0).UTC()
		return nil
	})
	if err != nil {
		return false, time.Time{}, fmt.Errorf("maintenance lock: %w", err)
	}
	return acquired, since, nil
}

// Unlock releases the maintenance lock.
func (db *DB) Unlock(ctx context.Context) error {
	return db.DeleteOption(ctx, maintenanceLockOption)
}
