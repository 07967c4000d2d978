package db

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

const (
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		actor_type TEXT NOT NULL DEFAULT 'Person',
		federated INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateKeyPairsTable = `CREATE TABLE IF NOT EXISTS keypairs (
		account_id TEXT NOT NULL PRIMARY KEY,
		public_key_pem TEXT NOT NULL,
		private_key_pem TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateOptionsTable = `CREATE TABLE IF NOT EXISTS options (
		name TEXT NOT NULL PRIMARY KEY,
		value TEXT NOT NULL
	)`

	// Remote accounts cache table
	sqlCreateRemoteAccountsTable = `CREATE TABLE IF NOT EXISTS remote_accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		actor_type TEXT,
		display_name TEXT,
		summary TEXT,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT,
		outbox_uri TEXT,
		public_key_id TEXT,
		public_key_pem TEXT NOT NULL,
		avatar_url TEXT,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRemoteAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_domain ON remote_accounts(domain);
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_key_id ON remote_accounts(public_key_id);
	`

	// seq gives followers a stable listing order for paged delivery
	sqlCreateFollowersTable = `CREATE TABLE IF NOT EXISTS followers (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		account_id TEXT NOT NULL,
		remote_actor_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT,
		errors INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, remote_actor_uri)
	)`

	sqlCreateFollowerErrorsTable = `CREATE TABLE IF NOT EXISTS follower_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		follower_id TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateFollowersIndices = `
		CREATE INDEX IF NOT EXISTS idx_followers_remote_actor_uri ON followers(remote_actor_uri);
		CREATE INDEX IF NOT EXISTS idx_follower_errors_follower_id ON follower_errors(follower_id);
	`

	sqlCreateOutboxTable = `CREATE TABLE IF NOT EXISTS outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		activity_id TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		account_id TEXT NOT NULL,
		actor_kind TEXT NOT NULL,
		visibility TEXT NOT NULL DEFAULT 'public',
		status TEXT NOT NULL DEFAULT 'pending',
		follower_offset INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		claimed_until INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateOutboxIndices = `
		CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status);
		CREATE INDEX IF NOT EXISTS idx_outbox_account_id ON outbox(account_id);
	`

	sqlCreateJobsTable = `CREATE TABLE IF NOT EXISTS jobs (
		id TEXT NOT NULL PRIMARY KEY,
		name TEXT NOT NULL,
		arg TEXT NOT NULL DEFAULT '',
		run_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		backoff INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(name, arg)
	)`

	sqlCreateJobsIndices = `
		CREATE INDEX IF NOT EXISTS idx_jobs_run_at ON jobs(run_at);
	`

	// Activities log table (for deduplication & inbox paging)
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		account_id TEXT NOT NULL,
		activity_uri TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		raw_json TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(activity_uri, account_id)
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_account_id ON activities(account_id, seq DESC);
	`

	sqlCreateObjectsTable = `CREATE TABLE IF NOT EXISTS objects (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		object_uri TEXT UNIQUE NOT NULL,
		url TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRepliesTable = `CREATE TABLE IF NOT EXISTS replies (
		id TEXT NOT NULL PRIMARY KEY,
		object_id TEXT NOT NULL,
		remote_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		author_name TEXT,
		avatar_url TEXT,
		content TEXT,
		url TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(remote_id, kind)
	)`

	sqlCreateContentIndices = `
		CREATE INDEX IF NOT EXISTS idx_objects_url ON objects(url);
		CREATE INDEX IF NOT EXISTS idx_replies_object_id ON replies(object_id);
	`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		tables := []struct {
			name string
			sql  string
		}{
			{"accounts", sqlCreateAccountsTable},
			{"keypairs", sqlCreateKeyPairsTable},
			{"options", sqlCreateOptionsTable},
			{"remote_accounts", sqlCreateRemoteAccountsTable},
			{"followers", sqlCreateFollowersTable},
			{"follower_errors", sqlCreateFollowerErrorsTable},
			{"outbox", sqlCreateOutboxTable},
			{"jobs", sqlCreateJobsTable},
			{"activities", sqlCreateActivitiesTable},
			{"objects", sqlCreateObjectsTable},
			{"replies", sqlCreateRepliesTable},
		}
		for _, t := range tables {
			if err := db.createTableIfNotExists(ctx, tx, t.sql, t.name); err != nil {
				return err
			}
		}

		indices := []string{
			sqlCreateRemoteAccountsIndices,
			sqlCreateFollowersIndices,
			sqlCreateOutboxIndices,
			sqlCreateJobsIndices,
			sqlCreateActivitiesIndices,
			sqlCreateContentIndices,
		}
		for _, idx := range indices {
			if _, err := tx.ExecContext(ctx, idx); err != nil {
				db.log.Warn("failed to create indices", zap.Error(err))
			}
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(ctx context.Context, tx *sql.Tx, createSQL string, tableName string) error {
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		db.log.Error("error creating table", zap.String("table", tableName), zap.Error(err))
		return err
	}
	db.log.Debug("table created or already exists", zap.String("table", tableName))
	return nil
}
