package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/deemkeen/apcore/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// ErrNotFound is returned by Read* methods when no row matches.
var ErrNotFound = errors.New("not found")

const maxBusyRetries = 5

// DB is the durable store for actors, keys, followers, the outbox and scheduled jobs.
type DB struct {
	db    *sql.DB
	log   *zap.Logger
	clock clock.Clock
}

// Open opens (or creates) the sqlite database at path. Migrations are not run.
func Open(path string, logger *zap.Logger, clk clock.Clock) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=temp_store(MEMORY)&_time_format=sqlite", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	logger.Named("db").Debug("database opened", zap.String("path", path))
	return &DB{db: sqlDB, log: logger.Named("db"), clock: clk}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) now() time.Time {
	return db.clock.Now().UTC()
}

// wrapTransaction runs f in a transaction, retrying the whole transaction while sqlite reports busy.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxBusyRetries; attempt++ {
		err = db.runTransaction(ctx, f)
		if !isBusy(err) {
			return err
		}
		db.log.Debug("database busy, retrying transaction", zap.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
	return err
}

func (db *DB) runTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := f(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code()&0xff == sqlitelib.SQLITE_BUSY
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// Accounts
const (
	sqlInsertAccount          = `INSERT INTO accounts(id, username, actor_type, federated, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectAccountColumns   = `SELECT id, username, actor_type, federated, created_at FROM accounts`
	sqlSelectAccountById      = sqlSelectAccountColumns + ` WHERE id = ?`
	sqlSelectAccountByName    = sqlSelectAccountColumns + ` WHERE username = ?`
	sqlSelectAllAccounts      = sqlSelectAccountColumns + ` ORDER BY created_at`
	sqlUpdateAccountFederated = `UPDATE accounts SET federated = ? WHERE id = ?`
)

func (db *DB) CreateAccount(ctx context.Context, username string, actorType domain.ActorType, federated bool) (*domain.Account, error) {
	acc := &domain.Account{
		Id:        uuid.New(),
		Username:  username,
		ActorType: actorType,
		Federated: federated,
		CreatedAt: db.now(),
	}
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertAccount, acc.Id, acc.Username, string(acc.ActorType), acc.Federated, acc.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create account %s: %w", username, err)
	}
	return acc, nil
}

// EnsureAccount returns the account with the given username, creating it when missing.
func (db *DB) EnsureAccount(ctx context.Context, username string, actorType domain.ActorType) (*domain.Account, error) {
	acc, err := db.ReadAccByUsername(ctx, username)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	acc, err = db.CreateAccount(ctx, username, actorType, true)
	if err != nil {
		// lost a race with another creator
		if existing, rerr := db.ReadAccByUsername(ctx, username); rerr == nil {
			return existing, nil
		}
		return nil, err
	}
	return acc, nil
}

func (db *DB) ReadAccById(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return scanAccount(db.db.QueryRowContext(ctx, sqlSelectAccountById, id))
}

func (db *DB) ReadAccByUsername(ctx context.Context, username string) (*domain.Account, error) {
	return scanAccount(db.db.QueryRowContext(ctx, sqlSelectAccountByName, username))
}

func (db *DB) ReadAllAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectAllAccounts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

func (db *DB) UpdateAccountFederated(ctx context.Context, id uuid.UUID, federated bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateAccountFederated, federated, id)
		return err
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*domain.Account, error) {
	var acc domain.Account
	var actorType string
	if err := row.Scan(&acc.Id, &acc.Username, &actorType, &acc.Federated, &acc.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	acc.ActorType = domain.ActorType(actorType)
	return &acc, nil
}

// Keypairs
const (
	sqlInsertKeyPairIfAbsent = `INSERT INTO keypairs(account_id, public_key_pem, private_key_pem, created_at) VALUES (?, ?, ?, ?)
									ON CONFLICT(account_id) DO NOTHING`
	sqlSelectKeyPair = `SELECT account_id, public_key_pem, private_key_pem, created_at FROM keypairs WHERE account_id = ?`
)

// InsertKeyPairIfAbsent stores kp unless the account already has a keypair, and returns whichever
// keypair is stored afterwards. The first writer wins.
func (db *DB) InsertKeyPairIfAbsent(ctx context.Context, kp *domain.KeyPair) (*domain.KeyPair, error) {
	var stored *domain.KeyPair
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlInsertKeyPairIfAbsent, kp.AccountId, kp.PublicPem, kp.PrivatePem, kp.CreatedAt); err != nil {
			return err
		}
		var err error
		stored, err = scanKeyPair(tx.QueryRowContext(ctx, sqlSelectKeyPair, kp.AccountId))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store keypair for %s: %w", kp.AccountId, err)
	}
	return stored, nil
}

func (db *DB) ReadKeyPair(ctx context.Context, accountId uuid.UUID) (*domain.KeyPair, error) {
	return scanKeyPair(db.db.QueryRowContext(ctx, sqlSelectKeyPair, accountId))
}

func scanKeyPair(row scanner) (*domain.KeyPair, error) {
	var kp domain.KeyPair
	if err := row.Scan(&kp.AccountId, &kp.PublicPem, &kp.PrivatePem, &kp.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &kp, nil
}

// Options
const (
	sqlSelectOption         = `SELECT value FROM options WHERE name = ?`
	sqlUpsertOption         = `INSERT INTO options(name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`
	sqlInsertOptionIfAbsent = `INSERT INTO options(name, value) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`
	sqlDeleteOption         = `DELETE FROM options WHERE name = ?`
)

func (db *DB) ReadOption(ctx context.Context, name string) (string, error) {
	var value string
	if err := db.db.QueryRowContext(ctx, sqlSelectOption, name).Scan(&value); err != nil {
		return "", notFound(err)
	}
	return value, nil
}

func (db *DB) SetOption(ctx context.Context, name, value string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertOption, name, value)
		return err
	})
}

func (db *DB) DeleteOption(ctx context.Context, name string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteOption, name)
		return err
	})
}

// Legacy key material written by earlier releases, keyed by account id.
func legacyPublicKeyOption(id uuid.UUID) string  { return "legacy_public_key:" + id.String() }
func legacyPrivateKeyOption(id uuid.UUID) string { return "legacy_private_key:" + id.String() }

// ReadLegacyKeyPair returns key material stored in the legacy options, or ErrNotFound.
func (db *DB) ReadLegacyKeyPair(ctx context.Context, accountId uuid.UUID) (*domain.KeyPair, error) {
	pub, err := db.ReadOption(ctx, legacyPublicKeyOption(accountId))
	if err != nil {
		return nil, err
	}
	priv, err := db.ReadOption(ctx, legacyPrivateKeyOption(accountId))
	if err != nil {
		return nil, err
	}
	if pub == "" || priv == "" {
		return nil, ErrNotFound
	}
	return &domain.KeyPair{AccountId: accountId, PublicPem: pub, PrivatePem: priv}, nil
}

// SetLegacyKeyPair writes key material in the legacy layout. Used by imports and tests.
func (db *DB) SetLegacyKeyPair(ctx context.Context, accountId uuid.UUID, publicPem, privatePem string) error {
	if err := db.SetOption(ctx, legacyPublicKeyOption(accountId), publicPem); err != nil {
		return err
	}
	return db.SetOption(ctx, legacyPrivateKeyOption(accountId), privatePem)
}
