package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"whatsauto/internal/constants"
	"whatsauto/internal/migrations"
	"whatsauto/internal/models"
	"whatsauto/internal/retry"
	"whatsauto/internal/security"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Database is the durable store for rules, execution logs, scheduled sends,
// campaigns and recipients. It speaks SQLite and PostgreSQL; queries are
// written with "?" placeholders and rebound for PostgreSQL.
type Database struct {
	db        *sql.DB
	dialect   migrations.Dialect
	encryptor *encryptor
	backoff   *retry.Backoff
}

// New opens the configured store, applies pending migrations and sets up
// phone number encryption.
func New(ctx context.Context, cfg models.DatabaseConfig) (*Database, error) {
	dialect := migrations.Dialect(cfg.Driver)
	if dialect == "" {
		dialect = migrations.SQLite
	}

	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case migrations.SQLite:
		db, err = openSQLite(cfg.Path)
	case migrations.Postgres:
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, fmt.Errorf("database dsn is required for driver %s", dialect)
		}
		db, err = sql.Open("pgx", cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, closeWith(db, fmt.Errorf("failed to ping database: %w", err))
	}

	if _, err := migrations.Apply(ctx, db, dialect); err != nil {
		return nil, closeWith(db, fmt.Errorf("failed to initialize schema: %w", err))
	}

	enc, err := NewEncryptor(cfg.EncryptionSecret)
	if err != nil {
		return nil, closeWith(db, fmt.Errorf("failed to initialize encryptor: %w", err))
	}

	return &Database{
		db:        db,
		dialect:   dialect,
		encryptor: enc,
		backoff: retry.NewBackoff(retry.Policy{
			InitialDelay: constants.DefaultDatabaseRetryBackoffMs * time.Millisecond,
			MaxDelay:     constants.DefaultDatabaseMaxBackoffMs * time.Millisecond,
			Multiplier:   2,
			MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
			Jitter:       true,
		}),
	}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		path = constants.DefaultDatabasePath
	}
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL", path, constants.SQLiteBusyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection keeps transactions serial.
	db.SetMaxOpenConns(1)
	return db, nil
}

func closeWith(db *sql.DB, err error) error {
	if closeErr := db.Close(); closeErr != nil {
		return fmt.Errorf("%w (close error: %v)", err, closeErr)
	}
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping reports whether the store is reachable. Used by the health endpoint.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Database) Dialect() migrations.Dialect {
	return d.dialect
}

// rebind turns "?" placeholders into "$n" for PostgreSQL.
func (d *Database) rebind(query string) string {
	if d.dialect != migrations.Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *Database) exec(ctx context.Context, q queryer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, d.rebind(query), args...)
}

func (d *Database) query(ctx context.Context, q queryer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, d.rebind(query), args...)
}

func (d *Database) queryRow(ctx context.Context, q queryer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, d.rebind(query), args...)
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn in a transaction, retrying the whole transaction on lock
// contention and serialization failures.
func (d *Database) inTx(ctx context.Context, name string, fn func(tx *sql.Tx) error) error {
	return d.retryable(ctx, name, func(ctx context.Context) error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func affected(res sql.Result) (bool, error) {
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return rows > 0, nil
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
