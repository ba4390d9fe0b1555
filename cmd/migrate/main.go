package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"whatsauto/internal/config"
	"whatsauto/internal/constants"
	"whatsauto/internal/migrations"
	"whatsauto/internal/security"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

func main() {
	driver := flag.String("driver", "", "Database driver: sqlite3 or pgx (default $WHATSAUTO_DB_DRIVER or sqlite3)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (default $WHATSAUTO_DB_DSN)")
	dbPath := flag.String("db", "", "SQLite database file (default $WHATSAUTO_DB_PATH or "+constants.DefaultDatabasePath+")")
	statusOnly := flag.Bool("status", false, "Print the schema version without applying migrations")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := config.LoadDotEnv(".env"); err != nil {
		logger.WithError(err).Warn("Ignoring unreadable .env file")
	}

	target := resolveTarget(*driver, *dsn, *dbPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := run(ctx, target, *statusOnly, logger); err != nil {
		logger.Fatalf("Migration failed: %v", err)
	}
}

type target struct {
	dialect migrations.Dialect
	source  string
}

func resolveTarget(driver, dsn, path string) target {
	pick := func(flagValue, env, fallback string) string {
		if flagValue != "" {
			return flagValue
		}
		if v := os.Getenv(env); v != "" {
			return v
		}
		return fallback
	}

	dialect := migrations.Dialect(pick(driver, "WHATSAUTO_DB_DRIVER", constants.DefaultDatabaseDriver))
	if dialect == migrations.Postgres {
		return target{dialect: dialect, source: pick(dsn, "WHATSAUTO_DB_DSN", "")}
	}
	return target{dialect: dialect, source: pick(path, "WHATSAUTO_DB_PATH", constants.DefaultDatabasePath)}
}

func open(t target) (*sql.DB, error) {
	switch t.dialect {
	case migrations.SQLite:
		if err := security.ValidateFilePath(t.source); err != nil {
			return nil, fmt.Errorf("invalid database path: %w", err)
		}
		return sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on",
			t.source, constants.SQLiteBusyTimeoutMs))
	case migrations.Postgres:
		if t.source == "" {
			return nil, fmt.Errorf("a DSN is required for driver %s", t.dialect)
		}
		return sql.Open("pgx", t.source)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", t.dialect)
	}
}

func run(ctx context.Context, t target, statusOnly bool, logger *logrus.Logger) error {
	db, err := open(t)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if statusOnly {
		version, err := migrations.CurrentVersion(ctx, db)
		if err != nil {
			return err
		}
		logger.WithField("version", version).Info("Current schema version")
		return nil
	}

	applied, err := migrations.Apply(ctx, db, t.dialect)
	if err != nil {
		return err
	}
	version, err := migrations.CurrentVersion(ctx, db)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"driver":  t.dialect,
		"applied": applied,
		"version": version,
	}).Info("Schema is up to date")
	return nil
}
