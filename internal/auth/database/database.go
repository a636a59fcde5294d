// Package database is the relational persistence layer of the control plane.
// It speaks two dialects: embedded SQLite (modernc.org/sqlite) for single-node
// deployments and tests, and PostgreSQL through pgx's database/sql driver.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	apierr "github.com/victorgomez09/inkwell/internal/auth"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// sqliteTime is a fixed-width layout so stored timestamps compare correctly as text.
const sqliteTime = "2006-01-02 15:04:05.000000000+00:00"

type Config struct {
	Driver          string        `yaml:"driver" env:"DRIVER"`
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DB wraps a *sql.DB with the dialect-specific bits the stores need.
type DB struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
}

// Open connects, applies the dialect's connection settings and creates the
// schema when missing.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var schema string
	switch cfg.Driver {
	case DriverSQLite, "":
		cfg.Driver = DriverSQLite
		schema = sqliteSchema
	case DriverPostgres:
		schema = postgresSchema
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.Driver == DriverSQLite {
		// One writer connection serializes transactions; busy_timeout covers
		// other processes holding the file.
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", apierr.ErrStorageUnavailable, err)
	}

	if cfg.Driver == DriverSQLite {
		for _, pragma := range []string{
			"PRAGMA foreign_keys = ON",
			"PRAGMA busy_timeout = 5000",
			"PRAGMA journal_mode = WAL",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("database ready", zap.String("driver", cfg.Driver))
	return &DB{db: db, driver: cfg.Driver, logger: logger}, nil
}

// OpenSQLite opens (or creates) a SQLite database file.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*DB, error) {
	return Open(ctx, Config{Driver: DriverSQLite, DSN: path}, logger)
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) Driver() string {
	return d.driver
}

// q rewrites ? placeholders into $n for PostgreSQL. Queries in this package
// never contain a literal question mark.
func (d *DB) q(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

// ts converts a timestamp into the bind value of the dialect.
func (d *DB) ts(t time.Time) any {
	if d.driver == DriverSQLite {
		return t.UTC().Format(sqliteTime)
	}
	return t.UTC()
}

// nts is ts for optional timestamps.
func (d *DB) nts(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.ts(*t)
}

// withTx runs fn in a transaction, committing on nil and rolling back otherwise.
func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			d.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// nullTime converts a scanned nullable timestamp.
func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
