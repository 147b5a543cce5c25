package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Supported STORE_DRIVER values backed by SQL.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DB wraps sql.DB together with the dialect it speaks.
type DB struct {
	Client *sql.DB
	Driver string
}

// Open connects to Postgres (pgx) or SQLite (modernc) and applies migrations.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("store: open postgres: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	case DriverSQLite:
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: create sqlite dir: %w", err)
			}
		}
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("store: open sqlite: %w", err)
		}
		// one writer at a time; readers queue behind it
		db.SetMaxOpenConns(1)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	d := &DB{Client: db, Driver: driver}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}
	if err := d.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

// Ping verifies connectivity.
func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.Client == nil {
		return fmt.Errorf("store: not connected")
	}
	return d.Client.PingContext(ctx)
}

func sqliteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}

var placeholderRe = regexp.MustCompile(`\$\d+`)

// rebind rewrites $N placeholders for SQLite. Queries list their placeholders
// in ascending order, each exactly once.
func (d *DB) rebind(query string) string {
	if d.Driver != DriverSQLite {
		return query
	}
	return placeholderRe.ReplaceAllString(query, "?")
}

func (d *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.Client.ExecContext(ctx, d.rebind(query), args...)
}

func (d *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.Client.QueryContext(ctx, d.rebind(query), args...)
}

func (d *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.Client.QueryRowContext(ctx, d.rebind(query), args...)
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	token            TEXT NOT NULL UNIQUE,
	anchor_lat       DOUBLE PRECISION NOT NULL,
	anchor_lon       DOUBLE PRECISION NOT NULL,
	expected_network TEXT NOT NULL DEFAULT '',
	course           TEXT NOT NULL DEFAULT '',
	created_at       BIGINT NOT NULL,
	expires_at       BIGINT NOT NULL,
	CHECK (expires_at > created_at)
);

CREATE TABLE IF NOT EXISTS students (
	id         TEXT PRIMARY KEY,
	seq        BIGINT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	embedding  TEXT,
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS attendance_records (
	id              TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL REFERENCES sessions(id),
	student_id      TEXT NOT NULL REFERENCES students(id),
	dedup_key       TEXT NOT NULL,
	marked_at       BIGINT NOT NULL,
	geo_valid       BOOLEAN NOT NULL,
	network_valid   BOOLEAN NOT NULL,
	biometric_valid BOOLEAN NOT NULL,
	latitude        DOUBLE PRECISION NOT NULL,
	longitude       DOUBLE PRECISION NOT NULL,
	distance_m      DOUBLE PRECISION NOT NULL,
	network         TEXT NOT NULL DEFAULT '',
	photo           TEXT NOT NULL DEFAULT '',
	embedding       TEXT,
	UNIQUE (student_id, dedup_key)
);

CREATE INDEX IF NOT EXISTS idx_records_session ON attendance_records(session_id);
CREATE INDEX IF NOT EXISTS idx_records_marked  ON attendance_records(marked_at);

CREATE TABLE IF NOT EXISTS attendance_audit (
	record_id    TEXT PRIMARY KEY REFERENCES attendance_records(id),
	photo_url    TEXT NOT NULL DEFAULT '',
	face_score   DOUBLE PRECISION,
	processed_at BIGINT NOT NULL
);
`

func (d *DB) migrate(ctx context.Context) error {
	if _, err := d.exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var current int
	if err := d.queryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{version: 1, statements: splitStatements(schemaV1)},
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := d.Client.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, d.rebind(`INSERT INTO schema_migrations (version) VALUES ($1)`), m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// splitStatements breaks a schema blob on semicolons; pgx rejects multiple
// statements in one prepared Exec.
func splitStatements(schema string) []string {
	var out []string
	for _, stmt := range strings.Split(schema, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}
