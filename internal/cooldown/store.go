package cooldown

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store persists cooldown entries. Expiry is stored as absolute epoch
// milliseconds so rows survive restarts across machines with skewed clocks
// no worse than the config allows.
type Store interface {
	// Load purges expired rows and returns the live ones.
	Load(ctx context.Context) ([]Entry, error)
	// Put inserts or updates the row for (entry.Provider, entry.Model).
	Put(ctx context.Context, entry Entry) error
	// Delete removes one row. Deleting a missing row is not an error.
	Delete(ctx context.Context, provider, model string) error
	// Clear removes rows in scope; empty strings widen the scope.
	Clear(ctx context.Context, provider, model string) error
}

// NoopStore discards all writes and loads nothing.
type NoopStore struct{}

func (NoopStore) Load(context.Context) ([]Entry, error)              { return nil, nil }
func (NoopStore) Put(context.Context, Entry) error                   { return nil }
func (NoopStore) Delete(context.Context, string, string) error       { return nil }
func (NoopStore) Clear(ctx context.Context, p, m string) error       { return nil }

// SQLStore persists entries to SQLite or Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLiteStore opens (or creates) a SQLite-backed store.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "plexus.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cooldown store: %w", err)
	}
	s := &SQLStore{db: db, dialect: "sqlite"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore opens a Postgres-backed store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres cooldown store: %w", err)
	}
	s := &SQLStore{db: db, dialect: "postgres"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStoreFromDB wraps an existing database handle; the caller owns it.
func NewSQLStoreFromDB(db *sql.DB, dialect string) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s cooldown store: %w", s.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS provider_cooldowns (
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	expiry BIGINT NOT NULL,
	consecutive_failures INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (provider, model)
);`
	if s.dialect == "postgres" {
		ddl = `
CREATE TABLE IF NOT EXISTS provider_cooldowns (
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	expiry BIGINT NOT NULL,
	consecutive_failures INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (provider, model)
);`
	}
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize cooldown schema: %w", err)
	}
	return nil
}

func (s *SQLStore) ph(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	for i := 1; strings.Contains(query, "?"); i++ {
		query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
	}
	return query
}

func (s *SQLStore) Load(ctx context.Context) ([]Entry, error) {
	nowMs := time.Now().UnixMilli()
	if _, err := s.db.ExecContext(ctx, s.ph(`DELETE FROM provider_cooldowns WHERE expiry <= ?`), nowMs); err != nil {
		return nil, fmt.Errorf("purge expired cooldowns: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT provider, model, expiry, consecutive_failures FROM provider_cooldowns`)
	if err != nil {
		return nil, fmt.Errorf("load cooldowns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var expiryMs int64
		if err := rows.Scan(&e.Provider, &e.Model, &expiryMs, &e.ConsecutiveFailures); err != nil {
			return nil, fmt.Errorf("scan cooldown row: %w", err)
		}
		e.Expiry = time.UnixMilli(expiryMs)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) Put(ctx context.Context, entry Entry) error {
	query := s.ph(`INSERT INTO provider_cooldowns(provider, model, expiry, consecutive_failures, created_at)
	VALUES(?, ?, ?, ?, ?)
	ON CONFLICT(provider, model) DO UPDATE SET expiry = excluded.expiry, consecutive_failures = excluded.consecutive_failures`)

	_, err := s.db.ExecContext(ctx, query,
		entry.Provider,
		entry.Model,
		entry.Expiry.UnixMilli(),
		entry.ConsecutiveFailures,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("write cooldown: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, provider, model string) error {
	_, err := s.db.ExecContext(ctx, s.ph(`DELETE FROM provider_cooldowns WHERE provider = ? AND model = ?`), provider, model)
	if err != nil {
		return fmt.Errorf("delete cooldown: %w", err)
	}
	return nil
}

func (s *SQLStore) Clear(ctx context.Context, provider, model string) error {
	var err error
	switch {
	case provider == "" && model == "":
		_, err = s.db.ExecContext(ctx, `DELETE FROM provider_cooldowns`)
	case model == "":
		_, err = s.db.ExecContext(ctx, s.ph(`DELETE FROM provider_cooldowns WHERE provider = ?`), provider)
	case provider == "":
		_, err = s.db.ExecContext(ctx, s.ph(`DELETE FROM provider_cooldowns WHERE model = ?`), model)
	default:
		_, err = s.db.ExecContext(ctx, s.ph(`DELETE FROM provider_cooldowns WHERE provider = ? AND model = ?`), provider, model)
	}
	if err != nil {
		return fmt.Errorf("clear cooldowns: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
