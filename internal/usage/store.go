package usage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// NoopStore discards all writes.
type NoopStore struct{}

func (NoopStore) WriteUsage(context.Context, Entry) error      { return nil }
func (NoopStore) WriteError(context.Context, ErrorEntry) error { return nil }
func (NoopStore) Recent(context.Context, int) ([]Entry, error) { return nil, nil }
func (NoopStore) Close() error                                 { return nil }

// SQLStore persists usage and error rows to SQLite or Postgres. The usage
// upsert is keyed by request id so the streaming pending row and the later
// finalized row land on the same record.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLiteStore opens (or creates) a SQLite-backed usage store.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "plexus.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite usage store: %w", err)
	}
	s := &SQLStore{db: db, dialect: "sqlite"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore opens a Postgres-backed usage store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres usage store: %w", err)
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
		return fmt.Errorf("ping %s usage store: %w", s.dialect, err)
	}

	ts := "TIMESTAMP"
	if s.dialect == "postgres" {
		ts = "TIMESTAMPTZ"
	}
	ddl := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS request_usage (
	request_id TEXT PRIMARY KEY,
	ts %s NOT NULL,
	client_ip TEXT,
	api_key_name TEXT,
	alias_used TEXT,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	client_api_type TEXT,
	target_api_type TEXT,
	passthrough BOOLEAN NOT NULL,
	streaming BOOLEAN NOT NULL,
	pending BOOLEAN NOT NULL,
	input_tokens BIGINT NOT NULL,
	output_tokens BIGINT NOT NULL,
	cached_tokens BIGINT NOT NULL,
	reasoning_tokens BIGINT NOT NULL,
	latency_ms BIGINT NOT NULL,
	provider_ttft_ms BIGINT,
	client_ttft_ms BIGINT,
	provider_tokens_per_second DOUBLE PRECISION,
	client_tokens_per_second DOUBLE PRECISION,
	transformation_overhead_ms BIGINT,
	cost DOUBLE PRECISION NOT NULL,
	cost_source TEXT
);`, ts),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS inference_errors (
	request_id TEXT NOT NULL,
	ts %s NOT NULL,
	client_ip TEXT,
	api_key_name TEXT,
	alias_used TEXT,
	provider TEXT,
	model TEXT,
	status_code INTEGER NOT NULL,
	error_type TEXT NOT NULL,
	message TEXT,
	attempt_count INTEGER NOT NULL,
	provider_error TEXT
);`, ts),
	}
	for _, q := range ddl {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("initialize usage schema: %w", err)
		}
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

// WriteUsage upserts the row for e.RequestID. Finalizing a pending row and
// replaying a finalize are both safe.
func (s *SQLStore) WriteUsage(ctx context.Context, e Entry) error {
	query := s.ph(`INSERT INTO request_usage(
	request_id, ts, client_ip, api_key_name, alias_used, provider, model,
	client_api_type, target_api_type, passthrough, streaming, pending,
	input_tokens, output_tokens, cached_tokens, reasoning_tokens,
	latency_ms, provider_ttft_ms, client_ttft_ms,
	provider_tokens_per_second, client_tokens_per_second,
	transformation_overhead_ms, cost, cost_source)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(request_id) DO UPDATE SET
	ts = excluded.ts,
	pending = excluded.pending,
	input_tokens = excluded.input_tokens,
	output_tokens = excluded.output_tokens,
	cached_tokens = excluded.cached_tokens,
	reasoning_tokens = excluded.reasoning_tokens,
	latency_ms = excluded.latency_ms,
	provider_ttft_ms = excluded.provider_ttft_ms,
	client_ttft_ms = excluded.client_ttft_ms,
	provider_tokens_per_second = excluded.provider_tokens_per_second,
	client_tokens_per_second = excluded.client_tokens_per_second,
	transformation_overhead_ms = excluded.transformation_overhead_ms,
	cost = excluded.cost,
	cost_source = excluded.cost_source`)

	_, err := s.db.ExecContext(ctx, query,
		e.RequestID, e.Timestamp.UTC(), e.ClientIP, e.APIKeyName, e.AliasUsed,
		e.Provider, e.Model, e.ClientAPIType, e.TargetAPIType,
		e.Passthrough, e.Streaming, e.Pending,
		e.InputTokens, e.OutputTokens, e.CachedTokens, e.ReasoningTokens,
		e.LatencyMs, e.ProviderTTFTMs, e.ClientTTFTMs,
		e.ProviderTokensPerSecond, e.ClientTokensPerSecond,
		e.TransformationOverheadMs, e.Cost, e.CostSource,
	)
	if err != nil {
		return fmt.Errorf("write usage row: %w", err)
	}
	return nil
}

func (s *SQLStore) WriteError(ctx context.Context, e ErrorEntry) error {
	query := s.ph(`INSERT INTO inference_errors(
	request_id, ts, client_ip, api_key_name, alias_used, provider, model,
	status_code, error_type, message, attempt_count, provider_error)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		e.RequestID, e.Timestamp.UTC(), e.ClientIP, e.APIKeyName, e.AliasUsed,
		e.Provider, e.Model, e.StatusCode, e.ErrorType, e.Message,
		e.AttemptCount, e.ProviderError,
	)
	if err != nil {
		return fmt.Errorf("write error row: %w", err)
	}
	return nil
}

// Recent returns the newest usage rows, newest first.
func (s *SQLStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.ph(`SELECT request_id, ts, client_ip, api_key_name, alias_used,
	provider, model, client_api_type, target_api_type, passthrough, streaming,
	pending, input_tokens, output_tokens, cached_tokens, reasoning_tokens,
	latency_ms, provider_ttft_ms, client_ttft_ms, provider_tokens_per_second,
	client_tokens_per_second, transformation_overhead_ms, cost, cost_source
FROM request_usage ORDER BY ts DESC LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts time.Time
		var clientIP, keyName, alias, clientType, targetType, costSource sql.NullString
		var pTTFT, cTTFT, overhead sql.NullInt64
		var pTPS, cTPS sql.NullFloat64
		if err := rows.Scan(
			&e.RequestID, &ts, &clientIP, &keyName, &alias,
			&e.Provider, &e.Model, &clientType, &targetType,
			&e.Passthrough, &e.Streaming, &e.Pending,
			&e.InputTokens, &e.OutputTokens, &e.CachedTokens, &e.ReasoningTokens,
			&e.LatencyMs, &pTTFT, &cTTFT, &pTPS, &cTPS, &overhead,
			&e.Cost, &costSource,
		); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		e.Timestamp = ts
		e.ClientIP = clientIP.String
		e.APIKeyName = keyName.String
		e.AliasUsed = alias.String
		e.ClientAPIType = clientType.String
		e.TargetAPIType = targetType.String
		e.CostSource = costSource.String
		if pTTFT.Valid {
			v := pTTFT.Int64
			e.ProviderTTFTMs = &v
		}
		if cTTFT.Valid {
			v := cTTFT.Int64
			e.ClientTTFTMs = &v
		}
		if overhead.Valid {
			v := overhead.Int64
			e.TransformationOverheadMs = &v
		}
		if pTPS.Valid {
			v := pTPS.Float64
			e.ProviderTokensPerSecond = &v
		}
		if cTPS.Valid {
			v := cTPS.Float64
			e.ClientTokensPerSecond = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
