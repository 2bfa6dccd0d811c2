// Package monitoring - usage_db.go persists request usage to sqlite.
//
// DESIGN: One row per finished request in request_log. Queries aggregate by
// account and model for `relay-gateway accounts list` and /stats.
package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// sqlite driver
	_ "modernc.org/sqlite"
)

// UsageDB wraps the request log database.
type UsageDB struct {
	*sql.DB
	path string
}

// OpenUsageDB opens (or creates) the usage database and applies the schema.
func OpenUsageDB(path string) (*UsageDB, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := sqlDB.PingContext(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &UsageDB{DB: sqlDB, path: path}
	if err := db.configure(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	if err := db.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return db, nil
}

// Path returns the database file path.
func (db *UsageDB) Path() string { return db.path }

func (db *UsageDB) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(context.Background(), pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (db *UsageDB) createSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS request_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		request_id TEXT NOT NULL,
		protocol TEXT NOT NULL,
		session_id TEXT,
		model TEXT,
		mapped_model TEXT,
		account TEXT,
		stream INTEGER DEFAULT 0,
		status_code INTEGER DEFAULT 200,
		attempts INTEGER DEFAULT 1,
		error_kind TEXT,
		compression_tiers TEXT,
		input_tokens INTEGER DEFAULT 0,
		output_tokens INTEGER DEFAULT 0,
		cache_read_tokens INTEGER DEFAULT 0,
		duration_ms INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_request_log_timestamp ON request_log(timestamp);
	CREATE INDEX IF NOT EXISTS idx_request_log_account ON request_log(account);
	`
	_, err := db.ExecContext(context.Background(), query)
	return err
}

// InsertRequest appends one finished request.
func (db *UsageDB) InsertRequest(ctx context.Context, ev *RequestEvent) error {
	const query = `
	INSERT INTO request_log (
		timestamp, request_id, protocol, session_id, model, mapped_model, account,
		stream, status_code, attempts, error_kind, compression_tiers,
		input_tokens, output_tokens, cache_read_tokens, duration_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stream := 0
	if ev.Stream {
		stream = 1
	}
	_, err := db.ExecContext(ctx, query,
		ev.Timestamp.Unix(), ev.RequestID, ev.Protocol, ev.SessionID, ev.Model, ev.MappedModel, ev.Account,
		stream, ev.StatusCode, ev.Attempts, ev.ErrorKind, strings.Join(ev.CompressionTiers, ","),
		ev.InputTokens, ev.OutputTokens, ev.CacheReadTokens, ev.TotalLatencyMs,
	)
	if err != nil {
		return fmt.Errorf("insert request_log: %w", err)
	}
	return nil
}

// AccountUsage aggregates requests for one account and model.
type AccountUsage struct {
	Account      string `json:"account"`
	Model        string `json:"model"`
	Requests     int    `json:"requests"`
	Failures     int    `json:"failures"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// UsageSince aggregates requests recorded at or after since, busiest first.
func (db *UsageDB) UsageSince(ctx context.Context, since time.Time) ([]AccountUsage, error) {
	const query = `
	SELECT COALESCE(account, ''), COALESCE(mapped_model, ''),
		COUNT(*),
		SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END),
		COALESCE(SUM(input_tokens), 0),
		COALESCE(SUM(output_tokens), 0)
	FROM request_log
	WHERE timestamp >= ?
	GROUP BY account, mapped_model
	ORDER BY COUNT(*) DESC, account ASC`

	rows, err := db.QueryContext(ctx, query, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("query request_log: %w", err)
	}
	defer rows.Close()

	var out []AccountUsage
	for rows.Next() {
		var u AccountUsage
		if err := rows.Scan(&u.Account, &u.Model, &u.Requests, &u.Failures, &u.InputTokens, &u.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan request_log: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
