package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/smartscope/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

// NewClient opens the database at dbPath. Pragmas go through the DSN so every
// pooled connection gets them.
func NewClient(dbPath string) (*Client, error) {
	dsn := dbPath
	params := "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	if strings.Contains(dsn, "?") {
		dsn += "&" + params
	} else {
		dsn += "?" + params
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS analysis_requests (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		subject_type TEXT NOT NULL,
		parent_id TEXT,
		media_refs TEXT NOT NULL,
		category TEXT NOT NULL,
		context TEXT,
		source TEXT NOT NULL,
		payload TEXT,
		request_key TEXT NOT NULL,
		status TEXT NOT NULL,
		failure_reason TEXT,
		budget_flagged INTEGER DEFAULT 0,
		result_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_requests_key ON analysis_requests(org_id, request_key, created_at);
	CREATE INDEX IF NOT EXISTS idx_requests_subject ON analysis_requests(org_id, subject_id);
	CREATE INDEX IF NOT EXISTS idx_requests_status ON analysis_requests(status);

	CREATE TABLE IF NOT EXISTS analysis_results (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		parent_id TEXT,
		kind TEXT NOT NULL,
		category TEXT NOT NULL,
		fields TEXT NOT NULL,
		overall_confidence REAL NOT NULL,
		band TEXT NOT NULL,
		raw_response TEXT,
		status TEXT NOT NULL,
		model TEXT,
		previous_version_id TEXT UNIQUE,
		version INTEGER NOT NULL,
		profile_version INTEGER DEFAULT 0,
		reviewed_by TEXT,
		reviewed_at INTEGER,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (request_id) REFERENCES analysis_requests(id),
		FOREIGN KEY (previous_version_id) REFERENCES analysis_results(id)
	);
	CREATE INDEX IF NOT EXISTS idx_results_subject ON analysis_results(org_id, subject_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_results_request ON analysis_results(request_id, version);
	CREATE INDEX IF NOT EXISTS idx_results_parent ON analysis_results(org_id, parent_id, kind);

	CREATE TABLE IF NOT EXISTS feedback (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		result_id TEXT NOT NULL,
		rater_role TEXT,
		field_corrections TEXT,
		rating INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
		comments TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (result_id) REFERENCES analysis_results(id)
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_result ON feedback(result_id);
	CREATE INDEX IF NOT EXISTS idx_feedback_created ON feedback(created_at);

	CREATE TABLE IF NOT EXISTS cost_entries (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		request_id TEXT,
		attempt INTEGER NOT NULL,
		model TEXT,
		unit_cost TEXT NOT NULL,
		units_consumed INTEGER NOT NULL,
		computed_cost TEXT NOT NULL,
		success INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_costs_org_created ON cost_entries(org_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_costs_request ON cost_entries(request_id);

	CREATE TABLE IF NOT EXISTS calibration_profiles (
		category TEXT NOT NULL,
		version INTEGER NOT NULL,
		computed_at INTEGER NOT NULL,
		sample_size INTEGER NOT NULL,
		fields TEXT NOT NULL,
		PRIMARY KEY (category, version)
	);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// withTx runs fn in a transaction, committing when fn returns nil.
func (c *Client) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func toUnix(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
