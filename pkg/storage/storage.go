// Package storage provides the shared transactional store for cases,
// decisions, verifications, appeals and the commit ledger.
//
// It supports both Postgres and SQLite via standard database/sql drivers.
// All state-mutating operations in the system run inside a single
// transaction obtained through WithTx; individual stores operate on the
// Querier interface so they work identically on *sql.DB and *sql.Tx.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps a sql.DB with transaction helpers.
type DB struct {
	*sql.DB
}

// Open connects to the store identified by dsn. DSNs beginning with
// postgres:// use lib/pq; anything else is treated as a SQLite path
// (":memory:" included).
func Open(dsn string) (*DB, error) {
	driver := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "postgres"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// A single writer avoids SQLITE_BUSY under concurrent transactions.
		db.SetMaxOpenConns(1)
	}
	return &DB{DB: db}, nil
}

// WithTx runs fn inside a transaction. A non-nil error from fn rolls the
// whole transaction back; otherwise it is committed. Partial application
// is never observable.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("storage: rollback after %w: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS cases (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		lifecycle TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		current_task TEXT NOT NULL DEFAULT '',
		beneficiary_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		case_id TEXT NOT NULL,
		executor_id TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_case ON executions (case_id)`,
	`CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		case_id TEXT NOT NULL,
		decision_type TEXT NOT NULL,
		actor_kind TEXT NOT NULL,
		actor_user_id TEXT,
		reason TEXT NOT NULL DEFAULT '',
		intent_context TEXT NOT NULL DEFAULT '{}',
		decided_at TEXT NOT NULL,
		supersedes_decision_id TEXT,
		superseded_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_case_type ON decisions (tenant_id, case_id, decision_type)`,
	`CREATE TABLE IF NOT EXISTS verification_records (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		case_id TEXT NOT NULL,
		required_verifiers INTEGER NOT NULL,
		required_role_keys TEXT NOT NULL DEFAULT '[]',
		consensus TEXT NOT NULL,
		created_at TEXT NOT NULL,
		finalized_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS verification_votes (
		record_id TEXT NOT NULL,
		verifier_id TEXT NOT NULL,
		role_key TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		cast_at TEXT NOT NULL,
		PRIMARY KEY (record_id, verifier_id)
	)`,
	`CREATE TABLE IF NOT EXISTS appeals (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		case_id TEXT NOT NULL,
		opened_by_user_id TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		opened_at TEXT NOT NULL,
		resolved_at TEXT,
		superseded_commit_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_commits (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		case_id TEXT,
		event_type TEXT NOT NULL,
		ts BIGINT NOT NULL,
		actor_kind TEXT NOT NULL,
		actor_user_id TEXT,
		authority_proof TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		supersedes_commit_id TEXT,
		commitment_hash TEXT NOT NULL,
		signature TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_case_ts ON ledger_commits (case_id, ts)`,
}

// Migrate creates the schema. Safe to run repeatedly.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return nil
}
