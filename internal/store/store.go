package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS test_cases (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	type                 TEXT NOT NULL CHECK (type IN ('chat', 'deck_analysis')),
	input_json           TEXT NOT NULL,
	expected_checks_json TEXT,
	tags_json            TEXT NOT NULL DEFAULT '[]',
	source               TEXT,
	run_count            INTEGER NOT NULL DEFAULT 0,
	pass_count           INTEGER NOT NULL DEFAULT 0,
	catch_count          INTEGER NOT NULL DEFAULT 0,
	consistency_score    REAL NOT NULL DEFAULT 100,
	quality_score        REAL NOT NULL DEFAULT 0,
	failure_rate         REAL NOT NULL DEFAULT 0,
	last_passed_at       TEXT,
	created_at           TEXT NOT NULL,
	updated_at           TEXT NOT NULL,
	CHECK (run_count >= pass_count)
);

CREATE TABLE IF NOT EXISTS test_results (
	id                 TEXT PRIMARY KEY,
	test_case_id       TEXT NOT NULL,
	eval_run_id        TEXT NOT NULL,
	passed             INTEGER NOT NULL,
	score              REAL NOT NULL DEFAULT 0,
	hallucination_risk INTEGER NOT NULL DEFAULT 0,
	validation_json    TEXT,
	created_at         TEXT NOT NULL,
	FOREIGN KEY (test_case_id) REFERENCES test_cases(id)
);
CREATE INDEX IF NOT EXISTS idx_test_results_case ON test_results(test_case_id);

CREATE TABLE IF NOT EXISTS eval_sets (
	id                        TEXT PRIMARY KEY,
	name                      TEXT NOT NULL UNIQUE,
	description               TEXT,
	test_case_ids_json        TEXT NOT NULL,
	min_overall_score         REAL NOT NULL,
	max_critical_violations   INTEGER NOT NULL,
	max_total_violations      INTEGER NOT NULL,
	min_specificity_score     REAL NOT NULL,
	min_actionability_score   REAL NOT NULL,
	min_format_legality_score REAL NOT NULL,
	strict                    INTEGER NOT NULL,
	verified_at               TEXT,
	created_at                TEXT NOT NULL,
	updated_at                TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS prompt_versions (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL CHECK (kind IN ('chat', 'deck_analysis')),
	version    TEXT NOT NULL,
	body       TEXT NOT NULL,
	status     TEXT NOT NULL CHECK (status IN ('candidate', 'active')),
	meta_json  TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS active_prompt (
	kind       TEXT PRIMARY KEY,
	version_id TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES prompt_versions(id)
);

CREATE TABLE IF NOT EXISTS schedules (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	description         TEXT,
	frequency           TEXT NOT NULL CHECK (frequency IN ('daily', 'weekly', 'custom')),
	cron_expression     TEXT,
	test_case_ids_json  TEXT,
	alert_threshold     REAL NOT NULL DEFAULT 70,
	alert_on_regression INTEGER NOT NULL DEFAULT 1,
	alert_webhook       TEXT,
	enabled             INTEGER NOT NULL DEFAULT 1,
	next_run_at         TEXT NOT NULL,
	last_run_at         TEXT,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS promotion_log (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	prompt_version_id TEXT NOT NULL,
	kind              TEXT NOT NULL,
	decision          TEXT NOT NULL CHECK (decision IN ('adopt', 'recommend', 'reject')),
	reason            TEXT,
	evidence_json     TEXT,
	created_at        TEXT NOT NULL
);
`

// #endregion schema

// #region store-struct

// Store persists test cases, results, evaluation sets, prompt versions,
// schedules and the promotion log in SQLite.
type Store struct {
	db *sqlx.DB
}

// #endregion store-struct

// #region constructor

// Open opens (creating if needed) the SQLite database at path and migrates it.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying handle for packages that write their own rows
// (the promotion audit log).
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// #endregion constructor

// #region tx

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Persistence("begin tx", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Persistence("commit", err)
	}
	return nil
}

// #endregion tx

// #region helpers

// timeLayout is fixed-width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("marshal ids: %w", err)
	}
	return string(b), nil
}

func unmarshalIDs(s string) []string {
	var ids []string
	if s == "" {
		return ids
	}
	_ = json.Unmarshal([]byte(s), &ids)
	return ids
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// notFoundOr maps sql.ErrNoRows onto a NotFound error and anything else onto
// a Persistence error.
func notFoundOr(op, what, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(op, what, id)
	}
	return apperr.Persistence(op, err)
}

// #endregion helpers
