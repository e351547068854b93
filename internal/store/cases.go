package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
)

// #region rows

const caseColumns = `id, name, type, input_json, expected_checks_json, tags_json, source,
	run_count, pass_count, catch_count, consistency_score, quality_score, failure_rate,
	last_passed_at, created_at, updated_at`

type caseRow struct {
	ID               string         `db:"id"`
	Name             string         `db:"name"`
	Type             string         `db:"type"`
	InputJSON        string         `db:"input_json"`
	ExpectedJSON     sql.NullString `db:"expected_checks_json"`
	TagsJSON         string         `db:"tags_json"`
	Source           sql.NullString `db:"source"`
	RunCount         int            `db:"run_count"`
	PassCount        int            `db:"pass_count"`
	CatchCount       int            `db:"catch_count"`
	ConsistencyScore float64        `db:"consistency_score"`
	QualityScore     float64        `db:"quality_score"`
	FailureRate      float64        `db:"failure_rate"`
	LastPassedAt     sql.NullString `db:"last_passed_at"`
	CreatedAt        string         `db:"created_at"`
	UpdatedAt        string         `db:"updated_at"`
}

func (r caseRow) toCase() TestCase {
	tc := TestCase{
		ID:             r.ID,
		Name:           r.Name,
		Type:           CaseType(r.Type),
		Input:          json.RawMessage(r.InputJSON),
		ExpectedChecks: rawOrNil(r.ExpectedJSON),
		Source:         r.Source.String,
		Stats: CaseStats{
			RunCount:         r.RunCount,
			PassCount:        r.PassCount,
			CatchCount:       r.CatchCount,
			ConsistencyScore: r.ConsistencyScore,
			QualityScore:     r.QualityScore,
			FailureRate:      r.FailureRate,
			LastPassedAt:     timePtr(r.LastPassedAt),
		},
		CreatedAt: parseTime(r.CreatedAt),
		UpdatedAt: parseTime(r.UpdatedAt),
	}
	tc.Tags = unmarshalIDs(r.TagsJSON)
	if tc.Tags == nil {
		tc.Tags = []string{}
	}
	return tc
}

func toCases(rows []caseRow) []TestCase {
	out := make([]TestCase, len(rows))
	for i, r := range rows {
		out[i] = r.toCase()
	}
	return out
}

// #endregion rows

// #region create

// CreateTestCase inserts a new test case with fresh stats. ID and timestamps
// are assigned when empty.
func (s *Store) CreateTestCase(ctx context.Context, tc TestCase) (TestCase, error) {
	if tc.ID == "" {
		tc.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = now
	}
	tc.UpdatedAt = tc.CreatedAt
	if tc.Tags == nil {
		tc.Tags = []string{}
	}
	if len(tc.Input) == 0 {
		tc.Input = json.RawMessage(`{}`)
	}
	if tc.Stats.ConsistencyScore == 0 {
		tc.Stats.ConsistencyScore = 100
	}

	tags, err := json.Marshal(tc.Tags)
	if err != nil {
		return TestCase{}, fmt.Errorf("marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO test_cases (id, name, type, input_json, expected_checks_json, tags_json, source,
			run_count, pass_count, catch_count, consistency_score, quality_score, failure_rate,
			last_passed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tc.ID, tc.Name, string(tc.Type), string(tc.Input), nullRaw(tc.ExpectedChecks), string(tags), nullString(tc.Source),
		tc.Stats.RunCount, tc.Stats.PassCount, tc.Stats.CatchCount, tc.Stats.ConsistencyScore,
		tc.Stats.QualityScore, tc.Stats.FailureRate, nullTime(tc.Stats.LastPassedAt),
		formatTime(tc.CreatedAt), formatTime(tc.UpdatedAt),
	)
	if err != nil {
		return TestCase{}, apperr.Persistence("insert test case", err)
	}
	return tc, nil
}

// #endregion create

// #region read

// GetTestCase returns one case by id.
func (s *Store) GetTestCase(ctx context.Context, id string) (TestCase, error) {
	var row caseRow
	err := s.db.GetContext(ctx, &row, `SELECT `+caseColumns+` FROM test_cases WHERE id = ?`, id)
	if err != nil {
		return TestCase{}, notFoundOr("get test case", "test case", id, err)
	}
	return row.toCase(), nil
}

// ListTestCases returns cases in insertion order. limit <= 0 returns all.
func (s *Store) ListTestCases(ctx context.Context, limit int) ([]TestCase, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []caseRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+caseColumns+` FROM test_cases ORDER BY created_at ASC, rowid ASC LIMIT ?`, limit)
	if err != nil {
		return nil, apperr.Persistence("list test cases", err)
	}
	return toCases(rows), nil
}

// ListTestCasesByIDs returns the cases named by ids, in the order given.
// Unknown ids are skipped.
func (s *Store) ListTestCasesByIDs(ctx context.Context, ids []string) ([]TestCase, error) {
	if len(ids) == 0 {
		return []TestCase{}, nil
	}
	query, args, err := sqlx.In(`SELECT `+caseColumns+` FROM test_cases WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build in query: %w", err)
	}
	var rows []caseRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, apperr.Persistence("list test cases by id", err)
	}

	byID := make(map[string]TestCase, len(rows))
	for _, r := range rows {
		byID[r.ID] = r.toCase()
	}
	out := make([]TestCase, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		tc, ok := byID[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, tc)
	}
	return out, nil
}

// CountTestCases returns the number of stored cases.
func (s *Store) CountTestCases(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM test_cases`); err != nil {
		return 0, apperr.Persistence("count test cases", err)
	}
	return n, nil
}

// ListTopQuality returns cases ordered by quality score, highest first.
func (s *Store) ListTopQuality(ctx context.Context, limit int) ([]TestCase, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []caseRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+caseColumns+` FROM test_cases ORDER BY quality_score DESC, created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, apperr.Persistence("list top quality", err)
	}
	return toCases(rows), nil
}

// #endregion read

// #region update-stats

// UpdateTestCaseStats overwrites the stats of one case. catch_count is
// written as max(stored, supplied) so it never decreases.
func (s *Store) UpdateTestCaseStats(ctx context.Context, id string, st CaseStats) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE test_cases SET
			run_count = ?, pass_count = ?, catch_count = MAX(catch_count, ?),
			consistency_score = ?, quality_score = ?, failure_rate = ?,
			last_passed_at = ?, updated_at = ?
		 WHERE id = ?`,
		st.RunCount, st.PassCount, st.CatchCount,
		st.ConsistencyScore, st.QualityScore, st.FailureRate,
		nullTime(st.LastPassedAt), formatTime(time.Now()), id,
	)
	if err != nil {
		return apperr.Persistence("update test case stats", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("update test case stats", "test case", id)
	}
	return nil
}

// #endregion update-stats
