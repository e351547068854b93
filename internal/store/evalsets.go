package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
)

// #region rows

const evalSetColumns = `id, name, description, test_case_ids_json, min_overall_score,
	max_critical_violations, max_total_violations, min_specificity_score,
	min_actionability_score, min_format_legality_score, strict, verified_at,
	created_at, updated_at`

type evalSetRow struct {
	ID                     string         `db:"id"`
	Name                   string         `db:"name"`
	Description            sql.NullString `db:"description"`
	TestCaseIDsJSON        string         `db:"test_case_ids_json"`
	MinOverallScore        float64        `db:"min_overall_score"`
	MaxCriticalViolations  int            `db:"max_critical_violations"`
	MaxTotalViolations     int            `db:"max_total_violations"`
	MinSpecificityScore    float64        `db:"min_specificity_score"`
	MinActionabilityScore  float64        `db:"min_actionability_score"`
	MinFormatLegalityScore float64        `db:"min_format_legality_score"`
	Strict                 bool           `db:"strict"`
	VerifiedAt             sql.NullString `db:"verified_at"`
	CreatedAt              string         `db:"created_at"`
	UpdatedAt              string         `db:"updated_at"`
}

func (r evalSetRow) toSet() EvalSet {
	return EvalSet{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description.String,
		TestCaseIDs: unmarshalIDs(r.TestCaseIDsJSON),
		Thresholds: Thresholds{
			MinOverallScore:        r.MinOverallScore,
			MaxCriticalViolations:  r.MaxCriticalViolations,
			MaxTotalViolations:     r.MaxTotalViolations,
			MinSpecificityScore:    r.MinSpecificityScore,
			MinActionabilityScore:  r.MinActionabilityScore,
			MinFormatLegalityScore: r.MinFormatLegalityScore,
			Strict:                 r.Strict,
		},
		VerifiedAt: timePtr(r.VerifiedAt),
		CreatedAt:  parseTime(r.CreatedAt),
		UpdatedAt:  parseTime(r.UpdatedAt),
	}
}

// #endregion rows

// #region read

func (s *Store) GetEvalSet(ctx context.Context, id string) (EvalSet, error) {
	var row evalSetRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+evalSetColumns+` FROM eval_sets WHERE id = ?`, id); err != nil {
		return EvalSet{}, notFoundOr("get eval set", "eval set", id, err)
	}
	return row.toSet(), nil
}

func (s *Store) GetEvalSetByName(ctx context.Context, name string) (EvalSet, error) {
	var row evalSetRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+evalSetColumns+` FROM eval_sets WHERE name = ?`, name); err != nil {
		return EvalSet{}, notFoundOr("get eval set by name", "eval set", name, err)
	}
	return row.toSet(), nil
}

// LatestEvalSet returns the most recently updated set.
func (s *Store) LatestEvalSet(ctx context.Context) (EvalSet, error) {
	var row evalSetRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+evalSetColumns+` FROM eval_sets ORDER BY updated_at DESC, rowid DESC LIMIT 1`)
	if err != nil {
		return EvalSet{}, notFoundOr("latest eval set", "eval set", "latest", err)
	}
	return row.toSet(), nil
}

func (s *Store) CountEvalSets(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM eval_sets`); err != nil {
		return 0, apperr.Persistence("count eval sets", err)
	}
	return n, nil
}

// #endregion read

// #region upsert

// UpsertEvalSetByName inserts set, or, when a set with the same name exists,
// replaces its description, case list and thresholds in place and clears any
// earlier verification. created reports whether a new row was inserted. The
// whole operation is a single statement so concurrent curations of the same
// name cannot duplicate it.
func (s *Store) UpsertEvalSetByName(ctx context.Context, set EvalSet) (EvalSet, bool, error) {
	newID := uuid.New().String()
	now := time.Now().UTC()
	ids, err := marshalIDs(set.TestCaseIDs)
	if err != nil {
		return EvalSet{}, false, err
	}
	t := set.Thresholds

	var row evalSetRow
	err = s.db.GetContext(ctx, &row,
		`INSERT INTO eval_sets (id, name, description, test_case_ids_json, min_overall_score,
			max_critical_violations, max_total_violations, min_specificity_score,
			min_actionability_score, min_format_legality_score, strict, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			test_case_ids_json = excluded.test_case_ids_json,
			min_overall_score = excluded.min_overall_score,
			max_critical_violations = excluded.max_critical_violations,
			max_total_violations = excluded.max_total_violations,
			min_specificity_score = excluded.min_specificity_score,
			min_actionability_score = excluded.min_actionability_score,
			min_format_legality_score = excluded.min_format_legality_score,
			strict = excluded.strict,
			verified_at = NULL,
			updated_at = excluded.updated_at
		 RETURNING `+evalSetColumns,
		newID, set.Name, nullString(set.Description), ids, t.MinOverallScore,
		t.MaxCriticalViolations, t.MaxTotalViolations, t.MinSpecificityScore,
		t.MinActionabilityScore, t.MinFormatLegalityScore, boolInt(t.Strict),
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return EvalSet{}, false, apperr.Persistence("upsert eval set", err)
	}
	return row.toSet(), row.ID == newID, nil
}

// MarkEvalSetVerified records an explicit verification pass for a set.
func (s *Store) MarkEvalSetVerified(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE eval_sets SET verified_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(at), formatTime(time.Now()), id)
	if err != nil {
		return apperr.Persistence("mark eval set verified", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("mark eval set verified", "eval set", id)
	}
	return nil
}

// #endregion upsert
