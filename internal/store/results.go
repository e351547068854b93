package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
)

// #region record

// RecordResult appends one run record for a case.
func (s *Store) RecordResult(ctx context.Context, r Result) (Result, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO test_results (id, test_case_id, eval_run_id, passed, score, hallucination_risk, validation_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TestCaseID, r.EvalRunID, boolInt(r.Passed), r.Score, boolInt(r.HallucinationRisk),
		nullRaw(r.Validation), formatTime(r.CreatedAt),
	)
	if err != nil {
		return Result{}, apperr.Persistence("record result", err)
	}
	return r, nil
}

// #endregion record

// #region history

// CaseHistory aggregates recorded results per test case id.
func (s *Store) CaseHistory(ctx context.Context) (map[string]CaseHistory, error) {
	var rows []struct {
		TestCaseID     string `db:"test_case_id"`
		Total          int    `db:"total"`
		Passed         int    `db:"passed"`
		Hallucinations int    `db:"hallucinations"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT test_case_id,
			COUNT(*) AS total,
			COALESCE(SUM(passed), 0) AS passed,
			COALESCE(SUM(hallucination_risk), 0) AS hallucinations
		 FROM test_results GROUP BY test_case_id`)
	if err != nil {
		return nil, apperr.Persistence("case history", err)
	}
	out := make(map[string]CaseHistory, len(rows))
	for _, r := range rows {
		out[r.TestCaseID] = CaseHistory{Total: r.Total, Passed: r.Passed, Hallucinations: r.Hallucinations}
	}
	return out, nil
}

// RecentValidations returns the validation payloads of the newest results.
func (s *Store) RecentValidations(ctx context.Context, limit int) ([]json.RawMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	var raws []string
	err := s.db.SelectContext(ctx, &raws,
		`SELECT validation_json FROM test_results
		 WHERE validation_json IS NOT NULL
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperr.Persistence("recent validations", err)
	}
	out := make([]json.RawMessage, len(raws))
	for i, r := range raws {
		out[i] = json.RawMessage(r)
	}
	return out, nil
}

// #endregion history
