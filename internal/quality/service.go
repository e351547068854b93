package quality

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/evalpipe/internal/logging"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

// #region service

// CaseStore is the slice of the store the scorer needs.
type CaseStore interface {
	GetTestCase(ctx context.Context, id string) (store.TestCase, error)
	ListTestCases(ctx context.Context, limit int) ([]store.TestCase, error)
	ListTopQuality(ctx context.Context, limit int) ([]store.TestCase, error)
	UpdateTestCaseStats(ctx context.Context, id string, st store.CaseStats) error
}

// Service persists scores computed by Score and RecordRun.
type Service struct {
	store CaseStore
	log   *zap.Logger
	now   func() time.Time
}

func NewService(s CaseStore, log *zap.Logger) *Service {
	return &Service{store: s, log: logging.OrNop(log).Named("quality"), now: time.Now}
}

// #endregion service

// #region recompute

// Recompute rescores every case. Cases that fail to persist are skipped and
// reported together; the returned count is the number updated.
func (s *Service) Recompute(ctx context.Context) (int, error) {
	cases, err := s.store.ListTestCases(ctx, 0)
	if err != nil {
		return 0, err
	}
	var errs error
	updated := 0
	for _, tc := range cases {
		if err := s.store.UpdateTestCaseStats(ctx, tc.ID, Apply(tc.Stats)); err != nil {
			s.log.Warn("rescore failed", zap.String("case_id", tc.ID), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		updated++
	}
	s.log.Info("recomputed quality scores", zap.Int("updated", updated), zap.Int("total", len(cases)))
	return updated, errs
}

// RecomputeOne rescores a single case.
func (s *Service) RecomputeOne(ctx context.Context, id string) (store.TestCase, error) {
	tc, err := s.store.GetTestCase(ctx, id)
	if err != nil {
		return store.TestCase{}, err
	}
	tc.Stats = Apply(tc.Stats)
	if err := s.store.UpdateTestCaseStats(ctx, id, tc.Stats); err != nil {
		return store.TestCase{}, err
	}
	return tc, nil
}

// #endregion recompute

// #region record

// Record folds one run outcome into the stored stats of case id.
func (s *Service) Record(ctx context.Context, id string, o Outcome) (store.TestCase, error) {
	tc, err := s.store.GetTestCase(ctx, id)
	if err != nil {
		return store.TestCase{}, err
	}
	tc.Stats = RecordRun(tc.Stats, o, s.now())
	if err := s.store.UpdateTestCaseStats(ctx, id, tc.Stats); err != nil {
		return store.TestCase{}, err
	}
	s.log.Debug("recorded run",
		zap.String("case_id", id),
		zap.Bool("passed", o.Passed),
		zap.Float64("quality_score", tc.Stats.QualityScore),
	)
	return tc, nil
}

// #endregion record

// #region list

// List returns up to limit cases by descending quality (default 100) and a
// summary over them.
func (s *Service) List(ctx context.Context, limit int) ([]store.TestCase, Summary, error) {
	if limit <= 0 {
		limit = 100
	}
	cases, err := s.store.ListTopQuality(ctx, limit)
	if err != nil {
		return nil, Summary{}, err
	}
	return cases, Summarize(cases), nil
}

// #endregion list
