package promotion

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
	"github.com/danielpatrickdp/evalpipe/internal/logging"
	"github.com/danielpatrickdp/evalpipe/internal/runner"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

// #region types

// Metric captures a single threshold check on one result.
type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Pass  bool    `json:"pass"`
}

// CaseVerdict is the gating outcome for one golden case.
type CaseVerdict struct {
	TestCaseID string   `json:"test_case_id"`
	Passed     bool     `json:"passed"`
	Metrics    []Metric `json:"metrics,omitempty"`
	Reasons    []string `json:"reasons,omitempty"`
}

// Verification is the outcome of running a prompt over a golden set.
type Verification struct {
	SetID     string        `json:"set_id"`
	PromptID  string        `json:"prompt_id"`
	Passed    bool          `json:"passed"`
	PassRate  int           `json:"pass_rate"`
	Total     int           `json:"total"`
	FailCount int           `json:"fail_count"`
	Verdicts  []CaseVerdict `json:"verdicts"`
	Reason    string        `json:"reason"`
}

// #endregion types

// #region evaluate

// Evaluate applies the set thresholds to one result. A missing category score
// is not checked. Legality is checked only when a format is in play.
func Evaluate(res runner.CaseResult, t store.Thresholds, formatKey string) CaseVerdict {
	v := CaseVerdict{TestCaseID: res.TestCase.ID, Passed: true}
	fail := func(format string, args ...any) {
		v.Passed = false
		v.Reasons = append(v.Reasons, fmt.Sprintf(format, args...))
	}

	var b *runner.Breakdown
	if res.Validation != nil {
		b = res.Validation.ValidatorBreakdown
	}
	if b == nil {
		fail("No validator breakdown")
		return v
	}

	check := func(name string, value float64, pass bool) bool {
		v.Metrics = append(v.Metrics, Metric{Name: name, Value: value, Pass: pass})
		return pass
	}

	if !check("overall_score", b.OverallScore, b.OverallScore >= t.MinOverallScore) {
		fail("Overall score %g < %g", b.OverallScore, t.MinOverallScore)
	}
	if !check("critical_violations", float64(b.Violations.Critical), b.Violations.Critical <= t.MaxCriticalViolations) {
		fail("Critical violations %d > %d", b.Violations.Critical, t.MaxCriticalViolations)
	}
	if !check("total_violations", float64(b.Violations.Total), b.Violations.Total <= t.MaxTotalViolations) {
		fail("Total violations %d > %d", b.Violations.Total, t.MaxTotalViolations)
	}
	if s, ok := b.CategoryScores["specificity"]; ok && !check("specificity", s, s >= t.MinSpecificityScore) {
		fail("Specificity %g < %g", s, t.MinSpecificityScore)
	}
	if s, ok := b.CategoryScores["actionability"]; ok && !check("actionability", s, s >= t.MinActionabilityScore) {
		fail("Actionability %g < %g", s, t.MinActionabilityScore)
	}
	if formatKey != "" {
		if s, ok := b.CategoryScores["legality"]; ok && !check("format_legality", s, s >= t.MinFormatLegalityScore) {
			fail("Format legality %g < %g", s, t.MinFormatLegalityScore)
		}
	}
	return v
}

// #endregion evaluate

// #region verifier

// GoldenStore resolves golden set cases.
type GoldenStore interface {
	ListTestCasesByIDs(ctx context.Context, ids []string) ([]store.TestCase, error)
}

// Verifier runs a candidate prompt over a golden set. Strict sets pass only
// with zero failing cases; others pass at MinPassRate or better.
type Verifier struct {
	runner      runner.Runner
	store       GoldenStore
	minPassRate float64
	formatKey   string
	log         *zap.Logger
}

func NewVerifier(r runner.Runner, s GoldenStore, minPassRate float64, formatKey string, log *zap.Logger) *Verifier {
	return &Verifier{
		runner:      r,
		store:       s,
		minPassRate: minPassRate,
		formatKey:   formatKey,
		log:         logging.OrNop(log).Named("promotion"),
	}
}

func (v *Verifier) Verify(ctx context.Context, set store.EvalSet, promptID string) (Verification, error) {
	cases, err := v.store.ListTestCasesByIDs(ctx, set.TestCaseIDs)
	if err != nil {
		return Verification{}, err
	}
	if len(cases) == 0 {
		return Verification{}, apperr.Validation("verify golden set", "golden set %s has no resolvable test cases", set.Name)
	}

	res, err := v.runner.Execute(ctx, cases, runner.Options{
		PromptVersionID: promptID,
		Suite:           "golden-" + set.Name,
		FormatKey:       v.formatKey,
	})
	if err != nil {
		return Verification{}, fmt.Errorf("run golden set: %w", err)
	}

	out := Verification{SetID: set.ID, PromptID: promptID, Total: len(res.Results)}
	var firstFailure string
	for _, r := range res.Results {
		verdict := Evaluate(r, set.Thresholds, v.formatKey)
		if !verdict.Passed {
			out.FailCount++
			if firstFailure == "" {
				firstFailure = fmt.Sprintf("%s: %s", verdict.TestCaseID, verdict.Reasons[0])
			}
		}
		out.Verdicts = append(out.Verdicts, verdict)
	}
	if out.Total > 0 {
		out.PassRate = int(math.Round(float64(out.Total-out.FailCount) * 100 / float64(out.Total)))
	}

	if set.Thresholds.Strict {
		out.Passed = out.Total > 0 && out.FailCount == 0
	} else {
		out.Passed = out.Total > 0 && float64(out.PassRate) >= v.minPassRate
	}

	switch {
	case out.Passed:
		out.Reason = "all checks passed"
		if out.FailCount > 0 {
			out.Reason = fmt.Sprintf("pass rate %d%% meets %g%%", out.PassRate, v.minPassRate)
		}
	case out.FailCount > 1:
		out.Reason = fmt.Sprintf("golden set failed: %d cases: %s", out.FailCount, firstFailure)
	case out.FailCount == 1:
		out.Reason = fmt.Sprintf("golden set failed: %s", firstFailure)
	default:
		out.Reason = "golden set returned no results"
	}

	v.log.Info("golden set verified",
		zap.String("set", set.Name),
		zap.String("prompt_id", promptID),
		zap.Bool("passed", out.Passed),
		zap.Int("pass_rate", out.PassRate),
		zap.Int("fail_count", out.FailCount),
	)
	return out, nil
}

// #endregion verifier
