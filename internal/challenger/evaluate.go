package challenger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
	"github.com/danielpatrickdp/evalpipe/internal/logging"
	"github.com/danielpatrickdp/evalpipe/internal/runner"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

// ChampionLabel names the active prompt's arm.
const ChampionLabel = "current"

// #region types

// Arm is one prompt's performance over the comparison sample.
type Arm struct {
	Label     string `json:"label"`
	PromptID  string `json:"prompt_id"`
	Version   string `json:"version"`
	PassRate  int    `json:"pass_rate"`
	PassCount int    `json:"pass_count"`
	Total     int    `json:"total"`
	EvalRunID string `json:"eval_run_id,omitempty"`
}

// Comparison is the outcome of running the champion against its challengers.
// AdoptPromptID is empty when the champion keeps the lead.
type Comparison struct {
	Champion         Arm    `json:"champion"`
	Arms             []Arm  `json:"arms"`
	Winner           Arm    `json:"winner"`
	RecommendedLabel string `json:"recommended_prompt"`
	AdoptPromptID    string `json:"adopt_prompt_id,omitempty"`
	WinRateDelta     int    `json:"win_rate_delta"`
	Risk             string `json:"risk_assessment"`
	Summary          string `json:"summary"`
}

// #endregion types

// #region risk

// Risk describes how far the winner moved the pass rate.
func Risk(delta int) string {
	switch {
	case delta > 10:
		return "High improvement - recommend adoption with Golden Set verification"
	case delta > 5:
		return "Moderate improvement - safe to adopt"
	case delta > 0:
		return "Slight improvement - consider adoption"
	default:
		return "No improvement - keep current"
	}
}

// #endregion risk

// #region evaluator

// Evaluator runs each prompt over the same cases and picks a winner.
type Evaluator struct {
	runner    runner.Runner
	limit     int
	formatKey string
	log       *zap.Logger
	now       func() time.Time
}

// NewEvaluator caps every comparison at limit cases (<= 0 means no cap).
func NewEvaluator(r runner.Runner, limit int, formatKey string, log *zap.Logger) *Evaluator {
	return &Evaluator{
		runner:    r,
		limit:     limit,
		formatKey: formatKey,
		log:       logging.OrNop(log).Named("challenger"),
		now:       time.Now,
	}
}

// Compare runs the champion first, then each candidate in order. The winner is
// the highest pass rate; ties keep the earlier arm.
func (e *Evaluator) Compare(ctx context.Context, champion store.PromptVersion, candidates []store.PromptVersion, cases []store.TestCase) (Comparison, error) {
	if len(cases) == 0 {
		return Comparison{}, apperr.Validation("compare prompts", "no test cases available")
	}
	if e.limit > 0 && len(cases) > e.limit {
		cases = cases[:e.limit]
	}

	champ, err := e.run(ctx, ChampionLabel, champion, cases)
	if err != nil {
		return Comparison{}, err
	}
	cmp := Comparison{Champion: champ, Winner: champ}
	for i, pv := range candidates {
		arm, err := e.run(ctx, armLabel(i), pv, cases)
		if err != nil {
			return Comparison{}, err
		}
		cmp.Arms = append(cmp.Arms, arm)
		if arm.PassRate > cmp.Winner.PassRate {
			cmp.Winner = arm
		}
	}

	cmp.RecommendedLabel = cmp.Winner.Label
	cmp.WinRateDelta = cmp.Winner.PassRate - champ.PassRate
	if cmp.Winner.Label != ChampionLabel {
		cmp.AdoptPromptID = cmp.Winner.PromptID
	}
	cmp.Risk = Risk(cmp.WinRateDelta)
	cmp.Summary = fmt.Sprintf("Winner: Prompt %s (%+d%% vs current)", cmp.Winner.Label, cmp.WinRateDelta)

	e.log.Info("comparison complete",
		zap.String("winner", cmp.Winner.Label),
		zap.Int("champion_pass_rate", champ.PassRate),
		zap.Int("win_rate_delta", cmp.WinRateDelta),
	)
	return cmp, nil
}

func (e *Evaluator) run(ctx context.Context, label string, pv store.PromptVersion, cases []store.TestCase) (Arm, error) {
	res, err := e.runner.Execute(ctx, cases, runner.Options{
		PromptVersionID: pv.ID,
		Suite:           fmt.Sprintf("%s-%d", SourceAutoChallenge, e.now().UnixMilli()),
		FormatKey:       e.formatKey,
	})
	if err != nil {
		return Arm{}, fmt.Errorf("run prompt %s: %w", label, err)
	}
	arm := Arm{
		Label:     label,
		PromptID:  pv.ID,
		Version:   pv.Version,
		PassRate:  runner.PassRate(res.Results),
		Total:     len(res.Results),
		EvalRunID: res.EvalRunID,
	}
	for _, r := range res.Results {
		if r.Validation.Passed() {
			arm.PassCount++
		}
	}
	return arm, nil
}

// armLabel names candidates B, C, D... in proposal order.
func armLabel(i int) string {
	return string(rune('B' + i))
}

// #endregion evaluator
