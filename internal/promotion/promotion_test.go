package promotion

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
	"github.com/danielpatrickdp/evalpipe/internal/challenger"
	"github.com/danielpatrickdp/evalpipe/internal/runner"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

// #region helpers

func comparison(adoptID string, delta int) challenger.Comparison {
	label := challenger.ChampionLabel
	if adoptID != "" {
		label = "B"
	}
	return challenger.Comparison{RecommendedLabel: label, AdoptPromptID: adoptID, WinRateDelta: delta}
}

func breakdown(overall float64, critical, total int, cats map[string]float64) runner.CaseResult {
	return runner.CaseResult{
		TestCase: runner.Case{ID: "tc"},
		Validation: &runner.Validation{
			Overall: &runner.Overall{Passed: true, Score: overall},
			ValidatorBreakdown: &runner.Breakdown{
				OverallScore:   overall,
				CategoryScores: cats,
				Violations:     runner.Violations{Critical: critical, Total: total},
			},
		},
	}
}

func tempStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "promotion.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// #endregion helpers

// #region gate-tests

func TestGateAdoptsWithoutGoldenSet(t *testing.T) {
	g := NewGate(DefaultGateConfig())
	d := g.Decide(Input{Comparison: comparison("pv-b", 12)})
	if d.Action != ActionAdopt {
		t.Fatalf("expected adopt, got %s: %s", d.Action, d.Reason)
	}
	if d.Blocked || d.Recommendation != nil {
		t.Fatalf("adopt decision should carry no blocks or recommendation: %+v", d)
	}
}

func TestGateAdoptsWithVerifiedGoldenSet(t *testing.T) {
	g := NewGate(DefaultGateConfig())
	d := g.Decide(Input{Comparison: comparison("pv-b", 6), GoldenSetExists: true, GoldenVerified: true})
	if d.Action != ActionAdopt {
		t.Fatalf("expected adopt, got %s: %s", d.Action, d.Reason)
	}
}

// pairComparison builds the comparison the evaluator would report for a champion and
// one candidate at the given pass rates.
func pairComparison(champion, candidate int) challenger.Comparison {
	if candidate > champion {
		return comparison("pv-b", candidate-champion)
	}
	return comparison("", 0)
}

func TestGateSweepNeverAdoptsSmallDelta(t *testing.T) {
	g := NewGate(DefaultGateConfig())
	for champion := 0; champion <= 100; champion += 5 {
		for candidate := 0; candidate <= 100; candidate++ {
			for _, golden := range []struct{ exists, verified bool }{{false, false}, {true, false}, {true, true}} {
				cmp := pairComparison(champion, candidate)
				d := g.Decide(Input{Comparison: cmp, GoldenSetExists: golden.exists, GoldenVerified: golden.verified})

				wantAdopt := candidate-champion > 5 && (!golden.exists || golden.verified)
				if (d.Action == ActionAdopt) != wantAdopt {
					t.Fatalf("champion %d candidate %d golden %+v: action %s, want adopt=%v",
						champion, candidate, golden, d.Action, wantAdopt)
				}
				if d.Action != ActionAdopt && d.Recommendation == nil {
					t.Fatalf("champion %d candidate %d: no recommendation", champion, candidate)
				}
			}
		}
	}
}

func TestGateMessages(t *testing.T) {
	g := NewGate(DefaultGateConfig())
	cases := []struct {
		name   string
		in     Input
		action string
		msg    string
		first  BlockType
	}{
		{
			name:   "delta exactly at threshold",
			in:     Input{Comparison: comparison("pv-b", 5)},
			action: ActionRecommend,
			msg:    "Improvement under 5%. Review before adopting.",
			first:  BlockSmallDelta,
		},
		{
			name:   "small delta wins over unverified golden set",
			in:     Input{Comparison: comparison("pv-b", 3), GoldenSetExists: true},
			action: ActionRecommend,
			msg:    "Improvement under 5%. Review before adopting.",
			first:  BlockSmallDelta,
		},
		{
			name:   "unverified golden set",
			in:     Input{Comparison: comparison("pv-b", 20), GoldenSetExists: true},
			action: ActionRecommend,
			msg:    "Run Golden Set to verify before adopting.",
			first:  BlockUnverifiedGolden,
		},
		{
			name:   "champion keeps the lead",
			in:     Input{Comparison: comparison("", 0)},
			action: ActionReject,
			msg:    "Improvement under 5%. Review before adopting.",
			first:  BlockNoChallenger,
		},
	}
	for _, tc := range cases {
		d := g.Decide(tc.in)
		if d.Action != tc.action {
			t.Errorf("%s: action %s, want %s", tc.name, d.Action, tc.action)
		}
		if !d.Blocked || len(d.Blocks) == 0 || d.Blocks[0].Type != tc.first {
			t.Errorf("%s: unexpected blocks %+v", tc.name, d.Blocks)
			continue
		}
		if d.Recommendation == nil || d.Recommendation.Message != tc.msg {
			t.Errorf("%s: recommendation %+v, want message %q", tc.name, d.Recommendation, tc.msg)
		}
	}
}

func TestGateRecommendationCarriesCandidate(t *testing.T) {
	d := NewGate(DefaultGateConfig()).Decide(Input{Comparison: comparison("pv-c", 3)})
	r := d.Recommendation
	if r.AdoptPromptID != "pv-c" || r.RecommendedPrompt != "B" || r.WinRateDelta != 3 {
		t.Fatalf("unexpected recommendation %+v", r)
	}
}

// #endregion gate-tests

// #region evaluate-tests

func TestEvaluatePasses(t *testing.T) {
	res := breakdown(90, 0, 1, map[string]float64{"specificity": 80, "actionability": 80, "legality": 95})
	v := Evaluate(res, store.DefaultThresholds(), "commander")
	if !v.Passed {
		t.Fatalf("expected pass, got %v", v.Reasons)
	}
	if len(v.Metrics) != 6 {
		t.Fatalf("expected 6 metrics, got %d", len(v.Metrics))
	}
}

func TestEvaluateCollectsReasons(t *testing.T) {
	res := breakdown(70, 1, 3, map[string]float64{"specificity": 50, "actionability": 90, "legality": 10})
	v := Evaluate(res, store.DefaultThresholds(), "")
	if v.Passed {
		t.Fatal("expected failure")
	}
	want := []string{"Overall score 70 < 85", "Critical violations 1 > 0", "Total violations 3 > 2", "Specificity 50 < 75"}
	if strings.Join(v.Reasons, "|") != strings.Join(want, "|") {
		t.Fatalf("reasons %v, want %v", v.Reasons, want)
	}
}

func TestEvaluateNoBreakdown(t *testing.T) {
	v := Evaluate(runner.CaseResult{TestCase: runner.Case{ID: "x"}}, store.DefaultThresholds(), "")
	if v.Passed || v.Reasons[0] != "No validator breakdown" {
		t.Fatalf("unexpected verdict %+v", v)
	}
}

// #endregion evaluate-tests

// #region verifier-tests

type fixedRunner struct {
	results []runner.CaseResult
	opts    runner.Options
}

func (f *fixedRunner) Execute(_ context.Context, _ []store.TestCase, opts runner.Options) (runner.BatchResult, error) {
	f.opts = opts
	return runner.BatchResult{OK: true, Results: f.results}, nil
}

type casesByID struct{ n int }

func (c casesByID) ListTestCasesByIDs(_ context.Context, ids []string) ([]store.TestCase, error) {
	out := make([]store.TestCase, 0, len(ids))
	for _, id := range ids[:min(c.n, len(ids))] {
		out = append(out, store.TestCase{ID: id})
	}
	return out, nil
}

func TestVerifierStrictAndLenient(t *testing.T) {
	good := breakdown(95, 0, 0, nil)
	bad := breakdown(40, 0, 0, nil)
	results := []runner.CaseResult{good, good, good, bad}

	strict := store.EvalSet{ID: "set", Name: "Auto-Golden-2026-10-16", TestCaseIDs: []string{"a", "b", "c", "d"}, Thresholds: store.DefaultThresholds()}
	r := &fixedRunner{results: results}
	v := NewVerifier(r, casesByID{n: 4}, 70, "", nil)

	out, err := v.Verify(context.Background(), strict, "pv-b")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if out.Passed || out.FailCount != 1 || out.PassRate != 75 {
		t.Fatalf("strict set should fail on one bad case: %+v", out)
	}
	if r.opts.PromptVersionID != "pv-b" {
		t.Fatalf("candidate not pinned: %+v", r.opts)
	}

	lenient := strict
	lenient.Thresholds.Strict = false
	out, _ = v.Verify(context.Background(), lenient, "pv-b")
	if !out.Passed {
		t.Fatalf("lenient set should pass at 75%%: %+v", out)
	}

	r.results = []runner.CaseResult{good, bad, bad, bad}
	out, _ = v.Verify(context.Background(), lenient, "pv-b")
	if out.Passed || !strings.HasPrefix(out.Reason, "golden set failed: 3 cases") {
		t.Fatalf("expected failure at 25%%: %+v", out)
	}
}

func TestVerifierEmptySet(t *testing.T) {
	v := NewVerifier(&fixedRunner{}, casesByID{}, 70, "", nil)
	_, err := v.Verify(context.Background(), store.EvalSet{Name: "empty", TestCaseIDs: []string{"gone"}}, "pv")
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

// #endregion verifier-tests

// #region adopter-tests

func TestAdoptActivatesAndLogs(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	champ, _ := s.CreatePromptVersion(ctx, store.PromptVersion{Kind: store.PromptChat, Version: "v1", Body: "a"})
	cand, _ := s.CreatePromptVersion(ctx, store.PromptVersion{Kind: store.PromptChat, Version: "v2", Body: "b"})
	if err := s.ActivatePrompt(ctx, store.PromptChat, champ.ID, nil); err != nil {
		t.Fatalf("ActivatePrompt: %v", err)
	}

	a := NewAdopter(s, s.DB(), nil)
	ev := Evidence{WinRateDelta: 12, PassRateBefore: 60, PassRateAfter: 72, Reason: "passed gate"}
	if err := a.Adopt(ctx, store.PromptChat, cand.ID, ev); err != nil {
		t.Fatalf("Adopt: %v", err)
	}

	active, _ := s.ActivePrompt(ctx, store.PromptChat)
	if active.ID != cand.ID {
		t.Fatalf("expected %s active, got %s", cand.ID, active.ID)
	}
	var stored Evidence
	if err := json.Unmarshal(active.Meta.Evidence, &stored); err != nil || stored.PassRateAfter != 72 {
		t.Fatalf("evidence not stored on version: %s (%v)", active.Meta.Evidence, err)
	}
	old, _ := s.GetPromptVersion(ctx, champ.ID)
	if old.Status != store.StatusCandidate {
		t.Fatalf("previous champion should be demoted, got %s", old.Status)
	}

	log, _ := s.ListPromotions(ctx, 10)
	if len(log) != 1 || log[0].Decision != ActionAdopt || log[0].PromptVersionID != cand.ID {
		t.Fatalf("unexpected promotion log %+v", log)
	}
}

func TestAdoptUnknownPrompt(t *testing.T) {
	s := tempStore(t)
	err := NewAdopter(s, s.DB(), nil).Adopt(context.Background(), store.PromptChat, "nope", Evidence{})
	if !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if log, _ := s.ListPromotions(context.Background(), 10); len(log) != 0 {
		t.Fatalf("nothing should be logged on failure, got %+v", log)
	}
}

func TestRecordDecision(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	d := NewGate(DefaultGateConfig()).Decide(Input{Comparison: comparison("pv-b", 20), GoldenSetExists: true})
	if err := NewAdopter(s, s.DB(), nil).Record(ctx, store.PromptChat, "pv-b", d, Evidence{WinRateDelta: 20}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	log, _ := s.ListPromotions(ctx, 10)
	if len(log) != 1 || log[0].Decision != ActionRecommend {
		t.Fatalf("unexpected log %+v", log)
	}
	if !strings.Contains(string(log[0].Evidence), string(BlockUnverifiedGolden)) {
		t.Fatalf("blocks missing from evidence: %s", log[0].Evidence)
	}
}

// #endregion adopter-tests
