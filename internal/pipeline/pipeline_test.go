package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
	"github.com/danielpatrickdp/evalpipe/internal/challenger"
	"github.com/danielpatrickdp/evalpipe/internal/curator"
	"github.com/danielpatrickdp/evalpipe/internal/promotion"
	"github.com/danielpatrickdp/evalpipe/internal/runner"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

// #region fakes

type fakeStore struct {
	cases    []store.TestCase
	sets     int
	latest   store.EvalSet
	recorded int
}

func (f *fakeStore) ListTestCases(_ context.Context, limit int) ([]store.TestCase, error) {
	if limit > 0 && len(f.cases) > limit {
		return f.cases[:limit], nil
	}
	return f.cases, nil
}

func (f *fakeStore) CountEvalSets(context.Context) (int, error) { return f.sets, nil }

func (f *fakeStore) LatestEvalSet(context.Context) (store.EvalSet, error) {
	if f.sets == 0 {
		return store.EvalSet{}, apperr.NotFound("latest eval set", "eval set", "latest")
	}
	return f.latest, nil
}

func (f *fakeStore) RecordResult(_ context.Context, r store.Result) (store.Result, error) {
	f.recorded++
	return r, nil
}

// halfRunner passes every other case.
type halfRunner struct {
	calls   atomic.Int32
	err     error
	started chan struct{}
	release chan struct{}
	ctxErrs chan error
}

func (h *halfRunner) Execute(ctx context.Context, cases []store.TestCase, _ runner.Options) (runner.BatchResult, error) {
	h.calls.Add(1)
	if h.started != nil {
		h.started <- struct{}{}
		<-h.release
	}
	if h.ctxErrs != nil {
		h.ctxErrs <- ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return runner.BatchResult{}, apperr.Upstream("run batch", err)
	}
	if h.err != nil {
		return runner.BatchResult{}, h.err
	}
	out := runner.BatchResult{OK: true, EvalRunID: "run-base"}
	for i, tc := range cases {
		out.Results = append(out.Results, runner.CaseResult{
			TestCase:   runner.CaseFromStore(tc),
			Validation: &runner.Validation{Overall: &runner.Overall{Passed: i%2 == 0}},
		})
	}
	return out, nil
}

// fakeCurator adds a set to its store on success.
type fakeCurator struct {
	res   curator.Result
	calls int
	store *fakeStore
}

func (f *fakeCurator) Curate(context.Context) curator.Result {
	f.calls++
	if f.res.OK {
		f.store.sets++
		f.store.latest = store.EvalSet{ID: "set", Name: "Auto-Golden-2026-10-16"}
	}
	return f.res
}

type fakeProposer struct{ err error }

func (f fakeProposer) Propose(_ context.Context, kind store.PromptKind) (challenger.Proposal, error) {
	if f.err != nil {
		return challenger.Proposal{}, f.err
	}
	return challenger.Proposal{
		Champion: store.PromptVersion{ID: "pv-a", Kind: kind, Version: "v1"},
		Candidates: []store.PromptVersion{
			{ID: "pv-b", Kind: kind, Version: "auto-challenge-B"},
			{ID: "pv-c", Kind: kind, Version: "auto-challenge-C"},
		},
	}, nil
}

// fixedComparer makes candidate B win by delta points over a champion at 50%.
type fixedComparer struct{ delta int }

func (f fixedComparer) Compare(_ context.Context, champ store.PromptVersion, cands []store.PromptVersion, _ []store.TestCase) (challenger.Comparison, error) {
	c := challenger.Arm{Label: challenger.ChampionLabel, PromptID: champ.ID, Version: champ.Version, PassRate: 50}
	cmp := challenger.Comparison{Champion: c, Winner: c, RecommendedLabel: c.Label}
	if f.delta > 0 {
		b := challenger.Arm{Label: "B", PromptID: cands[0].ID, Version: cands[0].Version, PassRate: 50 + f.delta}
		cmp.Arms = []challenger.Arm{b}
		cmp.Winner, cmp.RecommendedLabel, cmp.AdoptPromptID, cmp.WinRateDelta = b, "B", b.PromptID, f.delta
	}
	return cmp, nil
}

type fakeVerifier struct {
	passed   bool
	promptID string
}

func (f *fakeVerifier) Verify(_ context.Context, set store.EvalSet, promptID string) (promotion.Verification, error) {
	f.promptID = promptID
	reason := "all checks passed"
	if !f.passed {
		reason = "golden set failed: tc-1: Overall score 40 < 85"
	}
	return promotion.Verification{SetID: set.ID, PromptID: promptID, Passed: f.passed, Reason: reason}, nil
}

type fakeAdopter struct {
	adopted  string
	evidence promotion.Evidence
	recorded []promotion.Decision
	err      error
}

func (f *fakeAdopter) Adopt(_ context.Context, _ store.PromptKind, promptID string, ev promotion.Evidence) error {
	if f.err != nil {
		return f.err
	}
	f.adopted, f.evidence = promptID, ev
	return nil
}

func (f *fakeAdopter) Record(_ context.Context, _ store.PromptKind, _ string, d promotion.Decision, _ promotion.Evidence) error {
	f.recorded = append(f.recorded, d)
	return nil
}

func cases(n int) []store.TestCase {
	out := make([]store.TestCase, n)
	for i := range out {
		out[i] = store.TestCase{ID: string(rune('a' + i)), Type: store.CaseChat}
	}
	return out
}

type harness struct {
	store    *fakeStore
	runner   *halfRunner
	curator  *fakeCurator
	adopter  *fakeAdopter
	verifier *fakeVerifier
	deps     Deps
}

func newHarness(delta int) *harness {
	fs := &fakeStore{cases: cases(4)}
	h := &harness{
		store:    fs,
		runner:   &halfRunner{},
		curator:  &fakeCurator{res: curator.Result{OK: true}, store: fs},
		adopter:  &fakeAdopter{},
		verifier: &fakeVerifier{},
	}
	h.deps = Deps{
		Store:    h.store,
		Runner:   h.runner,
		Curator:  h.curator,
		Proposer: fakeProposer{},
		Comparer: fixedComparer{delta: delta},
		Verifier: h.verifier,
		Adopter:  h.adopter,
	}
	return h
}

// #endregion fakes

// #region run-tests

func TestRunNoCases(t *testing.T) {
	h := newHarness(10)
	h.store.cases = nil

	res := New(h.deps, Options{}, nil).Run(context.Background(), "")
	assert.False(t, res.OK)
	assert.Equal(t, apperr.KindValidation, res.Kind)
	assert.Equal(t, []string{StepLoading, "Error: no test cases available"}, res.Steps)
	assert.Zero(t, h.runner.calls.Load())
}

func TestRunAdoptsWithoutGoldenSet(t *testing.T) {
	h := newHarness(12)
	h.curator.res = curator.Result{OK: false, Error: "no test cases; import first"}

	res := New(h.deps, Options{BatchLimit: 50}, nil).Run(context.Background(), store.PromptChat)
	require.True(t, res.OK, res.Error)
	assert.Equal(t, []string{
		StepLoading,
		StepBaseline,
		StepCurate,
		"Golden set creation: no test cases; import first",
		StepChallenge,
		StepAdopt,
		"Adopted auto-challenge-B",
	}, res.Steps)

	assert.Equal(t, 50, res.Summary.PassRateBefore)
	assert.Equal(t, 62, res.Summary.PassRateAfter)
	assert.True(t, res.Summary.Adopted)
	assert.Nil(t, res.Summary.Recommendation)
	assert.Equal(t, "pv-b", h.adopter.adopted)
	assert.Equal(t, promotion.Evidence{WinRateDelta: 12, PassRateBefore: 50, PassRateAfter: 62, Reason: adoptReason}, h.adopter.evidence)
	assert.Equal(t, 4, h.store.recorded)
}

func TestRunNewGoldenSetBlocksAdoption(t *testing.T) {
	h := newHarness(20)

	res := New(h.deps, Options{}, nil).Run(context.Background(), "")
	require.True(t, res.OK, res.Error)
	assert.Equal(t, 1, h.curator.calls)
	assert.Contains(t, res.Steps, StepGolden)
	assert.False(t, res.Summary.Adopted)
	require.NotNil(t, res.Summary.Recommendation)
	assert.Equal(t, "Run Golden Set to verify before adopting.", res.Summary.Recommendation.Message)
	assert.Equal(t, "pv-b", res.Summary.Recommendation.AdoptPromptID)
	assert.Empty(t, h.adopter.adopted)
	require.Len(t, h.adopter.recorded, 1)
	assert.Equal(t, promotion.ActionRecommend, h.adopter.recorded[0].Action)
}

func TestRunSmallDeltaRecommends(t *testing.T) {
	h := newHarness(5)
	h.store.sets = 1
	h.store.latest = store.EvalSet{ID: "set", Name: "Auto-Golden-2026-10-16"}

	res := New(h.deps, Options{}, nil).Run(context.Background(), "")
	require.True(t, res.OK)
	assert.Zero(t, h.curator.calls)
	assert.Equal(t, "Improvement under 5%. Review before adopting.", res.Summary.Recommendation.Message)
	assert.Equal(t, 5, res.Summary.Recommendation.WinRateDelta)
}

func TestRunChampionHoldsIsRejected(t *testing.T) {
	h := newHarness(0)
	h.store.sets = 1

	res := New(h.deps, Options{}, nil).Run(context.Background(), "")
	require.True(t, res.OK)
	assert.NotContains(t, res.Steps, StepGolden)
	assert.Equal(t, challenger.ChampionLabel, res.Summary.Recommendation.RecommendedPrompt)
	require.Len(t, h.adopter.recorded, 1)
	assert.Equal(t, promotion.ActionReject, h.adopter.recorded[0].Action)
}

func TestRunMarkedGoldenSetAllowsAdoption(t *testing.T) {
	h := newHarness(8)
	at := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	h.store.sets = 1
	h.store.latest = store.EvalSet{ID: "set", Name: "g", VerifiedAt: &at}

	res := New(h.deps, Options{}, nil).Run(context.Background(), "")
	require.True(t, res.OK)
	assert.True(t, res.Summary.GoldenPassed)
	assert.True(t, res.Summary.Adopted)
}

func TestRunInlineVerification(t *testing.T) {
	for _, passed := range []bool{true, false} {
		h := newHarness(8)
		h.store.sets = 1
		h.store.latest = store.EvalSet{ID: "set", Name: "g"}
		h.verifier.passed = passed

		res := New(h.deps, Options{VerifyGoldenSet: true}, nil).Run(context.Background(), "")
		require.True(t, res.OK)
		assert.Equal(t, "pv-b", h.verifier.promptID)
		assert.Equal(t, passed, res.Summary.GoldenPassed)
		assert.Equal(t, passed, res.Summary.Adopted)
		if passed {
			require.NotNil(t, h.adopter.evidence.GoldenPassed)
			assert.True(t, *h.adopter.evidence.GoldenPassed)
		}
	}
}

func TestRunStopsOnStepError(t *testing.T) {
	h := newHarness(10)
	h.runner.err = apperr.Upstream("run batch", errors.New("batch runner returned status 502"))

	res := New(h.deps, Options{}, nil).Run(context.Background(), "")
	assert.False(t, res.OK)
	assert.Equal(t, apperr.KindUpstream, res.Kind)
	assert.Equal(t, "Error: batch runner returned status 502", res.Steps[len(res.Steps)-1])
	assert.Zero(t, h.curator.calls)

	h = newHarness(10)
	h.deps.Proposer = fakeProposer{err: apperr.Validation("propose challengers", "no current chat prompt found")}
	res = New(h.deps, Options{}, nil).Run(context.Background(), "")
	assert.False(t, res.OK)
	assert.Equal(t, 50, res.Summary.PassRateBefore, "partial metrics survive")
	assert.Equal(t, "Error: no current chat prompt found", res.Steps[len(res.Steps)-1])
}

func TestRunAdoptFailure(t *testing.T) {
	h := newHarness(10)
	h.adopter.err = apperr.NotFound("activate prompt", "prompt version", "pv-b")

	res := New(h.deps, Options{}, nil).Run(context.Background(), "")
	assert.False(t, res.OK)
	assert.Equal(t, apperr.KindNotFound, res.Kind)
	assert.False(t, res.Summary.Adopted)
}

func TestRunCollapsesConcurrentCalls(t *testing.T) {
	h := newHarness(0)
	h.store.sets = 1
	h.runner.started = make(chan struct{}, 4)
	h.runner.release = make(chan struct{})
	p := New(h.deps, Options{}, nil)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = p.Run(context.Background(), store.PromptChat)
	}()
	<-h.runner.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1] = p.Run(context.Background(), store.PromptChat)
	}()
	time.Sleep(50 * time.Millisecond)
	close(h.runner.release)
	wg.Wait()

	// one baseline run and nothing else
	assert.Equal(t, int32(1), h.runner.calls.Load())
	assert.Equal(t, results[0].Steps, results[1].Steps)
}

func TestRunFirstCallerCancelKeepsSharedRun(t *testing.T) {
	h := newHarness(0)
	h.store.sets = 1
	h.runner.started = make(chan struct{}, 4)
	h.runner.release = make(chan struct{})
	p := New(h.deps, Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan Result, 1)
	go func() { first <- p.Run(ctx, store.PromptChat) }()
	<-h.runner.started

	second := make(chan Result, 1)
	go func() { second <- p.Run(context.Background(), store.PromptChat) }()
	time.Sleep(50 * time.Millisecond)

	cancel()
	cancelled := <-first
	assert.False(t, cancelled.OK)
	assert.Equal(t, apperr.KindUpstream, cancelled.Kind)
	assert.Contains(t, cancelled.Error, "context canceled")

	close(h.runner.release)
	res := <-second
	assert.True(t, res.OK, res.Error)
	assert.Equal(t, int32(1), h.runner.calls.Load())
}

func TestRunLastCallerCancelStopsRun(t *testing.T) {
	h := newHarness(0)
	h.store.sets = 1
	h.runner.started = make(chan struct{}, 4)
	h.runner.release = make(chan struct{})
	h.runner.ctxErrs = make(chan error, 1)
	p := New(h.deps, Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan Result, 1)
	go func() { first <- p.Run(ctx, store.PromptChat) }()
	<-h.runner.started
	cancel()
	assert.False(t, (<-first).OK)

	close(h.runner.release)
	assert.ErrorIs(t, <-h.runner.ctxErrs, context.Canceled)

	p.mu.Lock()
	assert.Empty(t, p.flights)
	p.mu.Unlock()
}

// #endregion run-tests
