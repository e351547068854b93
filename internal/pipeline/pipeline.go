package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
	"github.com/danielpatrickdp/evalpipe/internal/challenger"
	"github.com/danielpatrickdp/evalpipe/internal/config"
	"github.com/danielpatrickdp/evalpipe/internal/curator"
	"github.com/danielpatrickdp/evalpipe/internal/logging"
	"github.com/danielpatrickdp/evalpipe/internal/promotion"
	"github.com/danielpatrickdp/evalpipe/internal/runner"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

// #region steps

const (
	StepLoading   = "Loading test cases..."
	StepBaseline  = "Running full suite..."
	StepCurate    = "Creating smart Golden Set..."
	StepChallenge = "Running auto-challenge..."
	StepGolden    = "Running Golden Set check..."
	StepAdopt     = "Auto-adopting best prompt..."

	adoptReason = "Self-optimization auto-adopt"
)

// #endregion steps

// #region interfaces

// Store is what the pipeline reads directly.
type Store interface {
	ListTestCases(ctx context.Context, limit int) ([]store.TestCase, error)
	CountEvalSets(ctx context.Context) (int, error)
	LatestEvalSet(ctx context.Context) (store.EvalSet, error)
	RecordResult(ctx context.Context, r store.Result) (store.Result, error)
}

type Curator interface {
	Curate(ctx context.Context) curator.Result
}

type Proposer interface {
	Propose(ctx context.Context, kind store.PromptKind) (challenger.Proposal, error)
}

type Comparer interface {
	Compare(ctx context.Context, champion store.PromptVersion, candidates []store.PromptVersion, cases []store.TestCase) (challenger.Comparison, error)
}

type Verifier interface {
	Verify(ctx context.Context, set store.EvalSet, promptID string) (promotion.Verification, error)
}

type Adopter interface {
	Adopt(ctx context.Context, kind store.PromptKind, promptID string, ev promotion.Evidence) error
	Record(ctx context.Context, kind store.PromptKind, promptID string, d promotion.Decision, ev promotion.Evidence) error
}

// Deps are the collaborators of one pipeline. Verifier may be nil when inline
// golden verification is off.
type Deps struct {
	Store    Store
	Runner   runner.Runner
	Curator  Curator
	Proposer Proposer
	Comparer Comparer
	Verifier Verifier
	Gate     *promotion.Gate
	Adopter  Adopter
}

// #endregion interfaces

// #region options

type Options struct {
	Kind            store.PromptKind
	BatchLimit      int
	VerifyGoldenSet bool
	Suite           string
	FormatKey       string
}

// OptionsFrom reads the pipeline options out of a loaded config.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Kind:            store.PromptKind(cfg.Promotion.Kind),
		BatchLimit:      cfg.Promotion.BatchLimit,
		VerifyGoldenSet: cfg.Promotion.VerifyGoldenSet,
		Suite:           cfg.Runner.Suite,
		FormatKey:       cfg.Runner.FormatKey,
	}
}

// #endregion options

// #region result

type Summary struct {
	PassRateBefore int                       `json:"pass_rate_before"`
	PassRateAfter  int                       `json:"pass_rate_after"`
	GoldenPassed   bool                      `json:"golden_passed"`
	Adopted        bool                      `json:"adopted"`
	Recommendation *promotion.Recommendation `json:"recommendation"`
}

// Result is the step log and whatever metrics were reached. Steps end with
// "Error: <msg>" when OK is false.
type Result struct {
	OK       bool                `json:"ok"`
	Error    string              `json:"error,omitempty"`
	Kind     apperr.Kind         `json:"kind,omitempty"`
	Steps    []string            `json:"steps"`
	Summary  Summary             `json:"summary"`
	Decision *promotion.Decision `json:"decision,omitempty"`
}

// #endregion result

// #region pipeline

type Pipeline struct {
	deps  Deps
	opts  Options
	group singleflight.Group
	log   *zap.Logger
	now   func() time.Time

	mu      sync.Mutex
	flights map[store.PromptKind]*flight
}

// flight is the context shared by every caller waiting on one run. It is
// cancelled once the last waiter has gone.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func New(d Deps, opts Options, log *zap.Logger) *Pipeline {
	if d.Gate == nil {
		d.Gate = promotion.NewGate(promotion.DefaultGateConfig())
	}
	if opts.Kind == "" {
		opts.Kind = store.PromptChat
	}
	return &Pipeline{
		deps:    d,
		opts:    opts,
		log:     logging.OrNop(log).Named("pipeline"),
		now:     time.Now,
		flights: make(map[store.PromptKind]*flight),
	}
}

// Run executes the pipeline for kind (empty uses the configured kind).
// Concurrent calls for the same kind share one execution and its result.
// A caller whose ctx ends gets a cancelled result at once; the shared run
// keeps going while any other caller still waits on it.
func (p *Pipeline) Run(ctx context.Context, kind store.PromptKind) Result {
	if kind == "" {
		kind = p.opts.Kind
	}
	f := p.join(ctx, kind)
	defer p.leave(kind, f)

	ch := p.group.DoChan(string(kind), func() (any, error) {
		return p.run(f.ctx, kind), nil
	})
	select {
	case r := <-ch:
		if r.Shared {
			p.log.Info("shared in-flight run", zap.String("kind", string(kind)))
		}
		return r.Val.(Result)
	case <-ctx.Done():
		e := &execution{res: Result{Steps: []string{}}, log: p.log.With(zap.String("kind", string(kind)))}
		return e.fail(apperr.Upstream("pipeline", ctx.Err()))
	}
}

func (p *Pipeline) join(ctx context.Context, kind store.PromptKind) *flight {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.flights[kind]
	if f == nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		p.flights[kind] = f
	}
	f.waiters++
	return f
}

func (p *Pipeline) leave(kind store.PromptKind, f *flight) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if p.flights[kind] == f {
		delete(p.flights, kind)
	}
}

// #endregion pipeline

// #region run

type execution struct {
	res Result
	log *zap.Logger
}

func (e *execution) step(s string) {
	e.res.Steps = append(e.res.Steps, s)
	e.log.Info("step", zap.String("step", s))
}

func (e *execution) fail(err error) Result {
	msg := apperr.Message(err)
	e.res.OK = false
	e.res.Error = msg
	e.res.Kind = apperr.KindOf(err)
	e.res.Steps = append(e.res.Steps, "Error: "+msg)
	e.log.Warn("pipeline stopped", zap.Error(err))
	return e.res
}

func (p *Pipeline) run(ctx context.Context, kind store.PromptKind) Result {
	d := p.deps
	e := &execution{res: Result{Steps: []string{}}, log: p.log.With(zap.String("kind", string(kind)))}

	// 1. baseline over the live prompt
	e.step(StepLoading)
	cases, err := d.Store.ListTestCases(ctx, p.opts.BatchLimit)
	if err != nil {
		return e.fail(err)
	}
	if len(cases) == 0 {
		return e.fail(apperr.Validation("optimize", "no test cases available"))
	}

	e.step(StepBaseline)
	batch, err := d.Runner.Execute(ctx, cases, runner.Options{Suite: p.opts.Suite, FormatKey: p.opts.FormatKey})
	if err != nil {
		return e.fail(err)
	}
	e.res.Summary.PassRateBefore = runner.PassRate(batch.Results)
	p.recordBaseline(ctx, batch)

	// 2. golden set
	sets, err := d.Store.CountEvalSets(ctx)
	if err != nil {
		return e.fail(err)
	}
	if sets == 0 {
		e.step(StepCurate)
		if cr := d.Curator.Curate(ctx); !cr.OK {
			e.step("Golden set creation: " + cr.Error)
		} else {
			sets = 1
		}
	}

	// 3. challenge
	e.step(StepChallenge)
	prop, err := d.Proposer.Propose(ctx, kind)
	if err != nil {
		return e.fail(err)
	}
	cmp, err := d.Comparer.Compare(ctx, prop.Champion, prop.Candidates, cases)
	if err != nil {
		return e.fail(err)
	}
	e.res.Summary.PassRateAfter = cmp.Winner.PassRate

	// 4. golden verification
	in := promotion.Input{Comparison: cmp, GoldenSetExists: sets > 0}
	var goldenPassed *bool
	if in.GoldenSetExists && cmp.AdoptPromptID != "" {
		e.step(StepGolden)
		set, err := d.Store.LatestEvalSet(ctx)
		if err != nil {
			return e.fail(err)
		}
		in.GoldenVerified = set.VerifiedAt != nil
		if p.opts.VerifyGoldenSet && d.Verifier != nil {
			v, err := d.Verifier.Verify(ctx, set, cmp.AdoptPromptID)
			if err != nil {
				return e.fail(err)
			}
			e.step(fmt.Sprintf("Golden Set %s: %s", set.Name, v.Reason))
			in.GoldenVerified = v.Passed
			goldenPassed = &v.Passed
		}
		e.res.Summary.GoldenPassed = in.GoldenVerified
	}

	// 5. gate
	decision := d.Gate.Decide(in)
	e.res.Decision = &decision
	ev := promotion.Evidence{
		WinRateDelta:   cmp.WinRateDelta,
		PassRateBefore: e.res.Summary.PassRateBefore,
		PassRateAfter:  e.res.Summary.PassRateAfter,
		GoldenPassed:   goldenPassed,
		Reason:         decision.Reason,
	}

	// 6. adopt or recommend
	if decision.Action == promotion.ActionAdopt {
		e.step(StepAdopt)
		ev.Reason = adoptReason
		if err := d.Adopter.Adopt(ctx, kind, cmp.AdoptPromptID, ev); err != nil {
			return e.fail(err)
		}
		e.res.Summary.Adopted = true
		e.step("Adopted " + cmp.Winner.Version)
	} else {
		e.res.Summary.Recommendation = decision.Recommendation
		target := cmp.AdoptPromptID
		if target == "" {
			target = prop.Champion.ID
		}
		if err := d.Adopter.Record(ctx, kind, target, decision, ev); err != nil {
			e.log.Warn("promotion log write failed", zap.Error(err))
		}
	}

	e.res.OK = true
	e.log.Info("pipeline finished",
		zap.Int("pass_rate_before", e.res.Summary.PassRateBefore),
		zap.Int("pass_rate_after", e.res.Summary.PassRateAfter),
		zap.String("action", decision.Action),
	)
	return e.res
}

// recordBaseline keeps the baseline run in the result history that curation
// and variant proposals read.
func (p *Pipeline) recordBaseline(ctx context.Context, batch runner.BatchResult) {
	now := p.now()
	for _, res := range batch.Results {
		rec, ok := res.Record(batch.EvalRunID, now)
		if !ok {
			continue
		}
		if _, err := p.deps.Store.RecordResult(ctx, rec); err != nil {
			p.log.Warn("record result failed", zap.String("case_id", rec.TestCaseID), zap.Error(err))
		}
	}
}

// #endregion run
