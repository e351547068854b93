package curator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
	"github.com/danielpatrickdp/evalpipe/internal/config"
	"github.com/danielpatrickdp/evalpipe/internal/logging"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

// #region types

// Store is the slice of persistence the curator reads and writes.
type Store interface {
	ListTestCases(ctx context.Context, limit int) ([]store.TestCase, error)
	CaseHistory(ctx context.Context) (map[string]store.CaseHistory, error)
	UpsertEvalSetByName(ctx context.Context, set store.EvalSet) (store.EvalSet, bool, error)
}

// Scored is a case with its difficulty inputs.
type Scored struct {
	Case           store.TestCase
	PassRate       float64
	Hallucinations int
	Difficulty     float64
}

// Result is returned by Curate. Failures are reported in Error with OK=false.
type Result struct {
	OK      bool           `json:"ok"`
	Set     *store.EvalSet `json:"set,omitempty"`
	Created bool           `json:"created"`
	Message string         `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
	Kind    apperr.Kind    `json:"kind,omitempty"`
}

// Coverage is a minimum count of one category in the selection.
type Coverage struct {
	Name  string
	Min   int
	Match func(store.TestCase) bool
}

// #endregion types

// #region coverage

// DefaultCoverage lists the category floors, backfilled in this order.
func DefaultCoverage() []Coverage {
	return []Coverage{
		{Name: "deck_analysis", Min: 3, Match: func(tc store.TestCase) bool { return tc.Type == store.CaseDeckAnalysis }},
		{Name: "legality", Min: 2, Match: tagged("legality", "format", "illegal")},
		{Name: "budget", Min: 2, Match: tagged("budget", "price", "cost", "cheap")},
		{Name: "clarification", Min: 1, Match: tagged("clarification", "missing_info", "clarifying")},
	}
}

func tagged(subs ...string) func(store.TestCase) bool {
	return func(tc store.TestCase) bool {
		for _, tag := range tc.Tags {
			t := strings.ToLower(tag)
			for _, s := range subs {
				if strings.Contains(t, s) {
					return true
				}
			}
		}
		return false
	}
}

// #endregion coverage

// #region selection

// Score ranks each case by difficulty:
//
//	100 - passRate + hallucinations*hw + disagreement*dw
//
// Cases with no history get cfg.DefaultPassRate. Disagreement is always 0.
func Score(cases []store.TestCase, history map[string]store.CaseHistory, cfg config.CuratorConfig) []Scored {
	out := make([]Scored, len(cases))
	for i, tc := range cases {
		h := history[tc.ID]
		passRate := cfg.DefaultPassRate
		if h.Total > 0 {
			passRate = float64(h.Passed) * 100 / float64(h.Total)
		}
		const disagreement = 0.0
		out[i] = Scored{
			Case:           tc,
			PassRate:       passRate,
			Hallucinations: h.Hallucinations,
			Difficulty:     100 - passRate + float64(h.Hallucinations)*cfg.HallucinationWeight + disagreement*cfg.DisagreementWeight,
		}
	}
	return out
}

// TargetSize is max(minSize, ceil(n*fraction)).
func TargetSize(n int, cfg config.CuratorConfig) int {
	return max(cfg.MinSize, int(math.Ceil(float64(n)*cfg.Fraction)))
}

// Select picks the hardest cases, then backfills each coverage floor from the
// unselected pool in original order. Returned ids keep selection order.
func Select(cases []store.TestCase, history map[string]store.CaseHistory, cfg config.CuratorConfig, coverage []Coverage) []string {
	scored := Score(cases, history, cfg)
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Difficulty > scored[j].Difficulty })
	if n := TargetSize(len(cases), cfg); n < len(scored) {
		scored = scored[:n]
	}

	ids := make([]string, 0, len(scored))
	selected := make(map[string]bool, len(scored))
	for _, s := range scored {
		ids = append(ids, s.Case.ID)
		selected[s.Case.ID] = true
	}

	// Floors are measured against the hardest slice, not the growing selection.
	for _, cov := range coverage {
		have := 0
		for _, s := range scored {
			if cov.Match(s.Case) {
				have++
			}
		}
		for _, tc := range cases {
			if have >= cov.Min {
				break
			}
			if selected[tc.ID] || !cov.Match(tc) {
				continue
			}
			ids = append(ids, tc.ID)
			selected[tc.ID] = true
			have++
		}
	}
	return ids
}

// #endregion selection

// #region curate

// Curator builds the dated golden set.
type Curator struct {
	store    Store
	cfg      config.CuratorConfig
	coverage []Coverage
	log      *zap.Logger
	now      func() time.Time
}

func New(s Store, cfg config.CuratorConfig, log *zap.Logger) *Curator {
	return &Curator{
		store:    s,
		cfg:      cfg,
		coverage: DefaultCoverage(),
		log:      logging.OrNop(log).Named("curator"),
		now:      time.Now,
	}
}

// SetClock overrides the time source used for the set name.
func (c *Curator) SetClock(now func() time.Time) { c.now = now }

// Curate selects the hardest cases and upserts today's golden set.
func (c *Curator) Curate(ctx context.Context) Result {
	cases, err := c.store.ListTestCases(ctx, 0)
	if err != nil {
		return c.fail(err)
	}
	if len(cases) == 0 {
		return c.fail(apperr.Validation("curate golden set", "no test cases; import first"))
	}
	history, err := c.store.CaseHistory(ctx)
	if err != nil {
		return c.fail(err)
	}

	ids := Select(cases, history, c.cfg, c.coverage)
	date := c.now().UTC().Format("2006-01-02")
	name := c.cfg.NamePrefix + date

	set, created, err := c.store.UpsertEvalSetByName(ctx, store.EvalSet{
		Name:        name,
		Description: fmt.Sprintf("Auto-generated from hardest %d%% of tests (%s)", int(math.Round(c.cfg.Fraction*100)), date),
		TestCaseIDs: ids,
		Thresholds:  store.DefaultThresholds(),
	})
	if err != nil {
		return c.fail(err)
	}

	verb := "Updated existing"
	if created {
		verb = "Created"
	}
	msg := fmt.Sprintf("%s Golden Set %q with %d tests", verb, name, len(set.TestCaseIDs))
	c.log.Info("curated golden set",
		zap.String("name", name),
		zap.Bool("created", created),
		zap.Int("size", len(set.TestCaseIDs)),
		zap.Int("pool", len(cases)),
	)
	return Result{OK: true, Set: &set, Created: created, Message: msg}
}

func (c *Curator) fail(err error) Result {
	c.log.Warn("curation failed", zap.Error(err))
	return Result{OK: false, Error: apperr.Message(err), Kind: apperr.KindOf(err)}
}

// #endregion curate
