package challenger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
	"github.com/danielpatrickdp/evalpipe/internal/llm"
	"github.com/danielpatrickdp/evalpipe/internal/logging"
	"github.com/danielpatrickdp/evalpipe/internal/runner"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

// #region constants

const (
	// SourceAutoChallenge tags prompt versions created by the proposer.
	SourceAutoChallenge = "auto-challenge"

	recentResults    = 200
	weakestCount     = 3
	championExcerpt  = 3000
	proposeMaxTokens = 8000
)

// #endregion constants

// #region types

// PromptStore is what the proposer reads and writes.
type PromptStore interface {
	ActivePrompt(ctx context.Context, kind store.PromptKind) (store.PromptVersion, error)
	CreatePromptVersion(ctx context.Context, pv store.PromptVersion) (store.PromptVersion, error)
	RecentValidations(ctx context.Context, limit int) ([]json.RawMessage, error)
}

// CategoryScore is a validator category averaged over recent results.
type CategoryScore struct {
	Name    string  `json:"name"`
	Average float64 `json:"average"`
}

type variant struct {
	SystemPrompt string `json:"system_prompt"`
	Rationale    string `json:"rationale"`
}

type variants struct {
	B *variant `json:"variant_b"`
	C *variant `json:"variant_c"`
}

// Proposal is the champion plus freshly stored candidates B and C.
type Proposal struct {
	Champion   store.PromptVersion   `json:"champion"`
	Candidates []store.PromptVersion `json:"candidates"`
	Weakest    []CategoryScore       `json:"weakest"`
}

// #endregion types

// #region weakest

// WeakestCategories averages validatorBreakdown.categoryScores across raws and
// returns the n lowest, ties broken by name.
func WeakestCategories(raws []json.RawMessage, n int) []CategoryScore {
	sums := map[string]float64{}
	counts := map[string]int{}
	for _, raw := range raws {
		var v runner.Validation
		if json.Unmarshal(raw, &v) != nil || v.ValidatorBreakdown == nil {
			continue
		}
		for k, score := range v.ValidatorBreakdown.CategoryScores {
			sums[k] += score
			counts[k]++
		}
	}
	out := make([]CategoryScore, 0, len(sums))
	for k, sum := range sums {
		out = append(out, CategoryScore{Name: k, Average: sum / float64(counts[k])})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Average != out[j].Average {
			return out[i].Average < out[j].Average
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func describeWeakest(ws []CategoryScore) string {
	if len(ws) == 0 {
		return "none recorded"
	}
	parts := make([]string, len(ws))
	for i, w := range ws {
		parts[i] = fmt.Sprintf("%s: %d%%", w.Name, int(math.Round(w.Average)))
	}
	return strings.Join(parts, "; ")
}

// #endregion weakest

// #region proposer

// Proposer asks the model for two challengers to the active prompt.
type Proposer struct {
	store PromptStore
	llm   llm.Completer
	log   *zap.Logger
	now   func() time.Time
}

func NewProposer(s PromptStore, c llm.Completer, log *zap.Logger) *Proposer {
	return &Proposer{store: s, llm: c, log: logging.OrNop(log).Named("challenger"), now: time.Now}
}

// Propose stores variant B (incremental) and C (rewrite) as candidates of
// kind. A variant the model leaves out falls back to the champion body.
func (p *Proposer) Propose(ctx context.Context, kind store.PromptKind) (Proposal, error) {
	champion, err := p.store.ActivePrompt(ctx, kind)
	if apperr.IsNotFound(err) {
		return Proposal{}, apperr.Validation("propose challengers", "no current %s prompt found", kind)
	}
	if err != nil {
		return Proposal{}, err
	}

	raws, err := p.store.RecentValidations(ctx, recentResults)
	if err != nil {
		return Proposal{}, err
	}
	weakest := WeakestCategories(raws, weakestCount)

	var out variants
	if err := p.llm.CompleteJSON(ctx, proposeSystemPrompt(weakest), proposeUserPrompt(champion.Body), proposeMaxTokens, &out); err != nil {
		return Proposal{}, err
	}

	ts := p.now().UTC().Format("2006-01-02T15-04-05")
	prop := Proposal{Champion: champion, Weakest: weakest}
	for _, arm := range []struct {
		label string
		v     *variant
	}{{"B", out.B}, {"C", out.C}} {
		body, rationale := champion.Body, ""
		if arm.v != nil {
			rationale = arm.v.Rationale
			if strings.TrimSpace(arm.v.SystemPrompt) != "" {
				body = arm.v.SystemPrompt
			}
		}
		pv, err := p.store.CreatePromptVersion(ctx, store.PromptVersion{
			Kind:    kind,
			Version: fmt.Sprintf("%s-%s-%s", SourceAutoChallenge, arm.label, ts),
			Body:    body,
			Meta:    store.PromptMeta{Source: SourceAutoChallenge, Rationale: rationale, ParentID: champion.ID},
		})
		if err != nil {
			return Proposal{}, fmt.Errorf("store variant %s: %w", arm.label, err)
		}
		prop.Candidates = append(prop.Candidates, pv)
	}

	p.log.Info("proposed challengers",
		zap.String("kind", string(kind)),
		zap.String("champion", champion.Version),
		zap.String("weakest", describeWeakest(weakest)),
	)
	return prop, nil
}

func proposeSystemPrompt(weakest []CategoryScore) string {
	return `You are a prompt engineer for a Magic: The Gathering AI assistant. Generate two improved prompt variants.

Current weakest categories: ` + describeWeakest(weakest) + `

Return JSON:
{
  "variant_b": { "system_prompt": "full system prompt text for B - strengthen weakest categories", "rationale": "brief" },
  "variant_c": { "system_prompt": "full system prompt text for C - radical rewrite focusing on clarity + constraint enforcement", "rationale": "brief" }
}

Variant B: Incremental improvement targeting the weak areas.
Variant C: More aggressive rewrite - clearer structure, stronger enforcement of rules.`
}

func proposeUserPrompt(body string) string {
	if r := []rune(body); len(r) > championExcerpt {
		body = string(r[:championExcerpt])
	}
	return fmt.Sprintf("Current prompt (first %d chars):\n%s\n\nGenerate variants B and C.", championExcerpt, body)
}

// #endregion proposer
