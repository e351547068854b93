package promotion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/evalpipe/internal/logging"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

// #region types

// Evidence is stored on the adopted version and in the audit log.
type Evidence struct {
	WinRateDelta   int    `json:"win_rate_delta"`
	PassRateBefore int    `json:"pass_rate_before"`
	PassRateAfter  int    `json:"pass_rate_after"`
	GoldenPassed   *bool  `json:"golden_passed,omitempty"`
	Reason         string `json:"reason"`
}

// Activator flips the active prompt pointer.
type Activator interface {
	ActivatePrompt(ctx context.Context, kind store.PromptKind, id string, evidence json.RawMessage) error
}

// #endregion types

// #region adopter

// Adopter activates prompt versions and records every gate decision.
type Adopter struct {
	prompts Activator
	audit   sqlx.ExecerContext
	log     *zap.Logger
}

func NewAdopter(prompts Activator, audit sqlx.ExecerContext, log *zap.Logger) *Adopter {
	return &Adopter{prompts: prompts, audit: audit, log: logging.OrNop(log).Named("promotion")}
}

// Adopt makes promptID the active version of kind and logs the adoption.
func (a *Adopter) Adopt(ctx context.Context, kind store.PromptKind, promptID string, ev Evidence) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	if err := a.prompts.ActivatePrompt(ctx, kind, promptID, raw); err != nil {
		return err
	}
	if err := logging.LogPromotion(ctx, a.audit, store.PromotionEntry{
		PromptVersionID: promptID,
		Kind:            kind,
		Decision:        ActionAdopt,
		Reason:          ev.Reason,
		Evidence:        raw,
	}); err != nil {
		// the activation stands; only the audit row is missing
		a.log.Error("promotion log write failed", zap.String("prompt_id", promptID), zap.Error(err))
	}
	a.log.Info("adopted prompt",
		zap.String("kind", string(kind)),
		zap.String("prompt_id", promptID),
		zap.Int("win_rate_delta", ev.WinRateDelta),
	)
	return nil
}

// Record logs a non-adopting decision. A decision with no candidate is logged
// against the champion.
func (a *Adopter) Record(ctx context.Context, kind store.PromptKind, promptID string, d Decision, ev Evidence) error {
	raw, err := json.Marshal(struct {
		Evidence
		Blocks []Block `json:"blocks,omitempty"`
	}{ev, d.Blocks})
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	return logging.LogPromotion(ctx, a.audit, store.PromotionEntry{
		PromptVersionID: promptID,
		Kind:            kind,
		Decision:        d.Action,
		Reason:          d.Reason,
		Evidence:        raw,
	})
}

// #endregion adopter
