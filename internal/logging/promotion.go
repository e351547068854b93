package logging

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/danielpatrickdp/evalpipe/internal/store"
)

// #region log-promotion

// LogPromotion appends an entry to the promotion_log table. db may be the
// store handle or an open transaction.
func LogPromotion(ctx context.Context, db sqlx.ExecerContext, entry store.PromotionEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	switch entry.Decision {
	case "adopt", "recommend", "reject":
	default:
		return fmt.Errorf("log promotion: unknown decision %q", entry.Decision)
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO promotion_log (prompt_version_id, kind, decision, reason, evidence_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.PromptVersionID,
		string(entry.Kind),
		entry.Decision,
		nullIfEmpty(entry.Reason),
		nullIfEmpty(string(entry.Evidence)),
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log promotion: %w", err)
	}
	return nil
}

// #endregion log-promotion

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
