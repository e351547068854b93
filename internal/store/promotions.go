package store

import (
	"context"
	"database/sql"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
)

type promotionRow struct {
	ID              int64          `db:"id"`
	PromptVersionID string         `db:"prompt_version_id"`
	Kind            string         `db:"kind"`
	Decision        string         `db:"decision"`
	Reason          sql.NullString `db:"reason"`
	EvidenceJSON    sql.NullString `db:"evidence_json"`
	CreatedAt       string         `db:"created_at"`
}

// ListPromotions returns the newest promotion log rows first. Rows are
// written by logging.LogPromotion.
func (s *Store) ListPromotions(ctx context.Context, limit int) ([]PromotionEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []promotionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, prompt_version_id, kind, decision, reason, evidence_json, created_at
		 FROM promotion_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperr.Persistence("list promotions", err)
	}
	out := make([]PromotionEntry, len(rows))
	for i, r := range rows {
		out[i] = PromotionEntry{
			ID:              r.ID,
			PromptVersionID: r.PromptVersionID,
			Kind:            PromptKind(r.Kind),
			Decision:        r.Decision,
			Reason:          r.Reason.String,
			Evidence:        rawOrNil(r.EvidenceJSON),
			CreatedAt:       parseTime(r.CreatedAt),
		}
	}
	return out, nil
}
