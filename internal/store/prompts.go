package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
)

// #region rows

const promptColumns = `id, kind, version, body, status, meta_json, created_at`

type promptRow struct {
	ID        string         `db:"id"`
	Kind      string         `db:"kind"`
	Version   string         `db:"version"`
	Body      string         `db:"body"`
	Status    string         `db:"status"`
	MetaJSON  sql.NullString `db:"meta_json"`
	CreatedAt string         `db:"created_at"`
}

func (r promptRow) toPrompt() PromptVersion {
	pv := PromptVersion{
		ID:        r.ID,
		Kind:      PromptKind(r.Kind),
		Version:   r.Version,
		Body:      r.Body,
		Status:    PromptStatus(r.Status),
		CreatedAt: parseTime(r.CreatedAt),
	}
	if r.MetaJSON.Valid {
		_ = json.Unmarshal([]byte(r.MetaJSON.String), &pv.Meta)
	}
	return pv
}

// #endregion rows

// #region create

// CreatePromptVersion inserts a new version. Versions are always created as
// candidates; ActivatePrompt is the only way to make one active.
func (s *Store) CreatePromptVersion(ctx context.Context, pv PromptVersion) (PromptVersion, error) {
	if pv.ID == "" {
		pv.ID = uuid.New().String()
	}
	if pv.CreatedAt.IsZero() {
		pv.CreatedAt = time.Now().UTC()
	}
	pv.Status = StatusCandidate

	meta, err := json.Marshal(pv.Meta)
	if err != nil {
		return PromptVersion{}, fmt.Errorf("marshal meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO prompt_versions (id, kind, version, body, status, meta_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pv.ID, string(pv.Kind), pv.Version, pv.Body, string(pv.Status), string(meta), formatTime(pv.CreatedAt),
	)
	if err != nil {
		return PromptVersion{}, apperr.Persistence("insert prompt version", err)
	}
	return pv, nil
}

// #endregion create

// #region read

func (s *Store) GetPromptVersion(ctx context.Context, id string) (PromptVersion, error) {
	var row promptRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+promptColumns+` FROM prompt_versions WHERE id = ?`, id); err != nil {
		return PromptVersion{}, notFoundOr("get prompt version", "prompt version", id, err)
	}
	return row.toPrompt(), nil
}

// ActivePrompt reads the active version for kind through the pointer table.
func (s *Store) ActivePrompt(ctx context.Context, kind PromptKind) (PromptVersion, error) {
	var row promptRow
	err := s.db.GetContext(ctx, &row,
		`SELECT p.id, p.kind, p.version, p.body, p.status, p.meta_json, p.created_at
		 FROM active_prompt a JOIN prompt_versions p ON p.id = a.version_id
		 WHERE a.kind = ?`, string(kind))
	if err != nil {
		return PromptVersion{}, notFoundOr("active prompt", "active prompt for", string(kind), err)
	}
	return row.toPrompt(), nil
}

// ListPromptVersions returns versions of kind, newest first. An empty kind
// lists every kind.
func (s *Store) ListPromptVersions(ctx context.Context, kind PromptKind, limit int) ([]PromptVersion, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []promptRow
	var err error
	if kind == "" {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT `+promptColumns+` FROM prompt_versions ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT `+promptColumns+` FROM prompt_versions WHERE kind = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
			string(kind), limit)
	}
	if err != nil {
		return nil, apperr.Persistence("list prompt versions", err)
	}
	out := make([]PromptVersion, len(rows))
	for i, r := range rows {
		out[i] = r.toPrompt()
	}
	return out, nil
}

// #endregion read

// #region activate

// ActivatePrompt makes id the single active version of kind: the previous
// active row is demoted, id is promoted with evidence merged into its meta,
// and the pointer is upserted, all in one transaction.
func (s *Store) ActivatePrompt(ctx context.Context, kind PromptKind, id string, evidence json.RawMessage) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row promptRow
		err := tx.GetContext(ctx, &row, `SELECT `+promptColumns+` FROM prompt_versions WHERE id = ?`, id)
		if err != nil {
			return notFoundOr("activate prompt", "prompt version", id, err)
		}
		if PromptKind(row.Kind) != kind {
			return apperr.Validation("activate prompt", "prompt version %s is %s, not %s", id, row.Kind, kind)
		}

		pv := row.toPrompt()
		if len(evidence) > 0 {
			pv.Meta.Evidence = evidence
		}
		meta, err := json.Marshal(pv.Meta)
		if err != nil {
			return fmt.Errorf("marshal meta: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE prompt_versions SET status = 'candidate' WHERE kind = ? AND status = 'active' AND id <> ?`,
			string(kind), id); err != nil {
			return apperr.Persistence("demote active prompt", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE prompt_versions SET status = 'active', meta_json = ? WHERE id = ?`,
			string(meta), id); err != nil {
			return apperr.Persistence("promote prompt", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO active_prompt (kind, version_id) VALUES (?, ?)
			 ON CONFLICT(kind) DO UPDATE SET version_id = excluded.version_id`,
			string(kind), id); err != nil {
			return apperr.Persistence("set active prompt", err)
		}
		return nil
	})
	return err
}

// #endregion activate
