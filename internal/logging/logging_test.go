package logging

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielpatrickdp/evalpipe/internal/config"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

// #region helpers
func setupStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "log.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// #endregion helpers

// #region log-promotion-tests
func TestLogPromotion_Success(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	entry := store.PromotionEntry{
		PromptVersionID: "pv-1",
		Kind:            store.PromptChat,
		Decision:        "adopt",
		Reason:          "win_rate_delta 12.0 > 5.0",
		Evidence:        json.RawMessage(`{"win_rate_delta":12}`),
		CreatedAt:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := LogPromotion(ctx, s.DB(), entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows, err := s.ListPromotions(ctx, 10)
	if err != nil {
		t.Fatalf("ListPromotions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	got := rows[0]
	if got.Decision != "adopt" || got.PromptVersionID != "pv-1" || got.Kind != store.PromptChat {
		t.Errorf("unexpected row %+v", got)
	}
	if string(got.Evidence) != `{"win_rate_delta":12}` {
		t.Errorf("unexpected evidence %s", got.Evidence)
	}
	if !got.CreatedAt.Equal(entry.CreatedAt) {
		t.Errorf("expected created_at %v, got %v", entry.CreatedAt, got.CreatedAt)
	}
}

func TestLogPromotion_EmptyOptionalFields(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := LogPromotion(ctx, s.DB(), store.PromotionEntry{PromptVersionID: "pv-2", Kind: store.PromptChat, Decision: "recommend"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var reasonNull, evidenceNull bool
	s.DB().QueryRow(`SELECT reason IS NULL, evidence_json IS NULL FROM promotion_log`).Scan(&reasonNull, &evidenceNull)
	if !reasonNull || !evidenceNull {
		t.Error("expected empty reason and evidence to be stored as NULL")
	}
}

func TestLogPromotion_UnknownDecision(t *testing.T) {
	s := setupStore(t)
	err := LogPromotion(context.Background(), s.DB(), store.PromotionEntry{PromptVersionID: "pv", Kind: store.PromptChat, Decision: "commit"})
	if err == nil {
		t.Fatal("expected error for unknown decision")
	}
}

func TestLogPromotion_DefaultTimestamp(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	before := time.Now().UTC().Add(-time.Second)

	if err := LogPromotion(ctx, s.DB(), store.PromotionEntry{PromptVersionID: "pv", Kind: store.PromptChat, Decision: "reject"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rows, _ := s.ListPromotions(ctx, 1)
	if rows[0].CreatedAt.Before(before) {
		t.Errorf("expected a fresh timestamp, got %v", rows[0].CreatedAt)
	}
}

// #endregion log-promotion-tests

// #region logger-tests
func TestNewLogger(t *testing.T) {
	for _, cfg := range []config.LoggingConfig{
		{Level: "info", Format: "json"},
		{Level: "DEBUG", Format: "console"},
		{Level: "warn", Development: true},
	} {
		l, err := New(cfg)
		if err != nil {
			t.Fatalf("New(%+v): %v", cfg, err)
		}
		l.Named("test").Debug("hello")
	}
}

func TestNewLoggerBadLevel(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("expected a logger")
	}
}

// #endregion logger-tests
