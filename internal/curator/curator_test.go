package curator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
	"github.com/danielpatrickdp/evalpipe/internal/config"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

// #region helpers

func cfg() config.CuratorConfig { return config.Default().Curator }

func pool(n int, typ store.CaseType, prefix string, tags ...string) []store.TestCase {
	out := make([]store.TestCase, n)
	for i := range out {
		out[i] = store.TestCase{ID: fmt.Sprintf("%s-%02d", prefix, i), Type: typ, Tags: tags}
	}
	return out
}

func tempStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "curator.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// #endregion helpers

// #region score-tests

func TestScoreDifficulty(t *testing.T) {
	cases := pool(3, store.CaseChat, "c")
	history := map[string]store.CaseHistory{
		"c-00": {Total: 4, Passed: 1, Hallucinations: 2},
		"c-01": {Total: 10, Passed: 10},
	}
	got := Score(cases, history, cfg())
	want := []float64{100 - 25 + 10, 0, 50}
	for i, s := range got {
		if s.Difficulty != want[i] {
			t.Errorf("case %d: difficulty %f, want %f", i, s.Difficulty, want[i])
		}
	}
	if got[2].PassRate != 50 {
		t.Errorf("expected default pass rate 50 without history, got %f", got[2].PassRate)
	}
}

func TestTargetSize(t *testing.T) {
	for _, tc := range []struct{ n, want int }{{0, 10}, {5, 10}, {50, 10}, {51, 11}, {100, 20}, {333, 67}} {
		if got := TargetSize(tc.n, cfg()); got != tc.want {
			t.Errorf("TargetSize(%d) = %d, want %d", tc.n, got, tc.want)
		}
	}
}

// #endregion score-tests

// #region select-tests

func TestSelectTakesHardest(t *testing.T) {
	cases := pool(60, store.CaseChat, "c")
	history := map[string]store.CaseHistory{}
	for i, tc := range cases {
		passed := 10
		if i >= 50 {
			passed = 0
		}
		history[tc.ID] = store.CaseHistory{Total: 10, Passed: passed}
	}
	ids := Select(cases, history, cfg(), nil)
	want := make([]string, 0, 12)
	for i := 50; i < 60; i++ {
		want = append(want, cases[i].ID)
	}
	want = append(want, "c-00", "c-01")
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Fatalf("selection mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectBackfillsCoverage(t *testing.T) {
	// 20 hard untagged chat cases dominate; categories only exist in the easy pool.
	hard := pool(20, store.CaseChat, "hard")
	decks := pool(4, store.CaseDeckAnalysis, "deck")
	legal := pool(3, store.CaseChat, "legal", "Format-Legality")
	budget := pool(1, store.CaseChat, "budget", "cheap_swaps")
	cases := append(append(append(append([]store.TestCase{}, hard...), decks...), legal...), budget...)

	history := map[string]store.CaseHistory{}
	for _, tc := range hard {
		history[tc.ID] = store.CaseHistory{Total: 5, Passed: 0}
	}
	for _, tc := range cases[20:] {
		history[tc.ID] = store.CaseHistory{Total: 5, Passed: 5}
	}

	ids := Select(cases, history, cfg(), DefaultCoverage())
	if len(ids) != 10+3+2+1 {
		t.Fatalf("expected 16 ids, got %d: %v", len(ids), ids)
	}
	want := []string{"deck-00", "deck-01", "deck-02", "legal-00", "legal-01", "budget-00"}
	if diff := cmp.Diff(want, ids[10:]); diff != "" {
		t.Fatalf("backfill mismatch (-want +got):\n%s", diff)
	}

	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestSelectSizeProperty(t *testing.T) {
	for n := 1; n <= 120; n += 7 {
		cases := pool(n, store.CaseChat, "c")
		ids := Select(cases, nil, cfg(), DefaultCoverage())
		want := min(n, TargetSize(n, cfg()))
		if len(ids) < want {
			t.Fatalf("n=%d: selected %d, want at least %d", n, len(ids), want)
		}
	}
}

func TestSelectStableOnTies(t *testing.T) {
	cases := pool(30, store.CaseChat, "c")
	ids := Select(cases, nil, cfg(), nil)
	for i, id := range ids {
		if id != cases[i].ID {
			t.Fatalf("tied cases should keep pool order, got %v", ids)
		}
	}
}

// #endregion select-tests

// #region curate-tests

func TestCurateEmptyStore(t *testing.T) {
	c := New(tempStore(t), cfg(), nil)
	res := c.Curate(context.Background())
	if res.OK {
		t.Fatal("expected failure with no test cases")
	}
	if res.Error != "no test cases; import first" || res.Kind != apperr.KindValidation {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestCurateUpsertsSameDay(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		typ := store.CaseChat
		if i%4 == 0 {
			typ = store.CaseDeckAnalysis
		}
		if _, err := s.CreateTestCase(ctx, store.TestCase{Name: fmt.Sprintf("case %d", i), Type: typ, Input: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("CreateTestCase: %v", err)
		}
	}

	c := New(s, cfg(), nil)
	day := time.Date(2026, 10, 16, 23, 30, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return day })

	first := c.Curate(ctx)
	if !first.OK || !first.Created {
		t.Fatalf("expected created set, got %+v", first)
	}
	if first.Set.Name != "Auto-Golden-2026-10-16" {
		t.Fatalf("unexpected name %q", first.Set.Name)
	}
	if first.Set.Thresholds != store.DefaultThresholds() {
		t.Fatalf("unexpected thresholds %+v", first.Set.Thresholds)
	}
	if want := `Created Golden Set "Auto-Golden-2026-10-16" with 10 tests`; first.Message != want {
		t.Fatalf("message %q, want %q", first.Message, want)
	}

	second := c.Curate(ctx)
	if !second.OK || second.Created {
		t.Fatalf("expected update, got %+v", second)
	}
	if second.Set.ID != first.Set.ID {
		t.Fatalf("re-curation created a new set: %s vs %s", second.Set.ID, first.Set.ID)
	}
	if n, _ := s.CountEvalSets(ctx); n != 1 {
		t.Fatalf("expected 1 eval set, got %d", n)
	}
}

// #endregion curate-tests
