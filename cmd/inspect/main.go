package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/danielpatrickdp/evalpipe/internal/promotion"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to evalpipe.db")
	last := flag.Int("last", 20, "show N most recent prompt versions")
	kind := flag.String("kind", "", "filter to one prompt kind (chat, deck_analysis)")
	version := flag.String("version", "", "show single prompt version detail")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/evalpipe.db [--last N] [--kind chat] [--version id] [--json]")
		os.Exit(2)
	}

	s, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	ctx := context.Background()
	if *version != "" {
		err = runDetailMode(ctx, s, *version, *jsonOut)
	} else {
		err = runListMode(ctx, s, store.PromptKind(*kind), *last, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

type listRow struct {
	VersionID string `json:"version_id"`
	Kind      string `json:"kind"`
	Version   string `json:"version"`
	Status    string `json:"status"`
	Source    string `json:"source,omitempty"`
	Decision  string `json:"decision,omitempty"`
	Delta     *int   `json:"win_rate_delta,omitempty"`
	CreatedAt string `json:"created_at"`
}

func runListMode(ctx context.Context, s *store.Store, kind store.PromptKind, last int, jsonOut bool) error {
	versions, err := s.ListPromptVersions(ctx, kind, last)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Fprintln(os.Stderr, "no prompt versions found")
		return nil
	}
	latest, err := latestDecisions(ctx, s)
	if err != nil {
		return err
	}

	// store returns newest first, reverse for chronological
	rows := make([]listRow, len(versions))
	for i, pv := range versions {
		lr := listRow{
			VersionID: pv.ID,
			Kind:      string(pv.Kind),
			Version:   pv.Version,
			Status:    string(pv.Status),
			Source:    pv.Meta.Source,
			CreatedAt: pv.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
		if e, ok := latest[pv.ID]; ok {
			lr.Decision = e.Decision
			if ev := parseEvidence(e.Evidence); ev != nil {
				d := ev.WinRateDelta
				lr.Delta = &d
			}
		}
		rows[len(versions)-1-i] = lr
	}

	if jsonOut {
		return printJSON(rows)
	}
	printListTable(rows)
	return nil
}

// latestDecisions maps each prompt version to its newest log entry.
func latestDecisions(ctx context.Context, s *store.Store) (map[string]store.PromotionEntry, error) {
	entries, err := s.ListPromotions(ctx, 0)
	if err != nil {
		return nil, err
	}
	out := make(map[string]store.PromotionEntry, len(entries))
	for _, e := range entries {
		if _, seen := out[e.PromptVersionID]; !seen {
			out[e.PromptVersionID] = e
		}
	}
	return out, nil
}

func printListTable(rows []listRow) {
	fmt.Printf("%-10s  %-13s  %-16s  %-9s  %-10s  %6s  %s\n",
		"Version", "Kind", "Label", "Status", "Decision", "Delta", "Time")
	fmt.Printf("%-10s+-%-13s+-%-16s+-%-9s+-%-10s+-%6s+-%s\n",
		"----------", "-------------", "----------------", "---------", "----------", "------", "--------------------")
	for _, r := range rows {
		delta := "-"
		if r.Delta != nil {
			delta = fmt.Sprintf("%+d", *r.Delta)
		}
		decision := r.Decision
		if decision == "" {
			decision = "-"
		}
		fmt.Printf("%-10s  %-13s  %-16s  %-9s  %-10s  %6s  %s\n",
			shortID(r.VersionID), r.Kind, r.Version, r.Status, decision, delta, r.CreatedAt)
	}
}

// #endregion list-mode

// #region detail-mode

type detailOutput struct {
	VersionID string     `json:"version_id"`
	Kind      string     `json:"kind"`
	Version   string     `json:"version"`
	Status    string     `json:"status"`
	ParentID  string     `json:"parent_id,omitempty"`
	Source    string     `json:"source,omitempty"`
	Rationale string     `json:"rationale,omitempty"`
	CreatedAt string     `json:"created_at"`
	Body      string     `json:"body"`
	Log       []logEntry `json:"log"`
}

type logEntry struct {
	Decision  string              `json:"decision"`
	Reason    string              `json:"reason,omitempty"`
	Evidence  *promotion.Evidence `json:"evidence,omitempty"`
	CreatedAt string              `json:"created_at"`
}

func runDetailMode(ctx context.Context, s *store.Store, id string, jsonOut bool) error {
	pv, err := s.GetPromptVersion(ctx, id)
	if err != nil {
		return err
	}
	entries, err := s.ListPromotions(ctx, 0)
	if err != nil {
		return err
	}

	out := detailOutput{
		VersionID: pv.ID,
		Kind:      string(pv.Kind),
		Version:   pv.Version,
		Status:    string(pv.Status),
		ParentID:  pv.Meta.ParentID,
		Source:    pv.Meta.Source,
		Rationale: pv.Meta.Rationale,
		CreatedAt: pv.CreatedAt.Format("2006-01-02T15:04:05Z"),
		Body:      pv.Body,
		Log:       []logEntry{},
	}
	for _, e := range entries {
		if e.PromptVersionID != pv.ID {
			continue
		}
		out.Log = append(out.Log, logEntry{
			Decision:  e.Decision,
			Reason:    e.Reason,
			Evidence:  parseEvidence(e.Evidence),
			CreatedAt: e.CreatedAt.Format("2006-01-02T15:04:05Z"),
		})
	}

	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("Version:   %s\n", out.VersionID)
	fmt.Printf("Kind:      %s\n", out.Kind)
	fmt.Printf("Label:     %s\n", out.Version)
	fmt.Printf("Status:    %s\n", out.Status)
	fmt.Printf("Parent:    %s\n", out.ParentID)
	fmt.Printf("Source:    %s\n", out.Source)
	fmt.Printf("Created:   %s\n", out.CreatedAt)
	if out.Rationale != "" {
		fmt.Printf("Rationale: %s\n", out.Rationale)
	}

	fmt.Printf("\nPromotion log:\n")
	if len(out.Log) == 0 {
		fmt.Println("  (none)")
	}
	for _, l := range out.Log {
		fmt.Printf("  %s  %-9s  %s\n", l.CreatedAt, l.Decision, l.Reason)
		if l.Evidence != nil {
			fmt.Printf("    pass rate %d%% -> %d%%, delta %+d", l.Evidence.PassRateBefore, l.Evidence.PassRateAfter, l.Evidence.WinRateDelta)
			if l.Evidence.GoldenPassed != nil {
				fmt.Printf(", golden passed %v", *l.Evidence.GoldenPassed)
			}
			fmt.Println()
		}
	}

	fmt.Printf("\nBody:\n%s\n", out.Body)
	return nil
}

// #endregion detail-mode

// #region output

func parseEvidence(raw json.RawMessage) *promotion.Evidence {
	if len(raw) == 0 {
		return nil
	}
	var ev promotion.Evidence
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil
	}
	return &ev
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
