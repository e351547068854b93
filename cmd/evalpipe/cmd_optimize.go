package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/evalpipe/internal/llm"
	"github.com/danielpatrickdp/evalpipe/internal/pipeline"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

var (
	optimizeKind    string
	optimizeTimeout time.Duration
	optimizeJSON    bool
)

// optimizeCmd runs the self-optimization pipeline once
var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Run the self-optimization pipeline (baseline, challenge, gate, adopt)",
	Long: `Runs the full pipeline once:
  1. Baseline batch over the live prompt
  2. Curate a golden set if none exists
  3. Propose challenger prompts and compare them with the champion
  4. Verify the winner on the golden set (when enabled)
  5. Auto-adopt or print a recommendation

The step log shows exactly where a failed run stopped.`,
	RunE: runOptimize,
}

func init() {
	optimizeCmd.Flags().StringVar(&optimizeKind, "kind", "", "prompt kind (default from config)")
	optimizeCmd.Flags().DurationVar(&optimizeTimeout, "timeout", 10*time.Minute, "bound for the whole run")
	optimizeCmd.Flags().BoolVar(&optimizeJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(optimizeCmd)
}

func runOptimize(cmd *cobra.Command, args []string) error {
	client, err := llm.New(cfg.LLM, logger)
	if err != nil {
		return err
	}
	r, release, err := batchRunner()
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithTimeout(cmd.Context(), optimizeTimeout)
	defer cancel()

	res := newPipeline(r, client).Run(ctx, store.PromptKind(optimizeKind))
	if optimizeJSON {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		printPipeline(res)
	}
	if !res.OK {
		return fmt.Errorf("optimize: %s", res.Error)
	}
	return nil
}

func printPipeline(res pipeline.Result) {
	for i, s := range res.Steps {
		fmt.Printf("%2d. %s\n", i+1, s)
	}
	sm := res.Summary
	fmt.Printf("\nPass rate before: %d%%\n", sm.PassRateBefore)
	fmt.Printf("Pass rate after:  %d%%\n", sm.PassRateAfter)
	fmt.Printf("Golden passed:    %v\n", sm.GoldenPassed)
	fmt.Printf("Adopted:          %v\n", sm.Adopted)
	if rec := sm.Recommendation; rec != nil {
		fmt.Printf("\nRecommendation: prompt %s (%+d%%)\n", rec.RecommendedPrompt, rec.WinRateDelta)
		if rec.AdoptPromptID != "" {
			fmt.Printf("  adopt id: %s\n", rec.AdoptPromptID)
		}
		fmt.Printf("  %s\n", rec.Message)
	}
}
