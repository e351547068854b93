package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/evalpipe/internal/store"
)

var (
	goldenPromptID string
	goldenKind     string
)

// goldenCmd groups the golden set commands
var goldenCmd = &cobra.Command{
	Use:   "golden",
	Short: "Curate and verify the golden set",
}

var goldenCurateCmd = &cobra.Command{
	Use:   "curate",
	Short: "Create or refresh today's golden set from the hardest cases",
	RunE: func(cmd *cobra.Command, args []string) error {
		res := newCurator().Curate(cmd.Context())
		if err := printJSON(res); err != nil {
			return err
		}
		if !res.OK {
			return fmt.Errorf("curate: %s", res.Error)
		}
		return nil
	},
}

var goldenVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run a prompt over the latest golden set and mark the set verified on pass",
	Long: `Runs --prompt (default: the active prompt of --kind) over the newest golden
set and checks every result against the set's thresholds. A passing run marks
the set verified, which lets the pipeline auto-adopt again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		set, err := db.LatestEvalSet(ctx)
		if err != nil {
			return err
		}
		promptID := goldenPromptID
		if promptID == "" {
			active, err := db.ActivePrompt(ctx, store.PromptKind(goldenKind))
			if err != nil {
				return err
			}
			promptID = active.ID
		}

		r, release, err := batchRunner()
		if err != nil {
			return err
		}
		defer release()

		v, err := newVerifier(r).Verify(ctx, set, promptID)
		if err != nil {
			return err
		}
		if v.Passed {
			if err := db.MarkEvalSetVerified(ctx, set.ID, time.Now()); err != nil {
				return err
			}
		}
		if err := printJSON(v); err != nil {
			return err
		}
		if !v.Passed {
			return fmt.Errorf("verify: %s", v.Reason)
		}
		return nil
	},
}

func init() {
	goldenVerifyCmd.Flags().StringVar(&goldenPromptID, "prompt", "", "prompt version id to verify")
	goldenVerifyCmd.Flags().StringVar(&goldenKind, "kind", string(store.PromptChat), "prompt kind when --prompt is empty")

	goldenCmd.AddCommand(goldenCurateCmd, goldenVerifyCmd)
	rootCmd.AddCommand(goldenCmd)
}
