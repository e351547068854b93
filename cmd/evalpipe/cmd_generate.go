package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/evalpipe/internal/llm"
	"github.com/danielpatrickdp/evalpipe/internal/runner"
)

var (
	generateFrom  string
	generateCount int
)

// generateCmd synthesizes new cases from a batch result's failures
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate new test cases from the failures of a batch run",
	Long: `Reads a batch result (the runner's reply, or a bare results array) and asks
the model for new cases that would catch similar failures. Every valid
proposal is stored with source "generated-from-failures".

Example:
  evalpipe generate --from nightly.json --count 8`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw json.RawMessage
		if err := readJSONFile(generateFrom, &raw); err != nil {
			return err
		}
		results, err := decodeResults(raw)
		if err != nil {
			return err
		}
		client, err := llm.New(cfg.LLM, logger)
		if err != nil {
			return err
		}

		res := newGenerator(client).Generate(cmd.Context(), results, generateCount)
		if err := printJSON(res); err != nil {
			return err
		}
		if !res.OK {
			return fmt.Errorf("generate: %s", res.Error)
		}
		return nil
	},
}

func init() {
	generateCmd.Flags().StringVar(&generateFrom, "from", "-", "batch result JSON file (- for stdin)")
	generateCmd.Flags().IntVar(&generateCount, "count", 0, "cases to request (default from config)")
	rootCmd.AddCommand(generateCmd)
}

func decodeResults(raw json.RawMessage) ([]runner.CaseResult, error) {
	var results []runner.CaseResult
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(raw, &results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
		return results, nil
	}
	var batch runner.BatchResult
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("decode batch result: %w", err)
	}
	return batch.Results, nil
}
