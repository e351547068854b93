package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/danielpatrickdp/evalpipe/internal/alert"
	"github.com/danielpatrickdp/evalpipe/internal/challenger"
	"github.com/danielpatrickdp/evalpipe/internal/curator"
	"github.com/danielpatrickdp/evalpipe/internal/generator"
	"github.com/danielpatrickdp/evalpipe/internal/llm"
	"github.com/danielpatrickdp/evalpipe/internal/pipeline"
	"github.com/danielpatrickdp/evalpipe/internal/promotion"
	"github.com/danielpatrickdp/evalpipe/internal/quality"
	"github.com/danielpatrickdp/evalpipe/internal/runner"
	"github.com/danielpatrickdp/evalpipe/internal/scheduler"
)

// #region wiring

// batchRunner builds the configured runner and a func that releases it.
func batchRunner() (runner.Runner, func(), error) {
	r, err := runner.New(cfg.Runner, logger)
	if err != nil {
		return nil, nil, err
	}
	release := func() {}
	if c, ok := r.(io.Closer); ok {
		release = func() { _ = c.Close() }
	}
	return r, release, nil
}

func newCurator() *curator.Curator {
	return curator.New(db, cfg.Curator, logger)
}

func newVerifier(r runner.Runner) *promotion.Verifier {
	return promotion.NewVerifier(r, db, cfg.Promotion.GoldenPassRate, cfg.Runner.FormatKey, logger)
}

func newPipeline(r runner.Runner, c llm.Completer) *pipeline.Pipeline {
	deps := pipeline.Deps{
		Store:    db,
		Runner:   r,
		Curator:  newCurator(),
		Proposer: challenger.NewProposer(db, c, logger),
		Comparer: challenger.NewEvaluator(r, cfg.Promotion.CompareLimit, cfg.Runner.FormatKey, logger),
		Gate:     promotion.NewGate(promotion.GateConfig{MinDelta: cfg.Promotion.MinDelta}),
		Adopter:  promotion.NewAdopter(db, db.DB(), logger),
	}
	if cfg.Promotion.VerifyGoldenSet {
		deps.Verifier = newVerifier(r)
	}
	return pipeline.New(deps, pipeline.OptionsFrom(cfg), logger)
}

func newScheduler(r runner.Runner) *scheduler.Scheduler {
	return scheduler.New(db, r,
		quality.NewService(db, logger),
		alert.New(cfg.Scheduler.WebhookTimeout, logger),
		cfg.Scheduler, cfg.Runner.FormatKey, logger)
}

func newGenerator(c llm.Completer) *generator.Generator {
	synth := generator.NewLLMSynthesizer(c, cfg.Generator.MaxTokens)
	return generator.New(db, synth, cfg.Generator, logger)
}

// #endregion wiring

// #region output

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// readJSONFile decodes path ("-" is stdin) into out.
func readJSONFile(path string, out any) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
