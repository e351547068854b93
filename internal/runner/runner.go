package runner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
	"github.com/danielpatrickdp/evalpipe/internal/config"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

// #region interface

// Runner executes test cases against the assistant and validates the responses.
type Runner interface {
	Execute(ctx context.Context, cases []store.TestCase, opts Options) (BatchResult, error)
}

// New builds the runner selected by cfg.Transport.
func New(cfg config.RunnerConfig, log *zap.Logger) (Runner, error) {
	switch cfg.Transport {
	case "http", "":
		return NewHTTPRunner(cfg, log), nil
	case "grpc":
		return DialGRPC(cfg, log)
	default:
		return nil, fmt.Errorf("new runner: unknown transport %q", cfg.Transport)
	}
}

// #endregion interface

// #region validate

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func boundary() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks a reply at the boundary. A reply with ok=false or a
// malformed shape is an Upstream error. A missing summary is rebuilt from
// the results.
func Validate(res *BatchResult) error {
	const op = "batch runner"
	if !res.OK {
		msg := res.Error
		if msg == "" {
			msg = "runner reported failure"
		}
		return apperr.Upstream(op, errors.New(msg))
	}
	if res.Summary.Total == 0 && len(res.Results) > 0 {
		res.Summary = Summarize(res.Results)
	}
	if err := boundary().Struct(res); err != nil {
		return apperr.Upstream(op, fmt.Errorf("malformed reply: %w", err))
	}
	return nil
}

// #endregion validate

// #region helpers

// Summarize counts passed and failed results. A result without validation
// counts toward neither.
func Summarize(results []CaseResult) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Validation == nil || r.Validation.Overall == nil {
			continue
		}
		if r.Validation.Overall.Passed {
			s.Passed++
		} else {
			s.Failed++
		}
	}
	return s
}

// PassRate is round(passed/total*100), 0 for no results.
func PassRate(results []CaseResult) int {
	return int(math.Round(PassRatio(results)))
}

// PassRatio is passed/total*100 without rounding, 0 for no results.
func PassRatio(results []CaseResult) float64 {
	if len(results) == 0 {
		return 0
	}
	passed := 0
	for _, r := range results {
		if r.Validation.Passed() {
			passed++
		}
	}
	return float64(passed) * 100 / float64(len(results))
}

// merge folds one chunk's reply into the batch. EvalRunID stays the first
// chunk's id; every result keeps the id of the chunk that produced it.
func merge(into *BatchResult, part BatchResult) {
	if into.EvalRunID == "" {
		into.EvalRunID = part.EvalRunID
	}
	for i := range part.Results {
		if part.Results[i].EvalRunID == "" {
			part.Results[i].EvalRunID = part.EvalRunID
		}
	}
	into.Results = append(into.Results, part.Results...)
	into.Summary.Total += part.Summary.Total
	into.Summary.Passed += part.Summary.Passed
	into.Summary.Failed += part.Summary.Failed
}

func toWire(cases []store.TestCase, opts Options) request {
	wire := make([]Case, len(cases))
	for i, tc := range cases {
		wire[i] = CaseFromStore(tc)
	}
	return request{
		TestCases:       wire,
		PromptVersionID: opts.PromptVersionID,
		Suite:           opts.Suite,
		FormatKey:       opts.FormatKey,
	}
}

// #endregion helpers
