package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
	"github.com/danielpatrickdp/evalpipe/internal/config"
	"github.com/danielpatrickdp/evalpipe/internal/logging"
	"github.com/danielpatrickdp/evalpipe/internal/runner"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

// #region constants

const (
	SourceGenerated = "generated-from-failures"

	emptyResponse = "[EMPTY RESPONSE]"
)

// DefaultTags is applied when a proposal has none.
var DefaultTags = []string{"generated"}

// #endregion constants

// #region types

// Proposal is one synthesized case as returned by the model.
type Proposal struct {
	Name           string          `json:"name" validate:"required"`
	Type           string          `json:"type,omitempty" validate:"omitempty,oneof=chat deck_analysis"`
	Input          json.RawMessage `json:"input" validate:"required"`
	ExpectedChecks json.RawMessage `json:"expectedChecks,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
}

// Synthesizer turns a failure digest into count new case proposals.
type Synthesizer interface {
	Synthesize(ctx context.Context, digest string, count int) ([]Proposal, error)
}

// CaseCreator persists one case.
type CaseCreator interface {
	CreateTestCase(ctx context.Context, tc store.TestCase) (store.TestCase, error)
}

// Result lists the created cases and every raw proposal.
type Result struct {
	OK        bool             `json:"ok"`
	TestCases []store.TestCase `json:"test_cases"`
	Generated []Proposal       `json:"generated,omitempty"`
	Message   string           `json:"message,omitempty"`
	Error     string           `json:"error,omitempty"`
	Kind      apperr.Kind      `json:"kind,omitempty"`
}

// #endregion types

// #region failures

// Failures keeps results whose validation failed, plus empty responses to
// cases that carried expected checks.
func Failures(results []runner.CaseResult) []runner.CaseResult {
	var out []runner.CaseResult
	for _, r := range results {
		failed := r.Validation != nil && r.Validation.Overall != nil && !r.Validation.Overall.Passed
		empty := r.ResponseText() == "" && hasChecks(r.TestCase.ExpectedChecks)
		if failed || empty {
			out = append(out, r)
		}
	}
	return out
}

func hasChecks(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// Digest renders up to limit failures for the synthesizer, truncating each
// response to truncateAt runes.
func Digest(failures []runner.CaseResult, limit, truncateAt int) string {
	if limit > 0 && len(failures) > limit {
		failures = failures[:limit]
	}
	blocks := make([]string, 0, len(failures))
	for i, f := range failures {
		response := f.ResponseText()
		if response == "" {
			response = emptyResponse
		}
		expected := "null"
		if hasChecks(f.TestCase.ExpectedChecks) {
			expected = string(compact(f.TestCase.ExpectedChecks))
		}

		var b strings.Builder
		fmt.Fprintf(&b, "\nTest %d: %s\n", i+1, f.TestCase.Name)
		fmt.Fprintf(&b, "- Type: %s\n", f.TestCase.Type)
		fmt.Fprintf(&b, "- User Message: %s\n", userMessage(f.TestCase.Input))
		fmt.Fprintf(&b, "- Expected: %s\n", expected)
		fmt.Fprintf(&b, "- Actual Response: %s\n", truncate(response, truncateAt))
		fmt.Fprintf(&b, "- Failed Checks: %s\n", strings.Join(f.Validation.FailedChecks(), "; "))
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n")
}

func userMessage(input json.RawMessage) string {
	var in struct {
		UserMessage string `json:"userMessage"`
	}
	_ = json.Unmarshal(input, &in)
	return in.UserMessage
}

func compact(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// #endregion failures

// #region generator

type Generator struct {
	store CaseCreator
	synth Synthesizer
	cfg   config.GeneratorConfig
	log   *zap.Logger
}

func New(s CaseCreator, synth Synthesizer, cfg config.GeneratorConfig, log *zap.Logger) *Generator {
	return &Generator{store: s, synth: synth, cfg: cfg, log: logging.OrNop(log).Named("generator")}
}

var validate = validator.New()

// Generate synthesizes count cases (count <= 0 uses the configured default)
// from the failures in results and stores each valid proposal. A proposal that
// fails validation or insertion is logged and skipped.
func (g *Generator) Generate(ctx context.Context, results []runner.CaseResult, count int) Result {
	if count <= 0 {
		count = g.cfg.DefaultCount
	}
	failures := Failures(results)
	if len(failures) == 0 {
		return Result{OK: true, TestCases: []store.TestCase{}, Message: "no failures to analyze"}
	}

	digest := Digest(failures, g.cfg.MaxDigest, g.cfg.TruncateAt)
	proposals, err := g.synth.Synthesize(ctx, digest, count)
	if err != nil {
		g.log.Warn("synthesis failed", zap.Error(err))
		return Result{OK: false, Error: "generation failed: " + apperr.Message(err), Kind: apperr.KindOf(err)}
	}

	created := make([]store.TestCase, 0, len(proposals))
	for i, p := range proposals {
		tc, err := g.persist(ctx, p)
		if err != nil {
			g.log.Warn("skipping proposal", zap.Int("index", i), zap.String("name", p.Name), zap.Error(err))
			continue
		}
		created = append(created, tc)
	}

	g.log.Info("generated test cases",
		zap.Int("failures", len(failures)),
		zap.Int("proposed", len(proposals)),
		zap.Int("created", len(created)),
	)
	return Result{
		OK:        true,
		TestCases: created,
		Generated: proposals,
		Message:   fmt.Sprintf("Generated %d new test cases from failures", len(created)),
	}
}

func (g *Generator) persist(ctx context.Context, p Proposal) (store.TestCase, error) {
	p.Name = strings.TrimSpace(p.Name)
	if err := validate.Struct(p); err != nil {
		return store.TestCase{}, apperr.Validation("generate test case", "invalid proposal: %v", err)
	}
	tc := store.TestCase{
		Name:           p.Name,
		Type:           store.CaseChat,
		Input:          p.Input,
		ExpectedChecks: p.ExpectedChecks,
		Tags:           p.Tags,
		Source:         SourceGenerated,
	}
	if p.Type != "" {
		tc.Type = store.CaseType(p.Type)
	}
	if !hasChecks(tc.ExpectedChecks) {
		tc.ExpectedChecks = json.RawMessage(`{}`)
	}
	if len(tc.Tags) == 0 {
		tc.Tags = append([]string(nil), DefaultTags...)
	}
	return g.store.CreateTestCase(ctx, tc)
}

// #endregion generator
