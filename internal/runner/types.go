package runner

import (
	"encoding/json"
	"time"

	"github.com/danielpatrickdp/evalpipe/internal/store"
)

// #region request

// Options select what a batch run executes against. PromptVersionID pins the
// prompt under test for this call only; empty means the active version.
type Options struct {
	PromptVersionID string `json:"promptVersionId,omitempty"`
	Suite           string `json:"suite,omitempty"`
	FormatKey       string `json:"formatKey,omitempty"`
}

// Case is the wire form of a test case sent to the runner.
type Case struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Type           string          `json:"type"`
	Input          json.RawMessage `json:"input"`
	ExpectedChecks json.RawMessage `json:"expectedChecks,omitempty"`
	Tags           []string        `json:"tags"`
}

// CaseFromStore converts a stored case to its wire form.
func CaseFromStore(tc store.TestCase) Case {
	tags := tc.Tags
	if tags == nil {
		tags = []string{}
	}
	return Case{
		ID:             tc.ID,
		Name:           tc.Name,
		Type:           string(tc.Type),
		Input:          tc.Input,
		ExpectedChecks: tc.ExpectedChecks,
		Tags:           tags,
	}
}

type request struct {
	TestCases       []Case `json:"testCases"`
	PromptVersionID string `json:"promptVersionId,omitempty"`
	Suite           string `json:"suite,omitempty"`
	FormatKey       string `json:"formatKey,omitempty"`
}

// #endregion request

// #region response

type Overall struct {
	Passed bool    `json:"passed"`
	Score  float64 `json:"score" validate:"gte=0,lte=100"`
}

type Violations struct {
	Critical int      `json:"critical" validate:"gte=0"`
	Total    int      `json:"total" validate:"gte=0"`
	Messages []string `json:"messages,omitempty"`
}

type Flags struct {
	HallucinationRisk        bool `json:"hallucinationRisk,omitempty"`
	AskedClarifyingQuestions bool `json:"askedClarifyingQuestions,omitempty"`
	RefusedWhenNeeded        bool `json:"refusedWhenNeeded,omitempty"`
}

// Breakdown is the per-category detail the validator attaches to a result.
type Breakdown struct {
	OverallScore   float64            `json:"overallScore" validate:"gte=0,lte=100"`
	CategoryScores map[string]float64 `json:"categoryScores,omitempty"`
	Violations     Violations         `json:"violations"`
	Flags          Flags              `json:"flags"`
}

type Check struct {
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

type KeywordResults struct {
	Checks []Check `json:"checks,omitempty"`
}

type Validation struct {
	Overall            *Overall        `json:"overall" validate:"required"`
	ValidatorBreakdown *Breakdown      `json:"validatorBreakdown,omitempty"`
	KeywordResults     *KeywordResults `json:"keywordResults,omitempty"`
}

// Passed reports overall.passed, false when no validation ran.
func (v *Validation) Passed() bool {
	return v != nil && v.Overall != nil && v.Overall.Passed
}

// FailedChecks returns the messages of failed keyword checks.
func (v *Validation) FailedChecks() []string {
	if v == nil || v.KeywordResults == nil {
		return nil
	}
	var out []string
	for _, c := range v.KeywordResults.Checks {
		if !c.Passed {
			out = append(out, c.Message)
		}
	}
	return out
}

type Response struct {
	Text       string `json:"text"`
	PromptUsed string `json:"promptUsed,omitempty"`
	Error      string `json:"error,omitempty"`
}

type Output struct {
	Response Response `json:"response"`
}

// CaseResult is one executed case. Validation is nil when the runner produced
// no response to validate. EvalRunID is set when the batch was split across
// several runner calls.
type CaseResult struct {
	TestCase   Case        `json:"testCase"`
	Result     *Output     `json:"result,omitempty"`
	Validation *Validation `json:"validation,omitempty"`
	Error      string      `json:"error,omitempty"`
	EvalRunID  string      `json:"evalRunId,omitempty"`
}

// ResponseText is the model output, empty when none was produced.
func (r CaseResult) ResponseText() string {
	if r.Result == nil {
		return ""
	}
	return r.Result.Response.Text
}

// HallucinationRisk reports the validator's hallucination flag.
func (r CaseResult) HallucinationRisk() bool {
	return r.Validation != nil && r.Validation.ValidatorBreakdown != nil &&
		r.Validation.ValidatorBreakdown.Flags.HallucinationRisk
}

// Record converts r to a history row for the store. The result's own run id
// wins over evalRunID. Results without a case id yield ok == false.
func (r CaseResult) Record(evalRunID string, at time.Time) (rec store.Result, ok bool) {
	if r.TestCase.ID == "" {
		return store.Result{}, false
	}
	if r.EvalRunID != "" {
		evalRunID = r.EvalRunID
	}
	rec = store.Result{
		TestCaseID:        r.TestCase.ID,
		EvalRunID:         evalRunID,
		Passed:            r.Validation.Passed(),
		HallucinationRisk: r.HallucinationRisk(),
		CreatedAt:         at,
	}
	if r.Validation != nil {
		rec.Validation, _ = json.Marshal(r.Validation)
		if r.Validation.Overall != nil {
			rec.Score = r.Validation.Overall.Score
		}
	}
	return rec, true
}

type Summary struct {
	Total  int `json:"total" validate:"gte=0"`
	Passed int `json:"passed" validate:"gte=0,ltefield=Total"`
	Failed int `json:"failed" validate:"gte=0"`
}

// BatchResult is the runner's reply to one Execute call.
type BatchResult struct {
	OK        bool         `json:"ok"`
	Error     string       `json:"error,omitempty"`
	EvalRunID string       `json:"evalRunId"`
	Results   []CaseResult `json:"results" validate:"dive"`
	Summary   Summary      `json:"summary"`
}

// #endregion response
