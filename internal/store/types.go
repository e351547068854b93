package store

import (
	"encoding/json"
	"time"
)

// #region test-case

// CaseType is the kind of interaction a test case exercises.
type CaseType string

const (
	CaseChat         CaseType = "chat"
	CaseDeckAnalysis CaseType = "deck_analysis"
)

// CaseStats are the running counters kept per test case.
type CaseStats struct {
	RunCount         int        `json:"run_count"`
	PassCount        int        `json:"pass_count"`
	CatchCount       int        `json:"catch_count"`
	ConsistencyScore float64    `json:"consistency_score"`
	QualityScore     float64    `json:"quality_score"`
	FailureRate      float64    `json:"failure_rate"`
	LastPassedAt     *time.Time `json:"last_passed_at,omitempty"`
}

// TestCase is a stored evaluation case. Input and ExpectedChecks are opaque
// to this layer and handed to the batch runner as-is.
type TestCase struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Type           CaseType        `json:"type"`
	Input          json.RawMessage `json:"input"`
	ExpectedChecks json.RawMessage `json:"expected_checks,omitempty"`
	Tags           []string        `json:"tags"`
	Source         string          `json:"source,omitempty"`
	Stats          CaseStats       `json:"stats"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// #endregion test-case

// #region result

// Result is one historical run of a test case.
type Result struct {
	ID                string          `json:"id"`
	TestCaseID        string          `json:"test_case_id"`
	EvalRunID         string          `json:"eval_run_id"`
	Passed            bool            `json:"passed"`
	Score             float64         `json:"score"`
	HallucinationRisk bool            `json:"hallucination_risk"`
	Validation        json.RawMessage `json:"validation,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// CaseHistory aggregates all recorded results for one case.
type CaseHistory struct {
	Total          int
	Passed         int
	Hallucinations int
}

// #endregion result

// #region eval-set

// Thresholds gate a run over an evaluation set.
type Thresholds struct {
	MinOverallScore        float64 `json:"min_overall_score"`
	MaxCriticalViolations  int     `json:"max_critical_violations"`
	MaxTotalViolations     int     `json:"max_total_violations"`
	MinSpecificityScore    float64 `json:"min_specificity_score"`
	MinActionabilityScore  float64 `json:"min_actionability_score"`
	MinFormatLegalityScore float64 `json:"min_format_legality_score"`
	Strict                 bool    `json:"strict"`
}

// DefaultThresholds are applied to every curated golden set.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinOverallScore:        85,
		MaxCriticalViolations:  0,
		MaxTotalViolations:     2,
		MinSpecificityScore:    75,
		MinActionabilityScore:  75,
		MinFormatLegalityScore: 90,
		Strict:                 true,
	}
}

// EvalSet is a named, gated list of test cases (a golden set).
type EvalSet struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	TestCaseIDs []string   `json:"test_case_ids"`
	Thresholds  Thresholds `json:"thresholds"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// #endregion eval-set

// #region prompt-version

// PromptKind selects which surface a prompt drives.
type PromptKind string

const (
	PromptChat         PromptKind = "chat"
	PromptDeckAnalysis PromptKind = "deck_analysis"
)

type PromptStatus string

const (
	StatusCandidate PromptStatus = "candidate"
	StatusActive    PromptStatus = "active"
)

// PromptMeta records where a version came from.
type PromptMeta struct {
	Source    string          `json:"source,omitempty"`
	Rationale string          `json:"rationale,omitempty"`
	ParentID  string          `json:"parent_id,omitempty"`
	Evidence  json.RawMessage `json:"evidence,omitempty"`
}

type PromptVersion struct {
	ID        string       `json:"id"`
	Kind      PromptKind   `json:"kind"`
	Version   string       `json:"version"`
	Body      string       `json:"body"`
	Status    PromptStatus `json:"status"`
	Meta      PromptMeta   `json:"meta"`
	CreatedAt time.Time    `json:"created_at"`
}

// #endregion prompt-version

// #region schedule

type Frequency string

const (
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
	FrequencyCustom Frequency = "custom"
)

// Schedule is a recurring batch run. A nil TestCaseIDs means all cases.
type Schedule struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	Frequency         Frequency  `json:"frequency"`
	CronExpression    string     `json:"cron_expression,omitempty"`
	TestCaseIDs       []string   `json:"test_case_ids,omitempty"`
	AlertThreshold    float64    `json:"alert_threshold"`
	AlertOnRegression bool       `json:"alert_on_regression"`
	AlertWebhook      string     `json:"alert_webhook,omitempty"`
	Enabled           bool       `json:"enabled"`
	NextRunAt         time.Time  `json:"next_run_at"`
	LastRunAt         *time.Time `json:"last_run_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// #endregion schedule

// #region promotion

// PromotionEntry is one row of the promotion audit log.
type PromotionEntry struct {
	ID              int64           `json:"id"`
	PromptVersionID string          `json:"prompt_version_id"`
	Kind            PromptKind      `json:"kind"`
	Decision        string          `json:"decision"` // "adopt" | "recommend" | "reject"
	Reason          string          `json:"reason,omitempty"`
	Evidence        json.RawMessage `json:"evidence,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// #endregion promotion
