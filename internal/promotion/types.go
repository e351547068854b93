package promotion

import (
	"github.com/danielpatrickdp/evalpipe/internal/challenger"
)

// #region block-type

// BlockType enumerates the reasons a winning candidate is held back.
type BlockType string

const (
	BlockNoChallenger     BlockType = "no_challenger"
	BlockSmallDelta       BlockType = "small_delta"
	BlockUnverifiedGolden BlockType = "unverified_golden_set"
)

// Block is one reason auto-adoption was refused.
type Block struct {
	Type   BlockType `json:"type"`
	Reason string    `json:"reason"`
}

// #endregion block-type

// #region gate-config

// GateConfig holds the auto-adoption thresholds.
type GateConfig struct {
	MinDelta float64 // percentage points the winner must beat the champion by
}

// DefaultGateConfig requires a strictly greater than 5 point gain.
func DefaultGateConfig() GateConfig {
	return GateConfig{MinDelta: 5}
}

// #endregion gate-config

// #region gate-io

// Input is everything the gate looks at.
type Input struct {
	Comparison      challenger.Comparison
	GoldenSetExists bool
	GoldenVerified  bool
}

const (
	ActionAdopt     = "adopt"
	ActionRecommend = "recommend"
	ActionReject    = "reject"
)

// Recommendation describes a candidate that was not auto-adopted.
type Recommendation struct {
	RecommendedPrompt string `json:"recommended_prompt"`
	AdoptPromptID     string `json:"adopt_prompt_id,omitempty"`
	WinRateDelta      int    `json:"win_rate_delta"`
	Message           string `json:"message"`
}

// Decision is the gate's output. Recommendation is set unless Action is adopt.
type Decision struct {
	Action         string          `json:"action"`
	Reason         string          `json:"reason"`
	Blocked        bool            `json:"blocked"`
	Blocks         []Block         `json:"blocks,omitempty"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
}

// #endregion gate-io
