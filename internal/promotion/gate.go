package promotion

import (
	"fmt"
)

// #region gate

// Gate decides whether a comparison winner is adopted without review.
type Gate struct {
	config GateConfig
}

func NewGate(config GateConfig) *Gate {
	return &Gate{config: config}
}

// Decide collects every blocking condition; with none the winner is adopted.
// A blocked decision carries a recommendation whose message follows the first
// applicable of: small delta, unverified golden set, manual review.
func (g *Gate) Decide(in Input) Decision {
	cmp := in.Comparison
	var blocks []Block

	if cmp.AdoptPromptID == "" {
		blocks = append(blocks, Block{
			Type:   BlockNoChallenger,
			Reason: "champion kept the lead",
		})
	}
	if float64(cmp.WinRateDelta) <= g.config.MinDelta {
		blocks = append(blocks, Block{
			Type:   BlockSmallDelta,
			Reason: fmt.Sprintf("win rate delta %d <= %g", cmp.WinRateDelta, g.config.MinDelta),
		})
	}
	if in.GoldenSetExists && !in.GoldenVerified {
		blocks = append(blocks, Block{
			Type:   BlockUnverifiedGolden,
			Reason: "golden set exists but is not verified",
		})
	}

	if len(blocks) == 0 {
		return Decision{
			Action: ActionAdopt,
			Reason: fmt.Sprintf("passed gate: win_rate_delta %d > %g", cmp.WinRateDelta, g.config.MinDelta),
		}
	}

	action := ActionRecommend
	if cmp.AdoptPromptID == "" {
		action = ActionReject
	}
	return Decision{
		Action:  action,
		Reason:  fmt.Sprintf("blocked: %s", blocks[0].Reason),
		Blocked: true,
		Blocks:  blocks,
		Recommendation: &Recommendation{
			RecommendedPrompt: cmp.RecommendedLabel,
			AdoptPromptID:     cmp.AdoptPromptID,
			WinRateDelta:      cmp.WinRateDelta,
			Message:           g.message(in),
		},
	}
}

func (g *Gate) message(in Input) string {
	switch {
	case float64(in.Comparison.WinRateDelta) <= g.config.MinDelta:
		return fmt.Sprintf("Improvement under %g%%. Review before adopting.", g.config.MinDelta)
	case in.GoldenSetExists && !in.GoldenVerified:
		return "Run Golden Set to verify before adopting."
	default:
		return "Review and adopt manually."
	}
}

// #endregion gate
