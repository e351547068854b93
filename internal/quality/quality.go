package quality

import (
	"math"
	"time"

	"github.com/danielpatrickdp/evalpipe/internal/store"
)

// #region constants

const (
	catchWeight    = 10.0
	passRateWeight = 0.5
	flakinessCost  = 20.0

	MaxScore = 1000.0

	// HighValueCatches marks a case that has caught at least this many failure patterns.
	HighValueCatches = 3
	// LowValueScore marks a case scoring below this as a pruning candidate.
	LowValueScore = 20.0
)

// #endregion constants

// #region types

// Result is the derived view of a case's stats.
type Result struct {
	RecentPassRate float64 `json:"recent_pass_rate"`
	Flakiness      float64 `json:"flakiness"`
	Score          float64 `json:"score"`
	FailureRate    float64 `json:"failure_rate"`
}

// Outcome is one recorded run. CatchCount and ConsistencyScore are optional.
type Outcome struct {
	Passed           bool     `json:"passed"`
	CatchCount       *int     `json:"catch_count,omitempty"`
	ConsistencyScore *float64 `json:"consistency_score,omitempty"`
}

// Summary aggregates scores over a listing.
type Summary struct {
	Total          int     `json:"total"`
	HighValue      int     `json:"high_value"`
	LowValue       int     `json:"low_value"`
	AverageQuality float64 `json:"average_quality"`
}

// #endregion types

// #region score

// Score computes
//
//	clamp(catch*10 + recentPassRate*0.5 - flakiness*20, 0, 1000)
//
// where flakiness = 100 - consistency. A zero consistency is treated as unset (100).
func Score(st store.CaseStats) Result {
	var r Result
	if st.RunCount > 0 {
		r.RecentPassRate = float64(st.PassCount) * 100 / float64(st.RunCount)
		r.FailureRate = float64(st.RunCount-st.PassCount) * 100 / float64(st.RunCount)
	}
	consistency := st.ConsistencyScore
	if consistency == 0 {
		consistency = 100
	}
	r.Flakiness = 100 - consistency

	raw := float64(st.CatchCount)*catchWeight + r.RecentPassRate*passRateWeight - r.Flakiness*flakinessCost
	r.Score = math.Max(0, math.Min(MaxScore, raw))
	r.FailureRate = math.Max(0, math.Min(100, r.FailureRate))
	return r
}

// Apply writes the derived score and failure rate back into st.
func Apply(st store.CaseStats) store.CaseStats {
	r := Score(st)
	st.QualityScore = r.Score
	st.FailureRate = r.FailureRate
	return st
}

// #endregion score

// #region record

// RecordRun folds one outcome into st and rescores it. catch_count only
// moves up, and only on a failed run.
func RecordRun(st store.CaseStats, o Outcome, now time.Time) store.CaseStats {
	st.RunCount++
	if o.Passed {
		st.PassCount++
		t := now.UTC()
		st.LastPassedAt = &t
	} else if o.CatchCount != nil && *o.CatchCount > st.CatchCount {
		st.CatchCount = *o.CatchCount
	}
	if o.ConsistencyScore != nil {
		st.ConsistencyScore = *o.ConsistencyScore
	}
	return Apply(st)
}

// #endregion record

// #region summarize

func Summarize(cases []store.TestCase) Summary {
	s := Summary{Total: len(cases)}
	if len(cases) == 0 {
		return s
	}
	var sum float64
	for _, tc := range cases {
		if tc.Stats.CatchCount >= HighValueCatches {
			s.HighValue++
		}
		if tc.Stats.QualityScore < LowValueScore {
			s.LowValue++
		}
		sum += tc.Stats.QualityScore
	}
	s.AverageQuality = sum / float64(len(cases))
	return s
}

// #endregion summarize
