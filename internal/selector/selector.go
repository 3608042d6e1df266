// Package selector implements the consensus/quality-score signal selector
// (spec C15 / §4.14): given a symbol's non-rejected verdicts it picks at
// most one winner and reports the rest as rejected.
package selector

import (
	"fmt"
	"math"
	"sort"

	"github.com/aristath/cryptosentinel/internal/domain"
)

// Consensus is the agreement strength among verdicts sharing the dominant
// direction.
type Consensus string

const (
	ConsensusStrong   Consensus = "STRONG"
	ConsensusModerate Consensus = "MODERATE"
	ConsensusWeak     Consensus = "WEAK"
)

// ReputationFactor resolves a strategy's reputation multiplier (wired to
// internal/reputation.Tracker.Factor in production).
type ReputationFactor func(strategy string) float64

// Rejected pairs a losing verdict with why it lost.
type Rejected struct {
	Verdict domain.Verdict
	Reason  string
}

// Result is the selector's full output for one symbol.
type Result struct {
	Winner          *domain.Verdict
	WinnerScore     float64
	Consensus       Consensus
	Dominant        domain.Direction
	SelectionReason string
	Rejected        []Rejected
}

// Select runs the §4.14 procedure over verdicts for symbol. factor
// resolves each candidate's reputation multiplier; pass a func returning
// 1.0 to disable the adjustment.
func Select(symbol string, verdicts []domain.Verdict, factor ReputationFactor) Result {
	candidates := make([]domain.Verdict, 0, len(verdicts))
	for _, v := range verdicts {
		if !v.IsRejection {
			candidates = append(candidates, v)
		}
	}

	if len(candidates) == 0 {
		return Result{}
	}

	if len(candidates) == 1 {
		winner := candidates[0]
		score := qualityScore(winner, 1, 1, ConsensusWeak, factor)
		return Result{
			Winner:          &winner,
			WinnerScore:     score,
			Consensus:       ConsensusWeak,
			Dominant:        winner.Direction,
			SelectionReason: selectionReason(winner, ConsensusWeak, 100),
		}
	}

	var longs, shorts int
	for _, v := range candidates {
		if v.Direction == domain.DirectionLong {
			longs++
		} else {
			shorts++
		}
	}
	total := longs + shorts
	majority := int(math.Ceil(float64(total) / 2))

	var dominant domain.Direction
	switch {
	case longs >= majority && longs > shorts:
		dominant = domain.DirectionLong
	case shorts >= majority && shorts > longs:
		dominant = domain.DirectionShort
	default:
		return rejectAll(candidates, "wrong direction")
	}

	dominantCount := longs
	if dominant == domain.DirectionShort {
		dominantCount = shorts
	}
	consensusPct := float64(dominantCount) / float64(total) * 100
	consensus := consensusBand(consensusPct)

	dominantVerdicts := make([]domain.Verdict, 0, dominantCount)
	rejected := make([]Rejected, 0, len(candidates)-dominantCount)
	for _, v := range candidates {
		if v.Direction == dominant {
			dominantVerdicts = append(dominantVerdicts, v)
		} else {
			rejected = append(rejected, Rejected{Verdict: v, Reason: "wrong direction"})
		}
	}

	scored := make([]scoredVerdict, len(dominantVerdicts))
	for i, v := range dominantVerdicts {
		scored[i] = scoredVerdict{
			verdict: v,
			score:   qualityScore(v, dominantCount, total, consensus, factor),
		}
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	winner := scored[0].verdict
	for _, s := range scored[1:] {
		rejected = append(rejected, Rejected{Verdict: s.verdict, Reason: "lower quality"})
	}

	return Result{
		Winner:          &winner,
		WinnerScore:     scored[0].score,
		Consensus:       consensus,
		Dominant:        dominant,
		SelectionReason: selectionReason(winner, consensus, consensusPct),
		Rejected:        rejected,
	}
}

type scoredVerdict struct {
	verdict domain.Verdict
	score   float64
}

func rejectAll(candidates []domain.Verdict, reason string) Result {
	rejected := make([]Rejected, len(candidates))
	for i, v := range candidates {
		rejected[i] = Rejected{Verdict: v, Reason: reason}
	}
	return Result{Rejected: rejected}
}

func consensusBand(pct float64) Consensus {
	switch {
	case pct >= 80:
		return ConsensusStrong
	case pct >= 60:
		return ConsensusModerate
	default:
		return ConsensusWeak
	}
}

// qualityScore implements the exact §4.14 formula: confidence component +
// consensus component + risk/reward component + strength component.
func qualityScore(v domain.Verdict, dominantCount, total int, consensus Consensus, factor ReputationFactor) float64 {
	f := 1.0
	if factor != nil {
		f = factor(v.Strategy)
	}
	adjustedConfidence := clamp(v.Confidence*f, 0, 100)

	confidenceComponent := adjustedConfidence / 100 * 40
	consensusComponent := float64(dominantCount) / float64(total) * 30
	rrComponent := riskRewardComponent(v.RiskReward)
	strengthComponent := strengthComponentFor(v.Strength)

	return confidenceComponent + consensusComponent + rrComponent + strengthComponent
}

func riskRewardComponent(rr float64) float64 {
	switch {
	case rr <= 1:
		return 0
	case rr < 2:
		return (rr - 1) * 10
	case rr < 3:
		return 10 + (rr-2)*5
	case rr < 4:
		return 15 + (rr-3)*5
	default:
		return 20
	}
}

func strengthComponentFor(s domain.Strength) float64 {
	switch s {
	case domain.StrengthStrong:
		return 10
	case domain.StrengthModerate:
		return 6
	default:
		return 3
	}
}

func selectionReason(winner domain.Verdict, consensus Consensus, consensusPct float64) string {
	return fmt.Sprintf(
		"%s consensus at %.0f%%, winning %s confidence %.0f, R/R %.1f, %s strength",
		consensus, consensusPct, winner.Direction, winner.Confidence, winner.RiskReward, winner.Strength,
	)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
