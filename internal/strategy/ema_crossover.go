package strategy

import (
	"fmt"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/enrichment"
	"github.com/aristath/cryptosentinel/pkg/formulas"
)

// EMACrossover is the one reference strategy shipped with the bank: an
// EMA(20/50) cross confirmed by RSI(14), with Bollinger-band width used
// to grade conviction. It is deliberately unremarkable — the bank exists
// to exercise the dispatcher's contract, not to express a trading edge.
type EMACrossover struct {
	minConfidence float64
}

// NewEMACrossover builds the reference strategy with the default minimum
// confidence (65, per spec §4.13).
func NewEMACrossover() *EMACrossover {
	return &EMACrossover{minConfidence: defaultMinConfidence}
}

func (s *EMACrossover) Name() string { return "ema-crossover" }

func (s *EMACrossover) MinConfidence() float64 { return s.minConfidence }

func (s *EMACrossover) Evaluate(bundle enrichment.Bundle) domain.Verdict {
	emas, ok := bundle.Indicators["ema:20:50:100:200"].(map[int]float64)
	if !ok {
		return domain.Verdict{IsRejection: true, RejectReason: "ema indicator unavailable"}
	}
	ema20, ema50 := emas[20], emas[50]
	if ema20 == 0 || ema50 == 0 {
		return domain.Verdict{IsRejection: true, RejectReason: "insufficient history for ema(20/50)"}
	}

	rsi, _ := bundle.Indicators["rsi:14"].(float64)
	boll, _ := bundle.Indicators["bollinger:20:2"].(formulas.Bollinger)

	price := bundle.Ticker.LastPrice
	if price <= 0 {
		return domain.Verdict{IsRejection: true, RejectReason: "no current price"}
	}

	separationPct := (ema20 - ema50) / ema50 * 100

	var direction domain.Direction
	switch {
	case ema20 > ema50 && rsi < 70:
		direction = domain.DirectionLong
	case ema20 < ema50 && rsi > 30:
		direction = domain.DirectionShort
	default:
		return domain.Verdict{IsRejection: true, RejectReason: "no confirmed ema crossover"}
	}

	confidence := 55.0
	confidence += clampAbs(separationPct, 10) * 2 // wider separation, more confidence
	if direction == domain.DirectionLong {
		confidence += (70 - rsi) / 70 * 10 // distance below overbought
	} else {
		confidence += (rsi - 30) / 70 * 10 // distance above oversold
	}
	confidence = clampRange(confidence, 0, 100)

	strength := domain.StrengthWeak
	widthPct := boll.WidthPct
	switch {
	case widthPct > 0 && widthPct < 3:
		strength = domain.StrengthStrong // a tight band ahead of the cross suggests a real breakout
	case widthPct < 6:
		strength = domain.StrengthModerate
	}

	band := price * 0.02
	if widthPct > 0 {
		band = price * (widthPct / 100) / 2
	}

	v := domain.Verdict{
		Direction:     direction,
		Confidence:    confidence,
		Strength:      strength,
		Timeframe:     "4h",
		RiskReward:    2.5,
		Indicators:    map[string]float64{"ema20": ema20, "ema50": ema50, "rsi14": rsi, "bollinger_width_pct": widthPct},
		Reasoning:     fmt.Sprintf("EMA(20)=%.2f vs EMA(50)=%.2f (%.2f%% separation), RSI(14)=%.1f confirms %s", ema20, ema50, separationPct, rsi, direction),
	}

	if direction == domain.DirectionLong {
		v.EntryMin, v.EntryMax = price*0.998, price*1.002
		v.StopLoss = price - band*2
		v.Target1, v.Target2, v.Target3 = price+band*2.5, price+band*4, price+band*6
	} else {
		v.EntryMin, v.EntryMax = price*0.998, price*1.002
		v.StopLoss = price + band*2
		v.Target1, v.Target2, v.Target3 = price-band*2.5, price-band*4, price-band*6
	}

	return v
}

func clampAbs(v, max float64) float64 {
	if v < 0 {
		v = -v
	}
	if v > max {
		return max
	}
	return v
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
