// Package domain provides the core data model shared by every subsystem of
// the market-intelligence pipeline: ticks, candles, verdicts, signals and
// the small set of enums that describe them.
package domain

import "time"

// Quality tags the freshness/reliability of a canonical tick.
type Quality string

const (
	QualityHigh   Quality = "HIGH"
	QualityMedium Quality = "MEDIUM"
	QualityLow    Quality = "LOW"
	QualityStale  Quality = "STALE"
)

// Ticker is the canonical tick record produced by every ingestion path.
type Ticker struct {
	SourceTs      time.Time `json:"source_ts"`
	ReceivedAt    time.Time `json:"received_at"`
	Symbol        string    `json:"symbol"`
	Source        string    `json:"source"`
	Quality       Quality   `json:"quality"`
	LastPrice     float64   `json:"last_price"`
	BestBid       float64   `json:"best_bid"`
	BestAsk       float64   `json:"best_ask"`
	QuoteVolume24h float64  `json:"quote_volume_24h"`
	Change24hAbs  float64   `json:"change_24h_abs"`
	Change24hPct  float64   `json:"change_24h_pct"`
	Change1hPct   *float64  `json:"change_1h_pct,omitempty"`
	High24h       float64   `json:"high_24h"`
	Low24h        float64   `json:"low_24h"`
}

// SpreadPct returns the bid/ask spread as a percentage of the mid price.
// Returns 0 when either side of the book is missing.
func (t Ticker) SpreadPct() float64 {
	if t.BestBid <= 0 || t.BestAsk <= 0 {
		return 0
	}
	mid := (t.BestBid + t.BestAsk) / 2
	if mid == 0 {
		return 0
	}
	return (t.BestAsk - t.BestBid) / mid * 100
}

// Candle is an external, read-only OHLCV bar over a fixed interval.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Valid reports whether the candle satisfies the §3 OHLC invariants.
func (c Candle) Valid() bool {
	if c.Volume < 0 {
		return false
	}
	lo := min(c.Open, c.Close)
	hi := max(c.Open, c.Close)
	return c.Low <= lo && lo <= hi && hi <= c.High
}

// Severity is the micro-anomaly detector's per-tick classification.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "NONE"
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// AnomalyResult is the output of the micro-anomaly detector (C7).
type AnomalyResult struct {
	Severity     Severity
	Reasons      []string
	BudgetBreach bool // Evaluate took longer than its <=1ms budget (spec §7)
}

// Priority classifies a TriggerEvent.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// TriggerEvent records why, when and with what priority a symbol fired.
type TriggerEvent struct {
	At       time.Time
	Symbol   string
	Reason   string
	Priority Priority
	Tick     Ticker
}

// Direction is the directional stance of a verdict or signal.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Strength classifies the confidence texture of a verdict.
type Strength string

const (
	StrengthStrong   Strength = "STRONG"
	StrengthModerate Strength = "MODERATE"
	StrengthWeak     Strength = "WEAK"
)

// Verdict is a strategy's opinion on a trigger: either a signal or a
// rejection. Exactly one of (IsRejection==true) or a populated signal body
// is meaningful at a time.
type Verdict struct {
	Strategy      string
	Symbol        string
	IsRejection   bool
	RejectReason  string
	Direction     Direction
	Confidence    float64 // [0, 100]
	Strength      Strength
	EntryMin      float64
	EntryMax      float64
	StopLoss      float64
	Target1       float64
	Target2       float64
	Target3       float64
	RiskReward    float64
	Timeframe     string
	Reasoning     string
	Indicators    map[string]float64
}

// Valid performs the shape checks from §3 "Strategy Verdict" on a non-
// rejection verdict (ordered targets, confidence range, non-negative R/R).
func (v Verdict) Valid() bool {
	if v.IsRejection {
		return true
	}
	if v.Confidence < 0 || v.Confidence > 100 {
		return false
	}
	if v.RiskReward < 0 {
		return false
	}
	if v.Direction == DirectionLong {
		return v.Target1 < v.Target2 && v.Target2 < v.Target3
	}
	if v.Direction == DirectionShort {
		return v.Target1 > v.Target2 && v.Target2 > v.Target3
	}
	return false
}

// RiskLevel is derived from how far the stop-loss sits from entry.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskModerate RiskLevel = "MODERATE"
	RiskHigh     RiskLevel = "HIGH"
)

// DeriveRiskLevel implements the §6 risk-level rule.
func DeriveRiskLevel(stopLoss, price float64) RiskLevel {
	if price == 0 {
		return RiskHigh
	}
	pct := abs(stopLoss-price) / price * 100
	switch {
	case pct < 3:
		return RiskLow
	case pct <= 7:
		return RiskModerate
	default:
		return RiskHigh
	}
}

// Signal is the winning verdict selected for persistence and distribution.
type Signal struct {
	ID           string
	Symbol       string
	Strategy     string
	Direction    Direction
	Timeframe    string
	EntryMin     float64
	EntryMax     float64
	CurrentPrice float64
	StopLoss     float64
	Target1      float64
	Target2      float64
	Target3      float64
	Confidence   int
	Strength     Strength
	RiskLevel    RiskLevel
	Reasoning    string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
