// Package normalize validates, rounds and freshness-tags canonical ticks
// before they enter the rest of the pipeline (spec C3 / §4.1).
package normalize

import (
	"math"
	"time"
)

// Result is the outcome of normalizing one candidate ticker.
type Result struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Normalizer validates and sanitises canonical tickers.
type Normalizer struct {
	now func() time.Time
}

// New creates a Normalizer using time.Now for freshness tagging.
func New() *Normalizer {
	return &Normalizer{now: time.Now}
}

// Candidate mirrors domain.Ticker's numeric fields without importing the
// domain package, so normalize has no dependency on anything upstream of it;
// callers convert to/from domain.Ticker at the boundary.
type Candidate struct {
	SourceTs       time.Time
	LastPrice      float64
	BestBid        float64
	BestAsk        float64
	QuoteVolume24h float64
	Change24hAbs   float64
	Change24hPct   float64
	Change1hPct    *float64
	High24h        float64
	Low24h         float64
}

// Sanitised is the rounded, quality-tagged output of a successful
// normalization.
type Sanitised struct {
	Candidate
	Quality string
}

// Normalize validates a candidate tick against the §3 invariants, rounds
// its numeric fields per §4.1, and assigns a freshness quality tag. It
// never panics; validation failures are returned as a Result with
// Valid == false, never as a Go error.
func (n *Normalizer) Normalize(c Candidate) (Result, Sanitised) {
	res := Result{Valid: true}

	if c.LastPrice <= 0 {
		res.Errors = append(res.Errors, "price must be > 0")
	}
	if c.BestBid > 0 && c.BestAsk > 0 && c.BestBid > c.BestAsk {
		res.Errors = append(res.Errors, "bid must not exceed ask")
	}
	if c.Low24h > c.High24h {
		res.Errors = append(res.Errors, "low24h must not exceed high24h")
	}
	if c.QuoteVolume24h < 0 {
		res.Errors = append(res.Errors, "volume must be >= 0")
	}
	if c.SourceTs.IsZero() {
		res.Errors = append(res.Errors, "source timestamp is required")
	}

	if len(res.Errors) > 0 {
		res.Valid = false
		return res, Sanitised{}
	}

	if c.BestBid <= 0 || c.BestAsk <= 0 {
		res.Warnings = append(res.Warnings, "missing bid/ask, depth-derived fields will use neutral defaults")
	}

	out := Sanitised{
		Candidate: Candidate{
			SourceTs:       c.SourceTs,
			LastPrice:      roundPrice(c.LastPrice),
			BestBid:        roundPrice(c.BestBid),
			BestAsk:        roundPrice(c.BestAsk),
			QuoteVolume24h: round2(c.QuoteVolume24h),
			Change24hAbs:   round2(c.Change24hAbs),
			Change24hPct:   round2(c.Change24hPct),
			High24h:        roundPrice(c.High24h),
			Low24h:         roundPrice(c.Low24h),
		},
	}
	if c.Change1hPct != nil {
		v := round2(*c.Change1hPct)
		out.Change1hPct = &v
	}
	out.Quality = qualityFor(n.now().Sub(c.SourceTs))

	return res, out
}

// roundPrice rounds price-like fields to 2/4/6/8 decimals by magnitude band,
// per spec §4.1.
func roundPrice(p float64) float64 {
	switch {
	case p >= 1000:
		return roundTo(p, 2)
	case p >= 1:
		return roundTo(p, 4)
	case p >= 0.01:
		return roundTo(p, 6)
	default:
		return roundTo(p, 8)
	}
}

func round2(v float64) float64 {
	return roundTo(v, 2)
}

func roundTo(v float64, decimals int) float64 {
	mult := math.Pow(10, float64(decimals))
	return math.Round(v*mult) / mult
}

// qualityFor maps tick age to the §4.1 freshness tag.
func qualityFor(age time.Duration) string {
	switch {
	case age < time.Second:
		return "HIGH"
	case age < 10*time.Second:
		return "MEDIUM"
	case age < 30*time.Second:
		return "LOW"
	default:
		return "STALE"
	}
}
