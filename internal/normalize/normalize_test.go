package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedNormalizer(now time.Time) *Normalizer {
	return &Normalizer{now: func() time.Time { return now }}
}

func validCandidate(ts time.Time) Candidate {
	return Candidate{
		SourceTs:       ts,
		LastPrice:      27123.456789,
		BestBid:        27120.0,
		BestAsk:        27125.0,
		QuoteVolume24h: 1234567.891,
		Change24hAbs:   120.5,
		Change24hPct:   0.445,
		High24h:        27500.0,
		Low24h:         26900.0,
	}
}

func TestNormalizeAcceptsValidTick(t *testing.T) {
	now := time.Now()
	n := fixedNormalizer(now)
	res, out := n.Normalize(validCandidate(now.Add(-500 * time.Millisecond)))

	require.True(t, res.Valid)
	require.Empty(t, res.Errors)
	require.Equal(t, "HIGH", out.Quality)
	require.Equal(t, 27123.46, out.LastPrice) // >= 1000 -> 2 decimals
}

func TestNormalizeRoundingBands(t *testing.T) {
	n := fixedNormalizer(time.Now())

	require.Equal(t, 1234.57, roundPrice(1234.5678))     // >= 1000 -> 2 decimals
	require.Equal(t, 12.3457, roundPrice(12.34567891))    // >= 1 -> 4 decimals
	require.Equal(t, 0.123457, roundPrice(0.1234567891))  // >= 0.01 -> 6 decimals
	require.Equal(t, 0.00123457, roundPrice(0.001234567891)) // < 0.01 -> 8 decimals
	_ = n
}

func TestNormalizeRejectsNonPositivePrice(t *testing.T) {
	n := fixedNormalizer(time.Now())
	c := validCandidate(time.Now())
	c.LastPrice = 0
	res, _ := n.Normalize(c)
	require.False(t, res.Valid)
	require.NotEmpty(t, res.Errors)
}

func TestNormalizeRejectsBidAboveAsk(t *testing.T) {
	n := fixedNormalizer(time.Now())
	c := validCandidate(time.Now())
	c.BestBid, c.BestAsk = 100, 99
	res, _ := n.Normalize(c)
	require.False(t, res.Valid)
}

func TestNormalizeRejectsLowAboveHigh(t *testing.T) {
	n := fixedNormalizer(time.Now())
	c := validCandidate(time.Now())
	c.Low24h, c.High24h = 100, 50
	res, _ := n.Normalize(c)
	require.False(t, res.Valid)
}

func TestNormalizeWarnsOnMissingBookSides(t *testing.T) {
	n := fixedNormalizer(time.Now())
	c := validCandidate(time.Now())
	c.BestBid, c.BestAsk = 0, 0
	res, _ := n.Normalize(c)
	require.True(t, res.Valid)
	require.NotEmpty(t, res.Warnings)
}

func TestQualityBands(t *testing.T) {
	now := time.Now()
	n := fixedNormalizer(now)

	cases := []struct {
		age      time.Duration
		expected string
	}{
		{500 * time.Millisecond, "HIGH"},
		{5 * time.Second, "MEDIUM"},
		{20 * time.Second, "LOW"},
		{60 * time.Second, "STALE"},
	}
	for _, tc := range cases {
		_, out := n.Normalize(validCandidate(now.Add(-tc.age)))
		require.Equal(t, tc.expected, out.Quality, "age=%s", tc.age)
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	now := time.Now()
	n := fixedNormalizer(now)
	_, first := n.Normalize(validCandidate(now.Add(-time.Second)))

	// Re-normalizing the sanitised output (with the same source timestamp)
	// must be a fixed point: rounding is stable.
	second := Candidate{
		SourceTs:       first.SourceTs,
		LastPrice:      first.LastPrice,
		BestBid:        first.BestBid,
		BestAsk:        first.BestAsk,
		QuoteVolume24h: first.QuoteVolume24h,
		Change24hAbs:   first.Change24hAbs,
		Change24hPct:   first.Change24hPct,
		High24h:        first.High24h,
		Low24h:         first.Low24h,
	}
	_, out2 := n.Normalize(second)
	require.Equal(t, first.LastPrice, out2.LastPrice)
	require.Equal(t, first.QuoteVolume24h, out2.QuoteVolume24h)
}
