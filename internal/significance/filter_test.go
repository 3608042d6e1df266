package significance

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func flatThresholds(base BaseThresholds) func(string) float64 {
	return func(name string) float64 {
		switch name {
		case "price":
			return base.PriceChangePct
		case "velocity":
			return base.VelocityPctPerS
		case "volume":
			return base.VolumeSpikeRatio
		case "spread":
			return base.SpreadWideningRatio
		case "bidask":
			return base.BidAskRatioDev
		default:
			return 0
		}
	}
}

func TestEvaluateAllNoiseReturnsNoise(t *testing.T) {
	f := New(DefaultBaseThresholds())
	res := f.Evaluate(ProfileMedium, []DimensionCheck{
		{"price", 0.1}, {"velocity", 0.05},
	}, flatThresholds(DefaultBaseThresholds()))
	require.Equal(t, LevelNoise, res.Level)
}

func TestEvaluatePicksMaxSeverityDimension(t *testing.T) {
	f := New(DefaultBaseThresholds())
	res := f.Evaluate(ProfileMedium, []DimensionCheck{
		{"price", 1.1},   // LOW (ratio 1.1)
		{"velocity", 1.6}, // ratio 1.6/0.5=3.2 -> CRITICAL
	}, flatThresholds(DefaultBaseThresholds()))
	require.Equal(t, LevelCritical, res.Level)
	require.Equal(t, "velocity", res.Dimension)
}

func TestEvaluateUltraLowProfileShrinksThreshold(t *testing.T) {
	f := New(DefaultBaseThresholds())
	// A 0.15% price move against the base 1% threshold is NOISE at MEDIUM
	// profile, but significant for an ULTRA_LOW (stablecoin) asset whose
	// effective threshold shrinks to 0.1%.
	checks := []DimensionCheck{{"price", 0.15}}
	medium := f.Evaluate(ProfileMedium, checks, flatThresholds(DefaultBaseThresholds()))
	ultraLow := f.Evaluate(ProfileUltraLow, checks, flatThresholds(DefaultBaseThresholds()))
	require.Equal(t, LevelNoise, medium.Level)
	require.NotEqual(t, LevelNoise, ultraLow.Level)
}

func TestEvaluateBoostsConfidenceAtThreeSignificantDimensions(t *testing.T) {
	f := New(DefaultBaseThresholds())
	base := DefaultBaseThresholds()
	twoDim := f.Evaluate(ProfileMedium, []DimensionCheck{
		{"price", 2.0}, {"velocity", 1.0},
	}, flatThresholds(base))
	threeDim := f.Evaluate(ProfileMedium, []DimensionCheck{
		{"price", 2.0}, {"velocity", 1.0}, {"volume", 3.0},
	}, flatThresholds(base))
	require.Greater(t, threeDim.Confidence, twoDim.Confidence)
}

func TestEvaluateConfidenceCapsAtOneHundred(t *testing.T) {
	f := New(DefaultBaseThresholds())
	base := DefaultBaseThresholds()
	res := f.Evaluate(ProfileExtreme, []DimensionCheck{
		{"price", 100}, {"velocity", 100}, {"volume", 100},
	}, flatThresholds(base))
	require.LessOrEqual(t, res.Confidence, 100.0)
}

func TestClassifyBands(t *testing.T) {
	require.Equal(t, ProfileUltraLow, Classify(0.1))
	require.Equal(t, ProfileLow, Classify(1.0))
	require.Equal(t, ProfileMedium, Classify(3.0))
	require.Equal(t, ProfileHigh, Classify(7.0))
	require.Equal(t, ProfileExtreme, Classify(15.0))
}
