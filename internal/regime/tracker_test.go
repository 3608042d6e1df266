package regime

import (
	"testing"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/stretchr/testify/require"
)

func defaultBase() BaseThresholds {
	return BaseThresholds{
		PriceChangePct:   0.10,
		VelocityPctPerS:  0.35,
		SpreadWidening:   1.8,
		VolumeSurgeRatio: 1.8,
	}
}

func TestUpdateStaysNormalBeforeFiveSamples(t *testing.T) {
	tr := New(defaultBase())
	state, _ := tr.Update("BTCUSDT", 2.0)
	require.Equal(t, domain.RegimeNormal, state.Regime)
	require.Zero(t, state.Sigma)
}

func TestUpdateClassifiesCalm(t *testing.T) {
	tr := New(defaultBase())
	var state domain.RegimeState
	for i := 0; i < 10; i++ {
		state, _ = tr.Update("BTCUSDT", 0.05)
	}
	require.Equal(t, domain.RegimeCalm, state.Regime)
	require.InDelta(t, 0.04, state.Thresholds.PriceChangePct, 0.01)
}

func TestUpdateClassifiesExtremeAndScalesThresholds(t *testing.T) {
	tr := New(defaultBase())
	samples := []float64{0.1, 0.2, 5.0, 8.0, 9.5, 1.0, 7.0, 0.3, 6.0, 8.8}
	var state domain.RegimeState
	for _, s := range samples {
		state, _ = tr.Update("ETHUSDT", s)
	}
	require.Equal(t, domain.RegimeExtreme, state.Regime)
	require.InDelta(t, 0.20, state.Thresholds.PriceChangePct, 0.001)
	require.InDelta(t, 0.525, state.Thresholds.VelocityPctPerS, 0.001)
}

func TestUpdateReportsTransition(t *testing.T) {
	tr := New(defaultBase())
	var transitioned bool
	for i := 0; i < 4; i++ {
		_, transitioned = tr.Update("SOLUSDT", 0.05)
		require.False(t, transitioned) // still below the 5-sample floor, label stays NORMAL
	}

	// Fifth sample crosses the floor; sigma becomes computable and the
	// label can now move away from the NORMAL default.
	_, transitioned = tr.Update("SOLUSDT", 0.05)
	require.True(t, transitioned)
}

func TestRingCapsAtTwenty(t *testing.T) {
	tr := New(defaultBase())
	for i := 0; i < 30; i++ {
		tr.Update("BTCUSDT", 1.0)
	}
	require.Len(t, tr.rings["BTCUSDT"], ringCapacity)
}

func TestRegimeIsPureFunctionOfWindow(t *testing.T) {
	tr1 := New(defaultBase())
	tr2 := New(defaultBase())
	samples := []float64{0.4, 1.1, 2.9, 0.2, 3.5, 1.9}
	var s1, s2 domain.RegimeState
	for _, s := range samples {
		s1, _ = tr1.Update("X", s)
	}
	for _, s := range samples {
		s2, _ = tr2.Update("X", s)
	}
	require.Equal(t, s1.Regime, s2.Regime)
	require.Equal(t, s1.Thresholds, s2.Thresholds)
}
