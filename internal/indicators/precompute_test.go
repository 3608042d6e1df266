package indicators

import (
	"context"
	"testing"
	"time"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testPipeline() *Pipeline {
	cache := New(5*time.Second, 100)
	return NewPipeline(cache, Config{HotCap: 20, BatchSize: 5, Yield: time.Millisecond}, zerolog.Nop())
}

func TestTrackAppliesTierBoost(t *testing.T) {
	p := testPipeline()
	p.Track("BTCUSDT", domain.Tier3)
	p.mu.Lock()
	boost := p.hot["BTCUSDT"].tierBoost
	p.mu.Unlock()
	require.Equal(t, 50, boost)
}

func TestComputeNowWinsPriorityOrdering(t *testing.T) {
	p := testPipeline()
	p.Track("AAA", domain.Tier1)
	p.Track("BBB", domain.Tier1)
	p.ComputeNow("BBB")

	p.mu.Lock()
	ranked := p.rankedLocked()
	p.mu.Unlock()
	require.Equal(t, "BBB", ranked[0].symbol)
}

func TestComputeNowRunsImmediatelyRatherThanWaitingForCycle(t *testing.T) {
	p := testPipeline()
	p.Track("BTCUSDT", domain.Tier1)

	source := func(symbol string) ([]float64, []float64, bool) {
		closes, volumes := closesAndVolumes(60)
		return closes, volumes, true
	}
	// Wires the source the way StartScheduled would, without starting a cron.
	p.mu.Lock()
	p.source = source
	p.mu.Unlock()

	p.ComputeNow("BTCUSDT")

	snap := p.IndicatorSnapshot("BTCUSDT")
	require.Contains(t, snap, "rsi:14", "ComputeNow must compute synchronously, not just boost priority")
}

func TestComputeNowWithoutSourceOnlyBoostsPriority(t *testing.T) {
	p := testPipeline()
	p.Track("AAA", domain.Tier1)

	require.NotPanics(t, func() { p.ComputeNow("AAA") })
	require.Empty(t, p.IndicatorSnapshot("AAA"))
}

func TestSnapshotReturnsOnlyFreshIndicators(t *testing.T) {
	p := testPipeline()
	p.bulkPreCompute("BTCUSDT", closesFixture(), volumesFixture())

	snap := p.IndicatorSnapshot("BTCUSDT")
	require.Len(t, snap, len(snapshotIndicators))
	require.Contains(t, snap, "rsi:14")

	require.Empty(t, p.IndicatorSnapshot("ETHUSDT"))
}

func closesFixture() []float64 {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	return closes
}

func volumesFixture() []float64 {
	volumes := make([]float64, 60)
	for i := range volumes {
		volumes[i] = 1000 + float64(i)
	}
	return volumes
}

func TestPruneKeepsAtMostOnePointFiveCap(t *testing.T) {
	p := testPipeline()
	p.hotCap = 4
	for i := 0; i < 10; i++ {
		p.Track(string(rune('A'+i)), domain.Tier1)
	}
	p.mu.Lock()
	size := len(p.hot)
	p.mu.Unlock()
	require.LessOrEqual(t, size, 6) // 1.5 * 4
}

func closesAndVolumes(n int) ([]float64, []float64) {
	closes := make([]float64, n)
	volumes := make([]float64, n)
	for i := range closes {
		closes[i] = 100 + float64(i)*0.1
		volumes[i] = 1000 + float64(i)
	}
	return closes, volumes
}

func TestRunCycleSkipsSymbolsBelowMinCandles(t *testing.T) {
	p := testPipeline()
	p.Track("THIN", domain.Tier1)

	source := func(symbol string) ([]float64, []float64, bool) {
		closes, volumes := closesAndVolumes(10) // below minCandlesForBulk
		return closes, volumes, true
	}
	p.RunCycle(context.Background(), source)

	_, err := p.cache.GetOrCompute("THIN:rsi:14", time.Hour, func() (any, error) {
		return nil, errBoom
	})
	require.Error(t, err, "nothing should have been pre-computed for a thin symbol")
}

var errBoom = errNotComputed{}

type errNotComputed struct{}

func (errNotComputed) Error() string { return "not computed" }

func TestRunCycleBulkPreComputesEligibleSymbols(t *testing.T) {
	p := testPipeline()
	p.Track("BTCUSDT", domain.Tier3)

	source := func(symbol string) ([]float64, []float64, bool) {
		closes, volumes := closesAndVolumes(60)
		return closes, volumes, true
	}
	p.RunCycle(context.Background(), source)

	v, err := p.cache.GetOrCompute("BTCUSDT:rsi:14", time.Hour, func() (any, error) {
		return nil, errBoom
	})
	require.NoError(t, err)
	require.IsType(t, float64(0), v)
}
