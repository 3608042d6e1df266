package ingest

import (
	"testing"
	"time"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeSource struct{ status Status }

func (f fakeSource) Status() Status { return f.status }

func TestIngestRepublishesTick(t *testing.T) {
	out := make(chan domain.Ticker, 4)
	a := NewAggregator(out, zerolog.Nop())
	a.Ingest(domain.Ticker{Symbol: "BTCUSDT", SourceTs: time.Now(), LastPrice: 100})

	select {
	case tick := <-out:
		require.Equal(t, "BTCUSDT", tick.Symbol)
	default:
		t.Fatal("expected a republished tick")
	}
}

func TestIngestDropsDuplicateWithinOneSecondBucket(t *testing.T) {
	out := make(chan domain.Ticker, 4)
	a := NewAggregator(out, zerolog.Nop())

	ts := time.Now().Truncate(time.Second)
	a.Ingest(domain.Ticker{Symbol: "BTCUSDT", SourceTs: ts, LastPrice: 100})
	a.Ingest(domain.Ticker{Symbol: "BTCUSDT", SourceTs: ts, LastPrice: 101})

	require.Len(t, out, 1)
	snap := a.Health()
	require.Equal(t, int64(1), snap.DuplicatesDrop)
}

func TestHealthRequiresConnectedSourceAndRecentTick(t *testing.T) {
	out := make(chan domain.Ticker, 4)
	a := NewAggregator(out, zerolog.Nop())
	a.RegisterSource("binance", fakeSource{status: StatusDisconnected})

	require.False(t, a.Health().Healthy)

	a.RegisterSource("binance", fakeSource{status: StatusConnected})
	require.False(t, a.Health().Healthy, "no tick observed yet")

	a.Ingest(domain.Ticker{Symbol: "BTCUSDT", SourceTs: time.Now(), LastPrice: 100})
	require.True(t, a.Health().Healthy)
}

func TestAverageLatencyOverLastHundred(t *testing.T) {
	out := make(chan domain.Ticker, 200)
	a := NewAggregator(out, zerolog.Nop())
	base := time.Now().Add(-200 * time.Second)
	for i := 0; i < 150; i++ {
		// Strictly increasing, one-per-bucket: avoids both the monotonicity
		// drop and dedup collapse, so all 150 samples actually land.
		a.Ingest(domain.Ticker{Symbol: "BTCUSDT", SourceTs: base.Add(time.Duration(i) * time.Second), LastPrice: 1})
	}
	require.LessOrEqual(t, a.AverageLatency(), 200*time.Second)
}

func TestIngestDropsOutOfOrderTickPerSymbolSource(t *testing.T) {
	out := make(chan domain.Ticker, 4)
	a := NewAggregator(out, zerolog.Nop())

	t1 := time.Now().Truncate(time.Second)
	t2 := t1.Add(-2 * time.Second)

	a.Ingest(domain.Ticker{Symbol: "BTCUSDT", Source: "binance", SourceTs: t1, LastPrice: 100})
	a.Ingest(domain.Ticker{Symbol: "BTCUSDT", Source: "binance", SourceTs: t2, LastPrice: 99})

	require.Len(t, out, 1)
	snap := a.Health()
	require.Equal(t, int64(1), snap.OutOfOrderDrop)
}

func TestIngestOrderingIsScopedPerSource(t *testing.T) {
	out := make(chan domain.Ticker, 4)
	a := NewAggregator(out, zerolog.Nop())

	t1 := time.Now().Truncate(time.Second)
	t2 := t1.Add(-2 * time.Second)

	a.Ingest(domain.Ticker{Symbol: "BTCUSDT", Source: "binance", SourceTs: t1, LastPrice: 100})
	a.Ingest(domain.Ticker{Symbol: "BTCUSDT", Source: "coinbase", SourceTs: t2, LastPrice: 99})

	require.Len(t, out, 2, "an earlier tick from a different source is not out-of-order")
	require.Equal(t, int64(0), a.Health().OutOfOrderDrop)
}
