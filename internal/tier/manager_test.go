package tier

import (
	"testing"
	"time"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/stretchr/testify/require"
)

func testManager() (*Manager, *time.Time) {
	t0 := time.Now()
	clock := &t0
	m := New(
		Intervals{Tier1: 5 * time.Second, Tier2: 1 * time.Second, Tier3: 500 * time.Millisecond},
		Timeouts{Tier2: 30 * time.Second, Tier3: 10 * time.Second},
	)
	m.now = func() time.Time { return *clock }
	return m, clock
}

func TestNewSymbolStartsAtTierOne(t *testing.T) {
	m, _ := testManager()
	require.Equal(t, domain.Tier1, m.Tier("BTCUSDT"))
}

func TestCriticalAnomalyPromotesToTierThree(t *testing.T) {
	m, _ := testManager()
	tier := m.OnAnomaly("BTCUSDT", domain.SeverityCritical)
	require.Equal(t, domain.Tier3, tier)
}

func TestMediumAnomalyPromotesToAtMostTierTwo(t *testing.T) {
	m, _ := testManager()
	tier := m.OnAnomaly("BTCUSDT", domain.SeverityMedium)
	require.Equal(t, domain.Tier2, tier)
}

func TestLowAnomalyNeverPromotes(t *testing.T) {
	m, _ := testManager()
	tier := m.OnAnomaly("BTCUSDT", domain.SeverityLow)
	require.Equal(t, domain.Tier1, tier)
}

func TestPromotionNeverDemotes(t *testing.T) {
	m, _ := testManager()
	m.OnAnomaly("BTCUSDT", domain.SeverityCritical)
	require.Equal(t, domain.Tier3, m.Tier("BTCUSDT"))

	tier := m.OnAnomaly("BTCUSDT", domain.SeverityLow)
	require.Equal(t, domain.Tier3, tier)
}

func TestShouldCheckRespectsInterval(t *testing.T) {
	m, clock := testManager()
	require.True(t, m.ShouldCheck("BTCUSDT")) // first call always fires

	*clock = clock.Add(1 * time.Second)
	require.False(t, m.ShouldCheck("BTCUSDT")) // tier 1 interval is 5s

	*clock = clock.Add(5 * time.Second)
	require.True(t, m.ShouldCheck("BTCUSDT"))
}

func TestShouldCheckDemotesAfterIdleTimeout(t *testing.T) {
	m, clock := testManager()
	m.OnAnomaly("BTCUSDT", domain.SeverityCritical)
	require.Equal(t, domain.Tier3, m.Tier("BTCUSDT"))

	*clock = clock.Add(11 * time.Second) // past the tier-3 timeout (10s)
	m.ShouldCheck("BTCUSDT")
	require.Equal(t, domain.Tier2, m.Tier("BTCUSDT"))
}

func TestShouldCheckDemotesAtMostOnePerCall(t *testing.T) {
	m, clock := testManager()
	m.OnAnomaly("BTCUSDT", domain.SeverityCritical)

	*clock = clock.Add(time.Hour) // far past both tier-2 and tier-3 timeouts
	m.ShouldCheck("BTCUSDT")
	require.Equal(t, domain.Tier2, m.Tier("BTCUSDT"), "must demote by exactly one tier per call")
}
