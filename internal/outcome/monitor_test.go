package outcome

import (
	"testing"
	"time"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/persistence"
	"github.com/aristath/cryptosentinel/internal/reputation"
	"github.com/stretchr/testify/require"
)

func longSignal() persistence.OpenSignal {
	now := time.Now()
	return persistence.OpenSignal{
		ID:        "sig-1",
		Symbol:    "BTCUSDT",
		Direction: domain.DirectionLong,
		EntryMin:  99,
		EntryMax:  101,
		StopLoss:  90,
		Target1:   110,
		Target2:   120,
		Target3:   130,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func TestEvaluateLongHitsTP1ThenTP3(t *testing.T) {
	sig := longSignal()
	_, reached, terminal := evaluate(sig, 111, 0, time.Now())
	require.False(t, terminal)
	require.Equal(t, 1, reached)

	label, _, terminal := evaluate(sig, 131, reached, time.Now())
	require.True(t, terminal)
	require.Equal(t, reputation.OutcomeWinTP3, label)
}

func TestEvaluateLongCleanStopLoss(t *testing.T) {
	sig := longSignal()
	label, _, terminal := evaluate(sig, 89, 0, time.Now())
	require.True(t, terminal)
	require.Equal(t, reputation.OutcomeLossSL, label)
}

func TestEvaluateLongPartialLossAfterTP1(t *testing.T) {
	sig := longSignal()
	_, reached, _ := evaluate(sig, 111, 0, time.Now())
	label, _, terminal := evaluate(sig, 89, reached, time.Now())
	require.True(t, terminal)
	require.Equal(t, reputation.OutcomeLossPartial, label)
}

func TestEvaluateShortDirectionMirrorsBarriers(t *testing.T) {
	now := time.Now()
	sig := persistence.OpenSignal{
		ID:        "sig-2",
		Symbol:    "ETHUSDT",
		Direction: domain.DirectionShort,
		EntryMin:  99,
		EntryMax:  101,
		StopLoss:  110,
		Target1:   90,
		Target2:   80,
		Target3:   70,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	label, _, terminal := evaluate(sig, 69, 0, time.Now())
	require.True(t, terminal)
	require.Equal(t, reputation.OutcomeWinTP3, label)

	label, _, terminal = evaluate(sig, 111, 0, time.Now())
	require.True(t, terminal)
	require.Equal(t, reputation.OutcomeLossSL, label)
}

func TestEvaluateNoBarrierTouchedBeforeExpiryIsNotTerminal(t *testing.T) {
	sig := longSignal()
	_, _, terminal := evaluate(sig, 102, 0, time.Now())
	require.False(t, terminal)
}

func TestEvaluateTP1ThenTimeoutIsWinTP1(t *testing.T) {
	sig := longSignal()
	_, reached, terminal := evaluate(sig, 111, 0, time.Now())
	require.False(t, terminal)
	require.Equal(t, 1, reached)

	after := sig.ExpiresAt.Add(time.Second)
	label, _, terminal := evaluate(sig, 112, reached, after)
	require.True(t, terminal)
	require.Equal(t, reputation.OutcomeWinTP1, label)
}

func TestEvaluateTimeoutLabelsByMagnitude(t *testing.T) {
	sig := longSignal()
	after := sig.ExpiresAt.Add(time.Second)

	label, _, terminal := evaluate(sig, 100.1, 0, after) // ~0% move
	require.True(t, terminal)
	require.Equal(t, reputation.OutcomeTimeoutFlat, label)

	label, _, terminal = evaluate(sig, 103, 0, after) // +3% favorable
	require.True(t, terminal)
	require.Equal(t, reputation.OutcomeTimeoutGain, label)

	label, _, terminal = evaluate(sig, 98, 0, after) // ~-2% small loss
	require.True(t, terminal)
	require.Equal(t, reputation.OutcomeTimeoutSmall, label)

	label, _, terminal = evaluate(sig, 91, 0, after) // ~-9% large loss, above the stop-loss barrier
	require.True(t, terminal)
	require.Equal(t, reputation.OutcomeTimeoutLoss, label)
}
