// Package outcome implements the triple-barrier outcome monitor (spec C18
// / §4.16): one task per open signal polls a live price source until the
// stop-loss, a take-profit, or the expiry time barrier is touched, then
// reports one of the nine terminal labels back into reputation tracking.
package outcome

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/persistence"
	"github.com/aristath/cryptosentinel/internal/reputation"
	"github.com/rs/zerolog"
)

// PriceSource returns the latest trade price for symbol.
type PriceSource interface {
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// SignalStore is the read/write surface the monitor needs from persistence.
type SignalStore interface {
	OpenSignals(ctx context.Context) ([]persistence.OpenSignal, error)
	CloseSignal(ctx context.Context, id string, outcome string, at time.Time) error
}

// ReputationReporter feeds closed outcomes into C17's strategy scoring.
type ReputationReporter interface {
	ReportOutcome(signalID string, outcome reputation.Outcome)
}

const (
	defaultPollInterval      = 5 * time.Second
	defaultReconcileInterval = 10 * time.Second

	smallMovePct = 0.5 // |pct| below this at expiry is a flat timeout
	largeLossPct = 3.0 // loss beyond this at expiry is a full timeout loss
)

// Monitor supervises one watch goroutine per open signal.
type Monitor struct {
	prices         PriceSource
	store          SignalStore
	reputation     ReputationReporter
	log            zerolog.Logger
	pollEvery      time.Duration
	reconcileEvery time.Duration

	mu      sync.Mutex
	watched map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Monitor that polls prices every 5s (spec §5's "~5 s
// cadence") and reconciles the set of open signals every 10s.
func New(prices PriceSource, store SignalStore, rep ReputationReporter, log zerolog.Logger) *Monitor {
	return &Monitor{
		prices:         prices,
		store:          store,
		reputation:     rep,
		log:            log.With().Str("component", "outcome-monitor").Logger(),
		pollEvery:      defaultPollInterval,
		reconcileEvery: defaultReconcileInterval,
		watched:        make(map[string]context.CancelFunc),
	}
}

// Run reconciles open signals against running watch tasks until ctx is
// cancelled, then waits for every watch goroutine to exit. Per-signal
// tasks stop when ctx is cancelled (spec §5: "per-signal outcome tasks
// stop when the aggregator stops").
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.reconcileEvery)
	defer ticker.Stop()

	m.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return
		case <-ticker.C:
			m.reconcile(ctx)
		}
	}
}

func (m *Monitor) reconcile(ctx context.Context) {
	open, err := m.store.OpenSignals(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to list open signals")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(open))
	for _, sig := range open {
		seen[sig.ID] = true
		if _, tracked := m.watched[sig.ID]; tracked {
			continue
		}
		watchCtx, cancel := context.WithCancel(ctx)
		m.watched[sig.ID] = cancel
		m.wg.Add(1)
		go m.watch(watchCtx, sig)
	}

	// Stop watching anything no longer open (closed by another process,
	// or a stale entry whose cancel func already fired).
	for id, cancel := range m.watched {
		if !seen[id] {
			cancel()
			delete(m.watched, id)
		}
	}
}

func (m *Monitor) watch(ctx context.Context, sig persistence.OpenSignal) {
	defer m.wg.Done()
	defer m.untrack(sig.ID)

	ticker := time.NewTicker(m.pollEvery)
	defer ticker.Stop()

	var reachedTP int // highest take-profit level touched so far, 0..3
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			price, err := m.prices.CurrentPrice(ctx, sig.Symbol)
			if err != nil {
				m.log.Warn().Err(err).Str("symbol", sig.Symbol).Str("signal_id", sig.ID).Msg("price poll failed")
				continue
			}

			if label, reached, terminal := evaluate(sig, price, reachedTP, time.Now()); terminal {
				m.close(ctx, sig, label)
				return
			} else {
				reachedTP = reached
			}
		}
	}
}

func (m *Monitor) close(ctx context.Context, sig persistence.OpenSignal, label reputation.Outcome) {
	if err := m.store.CloseSignal(ctx, sig.ID, string(label), time.Now()); err != nil {
		m.log.Error().Err(err).Str("signal_id", sig.ID).Msg("failed to close signal")
	}
	if m.reputation != nil {
		m.reputation.ReportOutcome(sig.ID, label)
	}
	m.log.Info().Str("signal_id", sig.ID).Str("symbol", sig.Symbol).Str("outcome", string(label)).Msg("signal closed")
}

func (m *Monitor) untrack(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watched, id)
}

// evaluate applies the triple-barrier rule for one price observation.
// reachedTP carries the highest take-profit level already touched across
// prior polls so a later stop-loss touch can be distinguished as
// LOSS_PARTIAL (a locked-in gain reversed into a loss) from a clean
// LOSS_SL. Returns the terminal label (only meaningful when terminal is
// true) and the updated reachedTP for the next poll.
func evaluate(sig persistence.OpenSignal, price float64, reachedTP int, now time.Time) (label reputation.Outcome, nextReachedTP int, terminal bool) {
	long := sig.Direction == domain.DirectionLong

	touchesTP := func(target float64) bool {
		if long {
			return price >= target
		}
		return price <= target
	}
	touchesSL := func() bool {
		if long {
			return price <= sig.StopLoss
		}
		return price >= sig.StopLoss
	}

	switch {
	case touchesTP(sig.Target3):
		return reputation.OutcomeWinTP3, 3, true
	case touchesTP(sig.Target2):
		return reputation.OutcomeWinTP2, 2, true
	case touchesTP(sig.Target1):
		reachedTP = max(reachedTP, 1)
	}

	if touchesSL() {
		if reachedTP > 0 {
			return reputation.OutcomeLossPartial, reachedTP, true
		}
		return reputation.OutcomeLossSL, reachedTP, true
	}

	if !now.Before(sig.ExpiresAt) {
		// TP1 touched and held (no later SL/TP2/TP3 touch, or this is the
		// period's final poll): a locked-in partial win, not a timeout.
		if reachedTP >= 1 {
			return reputation.OutcomeWinTP1, reachedTP, true
		}

		entryMid := (sig.EntryMin + sig.EntryMax) / 2
		pct := (price - entryMid) / entryMid * 100
		if !long {
			pct = -pct
		}
		switch {
		case abs(pct) < smallMovePct:
			return reputation.OutcomeTimeoutFlat, reachedTP, true
		case pct >= smallMovePct:
			return reputation.OutcomeTimeoutGain, reachedTP, true
		case pct <= -largeLossPct:
			return reputation.OutcomeTimeoutLoss, reachedTP, true
		default:
			return reputation.OutcomeTimeoutSmall, reachedTP, true
		}
	}

	return "", reachedTP, false
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
