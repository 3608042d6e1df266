// Package regime tracks rolling volatility per symbol and derives the
// dynamic threshold multipliers applied by the trigger predicates (spec C8
// / §4.6).
package regime

import (
	"sync"

	"github.com/aristath/cryptosentinel/internal/domain"
	"gonum.org/v1/gonum/stat"
)

const ringCapacity = 20
const minSamplesForStddev = 5

// BaseThresholds are the unscaled trigger thresholds before a regime
// multiplier is applied.
type BaseThresholds struct {
	PriceChangePct   float64
	VelocityPctPerS  float64
	SpreadWidening   float64
	VolumeSurgeRatio float64
}

// multiplier holds the per-regime scaling factors from the §4.6 table.
type multiplier struct {
	price, velocity, spread, volume float64
}

var multipliers = map[domain.Regime]multiplier{
	domain.RegimeCalm:     {0.4, 0.5, 1.0, 0.6},
	domain.RegimeNormal:   {1.0, 1.0, 1.0, 1.0},
	domain.RegimeVolatile: {1.5, 1.3, 1.3, 1.4},
	domain.RegimeExtreme:  {2.0, 1.5, 1.5, 2.0},
}

// Tracker maintains one ring of absolute percentage price changes per
// symbol and derives the current regime and dynamic thresholds from it.
// Safe for concurrent use across symbols (spec §5).
type Tracker struct {
	base BaseThresholds

	mu      sync.Mutex
	rings   map[string][]float64
	regimes map[string]domain.Regime
}

// New creates a Tracker. base supplies the four configurable base
// thresholds (spec defaults: price 0.10%, velocity 0.35%/s, spread
// widening ratio 1.8, volume surge ratio 1.8).
func New(base BaseThresholds) *Tracker {
	return &Tracker{
		base:    base,
		rings:   make(map[string][]float64),
		regimes: make(map[string]domain.Regime),
	}
}

// Update appends absPctChange to symbol's ring (capped at 20, FIFO) and
// returns the resulting regime state. The previous regime (domain.RegimeNormal
// if none observed yet) is compared against the new one so callers can
// detect a transition.
func (t *Tracker) Update(symbol string, absPctChange float64) (state domain.RegimeState, transitioned bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ring := append(t.rings[symbol], absPctChange)
	if len(ring) > ringCapacity {
		ring = ring[len(ring)-ringCapacity:]
	}
	t.rings[symbol] = ring

	newRegime := domain.RegimeNormal
	var sigma float64
	if len(ring) >= minSamplesForStddev {
		sigma = stddev(ring)
		newRegime = regimeFor(sigma)
	}

	prevRegime, seen := t.regimes[symbol]
	if !seen {
		prevRegime = domain.RegimeNormal
	}
	t.regimes[symbol] = newRegime

	state = domain.RegimeState{
		Symbol:     symbol,
		Regime:     newRegime,
		Sigma:      sigma,
		Thresholds: t.thresholdsFor(newRegime),
	}
	return state, seen && newRegime != prevRegime
}

// Current returns the last computed regime state for symbol without
// mutating the ring. Returns the NORMAL zero-state if the symbol has not
// been observed yet.
func (t *Tracker) Current(symbol string) domain.RegimeState {
	t.mu.Lock()
	defer t.mu.Unlock()

	ring := t.rings[symbol]
	var sigma float64
	if len(ring) >= minSamplesForStddev {
		sigma = stddev(ring)
	}
	regime, ok := t.regimes[symbol]
	if !ok {
		regime = domain.RegimeNormal
	}
	return domain.RegimeState{
		Symbol:     symbol,
		Regime:     regime,
		Sigma:      sigma,
		Thresholds: t.thresholdsFor(regime),
	}
}

func (t *Tracker) thresholdsFor(r domain.Regime) domain.Thresholds {
	m := multipliers[r]
	return domain.Thresholds{
		PriceChangePct:   t.base.PriceChangePct * m.price,
		VelocityPctPerS:  t.base.VelocityPctPerS * m.velocity,
		SpreadWidening:   t.base.SpreadWidening * m.spread,
		VolumeSurgeRatio: t.base.VolumeSurgeRatio * m.volume,
	}
}

// regimeFor is a pure function of sigma: running it twice on the same
// window returns the same label, satisfying the spec §8 determinism law.
func regimeFor(sigma float64) domain.Regime {
	switch {
	case sigma < 0.5:
		return domain.RegimeCalm
	case sigma <= 1.5:
		return domain.RegimeNormal
	case sigma <= 3:
		return domain.RegimeVolatile
	default:
		return domain.RegimeExtreme
	}
}

func stddev(samples []float64) float64 {
	return stat.StdDev(samples, nil)
}
