// Package anomaly implements the per-tick micro-anomaly detector (spec C7 /
// §4.5). Every rule runs in O(1) against the current and previous tick for
// a symbol; the whole pipeline is budgeted at <=1ms.
package anomaly

import (
	"time"

	"github.com/aristath/cryptosentinel/internal/domain"
)

const budget = time.Millisecond

// accelWindow is the length of the short trailing velocity window used by
// the acceleration rule.
const accelWindow = 5

// Sample is the minimal per-tick state the detector needs, decoupled from
// domain.Ticker so the detector can be unit tested against synthetic
// sequences without constructing full tickers.
type Sample struct {
	At            time.Time
	Price         float64
	SpreadPct     float64
	Volume24h     float64
}

// Detector evaluates the five anomaly rules from §4.5 against a rolling
// per-symbol velocity window.
type Detector struct {
	now func() time.Time

	// velocities is a FIFO of the last accelWindow per-interval velocities,
	// used by the acceleration rule.
	velocities []float64
}

// New creates a Detector whose clock is time.Now; tests in this package
// override d.now.
func New() *Detector {
	return &Detector{now: time.Now}
}

// Evaluate scores the transition from prev to curr. It is a pure function
// of its two arguments plus the detector's own trailing velocity window;
// call sites own one Detector per symbol (spec: per-symbol rolling state).
func (d *Detector) Evaluate(prev, curr Sample) (result domain.AnomalyResult) {
	start := d.now()
	defer func() {
		// BudgetBreach per §7: flagged on the result rather than logged
		// here, since the detector has no logging dependency of its own;
		// the caller (engine) logs it with symbol/signal context.
		if d.now().Sub(start) > budget {
			result.BudgetBreach = true
		}
	}()

	if prev.Price == 0 || curr.At.Before(prev.At) || curr.At.Equal(prev.At) {
		// TimingAnomaly per §7: "no signal from this pair", not a rule hit.
		return domain.AnomalyResult{Severity: domain.SeverityNone}
	}

	dtSeconds := curr.At.Sub(prev.At).Seconds()
	if dtSeconds <= 0 {
		return domain.AnomalyResult{Severity: domain.SeverityNone}
	}

	var reasons []string
	severity := domain.SeverityNone

	priceGapPct := absPct(curr.Price, prev.Price)
	if s := priceGapSeverity(priceGapPct); s > severity {
		severity = s
	}
	if priceGapPct > 0.5 {
		reasons = append(reasons, "price gap")
	}

	velocity := priceGapPct / dtSeconds
	if s := velocitySeverity(velocity); s > severity {
		severity = s
	}
	if velocity > 0.5 {
		reasons = append(reasons, "price velocity")
	}

	spreadDelta := absDiff(curr.SpreadPct, prev.SpreadPct)
	if s := spreadSeverity(spreadDelta); s > severity {
		severity = s
	}
	if spreadDelta > 0.5 {
		reasons = append(reasons, "spread change")
	}

	d.velocities = append(d.velocities, velocity)
	if len(d.velocities) > accelWindow {
		d.velocities = d.velocities[len(d.velocities)-accelWindow:]
	}
	if len(d.velocities) == accelWindow {
		oldest, latest := d.velocities[0], d.velocities[len(d.velocities)-1]
		if latest-oldest > 1 {
			if domain.SeverityHigh > severity {
				severity = domain.SeverityHigh
			}
			reasons = append(reasons, "acceleration")
		}
	}

	if dtSeconds < 5 && prev.Volume24h > 0 {
		volChangePct := absPct(curr.Volume24h, prev.Volume24h)
		if volChangePct > 20 {
			if domain.SeverityMedium > severity {
				severity = domain.SeverityMedium
			}
			reasons = append(reasons, "volume surge")
		}
	}

	return domain.AnomalyResult{Severity: severity, Reasons: reasons}
}

func priceGapSeverity(pct float64) domain.Severity {
	switch {
	case pct > 2:
		return domain.SeverityCritical
	case pct > 1:
		return domain.SeverityHigh
	case pct > 0.5:
		return domain.SeverityMedium
	default:
		return domain.SeverityNone
	}
}

func velocitySeverity(pctPerSec float64) domain.Severity {
	switch {
	case pctPerSec > 2:
		return domain.SeverityCritical
	case pctPerSec > 1:
		return domain.SeverityHigh
	case pctPerSec > 0.5:
		return domain.SeverityMedium
	default:
		return domain.SeverityNone
	}
}

func spreadSeverity(delta float64) domain.Severity {
	switch {
	case delta > 1:
		return domain.SeverityHigh
	case delta > 0.5:
		return domain.SeverityMedium
	default:
		return domain.SeverityNone
	}
}

func absPct(curr, prev float64) float64 {
	if prev == 0 {
		return 0
	}
	return absDiff(curr, prev) / prev * 100
}

func absDiff(a, b float64) float64 {
	d := a - b
	if d < 0 {
		return -d
	}
	return d
}
