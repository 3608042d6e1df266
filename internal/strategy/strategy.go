// Package strategy defines the strategy-bank contract (spec C14 / §4.13)
// and a concurrent dispatcher that fans a tick's enrichment bundle out to
// every registered strategy with per-call timeouts.
package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/enrichment"
	"github.com/rs/zerolog"
)

// defaultMinConfidence is used by strategies that don't override it.
const defaultMinConfidence = 65

// Strategy is the black-box contract every strategy implements. Strategies
// are pure given the bundle: no shared-state mutation, no I/O, expected to
// complete within a few hundred milliseconds.
type Strategy interface {
	Name() string
	MinConfidence() float64
	Evaluate(bundle enrichment.Bundle) domain.Verdict
}

// Dispatcher fans a bundle out to every registered strategy concurrently,
// converting panics, errors and timeouts into rejection verdicts (spec
// §4.13's "swallows exceptions as rejections with the error message as
// reason").
type Dispatcher struct {
	strategies []Strategy
	timeout    time.Duration
	log        zerolog.Logger
}

// New creates a Dispatcher with the given per-strategy call timeout.
func New(strategies []Strategy, timeout time.Duration, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{strategies: strategies, timeout: timeout, log: log.With().Str("component", "strategy-dispatcher").Logger()}
}

// Evaluate runs every strategy concurrently against bundle and returns one
// verdict per strategy, in registration order. A strategy that panics,
// errors, or exceeds its timeout yields an IsRejection verdict bearing the
// failure as its reason instead of being dropped from the result.
func (d *Dispatcher) Evaluate(ctx context.Context, bundle enrichment.Bundle) []domain.Verdict {
	out := make([]domain.Verdict, len(d.strategies))
	var wg sync.WaitGroup
	wg.Add(len(d.strategies))

	for i, s := range d.strategies {
		i, s := i, s
		go func() {
			defer wg.Done()
			out[i] = d.runOne(ctx, s, bundle)
		}()
	}
	wg.Wait()
	return out
}

func (d *Dispatcher) runOne(ctx context.Context, s Strategy, bundle enrichment.Bundle) (verdict domain.Verdict) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	result := make(chan domain.Verdict, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- rejection(s.Name(), bundle.Ticker.Symbol, fmt.Sprintf("panic: %v", r))
			}
		}()
		v := s.Evaluate(bundle)
		v.Strategy = s.Name()
		v.Symbol = bundle.Ticker.Symbol
		if !v.IsRejection && v.Confidence < minConfidenceOf(s) {
			v = rejection(s.Name(), bundle.Ticker.Symbol, "below minimum confidence")
		}
		result <- v
	}()

	select {
	case v := <-result:
		return v
	case <-callCtx.Done():
		d.log.Warn().Str("strategy", s.Name()).Str("symbol", bundle.Ticker.Symbol).Msg("strategy evaluation timed out")
		return rejection(s.Name(), bundle.Ticker.Symbol, "evaluation timed out")
	}
}

func minConfidenceOf(s Strategy) float64 {
	if mc := s.MinConfidence(); mc > 0 {
		return mc
	}
	return defaultMinConfidence
}

func rejection(strategyName, symbol, reason string) domain.Verdict {
	return domain.Verdict{Strategy: strategyName, Symbol: symbol, IsRejection: true, RejectReason: reason}
}
