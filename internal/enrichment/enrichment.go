// Package enrichment assembles the strategy-input bundle handed to every
// strategy: ticker fields, technical indicators, sentiment, on-chain/
// funding proxies and synthetic order-book metrics (spec C13 / §4.11).
package enrichment

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/cryptosentinel/internal/domain"
)

// SentimentClient returns the Fear & Greed index (0-100), memoised by the
// caller (see Service.fearGreed) so the external endpoint isn't hit more
// than once every 5 minutes regardless of tick volume.
type SentimentClient interface {
	FearGreedIndex(ctx context.Context) (int, error)
}

// IntelligenceHub is the best-effort on-chain/funding-rate data source.
// Failures fall back to the neutral defaults documented at §7
// (PersistenceFailure-style degrade, not propagated to the caller).
type IntelligenceHub interface {
	Lookup(ctx context.Context, symbol string) (IntelligenceData, error)
}

// IntelligenceData holds the on-chain proxy and funding-rate fields.
type IntelligenceData struct {
	FundingRatePct float64
	OnChainFlowUSD float64
}

// CandleProvider supplies the external read-only OHLC dataset reference
// for a symbol.
type CandleProvider interface {
	Candles(ctx context.Context, symbol string) ([]domain.Candle, error)
}

// OrderBookMetrics are derived from ticker bid/ask only, used whenever
// external market depth is unavailable (spec §4.11).
type OrderBookMetrics struct {
	BidAskImbalance float64
	BuyPressure     float64
	BidAskRatio     float64
}

// DeriveOrderBookMetrics computes the three synthetic metrics from a
// ticker's bid/ask and spread.
func DeriveOrderBookMetrics(t domain.Ticker) OrderBookMetrics {
	imbalance := clamp(1.0+0.1*t.SpreadPct(), 0.5, 2.0)

	var buyPressure float64
	if t.BestBid+t.BestAsk > 0 {
		buyPressure = clamp(t.BestBid/(t.BestBid+t.BestAsk)*100, 0, 100)
	}

	var ratio float64
	if t.BestAsk != 0 {
		ratio = t.BestBid / t.BestAsk
	}

	return OrderBookMetrics{BidAskImbalance: imbalance, BuyPressure: buyPressure, BidAskRatio: ratio}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Bundle is the complete strategy-input assembled for one tick.
type Bundle struct {
	Ticker       domain.Ticker
	Candles      []domain.Candle
	Indicators   map[string]any
	SentimentFGI int
	Intelligence IntelligenceData
	OrderBook    OrderBookMetrics
}

// IndicatorLookup pulls a previously pre-computed indicator snapshot for a
// symbol (spec C11 integration point). Keys are bare indicator names such
// as "rsi:14", as returned by indicators.Pipeline.IndicatorSnapshot.
type IndicatorLookup func(symbol string) map[string]any

const sentimentMemoTTL = 5 * time.Minute

// Service assembles enrichment bundles.
type Service struct {
	sentiment   SentimentClient
	hub         IntelligenceHub
	candles     CandleProvider
	indicators  IndicatorLookup

	mu             sync.Mutex
	sentimentValue int
	sentimentAt    time.Time
}

// New creates an enrichment Service.
func New(sentiment SentimentClient, hub IntelligenceHub, candles CandleProvider, indicators IndicatorLookup) *Service {
	return &Service{sentiment: sentiment, hub: hub, candles: candles, indicators: indicators}
}

// Enrich assembles the full bundle for one canonical tick. External
// collaborator failures degrade to neutral defaults rather than failing
// the whole enrichment (spec §7 PersistenceFailure-style tolerance applied
// to every external call here).
func (s *Service) Enrich(ctx context.Context, t domain.Ticker) Bundle {
	b := Bundle{
		Ticker:       t,
		Indicators:   s.indicators(t.Symbol),
		SentimentFGI: s.fearGreed(ctx),
		OrderBook:    DeriveOrderBookMetrics(t),
	}

	if s.candles != nil {
		if candles, err := s.candles.Candles(ctx, t.Symbol); err == nil {
			b.Candles = candles
		}
	}

	if s.hub != nil {
		if data, err := s.hub.Lookup(ctx, t.Symbol); err == nil {
			b.Intelligence = data
		} else {
			b.Intelligence = IntelligenceData{FundingRatePct: 0, OnChainFlowUSD: 0}
		}
	}

	return b
}

// fearGreed returns the memoised Fear & Greed index, refreshing at most
// once every 5 minutes.
func (s *Service) fearGreed(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.sentimentAt) < sentimentMemoTTL && !s.sentimentAt.IsZero() {
		return s.sentimentValue
	}

	if s.sentiment == nil {
		return 50 // neutral default when no sentiment client is wired
	}

	v, err := s.sentiment.FearGreedIndex(ctx)
	if err != nil {
		return 50
	}
	s.sentimentValue = v
	s.sentimentAt = time.Now()
	return v
}
