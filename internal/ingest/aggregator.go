package ingest

import (
	"sync"
	"time"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const latencyWindowSize = 100

// dedupRetention bounds how long a 1s dedup bucket is remembered. Pruning is
// purely a memory-growth concern and must never affect the dedup decision
// itself: bucket identity alone decides "have we seen this bucket," per
// spec's "first tick in a bucket wins."
const dedupRetention = 10 * time.Minute

type lastPrice struct {
	price  float64
	at     time.Time
	source string
}

// sourceStatuser is the subset of StreamSource the aggregator needs for its
// health beat, kept narrow so fakes are trivial in tests.
type sourceStatuser interface {
	Status() Status
}

// Aggregator fans in ticks from every stream source plus the fallback
// poller, dedupes, tracks latency, and republishes downstream (spec C6 /
// §4.4).
type Aggregator struct {
	log zerolog.Logger

	mu           sync.Mutex
	sources      map[string]sourceStatuser
	dedupSeen    map[string]time.Time // bucket key -> bucket time, for pruning
	lastSourceTs map[string]time.Time // symbol|source -> last admitted SourceTs
	lastPrices   map[string]lastPrice
	latencies    []time.Duration
	totalTicks   int64
	duplicates   int64
	outOfOrder   int64
	lastTickAt   time.Time

	out  chan domain.Ticker
	cron *cron.Cron
}

// NewAggregator creates an Aggregator. out is the downstream channel every
// deduplicated tick is republished onto.
func NewAggregator(out chan domain.Ticker, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		log:          log.With().Str("component", "aggregator").Logger(),
		sources:      make(map[string]sourceStatuser),
		dedupSeen:    make(map[string]time.Time),
		lastSourceTs: make(map[string]time.Time),
		lastPrices:   make(map[string]lastPrice),
		out:          out,
	}
}

// RegisterSource makes src's status visible to the health beat.
func (a *Aggregator) RegisterSource(name string, src sourceStatuser) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sources[name] = src
}

// Ingest processes one canonical tick from any source: out-of-order drop,
// latency tracking, 1s dedup bucket, last-price update, then republish.
func (a *Aggregator) Ingest(t domain.Ticker) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sourceKey := t.Symbol + "|" + t.Source
	if last, ok := a.lastSourceTs[sourceKey]; ok && t.SourceTs.Before(last) {
		a.outOfOrder++
		a.log.Warn().Str("symbol", t.Symbol).Str("source", t.Source).
			Time("tick_ts", t.SourceTs).Time("last_ts", last).
			Msg("dropping out-of-order tick")
		return
	}
	a.lastSourceTs[sourceKey] = t.SourceTs

	now := time.Now()
	latency := now.Sub(t.SourceTs)
	a.latencies = append(a.latencies, latency)
	if len(a.latencies) > latencyWindowSize {
		a.latencies = a.latencies[len(a.latencies)-latencyWindowSize:]
	}

	bucket := t.SourceTs.Truncate(time.Second)
	key := t.Symbol + "|" + bucket.String()
	if _, ok := a.dedupSeen[key]; ok {
		a.duplicates++
		return
	}
	a.dedupSeen[key] = bucket

	a.lastPrices[t.Symbol] = lastPrice{price: t.LastPrice, at: now, source: t.Source}
	a.totalTicks++
	a.lastTickAt = now

	select {
	case a.out <- t:
	default:
		a.log.Warn().Str("symbol", t.Symbol).Msg("downstream tick channel full, dropping")
	}
}

// pruneDedupBefore discards dedup bucket entries older than cutoff, bounding
// memory growth. This is independent of the dedup decision itself, which
// depends only on bucket identity.
func (a *Aggregator) pruneDedupBefore(cutoff time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, bucket := range a.dedupSeen {
		if bucket.Before(cutoff) {
			delete(a.dedupSeen, k)
		}
	}
}

// LastPrice returns the most recently ingested trade price for symbol.
func (a *Aggregator) LastPrice(symbol string) (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	lp, ok := a.lastPrices[symbol]
	if !ok {
		return 0, false
	}
	return lp.price, true
}

// LastUpdate implements ingest.LastUpdateSource for the fallback poller.
func (a *Aggregator) LastUpdate(symbol string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	lp, ok := a.lastPrices[symbol]
	if !ok {
		return time.Time{}, false
	}
	return lp.at, true
}

// AverageLatency returns the mean over the last 100 recorded latencies.
func (a *Aggregator) AverageLatency() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.latencies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, l := range a.latencies {
		sum += l
	}
	return sum / time.Duration(len(a.latencies))
}

// HealthSnapshot is the structured health-beat payload (§4.4, §6 events).
type HealthSnapshot struct {
	At             time.Time
	PerSourceState map[string]Status
	TotalTicks     int64
	AverageLatency time.Duration
	ActiveSources  int
	DuplicatesDrop int64
	OutOfOrderDrop int64
	Healthy        bool
}

// Health computes the current health snapshot. Healthy iff at least one
// source is CONNECTED and the last tick was within 60s.
func (a *Aggregator) Health() HealthSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	states := make(map[string]Status, len(a.sources))
	active := 0
	for name, src := range a.sources {
		st := src.Status()
		states[name] = st
		if st == StatusConnected {
			active++
		}
	}

	var avg time.Duration
	if len(a.latencies) > 0 {
		var sum time.Duration
		for _, l := range a.latencies {
			sum += l
		}
		avg = sum / time.Duration(len(a.latencies))
	}

	healthy := active > 0 && !a.lastTickAt.IsZero() && time.Since(a.lastTickAt) <= 60*time.Second

	return HealthSnapshot{
		At:             time.Now(),
		PerSourceState: states,
		TotalTicks:     a.totalTicks,
		AverageLatency: avg,
		ActiveSources:  active,
		DuplicatesDrop: a.duplicates,
		OutOfOrderDrop: a.outOfOrder,
		Healthy:        healthy,
	}
}

// StartHealthBeat emits a Health snapshot via emit every interval (spec
// default ~10s), and opportunistically prunes aged-out dedup buckets.
func (a *Aggregator) StartHealthBeat(interval time.Duration, emit func(HealthSnapshot)) {
	a.cron = cron.New()
	a.cron.AddFunc("@every "+interval.String(), func() {
		a.pruneDedupBefore(time.Now().Add(-dedupRetention))
		emit(a.Health())
	})
	a.cron.Start()
}

// StopHealthBeat stops the scheduled health beat, if running.
func (a *Aggregator) StopHealthBeat() {
	if a.cron != nil {
		a.cron.Stop()
	}
}
