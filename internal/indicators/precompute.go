package indicators

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/pkg/formulas"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

const minCandlesForBulk = 50

// PriceSource supplies the closes/volumes a symbol needs for bulk
// pre-computation. Returning ok=false skips the symbol for this cycle.
type PriceSource func(symbol string) (closes, volumes []float64, ok bool)

type hotSymbol struct {
	symbol      string
	basePriority int
	tierBoost   int
	manualUntil time.Time
}

func (h hotSymbol) priority() int {
	if time.Now().Before(h.manualUntil) {
		return 90
	}
	return h.basePriority + h.tierBoost
}

// Pipeline tracks up to hotCap "hot" symbols and bulk pre-computes their
// indicator set on a fixed cycle (spec C12 / §4.10).
type Pipeline struct {
	cache *Cache
	log   zerolog.Logger

	hotCap    int
	batchSize int
	yield     time.Duration
	cycle     time.Duration

	mu     sync.Mutex
	hot    map[string]*hotSymbol
	source PriceSource

	cron *cron.Cron
}

// Config bundles the pipeline's tunables, all sourced from spec §6 defaults.
type Config struct {
	HotCap    int
	BatchSize int
	Yield     time.Duration
	Cycle     time.Duration
}

// NewPipeline creates a Pipeline bound to cache.
func NewPipeline(cache *Cache, cfg Config, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		cache:     cache,
		log:       log.With().Str("component", "precompute").Logger(),
		hotCap:    cfg.HotCap,
		batchSize: cfg.BatchSize,
		yield:     cfg.Yield,
		hot:       make(map[string]*hotSymbol),
	}
}

// Track registers or refreshes a symbol's tier-derived priority boost.
func (p *Pipeline) Track(symbol string, tier domain.Tier) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.hot[symbol]
	if !ok {
		h = &hotSymbol{symbol: symbol}
		p.hot[symbol] = h
	}
	h.tierBoost = tierBoost(tier)
	p.pruneLocked()
}

// ComputeNow promotes symbol to priority 90 for the next scheduled cycle
// and, per spec §4.10, runs its bulk pre-compute immediately rather than
// waiting for that cycle. A nil source (no RunCycle/StartScheduled has run
// yet) leaves only the priority boost in effect.
func (p *Pipeline) ComputeNow(symbol string) {
	p.mu.Lock()
	h, ok := p.hot[symbol]
	if !ok {
		h = &hotSymbol{symbol: symbol}
		p.hot[symbol] = h
	}
	h.manualUntil = time.Now().Add(time.Minute)
	source := p.source
	p.mu.Unlock()

	if source == nil {
		return
	}
	closes, volumes, ok := source(symbol)
	if !ok || len(closes) < minCandlesForBulk {
		return
	}
	p.bulkPreCompute(symbol, closes, volumes)
}

func tierBoost(t domain.Tier) int {
	switch t {
	case domain.Tier3:
		return 50
	case domain.Tier2:
		return 25
	default:
		return 0
	}
}

// pruneLocked keeps at most 1.5x hotCap symbols, dropping the lowest
// priorities. Callers must hold p.mu.
func (p *Pipeline) pruneLocked() {
	limit := int(1.5 * float64(p.hotCap))
	if len(p.hot) <= limit {
		return
	}
	ranked := p.rankedLocked()
	for _, h := range ranked[limit:] {
		delete(p.hot, h.symbol)
	}
}

func (p *Pipeline) rankedLocked() []*hotSymbol {
	ranked := make([]*hotSymbol, 0, len(p.hot))
	rank := 0
	for _, h := range p.hot {
		// Base priority decays with rank and is capped well below the
		// manual computeNow priority (90), so an operator-triggered
		// compute always outranks organically-tracked symbols.
		h.basePriority = 39 - rank
		if h.basePriority < 0 {
			h.basePriority = 0
		}
		rank++
		ranked = append(ranked, h)
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].priority() > ranked[j].priority() })
	return ranked
}

// RunCycle executes one batch cycle: refresh priorities, take the top
// hotCap symbols, process in batches of batchSize with a cooperative yield
// between batches, bulk pre-computing each symbol with >= 50 candles.
func (p *Pipeline) RunCycle(ctx context.Context, source PriceSource) {
	p.mu.Lock()
	p.source = source
	ranked := p.rankedLocked()
	if len(ranked) > p.hotCap {
		ranked = ranked[:p.hotCap]
	}
	symbols := make([]string, len(ranked))
	for i, h := range ranked {
		symbols[i] = h.symbol
	}
	p.mu.Unlock()

	for start := 0; start < len(symbols); start += p.batchSize {
		end := start + p.batchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		batch := symbols[start:end]

		var wg sync.WaitGroup
		for _, sym := range batch {
			closes, volumes, ok := source(sym)
			if !ok || len(closes) < minCandlesForBulk {
				continue
			}
			wg.Add(1)
			go func(symbol string, closes, volumes []float64) {
				defer wg.Done()
				p.bulkPreCompute(symbol, closes, volumes)
			}(sym, closes, volumes)
		}
		wg.Wait()

		if end < len(symbols) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.yield):
			}
		}
	}
}

// bulkPreCompute evaluates the full indicator set for symbol in parallel
// and stores each under its canonical cache key (spec §4.9/§4.10).
func (p *Pipeline) bulkPreCompute(symbol string, closes, volumes []float64) {
	var wg sync.WaitGroup

	store := func(indicator string, v any) {
		p.cache.Set(keyFor(symbol, indicator), v, 0)
	}

	wg.Add(5)
	go func() { defer wg.Done(); store("rsi:14", formulas.RSI(closes, 14)) }()
	go func() { defer wg.Done(); store("macd:12:26:9", formulas.ComputeMACD(closes)) }()
	go func() {
		defer wg.Done()
		emas := map[int]float64{}
		for _, n := range []int{20, 50, 100, 200} {
			emas[n] = formulas.EMA(closes, n)
		}
		store("ema:20:50:100:200", emas)
	}()
	go func() { defer wg.Done(); store("bollinger:20:2", formulas.ComputeBollinger(closes, 20, 2)) }()
	go func() { defer wg.Done(); store("volume:summary", volumeSummary(volumes)) }()
	wg.Wait()

	p.log.Debug().Str("symbol", symbol).Msg("bulk pre-compute complete")
}

// VolumeSummary is the C11 "volume summary" indicator.
type VolumeSummary struct {
	Current float64
	Average float64
	Ratio   float64
}

func volumeSummary(volumes []float64) VolumeSummary {
	if len(volumes) == 0 {
		return VolumeSummary{}
	}
	current := volumes[len(volumes)-1]
	avg := formulas.SMA(volumes, len(volumes))
	var ratio float64
	if avg != 0 {
		ratio = current / avg
	}
	return VolumeSummary{Current: current, Average: avg, Ratio: ratio}
}

func keyFor(symbol, indicator string) string {
	return symbol + ":" + indicator
}

// snapshotIndicators is the fixed set of indicator names bulkPreCompute
// writes per symbol.
var snapshotIndicators = []string{
	"rsi:14", "macd:12:26:9", "ema:20:50:100:200", "bollinger:20:2", "volume:summary",
}

// IndicatorSnapshot returns whatever pre-computed indicators are currently
// fresh for symbol, keyed by indicator name. Missing or expired entries are
// simply absent rather than triggering a recompute — callers (enrichment)
// treat a sparse snapshot as a degraded-but-valid bundle.
func (p *Pipeline) IndicatorSnapshot(symbol string) map[string]any {
	out := make(map[string]any, len(snapshotIndicators))
	for _, name := range snapshotIndicators {
		if v, ok := p.cache.Peek(keyFor(symbol, name)); ok {
			out[name] = v
		}
	}
	return out
}

// StartScheduled runs RunCycle on the configured cycle interval using
// robfig/cron, matching the teacher's cron-driven worker style.
func (p *Pipeline) StartScheduled(ctx context.Context, source PriceSource, cycle time.Duration) {
	p.mu.Lock()
	p.source = source
	p.mu.Unlock()

	p.cron = cron.New()
	spec := "@every " + cycle.String()
	_, err := p.cron.AddFunc(spec, func() { p.RunCycle(ctx, source) })
	if err != nil {
		p.log.Error().Err(err).Msg("failed to schedule pre-compute cycle")
		return
	}
	p.cron.Start()
	go func() {
		<-ctx.Done()
		p.cron.Stop()
	}()
}

// Snapshot serialises the current cache contents for warm-start persistence
// across restarts. Only indicator results that implement no unexported
// state survive the round trip; this is a pure optimisation, not required
// for correctness (a cold cache simply recomputes on first access).
func (p *Pipeline) Snapshot() ([]byte, error) {
	p.cache.mu.RLock()
	defer p.cache.mu.RUnlock()

	flat := make(map[string]any, len(p.cache.entries))
	for k, e := range p.cache.entries {
		e.mu.Lock()
		if e.hasValue {
			flat[k] = e.value
		}
		e.mu.Unlock()
	}
	return msgpack.Marshal(flat)
}

// Restore loads a snapshot produced by Snapshot, seeding the cache with a
// fresh TTL window for each entry so stale warm-start data can't linger
// past a normal refresh.
func (p *Pipeline) Restore(data []byte, ttl time.Duration) error {
	var flat map[string]any
	if err := msgpack.Unmarshal(data, &flat); err != nil {
		return err
	}
	for k, v := range flat {
		p.cache.Set(k, v, ttl)
	}
	return nil
}
