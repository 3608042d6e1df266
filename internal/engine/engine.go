// Package engine implements the per-tick orchestrator (spec C16 / §4.12):
// normalize -> anomaly -> regime -> tier gate -> trigger predicates ->
// significance -> cooldown -> enrichment -> strategy fan-out -> selector
// -> dedup -> persistence/reputation/event emission. One sequential worker
// runs per symbol; different symbols run concurrently (spec §5).
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/cryptosentinel/internal/anomaly"
	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/enrichment"
	"github.com/aristath/cryptosentinel/internal/events"
	"github.com/aristath/cryptosentinel/internal/normalize"
	"github.com/aristath/cryptosentinel/internal/regime"
	"github.com/aristath/cryptosentinel/internal/reputation"
	"github.com/aristath/cryptosentinel/internal/selector"
	"github.com/aristath/cryptosentinel/internal/significance"
	"github.com/aristath/cryptosentinel/internal/strategy"
	"github.com/aristath/cryptosentinel/internal/tier"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TriggerRecord is the append-only row persisted for every evaluated
// trigger, whether or not it produced a signal (spec §6 "triggers" table).
type TriggerRecord struct {
	Symbol            string
	Strategy          string
	Reason            string
	Priority          domain.Priority
	MarketPrice       float64
	Change1hPct       float64
	Volume24h         float64
	SignalGenerated   bool
	Rejected          bool
	RejectionReason   string
	Reasoning         string
	IndicatorSnapshot map[string]float64
	At                time.Time
}

// PersistenceSink is the append-only persistence contract the orchestrator
// writes to (concrete sqlite implementation lives in internal/persistence).
type PersistenceSink interface {
	PersistSignal(ctx context.Context, s domain.Signal) error
	PersistTrigger(ctx context.Context, t TriggerRecord) error
}

// ProfileLookup resolves a symbol's baseline volatility profile for the
// significance filter (spec §4.8). Orthogonal to the regime tracker.
type ProfileLookup func(symbol string) significance.Profile

// MarketConditionLookup derives the {trending, ranging, volatile} tag fed
// to the selector and reputation tracker from a regime.
type MarketConditionLookup func(r domain.Regime) string

// DefaultMarketCondition maps CALM/NORMAL to ranging, VOLATILE/EXTREME to
// volatile. There is no dedicated "trending" regime signal in this model;
// callers needing trend detection should supply their own lookup.
func DefaultMarketCondition(r domain.Regime) string {
	switch r {
	case domain.RegimeVolatile, domain.RegimeExtreme:
		return "volatile"
	default:
		return "ranging"
	}
}

// Config bundles the orchestrator's tunables (spec §6 "Configuration").
type Config struct {
	Cooldown          time.Duration
	DedupWindow       time.Duration
	PendingQueueBound int
	SigBase           significance.BaseThresholds
}

// Deps bundles every collaborator the engine drives.
type Deps struct {
	Normalizer   *normalize.Normalizer
	Regime       *regime.Tracker
	Tier         *tier.Manager
	Significance *significance.Filter
	Enrichment   *enrichment.Service
	Dispatcher   *strategy.Dispatcher
	Reputation   *reputation.Tracker
	Bus          *events.Bus
	Persistence  PersistenceSink
	Profile      ProfileLookup
	Condition    MarketConditionLookup
}

type symbolWorker struct {
	queue chan domain.Ticker
}

type symbolMemory struct {
	lastSample           anomaly.Sample
	lastSignificantAt    time.Time
	lastSignalBucket     int64
	haveLastSignalBucket bool
}

// Stats is a point-in-time snapshot of orchestrator counters for the
// /stats HTTP endpoint.
type Stats struct {
	TicksProcessed  int64
	TicksDropped    int64
	SignalsEmitted  int64
	SignalsRejected int64
	AnomaliesBySeverity map[string]int64
}

// Engine is the per-tick orchestrator.
type Engine struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger

	mu        sync.Mutex
	workers   map[string]*symbolWorker
	detectors map[string]*anomaly.Detector
	memory    map[string]*symbolMemory

	ticksProcessed, ticksDropped           int64
	signalsEmitted, signalsRejected        int64
	anomalyNone, anomalyLow, anomalyMedium int64
	anomalyHigh, anomalyCritical           int64
}

// New creates an Engine. cfg.PendingQueueBound defaults to 8 (spec §5) if
// unset.
func New(deps Deps, cfg Config, log zerolog.Logger) *Engine {
	if cfg.PendingQueueBound <= 0 {
		cfg.PendingQueueBound = 8
	}
	if deps.Profile == nil {
		deps.Profile = func(string) significance.Profile { return significance.ProfileMedium }
	}
	if deps.Condition == nil {
		deps.Condition = DefaultMarketCondition
	}
	return &Engine{
		deps:      deps,
		cfg:       cfg,
		log:       log.With().Str("component", "engine").Logger(),
		workers:   make(map[string]*symbolWorker),
		detectors: make(map[string]*anomaly.Detector),
		memory:    make(map[string]*symbolMemory),
	}
}

// Submit hands a tick from the aggregator to the symbol's worker. If the
// symbol's pending queue is already at the configured bound, the oldest
// pending tick is discarded to make room for t and the drop counter is
// incremented — dropping older ticks is safe
// because strategies only ever see the latest state (spec §5).
func (e *Engine) Submit(ctx context.Context, t domain.Ticker) {
	w := e.workerFor(ctx, t.Symbol)
	select {
	case w.queue <- t:
	default:
		select {
		case <-w.queue:
		default:
		}
		atomic.AddInt64(&e.ticksDropped, 1)
		e.log.Warn().Str("symbol", t.Symbol).Msg("pending queue full, dropping oldest tick")
		select {
		case w.queue <- t:
		default:
		}
	}
}

func (e *Engine) workerFor(ctx context.Context, symbol string) *symbolWorker {
	e.mu.Lock()
	w, ok := e.workers[symbol]
	if !ok {
		w = &symbolWorker{queue: make(chan domain.Ticker, e.cfg.PendingQueueBound)}
		e.workers[symbol] = w
		go e.run(ctx, symbol, w)
	}
	e.mu.Unlock()
	return w
}

func (e *Engine) run(ctx context.Context, symbol string, w *symbolWorker) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-w.queue:
			e.process(ctx, t)
		}
	}
}

func (e *Engine) detectorFor(symbol string) *anomaly.Detector {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.detectors[symbol]
	if !ok {
		d = anomaly.New()
		e.detectors[symbol] = d
	}
	return d
}

func (e *Engine) memoryFor(symbol string) *symbolMemory {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.memory[symbol]
	if !ok {
		m = &symbolMemory{}
		e.memory[symbol] = m
	}
	return m
}

// process runs the full §4.12 pipeline for one tick. Sequential per
// symbol (called only from that symbol's worker goroutine).
func (e *Engine) process(ctx context.Context, t domain.Ticker) {
	atomic.AddInt64(&e.ticksProcessed, 1)

	cand := normalize.Candidate{
		SourceTs:       t.SourceTs,
		LastPrice:      t.LastPrice,
		BestBid:        t.BestBid,
		BestAsk:        t.BestAsk,
		QuoteVolume24h: t.QuoteVolume24h,
		Change24hAbs:   t.Change24hAbs,
		Change24hPct:   t.Change24hPct,
		Change1hPct:    t.Change1hPct,
		High24h:        t.High24h,
		Low24h:         t.Low24h,
	}
	res, _ := e.deps.Normalizer.Normalize(cand)
	if !res.Valid {
		return
	}

	mem := e.memoryFor(t.Symbol)
	curr := anomaly.Sample{At: t.SourceTs, Price: t.LastPrice, SpreadPct: t.SpreadPct(), Volume24h: t.QuoteVolume24h}
	prev := mem.lastSample
	if !prev.At.IsZero() && curr.At.Before(prev.At) {
		return
	}
	anomalyResult := e.detectorFor(t.Symbol).Evaluate(prev, curr)
	if anomalyResult.BudgetBreach {
		e.log.Warn().Str("symbol", t.Symbol).Msg("anomaly detector exceeded its 1ms budget")
	}
	e.countAnomaly(anomalyResult.Severity)

	var absPctChange float64
	if prev.Price > 0 {
		absPctChange = absPct(curr.Price, prev.Price)
	}
	regimeState, transitioned := e.deps.Regime.Update(t.Symbol, absPctChange)
	if transitioned {
		e.emitRegimeChange(t.Symbol, regimeState)
	}

	forced := anomalyResult.Severity >= domain.SeverityMedium
	prevTier := e.deps.Tier.Tier(t.Symbol)
	if forced {
		newTier := e.deps.Tier.OnAnomaly(t.Symbol, anomalyResult.Severity)
		if newTier != prevTier {
			e.emitTierChange(t.Symbol, prevTier, newTier, anomalyResult.Severity)
		}
	} else if !e.deps.Tier.ShouldCheck(t.Symbol) {
		mem.lastSample = curr
		return
	}

	checks := triggerChecks(prev, curr)
	mem.lastSample = curr

	if !anyPredicateFires(checks, regimeState.Thresholds) {
		return
	}

	profile := e.deps.Profile(t.Symbol)
	sigResult := e.deps.Significance.Evaluate(profile, checks, e.sigThresholdFor)
	if sigResult.Level == significance.LevelNoise {
		return
	}

	if time.Since(mem.lastSignificantAt) < e.cfg.Cooldown && !mem.lastSignificantAt.IsZero() {
		return
	}
	mem.lastSignificantAt = t.SourceTs

	priority := priorityFor(sigResult.Level)
	e.emitTriggerDetected(t.Symbol, sigResult, priority, t.LastPrice)

	bundle := e.deps.Enrichment.Enrich(ctx, t)
	verdicts := e.deps.Dispatcher.Evaluate(ctx, bundle)

	condition := e.deps.Condition(regimeState.Regime)
	result := selector.Select(t.Symbol, verdicts, e.reputationFactor())

	trigger := TriggerRecord{
		Symbol:          t.Symbol,
		Reason:          sigResult.Dimension,
		Priority:        priority,
		MarketPrice:     t.LastPrice,
		Change1hPct:     change1hOrZero(t.Change1hPct),
		Volume24h:       t.QuoteVolume24h,
		At:              t.SourceTs,
	}

	if result.Winner == nil {
		atomic.AddInt64(&e.signalsRejected, 1)
		trigger.Rejected = true
		trigger.RejectionReason = "no consensus winner"
		e.persistTrigger(ctx, trigger)
		return
	}

	bucket := t.SourceTs.UnixMilli() / e.cfg.DedupWindow.Milliseconds()
	if mem.haveLastSignalBucket && mem.lastSignalBucket == bucket {
		atomic.AddInt64(&e.signalsRejected, 1)
		trigger.Rejected = true
		trigger.RejectionReason = "duplicate within dedup window"
		e.persistTrigger(ctx, trigger)
		return
	}
	mem.lastSignalBucket = bucket
	mem.haveLastSignalBucket = true

	winner := *result.Winner
	trigger.Strategy = winner.Strategy
	trigger.SignalGenerated = true
	trigger.Reasoning = winner.Reasoning
	trigger.IndicatorSnapshot = winner.Indicators
	e.persistTrigger(ctx, trigger)

	signal := buildSignal(t, winner)
	if e.deps.Persistence != nil {
		if err := e.deps.Persistence.PersistSignal(ctx, signal); err != nil {
			e.log.Error().Err(err).Str("symbol", t.Symbol).Msg("failed to persist signal")
		}
	}

	e.deps.Reputation.RecordSignal(reputation.Record{
		SignalID:        signal.ID,
		Strategy:        winner.Strategy,
		Symbol:          t.Symbol,
		Direction:       string(winner.Direction),
		Entry:           (winner.EntryMin + winner.EntryMax) / 2,
		MarketCondition: condition,
		Timestamp:       t.SourceTs,
	})

	atomic.AddInt64(&e.signalsEmitted, 1)
	e.emitSignalGenerated(signal)
}

func (e *Engine) persistTrigger(ctx context.Context, t TriggerRecord) {
	if e.deps.Persistence == nil {
		return
	}
	if err := e.deps.Persistence.PersistTrigger(ctx, t); err != nil {
		e.log.Error().Err(err).Str("symbol", t.Symbol).Msg("failed to persist trigger")
	}
}

func (e *Engine) reputationFactor() selector.ReputationFactor {
	if e.deps.Reputation == nil {
		return func(string) float64 { return 1.0 }
	}
	return e.deps.Reputation.Factor
}

func (e *Engine) sigThresholdFor(name string) float64 {
	switch name {
	case "price_change":
		return e.cfg.SigBase.PriceChangePct
	case "velocity":
		return e.cfg.SigBase.VelocityPctPerS
	case "volume_spike":
		return e.cfg.SigBase.VolumeSpikeRatio
	case "spread_widening":
		return e.cfg.SigBase.SpreadWideningRatio
	default:
		return 0
	}
}

func (e *Engine) countAnomaly(s domain.Severity) {
	switch s {
	case domain.SeverityLow:
		atomic.AddInt64(&e.anomalyLow, 1)
	case domain.SeverityMedium:
		atomic.AddInt64(&e.anomalyMedium, 1)
	case domain.SeverityHigh:
		atomic.AddInt64(&e.anomalyHigh, 1)
	case domain.SeverityCritical:
		atomic.AddInt64(&e.anomalyCritical, 1)
	default:
		atomic.AddInt64(&e.anomalyNone, 1)
	}
}

// Stats returns a snapshot of orchestrator counters.
func (e *Engine) Stats() Stats {
	return Stats{
		TicksProcessed:  atomic.LoadInt64(&e.ticksProcessed),
		TicksDropped:    atomic.LoadInt64(&e.ticksDropped),
		SignalsEmitted:  atomic.LoadInt64(&e.signalsEmitted),
		SignalsRejected: atomic.LoadInt64(&e.signalsRejected),
		AnomaliesBySeverity: map[string]int64{
			"NONE":     atomic.LoadInt64(&e.anomalyNone),
			"LOW":      atomic.LoadInt64(&e.anomalyLow),
			"MEDIUM":   atomic.LoadInt64(&e.anomalyMedium),
			"HIGH":     atomic.LoadInt64(&e.anomalyHigh),
			"CRITICAL": atomic.LoadInt64(&e.anomalyCritical),
		},
	}
}

func (e *Engine) emitRegimeChange(symbol string, state domain.RegimeState) {
	if e.deps.Bus == nil {
		return
	}
	e.deps.Bus.Emit(events.RegimeChange, "engine", map[string]any{
		"symbol":     symbol,
		"to":         string(state.Regime),
		"volatility": state.Sigma,
		"thresholds": state.Thresholds,
	})
}

func (e *Engine) emitTierChange(symbol string, from, to domain.Tier, severity domain.Severity) {
	if e.deps.Bus == nil {
		return
	}
	typ := events.TierUpgrade
	if to < from {
		typ = events.TierDowngrade
	}
	e.deps.Bus.Emit(typ, "engine", map[string]any{
		"symbol":   symbol,
		"fromTier": from.String(),
		"toTier":   to.String(),
		"reason":   fmt.Sprintf("anomaly severity %s", severity),
	})
}

func (e *Engine) emitTriggerDetected(symbol string, sig significance.Result, priority domain.Priority, price float64) {
	if e.deps.Bus == nil {
		return
	}
	e.deps.Bus.Emit(events.TriggerDetected, "engine", map[string]any{
		"symbol":   symbol,
		"reason":   sig.Dimension,
		"priority": string(priority),
		"price":    price,
	})
}

func (e *Engine) emitSignalGenerated(s domain.Signal) {
	if e.deps.Bus == nil {
		return
	}
	e.deps.Bus.Emit(events.SignalGenerated, "engine", map[string]any{
		"id":         s.ID,
		"symbol":     s.Symbol,
		"direction":  string(s.Direction),
		"confidence": s.Confidence,
		"strength":   string(s.Strength),
	})
}

func priorityFor(level significance.Level) domain.Priority {
	switch level {
	case significance.LevelCritical, significance.LevelHigh:
		return domain.PriorityHigh
	case significance.LevelMedium:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}

// triggerChecks derives the four trigger-predicate dimensions from a tick
// pair (spec §4.12 step 5).
func triggerChecks(prev, curr anomaly.Sample) []significance.DimensionCheck {
	var priceChangePct, velocityPctPerS float64
	if prev.Price > 0 {
		priceChangePct = absPct(curr.Price, prev.Price)
		elapsed := curr.At.Sub(prev.At).Seconds()
		if elapsed > 0 {
			velocityPctPerS = priceChangePct / elapsed
		}
	}
	spreadRatio := 1.0
	if prev.SpreadPct > 0 {
		spreadRatio = curr.SpreadPct / prev.SpreadPct
	}
	volumeRatio := 1.0
	if prev.Volume24h > 0 {
		volumeRatio = curr.Volume24h / prev.Volume24h
	}

	return []significance.DimensionCheck{
		{Name: "price_change", Value: priceChangePct},
		{Name: "velocity", Value: velocityPctPerS},
		{Name: "spread_widening", Value: spreadRatio},
		{Name: "volume_spike", Value: volumeRatio},
	}
}

// anyPredicateFires reports whether any trigger-predicate dimension meets
// or exceeds its dynamic (regime-scaled) threshold.
func anyPredicateFires(checks []significance.DimensionCheck, th domain.Thresholds) bool {
	for _, c := range checks {
		var threshold float64
		switch c.Name {
		case "price_change":
			threshold = th.PriceChangePct
		case "velocity":
			threshold = th.VelocityPctPerS
		case "spread_widening":
			threshold = th.SpreadWidening
		case "volume_spike":
			threshold = th.VolumeSurgeRatio
		}
		if threshold > 0 && absFloat(c.Value) >= threshold {
			return true
		}
	}
	return false
}

func absPct(curr, prev float64) float64 {
	if prev == 0 {
		return 0
	}
	return absFloat((curr-prev)/prev) * 100
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func change1hOrZero(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// buildSignal assembles a domain.Signal from the winning verdict.
func buildSignal(t domain.Ticker, v domain.Verdict) domain.Signal {
	now := t.SourceTs
	if now.IsZero() {
		now = time.Now()
	}
	return domain.Signal{
		ID:           signalID(t.Symbol, v.Strategy, now),
		Symbol:       t.Symbol,
		Strategy:     v.Strategy,
		Direction:    v.Direction,
		Timeframe:    v.Timeframe,
		EntryMin:     v.EntryMin,
		EntryMax:     v.EntryMax,
		CurrentPrice: t.LastPrice,
		StopLoss:     v.StopLoss,
		Target1:      v.Target1,
		Target2:      v.Target2,
		Target3:      v.Target3,
		Confidence:   int(v.Confidence),
		Strength:     v.Strength,
		RiskLevel:    domain.DeriveRiskLevel(v.StopLoss, t.LastPrice),
		Reasoning:    v.Reasoning,
		CreatedAt:    now,
		ExpiresAt:    now.Add(expiryFor(v.Timeframe)),
	}
}

func signalID(symbol, strategyName string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%s", symbol, strategyName, uuid.New().String())
}

// expiryFor implements the §6 expiry bands from a timeframe string like
// "15m", "4h", "1d", "1w". Unparseable timeframes get the 24h default.
func expiryFor(timeframe string) time.Duration {
	d, ok := parseTimeframe(timeframe)
	if !ok {
		return 24 * time.Hour
	}
	switch {
	case d < time.Hour:
		return 2 * time.Hour
	case d >= 7*24*time.Hour:
		return 168 * time.Hour
	case d >= 24*time.Hour:
		return 72 * time.Hour
	default:
		return 24 * time.Hour
	}
}

func parseTimeframe(tf string) (time.Duration, bool) {
	if tf == "" {
		return 0, false
	}
	unit := tf[len(tf)-1]
	numPart := tf[:len(tf)-1]
	var n int
	if _, err := fmt.Sscanf(numPart, "%d", &n); err != nil {
		return 0, false
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}
