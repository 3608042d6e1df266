package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aristath/cryptosentinel/internal/config"
	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/engine"
	"github.com/aristath/cryptosentinel/internal/enrichment"
	"github.com/aristath/cryptosentinel/internal/events"
	"github.com/aristath/cryptosentinel/internal/indicators"
	"github.com/aristath/cryptosentinel/internal/ingest"
	"github.com/aristath/cryptosentinel/internal/normalize"
	"github.com/aristath/cryptosentinel/internal/outcome"
	"github.com/aristath/cryptosentinel/internal/persistence"
	"github.com/aristath/cryptosentinel/internal/regime"
	"github.com/aristath/cryptosentinel/internal/reliability"
	"github.com/aristath/cryptosentinel/internal/reputation"
	"github.com/aristath/cryptosentinel/internal/server"
	"github.com/aristath/cryptosentinel/internal/significance"
	"github.com/aristath/cryptosentinel/internal/strategy"
	"github.com/aristath/cryptosentinel/internal/symbols"
	"github.com/aristath/cryptosentinel/internal/tier"
	"github.com/aristath/cryptosentinel/pkg/logger"
	"github.com/rs/zerolog"
)

func main() {
	bootLog := logger.New(logger.Config{Level: "info", Pretty: true})

	cfg, err := config.Load()
	if err != nil {
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Msg("starting cryptosentinel")

	symbolMap, err := symbols.Load(cfg.SymbolMapPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load symbol map")
	}

	db, err := persistence.Open(filepath.Join(cfg.DataDir, "cryptosentinel.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()
	store := persistence.New(db, log)

	bus := events.New(256)
	repTracker := reputation.New()
	regimeTracker := regime.New(regime.BaseThresholds{
		PriceChangePct:   cfg.Thresholds.PriceChangePct,
		VelocityPctPerS:  cfg.Thresholds.VelocityPctPerS,
		SpreadWidening:   cfg.Thresholds.SpreadWidening,
		VolumeSurgeRatio: cfg.Thresholds.VolumeSurgeRatio,
	})
	tierManager := tier.New(
		tier.Intervals{Tier1: cfg.TierIntervals.Tier1, Tier2: cfg.TierIntervals.Tier2, Tier3: cfg.TierIntervals.Tier3},
		tier.Timeouts{Tier2: cfg.TierTimeouts.Tier2, Tier3: cfg.TierTimeouts.Tier3},
	)
	sigFilter := significance.New(significance.DefaultBaseThresholds())
	normalizer := normalize.New()

	indicatorCache := indicators.New(cfg.IndicatorCacheTTL, cfg.IndicatorSoftCap)
	pipeline := indicators.NewPipeline(indicatorCache, indicators.Config{
		HotCap:    cfg.HotCap,
		BatchSize: cfg.PrecomputeBatch,
		Yield:     cfg.PrecomputeYield,
		Cycle:     cfg.PrecomputeCycle,
	}, log)
	snapshotPath := filepath.Join(cfg.DataDir, "indicator_cache.msgpack")
	restoreIndicatorSnapshot(pipeline, snapshotPath, cfg.IndicatorCacheTTL, log)

	sentimentClient := enrichment.NewHTTPSentimentClient("")
	enrichSvc := enrichment.New(sentimentClient, nil, nil, pipeline.IndicatorSnapshot)

	dispatcher := strategy.New([]strategy.Strategy{strategy.NewEMACrossover()}, 2*time.Second, log)

	eng := engine.New(engine.Deps{
		Normalizer:   normalizer,
		Regime:       regimeTracker,
		Tier:         tierManager,
		Significance: sigFilter,
		Enrichment:   enrichSvc,
		Dispatcher:   dispatcher,
		Reputation:   repTracker,
		Bus:          bus,
		Persistence:  store,
	}, engine.Config{
		Cooldown:    cfg.Cooldown,
		DedupWindow: cfg.SignalDedupWindow,
		SigBase:     significance.DefaultBaseThresholds(),
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rawTicks := make(chan domain.Ticker, 512)
	dedupedTicks := make(chan domain.Ticker, 512)
	aggregator := ingest.NewAggregator(dedupedTicks, log)
	history := ingest.NewHistory()

	binanceSymbols, coinbaseSymbols := exchangeSymbolLists(symbolMap)

	binanceSource := ingest.NewStreamSource(
		"binance", buildBinanceCombinedURL(binanceSymbols), binanceSymbols,
		ingest.WebsocketDialer{}, ingest.DecodeBinance,
		ingest.BackoffConfig{Base: cfg.ReconnectBaseDelay, Max: cfg.ReconnectMaxDelay, MaxAttempts: cfg.MaxReconnectTries},
		log,
	)
	aggregator.RegisterSource("binance", binanceSource)

	coinbaseSubscribe, err := coinbaseSubscribeFrame(coinbaseSymbols)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build coinbase subscribe frame")
	}
	coinbaseSource := ingest.NewStreamSource(
		"coinbase", "wss://ws-feed.exchange.coinbase.com", coinbaseSymbols,
		ingest.WebsocketDialer{}, ingest.DecodeCoinbase,
		ingest.BackoffConfig{Base: cfg.ReconnectBaseDelay, Max: cfg.ReconnectMaxDelay, MaxAttempts: cfg.MaxReconnectTries},
		log,
	)
	aggregator.RegisterSource("coinbase", coinbaseSource)

	fallback := ingest.NewFallbackPoller("https://api.binance.com/api/v3/ticker/24hr", binanceSymbols, 30*time.Second, log)
	fallbackArmed := false
	onStreamExhausted := func() {
		if fallbackArmed {
			return
		}
		fallbackArmed = true
		log.Warn().Msg("stream reconnect attempts exhausted, falling back to REST polling")
		fallback.StartScheduled(ctx, 5*time.Second, aggregator, aggregator.Ingest)
	}
	binanceSource.OnFallback(onStreamExhausted)
	coinbaseSource.OnFallback(onStreamExhausted)

	go binanceSource.Run(ctx, nil, rawTicks)
	go coinbaseSource.Run(ctx, coinbaseSubscribe, rawTicks)
	go func() {
		for t := range rawTicks {
			aggregator.Ingest(t)
		}
	}()
	go func() {
		for t := range dedupedTicks {
			history.Record(t)
			eng.Submit(ctx, t)
		}
	}()

	pipeline.StartScheduled(ctx, history.Series, cfg.PrecomputeCycle)

	aggregator.StartHealthBeat(10*time.Second, func(h ingest.HealthSnapshot) {
		bus.Emit(events.DataHealth, "ingest", map[string]any{
			"healthy":         h.Healthy,
			"active_sources":  h.ActiveSources,
			"total_ticks":     h.TotalTicks,
			"average_latency": h.AverageLatency.String(),
			"duplicates":      h.DuplicatesDrop,
			"out_of_order":    h.OutOfOrderDrop,
		})
	})
	defer aggregator.StopHealthBeat()

	monitor := outcome.New(aggregatorPriceSource{agg: aggregator}, store, repTracker, log)
	go monitor.Run(ctx)

	httpServer := server.New(server.Config{
		Port:     cfg.Port,
		Log:      log,
		Engine:   eng,
		Bus:      bus,
		Pipeline: pipeline,
		DevMode:  cfg.DevMode,
	})
	go func() {
		if err := httpServer.Start(); err != nil {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("server started")

	var backupScheduler *reliability.Scheduler
	if cfg.S3Bucket != "" {
		s3Client, err := reliability.NewS3Client(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Endpoint, log)
		if err != nil {
			log.Error().Err(err).Msg("failed to initialise backup storage, backups disabled")
		} else {
			backupSvc := reliability.NewBackupService(db.Conn(), db.Path(), cfg.DataDir, s3Client, log)
			backupScheduler = reliability.NewScheduler(backupSvc, cfg.BackupInterval, cfg.BackupRetain, log)
			go backupScheduler.Run(ctx)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")

	cancel()
	binanceSource.Close()
	coinbaseSource.Close()
	saveIndicatorSnapshot(pipeline, snapshotPath, log)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server stopped")
}

func exchangeSymbolLists(m *symbols.Map) (binance, coinbase []string) {
	for _, id := range m.CanonicalIDs() {
		if sym, ok := m.ExchangeSymbol(id, "binance"); ok {
			binance = append(binance, sym)
		}
		if sym, ok := m.ExchangeSymbol(id, "coinbase"); ok {
			coinbase = append(coinbase, sym)
		}
	}
	return binance, coinbase
}

// restoreIndicatorSnapshot warm-starts the indicator cache from the previous
// run's snapshot file, if one exists and is no older than ttl. A missing or
// stale file is a safe no-op: the cache simply fills in cold (spec C11/C12).
func restoreIndicatorSnapshot(p *indicators.Pipeline, path string, ttl time.Duration, log zerolog.Logger) {
	info, err := os.Stat(path)
	if err != nil || time.Since(info.ModTime()) > ttl {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read indicator snapshot")
		return
	}
	if err := p.Restore(data, ttl); err != nil {
		log.Warn().Err(err).Msg("failed to restore indicator snapshot")
		return
	}
	log.Info().Str("path", path).Msg("restored indicator cache from snapshot")
}

// saveIndicatorSnapshot persists the current indicator cache so the next
// run can warm-start (spec C11/C12).
func saveIndicatorSnapshot(p *indicators.Pipeline, path string, log zerolog.Logger) {
	data, err := p.Snapshot()
	if err != nil {
		log.Warn().Err(err).Msg("failed to snapshot indicator cache")
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Warn().Err(err).Msg("failed to write indicator snapshot")
	}
}

// buildBinanceCombinedURL encodes every symbol's ticker stream directly in
// the URL, so no subscribe frame is needed after dialing (spec C4).
func buildBinanceCombinedURL(symbols []string) string {
	streams := ""
	for i, s := range symbols {
		if i > 0 {
			streams += "/"
		}
		streams += lower(s) + "@ticker"
	}
	return "wss://stream.binance.com:9443/stream?streams=" + streams
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// coinbaseSubscribeFrame builds the single subscribe message Coinbase
// Exchange expects immediately after connecting, since (unlike Binance)
// its symbol list isn't encoded in the URL.
func coinbaseSubscribeFrame(productIDs []string) ([]byte, error) {
	msg := struct {
		Type       string   `json:"type"`
		ProductIDs []string `json:"product_ids"`
		Channels   []string `json:"channels"`
	}{
		Type:       "subscribe",
		ProductIDs: productIDs,
		Channels:   []string{"ticker"},
	}
	return json.Marshal(msg)
}

// aggregatorPriceSource adapts the ingest aggregator's last-price tracking
// to outcome.PriceSource.
type aggregatorPriceSource struct {
	agg *ingest.Aggregator
}

func (a aggregatorPriceSource) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	price, ok := a.agg.LastPrice(symbol)
	if !ok {
		return 0, fmt.Errorf("no recent price for %s", symbol)
	}
	return price, nil
}
