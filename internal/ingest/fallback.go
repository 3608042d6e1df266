package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// LastUpdateSource reports when a symbol last received a per-source
// update, so the poller can tell which symbols have gone stale.
type LastUpdateSource interface {
	LastUpdate(symbol string) (time.Time, bool)
}

// FallbackPoller periodically polls a Binance-style /ticker/24hr REST
// endpoint for symbols whose stream has gone stale or which aren't mapped
// to any stream at all (spec C5 / §4.3).
type FallbackPoller struct {
	httpClient *http.Client
	baseURL    string
	symbols    []string
	staleAfter time.Duration
	perSymbolSleep time.Duration
	log        zerolog.Logger
	cron       *cron.Cron
}

// NewFallbackPoller creates a poller over baseURL (e.g.
// "https://api.binance.com/api/v3/ticker/24hr") for the given exchange
// symbols, each sent as-is in the endpoint's symbol query parameter.
func NewFallbackPoller(baseURL string, symbols []string, staleAfter time.Duration, log zerolog.Logger) *FallbackPoller {
	return &FallbackPoller{
		httpClient:     &http.Client{Timeout: 5 * time.Second},
		baseURL:        baseURL,
		symbols:        symbols,
		staleAfter:     staleAfter,
		perSymbolSleep: 150 * time.Millisecond,
		log:            log.With().Str("component", "fallback_poller").Logger(),
	}
}

// binance24hrResponse mirrors the subset of fields used from
// GET /ticker/24hr?symbol=...
type binance24hrResponse struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	BidPrice           string `json:"bidPrice"`
	AskPrice           string `json:"askPrice"`
	Volume             string `json:"quoteVolume"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
}

// PollOnce polls every symbol whose last update is older than staleAfter
// (or has never been seen), rate-limiting itself with a small sleep
// between requests. Request failures are logged and skipped, never
// propagated — a single exchange hiccup must not stop the poller.
func (p *FallbackPoller) PollOnce(ctx context.Context, lastUpdates LastUpdateSource, emit func(domain.Ticker)) {
	for _, symbol := range p.symbols {
		if ctx.Err() != nil {
			return
		}
		if last, ok := lastUpdates.LastUpdate(symbol); ok && time.Since(last) < p.staleAfter {
			continue
		}

		tick, err := p.fetch(ctx, symbol)
		if err != nil {
			p.log.Warn().Err(err).Str("symbol", symbol).Msg("fallback poll failed")
		} else {
			emit(tick)
		}

		select {
		case <-time.After(p.perSymbolSleep):
		case <-ctx.Done():
			return
		}
	}
}

func (p *FallbackPoller) fetch(ctx context.Context, symbol string) (domain.Ticker, error) {
	url := fmt.Sprintf("%s?symbol=%s", p.baseURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Ticker{}, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return domain.Ticker{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.Ticker{}, fmt.Errorf("fallback poll: unexpected status %d", resp.StatusCode)
	}

	var body binance24hrResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.Ticker{}, err
	}

	return domain.Ticker{
		SourceTs:      time.Now(),
		ReceivedAt:    time.Now(),
		Symbol:        symbol,
		Source:        "http-fallback",
		Quality:       domain.QualityMedium,
		LastPrice:     parseFloat(body.LastPrice),
		BestBid:       parseFloat(body.BidPrice),
		BestAsk:       parseFloat(body.AskPrice),
		QuoteVolume24h: parseFloat(body.Volume),
		Change24hAbs:  parseFloat(body.PriceChange),
		Change24hPct:  parseFloat(body.PriceChangePercent),
		High24h:       parseFloat(body.HighPrice),
		Low24h:        parseFloat(body.LowPrice),
	}, nil
}

// StartScheduled runs PollOnce every interval (spec default ~5s) via
// robfig/cron, matching the pipeline's other cron-driven workers.
func (p *FallbackPoller) StartScheduled(ctx context.Context, interval time.Duration, lastUpdates LastUpdateSource, emit func(domain.Ticker)) {
	p.cron = cron.New()
	_, err := p.cron.AddFunc("@every "+interval.String(), func() { p.PollOnce(ctx, lastUpdates, emit) })
	if err != nil {
		p.log.Error().Err(err).Msg("failed to schedule fallback poll")
		return
	}
	p.cron.Start()
	go func() {
		<-ctx.Done()
		p.cron.Stop()
	}()
}
