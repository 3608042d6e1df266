package ingest

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/aristath/cryptosentinel/internal/domain"
)

// binanceTickerMessage mirrors the fields used out of Binance's combined
// 24hr mini-ticker stream payload (<symbol>@ticker). Unused fields are
// dropped rather than modelled.
type binanceTickerMessage struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	BestBid   string `json:"b"`
	BestAsk   string `json:"a"`
	Volume    string `json:"q"`
	PriceChg  string `json:"p"`
	PriceChgP string `json:"P"`
	High      string `json:"h"`
	Low       string `json:"l"`
}

// DecodeBinance parses one Binance combined-stream ticker frame into a
// canonical ticker. Non-ticker event types are skipped (ok=false) rather
// than erroring, since the stream also carries subscription acks.
func DecodeBinance(raw []byte) (domain.Ticker, bool, error) {
	var msg binanceTickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.Ticker{}, false, err
	}
	if msg.EventType != "24hrTicker" && msg.EventType != "" {
		return domain.Ticker{}, false, nil
	}
	if msg.Symbol == "" || msg.LastPrice == "" {
		return domain.Ticker{}, false, nil
	}

	t := domain.Ticker{
		SourceTs:      timeFromMillis(msg.EventTime),
		ReceivedAt:    time.Now(),
		Symbol:        msg.Symbol,
		LastPrice:     parseFloat(msg.LastPrice),
		BestBid:       parseFloat(msg.BestBid),
		BestAsk:       parseFloat(msg.BestAsk),
		QuoteVolume24h: parseFloat(msg.Volume),
		Change24hAbs:  parseFloat(msg.PriceChg),
		Change24hPct:  parseFloat(msg.PriceChgP),
		High24h:       parseFloat(msg.High),
		Low24h:        parseFloat(msg.Low),
	}
	return t, true, nil
}

// coinbaseTickerMessage mirrors Coinbase Exchange's "ticker" channel.
type coinbaseTickerMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Volume24h string `json:"volume_24h"`
	High24h   string `json:"high_24h"`
	Low24h    string `json:"low_24h"`
	Open24h   string `json:"open_24h"`
	Time      string `json:"time"`
}

// DecodeCoinbase parses one Coinbase "ticker" channel frame into a
// canonical ticker. 24h change isn't published directly; it's derived from
// open_24h vs the last trade price.
func DecodeCoinbase(raw []byte) (domain.Ticker, bool, error) {
	var msg coinbaseTickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.Ticker{}, false, err
	}
	if msg.Type != "ticker" {
		return domain.Ticker{}, false, nil
	}

	sourceTs, _ := time.Parse(time.RFC3339Nano, msg.Time)
	if sourceTs.IsZero() {
		sourceTs = time.Now()
	}

	last := parseFloat(msg.Price)
	open := parseFloat(msg.Open24h)
	var chgAbs, chgPct float64
	if open != 0 {
		chgAbs = last - open
		chgPct = chgAbs / open * 100
	}

	t := domain.Ticker{
		SourceTs:      sourceTs,
		ReceivedAt:    time.Now(),
		Symbol:        msg.ProductID,
		LastPrice:     last,
		BestBid:       parseFloat(msg.BestBid),
		BestAsk:       parseFloat(msg.BestAsk),
		QuoteVolume24h: parseFloat(msg.Volume24h),
		Change24hAbs:  chgAbs,
		Change24hPct:  chgPct,
		High24h:       parseFloat(msg.High24h),
		Low24h:        parseFloat(msg.Low24h),
	}
	return t, true, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func timeFromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
