package ingest

import (
	"sync"

	"github.com/aristath/cryptosentinel/internal/domain"
)

const historyCapacity = 300

// History keeps a rolling window of closes/volumes per symbol, the raw
// material the indicator pre-computation pipeline needs (spec C12) but
// which the aggregator's dedup/latency bookkeeping has no reason to hold.
type History struct {
	mu      sync.Mutex
	closes  map[string][]float64
	volumes map[string][]float64
}

// NewHistory creates an empty History.
func NewHistory() *History {
	return &History{
		closes:  make(map[string][]float64),
		volumes: make(map[string][]float64),
	}
}

// Record appends t's price and volume to symbol's window, dropping the
// oldest point once historyCapacity is exceeded.
func (h *History) Record(t domain.Ticker) {
	h.mu.Lock()
	defer h.mu.Unlock()

	closes := append(h.closes[t.Symbol], t.LastPrice)
	if len(closes) > historyCapacity {
		closes = closes[len(closes)-historyCapacity:]
	}
	h.closes[t.Symbol] = closes

	volumes := append(h.volumes[t.Symbol], t.QuoteVolume24h)
	if len(volumes) > historyCapacity {
		volumes = volumes[len(volumes)-historyCapacity:]
	}
	h.volumes[t.Symbol] = volumes
}

// Series implements indicators.PriceSource: it returns copies of symbol's
// current closes/volumes window, ok=false if nothing has been recorded yet.
func (h *History) Series(symbol string) (closes, volumes []float64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, okC := h.closes[symbol]
	if !okC || len(c) == 0 {
		return nil, nil, false
	}
	v := h.volumes[symbol]

	closesCopy := make([]float64, len(c))
	copy(closesCopy, c)
	volumesCopy := make([]float64, len(v))
	copy(volumesCopy, v)
	return closesCopy, volumesCopy, true
}
