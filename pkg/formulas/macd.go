package formulas

import "github.com/markcheno/go-talib"

// MACD is the MACD(12,26,9) result: macd = EMA12 - EMA26, signal = EMA9 of
// the MACD history, histogram = macd - signal. Zeroed entirely when fewer
// than 26 samples are available, per spec §4.9 rather than talib's
// NaN-padded warmup.
type MACD struct {
	Value     float64
	Signal    float64
	Histogram float64
}

// ComputeMACD delegates the windowed EMA crunching to talib (the pack's
// numeric engine) once there is enough history, and degenerates to a
// zeroed result otherwise.
func ComputeMACD(closes []float64) MACD {
	const slow = 26
	if len(closes) < slow {
		return MACD{}
	}

	macdLine, signalLine, hist := talib.Macd(closes, 12, slow, 9)
	if len(macdLine) == 0 {
		return MACD{}
	}
	last := len(macdLine) - 1
	return MACD{
		Value:     valueOrZero(macdLine[last]),
		Signal:    valueOrZero(signalLine[last]),
		Histogram: valueOrZero(hist[last]),
	}
}

func valueOrZero(f float64) float64 {
	if f != f { // NaN
		return 0
	}
	return f
}
