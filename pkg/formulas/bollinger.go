package formulas

import "github.com/markcheno/go-talib"

// Bollinger is a Bollinger Band(n, k) reading: middle = SMA(n), upper/lower
// = middle +/- k*sigma over the same window, width = (upper-lower)/middle
// as a percentage. Degenerate (all zero) when fewer than n samples are
// available, per spec §4.9.
type Bollinger struct {
	Middle float64
	Upper  float64
	Lower  float64
	WidthPct float64
}

// ComputeBollinger uses talib's BBands for the windowed mean/stddev and
// recomputes width per the spec's exact percentage formula.
func ComputeBollinger(closes []float64, n int, k float64) Bollinger {
	if len(closes) < n {
		return Bollinger{}
	}

	upper, middle, lower := talib.BBands(closes, n, k, k, talib.SMA)
	if len(middle) == 0 {
		return Bollinger{}
	}
	last := len(middle) - 1
	m := valueOrZero(middle[last])
	u := valueOrZero(upper[last])
	l := valueOrZero(lower[last])

	var width float64
	if m != 0 {
		width = (u - l) / m * 100
	}
	return Bollinger{Middle: m, Upper: u, Lower: l, WidthPct: width}
}
