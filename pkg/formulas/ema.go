package formulas

// EMA computes the n-period exponential moving average per the exact
// seeding rule in spec §4.9: seed = SMA over the first n samples, then the
// standard recurrence over everything after. Talib's own EMA seeds
// differently (it blends from the first sample); this recomputes from
// scratch each call to match the spec precisely rather than special-casing
// talib's output. When fewer than n samples are available, the SMA over
// whatever is available stands in for the EMA value.
func EMA(closes []float64, n int) float64 {
	if len(closes) == 0 {
		return 0
	}
	if len(closes) < n {
		return SMA(closes, len(closes))
	}

	ema := SMA(closes[:n], n)
	multiplier := 2.0 / (float64(n) + 1)
	for _, price := range closes[n:] {
		ema = (price-ema)*multiplier + ema
	}
	return ema
}

// SMA is the plain arithmetic mean over the last n samples (or over
// everything, if n >= len(closes)).
func SMA(closes []float64, n int) float64 {
	if len(closes) == 0 {
		return 0
	}
	if n <= 0 || n > len(closes) {
		n = len(closes)
	}
	window := closes[len(closes)-n:]
	var sum float64
	for _, p := range window {
		sum += p
	}
	return sum / float64(n)
}
