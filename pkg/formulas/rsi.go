package formulas

// RSI computes the classic Wilder-smoothed Relative Strength Index over the
// last n+1 closes. Diverges from talib's NaN-during-warmup convention by
// design: fewer than n+1 samples returns the neutral midpoint 50, and a
// zero average loss (straight upward run) returns 100 rather than +Inf.
func RSI(closes []float64, n int) float64 {
	if len(closes) < n+1 {
		return 50
	}

	window := closes[len(closes)-(n+1):]
	var gainSum, lossSum float64
	for i := 1; i < len(window); i++ {
		delta := window[i] - window[i-1]
		if delta > 0 {
			gainSum += delta
		} else {
			lossSum += -delta
		}
	}
	avgGain := gainSum / float64(n)
	avgLoss := lossSum / float64(n)

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}
