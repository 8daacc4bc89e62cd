package backtest

import (
	"math"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

// sma returns the simple moving average with NaN for positions where the
// window is not yet full.
func sma(values []float64, window int) []float64 {
	n := len(values)
	if n < window {
		return nanSlice(n)
	}

	out := talib.Sma(values, window)
	for i := 0; i < window-1; i++ {
		out[i] = math.NaN()
	}
	return out
}

// rollingStd returns the rolling sample standard deviation (n-1 divisor)
// with NaN for positions where the window is not yet full.
func rollingStd(values []float64, window int) []float64 {
	n := len(values)
	out := nanSlice(n)
	for i := window - 1; i < n; i++ {
		out[i] = stat.StdDev(values[i-window+1:i+1], nil)
	}
	return out
}

// rsi computes Wilder's RSI via an exponential average with alpha = 1/period,
// seeded at the first price change. The first position is always NaN, and so
// is any position where the average loss is exactly zero (no downside moves
// observed yet).
func rsi(values []float64, period int) []float64 {
	n := len(values)
	out := nanSlice(n)
	if n < 2 {
		return out
	}

	alpha := 1.0 / float64(period)
	var avgGain, avgLoss float64

	for i := 1; i < n; i++ {
		delta := values[i] - values[i-1]
		gain := math.Max(delta, 0)
		loss := math.Max(-delta, 0)

		if i == 1 {
			avgGain, avgLoss = gain, loss
		} else {
			avgGain = alpha*gain + (1-alpha)*avgGain
			avgLoss = alpha*loss + (1-alpha)*avgLoss
		}

		if avgLoss == 0 {
			continue // undefined RSI, stays NaN
		}
		rs := avgGain / avgLoss
		out[i] = 100.0 - 100.0/(1.0+rs)
	}

	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
