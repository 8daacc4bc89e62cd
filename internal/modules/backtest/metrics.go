package backtest

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

const tradingDaysPerYear = 252

// computeMetrics derives the performance statistics of one equity curve.
// Conventions: risk-free rate zero, volatility from daily log returns
// annualised with √252, calendar years of 365.25 days, drawdowns against the
// running peak. Callers guarantee at least two equity points.
func computeMetrics(equity Series, trades []TradeRecord, initialCapital float64) PerformanceMetrics {
	v0 := initialCapital
	vf := equity.Last()

	totalReturn := (vf - v0) / v0

	years := equity.End().Sub(equity.First()).Hours() / 24 / 365.25
	cagr := 0.0
	if years > 0 {
		cagr = math.Pow(vf/v0, 1.0/years) - 1.0
	}

	logReturns := make([]float64, 0, equity.Len()-1)
	for i := 1; i < equity.Len(); i++ {
		logReturns = append(logReturns, math.Log(equity.Values[i]/equity.Values[i-1]))
	}

	// A single point or single return has no dispersion to annualise.
	stdDaily, meanDaily := 0.0, 0.0
	if len(logReturns) >= 2 {
		stdDaily = stat.StdDev(logReturns, nil)
		meanDaily = stat.Mean(logReturns, nil)
	}
	volatility := stdDaily * math.Sqrt(tradingDaysPerYear)

	sharpe := 0.0
	if stdDaily > 1e-12 {
		sharpe = meanDaily / stdDaily * math.Sqrt(tradingDaysPerYear)
	}

	maxDrawdown, troughIdx, runningPeak := drawdownStats(equity.Values)

	calmar := 0.0
	if math.Abs(maxDrawdown) > 1e-9 {
		calmar = cagr / math.Abs(maxDrawdown)
	}

	bestYear, worstYear := yearlyReturnExtremes(equity)
	recoveryDays := computeRecoveryDays(equity, troughIdx, runningPeak[troughIdx])
	winRate, profitFactor := closedTradeStats(trades)

	return PerformanceMetrics{
		TotalReturn:  totalReturn,
		CAGR:         cagr,
		SharpeRatio:  sharpe,
		MaxDrawdown:  maxDrawdown,
		Volatility:   volatility,
		CalmarRatio:  calmar,
		BestYear:     bestYear,
		WorstYear:    worstYear,
		RecoveryDays: recoveryDays,
		WinRate:      winRate,
		ProfitFactor: profitFactor,
		TimeInMarket: timeInMarket(equity, trades),
	}
}

// drawdownStats returns the most negative drawdown fraction, the index of
// its first trough, and the running-peak curve.
func drawdownStats(values []float64) (maxDrawdown float64, troughIdx int, runningPeak []float64) {
	runningPeak = make([]float64, len(values))
	peak := values[0]

	for i, v := range values {
		if v > peak {
			peak = v
		}
		runningPeak[i] = peak

		dd := (v - peak) / peak
		if dd < maxDrawdown {
			maxDrawdown = dd
			troughIdx = i
		}
	}
	return maxDrawdown, troughIdx, runningPeak
}

// computeRecoveryDays counts calendar days from the max-drawdown trough to
// the first day equity regains the pre-trough peak, with a small tolerance
// for float drift. Returns nil when the curve never recovers.
func computeRecoveryDays(equity Series, troughIdx int, peakAtTrough float64) *int {
	threshold := peakAtTrough * (1 - 1e-9)
	for i := troughIdx; i < equity.Len(); i++ {
		if equity.Values[i] >= threshold {
			days := int(equity.Dates[i].Sub(equity.Dates[troughIdx]).Hours() / 24)
			return &days
		}
	}
	return nil
}

// yearlyReturnExtremes resamples the curve to calendar-year-end values and
// returns the best and worst year-over-year returns. Needs at least two
// yearly points, so curves inside a single calendar year yield nil.
func yearlyReturnExtremes(equity Series) (best, worst *float64) {
	// Last equity value of each calendar year, in chronological order.
	var yearly []float64
	for i := 0; i < equity.Len(); i++ {
		if i+1 == equity.Len() || equity.Dates[i+1].Year() != equity.Dates[i].Year() {
			yearly = append(yearly, equity.Values[i])
		}
	}
	if len(yearly) < 2 {
		return nil, nil
	}

	for i := 1; i < len(yearly); i++ {
		ret := yearly[i]/yearly[i-1] - 1.0
		if best == nil || ret > *best {
			b := ret
			best = &b
		}
		if worst == nil || ret < *worst {
			w := ret
			worst = &w
		}
	}
	return best, worst
}

// timeInMarket is the fraction of days spent holding shares, reconstructed
// from the trade log: a BUY date flips in-market on, a SELL date flips it
// off before that day is counted.
func timeInMarket(equity Series, trades []TradeRecord) float64 {
	buyDates := map[string]struct{}{}
	sellDates := map[string]struct{}{}
	for _, t := range trades {
		switch t.Action {
		case "BUY":
			buyDates[t.Date] = struct{}{}
		case "SELL":
			sellDates[t.Date] = struct{}{}
		}
	}
	if len(buyDates) == 0 || equity.Len() == 0 {
		return 0
	}

	inMarket := false
	inMarketDays := 0
	for _, d := range equity.Dates {
		key := d.Format(dateLayout)
		if _, ok := buyDates[key]; ok {
			inMarket = true
		}
		if _, ok := sellDates[key]; ok {
			inMarket = false
		}
		if inMarket {
			inMarketDays++
		}
	}

	return float64(inMarketDays) / float64(equity.Len())
}

// closedTradeStats pairs BUYs with SELLs first-in-first-out and derives the
// win rate and profit factor of the closed round trips. Both stay nil with
// no closed trades; the profit factor additionally stays nil when there are
// no losses to divide by.
func closedTradeStats(trades []TradeRecord) (winRate, profitFactor *float64) {
	type lot struct{ price, shares float64 }
	var open []lot

	grossProfit, grossLoss := 0.0, 0.0
	wins, closed := 0, 0

	for _, t := range trades {
		switch t.Action {
		case "BUY":
			open = append(open, lot{t.Price, t.Shares})
		case "SELL":
			if len(open) == 0 {
				continue
			}
			bought := open[0]
			open = open[1:]

			pnl := (t.Price - bought.price) * math.Min(t.Shares, bought.shares)
			closed++
			if pnl > 0 {
				wins++
				grossProfit += pnl
			} else {
				grossLoss += math.Abs(pnl)
			}
		}
	}

	if closed == 0 {
		return nil, nil
	}

	wr := float64(wins) / float64(closed)
	winRate = &wr
	if grossLoss > 1e-9 {
		pf := grossProfit / grossLoss
		profitFactor = &pf
	}
	return winRate, profitFactor
}
