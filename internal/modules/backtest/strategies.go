package backtest

import (
	"math"
)

// All strategies share the same execution semantics: signals fire on a bar's
// close and are filled at that same close, fractional shares, no
// commissions, and the equity curve carries one point per series day.

// runBuyAndHold deploys the full capital at the first bar and never exits.
func runBuyAndHold(s Series, initialCapital float64) (Series, []TradeRecord) {
	t0 := s.Values[0]
	shares := initialCapital / t0

	trades := []TradeRecord{{
		Date:           s.Dates[0].Format(dateLayout),
		Action:         "BUY",
		Price:          t0,
		Shares:         shares,
		CashAfter:      0,
		PortfolioValue: shares * t0,
	}}

	equity := make([]float64, s.Len())
	for i, price := range s.Values {
		equity[i] = shares * price
	}

	return Series{Dates: s.Dates, Values: equity}, trades
}

// dcaIntervalDays maps a DCA interval to its approximate calendar spacing
func dcaIntervalDays(interval string) int {
	switch interval {
	case IntervalWeekly:
		return 7
	case IntervalQuarterly:
		return 91
	default:
		return 30 // monthly
	}
}

// runDCA injects a fresh amount at each interval boundary and deploys it
// immediately. Contributions are new money, not drawn from a pool; the
// third return value is the total injected.
func runDCA(s Series, params DCAParams) (Series, []TradeRecord, float64) {
	intervalDays := dcaIntervalDays(params.Interval)

	shares := 0.0
	totalInjected := 0.0
	var trades []TradeRecord
	equity := make([]float64, s.Len())

	haveLast := false
	var lastInvest int // day offset of the previous injection

	for i, price := range s.Values {
		dayOffset := int(s.Dates[i].Sub(s.Dates[0]).Hours() / 24)

		if !haveLast || dayOffset-lastInvest >= intervalDays {
			newShares := params.Amount / price
			shares += newShares
			totalInjected += params.Amount
			lastInvest = dayOffset
			haveLast = true

			trades = append(trades, TradeRecord{
				Date:           s.Dates[i].Format(dateLayout),
				Action:         "BUY",
				Price:          price,
				Shares:         newShares,
				CashAfter:      0,
				PortfolioValue: shares * price,
			})
		}

		equity[i] = shares * price
	}

	return Series{Dates: s.Dates, Values: equity}, trades, totalInjected
}

// runMACrossover goes all-in on a golden cross (short MA crossing above the
// long MA) and all-out on a death cross. Crossings are detected against the
// previous bar's relation, so the first defined bar never trades.
func runMACrossover(s Series, initialCapital float64, params MACrossoverParams) (Series, []TradeRecord) {
	shortMA := sma(s.Values, params.ShortWindow)
	longMA := sma(s.Values, params.LongWindow)

	cash := initialCapital
	shares := 0.0
	var trades []TradeRecord
	equity := make([]float64, s.Len())

	havePrev := false
	prevAbove := false

	for i, price := range s.Values {
		sm, lm := shortMA[i], longMA[i]

		if !math.IsNaN(sm) && !math.IsNaN(lm) {
			above := sm > lm

			if havePrev {
				if above && !prevAbove && cash > 0 {
					newShares := cash / price
					shares += newShares
					cash = 0
					trades = append(trades, TradeRecord{
						Date:           s.Dates[i].Format(dateLayout),
						Action:         "BUY",
						Price:          price,
						Shares:         newShares,
						CashAfter:      cash,
						PortfolioValue: shares * price,
					})
				} else if !above && prevAbove && shares > 0 {
					oldShares := shares
					cash += shares * price
					shares = 0
					trades = append(trades, TradeRecord{
						Date:           s.Dates[i].Format(dateLayout),
						Action:         "SELL",
						Price:          price,
						Shares:         oldShares,
						CashAfter:      cash,
						PortfolioValue: cash,
					})
				}
			}
			prevAbove = above
			havePrev = true
		}

		equity[i] = cash + shares*price
	}

	return Series{Dates: s.Dates, Values: equity}, trades
}

// runRSI buys all-in when the RSI closes below the oversold threshold and
// sells all-out when it closes above the overbought threshold.
func runRSI(s Series, initialCapital float64, params RSIParams) (Series, []TradeRecord) {
	rsiSeries := rsi(s.Values, params.RSIPeriod)

	cash := initialCapital
	shares := 0.0
	inMarket := false
	var trades []TradeRecord
	equity := make([]float64, s.Len())

	for i, price := range s.Values {
		r := rsiSeries[i]

		if !math.IsNaN(r) {
			if !inMarket && r < params.Oversold && cash > 0 {
				newShares := cash / price
				shares += newShares
				cash = 0
				inMarket = true
				trades = append(trades, TradeRecord{
					Date:           s.Dates[i].Format(dateLayout),
					Action:         "BUY",
					Price:          price,
					Shares:         newShares,
					CashAfter:      cash,
					PortfolioValue: shares * price,
				})
			} else if inMarket && r > params.Overbought && shares > 0 {
				oldShares := shares
				cash += shares * price
				shares = 0
				inMarket = false
				trades = append(trades, TradeRecord{
					Date:           s.Dates[i].Format(dateLayout),
					Action:         "SELL",
					Price:          price,
					Shares:         oldShares,
					CashAfter:      cash,
					PortfolioValue: cash,
				})
			}
		}

		equity[i] = cash + shares*price
	}

	return Series{Dates: s.Dates, Values: equity}, trades
}

// runBollinger buys all-in when the close drops below the lower band
// (μ − k·σ) and sells all-out above the upper band (μ + k·σ). σ is the
// rolling sample standard deviation.
func runBollinger(s Series, initialCapital float64, params BollingerParams) (Series, []TradeRecord) {
	mid := sma(s.Values, params.BBWindow)
	sd := rollingStd(s.Values, params.BBWindow)

	cash := initialCapital
	shares := 0.0
	inMarket := false
	var trades []TradeRecord
	equity := make([]float64, s.Len())

	for i, price := range s.Values {
		if !math.IsNaN(mid[i]) && !math.IsNaN(sd[i]) {
			upper := mid[i] + params.BBStd*sd[i]
			lower := mid[i] - params.BBStd*sd[i]

			if !inMarket && price < lower && cash > 0 {
				newShares := cash / price
				shares += newShares
				cash = 0
				inMarket = true
				trades = append(trades, TradeRecord{
					Date:           s.Dates[i].Format(dateLayout),
					Action:         "BUY",
					Price:          price,
					Shares:         newShares,
					CashAfter:      cash,
					PortfolioValue: shares * price,
				})
			} else if inMarket && price > upper && shares > 0 {
				oldShares := shares
				cash += shares * price
				shares = 0
				inMarket = false
				trades = append(trades, TradeRecord{
					Date:           s.Dates[i].Format(dateLayout),
					Action:         "SELL",
					Price:          price,
					Shares:         oldShares,
					CashAfter:      cash,
					PortfolioValue: cash,
				})
			}
		}

		equity[i] = cash + shares*price
	}

	return Series{Dates: s.Dates, Values: equity}, trades
}
