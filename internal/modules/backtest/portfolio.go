package backtest

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// holdingState carries one holding through the portfolio simulation
type holdingState struct {
	symbol       string
	weight       float64
	securityName *string
	prices       Series

	equity        Series
	trades        []TradeRecord
	totalInvested float64
}

// RunPortfolio simulates one strategy across several holdings. Capital is
// split by weight, every holding is restricted to the strict date
// intersection, and with rebalancing enabled the combined value is pooled
// and redistributed by weight at each period boundary.
func (e *Engine) RunPortfolio(ctx context.Context, req *PortfolioRequest) (*PortfolioResponse, error) {
	params, perr := ParseStrategyParams(req.Strategy, req.StrategyParams)
	if perr != nil {
		return nil, perr
	}

	holdings := make([]*holdingState, len(req.Holdings))
	for i, h := range req.Holdings {
		holdings[i] = &holdingState{
			symbol: normalizeSymbol(h.Symbol),
			weight: h.Weight,
		}
	}

	// Fetch all series in parallel; results land in the holding slots so
	// request order is preserved.
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range holdings {
		h := h
		g.Go(func() error {
			series, err := e.fetchSeries(gctx, h.symbol, req.DateFrom, req.DateTo)
			if err != nil {
				return err
			}
			if series.Len() < 2 {
				return errUnprocessable(fmt.Sprintf(
					"Not enough price data for symbol '%s' in the selected date range.", h.symbol))
			}
			h.prices = series
			h.securityName = e.repo.FindFirstSecurityName(gctx, h.symbol, req.DateFrom, req.DateTo)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	allSeries := make([]Series, len(holdings))
	for i, h := range holdings {
		allSeries[i] = h.prices
	}
	from, to, ok := intersectRange(allSeries)
	if !ok {
		return nil, errUnprocessable("Not enough overlapping trading days across the selected symbols.")
	}
	for _, h := range holdings {
		h.prices = h.prices.SliceRange(from, to)
	}
	if holdings[0].prices.Len() < 2 {
		return nil, errUnprocessable("Not enough overlapping trading days across the selected symbols.")
	}

	if req.Rebalance {
		interval := RebalanceMonthly
		if req.RebalanceInterval != nil {
			interval = *req.RebalanceInterval
		}
		if perr := e.runRebalanced(holdings, req, params, from, to, interval); perr != nil {
			return nil, perr
		}
	} else {
		for _, h := range holdings {
			allocated := req.InitialCapital * h.weight
			equity, trades, invested, perr := runStrategy(h.prices, req.Strategy, params, allocated)
			if perr != nil {
				return nil, perr
			}
			h.equity, h.trades, h.totalInvested = equity, trades, invested
		}
	}

	portfolioEquity := sumEquity(holdings)
	portfolioInvested := 0.0
	for _, h := range holdings {
		portfolioInvested += h.totalInvested
	}

	// Portfolio-level metrics come from the summed curve alone; the
	// per-holding trade logs do not compose into portfolio round trips.
	portfolioMetrics := computeMetrics(portfolioEquity, nil, portfolioInvested)

	results := make([]HoldingResult, len(holdings))
	for i, h := range holdings {
		results[i] = HoldingResult{
			Symbol:           h.symbol,
			SecurityName:     h.securityName,
			Weight:           h.weight,
			AllocatedCapital: roundCents(req.InitialCapital * h.weight),
			FinalValue:       roundCents(h.equity.Last()),
			TotalInvested:    roundCents(h.totalInvested),
			EquityCurve:      h.equity.Points(),
			Metrics:          computeMetrics(h.equity, h.trades, h.totalInvested),
		}
	}

	resp := &PortfolioResponse{
		DateFrom:               from.Format(dateLayout),
		DateTo:                 to.Format(dateLayout),
		InitialCapital:         req.InitialCapital,
		Strategy:               req.Strategy,
		Rebalance:              req.Rebalance,
		RebalanceInterval:      req.RebalanceInterval,
		PortfolioEquityCurve:   portfolioEquity.Points(),
		PortfolioMetrics:       portfolioMetrics,
		PortfolioFinalValue:    roundCents(portfolioEquity.Last()),
		PortfolioTotalInvested: roundCents(portfolioInvested),
		Holdings:               results,
	}

	e.log.Info().
		Int("holdings", len(holdings)).
		Str("strategy", req.Strategy).
		Bool("rebalance", req.Rebalance).
		Msg("Portfolio backtest completed")
	return resp, nil
}

// runRebalanced splits the intersection into period-start sub-ranges and
// replays the strategy per holding per period. Between periods (but not
// before the first) the combined value is pooled and redistributed by
// weight; within a period each holding compounds on its own.
func (e *Engine) runRebalanced(holdings []*holdingState, req *PortfolioRequest, params StrategyParams, from, to time.Time, interval string) *Error {
	starts := periodStarts(from, to, interval)
	boundaries := append(starts, to.AddDate(0, 0, 1))

	currentCapital := make([]float64, len(holdings))
	for i, h := range holdings {
		currentCapital[i] = req.InitialCapital * h.weight
	}

	equityParts := make([][]Series, len(holdings))

	for periodIdx := 0; periodIdx+1 < len(boundaries); periodIdx++ {
		periodFrom := boundaries[periodIdx]
		periodTo := boundaries[periodIdx+1].AddDate(0, 0, -1)

		if holdings[0].prices.SliceRange(periodFrom, periodTo).Len() < 1 {
			continue
		}

		if periodIdx > 0 {
			totalValue := 0.0
			for _, c := range currentCapital {
				totalValue += c
			}
			for i, h := range holdings {
				currentCapital[i] = totalValue * h.weight
			}
		}

		for i, h := range holdings {
			sub := h.prices.SliceRange(periodFrom, periodTo)
			if sub.Len() < 1 {
				continue
			}
			equity, trades, invested, perr := runStrategy(sub, req.Strategy, params, currentCapital[i])
			if perr != nil {
				return perr
			}
			equityParts[i] = append(equityParts[i], equity)
			h.trades = append(h.trades, trades...)
			h.totalInvested += invested
			currentCapital[i] = equity.Last()
		}
	}

	for i, h := range holdings {
		h.equity = concatSeries(equityParts[i])
	}
	return nil
}

// sumEquity adds holding curves point by point. All curves share the
// intersection index, so alignment is positional.
func sumEquity(holdings []*holdingState) Series {
	base := holdings[0].equity
	values := make([]float64, base.Len())
	for _, h := range holdings {
		for i, v := range h.equity.Values {
			values[i] += v
		}
	}
	return Series{Dates: base.Dates, Values: values}
}

// concatSeries stitches consecutive sub-period curves into one
func concatSeries(parts []Series) Series {
	var out Series
	for _, p := range parts {
		out.Dates = append(out.Dates, p.Dates...)
		out.Values = append(out.Values, p.Values...)
	}
	return out
}
