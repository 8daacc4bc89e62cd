// Package backtest simulates trading strategies over stored price history
// and scores the resulting equity curves.
package backtest

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/marketdata/internal/modules/prices"
)

// Engine runs strategy simulations against the price store.
type Engine struct {
	repo *prices.Repository
	log  zerolog.Logger
}

// NewEngine creates a backtest engine
func NewEngine(repo *prices.Repository, log zerolog.Logger) *Engine {
	return &Engine{
		repo: repo,
		log:  log.With().Str("component", "backtest").Logger(),
	}
}

// fetchSeries loads the dense daily adjusted-close series for one symbol
func (e *Engine) fetchSeries(ctx context.Context, symbol, from, to string) (Series, error) {
	rows, err := e.repo.FindRange(ctx, symbol, from, to)
	if err != nil {
		return Series{}, fmt.Errorf("failed to fetch prices for %s: %w", symbol, err)
	}
	return BuildSeries(rows), nil
}

// runStrategy dispatches to the strategy implementation. The returned total
// invested equals the initial capital except for DCA, where it is the sum of
// all injections.
func runStrategy(s Series, strategy string, params StrategyParams, initialCapital float64) (Series, []TradeRecord, float64, *Error) {
	switch strategy {
	case StrategyBuyAndHold:
		equity, trades := runBuyAndHold(s, initialCapital)
		return equity, trades, initialCapital, nil
	case StrategyDCA:
		equity, trades, injected := runDCA(s, *params.DCA)
		return equity, trades, injected, nil
	case StrategyMACrossover:
		equity, trades := runMACrossover(s, initialCapital, *params.MA)
		return equity, trades, initialCapital, nil
	case StrategyRSI:
		equity, trades := runRSI(s, initialCapital, *params.RSI)
		return equity, trades, initialCapital, nil
	case StrategyBollingerBands:
		equity, trades := runBollinger(s, initialCapital, *params.Bollinger)
		return equity, trades, initialCapital, nil
	default:
		return Series{}, nil, 0, errBadRequest("Unknown strategy.")
	}
}

// checkMinData enforces the per-strategy minimum history requirements.
// Applied on the single-run path only; compare runs whatever it is given and
// lets indicator warm-up produce a flat, trade-free curve instead.
func checkMinData(s Series, strategy string, params StrategyParams) *Error {
	switch strategy {
	case StrategyMACrossover:
		if s.Len() < params.MA.LongWindow {
			return errUnprocessable(fmt.Sprintf(
				"Not enough data for a %d-day long MA. Only %d data points available.",
				params.MA.LongWindow, s.Len()))
		}
	case StrategyRSI:
		if s.Len() < params.RSI.RSIPeriod*3 {
			return errUnprocessable(fmt.Sprintf(
				"Not enough data for RSI-%d. Only %d data points available.",
				params.RSI.RSIPeriod, s.Len()))
		}
	case StrategyBollingerBands:
		if s.Len() < params.Bollinger.BBWindow*2 {
			return errUnprocessable(fmt.Sprintf(
				"Not enough data for Bollinger Bands with window %d. Only %d data points available.",
				params.Bollinger.BBWindow, s.Len()))
		}
	}
	return nil
}

// buildResponse assembles the wire result for one simulation, rounding
// monetary values to cents.
func buildResponse(req shared, strategy string, equity Series, trades []TradeRecord, totalInvested float64) BacktestResponse {
	return BacktestResponse{
		Symbol:         req.symbol,
		SecurityName:   req.securityName,
		Strategy:       strategy,
		DateFrom:       req.dateFrom,
		DateTo:         req.dateTo,
		InitialCapital: req.initialCapital,
		TotalInvested:  roundCents(totalInvested),
		FinalValue:     roundCents(equity.Last()),
		EquityCurve:    equity.Points(),
		Metrics:        computeMetrics(equity, trades, totalInvested),
		Trades:         ensureTrades(trades),
	}
}

// shared is the per-request context common to all strategy runs
type shared struct {
	symbol         string
	securityName   *string
	dateFrom       string
	dateTo         string
	initialCapital float64
}

// Run executes one simulation: fetch, guard, simulate, score.
func (e *Engine) Run(ctx context.Context, req *BacktestRequest) (*BacktestResponse, error) {
	params, perr := ParseStrategyParams(req.Strategy, req.StrategyParams)
	if perr != nil {
		return nil, perr
	}

	symbol := normalizeSymbol(req.Symbol)
	series, err := e.fetchSeries(ctx, symbol, req.DateFrom, req.DateTo)
	if err != nil {
		return nil, err
	}
	if series.Len() < 2 {
		return nil, errUnprocessable("Not enough price data in the selected date range.")
	}
	if perr := checkMinData(series, req.Strategy, params); perr != nil {
		return nil, perr
	}

	equity, trades, totalInvested, perr := runStrategy(series, req.Strategy, params, req.InitialCapital)
	if perr != nil {
		return nil, perr
	}

	resp := buildResponse(shared{
		symbol:         symbol,
		securityName:   e.repo.FindFirstSecurityName(ctx, symbol, req.DateFrom, req.DateTo),
		dateFrom:       req.DateFrom,
		dateTo:         req.DateTo,
		initialCapital: req.InitialCapital,
	}, req.Strategy, equity, trades, totalInvested)

	e.log.Info().
		Str("symbol", symbol).
		Str("strategy", req.Strategy).
		Int("days", series.Len()).
		Int("trades", len(trades)).
		Msg("Backtest completed")
	return &resp, nil
}

// Compare fetches the dataset once and runs every requested strategy
// against it, preserving request order in the results.
func (e *Engine) Compare(ctx context.Context, req *CompareRequest) (*CompareResponse, error) {
	// Validate every config up front so parameter errors are deterministic
	// regardless of run scheduling.
	parsed := make([]StrategyParams, len(req.Strategies))
	for i, cfg := range req.Strategies {
		params, perr := ParseStrategyParams(cfg.Strategy, cfg.StrategyParams)
		if perr != nil {
			return nil, perr
		}
		parsed[i] = params
	}

	symbol := normalizeSymbol(req.Symbol)
	series, err := e.fetchSeries(ctx, symbol, req.DateFrom, req.DateTo)
	if err != nil {
		return nil, err
	}
	if series.Len() < 2 {
		return nil, errUnprocessable("Not enough price data in the selected date range.")
	}

	sh := shared{
		symbol:         symbol,
		securityName:   e.repo.FindFirstSecurityName(ctx, symbol, req.DateFrom, req.DateTo),
		dateFrom:       req.DateFrom,
		dateTo:         req.DateTo,
		initialCapital: req.InitialCapital,
	}

	results := make([]BacktestResponse, len(req.Strategies))
	g, _ := errgroup.WithContext(ctx)
	for i, cfg := range req.Strategies {
		i, cfg := i, cfg
		g.Go(func() error {
			equity, trades, totalInvested, perr := runStrategy(series, cfg.Strategy, parsed[i], req.InitialCapital)
			if perr != nil {
				return perr
			}
			results[i] = buildResponse(sh, cfg.Strategy, equity, trades, totalInvested)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &CompareResponse{
		Symbol:         symbol,
		SecurityName:   sh.securityName,
		DateFrom:       req.DateFrom,
		DateTo:         req.DateTo,
		InitialCapital: req.InitialCapital,
		Results:        results,
	}, nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func ensureTrades(trades []TradeRecord) []TradeRecord {
	if trades == nil {
		return []TradeRecord{}
	}
	return trades
}
