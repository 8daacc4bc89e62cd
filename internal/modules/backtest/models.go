package backtest

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Strategy types
const (
	StrategyBuyAndHold     = "buy_and_hold"
	StrategyDCA            = "dca"
	StrategyMACrossover    = "ma_crossover"
	StrategyRSI            = "rsi"
	StrategyBollingerBands = "bollinger_bands"
)

// DCA intervals
const (
	IntervalWeekly    = "weekly"
	IntervalMonthly   = "monthly"
	IntervalQuarterly = "quarterly"
)

// Rebalance intervals
const (
	RebalanceMonthly   = "monthly"
	RebalanceQuarterly = "quarterly"
)

// Error is a request-mappable domain error carrying the HTTP status the
// handler should answer with.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string { return e.Detail }

func errBadRequest(detail string) *Error {
	return &Error{Status: http.StatusBadRequest, Detail: detail}
}

func errNotFound(detail string) *Error {
	return &Error{Status: http.StatusNotFound, Detail: detail}
}

func errUnprocessable(detail string) *Error {
	return &Error{Status: http.StatusUnprocessableEntity, Detail: detail}
}

// BacktestRequest is the payload to run a single-symbol simulation.
type BacktestRequest struct {
	Symbol         string          `json:"symbol"`
	DateFrom       string          `json:"date_from"`
	DateTo         string          `json:"date_to"`
	InitialCapital float64         `json:"initial_capital"`
	Strategy       string          `json:"strategy"`
	StrategyParams json.RawMessage `json:"strategy_params"`
}

// StrategyConfig is one strategy entry in a compare request.
type StrategyConfig struct {
	Strategy       string          `json:"strategy"`
	StrategyParams json.RawMessage `json:"strategy_params"`
}

// CompareRequest runs several strategies against the same dataset.
type CompareRequest struct {
	Symbol         string           `json:"symbol"`
	DateFrom       string           `json:"date_from"`
	DateTo         string           `json:"date_to"`
	InitialCapital float64          `json:"initial_capital"`
	Strategies     []StrategyConfig `json:"strategies"`
}

// Holding is one position of a portfolio request.
type Holding struct {
	Symbol string  `json:"symbol"`
	Weight float64 `json:"weight"`
}

// PortfolioRequest runs one strategy over several holdings with optional
// periodic rebalancing.
type PortfolioRequest struct {
	Holdings          []Holding       `json:"holdings"`
	DateFrom          string          `json:"date_from"`
	DateTo            string          `json:"date_to"`
	InitialCapital    float64         `json:"initial_capital"`
	Strategy          string          `json:"strategy"`
	StrategyParams    json.RawMessage `json:"strategy_params"`
	Rebalance         bool            `json:"rebalance"`
	RebalanceInterval *string         `json:"rebalance_interval"`
}

// EquityPoint is one point on the equity curve.
type EquityPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// TradeRecord is a single executed trade.
type TradeRecord struct {
	Date           string  `json:"date"`
	Action         string  `json:"action"` // "BUY" | "SELL"
	Price          float64 `json:"price"`
	Shares         float64 `json:"shares"`
	CashAfter      float64 `json:"cash_after"`
	PortfolioValue float64 `json:"portfolio_value"`
}

// PerformanceMetrics holds the risk and return statistics of one equity
// curve. Fractions, not percentages; nullable fields stay null when the
// curve or trade log cannot support them.
type PerformanceMetrics struct {
	TotalReturn  float64  `json:"total_return"`
	CAGR         float64  `json:"cagr"`
	SharpeRatio  float64  `json:"sharpe_ratio"`
	MaxDrawdown  float64  `json:"max_drawdown"`
	Volatility   float64  `json:"volatility"`
	CalmarRatio  float64  `json:"calmar_ratio"`
	BestYear     *float64 `json:"best_year"`
	WorstYear    *float64 `json:"worst_year"`
	RecoveryDays *int     `json:"recovery_days"`
	WinRate      *float64 `json:"win_rate"`
	ProfitFactor *float64 `json:"profit_factor"`
	TimeInMarket float64  `json:"time_in_market"`
}

// BacktestResponse is the full result of one simulation.
type BacktestResponse struct {
	Symbol         string             `json:"symbol"`
	SecurityName   *string            `json:"security_name"`
	Strategy       string             `json:"strategy"`
	DateFrom       string             `json:"date_from"`
	DateTo         string             `json:"date_to"`
	InitialCapital float64            `json:"initial_capital"`
	TotalInvested  float64            `json:"total_invested"`
	FinalValue     float64            `json:"final_value"`
	EquityCurve    []EquityPoint      `json:"equity_curve"`
	Metrics        PerformanceMetrics `json:"metrics"`
	Trades         []TradeRecord      `json:"trades"`
}

// CompareResponse is the multi-strategy comparison result.
type CompareResponse struct {
	Symbol         string             `json:"symbol"`
	SecurityName   *string            `json:"security_name"`
	DateFrom       string             `json:"date_from"`
	DateTo         string             `json:"date_to"`
	InitialCapital float64            `json:"initial_capital"`
	Results        []BacktestResponse `json:"results"`
}

// HoldingResult is the per-holding slice of a portfolio result.
type HoldingResult struct {
	Symbol           string             `json:"symbol"`
	SecurityName     *string            `json:"security_name"`
	Weight           float64            `json:"weight"`
	AllocatedCapital float64            `json:"allocated_capital"`
	FinalValue       float64            `json:"final_value"`
	TotalInvested    float64            `json:"total_invested"`
	EquityCurve      []EquityPoint      `json:"equity_curve"`
	Metrics          PerformanceMetrics `json:"metrics"`
}

// PortfolioResponse is the result of a multi-symbol backtest.
type PortfolioResponse struct {
	DateFrom               string             `json:"date_from"`
	DateTo                 string             `json:"date_to"`
	InitialCapital         float64            `json:"initial_capital"`
	Strategy               string             `json:"strategy"`
	Rebalance              bool               `json:"rebalance"`
	RebalanceInterval      *string            `json:"rebalance_interval"`
	PortfolioEquityCurve   []EquityPoint      `json:"portfolio_equity_curve"`
	PortfolioMetrics       PerformanceMetrics `json:"portfolio_metrics"`
	PortfolioFinalValue    float64            `json:"portfolio_final_value"`
	PortfolioTotalInvested float64            `json:"portfolio_total_invested"`
	Holdings               []HoldingResult    `json:"holdings"`
}

// ── Strategy parameters ──────────────────────────────────────────────

// DCAParams configures dollar-cost averaging.
type DCAParams struct {
	Interval string  `json:"interval"`
	Amount   float64 `json:"amount"`
}

// MACrossoverParams configures the moving-average crossover strategy.
type MACrossoverParams struct {
	ShortWindow int `json:"short_window"`
	LongWindow  int `json:"long_window"`
}

// RSIParams configures the RSI mean-reversion strategy.
type RSIParams struct {
	RSIPeriod  int     `json:"rsi_period"`
	Oversold   float64 `json:"oversold"`
	Overbought float64 `json:"overbought"`
}

// BollingerParams configures the Bollinger Bands mean-reversion strategy.
type BollingerParams struct {
	BBWindow int     `json:"bb_window"`
	BBStd    float64 `json:"bb_std"`
}

// StrategyParams is the parsed, validated parameter set for one strategy.
// Exactly one pointer is non-nil, matching the strategy type; all nil for
// buy-and-hold.
type StrategyParams struct {
	DCA       *DCAParams
	MA        *MACrossoverParams
	RSI       *RSIParams
	Bollinger *BollingerParams
}

// ParseStrategyParams decodes and validates strategy parameters, applying
// the documented defaults. An unknown strategy maps to 400, invalid
// parameters to 422.
func ParseStrategyParams(strategy string, raw json.RawMessage) (StrategyParams, *Error) {
	var out StrategyParams

	switch strategy {
	case StrategyBuyAndHold:
		return out, nil

	case StrategyDCA:
		p := DCAParams{Interval: IntervalMonthly}
		if err := decodeParams(raw, &p); err != nil {
			return out, errUnprocessable(fmt.Sprintf("Invalid DCA parameters: %v", err))
		}
		switch p.Interval {
		case IntervalWeekly, IntervalMonthly, IntervalQuarterly:
		default:
			return out, errUnprocessable(fmt.Sprintf("Invalid DCA parameters: unknown interval %q", p.Interval))
		}
		if p.Amount <= 0 {
			return out, errUnprocessable("Invalid DCA parameters: amount must be greater than 0")
		}
		out.DCA = &p
		return out, nil

	case StrategyMACrossover:
		p := MACrossoverParams{ShortWindow: 50, LongWindow: 200}
		if err := decodeParams(raw, &p); err != nil {
			return out, errUnprocessable(fmt.Sprintf("Invalid MA Crossover parameters: %v", err))
		}
		if p.ShortWindow < 5 || p.ShortWindow > 200 {
			return out, errUnprocessable("Invalid MA Crossover parameters: short_window must be between 5 and 200")
		}
		if p.LongWindow < 20 || p.LongWindow > 500 {
			return out, errUnprocessable("Invalid MA Crossover parameters: long_window must be between 20 and 500")
		}
		if p.ShortWindow >= p.LongWindow {
			return out, errUnprocessable("short_window must be less than long_window.")
		}
		out.MA = &p
		return out, nil

	case StrategyRSI:
		p := RSIParams{RSIPeriod: 14, Oversold: 30, Overbought: 70}
		if err := decodeParams(raw, &p); err != nil {
			return out, errUnprocessable(fmt.Sprintf("Invalid RSI parameters: %v", err))
		}
		if p.RSIPeriod < 2 {
			return out, errUnprocessable("Invalid RSI parameters: rsi_period must be at least 2")
		}
		if p.Oversold < 5 || p.Oversold > 49 {
			return out, errUnprocessable("Invalid RSI parameters: oversold must be between 5 and 49")
		}
		if p.Overbought < 51 || p.Overbought > 95 {
			return out, errUnprocessable("Invalid RSI parameters: overbought must be between 51 and 95")
		}
		if p.Oversold >= p.Overbought {
			return out, errUnprocessable("Invalid RSI parameters: oversold must be less than overbought")
		}
		out.RSI = &p
		return out, nil

	case StrategyBollingerBands:
		p := BollingerParams{BBWindow: 20, BBStd: 2.0}
		if err := decodeParams(raw, &p); err != nil {
			return out, errUnprocessable(fmt.Sprintf("Invalid Bollinger Bands parameters: %v", err))
		}
		if p.BBWindow < 5 || p.BBWindow > 200 {
			return out, errUnprocessable("Invalid Bollinger Bands parameters: bb_window must be between 5 and 200")
		}
		if p.BBStd < 0.5 || p.BBStd > 4.0 {
			return out, errUnprocessable("Invalid Bollinger Bands parameters: bb_std must be between 0.5 and 4.0")
		}
		out.Bollinger = &p
		return out, nil

	default:
		return out, errBadRequest("Unknown strategy.")
	}
}

func decodeParams(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
