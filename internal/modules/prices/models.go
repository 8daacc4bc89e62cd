package prices

// StockPrice is one daily OHLCV row for a symbol. Open, High and Low may be
// missing in source files; Close and AdjClose are always present (rows
// without them are dropped at ingestion). The row id and owning import are
// internal bookkeeping and never serialized.
type StockPrice struct {
	ID           int64    `json:"-"`
	Symbol       string   `json:"symbol"`
	SecurityName string   `json:"security_name"`
	Date         string   `json:"date"` // YYYY-MM-DD
	Open         *float64 `json:"open"`
	High         *float64 `json:"high"`
	Low          *float64 `json:"low"`
	Close        float64  `json:"close"`
	AdjClose     float64  `json:"adj_close"`
	Volume       int64    `json:"volume"`
	ImportID     string   `json:"-"`
}

// DatePrice is the thin projection the backtest engine consumes.
type DatePrice struct {
	Date     string // YYYY-MM-DD
	AdjClose float64
}

// Filter narrows list and count queries. Empty fields are ignored.
type Filter struct {
	Symbol   string
	DateFrom string // YYYY-MM-DD, inclusive
	DateTo   string // YYYY-MM-DD, inclusive
}

// IsEmpty reports whether the filter has no criteria at all
func (f Filter) IsEmpty() bool {
	return f.Symbol == "" && f.DateFrom == "" && f.DateTo == ""
}

// DateRange describes the span of stored data for one symbol.
type DateRange struct {
	Symbol     string `json:"symbol"`
	MinDate    string `json:"min_date"`
	MaxDate    string `json:"max_date"`
	DataPoints int64  `json:"data_points"`
}
