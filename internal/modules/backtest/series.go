package backtest

import (
	"math"
	"time"

	"github.com/aristath/marketdata/internal/modules/prices"
)

const dateLayout = "2006-01-02"

// Series is a dense daily price or equity curve: one value per calendar day
// between its first and last date, gaps forward-filled. Dates are UTC
// midnights in strictly ascending order.
type Series struct {
	Dates  []time.Time
	Values []float64
}

// Len returns the number of points
func (s Series) Len() int { return len(s.Dates) }

// Last returns the final value. Callers guarantee a non-empty series.
func (s Series) Last() float64 { return s.Values[len(s.Values)-1] }

// First returns the first date
func (s Series) First() time.Time { return s.Dates[0] }

// End returns the last date
func (s Series) End() time.Time { return s.Dates[len(s.Dates)-1] }

// SliceRange returns the sub-series with from <= date <= to. The result
// shares backing arrays with the receiver.
func (s Series) SliceRange(from, to time.Time) Series {
	lo := 0
	for lo < len(s.Dates) && s.Dates[lo].Before(from) {
		lo++
	}
	hi := len(s.Dates)
	for hi > lo && s.Dates[hi-1].After(to) {
		hi--
	}
	return Series{Dates: s.Dates[lo:hi], Values: s.Values[lo:hi]}
}

// Points renders the series as a wire equity curve, values rounded to cents.
func (s Series) Points() []EquityPoint {
	points := make([]EquityPoint, s.Len())
	for i := range s.Dates {
		points[i] = EquityPoint{
			Date:  s.Dates[i].Format(dateLayout),
			Value: roundCents(s.Values[i]),
		}
	}
	return points
}

// BuildSeries turns sorted (date, adj_close) rows into a dense daily series:
// duplicate dates keep their first row, and every calendar day between the
// first and last observation is filled with the most recent close.
func BuildSeries(rows []prices.DatePrice) Series {
	parsed := make([]time.Time, 0, len(rows))
	values := make([]float64, 0, len(rows))
	var lastDate time.Time

	for _, row := range rows {
		d, err := time.ParseInLocation(dateLayout, row.Date, time.UTC)
		if err != nil {
			continue
		}
		if len(parsed) > 0 && !d.After(lastDate) {
			continue // duplicate or out-of-order date, first row wins
		}
		parsed = append(parsed, d)
		values = append(values, row.AdjClose)
		lastDate = d
	}

	if len(parsed) == 0 {
		return Series{}
	}

	first, last := parsed[0], parsed[len(parsed)-1]
	n := int(last.Sub(first).Hours()/24) + 1

	dates := make([]time.Time, 0, n)
	filled := make([]float64, 0, n)
	src := 0
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		for src+1 < len(parsed) && !parsed[src+1].After(d) {
			src++
		}
		dates = append(dates, d)
		filled = append(filled, values[src])
	}

	return Series{Dates: dates, Values: filled}
}

// intersectRange returns the date span shared by all series. Since every
// series is dense daily, the intersection is the overlap of their ranges.
func intersectRange(series []Series) (from, to time.Time, ok bool) {
	for i, s := range series {
		if s.Len() == 0 {
			return time.Time{}, time.Time{}, false
		}
		if i == 0 || s.First().After(from) {
			from = s.First()
		}
		if i == 0 || s.End().Before(to) {
			to = s.End()
		}
	}
	return from, to, !from.After(to)
}

// periodStarts returns the monthly or quarterly period-start dates within
// [first, last], always including first itself.
func periodStarts(first, last time.Time, interval string) []time.Time {
	starts := []time.Time{first}

	// First period boundary strictly after the month/quarter containing first.
	d := time.Date(first.Year(), first.Month(), 1, 0, 0, 0, 0, time.UTC)
	step := 1
	if interval == RebalanceQuarterly {
		// Snap to the start of the calendar quarter.
		q := (int(d.Month()) - 1) / 3
		d = time.Date(d.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, time.UTC)
		step = 3
	}

	for !d.After(last) {
		if d.After(first) {
			starts = append(starts, d)
		}
		d = d.AddDate(0, step, 0)
	}

	return starts
}

// roundCents rounds a monetary value to two decimals
func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
