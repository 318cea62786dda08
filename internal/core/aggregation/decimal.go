package aggregation

import (
	"time"

	"github.com/shopspring/decimal"
)

// OldDatetime stands in for "never modified". Any real modification compares after it.
var OldDatetime = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

var one = decimal.NewFromInt(1)

// Stats is the (earned, possible, last_modified) triple produced by evaluating a tree node.
type Stats struct {
	Earned       decimal.Decimal
	Possible     decimal.Decimal
	LastModified time.Time
}

// EmptyStats returns the stats of a node that contributes nothing.
func EmptyStats() Stats {
	return Stats{Earned: decimal.Zero, Possible: decimal.Zero, LastModified: OldDatetime}
}

// Add folds o into s: earned and possible sum, last_modified takes the max.
func (s Stats) Add(o Stats) Stats {
	out := Stats{
		Earned:       s.Earned.Add(o.Earned),
		Possible:     s.Possible.Add(o.Possible),
		LastModified: s.LastModified,
	}
	if o.LastModified.After(out.LastModified) {
		out.LastModified = o.LastModified
	}
	return out
}

// Percent returns earned/possible, or 1 when nothing is possible.
// An empty container is vacuously complete.
func Percent(earned, possible decimal.Decimal) decimal.Decimal {
	if !possible.IsPositive() {
		return one
	}
	return earned.Div(possible)
}

// CompletionValue converts a leaf completion fraction to an exact decimal.
// JSON numbers decode to float64; NewFromFloat keeps the shortest exact representation.
func CompletionValue(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}
