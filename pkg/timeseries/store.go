package timeseries

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gregtusar/smacross/pkg/models"
	"github.com/shopspring/decimal"
)

type ValueType string

const ValueTypeDouble ValueType = "DOUBLE"

// Record is one measurement tagged with its asset and measure name. Version breaks ties between
// writes that share a timestamp: the higher version wins.
type Record struct {
	Time      time.Time
	Asset     string
	Measure   string
	Value     decimal.Decimal
	ValueType ValueType
	Version   int64
}

type Rejection struct {
	Index  int
	Reason string
}

type WriteResult struct {
	Accepted int
	Rejected []Rejection
}

// Err reports rejected records as models.ErrPartialRejection, or nil when every record landed.
func (r WriteResult) Err() error {
	if len(r.Rejected) == 0 {
		return nil
	}
	reasons := make([]string, 0, len(r.Rejected))
	for _, rej := range r.Rejected {
		reasons = append(reasons, fmt.Sprintf("#%d: %s", rej.Index, rej.Reason))
	}
	return fmt.Errorf("%w: %d accepted, %d rejected (%s)",
		models.ErrPartialRejection, r.Accepted, len(r.Rejected), strings.Join(reasons, "; "))
}

// Query selects records of one measure for one asset in the half-open range (Since, Until].
// A zero Until means now; a zero Limit means unbounded.
type Query struct {
	Asset   string
	Measure string
	Since   time.Time
	Until   time.Time
	Limit   int
}

type Aggregate struct {
	Mean   decimal.Decimal
	Count  int
	Latest time.Time
}

// Store is the time-series backend used for prices and derived averages.
type Store interface {
	// Write appends records. Invalid or superseded records are reported in the result rather
	// than failing the batch; the error is reserved for the store itself failing.
	Write(ctx context.Context, records []Record) (WriteResult, error)

	// TrailingMean averages the newest q.Limit records matching q.
	TrailingMean(ctx context.Context, q Query) (Aggregate, error)

	// Latest returns up to q.Limit records matching q, newest first.
	Latest(ctx context.Context, q Query) ([]Record, error)

	Close()
}

func validate(r Record) error {
	switch {
	case r.Asset == "":
		return fmt.Errorf("missing asset")
	case r.Measure == "":
		return fmt.Errorf("missing measure name")
	case r.Time.IsZero():
		return fmt.Errorf("missing timestamp")
	case r.ValueType != "" && r.ValueType != ValueTypeDouble:
		return fmt.Errorf("unsupported value type %s", r.ValueType)
	}
	return nil
}

func (q Query) until(now time.Time) time.Time {
	if q.Until.IsZero() {
		return now
	}
	return q.Until
}
