package timeseries

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type seriesKey struct {
	asset   string
	measure string
}

// MemoryStore keeps series in process. It backs tests and the "memory" driver for dry runs.
type MemoryStore struct {
	mu     sync.RWMutex
	series map[seriesKey][]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{series: make(map[seriesKey][]Record)}
}

func (m *MemoryStore) Write(ctx context.Context, records []Record) (WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var result WriteResult
	for i, rec := range records {
		if err := validate(rec); err != nil {
			result.Rejected = append(result.Rejected, Rejection{Index: i, Reason: err.Error()})
			continue
		}
		if rec.ValueType == "" {
			rec.ValueType = ValueTypeDouble
		}

		key := seriesKey{asset: rec.Asset, measure: rec.Measure}
		series := m.series[key]
		idx := sort.Search(len(series), func(j int) bool { return !series[j].Time.Before(rec.Time) })
		if idx < len(series) && series[idx].Time.Equal(rec.Time) {
			if series[idx].Version >= rec.Version {
				result.Rejected = append(result.Rejected, Rejection{Index: i, Reason: "version not newer than stored record"})
				continue
			}
			series[idx] = rec
		} else {
			series = append(series, Record{})
			copy(series[idx+1:], series[idx:])
			series[idx] = rec
		}
		m.series[key] = series
		result.Accepted++
	}

	return result, nil
}

func (m *MemoryStore) TrailingMean(ctx context.Context, q Query) (Aggregate, error) {
	records, err := m.Latest(ctx, q)
	if err != nil {
		return Aggregate{}, err
	}
	if len(records) == 0 {
		return Aggregate{}, nil
	}

	sum := decimal.Zero
	for _, rec := range records {
		sum = sum.Add(rec.Value)
	}
	return Aggregate{
		Mean:   sum.Div(decimal.NewFromInt(int64(len(records)))),
		Count:  len(records),
		Latest: records[0].Time,
	}, nil
}

func (m *MemoryStore) Latest(ctx context.Context, q Query) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	until := q.until(time.Now())
	series := m.series[seriesKey{asset: q.Asset, measure: q.Measure}]

	out := make([]Record, 0)
	for i := len(series) - 1; i >= 0; i-- {
		rec := series[i]
		if rec.Time.After(until) {
			continue
		}
		if !rec.Time.After(q.Since) {
			break
		}
		out = append(out, rec)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() {}
