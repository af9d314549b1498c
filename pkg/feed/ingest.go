package feed

import (
	"context"
	"fmt"

	"github.com/gregtusar/smacross/pkg/metrics"
	"github.com/gregtusar/smacross/pkg/models"
	"github.com/gregtusar/smacross/pkg/timeseries"
	"github.com/sirupsen/logrus"
)

// Source produces the current price of every configured asset.
type Source interface {
	Poll(ctx context.Context) ([]models.PricePoint, error)
}

// Ingestor appends raw prices to the time-series store.
type Ingestor struct {
	store   timeseries.Store
	measure string
	logger  *logrus.Logger
}

func NewIngestor(store timeseries.Store, measure string, logger *logrus.Logger) *Ingestor {
	return &Ingestor{store: store, measure: measure, logger: logger}
}

// Append writes points as price records. A point repeated at the same timestamp is rejected by
// the store and reported, not retried.
func (i *Ingestor) Append(ctx context.Context, points []models.PricePoint) (timeseries.WriteResult, error) {
	if len(points) == 0 {
		return timeseries.WriteResult{}, nil
	}

	records := make([]timeseries.Record, 0, len(points))
	for _, p := range points {
		records = append(records, timeseries.Record{
			Time:      p.Timestamp,
			Asset:     p.Asset,
			Measure:   i.measure,
			Value:     p.Price,
			ValueType: timeseries.ValueTypeDouble,
			Version:   p.Timestamp.UnixMilli(),
		})
	}

	result, err := i.store.Write(ctx, records)
	if err != nil {
		return result, fmt.Errorf("%w: %v", models.ErrStoreWrite, err)
	}

	rejected := make(map[int]bool, len(result.Rejected))
	for _, r := range result.Rejected {
		rejected[r.Index] = true
	}
	for idx, p := range points {
		if !rejected[idx] {
			metrics.PricesIngested.WithLabelValues(p.Asset).Inc()
		}
	}

	if rejErr := result.Err(); rejErr != nil {
		i.logger.WithError(rejErr).Debug("Some price samples were rejected")
	}
	return result, nil
}

// PollOnce fetches from src and appends what it got.
func (i *Ingestor) PollOnce(ctx context.Context, src Source) error {
	points, err := src.Poll(ctx)
	if err != nil && len(points) == 0 {
		return fmt.Errorf("failed to poll prices: %w", err)
	}

	result, err := i.Append(ctx, points)
	if err != nil {
		return err
	}
	i.logger.WithFields(logrus.Fields{
		"accepted": result.Accepted,
		"rejected": len(result.Rejected),
	}).Info("Ingested prices")
	return nil
}

// Consume appends points from a stream until it closes or ctx is cancelled.
func (i *Ingestor) Consume(ctx context.Context, points <-chan models.PricePoint) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-points:
			if !ok {
				return nil
			}
			if _, err := i.Append(ctx, []models.PricePoint{p}); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				i.logger.WithError(err).WithField("asset", p.Asset).Error("Failed to append streamed price")
			}
		}
	}
}
