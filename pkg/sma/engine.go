package sma

import (
	"context"
	"fmt"
	"time"

	"github.com/gregtusar/smacross/pkg/metrics"
	"github.com/gregtusar/smacross/pkg/models"
	"github.com/gregtusar/smacross/pkg/timeseries"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Assets       []string
	Windows      []models.Window
	PriceMeasure string
	// SampleInterval is the expected spacing between price samples.
	SampleInterval time.Duration
	// HorizonMultiplier bounds how far back a window may reach, in multiples of its size.
	HorizonMultiplier int
}

type Engine struct {
	store  timeseries.Store
	opts   Options
	logger *logrus.Logger
	now    func() time.Time
}

type RunReport struct {
	Records  []models.AverageRecord
	Accepted int
	Rejected []timeseries.Rejection
}

func NewEngine(store timeseries.Store, opts Options, logger *logrus.Logger) *Engine {
	return &Engine{
		store:  store,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Horizon is how far back samples may be used for a window.
func (e *Engine) Horizon(window models.Window) time.Duration {
	return time.Duration(e.opts.HorizonMultiplier*window.Size) * e.opts.SampleInterval
}

// ComputeAverage returns the mean of the trailing window.Size price samples as of now, or nil
// when the horizon holds no samples.
func (e *Engine) ComputeAverage(ctx context.Context, asset string, window models.Window) (*models.AverageRecord, error) {
	now := e.now()
	log := e.logger.WithFields(logrus.Fields{"asset": asset, "window": window.Label})

	agg, err := e.store.TrailingMean(ctx, timeseries.Query{
		Asset:   asset,
		Measure: e.opts.PriceMeasure,
		Since:   now.Add(-e.Horizon(window)),
		Until:   now,
		Limit:   window.Size,
	})
	if err != nil {
		log.WithError(err).Error("Failed to calculate moving average")
		return nil, fmt.Errorf("%w: %v", models.ErrQuery, err)
	}
	if agg.Count == 0 {
		log.Warn("No price samples within horizon")
		return nil, nil
	}
	if agg.Count < window.Size {
		log.WithField("samples", agg.Count).Debug("Averaging a partially filled window")
	}

	return &models.AverageRecord{
		Timestamp: now.Truncate(time.Millisecond),
		Asset:     asset,
		Window:    window.Label,
		Value:     agg.Mean,
		Version:   now.Unix(),
	}, nil
}

// Run computes every configured window for every asset and writes the results in one batch.
// Failed computations are skipped; rejected records are logged and not retried.
func (e *Engine) Run(ctx context.Context) (RunReport, error) {
	var report RunReport
	records := make([]timeseries.Record, 0, len(e.opts.Assets)*len(e.opts.Windows))

	for _, asset := range e.opts.Assets {
		for _, window := range e.opts.Windows {
			avg, err := e.ComputeAverage(ctx, asset, window)
			if err != nil || avg == nil {
				continue
			}
			report.Records = append(report.Records, *avg)
			records = append(records, timeseries.Record{
				Time:      avg.Timestamp,
				Asset:     asset,
				Measure:   window.Measure,
				Value:     avg.Value,
				ValueType: timeseries.ValueTypeDouble,
				Version:   avg.Version,
			})
		}
	}

	if len(records) == 0 {
		e.logger.Warn("No moving averages to write")
		return report, nil
	}

	result, err := e.store.Write(ctx, records)
	report.Accepted = result.Accepted
	report.Rejected = result.Rejected
	metrics.AverageRecords.WithLabelValues("accepted").Add(float64(result.Accepted))
	metrics.AverageRecords.WithLabelValues("rejected").Add(float64(len(result.Rejected)))
	if err != nil {
		e.logger.WithError(err).Error("Failed to write moving averages")
		return report, fmt.Errorf("%w: %v", models.ErrStoreWrite, err)
	}

	if rejErr := result.Err(); rejErr != nil {
		e.logger.WithError(rejErr).Warn("Some moving averages were rejected")
	} else {
		e.logger.WithField("records", result.Accepted).Info("Wrote moving averages")
	}
	return report, nil
}
