package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gregtusar/smacross/internal/config"
	"github.com/gregtusar/smacross/pkg/feed"
	"github.com/gregtusar/smacross/pkg/kvstore"
	"github.com/gregtusar/smacross/pkg/ledger"
	"github.com/gregtusar/smacross/pkg/models"
	"github.com/gregtusar/smacross/pkg/sma"
	"github.com/gregtusar/smacross/pkg/timeseries"
	"github.com/gregtusar/smacross/pkg/trader"
	"github.com/sirupsen/logrus"
)

// app holds the components every command is built from.
type app struct {
	cfg         *config.Config
	logger      *logrus.Logger
	series      timeseries.Store
	kv          kvstore.Store
	journal     trader.Journal
	engine      *sma.Engine
	coordinator *trader.Coordinator
	ingestor    *feed.Ingestor
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var err error
	if a.series, err = openTimeseries(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if a.kv, err = openState(cfg, logger); err != nil {
		a.series.Close()
		return nil, err
	}

	if cfg.Journal.Path != "" {
		if a.journal, err = trader.OpenFileJournal(cfg.Journal.Path); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.engine = sma.NewEngine(a.series, sma.Options{
		Assets:            cfg.Assets,
		Windows:           []models.Window{cfg.ShortWindow(), cfg.LongWindow()},
		PriceMeasure:      cfg.Averages.PriceMeasure,
		SampleInterval:    cfg.Averages.SampleInterval,
		HorizonMultiplier: cfg.Averages.HorizonMultiplier,
	}, logger)

	l := ledger.New(a.kv, cfg.Trading.BalanceKey, cfg.InitialBalance(), cfg.Trading.CASRetries, logger)
	a.coordinator = trader.NewCoordinator(a.series, trader.NewStateRepository(a.kv), l, a.journal, trader.Options{
		Assets:          cfg.Assets,
		Short:           cfg.ShortWindow(),
		Long:            cfg.LongWindow(),
		PriceMeasure:    cfg.Averages.PriceMeasure,
		TradeFraction:   cfg.TradeFraction(),
		AverageLookback: cfg.Averages.Lookback,
		PriceLookback:   cfg.Trading.PriceLookback,
		AssetTimeout:    cfg.Trading.AssetTimeout,
	}, logger)

	a.ingestor = feed.NewIngestor(a.series, cfg.Averages.PriceMeasure, logger)
	return a, nil
}

func (a *app) Close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close decision journal")
		}
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close state store")
		}
	}
	if a.series != nil {
		a.series.Close()
	}
}

func (a *app) smaJob(interval time.Duration) trader.Job {
	return trader.Job{
		Name:     "sma",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := a.engine.Run(ctx)
			return err
		},
	}
}

func (a *app) ingestJob(interval time.Duration) (trader.Job, error) {
	auth, err := feedAuth(a.cfg)
	if err != nil {
		return trader.Job{}, err
	}
	poller, err := feed.NewPoller(feed.PollerConfig{
		BaseURL:   a.cfg.Feed.BaseURL,
		Assets:    a.cfg.Assets,
		Products:  a.cfg.Feed.Products,
		RateLimit: a.cfg.Feed.RateLimit,
		Burst:     a.cfg.Feed.Burst,
		Timeout:   a.cfg.Feed.Timeout,
		Auth:      auth,
	}, a.logger)
	if err != nil {
		return trader.Job{}, err
	}

	return trader.Job{
		Name:     "ingest",
		Interval: interval,
		Run: func(ctx context.Context) error {
			return a.ingestor.PollOnce(ctx, poller)
		},
	}, nil
}

// startStream consumes the websocket feed in the background, reconnecting after failures.
func (a *app) startStream(ctx context.Context) error {
	auth, err := feedAuth(a.cfg)
	if err != nil {
		return err
	}
	streamer, err := feed.NewStreamer(feed.StreamConfig{
		URL:      a.cfg.Feed.WebSocketURL,
		Assets:   a.cfg.Assets,
		Products: a.cfg.Feed.Products,
		Auth:     auth,
	}, a.logger)
	if err != nil {
		return err
	}

	points := make(chan models.PricePoint, 64)
	go func() {
		if err := a.ingestor.Consume(ctx, points); err != nil && ctx.Err() == nil {
			a.logger.WithError(err).Error("Price consumer stopped")
		}
	}()
	go func() {
		for {
			err := streamer.Run(ctx, points)
			if ctx.Err() != nil {
				return
			}
			a.logger.WithError(err).Warn("Price stream disconnected, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.cfg.Schedule.IngestInterval):
			}
		}
	}()
	return nil
}

func openTimeseries(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (timeseries.Store, error) {
	switch cfg.Timeseries.Driver {
	case "memory":
		logger.Warn("Using in-memory time-series store; prices are lost on exit")
		return timeseries.NewMemoryStore(), nil
	case "postgres":
		store, err := timeseries.NewPostgresStore(ctx, cfg.Timeseries.DSN, logger)
		if err != nil {
			return nil, err
		}
		if cfg.Timeseries.Migrate {
			if err := store.Migrate(ctx); err != nil {
				store.Close()
				return nil, err
			}
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown timeseries driver %q", cfg.Timeseries.Driver)
}

func openState(cfg *config.Config, logger *logrus.Logger) (kvstore.Store, error) {
	switch cfg.State.Driver {
	case "memory":
		logger.Warn("Using in-memory state store; positions and balance are lost on exit")
		return kvstore.NewMemoryStore(), nil
	case "nats":
		return kvstore.NewNATSStore(cfg.State.URL, cfg.State.Bucket, cfg.State.Timeout, logger)
	}
	return nil, fmt.Errorf("unknown state driver %q", cfg.State.Driver)
}

func feedAuth(cfg *config.Config) (*feed.JWTAuthenticator, error) {
	if !cfg.HasFeedCredentials() {
		return nil, nil
	}
	return feed.NewJWTAuthenticator(cfg.Feed.APIKeyName, cfg.Feed.PrivateKeyPEM)
}
