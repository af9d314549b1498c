package feed

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gregtusar/smacross/pkg/models"
	coinbasepro "github.com/preichenberger/go-coinbasepro/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Products maps asset identifiers to exchange product ids, e.g. bitcoin -> BTC-USD.
type Products map[string]string

type PollerConfig struct {
	BaseURL   string
	Assets    []string
	Products  Products
	RateLimit float64
	Burst     int
	Timeout   time.Duration
	Auth      *JWTAuthenticator
}

// Poller fetches the last trade price of each asset from the REST ticker endpoint.
type Poller struct {
	client   *coinbasepro.Client
	assets   []string
	products Products
	limiter  *rate.Limiter
	logger   *logrus.Logger
	now      func() time.Time
}

func NewPoller(cfg PollerConfig, logger *logrus.Logger) (*Poller, error) {
	for _, asset := range cfg.Assets {
		if cfg.Products[asset] == "" {
			return nil, fmt.Errorf("no product configured for asset %s", asset)
		}
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	if cfg.Auth != nil {
		httpClient.Transport = &authTransport{base: http.DefaultTransport, auth: cfg.Auth}
	}

	client := coinbasepro.NewClient()
	client.HTTPClient = httpClient
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}

	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &Poller{
		client:   client,
		assets:   cfg.Assets,
		products: cfg.Products,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), burst),
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Poll returns one price per asset that could be fetched. It only fails when every asset failed.
func (p *Poller) Poll(ctx context.Context) ([]models.PricePoint, error) {
	points := make([]models.PricePoint, 0, len(p.assets))
	var lastErr error

	for _, asset := range p.assets {
		if err := p.limiter.Wait(ctx); err != nil {
			return points, err
		}

		point, err := p.fetch(asset)
		if err != nil {
			p.logger.WithError(err).WithField("asset", asset).Error("Failed to get ticker")
			lastErr = err
			continue
		}
		points = append(points, point)
	}

	if len(points) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return points, nil
}

func (p *Poller) fetch(asset string) (models.PricePoint, error) {
	product := p.products[asset]
	ticker, err := p.client.GetTicker(product)
	if err != nil {
		return models.PricePoint{}, fmt.Errorf("ticker %s: %w", product, err)
	}

	price, err := decimal.NewFromString(ticker.Price)
	if err != nil {
		return models.PricePoint{}, fmt.Errorf("ticker %s: invalid price %q: %w", product, ticker.Price, err)
	}

	ts := ticker.Time.Time()
	if ts.IsZero() {
		ts = p.now()
	}

	return models.PricePoint{Timestamp: ts.UTC(), Asset: asset, Price: price}, nil
}
