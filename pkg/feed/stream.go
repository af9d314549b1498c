package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/smacross/pkg/models"
	coinbasepro "github.com/preichenberger/go-coinbasepro/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const pingInterval = 30 * time.Second

type StreamConfig struct {
	URL      string
	Assets   []string
	Products Products
	Auth     *JWTAuthenticator
}

// Streamer subscribes to the ticker channel and emits a PricePoint per ticker message.
type Streamer struct {
	url     string
	assets  map[string]string
	auth    *JWTAuthenticator
	dialer  websocket.Dialer
	logger  *logrus.Logger
	writeMu sync.Mutex
}

type subscribeMessage struct {
	coinbasepro.Message
	JWT string `json:"jwt,omitempty"`
}

func NewStreamer(cfg StreamConfig, logger *logrus.Logger) (*Streamer, error) {
	byProduct := make(map[string]string, len(cfg.Assets))
	for _, asset := range cfg.Assets {
		product := cfg.Products[asset]
		if product == "" {
			return nil, fmt.Errorf("no product configured for asset %s", asset)
		}
		byProduct[product] = asset
	}

	return &Streamer{
		url:    cfg.URL,
		assets: byProduct,
		auth:   cfg.Auth,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
	}, nil
}

// Run streams until ctx is cancelled or the connection fails.
func (s *Streamer) Run(ctx context.Context, out chan<- models.PricePoint) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}
	defer conn.Close()

	if err := s.subscribe(conn); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go s.keepAlive(conn, done)

	for {
		var msg coinbasepro.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read websocket message: %w", err)
		}

		switch msg.Type {
		case "subscriptions":
			s.logger.WithField("products", len(s.assets)).Info("Subscribed to ticker channel")
		case "error":
			return fmt.Errorf("feed error: %s", msg.Message)
		case "ticker":
			point, ok := s.toPoint(msg)
			if !ok {
				continue
			}
			select {
			case out <- point:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *Streamer) subscribe(conn *websocket.Conn) error {
	products := make([]string, 0, len(s.assets))
	for product := range s.assets {
		products = append(products, product)
	}

	sub := subscribeMessage{Message: coinbasepro.Message{
		Type: "subscribe",
		Channels: []coinbasepro.MessageChannel{
			{Name: "heartbeat", ProductIds: products},
			{Name: "ticker", ProductIds: products},
		},
	}}
	if s.auth != nil {
		token, err := s.auth.Token("")
		if err != nil {
			return err
		}
		sub.JWT = token
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	return nil
}

func (s *Streamer) toPoint(msg coinbasepro.Message) (models.PricePoint, bool) {
	asset, ok := s.assets[msg.ProductID]
	if !ok {
		return models.PricePoint{}, false
	}

	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		s.logger.WithError(err).WithField("product", msg.ProductID).Warn("Ignoring ticker with bad price")
		return models.PricePoint{}, false
	}

	ts := msg.Time.Time()
	if ts.IsZero() {
		ts = time.Now()
	}
	return models.PricePoint{Timestamp: ts.UTC(), Asset: asset, Price: price}, true
}

func (s *Streamer) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.WithError(err).Warn("Failed to send ping")
				return
			}
		}
	}
}
