package marketdata

import (
	"context"
	"math"
	"math/rand"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/krobus00/trading-core/internal/config"
	"github.com/krobus00/trading-core/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	feedReconnectMinDelay = 1 * time.Second
	feedReconnectMaxDelay = 15 * time.Second
	feedReconnectFactor   = 2.0
	feedPingInterval      = 2 * time.Minute
)

// Feed ingests venue ticks over a websocket and publishes them into the
// hub. It owns the connection lifecycle and reconnects with backoff; it
// never blocks hub readers.
type Feed struct {
	hub     *Hub
	wsHost  url.URL
	symbols []string
}

func NewFeed(hub *Hub, cfg config.VenueConfig, symbols []string) *Feed {
	return &Feed{
		hub:     hub,
		wsHost:  url.URL{Scheme: "wss", Host: cfg.WebsocketHost, Path: cfg.WebsocketPath},
		symbols: symbols,
	}
}

// Run blocks until ctx is done, reconnecting on read errors.
func (f *Feed) Run(ctx context.Context) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		delay := feedReconnectDelay(attempt, rng)
		attempt++
		logrus.WithFields(logrus.Fields{
			"attempt":  attempt,
			"retry_in": delay.String(),
		}).Warnf("market data feed disconnected: %v", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

type feedTickPayload struct {
	Symbol   string `json:"symbol"`
	Price    string `json:"price"`
	Time     int64  `json:"time"`
	Sequence uint64 `json:"sequence"`
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	logrus.Infof("connecting to %s", f.wsHost.String())

	c, _, err := websocket.DefaultDialer.DialContext(ctx, f.wsHost.String(), nil)
	if err != nil {
		return err
	}
	defer c.Close()

	c.SetPongHandler(func(string) error {
		return nil
	})

	initSub := map[string]any{
		"op":      "subscribe",
		"channel": "ticker",
		"symbols": f.symbols,
	}
	if err := c.WriteJSON(initSub); err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(feedPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-ctx.Done():
				_ = c.Close()
				return
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, message, err := c.ReadMessage()
		if err != nil {
			return err
		}

		tick, ok := parseTick(message)
		if !ok {
			continue
		}

		f.hub.Publish(tick)
	}
}

func parseTick(message []byte) (entity.Tick, bool) {
	var payload feedTickPayload
	if err := json.Unmarshal(message, &payload); err != nil {
		return entity.Tick{}, false
	}

	if payload.Symbol == "" || payload.Price == "" {
		return entity.Tick{}, false
	}

	price, err := decimal.NewFromString(payload.Price)
	if err != nil || price.LessThanOrEqual(decimal.Zero) {
		return entity.Tick{}, false
	}

	return entity.Tick{
		Symbol:   payload.Symbol,
		Price:    price,
		Time:     time.UnixMilli(payload.Time).UTC(),
		Sequence: payload.Sequence,
	}, true
}

func feedReconnectDelay(attempt int, rng *rand.Rand) time.Duration {
	backoff := float64(feedReconnectMinDelay) * math.Pow(feedReconnectFactor, float64(attempt))
	if backoff > float64(feedReconnectMaxDelay) {
		backoff = float64(feedReconnectMaxDelay)
	}

	jitterWindow := int64(backoff) / 4
	if jitterWindow <= 0 {
		return time.Duration(backoff)
	}

	return time.Duration(int64(backoff) + rng.Int63n(jitterWindow))
}
