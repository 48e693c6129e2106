package sources

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// LiveTicker maintains the most recent spot price per symbol from the
// gateway's websocket tick stream. Implements collection.SpotSource. It is
// an optional enrichment: when the stream is down, collection simply falls
// back to candle data alone.
type LiveTicker struct {
	url     string
	symbols []string

	mu     sync.RWMutex
	prices map[string]float64

	log zerolog.Logger
}

type tickMessage struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

type subscribeMessage struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// NewLiveTicker creates a ticker feed for the given symbols.
func NewLiveTicker(url string, symbols []string, logger zerolog.Logger) *LiveTicker {
	return &LiveTicker{
		url:     url,
		symbols: symbols,
		prices:  make(map[string]float64),
		log:     logger.With().Str("component", "live_ticker").Logger(),
	}
}

// LastPrice returns the most recent tick for symbol.
func (t *LiveTicker) LastPrice(symbol string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.prices[symbol]
	return p, ok
}

// Run connects and consumes ticks until the context is cancelled,
// reconnecting with a capped backoff on stream failures.
func (t *LiveTicker) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if err := t.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.log.Warn().Err(err).Dur("backoff", backoff).Msg("Tick stream dropped, reconnecting")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (t *LiveTicker) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteJSON(subscribeMessage{Op: "subscribe", Symbols: t.symbols}); err != nil {
		return err
	}
	t.log.Info().Int("symbols", len(t.symbols)).Msg("Tick stream connected")

	// Unblock ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var tick tickMessage
		if err := json.Unmarshal(payload, &tick); err != nil {
			t.log.Debug().Err(err).Msg("Skipping malformed tick")
			continue
		}
		if tick.Symbol == "" {
			continue
		}
		t.mu.Lock()
		t.prices[tick.Symbol] = tick.Price
		t.mu.Unlock()
	}
}
