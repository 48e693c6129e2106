// Package sources provides clients for the external data APIs: a shared
// HTTP client with rate limiting, circuit breaking, bounded retry and
// response caching, plus the candle, macro-series, and live-ticker
// protocols built on it.
package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/datapulse/collector/internal/cache"
	"github.com/datapulse/collector/internal/retry"
)

// SourceError carries the HTTP status of a failed source call so the retry
// policy can separate transient from permanent failures.
type SourceError struct {
	Source     string
	StatusCode int
	Body       string
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Source, e.StatusCode, e.Body)
}

// Transient reports whether the failure is worth retrying: rate limits,
// server errors, and transport-level failures (status 0).
func (e *SourceError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsTransient classifies an error for the retry policy. Unknown error types
// (network timeouts, connection resets) are treated as transient.
func IsTransient(err error) bool {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Transient()
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false // breaker is already shedding load; retrying defeats it
	}
	return true
}

// ClientConfig parameterizes a source client per external API's limits.
type ClientConfig struct {
	Name     string
	Timeout  time.Duration
	RPS      float64
	Burst    int
	CacheTTL time.Duration
	Retry    retry.Policy
}

// Client is the shared HTTP JSON client. One instance per external source;
// the breaker and limiter are per-source state.
type Client struct {
	name     string
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	retry    retry.Policy
	cache    cache.Cache
	cacheTTL time.Duration
	log      zerolog.Logger
}

// NewClient builds a source client. responseCache may be nil to disable
// caching.
func NewClient(cfg ClientConfig, responseCache cache.Cache, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}

	settings := gobreaker.Settings{Name: cfg.Name}
	settings.Interval = 60 * time.Second
	settings.Timeout = 60 * time.Second
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
	}

	return &Client{
		name:     cfg.Name,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		breaker:  gobreaker.NewCircuitBreaker(settings),
		retry:    cfg.Retry,
		cache:    responseCache,
		cacheTTL: cfg.CacheTTL,
		log:      logger.With().Str("source", cfg.Name).Logger(),
	}
}

// GetJSON fetches url and decodes the JSON body into dest, going through
// the cache, rate limiter, circuit breaker, and retry policy in that order.
func (c *Client) GetJSON(ctx context.Context, url string, dest interface{}) error {
	if c.cache != nil {
		if body, ok := c.cache.Get(ctx, url); ok {
			return json.Unmarshal(body, dest)
		}
	}

	var body []byte
	err := c.retry.Do(ctx, c.name, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		raw, err := c.breaker.Execute(func() (interface{}, error) {
			return c.fetch(ctx, url)
		})
		if err != nil {
			return err
		}
		body = raw.([]byte)
		return nil
	}, IsTransient)
	if err != nil {
		return err
	}

	if c.cache != nil && c.cacheTTL > 0 {
		c.cache.Set(ctx, url, body, c.cacheTTL)
	}
	return json.Unmarshal(body, dest)
}

func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &SourceError{Source: c.name, StatusCode: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &SourceError{Source: c.name, StatusCode: 0, Body: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &SourceError{Source: c.name, StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
