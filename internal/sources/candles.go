package sources

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/datapulse/collector/internal/indicators"
)

// CandleAPI fetches OHLCV candles from the market-data gateway's
// exchange-style REST endpoint. Implements collection.CandleSource.
type CandleAPI struct {
	client  *Client
	baseURL string
}

// NewCandleAPI creates a candle source against baseURL.
func NewCandleAPI(client *Client, baseURL string) *CandleAPI {
	return &CandleAPI{client: client, baseURL: baseURL}
}

type candlesResponse struct {
	Symbol  string              `json:"symbol"`
	Candles []indicators.Candle `json:"candles"`
}

// Candles returns the candles for symbol in [from, to], ascending by
// timestamp. The gateway may return candles unordered; ordering here keeps
// the indicator math's precondition local.
func (a *CandleAPI) Candles(ctx context.Context, symbol string, interval time.Duration, from, to time.Time) ([]indicators.Candle, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", fmt.Sprintf("%d", int(interval.Seconds())))
	q.Set("start", fmt.Sprintf("%d", from.Unix()))
	q.Set("end", fmt.Sprintf("%d", to.Unix()))

	var resp candlesResponse
	if err := a.client.GetJSON(ctx, a.baseURL+"/v1/candles?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("candles %s: %w", symbol, err)
	}

	sort.Slice(resp.Candles, func(i, j int) bool {
		return resp.Candles[i].Timestamp < resp.Candles[j].Timestamp
	})
	return resp.Candles, nil
}
