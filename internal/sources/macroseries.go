package sources

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// MacroSeriesAPI fetches daily observations from a FRED-style economic data
// API. Implements collection.SeriesSource.
type MacroSeriesAPI struct {
	client  *Client
	baseURL string
	apiKey  string
}

// NewMacroSeriesAPI creates a macro observation source.
func NewMacroSeriesAPI(client *Client, baseURL, apiKey string) *MacroSeriesAPI {
	return &MacroSeriesAPI{client: client, baseURL: baseURL, apiKey: apiKey}
}

type observationsResponse struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

// Observations returns published values keyed by observation day (UTC
// midnight). Unpublished days are simply absent; the source marks them with
// a "." value, which is skipped rather than parsed as zero.
func (a *MacroSeriesAPI) Observations(ctx context.Context, seriesID string, from, to time.Time) (map[time.Time]float64, error) {
	q := url.Values{}
	q.Set("series_id", seriesID)
	q.Set("observation_start", from.UTC().Format("2006-01-02"))
	q.Set("observation_end", to.UTC().Format("2006-01-02"))
	q.Set("file_type", "json")
	if a.apiKey != "" {
		q.Set("api_key", a.apiKey)
	}

	var resp observationsResponse
	if err := a.client.GetJSON(ctx, a.baseURL+"/series/observations?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("observations %s: %w", seriesID, err)
	}

	out := make(map[time.Time]float64, len(resp.Observations))
	for _, obs := range resp.Observations {
		if obs.Value == "" || obs.Value == "." {
			continue
		}
		day, err := time.ParseInLocation("2006-01-02", obs.Date, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("observations %s: bad date %q: %w", seriesID, obs.Date, err)
		}
		value, err := strconv.ParseFloat(obs.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("observations %s: bad value %q: %w", seriesID, obs.Value, err)
		}
		out[day] = value
	}
	return out, nil
}
