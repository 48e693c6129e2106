package collection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/datapulse/collector/internal/indicators"
	"github.com/datapulse/collector/internal/persistence"
)

// warmupIntervals is how many candles of history the indicator set needs
// before the earliest requested point. MACD(12,26,9) is the deepest at 34;
// the margin absorbs exchange-side gaps in the returned series.
const warmupIntervals = 64

// vwapWindow is the trailing window the VWAP field is computed over.
const vwapWindow = 24 * time.Hour

// CandleSource fetches OHLCV candles for a symbol. Implementations handle
// retry, rate limiting, and caching; a returned error is already final.
type CandleSource interface {
	Candles(ctx context.Context, symbol string, interval time.Duration, from, to time.Time) ([]indicators.Candle, error)
}

// SpotSource exposes the most recent live price per symbol, fed by the
// websocket ticker stream. Optional: used to partially populate a point
// whose candle has not closed yet.
type SpotSource interface {
	LastPrice(symbol string) (float64, bool)
}

// TechnicalAdapter computes technical indicator records for every active
// symbol at every interval boundary.
type TechnicalAdapter struct {
	targets    persistence.TargetStore
	source     CandleSource
	spot       SpotSource
	interval   time.Duration
	sourceName string
	log        zerolog.Logger
}

// NewTechnicalAdapter creates the technical collector adapter. spot may be
// nil when no live feed is configured.
func NewTechnicalAdapter(targets persistence.TargetStore, source CandleSource, spot SpotSource, interval time.Duration, sourceName string, logger zerolog.Logger) *TechnicalAdapter {
	return &TechnicalAdapter{
		targets:    targets,
		source:     source,
		spot:       spot,
		interval:   interval,
		sourceName: sourceName,
		log:        logger.With().Str("adapter", "technical").Logger(),
	}
}

func (a *TechnicalAdapter) Type() string { return "technical" }

// RequiredFields lists the fields scored for completeness. Order matches
// the column layout operators see in the wide feature table.
func (a *TechnicalAdapter) RequiredFields() []string {
	return []string{
		"price", "volume",
		"sma_20", "ema_12", "ema_26",
		"rsi_14",
		"macd", "macd_signal", "macd_histogram",
		"bb_upper", "bb_middle", "bb_lower",
		"stoch_k", "stoch_d",
		"atr_14",
		"vwap",
	}
}

// ExpectedPoints enumerates every active symbol at every interval boundary
// in [start, end].
func (a *TechnicalAdapter) ExpectedPoints(ctx context.Context, start, end time.Time) ([]ExpectedPoint, error) {
	targets, err := a.targets.ListActive(ctx, a.Type())
	if err != nil {
		return nil, fmt.Errorf("failed to list active symbols: %w", err)
	}
	timestamps := IntervalTimestamps(start, end, a.interval)

	points := make([]ExpectedPoint, 0, len(targets)*len(timestamps))
	for _, target := range targets {
		for _, ts := range timestamps {
			points = append(points, ExpectedPoint{Target: target, Timestamp: ts})
		}
	}
	return points, nil
}

// Collect fetches candle history per symbol and computes the indicator set
// at each expected timestamp. A symbol's fetch failure fails only that
// symbol's points; insufficient indicator history leaves fields unset so
// the record lands partial rather than fabricated.
func (a *TechnicalAdapter) Collect(ctx context.Context, points []ExpectedPoint) ([]persistence.Record, []PointError, error) {
	bySymbol := make(map[string][]ExpectedPoint)
	for _, p := range points {
		bySymbol[p.Target.TargetID] = append(bySymbol[p.Target.TargetID], p)
	}

	var records []persistence.Record
	var pointErrs []PointError

	for symbol, symbolPoints := range bySymbol {
		if err := ctx.Err(); err != nil {
			return records, pointErrs, err
		}

		from, to := pointSpan(symbolPoints)
		warmupStart := from.Add(-time.Duration(warmupIntervals) * a.interval)
		if vw := to.Add(-vwapWindow); vw.Before(warmupStart) {
			warmupStart = vw
		}

		candles, err := a.source.Candles(ctx, symbol, a.interval, warmupStart, to)
		if err != nil {
			for _, p := range symbolPoints {
				pointErrs = append(pointErrs, PointError{Point: p, Err: fmt.Errorf("candle fetch: %w", err)})
			}
			continue
		}

		index := make(map[int64]int, len(candles))
		for i, c := range candles {
			index[c.Timestamp] = i
		}

		for _, p := range symbolPoints {
			idx, ok := index[p.Timestamp.Unix()]
			if !ok {
				if rec, live := a.liveFallback(p); live {
					records = append(records, rec)
				} else {
					pointErrs = append(pointErrs, PointError{
						Point: p,
						Err:   fmt.Errorf("no candle at %s", p.Timestamp.Format(time.RFC3339)),
					})
				}
				continue
			}
			records = append(records, persistence.Record{
				TargetID:   symbol,
				Timestamp:  p.Timestamp,
				Fields:     a.computeFields(candles, idx),
				DataSource: a.sourceName,
			})
		}
	}
	return records, pointErrs, nil
}

// liveFallback builds a price-only partial record from the live ticker feed.
func (a *TechnicalAdapter) liveFallback(p ExpectedPoint) (persistence.Record, bool) {
	if a.spot == nil {
		return persistence.Record{}, false
	}
	price, ok := a.spot.LastPrice(p.Target.TargetID)
	if !ok {
		return persistence.Record{}, false
	}
	return persistence.Record{
		TargetID:   p.Target.TargetID,
		Timestamp:  p.Timestamp,
		Fields:     map[string]interface{}{"price": price},
		DataSource: a.sourceName,
	}, true
}

// computeFields evaluates the full indicator set over the history ending at
// idx. Indicators short on history are omitted, never zero-filled.
func (a *TechnicalAdapter) computeFields(candles []indicators.Candle, idx int) map[string]interface{} {
	series := candles[:idx+1]
	cur := candles[idx]

	fields := map[string]interface{}{
		"price":  cur.Close,
		"volume": cur.Volume,
	}

	set := func(name string, value float64, err error) {
		if err != nil {
			if !errors.Is(err, indicators.ErrInsufficientData) {
				a.log.Debug().Str("field", name).Err(err).Msg("Indicator computation failed")
			}
			return
		}
		fields[name] = value
	}

	sma, err := indicators.SMA(series, 20)
	set("sma_20", sma, err)
	ema12, err := indicators.EMA(series, 12)
	set("ema_12", ema12, err)
	ema26, err := indicators.EMA(series, 26)
	set("ema_26", ema26, err)
	rsi, err := indicators.RSI(series, 14)
	set("rsi_14", rsi, err)

	if macd, err := indicators.MACD(series, 12, 26, 9); err == nil {
		fields["macd"] = macd.Line
		fields["macd_signal"] = macd.Signal
		fields["macd_histogram"] = macd.Histogram
	}
	if bands, err := indicators.BollingerBands(series, 20, 2); err == nil {
		fields["bb_upper"] = bands.Upper
		fields["bb_middle"] = bands.Middle
		fields["bb_lower"] = bands.Lower
	}
	if stoch, err := indicators.Stochastic(series, 14); err == nil {
		fields["stoch_k"] = stoch.K
		fields["stoch_d"] = stoch.D
	}

	atr, err := indicators.ATR(series, 14)
	set("atr_14", atr, err)

	vwapStart := cur.Timestamp - int64(vwapWindow/time.Second)
	vwapSeries := series
	for i := len(series) - 1; i >= 0; i-- {
		if series[i].Timestamp < vwapStart {
			vwapSeries = series[i+1:]
			break
		}
	}
	vwap, err := indicators.VWAP(vwapSeries)
	set("vwap", vwap, err)

	return fields
}

// pointSpan returns the earliest and latest timestamps among points.
func pointSpan(points []ExpectedPoint) (time.Time, time.Time) {
	from, to := points[0].Timestamp, points[0].Timestamp
	for _, p := range points[1:] {
		if p.Timestamp.Before(from) {
			from = p.Timestamp
		}
		if p.Timestamp.After(to) {
			to = p.Timestamp
		}
	}
	return from, to
}
