// Package indicators provides pure technical indicator math over ordered
// OHLCV candle series. All functions are stateless and deterministic; any
// indicator that needs more history than the series carries returns an
// error wrapping ErrInsufficientData instead of fabricating a value.
package indicators

import (
	"errors"
	"fmt"
	"math"
)

// ErrInsufficientData indicates the series is shorter than the indicator's
// required lookback. Callers propagate this as partial completeness.
var ErrInsufficientData = errors.New("insufficient data")

// Candle is a single OHLCV bar. Series are expected in ascending time order.
type Candle struct {
	Timestamp int64   `json:"ts"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// MACDResult holds the MACD line, signal line, and histogram.
type MACDResult struct {
	Line      float64 `json:"macd"`
	Signal    float64 `json:"macd_signal"`
	Histogram float64 `json:"macd_histogram"`
}

// Bands holds Bollinger band levels.
type Bands struct {
	Upper  float64 `json:"bb_upper"`
	Middle float64 `json:"bb_middle"`
	Lower  float64 `json:"bb_lower"`
}

// StochResult holds the stochastic oscillator %K and %D values.
type StochResult struct {
	K float64 `json:"stoch_k"`
	D float64 `json:"stoch_d"`
}

// SMA returns the simple moving average of the last period closes.
func SMA(series []Candle, period int) (float64, error) {
	return SMAAt(series, len(series)-1, period)
}

// SMAAt returns the simple moving average of the period closes ending at
// index idx (inclusive).
func SMAAt(series []Candle, idx, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("sma: period must be positive, got %d", period)
	}
	if idx < 0 || idx >= len(series) {
		return 0, fmt.Errorf("sma: index %d out of range [0,%d)", idx, len(series))
	}
	if idx+1 < period {
		return 0, fmt.Errorf("sma: %w: need %d closes before index %d, have %d", ErrInsufficientData, period, idx, idx+1)
	}
	sum := 0.0
	for i := idx - period + 1; i <= idx; i++ {
		sum += series[i].Close
	}
	return sum / float64(period), nil
}

// EMA returns the exponential moving average of the closes at the last
// index, seeded with the SMA of the first period closes.
func EMA(series []Candle, period int) (float64, error) {
	values, err := EMASeries(series, period)
	if err != nil {
		return 0, err
	}
	return values[len(values)-1], nil
}

// EMASeries returns EMA values for every index from period-1 onward.
// values[i] corresponds to series[i+period-1].
func EMASeries(series []Candle, period int) ([]float64, error) {
	if period <= 0 {
		return nil, fmt.Errorf("ema: period must be positive, got %d", period)
	}
	if len(series) < period {
		return nil, fmt.Errorf("ema: %w: need %d closes, have %d", ErrInsufficientData, period, len(series))
	}
	closes := make([]float64, len(series))
	for i, c := range series {
		closes[i] = c.Close
	}
	return emaValues(closes, period), nil
}

// emaValues computes EMA over raw values, seeded with the SMA of the first
// period entries. len(values) >= period is the caller's responsibility.
func emaValues(values []float64, period int) []float64 {
	k := 2.0 / float64(period+1)
	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)

	out := make([]float64, 0, len(values)-period+1)
	out = append(out, seed)
	prev := seed
	for _, v := range values[period:] {
		prev = v*k + prev*(1-k)
		out = append(out, prev)
	}
	return out
}

// RSI returns the relative strength index over period using Wilder's
// smoothing. Output is clamped to [0,100]; a series with no losses yields 100.
func RSI(series []Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("rsi: period must be positive, got %d", period)
	}
	if len(series) < period+1 {
		return 0, fmt.Errorf("rsi: %w: need %d closes, have %d", ErrInsufficientData, period+1, len(series))
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := series[i].Close - series[i-1].Close
		if change > 0 {
			avgGain += change
		} else {
			avgLoss += -change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(series); i++ {
		change := series[i].Close - series[i-1].Close
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100, nil
	}
	rs := avgGain / avgLoss
	rsi := 100 - 100/(1+rs)
	return clamp(rsi, 0, 100), nil
}

// MACD returns the MACD line, signal line, and histogram at the last index.
func MACD(series []Candle, fast, slow, signal int) (MACDResult, error) {
	if fast <= 0 || slow <= 0 || signal <= 0 {
		return MACDResult{}, fmt.Errorf("macd: periods must be positive, got fast=%d slow=%d signal=%d", fast, slow, signal)
	}
	if fast >= slow {
		return MACDResult{}, fmt.Errorf("macd: fast period %d must be shorter than slow period %d", fast, slow)
	}
	minLen := slow + signal - 1
	if len(series) < minLen {
		return MACDResult{}, fmt.Errorf("macd: %w: need %d closes, have %d", ErrInsufficientData, minLen, len(series))
	}

	fastEMA, err := EMASeries(series, fast)
	if err != nil {
		return MACDResult{}, err
	}
	slowEMA, err := EMASeries(series, slow)
	if err != nil {
		return MACDResult{}, err
	}

	// Fast EMA starts earlier; align both to the slow EMA's first index.
	offset := slow - fast
	line := make([]float64, len(slowEMA))
	for i := range slowEMA {
		line[i] = fastEMA[i+offset] - slowEMA[i]
	}

	signalSeries := emaValues(line, signal)
	last := MACDResult{
		Line:   line[len(line)-1],
		Signal: signalSeries[len(signalSeries)-1],
	}
	last.Histogram = last.Line - last.Signal
	return last, nil
}

// BollingerBands returns the middle SMA band with upper and lower bands at
// k standard deviations.
func BollingerBands(series []Candle, period int, k float64) (Bands, error) {
	middle, err := SMA(series, period)
	if err != nil {
		return Bands{}, fmt.Errorf("bollinger: %w", err)
	}
	variance := 0.0
	for i := len(series) - period; i < len(series); i++ {
		d := series[i].Close - middle
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(period))
	return Bands{
		Upper:  middle + k*stddev,
		Middle: middle,
		Lower:  middle - k*stddev,
	}, nil
}

// Stochastic returns %K over period and %D as the 3-point SMA of %K.
func Stochastic(series []Candle, period int) (StochResult, error) {
	const dSmoothing = 3
	if period <= 0 {
		return StochResult{}, fmt.Errorf("stochastic: period must be positive, got %d", period)
	}
	if len(series) < period+dSmoothing-1 {
		return StochResult{}, fmt.Errorf("stochastic: %w: need %d candles, have %d", ErrInsufficientData, period+dSmoothing-1, len(series))
	}

	kSum := 0.0
	var lastK float64
	for j := 0; j < dSmoothing; j++ {
		idx := len(series) - 1 - j
		kv := stochasticK(series, idx, period)
		if j == 0 {
			lastK = kv
		}
		kSum += kv
	}
	return StochResult{K: lastK, D: kSum / dSmoothing}, nil
}

// stochasticK computes %K for the period window ending at idx. A flat
// window (high == low) reports the midpoint.
func stochasticK(series []Candle, idx, period int) float64 {
	lowest := series[idx].Low
	highest := series[idx].High
	for i := idx - period + 1; i <= idx; i++ {
		if series[i].Low < lowest {
			lowest = series[i].Low
		}
		if series[i].High > highest {
			highest = series[i].High
		}
	}
	if highest == lowest {
		return 50
	}
	return clamp(100*(series[idx].Close-lowest)/(highest-lowest), 0, 100)
}

// ATR returns the Wilder-smoothed average true range over period.
func ATR(series []Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("atr: period must be positive, got %d", period)
	}
	if len(series) < period+1 {
		return 0, fmt.Errorf("atr: %w: need %d candles, have %d", ErrInsufficientData, period+1, len(series))
	}

	atr := 0.0
	for i := 1; i <= period; i++ {
		atr += trueRange(series[i], series[i-1])
	}
	atr /= float64(period)

	for i := period + 1; i < len(series); i++ {
		atr = (atr*float64(period-1) + trueRange(series[i], series[i-1])) / float64(period)
	}
	return atr, nil
}

func trueRange(cur, prev Candle) float64 {
	tr := cur.High - cur.Low
	if hc := math.Abs(cur.High - prev.Close); hc > tr {
		tr = hc
	}
	if lc := math.Abs(cur.Low - prev.Close); lc > tr {
		tr = lc
	}
	return tr
}

// VWAP returns the volume-weighted average price over the whole series,
// using the typical price (H+L+C)/3 per candle.
func VWAP(series []Candle) (float64, error) {
	if len(series) == 0 {
		return 0, fmt.Errorf("vwap: %w: empty series", ErrInsufficientData)
	}
	var pv, vol float64
	for _, c := range series {
		typical := (c.High + c.Low + c.Close) / 3
		pv += typical * c.Volume
		vol += c.Volume
	}
	if vol == 0 {
		return 0, fmt.Errorf("vwap: %w: zero total volume", ErrInsufficientData)
	}
	return pv / vol, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
