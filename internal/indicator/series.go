package indicator

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

const divisionPrecision = 8

var (
	hundred = decimal.NewFromInt(100)
	two     = decimal.NewFromInt(2)
)

// Func computes an indicator series from input values. The result is aligned to the
// tail of the input: result[i] belongs to values[len(values)-len(result)+i].
type Func func(values []decimal.Decimal) []decimal.Decimal

// Build returns the series function for a catalogue entry, applying option overrides
// on top of the catalogue defaults.
func Build(cfg Config, options map[string]any) (Func, error) {
	params := cfg.Defaults()
	for k, v := range options {
		params[k] = v
	}
	period, err := intParam(params, "period")
	if err != nil {
		return nil, err
	}
	switch normaliseName(cfg.Name) {
	case "SMA":
		return func(v []decimal.Decimal) []decimal.Decimal { return SMA(v, period) }, nil
	case "EMA":
		return func(v []decimal.Decimal) []decimal.Decimal { return EMA(v, period) }, nil
	case "RSI":
		return func(v []decimal.Decimal) []decimal.Decimal { return RSI(v, period) }, nil
	default:
		return nil, fmt.Errorf("indicator: no implementation for %s", cfg.Name)
	}
}

// Source returns the configured price source, defaulting to close.
func Source(cfg Config, options map[string]any) string {
	if s, ok := options["source"].(string); ok && s != "" {
		return s
	}
	if s, ok := cfg.Defaults()["source"].(string); ok && s != "" {
		return s
	}
	return "close"
}

// SMA is the simple moving average over period values.
func SMA(values []decimal.Decimal, period int) []decimal.Decimal {
	if period <= 0 || len(values) < period {
		return nil
	}
	n := decimal.NewFromInt(int64(period))
	out := make([]decimal.Decimal, 0, len(values)-period+1)
	sum := decimal.Zero
	for i, v := range values {
		sum = sum.Add(v)
		if i >= period {
			sum = sum.Sub(values[i-period])
		}
		if i >= period-1 {
			out = append(out, sum.DivRound(n, divisionPrecision))
		}
	}
	return out
}

// EMA is the exponential moving average seeded with the SMA of the first period values.
func EMA(values []decimal.Decimal, period int) []decimal.Decimal {
	if period <= 0 || len(values) < period {
		return nil
	}
	k := two.DivRound(decimal.NewFromInt(int64(period+1)), divisionPrecision)
	seed := SMA(values[:period], period)[0]
	out := make([]decimal.Decimal, 0, len(values)-period+1)
	out = append(out, seed)
	prev := seed
	for _, v := range values[period:] {
		prev = v.Sub(prev).Mul(k).Add(prev).Round(divisionPrecision)
		out = append(out, prev)
	}
	return out
}

// RSI is Wilder's relative strength index.
func RSI(values []decimal.Decimal, period int) []decimal.Decimal {
	if period <= 0 || len(values) <= period {
		return nil
	}
	n := decimal.NewFromInt(int64(period))
	gain, loss := decimal.Zero, decimal.Zero
	for i := 1; i <= period; i++ {
		delta := values[i].Sub(values[i-1])
		if delta.IsPositive() {
			gain = gain.Add(delta)
		} else {
			loss = loss.Sub(delta)
		}
	}
	gain = gain.DivRound(n, divisionPrecision)
	loss = loss.DivRound(n, divisionPrecision)

	out := make([]decimal.Decimal, 0, len(values)-period)
	out = append(out, rsiValue(gain, loss))
	prev := decimal.NewFromInt(int64(period - 1))
	for i := period + 1; i < len(values); i++ {
		delta := values[i].Sub(values[i-1])
		up, down := decimal.Zero, decimal.Zero
		if delta.IsPositive() {
			up = delta
		} else {
			down = delta.Neg()
		}
		gain = gain.Mul(prev).Add(up).DivRound(n, divisionPrecision)
		loss = loss.Mul(prev).Add(down).DivRound(n, divisionPrecision)
		out = append(out, rsiValue(gain, loss))
	}
	return out
}

func rsiValue(gain, loss decimal.Decimal) decimal.Decimal {
	if loss.IsZero() {
		return hundred
	}
	rs := gain.DivRound(loss, divisionPrecision)
	return hundred.Sub(hundred.DivRound(decimal.NewFromInt(1).Add(rs), divisionPrecision)).Round(4)
}

func intParam(params map[string]any, key string) (int, error) {
	raw, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("indicator: missing %s", key)
	}
	var f float64
	switch v := raw.(type) {
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case uint64:
		f = float64(v)
	case float64:
		f = v
	default:
		return 0, fmt.Errorf("indicator: %s must be a number, got %T", key, raw)
	}
	if f < 1 || f != math.Trunc(f) {
		return 0, fmt.Errorf("indicator: %s must be a positive integer", key)
	}
	return int(f), nil
}
