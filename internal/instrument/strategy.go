package instrument

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradejs/internal/indicator"
)

const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Signal is a strategy's request to trade on the current bar.
type Signal struct {
	Side     string          `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Order is a filled backtest or live order.
type Order struct {
	ID       int             `json:"id"`
	Time     int64           `json:"time"`
	Side     string          `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// Strategy reacts to closed bars. history ends with the bar being evaluated.
type Strategy interface {
	OnCandle(history []Candle) (*Signal, error)
}

// crossover trades the fast/slow simple moving average cross on closes.
type crossover struct {
	fast, slow int
	quantity   decimal.Decimal
}

func newCrossover(fast, slow int) *crossover {
	return &crossover{fast: fast, slow: slow, quantity: decimal.NewFromInt(1)}
}

func (c *crossover) OnCandle(history []Candle) (*Signal, error) {
	if len(history) < c.slow+1 {
		return nil, nil
	}
	closes := make([]decimal.Decimal, c.slow+1)
	for i, candle := range history[len(history)-c.slow-1:] {
		closes[i] = candle.Close
	}
	fast := indicator.SMA(closes, c.fast)
	slow := indicator.SMA(closes, c.slow)
	prevDiff := fast[len(fast)-2].Sub(slow[0])
	diff := fast[len(fast)-1].Sub(slow[1])
	switch {
	case !prevDiff.IsPositive() && diff.IsPositive():
		return &Signal{Side: SideBuy, Quantity: c.quantity}, nil
	case !prevDiff.IsNegative() && diff.IsNegative():
		return &Signal{Side: SideSell, Quantity: c.quantity}, nil
	}
	return nil, nil
}

// scriptStrategy runs a JavaScript module that defines onCandle(candle, history).
// A goja runtime is single-threaded; callers serialize access.
type scriptStrategy struct {
	path     string
	rt       *goja.Runtime
	onCandle goja.Callable
}

type jsCandle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

func toJSCandle(c Candle) jsCandle {
	return jsCandle{
		Time:   c.Time,
		Open:   c.Open.InexactFloat64(),
		High:   c.High.InexactFloat64(),
		Low:    c.Low.InexactFloat64(),
		Close:  c.Close.InexactFloat64(),
		Volume: c.Volume.InexactFloat64(),
	}
}

func loadScript(path string) (*scriptStrategy, error) {
	// #nosec G304 -- path is resolved by the executor registry under the custom executor root.
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ea: read %q: %w", path, err)
	}
	return compileScript(path, string(source))
}

func compileScript(name, source string) (*scriptStrategy, error) {
	prog, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, fmt.Errorf("ea: compile %q: %w", name, err)
	}
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if _, err := rt.RunProgram(prog); err != nil {
		return nil, fmt.Errorf("ea: run %q: %w", name, err)
	}
	fn, ok := goja.AssertFunction(rt.Get("onCandle"))
	if !ok {
		return nil, fmt.Errorf("ea: %q must define onCandle(candle, history)", name)
	}
	return &scriptStrategy{path: name, rt: rt, onCandle: fn}, nil
}

func (s *scriptStrategy) OnCandle(history []Candle) (*Signal, error) {
	if len(history) == 0 {
		return nil, nil
	}
	bars := make([]jsCandle, len(history))
	for i, c := range history {
		bars[i] = toJSCandle(c)
	}
	value, err := s.onCandle(goja.Undefined(), s.rt.ToValue(bars[len(bars)-1]), s.rt.ToValue(bars))
	if err != nil {
		var exception *goja.Exception
		if errors.As(err, &exception) {
			return nil, fmt.Errorf("ea: %s: %s", s.path, exception.Value().String())
		}
		return nil, fmt.Errorf("ea: %s: %w", s.path, err)
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	obj := value.ToObject(s.rt)
	side := ""
	if raw := obj.Get("side"); raw != nil {
		side = strings.ToLower(strings.TrimSpace(raw.String()))
	}
	if side != SideBuy && side != SideSell {
		return nil, fmt.Errorf("ea: %s: side must be buy or sell, got %q", s.path, side)
	}
	qty := decimal.NewFromInt(1)
	if raw := obj.Get("quantity"); raw != nil && !goja.IsUndefined(raw) && !goja.IsNull(raw) {
		qty = decimal.NewFromFloat(raw.ToFloat())
	}
	if !qty.IsPositive() {
		return nil, fmt.Errorf("ea: %s: quantity must be positive", s.path)
	}
	return &Signal{Side: side, Quantity: qty}, nil
}
