package instrument

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

const pricePlaces = 5

var timeFrames = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// TimeFrames lists supported timeframe tags ordered by duration.
func TimeFrames() []string {
	out := make([]string, 0, len(timeFrames))
	for tf := range timeFrames {
		out = append(out, tf)
	}
	sort.Slice(out, func(i, j int) bool { return timeFrames[out[i]] < timeFrames[out[j]] })
	return out
}

// ParseTimeFrame returns the candle width for a timeframe tag.
func ParseTimeFrame(tf string) (time.Duration, error) {
	step, ok := timeFrames[tf]
	if !ok {
		return 0, fmt.Errorf("unsupported timeframe %q", tf)
	}
	return step, nil
}

// Candle is one OHLCV bar. Time is the bar open in unix milliseconds.
type Candle struct {
	Time   int64           `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// Field returns the named price component, defaulting to close.
func (c Candle) Field(name string) decimal.Decimal {
	switch name {
	case "open":
		return c.Open
	case "high":
		return c.High
	case "low":
		return c.Low
	default:
		return c.Close
	}
}

// series is a bounded candle buffer produced by a seeded random walk.
type series struct {
	step     time.Duration
	capacity int
	rng      *rand.Rand
	vol      float64
	candles  []Candle
}

func newSeries(symbol, tf string, step time.Duration, capacity int, now time.Time) *series {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	base := h.Sum64()
	_, _ = h.Write([]byte("|" + tf))
	seed := h.Sum64()

	s := &series{
		step:     step,
		capacity: capacity,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		vol:      0.0008 * (step.Minutes() / 5),
	}
	if s.vol < 0.0004 {
		s.vol = 0.0004
	}
	price := decimal.NewFromFloat(0.5 + float64(base%20000)/10000).Round(pricePlaces)
	end := now.Truncate(step)
	start := end.Add(-time.Duration(capacity-1) * step)
	for t := start; !t.After(end); t = t.Add(step) {
		c := s.bar(t, price)
		s.candles = append(s.candles, c)
		price = c.Close
	}
	return s
}

func (s *series) bar(at time.Time, open decimal.Decimal) Candle {
	change := open.Mul(decimal.NewFromFloat(s.rng.NormFloat64() * s.vol))
	closePrice := open.Add(change).Round(pricePlaces)
	if !closePrice.IsPositive() {
		closePrice = open
	}
	wick := open.Mul(decimal.NewFromFloat(s.rng.Float64() * s.vol / 2)).Round(pricePlaces)
	return Candle{
		Time:   at.UnixMilli(),
		Open:   open,
		High:   decimal.Max(open, closePrice).Add(wick),
		Low:    decimal.Min(open, closePrice).Sub(wick),
		Close:  closePrice,
		Volume: decimal.NewFromInt(int64(100 + s.rng.IntN(1000))),
	}
}

// catchUp appends bars until the buffer reaches now. It returns the number of bars added.
func (s *series) catchUp(now time.Time) int {
	end := now.Truncate(s.step).UnixMilli()
	added := 0
	for {
		last := s.candles[len(s.candles)-1]
		if last.Time >= end {
			break
		}
		next := time.UnixMilli(last.Time).Add(s.step)
		s.candles = append(s.candles, s.bar(next, last.Close))
		added++
	}
	if over := len(s.candles) - s.capacity; over > 0 {
		s.candles = append([]Candle(nil), s.candles[over:]...)
	}
	return added
}

// tick moves the forming bar's close one step along the walk.
func (s *series) tick() {
	last := &s.candles[len(s.candles)-1]
	change := last.Close.Mul(decimal.NewFromFloat(s.rng.NormFloat64() * s.vol / 4))
	next := last.Close.Add(change).Round(pricePlaces)
	if !next.IsPositive() {
		return
	}
	last.Close = next
	last.High = decimal.Max(last.High, next)
	last.Low = decimal.Min(last.Low, next)
	last.Volume = last.Volume.Add(decimal.NewFromInt(int64(1 + s.rng.IntN(10))))
}

func (s *series) last() Candle {
	return s.candles[len(s.candles)-1]
}

// window filters candles by the inclusive [from, until] range and keeps the last count.
// Zero bounds are open.
func window(candles []Candle, from, until int64, count int) []Candle {
	lo, hi := 0, len(candles)
	if from > 0 {
		lo = sort.Search(len(candles), func(i int) bool { return candles[i].Time >= from })
	}
	if until > 0 {
		hi = sort.Search(len(candles), func(i int) bool { return candles[i].Time > until })
	}
	if lo >= hi {
		return []Candle{}
	}
	out := candles[lo:hi]
	if count > 0 && len(out) > count {
		out = out[len(out)-count:]
	}
	return append([]Candle(nil), out...)
}
