// Package instrument is the built-in instrument worker: a candle buffer per timeframe,
// indicator series, strategy orders and periodic status pushes.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradejs/internal/executor"
	"github.com/coachpo/tradejs/internal/indicator"
	"github.com/coachpo/tradejs/internal/worker/agent"
)

// Worker commands.
const (
	CommandRead            = "read"
	CommandToggleTimeFrame = "toggleTimeFrame"
	CommandAddIndicator    = "indicator:add"
	CommandIndicatorData   = "get-data"
)

const (
	TypeLive     = "live"
	TypeBacktest = "backtest"

	defaultBufferSize     = 500
	defaultStatusInterval = time.Second
	defaultTimeFrame      = "1m"
)

// Settings tune a worker independently of its launch options.
type Settings struct {
	BufferSize     int
	StatusInterval time.Duration
	// ScriptPath overrides the custom executor script named in the launch options.
	ScriptPath string
	Clock      func() time.Time
	Logger     *log.Logger
}

func (s Settings) normalise() Settings {
	if s.BufferSize <= 0 {
		s.BufferSize = defaultBufferSize
	}
	if s.StatusInterval <= 0 {
		s.StatusInterval = defaultStatusInterval
	}
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Logger == nil {
		s.Logger = log.New(os.Stderr, "instrument ", log.LstdFlags|log.Lmicroseconds)
	}
	return s
}

// ReadRequest is the read command payload.
type ReadRequest struct {
	From       int64 `json:"from,omitempty"`
	Until      int64 `json:"until,omitempty"`
	Count      int   `json:"count,omitempty"`
	BufferOnly bool  `json:"bufferOnly,omitempty"`
	Indicators bool  `json:"indicators,omitempty"`
}

// ReadResult is the read command reply.
type ReadResult struct {
	TimeFrame  string             `json:"timeFrame"`
	Candles    []Candle           `json:"candles"`
	Indicators map[string][]Point `json:"indicators,omitempty"`
}

// ToggleRequest is the toggleTimeFrame payload.
type ToggleRequest struct {
	TimeFrame string `json:"timeFrame"`
}

// AddIndicatorRequest is the indicator:add payload.
type AddIndicatorRequest struct {
	Name    string         `json:"name"`
	Options map[string]any `json:"options,omitempty"`
}

// IndicatorDataRequest is the get-data payload.
type IndicatorDataRequest struct {
	IndicatorID string `json:"indicatorId"`
	Name        string `json:"name,omitempty"`
	From        int64  `json:"from,omitempty"`
	Until       int64  `json:"until,omitempty"`
	Count       int    `json:"count,omitempty"`
}

// IndicatorRef is the indicator:add reply.
type IndicatorRef struct {
	IndicatorID string `json:"indicatorId"`
}

// Point is one indicator value.
type Point struct {
	Time  int64           `json:"time"`
	Value decimal.Decimal `json:"value"`
}

// Status is pushed to the host on every status interval.
type Status struct {
	TimeFrame string          `json:"timeFrame"`
	LastPrice decimal.Decimal `json:"lastPrice"`
	Candles   int             `json:"candles"`
	Orders    []Order         `json:"orders"`
}

type attached struct {
	id     string
	name   string
	source string
	fn     indicator.Func
}

// Instrument holds the worker state. Handlers and the status loop share it under mu.
type Instrument struct {
	opts      executor.InitOptions
	settings  Settings
	catalogue *indicator.Catalogue
	strategy  Strategy

	mu         sync.Mutex
	timeFrame  string
	series     map[string]*series
	indicators map[string]*attached
	nextID     int
	orders     []Order
}

// New builds an instrument from its launch options.
func New(opts executor.InitOptions, settings Settings) (*Instrument, error) {
	settings = settings.normalise()
	if opts.Symbol == "" {
		return nil, errors.New("instrument: symbol required")
	}
	if opts.TimeFrame == "" {
		opts.TimeFrame = defaultTimeFrame
	}
	if _, err := ParseTimeFrame(opts.TimeFrame); err != nil {
		return nil, fmt.Errorf("instrument: %w", err)
	}
	if size, ok := opts.Options["bufferSize"].(float64); ok && size >= 1 {
		settings.BufferSize = int(size)
	}
	catalogue, err := indicator.Default()
	if err != nil {
		return nil, err
	}

	in := &Instrument{
		opts:       opts,
		settings:   settings,
		catalogue:  catalogue,
		timeFrame:  opts.TimeFrame,
		series:     make(map[string]*series),
		indicators: make(map[string]*attached),
	}

	script := settings.ScriptPath
	if script == "" {
		script = opts.Script
	}
	switch {
	case script != "":
		in.strategy, err = loadScript(script)
		if err != nil {
			return nil, err
		}
	case opts.Type == TypeBacktest:
		in.strategy = newCrossover(5, 20)
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if opts.Type == TypeBacktest {
		if err := in.backtestLocked(); err != nil {
			return nil, err
		}
	}
	return in, nil
}

// Attach wires an agent so the instrument is built from the init handshake and
// starts pushing status once ready.
func Attach(a *agent.Agent, settings Settings) {
	a.OnInit(func(ctx context.Context, raw json.RawMessage) error {
		var opts executor.InitOptions
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &opts); err != nil {
				return fmt.Errorf("instrument: decode init options: %w", err)
			}
		}
		in, err := New(opts, settings)
		if err != nil {
			return err
		}
		in.Register(a)
		go in.Run(ctx, a)
		return nil
	})
}

// Register installs the command handlers.
func (in *Instrument) Register(a *agent.Agent) {
	a.Handle(CommandRead, decoding(in.Read))
	a.Handle(CommandToggleTimeFrame, decoding(in.ToggleTimeFrame))
	a.Handle(CommandAddIndicator, decoding(in.AddIndicator))
	a.Handle(CommandIndicatorData, decoding(in.IndicatorData))
}

func decoding[Req any, Resp any](fn func(Req) (Resp, error)) agent.HandlerFunc {
	return func(_ context.Context, raw json.RawMessage) (any, error) {
		var req Req
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &req); err != nil {
				return nil, fmt.Errorf("decode payload: %w", err)
			}
		}
		return fn(req)
	}
}

// Run pushes status until ctx ends or the host goes away.
func (in *Instrument) Run(ctx context.Context, a *agent.Agent) {
	ticker := time.NewTicker(in.settings.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := a.PushStatus(in.Tick()); err != nil {
			return
		}
	}
}

// Tick advances a live instrument and returns its status.
func (in *Instrument) Tick() Status {
	in.mu.Lock()
	defer in.mu.Unlock()
	s := in.currentLocked()
	if in.opts.Type != TypeBacktest {
		if added := s.catchUp(in.settings.Clock()); added > 0 {
			in.evaluateLocked(s.candles)
		}
		s.tick()
	}
	return in.statusLocked()
}

func (in *Instrument) statusLocked() Status {
	s := in.currentLocked()
	return Status{
		TimeFrame: in.timeFrame,
		LastPrice: s.last().Close,
		Candles:   len(s.candles),
		Orders:    append([]Order{}, in.orders...),
	}
}

// Read returns buffered candles and, on request, every attached indicator series.
func (in *Instrument) Read(req ReadRequest) (ReadResult, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	s := in.currentLocked()
	if !req.BufferOnly && in.opts.Type != TypeBacktest {
		if added := s.catchUp(in.settings.Clock()); added > 0 {
			in.evaluateLocked(s.candles)
		}
	}
	result := ReadResult{
		TimeFrame: in.timeFrame,
		Candles:   window(s.candles, req.From, req.Until, req.Count),
	}
	if req.Indicators && len(in.indicators) > 0 {
		result.Indicators = make(map[string][]Point, len(in.indicators))
		for id, ind := range in.indicators {
			result.Indicators[id] = pointsWindow(computeLocked(ind, s.candles), req.From, req.Until, req.Count)
		}
	}
	return result, nil
}

// ToggleTimeFrame switches the active timeframe.
func (in *Instrument) ToggleTimeFrame(req ToggleRequest) (ToggleRequest, error) {
	if _, err := ParseTimeFrame(req.TimeFrame); err != nil {
		return ToggleRequest{}, err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.timeFrame = req.TimeFrame
	if in.opts.Type == TypeBacktest {
		if err := in.backtestLocked(); err != nil {
			return ToggleRequest{}, err
		}
	}
	return ToggleRequest{TimeFrame: in.timeFrame}, nil
}

// AddIndicator attaches a catalogue indicator and returns its id.
func (in *Instrument) AddIndicator(req AddIndicatorRequest) (IndicatorRef, error) {
	cfg, err := in.catalogue.Lookup(req.Name)
	if err != nil {
		return IndicatorRef{}, err
	}
	fn, err := indicator.Build(cfg, req.Options)
	if err != nil {
		return IndicatorRef{}, err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.nextID++
	id := "i" + strconv.Itoa(in.nextID)
	in.indicators[id] = &attached{id: id, name: cfg.Name, source: indicator.Source(cfg, req.Options), fn: fn}
	return IndicatorRef{IndicatorID: id}, nil
}

// IndicatorData computes the series of an attached indicator.
func (in *Instrument) IndicatorData(req IndicatorDataRequest) ([]Point, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	ind, ok := in.indicators[req.IndicatorID]
	if !ok {
		return nil, fmt.Errorf("unknown indicator id %q", req.IndicatorID)
	}
	return pointsWindow(computeLocked(ind, in.currentLocked().candles), req.From, req.Until, req.Count), nil
}

func (in *Instrument) currentLocked() *series {
	s, ok := in.series[in.timeFrame]
	if !ok {
		step, _ := ParseTimeFrame(in.timeFrame)
		s = newSeries(in.opts.Symbol, in.timeFrame, step, in.settings.BufferSize, in.settings.Clock())
		in.series[in.timeFrame] = s
	}
	return s
}

// backtestLocked replays the strategy over the whole buffer, replacing prior orders.
func (in *Instrument) backtestLocked() error {
	in.orders = nil
	if in.strategy == nil {
		return nil
	}
	candles := in.currentLocked().candles
	for i := range candles {
		if err := in.applyLocked(candles[:i+1]); err != nil {
			return err
		}
	}
	return nil
}

// evaluateLocked runs the strategy on the newest bar of a live series.
func (in *Instrument) evaluateLocked(candles []Candle) {
	if in.strategy == nil {
		return
	}
	if err := in.applyLocked(candles); err != nil {
		in.settings.Logger.Printf("%s: strategy: %v", in.opts.ID, err)
	}
}

func (in *Instrument) applyLocked(history []Candle) error {
	signal, err := in.strategy.OnCandle(history)
	if err != nil || signal == nil {
		return err
	}
	bar := history[len(history)-1]
	in.orders = append(in.orders, Order{
		ID:       len(in.orders) + 1,
		Time:     bar.Time,
		Side:     signal.Side,
		Quantity: signal.Quantity,
		Price:    bar.Close,
	})
	return nil
}

func computeLocked(ind *attached, candles []Candle) []Point {
	values := make([]decimal.Decimal, len(candles))
	for i, c := range candles {
		values[i] = c.Field(ind.source)
	}
	series := ind.fn(values)
	offset := len(candles) - len(series)
	points := make([]Point, len(series))
	for i, v := range series {
		points[i] = Point{Time: candles[offset+i].Time, Value: v}
	}
	return points
}

func pointsWindow(points []Point, from, until int64, count int) []Point {
	out := make([]Point, 0, len(points))
	for _, p := range points {
		if from > 0 && p.Time < from {
			continue
		}
		if until > 0 && p.Time > until {
			continue
		}
		out = append(out, p)
	}
	if count > 0 && len(out) > count {
		out = out[len(out)-count:]
	}
	return out
}
