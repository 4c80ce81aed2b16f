package orchestrator

import (
	"maps"
	"time"

	json "github.com/goccy/go-json"
)

// Worker protocol commands.
const (
	CommandRead            = "read"
	CommandToggleTimeFrame = "toggleTimeFrame"
	CommandAddIndicator    = "indicator:add"
	CommandIndicatorData   = "get-data"
)

const (
	TypeLive     = "live"
	TypeBacktest = "backtest"

	defaultTimeFrame = "1m"
)

// Spec describes one instrument to create.
type Spec struct {
	Symbol    string         `json:"symbol"`
	Type      string         `json:"type,omitempty"`
	EA        string         `json:"ea,omitempty"`
	TimeFrame string         `json:"timeFrame,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// Model is the orchestrator's cached view of an instrument.
type Model struct {
	ID        string         `json:"id"`
	GroupID   int64          `json:"groupId"`
	Symbol    string         `json:"symbol"`
	Type      string         `json:"type"`
	EA        string         `json:"ea,omitempty"`
	Executor  string         `json:"executor"`
	TimeFrame string         `json:"timeFrame"`
	Status    map[string]any `json:"status,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`

	seq int64
}

func (m Model) clone() Model {
	m.Status = maps.Clone(m.Status)
	return m
}

// CreateOutcome is the settled result of one Spec. Exactly one of Model and Err is set.
type CreateOutcome struct {
	Model *Model
	Err   error
}

// Summary is the listing projection. Orders is only populated for backtests.
type Summary struct {
	ID        string `json:"id"`
	GroupID   int64  `json:"groupId"`
	TimeFrame string `json:"timeFrame"`
	Symbol    string `json:"symbol"`
	Type      string `json:"type"`
	Orders    []any  `json:"orders,omitempty"`
}

// ReadParams is the read command payload.
type ReadParams struct {
	From       int64 `json:"from,omitempty"`
	Until      int64 `json:"until,omitempty"`
	Count      int   `json:"count,omitempty"`
	BufferOnly bool  `json:"bufferOnly,omitempty"`
	Indicators bool  `json:"indicators,omitempty"`
}

// AddIndicatorParams adds an indicator to instrument ID. A positive ReadCount
// also fetches that many initial points.
type AddIndicatorParams struct {
	ID        string         `json:"-"`
	Name      string         `json:"name"`
	Options   map[string]any `json:"options,omitempty"`
	ReadCount int            `json:"-"`
}

// AddIndicatorResult carries the worker-assigned indicator id and optional data.
type AddIndicatorResult struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IndicatorDataParams reads an indicator series from instrument ID.
type IndicatorDataParams struct {
	ID          string `json:"-"`
	IndicatorID string `json:"indicatorId"`
	Name        string `json:"name,omitempty"`
	From        int64  `json:"from,omitempty"`
	Until       int64  `json:"until,omitempty"`
	Count       int    `json:"count,omitempty"`
}

type toggleParams struct {
	TimeFrame string `json:"timeFrame"`
}

type indicatorRef struct {
	IndicatorID string `json:"indicatorId"`
}
