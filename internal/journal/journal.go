// Package journal records orchestrator diagnostics: failed creates, worker faults,
// crashes and lifecycle transitions.
package journal

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind classifies a journal entry.
type Kind string

const (
	KindCreated        Kind = "created"
	KindCreateFailed   Kind = "create_failed"
	KindFault          Kind = "fault"
	KindCrashed        Kind = "crashed"
	KindDestroyed      Kind = "destroyed"
	KindDestroyUnknown Kind = "destroy_unknown"
)

// Level is the entry severity.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is one diagnostic record.
type Entry struct {
	At           time.Time      `json:"at"`
	Level        Level          `json:"level"`
	InstrumentID string         `json:"instrumentId,omitempty"`
	Kind         Kind           `json:"kind"`
	Message      string         `json:"message,omitempty"`
	Fields       map[string]any `json:"fields,omitempty"`
}

// Sink accepts entries. Record must not block the caller on slow storage.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// LogSink writes entries to a logger.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink returns a sink writing to logger, or stdout when nil.
func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.New(os.Stdout, "journal ", log.LstdFlags|log.Lmicroseconds)
	}
	return &LogSink{logger: logger}
}

// Record implements Sink.
func (s *LogSink) Record(_ context.Context, e Entry) {
	var b strings.Builder
	fmt.Fprintf(&b, "level=%s kind=%s", e.Level, e.Kind)
	if e.InstrumentID != "" {
		fmt.Fprintf(&b, " instrument=%s", e.InstrumentID)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " message=%q", e.Message)
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
	}
	s.logger.Print(b.String())
}

// Multi fans entries out to several sinks.
type Multi []Sink

// Record implements Sink.
func (m Multi) Record(ctx context.Context, e Entry) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, e)
		}
	}
}

// Memory keeps entries in memory.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// Record implements Sink.
func (m *Memory) Record(_ context.Context, e Entry) {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
}

// Entries returns a snapshot of recorded entries.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// OfKind returns entries of the given kind.
func (m *Memory) OfKind(kind Kind) []Entry {
	var out []Entry
	for _, e := range m.Entries() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Discard drops every entry.
type Discard struct{}

// Record implements Sink.
func (Discard) Record(context.Context, Entry) {}
