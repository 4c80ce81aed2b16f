package orchestrator

import (
	"fmt"
	"sync"

	"github.com/samber/lo"

	"github.com/coachpo/tradejs/internal/worker"
)

// record pairs a model with the host that owns its worker.
type record struct {
	host *worker.Host

	mu    sync.Mutex
	model Model
}

func (r *record) id() string { return r.model.ID }

func (r *record) snapshot() Model {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.model.clone()
}

func (r *record) setTimeFrame(tf string) {
	r.mu.Lock()
	r.model.TimeFrame = tf
	r.mu.Unlock()
}

func (r *record) mergeStatus(fields map[string]any) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model.Status == nil {
		r.model.Status = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		r.model.Status[k] = v
	}
	return r.model.clone().Status
}

func (r *record) summary() Summary {
	m := r.snapshot()
	s := Summary{
		ID:        m.ID,
		GroupID:   m.GroupID,
		TimeFrame: m.TimeFrame,
		Symbol:    m.Symbol,
		Type:      m.Type,
	}
	if m.Type == TypeBacktest {
		s.Orders = []any{}
		if orders, ok := m.Status["orders"].([]any); ok {
			s.Orders = orders
		}
	}
	return s
}

// registry holds active records in insertion order.
type registry struct {
	mu      sync.RWMutex
	records []*record
	byID    map[string]*record
}

func newRegistry() *registry {
	return &registry{byID: make(map[string]*record)}
}

// Add registers rec. A colliding id means the id counter was bypassed.
func (r *registry) Add(rec *record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := rec.id()
	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("orchestrator: instrument %q already registered", id)
	}
	r.records = append(r.records, rec)
	r.byID[id] = rec
	return nil
}

func (r *registry) GetByID(id string) (*record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	return rec, ok
}

// FindIndexByID returns the insertion position of id, or -1.
func (r *registry) FindIndexByID(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, idx, _ := lo.FindIndexOf(r.records, func(rec *record) bool { return rec.id() == id })
	return idx
}

// Remove unregisters id and returns the removed record.
func (r *registry) Remove(id string) (*record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	r.records = lo.Without(r.records, rec)
	return rec, true
}

func (r *registry) List() []*record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*record(nil), r.records...)
}

func (r *registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(r.records, func(rec *record, _ int) string { return rec.id() })
}

func (r *registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
