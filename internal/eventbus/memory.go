package eventbus

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradejs/errs"
	"github.com/coachpo/tradejs/internal/telemetry"
)

// MemoryBus is an in-memory bus with bounded per-subscriber buffers.
// A full buffer drops its oldest event so publishers never block.
type MemoryBus struct {
	cfg    MemoryConfig
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[Topic]map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	eventsPublished metric.Int64Counter
	subscriberGauge metric.Int64UpDownCounter
	fanoutHistogram metric.Int64Histogram
	droppedCounter  metric.Int64Counter
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := &MemoryBus{
		cfg:         cfg,
		logger:      cfg.Logger,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[Topic]map[SubscriptionID]*subscriber),
	}
	if bus.logger == nil {
		bus.logger = log.New(os.Stdout, "eventbus ", log.LstdFlags|log.Lmicroseconds)
	}

	meter := otel.Meter("eventbus")
	bus.eventsPublished, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("1"))
	bus.droppedCounter, _ = meter.Int64Counter("eventbus.delivery.dropped",
		metric.WithDescription("Events dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))
	return bus
}

// Publish delivers evt to every subscriber of its topic.
func (b *MemoryBus) Publish(ctx context.Context, evt Event) error {
	if evt.Type == "" {
		return errs.New("eventbus/publish", errs.CodeInvalidSpec, errs.WithMessage("event type required"))
	}
	if b.ctx.Err() != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	b.mu.RLock()
	subMap := b.subscribers[evt.Type]
	subs := make([]*subscriber, 0, len(subMap))
	for _, sub := range subMap {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	attrs := metric.WithAttributes(telemetry.EventAttributes(string(evt.Type))...)
	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(subs)), attrs)
	}
	if len(subs) == 0 {
		return nil
	}

	if len(subs) == 1 {
		b.deliver(ctx, subs[0], evt)
	} else {
		p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
		for _, sub := range subs {
			p.Go(func() { b.deliver(ctx, sub, evt) })
		}
		p.Wait()
	}

	if b.eventsPublished != nil {
		b.eventsPublished.Add(ctx, 1, attrs)
	}
	return nil
}

// Subscribe registers for events of topic. The channel closes on Unsubscribe, ctx
// cancellation or bus Close.
func (b *MemoryBus) Subscribe(ctx context.Context, topic Topic) (SubscriptionID, <-chan Event, error) {
	if topic == "" {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeInvalidSpec, errs.WithMessage("topic required"))
	}
	if b.ctx.Err() != nil {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{ctx: subCtx, cancel: cancel, ch: make(chan Event, b.cfg.BufferSize)}
	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[topic][id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), 1, metric.WithAttributes(telemetry.EventAttributes(string(topic))...))
	}

	go b.observe(topic, id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	for topic, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, topic)
			}
			b.mu.Unlock()
			if b.subscriberGauge != nil {
				b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(telemetry.EventAttributes(string(topic))...))
			}
			sub.close()
			return
		}
	}
	b.mu.Unlock()
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for topic, subs := range b.subscribers {
			for id, sub := range subs {
				sub.close()
				delete(subs, id)
			}
			delete(b.subscribers, topic)
		}
		b.mu.Unlock()
	})
}

func (b *MemoryBus) observe(topic Topic, id SubscriptionID, sub *subscriber) {
	select {
	case <-sub.ctx.Done():
	case <-b.ctx.Done():
	}
	b.mu.Lock()
	removed := false
	if subs := b.subscribers[topic]; subs != nil {
		if stored, ok := subs[id]; ok && stored == sub {
			delete(subs, id)
			removed = true
			if len(subs) == 0 {
				delete(b.subscribers, topic)
			}
		}
	}
	b.mu.Unlock()
	sub.close()
	if removed && b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(telemetry.EventAttributes(string(topic))...))
	}
}

// deliver enqueues evt, evicting the oldest buffered event when the buffer is full.
func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- evt:
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	b.logger.Printf("subscriber buffer full; dropped oldest event type=%s instrument=%s", evt.Type, evt.InstrumentID)
	if b.droppedCounter != nil {
		b.droppedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.EventAttributes(string(evt.Type))...))
	}
	select {
	case sub.ch <- evt:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	close(s.ch)
}
