// Package orchestrator creates, supervises and routes commands to instrument workers.
package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/samber/lo"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/tradejs/errs"
	"github.com/coachpo/tradejs/internal/eventbus"
	"github.com/coachpo/tradejs/internal/executor"
	"github.com/coachpo/tradejs/internal/indicator"
	"github.com/coachpo/tradejs/internal/journal"
	"github.com/coachpo/tradejs/internal/telemetry"
	"github.com/coachpo/tradejs/internal/worker"
)

// Config tunes worker supervision and create throughput.
type Config struct {
	Worker worker.Config
	// SpawnRate is the sustained spawns per second. Zero disables throttling.
	SpawnRate  float64
	SpawnBurst int
	// CreateConcurrency bounds how many entries of one batch initialise at once.
	CreateConcurrency int
}

func (c Config) normalise() Config {
	if c.SpawnBurst <= 0 {
		c.SpawnBurst = 1
	}
	if c.CreateConcurrency <= 0 {
		c.CreateConcurrency = 8
	}
	return c
}

// Deps are the collaborators of an Orchestrator. Spawner is required.
type Deps struct {
	Spawner   worker.Spawner
	Executors *executor.Registry
	Bus       eventbus.Bus
	Journal   journal.Sink
	Catalogue *indicator.Catalogue
	Logger    *log.Logger
}

// Orchestrator is the public surface over all instrument workers.
type Orchestrator struct {
	cfg       Config
	spawner   worker.Spawner
	executors *executor.Registry
	bus       eventbus.Bus
	ownsBus   bool
	journal   journal.Sink
	catalogue *indicator.Catalogue
	logger    *log.Logger
	limiter   *rate.Limiter

	registry *registry
	nextID   atomic.Int64
	nextGrp  atomic.Int64

	closeMu sync.RWMutex
	closed  bool

	metrics *orchestratorMetrics
}

// New builds an orchestrator. Missing optional deps get in-process defaults.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Spawner == nil {
		return nil, errors.New("orchestrator: spawner required")
	}
	cfg = cfg.normalise()
	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "instrument-orchestrator ", log.LstdFlags|log.Lmicroseconds)
	}
	catalogue := deps.Catalogue
	if catalogue == nil {
		var err error
		if catalogue, err = indicator.Default(); err != nil {
			return nil, fmt.Errorf("orchestrator: load indicator catalogue: %w", err)
		}
	}
	o := &Orchestrator{
		cfg:       cfg,
		spawner:   deps.Spawner,
		executors: deps.Executors,
		bus:       deps.Bus,
		journal:   deps.Journal,
		catalogue: catalogue,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Inf, cfg.SpawnBurst),
		registry:  newRegistry(),
		metrics:   newOrchestratorMetrics(),
	}
	if cfg.SpawnRate > 0 {
		o.limiter.SetLimit(rate.Limit(cfg.SpawnRate))
	}
	if o.executors == nil {
		o.executors = executor.NewRegistry(executor.Config{})
	}
	if o.bus == nil {
		o.bus = eventbus.NewMemoryBus(eventbus.MemoryConfig{})
		o.ownsBus = true
	}
	if o.journal == nil {
		o.journal = journal.NewLogSink(logger)
	}
	return o, nil
}

// Create starts one instrument per spec. Entries succeed or fail independently and
// outcomes come back in input order. All entries share one group id.
func (o *Orchestrator) Create(ctx context.Context, specs []Spec) []CreateOutcome {
	outcomes := make([]CreateOutcome, len(specs))
	if len(specs) == 0 {
		return outcomes
	}
	if o.isClosed() {
		for i := range outcomes {
			outcomes[i].Err = errs.New("orchestrator/create", errs.CodeUnavailable, errs.WithMessage("orchestrator closed"))
		}
		return outcomes
	}
	group := o.nextGrp.Add(1)
	p := concpool.New().WithMaxGoroutines(o.cfg.CreateConcurrency)
	for i, spec := range specs {
		start := time.Now()
		model, err := o.allocate(group, spec)
		if err != nil {
			o.createFailed(ctx, "", "", err, start)
			outcomes[i].Err = err
			continue
		}
		p.Go(func() {
			created, err := o.start(ctx, model, spec.Options, start)
			if err != nil {
				outcomes[i].Err = err
				return
			}
			outcomes[i].Model = &created
		})
	}
	p.Wait()
	return outcomes
}

// allocate validates spec and assigns the next id. Ids follow input order.
func (o *Orchestrator) allocate(group int64, spec Spec) (Model, error) {
	symbol := strings.TrimSpace(spec.Symbol)
	if symbol == "" {
		return Model{}, errs.New("orchestrator/create", errs.CodeInvalidSpec, errs.WithMessage("symbol is required"))
	}
	seq := o.nextID.Add(1)
	return Model{
		ID:        fmt.Sprintf("%s_%d", symbol, seq),
		GroupID:   group,
		Symbol:    symbol,
		Type:      lo.CoalesceOrEmpty(strings.TrimSpace(spec.Type), TypeLive),
		EA:        strings.TrimSpace(spec.EA),
		TimeFrame: lo.CoalesceOrEmpty(strings.TrimSpace(spec.TimeFrame), defaultTimeFrame),
		seq:       seq,
	}, nil
}

// start resolves the executor, initialises the worker and registers the record.
func (o *Orchestrator) start(ctx context.Context, model Model, options map[string]any, start time.Time) (Model, error) {
	launch, err := o.executors.Resolve(executor.Request{
		ID:        model.ID,
		Symbol:    model.Symbol,
		Type:      model.Type,
		EA:        model.EA,
		TimeFrame: model.TimeFrame,
		Options:   options,
	})
	if err != nil {
		if errs.CodeOf(err) == "" {
			err = errs.New("orchestrator/create", errs.CodeInvalidSpec, errs.WithInstrument(model.ID), errs.WithCause(err))
		}
		o.createFailed(ctx, model.ID, "", err, start)
		return Model{}, err
	}
	model.Executor = launch.Kind

	if err := o.limiter.Wait(ctx); err != nil {
		err = fmt.Errorf("orchestrator: spawn %s: %w", model.ID, err)
		o.createFailed(ctx, model.ID, launch.Kind, err, start)
		return Model{}, err
	}

	host := worker.NewHost(model.ID, launch, o.spawner,
		worker.WithConfig(o.cfg.Worker),
		worker.WithLogger(o.logger))
	host.OnStatus(o.handleStatus)
	host.OnFault(o.handleFault)
	host.OnExit(o.handleExit)

	if err := host.Init(ctx); err != nil {
		_ = host.Kill()
		o.createFailed(ctx, model.ID, launch.Kind, err, start)
		return Model{}, err
	}

	model.CreatedAt = time.Now()
	rec := &record{host: host, model: model}
	if err := o.registry.Add(rec); err != nil {
		_ = host.Kill()
		o.createFailed(ctx, model.ID, launch.Kind, err, start)
		return Model{}, err
	}
	o.metrics.added(ctx)

	if o.isClosed() {
		o.discard(model.ID)
		err := errs.New("orchestrator/create", errs.CodeUnavailable, errs.WithInstrument(model.ID), errs.WithMessage("orchestrator closed"))
		o.createFailed(ctx, model.ID, launch.Kind, err, start)
		return Model{}, err
	}
	if host.Exited() {
		// The exit hook may have fired before the record was visible.
		o.discard(model.ID)
		err := errs.New("orchestrator/create", errs.CodeWorkerCrashed, errs.WithInstrument(model.ID),
			errs.WithMessage(fmt.Sprintf("worker exited with code %d during registration", host.ExitCode())))
		o.createFailed(ctx, model.ID, launch.Kind, err, start)
		return Model{}, err
	}

	o.metrics.created(ctx, launch.Kind, time.Since(start))
	o.logger.Printf("instrument %s created (group=%d executor=%s type=%s timeFrame=%s)",
		model.ID, model.GroupID, launch.Kind, model.Type, model.TimeFrame)
	o.publish(ctx, eventbus.TopicCreated, model.ID, map[string]any{
		"model": model.clone(),
	})
	o.record(ctx, journal.LevelInfo, journal.KindCreated, model.ID, "", map[string]any{
		"groupId":  model.GroupID,
		"executor": launch.Kind,
	})
	return model.clone(), nil
}

func (o *Orchestrator) createFailed(ctx context.Context, id, executorKind string, err error, start time.Time) {
	o.metrics.failed(ctx, executorKind, err, time.Since(start))
	o.logger.Printf("create failed: instrument=%s: %v", lo.CoalesceOrEmpty(id, "<unallocated>"), err)
	o.record(ctx, journal.LevelError, journal.KindCreateFailed, id, err.Error(), map[string]any{
		"code": string(errs.CodeOf(err)),
	})
}

// discard removes a record that never became visible and stops its worker.
func (o *Orchestrator) discard(id string) {
	if rec, ok := o.registry.Remove(id); ok {
		o.metrics.removed(context.Background())
		_ = rec.host.Kill()
	}
}

// Get returns the cached model for id.
func (o *Orchestrator) Get(id string) (Model, bool) {
	rec, ok := o.registry.GetByID(id)
	if !ok {
		return Model{}, false
	}
	return rec.snapshot(), true
}

// Read forwards a read command and returns the worker's reply unchanged.
func (o *Orchestrator) Read(ctx context.Context, id string, params ReadParams) (json.RawMessage, error) {
	return o.send(ctx, "orchestrator/read", id, CommandRead, params)
}

// ToggleTimeFrame records tf locally before the worker confirms it. A rejected
// change is not rolled back; subsequent reads reflect what the worker applied.
func (o *Orchestrator) ToggleTimeFrame(ctx context.Context, id, tf string) error {
	rec, ok := o.registry.GetByID(id)
	if !ok {
		return errs.NotFound("orchestrator/toggleTimeFrame", id)
	}
	tf = strings.TrimSpace(tf)
	if tf == "" {
		return errs.New("orchestrator/toggleTimeFrame", errs.CodeInvalidSpec, errs.WithInstrument(id), errs.WithMessage("timeFrame is required"))
	}
	rec.setTimeFrame(tf)
	_, err := rec.host.Send(ctx, CommandToggleTimeFrame, toggleParams{TimeFrame: tf})
	return err
}

// AddIndicator attaches an indicator. With ReadCount > 0 the initial series is
// fetched as well; if that read fails the indicator stays attached and the
// result still carries its id.
func (o *Orchestrator) AddIndicator(ctx context.Context, params AddIndicatorParams) (AddIndicatorResult, error) {
	raw, err := o.send(ctx, "orchestrator/addIndicator", params.ID, CommandAddIndicator, params)
	if err != nil {
		return AddIndicatorResult{}, err
	}
	var ref indicatorRef
	if err := json.Unmarshal(raw, &ref); err != nil || ref.IndicatorID == "" {
		return AddIndicatorResult{}, errs.New("orchestrator/addIndicator", errs.CodeWorkerError,
			errs.WithInstrument(params.ID),
			errs.WithMessage("worker reply has no indicatorId"),
			errs.WithCause(err))
	}
	result := AddIndicatorResult{ID: ref.IndicatorID}
	if params.ReadCount <= 0 {
		return result, nil
	}
	data, err := o.GetIndicatorData(ctx, IndicatorDataParams{
		ID:          params.ID,
		IndicatorID: ref.IndicatorID,
		Name:        params.Name,
		Count:       params.ReadCount,
	})
	if err != nil {
		return result, err
	}
	result.Data = data
	return result, nil
}

// GetIndicatorData forwards a get-data command.
func (o *Orchestrator) GetIndicatorData(ctx context.Context, params IndicatorDataParams) (json.RawMessage, error) {
	return o.send(ctx, "orchestrator/getIndicatorData", params.ID, CommandIndicatorData, params)
}

// GetIndicatorOptions returns the catalogue entry for name.
func (o *Orchestrator) GetIndicatorOptions(name string) (indicator.Config, error) {
	return o.catalogue.Lookup(name)
}

// GetList projects every registered instrument in id allocation order.
func (o *Orchestrator) GetList() []Summary {
	records := o.registry.List()
	slices.SortFunc(records, func(a, b *record) int { return cmp.Compare(a.model.seq, b.model.seq) })
	return lo.Map(records, func(rec *record, _ int) Summary { return rec.summary() })
}

// Destroy removes id and stops its worker. Unknown ids are logged and ignored,
// which covers an explicit destroy racing a crash.
func (o *Orchestrator) Destroy(ctx context.Context, id string) error {
	rec, ok := o.registry.Remove(id)
	if !ok {
		o.logger.Printf("destroy: instrument %s not found", id)
		o.record(ctx, journal.LevelWarn, journal.KindDestroyUnknown, id, "instrument not found", nil)
		return nil
	}
	o.metrics.removed(ctx)
	err := rec.host.Kill()
	if err != nil {
		o.logger.Printf("destroy %s: kill worker: %v", id, err)
	}
	o.publish(ctx, eventbus.TopicDestroyed, id, map[string]any{"reason": "destroy"})
	o.record(ctx, journal.LevelInfo, journal.KindDestroyed, id, "", nil)
	return err
}

// DestroyAll destroys a snapshot of the current ids.
func (o *Orchestrator) DestroyAll(ctx context.Context) error {
	var all error
	for _, id := range o.registry.IDs() {
		if err := o.Destroy(ctx, id); err != nil {
			all = errors.Join(all, err)
		}
	}
	return all
}

// Subscribe registers for orchestrator events on topic.
func (o *Orchestrator) Subscribe(ctx context.Context, topic eventbus.Topic) (eventbus.SubscriptionID, <-chan eventbus.Event, error) {
	return o.bus.Subscribe(ctx, topic)
}

// Unsubscribe cancels a subscription.
func (o *Orchestrator) Unsubscribe(id eventbus.SubscriptionID) {
	o.bus.Unsubscribe(id)
}

// Close destroys every instrument and rejects further creates.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closeMu.Lock()
	already := o.closed
	o.closed = true
	o.closeMu.Unlock()
	if already {
		return nil
	}
	err := o.DestroyAll(ctx)
	if o.ownsBus {
		o.bus.Close()
	}
	return err
}

func (o *Orchestrator) isClosed() bool {
	o.closeMu.RLock()
	defer o.closeMu.RUnlock()
	return o.closed
}

func (o *Orchestrator) send(ctx context.Context, op, id, command string, payload any) (json.RawMessage, error) {
	rec, ok := o.registry.GetByID(id)
	if !ok {
		return nil, errs.NotFound(op, id)
	}
	return rec.host.Send(ctx, command, payload)
}

func (o *Orchestrator) handleStatus(id string, payload json.RawMessage) {
	rec, ok := o.registry.GetByID(id)
	if !ok {
		o.logger.Printf("status for unknown instrument %s dropped", id)
		return
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		o.logger.Printf("status from %s is not an object: %v", id, err)
		return
	}
	merged := rec.mergeStatus(fields)
	o.publish(context.Background(), eventbus.TopicStatus, id, merged)
}

func (o *Orchestrator) handleFault(id string, err error) {
	o.logger.Printf("worker fault: instrument=%s: %v", id, err)
	o.record(context.Background(), journal.LevelWarn, journal.KindFault, id, err.Error(), nil)
}

// handleExit runs once per worker. A record still registered means the worker
// went away on its own.
func (o *Orchestrator) handleExit(id string, code int) {
	if _, ok := o.registry.Remove(id); !ok {
		return
	}
	ctx := context.Background()
	o.metrics.removed(ctx)
	o.logger.Printf("instrument %s worker exited with code %d; removed", id, code)
	o.publish(ctx, eventbus.TopicDestroyed, id, map[string]any{"reason": "exit", "exitCode": code})
	o.record(ctx, journal.LevelError, journal.KindCrashed, id, "worker exited unexpectedly", map[string]any{"exitCode": code})
}

func (o *Orchestrator) publish(ctx context.Context, topic eventbus.Topic, id string, payload map[string]any) {
	err := o.bus.Publish(ctx, eventbus.Event{Type: topic, InstrumentID: id, Payload: payload})
	if err != nil && !errs.IsCode(err, errs.CodeUnavailable) {
		o.logger.Printf("publish %s for %s: %v", topic, id, err)
	}
}

func (o *Orchestrator) record(ctx context.Context, level journal.Level, kind journal.Kind, id, message string, fields map[string]any) {
	o.journal.Record(ctx, journal.Entry{
		At:           time.Now(),
		Level:        level,
		InstrumentID: id,
		Kind:         kind,
		Message:      message,
		Fields:       fields,
	})
}

type orchestratorMetrics struct {
	active   metric.Int64UpDownCounter
	results  metric.Int64Counter
	duration metric.Float64Histogram
}

func newOrchestratorMetrics() *orchestratorMetrics {
	meter := otel.Meter("orchestrator")
	m := &orchestratorMetrics{}
	m.active, _ = meter.Int64UpDownCounter("orchestrator.instruments.active",
		metric.WithDescription("Instruments currently registered"),
		metric.WithUnit("{instrument}"))
	m.results, _ = meter.Int64Counter("orchestrator.create.results",
		metric.WithDescription("Instrument create outcomes"),
		metric.WithUnit("{instrument}"))
	m.duration, _ = meter.Float64Histogram("orchestrator.create.duration",
		metric.WithDescription("Time from create request to registration or failure"),
		metric.WithUnit("ms"))
	return m
}

func (m *orchestratorMetrics) created(ctx context.Context, executorKind string, elapsed time.Duration) {
	attrs := metric.WithAttributes(telemetry.CreateAttributes(executorKind, telemetry.ResultSuccess, "")...)
	if m.results != nil {
		m.results.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}

func (m *orchestratorMetrics) failed(ctx context.Context, executorKind string, err error, elapsed time.Duration) {
	result := telemetry.ResultError
	if errs.IsCode(err, errs.CodeWorkerTimeout) || errors.Is(err, context.DeadlineExceeded) {
		result = telemetry.ResultTimeout
	}
	attrs := metric.WithAttributes(telemetry.CreateAttributes(lo.CoalesceOrEmpty(executorKind, "none"), result, string(errs.CodeOf(err)))...)
	if m.results != nil {
		m.results.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}

func (m *orchestratorMetrics) added(ctx context.Context) {
	if m.active != nil {
		m.active.Add(ctx, 1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
}

func (m *orchestratorMetrics) removed(ctx context.Context) {
	if m.active != nil {
		m.active.Add(ctx, -1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
}
