package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-dsp/pkg/domain"
	"github.com/polisai/polis-dsp/pkg/schedule"
	"github.com/polisai/polis-dsp/pkg/storage"
	"github.com/polisai/polis-dsp/pkg/telemetry"
)

const tracerName = "dsp.pipeline"

// DefaultPositionSlots is the mailbox stream region size in reports.
const DefaultPositionSlots = 32

// Scheduler is the task scheduler contract the engine drives pipelines with.
type Scheduler interface {
	NewTask(name string, r schedule.Runner, priority, core int) *schedule.Task
	Schedule(t *schedule.Task, start, period time.Duration) bool
	Cancel(t *schedule.Task)
	IsActive(t *schedule.Task) bool
	Free(t *schedule.Task)
}

// Observer receives pipeline level events, e.g. for metrics.
type Observer interface {
	PipelineStatus(pipelineID uint32, status domain.CompState)
	Xrun(pipelineID, compID uint32, bytes int32)
}

// Config holds dependencies for creating an Engine.
type Config struct {
	Logger *slog.Logger
	// Drivers resolves component types; defaults to an empty registry.
	Drivers *Registry
	// TimerScheduler and DMAScheduler drive timer and DMA domain pipelines.
	TimerScheduler Scheduler
	DMAScheduler   Scheduler
	Mailbox        storage.Mailbox
	Notifier       storage.Notifier
	PositionSlots  int
	// DisableXrunRecovery leaves XRUN pipelines stopped until the host
	// restarts them.
	DisableXrunRecovery bool
	Clock               func() time.Time
	Observer            Observer
}

// Engine executes pipelines over a component graph. One mutex serialises
// every walk, whether it comes from the host or from a pipeline task.
type Engine struct {
	id       string
	logger   *slog.Logger
	drivers  *Registry
	timer    Scheduler
	dma      Scheduler
	mailbox  storage.Mailbox
	notifier storage.Notifier
	clock    func() time.Time
	observer Observer

	xrunRecovery bool

	mu        sync.Mutex
	graph     *Graph
	pipelines map[uint32]*Pipeline
	posn      *PositionTable
}

// New creates an engine with the given configuration.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	drivers := cfg.Drivers
	if drivers == nil {
		drivers = NewRegistry()
	}
	timer := cfg.TimerScheduler
	if timer == nil {
		timer = schedule.New(schedule.Config{Kind: schedule.KindTimer, Clock: clock, Logger: logger})
	}
	dma := cfg.DMAScheduler
	if dma == nil {
		dma = schedule.New(schedule.Config{Kind: schedule.KindDMA, Clock: clock, Logger: logger})
	}
	slots := cfg.PositionSlots
	if slots <= 0 {
		slots = DefaultPositionSlots
	}
	mailbox := cfg.Mailbox
	if mailbox == nil {
		mailbox = storage.NewMemoryMailbox(slots)
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = storage.NewMemoryNotifier(0)
	}

	return &Engine{
		id:           id,
		logger:       logger.With("engine_id", id),
		drivers:      drivers,
		timer:        timer,
		dma:          dma,
		mailbox:      mailbox,
		notifier:     notifier,
		clock:        clock,
		observer:     cfg.Observer,
		xrunRecovery: !cfg.DisableXrunRecovery,
		graph:        NewGraph(),
		pipelines:    make(map[uint32]*Pipeline),
		posn:         NewPositionTable(slots),
	}
}

// ID returns the engine instance id.
func (e *Engine) ID() string { return e.id }

// Graph returns the component arena.
func (e *Engine) Graph() *Graph { return e.graph }

// Pipeline looks up a pipeline by id.
func (e *Engine) Pipeline(id uint32) (*Pipeline, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pipelines[id]
	return p, ok
}

// Pipelines returns every pipeline ordered by id.
func (e *Engine) Pipelines() []*Pipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Pipeline, 0, len(e.pipelines))
	for _, p := range e.pipelines {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// NewComponent instantiates a component through the driver registry. The
// component is READY once its driver is created.
func (e *Engine) NewComponent(desc domain.ComponentDescriptor) (*Component, error) {
	details := map[string]any{"comp_id": desc.ID, "comp_type": string(desc.Type)}
	driver, ok := e.drivers.Resolve(string(desc.Type))
	if !ok {
		return nil, domain.NewError(domain.ErrNoDevice, details, "component %d: no driver for %q", desc.ID, desc.Type)
	}
	desc.Type = driver.Type()

	e.mu.Lock()
	defer e.mu.Unlock()

	c := newComponent(desc, e.logger)
	ops, err := driver.Create(c, desc)
	if err != nil {
		return nil, domain.NewError(err, details, "component %d: create", desc.ID)
	}
	c.ops = ops
	if err := e.graph.addComponent(c); err != nil {
		ops.Free()
		return nil, domain.NewError(err, details, "component %d", desc.ID)
	}
	c.setState(domain.StateReady)
	e.logger.Debug("component created", "comp_id", c.id, "comp_type", string(c.typ), "pipeline_id", desc.PipelineID)
	return c, nil
}

// FreeComponent releases a component that no pipeline owns any more.
func (e *Engine) FreeComponent(c *Component) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c.pipeline != nil {
		return domain.NewError(domain.ErrBusy, map[string]any{"comp_id": c.id},
			"component %d still owned by pipeline %d", c.id, c.pipeline.id)
	}
	e.graph.detach(c)
	e.graph.removeComponent(c)
	c.ops.Free()
	return nil
}

// NewBuffer creates a buffer edge.
func (e *Engine) NewBuffer(desc domain.BufferDescriptor) (*Buffer, error) {
	if desc.Size <= 0 {
		return nil, domain.NewError(domain.ErrInvalidArgument, map[string]any{"buffer_id": desc.ID},
			"buffer %d: size must be positive", desc.ID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	b := newBuffer(desc)
	if err := e.graph.addBuffer(b); err != nil {
		return nil, domain.NewError(err, map[string]any{"buffer_id": desc.ID}, "buffer %d", desc.ID)
	}
	return b, nil
}

// FreeBuffer removes a buffer whose endpoints are idle.
func (e *Engine) FreeBuffer(b *Buffer) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range []*Component{b.source, b.sink} {
		if c != nil && c.State() > domain.StateReady {
			return domain.NewError(domain.ErrBusy, map[string]any{"buffer_id": b.id},
				"buffer %d: component %d is %s", b.id, c.id, c.State())
		}
	}
	e.graph.removeBuffer(b)
	return nil
}

// Connect attaches b to c in the given direction.
func (e *Engine) Connect(c *Component, b *Buffer, dir ConnectDir) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.graph.connect(c, b, dir); err != nil {
		return domain.NewError(err, map[string]any{"comp_id": c.id, "buffer_id": b.id}, "connect")
	}
	return nil
}

// Disconnect detaches b from c. Running components cannot be rewired.
func (e *Engine) Disconnect(c *Component, b *Buffer, dir ConnectDir) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c.State() > domain.StateReady {
		return domain.NewError(domain.ErrBusy, map[string]any{"comp_id": c.id, "buffer_id": b.id},
			"disconnect: component %d is %s", c.id, c.State())
	}
	e.graph.disconnect(c, b, dir)
	return nil
}

// Cmd forwards a component specific command to the driver.
func (e *Engine) Cmd(c *Component, cmd string, data map[string]any) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.ops.Cmd(cmd, data)
}

// SetAttribute forwards an attribute write to the driver.
func (e *Engine) SetAttribute(c *Component, key string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.ops.SetAttribute(key, value)
}

// GetAttribute forwards an attribute read to the driver.
func (e *Engine) GetAttribute(c *Component, key string) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.ops.GetAttribute(key)
}

// ensureTask lazily creates the pipeline task on the scheduler matching
// its time domain.
func (e *Engine) ensureTask(p *Pipeline) {
	if p.task != nil {
		return
	}
	p.sched = e.timer
	if p.timeDomain == domain.TimeDomainDMA {
		p.sched = e.dma
	}
	p.task = p.sched.NewTask(fmt.Sprintf("pipeline-%d", p.id), p, p.priority, p.core)
	e.logger.Debug("pipeline task created", "pipeline_id", p.id, "time_domain", string(p.timeDomain))
}

// observe wraps a public operation in a span and records its outcome.
func (e *Engine) observe(ctx context.Context, op string, p *Pipeline, attrs []attribute.KeyValue, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	tracer := otel.Tracer(tracerName)
	base := []attribute.KeyValue{
		attribute.String("engine.id", e.id),
		attribute.Int64("pipeline.id", int64(p.id)),
	}
	ctx, span := tracer.Start(ctx, "pipeline."+op, trace.WithAttributes(append(base, attrs...)...))
	defer span.End()

	started := e.clock()
	err := fn(ctx)
	outcome := "success"
	if err != nil {
		outcome = domain.CodeFor(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("pipeline operation failed", "pipeline_id", p.id, "op", op, "error", err)
	}
	span.SetAttributes(attribute.String("pipeline.outcome", outcome))
	telemetry.RecordPipelineEvent(span, telemetry.PipelineEvent{
		PipelineID: p.id,
		Command:    op,
		Status:     p.Status().String(),
		XrunBytes:  p.XrunBytes(),
	})

	telemetry.RecordOperation(ctx, telemetry.OperationMetrics{
		PipelineID: p.id,
		Operation:  op,
		Outcome:    outcome,
		Duration:   e.clock().Sub(started),
	})
	return err
}
