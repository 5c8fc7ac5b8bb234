package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-dsp/pkg/domain"
	"github.com/polisai/polis-dsp/pkg/schedule"
)

// Pipeline is the unit of scheduling and triggering: a completed subgraph of
// components sharing one periodic task.
type Pipeline struct {
	id             uint32
	priority       int
	periodUS       uint32
	core           int
	timeDomain     domain.TimeDomain
	framesPerSched uint32
	schedCompID    uint32

	status    atomic.Int32
	xrunBytes atomic.Int32

	sourceComp *Component
	sinkComp   *Component
	schedComp  *Component

	sched Scheduler
	task  *schedule.Task
	// skipCopy makes the next task run only re-arm: set when another
	// pipeline's XRUN recovery restarted this one while its task was due.
	skipCopy bool

	posnSlot int
	msg      domain.PositionReport

	engine *Engine
}

// ID returns the pipeline id.
func (p *Pipeline) ID() uint32 { return p.id }

// Status returns the pipeline status.
func (p *Pipeline) Status() domain.CompState { return domain.CompState(p.status.Load()) }

func (p *Pipeline) setStatus(s domain.CompState) {
	if domain.CompState(p.status.Swap(int32(s))) != s && p.engine.observer != nil {
		p.engine.observer.PipelineStatus(p.id, s)
	}
}

// XrunBytes returns the outstanding XRUN size, 0 when healthy.
func (p *Pipeline) XrunBytes() int32 { return p.xrunBytes.Load() }

// Priority returns the scheduling priority, lower runs first.
func (p *Pipeline) Priority() int { return p.priority }

// PeriodUS returns the scheduling period in microseconds.
func (p *Pipeline) PeriodUS() uint32 { return p.periodUS }

// Period returns the scheduling period.
func (p *Pipeline) Period() time.Duration { return time.Duration(p.periodUS) * time.Microsecond }

// SourceComp returns the source endpoint recorded at completion.
func (p *Pipeline) SourceComp() *Component { return p.sourceComp }

// SinkComp returns the sink endpoint recorded at completion.
func (p *Pipeline) SinkComp() *Component { return p.sinkComp }

// SchedComp returns the component whose trigger schedules the pipeline.
func (p *Pipeline) SchedComp() *Component { return p.schedComp }

// PositionSlot returns the mailbox slot reserved for position reports.
func (p *Pipeline) PositionSlot() int { return p.posnSlot }

// Task returns the scheduling task, nil before the first prepare.
func (p *Pipeline) Task() *schedule.Task { return p.task }

// TaskScheduled reports whether the pipeline task is queued or running.
func (p *Pipeline) TaskScheduled() bool {
	return p.task != nil && p.sched != nil && p.sched.IsActive(p.task)
}

// hostEnd is the endpoint from which a walk in its own direction covers the
// whole pipeline: the source for playback, the sink for capture.
func (p *Pipeline) hostEnd() *Component {
	if p.sourceComp == nil || p.sourceComp.direction == domain.DirectionPlayback {
		return p.sourceComp
	}
	return p.sinkComp
}

// endpoint returns the pipeline extremity facing dir.
func (p *Pipeline) endpoint(dir walkDir) *Component {
	if dir == downstream {
		return p.sinkComp
	}
	return p.sourceComp
}

// Run implements schedule.Runner.
func (p *Pipeline) Run() schedule.Outcome {
	return p.engine.runTask(p)
}

// NewPipeline creates a pipeline in INIT state and reserves its position slot.
func (e *Engine) NewPipeline(desc domain.PipelineDescriptor) (*Pipeline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.pipelines[desc.ID]; exists {
		return nil, domain.NewError(domain.ErrInvalidArgument, map[string]any{"pipeline_id": desc.ID},
			"pipeline %d already exists", desc.ID)
	}
	if desc.PeriodUS == 0 {
		return nil, domain.NewError(domain.ErrInvalidArgument, map[string]any{"pipeline_id": desc.ID},
			"pipeline %d has no period", desc.ID)
	}

	slot, err := e.posn.Reserve()
	if err != nil {
		return nil, domain.NewError(err, map[string]any{"pipeline_id": desc.ID},
			"pipeline %d: position slot", desc.ID)
	}

	td := desc.TimeDomain
	if td == "" {
		td = domain.TimeDomainTimer
	}
	p := &Pipeline{
		id:             desc.ID,
		priority:       desc.Priority,
		periodUS:       desc.PeriodUS,
		core:           desc.Core,
		timeDomain:     td,
		framesPerSched: desc.FramesPerSched,
		schedCompID:    desc.SchedCompID,
		posnSlot:       slot,
		msg:            domain.PositionReport{Kind: domain.PositionUpdate},
		engine:         e,
	}
	p.status.Store(int32(domain.StateInit))
	e.pipelines[p.id] = p

	e.logger.Info("pipeline created", "pipeline_id", p.id, "period_us", p.periodUS,
		"priority", p.priority, "time_domain", string(td))
	return p, nil
}

// Complete walks downstream from source, stamping every reachable component
// declared in p, and moves p to READY.
func (e *Engine) Complete(ctx context.Context, p *Pipeline, source, sink *Component) error {
	return e.observe(ctx, "complete", p, nil, func(context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.complete(p, source, sink)
	})
}

func (e *Engine) complete(p *Pipeline, source, sink *Component) error {
	details := map[string]any{"pipeline_id": p.id}
	if p.Status() != domain.StateInit {
		return domain.NewError(domain.ErrInvalidArgument, details,
			"pipeline %d: complete in state %s", p.id, p.Status())
	}
	if source == nil || sink == nil {
		return domain.NewError(domain.ErrInvalidArgument, details, "pipeline %d: missing endpoint", p.id)
	}
	if source.pipelineID != p.id || sink.pipelineID != p.id {
		return domain.NewError(domain.ErrInvalidArgument, details,
			"pipeline %d: endpoints %d/%d belong to another pipeline", p.id, source.id, sink.id)
	}

	var stamped []*Component
	w := walker{
		dir: downstream,
		enter: func(c *Component, _ *Buffer) (verdict, error) {
			if c.pipelineID != p.id {
				return prune, nil
			}
			if c.pipeline != nil && c.pipeline != p {
				return prune, fmt.Errorf("%w: component %d already owned by pipeline %d",
					domain.ErrInvalidArgument, c.id, c.pipeline.id)
			}
			c.pipeline = p
			c.period = p.periodUS
			c.priority = p.priority
			stamped = append(stamped, c)
			return descend, nil
		},
	}
	err := w.run(source)
	if err == nil && sink.pipeline != p {
		err = fmt.Errorf("%w: sink %d not reachable from source %d", domain.ErrInvalidArgument, sink.id, source.id)
	}

	var sched *Component
	if err == nil {
		sched, err = e.resolveSchedComp(p, source, sink)
	}
	if err != nil {
		for _, c := range stamped {
			c.pipeline = nil
		}
		return domain.NewError(err, details, "pipeline %d: complete", p.id)
	}

	p.sourceComp = source
	p.sinkComp = sink
	p.schedComp = sched
	for _, c := range stamped {
		if c.State() == domain.StateInit {
			c.setState(domain.StateReady)
		}
	}
	p.setStatus(domain.StateReady)

	e.logger.Info("pipeline complete", "pipeline_id", p.id, "source", source.id,
		"sink", sink.id, "sched_comp", sched.id, "components", len(stamped))
	return nil
}

func (e *Engine) resolveSchedComp(p *Pipeline, source, sink *Component) (*Component, error) {
	if p.schedCompID != 0 {
		c, ok := e.graph.Component(p.schedCompID)
		if !ok {
			return nil, fmt.Errorf("%w: scheduling component %d not found", domain.ErrInvalidArgument, p.schedCompID)
		}
		return c, nil
	}
	switch {
	case sink.typ == domain.CompDAI:
		return sink, nil
	case source.typ == domain.CompDAI:
		return source, nil
	default:
		return sink, nil
	}
}

// Free releases p. It fails with ErrBusy while the source endpoint runs.
func (e *Engine) Free(ctx context.Context, p *Pipeline) error {
	return e.observe(ctx, "free", p, nil, func(context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.free(p)
	})
}

func (e *Engine) free(p *Pipeline) error {
	details := map[string]any{"pipeline_id": p.id}
	if p.sourceComp != nil && p.sourceComp.State() > domain.StateReady {
		return domain.NewError(domain.ErrBusy, details,
			"pipeline %d: source %d is %s", p.id, p.sourceComp.id, p.sourceComp.State())
	}

	var owned []*Component
	if p.sourceComp != nil {
		w := walker{
			dir:            downstream,
			skipIncomplete: true,
			enter: func(c *Component, _ *Buffer) (verdict, error) {
				if c.pipeline != p {
					return prune, nil
				}
				owned = append(owned, c)
				return descend, nil
			},
		}
		if err := w.run(p.sourceComp); err != nil {
			return domain.NewError(err, details, "pipeline %d: free", p.id)
		}
	}

	for _, c := range owned {
		c.pipeline = nil
		e.graph.detach(c)
	}

	if p.task != nil {
		p.sched.Free(p.task)
		p.task = nil
	}
	e.posn.Release(p.posnSlot)
	p.msg = domain.PositionReport{}
	p.sourceComp, p.sinkComp, p.schedComp = nil, nil, nil
	delete(e.pipelines, p.id)

	e.logger.Info("pipeline freed", "pipeline_id", p.id, "components", len(owned))
	return nil
}

// Reset walks from host resetting buffer parameters and components, then
// returns p to READY. Running pipelines must be stopped first.
func (e *Engine) Reset(ctx context.Context, p *Pipeline, host *Component) error {
	return e.observe(ctx, "reset", p, nil, func(context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.reset(p, host)
	})
}

func (e *Engine) reset(p *Pipeline, host *Component) error {
	details := map[string]any{"pipeline_id": p.id, "comp_id": host.id}
	if p.Status() == domain.StateActive {
		return domain.NewError(domain.ErrBusy, details, "pipeline %d: reset while active", p.id)
	}
	if host.pipeline == nil {
		return domain.NewError(domain.ErrInvalidArgument, details, "pipeline %d: host %d not completed", p.id, host.id)
	}

	start := host.pipeline
	w := walker{
		dir:            dirOf(host.direction),
		skipIncomplete: true,
		onBuffer:       (*Buffer).resetParams,
		enter: func(c *Component, _ *Buffer) (verdict, error) {
			if c.pipeline != start && !sameSched(c.pipeline, start) &&
				stopsPropagation(c.pipeline, host.direction) {
				return prune, nil
			}
			if err := c.ops.Reset(); err != nil {
				return prune, fmt.Errorf("component %d reset: %w", c.id, err)
			}
			c.setState(domain.StateReady)
			c.paramsSet = false
			return descend, nil
		},
	}
	if err := w.run(host); err != nil {
		return domain.NewError(err, details, "pipeline %d: reset", p.id)
	}

	if p.task != nil {
		p.sched.Cancel(p.task)
	}
	p.xrunBytes.Store(0)
	p.skipCopy = false
	p.setStatus(domain.StateReady)
	e.logger.Info("pipeline reset", "pipeline_id", p.id)
	return nil
}
