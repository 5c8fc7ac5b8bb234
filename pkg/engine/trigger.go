package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/polisai/polis-dsp/pkg/domain"
)

// Trigger propagates cmd from dev through its pipeline and every pipeline
// sharing its scheduling component. The pipelines collected on the way are
// (de)scheduled together once the whole walk has succeeded; a failed walk
// leaves every pipeline status untouched.
func (e *Engine) Trigger(ctx context.Context, p *Pipeline, dev *Component, cmd domain.TriggerCmd) error {
	attrs := []attribute.KeyValue{attribute.String("trigger.cmd", cmd.String())}
	return e.observe(ctx, "trigger", p, attrs, func(context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.trigger(p, dev, cmd)
	})
}

func (e *Engine) trigger(p *Pipeline, dev *Component, cmd domain.TriggerCmd) error {
	details := map[string]any{"pipeline_id": p.id, "comp_id": dev.id, "cmd": cmd.String()}
	switch cmd {
	case domain.TriggerStart, domain.TriggerStop, domain.TriggerPause, domain.TriggerRelease, domain.TriggerXrun:
	default:
		return domain.NewError(domain.ErrInvalidArgument, details, "pipeline %d: unsupported trigger %s", p.id, cmd)
	}
	if dev.pipeline == nil {
		return domain.NewError(domain.ErrInvalidArgument, details,
			"pipeline %d: component %d not completed", p.id, dev.id)
	}

	if p.XrunBytes() != 0 {
		done, err := e.xrunHandleTrigger(p, cmd)
		if err != nil {
			return domain.NewError(err, details, "pipeline %d: xrun recovery on %s", p.id, cmd)
		}
		if done {
			return nil
		}
	}

	if cmd == domain.TriggerXrun {
		dev = e.xrunHost(p, dev)
	}

	start := dev.pipeline
	dir := dirOf(dev.direction)
	var group []*Pipeline
	seen := make(map[*Pipeline]bool)

	w := walker{
		dir:            dir,
		skipIncomplete: true,
		enter: func(c *Component, _ *Buffer) (verdict, error) {
			if c.pipeline != start && !sameSched(c.pipeline, start) {
				if reportsNoData(c, start, cmd, dir) {
					return prune, fmt.Errorf("%w: upstream component %d of pipeline %d is %s",
						domain.ErrNoData, c.id, c.pipeline.id, c.State())
				}
				return prune, nil
			}

			if collectsSched(c) && !seen[c.pipeline] {
				seen[c.pipeline] = true
				group = append(group, c.pipeline)
			}

			if err := c.trigger(cmd); err != nil {
				if errors.Is(err, domain.ErrAlreadyInState) {
					return prune, nil
				}
				return prune, fmt.Errorf("component %d %s: %w", c.id, cmd, err)
			}
			return descend, nil
		},
	}
	if err := w.run(dev); err != nil {
		return domain.NewError(err, details, "pipeline %d: trigger %s", p.id, cmd)
	}

	e.scheduleTriggered(group, cmd)
	e.logger.Info("pipeline triggered", "pipeline_id", p.id, "cmd", cmd.String(),
		"comp_id", dev.id, "group", len(group))
	return nil
}

// collectsSched reports whether walking c schedules its pipeline: c is the
// pipeline's scheduling component, or its sink when the scheduling
// component lives in another pipeline.
func collectsSched(c *Component) bool {
	p := c.pipeline
	if p == nil || p.schedComp == nil {
		return false
	}
	if c == p.schedComp {
		return true
	}
	return p.schedComp.pipeline != p && c == p.sinkComp
}

// reportsNoData reports whether a capture START/RELEASE from a pipeline
// without its own DAI reached an idle, higher priority upstream source.
func reportsNoData(rsrc *Component, start *Pipeline, cmd domain.TriggerCmd, dir walkDir) bool {
	if dir != upstream {
		return false
	}
	if cmd != domain.TriggerStart && cmd != domain.TriggerRelease {
		return false
	}
	if src := start.sourceComp; src != nil && src.typ == domain.CompDAI {
		return false
	}
	if rsrc.pipeline.priority <= start.priority {
		return false
	}
	return rsrc.State() != domain.StateActive
}

// scheduleTriggered commits a trigger walk. It runs under the engine lock,
// so no pipeline task observes a partially applied group.
func (e *Engine) scheduleTriggered(group []*Pipeline, cmd domain.TriggerCmd) {
	for _, p := range group {
		switch cmd {
		case domain.TriggerStop, domain.TriggerPause:
			if p.task != nil {
				p.sched.Cancel(p.task)
			}
			p.setStatus(domain.StatePaused)
		case domain.TriggerStart, domain.TriggerRelease:
			e.ensureTask(p)
			stalled := p.xrunBytes.Swap(0) != 0
			if !p.sched.Schedule(p.task, 0, p.Period()) && stalled {
				p.skipCopy = true
			}
			p.setStatus(domain.StateActive)
		case domain.TriggerXrun:
			if !e.xrunRecovery && p.task != nil {
				p.sched.Cancel(p.task)
			}
			// every pipeline of the group recovers from its own task
			p.xrunBytes.CompareAndSwap(0, 1)
			p.setStatus(domain.StatePaused)
		}
	}
}

// xrunHost follows an XRUN raised on a pipeline that is not attached to a
// host back to the pipeline that is.
func (e *Engine) xrunHost(p *Pipeline, host *Component) *Component {
	for range len(e.pipelines) + 1 {
		dir := dirOf(host.direction)
		back := dir.opposite()
		edges := host.buffers(back)
		if len(edges) == 0 {
			return host
		}

		var next *Component
		for _, b := range edges {
			far := b.far(back)
			if far == nil || far.pipeline == nil {
				continue
			}
			switch far.pipeline.Status() {
			case domain.StateActive, domain.StatePrepare:
				next = far.pipeline.endpoint(back)
			}
			if next != nil {
				break
			}
		}
		if next == nil || next == host {
			if next == nil {
				e.logger.Error("no active pipeline linked to xrun pipeline", "pipeline_id", p.id, "comp_id", host.id)
			}
			return host
		}
		host = next
	}
	return host
}
