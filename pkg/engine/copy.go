package engine

import (
	"context"
	"fmt"

	"github.com/polisai/polis-dsp/pkg/domain"
	"github.com/polisai/polis-dsp/pkg/schedule"
	"github.com/polisai/polis-dsp/pkg/telemetry"
)

// Copy runs one period of processing over p. Playback is walked upstream
// from the sink with each component copied after its children, so the DAI
// drains before upstream stages refill their outputs. Capture is walked
// downstream from the source with each component copied before its
// children.
//
// XRUNs flagged by components during the walk are reported once the walk
// has finished; they are never returned as errors.
func (e *Engine) Copy(ctx context.Context, p *Pipeline) error {
	return e.observe(ctx, "copy", p, nil, func(context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.copy(p)
	})
}

func (e *Engine) copy(p *Pipeline) error {
	if p.sourceComp == nil || p.sinkComp == nil {
		return domain.NewError(domain.ErrInvalidArgument, map[string]any{"pipeline_id": p.id},
			"pipeline %d: copy before complete", p.id)
	}

	start, dir := p.sinkComp, upstream
	if p.sourceComp.direction == domain.DirectionCapture {
		start, dir = p.sourceComp, downstream
	}

	var (
		xrunComp  *Component
		xrunBytes int32
		posn      []*Component
	)
	run := func(c *Component) error {
		if err := c.ops.Copy(); err != nil {
			return fmt.Errorf("component %d copy: %w", c.id, err)
		}
		if n := c.pendingXrun.Swap(0); n != 0 && xrunComp == nil {
			xrunComp, xrunBytes = c, n
		}
		if c.pendingPosition.Swap(false) {
			posn = append(posn, c)
		}
		return nil
	}

	w := walker{
		dir:            dir,
		skipIncomplete: true,
		enter: func(c *Component, _ *Buffer) (verdict, error) {
			if c.pipeline != p || c.State() != domain.StateActive {
				return prune, nil
			}
			if dir == downstream {
				if err := run(c); err != nil {
					return prune, err
				}
			}
			return descend, nil
		},
	}
	if dir == upstream {
		w.leave = func(c *Component, _ *Buffer) error { return run(c) }
	}

	err := w.run(start)
	for _, c := range posn {
		e.sendPosition(p, c)
	}
	if xrunComp != nil {
		e.reportXrun(p, xrunComp, xrunBytes)
	}
	if err != nil {
		return domain.NewError(err, map[string]any{"pipeline_id": p.id}, "pipeline %d: copy", p.id)
	}
	return nil
}

// runTask is the body of the pipeline task.
func (e *Engine) runTask(p *Pipeline) schedule.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p.XrunBytes() != 0 {
		if err := e.xrunRecover(p); err != nil {
			e.logger.Error("xrun recovery failed", "pipeline_id", p.id, "error", err)
			return schedule.OutcomeStop
		}
		return schedule.OutcomeContinue
	}
	if p.Status() == domain.StatePaused {
		return schedule.OutcomeStop
	}
	if p.skipCopy {
		p.skipCopy = false
		return schedule.OutcomeContinue
	}

	started := e.clock()
	err := e.copy(p)
	telemetry.RecordCopy(context.Background(), telemetry.CopyMetrics{
		PipelineID: p.id,
		Duration:   e.clock().Sub(started),
		Failed:     err != nil,
	})
	if err != nil {
		e.logger.Warn("pipeline copy failed", "pipeline_id", p.id, "error", err)
		if terr := e.trigger(p, p.sourceComp, domain.TriggerXrun); terr != nil {
			e.logger.Warn("xrun trigger after copy failure", "pipeline_id", p.id, "error", terr)
		}
		if rerr := e.xrunRecover(p); rerr != nil {
			e.logger.Error("copy recovery failed", "pipeline_id", p.id, "error", rerr)
			if p.Status() == domain.StateActive {
				p.setStatus(domain.StatePaused)
			}
			return schedule.OutcomeStop
		}
	}
	return schedule.OutcomeContinue
}
