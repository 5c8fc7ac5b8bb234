package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/polisai/polis-dsp/pkg/domain"
)

// Prepare walks from dev in its direction, resetting buffer positions and
// moving every idle component to PREPARE. Components already prepared end
// their branch. On failure the pipeline keeps its previous status and
// nothing is rolled back; the host is expected to reset.
func (e *Engine) Prepare(ctx context.Context, p *Pipeline, dev *Component) error {
	return e.observe(ctx, "prepare", p, nil, func(context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.prepare(p, dev)
	})
}

func (e *Engine) prepare(p *Pipeline, dev *Component) error {
	details := map[string]any{"pipeline_id": p.id, "comp_id": dev.id}
	if dev.pipeline == nil {
		return domain.NewError(domain.ErrInvalidArgument, details,
			"pipeline %d: component %d not completed", p.id, dev.id)
	}
	if p.Status() == domain.StateActive {
		return domain.NewError(domain.ErrBusy, details, "pipeline %d: prepare while active", p.id)
	}

	start := dev.pipeline
	w := walker{
		dir:            dirOf(dev.direction),
		skipIncomplete: true,
		onBuffer:       (*Buffer).resetPos,
		enter: func(c *Component, _ *Buffer) (verdict, error) {
			if c.pipeline != start && stopsPropagation(c.pipeline, dev.direction) {
				return prune, nil
			}
			e.ensureTask(c.pipeline)

			if err := c.checkTransition(domain.TriggerPrepare); err != nil {
				if errors.Is(err, domain.ErrAlreadyInState) || c.State() > domain.StatePrepare {
					return prune, nil
				}
				return prune, err
			}
			if err := c.ops.Prepare(); err != nil {
				if errors.Is(err, domain.ErrAlreadyInState) {
					return prune, nil
				}
				return prune, fmt.Errorf("component %d prepare: %w", c.id, err)
			}
			c.setState(domain.StatePrepare)
			return descend, nil
		},
	}
	if err := w.run(dev); err != nil {
		return domain.NewError(err, details, "pipeline %d: prepare", p.id)
	}

	p.setStatus(domain.StatePrepare)
	e.logger.Info("pipeline prepared", "pipeline_id", p.id)
	return nil
}
