package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/polisai/polis-dsp/pkg/domain"
	"github.com/polisai/polis-dsp/pkg/engine/runtime"
)

// Params negotiates stream parameters from the host endpoint towards the
// DAIs. Hardware constraints are fetched first and written into every
// unconfigured buffer, then the parameters are propagated component by
// component in the stream direction.
//
// A host that is already past READY is not reconfigured: matching frame
// format and rate succeed without touching any component, anything else
// fails with domain.ErrConflict.
func (e *Engine) Params(ctx context.Context, p *Pipeline, host *Component, params domain.StreamParams) error {
	attrs := []attribute.KeyValue{
		attribute.Int64("stream.rate", int64(params.Rate)),
		attribute.Int("stream.channels", int(params.Channels)),
		attribute.String("stream.format", string(params.FrameFmt)),
	}
	return e.observe(ctx, "params", p, attrs, func(context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.params(p, host, params)
	})
}

func (e *Engine) params(p *Pipeline, host *Component, params domain.StreamParams) error {
	details := map[string]any{"pipeline_id": p.id, "comp_id": host.id}
	if err := params.Validate(); err != nil {
		return domain.NewError(err, details, "pipeline %d: params", p.id)
	}
	if host.pipeline != p {
		return domain.NewError(domain.ErrInvalidArgument, details,
			"pipeline %d: component %d is not part of it", p.id, host.id)
	}
	if params.BufferFmt == "" {
		params.BufferFmt = domain.BufferInterleaved
	}

	if host.State() > domain.StateReady {
		applied, ok := host.AppliedParams()
		if ok && applied.FrameFmt == params.FrameFmt && applied.Rate == params.Rate {
			e.logger.Debug("params already applied", "pipeline_id", p.id, "comp_id", host.id)
			return nil
		}
		return domain.NewError(domain.ErrConflict, details,
			"pipeline %d: component %d is %s with %s@%d", p.id, host.id, host.State(), applied.FrameFmt, applied.Rate)
	}

	e.logger.Info("pipeline params", "pipeline_id", p.id, "dir", params.Direction.String(),
		"rate", params.Rate, "channels", params.Channels, "frame_fmt", string(params.FrameFmt))

	dir := dirOf(params.Direction)

	hw := params
	hwWalk := walker{
		dir:            dir,
		skipIncomplete: true,
		leave: func(c *Component, _ *Buffer) error {
			provider, ok := c.ops.(runtime.HWParamsProvider)
			if !ok {
				return nil
			}
			if err := provider.HWParams(&hw); err != nil {
				return fmt.Errorf("component %d hw params: %w", c.id, err)
			}
			return nil
		},
	}
	if err := hwWalk.run(host); err != nil {
		return domain.NewError(err, details, "pipeline %d: params", p.id)
	}

	bufWalk := walker{
		dir:            dir,
		skipIncomplete: true,
		leave: func(_ *Component, in *Buffer) error {
			if in != nil {
				in.setParams(hw, false)
			}
			return nil
		},
	}
	if err := bufWalk.run(host); err != nil {
		return domain.NewError(err, details, "pipeline %d: params", p.id)
	}

	cur := params
	walk := walker{
		dir:            dir,
		skipIncomplete: true,
		onBuffer: func(b *Buffer) {
			b.updateFrom(&cur)
		},
		enter: func(c *Component, in *Buffer) (verdict, error) {
			if c.pipeline != p && stopsPropagation(c.pipeline, params.Direction) {
				return prune, nil
			}
			if c.State() == domain.StateActive {
				return prune, nil
			}
			if err := negotiateBranches(c, in, cur, dir); err != nil {
				return prune, err
			}

			c.direction = cur.Direction
			applied := cur
			if err := c.ops.Params(&applied); err != nil {
				return prune, fmt.Errorf("component %d params: %w", c.id, err)
			}
			c.params = applied
			c.paramsSet = true
			for _, b := range c.buffers(dir) {
				b.setParams(applied, false)
			}
			return descend, nil
		},
	}
	if err := walk.run(host); err != nil {
		return domain.NewError(err, details, "pipeline %d: params", p.id)
	}
	return nil
}

// negotiateBranches calibrates every edge on the side of c opposite to the
// walk, except the one the walk arrived by. Idle far components get the
// parameters forced onto the edge; running ones must already match.
func negotiateBranches(c *Component, in *Buffer, params domain.StreamParams, dir walkDir) error {
	back := dir.opposite()
	for _, b := range c.buffers(back) {
		if b == in {
			continue
		}
		far := b.far(back)
		if far == nil || far.pipeline == nil {
			continue
		}
		switch far.State() {
		case domain.StateInit, domain.StateReady:
			b.setParams(params, true)
		default:
			if !b.paramsMatch(params) {
				return fmt.Errorf("%w: buffer %d feeds running component %d with different format or rate",
					domain.ErrConflict, b.id, far.id)
			}
		}
	}
	return nil
}
