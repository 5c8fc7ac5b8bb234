package ipc

import (
	"context"
	"errors"

	"github.com/polisai/polis-dsp/pkg/domain"
	"github.com/polisai/polis-dsp/pkg/engine"
)

// Apply builds a whole topology: pipelines, components, buffers,
// connections, then pipeline completion. A failed build releases exactly
// what it created, leaving the engine as it was.
func (h *Handler) Apply(ctx context.Context, topo domain.Topology) error {
	var rec buildRecord
	if err := h.build(ctx, topo, &rec); err != nil {
		if rerr := h.rollback(ctx, &rec); rerr != nil {
			h.logger.Error("topology rollback incomplete", "error", rerr)
		}
		return err
	}
	h.logger.Info("topology applied", "version", topo.Version, "pipelines", len(topo.Pipelines),
		"components", len(topo.Components), "buffers", len(topo.Buffers))
	return nil
}

// buildRecord is what a single Apply created, in creation order.
type buildRecord struct {
	pipelines  []*engine.Pipeline
	components []*engine.Component
	buffers    []*engine.Buffer
	links      []link
}

type link struct {
	comp *engine.Component
	buf  *engine.Buffer
	dir  engine.ConnectDir
}

func (h *Handler) build(ctx context.Context, topo domain.Topology, rec *buildRecord) error {
	for _, desc := range topo.Pipelines {
		p, err := h.engine.NewPipeline(desc)
		if err != nil {
			return stageError("pipeline", desc.ID, err)
		}
		rec.pipelines = append(rec.pipelines, p)
	}
	for _, desc := range topo.Components {
		c, err := h.engine.NewComponent(desc)
		if err != nil {
			return stageError("component", desc.ID, err)
		}
		rec.components = append(rec.components, c)
	}
	for _, desc := range topo.Buffers {
		b, err := h.engine.NewBuffer(desc)
		if err != nil {
			return stageError("buffer", desc.ID, err)
		}
		rec.buffers = append(rec.buffers, b)
	}
	for _, conn := range topo.Connections {
		src, sink, buf, err := h.connect(conn)
		if err != nil {
			return stageError("connection on buffer", conn.BufferID, err)
		}
		rec.links = append(rec.links,
			link{comp: src, buf: buf, dir: engine.CompToBuffer},
			link{comp: sink, buf: buf, dir: engine.BufferToComp})
	}
	for _, desc := range topo.Pipelines {
		ends, ok := topo.Endpoints[desc.ID]
		if !ok {
			return stageError("pipeline", desc.ID, domain.NewError(domain.ErrInvalidArgument,
				map[string]any{"pipeline_id": desc.ID}, "no endpoints declared"))
		}
		if err := h.Complete(ctx, desc.ID, ends.SourceID, ends.SinkID); err != nil {
			return stageError("pipeline", desc.ID, err)
		}
	}
	return nil
}

// rollback releases rec in reverse: pipelines first so their components
// are unowned, then links onto buffers that existed before, then buffers
// and components.
func (h *Handler) rollback(ctx context.Context, rec *buildRecord) error {
	var errs []error
	for i := len(rec.pipelines) - 1; i >= 0; i-- {
		if err := h.engine.Free(ctx, rec.pipelines[i]); err != nil {
			errs = append(errs, err)
		}
	}
	created := make(map[*engine.Buffer]bool, len(rec.buffers))
	for _, b := range rec.buffers {
		created[b] = true
	}
	for i := len(rec.links) - 1; i >= 0; i-- {
		l := rec.links[i]
		if created[l.buf] {
			continue
		}
		if err := h.engine.Disconnect(l.comp, l.buf, l.dir); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(rec.buffers) - 1; i >= 0; i-- {
		if err := h.engine.FreeBuffer(rec.buffers[i]); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(rec.components) - 1; i >= 0; i-- {
		if err := h.engine.FreeComponent(rec.components[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Teardown resets and frees every pipeline. Active pipelines are left in
// place and reported with domain.ErrBusy.
func (h *Handler) Teardown(ctx context.Context) error {
	var errs []error
	for _, p := range h.engine.Pipelines() {
		id := p.ID()
		if p.Status() == domain.StateActive {
			errs = append(errs, domain.NewError(domain.ErrBusy, map[string]any{"pipeline_id": id},
				"pipeline %d is running", id))
			continue
		}
		if host := hostEnd(p); host != nil && host.State() > domain.StateReady {
			if err := h.engine.Reset(ctx, p, host); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if err := h.engine.Free(ctx, p); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := h.sweep(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Idle reports whether no pipeline is running.
func (h *Handler) Idle() bool {
	for _, p := range h.engine.Pipelines() {
		if p.Status() == domain.StateActive {
			return false
		}
	}
	return true
}

func hostEnd(p *engine.Pipeline) *engine.Component {
	for _, c := range []*engine.Component{p.SourceComp(), p.SinkComp()} {
		if c != nil && c.Type() == domain.CompHost {
			return c
		}
	}
	return nil
}
