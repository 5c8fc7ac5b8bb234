// Package ipc maps host commands, addressed by pipeline and component ids,
// onto the pipeline engine. It is the surface a host transport drives, and
// the path a topology file is built through.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-dsp/pkg/domain"
	"github.com/polisai/polis-dsp/pkg/engine"
)

// Handler serves topology-build and stream commands.
type Handler struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewHandler creates a handler over e.
func NewHandler(e *engine.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: e, logger: logger.With("component", "ipc")}
}

// Engine returns the engine the handler drives.
func (h *Handler) Engine() *engine.Engine { return h.engine }

// NewPipeline creates a pipeline.
func (h *Handler) NewPipeline(desc domain.PipelineDescriptor) error {
	_, err := h.engine.NewPipeline(desc)
	return err
}

// NewComponent creates a component.
func (h *Handler) NewComponent(desc domain.ComponentDescriptor) error {
	_, err := h.engine.NewComponent(desc)
	return err
}

// NewBuffer creates a buffer.
func (h *Handler) NewBuffer(desc domain.BufferDescriptor) error {
	_, err := h.engine.NewBuffer(desc)
	return err
}

// Connect wires source -> buffer -> sink. Either both ends are attached or
// neither is.
func (h *Handler) Connect(conn domain.ConnectionDescriptor) error {
	_, _, _, err := h.connect(conn)
	return err
}

func (h *Handler) connect(conn domain.ConnectionDescriptor) (src, sink *engine.Component, buf *engine.Buffer, err error) {
	if src, err = h.component(conn.SourceID); err != nil {
		return nil, nil, nil, err
	}
	if sink, err = h.component(conn.SinkID); err != nil {
		return nil, nil, nil, err
	}
	if buf, err = h.buffer(conn.BufferID); err != nil {
		return nil, nil, nil, err
	}
	if err := h.engine.Connect(src, buf, engine.CompToBuffer); err != nil {
		return nil, nil, nil, err
	}
	if err := h.engine.Connect(sink, buf, engine.BufferToComp); err != nil {
		if derr := h.engine.Disconnect(src, buf, engine.CompToBuffer); derr != nil {
			h.logger.Warn("connect rollback failed", "buffer_id", buf.ID(), "error", derr)
		}
		return nil, nil, nil, err
	}
	return src, sink, buf, nil
}

// Complete finalises a pipeline between its endpoints.
func (h *Handler) Complete(ctx context.Context, pipelineID, sourceID, sinkID uint32) error {
	p, err := h.pipeline(pipelineID)
	if err != nil {
		return err
	}
	source, err := h.component(sourceID)
	if err != nil {
		return err
	}
	sink, err := h.component(sinkID)
	if err != nil {
		return err
	}
	return h.engine.Complete(ctx, p, source, sink)
}

// PCMParams negotiates stream parameters from a host component.
func (h *Handler) PCMParams(ctx context.Context, hostID uint32, params domain.StreamParams) error {
	p, host, err := h.stream(hostID)
	if err != nil {
		return err
	}
	return h.engine.Params(ctx, p, host, params)
}

// PCMPrepare prepares the stream a host component belongs to.
func (h *Handler) PCMPrepare(ctx context.Context, hostID uint32) error {
	p, host, err := h.stream(hostID)
	if err != nil {
		return err
	}
	return h.engine.Prepare(ctx, p, host)
}

// Trigger applies cmd from compID.
func (h *Handler) Trigger(ctx context.Context, compID uint32, cmd domain.TriggerCmd) error {
	p, c, err := h.stream(compID)
	if err != nil {
		return err
	}
	return h.engine.Trigger(ctx, p, c, cmd)
}

// PCMReset resets the stream a host component belongs to.
func (h *Handler) PCMReset(ctx context.Context, hostID uint32) error {
	p, host, err := h.stream(hostID)
	if err != nil {
		return err
	}
	return h.engine.Reset(ctx, p, host)
}

// Timestamp returns the current position report for a host component.
func (h *Handler) Timestamp(hostID uint32) (domain.PositionReport, error) {
	p, host, err := h.stream(hostID)
	if err != nil {
		return domain.PositionReport{}, err
	}
	return h.engine.Timestamp(p, host), nil
}

// FreePipeline frees a pipeline, then the components and buffers declared
// in it.
func (h *Handler) FreePipeline(ctx context.Context, pipelineID uint32) error {
	p, err := h.pipeline(pipelineID)
	if err != nil {
		return err
	}
	if err := h.engine.Free(ctx, p); err != nil {
		return err
	}
	return h.sweep(pipelineID)
}

// sweep frees what is left of a pipeline after the engine released it.
func (h *Handler) sweep(pipelineID uint32) error {
	var errs []error
	for _, c := range h.engine.Graph().Components() {
		if c.PipelineID() != pipelineID || c.Pipeline() != nil {
			continue
		}
		if err := h.engine.FreeComponent(c); err != nil {
			errs = append(errs, err)
		}
	}
	for _, b := range h.engine.Graph().Buffers() {
		if b.PipelineID() != pipelineID {
			continue
		}
		if err := h.engine.FreeBuffer(b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Handler) pipeline(id uint32) (*engine.Pipeline, error) {
	p, ok := h.engine.Pipeline(id)
	if !ok {
		return nil, domain.NewError(domain.ErrNoDevice, map[string]any{"pipeline_id": id}, "pipeline %d not found", id)
	}
	return p, nil
}

func (h *Handler) component(id uint32) (*engine.Component, error) {
	c, ok := h.engine.Graph().Component(id)
	if !ok {
		return nil, domain.NewError(domain.ErrNoDevice, map[string]any{"comp_id": id}, "component %d not found", id)
	}
	return c, nil
}

func (h *Handler) buffer(id uint32) (*engine.Buffer, error) {
	b, ok := h.engine.Graph().Buffer(id)
	if !ok {
		return nil, domain.NewError(domain.ErrNoDevice, map[string]any{"buffer_id": id}, "buffer %d not found", id)
	}
	return b, nil
}

// stream resolves a component and the pipeline it was completed into.
func (h *Handler) stream(compID uint32) (*engine.Pipeline, *engine.Component, error) {
	c, err := h.component(compID)
	if err != nil {
		return nil, nil, err
	}
	p := c.Pipeline()
	if p == nil {
		return nil, nil, domain.NewError(domain.ErrInvalidArgument, map[string]any{"comp_id": compID},
			"component %d is not part of a completed pipeline", compID)
	}
	return p, c, nil
}

func stageError(stage string, id uint32, err error) error {
	return fmt.Errorf("apply topology: %s %d: %w", stage, id, err)
}
