package engine

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/polisai/polis-dsp/pkg/domain"
	"github.com/polisai/polis-dsp/pkg/engine/runtime"
)

// Component is a node of the audio graph. The engine owns its lifecycle state
// and adjacency; the driver behind ops owns the processing.
type Component struct {
	id         uint32
	typ        domain.CompType
	pipelineID uint32
	core       int
	direction  domain.Direction
	state      atomic.Int32

	// set by pipeline completion, cleared by free
	pipeline *Pipeline
	period   uint32
	priority int

	bsource []*Buffer
	bsink   []*Buffer

	ops       runtime.Ops
	params    domain.StreamParams
	paramsSet bool

	pendingXrun     atomic.Int32
	pendingPosition atomic.Bool

	logger *slog.Logger
}

func newComponent(desc domain.ComponentDescriptor, logger *slog.Logger) *Component {
	c := &Component{
		id:         desc.ID,
		typ:        desc.Type,
		pipelineID: desc.PipelineID,
		core:       desc.Core,
		direction:  desc.Direction,
		logger:     logger.With("comp_id", desc.ID, "comp_type", string(desc.Type)),
	}
	c.setState(domain.StateInit)
	return c
}

// ID returns the component id.
func (c *Component) ID() uint32 { return c.id }

// Type returns the driver type.
func (c *Component) Type() domain.CompType { return c.typ }

// Direction returns the stream direction.
func (c *Component) Direction() domain.Direction { return c.direction }

// State returns the lifecycle state.
func (c *Component) State() domain.CompState { return domain.CompState(c.state.Load()) }

func (c *Component) setState(s domain.CompState) { c.state.Store(int32(s)) }

// PipelineID returns the id of the pipeline the component was declared in.
func (c *Component) PipelineID() uint32 { return c.pipelineID }

// Pipeline returns the owning pipeline, nil until completion.
func (c *Component) Pipeline() *Pipeline { return c.pipeline }

// PeriodUS returns the period stamped by pipeline completion.
func (c *Component) PeriodUS() uint32 { return c.period }

// Ops returns the driver instance.
func (c *Component) Ops() runtime.Ops { return c.ops }

// Logger returns the component logger.
func (c *Component) Logger() *slog.Logger { return c.logger }

// Sources implements runtime.Device.
func (c *Component) Sources() []runtime.Stream { return streams(c.bsource) }

// Sinks implements runtime.Device.
func (c *Component) Sinks() []runtime.Stream { return streams(c.bsink) }

func streams(buffers []*Buffer) []runtime.Stream {
	out := make([]runtime.Stream, len(buffers))
	for i, b := range buffers {
		out[i] = b
	}
	return out
}

// SourceBuffers returns the upstream buffers.
func (c *Component) SourceBuffers() []*Buffer { return append([]*Buffer(nil), c.bsource...) }

// SinkBuffers returns the downstream buffers.
func (c *Component) SinkBuffers() []*Buffer { return append([]*Buffer(nil), c.bsink...) }

// FlagXrun implements runtime.Device. The first report wins until drained.
func (c *Component) FlagXrun(bytes int) {
	if bytes <= 0 {
		return
	}
	c.pendingXrun.CompareAndSwap(0, int32(bytes))
}

// FlagPosition asks the engine to send a host position report for c.
func (c *Component) FlagPosition() {
	c.pendingPosition.Store(true)
}

// AppliedParams returns the parameters last accepted by the driver.
func (c *Component) AppliedParams() (domain.StreamParams, bool) {
	return c.params, c.paramsSet
}

// buffers returns the adjacency list walked in dir.
func (c *Component) buffers(dir walkDir) []*Buffer {
	if dir == downstream {
		return c.bsink
	}
	return c.bsource
}

func (c *Component) endpoint() domain.EndpointType {
	return domain.EndpointOf(c.typ)
}

// requestedState maps a trigger command to the state it leads to.
func requestedState(cmd domain.TriggerCmd) domain.CompState {
	switch cmd {
	case domain.TriggerStart, domain.TriggerRelease:
		return domain.StateActive
	case domain.TriggerStop, domain.TriggerPrepare:
		return domain.StatePrepare
	case domain.TriggerPause:
		return domain.StatePaused
	default:
		return domain.StateReady
	}
}

// checkTransition validates cmd against the current state. It returns
// domain.ErrAlreadyInState when there is nothing to do.
func (c *Component) checkTransition(cmd domain.TriggerCmd) error {
	cur := c.State()
	if cur == requestedState(cmd) {
		return domain.ErrAlreadyInState
	}

	ok := true
	switch cmd {
	case domain.TriggerStart:
		ok = cur == domain.StatePrepare
	case domain.TriggerRelease:
		ok = cur == domain.StatePaused
	case domain.TriggerStop:
		ok = cur == domain.StateActive || cur == domain.StatePaused
	case domain.TriggerPause:
		ok = cur == domain.StateActive
	case domain.TriggerPrepare:
		ok = cur == domain.StateReady
	}
	if !ok {
		return fmt.Errorf("%w: component %d cannot %s from state %s",
			domain.ErrInvalidArgument, c.id, cmd, cur)
	}
	return nil
}

// trigger runs cmd through the driver and commits the new state.
func (c *Component) trigger(cmd domain.TriggerCmd) error {
	if err := c.checkTransition(cmd); err != nil {
		return err
	}
	if err := c.ops.Trigger(cmd); err != nil {
		return err
	}
	c.setState(requestedState(cmd))
	return nil
}
