// Package runtime defines the contracts shared by the pipeline engine and the
// component drivers, keeping DSP logic decoupled from execution mechanics.
package runtime

import (
	"log/slog"

	"github.com/polisai/polis-dsp/pkg/domain"
)

// Stream is the driver-side view of a buffer edge.
type Stream interface {
	ID() uint32
	Params() domain.StreamParams
	// Avail is the number of bytes ready to be consumed.
	Avail() int
	// Free is the number of bytes that can be produced without overwriting.
	Free() int
	Read(p []byte) int
	Write(p []byte) int
	// SourceActive reports whether the producing component is running.
	SourceActive() bool
}

// Device is the driver-side view of the component it implements.
type Device interface {
	ID() uint32
	Type() domain.CompType
	Direction() domain.Direction
	State() domain.CompState
	PeriodUS() uint32
	// Sources are the upstream buffers, Sinks the downstream ones.
	Sources() []Stream
	Sinks() []Stream
	// FlagXrun raises an under/overrun for the owning pipeline. The engine
	// handles it once the current walk has finished.
	FlagXrun(bytes int)
	// FlagPosition requests a host position report after the current walk.
	FlagPosition()
	Logger() *slog.Logger
}

// Ops is the operation set every component implements.
//
// Prepare and Trigger may return domain.ErrAlreadyInState to end the current
// walk branch without failing the operation.
type Ops interface {
	Params(params *domain.StreamParams) error
	Prepare() error
	Trigger(cmd domain.TriggerCmd) error
	Copy() error
	Reset() error
	Cmd(cmd string, data map[string]any) (map[string]any, error)
	GetAttribute(key string) (any, error)
	SetAttribute(key string, value any) error
	Free()
}

// HWParamsProvider is implemented by endpoints with fixed hardware
// constraints. HWParams merges them into the working parameters.
type HWParamsProvider interface {
	HWParams(params *domain.StreamParams) error
}

// PositionProvider is implemented by endpoints that track a stream position.
type PositionProvider interface {
	Position() uint64
}

// Driver creates component instances of one type.
type Driver interface {
	Type() domain.CompType
	Create(dev Device, desc domain.ComponentDescriptor) (Ops, error)
}

// DriverFunc adapts a constructor to the Driver interface.
type DriverFunc struct {
	Kind domain.CompType
	New  func(dev Device, desc domain.ComponentDescriptor) (Ops, error)
}

// Type implements Driver.
func (d DriverFunc) Type() domain.CompType { return d.Kind }

// Create implements Driver.
func (d DriverFunc) Create(dev Device, desc domain.ComponentDescriptor) (Ops, error) {
	return d.New(dev, desc)
}

// BaseOps provides no-op implementations that drivers can embed.
type BaseOps struct{}

func (BaseOps) Params(*domain.StreamParams) error { return nil }
func (BaseOps) Prepare() error { return nil }
func (BaseOps) Trigger(domain.TriggerCmd) error { return nil }
func (BaseOps) Copy() error { return nil }
func (BaseOps) Reset() error { return nil }
func (BaseOps) Free() {}

// Cmd rejects every command by default.
func (BaseOps) Cmd(string, map[string]any) (map[string]any, error) {
	return nil, domain.ErrInvalidArgument
}

func (BaseOps) GetAttribute(string) (any, error) { return nil, domain.ErrInvalidArgument }
func (BaseOps) SetAttribute(string, any) error { return domain.ErrInvalidArgument }
