package drivers

import (
	"fmt"

	"github.com/polisai/polis-dsp/pkg/domain"
	"github.com/polisai/polis-dsp/pkg/engine/runtime"
)

// Volume applies a linear gain to the stream. A gain of 1 is a bit exact
// passthrough.
type Volume struct {
	runtime.BaseOps

	dev     runtime.Device
	gain    float64
	muted   bool
	params  domain.StreamParams
	period  int
	scratch []byte
	samples []float64
}

// NewVolume creates a volume stage. Config: gain (linear, default 1).
func NewVolume(dev runtime.Device, desc domain.ComponentDescriptor) (runtime.Ops, error) {
	v := &Volume{dev: dev, gain: 1}
	if raw, ok := desc.Config["gain"]; ok {
		if err := v.SetAttribute("gain", raw); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Params implements runtime.Ops.
func (v *Volume) Params(p *domain.StreamParams) error {
	if err := checkFormat(v.dev.ID(), p); err != nil {
		return err
	}
	v.params = *p
	return nil
}

// Prepare implements runtime.Ops.
func (v *Volume) Prepare() error {
	v.period = v.params.PeriodBytes(v.dev.PeriodUS())
	if v.period <= 0 {
		return fmt.Errorf("%w: volume %d: params not set", domain.ErrInvalidArgument, v.dev.ID())
	}
	v.scratch = make([]byte, v.period)
	return nil
}

// Copy implements runtime.Ops.
func (v *Volume) Copy() error {
	sources, sinks := v.dev.Sources(), v.dev.Sinks()
	if len(sources) == 0 || len(sinks) == 0 {
		return nil
	}
	n := alignFrames(min(v.period, sources[0].Avail(), sinks[0].Free()), v.params.FrameBytes())
	if n == 0 {
		return nil
	}
	buf := v.scratch[:n]
	sources[0].Read(buf)
	v.apply(buf)
	sinks[0].Write(buf)
	return nil
}

func (v *Volume) apply(buf []byte) {
	switch {
	case v.muted:
		clear(buf)
	case v.gain != 1:
		v.samples = decode(v.samples[:0], buf, v.params.FrameFmt)
		for i := range v.samples {
			v.samples[i] *= v.gain
		}
		encode(buf, v.samples, v.params.FrameFmt)
	}
}

// Reset implements runtime.Ops.
func (v *Volume) Reset() error {
	v.params = domain.StreamParams{}
	v.period = 0
	return nil
}

// Cmd supports mute and unmute.
func (v *Volume) Cmd(cmd string, _ map[string]any) (map[string]any, error) {
	switch cmd {
	case "mute":
		v.muted = true
	case "unmute":
		v.muted = false
	default:
		return nil, fmt.Errorf("%w: unknown command %q", domain.ErrInvalidArgument, cmd)
	}
	return map[string]any{"muted": v.muted}, nil
}

// GetAttribute implements runtime.Ops.
func (v *Volume) GetAttribute(key string) (any, error) {
	switch key {
	case "gain":
		return v.gain, nil
	case "mute":
		return v.muted, nil
	default:
		return nil, fmt.Errorf("%w: unknown attribute %q", domain.ErrInvalidArgument, key)
	}
}

// SetAttribute implements runtime.Ops.
func (v *Volume) SetAttribute(key string, value any) error {
	switch key {
	case "gain":
		g, ok := toFloat(value)
		if !ok || g < 0 {
			return fmt.Errorf("%w: invalid gain %v", domain.ErrInvalidArgument, value)
		}
		v.gain = g
	case "mute":
		m, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: mute must be a bool", domain.ErrInvalidArgument)
		}
		v.muted = m
	default:
		return fmt.Errorf("%w: unknown attribute %q", domain.ErrInvalidArgument, key)
	}
	return nil
}
