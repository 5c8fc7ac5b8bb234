package drivers

import (
	"fmt"

	"github.com/polisai/polis-dsp/pkg/domain"
	"github.com/polisai/polis-dsp/pkg/engine/runtime"
)

// Mixer sums every source whose producer is running into its single sink,
// saturating to the sample format.
type Mixer struct {
	runtime.BaseOps

	dev     runtime.Device
	params  domain.StreamParams
	period  int
	scratch []byte
	acc     []float64
	in      []float64
}

// NewMixer creates a mixer.
func NewMixer(dev runtime.Device, _ domain.ComponentDescriptor) (runtime.Ops, error) {
	return &Mixer{dev: dev}, nil
}

// Params implements runtime.Ops.
func (m *Mixer) Params(p *domain.StreamParams) error {
	if err := checkFormat(m.dev.ID(), p); err != nil {
		return err
	}
	m.params = *p
	return nil
}

// Prepare implements runtime.Ops.
func (m *Mixer) Prepare() error {
	m.period = m.params.PeriodBytes(m.dev.PeriodUS())
	if m.period <= 0 {
		return fmt.Errorf("%w: mixer %d: params not set", domain.ErrInvalidArgument, m.dev.ID())
	}
	m.scratch = make([]byte, m.period)
	return nil
}

// Copy implements runtime.Ops.
func (m *Mixer) Copy() error {
	sinks := m.dev.Sinks()
	if len(sinks) == 0 {
		return nil
	}
	var active []runtime.Stream
	for _, s := range m.dev.Sources() {
		if s.SourceActive() {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return nil
	}

	n := min(m.period, sinks[0].Free())
	for _, s := range active {
		n = min(n, s.Avail())
	}
	n = alignFrames(n, m.params.FrameBytes())
	if n == 0 {
		return nil
	}

	buf := m.scratch[:n]
	m.acc = m.acc[:0]
	for i, s := range active {
		s.Read(buf)
		m.in = decode(m.in[:0], buf, m.params.FrameFmt)
		if i == 0 {
			m.acc = append(m.acc, m.in...)
			continue
		}
		for j := range m.acc {
			m.acc[j] += m.in[j]
		}
	}
	encode(buf, m.acc, m.params.FrameFmt)
	sinks[0].Write(buf)
	return nil
}

// Reset implements runtime.Ops.
func (m *Mixer) Reset() error {
	m.params = domain.StreamParams{}
	m.period = 0
	return nil
}
