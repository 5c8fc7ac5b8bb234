package drivers

import (
	"fmt"

	"github.com/polisai/polis-dsp/pkg/domain"
	"github.com/polisai/polis-dsp/pkg/engine/runtime"
)

// DAI is the digital audio interface endpoint. Playback copies one period
// from its source buffer into DMA memory, where the simulated interface
// consumes it; an empty source is an underrun. Capture pulls what the
// interface produced into the sink buffer; a full sink is an overrun.
type DAI struct {
	dmaEndpoint

	rate       uint32
	channels   uint16
	format     domain.FrameFormat
	xrunDetect bool
}

// NewDAI creates a DAI. Config: rate, channels, format fix the hardware
// parameters; dma_periods; xrun_detect (default true).
func NewDAI(dev runtime.Device, desc domain.ComponentDescriptor) (runtime.Ops, error) {
	d := &DAI{
		dmaEndpoint: dmaEndpoint{dev: dev, periods: dmaPeriods(desc.Config)},
		xrunDetect:  boolFromConfig(desc.Config, "xrun_detect", true),
	}
	if rate, ok := intFromConfig(desc.Config, "rate"); ok && rate > 0 {
		d.rate = uint32(rate)
	}
	if ch, ok := intFromConfig(desc.Config, "channels"); ok {
		if ch <= 0 || ch > domain.MaxChannels {
			return nil, fmt.Errorf("%w: dai %d: channels %d out of range", domain.ErrInvalidArgument, desc.ID, ch)
		}
		d.channels = uint16(ch)
	}
	if f := stringFromConfig(desc.Config, "format"); f != "" {
		d.format = domain.FrameFormat(f)
		if d.format.SampleBytes() == 0 {
			return nil, fmt.Errorf("%w: dai %d: unknown format %q", domain.ErrInvalidArgument, desc.ID, f)
		}
	}
	return d, nil
}

// HWParams implements runtime.HWParamsProvider.
func (d *DAI) HWParams(p *domain.StreamParams) error {
	if d.rate != 0 {
		p.Rate = d.rate
	}
	if d.channels != 0 {
		p.Channels = d.channels
	}
	if d.format != "" {
		p.FrameFmt = d.format
	}
	return nil
}

// Params implements runtime.Ops; parameters must agree with the fixed
// hardware configuration.
func (d *DAI) Params(p *domain.StreamParams) error {
	if (d.rate != 0 && p.Rate != d.rate) || (d.format != "" && p.FrameFmt != d.format) {
		return fmt.Errorf("%w: dai %d runs %s@%d, got %s@%d",
			domain.ErrConflict, d.dev.ID(), d.format, d.rate, p.FrameFmt, p.Rate)
	}
	return d.dmaEndpoint.Params(p)
}

// Copy implements runtime.Ops.
func (d *DAI) Copy() error {
	if !d.running {
		return nil
	}
	if d.dev.Direction() == domain.DirectionCapture {
		return d.capture()
	}
	return d.playback()
}

func (d *DAI) playback() error {
	sources := d.dev.Sources()
	if len(sources) == 0 {
		return nil
	}
	n := alignFrames(min(d.period, sources[0].Avail()), d.frameBytes())
	if n < d.period && d.xrunDetect {
		d.dev.FlagXrun(d.period - n)
	}
	if n == 0 {
		return nil
	}
	sources[0].Read(d.scratch[:n])
	if short := n - d.dma.free(); short > 0 {
		// the interface has played the oldest data
		d.dma.discard(short)
	}
	d.dma.write(d.scratch[:n])
	d.posn.Add(uint64(n))
	return nil
}

func (d *DAI) capture() error {
	sinks := d.dev.Sinks()
	if len(sinks) == 0 {
		return nil
	}
	n := alignFrames(min(d.period, d.dma.avail()), d.frameBytes())
	if n == 0 {
		return nil
	}
	free := alignFrames(sinks[0].Free(), d.frameBytes())
	if free < n {
		if d.xrunDetect {
			d.dev.FlagXrun(n - free)
		}
		n = free
	}
	if n == 0 {
		return nil
	}
	d.dma.read(d.scratch[:n])
	sinks[0].Write(d.scratch[:n])
	d.posn.Add(uint64(n))
	return nil
}

// Cmd serves the simulated interface side: read (played data), write
// (captured data) and status.
func (d *DAI) Cmd(cmd string, data map[string]any) (map[string]any, error) {
	return d.peerCmd(cmd, data)
}
