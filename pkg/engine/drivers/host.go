package drivers

import (
	"github.com/polisai/polis-dsp/pkg/domain"
	"github.com/polisai/polis-dsp/pkg/engine/runtime"
)

// Host moves audio between host memory and the pipeline. For playback the
// host writes into DMA memory and Copy forwards one period into the first
// sink buffer; capture runs the other way round.
type Host struct {
	dmaEndpoint
	reportPos uint32
}

// NewHost creates a host endpoint. Config: dma_periods.
func NewHost(dev runtime.Device, desc domain.ComponentDescriptor) (runtime.Ops, error) {
	return &Host{dmaEndpoint: dmaEndpoint{dev: dev, periods: dmaPeriods(desc.Config)}}, nil
}

// Prepare implements runtime.Ops.
func (h *Host) Prepare() error {
	h.reportPos = 0
	return h.dmaEndpoint.Prepare()
}

// Copy implements runtime.Ops.
func (h *Host) Copy() error {
	if !h.running {
		return nil
	}
	if h.dev.Direction() == domain.DirectionCapture {
		return h.capture()
	}
	return h.playback()
}

func (h *Host) playback() error {
	sinks := h.dev.Sinks()
	if len(sinks) == 0 {
		return nil
	}
	n := alignFrames(min(h.period, h.dma.avail(), sinks[0].Free()), h.frameBytes())
	if n == 0 {
		return nil
	}
	h.dma.read(h.scratch[:n])
	sinks[0].Write(h.scratch[:n])
	h.advance(n)
	return nil
}

func (h *Host) capture() error {
	sources := h.dev.Sources()
	if len(sources) == 0 {
		return nil
	}
	n := alignFrames(min(h.period, sources[0].Avail(), h.dma.free()), h.frameBytes())
	if n == 0 {
		return nil
	}
	sources[0].Read(h.scratch[:n])
	h.dma.write(h.scratch[:n])
	h.advance(n)
	return nil
}

// advance moves the stream position and requests a host position report
// every HostPeriodBytes.
func (h *Host) advance(n int) {
	h.posn.Add(uint64(n))
	if h.params.HostPeriodBytes == 0 {
		return
	}
	h.reportPos += uint32(n)
	if h.reportPos >= h.params.HostPeriodBytes {
		h.reportPos %= h.params.HostPeriodBytes
		h.dev.FlagPosition()
	}
}

// Cmd serves host memory access: write (playback data), read (captured
// data) and status.
func (h *Host) Cmd(cmd string, data map[string]any) (map[string]any, error) {
	return h.peerCmd(cmd, data)
}
