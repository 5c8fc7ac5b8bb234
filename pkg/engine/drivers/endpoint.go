package drivers

import (
	"fmt"
	"sync/atomic"

	"github.com/polisai/polis-dsp/pkg/domain"
	"github.com/polisai/polis-dsp/pkg/engine/runtime"
)

// dmaEndpoint is the state shared by the host and DAI drivers: a DMA ring
// sized in periods and a running byte position.
type dmaEndpoint struct {
	runtime.BaseOps

	dev     runtime.Device
	periods int
	dma     *ring
	params  domain.StreamParams
	period  int
	scratch []byte
	running bool
	posn    atomic.Uint64
}

func (e *dmaEndpoint) Params(p *domain.StreamParams) error {
	if err := checkFormat(e.dev.ID(), p); err != nil {
		return err
	}
	e.params = *p
	return nil
}

// Prepare sizes the DMA ring for the negotiated period. Queued data
// survives a re-prepare with unchanged parameters.
func (e *dmaEndpoint) Prepare() error {
	period := e.params.PeriodBytes(e.dev.PeriodUS())
	if period <= 0 {
		return fmt.Errorf("%w: component %d: no period size, params not set", domain.ErrInvalidArgument, e.dev.ID())
	}
	if e.dma == nil || e.dma.capacity() != period*e.periods {
		e.dma = newRing(period * e.periods)
	}
	e.period = period
	e.scratch = make([]byte, period)
	e.posn.Store(0)
	return nil
}

func (e *dmaEndpoint) Trigger(cmd domain.TriggerCmd) error {
	switch cmd {
	case domain.TriggerStart, domain.TriggerRelease:
		if e.dma == nil {
			return fmt.Errorf("%w: component %d: trigger %s before prepare", domain.ErrInvalidArgument, e.dev.ID(), cmd)
		}
		e.running = true
	case domain.TriggerStop, domain.TriggerPause, domain.TriggerXrun:
		e.running = false
	}
	return nil
}

func (e *dmaEndpoint) Reset() error {
	e.running = false
	e.params = domain.StreamParams{}
	e.period = 0
	if e.dma != nil {
		e.dma.reset()
	}
	e.posn.Store(0)
	return nil
}

// Position implements runtime.PositionProvider.
func (e *dmaEndpoint) Position() uint64 { return e.posn.Load() }

func (e *dmaEndpoint) frameBytes() int { return e.params.FrameBytes() }

// dmaWrite stores p in DMA memory on behalf of the peer.
func (e *dmaEndpoint) dmaWrite(p []byte) int {
	if e.dma == nil {
		return 0
	}
	return e.dma.write(p)
}

// dmaRead drains DMA memory on behalf of the peer.
func (e *dmaEndpoint) dmaRead(n int) []byte {
	if e.dma == nil {
		return nil
	}
	out := make([]byte, min(n, e.dma.avail()))
	e.dma.read(out)
	return out
}

func (e *dmaEndpoint) status() map[string]any {
	out := map[string]any{
		"position": e.posn.Load(),
		"running":  e.running,
		"period":   e.period,
	}
	if e.dma != nil {
		out["avail"] = e.dma.avail()
		out["free"] = e.dma.free()
	}
	return out
}

// peerCmd serves the commands the DMA peer uses to exchange data.
func (e *dmaEndpoint) peerCmd(cmd string, data map[string]any) (map[string]any, error) {
	switch cmd {
	case "write":
		p, err := bytesArg(data, "data")
		if err != nil {
			return nil, err
		}
		return map[string]any{"written": e.dmaWrite(p)}, nil
	case "read":
		n, ok := toInt(data["bytes"])
		if !ok || n < 0 {
			return nil, fmt.Errorf("%w: read needs a byte count", domain.ErrInvalidArgument)
		}
		return map[string]any{"data": e.dmaRead(n)}, nil
	case "status":
		return e.status(), nil
	default:
		return nil, fmt.Errorf("%w: unknown command %q", domain.ErrInvalidArgument, cmd)
	}
}

func (e *dmaEndpoint) GetAttribute(key string) (any, error) {
	switch key {
	case "position":
		return e.posn.Load(), nil
	case "period_bytes":
		return e.period, nil
	default:
		return nil, fmt.Errorf("%w: unknown attribute %q", domain.ErrInvalidArgument, key)
	}
}
