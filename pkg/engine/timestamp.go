package engine

import (
	"github.com/polisai/polis-dsp/pkg/domain"
	"github.com/polisai/polis-dsp/pkg/engine/runtime"
)

// Timestamp builds a position report for host, pairing its DMA position with
// the position of the DAI the stream ends on.
func (e *Engine) Timestamp(p *Pipeline, host *Component) domain.PositionReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timestamp(p, host)
}

func (e *Engine) timestamp(p *Pipeline, host *Component) domain.PositionReport {
	report := domain.PositionReport{
		Kind:        domain.PositionUpdate,
		CompID:      host.id,
		Wallclock:   uint64(e.clock().UnixNano()),
		TimestampNs: uint64(p.periodUS) * 1000,
	}
	if pos, ok := host.ops.(runtime.PositionProvider); ok {
		report.HostPosn = pos.Position()
	}
	if host.pipeline == nil {
		return report
	}
	if dai := e.daiComp(host.pipeline, host.direction); dai != nil {
		if pos, ok := dai.ops.(runtime.PositionProvider); ok {
			report.DaiPosn = pos.Position()
		}
	}
	return report
}

// DAIComp returns the DAI that terminates the stream leaving p in
// direction d, following connected pipelines.
func (e *Engine) DAIComp(p *Pipeline, d domain.Direction) *Component {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.daiComp(p, d)
}

func (e *Engine) daiComp(p *Pipeline, d domain.Direction) *Component {
	dir := dirOf(d)
	for range len(e.pipelines) + 1 {
		if p == nil {
			return nil
		}
		end := p.endpoint(dir)
		if end == nil {
			return nil
		}
		edges := end.buffers(dir)
		if len(edges) == 0 {
			if end.typ == domain.CompDAI {
				return end
			}
			return nil
		}
		far := edges[0].far(dir)
		if far == nil {
			return nil
		}
		p = far.pipeline
	}
	return nil
}
