package engine

import (
	"sort"

	"github.com/polisai/polis-dsp/pkg/domain"
)

// PipelineSnapshot is a consistent view of one pipeline, taken under the
// engine lock.
type PipelineSnapshot struct {
	ID           uint32
	Status       domain.CompState
	PeriodUS     uint32
	Priority     int
	XrunBytes    int32
	Scheduled    bool
	PositionSlot int
	// Source, Sink and SchedComp are zero until the pipeline is completed.
	Source    uint32
	Sink      uint32
	SchedComp uint32
	// Report is the current position of the pipeline's host endpoint.
	Report *domain.PositionReport
}

// Snapshots returns a view of every pipeline ordered by id.
func (e *Engine) Snapshots() []PipelineSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]PipelineSnapshot, 0, len(e.pipelines))
	for _, p := range e.pipelines {
		s := PipelineSnapshot{
			ID:           p.id,
			Status:       p.Status(),
			PeriodUS:     p.periodUS,
			Priority:     p.priority,
			XrunBytes:    p.XrunBytes(),
			Scheduled:    p.TaskScheduled(),
			PositionSlot: p.posnSlot,
		}
		if p.sourceComp != nil {
			s.Source = p.sourceComp.id
		}
		if p.sinkComp != nil {
			s.Sink = p.sinkComp.id
		}
		if p.schedComp != nil {
			s.SchedComp = p.schedComp.id
		}
		for _, c := range []*Component{p.sourceComp, p.sinkComp} {
			if c != nil && c.typ == domain.CompHost {
				report := e.timestamp(p, c)
				s.Report = &report
				break
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Endpoint is a running host or DAI component with the attributes read
// under the engine lock.
type Endpoint struct {
	Comp      *Component
	Type      domain.CompType
	Direction domain.Direction
}

// ActiveEndpoints returns the running host and DAI components of ACTIVE
// pipelines, ordered by id.
func (e *Engine) ActiveEndpoints() []Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Endpoint
	for _, c := range e.graph.Components() {
		if c.pipeline == nil || c.pipeline.Status() != domain.StateActive || c.State() != domain.StateActive {
			continue
		}
		switch c.typ {
		case domain.CompHost, domain.CompDAI:
			out = append(out, Endpoint{Comp: c, Type: c.typ, Direction: c.direction})
		}
	}
	return out
}
