package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/polisai/polis-dsp/pkg/domain"
)

// LoadTopology reads, validates and converts a topology file.
func LoadTopology(path string) (domain.Topology, error) {
	// #nosec G304 -- topology path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Topology{}, fmt.Errorf("failed to read topology file %s: %w", path, err)
	}
	spec, err := ParseTopology(data)
	if err != nil {
		return domain.Topology{}, fmt.Errorf("topology %s: %w", path, err)
	}
	return spec.ToDomain()
}

// ToDomain converts the spec to the descriptors handed to the engine.
func (s TopologySpec) ToDomain() (domain.Topology, error) {
	topo := domain.Topology{
		Version:   s.Version,
		Endpoints: make(map[uint32]domain.PipelineEndpoints, len(s.Pipelines)),
	}

	for _, p := range s.Pipelines {
		topo.Pipelines = append(topo.Pipelines, p.ToDomain())
		topo.Endpoints[p.ID] = domain.PipelineEndpoints{SourceID: p.Source, SinkID: p.Sink}
	}

	for _, c := range s.Components {
		desc, err := c.ToDomain()
		if err != nil {
			return domain.Topology{}, err
		}
		topo.Components = append(topo.Components, desc)
	}

	for _, b := range s.Buffers {
		topo.Buffers = append(topo.Buffers, domain.BufferDescriptor{ID: b.ID, PipelineID: b.Pipeline, Size: b.Size})
	}

	for _, conn := range s.Connections {
		topo.Connections = append(topo.Connections, domain.ConnectionDescriptor{
			SourceID: conn.Source,
			BufferID: conn.Buffer,
			SinkID:   conn.Sink,
		})
	}
	return topo, nil
}

// ToDomain converts PipelineSpec to domain.PipelineDescriptor.
func (s PipelineSpec) ToDomain() domain.PipelineDescriptor {
	td := domain.TimeDomain(s.TimeDomain)
	if td == "" {
		td = domain.TimeDomainTimer
	}
	return domain.PipelineDescriptor{
		ID:             s.ID,
		Priority:       s.Priority,
		PeriodUS:       s.PeriodUS,
		Core:           s.Core,
		SchedCompID:    s.SchedComp,
		TimeDomain:     td,
		FramesPerSched: s.FramesPerSched,
	}
}

// ToDomain converts ComponentSpec to domain.ComponentDescriptor.
func (s ComponentSpec) ToDomain() (domain.ComponentDescriptor, error) {
	dir := domain.DirectionPlayback
	if s.Direction != "" {
		parsed, err := domain.ParseDirection(s.Direction)
		if err != nil {
			return domain.ComponentDescriptor{}, fmt.Errorf("component %d: %w", s.ID, err)
		}
		dir = parsed
	}
	return domain.ComponentDescriptor{
		ID:         s.ID,
		Type:       domain.CompType(strings.ToLower(strings.TrimSpace(s.Type))),
		PipelineID: s.Pipeline,
		Direction:  dir,
		Core:       s.Core,
		Config:     copyConfig(s.Config),
	}, nil
}

func copyConfig(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
