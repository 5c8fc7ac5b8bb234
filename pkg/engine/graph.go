package engine

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/polisai/polis-dsp/pkg/domain"
)

// ConnectDir selects which end of a buffer a component is attached to.
type ConnectDir int

const (
	// CompToBuffer makes the component the buffer's producer.
	CompToBuffer ConnectDir = iota
	// BufferToComp makes the component the buffer's consumer.
	BufferToComp
)

// Graph is the arena of components and buffers, keyed by stable id.
type Graph struct {
	mu      sync.RWMutex
	comps   map[uint32]*Component
	buffers map[uint32]*Buffer
}

// NewGraph returns an empty arena.
func NewGraph() *Graph {
	return &Graph{
		comps:   make(map[uint32]*Component),
		buffers: make(map[uint32]*Buffer),
	}
}

func (g *Graph) addComponent(c *Component) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.comps[c.id]; exists {
		return fmt.Errorf("%w: component %d already exists", domain.ErrInvalidArgument, c.id)
	}
	g.comps[c.id] = c
	return nil
}

func (g *Graph) addBuffer(b *Buffer) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.buffers[b.id]; exists {
		return fmt.Errorf("%w: buffer %d already exists", domain.ErrInvalidArgument, b.id)
	}
	g.buffers[b.id] = b
	return nil
}

// Component looks up a component by id.
func (g *Graph) Component(id uint32) (*Component, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.comps[id]
	return c, ok
}

// Buffer looks up a buffer by id.
func (g *Graph) Buffer(id uint32) (*Buffer, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.buffers[id]
	return b, ok
}

// Components returns every component ordered by id.
func (g *Graph) Components() []*Component {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Component, 0, len(g.comps))
	for _, c := range g.comps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Buffers returns every buffer ordered by id.
func (g *Graph) Buffers() []*Buffer {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Buffer, 0, len(g.buffers))
	for _, b := range g.buffers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (g *Graph) connect(c *Component, b *Buffer, dir ConnectDir) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch dir {
	case CompToBuffer:
		if b.source != nil {
			return fmt.Errorf("%w: buffer %d already has producer %d", domain.ErrInvalidArgument, b.id, b.source.id)
		}
		b.source = c
		c.bsink = append(c.bsink, b)
	case BufferToComp:
		if b.sink != nil {
			return fmt.Errorf("%w: buffer %d already has consumer %d", domain.ErrInvalidArgument, b.id, b.sink.id)
		}
		b.sink = c
		c.bsource = append(c.bsource, b)
	default:
		return fmt.Errorf("%w: unknown connection direction %d", domain.ErrInvalidArgument, dir)
	}
	return nil
}

func (g *Graph) disconnect(c *Component, b *Buffer, dir ConnectDir) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disconnectLocked(c, b, dir)
}

func (g *Graph) disconnectLocked(c *Component, b *Buffer, dir ConnectDir) {
	switch dir {
	case CompToBuffer:
		if b.source == c {
			b.source = nil
		}
		c.bsink = slices.DeleteFunc(c.bsink, func(x *Buffer) bool { return x == b })
	case BufferToComp:
		if b.sink == c {
			b.sink = nil
		}
		c.bsource = slices.DeleteFunc(c.bsource, func(x *Buffer) bool { return x == b })
	}
}

// detach removes every edge of c.
func (g *Graph) detach(c *Component) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, b := range slices.Clone(c.bsink) {
		g.disconnectLocked(c, b, CompToBuffer)
	}
	for _, b := range slices.Clone(c.bsource) {
		g.disconnectLocked(c, b, BufferToComp)
	}
}

func (g *Graph) removeComponent(c *Component) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.comps, c.id)
}

func (g *Graph) removeBuffer(b *Buffer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b.source != nil {
		g.disconnectLocked(b.source, b, CompToBuffer)
	}
	if b.sink != nil {
		g.disconnectLocked(b.sink, b, BufferToComp)
	}
	delete(g.buffers, b.id)
}
