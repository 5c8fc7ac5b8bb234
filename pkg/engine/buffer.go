package engine

import (
	"sync"

	"github.com/polisai/polis-dsp/pkg/domain"
)

// Buffer is a ring buffer edge between one producer and one consumer
// component, carrying the stream parameters negotiated for that edge.
type Buffer struct {
	id         uint32
	pipelineID uint32

	// adjacency, guarded by the graph
	source *Component
	sink   *Component

	mu                 sync.Mutex
	data               []byte
	head               int // next byte to read
	tail               int // next byte to write
	size               int
	params             domain.StreamParams
	hwParamsConfigured bool
}

func newBuffer(desc domain.BufferDescriptor) *Buffer {
	return &Buffer{
		id:         desc.ID,
		pipelineID: desc.PipelineID,
		data:       make([]byte, desc.Size),
	}
}

// ID returns the buffer id.
func (b *Buffer) ID() uint32 { return b.id }

// PipelineID returns the pipeline the buffer was declared in.
func (b *Buffer) PipelineID() uint32 { return b.pipelineID }

// Source returns the producing component, nil when unconnected.
func (b *Buffer) Source() *Component { return b.source }

// Sink returns the consuming component, nil when unconnected.
func (b *Buffer) Sink() *Component { return b.sink }

// SourceActive reports whether the producer of b is ACTIVE.
func (b *Buffer) SourceActive() bool {
	return b.source != nil && b.source.State() == domain.StateActive
}

// far resolves the component on the far side of b for a walk in dir.
func (b *Buffer) far(dir walkDir) *Component {
	if dir == downstream {
		return b.sink
	}
	return b.source
}

// Params returns the negotiated stream parameters.
func (b *Buffer) Params() domain.StreamParams {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.params
}

// HWParamsConfigured reports whether parameters were written to b.
func (b *Buffer) HWParamsConfigured() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hwParamsConfigured
}

// setParams writes the format fields of p. Without force, an already
// configured buffer is left untouched.
func (b *Buffer) setParams(p domain.StreamParams, force bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hwParamsConfigured && !force {
		return
	}
	b.params.Direction = p.Direction
	b.params.Rate = p.Rate
	b.params.Channels = p.Channels
	b.params.FrameFmt = p.FrameFmt
	b.params.BufferFmt = p.BufferFmt
	b.params.Chmap = p.Chmap
	b.hwParamsConfigured = true
}

// paramsMatch compares frame format and rate with p.
func (b *Buffer) paramsMatch(p domain.StreamParams) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.params.FrameFmt == p.FrameFmt && b.params.Rate == p.Rate
}

// updateFrom copies the negotiated format of b into p.
func (b *Buffer) updateFrom(p *domain.StreamParams) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.hwParamsConfigured {
		return
	}
	p.BufferFmt = b.params.BufferFmt
	p.FrameFmt = b.params.FrameFmt
	p.Rate = b.params.Rate
	p.Channels = b.params.Channels
	p.Chmap = b.params.Chmap
}

func (b *Buffer) resetParams() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.params = domain.StreamParams{}
	b.hwParamsConfigured = false
}

func (b *Buffer) resetPos() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head, b.tail, b.size = 0, 0, 0
	clear(b.data)
}

// Capacity returns the ring size in bytes.
func (b *Buffer) Capacity() int { return len(b.data) }

// Avail returns the bytes ready to be consumed.
func (b *Buffer) Avail() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Free returns the bytes that can be produced.
func (b *Buffer) Free() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data) - b.size
}

// Write appends up to len(p) bytes and returns how many were stored.
func (b *Buffer) Write(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := min(len(p), len(b.data)-b.size)
	for i := 0; i < n; i++ {
		b.data[b.tail] = p[i]
		b.tail = (b.tail + 1) % len(b.data)
	}
	b.size += n
	return n
}

// Read consumes up to len(p) bytes and returns how many were copied.
func (b *Buffer) Read(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := min(len(p), b.size)
	for i := 0; i < n; i++ {
		p[i] = b.data[b.head]
		b.head = (b.head + 1) % len(b.data)
	}
	b.size -= n
	return n
}
