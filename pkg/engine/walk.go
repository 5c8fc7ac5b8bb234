package engine

import (
	"slices"

	"github.com/polisai/polis-dsp/pkg/domain"
)

// walkDir is the traversal direction over buffer edges.
type walkDir int

const (
	downstream walkDir = iota
	upstream
)

func (d walkDir) String() string {
	if d == upstream {
		return "upstream"
	}
	return "downstream"
}

func (d walkDir) opposite() walkDir {
	if d == downstream {
		return upstream
	}
	return downstream
}

// dirOf maps a stream direction onto the walk that follows the stream from
// its host end: playback flows downstream, capture is walked upstream.
func dirOf(d domain.Direction) walkDir {
	if d == domain.DirectionCapture {
		return upstream
	}
	return downstream
}

// verdict tells the walker whether to visit the children of a component.
type verdict int

const (
	descend verdict = iota
	prune
)

// walker is a depth-first traversal over the component graph using an
// explicit frame stack. Within one traversal no buffer edge is entered twice
// and no component is visited twice.
type walker struct {
	dir            walkDir
	skipIncomplete bool

	// enter runs before the children of c; in is the edge c was reached by,
	// nil for the start component.
	enter func(c *Component, in *Buffer) (verdict, error)
	// leave runs after the children of a descended component.
	leave func(c *Component, in *Buffer) error
	// onBuffer runs for every edge before its far component is resolved.
	onBuffer func(b *Buffer)
}

type walkFrame struct {
	comp  *Component
	in    *Buffer
	edges []*Buffer
	next  int
}

// run walks from start. The first error aborts the traversal and is returned
// unchanged; no leave callbacks run after it.
func (w *walker) run(start *Component) error {
	entered := make(map[*Buffer]struct{})
	visited := make(map[*Component]struct{})
	var stack []*walkFrame

	visit := func(c *Component, in *Buffer) error {
		visited[c] = struct{}{}
		v := descend
		if w.enter != nil {
			var err error
			v, err = w.enter(c, in)
			if err != nil {
				return err
			}
		}
		if v == prune {
			return nil
		}
		stack = append(stack, &walkFrame{comp: c, in: in, edges: slices.Clone(c.buffers(w.dir))})
		return nil
	}

	if err := visit(start, nil); err != nil {
		return err
	}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		if f.next >= len(f.edges) {
			stack = stack[:len(stack)-1]
			if w.leave != nil {
				if err := w.leave(f.comp, f.in); err != nil {
					return err
				}
			}
			continue
		}

		b := f.edges[f.next]
		f.next++
		if _, ok := entered[b]; ok {
			continue
		}
		entered[b] = struct{}{}

		if w.onBuffer != nil {
			w.onBuffer(b)
		}

		far := b.far(w.dir)
		if far == nil {
			continue
		}
		if w.skipIncomplete && far.pipeline == nil {
			continue
		}
		if _, ok := visited[far]; ok {
			continue
		}
		if err := visit(far, b); err != nil {
			return err
		}
	}
	return nil
}

// stopsPropagation applies the cross-pipeline endpoint rule: a stream
// flowing in dir does not enter a neighbouring pipeline whose sink endpoint
// faces the other way.
func stopsPropagation(neighbour *Pipeline, dir domain.Direction) bool {
	if neighbour == nil || neighbour.sinkComp == nil {
		return true
	}
	end := neighbour.sinkComp.endpoint()
	if dir == domain.DirectionPlayback {
		return end == domain.EndpointHost || end == domain.EndpointNode
	}
	return end == domain.EndpointDAI || end == domain.EndpointNode
}

// sameSched reports whether two pipelines share a scheduling component.
func sameSched(a, b *Pipeline) bool {
	return a != nil && b != nil && a.schedComp != nil && a.schedComp == b.schedComp
}
