package domain

// PipelineDescriptor describes a pipeline created at topology build time.
type PipelineDescriptor struct {
	ID       uint32
	Priority int
	// PeriodUS is the scheduling period in microseconds.
	PeriodUS uint32
	Core     int
	// SchedCompID names the component whose trigger schedules the pipeline.
	// Zero lets the engine pick the DAI endpoint, falling back to the sink.
	SchedCompID    uint32
	TimeDomain     TimeDomain
	FramesPerSched uint32
}

// ComponentDescriptor describes a component instance.
type ComponentDescriptor struct {
	ID         uint32
	Type       CompType
	PipelineID uint32
	Direction  Direction
	Core       int
	Config     map[string]any
}

// BufferDescriptor describes a ring buffer edge.
type BufferDescriptor struct {
	ID         uint32
	PipelineID uint32
	Size       int
}

// ConnectionDescriptor wires Source -> Buffer -> Sink.
type ConnectionDescriptor struct {
	SourceID uint32
	BufferID uint32
	SinkID   uint32
}

// Topology is a complete, ordered topology build request.
type Topology struct {
	Version     string
	Pipelines   []PipelineDescriptor
	Components  []ComponentDescriptor
	Buffers     []BufferDescriptor
	Connections []ConnectionDescriptor
	// Endpoints maps pipeline id to its (source, sink) component ids.
	Endpoints map[uint32]PipelineEndpoints
}

// PipelineEndpoints names the extremities handed to pipeline completion.
type PipelineEndpoints struct {
	SourceID uint32
	SinkID   uint32
}
