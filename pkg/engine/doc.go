// Package engine executes audio processing pipelines over a graph of
// components joined by ring buffers.
//
// Architecture:
//
// graph.go     - Arena of components and buffers keyed by id, adjacency
// walk.go      - Iterative graph walker shared by every operation
// pipeline.go  - Pipeline lifecycle: new, complete, reset, free, task body
// params.go    - Stream parameter negotiation from the host endpoint
// prepare.go   - Prepare walk and buffer reset
// trigger.go   - Trigger propagation and scheduling of trigger groups
// copy.go      - Per-period copy walk run by the pipeline task
// xrun.go      - Under/overrun reporting and recovery
// timestamp.go - Host position reports and DAI lookup
//
// Component behaviour lives behind runtime.Ops; the built-in drivers are in
// the drivers subpackage. One engine mutex serialises host commands, task
// runs and XRUN handling.
package engine
