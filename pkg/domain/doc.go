// Package domain defines the core types shared by the pipeline execution engine,
// the component drivers and the topology loaders.
//
// This package contains pure domain types with ZERO external dependencies outside
// the Go standard library: component states and trigger commands, stream
// parameters, host position reports, topology descriptors and the sentinel
// errors every layer reports through.
//
// The dependency direction is always:
//
//	engine, drivers, ipc, config → domain (CORRECT)
//	domain → engine (FORBIDDEN)
package domain
