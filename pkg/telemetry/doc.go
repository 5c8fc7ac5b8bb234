// Package telemetry wires OpenTelemetry exporters and meters for the DSP
// pipeline engine.
//
// It centralises trace provider setup, records per-operation and real-time
// copy instruments, and offers enrichment helpers that attach pipeline
// state to spans so operators can correlate host commands with XRUNs.
package telemetry
