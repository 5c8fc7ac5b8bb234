package config

import (
	"time"

	"github.com/polisai/polis-dsp/pkg/domain"
)

// Snapshot is an immutable, validated topology as loaded from disk.
type Snapshot struct {
	Generation int64
	LoadedAt   time.Time
	Path       string
	Topology   domain.Topology
}
