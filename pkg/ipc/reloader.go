package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polisai/polis-dsp/pkg/config"
	"github.com/polisai/polis-dsp/pkg/domain"
)

// Reload outcomes passed to ReloadRecorder.
const (
	ReloadApplied = "applied"
	ReloadBusy    = "busy"
	ReloadFailed  = "failed"
)

// ReloadRecorder records reload outcomes, e.g. as metrics.
type ReloadRecorder interface {
	RecordTopologyReload(status string)
}

// Reloader rebuilds the engine topology from snapshots. A snapshot is only
// applied while no pipeline runs; otherwise it is skipped and the current
// topology stays in place.
type Reloader struct {
	handler  *Handler
	logger   *slog.Logger
	recorder ReloadRecorder

	mu          sync.Mutex
	generation  int64
	reloadCount int64
	lastReload  time.Time
	// current is the topology last applied, restored when a reload fails.
	current *domain.Topology
}

// NewReloader creates a reloader. recorder may be nil.
func NewReloader(h *Handler, recorder ReloadRecorder, logger *slog.Logger) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{handler: h, recorder: recorder, logger: logger}
}

// Run applies snapshots from updates until ctx is done or updates closes.
func (r *Reloader) Run(ctx context.Context, updates <-chan config.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := r.Apply(ctx, snap); err != nil {
				r.logger.Error("topology reload failed", "generation", snap.Generation, "error", err)
			}
		}
	}
}

// Apply replaces the current topology with snap. Snapshots at or below the
// applied generation are ignored.
func (r *Reloader) Apply(ctx context.Context, snap config.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if snap.Generation <= r.generation {
		return nil
	}
	if !r.handler.Idle() {
		r.record(ReloadBusy)
		return domain.NewError(domain.ErrBusy, map[string]any{"generation": snap.Generation},
			"topology generation %d: pipelines are running", snap.Generation)
	}

	start := time.Now()
	r.logger.Info("starting topology reload", "generation", snap.Generation, "path", snap.Path)

	// Step 1: release the running topology
	if err := r.handler.Teardown(ctx); err != nil {
		r.record(ReloadFailed)
		r.restore(ctx)
		return fmt.Errorf("teardown: %w", err)
	}
	// Step 2: build the new one, falling back to the previous on failure
	if err := r.handler.Apply(ctx, snap.Topology); err != nil {
		r.record(ReloadFailed)
		r.restore(ctx)
		return err
	}

	topo := snap.Topology
	r.current = &topo
	r.generation = snap.Generation
	r.reloadCount++
	r.lastReload = time.Now()
	r.record(ReloadApplied)
	r.logger.Info("topology reload completed", "generation", snap.Generation,
		"reload_count", r.reloadCount, "duration", time.Since(start).String())
	return nil
}

// restore rebuilds the last applied topology after a failed reload.
func (r *Reloader) restore(ctx context.Context) {
	if r.current == nil {
		return
	}
	if err := r.handler.Teardown(ctx); err != nil {
		r.logger.Error("topology restore: teardown failed", "generation", r.generation, "error", err)
		return
	}
	if err := r.handler.Apply(ctx, *r.current); err != nil {
		r.logger.Error("topology restore failed", "generation", r.generation, "error", err)
		return
	}
	r.logger.Warn("previous topology restored", "generation", r.generation)
}

// Generation returns the last applied snapshot generation.
func (r *Reloader) Generation() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

func (r *Reloader) record(status string) {
	if r.recorder != nil {
		r.recorder.RecordTopologyReload(status)
	}
}
