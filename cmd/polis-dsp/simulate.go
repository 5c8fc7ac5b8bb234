package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/polisai/polis-dsp/pkg/domain"
	"github.com/polisai/polis-dsp/pkg/engine"
)

// hostFeeder stands in for the host and the audio interfaces when the
// engine runs without real DMA peers: it writes silence into playback
// hosts and capture DAIs, drains capture hosts and playback DAIs, and
// raises a DMA interrupt every round.
type hostFeeder struct {
	rt     *dspRuntime
	logger *slog.Logger
}

func newHostFeeder(rt *dspRuntime, logger *slog.Logger) *hostFeeder {
	return &hostFeeder{rt: rt, logger: logger.With("component", "feeder")}
}

// Run services every running endpoint once per interval until ctx is done.
func (f *hostFeeder) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.round()
		}
	}
}

// round services each active endpoint and returns how many were served.
func (f *hostFeeder) round() int {
	served := 0
	for _, ep := range f.rt.engine.ActiveEndpoints() {
		if err := f.serve(ep); err != nil {
			f.logger.Debug("endpoint service failed", "comp_id", ep.Comp.ID(), "error", err)
			continue
		}
		served++
	}
	f.rt.dma.Interrupt()
	return served
}

func (f *hostFeeder) serve(ep engine.Endpoint) error {
	c := ep.Comp
	attr, err := f.rt.engine.GetAttribute(c, "period_bytes")
	if err != nil {
		return err
	}
	period, _ := attr.(int)
	if period <= 0 {
		return nil
	}

	// hosts produce playback, DAIs produce capture
	produces := (ep.Type == domain.CompHost) == (ep.Direction == domain.DirectionPlayback)
	if produces {
		_, err = f.rt.engine.Cmd(c, "write", map[string]any{"data": make([]byte, period)})
		return err
	}
	_, err = f.rt.engine.Cmd(c, "read", map[string]any{"bytes": period})
	return err
}
