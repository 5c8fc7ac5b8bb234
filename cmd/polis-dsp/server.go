package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-dsp/pkg/config"
	"github.com/polisai/polis-dsp/pkg/domain"
)

// pipelineView is the /pipelines representation of a pipeline.
type pipelineView struct {
	ID         uint32                 `json:"id"`
	Status     string                 `json:"status"`
	PeriodUS   uint32                 `json:"period_us"`
	Priority   int                    `json:"priority"`
	Source     uint32                 `json:"source,omitempty"`
	Sink       uint32                 `json:"sink,omitempty"`
	SchedComp  uint32                 `json:"sched_comp,omitempty"`
	XrunBytes  int32                  `json:"xrun_bytes"`
	Scheduled  bool                   `json:"scheduled"`
	Slot       int                    `json:"position_slot"`
	LastReport *domain.PositionReport `json:"last_report,omitempty"`
}

func newHTTPHandler(cfg config.MetricsConfig, rt *dspRuntime) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/pipelines", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		views := pipelineViews(rt)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(views); err != nil {
			rt.logger.Warn("Failed to encode pipelines", "error", err)
		}
	})
	mux.Handle(cfg.Path, rt.metrics.Handler())

	return rt.metrics.MetricsMiddleware(otelhttp.NewHandler(mux, "polis.dsp"))
}

func pipelineViews(rt *dspRuntime) []pipelineView {
	snapshots := rt.engine.Snapshots()
	views := make([]pipelineView, 0, len(snapshots))
	for _, p := range snapshots {
		views = append(views, pipelineView{
			ID:         p.ID,
			Status:     p.Status.String(),
			PeriodUS:   p.PeriodUS,
			Priority:   p.Priority,
			Source:     p.Source,
			Sink:       p.Sink,
			SchedComp:  p.SchedComp,
			XrunBytes:  p.XrunBytes,
			Scheduled:  p.Scheduled,
			Slot:       p.PositionSlot,
			LastReport: p.Report,
		})
	}
	return views
}

func startServer(cfg config.MetricsConfig, rt *dspRuntime, logger *slog.Logger) (*http.Server, error) {
	server := &http.Server{
		Handler:           newHTTPHandler(cfg, rt),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to bind listener %s: %w", cfg.Address, err)
	}

	// resolved address is useful when configured with :0
	logger.Info("Server listening", "addr", listener.Addr().String(), "metrics_path", cfg.Path)

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
		}
	}()
	return server, nil
}
