// Package main is the entry point for the polis-dsp binary.
// It builds a pipeline engine from a topology file and drives it from the
// timer and DMA schedulers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-dsp/pkg/config"
	"github.com/polisai/polis-dsp/pkg/domain"
	"github.com/polisai/polis-dsp/pkg/engine"
	"github.com/polisai/polis-dsp/pkg/engine/drivers"
	"github.com/polisai/polis-dsp/pkg/ipc"
	"github.com/polisai/polis-dsp/pkg/logging"
	"github.com/polisai/polis-dsp/pkg/metrics"
	"github.com/polisai/polis-dsp/pkg/schedule"
	"github.com/polisai/polis-dsp/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-dsp",
		Short: "Audio pipeline execution engine",
		Long: `polis-dsp builds audio pipelines from a topology file and runs them on
periodic timer and DMA driven tasks.

Example:
  polis-dsp run --config dsp.yaml --topology topology.yaml
  polis-dsp validate topology.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newRunCmd(), newValidateCmd())
	return rootCmd
}

// runOptions holds the parsed run flags.
type runOptions struct {
	ConfigPath   string
	TopologyPath string
	LogLevel     string
	Pretty       bool
	Simulate     bool
	// Start lists host components whose streams are started at boot.
	Start    []uint
	Rate     uint32
	Channels uint16
	Format   string
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEngine(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "Path to configuration file (YAML)")
	cmd.Flags().StringVarP(&opts.TopologyPath, "topology", "t", "", "Topology file, overrides topology.file")
	cmd.Flags().StringVarP(&opts.LogLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&opts.Pretty, "pretty", false, "Enable pretty console logging")
	cmd.Flags().BoolVar(&opts.Simulate, "simulate", false, "Feed host endpoints and raise DMA interrupts in-process")
	cmd.Flags().UintSliceVar(&opts.Start, "start", nil, "Host component ids to start streams on")
	cmd.Flags().Uint32Var(&opts.Rate, "rate", 48000, "Sample rate of started streams")
	cmd.Flags().Uint16Var(&opts.Channels, "channels", 2, "Channel count of started streams")
	cmd.Flags().StringVar(&opts.Format, "format", string(domain.FormatS32LE), "Frame format of started streams")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <topology>",
		Short: "Validate a topology file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := config.LoadTopology(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "topology %s: %d pipelines, %d components, %d buffers, %d connections\n",
				args[0], len(topo.Pipelines), len(topo.Components), len(topo.Buffers), len(topo.Connections))
			return nil
		},
	}
}

// loadRunConfig loads the configuration file and applies flag overrides.
func loadRunConfig(opts *runOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.TopologyPath != "" {
		cfg.Topology.File = opts.TopologyPath
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.Pretty {
		cfg.Logging.Pretty = true
	}
	if cfg.Topology.File == "" {
		return nil, fmt.Errorf("no topology file configured; use --topology or topology.file")
	}
	return cfg, nil
}

// dspRuntime is the wired engine with its schedulers and collectors.
type dspRuntime struct {
	engine  *engine.Engine
	handler *ipc.Handler
	timer   *schedule.Scheduler
	dma     *schedule.Scheduler
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func newRuntime(cfg *config.Config, logger *slog.Logger) *dspRuntime {
	m := metrics.NewMetrics()
	timer := schedule.New(schedule.Config{
		Kind:     schedule.KindTimer,
		Tick:     cfg.Scheduler.Tick,
		Logger:   logger,
		Observer: m,
	})
	dma := schedule.New(schedule.Config{
		Kind:     schedule.KindDMA,
		Logger:   logger,
		Observer: m,
	})

	registry := engine.NewRegistry()
	drivers.RegisterDefaults(registry)

	e := engine.New(engine.Config{
		Logger:              logger,
		Drivers:             registry,
		TimerScheduler:      timer,
		DMAScheduler:        dma,
		PositionSlots:       cfg.Engine.PositionSlots,
		DisableXrunRecovery: !cfg.Engine.RecoveryEnabled(),
		Observer:            m,
	})

	return &dspRuntime{
		engine:  e,
		handler: ipc.NewHandler(e, logger),
		timer:   timer,
		dma:     dma,
		metrics: m,
		logger:  logger,
	}
}

func runEngine(ctx context.Context, opts *runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadRunConfig(opts)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})
	slog.SetDefault(logger)

	rt := newRuntime(cfg, logger)
	logger.Info("Starting polis-dsp", "engine_id", rt.engine.ID(), "topology", cfg.Topology.File,
		"tick", cfg.Scheduler.Tick.String(), "xrun_recovery", cfg.Engine.RecoveryEnabled())

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		InstanceID:  rt.engine.ID(),
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	provider, err := config.NewFileTopologyProvider(cfg.Topology.File, config.FileTopologyProviderOptions{
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			logger.Error("Failed to close topology provider", "error", err)
		}
	}()

	reloader := ipc.NewReloader(rt.handler, rt.metrics, logger)
	if err := reloader.Apply(ctx, provider.Current()); err != nil {
		return fmt.Errorf("failed to apply topology: %w", err)
	}

	if err := startStreams(ctx, rt, opts); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	spawn(func() { _ = rt.timer.Run(ctx) })
	spawn(func() { _ = rt.dma.Run(ctx) })
	if cfg.Topology.Watch {
		updates := provider.Subscribe()
		spawn(func() { reloader.Run(ctx, updates) })
	}
	if opts.Simulate {
		feeder := newHostFeeder(rt, logger)
		spawn(func() { feeder.Run(ctx, cfg.Scheduler.Tick) })
	}

	server, err := startServer(cfg.Metrics, rt, logger)
	if err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Shutdown error", "error", err)
	}
	wg.Wait()
	return nil
}

// startStreams negotiates, prepares and starts the requested host streams.
func startStreams(ctx context.Context, rt *dspRuntime, opts *runOptions) error {
	for _, id := range opts.Start {
		hostID := uint32(id)
		host, ok := rt.engine.Graph().Component(hostID)
		if !ok {
			return fmt.Errorf("start stream: component %d not found", hostID)
		}
		params := domain.StreamParams{
			Direction: host.Direction(),
			Rate:      opts.Rate,
			Channels:  opts.Channels,
			FrameFmt:  domain.FrameFormat(opts.Format),
		}
		params.DefaultChmap()
		if err := rt.handler.PCMParams(ctx, hostID, params); err != nil {
			return fmt.Errorf("start stream %d: %w", hostID, err)
		}
		if err := rt.handler.PCMPrepare(ctx, hostID); err != nil {
			return fmt.Errorf("start stream %d: %w", hostID, err)
		}
		if err := rt.handler.Trigger(ctx, hostID, domain.TriggerStart); err != nil {
			return fmt.Errorf("start stream %d: %w", hostID, err)
		}
		rt.logger.Info("Stream started", "comp_id", hostID, "rate", params.Rate,
			"channels", params.Channels, "frame_fmt", string(params.FrameFmt))
	}
	return nil
}
