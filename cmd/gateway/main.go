package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/sanverite/probe-gateway/internal/admission"
	"github.com/sanverite/probe-gateway/internal/api"
	"github.com/sanverite/probe-gateway/internal/config"
	"github.com/sanverite/probe-gateway/internal/core"
	"github.com/sanverite/probe-gateway/internal/gateway"
	"github.com/sanverite/probe-gateway/internal/guard"
	"github.com/sanverite/probe-gateway/internal/healthsrv"
	"github.com/sanverite/probe-gateway/internal/probe"
	"github.com/sanverite/probe-gateway/internal/stream"
)

func main() {
	var (
		configPath   = flag.String("config", "", "path to a YAML or JSON config file")
		addr         = flag.String("listen", "", "HTTP listen address (overrides config)")
		healthAddr   = flag.String("health-listen", "", "gRPC health listen address (overrides config)")
		shutdownSecs = flag.Int("shutdown-secs", 0, "graceful shutdown timeout in seconds (overrides config)")
	)
	flag.Parse()

	logger := log.Default()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("gateway: %v", err)
	}
	if *addr != "" {
		cfg.Listen = *addr
	}
	if *healthAddr != "" {
		cfg.HealthListen = *healthAddr
	}
	if *shutdownSecs > 0 {
		cfg.ShutdownTimeout = config.Duration(time.Duration(*shutdownSecs) * time.Second)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("gateway: %v", err)
	}

	// Core state initialization
	state := core.NewState(cfg.RecentResults)
	_ = state.SetAgentState(core.StateStarting)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Admission
	ctrl, closeStore := newController(ctx, cfg, state, logger)
	defer closeStore()
	go ctrl.Run(ctx)

	// Probes
	g := guard.New(nil)
	engine := stream.NewEngine(stream.Options{
		MaxSessions: cfg.Scanner.MaxStreams,
		Logger:      logger,
	})
	gw, err := gateway.New(gateway.Options{
		Admission: ctrl,
		HTTP:      probe.NewHTTPExecutor(g, nil),
		Port:      probe.NewPortExecutor(g),
		Scan:      probe.NewScanExecutor(g, probe.NewLocator(cfg.Scanner.Binary), engine),
		Recorder:  state,
		Limits: probe.Limits{
			MaxTimeout:     cfg.Probes.MaxTimeout.Std(),
			MaxScanTimeout: cfg.Scanner.MaxScanTimeout.Std(),
		},
		MaxConcurrent: cfg.Probes.MaxConcurrent,
		MaxQueued:     cfg.Probes.MaxQueued,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatalf("gateway: %v", err)
	}

	// Optional gRPC health endpoint
	var health *healthsrv.Server
	if cfg.HealthListen != "" {
		health = healthsrv.New(state, logger)
		if _, err := health.Start(cfg.HealthListen); err != nil {
			logger.Fatalf("gateway: health listener: %v", err)
		}
	}

	// API Server
	srv := api.NewServer(gw, state, api.ServerOptions{
		Addr:              cfg.Listen,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   cfg.ShutdownTimeout.Std(),
		Logger:            logger,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		Admission:         ctrl,
		Streams:           engine,
	})
	srv.Start()

	_ = state.SetAgentState(core.StateActive)
	if ctrl.Mode() == admission.ModeFallback {
		_ = state.SetAgentState(core.StateDegraded)
	}
	logger.Printf("gateway: %s, admission %s", state.AgentState(), ctrl.Mode())

	<-ctx.Done()
	logger.Printf("gateway: received signal, shutting down")
	_ = state.SetAgentState(core.StateStopping)

	if err := srv.Stop(context.Background()); err != nil {
		logger.Printf("gateway: graceful shutdown error: %v", err)
	}
	if err := gw.Close(cfg.ShutdownTimeout.Std()); err != nil {
		logger.Printf("gateway: worker pool: %v", err)
	}
	if health != nil {
		health.Stop()
	}
	_ = state.SetAgentState(core.StateInactive)
	logger.Printf("gateway: stopped")
}

// newController builds the admission controller, connecting the shared
// store when configured. Mode changes drive the lifecycle between active
// and degraded.
func newController(ctx context.Context, cfg *config.Config, state *core.State, logger *log.Logger) (*admission.Controller, func()) {
	limits := admission.Limits{
		Capacity:   float64(cfg.Admission.Capacity),
		RefillRate: cfg.Admission.RefillRate(),
	}
	opts := admission.Options{
		Limits:     limits,
		RetryAfter: cfg.Admission.RetryAfter.Std(),
		FailClosed: cfg.Admission.FailClosed,
		SweepEvery: cfg.Admission.SweepEvery.Std(),
		Logger:     logger,
		OnModeChange: func(from, to admission.Mode) {
			next := core.StateActive
			switch to {
			case admission.ModeFallback:
				next = core.StateDegraded
				state.AppendWarning("shared admission store unreachable, using local fallback")
			case admission.ModeShared:
				// Store warnings are stale once it answers again.
				state.ClearWarnings()
			}
			if err := state.SetAgentState(next); err != nil && !errors.Is(err, core.ErrInvalidTransition) {
				logger.Printf("gateway: lifecycle: %v", err)
			}
		},
	}

	closeStore := func() {}
	var pingErr error
	if cfg.Admission.RedisURL != "" {
		client, err := admission.DialRedis(cfg.Admission.RedisURL)
		if err != nil {
			logger.Fatalf("gateway: %v", err)
		}
		store := admission.NewRedisStore(client, limits, cfg.Admission.KeyPrefix, nil)
		closeStore = func() { _ = store.Close() }
		opts.Shared = store

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		pingErr = store.Ping(pingCtx)
		cancel()
	}

	ctrl := admission.NewController(opts)
	if pingErr != nil {
		ctrl.MarkUnavailable(pingErr)
	}
	return ctrl, closeStore
}
