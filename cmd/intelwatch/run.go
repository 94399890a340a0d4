package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/intelwatch/internal/config"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/health"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/output"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/profiling"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/security"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/server"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/stream"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/topology"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/tracing"
)

const metricsInterval = 15 * time.Second

func newRunCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Follow the log directory and publish intel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "config.yaml", "Path to configuration file")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.SetGlobal(logger)

	logger.Info().Str("version", version).Msg("Starting intelwatch")

	sd := shutdown.New(shutdown.Config{Timeout: cfg.Shutdown.Timeout, Logger: logger})

	// steps registered so far are unwound when startup fails
	fail := func(err error) error {
		sd.Shutdown()
		return err
	}

	m := metrics.NewCollector()
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		m.Start(metricsInterval)
		sd.RegisterFunc("metrics", func(context.Context) error {
			m.Stop()
			return nil
		})
	}

	var prof *profiling.Profiler
	if cfg.Profiling != nil && cfg.Profiling.Enabled {
		prof = profiling.New(profiling.Config{
			Enabled:            true,
			CPUProfilePath:     cfg.Profiling.CPUProfile,
			MemProfilePath:     cfg.Profiling.MemProfile,
			BlockProfile:       cfg.Profiling.BlockProfile,
			MutexProfile:       cfg.Profiling.MutexProfile,
			GoroutineThreshold: cfg.Profiling.GoroutineThreshold,
		}, logger)
		if err := prof.Start(); err != nil {
			return fail(fmt.Errorf("failed to start profiling: %w", err))
		}
		sd.RegisterComponent(prof)
	}

	var tp *tracing.Provider
	if cfg.Tracing != nil {
		var err error
		tp, err = tracing.NewProvider(ctx, tracing.Config{
			Enabled:        cfg.Tracing.Enabled,
			Endpoint:       cfg.Tracing.Endpoint,
			SampleRate:     cfg.Tracing.SampleRate,
			ServiceVersion: version,
		})
		if err != nil {
			return fail(fmt.Errorf("failed to create tracing provider: %w", err))
		}
		sd.RegisterFunc("tracing", tp.Shutdown)
	}

	topo, err := topology.NewLoader(logger).Load(ctx, cfg.Map.RegionSources, cfg.Map.BridgeSource)
	if err != nil {
		return fail(fmt.Errorf("failed to load topology: %w", err))
	}
	logger.Info().
		Int("systems", topo.Len()).
		Int("bridges", topo.Bridges()).
		Msg("Topology loaded")

	var hub *stream.Hub
	var broadcaster output.Broadcaster
	if cfg.API != nil && cfg.API.Enabled {
		hub = stream.NewHub(stream.Config{
			History:        websocketHistory(cfg.Outputs),
			AllowedOrigins: cfg.API.AllowedOrigins,
		}, logger, m)
		broadcaster = hub
		sd.RegisterFunc("stream", func(context.Context) error {
			return hub.Close()
		})
	}

	router, err := output.NewRouterFromConfig(cfg.Outputs, broadcaster, logger, m)
	if err != nil {
		return fail(fmt.Errorf("failed to create outputs: %w", err))
	}
	sd.RegisterFunc("outputs", func(context.Context) error {
		return router.Close()
	})

	hc := health.NewChecker(5 * time.Second)
	hc.Register("topology", health.CheckFunc(func() (bool, string) {
		if topo.Len() == 0 {
			return false, "no systems loaded"
		}
		return true, fmt.Sprintf("%d systems", topo.Len())
	}))
	if _, ok := router.DeadLetterSize(); ok {
		hc.Register("dead_letter", health.CheckWithMetadata(func() (health.Status, string, map[string]interface{}) {
			size, _ := router.DeadLetterSize()
			meta := map[string]interface{}{"size": size}
			if size > 0 {
				return health.StatusDegraded, "undelivered envelopes parked", meta
			}
			return health.StatusHealthy, "empty", meta
		}))
	}

	p, err := pipeline.New(pipeline.OptionsFromConfig(cfg, topo, router, hc, logger, m), logger, m)
	if err != nil {
		return fail(fmt.Errorf("failed to create pipeline: %w", err))
	}
	if tp != nil {
		router.SetTracer(tp.Tracer())
		p.SetTracer(tp.Tracer())
	}
	sd.RegisterComponent(p)
	if err := p.Start(); err != nil {
		return fail(fmt.Errorf("failed to start pipeline: %w", err))
	}

	srvCfg := server.Config{
		MetricsRegistry: m.Registry(),
		HealthChecker:   hc,
		State:           p,
		Logger:          logger,
	}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		srvCfg.MetricsAddress = cfg.Metrics.Address
		srvCfg.MetricsPath = cfg.Metrics.Path
		if prof != nil {
			srvCfg.Debug = prof.Handler()
		}
	}
	if cfg.API != nil && cfg.API.Enabled {
		srvCfg.APIAddress = cfg.API.Address
		srvCfg.APITimeout = cfg.API.Timeout
		srvCfg.Stream = hub
		if t := cfg.API.TLS; t != nil {
			tlsConfig, err := security.LoadTLSConfig(&security.TLSConfig{
				Enabled:  true,
				CertFile: t.CertFile,
				KeyFile:  t.KeyFile,
				CAFile:   t.CAFile,
			})
			if err != nil {
				return fail(fmt.Errorf("failed to load api tls: %w", err))
			}
			srvCfg.TLS = tlsConfig
		}
	}
	if srvCfg.MetricsAddress != "" || srvCfg.APIAddress != "" {
		srv := server.New(srvCfg)
		if err := srv.Start(); err != nil {
			return fail(fmt.Errorf("failed to start server: %w", err))
		}
		sd.RegisterComponent(srv)
	}

	logger.Info().
		Str("directory", cfg.Logs.Directory).
		Int("outputs", len(cfg.Outputs.Definitions)).
		Msg("intelwatch running")

	sd.WaitForSignal(ctx)
	return sd.Err()
}

// websocketHistory returns the replay depth of the first websocket output
func websocketHistory(cfg config.OutputsConfig) int {
	for _, def := range cfg.Definitions {
		if def.Type == "websocket" && def.Websocket != nil {
			return def.Websocket.History
		}
	}
	return 0
}
