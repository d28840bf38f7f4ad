package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/promptforge/promptforge/budget"
	"github.com/promptforge/promptforge/codebase"
	"github.com/promptforge/promptforge/config"
	"github.com/promptforge/promptforge/events"
	"github.com/promptforge/promptforge/jobs"
	"github.com/promptforge/promptforge/logger"
	"github.com/promptforge/promptforge/metrics/prometheus"
	"github.com/promptforge/promptforge/pipeline"
	"github.com/promptforge/promptforge/project"
	"github.com/promptforge/promptforge/providers"
	"github.com/promptforge/promptforge/record"
	"github.com/promptforge/promptforge/server"
	"github.com/promptforge/promptforge/telemetry"
	"github.com/promptforge/promptforge/version"
	"github.com/promptforge/promptforge/vfs"
)

const redisDialTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the optimization daemon",
	Long: `Start the PromptForge daemon: the HTTP API with SSE streaming, the
event relay, the background job queue, and, when configured, Prometheus
metrics and OTLP trace export.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "Configuration file path (YAML)")
	serveCmd.Flags().String("addr", "", "Listen address, overrides the config file")
}

func runServe(cmd *cobra.Command) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}

	if err := logger.Configure(&logger.LoggingConfigSpec{
		DefaultLevel: cfg.Logging.Level,
		Format:       cfg.Logging.Format,
	}); err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}
	logger.Info("starting promptforged", version.GetBuildInfo()...)

	ctx := context.Background()

	// Event bus with schema contracts and replay history; the relay
	// fans relay-channel traffic out to SSE and WebSocket clients.
	bus := events.NewBus(
		events.WithWorkers(cfg.Events.Workers),
		events.WithQueueSize(cfg.Events.QueueSize),
		events.WithContracts(events.DefaultContracts()),
		events.WithHistory(events.NewHistory(cfg.Events.HistorySize)),
	)
	relay := events.NewRelay(bus, cfg.Events.QueueSize)

	recStore, jobStore, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}

	provs, err := buildProviders(cfg, cfg.Metrics.Enabled)
	if err != nil {
		return err
	}

	projects := project.NewStore()
	files := vfs.NewStore()
	resolver := codebase.NewResolver(projects)
	stats := record.NewAggregator(recStore)

	var unbinds []func()
	unbinds = append(unbinds, stats.BindBus(bus))

	srvOpts := []server.Option{
		server.WithWebhookSecret(cfg.Server.WebhookSecret),
		server.WithCORSOrigins(cfg.Server.CORSOrigins),
	}
	orchOpts := []pipeline.OrchestratorOption{
		pipeline.WithBus(bus),
		pipeline.WithBudget(budget.NewRecorder()),
	}

	// Metrics: the run/stage hook feeds the orchestrator path, the bus
	// listener covers the job queue, and the exporter either mounts on
	// the API listener or runs its own.
	var exporter *prometheus.Exporter
	if cfg.Metrics.Enabled {
		hook := prometheus.NewHook()
		orchOpts = append(orchOpts, pipeline.WithMetrics(hook))
		srvOpts = append(srvOpts, server.WithStreamMetrics(hook))
		unbinds = append(unbinds, prometheus.BindBus(bus))

		exporter = prometheus.NewExporter(cfg.Metrics.Addr)
		if cfg.Metrics.Addr == "" {
			srvOpts = append(srvOpts, server.WithMetricsHandler(cfg.Metrics.Path, exporter.Handler()))
		} else {
			go func() {
				logger.Info("metrics listener starting", "addr", cfg.Metrics.Addr)
				if err := exporter.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics listener failed", "error", err)
				}
			}()
		}
	}

	// Telemetry: live spans for runs and jobs, plus W3C header
	// propagation through the API.
	var tracerShutdown func(context.Context) error
	if cfg.Telemetry.Enabled {
		tp, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName)
		if err != nil {
			return fmt.Errorf("starting telemetry: %w", err)
		}
		telemetry.SetupPropagation()
		listener := telemetry.NewSpanListener(telemetry.Tracer(tp))
		unbinds = append(unbinds, listener.BindBus(bus))
		srvOpts = append(srvOpts, server.WithMiddleware(telemetry.TraceMiddleware))
		tracerShutdown = tp.Shutdown
	}

	orch, err := pipeline.NewOrchestrator(&pipeline.RuntimeConfig{
		MaxConcurrentRuns:       cfg.Pipeline.MaxConcurrentRuns,
		StreamBufferSize:        cfg.Pipeline.StreamBufferSize,
		ProgressInterval:        cfg.Pipeline.ProgressInterval.Duration(),
		GracefulShutdownTimeout: cfg.Pipeline.GracefulShutdownTimeout.Duration(),
	}, orchOpts...)
	if err != nil {
		return fmt.Errorf("building orchestrator: %w", err)
	}

	queue := jobs.NewQueue(jobStore,
		jobs.WithWorkers(cfg.Jobs.Workers),
		jobs.WithShutdownGrace(cfg.Jobs.ShutdownGrace.Duration()),
		jobs.WithQueueBus(bus),
	)

	srv, err := server.New(server.Deps{
		Orchestrator:    orch,
		Records:         recStore,
		Projects:        projects,
		Files:           files,
		Queue:           queue,
		Bus:             bus,
		Relay:           relay,
		Resolver:        resolver,
		Stats:           stats,
		Providers:       provs,
		DefaultProvider: cfg.Provider.Default,
	}, srvOpts...)
	if err != nil {
		return err
	}

	srv.RegisterJobHandlers()
	if recovered, err := queue.RecoverPending(ctx); err != nil {
		logger.Warn("job recovery failed", "error", err)
	} else if recovered > 0 {
		logger.Info("recovered persisted jobs", "count", recovered)
	}
	queue.Start()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Addr)
		errCh <- srv.ListenAndServe(cfg.Server.Addr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Pipeline.GracefulShutdownTimeout.Duration())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := queue.Stop(); err != nil {
		logger.Error("queue stop", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown", "error", err)
	}
	for _, unbind := range unbinds {
		unbind()
	}
	relay.Close()
	bus.Close()
	if exporter != nil && cfg.Metrics.Addr != "" {
		if err := exporter.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown", "error", err)
		}
	}
	if tracerShutdown != nil {
		if err := tracerShutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown", "error", err)
		}
	}
	for _, p := range provs {
		if err := p.Close(); err != nil {
			logger.Warn("provider close failed", "provider", p.ID(), "error", err)
		}
	}

	logger.Info("promptforged stopped")
	return nil
}

// loadServeConfig builds the effective config from the file, the
// environment, and command-line overrides.
func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	return cfg, nil
}

// buildStores returns the record and job stores: Redis-backed when an
// address is configured, in-memory otherwise.
func buildStores(ctx context.Context, cfg *config.Config) (record.Store, jobs.Store, error) {
	if cfg.Redis.Addr == "" {
		return record.NewMemoryStore(), jobs.NewMemoryStore(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("using redis stores", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.Prefix)

	recStore := record.NewRedisStore(client,
		record.WithPrefix(cfg.Redis.Prefix),
		record.WithTTL(cfg.Redis.TTL.Duration()),
	)
	jobStore := jobs.NewRedisStore(client,
		jobs.WithPrefix(cfg.Redis.Prefix),
		jobs.WithTTL(cfg.Redis.TTL.Duration()),
	)
	return recStore, jobStore, nil
}

// buildProviders constructs every provider the config enables. The
// mock provider is always present so a bare config still serves.
func buildProviders(cfg *config.Config, instrument bool) (map[string]providers.Provider, error) {
	defaults := providers.Defaults{
		Temperature: cfg.Provider.Temperature,
		MaxTokens:   cfg.Provider.MaxTokens,
	}

	out := make(map[string]providers.Provider)
	add := func(p providers.Provider) {
		if instrument {
			p = prometheus.InstrumentProvider(p)
		}
		out[p.ID()] = p
	}

	mock, err := providers.NewFromSpec(providers.Spec{Type: "mock"})
	if err != nil {
		return nil, fmt.Errorf("mock provider: %w", err)
	}
	add(mock)

	if cfg.Provider.OpenAI.APIKey != "" {
		p, err := providers.NewFromSpec(providers.Spec{
			Type:     "openai",
			Model:    cfg.Provider.OpenAI.Model,
			APIKey:   cfg.Provider.OpenAI.APIKey,
			BaseURL:  cfg.Provider.OpenAI.BaseURL,
			Defaults: defaults,
		})
		if err != nil {
			return nil, fmt.Errorf("openai provider: %w", err)
		}
		add(p)
	}

	if cfg.Provider.Anthropic.APIKey != "" {
		p, err := providers.NewFromSpec(providers.Spec{
			Type:     "anthropic",
			Model:    cfg.Provider.Anthropic.Model,
			APIKey:   cfg.Provider.Anthropic.APIKey,
			BaseURL:  cfg.Provider.Anthropic.BaseURL,
			Defaults: defaults,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic provider: %w", err)
		}
		add(p)
	}

	if cfg.Provider.ClaudeCLI.Enabled {
		add(providers.NewClaudeCLIProvider(providers.ClaudeCLIConfig{
			ID:      "claude-cli",
			Model:   cfg.Provider.ClaudeCLI.Model,
			Binary:  cfg.Provider.ClaudeCLI.Binary,
			Timeout: cfg.Provider.ClaudeCLI.Timeout.Duration(),
		}))
	}

	if _, ok := out[cfg.Provider.Default]; !ok {
		return nil, fmt.Errorf("default provider %q is not configured", cfg.Provider.Default)
	}
	return out, nil
}
