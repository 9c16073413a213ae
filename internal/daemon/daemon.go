// Package daemon assembles the blockflow daemon: configuration, persistence,
// the block handler registry, the event broadcaster, and the run
// orchestrator, plus an optional Prometheus endpoint.
package daemon

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/blockflow/blockflow/internal/config"
	"github.com/blockflow/blockflow/internal/daemon/backend"
	"github.com/blockflow/blockflow/internal/daemon/backend/memory"
	"github.com/blockflow/blockflow/internal/daemon/backend/sqlite"
	"github.com/blockflow/blockflow/internal/daemon/events"
	"github.com/blockflow/blockflow/internal/daemon/orchestrator"
	"github.com/blockflow/blockflow/internal/log"
	"github.com/blockflow/blockflow/internal/tracing"
	"github.com/blockflow/blockflow/pkg/errors"
	"github.com/blockflow/blockflow/pkg/httpclient"
	"github.com/blockflow/blockflow/pkg/secrets"
	"github.com/blockflow/blockflow/pkg/workflow"
	"github.com/blockflow/blockflow/pkg/workflow/blocks"
)

// Default sandbox fetch throttle when the config leaves it unset.
const (
	defaultFetchRate  = 5.0
	defaultFetchBurst = 5
)

// Options carries build-time identification.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon owns the wired components for one process.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	backend backend.Backend
	events  *events.Broadcaster
	orch    *orchestrator.Orchestrator
	tracer  *tracing.Provider

	metricsSrv *http.Server
}

// New wires a daemon from configuration.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	logger := log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	})

	be, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}

	registry, err := newRegistry(cfg)
	if err != nil {
		be.Close()
		return nil, err
	}

	tracer, err := tracing.New(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		SampleRatio: cfg.Tracing.SampleRatio,
		Pretty:      cfg.Tracing.Pretty,
	}, "blockflowd")
	if err != nil {
		be.Close()
		return nil, err
	}

	broadcaster := events.New()
	orch := orchestrator.New(be, registry,
		orchestrator.WithTracer(tracer.Tracer("blockflow/workflow")),
		orchestrator.WithBroadcaster(broadcaster),
		orchestrator.WithKeyResolver(newResolver(cfg)),
		orchestrator.WithSecrets(cfg.Secrets.Static),
		orchestrator.WithSealKey([]byte(cfg.Secrets.SealPassphrase)),
		orchestrator.WithLogger(logger),
		orchestrator.WithInterpreterConfig(workflow.Config{
			MaxSteps:         cfg.Runs.MaxSteps,
			MaxDuration:      cfg.Runs.MaxDuration.Std(),
			DeferConcurrency: cfg.Runs.DeferConcurrency,
		}),
	)

	d := &Daemon{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		backend: be,
		events:  broadcaster,
		orch:    orch,
		tracer:  tracer,
	}
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		d.metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
	}
	return d, nil
}

// newBackend constructs the configured persistence layer.
func newBackend(cfg *config.Config) (backend.Backend, error) {
	switch cfg.Backend.Driver {
	case "sqlite":
		return sqlite.New(sqlite.Config{Path: cfg.Backend.Path, WAL: cfg.Backend.WAL})
	case "memory", "":
		return memory.New(), nil
	default:
		return nil, &errors.ConfigError{Key: "backend.driver", Reason: "unknown driver " + cfg.Backend.Driver}
	}
}

// newRegistry builds the handler registry with all built-in blocks wired to
// their external services.
func newRegistry(cfg *config.Config) (*workflow.Registry, error) {
	clientCfg := httpclient.DefaultConfig()
	// The fetch handler owns its retry policy; the shared client only guards
	// and logs.
	clientCfg.RetryAttempts = 0
	clientCfg.GuardPrivateAddresses = !cfg.Fetch.AllowPrivate
	client, err := httpclient.New(clientCfg)
	if err != nil {
		return nil, err
	}

	perSecond := cfg.Fetch.RatePerSecond
	if perSecond <= 0 {
		perSecond = defaultFetchRate
	}
	burst := cfg.Fetch.Burst
	if burst <= 0 {
		burst = defaultFetchBurst
	}

	deps := blocks.Deps{
		HTTPClient: client,
		FetchLimit: rate.NewLimiter(rate.Limit(perSecond), burst),
		Location: blocks.Location{
			Latitude:  cfg.Location.Latitude,
			Longitude: cfg.Location.Longitude,
			Label:     cfg.Location.Label,
			Timezone:  cfg.Location.Timezone,
		},
		AllowPrivateFetch: cfg.Fetch.AllowPrivate,
	}
	if cfg.Agent.APIKey != "" {
		anthropic := sdk.NewClient(option.WithAPIKey(cfg.Agent.APIKey))
		deps.Messages = &anthropic.Messages
	}

	registry := workflow.NewRegistry()
	blocks.RegisterAll(registry, deps)
	return registry, nil
}

// newResolver builds the $keys lookup chain: environment, optionally the OS
// keychain, then the static org store.
func newResolver(cfg *config.Config) *secrets.Resolver {
	backends := []secrets.Backend{secrets.NewEnvBackend("")}
	if cfg.Secrets.UseKeyring {
		backends = append(backends, secrets.NewKeyringBackend(""))
	}
	backends = append(backends, secrets.NewStaticBackend(cfg.Secrets.Static))
	return secrets.NewResolver(backends...)
}

// Orchestrator exposes the run orchestration service.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator { return d.orch }

// Events exposes the run event broadcaster.
func (d *Daemon) Events() *events.Broadcaster { return d.events }

// Backend exposes the persistence layer.
func (d *Daemon) Backend() backend.Backend { return d.backend }

// Logger exposes the configured logger.
func (d *Daemon) Logger() *slog.Logger { return d.logger }

// Start runs the daemon until ctx is cancelled. The metrics endpoint, when
// configured, serves on its own goroutine.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("daemon started",
		"version", d.opts.Version, "commit", d.opts.Commit,
		"backend", d.cfg.Backend.Driver, "metrics_addr", d.cfg.Metrics.Addr)

	errCh := make(chan error, 1)
	if d.metricsSrv != nil {
		go func() {
			if err := d.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return errors.Wrap(err, "metrics server")
	}
}

// Shutdown drains in-flight runs and releases resources.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.logger.Info("daemon shutting down")

	d.orch.StartDraining()
	drainTimeout := d.cfg.Runs.DrainTimeout.Std()
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	if err := d.orch.WaitForDrain(ctx, drainTimeout); err != nil {
		d.logger.Warn("drain incomplete", "error", err)
	}

	d.events.Close()
	if err := d.tracer.Shutdown(ctx); err != nil {
		d.logger.Warn("flushing traces", "error", err)
	}
	if d.metricsSrv != nil {
		if err := d.metricsSrv.Shutdown(ctx); err != nil {
			d.logger.Warn("stopping metrics server", "error", err)
		}
	}
	return d.backend.Close()
}
