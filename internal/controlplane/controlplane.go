// Package controlplane assembles the fleet components around one database
// and runs their background loops next to the HTTP server.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/fleet/internal/api"
	"github.com/ShayCichocki/fleet/internal/config"
	"github.com/ShayCichocki/fleet/internal/dispatch"
	"github.com/ShayCichocki/fleet/internal/events"
	"github.com/ShayCichocki/fleet/internal/liveness"
	"github.com/ShayCichocki/fleet/internal/metrics"
	"github.com/ShayCichocki/fleet/internal/queue"
	"github.com/ShayCichocki/fleet/internal/registry"
	"github.com/ShayCichocki/fleet/internal/state"
	"github.com/ShayCichocki/fleet/internal/tracker"
	"github.com/ShayCichocki/fleet/internal/vault"
)

// Loop intervals not exposed in configuration.
const (
	GaugeRefreshInterval = 10 * time.Second
	PurgeInterval        = time.Hour
	ShutdownTimeout      = 10 * time.Second
)

// ControlPlane owns every component and the database they share.
type ControlPlane struct {
	DB         *state.DB
	Registry   *registry.Registry
	Liveness   *liveness.Monitor
	Queue      *queue.Queue
	Dispatcher *dispatch.Dispatcher
	Tracker    *tracker.Tracker
	Relay      *events.Relay
	Metrics    *metrics.Metrics
	Quotas     *config.Quotas
	Server     *api.Server

	cfg      *config.Config
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a ControlPlane.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	now      func() time.Time
	registry *prometheus.Registry
	sink     events.Sink
	vault    vault.Provider
}

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the time source of all components.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithPrometheusRegistry registers collectors in reg instead of a new registry.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithEventSink overrides the sink selected by events.sink.
func WithEventSink(s events.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithVault overrides the provider selected by vault.url.
func WithVault(p vault.Provider) Option {
	return func(o *options) { o.vault = p }
}

// nudgeFunc adapts a function to the components' Nudger interfaces.
type nudgeFunc func()

func (f nudgeFunc) Trigger() { f() }

// New opens the database, applies migrations and builds every component.
func New(cfg *config.Config, opts ...Option) (*ControlPlane, error) {
	o := options{
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	path := cfg.Storage.Path
	if path == "" {
		path = state.DefaultDBPath()
	}
	db, err := state.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	sink := o.sink
	if sink == nil {
		sink = newSink(cfg.Events, o.logger)
	}
	provider := o.vault
	if provider == nil {
		provider = newVault(cfg.Vault)
	}

	cp := &ControlPlane{
		DB:       db,
		Metrics:  metrics.MustNewMetrics(o.registry),
		Quotas:   config.NewQuotas(cfg.Tenants),
		cfg:      cfg,
		gatherer: o.registry,
		logger:   o.logger,
		now:      o.now,
	}
	nudge := nudgeFunc(func() { cp.Dispatcher.Trigger() })

	cp.Queue = queue.New(db, queue.Config{
		DefaultMaxAttempts:   cfg.Jobs.DefaultMaxAttempts,
		DefaultTimeout:       cfg.Jobs.DefaultTimeout,
		IdempotencyRetention: cfg.Queue.IdempotencyRetention,
		IdempotencyCacheSize: cfg.Queue.IdempotencyCacheSize,
		Quota:                cp.Quotas.Limit,
	},
		queue.WithClock(o.now),
		queue.WithLogger(o.logger.With("component", "queue")),
		queue.WithMetrics(cp.Metrics),
		queue.WithNudger(nudge),
	)
	cp.Dispatcher = dispatch.New(db, cp.Queue, dispatch.Config{
		PollInterval:    cfg.Dispatch.PollInterval,
		LeaseGrace:      cfg.Dispatch.LeaseGrace,
		CandidateWindow: cfg.Dispatch.CandidateWindow,
	},
		dispatch.WithClock(o.now),
		dispatch.WithLogger(o.logger.With("component", "dispatch")),
		dispatch.WithMetrics(cp.Metrics),
	)
	cp.Tracker = tracker.New(db,
		tracker.WithClock(o.now),
		tracker.WithLogger(o.logger.With("component", "tracker")),
		tracker.WithMetrics(cp.Metrics),
		tracker.WithNudger(nudge),
		tracker.WithVault(provider),
		tracker.WithReaperInterval(cfg.Tracker.ReaperInterval),
	)
	cp.Registry = registry.New(db,
		registry.WithClock(o.now),
		registry.WithLogger(o.logger.With("component", "registry")),
		registry.WithDefaultMaxConcurrentJobs(cfg.Agents.DefaultMaxConcurrentJobs),
		registry.WithNudger(nudge),
		registry.WithMetrics(cp.Metrics),
	)
	cp.Registry.SetReclaimer(cp.Tracker)
	cp.Liveness = liveness.New(db, cp.Tracker, liveness.Config{
		HeartbeatInterval: cfg.Liveness.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Liveness.HeartbeatTimeout,
		SweepInterval:     cfg.Liveness.SweepInterval,
	},
		liveness.WithClock(o.now),
		liveness.WithLogger(o.logger.With("component", "liveness")),
		liveness.WithMetrics(cp.Metrics),
		liveness.WithNudger(nudge),
	)
	cp.Relay = events.NewRelay(db, sink, cfg.Events.BatchSize, cfg.Events.RelayInterval,
		o.logger.With("component", "events"))

	cp.Server = api.NewServer(api.Services{
		Registry:   cp.Registry,
		Liveness:   cp.Liveness,
		Dispatcher: cp.Dispatcher,
		Tracker:    cp.Tracker,
		Queue:      cp.Queue,
		Events:     db,
	},
		api.WithAdminToken(cfg.Server.AdminToken),
		api.WithLogger(o.logger.With("component", "api")),
		api.WithMetricsHandler(promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})),
		api.WithHeartbeatInterval(cp.Liveness.Config().HeartbeatInterval),
	)
	return cp, nil
}

func newSink(cfg config.EventsConfig, logger *slog.Logger) events.Sink {
	switch cfg.Sink {
	case "webhook":
		return events.NewWebhookSink(cfg.WebhookURL, 0)
	case "none":
		return events.MultiSink{}
	default:
		return &events.LogSink{Logger: logger.With("component", "audit")}
	}
}

func newVault(cfg config.VaultConfig) vault.Provider {
	if cfg.URL == "" {
		return vault.Disabled{}
	}
	return vault.NewHTTPProvider(cfg.URL, cfg.Token, cfg.TTL, cfg.Timeout)
}

// Gatherer returns the registry the control plane's metrics are collected from.
func (cp *ControlPlane) Gatherer() prometheus.Gatherer {
	return cp.gatherer
}

// ApplyConfig takes the settings that may change at runtime from cfg.
// Currently that is the tenant quotas.
func (cp *ControlPlane) ApplyConfig(cfg *config.Config) {
	cp.Quotas.Update(cfg.Tenants)
	cp.logger.Info("tenant quotas updated",
		"default_max_pending", cfg.Tenants.DefaultMaxPending,
		"overrides", len(cfg.Tenants.MaxPending))
}

// Recover repairs derived state left by a previous process.
func (cp *ControlPlane) Recover(ctx context.Context) error {
	report, err := cp.DB.Recover(ctx, cp.now())
	if err != nil {
		return fmt.Errorf("recover state: %w", err)
	}
	cp.logger.Info("state recovered", "active_leases", report.ActiveLeases, "agents_repaired", report.AgentsRepaired)
	return nil
}

// RefreshGauges recomputes queue depth and agent count gauges.
func (cp *ControlPlane) RefreshGauges(ctx context.Context) error {
	depth, err := cp.Queue.Depth(ctx)
	if err != nil {
		return err
	}
	cp.Metrics.SetQueueDepth(depth)

	counts, err := cp.DB.CountAgentsByStatus(ctx)
	if err != nil {
		return err
	}
	cp.Metrics.SetAgentCounts(counts)
	return nil
}

// Run listens on server.addr and serves until ctx is cancelled.
func (cp *ControlPlane) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", cp.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cp.cfg.Server.Addr, err)
	}
	return cp.Serve(ctx, ln)
}

// Serve recovers state, then runs the HTTP server on ln together with the
// dispatch, sweep, reaper, relay, purge and gauge loops. Loop failures are
// logged and retried on the next tick; only a server failure ends Serve
// early. Returns nil after a clean shutdown.
func (cp *ControlPlane) Serve(ctx context.Context, ln net.Listener) error {
	if err := cp.Recover(ctx); err != nil {
		ln.Close()
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler:           cp.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		cp.logger.Info("serving", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return cp.Dispatcher.Run(ctx) })
	g.Go(func() error { return cp.Liveness.Run(ctx) })
	g.Go(func() error { return cp.Tracker.Run(ctx) })
	g.Go(func() error { return cp.Relay.Run(ctx) })
	g.Go(func() error { return cp.Queue.RunPurge(ctx, PurgeInterval) })
	g.Go(func() error { return cp.runGauges(ctx) })

	// Work left pending by the previous process is matched right away.
	cp.Dispatcher.Trigger()

	err := g.Wait()
	cp.logger.Info("control plane stopped")
	return err
}

func (cp *ControlPlane) runGauges(ctx context.Context) error {
	ticker := time.NewTicker(GaugeRefreshInterval)
	defer ticker.Stop()
	for {
		if err := cp.RefreshGauges(ctx); err != nil && ctx.Err() == nil {
			cp.logger.Warn("gauge refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close releases the database.
func (cp *ControlPlane) Close() error {
	return cp.DB.Close()
}
