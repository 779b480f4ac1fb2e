// Package app wires the bridge's subsystems — the Upstream Protocol Client,
// Control Bus Adapter, Directory, Telephony Ingress, and health server —
// into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the idle-reaper loop and health server until the
// context is cancelled, and Shutdown tears everything down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/voxbridge/bridge/internal/bus"
	"github.com/voxbridge/bridge/internal/config"
	"github.com/voxbridge/bridge/internal/directory"
	"github.com/voxbridge/bridge/internal/health"
	"github.com/voxbridge/bridge/internal/observe"
	"github.com/voxbridge/bridge/internal/telephony"
	"github.com/voxbridge/bridge/internal/upstream"
)

// reaperInterval is how often the idle reaper sweeps all active calls.
const reaperInterval = 30 * time.Second

// App owns all subsystem lifetimes and orchestrates the bridge.
type App struct {
	cfg *config.Config

	upstreamClient *upstream.Client
	busAdapter     *bus.Adapter
	directory      *directory.Client
	ingress        *telephony.Ingress
	healthHandler  *health.Handler
	httpServer     *http.Server
	metrics        *observe.Metrics

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once

	// lastActiveSessions is the last value reported to metrics.ActiveSessions,
	// which is a delta-based UpDownCounter rather than a settable gauge.
	lastActiveSessions int
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*appBuild)

// appBuild holds the overridable collaborators while New assembles them,
// before they are frozen into the returned App.
type appBuild struct {
	directory telephony.Directory
}

// WithDirectory injects a directory instead of creating the HTTP-backed one
// from cfg.Directory.URL. Used in tests.
func WithDirectory(d telephony.Directory) Option {
	return func(b *appBuild) { b.directory = d }
}

// New wires the bridge's subsystems from cfg. The Upstream Client and
// Control Bus Adapter are process-lifetime singletons shared across every
// call; the Telephony Ingress is the per-call entry point callers use via
// AcceptCall/InboundFrame.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	build := &appBuild{}
	for _, o := range opts {
		o(build)
	}

	a := &App{cfg: cfg}

	shutdownProvider, metricsHandler, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voice-bridge"})
	if err != nil {
		return nil, fmt.Errorf("app: init observability provider: %w", err)
	}
	a.closers = append(a.closers, func() error { return shutdownProvider(context.Background()) })
	a.metrics = observe.DefaultMetrics()

	a.upstreamClient = upstream.New(cfg.Upstream.APIKey)

	redisOpts, err := redis.ParseURL(cfg.Bus.URL)
	if err != nil {
		return nil, fmt.Errorf("app: parse bus.url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	a.busAdapter = bus.New(redisClient)
	a.closers = append(a.closers, a.busAdapter.Close)

	a.directory = directory.New(cfg.Directory.URL)

	dir := build.directory
	if dir == nil {
		dir = a.directory
	}

	a.ingress = telephony.New(telephony.Config{
		Directory:   dir,
		RateTable:   cfg.RateTable(),
		Margin:      cfg.Cost.Margin(),
		IdleTimeout: time.Duration(cfg.Session.IdleTimeoutMs) * time.Millisecond,
	})

	a.healthHandler = health.New(a.buildCheckers()...)

	mux := http.NewServeMux()
	a.healthHandler.Register(mux)
	mux.Handle("/metrics", metricsHandler)
	a.httpServer = &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}

	return a, nil
}

// Ingress returns the Telephony Ingress, the entry point a telephony
// transport calls AcceptCall/InboundFrame/EndCall on.
func (a *App) Ingress() *telephony.Ingress { return a.ingress }

// UpstreamClient returns the shared Upstream Protocol Client.
func (a *App) UpstreamClient() *upstream.Client { return a.upstreamClient }

// Bus returns the shared Control Bus Adapter.
func (a *App) Bus() *bus.Adapter { return a.busAdapter }

// Metrics returns the process-wide metrics instruments.
func (a *App) Metrics() *observe.Metrics { return a.metrics }

// buildCheckers assembles the readiness checks named in the ambient stack:
// control-bus connectivity, directory-service reachability, and rate-card
// presence.
func (a *App) buildCheckers() []health.Checker {
	return []health.Checker{
		{
			Name: "control_bus",
			Check: func(ctx context.Context) error {
				return a.busAdapter.Publish(ctx, "healthcheck", map[string]string{"probe": "readyz"})
			},
		},
		{
			Name: "directory",
			Check: func(ctx context.Context) error {
				_, err := a.directory.Resolve(ctx, "healthcheck", "0")
				// A "not found" response from a real directory still proves
				// reachability; only a transport-level failure fails the check.
				if err != nil && isUnreachable(err) {
					return err
				}
				return nil
			},
		},
		{
			Name: "rate_cards",
			Check: func(ctx context.Context) error {
				if len(a.cfg.RateCards) == 0 {
					return fmt.Errorf("no rate cards configured")
				}
				return nil
			},
		},
	}
}

// isUnreachable distinguishes a directory service that responded (even with
// an error status) from one that could not be reached at all. A readiness
// probe should fail on the latter, not the former.
func isUnreachable(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te)
}

// Run starts the health server and the idle reaper, blocking until ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("health server listening", "addr", a.cfg.Server.ListenAddr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.runReaper(gctx)
		return nil
	})

	slog.Info("bridge running")
	<-ctx.Done()
	if err := g.Wait(); err != nil {
		slog.Error("subsystem error during shutdown", "err", err)
	}
	return ctx.Err()
}

// runReaper sweeps all active calls every reaperInterval, ending any that
// have been idle past their configured timeout.
func (a *App) runReaper(ctx context.Context) {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.ingress.ReapIdle(time.Now()); n > 0 {
				slog.Info("idle reaper ended sessions", "count", n)
			}
			active := a.ingress.ActiveCalls()
			if delta := active - a.lastActiveSessions; delta != 0 {
				a.metrics.ActiveSessions.Add(ctx, int64(delta))
				a.lastActiveSessions = active
			}
		}
	}
}

// Shutdown stops the health server first, then runs the closers in the order
// they were registered (observability provider, then bus). It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_calls", a.ingress.ActiveCalls())

		if err := a.httpServer.Shutdown(ctx); err != nil {
			slog.Warn("health server shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
