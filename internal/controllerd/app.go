// Package controllerd is the composition root for the controller
// daemon: it wires config, logging, the engine driver, the Port
// Registry, the Activity Tracker, the Lifecycle Controller (or its
// Null/local-process variants), the Reconciler, the event bus, and
// the HTTP surface into one runnable App. Grounded on the teacher's
// cmd/aima/main.go runServer, generalized from a single flat function
// into a struct so cmd/controllerd can start and stop it cleanly.
package controllerd

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dyad-run/clc/internal/activity"
	"github.com/dyad-run/clc/internal/clock"
	"github.com/dyad-run/clc/internal/config"
	"github.com/dyad-run/clc/internal/dockerengine"
	"github.com/dyad-run/clc/internal/eventbus"
	"github.com/dyad-run/clc/internal/httpapi"
	"github.com/dyad-run/clc/internal/lifecycle"
	"github.com/dyad-run/clc/internal/lifecycle/devserver"
	"github.com/dyad-run/clc/internal/lifecycle/localrunner"
	"github.com/dyad-run/clc/internal/logx"
	"github.com/dyad-run/clc/internal/portregistry"
	"github.com/dyad-run/clc/internal/reconciler"
)

// App bundles the running daemon's components so main can shut them
// down in order.
type App struct {
	Config     *config.Config
	Controller lifecycle.Controller
	Bus        eventbus.EventBus
	Reconciler *reconciler.Reconciler // nil when containerization is disabled

	// reapLoop drives idle reaping for controllers with no Reconciler of
	// their own (the local-process fallback). nil when Reconciler is set.
	reapLoop func(context.Context)

	eventsDB *sql.DB // nil when cfg.Events.PersistEnabled is false
	Server   *http.Server
}

// Build wires every component per cfg but does not start listening or
// run the reconciler loop; call Run to do both.
func Build(cfg *config.Config) (*App, error) {
	logx.Init(logx.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    logOutput(cfg.Logging.File),
		AddSource: cfg.Logging.AddSource,
	})

	bus, eventsDB, err := newEventBus(cfg)
	if err != nil {
		return nil, fmt.Errorf("build event bus: %w", err)
	}

	clk := clock.Real{}
	tracker := activity.New(clk, cfg.Lifecycle.NetIODeltaThresholdBytes)

	app := &App{Config: cfg, Bus: bus, eventsDB: eventsDB}

	if !cfg.Engine.ContainerizationEnabled {
		logx.Info("containerization disabled, using null controller")
		app.Controller = lifecycle.NullController{}
		app.Server = newServer(cfg, app.Controller, bus)
		return app, nil
	}

	engine, err := newEngine(cfg)
	if err != nil {
		return nil, fmt.Errorf("build engine driver: %w", err)
	}

	ports := portregistry.New(cfg.Ports.BasePort, cfg.Ports.MaxPort, portregistry.EngineChecker{Engine: engine})

	lcCfg := lifecycle.Config{
		AppPortInside:            cfg.Container.AppPortInside,
		NodeImage:                cfg.Container.NodeImage,
		DefaultPackageManager:    devserver.PackageManager(cfg.Container.DefaultPackageManager),
		ReadinessTokens:          cfg.Container.ReadinessTokens(),
		IdleTimeout:              cfg.Lifecycle.IdleTimeout,
		StartupTimeout:           cfg.Lifecycle.StartupTimeout,
		NetIODeltaThresholdBytes: cfg.Lifecycle.NetIODeltaThresholdBytes,
	}
	controller := lifecycle.New(engine, ports, tracker, clk, lcCfg)
	controller.SetEventPublisher(func(appID, eventType string) {
		_ = bus.Publish(eventbus.Event{AppID: appID, Type: eventType, At: clk.Now()})
	})
	app.Controller = controller

	app.Reconciler = reconciler.New(engine, controller, ports, tracker, clk, cfg.Reconciler.Interval, cfg.Lifecycle.IdleTimeout)

	app.Server = newServer(cfg, app.Controller, bus)
	return app, nil
}

// BuildFallback wires the local-process runner instead of a container
// engine, for hosts with no Docker/Podman available (spec.md §9).
func BuildFallback(cfg *config.Config) (*App, error) {
	logx.Init(logx.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    logOutput(cfg.Logging.File),
		AddSource: cfg.Logging.AddSource,
	})

	bus, eventsDB, err := newEventBus(cfg)
	if err != nil {
		return nil, fmt.Errorf("build event bus: %w", err)
	}

	clk := clock.Real{}
	tracker := activity.New(clk, cfg.Lifecycle.NetIODeltaThresholdBytes)

	runnerCfg := localrunner.Config{
		BasePort:              cfg.Ports.BasePort,
		MaxPort:               cfg.Ports.MaxPort,
		DefaultPackageManager: devserver.PackageManager(cfg.Container.DefaultPackageManager),
		ReadinessTokens:       cfg.Container.ReadinessTokens(),
		IdleTimeout:           cfg.Lifecycle.IdleTimeout,
		StartupTimeout:        cfg.Lifecycle.StartupTimeout,
		AutoKillPort:          cfg.Fallback.AutoKillPort,
		MaxLogLines:           cfg.Fallback.MaxLogLines,
	}
	controller := localrunner.New(tracker, clk, runnerCfg)

	app := &App{Config: cfg, Bus: bus, Controller: controller, eventsDB: eventsDB}
	// The local-process runner has no container engine for a Reconciler
	// to rediscover state from, so it drives its own idle-reap sweep on
	// the same interval the Reconciler would otherwise use.
	app.reapLoop = func(ctx context.Context) { controller.ReapLoop(ctx, cfg.Reconciler.Interval) }
	app.Server = newServer(cfg, controller, bus)
	return app, nil
}

// newEventBus builds the event bus per cfg.Events: a PersistentEventBus
// backed by a SQLite-stored audit log when persistence is enabled, or a
// plain in-memory bus otherwise. The returned *sql.DB is non-nil only
// in the former case, so Run can close it alongside the bus.
func newEventBus(cfg *config.Config) (eventbus.EventBus, *sql.DB, error) {
	if !cfg.Events.PersistEnabled {
		return eventbus.NewInMemoryEventBus(), nil, nil
	}

	db, err := sql.Open("sqlite", cfg.Events.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open events database at %s: %w", cfg.Events.DBPath, err)
	}
	if err := eventbus.EnsureSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ensure events schema: %w", err)
	}

	store := eventbus.NewSQLiteEventStore(db)
	return eventbus.NewPersistentEventBus(store), db, nil
}

// logOutput resolves the configured log file path to a writer,
// falling back to stderr when unset or unopenable.
func logOutput(path string) *os.File {
	if path == "" {
		return os.Stderr
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return os.Stderr
	}
	return f
}

func newEngine(cfg *config.Config) (dockerengine.Engine, error) {
	if cfg.Engine.Name == "docker" && cfg.Engine.UseSDK {
		return dockerengine.NewSDKEngine()
	}
	return dockerengine.NewCLIEngine(cfg.Engine.Name), nil
}

func newServer(cfg *config.Config, controller lifecycle.Controller, bus eventbus.EventBus) *http.Server {
	api := httpapi.New(controller, bus)
	return &http.Server{
		Addr:         cfg.HTTP.ListenAddr,
		Handler:      api.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Run starts the Reconciler or reapLoop (whichever is wired) in the
// background and blocks serving HTTP until ctx is cancelled, then
// shuts the HTTP server down gracefully. Grounded on cmd/aima/main.go's
// errCh + signal-driven shutdown, restructured around a cancellable
// context so callers (and tests) control the stop signal instead of
// os/signal directly.
func (a *App) Run(ctx context.Context) error {
	backgroundDone := make(chan struct{})
	switch {
	case a.Reconciler != nil:
		go func() {
			defer close(backgroundDone)
			if err := a.Reconciler.Run(ctx); err != nil {
				logx.Warn("reconciler stopped with error", "error", err)
			}
		}()
	case a.reapLoop != nil:
		go func() {
			defer close(backgroundDone)
			a.reapLoop(ctx)
		}()
	default:
		close(backgroundDone)
	}

	errCh := make(chan error, 1)
	go func() {
		logx.Info("controllerd listening", "addr", a.Server.Addr)
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	<-backgroundDone

	if err := a.Bus.Close(); err != nil {
		return fmt.Errorf("close event bus: %w", err)
	}
	if a.eventsDB != nil {
		if err := a.eventsDB.Close(); err != nil {
			return fmt.Errorf("close events database: %w", err)
		}
	}
	return nil
}
