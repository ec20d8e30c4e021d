package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyad-run/clc/internal/activity"
	"github.com/dyad-run/clc/internal/clock"
	"github.com/dyad-run/clc/internal/dockerengine"
	"github.com/dyad-run/clc/internal/lifecycle"
	"github.com/dyad-run/clc/internal/lifecycle/devserver"
	"github.com/dyad-run/clc/internal/portregistry"
)

func newTestReconciler(t *testing.T) (*Reconciler, *dockerengine.MockEngine, *lifecycle.DockerController, *portregistry.Registry, *activity.Tracker, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	engine := dockerengine.NewMockEngine(fc.Now)
	ports := portregistry.New(9000, 9010, portregistry.EngineChecker{Engine: engine})
	tracker := activity.New(fc, 50*1024)
	cfg := lifecycle.Config{
		AppPortInside:         3000,
		NodeImage:             "node:20-slim",
		DefaultPackageManager: devserver.NPM,
		ReadinessTokens:       []string{"ready-token"},
		IdleTimeout:           10 * time.Minute,
		StartupTimeout:        2 * time.Second,
	}
	controller := lifecycle.New(engine, ports, tracker, fc, cfg)
	r := New(engine, controller, ports, tracker, fc, time.Minute, cfg.IdleTimeout)
	return r, engine, controller, ports, tracker, fc
}

func TestBootstrap_RediscoversRunningContainerAsReady(t *testing.T) {
	r, engine, controller, ports, _, fc := newTestReconciler(t)

	engine.SeedRunning("dyad-app-app-1", "dyad-app-app-1", []dockerengine.PortBinding{{HostPort: 9005, GuestPort: 3000}}, fc.Now())

	require.NoError(t, r.Bootstrap(context.Background()))

	status, err := controller.Status(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Ready, status.State)
	assert.Equal(t, 9005, status.Port)

	port, ok := ports.Lookup("app-1")
	require.True(t, ok)
	assert.Equal(t, 9005, port)
}

func TestBootstrap_RunningContainerActivityIsNotImmediatelyIdle(t *testing.T) {
	r, engine, _, _, tracker, fc := newTestReconciler(t)
	engine.SeedRunning("dyad-app-app-1", "img", []dockerengine.PortBinding{{HostPort: 9005, GuestPort: 3000}}, fc.Now())

	require.NoError(t, r.Bootstrap(context.Background()))

	assert.Equal(t, time.Duration(0), tracker.InactiveFor("app-1"))
}

func TestBootstrap_StoppedOrphanIsBackdatedPastIdleTimeout(t *testing.T) {
	r, engine, controller, _, tracker, fc := newTestReconciler(t)
	engine.SeedRunning("dyad-app-app-1", "img", []dockerengine.PortBinding{{HostPort: 9005, GuestPort: 3000}}, fc.Now())
	// Stop it via the engine directly, bypassing the controller, to
	// simulate a container that was already stopped before this process
	// started.
	require.NoError(t, engine.Stop(context.Background(), "dyad-app-app-1", 0))

	require.NoError(t, r.Bootstrap(context.Background()))

	status, err := controller.Status(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Stopped, status.State)
	assert.Greater(t, tracker.InactiveFor("app-1"), 10*time.Minute, "a stopped orphan must be backdated past T_idle")
}

func TestBootstrap_IgnoresContainersOutsidePrefix(t *testing.T) {
	r, engine, _, ports, _, fc := newTestReconciler(t)
	engine.SeedRunning("some-other-service", "img", []dockerengine.PortBinding{{HostPort: 9005, GuestPort: 3000}}, fc.Now())

	require.NoError(t, r.Bootstrap(context.Background()))

	assert.Equal(t, 0, ports.Count())
}

func TestTickOnce_ReapsIdleRunningContainer(t *testing.T) {
	r, engine, controller, _, _, fc := newTestReconciler(t)
	engine.SeedRunning("dyad-app-app-1", "img", []dockerengine.PortBinding{{HostPort: 9005, GuestPort: 3000}}, fc.Now())
	require.NoError(t, r.Bootstrap(context.Background()))

	// First tick only establishes the net-I/O baseline (first-sample
	// rule); it must not reap yet even past the idle timeout.
	fc.Advance(11 * time.Minute)
	r.TickOnce(context.Background())
	status, err := controller.Status(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Ready, status.State)

	fc.Advance(11 * time.Minute)
	r.TickOnce(context.Background())
	status, err = controller.Status(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Stopped, status.State)
}

func TestTickOnce_SkipsContainersNotYetIdle(t *testing.T) {
	r, engine, controller, _, _, fc := newTestReconciler(t)
	engine.SeedRunning("dyad-app-app-1", "img", []dockerengine.PortBinding{{HostPort: 9005, GuestPort: 3000}}, fc.Now())
	require.NoError(t, r.Bootstrap(context.Background()))

	r.TickOnce(context.Background())

	status, err := controller.Status(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Ready, status.State)
}

func TestTickOnce_EngineErrorDoesNotPanic(t *testing.T) {
	r, _, _, _, _, _ := newTestReconciler(t)
	r.engine = failingEngine{}
	assert.NotPanics(t, func() { r.TickOnce(context.Background()) })
}

type failingEngine struct{ dockerengine.Engine }

func (failingEngine) List(ctx context.Context, prefix string) ([]dockerengine.ContainerRow, error) {
	return nil, assert.AnError
}

func TestSetInterval_WakesRunLoopWithoutBlocking(t *testing.T) {
	r, _, _, _, _, _ := newTestReconciler(t)
	r.SetInterval(30 * time.Second)
	r.SetInterval(45 * time.Second)
	assert.Equal(t, 45*time.Second, r.interval)
}
