package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyad-run/clc/internal/activity"
	"github.com/dyad-run/clc/internal/clock"
	"github.com/dyad-run/clc/internal/dockerengine"
	"github.com/dyad-run/clc/internal/lifecycle/devserver"
	"github.com/dyad-run/clc/internal/portregistry"
)

func newTestController(t *testing.T, basePort, maxPort int) (*DockerController, *dockerengine.MockEngine, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	engine := dockerengine.NewMockEngine(fc.Now)
	ports := portregistry.New(basePort, maxPort, portregistry.EngineChecker{Engine: engine})
	tracker := activity.New(fc, 50*1024)
	cfg := Config{
		AppPortInside:         3000,
		NodeImage:             "node:20-slim",
		DefaultPackageManager: devserver.NPM,
		ReadinessTokens:       []string{"ready-token"},
		IdleTimeout:           5 * time.Minute,
		StartupTimeout:        2 * time.Second,
	}
	return New(engine, ports, tracker, fc, cfg), engine, fc
}

// readySoon arranges for the container that will be created for appID
// to report a readiness token in its logs as soon as it exists, so
// runStart's waitReady returns on its first poll instead of waiting out
// a TCP probe against a port nothing is listening on.
func readySoon(engine *dockerengine.MockEngine, name string) {
	engine.SetLogs(name, "server ready-token on port\n")
}

func TestGetOrStart_FirstStartAllocatesLowestPort(t *testing.T) {
	c, engine, _ := newTestController(t, 9000, 9010)
	readySoon(engine, containerName("app-1"))

	res, err := c.GetOrStart(context.Background(), "app-1", StartSpec{AppPath: "/apps/app-1"})
	require.NoError(t, err)
	assert.Equal(t, 9000, res.Port)
	assert.True(t, res.Ready)

	status, err := c.Status(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, Ready, status.State)
	assert.Equal(t, 9000, status.Port)
}

func TestGetOrStart_SecondAppGetsNextPort(t *testing.T) {
	c, engine, _ := newTestController(t, 9000, 9010)
	readySoon(engine, containerName("app-1"))
	readySoon(engine, containerName("app-2"))

	r1, err := c.GetOrStart(context.Background(), "app-1", StartSpec{AppPath: "/apps/app-1"})
	require.NoError(t, err)
	r2, err := c.GetOrStart(context.Background(), "app-2", StartSpec{AppPath: "/apps/app-2"})
	require.NoError(t, err)

	assert.Equal(t, 9000, r1.Port)
	assert.Equal(t, 9001, r2.Port)
}

func TestGetOrStart_AlreadyReadyReturnsImmediatelyWithoutReRunning(t *testing.T) {
	c, engine, _ := newTestController(t, 9000, 9010)
	readySoon(engine, containerName("app-1"))

	_, err := c.GetOrStart(context.Background(), "app-1", StartSpec{AppPath: "/apps/app-1"})
	require.NoError(t, err)

	res, err := c.GetOrStart(context.Background(), "app-1", StartSpec{})
	require.NoError(t, err)
	assert.Equal(t, 9000, res.Port)
	assert.True(t, res.Ready)
}

func TestGetOrStart_ConcurrentCallersJoinSingleInFlightStart(t *testing.T) {
	c, engine, _ := newTestController(t, 9000, 9010)
	readySoon(engine, containerName("app-1"))

	n := 8
	results := make(chan StartResult, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := c.GetOrStart(context.Background(), "app-1", StartSpec{AppPath: "/apps/app-1"})
			results <- res
			errs <- err
		}()
	}

	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
		res := <-results
		assert.Equal(t, 9000, res.Port)
		assert.True(t, res.Ready)
	}

	rows, err := engine.List(context.Background(), containerPrefix)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "concurrent getOrStart callers must not start more than one container")
}

func TestStop_RetainsPortAssignment(t *testing.T) {
	c, engine, _ := newTestController(t, 9000, 9010)
	readySoon(engine, containerName("app-1"))

	res, err := c.GetOrStart(context.Background(), "app-1", StartSpec{AppPath: "/apps/app-1"})
	require.NoError(t, err)

	require.NoError(t, c.Stop(context.Background(), "app-1"))

	status, err := c.Status(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, Stopped, status.State)

	port, ok := c.ports.Lookup("app-1")
	require.True(t, ok)
	assert.Equal(t, res.Port, port)
}

func TestStop_IsIdempotent(t *testing.T) {
	c, engine, _ := newTestController(t, 9000, 9010)
	readySoon(engine, containerName("app-1"))

	_, err := c.GetOrStart(context.Background(), "app-1", StartSpec{AppPath: "/apps/app-1"})
	require.NoError(t, err)

	require.NoError(t, c.Stop(context.Background(), "app-1"))
	require.NoError(t, c.Stop(context.Background(), "app-1"))
}

func TestStop_OnNeverStartedAppIsNoop(t *testing.T) {
	c, _, _ := newTestController(t, 9000, 9010)
	require.NoError(t, c.Stop(context.Background(), "never-seen"))
}

func TestGetOrStart_RestartAfterStopReusesSamePort(t *testing.T) {
	c, engine, _ := newTestController(t, 9000, 9010)
	readySoon(engine, containerName("app-1"))

	first, err := c.GetOrStart(context.Background(), "app-1", StartSpec{AppPath: "/apps/app-1"})
	require.NoError(t, err)
	require.NoError(t, c.Stop(context.Background(), "app-1"))

	readySoon(engine, containerName("app-1"))
	second, err := c.GetOrStart(context.Background(), "app-1", StartSpec{})
	require.NoError(t, err)
	assert.Equal(t, first.Port, second.Port)
}

func TestRemove_ReleasesPortAndClearsActivity(t *testing.T) {
	c, engine, _ := newTestController(t, 9000, 9010)
	readySoon(engine, containerName("app-1"))

	_, err := c.GetOrStart(context.Background(), "app-1", StartSpec{AppPath: "/apps/app-1"})
	require.NoError(t, err)

	require.NoError(t, c.Remove(context.Background(), "app-1"))

	_, ok := c.ports.Lookup("app-1")
	assert.False(t, ok)

	status, err := c.Status(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, Absent, status.State)
}

func TestRemove_IsIdempotent(t *testing.T) {
	c, _, _ := newTestController(t, 9000, 9010)
	require.NoError(t, c.Remove(context.Background(), "app-1"))
	require.NoError(t, c.Remove(context.Background(), "app-1"))
}

func TestGetOrStart_PortRangeExhaustedReturnsNoPortsAvailable(t *testing.T) {
	c, engine, _ := newTestController(t, 9000, 9000)
	readySoon(engine, containerName("app-1"))

	_, err := c.GetOrStart(context.Background(), "app-1", StartSpec{AppPath: "/apps/app-1"})
	require.NoError(t, err)

	_, err = c.GetOrStart(context.Background(), "app-2", StartSpec{AppPath: "/apps/app-2"})
	assert.ErrorIs(t, err, portregistry.ErrNoPortsAvailable)

	status, err := c.Status(context.Background(), "app-2")
	require.NoError(t, err)
	assert.Equal(t, Absent, status.State, "a failed allocation must not leave a dangling Creating state")
}

func TestGetOrStart_PortFreedAfterRemoveIsReallocatable(t *testing.T) {
	c, engine, _ := newTestController(t, 9000, 9000)
	readySoon(engine, containerName("app-1"))
	_, err := c.GetOrStart(context.Background(), "app-1", StartSpec{AppPath: "/apps/app-1"})
	require.NoError(t, err)

	require.NoError(t, c.Remove(context.Background(), "app-1"))

	readySoon(engine, containerName("app-2"))
	res, err := c.GetOrStart(context.Background(), "app-2", StartSpec{AppPath: "/apps/app-2"})
	require.NoError(t, err)
	assert.Equal(t, 9000, res.Port)
}

func TestGetOrStart_StartupTimeoutTransitionsToError(t *testing.T) {
	c, _, _ := newTestController(t, 9000, 9010)
	c.cfg.StartupTimeout = 300 * time.Millisecond
	// No readiness token staged and nothing listens on the allocated
	// port, so waitReady must exhaust its deadline.

	_, err := c.GetOrStart(context.Background(), "app-1", StartSpec{AppPath: "/apps/app-1"})
	assert.ErrorIs(t, err, ErrStartupTimeout)

	status, err := c.Status(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, Error, status.State)
}

func TestGetOrStart_ErrorStateIsCleanedUpOnNextStart(t *testing.T) {
	c, engine, _ := newTestController(t, 9000, 9010)
	c.cfg.StartupTimeout = 300 * time.Millisecond

	_, err := c.GetOrStart(context.Background(), "app-1", StartSpec{AppPath: "/apps/app-1"})
	require.ErrorIs(t, err, ErrStartupTimeout)

	rows, err := engine.List(context.Background(), containerPrefix)
	require.NoError(t, err)
	require.Len(t, rows, 1, "the failed container must still exist before cleanup")

	c.cfg.StartupTimeout = 2 * time.Second
	readySoon(engine, containerName("app-1"))
	res, err := c.GetOrStart(context.Background(), "app-1", StartSpec{AppPath: "/apps/app-1"})
	require.NoError(t, err)
	assert.True(t, res.Ready)
	assert.Equal(t, 9000, res.Port, "the retained port assignment must survive the error")
}

func TestSeed_BootstrapsReadyStateFromReconciler(t *testing.T) {
	c, _, fc := newTestController(t, 9000, 9010)
	readyAt := fc.Now().Add(-time.Minute)

	c.Seed("app-1", 9003, "/apps/app-1", readyAt, true)

	status, err := c.Status(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, Ready, status.State)
	assert.Equal(t, 9003, status.Port)
	assert.Equal(t, readyAt, status.ReadyAt)
}

func TestSeed_BootstrapsStoppedOrphanState(t *testing.T) {
	c, _, _ := newTestController(t, 9000, 9010)
	c.Seed("app-1", 9003, "/apps/app-1", time.Time{}, false)

	status, err := c.Status(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, Stopped, status.State)
}

func TestReapIfIdle_SkipsWhenNotYetIdle(t *testing.T) {
	c, engine, _ := newTestController(t, 9000, 9010)
	readySoon(engine, containerName("app-1"))
	_, err := c.GetOrStart(context.Background(), "app-1", StartSpec{AppPath: "/apps/app-1"})
	require.NoError(t, err)

	reaped, err := c.ReapIfIdle(context.Background(), "app-1")
	require.NoError(t, err)
	assert.False(t, reaped)
}

func TestReapIfIdle_SkipsWhenNetIODeltaAboveThreshold(t *testing.T) {
	c, engine, fc := newTestController(t, 9000, 9010)
	readySoon(engine, containerName("app-1"))
	_, err := c.GetOrStart(context.Background(), "app-1", StartSpec{AppPath: "/apps/app-1"})
	require.NoError(t, err)

	// The first Stats sample only establishes the net-I/O baseline
	// (first-sample-always-active rule), so take it with zero traffic.
	fc.Advance(c.cfg.IdleTimeout + time.Second)
	_, err = c.ReapIfIdle(context.Background(), "app-1")
	require.NoError(t, err)

	fc.Advance(c.cfg.IdleTimeout + time.Second)
	engine.SetStats(containerName("app-1"), dockerengine.Stats{RxBytes: 100 * 1024})

	reaped, err := c.ReapIfIdle(context.Background(), "app-1")
	require.NoError(t, err)
	assert.False(t, reaped, "a net-I/O delta past threshold must count as activity and block the reap")

	status, err := c.Status(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, Ready, status.State)
}

func TestReapIfIdle_ReapsWhenTrulyIdle(t *testing.T) {
	c, engine, fc := newTestController(t, 9000, 9010)
	readySoon(engine, containerName("app-1"))
	_, err := c.GetOrStart(context.Background(), "app-1", StartSpec{AppPath: "/apps/app-1"})
	require.NoError(t, err)

	// First Stats sample establishes the net-I/O baseline (spec's
	// first-sample-always-active rule means a second quiet sample is
	// needed before the reap can proceed).
	fc.Advance(c.cfg.IdleTimeout + time.Second)
	_, err = c.ReapIfIdle(context.Background(), "app-1")
	require.NoError(t, err)

	fc.Advance(c.cfg.IdleTimeout + time.Second)
	reaped, err := c.ReapIfIdle(context.Background(), "app-1")
	require.NoError(t, err)
	assert.True(t, reaped)

	status, err := c.Status(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, Stopped, status.State)
}

func TestReapIfIdle_SkipsWhileStarting(t *testing.T) {
	c, _, _ := newTestController(t, 9000, 9010)
	c.cfg.StartupTimeout = 2 * time.Second

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.GetOrStart(context.Background(), "app-1", StartSpec{AppPath: "/apps/app-1"})
	}()

	reaped, err := c.ReapIfIdle(context.Background(), "app-1")
	require.NoError(t, err)
	assert.False(t, reaped)
	<-done
}

func TestReapIfIdle_UnknownAppIsNoop(t *testing.T) {
	c, _, _ := newTestController(t, 9000, 9010)
	reaped, err := c.ReapIfIdle(context.Background(), "never-started")
	require.NoError(t, err)
	assert.False(t, reaped)
}

func TestGetOrStart_SkipsPortHeldByForeignContainer(t *testing.T) {
	c, engine, _ := newTestController(t, 9000, 9001)

	// Occupy 9000 with a foreign, already-running container before
	// app-1 ever starts, forcing the registry's first scan past it.
	_, err := engine.Run(context.Background(), dockerengine.RunOptions{
		Name:  "other",
		Image: "whatever",
		Ports: []dockerengine.PortBinding{{HostPort: 9000, GuestPort: 80}},
	})
	require.NoError(t, err)

	readySoon(engine, containerName("app-1"))
	res, err := c.GetOrStart(context.Background(), "app-1", StartSpec{AppPath: "/apps/app-1"})
	require.NoError(t, err)
	assert.Equal(t, 9001, res.Port)
}

func TestSplitNonEmpty_DropsBlankLines(t *testing.T) {
	out := splitNonEmpty("a\n\nb\nc\n")
	assert.Equal(t, []string{"a", "b", "c"}, out)
}

func TestSplitNonEmpty_NoTrailingNewline(t *testing.T) {
	out := splitNonEmpty("only-line")
	assert.Equal(t, []string{"only-line"}, out)
}
