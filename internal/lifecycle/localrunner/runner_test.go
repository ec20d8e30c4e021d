package localrunner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyad-run/clc/internal/activity"
	"github.com/dyad-run/clc/internal/clock"
	"github.com/dyad-run/clc/internal/lifecycle"
	"github.com/dyad-run/clc/internal/lifecycle/devserver"
)

func newTestController(t *testing.T) (*Controller, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tracker := activity.New(fc, 50*1024)
	cfg := Config{
		BasePort:              19000,
		MaxPort:               19010,
		DefaultPackageManager: devserver.NPM,
		ReadinessTokens:       []string{"ready-token"},
		IdleTimeout:           5 * time.Minute,
		StartupTimeout:        2 * time.Second,
		MaxLogLines:           100,
	}
	return New(tracker, fc, cfg), fc
}

func quickReadySpec(appPath string) lifecycle.StartSpec {
	return lifecycle.StartSpec{
		AppPath:        appPath,
		InstallCommand: []string{"true"},
		StartCommand:   []string{"/bin/sh", "-c", "echo ready-token; exec sleep 30"},
	}
}

func TestGetOrStart_SpawnsProcessAndBecomesReady(t *testing.T) {
	c, _ := newTestController(t)
	appPath := t.TempDir()

	res, err := c.GetOrStart(context.Background(), "app-1", quickReadySpec(appPath))
	require.NoError(t, err)
	assert.True(t, res.Ready)
	assert.GreaterOrEqual(t, res.Port, 19000)
	assert.LessOrEqual(t, res.Port, 19010)

	t.Cleanup(func() { _ = c.Stop(context.Background(), "app-1") })
}

func TestGetOrStart_AlreadyReadyShortCircuits(t *testing.T) {
	c, _ := newTestController(t)
	appPath := t.TempDir()

	first, err := c.GetOrStart(context.Background(), "app-1", quickReadySpec(appPath))
	require.NoError(t, err)

	second, err := c.GetOrStart(context.Background(), "app-1", lifecycle.StartSpec{})
	require.NoError(t, err)
	assert.Equal(t, first.Port, second.Port)

	t.Cleanup(func() { _ = c.Stop(context.Background(), "app-1") })
}

func TestGetOrStart_StartupTimeoutWhenNoReadinessSignal(t *testing.T) {
	c, _ := newTestController(t)
	c.cfg.StartupTimeout = 300 * time.Millisecond
	appPath := t.TempDir()

	spec := lifecycle.StartSpec{
		AppPath:        appPath,
		InstallCommand: []string{"true"},
		StartCommand:   []string{"/bin/sh", "-c", "exec sleep 30"},
	}

	_, err := c.GetOrStart(context.Background(), "app-1", spec)
	assert.ErrorIs(t, err, lifecycle.ErrStartupTimeout)

	status, err := c.Status(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Absent, status.State, "a failed start must not leave a tracked process behind")
}

func TestGetOrStart_ProcessExitingBeforeReadyFails(t *testing.T) {
	c, _ := newTestController(t)
	appPath := t.TempDir()

	spec := lifecycle.StartSpec{
		AppPath:        appPath,
		InstallCommand: []string{"true"},
		StartCommand:   []string{"/bin/sh", "-c", "exit 1"},
	}

	_, err := c.GetOrStart(context.Background(), "app-1", spec)
	require.Error(t, err)
	var startFailed *lifecycle.StartFailed
	assert.ErrorAs(t, err, &startFailed)
}

func TestStop_KillsProcessAndFreesPortForReuse(t *testing.T) {
	c, _ := newTestController(t)
	appPath := t.TempDir()

	_, err := c.GetOrStart(context.Background(), "app-1", quickReadySpec(appPath))
	require.NoError(t, err)

	require.NoError(t, c.Stop(context.Background(), "app-1"))

	status, err := c.Status(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Absent, status.State, "localrunner has no retained-port Stopped state distinct from Absent")
}

func TestStop_IsIdempotent(t *testing.T) {
	c, _ := newTestController(t)
	require.NoError(t, c.Stop(context.Background(), "never-started"))
}

func TestRemove_ReleasesPortAndActivity(t *testing.T) {
	c, _ := newTestController(t)
	appPath := t.TempDir()

	_, err := c.GetOrStart(context.Background(), "app-1", quickReadySpec(appPath))
	require.NoError(t, err)

	require.NoError(t, c.Remove(context.Background(), "app-1"))

	port, err := c.ports.Allocate(context.Background(), "app-2", false)
	require.NoError(t, err)
	assert.Equal(t, 19000, port, "the released port must be the lowest available again")
}

func TestLogs_ReturnsBufferedOutput(t *testing.T) {
	c, _ := newTestController(t)
	appPath := t.TempDir()

	_, err := c.GetOrStart(context.Background(), "app-1", quickReadySpec(appPath))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop(context.Background(), "app-1") })

	out, err := c.Logs(context.Background(), "app-1", lifecycle.LogOptions{})
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "ready-token"))
}

func TestLogs_UnknownAppReturnsNotFound(t *testing.T) {
	c, _ := newTestController(t)
	_, err := c.Logs(context.Background(), "never-started", lifecycle.LogOptions{})
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
}

func TestReapIfIdle_ReapsAfterIdleTimeoutElapses(t *testing.T) {
	c, fc := newTestController(t)
	c.cfg.IdleTimeout = time.Minute
	appPath := t.TempDir()

	_, err := c.GetOrStart(context.Background(), "app-1", quickReadySpec(appPath))
	require.NoError(t, err)

	reaped, err := c.ReapIfIdle(context.Background(), "app-1")
	require.NoError(t, err)
	assert.False(t, reaped, "must not reap before the idle timeout elapses")

	fc.Advance(2 * time.Minute)
	reaped, err = c.ReapIfIdle(context.Background(), "app-1")
	require.NoError(t, err)
	assert.True(t, reaped)
}

func TestReapIfIdle_UnknownAppIsNoop(t *testing.T) {
	c, _ := newTestController(t)
	reaped, err := c.ReapIfIdle(context.Background(), "never-started")
	require.NoError(t, err)
	assert.False(t, reaped)
}

func TestAppIDs_ListsTrackedProcesses(t *testing.T) {
	c, _ := newTestController(t)
	appPath := t.TempDir()

	_, err := c.GetOrStart(context.Background(), "app-1", quickReadySpec(appPath))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop(context.Background(), "app-1") })

	assert.Equal(t, []string{"app-1"}, c.AppIDs())
}

func TestReapSweep_StopsEveryIdleProcessPastTimeout(t *testing.T) {
	c, fc := newTestController(t)
	c.cfg.IdleTimeout = time.Minute
	appPath := t.TempDir()

	_, err := c.GetOrStart(context.Background(), "app-1", quickReadySpec(appPath))
	require.NoError(t, err)

	fc.Advance(2 * time.Minute)
	c.ReapSweep(context.Background())

	status, err := c.Status(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Stopped, status.State)
}

func TestReapSweep_SkipsProcessesStillActive(t *testing.T) {
	c, _ := newTestController(t)
	c.cfg.IdleTimeout = time.Minute
	appPath := t.TempDir()

	_, err := c.GetOrStart(context.Background(), "app-1", quickReadySpec(appPath))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop(context.Background(), "app-1") })

	c.ReapSweep(context.Background())

	status, err := c.Status(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Ready, status.State)
}
