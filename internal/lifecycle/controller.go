package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dyad-run/clc/internal/activity"
	"github.com/dyad-run/clc/internal/clock"
	"github.com/dyad-run/clc/internal/dockerengine"
	"github.com/dyad-run/clc/internal/hostconn"
	"github.com/dyad-run/clc/internal/lifecycle/devserver"
	"github.com/dyad-run/clc/internal/logx"
	"github.com/dyad-run/clc/internal/portregistry"
)

const containerPrefix = "dyad-app-"

// ContainerPrefix is the stable name prefix every CLC-managed container
// carries, exported so the Reconciler can list and parse them without
// duplicating the convention.
const ContainerPrefix = containerPrefix

func containerName(appID string) string { return containerPrefix + appID }
func imageTag(appID string) string      { return containerPrefix + appID }
func volumeName(appID string) string    { return "dyad-pnpm-" + appID }

// AppIDFromContainerName recovers the appId from a container name
// produced by containerName, or ok=false if name doesn't carry the
// expected prefix.
func AppIDFromContainerName(name string) (appID string, ok bool) {
	if !strings.HasPrefix(name, containerPrefix) {
		return "", false
	}
	return strings.TrimPrefix(name, containerPrefix), true
}

// Config is the subset of internal/config.Config the Lifecycle
// Controller consumes.
type Config struct {
	AppPortInside            int
	NodeImage                string
	DefaultPackageManager    devserver.PackageManager
	ReadinessTokens          []string
	IdleTimeout              time.Duration
	StartupTimeout           time.Duration
	NetIODeltaThresholdBytes int64
}

// appState is the controller's guarded per-appId record, combining
// the state machine position with everything needed to resume or
// reap it.
type appState struct {
	state   State
	port    int
	appPath string
	readyAt time.Time
}

type startOp struct {
	done chan struct{}
	res  StartResult
	err  error
}

// DockerController implements the containerized Lifecycle Controller,
// grounded directly on HybridEngineProvider's containers
// map[string]string single-flight tracking and its
// port-conflict-detection-then-retry Start sequencing in
// pkg/infra/provider/hybrid_engine_provider.go, generalized to this
// domain's per-appId state machine (spec.md §4.4).
type DockerController struct {
	engine   dockerengine.Engine
	ports    *portregistry.Registry
	activity *activity.Tracker
	clock    clock.Clock
	cfg      Config

	mu       sync.Mutex
	states   map[string]*appState
	starting map[string]*startOp

	publish func(appID string, eventType string)
}

var _ Controller = (*DockerController)(nil)

// New constructs a containerized Controller.
func New(engine dockerengine.Engine, ports *portregistry.Registry, tracker *activity.Tracker, clk clock.Clock, cfg Config) *DockerController {
	return &DockerController{
		engine:   engine,
		ports:    ports,
		activity: tracker,
		clock:    clk,
		cfg:      cfg,
		states:   make(map[string]*appState),
		starting: make(map[string]*startOp),
	}
}

// SetEventPublisher wires an optional sink for state-transition
// notifications (e.g. eventbus.EventBus.Publish). The controller's own
// states map stays authoritative: a nil or failing publisher never
// affects GetOrStart/Stop/Remove/ReapIfIdle outcomes.
func (c *DockerController) SetEventPublisher(publish func(appID string, eventType string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publish = publish
}

func (c *DockerController) stateFor(appID string) *appState {
	st, ok := c.states[appID]
	if !ok {
		st = &appState{state: Absent}
		c.states[appID] = st
	}
	return st
}

// Seed installs a state discovered by the Reconciler's bootstrap scan,
// bypassing the normal start pipeline. Used only by internal/reconciler.
func (c *DockerController) Seed(appID string, port int, appPath string, readyAt time.Time, running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateFor(appID)
	st.port = port
	st.appPath = appPath
	if running {
		st.state = Ready
		st.readyAt = readyAt
	} else {
		st.state = Stopped
	}
}

// GetOrStart implements spec.md §4.4's getOrStart. Concurrent callers
// for the same appId join the single in-flight attempt (at-most-one
// engine run() per appId); caller cancellation detaches the caller
// without cancelling the underlying start.
func (c *DockerController) GetOrStart(ctx context.Context, appID string, spec StartSpec) (StartResult, error) {
	c.activity.Touch(appID)

	c.mu.Lock()
	if op, ok := c.starting[appID]; ok {
		c.mu.Unlock()
		return c.join(ctx, op)
	}

	st := c.stateFor(appID)
	if st.state == Ready {
		port := st.port
		c.mu.Unlock()
		c.activity.Touch(appID)
		return StartResult{Port: port, Ready: true}, nil
	}

	appPath := spec.AppPath
	if appPath == "" {
		appPath = st.appPath
	}
	st.appPath = appPath
	wasError := st.state == Error
	st.state = Creating

	op := &startOp{done: make(chan struct{})}
	c.starting[appID] = op
	c.mu.Unlock()

	go c.runStart(appID, appPath, spec, wasError, op)

	return c.join(ctx, op)
}

// join waits for op to complete or ctx to be cancelled, whichever
// comes first. Cancellation does not affect the underlying start.
func (c *DockerController) join(ctx context.Context, op *startOp) (StartResult, error) {
	select {
	case <-op.done:
		return op.res, op.err
	case <-ctx.Done():
		return StartResult{}, ctx.Err()
	}
}

// runStart executes the Absent/Stopped/Error -> Creating -> Starting
// -> Ready pipeline for one appId, bounded by the configured startup
// timeout, and always resolves op before returning.
func (c *DockerController) runStart(appID, appPath string, spec StartSpec, cleanupStale bool, op *startOp) {
	finish := func(res StartResult, err error) {
		op.res, op.err = res, err
		c.mu.Lock()
		delete(c.starting, appID)
		c.mu.Unlock()
		close(op.done)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StartupTimeout)
	defer cancel()

	name := containerName(appID)
	if cleanupStale {
		// Invariant §3 item 3: a container left in Error is cleaned up
		// on the next start request; its port assignment is retained.
		_ = c.engine.Stop(ctx, name, 0)
		_ = c.engine.Rm(ctx, name, true)
	}

	port, err := c.ports.Allocate(ctx, appID, false)
	if err != nil {
		c.setState(appID, Absent, 0, time.Time{})
		finish(StartResult{}, err)
		return
	}

	tag := imageTag(appID)
	exists, err := c.engine.ImageExists(ctx, tag)
	if err != nil {
		c.setState(appID, Error, port, time.Time{})
		finish(StartResult{}, err)
		return
	}
	if !exists {
		if err := c.engine.Build(ctx, appPath, tag); err != nil {
			c.setState(appID, Error, port, time.Time{})
			finish(StartResult{}, err)
			return
		}
	}

	pm := devserver.DetectPM(appPath, c.cfg.DefaultPackageManager)
	argv := devserver.BuildScript(devserver.Spec{
		AppPath:        appPath,
		PackageManager: pm,
		Port:           c.cfg.AppPortInside,
		InstallCommand: spec.InstallCommand,
		StartCommand:   spec.StartCommand,
	})

	runOpts := dockerengine.RunOptions{
		Name:  name,
		Image: tag,
		Ports: []dockerengine.PortBinding{{HostPort: port, GuestPort: c.cfg.AppPortInside}},
		Volumes: []dockerengine.VolumeMount{
			{HostPath: appPath, GuestPath: "/app"},
			{VolumeName: volumeName(appID), GuestPath: "/app/.pnpm-store"},
		},
		Env:     []string{fmt.Sprintf("PORT=%d", c.cfg.AppPortInside), fmt.Sprintf("VITE_PORT=%d", c.cfg.AppPortInside)},
		WorkDir: "/app",
		Command: argv,
	}

	c.setState(appID, Starting, port, time.Time{})

	_, err = c.engine.Run(ctx, runOpts)
	if errors.Is(err, dockerengine.ErrPortConflict) {
		// One retry with a freshly allocated port (spec.md §7).
		c.ports.Release(appID)
		port, err = c.ports.Allocate(ctx, appID, true)
		if err != nil {
			c.setState(appID, Absent, 0, time.Time{})
			finish(StartResult{}, err)
			return
		}
		runOpts.Ports = []dockerengine.PortBinding{{HostPort: port, GuestPort: c.cfg.AppPortInside}}
		_, err = c.engine.Run(ctx, runOpts)
	}
	if err != nil {
		c.setState(appID, Error, port, time.Time{})
		finish(StartResult{}, &StartFailed{AppID: appID, Reason: err.Error()})
		return
	}

	readyErr := waitReady(ctx, port, c.cfg.StartupTimeout, c.cfg.ReadinessTokens, func(ctx context.Context) ([]string, error) {
		out, err := c.engine.Logs(ctx, name, dockerengine.LogOptions{Tail: 50})
		if err != nil {
			return nil, err
		}
		return splitNonEmpty(out), nil
	}, 250*time.Millisecond)

	if readyErr != nil {
		if errors.Is(readyErr, context.Canceled) || errors.Is(readyErr, context.DeadlineExceeded) || errors.Is(readyErr, ErrStartupTimeout) {
			_ = c.engine.Stop(context.Background(), name, 5*time.Second)
			c.setState(appID, Error, port, time.Time{})
			finish(StartResult{}, ErrStartupTimeout)
			return
		}
		c.setState(appID, Error, port, time.Time{})
		finish(StartResult{}, readyErr)
		return
	}

	// The container may have exited while we were polling for readiness.
	container, err := c.engine.Inspect(context.Background(), name)
	if err == nil && (container == nil || !container.Running) {
		reason := "engine reported the container exited before becoming ready"
		if container != nil {
			reason = fmt.Sprintf("container exited with code %d before becoming ready", container.LastExitCode)
		}
		c.setState(appID, Error, port, time.Time{})
		finish(StartResult{}, &StartFailed{AppID: appID, Reason: reason})
		return
	}

	now := c.clock.Now()
	c.setState(appID, Ready, port, now)
	c.activity.Touch(appID)
	finish(StartResult{Port: port, Ready: true}, nil)
}

func (c *DockerController) setState(appID string, s State, port int, readyAt time.Time) {
	c.mu.Lock()
	st := c.stateFor(appID)
	st.state = s
	if port != 0 {
		st.port = port
	}
	if !readyAt.IsZero() {
		st.readyAt = readyAt
	}
	publish := c.publish
	c.mu.Unlock()

	if publish != nil {
		publish(appID, strings.ToLower(s.String()))
	}
}

// Stop implements spec.md §4.4 stop: idempotent, retains the port
// assignment.
func (c *DockerController) Stop(ctx context.Context, appID string) error {
	c.mu.Lock()
	st, ok := c.states[appID]
	if !ok || st.state != Ready {
		c.mu.Unlock()
		return nil
	}
	st.state = Stopping
	name := containerName(appID)
	c.mu.Unlock()

	if err := c.engine.Stop(ctx, name, 10*time.Second); err != nil {
		c.setState(appID, Error, 0, time.Time{})
		return err
	}

	c.setState(appID, Stopped, 0, time.Time{})
	return nil
}

// Remove implements spec.md §4.4 remove: idempotent, releases the
// port assignment and clears activity state entirely.
func (c *DockerController) Remove(ctx context.Context, appID string) error {
	name := containerName(appID)
	if err := c.engine.Stop(ctx, name, 10*time.Second); err != nil {
		logx.WithContext(logx.SetAppID(ctx, appID)).Warn("remove: stop failed, proceeding to rm", "error", err)
	}
	if err := c.engine.Rm(ctx, name, true); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.states, appID)
	c.mu.Unlock()

	c.ports.Release(appID)
	c.activity.Forget(appID)
	return nil
}

// Status implements spec.md §6's status(appId).
func (c *DockerController) Status(ctx context.Context, appID string) (Status, error) {
	c.mu.Lock()
	st, ok := c.states[appID]
	if !ok {
		c.mu.Unlock()
		return Status{AppID: appID, State: Absent}, nil
	}
	snapshot := *st
	c.mu.Unlock()

	return Status{
		AppID:          appID,
		State:          snapshot.state,
		Port:           snapshot.port,
		ReadyAt:        snapshot.readyAt,
		LastActivityAt: c.activity.LastActivityAt(appID),
		InactiveFor:    c.activity.InactiveFor(appID),
	}, nil
}

// SyncFiles implements spec.md §4.4 syncFiles: a no-op unless paths
// are supplied, since source is already visible in the container via
// bind mount; when paths are given it touches them inside the
// container to force HMR.
func (c *DockerController) SyncFiles(ctx context.Context, appID string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	c.activity.Touch(appID)
	name := containerName(appID)
	for _, p := range paths {
		if _, _, _, err := c.engine.Exec(ctx, name, []string{"touch", p}); err != nil {
			return err
		}
	}
	return nil
}

func (c *DockerController) Logs(ctx context.Context, appID string, opts LogOptions) (string, error) {
	c.activity.Touch(appID)
	return c.engine.Logs(ctx, containerName(appID), dockerengine.LogOptions{Tail: opts.Tail, Since: opts.Since})
}

func (c *DockerController) StreamLogs(ctx context.Context, appID string, opts LogOptions) (<-chan LogLine, error) {
	c.activity.Touch(appID)
	it, err := c.engine.StreamLogs(ctx, containerName(appID), dockerengine.LogOptions{Tail: opts.Tail, Since: opts.Since, Follow: opts.Follow})
	if err != nil {
		return nil, err
	}

	out := make(chan LogLine)
	go func() {
		defer close(out)
		defer it.Close()
		for {
			line, err := it.Next()
			if err != nil {
				return
			}
			select {
			case out <- LogLine{Timestamp: c.clock.Now(), Kind: "stdout", Message: line}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *DockerController) Exec(ctx context.Context, appID string, argv []string) (ExecResult, error) {
	exitCode, stdout, stderr, err := c.engine.Exec(ctx, containerName(appID), argv)
	if err != nil {
		return ExecResult{}, err
	}
	c.activity.Touch(appID)
	return ExecResult{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}, nil
}

func (c *DockerController) Events(ctx context.Context, appID string) ([]Event, error) {
	evs, err := c.engine.Events(ctx, containerName(appID))
	if err != nil {
		return nil, err
	}
	out := make([]Event, len(evs))
	for i, e := range evs {
		out[i] = Event{Type: e.Type, At: e.At}
	}
	return out, nil
}

// ReapIfIdle implements the reap decision of spec.md §4.4: the
// Reconciler calls this once per tick per tracked appId. It is a
// no-op unless the app is Ready, idle for at least T_idle, and not
// currently starting.
func (c *DockerController) ReapIfIdle(ctx context.Context, appID string) (reaped bool, err error) {
	c.mu.Lock()
	if _, starting := c.starting[appID]; starting {
		c.mu.Unlock()
		return false, nil
	}
	st, ok := c.states[appID]
	if !ok || st.state != Ready {
		c.mu.Unlock()
		return false, nil
	}
	port := st.port
	c.mu.Unlock()

	if c.activity.InactiveFor(appID) < c.cfg.IdleTimeout {
		return false, nil
	}

	stats, err := c.engine.Stats(ctx, containerName(appID))
	if err != nil {
		return false, err
	}
	sample := activity.NetIO{RxBytes: stats.RxBytes, TxBytes: stats.TxBytes, At: c.clock.Now()}
	if c.activity.Sample(appID, sample) {
		return false, nil
	}

	established, err := hostconn.HasEstablished(port)
	if err != nil {
		logx.WithContext(logx.SetAppID(ctx, appID)).Warn("reap: established-connection check failed, proceeding with reap", "error", err)
	} else if established {
		c.activity.Touch(appID)
		return false, nil
	}

	if err := c.Stop(ctx, appID); err != nil {
		return false, err
	}
	return true, nil
}

func splitNonEmpty(s string) []string {
	var lines []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			if i > start {
				lines = append(lines, s[start:i])
			}
			start = i + 1
		}
	}
	return lines
}
