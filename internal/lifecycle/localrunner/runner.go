// Package localrunner is the local-process fallback realization of
// lifecycle.Controller (spec.md §9): for hosts or tests where
// containerization is unavailable, it spawns the dev server as a
// direct child process instead of inside a container. It shares no
// state with the containerized path. Subprocess handling (pipes,
// streaming scanner goroutines) is grounded on
// pkg/infra/docker/simple_client.go's StreamLogs.
package localrunner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dyad-run/clc/internal/activity"
	"github.com/dyad-run/clc/internal/clock"
	"github.com/dyad-run/clc/internal/lifecycle"
	"github.com/dyad-run/clc/internal/lifecycle/devserver"
	"github.com/dyad-run/clc/internal/logx"
	"github.com/dyad-run/clc/internal/portregistry"
)

// Config is the subset of the controller-wide config the local runner
// needs.
type Config struct {
	BasePort              int
	MaxPort               int
	DefaultPackageManager devserver.PackageManager
	ReadinessTokens       []string
	IdleTimeout           time.Duration
	StartupTimeout        time.Duration
	AutoKillPort          bool
	MaxLogLines           int
}

// tcpHostChecker answers port-registry availability checks by
// attempting to bind the port locally, since there is no container
// engine to consult in this mode.
type tcpHostChecker struct{}

func (tcpHostChecker) PortInUse(ctx context.Context, port int) (bool, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return true, nil
	}
	ln.Close()
	return false, nil
}

type process struct {
	cmd       *exec.Cmd
	port      int
	appPath   string
	ring      *ringBuffer
	startedAt time.Time
	ready     bool
	done      chan struct{}
	exitErr   error
}

// Controller implements lifecycle.Controller by spawning and
// supervising dev-server child processes directly on the host.
type Controller struct {
	ports    *portregistry.Registry
	activity *activity.Tracker
	clock    clock.Clock
	cfg      Config

	mu        sync.Mutex
	processes map[string]*process
}

var _ lifecycle.Controller = (*Controller)(nil)

// New constructs a local-process Controller with its own, independent
// port registry over [cfg.BasePort, cfg.MaxPort].
func New(tracker *activity.Tracker, clk clock.Clock, cfg Config) *Controller {
	return &Controller{
		ports:     portregistry.New(cfg.BasePort, cfg.MaxPort, tcpHostChecker{}),
		activity:  tracker,
		clock:     clk,
		cfg:       cfg,
		processes: make(map[string]*process),
	}
}

func (c *Controller) GetOrStart(ctx context.Context, appID string, spec lifecycle.StartSpec) (lifecycle.StartResult, error) {
	c.activity.Touch(appID)

	c.mu.Lock()
	if p, ok := c.processes[appID]; ok && p.ready {
		port := p.port
		c.mu.Unlock()
		c.activity.Touch(appID)
		return lifecycle.StartResult{Port: port, Ready: true}, nil
	}
	c.mu.Unlock()

	port, err := c.ports.Allocate(ctx, appID, false)
	if err != nil {
		return lifecycle.StartResult{}, lifecycle.ErrNoPortsAvailable
	}

	if c.cfg.AutoKillPort {
		killProcessOnPort(port)
	}

	pm := devserver.DetectPM(spec.AppPath, c.cfg.DefaultPackageManager)
	argv := devserver.BuildScript(devserver.Spec{
		AppPath:        spec.AppPath,
		PackageManager: pm,
		Port:           port,
		InstallCommand: spec.InstallCommand,
		StartCommand:   spec.StartCommand,
	})

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.AppPath
	cmd.Env = append(os.Environ(), fmt.Sprintf("PORT=%d", port), fmt.Sprintf("VITE_PORT=%d", port))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.ports.Release(appID)
		return lifecycle.StartResult{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.ports.Release(appID)
		return lifecycle.StartResult{}, err
	}

	p := &process{
		cmd:       cmd,
		port:      port,
		appPath:   spec.AppPath,
		ring:      newRingBuffer(c.cfg.MaxLogLines),
		startedAt: c.clock.Now(),
		done:      make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		c.ports.Release(appID)
		return lifecycle.StartResult{}, &lifecycle.StartFailed{AppID: appID, Reason: err.Error()}
	}

	c.mu.Lock()
	c.processes[appID] = p
	c.mu.Unlock()

	readyLines := make(chan string, 64)
	go forwardLines(stdout, p.ring, readyLines)
	go forwardLines(stderr, p.ring, readyLines)
	go func() {
		p.exitErr = cmd.Wait()
		close(p.done)
	}()

	startCtx, cancel := context.WithTimeout(context.Background(), c.cfg.StartupTimeout)
	defer cancel()

	if err := c.waitForReady(startCtx, p, readyLines); err != nil {
		_ = cmd.Process.Kill()
		c.mu.Lock()
		delete(c.processes, appID)
		c.mu.Unlock()
		return lifecycle.StartResult{}, err
	}

	c.mu.Lock()
	p.ready = true
	c.mu.Unlock()
	c.activity.Touch(appID)

	return lifecycle.StartResult{Port: port, Ready: true}, nil
}

func (c *Controller) waitForReady(ctx context.Context, p *process, lines <-chan string) error {
	deadline := time.Now().Add(c.cfg.StartupTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return lifecycle.ErrStartupTimeout
		case <-p.done:
			return &lifecycle.StartFailed{Reason: "process exited before becoming ready"}
		case line := <-lines:
			for _, tok := range c.cfg.ReadinessTokens {
				if tok != "" && strings.Contains(line, tok) {
					return nil
				}
			}
		case <-time.After(250 * time.Millisecond):
			if probeTCP(p.port) {
				return nil
			}
		}
	}
	return lifecycle.ErrStartupTimeout
}

func forwardLines(r io.Reader, ring *ringBuffer, ready chan<- string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		ring.Append(line)
		select {
		case ready <- line:
		default:
		}
	}
}

func probeTCP(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// killProcessOnPort is a best-effort, Linux-oriented cleanup used only
// when autoKillPort is enabled; failures are swallowed since this is
// always followed by a fresh bind attempt.
func killProcessOnPort(port int) {
	cmd := exec.Command("fuser", "-k", strconv.Itoa(port)+"/tcp")
	_ = cmd.Run()
}

func (c *Controller) Stop(ctx context.Context, appID string) error {
	c.mu.Lock()
	p, ok := c.processes[appID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.processes, appID)
	c.mu.Unlock()

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.done
	return nil
}

func (c *Controller) Remove(ctx context.Context, appID string) error {
	_ = c.Stop(ctx, appID)
	c.ports.Release(appID)
	c.activity.Forget(appID)
	return nil
}

func (c *Controller) Status(ctx context.Context, appID string) (lifecycle.Status, error) {
	c.mu.Lock()
	p, ok := c.processes[appID]
	c.mu.Unlock()
	if !ok {
		return lifecycle.Status{AppID: appID, State: lifecycle.Absent}, nil
	}

	state := lifecycle.Starting
	select {
	case <-p.done:
		state = lifecycle.Stopped
	default:
		if p.ready {
			state = lifecycle.Ready
		}
	}

	return lifecycle.Status{
		AppID:          appID,
		State:          state,
		Port:           p.port,
		ReadyAt:        p.startedAt,
		LastActivityAt: c.activity.LastActivityAt(appID),
		InactiveFor:    c.activity.InactiveFor(appID),
	}, nil
}

func (c *Controller) SyncFiles(ctx context.Context, appID string, paths []string) error {
	return nil
}

func (c *Controller) Logs(ctx context.Context, appID string, opts lifecycle.LogOptions) (string, error) {
	c.mu.Lock()
	p, ok := c.processes[appID]
	c.mu.Unlock()
	if !ok {
		return "", lifecycle.ErrNotFound
	}
	c.activity.Touch(appID)

	lines := p.ring.Snapshot()
	if opts.Tail > 0 && opts.Tail < len(lines) {
		lines = lines[len(lines)-opts.Tail:]
	}
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return out, nil
}

func (c *Controller) StreamLogs(ctx context.Context, appID string, opts lifecycle.LogOptions) (<-chan lifecycle.LogLine, error) {
	text, err := c.Logs(ctx, appID, opts)
	if err != nil {
		return nil, err
	}
	out := make(chan lifecycle.LogLine, 1)
	out <- lifecycle.LogLine{Timestamp: c.clock.Now(), Kind: "stdout", Message: text}
	close(out)
	return out, nil
}

func (c *Controller) Exec(ctx context.Context, appID string, argv []string) (lifecycle.ExecResult, error) {
	c.mu.Lock()
	p, ok := c.processes[appID]
	c.mu.Unlock()
	if !ok {
		return lifecycle.ExecResult{}, lifecycle.ErrNotFound
	}

	if len(argv) == 0 {
		return lifecycle.ExecResult{}, nil
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = p.appPath
	out, err := cmd.CombinedOutput()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		return lifecycle.ExecResult{}, err
	}
	c.activity.Touch(appID)
	return lifecycle.ExecResult{ExitCode: exitCode, Stdout: string(out)}, nil
}

func (c *Controller) Events(ctx context.Context, appID string) ([]lifecycle.Event, error) {
	return []lifecycle.Event{}, nil
}

// ReapIfIdle mirrors lifecycle.DockerController's reap decision, but
// without a container engine to sample; activity here is driven
// solely by explicit touches, since there is no equivalent of
// engine-reported net-I/O for a bare host process.
func (c *Controller) ReapIfIdle(ctx context.Context, appID string) (bool, error) {
	c.mu.Lock()
	p, ok := c.processes[appID]
	c.mu.Unlock()
	if !ok || !p.ready {
		return false, nil
	}
	if c.activity.InactiveFor(appID) < c.cfg.IdleTimeout {
		return false, nil
	}
	if err := c.Stop(ctx, appID); err != nil {
		return false, err
	}
	return true, nil
}

// AppIDs returns the IDs of every process currently tracked, for
// driving a periodic idle-reap sweep over all of them.
func (c *Controller) AppIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.processes))
	for id := range c.processes {
		ids = append(ids, id)
	}
	return ids
}

// ReapSweep runs ReapIfIdle over every tracked process once. It is the
// single-pass building block for ReapLoop and is exercised directly in
// tests.
func (c *Controller) ReapSweep(ctx context.Context) {
	for _, appID := range c.AppIDs() {
		if _, err := c.ReapIfIdle(ctx, appID); err != nil {
			logx.WithContext(logx.SetAppID(ctx, appID)).Warn("localrunner: reap failed", "error", err)
		}
	}
}

// ReapLoop runs ReapSweep on a fixed interval until ctx is cancelled.
// The local-process Controller has no container engine to reconcile
// against, so it drives its own idle-reap sweep here instead of
// sharing reconciler.Reconciler, which is scoped to
// *lifecycle.DockerController.
func (c *Controller) ReapLoop(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(interval):
			c.ReapSweep(ctx)
		}
	}
}
