package dockerengine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// SDKEngine drives the Docker Engine API directly instead of shelling
// out, for deployments that prefer talking to the API socket. This is
// a secondary, docker-only adapter: podman's SDK compatibility is not
// assumed, so CLIEngine remains the default per spec §4.1's subprocess
// mandate. Grounded on pkg/infra/docker/sdk_client.go.
type SDKEngine struct {
	cli *dockerclient.Client
}

// NewSDKEngine creates an SDKEngine configured from the standard Docker
// environment variables (DOCKER_HOST, DOCKER_TLS_VERIFY, ...).
func NewSDKEngine() (*SDKEngine, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker sdk client: %w", err)
	}
	return &SDKEngine{cli: cli}, nil
}

var _ Engine = (*SDKEngine)(nil)

func (e *SDKEngine) List(ctx context.Context, prefix string) ([]ContainerRow, error) {
	f := filters.NewArgs()
	f.Add("name", prefix)

	containers, err := e.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("docker ContainerList: %w", err)
	}

	rows := make([]ContainerRow, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		var bindings []PortBinding
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				bindings = append(bindings, PortBinding{HostPort: int(p.PublicPort), GuestPort: int(p.PrivatePort)})
			}
		}
		rows = append(rows, ContainerRow{
			Name:       name,
			Ports:      bindings,
			StatusText: c.Status,
			CreatedAt:  time.Unix(c.Created, 0),
		})
	}
	return rows, nil
}

func (e *SDKEngine) Inspect(ctx context.Context, name string) (*Container, error) {
	info, err := e.cli.ContainerInspect(ctx, name)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("docker ContainerInspect: %w", err)
	}

	var bindings []PortBinding
	for guestPort, hostBindings := range info.NetworkSettings.Ports {
		for _, hb := range hostBindings {
			hostPort, err := strconv.Atoi(hb.HostPort)
			if err != nil {
				continue
			}
			bindings = append(bindings, PortBinding{HostPort: hostPort, GuestPort: guestPort.Int()})
		}
	}

	startedAt, _ := time.Parse(time.RFC3339Nano, info.State.StartedAt)

	image := ""
	if info.Config != nil {
		image = info.Config.Image
	}

	return &Container{
		Name:         strings.TrimPrefix(info.Name, "/"),
		Image:        image,
		Running:      info.State.Running,
		Status:       info.State.Status,
		Ports:        bindings,
		StartedAt:    startedAt,
		LastExitCode: info.State.ExitCode,
	}, nil
}

func (e *SDKEngine) ImageExists(ctx context.Context, tag string) (bool, error) {
	_, _, err := e.cli.ImageInspectWithRaw(ctx, tag)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("docker ImageInspect: %w", err)
	}
	return true, nil
}

func (e *SDKEngine) Build(ctx context.Context, path, tag string) error {
	// The SDK's build API requires a tar build context, which this
	// adapter does not assemble, so Build always returns an error. With
	// the SDK engine wired, a start for an app whose image tag does not
	// exist yet fails at this step; no CLI build is substituted.
	return fmt.Errorf("sdk engine: build not supported, use the CLI engine for image builds")
}

func (e *SDKEngine) Run(ctx context.Context, opts RunOptions) (RunHandle, error) {
	portBindings := nat.PortMap{}
	exposedPorts := nat.PortSet{}
	for _, p := range opts.Ports {
		guest := nat.Port(fmt.Sprintf("%d/tcp", p.GuestPort))
		exposedPorts[guest] = struct{}{}
		portBindings[guest] = []nat.PortBinding{{HostPort: strconv.Itoa(p.HostPort)}}
	}

	binds := make([]string, 0, len(opts.Volumes))
	for _, v := range opts.Volumes {
		src := v.HostPath
		if src == "" {
			src = v.VolumeName
		}
		spec := fmt.Sprintf("%s:%s", src, v.GuestPath)
		if v.ReadOnly {
			spec += ":ro"
		}
		binds = append(binds, spec)
	}

	labels := map[string]string{ManagedLabelKey: ManagedLabelValue}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	cfg := &container.Config{
		Image:        opts.Image,
		Cmd:          opts.Command,
		Env:          opts.Env,
		Labels:       labels,
		ExposedPorts: exposedPorts,
		WorkingDir:   opts.WorkDir,
	}
	hostCfg := &container.HostConfig{
		Binds:        binds,
		PortBindings: portBindings,
		AutoRemove:   true,
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		if strings.Contains(err.Error(), "port is already allocated") {
			return RunHandle{}, fmt.Errorf("%w: %v", ErrPortConflict, err)
		}
		return RunHandle{}, &RunFailed{Name: opts.Name, Cause: err}
	}

	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = e.cli.ContainerRemove(cleanupCtx, resp.ID, container.RemoveOptions{Force: true})
		return RunHandle{}, &RunFailed{Name: opts.Name, Cause: err}
	}

	return RunHandle{Name: opts.Name, ID: resp.ID}, nil
}

func (e *SDKEngine) Stop(ctx context.Context, name string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	if err := e.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &seconds}); err != nil {
		if !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("%w: docker ContainerStop: %v", ErrEngineTransient, err)
		}
	}
	return nil
}

func (e *SDKEngine) Rm(ctx context.Context, name string, force bool) error {
	if err := e.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: force}); err != nil {
		if !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("docker ContainerRemove: %w", err)
		}
	}
	return nil
}

func (e *SDKEngine) Exec(ctx context.Context, name string, argv []string) (int, string, string, error) {
	created, err := e.cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, "", "", fmt.Errorf("docker ContainerExecCreate: %w", err)
	}

	attach, err := e.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, "", "", fmt.Errorf("docker ContainerExecAttach: %w", err)
	}
	defer attach.Close()

	out, err := io.ReadAll(attach.Reader)
	if err != nil {
		return -1, "", "", fmt.Errorf("reading exec output: %w", err)
	}

	inspect, err := e.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, string(out), "", fmt.Errorf("docker ContainerExecInspect: %w", err)
	}

	return inspect.ExitCode, string(out), "", nil
}

func (e *SDKEngine) Stats(ctx context.Context, name string) (Stats, error) {
	resp, err := e.cli.ContainerStatsOneShot(ctx, name)
	if err != nil {
		return Stats{}, fmt.Errorf("docker ContainerStats: %w", err)
	}
	defer resp.Body.Close()

	// The one-shot stats payload is JSON; only the per-network rx/tx
	// byte counters (summed across networks into the same aggregate the
	// CLI path reports) and the memory usage/limit pair are decoded.
	var payload struct {
		Networks map[string]struct {
			RxBytes int64 `json:"rx_bytes"`
			TxBytes int64 `json:"tx_bytes"`
		} `json:"networks"`
		MemoryStats struct {
			Usage int64 `json:"usage"`
			Limit int64 `json:"limit"`
		} `json:"memory_stats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Stats{}, fmt.Errorf("decoding stats: %w", err)
	}

	var rx, tx int64
	for _, n := range payload.Networks {
		rx += n.RxBytes
		tx += n.TxBytes
	}
	var memPct float64
	if payload.MemoryStats.Limit > 0 {
		memPct = float64(payload.MemoryStats.Usage) / float64(payload.MemoryStats.Limit) * 100
	}
	return Stats{MemPercent: memPct, RxBytes: rx, TxBytes: tx}, nil
}

func (e *SDKEngine) Logs(ctx context.Context, name string, opts LogOptions) (string, error) {
	logOpts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if opts.Tail > 0 {
		logOpts.Tail = strconv.Itoa(opts.Tail)
	}
	if !opts.Since.IsZero() {
		logOpts.Since = opts.Since.Format(time.RFC3339)
	}

	rc, err := e.cli.ContainerLogs(ctx, name, logOpts)
	if err != nil {
		return "", fmt.Errorf("docker ContainerLogs: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("reading container logs: %w", err)
	}
	return string(data), nil
}

type sdkLineIterator struct {
	scanner *bufio.Scanner
	closer  io.Closer
	cancel  context.CancelFunc
}

func (it *sdkLineIterator) Next() (string, error) {
	if it.scanner.Scan() {
		return it.scanner.Text(), nil
	}
	if err := it.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (it *sdkLineIterator) Close() error {
	it.cancel()
	return it.closer.Close()
}

func (e *SDKEngine) StreamLogs(ctx context.Context, name string, opts LogOptions) (LineIterator, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	logOpts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true, Tail: "0"}
	if !opts.Since.IsZero() {
		logOpts.Since = opts.Since.Format(time.RFC3339)
	}

	rc, err := e.cli.ContainerLogs(streamCtx, name, logOpts)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("docker ContainerLogs (stream): %w", err)
	}

	return &sdkLineIterator{scanner: bufio.NewScanner(rc), closer: rc, cancel: cancel}, nil
}

func (e *SDKEngine) Events(ctx context.Context, name string) ([]Event, error) {
	// The SDK exposes a live event stream, not a bounded history query;
	// CLC's events(appId) read falls back to the event bus / sqlite
	// audit log for history (see internal/eventbus), so this returns
	// empty here rather than block on a streaming subscription.
	return []Event{}, nil
}

func (e *SDKEngine) FindByPort(ctx context.Context, hostPort int) ([]PortOccupant, error) {
	f := filters.NewArgs()
	f.Add("publish", strconv.Itoa(hostPort))

	containers, err := e.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("docker ContainerList (port filter): %w", err)
	}

	occupants := make([]PortOccupant, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		occupants = append(occupants, PortOccupant{
			Name:   name,
			Image:  c.Image,
			IsOurs: c.Labels[ManagedLabelKey] == ManagedLabelValue,
		})
	}
	return occupants, nil
}

// PullImage pulls an image via the SDK. It is not part of the Engine
// interface, and neither the composition root nor the Lifecycle
// Controller calls it.
func (e *SDKEngine) PullImage(ctx context.Context, img string) error {
	rc, err := e.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("docker ImagePull %s: %w", img, err)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
	return nil
}
