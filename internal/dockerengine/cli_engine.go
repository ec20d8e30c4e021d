package dockerengine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ManagedLabelKey/ManagedLabelValue mark every container this engine
// created, so FindByPort can report whether a port's occupant is one of
// ours or a foreign container sharing the engine (PortOccupant.IsOurs,
// for port-conflict diagnosis). List selects containers by name prefix,
// not by this label.
const (
	ManagedLabelKey   = "clc.managed"
	ManagedLabelValue = "true"
	ManagedLabel      = ManagedLabelKey + "=" + ManagedLabelValue
)

// CLIEngine drives the engine by shelling out to its CLI binary
// (docker or podman). This is the primary Engine Driver adapter: the
// spec mandates subprocess invocation specifically so one
// implementation serves both engines, since podman has no official Go
// SDK. Grounded on pkg/infra/docker/simple_client.go, generalized to
// select the binary by configuration.
type CLIEngine struct {
	bin string
}

// NewCLIEngine returns a CLIEngine driving the given binary name
// ("docker" or "podman").
func NewCLIEngine(bin string) *CLIEngine {
	return &CLIEngine{bin: bin}
}

var _ Engine = (*CLIEngine)(nil)

func (e *CLIEngine) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return out, fmt.Errorf("%w: %v", ErrEngineUnavailable, execErr)
		}
		return out, err
	}
	return out, nil
}

func (e *CLIEngine) List(ctx context.Context, prefix string) ([]ContainerRow, error) {
	out, err := e.run(ctx, "ps", "-a",
		"--filter", "name=^"+prefix,
		"--format", "{{.Names}}\t{{.Ports}}\t{{.Status}}\t{{.CreatedAt}}")
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	var rows []ContainerRow
	for _, line := range splitLines(out) {
		parts := strings.SplitN(line, "\t", 4)
		if len(parts) < 3 {
			continue
		}
		name := parts[0]
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		row := ContainerRow{
			Name:       name,
			Ports:      parsePorts(parts[1]),
			StatusText: parts[2],
		}
		if len(parts) == 4 {
			row.CreatedAt = parseDockerTime(parts[3])
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (e *CLIEngine) Inspect(ctx context.Context, name string) (*Container, error) {
	out, err := e.run(ctx, "inspect", "-f",
		"{{.State.Running}}\t{{.State.Status}}\t{{.Config.Image}}\t{{.State.StartedAt}}\t{{.State.ExitCode}}",
		name)
	if err != nil {
		if isNoSuchContainer(out) {
			return nil, nil
		}
		return nil, fmt.Errorf("inspect %s: %w", name, err)
	}

	fields := strings.SplitN(strings.TrimSpace(string(out)), "\t", 5)
	if len(fields) < 5 {
		return nil, fmt.Errorf("inspect %s: unexpected output %q", name, string(out))
	}
	exitCode, _ := strconv.Atoi(fields[4])

	c := &Container{
		Name:         name,
		Running:      fields[0] == "true",
		Status:       fields[1],
		Image:        fields[2],
		StartedAt:    parseDockerTime(fields[3]),
		LastExitCode: exitCode,
	}

	if ports, err := e.portMappings(ctx, name); err == nil {
		c.Ports = ports
	}

	return c, nil
}

func (e *CLIEngine) portMappings(ctx context.Context, name string) ([]PortBinding, error) {
	out, err := e.run(ctx, "port", name)
	if err != nil {
		return nil, err
	}
	var bindings []PortBinding
	for _, line := range splitLines(out) {
		// "3000/tcp -> 0.0.0.0:32100"
		parts := strings.SplitN(line, "->", 2)
		if len(parts) != 2 {
			continue
		}
		guest := strings.TrimSuffix(strings.TrimSpace(strings.SplitN(parts[0], "/", 2)[0]), "/")
		guestPort, err := strconv.Atoi(guest)
		if err != nil {
			continue
		}
		hostSide := strings.TrimSpace(parts[1])
		idx := strings.LastIndex(hostSide, ":")
		if idx < 0 {
			continue
		}
		hostPort, err := strconv.Atoi(hostSide[idx+1:])
		if err != nil {
			continue
		}
		bindings = append(bindings, PortBinding{HostPort: hostPort, GuestPort: guestPort})
	}
	return bindings, nil
}

func (e *CLIEngine) ImageExists(ctx context.Context, tag string) (bool, error) {
	_, err := e.run(ctx, "image", "inspect", tag)
	if err != nil {
		if errors.Is(err, ErrEngineUnavailable) {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (e *CLIEngine) Build(ctx context.Context, path, tag string) error {
	out, err := e.run(ctx, "build", "-t", tag, path)
	if err != nil {
		return &ImageBuildFailed{Tag: tag, Stderr: string(out)}
	}
	return nil
}

func (e *CLIEngine) Run(ctx context.Context, opts RunOptions) (RunHandle, error) {
	args := []string{"run", "-d", "--rm", "--name", opts.Name, "--label", ManagedLabel}

	for _, p := range opts.Ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", p.HostPort, p.GuestPort))
	}
	for _, v := range opts.Volumes {
		src := v.HostPath
		if src == "" {
			src = v.VolumeName
		}
		spec := fmt.Sprintf("%s:%s", src, v.GuestPath)
		if v.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	for _, kv := range opts.Env {
		args = append(args, "-e", kv)
	}
	for k, v := range opts.Labels {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, v))
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}

	args = append(args, opts.Image)
	args = append(args, opts.Command...)

	out, err := e.run(ctx, args...)
	if err != nil {
		if isPortConflict(out) {
			return RunHandle{}, fmt.Errorf("%w: %s", ErrPortConflict, string(out))
		}
		return RunHandle{}, &RunFailed{Name: opts.Name, Cause: fmt.Errorf("%s", string(out))}
	}

	id := strings.TrimSpace(string(out))
	return RunHandle{Name: opts.Name, ID: id}, nil
}

func (e *CLIEngine) Stop(ctx context.Context, name string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	if seconds < 0 {
		seconds = 0
	}
	out, err := e.run(ctx, "stop", "-t", strconv.Itoa(seconds), name)
	if err != nil && !isNoSuchContainer(out) {
		return fmt.Errorf("%w: stop %s: %s", ErrEngineTransient, name, string(out))
	}
	return nil
}

func (e *CLIEngine) Rm(ctx context.Context, name string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, name)
	out, err := e.run(ctx, args...)
	if err != nil && !isNoSuchContainer(out) {
		return fmt.Errorf("rm %s: %s", name, string(out))
	}
	return nil
}

func (e *CLIEngine) Exec(ctx context.Context, name string, argv []string) (int, string, string, error) {
	args := append([]string{"exec", name}, argv...)
	cmd := exec.CommandContext(ctx, e.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return 0, stdout.String(), stderr.String(), nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), stdout.String(), stderr.String(), nil
	}
	return -1, stdout.String(), stderr.String(), fmt.Errorf("%w: exec %s: %v", ErrEngineUnavailable, name, err)
}

var statsLineRe = regexp.MustCompile(`^([\d.]+)%\t(.+)$`)

func (e *CLIEngine) Stats(ctx context.Context, name string) (Stats, error) {
	out, err := e.run(ctx, "stats", "--no-stream", "--format", "{{.MemPerc}}\t{{.NetIO}}", name)
	if err != nil {
		return Stats{}, fmt.Errorf("stats %s: %w", name, err)
	}
	line := strings.TrimSpace(string(out))
	m := statsLineRe.FindStringSubmatch(line)
	if m == nil {
		return Stats{}, fmt.Errorf("stats %s: unexpected output %q", name, line)
	}
	memPct, _ := strconv.ParseFloat(m[1], 64)
	rx, tx, err := ParseNetIO(m[2])
	if err != nil {
		return Stats{}, fmt.Errorf("stats %s: %w", name, err)
	}
	return Stats{MemPercent: memPct, RxBytes: rx, TxBytes: tx}, nil
}

func (e *CLIEngine) Logs(ctx context.Context, name string, opts LogOptions) (string, error) {
	args := []string{"logs"}
	if opts.Tail > 0 {
		args = append(args, "--tail", strconv.Itoa(opts.Tail))
	}
	if !opts.Since.IsZero() {
		args = append(args, "--since", opts.Since.Format(time.RFC3339))
	}
	args = append(args, name)
	out, err := e.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("logs %s: %w", name, err)
	}
	return string(out), nil
}

type cliLineIterator struct {
	lines  chan string
	errCh  chan error
	cancel context.CancelFunc
}

func (it *cliLineIterator) Next() (string, error) {
	line, ok := <-it.lines
	if !ok {
		if err, ok := <-it.errCh; ok {
			return "", err
		}
		return "", io.EOF
	}
	return line, nil
}

func (it *cliLineIterator) Close() error {
	it.cancel()
	return nil
}

func (e *CLIEngine) StreamLogs(ctx context.Context, name string, opts LogOptions) (LineIterator, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	args := []string{"logs", "-f", "--tail", strconv.Itoa(opts.Tail)}
	if !opts.Since.IsZero() {
		args = append(args, "--since", opts.Since.Format(time.RFC3339))
	}
	args = append(args, name)

	cmd := exec.CommandContext(streamCtx, e.bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("logs pipe %s: %w", name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("logs stderr pipe %s: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("logs start %s: %w", name, err)
	}

	it := &cliLineIterator{
		lines:  make(chan string, 64),
		errCh:  make(chan error, 1),
		cancel: cancel,
	}

	forward := func(r *bufio.Scanner) {
		for r.Scan() {
			select {
			case it.lines <- r.Text():
			case <-streamCtx.Done():
				return
			}
		}
	}

	go forward(bufio.NewScanner(stdout))
	go forward(bufio.NewScanner(stderr))

	go func() {
		_ = cmd.Wait()
		close(it.lines)
		close(it.errCh)
	}()

	return it, nil
}

func (e *CLIEngine) Events(ctx context.Context, name string) ([]Event, error) {
	out, err := e.run(ctx, "events",
		"--since", "24h",
		"--until", "0s",
		"--filter", "container="+name,
		"--format", "{{.Action}}\t{{.Time}}")
	if err != nil {
		// The engine may not support historical queries; spec allows
		// falling back to empty rather than failing the caller.
		return []Event{}, nil
	}
	var events []Event
	for _, line := range splitLines(out) {
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		unixSec, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		events = append(events, Event{Type: parts[0], At: time.Unix(unixSec, 0)})
	}
	return events, nil
}

func (e *CLIEngine) FindByPort(ctx context.Context, hostPort int) ([]PortOccupant, error) {
	out, err := e.run(ctx, "ps", "-a",
		"--filter", fmt.Sprintf("publish=%d", hostPort),
		"--format", "{{.Names}}\t{{.Image}}\t{{.Labels}}")
	if err != nil {
		return nil, fmt.Errorf("find by port %d: %w", hostPort, err)
	}
	var occupants []PortOccupant
	for _, line := range splitLines(out) {
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) < 2 {
			continue
		}
		labels := ""
		if len(parts) == 3 {
			labels = parts[2]
		}
		occupants = append(occupants, PortOccupant{
			Name:   parts[0],
			Image:  parts[1],
			IsOurs: strings.Contains(labels, ManagedLabel),
		})
	}
	return occupants, nil
}

// ParseNetIO parses the engine's human-readable net-I/O pair, e.g.
// "1.2kB / 3.4kB", with {k,m,g}b suffixes as powers of 1024.
func ParseNetIO(s string) (rx, tx int64, err error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed net io %q", s)
	}
	rx, err = parseByteSize(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	tx, err = parseByteSize(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, err
	}
	return rx, tx, nil
}

var byteSizeRe = regexp.MustCompile(`(?i)^([\d.]+)\s*([kmg]?b)$`)

func parseByteSize(s string) (int64, error) {
	m := byteSizeRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("malformed byte size %q", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, err
	}
	var mult float64 = 1
	switch strings.ToLower(m[2]) {
	case "kb":
		mult = 1024
	case "mb":
		mult = 1024 * 1024
	case "gb":
		mult = 1024 * 1024 * 1024
	}
	return int64(value * mult), nil
}

var portsColRe = regexp.MustCompile(`(?:\d+\.\d+\.\d+\.\d+|\[[^\]]*\]|\*)?:(\d+)->(\d+)/tcp`)

func parsePorts(col string) []PortBinding {
	var out []PortBinding
	seen := map[int]bool{}
	for _, m := range portsColRe.FindAllStringSubmatch(col, -1) {
		host, err1 := strconv.Atoi(m[1])
		guest, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil || seen[host] {
			continue
		}
		seen[host] = true
		out = append(out, PortBinding{HostPort: host, GuestPort: guest})
	}
	return out
}

func parseDockerTime(s string) time.Time {
	layouts := []string{
		"2006-01-02 15:04:05 -0700 MST",
		time.RFC3339,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t
		}
	}
	return time.Time{}
}

func isNoSuchContainer(out []byte) bool {
	return strings.Contains(strings.ToLower(string(out)), "no such container")
}

func isPortConflict(out []byte) bool {
	lower := strings.ToLower(string(out))
	return strings.Contains(lower, "port is already allocated") ||
		strings.Contains(lower, "address already in use")
}

func splitLines(b []byte) []string {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}
