package dockerengine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// mockContainer is the in-memory record backing a MockEngine entry.
type mockContainer struct {
	name      string
	image     string
	running   bool
	ports     []PortBinding
	labels    map[string]string
	startedAt time.Time
	exitCode  int
	events    []Event
}

// MockEngine is an in-memory fake Engine for unit tests of C2-C5
// without a real container runtime. Grounded on
// pkg/infra/docker/mock.go, keyed by container name (matching this
// repo's Engine interface) rather than a synthesized container ID.
type MockEngine struct {
	mu            sync.Mutex
	containers    map[string]*mockContainer
	images        map[string]bool
	statsOverride map[string]Stats
	logsOverride  map[string]string
	now           func() time.Time
}

// NewMockEngine returns an empty MockEngine. now defaults to time.Now
// if nil; tests can supply a fixed clock.
func NewMockEngine(now func() time.Time) *MockEngine {
	if now == nil {
		now = time.Now
	}
	return &MockEngine{
		containers:    make(map[string]*mockContainer),
		images:        make(map[string]bool),
		statsOverride: make(map[string]Stats),
		logsOverride:  make(map[string]string),
		now:           now,
	}
}

// SetStats sets the next Stats() sample returned for name, letting
// tests simulate engine-reported net-I/O deltas for the Activity
// Tracker without a real container runtime.
func (e *MockEngine) SetStats(name string, s Stats) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statsOverride[name] = s
}

var _ Engine = (*MockEngine)(nil)

// SeedRunning inserts a pre-existing running container directly into
// the fake engine's state, for Reconciler bootstrap-rediscovery tests.
func (e *MockEngine) SeedRunning(name, image string, ports []PortBinding, startedAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.containers[name] = &mockContainer{
		name:      name,
		image:     image,
		running:   true,
		ports:     ports,
		labels:    map[string]string{"clc.managed": "true"},
		startedAt: startedAt,
	}
}

func (e *MockEngine) List(ctx context.Context, prefix string) ([]ContainerRow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var rows []ContainerRow
	for name, c := range e.containers {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		status := "exited"
		if c.running {
			status = "running"
		}
		rows = append(rows, ContainerRow{
			Name:       name,
			Ports:      c.ports,
			StatusText: status,
			CreatedAt:  c.startedAt,
		})
	}
	return rows, nil
}

func (e *MockEngine) Inspect(ctx context.Context, name string) (*Container, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[name]
	if !ok {
		return nil, nil
	}
	status := "exited"
	if c.running {
		status = "running"
	}
	return &Container{
		Name:         name,
		Image:        c.image,
		Running:      c.running,
		Status:       status,
		Ports:        c.ports,
		StartedAt:    c.startedAt,
		LastExitCode: c.exitCode,
	}, nil
}

func (e *MockEngine) ImageExists(ctx context.Context, tag string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.images[tag], nil
}

func (e *MockEngine) Build(ctx context.Context, path, tag string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.images[tag] = true
	return nil
}

func (e *MockEngine) Run(ctx context.Context, opts RunOptions) (RunHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for other, c := range e.containers {
		if other == opts.Name || !c.running {
			continue
		}
		for _, existing := range c.ports {
			for _, wanted := range opts.Ports {
				if existing.HostPort == wanted.HostPort {
					return RunHandle{}, fmt.Errorf("%w: host port %d already published by %s", ErrPortConflict, wanted.HostPort, other)
				}
			}
		}
	}

	labels := map[string]string{"clc.managed": "true"}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	e.containers[opts.Name] = &mockContainer{
		name:      opts.Name,
		image:     opts.Image,
		running:   true,
		ports:     opts.Ports,
		labels:    labels,
		startedAt: e.now(),
		events:    []Event{{Type: "start", At: e.now()}},
	}
	return RunHandle{Name: opts.Name, ID: "mock-" + opts.Name}, nil
}

func (e *MockEngine) Stop(ctx context.Context, name string, grace time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[name]
	if !ok {
		return nil
	}
	c.running = false
	c.events = append(c.events, Event{Type: "stop", At: e.now()})
	return nil
}

func (e *MockEngine) Rm(ctx context.Context, name string, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[name]
	if !ok {
		return nil
	}
	if c.running && !force {
		return fmt.Errorf("cannot remove running container %s", name)
	}
	delete(e.containers, name)
	return nil
}

func (e *MockEngine) Exec(ctx context.Context, name string, argv []string) (int, string, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.containers[name]; !ok {
		return -1, "", "", ErrNotFound
	}
	return 0, fmt.Sprintf("executed %v in %s", argv, name), "", nil
}

func (e *MockEngine) Stats(ctx context.Context, name string) (Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.containers[name]; !ok {
		return Stats{}, ErrNotFound
	}
	if s, ok := e.statsOverride[name]; ok {
		return s, nil
	}
	return Stats{MemPercent: 1.0}, nil
}

func (e *MockEngine) Logs(ctx context.Context, name string, opts LogOptions) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.containers[name]; !ok {
		return "", ErrNotFound
	}
	if text, ok := e.logsOverride[name]; ok {
		return text, nil
	}
	return fmt.Sprintf("mock logs for %s", name), nil
}

// SetLogs sets the next Logs() text returned for name, letting tests
// simulate a readiness token appearing in container output without a
// real dev server.
func (e *MockEngine) SetLogs(name, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logsOverride[name] = text
}

type mockLineIterator struct {
	lines []string
	i     int
}

func (it *mockLineIterator) Next() (string, error) {
	if it.i >= len(it.lines) {
		return "", io.EOF
	}
	line := it.lines[it.i]
	it.i++
	return line, nil
}

func (it *mockLineIterator) Close() error { return nil }

func (e *MockEngine) StreamLogs(ctx context.Context, name string, opts LogOptions) (LineIterator, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.containers[name]; !ok {
		return nil, ErrNotFound
	}
	return &mockLineIterator{lines: []string{fmt.Sprintf("mock stream line for %s", name)}}, nil
}

func (e *MockEngine) Events(ctx context.Context, name string) ([]Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[name]
	if !ok {
		return []Event{}, nil
	}
	return append([]Event(nil), c.events...), nil
}

func (e *MockEngine) FindByPort(ctx context.Context, hostPort int) ([]PortOccupant, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var occupants []PortOccupant
	for _, c := range e.containers {
		if !c.running {
			continue
		}
		for _, p := range c.ports {
			if p.HostPort == hostPort {
				occupants = append(occupants, PortOccupant{
					Name:   c.name,
					Image:  c.image,
					IsOurs: c.labels["clc.managed"] == "true",
				})
			}
		}
	}
	return occupants, nil
}
