// Package dockerengine is the Engine Driver (C1): an adapter over an
// external container engine (docker or podman) exposing the imperative
// primitives the Lifecycle Controller and Reconciler need. Concrete
// engines are interchangeable variants of the Engine interface chosen
// by configuration, never a deprecated wrapper coexisting with a
// generic one.
package dockerengine

import (
	"context"
	"io"
	"time"
)

// ContainerRow is one row of a list() enumeration.
type ContainerRow struct {
	Name       string
	Ports      []PortBinding
	StatusText string
	CreatedAt  time.Time
}

// PortBinding is a single host->guest port publication.
type PortBinding struct {
	HostPort  int
	GuestPort int
}

// Container is the resolved state of a single container, as returned
// by inspect().
type Container struct {
	Name         string
	Image        string
	Running      bool
	Status       string
	Ports        []PortBinding
	StartedAt    time.Time
	LastExitCode int
}

// RunOptions describes how to create and start a container.
type RunOptions struct {
	Name    string
	Image   string
	Ports   []PortBinding
	Volumes []VolumeMount
	Env     []string
	WorkDir string
	Command []string
	Labels  map[string]string
}

// VolumeMount is either a bind mount (HostPath set) or a named volume
// (VolumeName set).
type VolumeMount struct {
	HostPath   string
	VolumeName string
	GuestPath  string
	ReadOnly   bool
}

// RunHandle identifies the container created by run().
type RunHandle struct {
	Name string
	ID   string
}

// LogOptions controls logs()/streamLogs().
type LogOptions struct {
	Tail   int
	Since  time.Time
	Follow bool
}

// Stats is a single non-streaming resource sample.
type Stats struct {
	MemPercent float64
	RxBytes    int64
	TxBytes    int64
}

// Event is one lifecycle record as reported by the engine, or
// synthesized by a fallback when the engine has none.
type Event struct {
	Type string
	At   time.Time
}

// Engine is the single capability set every concrete engine
// implements: list, inspect, run, stop, rm, exec, logs, streamLogs,
// stats, events, imageExists, build.
type Engine interface {
	// List enumerates every container whose name starts with prefix.
	List(ctx context.Context, prefix string) ([]ContainerRow, error)
	// Inspect resolves current state, or (nil, nil) if absent.
	Inspect(ctx context.Context, name string) (*Container, error)
	// ImageExists reports whether tag is present locally.
	ImageExists(ctx context.Context, tag string) (bool, error)
	// Build performs an idempotent tag build from the Dockerfile/context
	// at path. Fails loudly with captured stderr on nonzero exit.
	Build(ctx context.Context, path, tag string) error
	// Run creates and starts a detached, auto-removing container.
	Run(ctx context.Context, opts RunOptions) (RunHandle, error)
	// Stop is idempotent: stopping an absent target is success.
	Stop(ctx context.Context, name string, grace time.Duration) error
	// Rm is idempotent: removing an absent target is success.
	Rm(ctx context.Context, name string, force bool) error
	// Exec runs argv inside the running container and captures output.
	Exec(ctx context.Context, name string, argv []string) (exitCode int, stdout, stderr string, err error)
	// Stats takes a single non-streaming resource sample.
	Stats(ctx context.Context, name string) (Stats, error)
	// Logs returns buffered historical output.
	Logs(ctx context.Context, name string, opts LogOptions) (string, error)
	// StreamLogs returns a line iterator; cancelling ctx tears the
	// stream down without affecting the container.
	StreamLogs(ctx context.Context, name string, opts LogOptions) (LineIterator, error)
	// Events returns lifecycle history from the engine if available,
	// else an empty slice.
	Events(ctx context.Context, name string) ([]Event, error)
	// FindByPort locates any container (engine-managed or foreign)
	// currently publishing hostPort, for port-conflict diagnosis.
	FindByPort(ctx context.Context, hostPort int) ([]PortOccupant, error)
}

// PortOccupant describes a container found bound to a contended port.
type PortOccupant struct {
	Name   string
	Image  string
	IsOurs bool
}

// LineIterator is a pull iterator over log lines, closed by Close.
// Next returns io.EOF when the stream ends (non-follow) or when ctx is
// cancelled (follow).
type LineIterator interface {
	Next() (line string, err error)
	Close() error
}

var _ io.Closer = LineIterator(nil)
