// Package portregistry is the Port Registry (C2): owns the dense host
// port range [basePort, maxPort], assigning a port to an appId and
// keeping it reserved across stops; release happens only on explicit
// removal. Grounded on the guarded-map idiom of
// pkg/unit/app/store.go's MemoryStore and on the port-conflict/ports-
// counter logic of pkg/infra/provider/hybrid_engine_provider.go.
package portregistry

import (
	"context"
	"errors"
	"sync"
)

// ErrNoPortsAvailable is returned by Allocate when every port in range
// is assigned and none can be freed without an explicit Release.
var ErrNoPortsAvailable = errors.New("no ports available")

// HostPortChecker reports whether a candidate host port is currently in
// use. The containerized path's implementation, EngineChecker,
// deliberately does not open a socket (the dev server itself will bind
// the port; racing a bind-check against it would be wrong) — it
// consults the engine driver's own view instead. The local-process
// runner has no engine to ask, and its checker test-binds the port.
type HostPortChecker interface {
	PortInUse(ctx context.Context, port int) (bool, error)
}

// Registry implements the Port Registry.
type Registry struct {
	mu       sync.Mutex
	basePort int
	maxPort  int
	checker  HostPortChecker
	byApp    map[string]int
	byPort   map[int]string
}

// New constructs a Registry over the inclusive range [basePort, maxPort].
func New(basePort, maxPort int, checker HostPortChecker) *Registry {
	return &Registry{
		basePort: basePort,
		maxPort:  maxPort,
		checker:  checker,
		byApp:    make(map[string]int),
		byPort:   make(map[int]string),
	}
}

// Allocate returns appId's assigned port, creating one if needed. If an
// assignment already exists and the port is still available on the
// host, it is reused; otherwise the lowest unassigned port whose host
// availability check passes is chosen deterministically. forceNew, when
// true, skips reuse of an existing assignment's port and always
// re-scans (used when the previously held port is known to be gone).
func (r *Registry) Allocate(ctx context.Context, appID string, forceNew bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byApp[appID]; ok && !forceNew {
		inUse, err := r.checker.PortInUse(ctx, existing)
		if err != nil {
			return 0, err
		}
		if !inUse {
			return existing, nil
		}
		// The held port is occupied by someone else; fall through to a
		// fresh scan, releasing the stale assignment first.
		delete(r.byPort, existing)
		delete(r.byApp, appID)
	}

	for port := r.basePort; port <= r.maxPort; port++ {
		if _, taken := r.byPort[port]; taken {
			continue
		}
		inUse, err := r.checker.PortInUse(ctx, port)
		if err != nil {
			return 0, err
		}
		if inUse {
			continue
		}
		r.byPort[port] = appID
		r.byApp[appID] = port
		return port, nil
	}

	return 0, ErrNoPortsAvailable
}

// Release removes appId's assignment, freeing its port.
func (r *Registry) Release(appID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if port, ok := r.byApp[appID]; ok {
		delete(r.byPort, port)
		delete(r.byApp, appID)
	}
}

// Reserve is a no-op: an assignment is kept after a container stops.
// It exists for clarity at call sites that want to state intent.
func (r *Registry) Reserve(appID string) {}

// Lookup returns appId's currently held port, if any.
func (r *Registry) Lookup(appID string) (port int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	port, ok = r.byApp[appID]
	return port, ok
}

// Count returns the number of live assignments, for boundary tests.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byApp)
}

// Record inserts a known (appId, port) pair directly, bypassing the
// availability scan. Used by the Reconciler on bootstrap to rebuild C2
// state from containers discovered already running.
func (r *Registry) Record(appID string, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byApp[appID]; ok {
		delete(r.byPort, old)
	}
	r.byApp[appID] = port
	r.byPort[port] = appID
}
