// Package requestmetrics tracks HTTP request counts, latency, and
// errors for internal/httpapi, exposed at GET /metrics as a JSON
// snapshot. Grounded on pkg/infra/metrics/request_metrics.go's
// lock-free atomic counters, broken out per route (and per appId for
// errors) since a controller serving many apps over a handful of
// fixed routes needs to tell "start is slow" apart from "app-7 keeps
// failing" rather than one blended total.
package requestmetrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// routeCounters holds the atomic counters for a single route.
type routeCounters struct {
	totalRequests  atomic.Int64
	totalErrors    atomic.Int64
	totalLatencyMs atomic.Int64
}

// RequestMetrics tracks HTTP request counts, latency, and errors,
// broken down by route. Per-appId error counts are tracked separately
// since the routes are a fixed, small set but appIds churn as apps
// start and stop; Forget prunes an app's entry when the app is removed,
// and an appId that is never removed (including one the controller
// never knew about) keeps its entry.
type RequestMetrics struct {
	mu        sync.RWMutex
	routes    map[string]*routeCounters
	appErrors map[string]*atomic.Int64
}

// New creates a new RequestMetrics instance.
func New() *RequestMetrics {
	return &RequestMetrics{
		routes:    make(map[string]*routeCounters),
		appErrors: make(map[string]*atomic.Int64),
	}
}

// Record records a completed request against route (e.g. "POST
// /apps/{appId}/start"). appID is the path's appId, or "" for
// app-agnostic routes such as /healthz; isError indicates whether the
// request failed.
func (m *RequestMetrics) Record(route string, appID string, latency time.Duration, isError bool) {
	rc := m.routeCounters(route)
	rc.totalRequests.Add(1)
	rc.totalLatencyMs.Add(latency.Milliseconds())
	if isError {
		rc.totalErrors.Add(1)
		if appID != "" {
			m.appErrorCounter(appID).Add(1)
		}
	}
}

// Forget drops appID's error counter, called when the controller
// removes an app so the map doesn't retain entries for apps that no
// longer exist.
func (m *RequestMetrics) Forget(appID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.appErrors, appID)
}

func (m *RequestMetrics) routeCounters(route string) *routeCounters {
	m.mu.RLock()
	rc, ok := m.routes[route]
	m.mu.RUnlock()
	if ok {
		return rc
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rc, ok := m.routes[route]; ok {
		return rc
	}
	rc = &routeCounters{}
	m.routes[route] = rc
	return rc
}

func (m *RequestMetrics) appErrorCounter(appID string) *atomic.Int64 {
	m.mu.RLock()
	c, ok := m.appErrors[appID]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.appErrors[appID]; ok {
		return c
	}
	c = &atomic.Int64{}
	m.appErrors[appID] = c
	return c
}

// Snapshot returns a point-in-time snapshot of every route's counters
// plus the controller-wide totals and per-app error counts.
func (m *RequestMetrics) Snapshot() RequestSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := RequestSnapshot{
		Routes:    make(map[string]RouteSnapshot, len(m.routes)),
		AppErrors: make(map[string]int64, len(m.appErrors)),
	}
	for route, rc := range m.routes {
		rs := RouteSnapshot{
			TotalRequests:  rc.totalRequests.Load(),
			TotalErrors:    rc.totalErrors.Load(),
			TotalLatencyMs: rc.totalLatencyMs.Load(),
		}
		snap.Routes[route] = rs
		snap.TotalRequests += rs.TotalRequests
		snap.TotalErrors += rs.TotalErrors
		snap.TotalLatencyMs += rs.TotalLatencyMs
	}
	for appID, c := range m.appErrors {
		snap.AppErrors[appID] = c.Load()
	}
	return snap
}

// RouteSnapshot is an immutable snapshot of one route's counters.
type RouteSnapshot struct {
	TotalRequests  int64
	TotalErrors    int64
	TotalLatencyMs int64
}

// RequestSnapshot is an immutable snapshot of request metrics at a
// point in time, broken down per route and per appId. Raw counters are
// exposed so callers can compute rates and averages themselves.
type RequestSnapshot struct {
	TotalRequests  int64
	TotalErrors    int64
	TotalLatencyMs int64
	Routes         map[string]RouteSnapshot
	AppErrors      map[string]int64
}
