// Package activity is the Activity Tracker (C3): per-appId last-known
// activity timestamps and a short-lived network-I/O baseline used to
// detect change rather than absolute load. The (rx, tx) byte counts it
// compares are parsed by dockerengine.ParseNetIO, which is grounded on
// the teacher's memory-string parser parseMemory in
// pkg/infra/docker/sdk_client.go, generalized from one value/suffix
// pair to the two (rx, tx) values docker stats reports.
package activity

import (
	"sync"
	"time"

	"github.com/dyad-run/clc/internal/clock"
)

// NetIO is a single (rx, tx) sample taken at t.
type NetIO struct {
	RxBytes int64
	TxBytes int64
	At      time.Time
}

// record is the guarded per-appId state.
type record struct {
	lastActivityAt time.Time
	lastNetIO      NetIO
	haveBaseline   bool
}

// Tracker maintains lastActivityAt[appId] and lastNetIO[appId]. Touches
// are commutative and idempotent: the stored timestamp only ever moves
// forward.
type Tracker struct {
	mu               sync.Mutex
	clock            clock.Clock
	netIODeltaThresh int64
	records          map[string]*record
}

// New constructs a Tracker. netIODeltaThreshold is the minimum
// rx-or-tx delta, in bytes, between consecutive samples that counts as
// activity (spec default 51200 / 50 KiB).
func New(c clock.Clock, netIODeltaThreshold int64) *Tracker {
	return &Tracker{
		clock:            c,
		netIODeltaThresh: netIODeltaThreshold,
		records:          make(map[string]*record),
	}
}

func (t *Tracker) recordFor(appID string) *record {
	r, ok := t.records[appID]
	if !ok {
		r = &record{}
		t.records[appID] = r
	}
	return r
}

// Touch records explicit activity for appId (called by the Lifecycle
// Controller on every public operation against it). The stored
// timestamp only moves forward.
func (t *Tracker) Touch(appID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	r := t.recordFor(appID)
	if now.After(r.lastActivityAt) {
		r.lastActivityAt = now
	}
}

// TouchAt is Touch with an explicit timestamp, used by the Reconciler
// to seed a rediscovered appId's baseline without going through the
// tracker's own clock (spec.md §4.5 item 3: running rows get `now`,
// stopped orphans get `now - T_idle - slack`).
func (t *Tracker) TouchAt(appID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.recordFor(appID)
	if at.After(r.lastActivityAt) {
		r.lastActivityAt = at
	}
}

// Sample records a fresh net-I/O reading for appId and reports whether
// it counts as activity. The very first sample after (re)discovery has
// no baseline to compare against; per spec it MUST be treated as
// active, refreshing lastActivityAt, so a just-booted or just-
// rediscovered container is never reaped on its first cycle.
func (t *Tracker) Sample(appID string, sample NetIO) (active bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.recordFor(appID)

	if !r.haveBaseline {
		r.lastNetIO = sample
		r.haveBaseline = true
		if sample.At.After(r.lastActivityAt) {
			r.lastActivityAt = sample.At
		}
		return true
	}

	rxDelta := sample.RxBytes - r.lastNetIO.RxBytes
	txDelta := sample.TxBytes - r.lastNetIO.TxBytes
	r.lastNetIO = sample

	if rxDelta >= t.netIODeltaThresh || txDelta >= t.netIODeltaThresh {
		if sample.At.After(r.lastActivityAt) {
			r.lastActivityAt = sample.At
		}
		return true
	}
	return false
}

// LastActivityAt returns the stored timestamp for appId, or the zero
// time if nothing has been recorded yet.
func (t *Tracker) LastActivityAt(appID string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[appID]
	if !ok {
		return time.Time{}
	}
	return r.lastActivityAt
}

// InactiveFor reports how long appId has gone without recorded
// activity, relative to the tracker's clock.
func (t *Tracker) InactiveFor(appID string) time.Duration {
	last := t.LastActivityAt(appID)
	if last.IsZero() {
		return 0
	}
	return t.clock.Since(last)
}

// Forget drops all state for appId (called on remove()).
func (t *Tracker) Forget(appID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, appID)
}
