// Package reconciler is the Reconciler (C5): a periodic task (and one
// bootstrap pass) that walks the Engine Driver, rebuilds the Port
// Registry and Activity Tracker's view of the world, and triggers idle
// reaps. It holds no durable state of its own; every cycle re-derives
// what it needs from the engine, which is how the controller survives
// a process restart without a persistence layer. Grounded on
// Will-Luck-Docker-Sentinel/internal/engine/scheduler.go's initial-scan
// + select-driven periodic loop with a non-reentrant timer and a reset
// channel.
package reconciler

import (
	"context"
	"time"

	"github.com/dyad-run/clc/internal/activity"
	"github.com/dyad-run/clc/internal/clock"
	"github.com/dyad-run/clc/internal/dockerengine"
	"github.com/dyad-run/clc/internal/lifecycle"
	"github.com/dyad-run/clc/internal/logx"
	"github.com/dyad-run/clc/internal/portregistry"
)

// idleSlack pads the synthetic lastActivityAt assigned to a stopped
// orphan discovered at bootstrap, so its recorded inactivity already
// exceeds T_idle. Bootstrap never stops or removes it, and TickOnce only
// considers running containers, so the reconciler does not reap or
// remove a stopped orphan.
const idleSlack = 5 * time.Second

// Reconciler drives bootstrap rediscovery and periodic idle reaping for
// the containerized Lifecycle Controller. It is meaningless for
// NullController and localrunner.Controller, neither of which has an
// external engine to rediscover state from.
type Reconciler struct {
	engine      dockerengine.Engine
	controller  *lifecycle.DockerController
	ports       *portregistry.Registry
	activity    *activity.Tracker
	clock       clock.Clock
	interval    time.Duration
	idleTimeout time.Duration

	resetCh chan struct{}
}

// New constructs a Reconciler. interval is the periodic tick period
// (spec default 2 minutes); idleTimeout is T_idle, used only to compute
// the synthetic lastActivityAt backdating for orphans found stopped at
// bootstrap.
func New(engine dockerengine.Engine, controller *lifecycle.DockerController, ports *portregistry.Registry, tracker *activity.Tracker, clk clock.Clock, interval, idleTimeout time.Duration) *Reconciler {
	return &Reconciler{
		engine:      engine,
		controller:  controller,
		ports:       ports,
		activity:    tracker,
		clock:       clk,
		interval:    interval,
		idleTimeout: idleTimeout,
		resetCh:     make(chan struct{}, 1),
	}
}

// Run performs the bootstrap pass immediately, then ticks at interval
// until ctx is cancelled. It must not be run concurrently with itself;
// callers should invoke Run from a single goroutine.
func (r *Reconciler) Run(ctx context.Context) error {
	logx.WithContext(ctx).Info("reconciler: starting bootstrap scan")
	if err := r.Bootstrap(ctx); err != nil {
		logx.WithContext(ctx).Warn("reconciler: bootstrap scan failed", "error", err)
	}

	for {
		select {
		case <-r.clock.After(r.interval):
			r.TickOnce(ctx)
		case <-r.resetCh:
			// Interval changed; the loop above re-reads r.interval on its
			// next iteration.
		case <-ctx.Done():
			logx.WithContext(ctx).Info("reconciler: stopped")
			return nil
		}
	}
}

// SetInterval updates the tick period at runtime and wakes the run
// loop so the new interval takes effect on its next wait.
func (r *Reconciler) SetInterval(d time.Duration) {
	r.interval = d
	select {
	case r.resetCh <- struct{}{}:
	default:
	}
}

// Bootstrap implements spec.md §4.5's bootstrap pass: list every
// engine-managed container, rebuild the Port Registry's assignments,
// and seed the Lifecycle Controller's and Activity Tracker's state for
// each one so nothing already running gets accidentally restarted or
// immediately reaped.
func (r *Reconciler) Bootstrap(ctx context.Context) error {
	rows, err := r.engine.List(ctx, lifecycle.ContainerPrefix)
	if err != nil {
		return err
	}

	now := r.clock.Now()
	for _, row := range rows {
		appID, ok := lifecycle.AppIDFromContainerName(row.Name)
		if !ok {
			continue
		}
		port := 0
		if len(row.Ports) > 0 {
			port = row.Ports[0].HostPort
		}
		running := row.StatusText == "running"

		if port != 0 {
			r.ports.Record(appID, port)
		}

		r.controller.Seed(appID, port, "", now, running)

		if running {
			r.activity.TouchAt(appID, now)
		} else {
			r.activity.TouchAt(appID, now.Add(-r.idleTimeout-idleSlack))
		}
	}
	return nil
}

// TickOnce re-lists every engine-managed container and asks the
// controller to reap each running one if it meets the idle predicate.
// Reap errors are logged and do not abort the tick; the next tick
// retries (spec.md §4.5, §7 error propagation policy).
func (r *Reconciler) TickOnce(ctx context.Context) {
	rows, err := r.engine.List(ctx, lifecycle.ContainerPrefix)
	if err != nil {
		logx.WithContext(ctx).Warn("reconciler: tick list failed", "error", err)
		return
	}

	for _, row := range rows {
		if row.StatusText != "running" {
			continue
		}
		appID, ok := lifecycle.AppIDFromContainerName(row.Name)
		if !ok {
			continue
		}
		reaped, err := r.controller.ReapIfIdle(ctx, appID)
		if err != nil {
			logx.WithContext(ctx).Warn("reconciler: reap failed", "app_id", appID, "error", err)
			continue
		}
		if reaped {
			logx.WithContext(ctx).Info("reconciler: reaped idle app", "app_id", appID)
		}
	}
}
