// Package scheduler runs the 1Hz loop that decides, for every job in the
// current config snapshot, whether it is time to dispatch.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/odpf/salt/log"
	gocache "github.com/patrickmn/go-cache"

	"github.com/odpf/saltpeter/config"
	"github.com/odpf/saltpeter/core/job"
	"github.com/odpf/saltpeter/core/state"
	"github.com/odpf/saltpeter/dispatch"
	"github.com/odpf/saltpeter/monitor"
	"github.com/odpf/saltpeter/schedule"
)

const (
	tickInterval            = time.Second
	maintenanceLogThrottle  = 20 * time.Second
)

// Loop ticks every second and, for each job in the config loader's
// current snapshot, advances its next_run and dispatches when due.
type Loop struct {
	Config     *config.Loader
	State      *state.SchedulerState
	Dispatcher *dispatch.Dispatcher
	Monitor    *monitor.Monitor
	Logger     log.Logger

	mu         sync.Mutex
	nextRun    map[string]time.Time
	matchers   map[string]*schedule.Matcher
	scheduleOf map[string]job.Schedule
	throttle   *gocache.Cache
}

func New(cfg *config.Loader, s *state.SchedulerState, d *dispatch.Dispatcher, m *monitor.Monitor, logger log.Logger) *Loop {
	return &Loop{
		Config:     cfg,
		State:      s,
		Dispatcher: d,
		Monitor:    m,
		Logger:     logger,
		nextRun:    map[string]time.Time{},
		matchers:   map[string]*schedule.Matcher{},
		scheduleOf: map[string]job.Schedule{},
		throttle:   gocache.New(maintenanceLogThrottle, 2*maintenanceLogThrottle),
	}
}

// Run blocks ticking once per second until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	snap := l.Config.Snapshot()
	now := time.Now()

	if snap.Maintenance.Global {
		l.logMaintenanceThrottled()
		return
	}

	for name, def := range snap.Jobs {
		l.tickJob(ctx, name, def, snap.Maintenance, now)
	}
}

func (l *Loop) tickJob(ctx context.Context, name string, def *job.Definition, maintenance job.MaintenanceConfig, now time.Time) {
	matcher, err := l.matcherFor(name, def)
	if err != nil {
		l.Logger.Error("scheduler: invalid schedule, skipping job", "job", name, "error", err)
		return
	}

	lock := l.State.LockJob(name)
	lock.Lock()

	next, hasNext := l.getNextRun(name)
	if !hasNext {
		computed, err := matcher.Next(now)
		lock.Unlock()
		if err != nil {
			l.Logger.Error("scheduler: cannot compute next run, skipping job", "job", name, "error", err)
			return
		}
		l.setNextRun(name, computed)
		return
	}

	if now.Before(next) {
		lock.Unlock()
		return
	}
	if l.State.IsOverlapping(name) {
		lock.Unlock()
		return
	}

	computed, err := matcher.Next(now)
	if err != nil {
		lock.Unlock()
		l.Logger.Error("scheduler: cannot compute next run after dispatch", "job", name, "error", err)
		return
	}
	l.setNextRun(name, computed)

	// Claim the overlap flag before handing dispatch off so a second
	// tick landing before the goroutine's AddInstance call can never
	// see this job as free. If dispatch ends up creating no instance
	// (no eligible targets, or outright failure), dispatchAsync clears
	// the claim itself; a successful dispatch's own AddInstance/
	// RemoveInstance pair then owns the flag as usual.
	l.State.SetOverlapping(name, true)
	l.State.SetLastRun(name, now)
	lock.Unlock()

	go l.dispatchAsync(ctx, name, def, maintenance)
}

// dispatchAsync runs the dispatcher off the sequential tick goroutine so
// a slow or unreachable bus stalls only this job's dispatch, never the
// scheduler's ability to service every other job on the next tick.
func (l *Loop) dispatchAsync(ctx context.Context, name string, def *job.Definition, maintenance job.MaintenanceConfig) {
	ri := l.dispatch(ctx, def, maintenance)
	if ri != nil {
		l.Monitor.Watch(ctx, ri)
		return
	}
	l.State.SetOverlapping(name, false)
}

// dispatch runs the dispatcher and returns the RunningInstance it
// registered, if any, so the caller can start monitoring it. Dispatch
// registers the instance itself (if it creates one); this just looks it
// up afterward since Dispatch doesn't return it directly.
func (l *Loop) dispatch(ctx context.Context, def *job.Definition, maintenance job.MaintenanceConfig) *state.RunningInstance {
	before := map[string]bool{}
	for _, ri := range l.State.RunningInstances() {
		before[ri.JobInstanceID] = true
	}

	if err := l.Dispatcher.Dispatch(ctx, def, maintenance); err != nil {
		l.Logger.Error("scheduler: dispatch failed", "job", def.Name, "error", err)
	}

	for _, ri := range l.State.RunningInstances() {
		if ri.JobName == def.Name && !before[ri.JobInstanceID] {
			return ri
		}
	}
	return nil
}

// matcherFor recompiles and recaches the matcher for name whenever the
// job's schedule has changed since the last tick, so a hot-reloaded
// schedule edit takes effect without recomputing next_run spuriously on
// every tick in between.
func (l *Loop) matcherFor(name string, def *job.Definition) (*schedule.Matcher, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.matchers[name]; ok && l.scheduleOf[name] == def.Schedule {
		return m, nil
	}
	m, err := schedule.Compile(def.Schedule)
	if err != nil {
		return nil, err
	}
	l.matchers[name] = m
	l.scheduleOf[name] = def.Schedule
	delete(l.nextRun, name)
	return m, nil
}

func (l *Loop) getNextRun(name string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.nextRun[name]
	return t, ok
}

func (l *Loop) setNextRun(name string, t time.Time) {
	l.mu.Lock()
	l.nextRun[name] = t
	l.mu.Unlock()
	l.State.SetNextRun(name, t)
}

func (l *Loop) logMaintenanceThrottled() {
	const key = "global-maintenance"
	if _, found := l.throttle.Get(key); found {
		return
	}
	l.throttle.Set(key, true, gocache.DefaultExpiration)
	l.Logger.Info("scheduler: global maintenance active, dispatch suspended")
}
