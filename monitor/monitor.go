// Package monitor watches every RunningInstance to completion: it
// detects agent-reported completion, finalizes targets that stop
// heartbeating or that outlive the job's timeout, and retires the
// instance once every target has a final result.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/odpf/salt/log"

	"github.com/odpf/saltpeter/core/state"
	salterrors "github.com/odpf/saltpeter/internal/errors"
	"github.com/odpf/saltpeter/internal/telemetry"
)

const (
	heartbeatTimeout = 15 * time.Second
	tickInterval     = time.Second
)

// Sink persists one finished RunningInstance's aggregated per-target
// results, one record per job instance.
type Sink interface {
	Write(record Record) error
}

// Record is the aggregated disposition of one finished job instance.
type Record struct {
	JobName       string
	JobInstanceID string
	StartedAt     time.Time
	EndedAt       time.Time
	Targets       []TargetRecord
}

type TargetRecord struct {
	Machine string
	RetCode int
	Output  string
}

// Monitor owns one goroutine per RunningInstance, started by the
// scheduler loop once Dispatch has registered the instance, and running
// until that instance's every target has a final result.
type Monitor struct {
	State  *state.SchedulerState
	Sink   Sink
	Logger log.Logger

	wg sync.WaitGroup
}

func New(s *state.SchedulerState, sink Sink, logger log.Logger) *Monitor {
	return &Monitor{State: s, Sink: sink, Logger: logger}
}

// Watch starts monitoring ri in its own goroutine and returns
// immediately. Callers do not need to wait on it; cancelling ctx tears
// down every in-flight watch on shutdown.
func (m *Monitor) Watch(ctx context.Context, ri *state.RunningInstance) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, ri)
	}()
}

// Wait blocks until every Watch goroutine started so far has returned.
func (m *Monitor) Wait() { m.wg.Wait() }

func (m *Monitor) run(ctx context.Context, ri *state.RunningInstance) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.tick(ri) {
				return
			}
		}
	}
}

// tick evaluates every outstanding target once and reports whether the
// instance is now fully finalized and has been retired.
func (m *Monitor) tick(ri *state.RunningInstance) bool {
	now := time.Now()

	if ri.TimedOut(now) {
		m.finalizeTimeout(ri)
		m.retire(ri)
		return true
	}

	for _, machine := range ri.Machines() {
		r, ok := ri.Result(machine)
		if !ok || r.IsFinalized() {
			continue
		}
		if !r.IsConfirmed() {
			// still waiting on Phase 1; nothing to judge heartbeats against yet.
			continue
		}
		if seconds := r.SecondsSinceHeartbeat(now); seconds > heartbeatTimeout.Seconds() {
			loss := salterrors.HeartbeatLoss(machine, fmt.Sprintf("no heartbeat for %.0f seconds", seconds))
			r.Finalize(253, r.Snapshot().Output+fmt.Sprintf("[SALTPETER ERROR: no heartbeat for %.0f seconds]", seconds))
			telemetry.Counter(telemetry.MetricHeartbeatLosses, map[string]string{"job": ri.JobName}).Inc()
			m.Logger.Warn("monitor: heartbeat loss", "job", ri.JobName, "instance", ri.JobInstanceID, "machine", machine, "error", loss)
		}
	}

	if ri.AllFinalized() {
		m.retire(ri)
		return true
	}
	return false
}

func (m *Monitor) finalizeTimeout(ri *state.RunningInstance) {
	for _, machine := range ri.Machines() {
		r, ok := ri.Result(machine)
		if !ok {
			continue
		}
		if r.Finalize(124, r.Snapshot().Output) {
			timeout := salterrors.JobTimeout(machine, "job exceeded its configured timeout")
			telemetry.Counter(telemetry.MetricJobTimeouts, map[string]string{"job": ri.JobName}).Inc()
			m.Logger.Warn("monitor: job timeout", "job", ri.JobName, "instance", ri.JobInstanceID, "machine", machine, "error", timeout)
		}
	}
	// Best-effort kill: the agent may still be running past the job's
	// timeout even though every target result is already finalized here.
	m.State.Commands().Push(state.Command{JobName: ri.JobName, Kind: "kill"})
}

func (m *Monitor) retire(ri *state.RunningInstance) {
	record := Record{
		JobName:       ri.JobName,
		JobInstanceID: ri.JobInstanceID,
		StartedAt:     ri.StartedAt,
		EndedAt:       time.Now(),
	}
	for _, machine := range ri.Machines() {
		r, ok := ri.Result(machine)
		if !ok {
			continue
		}
		snap := r.Snapshot()
		record.Targets = append(record.Targets, TargetRecord{
			Machine: snap.Machine,
			RetCode: snap.RetCode,
			Output:  snap.Output,
		})
	}

	if m.Sink != nil {
		if err := m.Sink.Write(record); err != nil {
			m.Logger.Error("monitor: failed to persist job record", "job", ri.JobName, "instance", ri.JobInstanceID, "error", err)
		}
	}

	telemetry.Gauge(telemetry.MetricRunningInstances, nil).Dec()
	m.State.RemoveInstance(ri.JobInstanceID)
	m.Logger.Info("monitor: instance retired", "job", ri.JobName, "instance", ri.JobInstanceID)
}
