// Package dispatch resolves a job definition's targets, submits the
// agent launch to the bus, and drives the two-phase confirmation
// protocol that hands confirmed targets off to the monitor.
package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kushsharma/parallel"
	"github.com/odpf/salt/log"

	"github.com/odpf/saltpeter/bus"
	"github.com/odpf/saltpeter/core/job"
	"github.com/odpf/saltpeter/core/state"
	salterrors "github.com/odpf/saltpeter/internal/errors"
	"github.com/odpf/saltpeter/internal/idgen"
	"github.com/odpf/saltpeter/internal/telemetry"
)

const defaultConcurrency = 8

// Dispatcher resolves and launches one job definition per call to
// Dispatch; it holds no per-instance state of its own beyond a shared
// random source for target sampling.
type Dispatcher struct {
	Bus         bus.Bus
	State       *state.SchedulerState
	Logger      log.Logger
	ChannelURL  string
	Concurrency int

	rand   *rand.Rand
	randMu sync.Mutex
}

func New(b bus.Bus, s *state.SchedulerState, logger log.Logger, channelURL string) *Dispatcher {
	return &Dispatcher{
		Bus:         b,
		State:       s,
		Logger:      logger,
		ChannelURL:  channelURL,
		Concurrency: defaultConcurrency,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Dispatch runs one full dispatch cycle for def against maintenance. It
// never returns an error for "no eligible targets" — that is logged and
// treated as a normal, empty dispatch, per the component design.
func (d *Dispatcher) Dispatch(ctx context.Context, def *job.Definition, maintenance job.MaintenanceConfig) error {
	targets, err := d.Bus.ResolveTargets(ctx, def.Targets, string(def.TargetType))
	if err != nil {
		return salterrors.Wrap(salterrors.KindDispatch, def.Name, "resolve targets", err)
	}

	targets = maintenance.FilterTargets(targets)
	if def.NumberOfTargets > 0 {
		d.randMu.Lock()
		targets = bus.SampleTargets(targets, def.NumberOfTargets, d.rand)
		d.randMu.Unlock()
	}

	if len(targets) == 0 {
		d.Logger.Info("dispatch: no eligible targets, skipping", "job", def.Name)
		return nil
	}

	if !def.UsesAgent() {
		return d.dispatchLegacy(ctx, def, targets)
	}
	return d.dispatchWithAgent(ctx, def, targets)
}

func (d *Dispatcher) dispatchWithAgent(ctx context.Context, def *job.Definition, targets []string) error {
	jobInstanceID := idgen.NextJobInstanceID(def.Name)
	ri := state.NewRunningInstance(def.Name, jobInstanceID, def.TimeoutSeconds, targets)
	d.State.AddInstance(ri)

	telemetry.Counter(telemetry.MetricJobsDispatched, map[string]string{"job": def.Name}).Inc()
	telemetry.Gauge(telemetry.MetricRunningInstances, nil).Inc()

	env := d.buildEnv(def, jobInstanceID)

	batches := batch(targets, def.BatchSize)
	d.Logger.Info("dispatch: launching", "job", def.Name, "instance", jobInstanceID, "targets", len(targets), "batches", len(batches))

	var multiErr *multierror.Error
	for _, b := range batches {
		if err := d.launchBatch(ctx, def, ri, jobInstanceID, b, env); err != nil {
			multiErr = multierror.Append(multiErr, err)
		}
	}
	return multiErr.ErrorOrNil()
}

func (d *Dispatcher) launchBatch(ctx context.Context, def *job.Definition, ri *state.RunningInstance, jobInstanceID string, targets []string, env map[string]string) error {
	req := bus.LaunchRequest{Targets: targets, Command: def.AgentPath, Env: env}
	ref, err := d.Bus.SubmitAsync(ctx, req)
	if err != nil {
		// DispatchError: the bus refused the launch outright. Finalize
		// every intended target in this batch with 255 and do not touch
		// the overlap flag beyond what AddInstance already set.
		for _, m := range targets {
			if r, ok := ri.Result(m); ok {
				r.Finalize(255, fmt.Sprintf("[SALTPETER ERROR: dispatch refused: %v]", err))
			}
		}
		return salterrors.Wrap(salterrors.KindDispatch, def.Name, "bus refused launch", err)
	}

	outcomes, err := d.Bus.PollOutcomes(ctx, ref)
	if err != nil {
		return salterrors.Wrap(salterrors.KindDispatch, def.Name, "cannot poll outcomes", err)
	}

	runner := parallel.NewRunner(parallel.WithLimit(d.Concurrency))
	for o := range outcomes {
		runner.Add(func(o bus.TargetOutcome) func() (interface{}, error) {
			return func() (interface{}, error) {
				d.handleOutcome(def, ri, o)
				return nil, nil
			}
		}(o))
	}
	runner.Run()
	return nil
}

// handleOutcome applies one target's Phase 1 result: retcode 0 confirms
// the target into Phase 2 monitoring, anything else finalizes it
// immediately as an AgentLaunchError.
func (d *Dispatcher) handleOutcome(def *job.Definition, ri *state.RunningInstance, o bus.TargetOutcome) {
	r, ok := ri.Result(o.Machine)
	if !ok {
		return
	}
	if o.RetCode == 0 {
		r.Confirm()
		d.Logger.Debug("dispatch: target confirmed, entering monitoring", "job", def.Name, "instance", ri.JobInstanceID, "machine", o.Machine)
		return
	}
	r.Finalize(o.RetCode, o.Stderr)
	telemetry.Counter(telemetry.MetricTargetsFailed, map[string]string{"job": def.Name}).Inc()
	d.Logger.Warn("dispatch: agent launch failed", "job", def.Name, "instance", ri.JobInstanceID, "machine", o.Machine, "retcode", o.RetCode, "error", o.Stderr)
}

// dispatchLegacy runs the command synchronously through the bus with no
// agent and no channel, feeding results directly into per-target state.
func (d *Dispatcher) dispatchLegacy(ctx context.Context, def *job.Definition, targets []string) error {
	jobInstanceID := idgen.NextJobInstanceID(def.Name)
	ri := state.NewRunningInstance(def.Name, jobInstanceID, def.TimeoutSeconds, targets)
	d.State.AddInstance(ri)
	defer d.State.RemoveInstance(jobInstanceID)

	timeout := time.Duration(def.TimeoutSeconds) * time.Second
	results, err := d.Bus.RunSync(ctx, bus.SyncRequest{
		Targets: targets,
		Command: def.Command,
		Env:     def.CustomEnv,
		Timeout: timeout,
	})
	if err != nil {
		for _, m := range targets {
			if r, ok := ri.Result(m); ok {
				r.Finalize(255, fmt.Sprintf("[SALTPETER ERROR: sync run failed: %v]", err))
			}
		}
		return salterrors.Wrap(salterrors.KindDispatch, def.Name, "legacy sync run failed", err)
	}
	for machine, res := range results {
		if r, ok := ri.Result(machine); ok {
			r.Finalize(res.RetCode, res.Output)
		}
	}
	return nil
}

// buildEnv assembles the environment injected into the agent invocation.
// Sensitive values never appear on a command line, only here.
func (d *Dispatcher) buildEnv(def *job.Definition, jobInstanceID string) map[string]string {
	env := map[string]string{
		"SP_WEBSOCKET_URL": d.ChannelURL,
		"SP_JOB_NAME":      def.Name,
		"SP_JOB_INSTANCE":  jobInstanceID,
		"SP_COMMAND":       def.Command,
	}
	if def.User != "" {
		env["SP_USER"] = def.User
	}
	if def.Cwd != "" {
		env["SP_CWD"] = def.Cwd
	}
	if def.TimeoutSeconds > 0 {
		env["SP_TIMEOUT"] = strconv.Itoa(def.TimeoutSeconds)
	}
	if def.AgentLogLevel != "" {
		env["SP_LOG_LEVEL"] = def.AgentLogLevel
	}
	if def.AgentLogDir != "" {
		env["SP_LOG_DIR"] = def.AgentLogDir
	}
	for k, v := range def.CustomEnv {
		env[k] = v
	}
	return env
}

// batch splits targets into chunks of size n, or a single chunk if n<=0.
func batch(targets []string, n int) [][]string {
	if n <= 0 || n >= len(targets) {
		return [][]string{targets}
	}
	var out [][]string
	for i := 0; i < len(targets); i += n {
		end := i + n
		if end > len(targets) {
			end = len(targets)
		}
		out = append(out, targets[i:end])
	}
	return out
}
