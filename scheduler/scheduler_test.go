package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/odpf/salt/log"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odpf/saltpeter/bus"
	"github.com/odpf/saltpeter/config"
	"github.com/odpf/saltpeter/core/state"
	"github.com/odpf/saltpeter/dispatch"
	"github.com/odpf/saltpeter/monitor"
)

func writeFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
}

func newTestLoop(t *testing.T, yamlContent string) (*Loop, *state.SchedulerState) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/jobs/j.yaml", yamlContent)
	cfg := config.New("/jobs", fs, log.NewNoop())
	require.NoError(t, cfg.Reload())

	s := state.New()
	b := bus.NewLocal([]string{"m1"}, "/bin/true")
	d := dispatch.New(b, s, log.NewNoop(), "ws://localhost:7351")
	m := monitor.New(s, nil, log.NewNoop())

	return New(cfg, s, d, m, log.NewNoop()), s
}

func TestLoop_ComputesNextRunWithoutDispatchingFirstTick(t *testing.T) {
	l, s := newTestLoop(t, `
backup:
  command: "echo hi"
  targets: "*"
  target_type: glob
  sec: "*"
`)
	l.tick(context.Background())
	assert.False(t, s.IsOverlapping("backup"))
}

func TestLoop_DispatchesOnceNextRunHasPassed(t *testing.T) {
	l, s := newTestLoop(t, `
backup:
  command: "echo hi"
  targets: "*"
  target_type: glob
  sec: "*"
`)
	ctx := context.Background()
	l.tick(ctx) // computes next_run
	l.setNextRun("backup", time.Now().Add(-time.Second))
	l.tick(ctx) // dispatches

	assert.Eventually(t, func() bool { return len(s.RunningInstances()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestLoop_GlobalMaintenanceSuppressesDispatch(t *testing.T) {
	l, s := newTestLoop(t, `
saltpeter_maintenance:
  global: true
backup:
  command: "echo hi"
  targets: "*"
  target_type: glob
  sec: "*"
`)
	ctx := context.Background()
	l.tick(ctx)
	l.tick(ctx)
	assert.False(t, s.IsOverlapping("backup"))
}

func TestLoop_PublishesScheduleStateToSharedStore(t *testing.T) {
	l, s := newTestLoop(t, `
backup:
  command: "echo hi"
  targets: "*"
  target_type: glob
  sec: "*"
`)
	ctx := context.Background()
	l.tick(ctx) // computes next_run

	schedules := s.Schedules()
	require.Contains(t, schedules, "backup")
	assert.False(t, schedules["backup"].NextRun.IsZero())
	assert.True(t, schedules["backup"].LastRun.IsZero())

	l.setNextRun("backup", time.Now().Add(-time.Second))
	l.tick(ctx) // dispatches

	assert.Eventually(t, func() bool {
		return !s.Schedules()["backup"].LastRun.IsZero()
	}, time.Second, 5*time.Millisecond)
}

func TestLoop_OverlapSuppressesRedispatch(t *testing.T) {
	l, s := newTestLoop(t, `
backup:
  command: "echo hi"
  targets: "*"
  target_type: glob
  sec: "*"
`)
	ctx := context.Background()
	l.tick(ctx)

	ri := state.NewRunningInstance("backup", "backup_99", 0, []string{"m1"})
	s.AddInstance(ri)

	l.setNextRun("backup", time.Now().Add(-time.Second))
	l.tick(ctx)

	instances := s.RunningInstances()
	assert.Len(t, instances, 1) // no second instance was created
	assert.Equal(t, "backup_99", instances[0].JobInstanceID)
}
