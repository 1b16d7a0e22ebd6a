package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/odpf/salt/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odpf/saltpeter/bus"
	"github.com/odpf/saltpeter/core/job"
	"github.com/odpf/saltpeter/core/state"
)

func TestDispatch_NoEligibleTargetsIsNotAnError(t *testing.T) {
	s := state.New()
	b := bus.NewLocal(nil, "/bin/true")
	d := New(b, s, log.NewNoop(), "ws://localhost:7351")

	def := &job.Definition{Name: "noop", Command: "echo hi", Targets: "*", TargetType: job.TargetGlob}
	require.NoError(t, d.Dispatch(context.Background(), def, job.MaintenanceConfig{}))
	assert.False(t, s.IsOverlapping("noop"))
}

func TestDispatch_AgentMissingFinalizesWithRetcode127(t *testing.T) {
	s := state.New()
	b := bus.NewLocal([]string{"m1"}, "/no/such/agent")
	d := New(b, s, log.NewNoop(), "ws://localhost:7351")

	def := &job.Definition{
		Name:       "backup",
		Command:    "echo hi",
		Targets:    "*",
		TargetType: job.TargetGlob,
		AgentPath:  "/no/such/agent",
	}
	require.NoError(t, d.Dispatch(context.Background(), def, job.MaintenanceConfig{}))

	instances := s.RunningInstances()
	require.Len(t, instances, 1)
	r, ok := instances[0].Result("m1")
	require.True(t, ok)

	assert.Eventually(t, func() bool { return r.IsFinalized() }, time.Second, 5*time.Millisecond)
}

func TestDispatch_MaintenanceFiltersTargets(t *testing.T) {
	s := state.New()
	b := bus.NewLocal([]string{"m1", "m2"}, "/bin/true")
	d := New(b, s, log.NewNoop(), "ws://localhost:7351")

	def := &job.Definition{Name: "j", Command: "echo hi", Targets: "*", TargetType: job.TargetGlob}
	maintenance := job.MaintenanceConfig{Machines: map[string]bool{"m1": true, "m2": true}}
	require.NoError(t, d.Dispatch(context.Background(), def, maintenance))

	assert.False(t, s.IsOverlapping("j"))
}

func TestDispatchLegacy_FinalizesImmediately(t *testing.T) {
	s := state.New()
	b := bus.NewLocal([]string{"m1"}, "/bin/true")
	d := New(b, s, log.NewNoop(), "ws://localhost:7351")

	f := false
	def := &job.Definition{
		Name:       "legacy",
		Command:    "echo hi",
		Targets:    "*",
		TargetType: job.TargetGlob,
		UseAgent:   &f,
	}
	require.NoError(t, d.Dispatch(context.Background(), def, job.MaintenanceConfig{}))
	assert.False(t, s.IsOverlapping("legacy"))
}

func TestBatch_SplitsIntoChunks(t *testing.T) {
	targets := []string{"a", "b", "c", "d", "e"}
	batches := batch(targets, 2)
	assert.Len(t, batches, 3)
	assert.Equal(t, []string{"a", "b"}, batches[0])
	assert.Equal(t, []string{"e"}, batches[2])
}

func TestBatch_ZeroSizeIsSingleBatch(t *testing.T) {
	targets := []string{"a", "b", "c"}
	assert.Len(t, batch(targets, 0), 1)
}
