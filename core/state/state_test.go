package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTargetResult_FinalizeOnce(t *testing.T) {
	r := &TargetResult{Machine: "m1"}
	assert.True(t, r.Finalize(0, "ok"))
	assert.False(t, r.Finalize(1, "late"))
	snap := r.Snapshot()
	assert.Equal(t, 0, snap.RetCode)
	assert.Equal(t, "ok", snap.Output)
}

func TestRunningInstance_AllFinalized(t *testing.T) {
	ri := NewRunningInstance("backup", "backup_1", 60, []string{"m1", "m2"})
	assert.False(t, ri.AllFinalized())

	r1, _ := ri.Result("m1")
	r1.Finalize(0, "")
	assert.False(t, ri.AllFinalized())

	r2, _ := ri.Result("m2")
	r2.Finalize(0, "")
	assert.True(t, ri.AllFinalized())
}

func TestRunningInstance_TimedOut(t *testing.T) {
	ri := &RunningInstance{StartedAt: time.Now().Add(-2 * time.Minute), TimeoutSeconds: 60}
	assert.True(t, ri.TimedOut(time.Now()))

	noTimeout := &RunningInstance{StartedAt: time.Now().Add(-2 * time.Minute), TimeoutSeconds: 0}
	assert.False(t, noTimeout.TimedOut(time.Now()))
}

func TestAgentConnection_AcceptSeq(t *testing.T) {
	c := NewAgentConnection("backup", "backup_1", "m1")
	assert.True(t, c.AcceptSeq(1))
	assert.True(t, c.AcceptSeq(2))
	assert.False(t, c.AcceptSeq(2)) // duplicate
	assert.False(t, c.AcceptSeq(5)) // gap
	assert.True(t, c.AcceptSeq(3))
}

func TestAgentConnection_RetainAndAck(t *testing.T) {
	c := NewAgentConnection("backup", "backup_1", "m1")
	c.Retain(1, "a")
	c.Retain(2, "b")
	c.Retain(3, "c")
	c.Ack(2)
	assert.Len(t, c.Pending, 1)
	assert.Equal(t, uint64(3), c.Pending[0].Seq)
}

func TestCommandQueue_DrainAll(t *testing.T) {
	q := NewCommandQueue()
	q.Push(Command{JobName: "backup", Kind: "kill"})
	q.Push(Command{JobName: "other", Kind: "kill"})

	drained := q.DrainAll()
	assert.Len(t, drained, 2)
	assert.Empty(t, q.DrainAll())
}

func TestSchedulerState_OverlapLifecycle(t *testing.T) {
	s := New()
	assert.False(t, s.IsOverlapping("backup"))

	ri := NewRunningInstance("backup", "backup_1", 0, []string{"m1"})
	s.AddInstance(ri)
	assert.True(t, s.IsOverlapping("backup"))

	s.RemoveInstance("backup_1")
	assert.False(t, s.IsOverlapping("backup"))
}

func TestSchedulerState_EnsureConnectionIsIdempotent(t *testing.T) {
	s := New()
	c1 := s.EnsureConnection("backup_1@m1", "backup", "backup_1", "m1")
	c2 := s.EnsureConnection("backup_1@m1", "backup", "backup_1", "m1")
	assert.Same(t, c1, c2)
}

func TestSchedulerState_ConnectionsForJob(t *testing.T) {
	s := New()
	s.EnsureConnection("backup_1@m1", "backup", "backup_1", "m1")
	s.EnsureConnection("backup_1@m2", "backup", "backup_1", "m2")
	s.EnsureConnection("other_1@m1", "other", "other_1", "m1")

	assert.Len(t, s.ConnectionsForJob("backup"), 2)
	assert.Len(t, s.ConnectionsForJob("other"), 1)
	assert.Empty(t, s.ConnectionsForJob("nonexistent"))
}

func TestTargetResult_ConfirmSeedsHeartbeat(t *testing.T) {
	r := &TargetResult{Machine: "m1", StartedAt: time.Now().Add(-time.Hour)}
	assert.False(t, r.IsConfirmed())
	r.Confirm()
	assert.True(t, r.IsConfirmed())
	assert.Less(t, r.SecondsSinceHeartbeat(time.Now()), 1.0)
}
