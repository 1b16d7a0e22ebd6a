package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/odpf/salt/log"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odpf/saltpeter/core/state"
)

type memSink struct {
	mu      sync.Mutex
	records []Record
}

func (s *memSink) Write(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *memSink) all() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func TestMonitor_HeartbeatLossFinalizes(t *testing.T) {
	s := state.New()
	ri := state.NewRunningInstance("backup", "backup_1", 0, []string{"m1"})
	s.AddInstance(ri)
	r, _ := ri.Result("m1")
	r.Confirm()
	r.LastHeartbeat = time.Now().Add(-20 * time.Second)

	sink := &memSink{}
	m := New(s, sink, log.NewNoop())

	finalized := m.tick(ri)
	assert.True(t, finalized)
	assert.Equal(t, 253, r.Snapshot().RetCode)
	assert.Contains(t, r.Snapshot().Output, "no heartbeat for")
	assert.Len(t, sink.all(), 1)
}

func TestMonitor_UnconfirmedTargetNotHeartbeatChecked(t *testing.T) {
	s := state.New()
	ri := state.NewRunningInstance("backup", "backup_1", 0, []string{"m1"})
	s.AddInstance(ri)
	r, _ := ri.Result("m1")
	r.StartedAt = time.Now().Add(-time.Hour) // long in Phase 1, never confirmed

	m := New(s, &memSink{}, log.NewNoop())
	finalized := m.tick(ri)
	assert.False(t, finalized)
	assert.False(t, r.IsFinalized())
}

func TestMonitor_JobTimeoutFinalizesWith124(t *testing.T) {
	s := state.New()
	ri := state.NewRunningInstance("backup", "backup_1", 1, []string{"m1"})
	ri.StartedAt = time.Now().Add(-5 * time.Second)
	s.AddInstance(ri)
	r, _ := ri.Result("m1")
	r.Confirm()

	sink := &memSink{}
	m := New(s, sink, log.NewNoop())

	finalized := m.tick(ri)
	assert.True(t, finalized)
	assert.Equal(t, 124, r.Snapshot().RetCode)
}

func TestMonitor_CompletionRetiresInstance(t *testing.T) {
	s := state.New()
	ri := state.NewRunningInstance("backup", "backup_1", 0, []string{"m1"})
	s.AddInstance(ri)
	r, _ := ri.Result("m1")
	r.Confirm()
	r.Finalize(0, "hi\n")

	m := New(s, &memSink{}, log.NewNoop())
	finalized := m.tick(ri)
	assert.True(t, finalized)

	_, ok := s.Instance("backup_1")
	assert.False(t, ok)
}

func TestMonitor_Watch_StopsOnContextCancel(t *testing.T) {
	s := state.New()
	ri := state.NewRunningInstance("backup", "backup_1", 0, []string{"m1"})
	s.AddInstance(ri)

	ctx, cancel := context.WithCancel(context.Background())
	m := New(s, &memSink{}, log.NewNoop())
	m.Watch(ctx, ri)
	cancel()

	done := make(chan struct{})
	go func() { m.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after context cancel")
	}
}

func TestFileSink_WritesOneLinePerRecord(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/logs", 0o755))
	sink := NewFileSink("/logs", fs)

	require.NoError(t, sink.Write(Record{JobName: "backup", JobInstanceID: "backup_1"}))
	require.NoError(t, sink.Write(Record{JobName: "backup", JobInstanceID: "backup_2"}))
	require.NoError(t, sink.Close())

	content, err := afero.ReadFile(fs, "/logs/backup.log")
	require.NoError(t, err)
	assert.Equal(t, 2, len(splitLines(string(content))))
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			if i > start {
				lines = append(lines, s[start:i])
			}
			start = i + 1
		}
	}
	return lines
}
