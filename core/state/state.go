// Package state holds the scheduler's entire runtime state in memory:
// which instances are running, what each target has reported back, and
// the commands (currently just kill) queued for delivery to an agent.
// There is deliberately no persistence layer underneath it — every
// object here is rebuilt from scratch on process restart. The store's
// maps share one lock held only for the map operation itself; each
// TargetResult and AgentConnection has its own lock, and LockJob hands
// out a separate lock per job name for the scheduler's dispatch
// decision.
package state

import (
	"sync"
	"time"
)

// TargetResult is the final or in-progress report for one target of one
// running instance. Finalize is first-write-wins: once Finalized is set,
// further calls are no-ops, because an agent's completion notice and an
// independently detected heartbeat timeout can race to report the same
// target and only the first arrival should stick.
type TargetResult struct {
	mu sync.Mutex

	Machine       string
	Group         string
	StartedAt     time.Time
	EndedAt       time.Time
	RetCode       int
	Output        string
	Finalized     bool
	Confirmed     bool
	LastHeartbeat time.Time
}

// Confirm marks this target as having passed Phase 1 and entered live
// monitoring, seeding the heartbeat clock at the moment of confirmation
// rather than at dispatch time. The monitor ignores unconfirmed targets
// when checking for heartbeat loss, since a target still waiting on the
// bus in Phase 1 has no heartbeat to lose yet.
func (r *TargetResult) Confirm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Confirmed = true
	r.LastHeartbeat = time.Now()
}

func (r *TargetResult) IsConfirmed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Confirmed
}

// Finalize records retcode/output as the target's outcome if it has not
// already been finalized. It reports whether this call was the one that
// finalized the result.
func (r *TargetResult) Finalize(retcode int, output string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Finalized {
		return false
	}
	r.Finalized = true
	r.RetCode = retcode
	r.Output = output
	r.EndedAt = time.Now()
	return true
}

func (r *TargetResult) IsFinalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Finalized
}

// AppendOutput accumulates one chunk of streamed output onto the
// target's running buffer, ahead of the final Finalize call that will
// carry the last chunk along with the retcode.
func (r *TargetResult) AppendOutput(chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Output += chunk
}

func (r *TargetResult) Touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.LastHeartbeat = time.Now()
}

func (r *TargetResult) SecondsSinceHeartbeat(now time.Time) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.LastHeartbeat.IsZero() {
		return now.Sub(r.StartedAt).Seconds()
	}
	return now.Sub(r.LastHeartbeat).Seconds()
}

// Snapshot returns a value copy safe to hand to a caller outside the lock
// (e.g. the HTTP API's JSON encoder).
func (r *TargetResult) Snapshot() TargetResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return TargetResult{
		Machine:       r.Machine,
		Group:         r.Group,
		StartedAt:     r.StartedAt,
		EndedAt:       r.EndedAt,
		RetCode:       r.RetCode,
		Output:        r.Output,
		Finalized:     r.Finalized,
		Confirmed:     r.Confirmed,
		LastHeartbeat: r.LastHeartbeat,
	}
}

// RunningInstance is one in-flight dispatch of a job: the set of targets
// it was sent to and each target's result object. A RunningInstance is
// removed from SchedulerState once every target result is finalized.
type RunningInstance struct {
	mu sync.RWMutex

	JobName       string
	JobInstanceID string
	StartedAt     time.Time
	TimeoutSeconds int
	Results       map[string]*TargetResult
}

func NewRunningInstance(jobName, jobInstanceID string, timeoutSeconds int, targets []string) *RunningInstance {
	ri := &RunningInstance{
		JobName:        jobName,
		JobInstanceID:  jobInstanceID,
		StartedAt:      time.Now(),
		TimeoutSeconds: timeoutSeconds,
		Results:        make(map[string]*TargetResult, len(targets)),
	}
	for _, m := range targets {
		ri.Results[m] = &TargetResult{Machine: m, StartedAt: ri.StartedAt}
	}
	return ri
}

func (ri *RunningInstance) Result(machine string) (*TargetResult, bool) {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	r, ok := ri.Results[machine]
	return r, ok
}

// AllFinalized reports whether every target of this instance has a final
// result, meaning the instance as a whole can be retired.
func (ri *RunningInstance) AllFinalized() bool {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	for _, r := range ri.Results {
		if !r.IsFinalized() {
			return false
		}
	}
	return true
}

func (ri *RunningInstance) TimedOut(now time.Time) bool {
	if ri.TimeoutSeconds <= 0 {
		return false
	}
	return now.Sub(ri.StartedAt) > time.Duration(ri.TimeoutSeconds)*time.Second
}

func (ri *RunningInstance) Machines() []string {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	out := make([]string, 0, len(ri.Results))
	for m := range ri.Results {
		out = append(out, m)
	}
	return out
}

// AgentConnection tracks the channel protocol's per-(instance,machine)
// sequencing state. It holds no network handle itself — the channel
// package owns the websocket connection and looks this up by key to
// validate sequence numbers and retain unacked output for replay.
type AgentConnection struct {
	mu sync.Mutex

	JobName       string
	JobInstanceID string
	Machine       string
	Connected     bool
	LastSeq       uint64
	LastContact   time.Time
	Pending       []PendingOutput
}

// PendingOutput is one not-yet-acked output chunk retained for replay if
// the agent reconnects before acking it.
type PendingOutput struct {
	Seq  uint64
	Data string
}

func NewAgentConnection(jobName, jobInstanceID, machine string) *AgentConnection {
	return &AgentConnection{JobName: jobName, JobInstanceID: jobInstanceID, Machine: machine}
}

// AcceptSeq validates seq against the last seen sequence number for this
// connection. It returns ok=false if seq is a duplicate or leaves a gap,
// so the caller can request a resync instead of accepting out-of-order
// data.
func (c *AgentConnection) AcceptSeq(seq uint64) (ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.LastSeq+1 {
		return false
	}
	c.LastSeq = seq
	c.LastContact = time.Now()
	return true
}

func (c *AgentConnection) Retain(seq uint64, data string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Pending = append(c.Pending, PendingOutput{Seq: seq, Data: data})
}

// Ack drops every retained chunk up to and including seq.
func (c *AgentConnection) Ack(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.Pending[:0]
	for _, p := range c.Pending {
		if p.Seq > seq {
			kept = append(kept, p)
		}
	}
	c.Pending = kept
}

func (c *AgentConnection) SetConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Connected = v
	if v {
		c.LastContact = time.Now()
	}
}

// Command is a server-to-agent instruction queued for delivery over the
// channel protocol's outbound poll; today the only kind is "kill". It is
// addressed by job name, not by instance or machine: a kill applies to
// every AgentConnection currently open for that job, mirroring the
// per-job (not per-target) cancellation granularity.
type Command struct {
	JobName string
	Kind    string
}

// CommandQueue buffers outbound commands until the channel server's
// poller broadcasts them to every matching connection and drops them.
type CommandQueue struct {
	mu    sync.Mutex
	items []Command
}

func NewCommandQueue() *CommandQueue {
	return &CommandQueue{}
}

func (q *CommandQueue) Push(c Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, c)
}

// DrainAll removes and returns every currently queued command. The
// channel server calls this once per poll tick and is responsible for
// broadcasting each entry to every connection whose JobName matches.
func (q *CommandQueue) DrainAll() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// SchedulerState is the root of the in-memory store. Its maps are
// guarded by one RWMutex held only for the duration of each map
// operation; per-target updates such as heartbeats lock the
// TargetResult itself, and LockJob provides a separate mutex per job
// name.
type SchedulerState struct {
	mu sync.RWMutex

	jobLocks   map[string]*sync.Mutex
	instances  map[string]*RunningInstance // keyed by job_instance_id
	byJob      map[string]map[string]*RunningInstance // job name -> instance id -> instance
	overlap    map[string]bool // job name -> an instance is currently running
	connections map[string]*AgentConnection // keyed by idgen.ConnectionKey
	commands   *CommandQueue

	nextRun map[string]time.Time
	lastRun map[string]time.Time
}

func New() *SchedulerState {
	return &SchedulerState{
		jobLocks:    make(map[string]*sync.Mutex),
		instances:   make(map[string]*RunningInstance),
		byJob:       make(map[string]map[string]*RunningInstance),
		overlap:     make(map[string]bool),
		connections: make(map[string]*AgentConnection),
		commands:    NewCommandQueue(),
		nextRun:     make(map[string]time.Time),
		lastRun:     make(map[string]time.Time),
	}
}

// JobSchedule is one job's schedule-state snapshot, surfaced over the
// API alongside what is currently running.
type JobSchedule struct {
	JobName string
	NextRun time.Time
	LastRun time.Time
}

// SetNextRun records the next time jobName is due to run, as computed
// by the scheduler loop.
func (s *SchedulerState) SetNextRun(jobName string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRun[jobName] = t
}

// SetLastRun records the time jobName was last dispatched.
func (s *SchedulerState) SetLastRun(jobName string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun[jobName] = t
}

// Schedules returns a snapshot of every job's next_run/last_run known so
// far, keyed by job name.
func (s *SchedulerState) Schedules() map[string]JobSchedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]JobSchedule, len(s.nextRun))
	for name, next := range s.nextRun {
		out[name] = JobSchedule{JobName: name, NextRun: next, LastRun: s.lastRun[name]}
	}
	for name, last := range s.lastRun {
		if _, ok := out[name]; !ok {
			out[name] = JobSchedule{JobName: name, LastRun: last}
		}
	}
	return out
}

func (s *SchedulerState) Commands() *CommandQueue { return s.commands }

// LockJob returns the mutex dedicated to jobName, creating it on first
// use. Callers lock around the overlap-check-and-set sequence in the
// scheduler loop so two ticks can never both decide a job is free to
// dispatch.
func (s *SchedulerState) LockJob(jobName string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.jobLocks[jobName]
	if !ok {
		l = &sync.Mutex{}
		s.jobLocks[jobName] = l
	}
	return l
}

func (s *SchedulerState) IsOverlapping(jobName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overlap[jobName]
}

func (s *SchedulerState) SetOverlapping(jobName string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlap[jobName] = v
}

// AddInstance registers a newly dispatched RunningInstance.
func (s *SchedulerState) AddInstance(ri *RunningInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[ri.JobInstanceID] = ri
	if s.byJob[ri.JobName] == nil {
		s.byJob[ri.JobName] = make(map[string]*RunningInstance)
	}
	s.byJob[ri.JobName][ri.JobInstanceID] = ri
	s.overlap[ri.JobName] = true
}

// RemoveInstance retires a finished RunningInstance and clears the
// overlap flag for its job if no other instance of that job remains.
func (s *SchedulerState) RemoveInstance(jobInstanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ri, ok := s.instances[jobInstanceID]
	if !ok {
		return
	}
	delete(s.instances, jobInstanceID)
	if byJob := s.byJob[ri.JobName]; byJob != nil {
		delete(byJob, jobInstanceID)
		if len(byJob) == 0 {
			s.overlap[ri.JobName] = false
			delete(s.byJob, ri.JobName)
		}
	}
}

func (s *SchedulerState) Instance(jobInstanceID string) (*RunningInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ri, ok := s.instances[jobInstanceID]
	return ri, ok
}

// RunningInstances returns a snapshot slice of every currently tracked
// instance, for the monitor loop to iterate without holding the state
// lock while it ticks each one.
func (s *SchedulerState) RunningInstances() []*RunningInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RunningInstance, 0, len(s.instances))
	for _, ri := range s.instances {
		out = append(out, ri)
	}
	return out
}

func (s *SchedulerState) Connection(key string) (*AgentConnection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connections[key]
	return c, ok
}

func (s *SchedulerState) EnsureConnection(key, jobName, jobInstanceID, machine string) *AgentConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[key]
	if !ok {
		c = NewAgentConnection(jobName, jobInstanceID, machine)
		s.connections[key] = c
	}
	return c
}

func (s *SchedulerState) RemoveConnection(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, key)
}

// ConnectionsForJob returns every currently registered connection whose
// JobName matches, for the channel server's kill broadcast.
func (s *SchedulerState) ConnectionsForJob(jobName string) []*AgentConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*AgentConnection
	for _, c := range s.connections {
		if c.JobName == jobName {
			out = append(out, c)
		}
	}
	return out
}
