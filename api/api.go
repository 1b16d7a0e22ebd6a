// Package api exposes the scheduler's shared state over HTTP/JSON:
// a read-only snapshot of what's running, a write endpoint to enqueue a
// kill, and a handful of ambient endpoints every HTTP surface in this
// codebase's lineage carries (version, health, per-target output).
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/odpf/salt/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odpf/saltpeter/core/state"
)

// Version is set at build time via -ldflags; left as a plain var rather
// than a const so the build can stamp it.
var Version = "dev"

type Server struct {
	State  *state.SchedulerState
	Logger log.Logger

	router *mux.Router
}

func New(s *state.SchedulerState, logger log.Logger) *Server {
	srv := &Server{State: s, Logger: logger, router: mux.NewRouter()}
	srv.router.HandleFunc("/v1/state", srv.handleState).Methods(http.MethodGet)
	srv.router.HandleFunc("/v1/kill", srv.handleKill).Methods(http.MethodPost)
	srv.router.HandleFunc("/v1/output/{job}/{machine}", srv.handleOutput).Methods(http.MethodGet)
	srv.router.HandleFunc("/v1/version", srv.handleVersion).Methods(http.MethodGet)
	srv.router.HandleFunc("/v1/healthz", srv.handleHealthz).Methods(http.MethodGet)
	srv.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return srv
}

func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.router.ServeHTTP(w, r)
}

// runningTarget is the JSON shape of one target's in-flight result
// inside a StateSnapshot.
type runningTarget struct {
	Machine       string  `json:"machine"`
	Confirmed     bool    `json:"confirmed"`
	Finalized     bool    `json:"finalized"`
	RetCode       int     `json:"retcode,omitempty"`
	SecondsIdle   float64 `json:"seconds_since_heartbeat"`
}

type runningJob struct {
	JobName       string          `json:"job_name"`
	JobInstanceID string          `json:"job_instance"`
	StartedAt     time.Time       `json:"started_at"`
	Targets       []runningTarget `json:"targets"`
}

// jobSchedule is the JSON shape of one job's schedule state inside a
// StateSnapshot: when it last ran and when it is next due.
type jobSchedule struct {
	JobName string    `json:"job_name"`
	NextRun time.Time `json:"next_run,omitempty"`
	LastRun time.Time `json:"last_run,omitempty"`
}

// StateSnapshot is the JSON body of GET /v1/state: what is currently
// running, plus every known job's schedule state.
type StateSnapshot struct {
	Running []runningJob  `json:"running"`
	State   []jobSchedule `json:"state"`
}

func (srv *Server) handleState(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	snapshot := StateSnapshot{}
	for _, ri := range srv.State.RunningInstances() {
		job := runningJob{JobName: ri.JobName, JobInstanceID: ri.JobInstanceID, StartedAt: ri.StartedAt}
		for _, machine := range ri.Machines() {
			res, ok := ri.Result(machine)
			if !ok {
				continue
			}
			snap := res.Snapshot()
			job.Targets = append(job.Targets, runningTarget{
				Machine:     machine,
				Confirmed:   snap.Confirmed,
				Finalized:   snap.Finalized,
				RetCode:     snap.RetCode,
				SecondsIdle: res.SecondsSinceHeartbeat(now),
			})
		}
		snapshot.Running = append(snapshot.Running, job)
	}
	for name, sched := range srv.State.Schedules() {
		snapshot.State = append(snapshot.State, jobSchedule{JobName: name, NextRun: sched.NextRun, LastRun: sched.LastRun})
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type killRequest struct {
	JobName string `json:"job_name"`
}

func (srv *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.JobName == "" {
		http.Error(w, "job_name is required", http.StatusBadRequest)
		return
	}
	srv.State.Commands().Push(state.Command{JobName: req.JobName, Kind: "kill"})
	srv.Logger.Info("api: kill enqueued", "job", req.JobName)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "enqueued"})
}

type outputResponse struct {
	Data      string `json:"data"`
	Finalized bool   `json:"finalized"`
	RetCode   int    `json:"retcode,omitempty"`
}

// handleOutput returns the bytes of a target's accumulated output past
// byte position `since`, plus its current status — the one piece of
// the UI's incremental-output protocol this core names explicitly.
// Targets are addressed by job name rather than job_instance: overlap
// suppression guarantees at most one running instance per job, so the
// job name alone is enough to find it.
func (srv *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	jobName, machine := vars["job"], vars["machine"]

	since := 0
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "invalid since parameter", http.StatusBadRequest)
			return
		}
		since = n
	}

	var res *state.TargetResult
	for _, ri := range srv.State.RunningInstances() {
		if ri.JobName != jobName {
			continue
		}
		if r, ok := ri.Result(machine); ok {
			res = r
			break
		}
	}
	if res == nil {
		http.Error(w, "no running instance for this job/machine", http.StatusNotFound)
		return
	}

	snap := res.Snapshot()
	data := snap.Output
	if since < len(data) {
		data = data[since:]
	} else {
		data = ""
	}
	writeJSON(w, http.StatusOK, outputResponse{Data: data, Finalized: snap.Finalized, RetCode: snap.RetCode})
}

func (srv *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

func (srv *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
