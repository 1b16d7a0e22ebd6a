package channel

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/odpf/salt/log"

	"github.com/odpf/saltpeter/core/state"
	salterrors "github.com/odpf/saltpeter/internal/errors"
	"github.com/odpf/saltpeter/internal/idgen"
	"github.com/odpf/saltpeter/internal/telemetry"
)

const killPollInterval = 500 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server accepts inbound agent connections and routes messages by
// (job_instance, machine). Each accepted connection gets its own
// goroutine, processing that connection's messages strictly in arrival
// order — the idiomatic Go reading of the single-threaded event loop
// this protocol was originally designed against.
type Server struct {
	State  *state.SchedulerState
	Logger log.Logger

	sendersMu sync.RWMutex
	senders   map[string]func(Message) // connection key -> live write func

	stop chan struct{}
	done chan struct{}
}

func New(s *state.SchedulerState, logger log.Logger) *Server {
	return &Server{
		State:   s,
		Logger:  logger,
		senders: map[string]func(Message){},
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// StartKillPoller runs the outbound command-queue poller until Close is
// called. It must be started once per Server.
func (srv *Server) StartKillPoller() {
	go srv.pollKills()
}

func (srv *Server) Close() {
	close(srv.stop)
	<-srv.done
}

func (srv *Server) pollKills() {
	defer close(srv.done)
	ticker := time.NewTicker(killPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-srv.stop:
			return
		case <-ticker.C:
			for _, cmd := range srv.State.Commands().DrainAll() {
				if cmd.Kind != "kill" {
					continue
				}
				srv.broadcastKill(cmd.JobName)
			}
		}
	}
}

func (srv *Server) broadcastKill(jobName string) {
	for _, conn := range srv.State.ConnectionsForJob(jobName) {
		srv.sendTo(conn, Message{Type: TypeKill, Timestamp: now()})
	}
}

// sendTo looks up the live write-function for conn's connection key and
// delivers msg over it, if the agent is still connected.
func (srv *Server) sendTo(conn *state.AgentConnection, msg Message) {
	srv.sendersMu.RLock()
	sender, ok := srv.senders[idgen.ConnectionKey(conn.JobInstanceID, conn.Machine)]
	srv.sendersMu.RUnlock()
	if ok {
		sender(msg)
	}
}

func (srv *Server) registerSender(key string, send func(Message)) {
	srv.sendersMu.Lock()
	srv.senders[key] = send
	srv.sendersMu.Unlock()
}

func (srv *Server) unregisterSender(key string) {
	srv.sendersMu.Lock()
	delete(srv.senders, key)
	srv.sendersMu.Unlock()
}

// ServeHTTP upgrades the request to a websocket and hands it off to a
// dedicated connection goroutine.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.Logger.Error("channel: upgrade failed", "error", err)
		return
	}
	telemetry.Gauge(telemetry.MetricChannelConnections, nil).Inc()
	go srv.handleConn(conn)
}

func (srv *Server) handleConn(ws *websocket.Conn) {
	defer ws.Close()
	defer telemetry.Gauge(telemetry.MetricChannelConnections, nil).Dec()

	var writeMu sync.Mutex
	send := func(msg Message) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := ws.WriteJSON(msg); err != nil {
			srv.Logger.Debug("channel: write failed", "error", err)
		}
	}

	var key string
	defer func() {
		if key != "" {
			srv.unregisterSender(key)
		}
	}()

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			return // socket closed before complete: monitor finalizes via heartbeat timeout
		}

		if key == "" && msg.Type != TypeConnect {
			err := salterrors.ChannelProtocol(string(msg.Type), "first message was not connect")
			srv.Logger.Warn("channel: closing connection", "error", err)
			return
		}

		switch msg.Type {
		case TypeConnect:
			key = idgen.ConnectionKey(msg.JobInstanceID, msg.Machine)
			srv.registerSender(key, send)
			srv.handleConnect(msg)
		case TypeStart:
			srv.handleStart(key, msg)
		case TypeOutput:
			srv.handleOutput(key, msg, send)
		case TypeHeartbeat:
			srv.handleHeartbeat(key, msg)
		case TypeComplete:
			srv.handleComplete(key, msg)
			send(Message{Type: TypeAck})
			return
		case TypeError:
			srv.handleError(key, msg)
			return
		default:
			err := salterrors.ChannelProtocol(string(msg.Type), "unexpected message type")
			srv.Logger.Warn("channel: closing connection", "error", err)
			return
		}
	}
}

func (srv *Server) handleConnect(msg Message) {
	key := idgen.ConnectionKey(msg.JobInstanceID, msg.Machine)
	srv.State.EnsureConnection(key, msg.JobName, msg.JobInstanceID, msg.Machine)
	srv.Logger.Info("channel: agent connected", "job", msg.JobName, "instance", msg.JobInstanceID, "machine", msg.Machine, "conn_id", msg.ConnID)
}

func (srv *Server) handleStart(key string, msg Message) {
	conn, ok := srv.State.Connection(key)
	if !ok {
		srv.Logger.Warn("channel: start from unknown connection", "error", salterrors.ChannelProtocol(key, "start from unknown connection"))
		return
	}
	conn.SetConnected(true)
	ri, ok := srv.State.Instance(conn.JobInstanceID)
	if !ok {
		return
	}
	r, ok := ri.Result(conn.Machine)
	if !ok {
		return
	}
	r.Confirm()
}

func (srv *Server) handleOutput(key string, msg Message, send func(Message)) {
	conn, ok := srv.State.Connection(key)
	if !ok {
		srv.Logger.Warn("channel: output from unknown connection", "error", salterrors.ChannelProtocol(key, "output from unknown connection"))
		return
	}

	if !conn.AcceptSeq(msg.Seq) {
		send(Message{Type: TypeSyncResponse, LastSeq: conn.LastSeq})
		return
	}

	if ri, ok := srv.State.Instance(conn.JobInstanceID); ok {
		if r, ok := ri.Result(conn.Machine); ok {
			r.AppendOutput(msg.Data)
			r.Touch()
		}
	}
	conn.Retain(msg.Seq, msg.Data)
	telemetry.Counter(telemetry.MetricOutputBytesTotal, map[string]string{"job": conn.JobName}).Add(float64(len(msg.Data)))

	send(Message{Type: TypeAck, Seq: msg.Seq})
	conn.Ack(msg.Seq)
}

func (srv *Server) handleHeartbeat(key string, msg Message) {
	conn, ok := srv.State.Connection(key)
	if !ok {
		return
	}
	conn.Touch()
	if ri, ok := srv.State.Instance(conn.JobInstanceID); ok {
		if r, ok := ri.Result(conn.Machine); ok {
			r.Touch()
		}
	}
}

func (srv *Server) handleComplete(key string, msg Message) {
	conn, ok := srv.State.Connection(key)
	if !ok {
		srv.Logger.Warn("channel: complete from unknown connection", "error", salterrors.ChannelProtocol(key, "complete from unknown connection"))
		return
	}
	if ri, ok := srv.State.Instance(conn.JobInstanceID); ok {
		if r, ok := ri.Result(conn.Machine); ok {
			r.Finalize(msg.RetCode, r.Snapshot().Output)
		}
	}
	srv.State.RemoveConnection(key)
	srv.Logger.Info("channel: agent reported complete", "instance", conn.JobInstanceID, "machine", conn.Machine, "retcode", msg.RetCode)
}

func (srv *Server) handleError(key string, msg Message) {
	conn, ok := srv.State.Connection(key)
	if !ok {
		srv.Logger.Warn("channel: error from unknown connection", "error", salterrors.ChannelProtocol(key, "error from unknown connection"))
		return
	}
	if ri, ok := srv.State.Instance(conn.JobInstanceID); ok {
		if r, ok := ri.Result(conn.Machine); ok {
			out := r.Snapshot().Output + msg.Error
			r.Finalize(255, out)
		}
	}
	srv.State.RemoveConnection(key)
	srv.Logger.Warn("channel: agent reported error", "instance", conn.JobInstanceID, "machine", conn.Machine, "error", msg.Error)
}
