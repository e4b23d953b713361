// Package controlplane implements the bidirectional message interface: a
// chi-routed HTTP server exposing a websocket upgrade endpoint (`/ws`),
// `/healthz`, and `/metrics`, streaming every Event Log entry to connected
// clients in real time and accepting submit/intervene/kill/approve/deny/
// subscribe/status commands. Routes are built with chi, and each
// connection runs one reader goroutine and one writer goroutine for its
// lifetime over a gorilla/websocket upgrade.
package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentctl/agentctl/internal/eventlog"
	"github.com/agentctl/agentctl/internal/supervisor"
	"github.com/agentctl/agentctl/internal/types"
)

// Version is reported in the initial "system" hello frame.
const Version = "0.1.0"

// Envelope is the wire format for every message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	TaskID  string          `json:"task_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Server-to-client event type strings.
const (
	TypeSystem       = "system"
	TypeTaskUpdate   = "task_update"
	TypeStream       = "stream"
	TypeToolCall     = "tool_call"
	TypeIntervention = "intervention"
	TypeDetection    = "detection"
	TypeVerification = "verification"
	TypeError        = "error"
)

// Client-to-server command type strings.
const (
	CmdSubmit    = "submit"
	CmdIntervene = "intervene"
	CmdKill      = "kill"
	CmdApprove   = "approve"
	CmdDeny      = "deny"
	CmdSubscribe = "subscribe"
	CmdStatus    = "status"
)

// submitPayload is the expected payload shape of a "submit" command.
type submitPayload struct {
	Prompt     string                   `json:"prompt"`
	Priority   int                      `json:"priority"`
	PhaseScope string                   `json:"phase_scope"`
	Acceptance types.AcceptanceCriteria `json:"acceptance"`
}

// textPayload is the expected payload shape of "intervene" and "kill".
type textPayload struct {
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

// subscribePayload narrows a connection's event feed to one task.
type subscribePayload struct {
	TaskID string `json:"task_id"`
}

// Server wires a Supervisor to chi routes and websocket connections.
type Server struct {
	sv     *supervisor.Supervisor
	events *eventlog.Log
	log    *zap.SugaredLogger

	upgrader websocket.Upgrader
}

// New constructs a Server. events is the same Log instance the Supervisor
// was built with, used for live subscription.
func New(sv *supervisor.Supervisor, events *eventlog.Log, log *zap.SugaredLogger) *Server {
	return &Server{
		sv:     sv,
		events: events,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Security/auth is out of scope of the core; the
			// interface is assumed to sit on a trusted boundary.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router returns a chi.Router mounting /ws, /healthz, /metrics.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleWS upgrades the connection and runs one reader and one writer
// goroutine for its lifetime.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	subID, feed := s.events.Subscribe()
	defer s.events.Unsubscribe(subID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Time{})
	var writeMu sync.Mutex
	send := func(env Envelope) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteJSON(env)
	}

	send(helloEnvelope(s.sv))

	var filterTaskID string
	var filterMu sync.Mutex

	go func() {
		defer cancel()
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			s.handleCommand(env, send, &filterMu, &filterTaskID)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			filterMu.Lock()
			want := filterTaskID
			filterMu.Unlock()
			if want != "" && ev.TaskID != want {
				continue
			}
			send(eventEnvelope(ev))
		}
	}
}

func helloEnvelope(sv *supervisor.Supervisor) Envelope {
	status := sv.Status()
	payload, _ := json.Marshal(map[string]any{
		"version": Version,
		"stats":   status,
	})
	return Envelope{Type: TypeSystem, Payload: payload}
}

// eventEnvelope maps an internal Event to its wire envelope type.
func eventEnvelope(ev types.Event) Envelope {
	payload, _ := json.Marshal(ev.Payload)
	env := Envelope{TaskID: ev.TaskID, Payload: payload}
	switch ev.Kind {
	case types.EventData:
		env.Type = TypeStream
	case types.EventToolCall:
		env.Type = TypeToolCall
	case types.EventIntervention:
		env.Type = TypeIntervention
	case types.EventDetection:
		env.Type = TypeDetection
	case types.EventVerificationPass, types.EventVerificationFail:
		env.Type = TypeVerification
	case types.EventError:
		env.Type = TypeError
	default:
		env.Type = TypeTaskUpdate
	}
	return env
}

// handleCommand dispatches one client-to-server command.
func (s *Server) handleCommand(env Envelope, send func(Envelope), filterMu *sync.Mutex, filterTaskID *string) {
	switch env.Type {
	case CmdSubmit:
		var p submitPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			sendError(send, "", err)
			return
		}
		id, err := s.sv.Submit(p.Prompt, supervisor.SubmitOptions{
			Priority:   p.Priority,
			PhaseScope: p.PhaseScope,
			Acceptance: p.Acceptance,
		})
		if err != nil {
			sendError(send, "", err)
			return
		}
		payload, _ := json.Marshal(map[string]string{"task_id": id})
		send(Envelope{Type: TypeTaskUpdate, TaskID: id, Payload: payload})

	case CmdIntervene:
		var p textPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			sendError(send, env.TaskID, err)
			return
		}
		if err := s.sv.Intervene(env.TaskID, p.Text); err != nil {
			sendError(send, env.TaskID, err)
		}

	case CmdKill:
		var p textPayload
		_ = json.Unmarshal(env.Payload, &p)
		if err := s.sv.Kill(env.TaskID, p.Reason); err != nil {
			sendError(send, env.TaskID, err)
		}

	case CmdApprove, CmdDeny:
		// Approval gates are raised by intervention-declared custom rules;
		// approve/deny is treated as an intervention text carrying the
		// decision, since there is no separate gate store.
		text := "approved"
		if env.Type == CmdDeny {
			text = "denied"
		}
		if err := s.sv.Intervene(env.TaskID, text); err != nil {
			sendError(send, env.TaskID, err)
		}

	case CmdSubscribe:
		var p subscribePayload
		_ = json.Unmarshal(env.Payload, &p)
		filterMu.Lock()
		*filterTaskID = p.TaskID
		filterMu.Unlock()

	case CmdStatus:
		status := s.sv.Status()
		payload, _ := json.Marshal(status)
		send(Envelope{Type: TypeSystem, Payload: payload})

	default:
		sendError(send, env.TaskID, errUnknownCommand(env.Type))
	}
}

func sendError(send func(Envelope), taskID string, err error) {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	send(Envelope{Type: TypeError, TaskID: taskID, Payload: payload})
}

type unknownCommandError string

func (e unknownCommandError) Error() string { return "controlplane: unknown command " + string(e) }

func errUnknownCommand(t string) error { return unknownCommandError(t) }
