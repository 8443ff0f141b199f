// Package simulator is a self-contained stand-in for the exam-platform
// provisioning API. It serves the same HTTP surface and deployment log
// websocket protocol, backed by scripted scenarios instead of real cluster
// provisioning.
package simulator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dommgifer/CK-EP-sub000/internal/domain"
)

type sessionRecord struct {
	ID            string `json:"session_id"`
	QuestionSetID string `json:"question_set_id"`
	VMConfigID    string `json:"vm_config_id"`
	Status        string `json:"status"`

	inventoryReady bool
}

// Server exposes the simulated provisioning API over HTTP and websocket.
type Server struct {
	runner  *Runner
	broker  Broker
	store   StatusStore
	log     *slog.Logger
	metrics *metrics
	reg     *prometheus.Registry

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*sessionRecord
}

// NewServer wires the simulator's HTTP layer to a runner, broker and store.
func NewServer(runner *Runner, broker Broker, store StatusStore, reg *prometheus.Registry, log *slog.Logger) *Server {
	s := &Server{
		runner:   runner,
		broker:   broker,
		store:    store,
		log:      log,
		metrics:  newMetrics(reg),
		reg:      reg,
		sessions: make(map[string]*sessionRecord),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	runner.OnFinish(func(outcome string) {
		s.metrics.deployments.WithLabelValues(outcome).Inc()
	})
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /exam-sessions",
		s.metrics.instrument("/exam-sessions", s.handleRegisterSession))
	mux.HandleFunc("POST /exam-sessions/{id}/kubespray/inventory",
		s.metrics.instrument("/exam-sessions/{id}/kubespray/inventory", s.handleGenerateInventory))
	mux.HandleFunc("POST /exam-sessions/{id}/kubespray/deploy",
		s.metrics.instrument("/exam-sessions/{id}/kubespray/deploy", s.handleStartDeployment))
	mux.HandleFunc("GET /exam-sessions/{id}/kubespray/deploy/status",
		s.metrics.instrument("/exam-sessions/{id}/kubespray/deploy/status", s.handleDeploymentStatus))
	// Not instrumented: the wrapper would hide the hijacker the upgrade needs.
	mux.HandleFunc("GET /exam-sessions/{id}/kubespray/deploy/logs/ws", s.handleLogStream)
	mux.Handle("GET /metrics", metricsHandler(s.reg))
	return mux
}

func (s *Server) handleRegisterSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QuestionSetID string `json:"question_set_id"`
		VMConfigID    string `json:"vm_config_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.QuestionSetID == "" || req.VMConfigID == "" {
		respondError(w, http.StatusBadRequest, "question_set_id and vm_config_id are required")
		return
	}
	record := &sessionRecord{
		ID:            uuid.NewString(),
		QuestionSetID: req.QuestionSetID,
		VMConfigID:    req.VMConfigID,
		Status:        "created",
	}
	s.mu.Lock()
	s.sessions[record.ID] = record
	s.mu.Unlock()
	s.log.Info("session registered", "session_id", record.ID, "question_set_id", req.QuestionSetID)
	respondJSON(w, http.StatusCreated, record)
}

func (s *Server) handleGenerateInventory(w http.ResponseWriter, r *http.Request) {
	record, ok := s.session(r.PathValue("id"))
	if !ok {
		respondError(w, http.StatusNotFound, "exam session not found")
		return
	}
	var spec struct {
		VMConfigID string `json:"vm_config_id"`
		NodeCount  int    `json:"node_count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.mu.Lock()
	record.inventoryReady = true
	record.Status = "inventory_ready"
	s.mu.Unlock()
	s.log.Info("inventory generated", "session_id", record.ID, "node_count", spec.NodeCount)
	respondJSON(w, http.StatusOK, map[string]string{
		"session_id": record.ID,
		"status":     "inventory_ready",
	})
}

func (s *Server) handleStartDeployment(w http.ResponseWriter, r *http.Request) {
	record, ok := s.session(r.PathValue("id"))
	if !ok {
		respondError(w, http.StatusNotFound, "exam session not found")
		return
	}
	s.mu.Lock()
	ready := record.inventoryReady
	s.mu.Unlock()
	if !ready {
		respondError(w, http.StatusNotFound, "inventory not generated for this session")
		return
	}
	var req struct {
		Playbook string `json:"playbook"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	status, started := s.runner.Start(r.Context(), record.ID, req.Playbook)
	if !started {
		respondError(w, http.StatusConflict, "deployment already in progress for this session")
		return
	}
	s.log.Info("deployment started", "session_id", record.ID, "playbook", status.Playbook)
	respondJSON(w, http.StatusAccepted, map[string]string{
		"session_id":     record.ID,
		"status":         status.Status,
		"playbook":       status.Playbook,
		"log_stream_url": "/exam-sessions/" + record.ID + "/kubespray/deploy/logs/ws",
		"started_at":     status.StartedAt,
	})
}

func (s *Server) handleDeploymentStatus(w http.ResponseWriter, r *http.Request) {
	record, ok := s.session(r.PathValue("id"))
	if !ok {
		respondError(w, http.StatusNotFound, "exam session not found")
		return
	}
	status, err := s.store.Get(r.Context(), record.ID)
	if err == ErrStatusNotFound {
		respondError(w, http.StatusNotFound, "no deployment for this session")
		return
	}
	if err != nil {
		s.log.Error("read status", "session_id", record.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "status store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	record, ok := s.session(r.PathValue("id"))
	if !ok {
		respondError(w, http.StatusNotFound, "exam session not found")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "session_id", record.ID, "error", err)
		return
	}
	defer conn.Close()

	s.metrics.streams.Inc()
	defer s.metrics.streams.Dec()

	events, stop, err := s.broker.Subscribe(r.Context(), record.ID)
	if err != nil {
		s.log.Error("subscribe failed", "session_id", record.ID, "error", err)
		return
	}
	defer stop()

	stream := &logStream{conn: conn, sessionID: record.ID, server: s}
	stream.send(domain.EnvelopeConnected, nil, "deployment log stream connected")

	readerDone := make(chan struct{})
	go stream.readLoop(readerDone)

	for {
		select {
		case <-readerDone:
			return
		case ev, open := <-events:
			if !open {
				return
			}
			stream.send(ev.Type, ev.Data, "")
			if ev.Type == "status" && isTerminalStatus(ev.Data) {
				return
			}
		}
	}
}

func isTerminalStatus(data json.RawMessage) bool {
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return false
	}
	return payload.Status == "completed" || payload.Status == "failed"
}

// logStream serializes writes to one websocket client.
type logStream struct {
	conn      *websocket.Conn
	sessionID string
	server    *Server

	writeMu sync.Mutex
}

func (l *logStream) send(envType string, data json.RawMessage, message string) {
	env := domain.Envelope{
		Type:      envType,
		SessionID: l.sessionID,
		Data:      data,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := l.conn.WriteJSON(env); err != nil {
		l.server.log.Debug("websocket write failed", "session_id", l.sessionID, "error", err)
	}
}

// readLoop answers client frames: ping, get_status, command. Anything else
// gets an error envelope back.
func (l *logStream) readLoop(done chan<- struct{}) {
	defer close(done)
	for {
		_, payload, err := l.conn.ReadMessage()
		if err != nil {
			return
		}
		var env domain.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			l.send(domain.EnvelopeError, nil, "invalid frame: not a JSON envelope")
			continue
		}
		switch env.Type {
		case domain.EnvelopePing:
			l.send(domain.EnvelopePong, nil, "")
		case domain.EnvelopeGetStatus:
			status, err := l.server.store.Get(context.Background(), l.sessionID)
			if err != nil {
				l.send(domain.EnvelopeError, nil, "no deployment for this session")
				continue
			}
			data, _ := json.Marshal(status)
			l.send(domain.EnvelopeStatus, data, "")
		case domain.EnvelopeCommand:
			l.send(domain.EnvelopeCommandReceived, env.Data, "")
		default:
			l.send(domain.EnvelopeError, nil, "unsupported frame type "+env.Type)
		}
	}
}

func (s *Server) session(id string) (*sessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.sessions[id]
	return record, ok
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, map[string]string{"detail": detail})
}
