// Package stream decodes the deployment log websocket: inbound envelopes are
// routed by type, log lines are classified, and heartbeats are acknowledged.
package stream

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dommgifer/CK-EP-sub000/internal/classify"
	"github.com/dommgifer/CK-EP-sub000/internal/domain"
	"github.com/dommgifer/CK-EP-sub000/internal/transport"
)

// Handlers receives decoded channel traffic. All handlers run on the
// transport's run goroutine in strict arrival order within one connection;
// a reconnect may silently skip entries produced while disconnected.
type Handlers struct {
	OnLog    func(domain.LogEntry)
	OnStatus func(domain.PhaseInfo)
	OnError  func(message string)
	OnState  func(domain.ChannelState)
}

// Config describes a push log channel for one exam session.
type Config struct {
	URL       string
	SessionID string

	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Dialer            *websocket.Dialer

	Handlers Handlers
	Logger   *slog.Logger
}

// Channel is a push log channel over a reconnecting transport.
type Channel struct {
	sessionID string
	handlers  Handlers
	log       *slog.Logger
	tr        *transport.Transport

	// nextID is touched only from the transport run goroutine.
	nextID uint64
}

// New constructs a channel; Start opens it.
func New(cfg Config) *Channel {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Channel{
		sessionID: cfg.SessionID,
		handlers:  cfg.Handlers,
		log:       log.With("component", "stream", "session_id", cfg.SessionID),
	}
	ping, _ := json.Marshal(domain.Envelope{Type: domain.EnvelopePing, SessionID: cfg.SessionID})
	c.tr = transport.New(transport.Config{
		URL:               cfg.URL,
		Dialer:            cfg.Dialer,
		BaseDelay:         cfg.BaseDelay,
		MaxDelay:          cfg.MaxDelay,
		MaxAttempts:       cfg.MaxAttempts,
		Heartbeat:         ping,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		OnState:           cfg.Handlers.OnState,
		OnFrame:           c.handleFrame,
		Logger:            log,
	})
	return c
}

// Start opens the underlying transport.
func (c *Channel) Start() error {
	return c.tr.Start()
}

// Close tears the channel down; no handler fires after it returns.
func (c *Channel) Close() {
	c.tr.Close()
}

// State reports the underlying connection state.
func (c *Channel) State() domain.ChannelState {
	return c.tr.State()
}

func (c *Channel) handleFrame(data []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn("malformed frame dropped", "error", err)
		return
	}
	switch env.Type {
	case domain.EnvelopeLog:
		c.handleLog(env, data)
	case domain.EnvelopeStatus:
		c.handleStatus(env)
	case domain.EnvelopeError:
		c.handleError(env)
	case domain.EnvelopePong:
		c.tr.Ack()
	case domain.EnvelopePing:
		pong, _ := json.Marshal(domain.Envelope{Type: domain.EnvelopePong, SessionID: c.sessionID})
		if err := c.tr.Send(pong); err != nil {
			c.log.Warn("pong reply failed", "error", err)
		}
	case domain.EnvelopeConnected, domain.EnvelopeCommandReceived:
		c.log.Debug("channel notice", "type", env.Type, "message", env.Message)
	default:
		c.log.Warn("unrecognized frame type dropped", "type", env.Type)
	}
}

type logPayload struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

func (c *Channel) handleLog(env domain.Envelope, raw []byte) {
	var payload logPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		c.log.Warn("malformed log payload dropped", "error", err)
		return
	}
	c.nextID++
	entry := domain.LogEntry{
		ID:        c.nextID,
		Timestamp: parseTimestamp(payload.Timestamp, env.Timestamp),
		Severity:  classify.Severity(payload.Message),
		Message:   payload.Message,
		RawSource: string(raw),
	}
	if c.handlers.OnLog != nil {
		c.handlers.OnLog(entry)
	}
}

type statusPayload struct {
	SessionID   string `json:"session_id"`
	Status      string `json:"status"`
	ExitCode    *int   `json:"exit_code"`
	CompletedAt string `json:"completed_at"`
}

func (c *Channel) handleStatus(env domain.Envelope) {
	var payload statusPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		c.log.Warn("malformed status payload dropped", "error", err)
		return
	}
	phase, ok := domain.ParsePhase(payload.Status)
	if !ok {
		c.log.Warn("unknown phase dropped", "status", payload.Status)
		return
	}
	info := domain.PhaseInfo{
		SessionID: c.sessionID,
		Phase:     phase,
		ExitCode:  payload.ExitCode,
	}
	if payload.CompletedAt != "" {
		if at, err := time.Parse(time.RFC3339Nano, payload.CompletedAt); err == nil {
			utc := at.UTC()
			info.CompletedAt = &utc
		}
	}
	if c.handlers.OnStatus != nil {
		c.handlers.OnStatus(info)
	}
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Channel) handleError(env domain.Envelope) {
	message := env.Message
	if message == "" && len(env.Data) > 0 {
		var payload errorPayload
		if err := json.Unmarshal(env.Data, &payload); err == nil {
			if payload.Error != "" {
				message = payload.Error
			} else {
				message = payload.Message
			}
		}
	}
	if message == "" {
		message = "remote error"
	}
	if c.handlers.OnError != nil {
		c.handlers.OnError(message)
	}
}

func parseTimestamp(candidates ...string) time.Time {
	for _, raw := range candidates {
		if raw == "" {
			continue
		}
		if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return at.UTC()
		}
	}
	return time.Now().UTC()
}
