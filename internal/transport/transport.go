// Package transport maintains a resilient long-lived websocket connection:
// dial, heartbeat, exponential-backoff reconnect, explicit teardown.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dommgifer/CK-EP-sub000/internal/domain"
)

const (
	defaultBaseDelay    = time.Second
	defaultMaxDelay     = 30 * time.Second
	defaultMaxAttempts  = 10
	defaultPingInterval = 30 * time.Second
	defaultPingTimeout  = 10 * time.Second
	writeTimeout        = 10 * time.Second
)

// Errors reported by the transport.
var (
	ErrRunning      = errors.New("transport already running")
	ErrNotConnected = errors.New("transport not connected")

	errHeartbeatTimeout = errors.New("heartbeat acknowledgement timed out")
)

// Config describes one transport instance. OnState and OnFrame are invoked
// from the transport's single run goroutine, in order; neither may call
// Close, which would deadlock on the run-loop join.
type Config struct {
	URL    string
	Dialer *websocket.Dialer

	// Reconnect policy: delay before attempt k is min(BaseDelay<<(k-1),
	// MaxDelay); after MaxAttempts consecutive dial failures the transport
	// emits a fatal error state and stops until Start is called again.
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// Heartbeat probe payload sent every HeartbeatInterval. The frame
	// consumer acknowledges by calling Ack; a missing acknowledgement
	// within HeartbeatTimeout force-closes the connection and starts the
	// reconnect sequence. A nil Heartbeat disables probing.
	Heartbeat         []byte
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	OnState func(domain.ChannelState)
	OnFrame func([]byte)

	Logger *slog.Logger
}

// Transport is a reconnecting websocket connection. The zero value is not
// usable; construct with New.
type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	conn     *websocket.Conn
	state    domain.ChannelState
	ackWait  bool
	lastBeat time.Time
}

// New constructs a transport from cfg, filling defaults for unset policy
// fields.
func New(cfg Config) *Transport {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultPingInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultPingTimeout
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		cfg:    cfg,
		dialer: dialer,
		log:    log.With("component", "transport"),
		state:  domain.ChannelState{Status: domain.ChannelDisconnected},
	}
}

// Start launches the connect loop. It returns ErrRunning while a previous
// loop is still alive; after a fatal error state or Close a new Start
// begins a fresh attempt sequence.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.running = true
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(ctx, t.done)
	return nil
}

// Close tears the transport down: it cancels every pending timer, closes the
// live connection and waits for the run loop to exit, so no callback fires
// after Close returns. It is idempotent.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	conn := t.conn
	done := t.done
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
}

// Send writes one frame on the current connection.
func (t *Transport) Send(payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Ack records a heartbeat acknowledgement, keeping the connection alive.
func (t *Transport) Ack() {
	t.mu.Lock()
	t.ackWait = false
	t.lastBeat = time.Now().UTC()
	t.state.LastHeartbeatAt = t.lastBeat
	t.mu.Unlock()
}

// State returns a snapshot of the connection state.
func (t *Transport) State() domain.ChannelState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) run(ctx context.Context, done chan struct{}) {
	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		close(done)
	}()

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		t.setState(ctx, domain.ChannelConnecting, failures)
		conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures >= t.cfg.MaxAttempts {
				t.log.Error("connection attempts exhausted", "url", t.cfg.URL, "attempts", failures, "error", err)
				t.setState(ctx, domain.ChannelError, failures)
				return
			}
			delay := Delay(failures, t.cfg.BaseDelay, t.cfg.MaxDelay)
			t.log.Warn("dial failed", "url", t.cfg.URL, "attempt", failures, "retry_in", delay, "error", err)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		failures = 0
		t.setConn(conn)
		t.setState(ctx, domain.ChannelConnected, 0)

		serveErr := t.serve(ctx, conn)
		t.setConn(nil)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		t.log.Warn("connection dropped", "url", t.cfg.URL, "error", serveErr)
		t.setState(ctx, domain.ChannelDisconnected, 0)
		if !sleep(ctx, Delay(1, t.cfg.BaseDelay, t.cfg.MaxDelay)) {
			return
		}
	}
}

// serve pumps one live connection: inbound frames are dispatched in arrival
// order, heartbeats go out on a fixed interval, and a missed acknowledgement
// ends the connection without waiting for a close frame.
func (t *Transport) serve(ctx context.Context, conn *websocket.Conn) error {
	frames := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	heartbeat := time.NewTicker(t.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	ackTimer := time.NewTimer(t.cfg.HeartbeatTimeout)
	if !ackTimer.Stop() {
		<-ackTimer.C
	}
	defer ackTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case data := <-frames:
			if t.cfg.OnFrame != nil {
				t.cfg.OnFrame(data)
			}
		case <-heartbeat.C:
			if t.cfg.Heartbeat == nil {
				continue
			}
			if err := t.Send(t.cfg.Heartbeat); err != nil {
				return err
			}
			t.mu.Lock()
			t.ackWait = true
			t.mu.Unlock()
			ackTimer.Reset(t.cfg.HeartbeatTimeout)
		case <-ackTimer.C:
			t.mu.Lock()
			stale := t.ackWait
			t.mu.Unlock()
			if stale {
				return errHeartbeatTimeout
			}
		}
	}
}

func (t *Transport) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.ackWait = false
	t.mu.Unlock()
}

func (t *Transport) setState(ctx context.Context, status domain.ChannelStatus, attempt int) {
	t.mu.Lock()
	t.state = domain.ChannelState{Status: status, Attempt: attempt, LastHeartbeatAt: t.lastBeat}
	state := t.state
	t.mu.Unlock()
	if ctx.Err() != nil || t.cfg.OnState == nil {
		return
	}
	t.cfg.OnState(state)
}

// sleep blocks for d or until ctx is cancelled; it reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
