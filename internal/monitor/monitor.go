// Package monitor launches a cluster provisioning job and watches it to a
// single terminal notification. It owns the push log channel and the status
// poller, and arbitrates their redundant terminal signals so that teardown
// and the consumer callback happen exactly once.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dommgifer/CK-EP-sub000/internal/domain"
	"github.com/dommgifer/CK-EP-sub000/internal/poller"
	"github.com/dommgifer/CK-EP-sub000/internal/provision"
	"github.com/dommgifer/CK-EP-sub000/internal/stream"
)

// State is the monitor lifecycle state.
type State string

// Monitor states. Cancelled is reachable only from Launching or Monitoring
// via an explicit Cancel.
const (
	StateIdle       State = "idle"
	StateLaunching  State = "launching"
	StateMonitoring State = "monitoring"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Launch sequence steps, used in LaunchError.
const (
	StepRegisterSession = "register_session"
	StepGenerateSpec    = "generate_spec"
	StepStartDeployment = "start_deployment"
)

// Errors reported by the monitor.
var (
	ErrNotIdle   = errors.New("monitor already started")
	ErrCancelled = errors.New("launch cancelled")
)

// LaunchError wraps a failure of one launch-sequence step. The sequence
// performs no cleanup of remote resources created by earlier steps; retrying
// means re-invoking the whole sequence.
type LaunchError struct {
	Step string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch step %s failed: %v", e.Step, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Client is the provisioning API surface the monitor drives.
type Client interface {
	RegisterSession(ctx context.Context, req provision.RegisterSessionRequest) (*provision.Session, error)
	GenerateClusterSpec(ctx context.Context, sessionID string, spec provision.ClusterSpec) error
	StartDeployment(ctx context.Context, sessionID, playbook string) (*provision.DeploymentHandle, error)
	DeploymentStatus(ctx context.Context, sessionID string) (*domain.PhaseInfo, error)
	LogStreamURL(sessionID string) string
}

// Callbacks receives monitor output. All callbacks run on the monitor's
// dispatch goroutine, one at a time, and none fires after Cancel returns or
// after the terminal notification. They must not block.
type Callbacks struct {
	OnConnected    func()
	OnDisconnected func()
	OnError        func(message string)
	OnLog          func(domain.LogEntry)
	OnStatus       func(domain.PhaseInfo)
	OnCompleted    func(domain.DeploymentJob)
	OnFailed       func(domain.DeploymentJob)
}

// LaunchParams describes the job to create.
type LaunchParams struct {
	QuestionSetID string
	VMConfigID    string
	NodeCount     int
	Playbook      string
}

// Config describes a monitor instance.
type Config struct {
	Client Client

	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	PollInterval      time.Duration
	Dialer            *websocket.Dialer

	Callbacks Callbacks
	Logger    *slog.Logger
}

type source int

const (
	sourcePush source = iota
	sourcePoll
)

type eventKind int

const (
	evLog eventKind = iota
	evStatus
	evChanState
	evChanError
)

type event struct {
	kind    eventKind
	entry   domain.LogEntry
	info    domain.PhaseInfo
	src     source
	state   domain.ChannelState
	message string
}

const confirmTimeout = 5 * time.Second

// Monitor is a per-session deployment handle: one launch, one watched job,
// one explicit teardown.
type Monitor struct {
	cfg Config
	log *slog.Logger

	events chan event

	mu           sync.Mutex
	state        State
	alive        bool
	settled      bool
	job          *domain.DeploymentJob
	channel      *stream.Channel
	launchCancel context.CancelFunc
	pollCancel   context.CancelFunc
	loopCancel   context.CancelFunc
	done         chan struct{}
	lastStatus   domain.ChannelStatus
}

// New constructs an idle monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Client == nil {
		return nil, errors.New("monitor: nil provisioning client")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		cfg:    cfg,
		log:    log.With("component", "monitor"),
		events: make(chan event, 64),
		state:  StateIdle,
	}, nil
}

// Start runs the launch sequence (register session, generate cluster spec,
// start deployment) and on success begins monitoring over both channels.
// Any step failure aborts with a *LaunchError and no automatic cleanup of
// already-created remote resources. ctx bounds only the launch calls; the
// monitoring lifetime belongs to the returned handle until a terminal
// notification or Cancel.
func (m *Monitor) Start(ctx context.Context, params LaunchParams) (*domain.DeploymentJob, error) {
	launchCtx, launchCancel := context.WithCancel(ctx)
	defer launchCancel()

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return nil, ErrNotIdle
	}
	m.state = StateLaunching
	m.launchCancel = launchCancel
	m.mu.Unlock()

	job, err := m.launch(launchCtx, params)
	if err != nil {
		m.mu.Lock()
		m.launchCancel = nil
		if m.state == StateLaunching {
			m.state = StateIdle
		}
		cancelled := m.state == StateCancelled
		m.mu.Unlock()
		if cancelled {
			return nil, ErrCancelled
		}
		return nil, err
	}

	m.mu.Lock()
	m.launchCancel = nil
	if m.state != StateLaunching {
		// Cancelled mid-launch after the job was created; the remote job
		// keeps running, per the no-cleanup contract.
		m.mu.Unlock()
		return nil, ErrCancelled
	}
	m.state = StateMonitoring
	m.alive = true
	m.job = job
	m.done = make(chan struct{})

	loopCtx, loopCancel := context.WithCancel(context.Background())
	m.loopCancel = loopCancel
	pollCtx, pollCancel := context.WithCancel(context.Background())
	m.pollCancel = pollCancel

	m.channel = stream.New(stream.Config{
		URL:               m.cfg.Client.LogStreamURL(job.SessionID),
		SessionID:         job.SessionID,
		BaseDelay:         m.cfg.ReconnectBase,
		MaxDelay:          m.cfg.ReconnectMax,
		MaxAttempts:       m.cfg.ReconnectAttempts,
		HeartbeatInterval: m.cfg.HeartbeatInterval,
		HeartbeatTimeout:  m.cfg.HeartbeatTimeout,
		Dialer:            m.cfg.Dialer,
		Logger:            m.log,
		Handlers: stream.Handlers{
			OnLog:    func(e domain.LogEntry) { m.push(event{kind: evLog, entry: e}) },
			OnStatus: func(i domain.PhaseInfo) { m.push(event{kind: evStatus, info: i, src: sourcePush}) },
			OnError:  func(msg string) { m.push(event{kind: evChanError, message: msg}) },
			OnState:  func(s domain.ChannelState) { m.push(event{kind: evChanState, state: s}) },
		},
	})
	channel := m.channel
	m.mu.Unlock()

	go m.dispatch(loopCtx)

	if err := channel.Start(); err != nil {
		m.log.Error("log channel start failed", "error", err)
	}
	p := poller.New(m.cfg.Client, job.SessionID, m.cfg.PollInterval, func(i domain.PhaseInfo) {
		m.push(event{kind: evStatus, info: i, src: sourcePoll})
	}, m.log)
	go p.Run(pollCtx)

	m.log.Info("deployment monitoring started", "job_id", job.ID, "session_id", job.SessionID)
	snapshot := *job
	return &snapshot, nil
}

func (m *Monitor) launch(ctx context.Context, params LaunchParams) (*domain.DeploymentJob, error) {
	session, err := m.cfg.Client.RegisterSession(ctx, provision.RegisterSessionRequest{
		QuestionSetID: params.QuestionSetID,
		VMConfigID:    params.VMConfigID,
	})
	if err != nil {
		return nil, &LaunchError{Step: StepRegisterSession, Err: err}
	}

	spec := provision.ClusterSpec{VMConfigID: params.VMConfigID, NodeCount: params.NodeCount}
	if err := m.cfg.Client.GenerateClusterSpec(ctx, session.ID, spec); err != nil {
		return nil, &LaunchError{Step: StepGenerateSpec, Err: err}
	}

	handle, err := m.cfg.Client.StartDeployment(ctx, session.ID, params.Playbook)
	if err != nil {
		return nil, &LaunchError{Step: StepStartDeployment, Err: err}
	}

	phase, ok := domain.ParsePhase(handle.Status)
	if !ok {
		phase = domain.PhasePending
	}
	startedAt := time.Now().UTC()
	if handle.StartedAt != "" {
		if at, err := time.Parse(time.RFC3339Nano, handle.StartedAt); err == nil {
			startedAt = at.UTC()
		}
	}
	return &domain.DeploymentJob{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Phase:     phase,
		StartedAt: startedAt,
	}, nil
}

// Cancel tears monitoring down: it stops the poller and the dispatch loop,
// closes the log channel and flips the liveness flag, so that no callback
// fires after it returns. It is idempotent and safe in every state.
func (m *Monitor) Cancel() {
	m.mu.Lock()
	if m.state == StateLaunching {
		m.state = StateCancelled
		m.alive = false
		if m.launchCancel != nil {
			m.launchCancel()
		}
		m.mu.Unlock()
		return
	}
	if m.state == StateMonitoring && !m.settled {
		m.state = StateCancelled
	}
	m.alive = false
	channel := m.channel
	pollCancel := m.pollCancel
	loopCancel := m.loopCancel
	done := m.done
	m.mu.Unlock()

	if pollCancel != nil {
		pollCancel()
	}
	if loopCancel != nil {
		loopCancel()
	}
	if done != nil {
		<-done
	}
	if channel != nil {
		channel.Close()
	}
}

// Done is closed when monitoring ends, whether by terminal notification or
// by Cancel.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// State returns the lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Job returns a snapshot of the watched job, or nil before launch succeeds.
func (m *Monitor) Job() *domain.DeploymentJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.job == nil {
		return nil
	}
	snapshot := *m.job
	return &snapshot
}

// push hands an event to the dispatch loop, dropping it once the loop has
// exited so producers can never block on a dead monitor.
func (m *Monitor) push(ev event) {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case m.events <- ev:
	case <-done:
	}
}

// dispatch is the monitor's single logical thread: every consumer callback
// and every terminal decision runs here.
func (m *Monitor) dispatch(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		done := m.done
		pollCancel := m.pollCancel
		channel := m.channel
		m.mu.Unlock()
		close(done)
		if pollCancel != nil {
			pollCancel()
		}
		// Cancel closes the channel itself after joining this loop; doing
		// it here as well is a no-op then, and covers the settle path.
		if channel != nil && m.State() != StateCancelled {
			channel.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			if m.handle(ev) {
				return
			}
		}
	}
}

// handle processes one event; it reports whether monitoring is finished.
func (m *Monitor) handle(ev event) bool {
	switch ev.kind {
	case evLog:
		m.emit(func(cb Callbacks) {
			if cb.OnLog != nil {
				cb.OnLog(ev.entry)
			}
		})
	case evChanState:
		m.handleChannelState(ev.state)
	case evChanError:
		// A remote error event means the provisioning run blew up; the
		// status store is updated to failed in the same breath, so treat
		// it as a failure signal subject to poller confirmation.
		m.emit(func(cb Callbacks) {
			if cb.OnError != nil {
				cb.OnError(ev.message)
			}
		})
		return m.observeTerminal(domain.PhaseInfo{
			SessionID: m.sessionID(),
			Phase:     domain.PhaseFailed,
		}, sourcePush)
	case evStatus:
		m.emit(func(cb Callbacks) {
			if cb.OnStatus != nil {
				cb.OnStatus(ev.info)
			}
		})
		if ev.info.Phase.Terminal() {
			return m.observeTerminal(ev.info, ev.src)
		}
	}
	return false
}

func (m *Monitor) handleChannelState(state domain.ChannelState) {
	m.mu.Lock()
	prev := m.lastStatus
	m.lastStatus = state.Status
	m.mu.Unlock()

	switch state.Status {
	case domain.ChannelConnected:
		m.emit(func(cb Callbacks) {
			if cb.OnConnected != nil {
				cb.OnConnected()
			}
		})
	case domain.ChannelDisconnected:
		if prev == domain.ChannelConnected {
			m.emit(func(cb Callbacks) {
				if cb.OnDisconnected != nil {
					cb.OnDisconnected()
				}
			})
		}
	case domain.ChannelError:
		// Retry budget exhausted. The poller keeps the job observable, so
		// this is surfaced but not terminal.
		m.emit(func(cb Callbacks) {
			if cb.OnError != nil {
				cb.OnError(fmt.Sprintf("deployment log channel unavailable after %d attempts", state.Attempt))
			}
		})
	}
}

// observeTerminal is the completion arbiter. The first observer of a
// terminal phase settles the monitor: it mutates the job, fires exactly one
// terminal callback and stops the dispatch loop; every later observer is a
// no-op. Push-channel signals are confirmed against the poller's source
// before settling, because the poller is the authoritative channel.
func (m *Monitor) observeTerminal(info domain.PhaseInfo, src source) bool {
	m.mu.Lock()
	if m.settled || m.state != StateMonitoring {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	if src == sourcePush {
		confirmCtx, cancel := context.WithTimeout(context.Background(), confirmTimeout)
		confirmed, err := m.cfg.Client.DeploymentStatus(confirmCtx, info.SessionID)
		cancel()
		if err == nil {
			if !confirmed.Phase.Terminal() {
				m.log.Warn("push channel reported terminal phase but status query disagrees; continuing",
					"push_phase", info.Phase, "polled_phase", confirmed.Phase)
				return false
			}
			info = *confirmed
		} else {
			m.log.Warn("terminal confirmation query failed; accepting push signal", "error", err)
		}
	}

	m.mu.Lock()
	if m.settled || m.state != StateMonitoring {
		m.mu.Unlock()
		return false
	}
	m.settled = true
	m.job.Phase = info.Phase
	m.job.ExitCode = info.ExitCode
	completedAt := time.Now().UTC()
	if info.CompletedAt != nil {
		completedAt = *info.CompletedAt
	}
	m.job.CompletedAt = &completedAt
	if info.Phase == domain.PhaseCompleted {
		m.state = StateCompleted
	} else {
		m.state = StateFailed
	}
	job := *m.job
	m.mu.Unlock()

	m.log.Info("deployment settled", "job_id", job.ID, "phase", job.Phase)
	m.emit(func(cb Callbacks) {
		if job.Phase == domain.PhaseCompleted {
			if cb.OnCompleted != nil {
				cb.OnCompleted(job)
			}
		} else if cb.OnFailed != nil {
			cb.OnFailed(job)
		}
	})
	return true
}

// emit runs a consumer callback only while the monitor is alive; work queued
// before teardown is silently discarded.
func (m *Monitor) emit(fire func(Callbacks)) {
	m.mu.Lock()
	alive := m.alive
	m.mu.Unlock()
	if !alive {
		return
	}
	fire(m.cfg.Callbacks)
}

func (m *Monitor) sessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.job == nil {
		return ""
	}
	return m.job.SessionID
}
