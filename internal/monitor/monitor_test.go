package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dommgifer/CK-EP-sub000/internal/domain"
	"github.com/dommgifer/CK-EP-sub000/internal/provision"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder collects callback invocations for assertions.
type recorder struct {
	mu           sync.Mutex
	logs         []domain.LogEntry
	statuses     []domain.PhaseInfo
	errs         []string
	connected    int
	disconnected int
	completed    []domain.DeploymentJob
	failed       []domain.DeploymentJob
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnConnected:    func() { r.mu.Lock(); r.connected++; r.mu.Unlock() },
		OnDisconnected: func() { r.mu.Lock(); r.disconnected++; r.mu.Unlock() },
		OnError:        func(msg string) { r.mu.Lock(); r.errs = append(r.errs, msg); r.mu.Unlock() },
		OnLog:          func(e domain.LogEntry) { r.mu.Lock(); r.logs = append(r.logs, e); r.mu.Unlock() },
		OnStatus:       func(i domain.PhaseInfo) { r.mu.Lock(); r.statuses = append(r.statuses, i); r.mu.Unlock() },
		OnCompleted:    func(j domain.DeploymentJob) { r.mu.Lock(); r.completed = append(r.completed, j); r.mu.Unlock() },
		OnFailed:       func(j domain.DeploymentJob) { r.mu.Lock(); r.failed = append(r.failed, j); r.mu.Unlock() },
	}
}

func (r *recorder) wait(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		r.mu.Lock()
		ok := cond()
		r.mu.Unlock()
		if ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// fakeClient scripts the provisioning API for unit tests. The stream URL
// points at a closed port so the log channel exhausts its retries quickly
// and the poller carries the test.
type fakeClient struct {
	registerErr error
	specErr     error
	startErr    error

	mu       sync.Mutex
	statusFn func() (*domain.PhaseInfo, error)
}

func (f *fakeClient) setStatus(fn func() (*domain.PhaseInfo, error)) {
	f.mu.Lock()
	f.statusFn = fn
	f.mu.Unlock()
}

func (f *fakeClient) RegisterSession(_ context.Context, _ provision.RegisterSessionRequest) (*provision.Session, error) {
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	return &provision.Session{ID: "sess-1"}, nil
}

func (f *fakeClient) GenerateClusterSpec(_ context.Context, _ string, _ provision.ClusterSpec) error {
	return f.specErr
}

func (f *fakeClient) StartDeployment(_ context.Context, sessionID, _ string) (*provision.DeploymentHandle, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &provision.DeploymentHandle{SessionID: sessionID, Status: "started"}, nil
}

func (f *fakeClient) DeploymentStatus(_ context.Context, _ string) (*domain.PhaseInfo, error) {
	f.mu.Lock()
	fn := f.statusFn
	f.mu.Unlock()
	if fn == nil {
		return &domain.PhaseInfo{SessionID: "sess-1", Phase: domain.PhaseRunning}, nil
	}
	return fn()
}

func (f *fakeClient) LogStreamURL(string) string {
	return "ws://127.0.0.1:1/none"
}

func newTestMonitor(t *testing.T, client Client, rec *recorder) *Monitor {
	t.Helper()
	m, err := New(Config{
		Client:            client,
		ReconnectBase:     10 * time.Millisecond,
		ReconnectMax:      20 * time.Millisecond,
		ReconnectAttempts: 2,
		PollInterval:      20 * time.Millisecond,
		Callbacks:         rec.callbacks(),
		Logger:            discardLogger(),
	})
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	return m
}

func launchParams() LaunchParams {
	return LaunchParams{QuestionSetID: "cka-01", VMConfigID: "three-node", NodeCount: 3}
}

func TestLaunchStepFailuresAreTyped(t *testing.T) {
	cases := []struct {
		name   string
		client *fakeClient
		step   string
	}{
		{"register", &fakeClient{registerErr: errors.New("boom")}, StepRegisterSession},
		{"spec", &fakeClient{specErr: errors.New("boom")}, StepGenerateSpec},
		{"deploy", &fakeClient{startErr: errors.New("boom")}, StepStartDeployment},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			m := newTestMonitor(t, tc.client, rec)
			_, err := m.Start(context.Background(), launchParams())
			var le *LaunchError
			if !errors.As(err, &le) {
				t.Fatalf("got %v, want *LaunchError", err)
			}
			if le.Step != tc.step {
				t.Fatalf("failed step %q, want %q", le.Step, tc.step)
			}
			if got := m.State(); got != StateIdle {
				t.Fatalf("state after failed launch %q, want idle", got)
			}
			// A failed launch must leave the monitor reusable.
			if _, err := m.Start(context.Background(), launchParams()); errors.Is(err, ErrNotIdle) {
				t.Fatal("monitor rejected relaunch after failed launch")
			}
			m.Cancel()
		})
	}
}

func TestSecondStartWhileActiveRejected(t *testing.T) {
	client := &fakeClient{}
	rec := &recorder{}
	m := newTestMonitor(t, client, rec)
	if _, err := m.Start(context.Background(), launchParams()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Cancel()
	if _, err := m.Start(context.Background(), launchParams()); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("got %v, want ErrNotIdle", err)
	}
}

func TestPollerSettlesCompletion(t *testing.T) {
	client := &fakeClient{}
	calls := 0
	exitCode := 0
	client.setStatus(func() (*domain.PhaseInfo, error) {
		calls++
		if calls < 3 {
			return &domain.PhaseInfo{SessionID: "sess-1", Phase: domain.PhaseRunning}, nil
		}
		return &domain.PhaseInfo{SessionID: "sess-1", Phase: domain.PhaseCompleted, ExitCode: &exitCode}, nil
	})

	rec := &recorder{}
	m := newTestMonitor(t, client, rec)
	if _, err := m.Start(context.Background(), launchParams()); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.wait(t, "completion", func() bool { return len(rec.completed) == 1 })

	<-m.Done()
	if got := m.State(); got != StateCompleted {
		t.Fatalf("state %q, want completed", got)
	}
	job := rec.completed[0]
	if job.Phase != domain.PhaseCompleted || job.ExitCode == nil || *job.ExitCode != 0 {
		t.Fatalf("settled job %+v", job)
	}
	if job.CompletedAt == nil {
		t.Fatal("settled job has no completion time")
	}
	if len(rec.failed) != 0 {
		t.Fatalf("failure callback fired: %+v", rec.failed)
	}
}

func TestDualTerminalSignalsNotifyOnce(t *testing.T) {
	client := &fakeClient{}
	client.setStatus(func() (*domain.PhaseInfo, error) {
		return &domain.PhaseInfo{SessionID: "sess-1", Phase: domain.PhaseCompleted}, nil
	})

	rec := &recorder{}
	m := newTestMonitor(t, client, rec)
	if _, err := m.Start(context.Background(), launchParams()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Redundant terminal signal on the push path, racing the poller.
	m.push(event{kind: evStatus, info: domain.PhaseInfo{SessionID: "sess-1", Phase: domain.PhaseCompleted}, src: sourcePush})

	rec.wait(t, "completion", func() bool { return len(rec.completed) >= 1 })
	<-m.Done()
	time.Sleep(50 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.completed) != 1 {
		t.Fatalf("terminal callback fired %d times, want exactly once", len(rec.completed))
	}
	if len(rec.failed) != 0 {
		t.Fatalf("failure callback fired alongside completion: %+v", rec.failed)
	}
}

func TestPushTerminalRequiresPollerConfirmation(t *testing.T) {
	client := &fakeClient{}
	var terminal bool
	var flagMu sync.Mutex
	client.setStatus(func() (*domain.PhaseInfo, error) {
		flagMu.Lock()
		defer flagMu.Unlock()
		if terminal {
			code := 0
			return &domain.PhaseInfo{SessionID: "sess-1", Phase: domain.PhaseCompleted, ExitCode: &code}, nil
		}
		return &domain.PhaseInfo{SessionID: "sess-1", Phase: domain.PhaseRunning}, nil
	})

	rec := &recorder{}
	m := newTestMonitor(t, client, rec)
	if _, err := m.Start(context.Background(), launchParams()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// A premature failure on the push channel is contradicted by the status
	// query and must not settle the monitor.
	m.push(event{kind: evStatus, info: domain.PhaseInfo{SessionID: "sess-1", Phase: domain.PhaseFailed}, src: sourcePush})
	rec.wait(t, "premature status delivery", func() bool { return len(rec.statuses) >= 1 })
	time.Sleep(100 * time.Millisecond)
	if got := m.State(); got != StateMonitoring {
		t.Fatalf("state %q after contradicted push signal, want monitoring", got)
	}
	rec.mu.Lock()
	failedCount := len(rec.failed)
	rec.mu.Unlock()
	if failedCount != 0 {
		t.Fatal("contradicted push signal settled the monitor")
	}

	flagMu.Lock()
	terminal = true
	flagMu.Unlock()

	rec.wait(t, "completion", func() bool { return len(rec.completed) == 1 })
	<-m.Done()
	if got := m.State(); got != StateCompleted {
		t.Fatalf("state %q, want completed", got)
	}
}

func TestCancelSilencesCallbacks(t *testing.T) {
	client := &fakeClient{}
	rec := &recorder{}
	m := newTestMonitor(t, client, rec)
	if _, err := m.Start(context.Background(), launchParams()); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.wait(t, "first status", func() bool { return len(rec.statuses) >= 1 })

	m.Cancel()
	if got := m.State(); got != StateCancelled {
		t.Fatalf("state %q after cancel, want cancelled", got)
	}
	select {
	case <-m.Done():
	default:
		t.Fatal("done channel still open after cancel")
	}

	rec.mu.Lock()
	statuses, errCount, logCount := len(rec.statuses), len(rec.errs), len(rec.logs)
	rec.mu.Unlock()
	time.Sleep(100 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.statuses) != statuses || len(rec.errs) != errCount || len(rec.logs) != logCount {
		t.Fatal("callbacks fired after Cancel returned")
	}
	if len(rec.completed)+len(rec.failed) != 0 {
		t.Fatal("terminal callback fired on a cancelled monitor")
	}

	m.Cancel() // idempotent
}

func TestExhaustedLogChannelIsNotTerminal(t *testing.T) {
	client := &fakeClient{}
	rec := &recorder{}
	m := newTestMonitor(t, client, rec)
	if _, err := m.Start(context.Background(), launchParams()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Cancel()

	// The stream URL is unreachable, so the channel burns its 2 attempts
	// and reports an error while polling continues.
	rec.wait(t, "channel error", func() bool { return len(rec.errs) >= 1 })
	rec.wait(t, "polling continues", func() bool { return len(rec.statuses) >= 2 })
	if got := m.State(); got != StateMonitoring {
		t.Fatalf("state %q, want monitoring", got)
	}
}
