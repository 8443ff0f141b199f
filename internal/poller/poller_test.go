package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dommgifer/CK-EP-sub000/internal/domain"
)

// fakeStatusClient serves a scripted sequence of answers, repeating the last
// one once the script is exhausted.
type fakeStatusClient struct {
	mu      sync.Mutex
	script  []func() (*domain.PhaseInfo, error)
	queries int
}

func (f *fakeStatusClient) DeploymentStatus(ctx context.Context, sessionID string) (*domain.PhaseInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.queries
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.queries++
	return f.script[idx]()
}

func (f *fakeStatusClient) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func running() (*domain.PhaseInfo, error) {
	return &domain.PhaseInfo{SessionID: "sess-1", Phase: domain.PhaseRunning}, nil
}

func completed() (*domain.PhaseInfo, error) {
	code := 0
	return &domain.PhaseInfo{SessionID: "sess-1", Phase: domain.PhaseCompleted, ExitCode: &code}, nil
}

func failing() (*domain.PhaseInfo, error) {
	return nil, errors.New("connection refused")
}

func collectPhases(phases *[]domain.PhaseInfo, mu *sync.Mutex) func(domain.PhaseInfo) {
	return func(info domain.PhaseInfo) {
		mu.Lock()
		*phases = append(*phases, info)
		mu.Unlock()
	}
}

func TestPollerStopsOnTerminalPhase(t *testing.T) {
	client := &fakeStatusClient{script: []func() (*domain.PhaseInfo, error){running, running, completed}}
	var mu sync.Mutex
	var phases []domain.PhaseInfo

	p := New(client, "sess-1", 5*time.Millisecond, collectPhases(&phases, &mu), nil)
	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after terminal phase")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(phases) != 3 {
		t.Fatalf("observations = %d, want 3", len(phases))
	}
	if phases[len(phases)-1].Phase != domain.PhaseCompleted {
		t.Errorf("last observation = %s, want completed", phases[len(phases)-1].Phase)
	}
	// The cadence stopped: no queries continue after the terminal report.
	count := client.queryCount()
	time.Sleep(30 * time.Millisecond)
	if client.queryCount() != count {
		t.Error("poller kept querying after terminal phase")
	}
}

func TestPollerSurvivesQueryFailures(t *testing.T) {
	client := &fakeStatusClient{script: []func() (*domain.PhaseInfo, error){failing, failing, failing, completed}}
	var mu sync.Mutex
	var phases []domain.PhaseInfo

	p := New(client, "sess-1", 5*time.Millisecond, collectPhases(&phases, &mu), nil)
	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller never recovered from query failures")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(phases) != 1 || phases[0].Phase != domain.PhaseCompleted {
		t.Fatalf("observations = %+v, want single completed", phases)
	}
}

func TestPollerQueriesImmediately(t *testing.T) {
	client := &fakeStatusClient{script: []func() (*domain.PhaseInfo, error){completed}}
	var mu sync.Mutex
	var phases []domain.PhaseInfo

	p := New(client, "sess-1", time.Hour, collectPhases(&phases, &mu), nil)
	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	// With an hour-long cadence, only the immediate first query can have
	// produced the terminal observation.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first query was not issued immediately")
	}
	if client.queryCount() != 1 {
		t.Errorf("queries = %d, want 1", client.queryCount())
	}
}

func TestPollerStopsOnCancel(t *testing.T) {
	client := &fakeStatusClient{script: []func() (*domain.PhaseInfo, error){running}}
	ctx, cancel := context.WithCancel(context.Background())

	p := New(client, "sess-1", 5*time.Millisecond, nil, nil)
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop on context cancellation")
	}
}
