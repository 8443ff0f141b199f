package simulator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Runner executes deployment scenarios and publishes their progress through
// the broker and status store. At most one deployment may be active per
// session at a time.
type Runner struct {
	broker   Broker
	store    StatusStore
	scenario Scenario
	log      *slog.Logger

	mu       sync.Mutex
	active   map[string]bool
	onFinish func(outcome string)
}

// OnFinish registers a hook invoked with the terminal outcome of every run.
func (r *Runner) OnFinish(fn func(outcome string)) {
	r.onFinish = fn
}

// NewRunner wires a runner to its broker and store.
func NewRunner(broker Broker, store StatusStore, scenario Scenario, log *slog.Logger) *Runner {
	return &Runner{
		broker:   broker,
		store:    store,
		scenario: scenario,
		log:      log,
		active:   make(map[string]bool),
	}
}

// Active reports whether the session has a deployment in flight.
func (r *Runner) Active(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[sessionID]
}

// Start launches the scripted deployment for the session. It returns the
// initial status record, or false when a deployment is already running.
func (r *Runner) Start(ctx context.Context, sessionID, playbook string) (*DeploymentStatus, bool) {
	r.mu.Lock()
	if r.active[sessionID] {
		r.mu.Unlock()
		return nil, false
	}
	r.active[sessionID] = true
	r.mu.Unlock()

	if playbook == "" {
		playbook = r.scenario.Playbook
	}
	started := time.Now().UTC().Format(time.RFC3339Nano)
	status := DeploymentStatus{
		SessionID: sessionID,
		Status:    "started",
		Playbook:  playbook,
		StartedAt: started,
	}
	if err := r.store.Set(ctx, sessionID, status); err != nil {
		r.log.Error("store initial status", "session_id", sessionID, "error", err)
	}

	go r.run(sessionID, status)
	return &status, true
}

func (r *Runner) run(sessionID string, status DeploymentStatus) {
	ctx := context.Background()
	defer func() {
		r.mu.Lock()
		delete(r.active, sessionID)
		r.mu.Unlock()
	}()

	r.setStatus(ctx, &status, "running", nil)

	for _, step := range r.scenario.Steps {
		time.Sleep(time.Duration(step.Delay))
		r.publishLog(ctx, sessionID, step.Message)
	}
	if r.scenario.Settle > 0 {
		time.Sleep(time.Duration(r.scenario.Settle))
	}

	if r.scenario.Error != "" {
		r.publishError(ctx, sessionID, r.scenario.Error)
		code := -1
		r.setStatus(ctx, &status, "failed", &code)
		r.finished("failed")
		return
	}
	code := r.scenario.ExitCode
	r.setStatus(ctx, &status, r.scenario.Outcome, &code)
	r.finished(r.scenario.Outcome)
}

func (r *Runner) finished(outcome string) {
	if r.onFinish != nil {
		r.onFinish(outcome)
	}
}

func (r *Runner) setStatus(ctx context.Context, status *DeploymentStatus, phase string, exitCode *int) {
	status.Status = phase
	status.ExitCode = exitCode
	if phase == "completed" || phase == "failed" {
		done := time.Now().UTC().Format(time.RFC3339Nano)
		status.CompletedAt = &done
	}
	if err := r.store.Set(ctx, status.SessionID, *status); err != nil {
		r.log.Error("store status", "session_id", status.SessionID, "error", err)
	}
	data, _ := json.Marshal(status)
	r.publish(ctx, status.SessionID, Event{Type: "status", Data: data})
}

func (r *Runner) publishLog(ctx context.Context, sessionID, message string) {
	data, _ := json.Marshal(map[string]string{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"message":   message,
	})
	r.publish(ctx, sessionID, Event{Type: "log", Data: data})
}

func (r *Runner) publishError(ctx context.Context, sessionID, message string) {
	data, _ := json.Marshal(map[string]string{"error": message})
	r.publish(ctx, sessionID, Event{Type: "error", Data: data})
}

func (r *Runner) publish(ctx context.Context, sessionID string, ev Event) {
	if err := r.broker.Publish(ctx, sessionID, ev); err != nil {
		r.log.Error("publish event", "session_id", sessionID, "type", ev.Type, "error", err)
	}
}
