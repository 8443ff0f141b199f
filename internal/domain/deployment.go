package domain

import "time"

// Phase is the lifecycle phase of a provisioning job.
type Phase string

// Phase values reported by the provisioning API.
const (
	PhasePending   Phase = "pending"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// ParsePhase normalizes a raw status string from the provisioning API. The
// API additionally reports "started" for a job whose runner has been spawned
// but has not produced output yet; the monitor treats that as running.
func ParsePhase(raw string) (Phase, bool) {
	switch Phase(raw) {
	case PhasePending, PhaseRunning, PhaseCompleted, PhaseFailed:
		return Phase(raw), true
	}
	if raw == "started" {
		return PhaseRunning, true
	}
	return "", false
}

// Terminal reports whether the phase is final. Terminal phases are sticky:
// a job never leaves completed or failed.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// DeploymentJob captures a single cluster provisioning attempt for an exam
// session. It is created when the launch sequence succeeds and mutated only
// by the completion arbiter.
type DeploymentJob struct {
	ID          string
	SessionID   string
	Phase       Phase
	StartedAt   time.Time
	CompletedAt *time.Time
	ExitCode    *int
}

// PhaseInfo is a point-in-time phase observation from either channel.
type PhaseInfo struct {
	SessionID   string
	Phase       Phase
	ExitCode    *int
	CompletedAt *time.Time
}
