// Package poller issues point-in-time deployment phase queries at a fixed
// cadence. It is the availability-preserving fallback when the push channel
// is degraded: individual query failures are swallowed and retried on the
// next tick.
package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/dommgifer/CK-EP-sub000/internal/domain"
)

const (
	// DefaultInterval is the default polling cadence.
	DefaultInterval = 10 * time.Second

	queryTimeout = 15 * time.Second
)

// StatusClient is the phase-query surface of the provisioning API client.
type StatusClient interface {
	DeploymentStatus(ctx context.Context, sessionID string) (*domain.PhaseInfo, error)
}

// Poller queries one session's deployment phase until a terminal phase is
// observed or the context is cancelled.
type Poller struct {
	client    StatusClient
	sessionID string
	interval  time.Duration
	onPhase   func(domain.PhaseInfo)
	log       *slog.Logger
}

// New constructs a poller. onPhase is invoked from the polling goroutine for
// every successful observation; after a terminal phase it fires once more
// and the poller stops its cadence permanently.
func New(client StatusClient, sessionID string, interval time.Duration, onPhase func(domain.PhaseInfo), logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client:    client,
		sessionID: sessionID,
		interval:  interval,
		onPhase:   onPhase,
		log:       logger.With("component", "poller", "session_id", sessionID),
	}
}

// Run polls until a terminal phase is observed or ctx is cancelled. The
// first query is issued immediately.
func (p *Poller) Run(ctx context.Context) {
	if p.query(ctx) {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.query(ctx) {
				return
			}
		}
	}
}

// query performs one phase query and reports whether polling is finished.
func (p *Poller) query(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	timeout := queryTimeout
	if p.interval < timeout {
		timeout = p.interval
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	info, err := p.client.DeploymentStatus(opCtx, p.sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		p.log.Warn("status query failed", "error", err)
		return false
	}
	if ctx.Err() != nil {
		return true
	}
	if p.onPhase != nil {
		p.onPhase(*info)
	}
	return info.Phase.Terminal()
}
