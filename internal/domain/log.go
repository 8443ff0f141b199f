package domain

import "time"

// Severity classifies a deployment log line.
type Severity string

// Severity values in ascending interest order.
const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// LogEntry is a structured deployment log line. IDs are unique and strictly
// increasing in arrival order within one channel instance; no ordering holds
// across a reconnect, and lines produced while disconnected may be missing.
type LogEntry struct {
	ID        uint64
	Timestamp time.Time
	Severity  Severity
	Message   string
	RawSource string
}
