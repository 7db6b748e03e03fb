package stats

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

// Collector defines the interface for the data-plane audit trail. Records
// never carry access tokens or bodies.
type Collector interface {
	// Call tracking
	RecordCall(ctx context.Context, call CallRecord) error

	// Security events
	RecordSecurityEvent(ctx context.Context, event SecurityEvent) error

	// Console queries
	RecentCalls(ctx context.Context, limit int) ([]CallRecord, error)
	SecurityEvents(ctx context.Context, limit int) ([]SecurityEvent, error)

	// Health check
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// Security event types
const (
	EventValidationRejected = "validation_rejected"
	EventDestinationBlocked = "destination_blocked"
	EventUnprotectedCall    = "unprotected_call"
)

// CallRecord holds one outbound data-plane call
type CallRecord struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"request_id"`
	Method     string    `json:"method"`
	Host       string    `json:"host"`
	Path       string    `json:"path"`
	StatusCode int       `json:"status_code"`
	DurationMs int64     `json:"duration_ms"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Protected  bool      `json:"protected"`
	Timestamp  time.Time `json:"timestamp"`
}

// SecurityEvent holds a rejected request or refused destination
type SecurityEvent struct {
	ID        int64     `json:"id"`
	RequestID string    `json:"request_id"`
	EventType string    `json:"event_type"`
	Host      string    `json:"host"`
	Reason    string    `json:"reason"`
	ErrorCode string    `json:"error_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// maxFieldLength bounds untrusted strings stored in the audit trail.
const maxFieldLength = 256

// truncate makes an untrusted string storable as TEXT on every backend:
// valid UTF-8, no NUL bytes, at most maxFieldLength bytes cut on a rune
// boundary.
func truncate(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	s = strings.ReplaceAll(s, "\x00", `\x00`)
	if len(s) <= maxFieldLength {
		return s
	}
	cut := maxFieldLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
