package stats

import "context"

// DummyCollector is a no-op implementation of Collector
// It does nothing and is used when auditing is disabled
type DummyCollector struct{}

// NewDummyCollector creates a new dummy collector
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

// RecordCall records a call (no-op)
func (d *DummyCollector) RecordCall(ctx context.Context, call CallRecord) error {
	return nil
}

// RecordSecurityEvent records a security event (no-op)
func (d *DummyCollector) RecordSecurityEvent(ctx context.Context, event SecurityEvent) error {
	return nil
}

// RecentCalls returns no calls for dummy collector
func (d *DummyCollector) RecentCalls(ctx context.Context, limit int) ([]CallRecord, error) {
	return []CallRecord{}, nil
}

// SecurityEvents returns no events for dummy collector
func (d *DummyCollector) SecurityEvents(ctx context.Context, limit int) ([]SecurityEvent, error) {
	return []SecurityEvent{}, nil
}

// HealthCheck always returns healthy for dummy collector
func (d *DummyCollector) HealthCheck(ctx context.Context) error {
	return nil
}

// Close does nothing for dummy collector
func (d *DummyCollector) Close() error {
	return nil
}
