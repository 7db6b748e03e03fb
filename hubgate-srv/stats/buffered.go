package stats

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/hubgate/hubgate-srv/logger"
)

// BufferedCollector batches audit writes off the call path. Queries flush
// first and then read through.
type BufferedCollector struct {
	underlying Collector
	interval   time.Duration

	mu       sync.Mutex
	calls    []CallRecord
	security []SecurityEvent

	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	flushLock sync.Mutex
}

// NewBufferedCollector creates a buffered collector flushing every interval
func NewBufferedCollector(underlying Collector, interval time.Duration) *BufferedCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	bc := &BufferedCollector{
		underlying: underlying,
		interval:   interval,
		calls:      make([]CallRecord, 0, 256),
		security:   make([]SecurityEvent, 0, 32),
		stopChan:   make(chan struct{}),
	}

	bc.wg.Add(1)
	go bc.flusher()
	return bc
}

// flusher runs in the background and flushes on every tick
func (b *BufferedCollector) flusher() {
	defer b.wg.Done()

	logger.Debug("Starting buffered audit flusher %s", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.stopChan:
			b.flush()
			return
		}
	}
}

// RecordCall buffers a call record
func (b *BufferedCollector) RecordCall(ctx context.Context, call CallRecord) error {
	if call.Timestamp.IsZero() {
		call.Timestamp = time.Now()
	}
	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.mu.Unlock()
	return nil
}

// RecordSecurityEvent buffers a security event
func (b *BufferedCollector) RecordSecurityEvent(ctx context.Context, event SecurityEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.Lock()
	b.security = append(b.security, event)
	b.mu.Unlock()
	return nil
}

// RecentCalls flushes and delegates to the underlying collector
func (b *BufferedCollector) RecentCalls(ctx context.Context, limit int) ([]CallRecord, error) {
	b.flush()
	return b.underlying.RecentCalls(ctx, limit)
}

// SecurityEvents flushes and delegates to the underlying collector
func (b *BufferedCollector) SecurityEvents(ctx context.Context, limit int) ([]SecurityEvent, error) {
	b.flush()
	return b.underlying.SecurityEvents(ctx, limit)
}

// HealthCheck delegates to underlying collector
func (b *BufferedCollector) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}

// flush writes all buffered records to the underlying collector
func (b *BufferedCollector) flush() {
	b.flushLock.Lock()
	defer b.flushLock.Unlock()

	b.mu.Lock()
	calls := b.calls
	security := b.security
	b.calls = make([]CallRecord, 0, cap(calls))
	b.security = make([]SecurityEvent, 0, cap(security))
	b.mu.Unlock()

	if len(calls)+len(security) == 0 {
		return
	}
	logger.Debug("Flushing audit data %d", len(calls)+len(security))

	ctx := context.Background()
	for _, call := range calls {
		if err := b.underlying.RecordCall(ctx, call); err != nil {
			logger.Error("Failed to write audit call %s: %v", call.RequestID, err)
		}
	}
	for _, event := range security {
		if err := b.underlying.RecordSecurityEvent(ctx, event); err != nil {
			logger.Error("Failed to write security event %s: %v", event.RequestID, err)
		}
	}
}

// ForceFlush immediately flushes all buffered data
func (b *BufferedCollector) ForceFlush() {
	b.flush()
}

// Close stops the flusher and writes any remaining data
func (b *BufferedCollector) Close() error {
	b.stopOnce.Do(func() { close(b.stopChan) })
	b.wg.Wait()
	return b.underlying.Close()
}
