package dataplane

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/codefionn/hubgate/hubgate-srv/config"
	"github.com/codefionn/hubgate/hubgate-srv/logger"
	"github.com/codefionn/hubgate/hubgate-srv/stats"
	"github.com/codefionn/hubgate/hubgate-srv/transport"
	"github.com/google/uuid"
)

// Proxy runs data-plane calls end to end: validate, build, send, normalize.
type Proxy struct {
	validator Validator
	builder   *Builder
	collector stats.Collector
	maxBody   int64
}

// NewProxy creates a proxy for cfg. transports may be nil, in which case
// every call is unprotected; collector may be nil to skip auditing.
func NewProxy(cfg *config.Config, transports TransportResolver, collector stats.Collector) (*Proxy, error) {
	hostnames, err := NewHostnameValidator(cfg.ManagementDomain)
	if err != nil {
		return nil, err
	}
	if collector == nil {
		collector = stats.NewDummyCollector()
	}
	maxBody := cfg.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = config.Default().MaxResponseBytes
	}

	return &Proxy{
		validator: Validator{Hostnames: hostnames},
		builder: &Builder{
			Timeout:           time.Duration(cfg.TimeoutSeconds) * time.Second,
			Transports:        transports,
			RequireProtection: cfg.SSRF.RequireProtection,
		},
		collector: collector,
		maxBody:   maxBody,
	}, nil
}

// HandleJSON decodes a request document and runs it.
func (p *Proxy) HandleJSON(ctx context.Context, data []byte) NormalizedResponse {
	spec, err := DecodeSpec(data)
	if err != nil {
		requestID := uuid.NewString()
		logger.Debug("%s", logger.WithRequestID(requestID, "Rejected request document: %v", err))
		p.recordRejection(ctx, requestID, OutboundRequestSpec{}, err)
		return FromError(err)
	}
	return p.Do(ctx, spec)
}

// Do performs one call. The result is always a NormalizedResponse; failures
// are carried in its status code and message body.
func (p *Proxy) Do(ctx context.Context, spec OutboundRequestSpec) NormalizedResponse {
	requestID := uuid.NewString()
	start := time.Now()

	vr, err := p.validator.Validate(spec)
	if err != nil {
		logger.Info("%s", logger.WithRequestID(requestID, "Rejected %s %q: %v", spec.HTTPMethod, spec.HostName, err))
		p.recordRejection(ctx, requestID, spec, err)
		return FromError(err)
	}

	call := stats.CallRecord{
		RequestID: requestID,
		Method:    string(vr.Method()),
		Host:      vr.Host(),
		Path:      vr.Path(),
		Timestamp: start,
	}
	finish := func(resp NormalizedResponse, err error) NormalizedResponse {
		call.StatusCode = resp.StatusCode
		call.DurationMs = time.Since(start).Milliseconds()
		call.ErrorCode = codeOf(err)
		p.record(ctx, func(ctx context.Context) error { return p.collector.RecordCall(ctx, call) })
		return resp
	}

	out, err := p.builder.Build(ctx, vr)
	if err != nil {
		logger.Warn("%s", logger.WithRequestID(requestID, "Refusing call to %s: %v", vr.Host(), err))
		if codeOf(err) == ErrCodeNoProtection {
			p.recordSecurity(ctx, requestID, stats.EventUnprotectedCall, vr.Host(), err)
		}
		return finish(FromError(err), err)
	}
	call.Protected = out.Protected
	if !out.Protected {
		p.recordSecurity(ctx, requestID, stats.EventUnprotectedCall, vr.Host(), nil)
	}

	logger.Debug("%s", logger.WithRequestID(requestID, "%s %s (token %s)", vr.Method(), out.URL.Redacted(), logger.RedactToken(vr.token)))

	resp, err := out.Client.Do(out.Request)
	if err != nil {
		coded := classifyTransportError(err)
		logger.Warn("%s", logger.WithRequestID(requestID, "Call to %s failed: %v", vr.Host(), coded))
		if coded.Code == ErrCodeDestinationBlock {
			p.recordSecurity(ctx, requestID, stats.EventDestinationBlocked, vr.Host(), coded)
		}
		return finish(FromError(coded), coded)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBody+1))
	if err != nil {
		coded := NewResponseError(ErrCodeBodyReadFailed, err)
		logger.Warn("%s", logger.WithRequestID(requestID, "Reading response from %s failed: %v", vr.Host(), err))
		return finish(FromError(coded), coded)
	}
	raw := &RawResponse{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       body,
	}
	if int64(len(body)) > p.maxBody {
		raw.Body = body[:p.maxBody]
		raw.BodyTooLarge = true
	}

	normalized, normErr := normalize(raw)
	logger.Debug("%s", logger.WithRequestID(requestID, "%s answered %d as %s in %s", vr.Host(), normalized.StatusCode, Classify(raw), time.Since(start)))
	return finish(normalized, normErr)
}

func (p *Proxy) recordRejection(ctx context.Context, requestID string, spec OutboundRequestSpec, err error) {
	p.recordSecurity(ctx, requestID, stats.EventValidationRejected, spec.HostName, err)
}

func (p *Proxy) recordSecurity(ctx context.Context, requestID, eventType, host string, err error) {
	event := stats.SecurityEvent{
		RequestID: requestID,
		EventType: eventType,
		Host:      host,
		ErrorCode: codeOf(err),
		Timestamp: time.Now(),
	}
	var coded *Error
	switch {
	case errors.As(err, &coded):
		event.Reason = coded.Description
		if coded.Cause != nil {
			event.Reason += ": " + coded.Cause.Error()
		}
	case err != nil:
		event.Reason = err.Error()
	default:
		event.Reason = "request filtering unavailable"
	}
	p.record(ctx, func(ctx context.Context) error { return p.collector.RecordSecurityEvent(ctx, event) })
}

// record writes to the audit trail without letting a failed write affect the call.
func (p *Proxy) record(ctx context.Context, write func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := write(ctx); err != nil {
		logger.Error("Failed to record audit entry: %v", err)
	}
}

// The filtering transport loader is the production resolver.
var _ TransportResolver = (*transport.Loader)(nil)
