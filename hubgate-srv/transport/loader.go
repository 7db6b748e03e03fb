package transport

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/codefionn/hubgate/hubgate-srv/config"
	"github.com/codefionn/hubgate/hubgate-srv/logger"
	"github.com/codefionn/hubgate/hubgate-srv/resolver"
	"golang.org/x/net/http2"
)

// State of the request-filtering capability.
type State int32

const (
	StateUnresolved State = iota
	StateAvailable
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unresolved"
	}
}

// ErrDisabled is the load failure recorded when ssrf.enabled is false.
var ErrDisabled = errors.New("request filtering disabled by configuration")

// BuildFunc constructs the filtering round tripper.
type BuildFunc func() (http.RoundTripper, error)

type capability struct {
	state State
	rt    http.RoundTripper
	err   error
}

// Loader resolves the filtering transport at most once per process lifetime
// and caches either the handle or the failure. Concurrent first calls may
// each build a transport; only the first CompareAndSwap wins and the others
// are discarded.
type Loader struct {
	build     BuildFunc
	onBlocked func(*BlockedError)
	cap       atomic.Pointer[capability]
	built     atomic.Int32
	refused   atomic.Int64
}

// Option configures a Loader.
type Option func(*Loader)

// WithBlockedHook observes every destination the guard refuses. The dialer
// already logs each refusal.
func WithBlockedHook(hook func(*BlockedError)) Option {
	return func(l *Loader) {
		l.onBlocked = hook
	}
}

// WithBuild replaces the default transport construction.
func WithBuild(build BuildFunc) Option {
	return func(l *Loader) {
		l.build = build
	}
}

// NewLoader returns a Loader for cfg. Nothing is built until the first Resolve.
func NewLoader(cfg *config.Config, opts ...Option) *Loader {
	l := &Loader{}
	for _, opt := range opts {
		opt(l)
	}
	if l.build == nil {
		l.build = func() (http.RoundTripper, error) {
			return NewFilteringTransport(cfg, l.observeBlocked)
		}
	}
	return l
}

// Resolve returns the filtering round tripper for u, or nil when the
// capability is unavailable or u is not an http(s) URL. It never fails.
func (l *Loader) Resolve(u *url.URL) http.RoundTripper {
	if u == nil || (u.Scheme != "https" && u.Scheme != "http") {
		return nil
	}
	c := l.cap.Load()
	if c == nil {
		c = l.initialize()
	}
	if c.state != StateAvailable {
		return nil
	}
	return c.rt
}

// State reports the current capability state without triggering a load.
func (l *Loader) State() State {
	if c := l.cap.Load(); c != nil {
		return c.state
	}
	return StateUnresolved
}

// Err returns the cached load failure, if any.
func (l *Loader) Err() error {
	if c := l.cap.Load(); c != nil {
		return c.err
	}
	return nil
}

// Refused reports how many dials the guard refused through this loader's
// transport.
func (l *Loader) Refused() int64 {
	return l.refused.Load()
}

func (l *Loader) observeBlocked(blocked *BlockedError) {
	l.refused.Add(1)
	if l.onBlocked != nil {
		l.onBlocked(blocked)
	}
}

// Builds reports how many times the transport was constructed.
func (l *Loader) Builds() int {
	return int(l.built.Load())
}

func (l *Loader) initialize() *capability {
	next := &capability{}
	rt, err := l.safeBuild()
	l.built.Add(1)
	if err != nil {
		next.state = StateUnavailable
		next.err = err
	} else {
		next.state = StateAvailable
		next.rt = rt
	}

	if l.cap.CompareAndSwap(nil, next) {
		if err != nil {
			logger.Warn("Request filtering unavailable, outbound calls proceed without address checks: %v", err)
		} else {
			logger.Info("Request filtering transport loaded")
		}
		return next
	}

	// Lost the race; converge on the stored value.
	if t, ok := rt.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
	return l.cap.Load()
}

func (l *Loader) safeBuild() (rt http.RoundTripper, err error) {
	defer func() {
		if r := recover(); r != nil {
			rt = nil
			err = fmt.Errorf("panic while loading request filtering: %v", r)
		}
	}()
	rt, err = l.build()
	if err == nil && rt == nil {
		err = errors.New("request filtering loader returned no transport")
	}
	return rt, err
}

// NewFilteringTransport builds an HTTP/1.1 + HTTP/2 transport whose every
// connection goes through the guarded Dialer.
func NewFilteringTransport(cfg *config.Config, onBlocked func(*BlockedError)) (*http.Transport, error) {
	if !cfg.SSRF.Enabled {
		return nil, ErrDisabled
	}
	guard, err := NewGuard(cfg.SSRF)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	dialer := &Dialer{
		Guard:     guard,
		Resolver:  resolver.Get(cfg.DNS),
		Forwards:  cfg.Forwards,
		Timeout:   timeout,
		OnBlocked: onBlocked,
	}

	t := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   4,
	}
	if _, err := http2.ConfigureTransports(t); err != nil {
		return nil, fmt.Errorf("configure HTTP/2: %w", err)
	}
	return t, nil
}
