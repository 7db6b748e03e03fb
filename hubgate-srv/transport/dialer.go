package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/codefionn/hubgate/hubgate-srv/config"
	"github.com/codefionn/hubgate/hubgate-srv/logger"
	"github.com/codefionn/hubgate/hubgate-srv/resolver"
	"golang.org/x/net/proxy"
)

// ForwardError wraps failures of an upstream SOCKS5 or HTTP proxy.
type ForwardError struct {
	Via     string // "socks5" or "proxy"
	Address string
	Err     error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("%s forward %s: %v", e.Via, e.Address, e.Err)
}

func (e *ForwardError) Unwrap() error {
	return e.Err
}

// Dialer resolves a destination, checks every resolved address with the
// guard and only then connects, directly or through a matching forward.
// Forwards receive the checked IP, never the host name.
type Dialer struct {
	Guard     *Guard
	Resolver  *resolver.Resolver
	Forwards  []config.Forward
	Timeout   time.Duration
	OnBlocked func(*BlockedError)
}

// DialContext satisfies http.Transport.DialContext.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address format: %w", err)
	}

	if err := d.Guard.CheckHost(host); err != nil {
		return nil, d.blocked(err)
	}

	fwd := d.selectForward(host)
	if forceIPv4(fwd) {
		logger.Debug("Forcing IPv4 for %s", addr)
		network = "tcp4"
	}

	addrs, err := d.Resolver.LookupAddrs(ctx, network, host)
	if err != nil {
		return nil, err
	}
	// Every answer must pass; one denied address refuses the destination.
	for _, ip := range addrs {
		if err := d.Guard.CheckAddr(host, ip); err != nil {
			return nil, d.blocked(err)
		}
	}

	var lastErr error
	for _, ip := range addrs {
		target := net.JoinHostPort(ip.String(), port)
		conn, err := d.dialVia(ctx, fwd, network, target)
		if err == nil {
			logger.Debug("Connected to %s (%s) via %s", host, target, describeForward(fwd))
			return conn, nil
		}
		lastErr = err
		logger.Debug("Dial %s (%s) failed: %v", host, target, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (d *Dialer) blocked(err error) error {
	var blockedErr *BlockedError
	if errors.As(err, &blockedErr) {
		logger.Warn("Refused outbound connection: %v", blockedErr)
		if d.OnBlocked != nil {
			d.OnBlocked(blockedErr)
		}
	}
	return err
}

func (d *Dialer) selectForward(host string) config.Forward {
	for i, fwd := range d.Forwards {
		if fwd.Matches(host) {
			logger.Trace("Forward[%d] %s matched %s", i, describeForward(fwd), host)
			return fwd
		}
	}
	return nil
}

func forceIPv4(fwd config.Forward) bool {
	switch f := fwd.(type) {
	case *config.ForwardDefaultNetwork:
		return f.ForceIPv4
	case *config.ForwardSocks5:
		return f.ForceIPv4
	case *config.ForwardProxy:
		return f.ForceIPv4
	}
	return false
}

func describeForward(fwd config.Forward) string {
	switch f := fwd.(type) {
	case *config.ForwardSocks5:
		return "socks5 " + f.Address
	case *config.ForwardProxy:
		return "proxy " + f.Address
	}
	return "direct"
}

func (d *Dialer) netDialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   d.Timeout,
		KeepAlive: 30 * time.Second,
	}
}

func (d *Dialer) dialVia(ctx context.Context, fwd config.Forward, network, target string) (net.Conn, error) {
	switch f := fwd.(type) {
	case *config.ForwardSocks5:
		return d.dialSocks5(ctx, f, network, target)
	case *config.ForwardProxy:
		return d.dialHTTPProxy(ctx, f, network, target)
	default:
		return d.netDialer().DialContext(ctx, network, target)
	}
}

// dialSocks5 establishes a connection to the target via a SOCKS5 proxy
func (d *Dialer) dialSocks5(ctx context.Context, fwd *config.ForwardSocks5, network, target string) (net.Conn, error) {
	var auth *proxy.Auth
	if fwd.Username != nil {
		auth = &proxy.Auth{User: *fwd.Username}
		if fwd.Password != nil {
			auth.Password = *fwd.Password
		}
	}

	socksDialer, err := proxy.SOCKS5(network, fwd.Address, auth, d.netDialer())
	if err != nil {
		return nil, &ForwardError{Via: "socks5", Address: fwd.Address, Err: err}
	}

	var conn net.Conn
	if ctxDialer, ok := socksDialer.(proxy.ContextDialer); ok {
		conn, err = ctxDialer.DialContext(ctx, network, target)
	} else {
		conn, err = socksDialer.Dial(network, target)
	}
	if err != nil {
		return nil, &ForwardError{Via: "socks5", Address: fwd.Address, Err: fmt.Errorf("target %s: %w", target, err)}
	}
	return conn, nil
}

// dialHTTPProxy tunnels to the target through an HTTP proxy using CONNECT.
func (d *Dialer) dialHTTPProxy(ctx context.Context, fwd *config.ForwardProxy, network, target string) (net.Conn, error) {
	proxyConn, err := d.netDialer().DialContext(ctx, network, fwd.Address)
	if err != nil {
		return nil, &ForwardError{Via: "proxy", Address: fwd.Address, Err: err}
	}
	fail := func(err error) (net.Conn, error) {
		if closeErr := proxyConn.Close(); closeErr != nil {
			logger.Error("Error closing proxy connection: %v", closeErr)
		}
		return nil, &ForwardError{Via: "proxy", Address: fwd.Address, Err: err}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = proxyConn.SetDeadline(deadline)
	} else if d.Timeout > 0 {
		_ = proxyConn.SetDeadline(time.Now().Add(d.Timeout))
	}

	connectReq, err := http.NewRequestWithContext(ctx, http.MethodConnect, "http://"+target, http.NoBody)
	if err != nil {
		return fail(fmt.Errorf("creating CONNECT request: %w", err))
	}
	connectReq.Host = target
	connectReq.Header.Set("User-Agent", "hubgate/1.0")
	if fwd.Username != nil {
		password := ""
		if fwd.Password != nil {
			password = *fwd.Password
		}
		credentials := base64.StdEncoding.EncodeToString([]byte(*fwd.Username + ":" + password))
		connectReq.Header.Set("Proxy-Authorization", "Basic "+credentials)
	}

	if err := connectReq.Write(proxyConn); err != nil {
		return fail(fmt.Errorf("sending CONNECT: %w", err))
	}

	br := bufio.NewReader(proxyConn)
	connectResp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		return fail(fmt.Errorf("reading CONNECT response: %w", err))
	}
	defer func() {
		if closeErr := connectResp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if connectResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(connectResp.Body, 512))
		return fail(fmt.Errorf("CONNECT to %s denied with status %s: %s", target, connectResp.Status, body))
	}

	_ = proxyConn.SetDeadline(time.Time{})
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: proxyConn, r: br}, nil
	}
	return proxyConn, nil
}

// bufferedConn keeps bytes the proxy sent right after its CONNECT response.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
