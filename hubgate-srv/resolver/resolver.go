package resolver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/codefionn/hubgate/hubgate-srv/config"
	"github.com/codefionn/hubgate/hubgate-srv/logger"
)

var (
	shared       *Resolver
	sharedMutex  sync.RWMutex
	sharedConfig config.DNSConfig
)

// Resolver looks up data-plane hosts either through the system resolver or
// through configured UDP, TCP or DoT servers used round-robin.
type Resolver struct {
	dnsConfig  config.DNSConfig
	currentIdx int
	mutex      sync.Mutex
	tlsConfig  *tls.Config
	netRes     *net.Resolver
}

// NewResolver creates a new Resolver with the given DNS configuration.
func NewResolver(cfg config.DNSConfig) *Resolver {
	r := &Resolver{
		dnsConfig: cfg,
		tlsConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
	if r.Custom() {
		r.netRes = &net.Resolver{PreferGo: true, Dial: r.Dial}
	} else {
		r.netRes = &net.Resolver{PreferGo: true}
	}
	return r
}

// Get returns the process-wide resolver for dnsConfig, rebuilding it when the
// configuration differs from the one it was built with.
func Get(dnsConfig config.DNSConfig) *Resolver {
	sharedMutex.RLock()
	if shared != nil && configsEqual(sharedConfig, dnsConfig) {
		r := shared
		sharedMutex.RUnlock()
		return r
	}
	sharedMutex.RUnlock()

	sharedMutex.Lock()
	defer sharedMutex.Unlock()
	// Double-check after acquiring write lock
	if shared != nil && configsEqual(sharedConfig, dnsConfig) {
		return shared
	}
	if shared != nil {
		logger.Info("DNS configuration changed, reinitializing resolver")
	}
	shared = NewResolver(dnsConfig)
	sharedConfig = dnsConfig
	if shared.Custom() {
		logger.Info("Custom DNS resolver initialized with %d server(s)", len(dnsConfig.Servers))
		for i, server := range dnsConfig.Servers {
			logger.Info("  DNS Server %d: %s (%s)", i, server.Address, server.Type)
		}
	} else {
		logger.Info("Using system default DNS resolver")
	}
	return shared
}

func configsEqual(a, b config.DNSConfig) bool {
	return a.Enabled == b.Enabled && slices.Equal(a.Servers, b.Servers)
}

// Custom reports whether lookups go to the configured servers.
func (r *Resolver) Custom() bool {
	return r.dnsConfig.Enabled && len(r.dnsConfig.Servers) > 0
}

// NetResolver exposes the underlying net.Resolver.
func (r *Resolver) NetResolver() *net.Resolver {
	return r.netRes
}

// LookupAddrs resolves host to its addresses. IP literals are returned as-is
// without a lookup. IPv4-mapped IPv6 addresses are unmapped.
func (r *Resolver) LookupAddrs(ctx context.Context, network, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}

	ipNetwork := "ip"
	switch network {
	case "tcp4", "udp4":
		ipNetwork = "ip4"
	case "tcp6", "udp6":
		ipNetwork = "ip6"
	}

	addrs, err := r.netRes.LookupNetIP(ctx, ipNetwork, host)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("lookup %s: no addresses", host)
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.Unmap())
	}
	logger.Trace("Resolved %s to %v", host, out)
	return out, nil
}

// Dial is the custom dial function for DNS resolution.
func (r *Resolver) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if len(r.dnsConfig.Servers) == 0 {
		return nil, fmt.Errorf("no DNS servers configured")
	}

	r.mutex.Lock()
	serverIdx := r.currentIdx
	r.currentIdx = (r.currentIdx + 1) % len(r.dnsConfig.Servers)
	r.mutex.Unlock()

	dnsServer := r.dnsConfig.Servers[serverIdx]
	logger.Debug("Using DNS server %d: %s (%s)", serverIdx, dnsServer.Address, dnsServer.Type)

	dialer := &net.Dialer{
		Timeout: dnsServer.GetTimeoutDuration(),
	}

	switch dnsServer.Type {
	case config.DNSTypeUDP, config.DNSTypeTCP:
		return dialer.DialContext(ctx, string(dnsServer.Type), dnsServer.Address)

	case config.DNSTypeDoT:
		tcpConn, err := dialer.DialContext(ctx, "tcp", dnsServer.Address)
		if err != nil {
			logger.Error("Failed to establish TCP connection to DoT server %s: %v", dnsServer.Address, err)
			return nil, fmt.Errorf("DoT TCP connection failed: %w", err)
		}

		tlsConfig := r.tlsConfig.Clone()
		if dnsServer.TLSHost != "" {
			tlsConfig.ServerName = dnsServer.TLSHost
		} else if host, _, err := net.SplitHostPort(dnsServer.Address); err == nil {
			tlsConfig.ServerName = host
		}

		tlsConn := tls.Client(tcpConn, tlsConfig)
		handshakeCtx, cancel := context.WithTimeout(ctx, handshakeTimeout(dnsServer))
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			_ = tcpConn.Close()
			logger.Error("TLS handshake failed with DoT server %s: %v", dnsServer.Address, err)
			return nil, fmt.Errorf("DoT TLS handshake failed: %w", err)
		}

		logger.Debug("Established DoT connection to %s", dnsServer.Address)
		return tlsConn, nil

	default:
		return nil, fmt.Errorf("unsupported DNS server type: %s", dnsServer.Type)
	}
}

func handshakeTimeout(server config.DNSServerConfig) time.Duration {
	if d := server.GetTimeoutDuration(); d > 0 {
		return d
	}
	return 10 * time.Second
}
