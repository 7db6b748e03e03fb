package transport

import (
	"fmt"
	"net/netip"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	"github.com/codefionn/hubgate/hubgate-srv/config"
	"github.com/codefionn/hubgate/hubgate-srv/logger"
)

// Cloud metadata services reachable from inside a VM. Most sit in link-local
// space already; the rest are listed explicitly.
var metadataAddrs = []netip.Addr{
	netip.MustParseAddr("169.254.169.254"), // AWS, GCP, Azure IMDS
	netip.MustParseAddr("168.63.129.16"),   // Azure wire server
	netip.MustParseAddr("100.100.100.200"), // Alibaba Cloud
	netip.MustParseAddr("fd00:ec2::254"),   // AWS IMDS over IPv6
}

var (
	// "This network" (0.0.0.0/8) is not covered by IsUnspecified but dials local.
	thisNetwork = netip.MustParsePrefix("0.0.0.0/8")
	// Carrier-grade NAT shared address space (RFC 6598).
	sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")
	// Deprecated IPv6 site-local space, still routed internally by some stacks.
	siteLocal = netip.MustParsePrefix("fec0::/10")

	// IPv6 forms that carry an IPv4 destination.
	nat64Prefix = netip.MustParsePrefix("64:ff9b::/96")
	sixToFour   = netip.MustParsePrefix("2002::/16")
	ipv4Compat  = netip.MustParsePrefix("::/96")
)

// BlockedError is returned when a destination is refused by the guard.
type BlockedError struct {
	Host   string
	Addr   netip.Addr
	Reason string
}

func (e *BlockedError) Error() string {
	if e.Addr.IsValid() {
		return fmt.Sprintf("destination %s (%s) blocked: %s", e.Host, e.Addr, e.Reason)
	}
	return fmt.Sprintf("destination %s blocked: %s", e.Host, e.Reason)
}

// Guard decides whether a resolved destination may be dialed.
type Guard struct {
	denyPrefixes []netip.Prefix
	denyHosts    []string
	trie         *ahocorasick.Trie
}

// NewGuard compiles the operator deny lists on top of the built-in ranges.
func NewGuard(cfg config.SSRFConfig) (*Guard, error) {
	g := &Guard{}
	for _, cidr := range cfg.DenyNetworks {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("invalid deny network %q: %w", cidr, err)
		}
		g.denyPrefixes = append(g.denyPrefixes, prefix.Masked())
	}

	for _, host := range cfg.DenyHosts {
		host = normalizeHost(host)
		if host != "" {
			g.denyHosts = append(g.denyHosts, host)
		}
	}
	if len(g.denyHosts) > 0 {
		g.trie = ahocorasick.NewTrieBuilder().AddStrings(g.denyHosts).Build()
	}

	logger.Debug("SSRF guard compiled with %d extra network(s) and %d host(s)", len(g.denyPrefixes), len(g.denyHosts))
	return g, nil
}

func normalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}

// CheckHost refuses hosts on the deny-hosts list, including their subdomains.
func (g *Guard) CheckHost(host string) error {
	if g.trie == nil {
		return nil
	}
	host = normalizeHost(host)
	for _, match := range g.trie.MatchString(host) {
		denied := g.denyHosts[match.Pattern()]
		if host == denied || strings.HasSuffix(host, "."+denied) {
			return &BlockedError{Host: host, Reason: "host is on the deny list"}
		}
	}
	return nil
}

// CheckAddr refuses loopback, link-local, private, shared, unspecified and
// metadata addresses as well as configured deny networks. IPv4 addresses
// embedded in NAT64, 6to4 and IPv4-compatible IPv6 addresses are checked too.
func (g *Guard) CheckAddr(host string, addr netip.Addr) error {
	addr = addr.Unmap()
	if reason := g.reason(addr); reason != "" {
		return &BlockedError{Host: host, Addr: addr, Reason: reason}
	}
	if v4, ok := embeddedIPv4(addr); ok {
		if reason := g.reason(v4); reason != "" {
			return &BlockedError{Host: host, Addr: addr, Reason: "embedded " + v4.String() + ": " + reason}
		}
	}
	return nil
}

func (g *Guard) reason(addr netip.Addr) string {
	if reason := blockedReason(addr); reason != "" {
		return reason
	}
	for _, prefix := range g.denyPrefixes {
		if prefix.Contains(addr) {
			return "address in denied network " + prefix.String()
		}
	}
	return ""
}

// embeddedIPv4 extracts the IPv4 destination from NAT64 (64:ff9b::/96),
// 6to4 (2002::/16) and IPv4-compatible (::a.b.c.d) addresses.
func embeddedIPv4(addr netip.Addr) (netip.Addr, bool) {
	if !addr.Is6() {
		return netip.Addr{}, false
	}
	b := addr.As16()
	switch {
	case nat64Prefix.Contains(addr), ipv4Compat.Contains(addr):
		return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}), true
	case sixToFour.Contains(addr):
		return netip.AddrFrom4([4]byte{b[2], b[3], b[4], b[5]}), true
	}
	return netip.Addr{}, false
}

func blockedReason(addr netip.Addr) string {
	switch {
	case !addr.IsValid():
		return "invalid address"
	case addr.IsLoopback():
		return "loopback address"
	case addr.IsUnspecified(), thisNetwork.Contains(addr):
		return "unspecified address"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return "link-local address"
	case addr.IsPrivate():
		return "private address"
	case sharedAddressSpace.Contains(addr):
		return "shared address space"
	case siteLocal.Contains(addr):
		return "site-local address"
	}
	for _, meta := range metadataAddrs {
		if addr == meta {
			return "cloud metadata service"
		}
	}
	return ""
}
