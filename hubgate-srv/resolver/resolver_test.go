package resolver

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/codefionn/hubgate/hubgate-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"
)

// startFakeDNS serves A records from answers over UDP on a loopback port.
func startFakeDNS(t *testing.T, answers map[string][4]byte) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			var p dnsmessage.Parser
			hdr, err := p.Start(buf[:n])
			if err != nil {
				continue
			}
			q, err := p.Question()
			if err != nil {
				continue
			}

			b := dnsmessage.NewBuilder(nil, dnsmessage.Header{
				ID:                 hdr.ID,
				Response:           true,
				Authoritative:      true,
				RecursionAvailable: true,
			})
			if err := b.StartQuestions(); err != nil {
				continue
			}
			if err := b.Question(q); err != nil {
				continue
			}
			if err := b.StartAnswers(); err != nil {
				continue
			}
			if ip, ok := answers[q.Name.String()]; ok && q.Type == dnsmessage.TypeA {
				_ = b.AResource(dnsmessage.ResourceHeader{
					Name:  q.Name,
					Type:  dnsmessage.TypeA,
					Class: dnsmessage.ClassINET,
					TTL:   60,
				}, dnsmessage.AResource{A: ip})
			}
			msg, err := b.Finish()
			if err != nil {
				continue
			}
			_, _ = pc.WriteTo(msg, addr)
		}
	}()

	return pc.LocalAddr().String()
}

func TestLookupAddrs_Literal(t *testing.T) {
	r := NewResolver(config.DNSConfig{})

	addrs, err := r.LookupAddrs(context.Background(), "tcp", "10.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.1.2.3")}, addrs)

	addrs, err = r.LookupAddrs(context.Background(), "tcp", "::ffff:127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("127.0.0.1")}, addrs, "mapped addresses are unmapped")
}

func TestLookupAddrs_CustomServer(t *testing.T) {
	addr := startFakeDNS(t, map[string][4]byte{
		"rebind.example.com.": {127, 0, 0, 1},
	})

	r := NewResolver(config.DNSConfig{
		Enabled: true,
		Servers: []config.DNSServerConfig{{Address: addr, Type: config.DNSTypeUDP, TimeoutSeconds: 2}},
	})
	require.True(t, r.Custom())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addrs, err := r.LookupAddrs(ctx, "tcp4", "rebind.example.com")
	require.NoError(t, err)
	assert.Contains(t, addrs, netip.MustParseAddr("127.0.0.1"))
}

func TestDial_RoundRobin(t *testing.T) {
	var listeners []net.Listener
	for i := 0; i < 2; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { _ = ln.Close() })
		listeners = append(listeners, ln)
	}

	r := NewResolver(config.DNSConfig{
		Enabled: true,
		Servers: []config.DNSServerConfig{
			{Address: listeners[0].Addr().String(), Type: config.DNSTypeTCP, TimeoutSeconds: 2},
			{Address: listeners[1].Addr().String(), Type: config.DNSTypeTCP, TimeoutSeconds: 2},
		},
	})

	for i := 0; i < 4; i++ {
		conn, err := r.Dial(context.Background(), "tcp", "ignored:53")
		require.NoError(t, err)
		want := listeners[i%2].Addr().String()
		assert.Equal(t, want, conn.RemoteAddr().String())
		_ = conn.Close()
	}
}

func TestDial_NoServers(t *testing.T) {
	r := NewResolver(config.DNSConfig{Enabled: true})
	assert.False(t, r.Custom())
	_, err := r.Dial(context.Background(), "udp", "ignored:53")
	require.Error(t, err)
}

func TestGet_Reconfigure(t *testing.T) {
	cfgA := config.DNSConfig{Enabled: false}
	cfgB := config.DNSConfig{
		Enabled: true,
		Servers: []config.DNSServerConfig{{Address: "127.0.0.1:5353", Type: config.DNSTypeUDP, TimeoutSeconds: 1}},
	}

	first := Get(cfgA)
	assert.Same(t, first, Get(cfgA))
	assert.False(t, first.Custom())

	second := Get(cfgB)
	assert.NotSame(t, first, second)
	assert.True(t, second.Custom())
	assert.Same(t, second, Get(cfgB))
}
