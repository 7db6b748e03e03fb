package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigHCL(t *testing.T) {
	content := `
listen-address = "127.0.0.1:8443"
timeout-seconds = 20
management-domain = "azure-devices.net"

ssrf = {
  enabled = true
  deny-networks = ["100.64.0.0/10", "fd12:3456::/32"]
  deny-hosts = ["metadata.google.internal"]
}

dns = {
  enabled = true
  servers = [
    {
      address = "1.1.1.1:853"
      type = "dot"
      tls-host = "cloudflare-dns.com"
    }
  ]
}

forwards = [
  {
    type = "socks5"
    domain = "azure-devices.net"
    address = "127.0.0.1:1080"
  }
]

statistics = {
  enabled = true
  backend = "dummy"
}

api = {
  rate-limit = 2.5
  rate-burst = 4
}
`
	path := createTempConfigFile(t, t.TempDir(), "config.hcl", content)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8443", cfg.ListenAddress)
	assert.Equal(t, 20, cfg.TimeoutSeconds)
	assert.Equal(t, []string{"100.64.0.0/10", "fd12:3456::/32"}, cfg.SSRF.DenyNetworks)
	assert.Equal(t, []string{"metadata.google.internal"}, cfg.SSRF.DenyHosts)

	require.Len(t, cfg.DNS.Servers, 1)
	assert.Equal(t, DNSTypeDoT, cfg.DNS.Servers[0].Type)
	assert.Equal(t, 10, cfg.DNS.Servers[0].TimeoutSeconds, "server timeout defaults to 10s")

	require.Len(t, cfg.Forwards, 1)
	socks, ok := cfg.Forwards[0].(*ForwardSocks5)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:1080", socks.Address)

	assert.Equal(t, BackendDummy, cfg.Statistics.Backend)
	assert.Equal(t, 2.5, cfg.API.RateLimit)
	assert.Equal(t, 4, cfg.API.RateBurst)
}

func TestLoadConfigHCL_Secrets(t *testing.T) {
	t.Setenv("HCL_PROXY_PASSWORD", "s3cret")

	content := `
forwards = [
  {
    type = "proxy"
    address = "proxy.corp:3128"
    username = "svc"
    password = {
      _secret = "HCL_PROXY_PASSWORD"
    }
  }
]
`
	path := createTempConfigFile(t, t.TempDir(), "secret.hcl", content)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Forwards, 1)
	fwd, ok := cfg.Forwards[0].(*ForwardProxy)
	require.True(t, ok)
	require.NotNil(t, fwd.Password)
	assert.Equal(t, "s3cret", *fwd.Password)
}

func TestLoadConfigHCL_SyntaxError(t *testing.T) {
	path := createTempConfigFile(t, t.TempDir(), "broken.hcl", `timeout-seconds = `)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse HCL config")
}

func TestLoadConfigHCL_BlocksRejected(t *testing.T) {
	path := createTempConfigFile(t, t.TempDir(), "blocks.hcl", "ssrf {\n  enabled = false\n}\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read HCL attributes")
}
