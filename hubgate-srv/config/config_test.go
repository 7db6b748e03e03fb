package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTempConfigFile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	tempFilePath := filepath.Join(dir, filename)
	if err := os.WriteFile(tempFilePath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create temp config file %s: %v", tempFilePath, err)
	}
	return tempFilePath
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8081", cfg.ListenAddress)
	assert.Equal(t, 30, cfg.TimeoutSeconds)
	assert.Equal(t, DefaultManagementDomain, cfg.ManagementDomain)
	assert.Equal(t, int64(16<<20), cfg.MaxResponseBytes)
	assert.True(t, cfg.SSRF.Enabled)
	assert.False(t, cfg.SSRF.RequireProtection)
	assert.False(t, cfg.DNS.Enabled)
	assert.False(t, cfg.Statistics.Enabled)
	assert.Equal(t, BackendSQLite, cfg.Statistics.Backend)
	assert.True(t, cfg.API.AuthEnabled)
	assert.Empty(t, cfg.Forwards)
}

func TestLoadConfigJSON(t *testing.T) {
	content := `{
		"listen-address": "127.0.0.1:9090",
		"timeout-seconds": 10,
		"management-domain": "Azure-Devices.NET",
		"max-response-bytes": 1048576,
		"log-level": "debug",
		"ssrf": {
			"enabled": true,
			"require-protection": true,
			"deny-networks": ["100.64.0.0/10"],
			"deny-hosts": ["metadata.google.internal"]
		},
		"dns": {
			"enabled": true,
			"servers": [
				{"address": "9.9.9.9:853", "type": "dot", "tls-host": "dns.quad9.net", "timeout-seconds": 5}
			]
		},
		"forwards": [
			{"type": "socks5", "domain": "azure-devices.net", "address": "127.0.0.1:1080", "username": "u", "password": "p"},
			{"type": "proxy", "address": "proxy.corp:3128", "force-ipv4": true},
			{"type": "default-network"}
		],
		"statistics": {"enabled": true, "backend": "sqlite", "sqlite-path": "audit.db"},
		"api": {"auth-enabled": false, "rate-limit": 5, "rate-burst": 10, "allowed-hosts": ["console.local"]}
	}`
	path := createTempConfigFile(t, t.TempDir(), "config.json", content)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.ListenAddress)
	assert.Equal(t, 10, cfg.TimeoutSeconds)
	assert.Equal(t, "azure-devices.net", cfg.ManagementDomain, "domain is normalized to lowercase")
	assert.Equal(t, int64(1048576), cfg.MaxResponseBytes)
	assert.Equal(t, "debug", cfg.LogLevel)

	assert.True(t, cfg.SSRF.RequireProtection)
	assert.Equal(t, []string{"100.64.0.0/10"}, cfg.SSRF.DenyNetworks)
	assert.Equal(t, []string{"metadata.google.internal"}, cfg.SSRF.DenyHosts)

	require.Len(t, cfg.DNS.Servers, 1)
	assert.True(t, cfg.DNS.Enabled)
	assert.Equal(t, DNSTypeDoT, cfg.DNS.Servers[0].Type)
	assert.Equal(t, "dns.quad9.net", cfg.DNS.Servers[0].TLSHost)
	assert.Equal(t, 5, cfg.DNS.Servers[0].TimeoutSeconds)

	require.Len(t, cfg.Forwards, 3)
	socks, ok := cfg.Forwards[0].(*ForwardSocks5)
	require.True(t, ok, "expected *ForwardSocks5, got %T", cfg.Forwards[0])
	assert.Equal(t, "127.0.0.1:1080", socks.Address)
	require.NotNil(t, socks.Username)
	assert.Equal(t, "u", *socks.Username)
	require.NotNil(t, socks.Password)
	assert.Equal(t, "p", *socks.Password)

	httpProxy, ok := cfg.Forwards[1].(*ForwardProxy)
	require.True(t, ok, "expected *ForwardProxy, got %T", cfg.Forwards[1])
	assert.True(t, httpProxy.ForceIPv4)
	assert.Nil(t, httpProxy.Username)

	_, ok = cfg.Forwards[2].(*ForwardDefaultNetwork)
	assert.True(t, ok)

	assert.True(t, cfg.Statistics.Enabled)
	assert.Equal(t, "audit.db", cfg.Statistics.SQLitePath)

	assert.False(t, cfg.API.AuthEnabled)
	assert.Equal(t, 5.0, cfg.API.RateLimit)
	assert.Equal(t, 10, cfg.API.RateBurst)
	assert.Equal(t, []string{"console.local"}, cfg.API.AllowedHosts)
}

func TestLoadConfigUnsupportedFormat(t *testing.T) {
	path := createTempConfigFile(t, t.TempDir(), "config.yaml", "timeout-seconds: 3")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config file format")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open config file")
}

func TestLoadConfigJSON_Secrets(t *testing.T) {
	t.Setenv("TEST_PG_DSN", "postgres://audit:pw@db/audit")
	t.Setenv("TEST_TIMEOUT", "12")

	content := `{
		"timeout-seconds": {"_secret": "TEST_TIMEOUT"},
		"statistics": {"enabled": true, "backend": "postgres", "postgres-dsn": {"_secret": "TEST_PG_DSN"}}
	}`
	path := createTempConfigFile(t, t.TempDir(), "secret.json", content)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.TimeoutSeconds)
	assert.Equal(t, "postgres://audit:pw@db/audit", cfg.Statistics.PostgresDSN)
}

func TestLoadConfigJSON_SecretMissing(t *testing.T) {
	content := `{"listen-address": {"_secret": "HUBGATE_TEST_SECRET_NOT_SET"}}`
	path := createTempConfigFile(t, t.TempDir(), "secret.json", content)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret HUBGATE_TEST_SECRET_NOT_SET not set")
}

func TestLoadConfigJSON_UnderscoreKeys(t *testing.T) {
	testCases := []struct {
		name        string
		content     string
		expectedKey string
	}{
		{"top-level", `{"timeout_seconds": 3}`, `"timeout_seconds"`},
		{"nested", `{"ssrf": {"deny_networks": []}}`, `"ssrf.deny_networks"`},
		{"in array", `{"forwards": [{"type": "socks5", "force_ipv4": true}]}`, `"forwards[0].force_ipv4"`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := createTempConfigFile(t, t.TempDir(), "bad.json", tc.content)
			_, err := LoadConfig(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.expectedKey)
		})
	}
}

func TestLoadConfigJSON_InvalidValues(t *testing.T) {
	testCases := []struct {
		name    string
		content string
		errPart string
	}{
		{"timeout wrong type", `{"timeout-seconds": "soon"}`, "timeout-seconds"},
		{"timeout fractional", `{"timeout-seconds": 1.5}`, "expected integer"},
		{"timeout zero", `{"timeout-seconds": 0}`, "must be positive"},
		{"domain with three labels", `{"management-domain": "a.b.c"}`, "exactly two labels"},
		{"ssrf not object", `{"ssrf": true}`, "ssrf must be an object"},
		{"deny-networks not array", `{"ssrf": {"deny-networks": "10.0.0.0/8"}}`, "deny-networks must be an array"},
		{"unknown forward", `{"forwards": [{"type": "carrier-pigeon"}]}`, "unsupported forward type"},
		{"socks5 without address", `{"forwards": [{"type": "socks5"}]}`, "requires address"},
		{"unknown backend", `{"statistics": {"backend": "mongo"}}`, "unsupported statistics backend"},
		{"postgres without dsn", `{"statistics": {"enabled": true, "backend": "postgres"}}`, "postgres-dsn is required"},
		{"bad dns type", `{"dns": {"servers": [{"address": "1.1.1.1:53", "type": "doh"}]}}`, "unsupported type"},
		{"negative rate", `{"api": {"rate-limit": -1}}`, "must not be negative"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := createTempConfigFile(t, t.TempDir(), "bad.json", tc.content)
			_, err := LoadConfig(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errPart)
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("HUBGATE_LISTENADDRESS", "127.0.0.1:7000")
	t.Setenv("HUBGATE_TIMEOUTSECONDS", "7")
	t.Setenv("HUBGATE_SSRF_REQUIREPROTECTION", "true")
	t.Setenv("HUBGATE_SSRF_DENYNETWORKS", "100.64.0.0/10, 198.18.0.0/15")
	t.Setenv("HUBGATE_STATISTICS_ENABLED", "1")
	t.Setenv("HUBGATE_STATISTICS_BACKEND", "dummy")
	t.Setenv("HUBGATE_API_AUTHENABLED", "false")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.ListenAddress)
	assert.Equal(t, 7, cfg.TimeoutSeconds)
	assert.True(t, cfg.SSRF.RequireProtection)
	assert.Equal(t, []string{"100.64.0.0/10", "198.18.0.0/15"}, cfg.SSRF.DenyNetworks)
	assert.True(t, cfg.Statistics.Enabled)
	assert.Equal(t, BackendDummy, cfg.Statistics.Backend)
	assert.False(t, cfg.API.AuthEnabled)
}

func TestFileOverridesEnv(t *testing.T) {
	t.Setenv("HUBGATE_TIMEOUTSECONDS", "7")
	path := createTempConfigFile(t, t.TempDir(), "config.json", `{"timeout-seconds": 9}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.TimeoutSeconds)
}

func TestForwardMatches(t *testing.T) {
	tests := []struct {
		domain string
		host   string
		want   bool
	}{
		{"", "anything.example", true},
		{"azure-devices.net", "azure-devices.net", true},
		{"azure-devices.net", "myhub.azure-devices.net", true},
		{"azure-devices.net", "MYHUB.Azure-Devices.net.", true},
		{"azure-devices.net", "evilazure-devices.net", false},
		{"azure-devices.net", "azure-devices.net.evil.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.domain+"/"+tt.host, func(t *testing.T) {
			fwd := &ForwardSocks5{Domain: tt.domain}
			assert.Equal(t, tt.want, fwd.Matches(tt.host))
		})
	}
}

func TestParseValue(t *testing.T) {
	i, err := parseValue[int]("42")
	require.NoError(t, err)
	assert.Equal(t, 42, *i)

	b, err := parseValue[bool]("true")
	require.NoError(t, err)
	assert.True(t, *b)

	f, err := parseValue[float64](2.5)
	require.NoError(t, err)
	assert.Equal(t, 2.5, *f)

	_, err = parseValue[string](true)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "got bool"))

	_, err = parseValue[int]([]any{1})
	require.Error(t, err)
}
