package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/codefionn/hubgate/hubgate-srv/api"
	"github.com/codefionn/hubgate/hubgate-srv/config"
	"github.com/codefionn/hubgate/hubgate-srv/dataplane"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	content := strings.Join([]string{
		"# comment",
		"",
		"HUBGATE_TEST_PLAIN=value",
		`HUBGATE_TEST_QUOTED="quoted value"`,
		"export HUBGATE_TEST_EXPORTED=exported",
		"not a pair",
		"HUBGATE_TEST_EQUALS=a=b",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	for _, key := range []string{"HUBGATE_TEST_PLAIN", "HUBGATE_TEST_QUOTED", "HUBGATE_TEST_EXPORTED", "HUBGATE_TEST_EQUALS"} {
		t.Setenv(key, "")
	}

	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "value", os.Getenv("HUBGATE_TEST_PLAIN"))
	assert.Equal(t, "quoted value", os.Getenv("HUBGATE_TEST_QUOTED"))
	assert.Equal(t, "exported", os.Getenv("HUBGATE_TEST_EXPORTED"))
	assert.Equal(t, "a=b", os.Getenv("HUBGATE_TEST_EQUALS"))
}

func TestLoadEnvFile_Missing(t *testing.T) {
	assert.Error(t, loadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}

func TestPublishToken_File(t *testing.T) {
	cfg := config.Default()
	cfg.API.TokenFile = filepath.Join(t.TempDir(), "token")

	proxy, err := dataplane.NewProxy(cfg, nil, nil)
	require.NoError(t, err)
	server, err := api.NewServer(cfg, api.Dependencies{Proxy: proxy})
	require.NoError(t, err)

	publishToken(server, cfg)

	data, err := os.ReadFile(cfg.API.TokenFile)
	require.NoError(t, err)
	assert.Equal(t, server.Token(), strings.TrimSpace(string(data)))
}
