package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const envPrefix = "HUBGATE_"

func loadConfigFromEnv(cfg *Config) {
	if addr := os.Getenv(envPrefix + "LISTENADDRESS"); addr != "" {
		cfg.ListenAddress = addr
	}

	envInt(envPrefix+"TIMEOUTSECONDS", &cfg.TimeoutSeconds)

	if domain := os.Getenv(envPrefix + "MANAGEMENTDOMAIN"); domain != "" {
		cfg.ManagementDomain = domain
	}

	if maxBytes := os.Getenv(envPrefix + "MAXRESPONSEBYTES"); maxBytes != "" {
		if n, err := strconv.ParseInt(maxBytes, 10, 64); err == nil {
			cfg.MaxResponseBytes = n
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for %sMAXRESPONSEBYTES: %s\n", envPrefix, maxBytes)
		}
	}

	if level := os.Getenv(envPrefix + "LOGLEVEL"); level != "" {
		cfg.LogLevel = level
	}

	envBool(envPrefix+"SSRF_ENABLED", &cfg.SSRF.Enabled)
	envBool(envPrefix+"SSRF_REQUIREPROTECTION", &cfg.SSRF.RequireProtection)
	if nets := os.Getenv(envPrefix + "SSRF_DENYNETWORKS"); nets != "" {
		cfg.SSRF.DenyNetworks = splitList(nets)
	}

	envBool(envPrefix+"DNS_ENABLED", &cfg.DNS.Enabled)

	envBool(envPrefix+"STATISTICS_ENABLED", &cfg.Statistics.Enabled)
	if backend := os.Getenv(envPrefix + "STATISTICS_BACKEND"); backend != "" {
		cfg.Statistics.Backend = StatisticsBackend(backend)
	}
	if path := os.Getenv(envPrefix + "STATISTICS_SQLITEPATH"); path != "" {
		cfg.Statistics.SQLitePath = path
	}
	if dsn := os.Getenv(envPrefix + "STATISTICS_POSTGRESDSN"); dsn != "" {
		cfg.Statistics.PostgresDSN = dsn
	}

	envBool(envPrefix+"API_AUTHENABLED", &cfg.API.AuthEnabled)
	if tokenFile := os.Getenv(envPrefix + "API_TOKENFILE"); tokenFile != "" {
		cfg.API.TokenFile = tokenFile
	}
}

func envInt(name string, dst *int) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s: %s\n", name, raw)
		return
	}
	*dst = v
}

func envBool(name string, dst *bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	*dst = strings.EqualFold(raw, "true") || raw == "1"
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
