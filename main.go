package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/codefionn/hubgate/hubgate-srv/api"
	"github.com/codefionn/hubgate/hubgate-srv/config"
	"github.com/codefionn/hubgate/hubgate-srv/dataplane"
	"github.com/codefionn/hubgate/hubgate-srv/logger"
	"github.com/codefionn/hubgate/hubgate-srv/stats"
	"github.com/codefionn/hubgate/hubgate-srv/transport"
	"golang.org/x/sync/errgroup"
)

var version string

func main() {
	cfg, configPath := parseFlagsAndConfig()
	if err := runGateway(cfg, configPath); err != nil {
		logger.Fatal("Gateway stopped: %v", err)
	}
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (cfg *config.Config, configPath string) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "hubgate.hcl", "Path to configuration file (supports .json and .hcl formats)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	tokenFile := flag.String("token-file", "", "Write the session token to this file instead of the configured one")
	flag.Parse()

	if version == "" {
		version = "dev"
	}
	if *versionFlag || *versionShortFlag {
		fmt.Println("hubgate version:", version)
		os.Exit(0)
	}
	api.Version = version

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	logger.Info("Starting hubgate data-plane proxy")
	logger.Debug("Using configuration file: %s", *configPathPtr)

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		cfg, err = config.LoadConfig("")
		if err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}

	logger.SetLevel(logger.GetLevelFromString(cfg.LogLevel))
	if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}
	if *tokenFile != "" {
		cfg.API.TokenFile = *tokenFile
	}

	logger.Debug("Configuration loaded successfully")
	logger.Debug("Listen address: %s", cfg.ListenAddress)
	logger.Debug("Management domain: %s", cfg.ManagementDomain)
	logger.Debug("Timeout: %d seconds", cfg.TimeoutSeconds)
	logger.Debug("Request filtering enabled: %t (required: %t)", cfg.SSRF.Enabled, cfg.SSRF.RequireProtection)

	return cfg, *configPathPtr
}

// runGateway wires the audit trail, the filtering transport and the API, and
// serves until SIGINT or SIGTERM. SIGHUP reloads the configuration.
func runGateway(cfg *config.Config, configPath string) error {
	collector, err := stats.NewCollectorFactory().CreateCollectorFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to create audit collector: %w", err)
	}
	broadcaster := stats.NewBroadcaster(collector)
	defer func() {
		if err := broadcaster.Close(); err != nil {
			logger.Error("Error closing audit collector: %v", err)
		}
	}()

	// The filtering transport is resolved once per process; network
	// settings therefore only change on restart. Refused dials are logged
	// by the dialer and counted for /api/health.
	loader := transport.NewLoader(cfg)

	proxy, err := dataplane.NewProxy(cfg, loader, broadcaster)
	if err != nil {
		return err
	}

	server, err := api.NewServer(cfg, api.Dependencies{
		Proxy:       proxy,
		Loader:      loader,
		Collector:   broadcaster,
		Broadcaster: broadcaster,
	})
	if err != nil {
		return err
	}
	publishToken(server, cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(ctx)
	})

	currentCfg := cfg
	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("Received SIGHUP: reloading configuration...")
				newCfg, err := config.LoadConfig(configPath)
				if err != nil {
					logger.Error("Failed to reload config: %v (keeping current config)", err)
					continue
				}
				if !config.HasChanged(currentCfg, newCfg) {
					logger.Info("Config unchanged after reload; keeping current proxy.")
					continue
				}
				next, err := dataplane.NewProxy(newCfg, loader, broadcaster)
				if err != nil {
					logger.Error("Reloaded config rejected: %v (keeping current config)", err)
					continue
				}
				server.SetProxy(next)
				logger.SetLevel(logger.GetLevelFromString(newCfg.LogLevel))
				currentCfg = newCfg
				logger.Info("Proxy reloaded; network and listener settings apply after restart.")
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("Received signal %v, shutting down...", sig)
				cancel()
				err := g.Wait()
				logger.Info("Shutdown complete")
				return err
			}
		}
	}
}

// publishToken hands the session token to the console: through the token
// file when configured, otherwise on stdout.
func publishToken(server *api.Server, cfg *config.Config) {
	if !cfg.API.AuthEnabled {
		logger.Warn("API authentication disabled; any local process can use the proxy")
		return
	}
	if cfg.API.TokenFile != "" {
		if err := server.WriteTokenFile(cfg.API.TokenFile); err != nil {
			logger.Fatal("Failed to write session token: %v", err)
		}
		return
	}
	fmt.Println("Session token:", server.Token())
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
