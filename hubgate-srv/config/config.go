package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/codefionn/hubgate/hubgate-srv/logger"
)

// DefaultManagementDomain is the DNS suffix every data-plane host must carry.
const DefaultManagementDomain = "azure-devices.net"

// StatisticsBackend names an audit storage backend.
type StatisticsBackend string

// Available audit backends
const (
	BackendSQLite   StatisticsBackend = "sqlite"
	BackendPostgres StatisticsBackend = "postgres"
	BackendDummy    StatisticsBackend = "dummy"
)

// SSRFConfig controls the request-filtering transport.
type SSRFConfig struct {
	Enabled           bool     // Load the filtering transport at all
	RequireProtection bool     // Refuse calls when the filtering transport is unavailable
	DenyNetworks      []string // Extra CIDR ranges to refuse, on top of the built-in ones
	DenyHosts         []string // Host names (and their subdomains) to refuse
}

// StatisticsConfig selects where audit records go.
type StatisticsConfig struct {
	Enabled     bool
	Backend     StatisticsBackend
	SQLitePath  string
	PostgresDSN string
}

// APIConfig configures the local API the console talks to.
type APIConfig struct {
	AuthEnabled  bool     // Require a bearer session token on /api routes
	TokenFile    string   // Where the session token is written at startup
	RateLimit    float64  // Requests per second, 0 disables limiting
	RateBurst    int      // Token bucket size
	AllowedHosts []string // Extra Host header values accepted besides loopback names
}

// Config represents the main configuration structure for the data-plane proxy.
type Config struct {
	ListenAddress    string
	TimeoutSeconds   int    // Bound on each outbound call
	ManagementDomain string // Two-label suffix, e.g. azure-devices.net
	MaxResponseBytes int64  // Largest response body read from the endpoint
	LogLevel         string
	SSRF             SSRFConfig
	DNS              DNSConfig
	Forwards         []Forward
	Statistics       StatisticsConfig
	API              APIConfig
}

// ForwardType defines the type of forwarding rule.
type ForwardType int

const (
	// ForwardTypeDefaultNetwork dials the target directly.
	ForwardTypeDefaultNetwork ForwardType = iota
	// ForwardTypeSocks5 dials through a SOCKS5 proxy.
	ForwardTypeSocks5
	// ForwardTypeProxy tunnels through an HTTP proxy with CONNECT.
	ForwardTypeProxy
)

// Forward defines the interface for forwarding configurations.
type Forward interface {
	Type() ForwardType
	// Matches reports whether the forward applies to host.
	Matches(host string) bool
}

// ForwardDefaultNetwork represents default network forwarding configuration.
type ForwardDefaultNetwork struct {
	Domain    string
	ForceIPv4 bool
}

// Type returns the forwarding type for this configuration.
func (c *ForwardDefaultNetwork) Type() ForwardType {
	return ForwardTypeDefaultNetwork
}

// Matches reports whether the forward applies to host.
func (c *ForwardDefaultNetwork) Matches(host string) bool {
	return domainMatches(c.Domain, host)
}

// ForwardSocks5 represents SOCKS5 proxy forwarding configuration.
type ForwardSocks5 struct {
	Domain    string
	Address   string
	Username  *string
	Password  *string
	ForceIPv4 bool
}

// Type returns the forwarding type for this configuration.
func (c *ForwardSocks5) Type() ForwardType {
	return ForwardTypeSocks5
}

// Matches reports whether the forward applies to host.
func (c *ForwardSocks5) Matches(host string) bool {
	return domainMatches(c.Domain, host)
}

// ForwardProxy represents HTTP proxy forwarding configuration.
type ForwardProxy struct {
	Domain    string
	Address   string
	Username  *string
	Password  *string
	ForceIPv4 bool
}

// Type returns the forwarding type for this configuration.
func (c *ForwardProxy) Type() ForwardType {
	return ForwardTypeProxy
}

// Matches reports whether the forward applies to host.
func (c *ForwardProxy) Matches(host string) bool {
	return domainMatches(c.Domain, host)
}

// domainMatches is the "is" operation: exact match or subdomain. An empty
// domain matches every host.
func domainMatches(domain, host string) bool {
	if domain == "" {
		return true
	}
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// Default returns the configuration used when no file or environment overrides exist.
func Default() *Config {
	return &Config{
		ListenAddress:    "127.0.0.1:8081",
		TimeoutSeconds:   30,
		ManagementDomain: DefaultManagementDomain,
		MaxResponseBytes: 16 << 20,
		LogLevel:         "INFO",
		SSRF: SSRFConfig{
			Enabled: true,
		},
		DNS: DefaultDNSConfig(),
		Statistics: StatisticsConfig{
			Enabled:    false,
			Backend:    BackendSQLite,
			SQLitePath: "hubgate_audit.db",
		},
		API: APIConfig{
			AuthEnabled: true,
			RateLimit:   50,
			RateBurst:   100,
		},
	}
}

// LoadConfig loads configuration from the specified file path.
// An empty path yields defaults plus environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	loadConfigFromEnv(cfg)

	if configPath != "" {
		data, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := validateConfigKeys(data, ""); err != nil {
			return nil, err
		}
		if err := applyConfigMap(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readConfigFile decodes a .json or .hcl file into a generic map.
func readConfigFile(configPath string) (map[string]any, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}

	switch ext := strings.ToLower(filepath.Ext(cleanPath)); ext {
	case ".json":
		return loadJSONFile(cleanPath)
	case ".hcl":
		return loadHCLFile(cleanPath)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}
}

func loadJSONFile(path string) (map[string]any, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode JSON config: %w", err)
	}
	return data, nil
}

// applyConfigMap maps the hyphenated keys of a decoded config file onto cfg.
func applyConfigMap(data map[string]any, cfg *Config) error {
	if err := setScalar(data, "listen-address", &cfg.ListenAddress); err != nil {
		return err
	}
	if err := setScalar(data, "timeout-seconds", &cfg.TimeoutSeconds); err != nil {
		return err
	}
	if err := setScalar(data, "management-domain", &cfg.ManagementDomain); err != nil {
		return err
	}
	if err := setScalar(data, "max-response-bytes", &cfg.MaxResponseBytes); err != nil {
		return err
	}
	if err := setScalar(data, "log-level", &cfg.LogLevel); err != nil {
		return err
	}

	if val, exists := data["ssrf"]; exists {
		ssrfMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("ssrf must be an object")
		}
		if err := parseSSRF(ssrfMap, &cfg.SSRF); err != nil {
			return fmt.Errorf("ssrf: %w", err)
		}
	}

	if val, exists := data["dns"]; exists {
		dnsMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("dns must be an object")
		}
		if err := parseDNS(dnsMap, &cfg.DNS); err != nil {
			return fmt.Errorf("dns: %w", err)
		}
	}

	if val, exists := data["forwards"]; exists {
		forwards, ok := val.([]any)
		if !ok {
			return fmt.Errorf("forwards must be an array")
		}
		cfg.Forwards = nil
		for i, forward := range forwards {
			forwardMap, ok := forward.(map[string]any)
			if !ok {
				return fmt.Errorf("forward at index %d must be an object", i)
			}
			fwd, err := parseForward(forwardMap)
			if err != nil {
				return fmt.Errorf("forward at index %d: %w", i, err)
			}
			cfg.Forwards = append(cfg.Forwards, fwd)
		}
	}

	if val, exists := data["statistics"]; exists {
		statsMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("statistics must be an object")
		}
		if err := parseStatistics(statsMap, &cfg.Statistics); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
	}

	if val, exists := data["api"]; exists {
		apiMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("api must be an object")
		}
		if err := parseAPI(apiMap, &cfg.API); err != nil {
			return fmt.Errorf("api: %w", err)
		}
	}

	return nil
}

func parseSSRF(m map[string]any, c *SSRFConfig) error {
	if err := setScalar(m, "enabled", &c.Enabled); err != nil {
		return err
	}
	if err := setScalar(m, "require-protection", &c.RequireProtection); err != nil {
		return err
	}
	if err := setStringList(m, "deny-networks", &c.DenyNetworks); err != nil {
		return err
	}
	return setStringList(m, "deny-hosts", &c.DenyHosts)
}

func parseDNS(m map[string]any, c *DNSConfig) error {
	if err := setScalar(m, "enabled", &c.Enabled); err != nil {
		return err
	}
	val, exists := m["servers"]
	if !exists {
		return nil
	}
	servers, ok := val.([]any)
	if !ok {
		return fmt.Errorf("servers must be an array")
	}
	c.Servers = nil
	for i, s := range servers {
		serverMap, ok := s.(map[string]any)
		if !ok {
			return fmt.Errorf("server at index %d must be an object", i)
		}
		server := DNSServerConfig{Type: DNSTypeUDP, TimeoutSeconds: 10}
		if err := setScalar(serverMap, "address", &server.Address); err != nil {
			return fmt.Errorf("server at index %d: %w", i, err)
		}
		var dnsType string
		if err := setScalar(serverMap, "type", &dnsType); err != nil {
			return fmt.Errorf("server at index %d: %w", i, err)
		}
		if dnsType != "" {
			server.Type = DNSType(dnsType)
		}
		if err := setScalar(serverMap, "timeout-seconds", &server.TimeoutSeconds); err != nil {
			return fmt.Errorf("server at index %d: %w", i, err)
		}
		if err := setScalar(serverMap, "tls-host", &server.TLSHost); err != nil {
			return fmt.Errorf("server at index %d: %w", i, err)
		}
		c.Servers = append(c.Servers, server)
	}
	return nil
}

func parseForward(m map[string]any) (Forward, error) {
	forwardType, ok := m["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing forward type")
	}

	var domain string
	if err := setScalar(m, "domain", &domain); err != nil {
		return nil, err
	}
	var forceIPv4 bool
	if err := setScalar(m, "force-ipv4", &forceIPv4); err != nil {
		return nil, err
	}

	switch forwardType {
	case "default-network":
		return &ForwardDefaultNetwork{Domain: domain, ForceIPv4: forceIPv4}, nil
	case "socks5", "proxy":
		address, err := parseValue[string](m["address"])
		if err != nil {
			return nil, fmt.Errorf("%s forward requires address field", forwardType)
		}
		var username, password *string
		if v, ok := m["username"]; ok {
			if username, err = parseValue[string](v); err != nil {
				return nil, fmt.Errorf("username: %w", err)
			}
		}
		if v, ok := m["password"]; ok {
			if password, err = parseValue[string](v); err != nil {
				return nil, fmt.Errorf("password: %w", err)
			}
		}
		if forwardType == "socks5" {
			return &ForwardSocks5{Domain: domain, Address: *address, Username: username, Password: password, ForceIPv4: forceIPv4}, nil
		}
		return &ForwardProxy{Domain: domain, Address: *address, Username: username, Password: password, ForceIPv4: forceIPv4}, nil
	default:
		return nil, fmt.Errorf("unsupported forward type: %s", forwardType)
	}
}

func parseStatistics(m map[string]any, c *StatisticsConfig) error {
	if err := setScalar(m, "enabled", &c.Enabled); err != nil {
		return err
	}
	var backend string
	if err := setScalar(m, "backend", &backend); err != nil {
		return err
	}
	if backend != "" {
		c.Backend = StatisticsBackend(backend)
	}
	if err := setScalar(m, "sqlite-path", &c.SQLitePath); err != nil {
		return err
	}
	return setScalar(m, "postgres-dsn", &c.PostgresDSN)
}

func parseAPI(m map[string]any, c *APIConfig) error {
	if err := setScalar(m, "auth-enabled", &c.AuthEnabled); err != nil {
		return err
	}
	if err := setScalar(m, "token-file", &c.TokenFile); err != nil {
		return err
	}
	if err := setScalar(m, "rate-limit", &c.RateLimit); err != nil {
		return err
	}
	if err := setScalar(m, "rate-burst", &c.RateBurst); err != nil {
		return err
	}
	return setStringList(m, "allowed-hosts", &c.AllowedHosts)
}

// setScalar assigns m[key] to *dst when the key is present.
func setScalar[T any](m map[string]any, key string, dst *T) error {
	val, exists := m[key]
	if !exists {
		return nil
	}
	ptr, err := parseValue[T](val)
	if err != nil {
		if strings.Contains(err.Error(), "secret") {
			return err
		}
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = *ptr
	return nil
}

func setStringList(m map[string]any, key string, dst *[]string) error {
	val, exists := m[key]
	if !exists {
		return nil
	}
	list, ok := val.([]any)
	if !ok {
		return fmt.Errorf("%s must be an array", key)
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		s, err := parseValue[string](item)
		if err != nil {
			return fmt.Errorf("%s at index %d: %w", key, i, err)
		}
		out = append(out, *s)
	}
	*dst = out
	return nil
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	ptr := reflect.New(reflect.TypeOf(zero))
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() != reflect.Bool {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
		elem.SetBool(v)
	default:
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

// Validate checks cross-field constraints after all sources are applied.
func (c *Config) Validate() error {
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout-seconds must be positive, got %d", c.TimeoutSeconds)
	}
	if c.MaxResponseBytes <= 0 {
		return fmt.Errorf("max-response-bytes must be positive, got %d", c.MaxResponseBytes)
	}
	domain := strings.ToLower(strings.TrimSpace(c.ManagementDomain))
	labels := strings.Split(domain, ".")
	if len(labels) != 2 || labels[0] == "" || labels[1] == "" {
		return fmt.Errorf("management-domain must have exactly two labels, got %q", c.ManagementDomain)
	}
	c.ManagementDomain = domain

	switch c.Statistics.Backend {
	case BackendSQLite, BackendPostgres, BackendDummy:
	default:
		return fmt.Errorf("unsupported statistics backend: %s", c.Statistics.Backend)
	}
	if c.Statistics.Enabled && c.Statistics.Backend == BackendPostgres && c.Statistics.PostgresDSN == "" {
		return fmt.Errorf("statistics: postgres-dsn is required for postgres backend")
	}

	for i, server := range c.DNS.Servers {
		switch server.Type {
		case DNSTypeUDP, DNSTypeTCP, DNSTypeDoT:
		default:
			return fmt.Errorf("dns server at index %d: unsupported type %q", i, server.Type)
		}
		if server.Address == "" {
			return fmt.Errorf("dns server at index %d: address is required", i)
		}
	}

	if c.API.RateLimit < 0 || c.API.RateBurst < 0 {
		return fmt.Errorf("api: rate-limit and rate-burst must not be negative")
	}
	return nil
}
