// Package config loads agent and ingress settings from defaults, EXPOSEBUS_*
// environment variables, an optional YAML file and command-line flags, in
// that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/koltyakov/exposebus/internal/channel"
	"github.com/koltyakov/exposebus/internal/tunnelproto"
)

type AgentConfig struct {
	ServerURL         string        `yaml:"server"`
	APIKey            string        `yaml:"api_key"`
	TunnelID          string        `yaml:"tunnel"`
	LocalPort         int           `yaml:"port"`
	BusURL            string        `yaml:"bus_url"`
	ChunkSize         int           `yaml:"chunk_size"`
	LocalTimeout      time.Duration `yaml:"local_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	DedupeWindow      int           `yaml:"dedupe_window"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`
}

type IngressConfig struct {
	Listen                 string        `yaml:"listen"`
	ListenHTTPS            string        `yaml:"listen_https"`
	HTTP3                  bool          `yaml:"http3"`
	BaseDomain             string        `yaml:"domain"`
	DBPath                 string        `yaml:"db"`
	BusURL                 string        `yaml:"bus_url"`
	BusUnordered           bool          `yaml:"bus_unordered"`
	APIKeyPepper           string        `yaml:"api_key_pepper"`
	CredentialSecret       string        `yaml:"credential_secret"`
	AgentCredentialTTL     time.Duration `yaml:"agent_credential_ttl"`
	RequestCredentialTTL   time.Duration `yaml:"request_credential_ttl"`
	TLSMode                string        `yaml:"tls_mode"`
	CertCacheDir           string        `yaml:"cert_cache_dir"`
	MetaTimeout            time.Duration `yaml:"meta_timeout"`
	IdleTimeout            time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes           int64         `yaml:"max_body_bytes"`
	HeartbeatTimeout       time.Duration `yaml:"heartbeat_timeout"`
	HeartbeatCheckInterval time.Duration `yaml:"heartbeat_check_interval"`
	LookupCacheTTL         time.Duration `yaml:"lookup_cache_ttl"`
	CleanupInterval        time.Duration `yaml:"cleanup_interval"`
	OfflineRetention       time.Duration `yaml:"offline_retention"`
	ControlRateLimit       float64       `yaml:"control_rate_limit"`
	ControlRateBurst       int           `yaml:"control_rate_burst"`
	PprofListen            string        `yaml:"pprof_listen"`
	LogLevel               string        `yaml:"log_level"`
	LogFormat              string        `yaml:"log_format"`
}

// TLS modes for the ingress listeners.
const (
	TLSModeOff  = "off"
	TLSModeAuto = "auto"
)

const (
	defaultBusURL                 = "redis://127.0.0.1:6379/0"
	defaultAgentLocalTimeout      = 2 * time.Minute
	defaultAgentHeartbeatInterval = 30 * time.Second
	defaultAgentMaxConcurrent     = 32
	defaultAgentDedupeWindow      = 4096
	defaultIngressListen          = ":8080"
	defaultIngressHTTPSListen     = ":8443"
	defaultIngressDBPath          = "./exposebus.db"
	defaultIngressCertCacheDir    = "./cert"
	defaultAgentCredentialTTL     = 24 * time.Hour
	defaultRequestCredentialTTL   = 5 * time.Minute
	defaultMetaTimeout            = 30 * time.Second
	defaultIdleTimeout            = 60 * time.Second
	defaultMaxBodyBytes           = 10 * 1024 * 1024
	defaultHeartbeatTimeout       = 90 * time.Second
	defaultHeartbeatCheckInterval = 30 * time.Second
	defaultLookupCacheTTL         = 5 * time.Second
	defaultCleanupInterval        = 10 * time.Minute
	defaultOfflineRetention       = 7 * 24 * time.Hour
	defaultControlRateLimit       = 5
	defaultControlRateBurst       = 20
	minCredentialSecretLength     = 32
	envPrefix                     = "EXPOSEBUS_"
)

// DefaultAgentConfig returns the agent defaults overlaid with the
// environment.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ServerURL:         envOrDefault("SERVER", ""),
		APIKey:            envOrDefault("API_KEY", ""),
		TunnelID:          envOrDefault("TUNNEL", ""),
		LocalPort:         envIntOrDefault("PORT", 0),
		BusURL:            envOrDefault("BUS_URL", defaultBusURL),
		ChunkSize:         envIntOrDefault("CHUNK_SIZE", tunnelproto.MaxChunkSize),
		LocalTimeout:      envDurationOrDefault("LOCAL_TIMEOUT", defaultAgentLocalTimeout),
		HeartbeatInterval: envDurationOrDefault("HEARTBEAT_INTERVAL", defaultAgentHeartbeatInterval),
		MaxConcurrent:     envIntOrDefault("MAX_CONCURRENT", defaultAgentMaxConcurrent),
		DedupeWindow:      envIntOrDefault("DEDUPE_WINDOW", defaultAgentDedupeWindow),
		LogLevel:          envOrDefault("LOG_LEVEL", "info"),
		LogFormat:         envOrDefault("LOG_FORMAT", "text"),
	}
}

// DefaultIngressConfig returns the ingress defaults overlaid with the
// environment.
func DefaultIngressConfig() IngressConfig {
	return IngressConfig{
		Listen:                 envOrDefault("LISTEN", defaultIngressListen),
		ListenHTTPS:            envOrDefault("LISTEN_HTTPS", defaultIngressHTTPSListen),
		HTTP3:                  envBoolOrDefault("HTTP3", false),
		BaseDomain:             envOrDefault("DOMAIN", ""),
		DBPath:                 envOrDefault("DB_PATH", defaultIngressDBPath),
		BusURL:                 envOrDefault("BUS_URL", defaultBusURL),
		BusUnordered:           envBoolOrDefault("BUS_UNORDERED", false),
		APIKeyPepper:           envOrDefault("API_KEY_PEPPER", ""),
		CredentialSecret:       envOrDefault("CREDENTIAL_SECRET", ""),
		AgentCredentialTTL:     envDurationOrDefault("AGENT_CREDENTIAL_TTL", defaultAgentCredentialTTL),
		RequestCredentialTTL:   envDurationOrDefault("REQUEST_CREDENTIAL_TTL", defaultRequestCredentialTTL),
		TLSMode:                envOrDefault("TLS_MODE", TLSModeOff),
		CertCacheDir:           envOrDefault("CERT_CACHE_DIR", defaultIngressCertCacheDir),
		MetaTimeout:            envDurationOrDefault("META_TIMEOUT", defaultMetaTimeout),
		IdleTimeout:            envDurationOrDefault("IDLE_TIMEOUT", defaultIdleTimeout),
		MaxBodyBytes:           int64(envIntOrDefault("MAX_BODY_BYTES", defaultMaxBodyBytes)),
		HeartbeatTimeout:       envDurationOrDefault("HEARTBEAT_TIMEOUT", defaultHeartbeatTimeout),
		HeartbeatCheckInterval: envDurationOrDefault("HEARTBEAT_CHECK_INTERVAL", defaultHeartbeatCheckInterval),
		LookupCacheTTL:         envDurationOrDefault("LOOKUP_CACHE_TTL", defaultLookupCacheTTL),
		CleanupInterval:        envDurationOrDefault("CLEANUP_INTERVAL", defaultCleanupInterval),
		OfflineRetention:       envDurationOrDefault("OFFLINE_RETENTION", defaultOfflineRetention),
		ControlRateLimit:       envFloatOrDefault("CONTROL_RATE_LIMIT", defaultControlRateLimit),
		ControlRateBurst:       envIntOrDefault("CONTROL_RATE_BURST", defaultControlRateBurst),
		PprofListen:            envOrDefault("PPROF_LISTEN", ""),
		LogLevel:               envOrDefault("LOG_LEVEL", "info"),
		LogFormat:              envOrDefault("LOG_FORMAT", "text"),
	}
}

func ParseAgentFlags(args []string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := loadConfigFile(args, &cfg); err != nil {
		return cfg, err
	}

	fs := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	fs.String("config", "", "YAML config file")
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Ingress control API URL (e.g. https://example.com)")
	fs.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "API key")
	fs.StringVar(&cfg.TunnelID, "tunnel", cfg.TunnelID, "Tunnel identifier (public subdomain)")
	fs.IntVar(&cfg.LocalPort, "port", cfg.LocalPort, "Local service port on 127.0.0.1")
	fs.StringVar(&cfg.BusURL, "bus-url", cfg.BusURL, "Message bus URL (redis://, amqp://, memory://)")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "Maximum response chunk size in bytes")
	fs.DurationVar(&cfg.LocalTimeout, "local-timeout", cfg.LocalTimeout, "Local service timeout: wait for response headers, then max idle gap while streaming")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "Registry heartbeat interval")
	fs.IntVar(&cfg.MaxConcurrent, "max-concurrent", cfg.MaxConcurrent, "Maximum concurrent local requests")
	fs.IntVar(&cfg.DedupeWindow, "dedupe-window", cfg.DedupeWindow, "Number of completed request ids remembered for deduplication")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate normalizes cfg and reports the first invalid setting.
func (cfg *AgentConfig) Validate() error {
	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	cfg.TunnelID = strings.ToLower(strings.TrimSpace(cfg.TunnelID))
	if cfg.ServerURL == "" {
		return errors.New("missing --server or EXPOSEBUS_SERVER")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return errors.New("missing --api-key or EXPOSEBUS_API_KEY")
	}
	if err := channel.ValidateTunnelID(cfg.TunnelID); err != nil {
		return fmt.Errorf("--tunnel: %w", err)
	}
	if cfg.LocalPort <= 0 || cfg.LocalPort > 65535 {
		return errors.New("local port must be between 1 and 65535")
	}
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > tunnelproto.MaxChunkSize {
		return fmt.Errorf("chunk size must be between 1 and %d", tunnelproto.MaxChunkSize)
	}
	if cfg.LocalTimeout <= 0 {
		return errors.New("local timeout must be > 0")
	}
	if cfg.HeartbeatInterval <= 0 {
		return errors.New("heartbeat interval must be > 0")
	}
	if cfg.MaxConcurrent <= 0 {
		return errors.New("max concurrent must be > 0")
	}
	if cfg.DedupeWindow <= 0 {
		return errors.New("dedupe window must be > 0")
	}
	return validateLogging(cfg.LogLevel, cfg.LogFormat)
}

func ParseIngressFlags(args []string) (IngressConfig, error) {
	cfg := DefaultIngressConfig()
	if err := loadConfigFile(args, &cfg); err != nil {
		return cfg, err
	}

	fs := pflag.NewFlagSet("ingress", pflag.ContinueOnError)
	fs.String("config", "", "YAML config file")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	fs.StringVar(&cfg.ListenHTTPS, "listen-https", cfg.ListenHTTPS, "HTTPS listen address (tls-mode=auto)")
	fs.BoolVar(&cfg.HTTP3, "http3", cfg.HTTP3, "Also serve HTTP/3 on the HTTPS address (tls-mode=auto)")
	fs.StringVar(&cfg.BaseDomain, "domain", cfg.BaseDomain, "Public base domain, e.g. example.com")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.BusURL, "bus-url", cfg.BusURL, "Message bus URL (redis://, amqp://, memory://)")
	fs.BoolVar(&cfg.BusUnordered, "bus-unordered", cfg.BusUnordered, "Reorder response frames for buses without per-topic ordering")
	fs.StringVar(&cfg.APIKeyPepper, "api-key-pepper", cfg.APIKeyPepper, "API key hash pepper override")
	fs.StringVar(&cfg.CredentialSecret, "credential-secret", cfg.CredentialSecret, "HMAC secret for bus credentials (at least 32 bytes)")
	fs.DurationVar(&cfg.AgentCredentialTTL, "agent-credential-ttl", cfg.AgentCredentialTTL, "Lifetime of agent credentials")
	fs.DurationVar(&cfg.RequestCredentialTTL, "request-credential-ttl", cfg.RequestCredentialTTL, "Lifetime of ingress per-tunnel credentials")
	fs.StringVar(&cfg.TLSMode, "tls-mode", cfg.TLSMode, "TLS mode: off|auto")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "TLS cert cache dir")
	fs.DurationVar(&cfg.MetaTimeout, "meta-timeout", cfg.MetaTimeout, "Time to wait for response headers")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Maximum gap between response frames")
	fs.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", cfg.MaxBodyBytes, "Maximum public request body size")
	fs.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", cfg.HeartbeatTimeout, "Heartbeat age after which a tunnel is offline")
	fs.DurationVar(&cfg.HeartbeatCheckInterval, "heartbeat-check-interval", cfg.HeartbeatCheckInterval, "Stale tunnel sweep interval")
	fs.DurationVar(&cfg.LookupCacheTTL, "lookup-cache-ttl", cfg.LookupCacheTTL, "Tunnel lookup cache TTL")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", cfg.CleanupInterval, "Offline tunnel purge interval")
	fs.DurationVar(&cfg.OfflineRetention, "offline-retention", cfg.OfflineRetention, "How long offline tunnels are kept")
	fs.Float64Var(&cfg.ControlRateLimit, "control-rate-limit", cfg.ControlRateLimit, "Control API requests per second per API key")
	fs.IntVar(&cfg.ControlRateBurst, "control-rate-burst", cfg.ControlRateBurst, "Control API burst per API key")
	fs.StringVar(&cfg.PprofListen, "pprof-listen", cfg.PprofListen, "Debug listen address for pprof and stats (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate normalizes cfg and reports the first invalid setting.
func (cfg *IngressConfig) Validate() error {
	cfg.BaseDomain = normalizeDomainHost(cfg.BaseDomain)
	if cfg.BaseDomain == "" {
		return errors.New("missing --domain or EXPOSEBUS_DOMAIN")
	}
	if len(cfg.CredentialSecret) < minCredentialSecretLength {
		return fmt.Errorf("credential secret must be at least %d bytes (--credential-secret or EXPOSEBUS_CREDENTIAL_SECRET)", minCredentialSecretLength)
	}
	cfg.TLSMode = strings.ToLower(strings.TrimSpace(cfg.TLSMode))
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSModeOff
	}
	switch cfg.TLSMode {
	case TLSModeOff, TLSModeAuto:
	default:
		return errors.New("tls mode must be one of: off, auto")
	}
	if cfg.HTTP3 && cfg.TLSMode != TLSModeAuto {
		return errors.New("http3 requires tls-mode=auto")
	}
	positive := []struct {
		name string
		v    time.Duration
	}{
		{"agent credential ttl", cfg.AgentCredentialTTL},
		{"request credential ttl", cfg.RequestCredentialTTL},
		{"meta timeout", cfg.MetaTimeout},
		{"idle timeout", cfg.IdleTimeout},
		{"heartbeat timeout", cfg.HeartbeatTimeout},
		{"heartbeat check interval", cfg.HeartbeatCheckInterval},
		{"lookup cache ttl", cfg.LookupCacheTTL},
		{"cleanup interval", cfg.CleanupInterval},
		{"offline retention", cfg.OfflineRetention},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%s must be > 0", p.name)
		}
	}
	if cfg.MaxBodyBytes <= 0 {
		return errors.New("max body bytes must be > 0")
	}
	if cfg.ControlRateLimit <= 0 || cfg.ControlRateBurst <= 0 {
		return errors.New("control rate limit and burst must be > 0")
	}
	return validateLogging(cfg.LogLevel, cfg.LogFormat)
}

// loadConfigFile overlays the YAML file named by --config, if any, onto dst.
// Flags parsed afterwards still win.
func loadConfigFile(args []string, dst any) error {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {}
	path := fs.String("config", envOrDefault("CONFIG", ""), "")
	fs.BoolP("help", "h", false, "")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*path) == "" {
		return nil
	}
	b, err := os.ReadFile(*path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("parse config %s: %w", *path, err)
	}
	return nil
}

func validateLogging(level, format string) error {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be one of: debug, info, warn, error (got %q)", level)
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json (got %q)", format)
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloatOrDefault(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.HasPrefix(v, "[") {
		if end := strings.Index(v, "]"); end > 0 {
			return v[1:end]
		}
	}
	if strings.Contains(v, ":") {
		parts := strings.Split(v, ":")
		v = parts[0]
	}
	return strings.TrimSuffix(v, ".")
}
