package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "PRESENCE"

	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultHeartbeatInterval = 25 * time.Second
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"

	defaultWorkersPath     = "/api/workers"
	defaultProjectsPath    = "/api/projects"
	defaultHistoryPath     = "/api/workers/{id}/history"
	defaultUpstreamTimeout = 15 * time.Second

	defaultInitialBackoff   = time.Second
	defaultMaxBackoff       = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 30 * time.Second

	defaultStaleThreshold  = 5 * time.Minute
	defaultCleanupInterval = 60 * time.Second
	defaultHistoryTimeout  = 15 * time.Second

	defaultServiceIssuer   = "presence-tracker"
	defaultServiceAudience = "presence-api"
	defaultServiceSubject  = "presence-tracker"
	defaultServiceTokenTTL = 15 * time.Minute
	defaultSessionIssuer   = "presence-dashboard"
	defaultCookieName      = "presence_session"

	defaultJournalPath      = ":memory:"
	defaultJournalRetention = 500
)

// AppConfig captures runtime configuration for the tracker service.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	LogLevel          string
	LogFormat         string

	UpstreamBaseURL      string
	UpstreamWorkersPath  string
	UpstreamProjectsPath string
	UpstreamHistoryPath  string
	UpstreamTimeout      time.Duration

	LiveURL              string
	LiveInitialBackoff   time.Duration
	LiveMaxBackoff       time.Duration
	LiveHandshakeTimeout time.Duration
	LivePingInterval     time.Duration

	StaleThreshold  time.Duration
	CleanupInterval time.Duration
	HistoryTimeout  time.Duration

	ServiceSigningSecret string
	ServiceIssuer        string
	ServiceAudience      string
	ServiceSubject       string
	ServiceTokenTTL      time.Duration

	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string

	JournalPath      string
	JournalRetention int
}

// ServiceAuthEnabled reports whether upstream calls carry a service token.
func (c AppConfig) ServiceAuthEnabled() bool {
	return strings.TrimSpace(c.ServiceSigningSecret) != ""
}

// SessionAuthEnabled reports whether the HTTP API requires an operator session.
func (c AppConfig) SessionAuthEnabled() bool {
	return strings.TrimSpace(c.SessionSigningSecret) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("http.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)

	configViper.SetDefault("upstream.workers_path", defaultWorkersPath)
	configViper.SetDefault("upstream.projects_path", defaultProjectsPath)
	configViper.SetDefault("upstream.history_path", defaultHistoryPath)
	configViper.SetDefault("upstream.timeout", defaultUpstreamTimeout)

	configViper.SetDefault("live.initial_backoff", defaultInitialBackoff)
	configViper.SetDefault("live.max_backoff", defaultMaxBackoff)
	configViper.SetDefault("live.handshake_timeout", defaultHandshakeTimeout)
	configViper.SetDefault("live.ping_interval", defaultPingInterval)

	configViper.SetDefault("presence.stale_threshold", defaultStaleThreshold)
	configViper.SetDefault("presence.cleanup_interval", defaultCleanupInterval)
	configViper.SetDefault("history.timeout", defaultHistoryTimeout)

	configViper.SetDefault("auth.service_issuer", defaultServiceIssuer)
	configViper.SetDefault("auth.service_audience", defaultServiceAudience)
	configViper.SetDefault("auth.service_subject", defaultServiceSubject)
	configViper.SetDefault("auth.service_token_ttl", defaultServiceTokenTTL)
	configViper.SetDefault("auth.session_issuer", defaultSessionIssuer)
	configViper.SetDefault("auth.session_cookie_name", defaultCookieName)

	configViper.SetDefault("journal.path", defaultJournalPath)
	configViper.SetDefault("journal.retention", defaultJournalRetention)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    splitList(configViper.GetStringSlice("http.allowed_origins")),
		HeartbeatInterval: configViper.GetDuration("http.heartbeat_interval"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),

		UpstreamBaseURL:      strings.TrimSpace(configViper.GetString("upstream.base_url")),
		UpstreamWorkersPath:  configViper.GetString("upstream.workers_path"),
		UpstreamProjectsPath: configViper.GetString("upstream.projects_path"),
		UpstreamHistoryPath:  configViper.GetString("upstream.history_path"),
		UpstreamTimeout:      configViper.GetDuration("upstream.timeout"),

		LiveURL:              strings.TrimSpace(configViper.GetString("live.url")),
		LiveInitialBackoff:   configViper.GetDuration("live.initial_backoff"),
		LiveMaxBackoff:       configViper.GetDuration("live.max_backoff"),
		LiveHandshakeTimeout: configViper.GetDuration("live.handshake_timeout"),
		LivePingInterval:     configViper.GetDuration("live.ping_interval"),

		StaleThreshold:  configViper.GetDuration("presence.stale_threshold"),
		CleanupInterval: configViper.GetDuration("presence.cleanup_interval"),
		HistoryTimeout:  configViper.GetDuration("history.timeout"),

		ServiceSigningSecret: configViper.GetString("auth.service_signing_secret"),
		ServiceIssuer:        configViper.GetString("auth.service_issuer"),
		ServiceAudience:      configViper.GetString("auth.service_audience"),
		ServiceSubject:       configViper.GetString("auth.service_subject"),
		ServiceTokenTTL:      configViper.GetDuration("auth.service_token_ttl"),

		SessionSigningSecret: configViper.GetString("auth.session_signing_secret"),
		SessionIssuer:        configViper.GetString("auth.session_issuer"),
		SessionCookieName:    configViper.GetString("auth.session_cookie_name"),

		JournalPath:      configViper.GetString("journal.path"),
		JournalRetention: configViper.GetInt("journal.retention"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.UpstreamBaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.LiveURL == "" {
		return fmt.Errorf("live.url is required")
	}
	if !strings.HasPrefix(c.LiveURL, "ws://") && !strings.HasPrefix(c.LiveURL, "wss://") {
		return fmt.Errorf("live.url must use ws or wss")
	}
	if strings.TrimSpace(c.JournalPath) == "" {
		return fmt.Errorf("journal.path is required")
	}
	if c.JournalRetention < 0 {
		return fmt.Errorf("journal.retention must not be negative")
	}
	positive := map[string]time.Duration{
		"http.heartbeat_interval":  c.HeartbeatInterval,
		"upstream.timeout":         c.UpstreamTimeout,
		"live.initial_backoff":     c.LiveInitialBackoff,
		"live.max_backoff":         c.LiveMaxBackoff,
		"live.handshake_timeout":   c.LiveHandshakeTimeout,
		"presence.stale_threshold": c.StaleThreshold,
		"history.timeout":          c.HistoryTimeout,
	}
	for key, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.LivePingInterval < 0 {
		return fmt.Errorf("live.ping_interval must not be negative")
	}
	if c.LiveMaxBackoff < c.LiveInitialBackoff {
		return fmt.Errorf("live.max_backoff must not be below live.initial_backoff")
	}
	if c.CleanupInterval < time.Second {
		return fmt.Errorf("presence.cleanup_interval must be at least 1s")
	}
	if c.ServiceAuthEnabled() && c.ServiceTokenTTL <= 0 {
		return fmt.Errorf("auth.service_token_ttl must be positive")
	}
	if c.SessionAuthEnabled() && strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("auth.session_cookie_name is required")
	}
	return nil
}

// splitList accepts either repeated values or one comma separated value, the
// form environment variables arrive in.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
