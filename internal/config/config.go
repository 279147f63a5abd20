package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                    = "FIELDOPS"
	defaultHTTPAddress           = "127.0.0.1:8090"
	defaultLogLevel              = "info"
	defaultLogFormat             = "json"
	defaultRealtimeBaseURL       = "ws://localhost:8000"
	defaultRealtimeEndpoint      = "/ws/updates"
	defaultRealtimeDebounce      = 400 * time.Millisecond
	defaultCredentialPoll        = 60 * time.Second
	defaultPingInterval          = 30 * time.Second
	defaultHandshakeTimeout      = 10 * time.Second
	defaultMaxDialAttempts       = 3
	defaultDialBackoff           = 2 * time.Second
	defaultMaxReconnects         = 3
	defaultReconnectBackoff      = 2 * time.Second
	defaultNotificationsMax      = 50
	defaultNotificationsDupe     = 5 * time.Second
	defaultSessionBackend        = "database"
	defaultSessionKey            = "access_token"
	defaultSessionDatabasePath   = "fieldops.db"
	defaultSessionFilePath       = "fieldops-session.json"
	defaultSessionKeyringDir     = ".fieldops-keyring"
	defaultTimestampsLocation    = "Local"
	defaultCORSAllowedOriginList = "http://localhost:3000"
)

// RealtimeConfig describes the WebSocket connection to the field service API.
type RealtimeConfig struct {
	BaseURL                string
	Endpoint               string
	Debounce               time.Duration
	CredentialPollInterval time.Duration
	PingInterval           time.Duration
	HandshakeTimeout       time.Duration
	MaxDialAttempts        int
	DialBackoff            time.Duration
	MaxReconnects          int
	ReconnectBackoff       time.Duration
}

// NotificationsConfig bounds the notification log.
type NotificationsConfig struct {
	MaxEntries      int
	DuplicateWindow time.Duration
}

// SessionConfig selects where the session credential is stored.
type SessionConfig struct {
	Backend         string
	Key             string
	DatabasePath    string
	FilePath        string
	KeyringDir      string
	KeyringPassword string
	SigningSecret   string
}

// AppConfig captures runtime configuration for the console service.
type AppConfig struct {
	HTTPAddress        string
	CORSAllowedOrigins []string
	LogLevel           string
	LogFormat          string
	Realtime           RealtimeConfig
	Notifications      NotificationsConfig
	Session            SessionConfig
	TimestampsLocation string
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
	configViper.SetDefault("http.cors_allowed_origins", defaultCORSAllowedOriginList)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("realtime.base_url", defaultRealtimeBaseURL)
	configViper.SetDefault("realtime.endpoint", defaultRealtimeEndpoint)
	configViper.SetDefault("realtime.debounce", defaultRealtimeDebounce)
	configViper.SetDefault("realtime.credential_poll_interval", defaultCredentialPoll)
	configViper.SetDefault("realtime.ping_interval", defaultPingInterval)
	configViper.SetDefault("realtime.handshake_timeout", defaultHandshakeTimeout)
	configViper.SetDefault("realtime.max_dial_attempts", defaultMaxDialAttempts)
	configViper.SetDefault("realtime.dial_backoff", defaultDialBackoff)
	configViper.SetDefault("realtime.max_reconnects", defaultMaxReconnects)
	configViper.SetDefault("realtime.reconnect_backoff", defaultReconnectBackoff)
	configViper.SetDefault("notifications.max_entries", defaultNotificationsMax)
	configViper.SetDefault("notifications.duplicate_window", defaultNotificationsDupe)
	configViper.SetDefault("session.backend", defaultSessionBackend)
	configViper.SetDefault("session.key", defaultSessionKey)
	configViper.SetDefault("session.database_path", defaultSessionDatabasePath)
	configViper.SetDefault("session.file_path", defaultSessionFilePath)
	configViper.SetDefault("session.keyring_dir", defaultSessionKeyringDir)
	configViper.SetDefault("timestamps.location", defaultTimestampsLocation)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		CORSAllowedOrigins: splitList(configViper.GetString("http.cors_allowed_origins")),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          configViper.GetString("log.format"),
		Realtime: RealtimeConfig{
			BaseURL:                configViper.GetString("realtime.base_url"),
			Endpoint:               configViper.GetString("realtime.endpoint"),
			Debounce:               configViper.GetDuration("realtime.debounce"),
			CredentialPollInterval: configViper.GetDuration("realtime.credential_poll_interval"),
			PingInterval:           configViper.GetDuration("realtime.ping_interval"),
			HandshakeTimeout:       configViper.GetDuration("realtime.handshake_timeout"),
			MaxDialAttempts:        configViper.GetInt("realtime.max_dial_attempts"),
			DialBackoff:            configViper.GetDuration("realtime.dial_backoff"),
			MaxReconnects:          configViper.GetInt("realtime.max_reconnects"),
			ReconnectBackoff:       configViper.GetDuration("realtime.reconnect_backoff"),
		},
		Notifications: NotificationsConfig{
			MaxEntries:      configViper.GetInt("notifications.max_entries"),
			DuplicateWindow: configViper.GetDuration("notifications.duplicate_window"),
		},
		Session: SessionConfig{
			Backend:         strings.ToLower(strings.TrimSpace(configViper.GetString("session.backend"))),
			Key:             configViper.GetString("session.key"),
			DatabasePath:    configViper.GetString("session.database_path"),
			FilePath:        configViper.GetString("session.file_path"),
			KeyringDir:      configViper.GetString("session.keyring_dir"),
			KeyringPassword: configViper.GetString("session.keyring_password"),
			SigningSecret:   configViper.GetString("session.signing_secret"),
		},
		TimestampsLocation: configViper.GetString("timestamps.location"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// Location resolves the configured display time zone.
func (c AppConfig) Location() (*time.Location, error) {
	return time.LoadLocation(strings.TrimSpace(c.TimestampsLocation))
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	parsed, err := url.Parse(strings.TrimSpace(c.Realtime.BaseURL))
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("realtime.base_url must be an absolute url")
	}
	switch parsed.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("realtime.base_url scheme %q is not supported", parsed.Scheme)
	}
	if strings.TrimSpace(c.Realtime.Endpoint) == "" {
		return fmt.Errorf("realtime.endpoint is required")
	}
	if c.Realtime.Debounce <= 0 {
		return fmt.Errorf("realtime.debounce must be positive")
	}
	if c.Realtime.CredentialPollInterval <= 0 {
		return fmt.Errorf("realtime.credential_poll_interval must be positive")
	}
	if c.Realtime.PingInterval <= 0 {
		return fmt.Errorf("realtime.ping_interval must be positive")
	}
	if c.Realtime.MaxDialAttempts < 1 {
		return fmt.Errorf("realtime.max_dial_attempts must be at least 1")
	}
	if c.Realtime.MaxReconnects < 1 {
		return fmt.Errorf("realtime.max_reconnects must be at least 1")
	}
	if c.Notifications.MaxEntries < 1 {
		return fmt.Errorf("notifications.max_entries must be at least 1")
	}
	if c.Notifications.DuplicateWindow <= 0 {
		return fmt.Errorf("notifications.duplicate_window must be positive")
	}
	if strings.TrimSpace(c.Session.Key) == "" {
		return fmt.Errorf("session.key is required")
	}
	switch c.Session.Backend {
	case "database":
		if strings.TrimSpace(c.Session.DatabasePath) == "" {
			return fmt.Errorf("session.database_path is required")
		}
	case "file":
		if strings.TrimSpace(c.Session.FilePath) == "" {
			return fmt.Errorf("session.file_path is required")
		}
	case "keyring":
	default:
		return fmt.Errorf("session.backend %q is not one of database, file, keyring", c.Session.Backend)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q is not one of json, console", c.LogFormat)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("timestamps.location: %w", err)
	}
	return nil
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
