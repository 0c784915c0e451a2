// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port           string           `yaml:"port"`
	AllowedOrigins []string         `yaml:"allowed_origins"`
	DBPath         string           `yaml:"db_path"`
	Retention      time.Duration    `yaml:"message_retention"`
	Log            LogConfig        `yaml:"log"`
	Bridge         BridgeConfig     `yaml:"bridge"`
	Backend        BackendConfig    `yaml:"backend"`
	Session        SessionConfig    `yaml:"session"`
	Supervisor     SupervisorConfig `yaml:"supervisor"`
	Gate           GateConfig       `yaml:"gate"`
	Relay          RelayConfig      `yaml:"relay"`
	NATS           NATSConfig       `yaml:"nats"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// BridgeConfig points at the protocol bridge sidecar.
type BridgeConfig struct {
	URL         string        `yaml:"url"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	TypingDelay time.Duration `yaml:"typing_delay"`
}

// BackendConfig selects the relay backend transport.
type BackendConfig struct {
	URL      string        `yaml:"url"`
	GRPCAddr string        `yaml:"grpc_addr"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SessionConfig controls credential persistence.
type SessionConfig struct {
	Dir                 string        `yaml:"dir"`
	Bucket              string        `yaml:"bucket"`
	Region              string        `yaml:"region"`
	Endpoint            string        `yaml:"endpoint"`
	Prefix              string        `yaml:"prefix"`
	BackupInterval      time.Duration `yaml:"backup_interval"`
	DeleteRemoteOnClear bool          `yaml:"delete_remote_on_clear"`
}

// SupervisorConfig controls the connection lifecycle policy.
type SupervisorConfig struct {
	MaxPairingAttempts    int           `yaml:"max_pairing_attempts"`
	StartDelay            time.Duration `yaml:"start_delay"`
	ReconnectDelay        time.Duration `yaml:"reconnect_delay"`
	PairingExhaustedDelay time.Duration `yaml:"pairing_exhausted_delay"`
	ConnectFailureDelay   time.Duration `yaml:"connect_failure_delay"`
	ResetDelay            time.Duration `yaml:"reset_delay"`
	ChallengeTTL          time.Duration `yaml:"challenge_ttl"`
}

// GateConfig controls inbound message admission.
type GateConfig struct {
	SeenCapacity   int           `yaml:"seen_capacity"`
	MaxMessageAge  time.Duration `yaml:"max_message_age"`
	AllowGroups    bool          `yaml:"allow_groups"`
	AllowBroadcast bool          `yaml:"allow_broadcast"`
}

// RelayConfig controls backend delivery.
type RelayConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Cooldown    time.Duration `yaml:"cooldown"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// NATSConfig controls optional event publishing.
type NATSConfig struct {
	URL             string        `yaml:"url"`
	Subject         string        `yaml:"subject"`
	CredentialsFile string        `yaml:"credentials_file"`
	ReconnectWait   time.Duration `yaml:"reconnect_wait"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:           "8081",
		AllowedOrigins: []string{"*"},
		DBPath:         "./data/relay.db",
		Retention:      30 * 24 * time.Hour,
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Bridge: BridgeConfig{
			URL:         "ws://127.0.0.1:3001/ws",
			DialTimeout: 10 * time.Second,
			SendTimeout: 60 * time.Second,
			TypingDelay: time.Second,
		},
		Backend: BackendConfig{
			Timeout: 30 * time.Second,
		},
		Session: SessionConfig{
			Dir:            "./whatsapp_session",
			Region:         "us-east-1",
			Prefix:         "whatsapp-sessions/baileys-session",
			BackupInterval: 5 * time.Minute,
		},
		Supervisor: SupervisorConfig{
			MaxPairingAttempts:    3,
			StartDelay:            time.Second,
			ReconnectDelay:        10 * time.Second,
			PairingExhaustedDelay: 30 * time.Second,
			ConnectFailureDelay:   15 * time.Second,
			ResetDelay:            2 * time.Second,
			ChallengeTTL:          40 * time.Second,
		},
		Gate: GateConfig{
			SeenCapacity:  5000,
			MaxMessageAge: 180 * time.Second,
		},
		Relay: RelayConfig{
			Concurrency: 5,
			Cooldown:    15 * time.Second,
		},
		NATS: NATSConfig{
			Subject:       "wa-relay.events",
			ReconnectWait: 2 * time.Second,
		},
	}
}

// Load reads configuration from an optional YAML file (CONFIG_FILE) and
// then from environment variables, which take precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	if origins := getEnv("ALLOWED_ORIGINS", ""); origins != "" {
		c.AllowedOrigins = splitList(origins)
	}
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.Retention = getEnvDuration("MESSAGE_RETENTION", c.Retention)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)

	c.Bridge.URL = getEnv("BRIDGE_URL", c.Bridge.URL)
	c.Bridge.DialTimeout = getEnvDuration("BRIDGE_DIAL_TIMEOUT", c.Bridge.DialTimeout)
	c.Bridge.SendTimeout = getEnvDuration("BRIDGE_SEND_TIMEOUT", c.Bridge.SendTimeout)
	c.Bridge.TypingDelay = getEnvDuration("TYPING_DELAY", c.Bridge.TypingDelay)

	c.Backend.URL = getEnv("BACKEND_URL", c.Backend.URL)
	c.Backend.GRPCAddr = getEnv("BACKEND_GRPC_ADDR", c.Backend.GRPCAddr)
	c.Backend.Timeout = getEnvDuration("BACKEND_TIMEOUT", c.Backend.Timeout)

	c.Session.Dir = getEnv("SESSION_DIR", c.Session.Dir)
	c.Session.Bucket = getEnv("SESSION_BUCKET", c.Session.Bucket)
	c.Session.Region = getEnv("AWS_REGION", c.Session.Region)
	c.Session.Endpoint = getEnv("SESSION_S3_ENDPOINT", c.Session.Endpoint)
	c.Session.Prefix = getEnv("SESSION_PREFIX", c.Session.Prefix)
	c.Session.BackupInterval = getEnvDuration("SESSION_BACKUP_INTERVAL", c.Session.BackupInterval)
	c.Session.DeleteRemoteOnClear = getEnvBool("SESSION_DELETE_REMOTE_ON_CLEAR", c.Session.DeleteRemoteOnClear)

	c.Supervisor.MaxPairingAttempts = getEnvInt("MAX_QR_ATTEMPTS", c.Supervisor.MaxPairingAttempts)
	c.Supervisor.ReconnectDelay = getEnvDuration("RECONNECT_DELAY", c.Supervisor.ReconnectDelay)
	c.Supervisor.PairingExhaustedDelay = getEnvDuration("PAIRING_EXHAUSTED_DELAY", c.Supervisor.PairingExhaustedDelay)
	c.Supervisor.ConnectFailureDelay = getEnvDuration("CONNECT_FAILURE_DELAY", c.Supervisor.ConnectFailureDelay)

	c.Gate.SeenCapacity = getEnvInt("SEEN_CACHE_CAPACITY", c.Gate.SeenCapacity)
	c.Gate.MaxMessageAge = getEnvDuration("MAX_MESSAGE_AGE", c.Gate.MaxMessageAge)
	c.Gate.AllowGroups = getEnvBool("ALLOW_GROUPS", c.Gate.AllowGroups)
	c.Gate.AllowBroadcast = getEnvBool("ALLOW_BROADCAST", c.Gate.AllowBroadcast)

	c.Relay.Concurrency = getEnvInt("RELAY_CONCURRENCY", c.Relay.Concurrency)
	c.Relay.Cooldown = getEnvDuration("RELAY_COOLDOWN", c.Relay.Cooldown)
	c.Relay.MaxAttempts = getEnvInt("RELAY_MAX_ATTEMPTS", c.Relay.MaxAttempts)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.Subject = getEnv("NATS_SUBJECT", c.NATS.Subject)
	c.NATS.CredentialsFile = getEnv("NATS_CREDENTIALS_FILE", c.NATS.CredentialsFile)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Bridge.URL == "" {
		return fmt.Errorf("BRIDGE_URL cannot be empty")
	}
	if c.Backend.URL == "" && c.Backend.GRPCAddr == "" {
		return fmt.Errorf("one of BACKEND_URL or BACKEND_GRPC_ADDR must be set")
	}
	if c.Session.Dir == "" {
		return fmt.Errorf("SESSION_DIR cannot be empty")
	}
	if c.Session.Bucket != "" && c.Session.Prefix == "" {
		return fmt.Errorf("SESSION_PREFIX cannot be empty when SESSION_BUCKET is set")
	}
	if c.Session.BackupInterval <= 0 {
		return fmt.Errorf("SESSION_BACKUP_INTERVAL must be > 0")
	}
	if c.Supervisor.MaxPairingAttempts <= 0 {
		return fmt.Errorf("MAX_QR_ATTEMPTS must be > 0")
	}
	if c.Supervisor.ReconnectDelay <= 0 || c.Supervisor.PairingExhaustedDelay <= 0 {
		return fmt.Errorf("reconnect delays must be > 0")
	}
	if c.Gate.SeenCapacity <= 0 {
		return fmt.Errorf("SEEN_CACHE_CAPACITY must be > 0")
	}
	if c.Gate.MaxMessageAge <= 0 {
		return fmt.Errorf("MAX_MESSAGE_AGE must be > 0")
	}
	if c.Relay.Concurrency <= 0 {
		return fmt.Errorf("RELAY_CONCURRENCY must be > 0")
	}
	if c.Relay.Cooldown <= 0 {
		return fmt.Errorf("RELAY_COOLDOWN must be > 0")
	}
	if c.Relay.MaxAttempts < 0 {
		return fmt.Errorf("RELAY_MAX_ATTEMPTS must be >= 0")
	}
	return nil
}

// StorageEnabled reports whether remote session backup is configured.
func (c *Config) StorageEnabled() bool {
	return c.Session.Bucket != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go duration strings ("15s") or plain seconds ("15").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
