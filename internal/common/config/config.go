// Package config provides configuration management for Atelier.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Atelier coordination core.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Token    TokenConfig    `mapstructure:"token"`
	Bus      BusConfig      `mapstructure:"bus"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Approval ApprovalConfig `mapstructure:"approval"`
	Tool     ToolConfig     `mapstructure:"tool"`
	Cache    CacheConfig    `mapstructure:"cache"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TokenConfig holds bearer token validation configuration.
type TokenConfig struct {
	Secret    string `mapstructure:"secret"`
	Algorithm string `mapstructure:"algorithm"`
	ClockSkew int    `mapstructure:"clockSkew"` // in seconds
}

// BusRetryConfig bounds the agent bus retry policy for transient handler failures.
type BusRetryConfig struct {
	MaxAttempts int `mapstructure:"maxAttempts"`
	BaseMs      int `mapstructure:"baseMs"`
	CapMs       int `mapstructure:"capMs"`
}

// BusConfig holds agent bus configuration.
type BusConfig struct {
	DefaultQueueCapacity   int            `mapstructure:"defaultQueueCapacity"`
	MaxConcurrencyPerAgent int            `mapstructure:"maxConcurrencyPerAgent"`
	DirectTimeoutMs        int            `mapstructure:"directTimeoutMs"`
	HardTimeoutMs          int            `mapstructure:"hardTimeoutMs"`
	Retry                  BusRetryConfig `mapstructure:"retry"`
}

// StreamConfig holds stream manager configuration.
type StreamConfig struct {
	BufferSize      int `mapstructure:"bufferSize"`
	BufferTTLSec    int `mapstructure:"bufferTtlS"`
	ReaderQueueSize int `mapstructure:"readerQueueSize"`
	HeartbeatSec    int `mapstructure:"heartbeatS"`
}

// OutboxConfig holds outbox publisher configuration.
type OutboxConfig struct {
	BatchSize         int   `mapstructure:"batchSize"`
	TickMs            int   `mapstructure:"tickMs"`
	MaxRetries        int   `mapstructure:"maxRetries"`
	BackoffScheduleMs []int `mapstructure:"backoffScheduleMs"`
	RetentionHours    int   `mapstructure:"retentionHours"`
}

// ApprovalTimeouts maps risk levels to approval deadlines in seconds.
type ApprovalTimeouts struct {
	Low    int `mapstructure:"low"`
	Medium int `mapstructure:"medium"`
	High   int `mapstructure:"high"`
	Plan   int `mapstructure:"plan"`
}

// ApprovalConfig holds approval manager configuration.
type ApprovalConfig struct {
	Timeout              ApprovalTimeouts `mapstructure:"timeout"`
	WarningSec           int              `mapstructure:"warningS"`
	MaxRetriesPerSession int              `mapstructure:"maxRetriesPerSession"`
	RetryCooldownSec     int              `mapstructure:"retryCooldownS"`
}

// ToolLimits bounds tool invocation sizes and runtimes.
type ToolLimits struct {
	ReadBytes         int64 `mapstructure:"readBytes"`
	OutputBytes       int64 `mapstructure:"outputBytes"`
	CommandTimeoutSec int   `mapstructure:"commandTimeoutS"`
}

// ToolConfig holds tool mediation configuration.
type ToolConfig struct {
	Limits              ToolLimits `mapstructure:"limits"`
	ExecutionTimeoutSec int        `mapstructure:"executionTimeoutS"`
}

// CacheConfig holds the per-workspace agent cache configuration.
type CacheConfig struct {
	AgentTTLSec     int `mapstructure:"agentTtlS"`
	AgentMaxEntries int `mapstructure:"agentMaxEntries"`
}

// LLMConfig selects the model provider used by agent executors.
type LLMConfig struct {
	Provider string `mapstructure:"provider"` // anthropic, fake
	APIKey   string `mapstructure:"apiKey"`
	Model    string `mapstructure:"model"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ClockSkewDuration returns the allowed token clock skew as a time.Duration.
func (t *TokenConfig) ClockSkewDuration() time.Duration {
	return time.Duration(t.ClockSkew) * time.Second
}

// DirectTimeout returns the direct-path handler timeout.
func (b *BusConfig) DirectTimeout() time.Duration {
	return time.Duration(b.DirectTimeoutMs) * time.Millisecond
}

// HardTimeout returns the hard cap on a single handler invocation.
func (b *BusConfig) HardTimeout() time.Duration {
	return time.Duration(b.HardTimeoutMs) * time.Millisecond
}

// Tick returns the publisher tick interval.
func (o *OutboxConfig) Tick() time.Duration {
	return time.Duration(o.TickMs) * time.Millisecond
}

// BackoffSchedule returns the capped publisher backoff schedule.
func (o *OutboxConfig) BackoffSchedule() []time.Duration {
	out := make([]time.Duration, len(o.BackoffScheduleMs))
	for i, ms := range o.BackoffScheduleMs {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

// BufferTTL returns the ring buffer TTL.
func (s *StreamConfig) BufferTTL() time.Duration {
	return time.Duration(s.BufferTTLSec) * time.Second
}

// Heartbeat returns the reader heartbeat interval.
func (s *StreamConfig) Heartbeat() time.Duration {
	return time.Duration(s.HeartbeatSec) * time.Second
}

// ForRisk returns the approval deadline for a risk level name.
// Unknown levels fall back to the medium deadline.
func (a *ApprovalTimeouts) ForRisk(risk string) time.Duration {
	switch risk {
	case "low":
		return time.Duration(a.Low) * time.Second
	case "high":
		return time.Duration(a.High) * time.Second
	case "plan":
		return time.Duration(a.Plan) * time.Second
	default:
		return time.Duration(a.Medium) * time.Second
	}
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // streaming responses must not be cut off

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "atelier")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "atelier")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "atelier-core")
	v.SetDefault("nats.maxReconnects", 10)

	// Token defaults
	v.SetDefault("token.secret", "")
	v.SetDefault("token.algorithm", "HS256")
	v.SetDefault("token.clockSkew", 30)

	// Agent bus defaults
	v.SetDefault("bus.defaultQueueCapacity", 100)
	v.SetDefault("bus.maxConcurrencyPerAgent", 10)
	v.SetDefault("bus.directTimeoutMs", 30000)
	v.SetDefault("bus.hardTimeoutMs", 600000)
	v.SetDefault("bus.retry.maxAttempts", 3)
	v.SetDefault("bus.retry.baseMs", 250)
	v.SetDefault("bus.retry.capMs", 4000)

	// Stream manager defaults
	v.SetDefault("stream.bufferSize", 100)
	v.SetDefault("stream.bufferTtlS", 300)
	v.SetDefault("stream.readerQueueSize", 64)
	v.SetDefault("stream.heartbeatS", 30)

	// Outbox publisher defaults
	v.SetDefault("outbox.batchSize", 100)
	v.SetDefault("outbox.tickMs", 100)
	v.SetDefault("outbox.maxRetries", 10)
	v.SetDefault("outbox.backoffScheduleMs", []int{1000, 2000, 5000, 10000, 30000, 60000, 120000})
	v.SetDefault("outbox.retentionHours", 72)

	// Approval defaults
	v.SetDefault("approval.timeout.low", 0)
	v.SetDefault("approval.timeout.medium", 300)
	v.SetDefault("approval.timeout.high", 600)
	v.SetDefault("approval.timeout.plan", 300)
	v.SetDefault("approval.warningS", 60)
	v.SetDefault("approval.maxRetriesPerSession", 3)
	v.SetDefault("approval.retryCooldownS", 10)

	// Tool defaults
	v.SetDefault("tool.limits.readBytes", int64(100*1024*1024))
	v.SetDefault("tool.limits.outputBytes", int64(1024*1024))
	v.SetDefault("tool.limits.commandTimeoutS", 300)
	v.SetDefault("tool.executionTimeoutS", 300)

	// Agent cache defaults
	v.SetDefault("cache.agentTtlS", 300)
	v.SetDefault("cache.agentMaxEntries", 256)

	// LLM defaults
	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "claude-sonnet-4-5")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ATELIER_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/atelier/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("ATELIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose config keys are camelCase.
	_ = v.BindEnv("token.secret", "ATELIER_TOKEN_SECRET")
	_ = v.BindEnv("llm.apiKey", "ANTHROPIC_API_KEY", "ATELIER_LLM_API_KEY")
	_ = v.BindEnv("database.dbName", "ATELIER_DATABASE_DBNAME")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/atelier/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation - only if host is set (optional for in-memory mode)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	if cfg.Token.Secret == "" {
		cfg.Token.Secret = generateDevSecret()
	}
	if cfg.Token.Algorithm != "HS256" {
		errs = append(errs, "token.algorithm: only HS256 is supported")
	}

	if cfg.Bus.DefaultQueueCapacity <= 0 {
		errs = append(errs, "bus.defaultQueueCapacity must be positive")
	}
	if cfg.Bus.MaxConcurrencyPerAgent <= 0 {
		errs = append(errs, "bus.maxConcurrencyPerAgent must be positive")
	}
	if cfg.Stream.BufferSize <= 0 {
		errs = append(errs, "stream.bufferSize must be positive")
	}
	if cfg.Stream.ReaderQueueSize <= 0 {
		errs = append(errs, "stream.readerQueueSize must be positive")
	}
	if cfg.Outbox.BatchSize <= 0 {
		errs = append(errs, "outbox.batchSize must be positive")
	}
	if len(cfg.Outbox.BackoffScheduleMs) == 0 {
		errs = append(errs, "outbox.backoffScheduleMs must not be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	// In production, users should set ATELIER_TOKEN_SECRET
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
