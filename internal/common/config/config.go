// Package config provides configuration management for Pegasus.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pegasus-notebook/pegasus/internal/common/logger"
	"github.com/pegasus-notebook/pegasus/internal/common/tracing"
)

// Config holds all configuration sections for both the notebook client and the backend.
type Config struct {
	Client   ClientConfig   `mapstructure:"client"`
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Executor ExecutorConfig `mapstructure:"executor"`
	History  HistoryConfig  `mapstructure:"history"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ClientConfig holds settings for the notebook client (TUI and headless runner).
type ClientConfig struct {
	BaseURL          string `mapstructure:"baseUrl"` // e.g. http://localhost:8000/api
	Username         string `mapstructure:"username"`
	AutosaveDelayMs  int    `mapstructure:"autosaveDelayMs"`
	ReconnectDelayMs int    `mapstructure:"reconnectDelayMs"`
	RequestTimeout   int    `mapstructure:"requestTimeout"` // in seconds
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	AppTitle     string `mapstructure:"appTitle"`
	DataDir      string `mapstructure:"dataDir"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// AuthConfig holds the single-user credential and token settings.
type AuthConfig struct {
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	PasswordHash  string `mapstructure:"passwordHash"` // bcrypt; takes precedence over password
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in minutes
	LoginRate     int    `mapstructure:"loginRate"`     // token requests per minute
	LoginBurst    int    `mapstructure:"loginBurst"`
}

// ExecutorConfig holds the container sandbox settings used by the kernel.
type ExecutorConfig struct {
	DockerHost    string `mapstructure:"dockerHost"`
	APIVersion    string `mapstructure:"apiVersion"`
	Image         string `mapstructure:"image"`
	MemoryLimitMB int64  `mapstructure:"memoryLimitMb"`
	CPUShares     int64  `mapstructure:"cpuShares"`
	Timeout       int    `mapstructure:"timeout"` // in seconds
	HostWorkspace string `mapstructure:"hostWorkspace"`
	StatsInterval int    `mapstructure:"statsInterval"` // in seconds
	DiskLimitMB   int64  `mapstructure:"diskLimitMb"`
	PullOnStart   bool   `mapstructure:"pullOnStart"`
}

// HistoryConfig holds the execution history database settings.
type HistoryConfig struct {
	DBPath string `mapstructure:"dbPath"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig selects the OTLP/HTTP collector. An empty endpoint defers to
// OTEL_EXPORTER_OTLP_ENDPOINT.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sampleRatio"`
}

// AutosaveDelay returns the debounce window as a time.Duration.
func (c *ClientConfig) AutosaveDelay() time.Duration {
	return time.Duration(c.AutosaveDelayMs) * time.Millisecond
}

// ReconnectDelay returns the delay before reconnecting after a kernel restart.
func (c *ClientConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

// RequestTimeoutDuration returns the HTTP request timeout.
func (c *ClientConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// NotebookDir is where .ipynb documents live.
func (s *ServerConfig) NotebookDir() string {
	return filepath.Join(s.DataDir, "Notebooks")
}

// WorkspaceDir is where uploaded files live; code runs with this as working directory.
func (s *ServerConfig) WorkspaceDir() string {
	return filepath.Join(s.DataDir, "Uploads")
}

// TokenDurationTime returns the token lifetime as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Minute
}

// TimeoutDuration returns the per-execution timeout.
func (e *ExecutorConfig) TimeoutDuration() time.Duration {
	return time.Duration(e.Timeout) * time.Second
}

// StatsIntervalDuration returns the resource stats period.
func (e *ExecutorConfig) StatsIntervalDuration() time.Duration {
	return time.Duration(e.StatsInterval) * time.Second
}

// ToLoggerConfig converts the logging section for logger.NewLogger.
func (l LoggingConfig) ToLoggerConfig() logger.LoggingConfig {
	return logger.LoggingConfig{Level: l.Level, Format: l.Format, OutputPath: l.OutputPath}
}

// ToTracingOptions converts the section for the named service.
func (t TracingConfig) ToTracingOptions(service string) tracing.Options {
	return tracing.Options{ServiceName: service, Endpoint: t.Endpoint, Insecure: t.Insecure, SampleRatio: t.SampleRatio}
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("client.baseUrl", "http://localhost:8000/api")
	v.SetDefault("client.username", "")
	v.SetDefault("client.autosaveDelayMs", 2000)
	v.SetDefault("client.reconnectDelayMs", 1000)
	v.SetDefault("client.requestTimeout", 30)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.appTitle", "Pegasus Notebook")
	v.SetDefault("server.dataDir", "./data")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("auth.username", "admin")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.passwordHash", "")
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 30)
	v.SetDefault("auth.loginRate", 10)
	v.SetDefault("auth.loginBurst", 5)

	v.SetDefault("executor.dockerHost", "")
	v.SetDefault("executor.apiVersion", "")
	v.SetDefault("executor.image", "python:3.11-slim")
	v.SetDefault("executor.memoryLimitMb", 256)
	v.SetDefault("executor.cpuShares", 512)
	v.SetDefault("executor.timeout", 10)
	v.SetDefault("executor.hostWorkspace", "")
	v.SetDefault("executor.statsInterval", 2)
	v.SetDefault("executor.diskLimitMb", 1024)
	v.SetDefault("executor.pullOnStart", false)

	v.SetDefault("history.dbPath", "./data/history.db")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "pegasus")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.outputPath", "stderr")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.sampleRatio", 1.0)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PEGASUS_ with the key path joined by underscores,
// e.g. PEGASUS_CLIENT_BASEURL.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PEGASUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Legacy variable names still set by older deployments.
	_ = v.BindEnv("auth.username", "PEGASUS_AUTH_USERNAME", "APP_USERNAME")
	_ = v.BindEnv("auth.password", "PEGASUS_AUTH_PASSWORD", "APP_PASSWORD")
	_ = v.BindEnv("auth.jwtSecret", "PEGASUS_AUTH_JWT_SECRET", "SECRET_KEY")
	_ = v.BindEnv("server.appTitle", "PEGASUS_SERVER_APP_TITLE", "APP_TITLE")
	_ = v.BindEnv("executor.hostWorkspace", "PEGASUS_EXECUTOR_HOST_WORKSPACE", "HOST_WORKSPACE_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".pegasus"))
	}
	v.AddConfigPath("/etc/pegasus/")

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

// validate checks ranges and fills development fallbacks.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Client.BaseURL == "" {
		errs = append(errs, "client.baseUrl is required")
	} else if !strings.HasPrefix(cfg.Client.BaseURL, "http://") && !strings.HasPrefix(cfg.Client.BaseURL, "https://") {
		errs = append(errs, "client.baseUrl must start with http:// or https://")
	}
	if cfg.Client.AutosaveDelayMs <= 0 {
		errs = append(errs, "client.autosaveDelayMs must be positive")
	}
	if cfg.Client.ReconnectDelayMs < 0 {
		errs = append(errs, "client.reconnectDelayMs must not be negative")
	}
	if cfg.Client.RequestTimeout <= 0 {
		errs = append(errs, "client.requestTimeout must be positive")
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, "server.dataDir is required")
	}

	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}
	if cfg.Auth.LoginRate <= 0 || cfg.Auth.LoginBurst <= 0 {
		errs = append(errs, "auth.loginRate and auth.loginBurst must be positive")
	}

	if cfg.Executor.Image == "" {
		errs = append(errs, "executor.image is required")
	}
	if cfg.Executor.Timeout <= 0 {
		errs = append(errs, "executor.timeout must be positive")
	}
	if cfg.Executor.StatsInterval <= 0 {
		errs = append(errs, "executor.statsInterval must be positive")
	}
	if cfg.Executor.MemoryLimitMB <= 0 {
		errs = append(errs, "executor.memoryLimitMb must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, "tracing.sampleRatio must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// generateDevSecret returns a per-process secret; tokens do not survive a restart.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
