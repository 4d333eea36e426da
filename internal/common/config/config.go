// Package config provides configuration management for Peerbot.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Peerbot.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Cluster      ClusterConfig      `mapstructure:"cluster"`
	Chat         ChatConfig         `mapstructure:"chat"`
	Git          GitConfig          `mapstructure:"git"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Dispatcher   DispatcherConfig   `mapstructure:"dispatcher"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Logging      LoggingConfig      `mapstructure:"logging"`
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
	MinConns int    `mapstructure:"minConns"`
	// URL overrides the individual fields when set. Workers receive it from
	// their per-user secret as DATABASE_URL.
	URL string `mapstructure:"url"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-process queue (dev and tests).
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ClusterConfig holds container cluster client configuration.
type ClusterConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	Namespace      string `mapstructure:"namespace"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	SecretsPath    string `mapstructure:"secretsPath"`
	StatePath      string `mapstructure:"statePath"`
	WorkerImage    string `mapstructure:"workerImage"`
	MemoryLimitMB  int64  `mapstructure:"memoryLimitMb"`
	CPUCores       float64 `mapstructure:"cpuCores"`
}

// ChatConfig holds chat platform configuration.
type ChatConfig struct {
	BotUserID    string `mapstructure:"botUserId"`
	BotID        string `mapstructure:"botId"`
	GatewayURL   string `mapstructure:"gatewayUrl"`
	GatewayToken string `mapstructure:"gatewayToken"`
	// UpdateThrottle is the minimum interval between edits of the same chat
	// message, in milliseconds.
	UpdateThrottle int `mapstructure:"updateThrottle"`
}

// GitConfig holds git hosting configuration.
type GitConfig struct {
	HostingToken string `mapstructure:"hostingToken"`
	BotName      string `mapstructure:"botName"`
	BotEmailHost string `mapstructure:"botEmailHost"`
	// RepoTemplate is the clone URL pattern for per-user repositories;
	// "{username}" is substituted.
	RepoTemplate  string `mapstructure:"repoTemplate"`
	DefaultBranch string `mapstructure:"defaultBranch"`
}

// AgentConfig holds agent subprocess configuration.
type AgentConfig struct {
	Command        string   `mapstructure:"command"`
	Token          string   `mapstructure:"token"`
	Model          string   `mapstructure:"model"`
	AllowedTools   []string `mapstructure:"allowedTools"`
	TimeoutMinutes int      `mapstructure:"timeoutMinutes"`
}

// DispatcherConfig holds ingress dispatcher configuration.
type DispatcherConfig struct {
	MaxJobsPerUser  int      `mapstructure:"maxJobsPerUser"`
	RateWindowMin   int      `mapstructure:"rateWindowMin"`
	AllowedUsers    []string `mapstructure:"allowedUsers"`
	DeniedUsers     []string `mapstructure:"deniedUsers"`
	RepoCacheTTLMin int      `mapstructure:"repoCacheTtlMin"`
}

// OrchestratorConfig holds orchestrator consumer and reconciler configuration.
type OrchestratorConfig struct {
	TeamSize            int `mapstructure:"teamSize"`
	TeamConcurrency     int `mapstructure:"teamConcurrency"`
	RecoveryIntervalMin int `mapstructure:"recoveryIntervalMin"`
	OrphanMaxAgeMin     int `mapstructure:"orphanMaxAgeMin"`
	IdleMinutes         int `mapstructure:"idleMinutes"`
	MonitorTimeoutMin   int `mapstructure:"monitorTimeoutMin"`
}

// WorkerConfig holds per-thread worker configuration.
type WorkerConfig struct {
	ExitOnIdleMinutes int    `mapstructure:"exitOnIdleMinutes"`
	WorkspacePath     string `mapstructure:"workspacePath"`
	AutoPushSeconds   int    `mapstructure:"autoPushSeconds"`
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

// RateWindow returns the rate limiter window as a time.Duration.
func (d *DispatcherConfig) RateWindow() time.Duration {
	return time.Duration(d.RateWindowMin) * time.Minute
}

// RepoCacheTTL returns the repository cache TTL as a time.Duration.
func (d *DispatcherConfig) RepoCacheTTL() time.Duration {
	return time.Duration(d.RepoCacheTTLMin) * time.Minute
}

// UpdateThrottleDuration returns the chat update throttle as a time.Duration.
func (c *ChatConfig) UpdateThrottleDuration() time.Duration {
	return time.Duration(c.UpdateThrottle) * time.Millisecond
}

// detectDefaultLogFormat returns "json" in cluster/production environments
// and "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("PEERBOT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "peerbot")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "peerbot")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.url", "")

	// NATS defaults - empty URL means use the in-process queue
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "peerbot")
	v.SetDefault("nats.maxReconnects", 10)

	// Cluster defaults
	v.SetDefault("cluster.host", "unix:///var/run/docker.sock")
	v.SetDefault("cluster.apiVersion", "1.41")
	v.SetDefault("cluster.namespace", "peerbot")
	v.SetDefault("cluster.defaultNetwork", "peerbot-network")
	v.SetDefault("cluster.secretsPath", "/var/lib/peerbot/secrets")
	v.SetDefault("cluster.statePath", "/var/lib/peerbot/deployments")
	v.SetDefault("cluster.workerImage", "peerbot-worker:latest")
	v.SetDefault("cluster.memoryLimitMb", 2048)
	v.SetDefault("cluster.cpuCores", 1.0)

	// Chat defaults
	v.SetDefault("chat.botUserId", "")
	v.SetDefault("chat.botId", "")
	v.SetDefault("chat.gatewayUrl", "")
	v.SetDefault("chat.gatewayToken", "")
	v.SetDefault("chat.updateThrottle", 2000)

	// Git defaults
	v.SetDefault("git.hostingToken", "")
	v.SetDefault("git.botName", "peerbot")
	v.SetDefault("git.botEmailHost", "users.noreply.github.com")
	v.SetDefault("git.repoTemplate", "https://github.com/peerbot-workspaces/{username}.git")
	v.SetDefault("git.defaultBranch", "main")

	// Agent defaults
	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.token", "")
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.allowedTools", []string{})
	v.SetDefault("agent.timeoutMinutes", 30)

	// Dispatcher defaults
	v.SetDefault("dispatcher.maxJobsPerUser", 5)
	v.SetDefault("dispatcher.rateWindowMin", 15)
	v.SetDefault("dispatcher.allowedUsers", []string{})
	v.SetDefault("dispatcher.deniedUsers", []string{})
	v.SetDefault("dispatcher.repoCacheTtlMin", 5)

	// Orchestrator defaults
	v.SetDefault("orchestrator.teamSize", 2)
	v.SetDefault("orchestrator.teamConcurrency", 5)
	v.SetDefault("orchestrator.recoveryIntervalMin", 5)
	v.SetDefault("orchestrator.orphanMaxAgeMin", 60)
	v.SetDefault("orchestrator.idleMinutes", 5)
	v.SetDefault("orchestrator.monitorTimeoutMin", 10)

	// Worker defaults
	v.SetDefault("worker.exitOnIdleMinutes", 10)
	v.SetDefault("worker.workspacePath", "/workspace")
	v.SetDefault("worker.autoPushSeconds", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PEERBOT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/peerbot/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PEERBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose names do not derive from the
	// camelCase config keys. Workers receive these from the deployment
	// manifest and the mounted per-user secret.
	_ = v.BindEnv("database.url", "DATABASE_URL", "PEERBOT_DATABASE_URL")
	_ = v.BindEnv("git.hostingToken", "HOSTING_TOKEN", "PEERBOT_GIT_HOSTING_TOKEN")
	_ = v.BindEnv("agent.token", "AGENT_TOKEN", "PEERBOT_AGENT_TOKEN")
	_ = v.BindEnv("worker.exitOnIdleMinutes", "EXIT_ON_IDLE_MINUTES", "PEERBOT_WORKER_EXIT_ON_IDLE_MINUTES")
	_ = v.BindEnv("worker.workspacePath", "WORKSPACE_PATH", "PEERBOT_WORKER_WORKSPACE_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/peerbot/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation - only if host is set (optional for in-memory mode)
	if cfg.Database.URL == "" && cfg.Database.Host != "" {
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

	if cfg.Dispatcher.MaxJobsPerUser <= 0 {
		errs = append(errs, "dispatcher.maxJobsPerUser must be positive")
	}
	if cfg.Dispatcher.RateWindowMin <= 0 {
		errs = append(errs, "dispatcher.rateWindowMin must be positive")
	}
	if cfg.Orchestrator.IdleMinutes <= 0 {
		errs = append(errs, "orchestrator.idleMinutes must be positive")
	}
	if cfg.Worker.ExitOnIdleMinutes <= 0 {
		errs = append(errs, "worker.exitOnIdleMinutes must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
