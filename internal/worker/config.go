package worker

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the worker's environment contract. The orchestrator sets the
// routing identity as plain env on the deployment; credentials arrive through
// the mounted per-user secret.
type Config struct {
	SessionKey     string
	UserID         string
	Username       string
	ChannelID      string
	ThreadTs       string
	RepositoryURL  string
	DeploymentName string

	DatabaseURL  string
	HostingToken string
	AgentToken   string
	AgentCommand string

	NATSURL string

	ExitOnIdle    time.Duration
	WorkspacePath string
	ServerPort    int

	GitBotName      string
	GitBotEmailHost string
	DefaultBranch   string
}

// LoadConfig reads the worker configuration from the environment. A missing
// required variable is fatal.
func LoadConfig() (Config, error) {
	cfg := Config{
		SessionKey:     os.Getenv("SESSION_KEY"),
		UserID:         os.Getenv("USER_ID"),
		Username:       os.Getenv("USERNAME"),
		ChannelID:      os.Getenv("CHANNEL_ID"),
		ThreadTs:       os.Getenv("THREAD_TS"),
		RepositoryURL:  os.Getenv("REPOSITORY_URL"),
		DeploymentName: os.Getenv("DEPLOYMENT_NAME"),

		DatabaseURL:  os.Getenv("DATABASE_URL"),
		HostingToken: os.Getenv("HOSTING_TOKEN"),
		AgentToken:   os.Getenv("AGENT_TOKEN"),
		AgentCommand: envOr("AGENT_COMMAND", "claude"),

		NATSURL: os.Getenv("NATS_URL"),

		ExitOnIdle:    time.Duration(envIntOr("EXIT_ON_IDLE_MINUTES", 10)) * time.Minute,
		WorkspacePath: envOr("WORKSPACE_PATH", "/workspace"),
		ServerPort:    envIntOr("PEERBOT_SERVER_PORT", 8080),

		GitBotName:      envOr("GIT_BOT_NAME", "peerbot"),
		GitBotEmailHost: envOr("GIT_BOT_EMAIL_HOST", "peerbot.local"),
		DefaultBranch:   envOr("GIT_DEFAULT_BRANCH", "main"),
	}

	for _, required := range []struct {
		name, value string
	}{
		{"SESSION_KEY", cfg.SessionKey},
		{"USER_ID", cfg.UserID},
		{"DEPLOYMENT_NAME", cfg.DeploymentName},
		{"REPOSITORY_URL", cfg.RepositoryURL},
	} {
		if required.value == "" {
			return Config{}, fmt.Errorf("missing required environment variable %s", required.name)
		}
	}
	return cfg, nil
}

// BotEmail derives the committer email for a username.
func (c Config) BotEmail() string {
	return c.Username + "@" + c.GitBotEmailHost
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envIntOr(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
