package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all deployer configuration.
type Config struct {
	Source   SourceConfig   `mapstructure:"source"`
	Image    ImageConfig    `mapstructure:"image"`
	Registry RegistryConfig `mapstructure:"registry"`
	Secrets  SecretsConfig  `mapstructure:"secrets"`
	Deploy   DeployConfig   `mapstructure:"deploy"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	History  HistoryConfig  `mapstructure:"history"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
	Log      LogConfig      `mapstructure:"log"`
}

// SourceConfig identifies the application source.
type SourceConfig struct {
	RepoURL string `mapstructure:"repo_url"`
	Ref     string `mapstructure:"ref"` // default ref when -ref is not given
	WorkDir string `mapstructure:"work_dir"`
}

// ImageConfig holds image build configuration.
type ImageConfig struct {
	Name       string `mapstructure:"name"`
	ContextDir string `mapstructure:"context_dir"`
	Dockerfile string `mapstructure:"dockerfile"`
}

// RegistryConfig holds remote registry configuration. Credentials are
// injected here, never read from deep call stacks.
type RegistryConfig struct {
	Region          string        `mapstructure:"region"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	Host            string        `mapstructure:"host"`
	Repository      string        `mapstructure:"repository"`
	PushAttempts    int           `mapstructure:"push_attempts"`
	PushBackoff     time.Duration `mapstructure:"push_backoff"`
}

// SecretsConfig holds the secure secret source configuration. Parameters maps
// store parameter names to the env var each becomes in the container.
type SecretsConfig struct {
	Region          string            `mapstructure:"region"`
	AccessKeyID     string            `mapstructure:"access_key_id"`
	SecretAccessKey string            `mapstructure:"secret_access_key"`
	Parameters      map[string]string `mapstructure:"parameters"`
}

// DeployConfig holds the deployment target configuration.
type DeployConfig struct {
	Port          int           `mapstructure:"port"`
	ContainerName string        `mapstructure:"container_name"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
}

// NotifyConfig holds webhook notification configuration.
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// HistoryConfig holds run-history persistence configuration. An empty DSN
// disables history; it is optional for correctness.
type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// TimeoutsConfig bounds each pipeline stage.
type TimeoutsConfig struct {
	Checkout time.Duration `mapstructure:"checkout"`
	Secrets  time.Duration `mapstructure:"secrets"`
	Auth     time.Duration `mapstructure:"auth"`
	Build    time.Duration `mapstructure:"build"`
	Push     time.Duration `mapstructure:"push"`
	Retire   time.Duration `mapstructure:"retire"`
	Launch   time.Duration `mapstructure:"launch"`
	Notify   time.Duration `mapstructure:"notify"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults. Every key gets one, including empty credentials:
	// AutomaticEnv only overrides keys viper already knows about.
	v.SetDefault("source.repo_url", "")
	v.SetDefault("source.ref", "main")
	v.SetDefault("source.work_dir", "./data/checkouts")
	v.SetDefault("image.name", "ledgerscan")
	v.SetDefault("image.context_dir", ".")
	v.SetDefault("image.dockerfile", "Dockerfile")
	v.SetDefault("registry.region", "eu-west-1")
	v.SetDefault("registry.access_key_id", "")
	v.SetDefault("registry.secret_access_key", "")
	v.SetDefault("registry.host", "")
	v.SetDefault("registry.repository", "")
	v.SetDefault("registry.push_attempts", 3)
	v.SetDefault("registry.push_backoff", "5s")
	v.SetDefault("secrets.region", "eu-west-1")
	v.SetDefault("secrets.access_key_id", "")
	v.SetDefault("secrets.secret_access_key", "")
	v.SetDefault("deploy.port", 8001)
	v.SetDefault("deploy.container_name", "ledgerscan-app")
	v.SetDefault("deploy.stop_timeout", "30s")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("history.dsn", "")
	v.SetDefault("docker.host", "")
	v.SetDefault("timeouts.checkout", "2m")
	v.SetDefault("timeouts.secrets", "30s")
	v.SetDefault("timeouts.auth", "30s")
	v.SetDefault("timeouts.build", "15m")
	v.SetDefault("timeouts.push", "10m")
	v.SetDefault("timeouts.retire", "1m")
	v.SetDefault("timeouts.launch", "2m")
	v.SetDefault("timeouts.notify", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("DEPLOYER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate rejects configuration the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Source.RepoURL == "" {
		return fmt.Errorf("source.repo_url is required")
	}
	if c.Image.Name == "" {
		return fmt.Errorf("image.name is required")
	}
	if c.Deploy.Port <= 0 || c.Deploy.Port > 65535 {
		return fmt.Errorf("deploy.port %d is out of range", c.Deploy.Port)
	}
	if c.Registry.Repository == "" {
		return fmt.Errorf("registry.repository is required")
	}
	return nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
