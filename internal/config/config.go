// Package config loads and validates collector configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/mission-vault/internal/policy/ratelimit"
	"github.com/JakeFAU/mission-vault/internal/storage/local"
	"github.com/JakeFAU/mission-vault/internal/vault"
)

// EnvPrefix namespaces environment overrides, e.g. COLLECTOR_VAULT_PATH.
const EnvPrefix = "COLLECTOR"

// Storage backends understood by StorageConfig.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	MissionFile  string          `mapstructure:"mission_file"`
	MetadataFile string          `mapstructure:"metadata_file"`
	Runner       RunnerConfig    `mapstructure:"runner"`
	Lifecycle    LifecycleConfig `mapstructure:"lifecycle"`
	Vault        vault.Config    `mapstructure:"vault"`
	Preview      PreviewConfig   `mapstructure:"preview"`
	CloudSync    CloudSyncConfig `mapstructure:"cloudsync"`
	PubSub       PubSubConfig    `mapstructure:"pubsub"`
	Server       ServerConfig    `mapstructure:"server"`
	Schedule     ScheduleConfig  `mapstructure:"schedule"`
	Logging      LoggingConfig   `mapstructure:"logging"`
	Telemetry    TelemetryConfig `mapstructure:"telemetry"`
}

// RunnerConfig points at the job runner API.
type RunnerConfig struct {
	BaseURL   string           `mapstructure:"base_url"`
	Token     string           `mapstructure:"token"`
	ActorID   string           `mapstructure:"actor_id"`
	Timeout   time.Duration    `mapstructure:"timeout"`
	RateLimit ratelimit.Config `mapstructure:"rate_limit"`
}

// LifecycleConfig bounds job polling.
type LifecycleConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
}

// StorageConfig selects a blob backend.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Bucket  string       `mapstructure:"bucket"`
	Local   local.Config `mapstructure:"local"`
}

// PreviewConfig controls the latest-batch snapshot.
type PreviewConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Object  string        `mapstructure:"object"`
	Limit   int           `mapstructure:"limit"`
	Storage StorageConfig `mapstructure:"storage"`
}

// CloudSyncConfig controls the vault backup.
type CloudSyncConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Prefix      string        `mapstructure:"prefix"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Storage     StorageConfig `mapstructure:"storage"`
}

// PubSubConfig holds the cycle notification topic. Empty values disable it.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the status API.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// ScheduleConfig controls periodic cycles.
type ScheduleConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	RunOnStart bool          `mapstructure:"run_on_start"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig names this process in emitted traces.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment. The runner token may also be
// supplied as APIFY_API_TOKEN.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("runner.token", EnvPrefix+"_RUNNER_TOKEN", "APIFY_API_TOKEN"); err != nil {
		return Config{}, fmt.Errorf("bind runner token: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.MetadataFile == "" {
		cfg.MetadataFile = cfg.MissionFile
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mission_file", "config.json")
	v.SetDefault("metadata_file", "")
	v.SetDefault("runner.base_url", "https://api.apify.com/v2")
	v.SetDefault("runner.token", "")
	v.SetDefault("runner.actor_id", "apify~twitter-scraper-v2")
	v.SetDefault("runner.timeout", 30*time.Second)
	v.SetDefault("runner.rate_limit.requests_per_second", 5.0)
	v.SetDefault("runner.rate_limit.burst", 5)
	v.SetDefault("lifecycle.poll_interval", 5*time.Second)
	v.SetDefault("lifecycle.max_wait", 30*time.Minute)
	v.SetDefault("vault.path", "vault/x_vault.jsonl")
	v.SetDefault("vault.id_field", vault.DefaultIDField)
	v.SetDefault("vault.missing_id", string(vault.MissingIDAppend))
	v.SetDefault("preview.enabled", true)
	v.SetDefault("preview.object", "x_data_latest.json")
	v.SetDefault("preview.limit", 50)
	v.SetDefault("preview.storage.backend", BackendLocal)
	v.SetDefault("preview.storage.bucket", "")
	v.SetDefault("preview.storage.local.base_dir", "data")
	v.SetDefault("cloudsync.enabled", false)
	v.SetDefault("cloudsync.prefix", "backups")
	v.SetDefault("cloudsync.max_attempts", 4)
	v.SetDefault("cloudsync.base_delay", 2*time.Second)
	v.SetDefault("cloudsync.max_delay", 30*time.Second)
	v.SetDefault("cloudsync.storage.backend", BackendGCS)
	v.SetDefault("cloudsync.storage.bucket", "")
	v.SetDefault("cloudsync.storage.local.base_dir", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.api_key", "")
	v.SetDefault("schedule.interval", time.Hour)
	v.SetDefault("schedule.run_on_start", true)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "collector")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.MissionFile) == "" {
		return fmt.Errorf("mission_file is required")
	}
	if strings.TrimSpace(c.Vault.Path) == "" {
		return fmt.Errorf("vault.path is required")
	}
	switch c.Vault.MissingID {
	case vault.MissingIDAppend, vault.MissingIDReject:
	default:
		return fmt.Errorf("vault.missing_id must be %q or %q", vault.MissingIDAppend, vault.MissingIDReject)
	}
	if c.Lifecycle.PollInterval <= 0 {
		return fmt.Errorf("lifecycle.poll_interval must be > 0")
	}
	if c.Lifecycle.MaxWait < c.Lifecycle.PollInterval {
		return fmt.Errorf("lifecycle.max_wait must be >= lifecycle.poll_interval")
	}
	if c.Runner.Timeout <= 0 {
		return fmt.Errorf("runner.timeout must be > 0")
	}
	if c.Runner.RateLimit.RequestsPerSecond < 0 || c.Runner.RateLimit.Burst < 0 {
		return fmt.Errorf("runner.rate_limit values must be >= 0")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Schedule.Interval <= 0 {
		return fmt.Errorf("schedule.interval must be > 0")
	}
	if c.Preview.Enabled {
		if c.Preview.Limit <= 0 {
			return fmt.Errorf("preview.limit must be > 0")
		}
		if err := c.Preview.Storage.validate("preview.storage"); err != nil {
			return err
		}
	}
	if c.CloudSync.Enabled {
		if c.CloudSync.Storage.Backend == BackendMemory {
			return fmt.Errorf("cloudsync.storage.backend must be %q or %q", BackendGCS, BackendLocal)
		}
		if err := c.CloudSync.Storage.validate("cloudsync.storage"); err != nil {
			return err
		}
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

func (s StorageConfig) validate(key string) error {
	switch s.Backend {
	case BackendGCS:
		if strings.TrimSpace(s.Bucket) == "" {
			return fmt.Errorf("%s.bucket is required for the gcs backend", key)
		}
	case BackendLocal:
		if strings.TrimSpace(s.Local.BaseDir) == "" {
			return fmt.Errorf("%s.local.base_dir is required for the local backend", key)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%s.backend %q is not supported", key, s.Backend)
	}
	return nil
}
