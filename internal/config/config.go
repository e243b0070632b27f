// Package config loads the daemon configuration from <home>/config.yaml with
// environment overrides. Defaults are chosen so a fresh install with no
// config file runs entirely in-process (memory queue, sqlite registry).
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sniptail/sniptail/internal/worktree"
)

// QueueConfig selects and tunes the message transport.
type QueueConfig struct {
	// Driver is "memory" or "redis".
	Driver    string `yaml:"driver"`
	RedisAddr string `yaml:"redisAddr"`
	// Concurrency bounds in-flight jobs per channel consumer.
	Concurrency int `yaml:"concurrency"`
}

// RegistryConfig selects the job store backend.
type RegistryConfig struct {
	// Backend is "sqlite", "postgres" or "redis".
	Backend string `yaml:"backend"`
	// Path is the sqlite database file; defaults to <home>/jobs.db.
	Path string `yaml:"path"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`
	// Addr is the redis address.
	Addr string `yaml:"addr"`
}

// WorktreeConfig holds the git workspace layout.
type WorktreeConfig struct {
	CacheRoot             string `yaml:"cacheRoot"`
	JobRoot               string `yaml:"jobRoot"`
	BranchPrefix          string `yaml:"branchPrefix"`
	SetupCommand          string `yaml:"setupCommand"`
	SetupFatal            bool   `yaml:"setupFatal"`
	CommandTimeoutSeconds int    `yaml:"commandTimeoutSeconds"`
}

// PermissionsConfig holds policy wiring.
type PermissionsConfig struct {
	// RulesPath is the rules YAML; defaults to <home>/rules.yaml.
	RulesPath          string `yaml:"rulesPath"`
	GroupTTLSeconds    int    `yaml:"groupTtlSeconds"`
	ApprovalTTLSeconds int    `yaml:"approvalTtlSeconds"`
}

// RetentionConfig holds the registry sweep policy.
type RetentionConfig struct {
	// Schedule is a 5-field cron expression; empty means hourly.
	Schedule   string `yaml:"schedule"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxEntries int    `yaml:"maxEntries"`
}

// AgentConfig names the agent command spawned per job.
type AgentConfig struct {
	Command []string `yaml:"command"`
}

// MetricsConfig tunes metrics export.
type MetricsConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Exporter        string `yaml:"exporter"`
	IntervalSeconds int    `yaml:"intervalSeconds"`
}

// Config is the full daemon configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"logLevel"`

	Queue       QueueConfig                    `yaml:"queue"`
	Registry    RegistryConfig                 `yaml:"registry"`
	Worktree    WorktreeConfig                 `yaml:"worktree"`
	Permissions PermissionsConfig              `yaml:"permissions"`
	Retention   RetentionConfig                `yaml:"retention"`
	Agent       AgentConfig                    `yaml:"agent"`
	Metrics     MetricsConfig                  `yaml:"metrics"`
	Repos       map[string]worktree.RepoConfig `yaml:"repos"`
}

// HomeDir resolves the sniptail home directory, honoring SNIPTAIL_HOME.
func HomeDir() string {
	if override := os.Getenv("SNIPTAIL_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".sniptail")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// RulesPath returns the effective policy rules file.
func (c Config) RulesPath() string {
	if c.Permissions.RulesPath != "" {
		return c.Permissions.RulesPath
	}
	return filepath.Join(c.HomeDir, "rules.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Queue: QueueConfig{
			Driver:      "memory",
			RedisAddr:   "127.0.0.1:6379",
			Concurrency: 2,
		},
		Registry: RegistryConfig{
			Backend: "sqlite",
		},
		Worktree: WorktreeConfig{
			BranchPrefix:          "sniptail",
			CommandTimeoutSeconds: int((2 * time.Minute).Seconds()),
		},
		Permissions: PermissionsConfig{
			GroupTTLSeconds:    int((5 * time.Minute).Seconds()),
			ApprovalTTLSeconds: int((24 * time.Hour).Seconds()),
		},
		Retention: RetentionConfig{
			MaxAgeDays: 30,
			MaxEntries: 10000,
		},
	}
}

// Load reads and normalizes the configuration for homeDir. An empty homeDir
// resolves via HomeDir().
func Load(homeDir string) (Config, error) {
	cfg := defaultConfig()
	if homeDir == "" {
		homeDir = HomeDir()
	}
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("config: create home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("config: read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SNIPTAIL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SNIPTAIL_QUEUE_DRIVER"); v != "" {
		cfg.Queue.Driver = v
	}
	if v := os.Getenv("SNIPTAIL_REDIS_ADDR"); v != "" {
		cfg.Queue.RedisAddr = v
		if cfg.Registry.Addr == "" {
			cfg.Registry.Addr = v
		}
	}
	if v := os.Getenv("SNIPTAIL_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Concurrency = n
		}
	}
	if v := os.Getenv("SNIPTAIL_REGISTRY_BACKEND"); v != "" {
		cfg.Registry.Backend = v
	}
	if v := os.Getenv("SNIPTAIL_REGISTRY_DSN"); v != "" {
		cfg.Registry.DSN = v
	}
	if v := os.Getenv("SNIPTAIL_BRANCH_PREFIX"); v != "" {
		cfg.Worktree.BranchPrefix = v
	}
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "memory"
	}
	if cfg.Queue.Concurrency <= 0 {
		cfg.Queue.Concurrency = 2
	}
	if cfg.Registry.Backend == "" {
		cfg.Registry.Backend = "sqlite"
	}
	if cfg.Registry.Path == "" {
		cfg.Registry.Path = filepath.Join(cfg.HomeDir, "jobs.db")
	}
	if cfg.Registry.Addr == "" {
		cfg.Registry.Addr = cfg.Queue.RedisAddr
	}
	if cfg.Worktree.CacheRoot == "" {
		cfg.Worktree.CacheRoot = filepath.Join(cfg.HomeDir, "cache")
	}
	if cfg.Worktree.JobRoot == "" {
		cfg.Worktree.JobRoot = filepath.Join(cfg.HomeDir, "jobs")
	}
	if cfg.Worktree.BranchPrefix == "" {
		cfg.Worktree.BranchPrefix = "sniptail"
	}
	if cfg.Worktree.CommandTimeoutSeconds <= 0 {
		cfg.Worktree.CommandTimeoutSeconds = int((2 * time.Minute).Seconds())
	}
	if cfg.Permissions.GroupTTLSeconds <= 0 {
		cfg.Permissions.GroupTTLSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.Permissions.ApprovalTTLSeconds <= 0 {
		cfg.Permissions.ApprovalTTLSeconds = int((24 * time.Hour).Seconds())
	}
}

func validate(cfg *Config) error {
	switch cfg.Queue.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown queue driver %q (supported: memory, redis)", cfg.Queue.Driver)
	}
	switch cfg.Registry.Backend {
	case "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("config: unknown registry backend %q (supported: sqlite, postgres, redis)", cfg.Registry.Backend)
	}
	if cfg.Registry.Backend == "postgres" && cfg.Registry.DSN == "" {
		return fmt.Errorf("config: postgres backend needs registry.dsn")
	}
	for key, repo := range cfg.Repos {
		if repo.SSHURL == "" && repo.LocalPath == "" {
			return fmt.Errorf("config: repo %q: need sshUrl or localPath", key)
		}
	}
	return nil
}

// Fingerprint returns a stable hash of the active config for startup logs.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|queue=%s/%d|registry=%s|prefix=%s|repos=%d|retention=%d/%d",
		c.LogLevel, c.Queue.Driver, c.Queue.Concurrency, c.Registry.Backend,
		c.Worktree.BranchPrefix, len(c.Repos), c.Retention.MaxAgeDays, c.Retention.MaxEntries)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
