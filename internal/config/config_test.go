package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.Driver != "memory" || cfg.Registry.Backend != "sqlite" {
		t.Fatalf("defaults = queue %q registry %q", cfg.Queue.Driver, cfg.Registry.Backend)
	}
	if cfg.Registry.Path != filepath.Join(home, "jobs.db") {
		t.Fatalf("registry path = %q", cfg.Registry.Path)
	}
	if cfg.Worktree.BranchPrefix != "sniptail" {
		t.Fatalf("branchPrefix = %q", cfg.Worktree.BranchPrefix)
	}
	if cfg.RulesPath() != filepath.Join(home, "rules.yaml") {
		t.Fatalf("rulesPath = %q", cfg.RulesPath())
	}
}

func TestLoadFromFile(t *testing.T) {
	home := t.TempDir()
	content := `
logLevel: debug
queue:
  driver: redis
  redisAddr: 10.0.0.5:6379
  concurrency: 8
registry:
  backend: redis
worktree:
  branchPrefix: bots
repos:
  repo-one:
    sshUrl: git@example.com:org/repo-one.git
    baseBranch: main
`
	if err := os.WriteFile(ConfigPath(home), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.Driver != "redis" || cfg.Queue.Concurrency != 8 {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	// Registry redis addr falls back to the queue's.
	if cfg.Registry.Addr != "10.0.0.5:6379" {
		t.Fatalf("registry addr = %q", cfg.Registry.Addr)
	}
	if cfg.Worktree.BranchPrefix != "bots" {
		t.Fatalf("branchPrefix = %q", cfg.Worktree.BranchPrefix)
	}
	repo, ok := cfg.Repos["repo-one"]
	if !ok || repo.SSHURL != "git@example.com:org/repo-one.git" || repo.BaseBranch != "main" {
		t.Fatalf("repos = %+v", cfg.Repos)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SNIPTAIL_LOG_LEVEL", "debug")
	t.Setenv("SNIPTAIL_QUEUE_DRIVER", "redis")
	t.Setenv("SNIPTAIL_BRANCH_PREFIX", "override")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Queue.Driver != "redis" || cfg.Worktree.BranchPrefix != "override" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad queue driver":     "queue:\n  driver: pigeons\n",
		"bad registry backend": "registry:\n  backend: etcd\n",
		"postgres without dsn": "registry:\n  backend: postgres\n",
		"repo without source":  "repos:\n  repo-one:\n    baseBranch: main\n",
	}
	for name, content := range cases {
		home := t.TempDir()
		if err := os.WriteFile(ConfigPath(home), []byte(content), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := Load(home); err == nil {
			t.Errorf("%s: Load accepted invalid config", name)
		}
	}
}

func TestFingerprintTracksChanges(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	before := cfg.Fingerprint()

	cfg.Queue.Concurrency = 16
	if cfg.Fingerprint() == before {
		t.Fatal("fingerprint unchanged after config change")
	}
}
