package worktree

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/sniptail/sniptail/internal/job"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not on PATH")
	}
}

func gitIn(t *testing.T, dir string, args ...string) string {
	t.Helper()
	full := append([]string{"-C", dir,
		"-c", "user.email=test@example.com", "-c", "user.name=test"}, args...)
	out, err := exec.Command("git", full...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return string(out)
}

// initOrigin creates a source repository with one commit on main.
func initOrigin(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitIn(t, dir, "init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	gitIn(t, dir, "add", ".")
	gitIn(t, dir, "commit", "-m", "initial")
	return dir
}

func newOrchestrator(t *testing.T, mutate func(*Config)) *Orchestrator {
	t.Helper()
	root := t.TempDir()
	cfg := Config{
		CacheRoot: filepath.Join(root, "cache"),
		JobRoot:   filepath.Join(root, "jobs"),
		Logger:    slog.New(slog.DiscardHandler),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func implementSpec(id string) job.Spec {
	return job.Spec{
		ID:          id,
		Type:        job.TypeImplement,
		RepoKeys:    []string{"repo-one"},
		GitRef:      "main",
		RequestText: "do the thing",
		Channel:     job.ChannelRef{Provider: "slack", ChannelID: "C1"},
	}
}

func TestPrepareUnknownRepo(t *testing.T) {
	requireGit(t)
	o := newOrchestrator(t, nil)

	_, err := o.Prepare(context.Background(), implementSpec("impl-1-aaaa"),
		map[string]RepoConfig{}, nil)
	if !errors.Is(err, ErrUnknownRepo) {
		t.Fatalf("err = %v, want ErrUnknownRepo", err)
	}
}

func TestPrepareInvalidRef(t *testing.T) {
	requireGit(t)
	o := newOrchestrator(t, nil)

	spec := implementSpec("impl-1-aaaa")
	spec.GitRef = "bad..ref"
	_, err := o.Prepare(context.Background(), spec, map[string]RepoConfig{
		"repo-one": {LocalPath: t.TempDir()},
	}, nil)
	if !errors.Is(err, ErrInvalidGitRef) {
		t.Fatalf("err = %v, want ErrInvalidGitRef", err)
	}
}

func TestPrepareMutatingCreatesJobBranch(t *testing.T) {
	requireGit(t)
	origin := initOrigin(t)
	o := newOrchestrator(t, nil)
	allowlist := map[string]RepoConfig{"repo-one": {LocalPath: origin}}

	result, err := o.Prepare(context.Background(), implementSpec("impl-1-aaaa"), allowlist, nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	path := result.WorktreeByRepo["repo-one"]
	if _, err := os.Stat(filepath.Join(path, "README.md")); err != nil {
		t.Fatalf("worktree missing checked-out file: %v", err)
	}
	if got := result.BranchByRepo["repo-one"]; got != "sniptail/impl-1-aaaa" {
		t.Fatalf("branch = %q, want sniptail/impl-1-aaaa", got)
	}
	out, err := exec.Command("git", "-C", path, "symbolic-ref", "--short", "HEAD").Output()
	if err != nil {
		t.Fatalf("symbolic-ref: %v", err)
	}
	if got := string(out); got != "sniptail/impl-1-aaaa\n" {
		t.Fatalf("checked-out branch = %q", got)
	}
}

func TestPrepareReadOnlyIsDetached(t *testing.T) {
	requireGit(t)
	origin := initOrigin(t)
	o := newOrchestrator(t, nil)

	spec := implementSpec("plan-1-aaaa")
	spec.Type = job.TypePlan
	result, err := o.Prepare(context.Background(), spec,
		map[string]RepoConfig{"repo-one": {LocalPath: origin}}, nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(result.BranchByRepo) != 0 {
		t.Fatalf("branchByRepo = %v, want empty for read-only job", result.BranchByRepo)
	}

	path := result.WorktreeByRepo["repo-one"]
	err = exec.Command("git", "-C", path, "symbolic-ref", "--short", "HEAD").Run()
	if err == nil {
		t.Fatal("worktree HEAD is a branch, want detached")
	}
}

func TestWorktreeIsolation(t *testing.T) {
	requireGit(t)
	origin := initOrigin(t)
	o := newOrchestrator(t, nil)
	allowlist := map[string]RepoConfig{"repo-one": {LocalPath: origin}}
	ctx := context.Background()

	first, err := o.Prepare(ctx, implementSpec("impl-1-aaaa"), allowlist, nil)
	if err != nil {
		t.Fatalf("Prepare first: %v", err)
	}
	second, err := o.Prepare(ctx, implementSpec("impl-2-bbbb"), allowlist, nil)
	if err != nil {
		t.Fatalf("Prepare second: %v", err)
	}

	if first.WorktreeByRepo["repo-one"] == second.WorktreeByRepo["repo-one"] {
		t.Fatal("two jobs share one worktree path")
	}
	if first.BranchByRepo["repo-one"] == second.BranchByRepo["repo-one"] {
		t.Fatal("two jobs share one branch name")
	}
}

func TestPrepareRefreshPicksUpNewCommits(t *testing.T) {
	requireGit(t)
	origin := initOrigin(t)
	o := newOrchestrator(t, nil)
	allowlist := map[string]RepoConfig{"repo-one": {LocalPath: origin}}
	ctx := context.Background()

	if _, err := o.Prepare(ctx, implementSpec("impl-1-aaaa"), allowlist, nil); err != nil {
		t.Fatalf("Prepare first: %v", err)
	}

	if err := os.WriteFile(filepath.Join(origin, "second.txt"), []byte("more\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	gitIn(t, origin, "add", ".")
	gitIn(t, origin, "commit", "-m", "second")

	result, err := o.Prepare(ctx, implementSpec("impl-2-bbbb"), allowlist, nil)
	if err != nil {
		t.Fatalf("Prepare second: %v", err)
	}
	if _, err := os.Stat(filepath.Join(result.WorktreeByRepo["repo-one"], "second.txt")); err != nil {
		t.Fatalf("refreshed worktree missing new commit: %v", err)
	}
}

func TestPrepareResumeUsesPriorBranch(t *testing.T) {
	requireGit(t)
	origin := initOrigin(t)
	o := newOrchestrator(t, nil)
	allowlist := map[string]RepoConfig{"repo-one": {LocalPath: origin}}
	ctx := context.Background()

	first, err := o.Prepare(ctx, implementSpec("impl-1-aaaa"), allowlist, nil)
	if err != nil {
		t.Fatalf("Prepare first: %v", err)
	}

	resume := implementSpec("impl-2-bbbb")
	resume.GitRef = ""
	resume.ResumeFromJobID = "impl-1-aaaa"
	second, err := o.Prepare(ctx, resume, allowlist, first.BranchByRepo)
	if err != nil {
		t.Fatalf("Prepare resume: %v", err)
	}

	// The resumed worktree branches off the prior job's branch.
	path := second.WorktreeByRepo["repo-one"]
	out, err := exec.Command("git", "-C", path,
		"merge-base", "--is-ancestor", "sniptail/impl-1-aaaa", "HEAD").CombinedOutput()
	if err != nil {
		t.Fatalf("prior branch is not an ancestor: %v\n%s", err, out)
	}
}

func TestSetupCommandFailureIsNonFatal(t *testing.T) {
	requireGit(t)
	origin := initOrigin(t)
	o := newOrchestrator(t, func(cfg *Config) { cfg.SetupCommand = "exit 1" })

	_, err := o.Prepare(context.Background(), implementSpec("impl-1-aaaa"),
		map[string]RepoConfig{"repo-one": {LocalPath: origin}}, nil)
	if err != nil {
		t.Fatalf("Prepare with failing non-fatal setup: %v", err)
	}
}

func TestSetupCommandFailureFatal(t *testing.T) {
	requireGit(t)
	origin := initOrigin(t)
	o := newOrchestrator(t, func(cfg *Config) {
		cfg.SetupCommand = "exit 1"
		cfg.SetupFatal = true
	})

	_, err := o.Prepare(context.Background(), implementSpec("impl-1-aaaa"),
		map[string]RepoConfig{"repo-one": {LocalPath: origin}}, nil)
	if err == nil {
		t.Fatal("Prepare succeeded despite fatal setup failure")
	}
}

func TestRemoveTearsDownJobDir(t *testing.T) {
	requireGit(t)
	origin := initOrigin(t)
	o := newOrchestrator(t, func(cfg *Config) { cfg.CommandTimeout = time.Minute })
	spec := implementSpec("impl-1-aaaa")
	ctx := context.Background()

	result, err := o.Prepare(ctx, spec,
		map[string]RepoConfig{"repo-one": {LocalPath: origin}}, nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := o.Remove(ctx, spec); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(result.WorktreeByRepo["repo-one"]); !os.IsNotExist(err) {
		t.Fatalf("worktree still present after Remove: %v", err)
	}
}

func TestValidateRef(t *testing.T) {
	valid := []string{"main", "feature/login", "v1.2.3", "sniptail/impl-1-aaaa"}
	for _, ref := range valid {
		if err := ValidateRef(ref); err != nil {
			t.Errorf("ValidateRef(%q) = %v, want nil", ref, err)
		}
	}
	invalid := []string{"", "-flag", "a..b", "has space", "tilde~1", "star*",
		"end.lock", "a//b", "trail/", "@{upstream}", "colon:ref"}
	for _, ref := range invalid {
		if err := ValidateRef(ref); !errors.Is(err, ErrInvalidGitRef) {
			t.Errorf("ValidateRef(%q) = %v, want ErrInvalidGitRef", ref, err)
		}
	}
}
