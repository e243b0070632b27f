// Package worktree prepares isolated git working directories for jobs. Each
// repo gets one shared mirror clone that is only ever fetched and branched,
// and each job gets private worktrees carved off that mirror, so concurrent
// jobs on the same repo never collide on index or working-tree state.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sniptail/sniptail/internal/job"
)

var (
	// ErrUnknownRepo is returned when a job names a repo key outside the
	// configured allowlist.
	ErrUnknownRepo = errors.New("worktree: unknown repo")
	// ErrRefNotFound is returned when the requested base ref exists neither
	// remotely nor locally in the mirror.
	ErrRefNotFound = errors.New("worktree: ref not found")
	// ErrInvalidGitRef is returned for syntactically unusable ref names,
	// before any git subprocess runs.
	ErrInvalidGitRef = errors.New("worktree: invalid git ref")
)

// RepoConfig is one allowlist entry. Exactly one of SSHURL or LocalPath must
// be set; the orchestrator treats the allowlist as read-only caller input.
type RepoConfig struct {
	SSHURL     string `yaml:"sshUrl,omitempty"`
	LocalPath  string `yaml:"localPath,omitempty"`
	BaseBranch string `yaml:"baseBranch,omitempty"`
}

func (c RepoConfig) remote() string {
	if c.LocalPath != "" {
		return c.LocalPath
	}
	return c.SSHURL
}

// Config holds the orchestrator's filesystem layout and command policy.
type Config struct {
	// CacheRoot holds the shared mirror clones, one per repo key.
	CacheRoot string
	// JobRoot holds per-job directories; worktrees land under
	// <JobRoot>/<jobID>/repos/<repoKey>.
	JobRoot string
	// BranchPrefix namespaces job branches; defaults to "sniptail".
	BranchPrefix string
	// SetupCommand optionally runs inside each fresh worktree via "sh -c".
	SetupCommand string
	// SetupFatal makes a failing setup command fail the prepare; by default
	// failures are logged and ignored.
	SetupFatal bool
	// CommandTimeout bounds each git subprocess; defaults to 2 minutes.
	CommandTimeout time.Duration
	Logger         *slog.Logger
}

// Orchestrator prepares worktrees for jobs.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
}

// Result maps repo keys to the prepared paths and, for mutating jobs, the
// branch each worktree was created on.
type Result struct {
	WorktreeByRepo map[string]string
	BranchByRepo   map[string]string
}

// New creates an Orchestrator and ensures its root directories exist.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "sniptail"
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, dir := range []string{cfg.CacheRoot, cfg.JobRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("worktree: create root %s: %w", dir, err)
		}
	}
	return &Orchestrator{cfg: cfg, logger: logger}, nil
}

// JobBranch returns the branch name a mutating job works on.
func (o *Orchestrator) JobBranch(jobID string) string {
	return o.cfg.BranchPrefix + "/" + jobID
}

// Prepare builds one worktree per repo key in the spec. priorBranches carries
// the branch names recorded by a resumed job; it may be nil.
func (o *Orchestrator) Prepare(ctx context.Context, spec job.Spec, allowlist map[string]RepoConfig, priorBranches map[string]string) (*Result, error) {
	if spec.GitRef != "" {
		if err := ValidateRef(spec.GitRef); err != nil {
			return nil, err
		}
	}

	result := &Result{
		WorktreeByRepo: make(map[string]string, len(spec.RepoKeys)),
		BranchByRepo:   make(map[string]string, len(spec.RepoKeys)),
	}
	for _, repoKey := range spec.RepoKeys {
		repoCfg, ok := allowlist[repoKey]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRepo, repoKey)
		}
		baseRef := o.baseRef(spec, repoCfg, priorBranches[repoKey])
		path, branch, err := o.prepareRepo(ctx, spec, repoKey, repoCfg, baseRef)
		if err != nil {
			return nil, fmt.Errorf("worktree: prepare %s for %s: %w", repoKey, spec.ID, err)
		}
		result.WorktreeByRepo[repoKey] = path
		if branch != "" {
			result.BranchByRepo[repoKey] = branch
		}
	}
	return result, nil
}

// baseRef picks the ref a repo's worktree starts from: the explicit gitRef,
// then a resumed job's recorded branch, then the resumed job's synthesized
// branch name, then the allowlist default.
func (o *Orchestrator) baseRef(spec job.Spec, repoCfg RepoConfig, priorBranch string) string {
	if spec.GitRef != "" {
		return spec.GitRef
	}
	if spec.ResumeFromJobID != "" {
		if priorBranch != "" {
			return priorBranch
		}
		return o.JobBranch(spec.ResumeFromJobID)
	}
	if repoCfg.BaseBranch != "" {
		return repoCfg.BaseBranch
	}
	return "main"
}

func (o *Orchestrator) prepareRepo(ctx context.Context, spec job.Spec, repoKey string, repoCfg RepoConfig, baseRef string) (string, string, error) {
	clonePath := filepath.Join(o.cfg.CacheRoot, repoKey+".git")
	mirror := gitRepo{dir: clonePath, timeout: o.cfg.CommandTimeout}

	if _, err := os.Stat(clonePath); os.IsNotExist(err) {
		if err := o.cloneMirror(ctx, repoCfg, baseRef, clonePath); err != nil {
			return "", "", err
		}
	} else if err != nil {
		return "", "", fmt.Errorf("stat mirror: %w", err)
	} else if err := o.refreshMirror(ctx, mirror, baseRef); err != nil {
		return "", "", err
	}

	if err := o.reconcileBranch(ctx, mirror, baseRef); err != nil {
		return "", "", err
	}

	worktreePath := filepath.Join(o.cfg.JobRoot, spec.ID, "repos", repoKey)
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return "", "", fmt.Errorf("create job dir: %w", err)
	}

	var branch string
	if spec.Mutating() {
		branch = o.JobBranch(spec.ID)
		if _, err := mirror.run(ctx, "worktree", "add", "-b", branch, worktreePath, baseRef); err != nil {
			return "", "", err
		}
	} else {
		if _, err := mirror.run(ctx, "worktree", "add", "--detach", worktreePath, baseRef); err != nil {
			return "", "", err
		}
	}

	if err := o.runSetup(ctx, spec.ID, repoKey, worktreePath); err != nil {
		return "", "", err
	}
	return worktreePath, branch, nil
}

func (o *Orchestrator) cloneMirror(ctx context.Context, repoCfg RepoConfig, baseRef, clonePath string) error {
	_, err := runGit(ctx, o.cfg.CommandTimeout,
		"clone", "--single-branch", "--branch", baseRef, repoCfg.remote(), clonePath)
	if err != nil {
		return err
	}
	return nil
}

// refreshMirror fetches baseRef into the mirror's remote-tracking namespace.
// A failed fetch retries once after dropping the remote-tracking ref, which
// clears stale locks and force-moved remote branches.
func (o *Orchestrator) refreshMirror(ctx context.Context, mirror gitRepo, baseRef string) error {
	refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", baseRef, baseRef)
	_, err := mirror.run(ctx, "fetch", "origin", refspec)
	if err == nil {
		return nil
	}

	o.logger.Warn("worktree: fetch failed, dropping remote-tracking ref and retrying",
		"mirror", mirror.dir, "ref", baseRef, "error", err)
	_, _ = mirror.run(ctx, "update-ref", "-d", "refs/remotes/origin/"+baseRef)
	if _, retryErr := mirror.run(ctx, "fetch", "origin", refspec); retryErr != nil {
		// Job branches of resumed work may exist only in the mirror; a local
		// ref keeps the prepare alive even when the remote lacks the branch.
		if mirror.hasRef(ctx, "refs/heads/"+baseRef) {
			o.logger.Warn("worktree: remote lacks ref, using local branch",
				"mirror", mirror.dir, "ref", baseRef)
			return nil
		}
		return retryErr
	}
	return nil
}

// reconcileBranch points the mirror's local branch for baseRef at the freshly
// fetched remote-tracking ref. The mirror's checked-out branch needs reset
// --hard; any other branch is force-moved without touching the checkout.
func (o *Orchestrator) reconcileBranch(ctx context.Context, mirror gitRepo, baseRef string) error {
	remoteRef := "refs/remotes/origin/" + baseRef
	if !mirror.hasRef(ctx, remoteRef) {
		if mirror.hasRef(ctx, "refs/heads/"+baseRef) {
			return nil
		}
		return fmt.Errorf("%w: %q", ErrRefNotFound, baseRef)
	}

	if mirror.currentBranch(ctx) == baseRef {
		_, err := mirror.run(ctx, "reset", "--hard", remoteRef)
		return err
	}
	_, err := mirror.run(ctx, "branch", "-f", baseRef, remoteRef)
	return err
}

func (o *Orchestrator) runSetup(ctx context.Context, jobID, repoKey, dir string) error {
	if o.cfg.SetupCommand == "" {
		return nil
	}
	cmdCtx, cancel := context.WithTimeout(ctx, o.cfg.CommandTimeout)
	defer cancel()

	command := exec.CommandContext(cmdCtx, "sh", "-c", o.cfg.SetupCommand)
	command.Dir = dir
	out, err := command.CombinedOutput()
	if err != nil {
		if o.cfg.SetupFatal {
			return fmt.Errorf("setup command: %w (output: %s)", err, strings.TrimSpace(string(out)))
		}
		o.logger.Warn("worktree: setup command failed",
			"job_id", jobID, "repo", repoKey, "error", err,
			"output", strings.TrimSpace(string(out)))
	}
	return nil
}

// Remove tears down a job's worktrees and directory. Mirror clones stay.
func (o *Orchestrator) Remove(ctx context.Context, spec job.Spec) error {
	jobDir := filepath.Join(o.cfg.JobRoot, spec.ID)
	for _, repoKey := range spec.RepoKeys {
		clonePath := filepath.Join(o.cfg.CacheRoot, repoKey+".git")
		mirror := gitRepo{dir: clonePath, timeout: o.cfg.CommandTimeout}
		worktreePath := filepath.Join(jobDir, "repos", repoKey)
		if _, err := os.Stat(worktreePath); err != nil {
			continue
		}
		if _, err := mirror.run(ctx, "worktree", "remove", "--force", worktreePath); err != nil {
			o.logger.Warn("worktree: remove failed", "job_id", spec.ID, "repo", repoKey, "error", err)
		}
	}
	if err := os.RemoveAll(jobDir); err != nil {
		return fmt.Errorf("worktree: remove job dir %s: %w", jobDir, err)
	}
	return nil
}

// ValidateRef rejects ref names git itself would refuse, without spawning a
// subprocess. The rules follow git-check-ref-format.
func ValidateRef(ref string) error {
	if ref == "" || strings.HasPrefix(ref, "-") || strings.HasPrefix(ref, "/") ||
		strings.HasSuffix(ref, "/") || strings.HasSuffix(ref, ".") ||
		strings.HasSuffix(ref, ".lock") {
		return fmt.Errorf("%w: %q", ErrInvalidGitRef, ref)
	}
	if strings.Contains(ref, "..") || strings.Contains(ref, "@{") ||
		strings.Contains(ref, "//") {
		return fmt.Errorf("%w: %q", ErrInvalidGitRef, ref)
	}
	for _, r := range ref {
		if r <= 0x20 || r == 0x7f || strings.ContainsRune("~^:?*[\\", r) {
			return fmt.Errorf("%w: %q", ErrInvalidGitRef, ref)
		}
	}
	return nil
}
