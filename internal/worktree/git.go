package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// gitRepo runs git commands against one repository directory. Every command
// targets the directory via "git -C <dir>" and runs under its own deadline,
// so a wedged subprocess is killed instead of blocking a worker slot forever.
type gitRepo struct {
	dir     string
	timeout time.Duration
}

func (g gitRepo) run(ctx context.Context, args ...string) (string, error) {
	fullArgs := append([]string{"-C", g.dir}, args...)
	return runGit(ctx, g.timeout, fullArgs...)
}

func runGit(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, "git", args...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w (stderr: %s)",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// hasRef reports whether a fully qualified ref resolves in the repository.
func (g gitRepo) hasRef(ctx context.Context, ref string) bool {
	_, err := g.run(ctx, "rev-parse", "--verify", "--quiet", ref)
	return err == nil
}

// currentBranch returns the checked-out branch name, or "" when detached.
func (g gitRepo) currentBranch(ctx context.Context) string {
	name, err := g.run(ctx, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return ""
	}
	return name
}
