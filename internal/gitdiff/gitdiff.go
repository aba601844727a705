// Package gitdiff is the thin out-of-scope collaborator review.DiffProvider
// depends on: it shells out to the git binary the way the teacher's
// internal/agent/worktree.Manager does for its own git plumbing
// (exec.Command("git", ...), no library wrapper).
package gitdiff

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Provider runs git diff/status against a fixed repository root.
type Provider struct {
	RepoDir string
}

// New creates a Provider rooted at repoDir.
func New(repoDir string) *Provider {
	return &Provider{RepoDir: repoDir}
}

// Diff returns the working tree's unstaged-and-staged diff plus a short
// status, for a task's review prompt. taskID is accepted to satisfy
// review.DiffProvider; this implementation is repo-wide, not per-task,
// since task worktree isolation is a non-goal.
func (p *Provider) Diff(ctx context.Context, taskID string) (diff string, status string, err error) {
	diff, err = p.run(ctx, "diff", "HEAD")
	if err != nil {
		return "", "", fmt.Errorf("git diff: %w", err)
	}
	status, err = p.run(ctx, "status", "--short")
	if err != nil {
		return "", "", fmt.Errorf("git status: %w", err)
	}
	return diff, status, nil
}

func (p *Provider) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = p.RepoDir
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", err, stderr.String())
	}
	return out.String(), nil
}
