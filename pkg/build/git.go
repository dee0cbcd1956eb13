package build

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// RepoURL resolves the project's repo field to a cloneable URL. Bare
// "owner/name" values resolve against GitHub; anything that already looks
// like a URL passes through.
func RepoURL(repo string) string {
	if strings.Contains(repo, "://") || strings.HasPrefix(repo, "git@") {
		return repo
	}
	return fmt.Sprintf("https://github.com/%s.git", strings.TrimSuffix(repo, ".git"))
}

// Commit is the resolved HEAD of a checkout.
type Commit struct {
	Hash    string
	Message string
	Author  string
}

// SyncRepo brings dir to the tip of the branch: a shallow clone the first
// time, a pull afterwards. Returns the combined git output for the build log.
func SyncRepo(ctx context.Context, repoURL, branch, dir string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		out, err := gitCommand(ctx, dir, "pull", "origin", branch)
		if err != nil {
			return out, fmt.Errorf("git pull failed: %w", err)
		}
		return out, nil
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace parent: %w", err)
	}
	out, err := gitCommand(ctx, "", "clone", "--depth", "1", "--branch", branch, repoURL, dir)
	if err != nil {
		return out, fmt.Errorf("git clone failed: %w", err)
	}
	return out, nil
}

// HeadCommit reads the checkout's HEAD metadata.
func HeadCommit(ctx context.Context, dir string) (*Commit, error) {
	out, err := gitCommand(ctx, dir, "log", "-1", "--format=%H%x00%s%x00%an")
	if err != nil {
		return nil, fmt.Errorf("git log failed: %w", err)
	}
	parts := strings.SplitN(strings.TrimSpace(out), "\x00", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("unexpected git log output: %q", out)
	}
	return &Commit{Hash: parts[0], Message: parts[1], Author: parts[2]}, nil
}

func gitCommand(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// EmptyWorkspace reports whether the checkout holds nothing but the .git
// directory, which means there is nothing to build.
func EmptyWorkspace(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("failed to read workspace: %w", err)
	}
	for _, e := range entries {
		if e.Name() != ".git" {
			return false, nil
		}
	}
	return true, nil
}
