// Package gitrt implements GitRuntime (spec §4.2): repo discovery, worktree
// management, and fetch/pull, shelling out to the git binary argv-only.
package gitrt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// branchNameRE is the allowed branch-name character set (spec §4.2); names
// containing ".." are rejected separately, as git refuses them too.
var branchNameRE = regexp.MustCompile(`^[A-Za-z0-9/_.\-]+$`)

// ErrDirtyWorktree is returned by RemoveWorktree when the worktree has
// uncommitted changes and force was not requested.
var ErrDirtyWorktree = errors.New("worktree is dirty")

// ErrInvalidBranchName is returned when a branch name fails validation.
var ErrInvalidBranchName = errors.New("invalid branch name")

// RepoInfo describes a discovered repository.
type RepoInfo struct {
	RepoRoot      string
	DefaultBranch string
	CurrentBranch string
}

// WorktreeMapping is the persisted session-id -> worktree record (spec §3).
type WorktreeMapping struct {
	SessionID      string
	RepoRoot       string
	RequestedBranch string
	ActualBranch   string
	WorktreePath   string
	CreatedAt      time.Time
}

// WorktreeOpts configures EnsureWorktree.
type WorktreeOpts struct {
	BaseBranch   string
	CreateBranch bool
	ForceNew     bool
}

// RemoveOpts configures RemoveWorktree.
type RemoveOpts struct {
	Force          bool
	BranchToDelete string // deleted after a successful removal when non-empty; callers decide which branch, if any
}

// Runtime is the GitRuntime interface.
type Runtime interface {
	RepoInfo(ctx context.Context, path string) (*RepoInfo, error)
	EnsureWorktree(ctx context.Context, repoRoot, branch string, opts WorktreeOpts) (worktreePath, actualBranch string, err error)
	Fetch(ctx context.Context, repoRoot string) (success bool, output string)
	Pull(ctx context.Context, repoRoot string) (success bool, output string)
	CheckoutOrCreateBranch(ctx context.Context, repoRoot, branch string, createBranch bool, defaultBranch string) error
	IsWorktreeDirty(ctx context.Context, path string) bool
	RemoveWorktree(ctx context.Context, repoRoot, path string, opts RemoveOpts) (removed bool, err error)
}

// Git is the default Runtime implementation.
type Git struct {
	bin string // path to the git binary; "git" resolves via PATH
}

// New returns a Git runtime using the system git binary.
func New() *Git {
	return &Git{bin: "git"}
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.bin, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

func (g *Git) RepoInfo(ctx context.Context, path string) (*RepoInfo, error) {
	root, err := g.run(ctx, path, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, nil
	}
	root = strings.TrimSpace(root)

	cur, err := g.run(ctx, root, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("current branch: %w", err)
	}

	def, err := g.run(ctx, root, "symbolic-ref", "refs/remotes/origin/HEAD")
	defaultBranch := "main"
	if err == nil {
		if parts := strings.Split(strings.TrimSpace(def), "/"); len(parts) > 0 {
			defaultBranch = parts[len(parts)-1]
		}
	}

	return &RepoInfo{
		RepoRoot:      root,
		DefaultBranch: defaultBranch,
		CurrentBranch: strings.TrimSpace(cur),
	}, nil
}

// EnsureWorktree creates a worktree pinned to branch (an existing worktree at
// the same path makes git fail; it is not reused), optionally
// creating the branch off baseBranch, optionally suffixing the path to force
// a fresh worktree (spec §4.2).
func (g *Git) EnsureWorktree(ctx context.Context, repoRoot, branch string, opts WorktreeOpts) (string, string, error) {
	if branch != "" && (!branchNameRE.MatchString(branch) || strings.Contains(branch, "..")) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidBranchName, branch)
	}

	actualBranch := branch
	safeName := strings.ReplaceAll(branch, "/", "-")
	worktreePath := filepath.Join(filepath.Dir(repoRoot), filepath.Base(repoRoot)+"-wt-"+safeName)
	if opts.ForceNew {
		worktreePath = fmt.Sprintf("%s-%d", worktreePath, time.Now().UnixNano())
	}

	args := []string{"worktree", "add"}
	if opts.CreateBranch {
		base := opts.BaseBranch
		if base == "" {
			base = "HEAD"
		}
		args = append(args, "-b", branch, worktreePath, base)
	} else {
		args = append(args, worktreePath, branch)
	}

	if _, err := g.run(ctx, repoRoot, args...); err != nil {
		return "", "", fmt.Errorf("create worktree: %w", err)
	}
	return worktreePath, actualBranch, nil
}

// Fetch is non-fatal on network failure (spec §4.2).
func (g *Git) Fetch(ctx context.Context, repoRoot string) (bool, string) {
	out, err := g.run(ctx, repoRoot, "fetch", "--prune")
	return err == nil, out
}

// Pull is non-fatal on network failure (spec §4.2).
func (g *Git) Pull(ctx context.Context, repoRoot string) (bool, string) {
	out, err := g.run(ctx, repoRoot, "pull", "--ff-only")
	return err == nil, out
}

// CheckoutOrCreateBranch fails only if both checkout and creation fail.
func (g *Git) CheckoutOrCreateBranch(ctx context.Context, repoRoot, branch string, createBranch bool, defaultBranch string) error {
	if !branchNameRE.MatchString(branch) || strings.Contains(branch, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidBranchName, branch)
	}
	if _, err := g.run(ctx, repoRoot, "checkout", branch); err == nil {
		return nil
	}
	if !createBranch {
		return fmt.Errorf("checkout %q failed and createBranch not requested", branch)
	}
	base := defaultBranch
	if base == "" {
		base = "HEAD"
	}
	if _, err := g.run(ctx, repoRoot, "checkout", "-b", branch, base); err != nil {
		return fmt.Errorf("checkout and create %q both failed: %w", branch, err)
	}
	return nil
}

func (g *Git) IsWorktreeDirty(ctx context.Context, path string) bool {
	out, err := g.run(ctx, path, "status", "--porcelain")
	if err != nil {
		return true // unknown state treated conservatively as dirty
	}
	return strings.TrimSpace(out) != ""
}

// RemoveWorktree removes path; dirty without force returns removed=false
// rather than an error. After a successful removal, opts.BranchToDelete is
// deleted whenever it is non-empty; the choice of deleting only derived
// branches is made by the caller (open question #2, resolved in DESIGN.md).
func (g *Git) RemoveWorktree(ctx context.Context, repoRoot, path string, opts RemoveOpts) (bool, error) {
	if !opts.Force && g.IsWorktreeDirty(ctx, path) {
		return false, nil
	}

	args := []string{"worktree", "remove", path}
	if opts.Force {
		args = append(args, "--force")
	}
	if _, err := g.run(ctx, repoRoot, args...); err != nil {
		return false, fmt.Errorf("remove worktree: %w", err)
	}

	if opts.BranchToDelete != "" {
		_, _ = g.run(ctx, repoRoot, "branch", "-D", opts.BranchToDelete)
	}
	return true, nil
}
