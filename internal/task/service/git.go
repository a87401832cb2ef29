// Package service implements the session manager (§4.1): session lifecycle,
// git worktree/branch provisioning, and spec archival, built around a single
// repository path and session name rather than the task/repository-ID model
// internal/worktree uses for the broader product.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
)

const (
	branchPrefix   = "schaltwerk/"
	worktreeSubdir = ".schaltwerk/worktrees"
	archiveTagFmt  = "archive/%s-%s" // name, timestamp
)

// GitFacade provisions and tears down per-session git worktrees and branches
// (§2 Git facade, §4.1 create_session/cancel_session).
type GitFacade struct {
	log *logger.Logger

	fetchTimeout time.Duration
	pullTimeout  time.Duration

	repoLockMu sync.Mutex
	repoLocks  map[string]*repoLockEntry

	branchCacheMu sync.Mutex
	branchCache   map[string]branchCacheEntry // key: repoPath+"\x00"+branch
}

type repoLockEntry struct {
	mu       *sync.Mutex
	refCount int
}

type branchCacheEntry struct {
	exists   bool
	cachedAt time.Time
}

const branchCacheTTL = 30 * time.Second

// NewGitFacade builds a facade with the teacher's default fetch/pull timeouts.
func NewGitFacade(log *logger.Logger) *GitFacade {
	return &GitFacade{
		log:          log,
		fetchTimeout: 15 * time.Second,
		pullTimeout:  15 * time.Second,
		repoLocks:    make(map[string]*repoLockEntry),
		branchCache:  make(map[string]branchCacheEntry),
	}
}

// BranchName returns the branch a session with this name runs on (§3).
func BranchName(sessionName string) string { return branchPrefix + sessionName }

// WorktreePath returns the worktree directory a session with this name lives in (§3, §6).
func WorktreePath(repositoryPath, sessionName string) string {
	return filepath.Join(repositoryPath, worktreeSubdir, sessionName)
}

// lockRepo acquires the per-repository mutex, returning a release func (§5).
func (g *GitFacade) lockRepo(repoPath string) func() {
	g.repoLockMu.Lock()
	entry, ok := g.repoLocks[repoPath]
	if !ok {
		entry = &repoLockEntry{mu: &sync.Mutex{}}
		g.repoLocks[repoPath] = entry
	}
	entry.refCount++
	g.repoLockMu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		g.repoLockMu.Lock()
		entry.refCount--
		if entry.refCount <= 0 {
			delete(g.repoLocks, repoPath)
		}
		g.repoLockMu.Unlock()
	}
}

// IsGitRepo reports whether path is (or is inside) a git repository.
func (g *GitFacade) IsGitRepo(path string) bool {
	gitDir := filepath.Join(path, ".git")
	info, err := os.Stat(gitDir)
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

// HasCommits reports whether repoPath's HEAD resolves, i.e. it has at least
// one commit. Fresh repositories need an initial commit before a worktree can
// be branched off them (§4.1 create_session).
func (g *GitFacade) HasCommits(repoPath string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", "HEAD")
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

// CreateInitialCommit makes an empty first commit so a worktree can branch off it.
func (g *GitFacade) CreateInitialCommit(ctx context.Context, repoPath string) error {
	cmd := g.nonInteractiveGitCmd(ctx, repoPath, "commit", "--allow-empty", "-m", "Initial commit")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to create initial commit: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// BranchExists checks branch existence with a 30s per-(repo,branch) TTL cache
// (§4.1, §5: "30s branch-existence TTL cache").
func (g *GitFacade) BranchExists(repoPath, branch string) bool {
	key := repoPath + "\x00" + branch
	now := time.Now()

	g.branchCacheMu.Lock()
	if entry, ok := g.branchCache[key]; ok && now.Sub(entry.cachedAt) < branchCacheTTL {
		g.branchCacheMu.Unlock()
		return entry.exists
	}
	g.branchCacheMu.Unlock()

	cmd := exec.Command("git", "rev-parse", "--verify", branch)
	cmd.Dir = repoPath
	exists := cmd.Run() == nil

	g.branchCacheMu.Lock()
	g.branchCache[key] = branchCacheEntry{exists: exists, cachedAt: now}
	g.branchCacheMu.Unlock()

	return exists
}

// InvalidateBranchCache drops a single cached branch-existence entry, used
// right after a branch is created or deleted so the next check is exact.
func (g *GitFacade) InvalidateBranchCache(repoPath, branch string) {
	g.branchCacheMu.Lock()
	delete(g.branchCache, repoPath+"\x00"+branch)
	g.branchCacheMu.Unlock()
}

// CurrentBranch returns the repository's current branch, or "" on failure.
func (g *GitFacade) CurrentBranch(repoPath string) string {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// DefaultBranch returns the repository's default branch as configured on its
// origin remote (refs/remotes/origin/HEAD), falling back to the current branch.
func (g *GitFacade) DefaultBranch(repoPath string) string {
	cmd := exec.Command("git", "symbolic-ref", "refs/remotes/origin/HEAD")
	cmd.Dir = repoPath
	if out, err := cmd.Output(); err == nil {
		ref := strings.TrimSpace(string(out))
		return strings.TrimPrefix(ref, "refs/remotes/origin/")
	}
	return g.CurrentBranch(repoPath)
}

func (g *GitFacade) nonInteractiveGitCmd(ctx context.Context, repoPath string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GCM_INTERACTIVE=Never",
		"GIT_ASKPASS=echo",
		"SSH_ASKPASS=/bin/false",
		"GIT_SSH_COMMAND=ssh -oBatchMode=yes",
	)
	cmd.WaitDelay = 500 * time.Millisecond
	return cmd
}

func classifyGitFallbackReason(cmdErr error, cmdOutput string, ctxErr error) string {
	if errors.Is(ctxErr, context.DeadlineExceeded) || errors.Is(cmdErr, context.DeadlineExceeded) {
		return "timeout"
	}
	out := strings.ToLower(cmdOutput)
	if strings.Contains(out, "authentication failed") ||
		strings.Contains(out, "terminal prompts disabled") ||
		strings.Contains(out, "could not read username") ||
		strings.Contains(out, "askpass") {
		return "non_interactive_auth_failed"
	}
	return "git_command_failed"
}

// ResolveParentRef resolves the effective parent branch for a new session
// per §4.1's parent-branch resolution: explicit request, else the repo's
// current branch, else its default branch; then best-effort fetches it so the
// new worktree branches off an up-to-date ref.
func (g *GitFacade) ResolveParentRef(repoPath, requested string) string {
	base := requested
	if base == "" {
		base = g.CurrentBranch(repoPath)
	}
	if base == "" {
		base = g.DefaultBranch(repoPath)
	}
	return g.pullBaseBranch(repoPath, base)
}

// pullBaseBranch fetches origin and returns the best ref to branch a new
// worktree off of, tolerating an unreachable remote (§7: best-effort path).
func (g *GitFacade) pullBaseBranch(repoPath, baseBranch string) string {
	localBranch := strings.TrimPrefix(baseBranch, "origin/")
	isRemoteRef := localBranch != baseBranch

	fetchCtx, cancel := context.WithTimeout(context.Background(), g.fetchTimeout)
	defer cancel()

	args := []string{"fetch", "origin"}
	if localBranch != "" {
		args = append(args, localBranch)
	}
	if out, err := g.nonInteractiveGitCmd(fetchCtx, repoPath, args...).CombinedOutput(); err != nil {
		if g.log != nil {
			g.log.Warn("git fetch failed before worktree creation; continuing with fallback ref",
				zap.String("branch", baseBranch),
				zap.String("reason", classifyGitFallbackReason(err, string(out), fetchCtx.Err())))
		}
		return baseBranch
	}

	if isRemoteRef {
		return "origin/" + localBranch
	}

	remoteRef := "origin/" + localBranch
	if g.CurrentBranch(repoPath) == baseBranch {
		pullCtx, cancel := context.WithTimeout(context.Background(), g.pullTimeout)
		defer cancel()
		if out, err := g.nonInteractiveGitCmd(pullCtx, repoPath, "pull", "--ff-only", "origin", baseBranch).CombinedOutput(); err != nil {
			if g.log != nil {
				g.log.Warn("git pull failed before worktree creation; continuing with remote ref",
					zap.String("branch", baseBranch),
					zap.String("reason", classifyGitFallbackReason(err, string(out), pullCtx.Err())))
			}
			return remoteRef
		}
		return baseBranch
	}

	if g.BranchExists(repoPath, remoteRef) {
		return remoteRef
	}
	return baseBranch
}

// CreateWorktree runs "git worktree add -b <branch> <path> <base>" under the
// per-repo lock (§4.1, §5).
func (g *GitFacade) CreateWorktree(ctx context.Context, repoPath, sessionName, baseRef string) (worktreePath, branch string, err error) {
	unlock := g.lockRepo(repoPath)
	defer unlock()

	branch = BranchName(sessionName)
	worktreePath = WorktreePath(repoPath, sessionName)

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return "", "", fmt.Errorf("failed to prepare worktree parent directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, worktreePath, baseRef)
	cmd.Dir = repoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", "", fmt.Errorf("git worktree add failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	g.InvalidateBranchCache(repoPath, branch)
	return worktreePath, branch, nil
}

// RemoveWorktree removes the worktree directory (best-effort) and, if
// archiveBranch is set, tags the branch's tip under archive/ before deleting
// it (§4.1 cancel_session, §6 branch archival as `archive/<name>-<timestamp>`
// tags). When archiveBranch is false the branch itself is left untouched;
// callers that need a plain delete without archival use DeleteBranch.
func (g *GitFacade) RemoveWorktree(ctx context.Context, repoPath, worktreePath, branch string, archiveBranch bool) error {
	unlock := g.lockRepo(repoPath)
	defer unlock()

	if err := g.removeWorktreeDir(ctx, worktreePath, repoPath); err != nil && g.log != nil {
		g.log.Warn("failed to remove worktree directory", zap.String("path", worktreePath), zap.Error(err))
	}

	if !archiveBranch {
		return nil
	}
	return g.archiveBranch(ctx, repoPath, branch)
}

// RemoveWorktreeDirOnly removes the worktree directory without touching the
// branch, for callers that archive the branch as a separate, independent
// step (§4.1 fast_cancel_session's parallel worktree-removal task).
func (g *GitFacade) RemoveWorktreeDirOnly(ctx context.Context, repoPath, worktreePath string) error {
	unlock := g.lockRepo(repoPath)
	defer unlock()
	return g.removeWorktreeDir(ctx, worktreePath, repoPath)
}

// ArchiveBranchOnly tags and deletes branch without touching the worktree
// directory, for callers that remove the worktree as a separate, independent
// step (§4.1 fast_cancel_session's parallel branch-archival task).
func (g *GitFacade) ArchiveBranchOnly(ctx context.Context, repoPath, branch string) error {
	unlock := g.lockRepo(repoPath)
	defer unlock()
	return g.archiveBranch(ctx, repoPath, branch)
}

// DeleteBranch deletes branch outright, with no archive tag (§4.1
// convert_session_to_spec: "delete branch (warn on failure)").
func (g *GitFacade) DeleteBranch(ctx context.Context, repoPath, branch string) error {
	unlock := g.lockRepo(repoPath)
	defer unlock()

	delCmd := exec.CommandContext(ctx, "git", "branch", "-D", branch)
	delCmd.Dir = repoPath
	out, err := delCmd.CombinedOutput()
	g.InvalidateBranchCache(repoPath, branch)
	if err != nil {
		return fmt.Errorf("failed to delete branch: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// archiveBranch tags the session branch's tip under archive/ and deletes the
// branch itself, so history survives session deletion without cluttering the
// branch list (§6).
func (g *GitFacade) archiveBranch(ctx context.Context, repoPath, branch string) error {
	sessionName := strings.TrimPrefix(branch, branchPrefix)
	tag := fmt.Sprintf(archiveTagFmt, sessionName, time.Now().UTC().Format("20060102-150405"))

	tagCmd := exec.CommandContext(ctx, "git", "tag", tag, branch)
	tagCmd.Dir = repoPath
	if out, err := tagCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to tag archived branch: %w (%s)", err, strings.TrimSpace(string(out)))
	}

	delCmd := exec.CommandContext(ctx, "git", "branch", "-D", branch)
	delCmd.Dir = repoPath
	if out, err := delCmd.CombinedOutput(); err != nil {
		if g.log != nil {
			g.log.Warn("failed to delete archived branch", zap.String("branch", branch), zap.String("output", string(out)), zap.Error(err))
		}
	}
	g.InvalidateBranchCache(repoPath, branch)
	return nil
}

func (g *GitFacade) removeWorktreeDir(ctx context.Context, worktreePath, repoPath string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		if g.log != nil {
			g.log.Debug("git worktree remove failed, falling back to rm", zap.String("output", string(out)), zap.Error(err))
		}
		if err := g.forceRemoveDir(ctx, worktreePath); err != nil {
			return err
		}
		pruneCmd := exec.CommandContext(ctx, "git", "worktree", "prune")
		pruneCmd.Dir = repoPath
		_ = pruneCmd.Run()
	}
	return nil
}

// forceRemoveDir retries os.RemoveAll before shelling out to rm -rf, matching
// the teacher's handling of transient "directory not empty" failures.
func (g *GitFacade) forceRemoveDir(ctx context.Context, dir string) error {
	const maxRetries = 3
	const retryDelay = 200 * time.Millisecond

	for i := range maxRetries {
		if err := os.RemoveAll(dir); err == nil {
			return nil
		}
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	cmd := exec.CommandContext(ctx, "rm", "-rf", dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("rm -rf failed: %w (output: %s)", err, string(out))
	}
	return nil
}

// IsWorktreeValid reports whether path looks like an intact git worktree.
func (g *GitFacade) IsWorktreeValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// DiscardFile resets or removes a single path inside a worktree back to
// HEAD's version (§4.1 discard_file_in_session).
func (g *GitFacade) DiscardFile(ctx context.Context, worktreePath, relPath string) error {
	checkoutCmd := exec.CommandContext(ctx, "git", "checkout", "HEAD", "--", relPath)
	checkoutCmd.Dir = worktreePath
	if out, err := checkoutCmd.CombinedOutput(); err == nil {
		return nil
	} else if !strings.Contains(strings.ToLower(string(out)), "did not match") {
		return fmt.Errorf("git checkout failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	// Path has no HEAD version (newly added); remove it instead.
	full := filepath.Join(worktreePath, relPath)
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove untracked file: %w", err)
	}
	return nil
}

// ResetWorktree discards all uncommitted changes in a worktree, restoring it
// to HEAD (§4.1 reset_session_worktree).
func (g *GitFacade) ResetWorktree(ctx context.Context, worktreePath string) error {
	resetCmd := exec.CommandContext(ctx, "git", "reset", "--hard", "HEAD")
	resetCmd.Dir = worktreePath
	if out, err := resetCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git reset failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	cleanCmd := exec.CommandContext(ctx, "git", "clean", "-fd")
	cleanCmd.Dir = worktreePath
	if out, err := cleanCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git clean failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// DiffStats is the staged+unstaged line/file delta for a worktree (§3 GitStats,
// §4.4 "git-library-based diff stats").
type DiffStats struct {
	FilesChanged   int
	LinesAdded     int
	LinesRemoved   int
	HasUncommitted bool
}

// ComputeDiffStats diffs a worktree against its merge base with parentBranch,
// combining staged and unstaged changes the way `git diff --numstat` reports
// them against the working tree.
func (g *GitFacade) ComputeDiffStats(ctx context.Context, worktreePath, parentBranch string) (*DiffStats, error) {
	baseCmd := exec.CommandContext(ctx, "git", "merge-base", parentBranch, "HEAD")
	baseCmd.Dir = worktreePath
	baseOut, err := baseCmd.Output()
	base := strings.TrimSpace(string(baseOut))
	if err != nil || base == "" {
		base = parentBranch
	}

	numstatCmd := exec.CommandContext(ctx, "git", "diff", "--numstat", base)
	numstatCmd.Dir = worktreePath
	out, err := numstatCmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git diff --numstat failed: %w", err)
	}

	stats := &DiffStats{}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		stats.FilesChanged++
		if n, err := parseNumstatField(fields[0]); err == nil {
			stats.LinesAdded += n
		}
		if n, err := parseNumstatField(fields[1]); err == nil {
			stats.LinesRemoved += n
		}
	}

	statusCmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	statusCmd.Dir = worktreePath
	statusOut, err := statusCmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git status --porcelain failed: %w", err)
	}
	stats.HasUncommitted = len(strings.TrimSpace(string(statusOut))) > 0

	return stats, nil
}

func parseNumstatField(s string) (int, error) {
	if s == "-" {
		return 0, fmt.Errorf("binary file, no numeric stat")
	}
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// CommitAll stages every change in a worktree and commits it with message.
func (g *GitFacade) CommitAll(ctx context.Context, worktreePath, message string) error {
	addCmd := exec.CommandContext(ctx, "git", "add", "-A")
	addCmd.Dir = worktreePath
	if out, err := addCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git add failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	commitCmd := exec.CommandContext(ctx, "git", "commit", "-m", message)
	commitCmd.Dir = worktreePath
	if out, err := commitCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git commit failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}
