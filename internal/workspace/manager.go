package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
)

// Record describes one worktree.
type Record struct {
	Path         string   `json:"path"`
	Branch       string   `json:"branch"`
	IsTrunk      bool     `json:"is_trunk"`
	HasChanges   bool     `json:"has_changes"`
	ChangedFiles []string `json:"changed_files,omitempty"`
}

// Manager creates, inspects, merges and destroys per-run worktrees.
type Manager struct {
	root   string
	trunk  string
	prefix string
	logger *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager builds a Manager from config. A nil logger is replaced with a
// nop.
func NewManager(cfg config.WorkspaceConfig, logger *logging.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	root := cfg.Root
	if root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, classify("init", root, fmt.Errorf("create worktree root: %w", err), "")
	}
	return &Manager{
		root:   root,
		trunk:  cfg.TrunkBranch,
		prefix: cfg.BranchPrefix,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// BranchName returns the managed branch name for a feature.
func (m *Manager) BranchName(featureID string) string {
	return m.prefix + featureID
}

// lock serializes lifecycle operations per path. Create and MergeBack key on
// the repo, Destroy and MergeBack on the worktree; operations taking both
// always take the repo lock first.
func (m *Manager) lock(path string) func() {
	m.mu.Lock()
	l, ok := m.locks[path]
	if !ok {
		l = &sync.Mutex{}
		m.locks[path] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Create checks out branch into a fresh directory under the worktree root.
// The branch is created from trunk if it does not exist yet.
func (m *Manager) Create(ctx context.Context, repoPath, branch string) (Record, error) {
	unlock := m.lock(repoPath)
	defer unlock()

	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return Record{}, &Error{
				Kind:        KindNotARepo,
				Op:          "create",
				Path:        repoPath,
				Remediation: "Point the project at an initialized git repository.",
				Err:         err,
			}
		}
		return Record{}, classify("create", repoPath, err, "")
	}

	branchExists := false
	if _, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true); err == nil {
		branchExists = true
	}

	dir := filepath.Join(m.root, sanitizeBranch(branch)+"-"+uuid.NewString()[:8])

	var args []string
	if branchExists {
		args = []string{"-C", repoPath, "worktree", "add", dir, branch}
	} else {
		args = []string{"-C", repoPath, "worktree", "add", "-b", branch, dir, m.trunk}
	}
	if out, err := runGit(ctx, args...); err != nil {
		return Record{}, classify("create", repoPath, err, out)
	}

	m.logger.Info(ctx, "worktree created",
		zap.String("repo", repoPath),
		zap.String("branch", branch),
		zap.String("path", dir),
	)
	return Record{Path: dir, Branch: branch, IsTrunk: branch == m.trunk}, nil
}

// Status inspects a worktree without modifying it. Called before every
// destructive operation.
func (m *Manager) Status(_ context.Context, worktreePath string) (Record, error) {
	repo, err := git.PlainOpenWithOptions(worktreePath, &git.PlainOpenOptions{
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return Record{}, &Error{
				Kind:        KindNotARepo,
				Op:          "status",
				Path:        worktreePath,
				Remediation: "The worktree no longer exists; destroy the stale record.",
				Err:         err,
			}
		}
		return Record{}, classify("status", worktreePath, err, "")
	}

	rec := Record{Path: worktreePath}
	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		rec.Branch = head.Name().Short()
		rec.IsTrunk = rec.Branch == m.trunk
	}

	wt, err := repo.Worktree()
	if err != nil {
		return Record{}, classify("status", worktreePath, err, "")
	}
	status, err := wt.Status()
	if err != nil {
		return Record{}, classify("status", worktreePath, err, "")
	}
	for file, st := range status {
		if st.Worktree == git.Unmodified && st.Staging == git.Unmodified {
			continue
		}
		rec.ChangedFiles = append(rec.ChangedFiles, file)
	}
	rec.HasChanges = len(rec.ChangedFiles) > 0
	return rec, nil
}

// MergeBack merges the run branch into trunk and tears the worktree down.
// Uncommitted changes in the worktree block the merge.
func (m *Manager) MergeBack(ctx context.Context, repoPath, branch, worktreePath string) error {
	// Repo lock first, then the worktree lock, so a concurrent Destroy on
	// the same worktree queues behind the merge instead of racing it.
	unlock := m.lock(repoPath)
	defer unlock()
	unlockPath := m.lock(worktreePath)
	defer unlockPath()

	rec, err := m.Status(ctx, worktreePath)
	if err != nil {
		return err
	}
	if rec.HasChanges {
		return &Error{
			Kind:        KindDirty,
			Op:          "merge",
			Path:        worktreePath,
			Remediation: "Commit or discard the uncommitted changes in the worktree, then merge again.",
			Err:         fmt.Errorf("%d uncommitted files", len(rec.ChangedFiles)),
		}
	}

	if out, err := runGit(ctx, "-C", repoPath, "checkout", m.trunk); err != nil {
		return classify("merge", repoPath, err, out)
	}
	if out, err := runGit(ctx, "-C", repoPath, "merge", "--no-ff", branch,
		"-m", fmt.Sprintf("Merge branch '%s'", branch)); err != nil {
		return classify("merge", repoPath, err, out)
	}
	if out, err := runGit(ctx, "-C", repoPath, "worktree", "remove", worktreePath); err != nil {
		return classify("merge", worktreePath, err, out)
	}
	if out, err := runGit(ctx, "-C", repoPath, "branch", "-d", branch); err != nil {
		return classify("merge", repoPath, err, out)
	}

	m.logger.Info(ctx, "worktree merged back",
		zap.String("repo", repoPath),
		zap.String("branch", branch),
		zap.String("path", worktreePath),
	)
	return nil
}

// Destroy removes a worktree and discards any uncommitted work in it.
func (m *Manager) Destroy(ctx context.Context, worktreePath string) error {
	unlock := m.lock(worktreePath)
	defer unlock()

	repoPath, err := mainRepoPath(ctx, worktreePath)
	if err != nil {
		// The worktree dir may already be gone; removing the leftovers is
		// all that is left to do.
		if removeErr := os.RemoveAll(worktreePath); removeErr != nil {
			return classify("destroy", worktreePath, removeErr, "")
		}
		return nil
	}

	if out, err := runGit(ctx, "-C", repoPath, "worktree", "remove", "--force", worktreePath); err != nil {
		return classify("destroy", worktreePath, err, out)
	}
	if err := os.RemoveAll(worktreePath); err != nil {
		return classify("destroy", worktreePath, err, "")
	}

	m.logger.Info(ctx, "worktree destroyed", zap.String("path", worktreePath))
	return nil
}

// mainRepoPath resolves a worktree back to its primary repository.
func mainRepoPath(ctx context.Context, worktreePath string) (string, error) {
	out, err := runGit(ctx, "-C", worktreePath, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", fmt.Errorf("resolve main repo for %s: %w", worktreePath, err)
	}
	gitDir := strings.TrimSpace(out)
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(worktreePath, gitDir)
	}
	return filepath.Dir(gitDir), nil
}

func runGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

// classify maps raw git/filesystem errors onto Error kinds.
func classify(op, path string, err error, gitOutput string) *Error {
	text := strings.ToLower(gitOutput + " " + err.Error())

	switch {
	case strings.Contains(text, "already checked out") ||
		strings.Contains(text, "already used by worktree"):
		return &Error{
			Kind:        KindBranchInUse,
			Op:          op,
			Path:        path,
			Remediation: "The branch is checked out in another worktree; destroy it first or pick another branch.",
			Err:         err,
		}
	case strings.Contains(text, "index.lock") ||
		strings.Contains(text, "is locked") ||
		strings.Contains(text, "unable to lock"):
		return &Error{
			Kind:        KindLocked,
			Op:          op,
			Path:        path,
			Remediation: "Another git process holds a lock; wait for it to finish or remove the stale lock file.",
			Err:         err,
		}
	case strings.Contains(text, "not a git repository"):
		return &Error{
			Kind:        KindNotARepo,
			Op:          op,
			Path:        path,
			Remediation: "Point the project at an initialized git repository.",
			Err:         err,
		}
	case errors.Is(err, os.ErrPermission) || strings.Contains(text, "permission denied"):
		return &Error{
			Kind:        KindPermission,
			Op:          op,
			Path:        path,
			Remediation: "Fix filesystem permissions on the repository and worktree root.",
			Err:         err,
		}
	default:
		return &Error{
			Kind:        KindUnknown,
			Op:          op,
			Path:        path,
			Remediation: "Inspect the underlying git error.",
			Err:         err,
		}
	}
}

func sanitizeBranch(branch string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, branch)
}
