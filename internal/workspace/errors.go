package workspace

import (
	"errors"
	"fmt"
)

// Kind discriminates workspace failures the scheduler and API branch on.
type Kind string

const (
	// KindBranchInUse means the branch is already checked out in another
	// worktree.
	KindBranchInUse Kind = "branch_in_use"

	// KindLocked means git lock contention (index.lock or a locked
	// worktree).
	KindLocked Kind = "locked"

	// KindNotARepo means the project path is not a git repository.
	KindNotARepo Kind = "not_a_repo"

	// KindPermission means the filesystem refused the operation.
	KindPermission Kind = "permission"

	// KindDirty means the worktree has uncommitted changes blocking a
	// destructive operation.
	KindDirty Kind = "dirty"

	// KindUnknown covers everything else.
	KindUnknown Kind = "unknown"
)

// Error is a classified workspace failure.
type Error struct {
	Kind        Kind
	Op          string
	Path        string
	Remediation string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("workspace %s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("workspace %s %s: %s", e.Op, e.Path, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a workspace Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var we *Error
	if !errors.As(err, &we) {
		return false
	}
	return we.Kind == kind
}
