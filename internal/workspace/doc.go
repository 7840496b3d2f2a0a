// Package workspace isolates each run inside its own git worktree.
//
// Every admitted feature gets a dedicated branch checked out into a fresh
// directory under the worktree root, so concurrent agent runs never touch
// each other's files. Inspection (branch, dirty state) goes through go-git;
// worktree lifecycle and merges shell out to the git CLI, which owns the
// worktree bookkeeping in .git/worktrees.
//
// Failures surface as *Error with a Kind the scheduler can branch on and a
// Remediation string shown to the user.
package workspace
