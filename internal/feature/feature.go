package feature

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunError is the last error a scheduler run recorded on a Feature. Raw keeps
// the unmodified provider diagnostic; Message is the classified, user-facing
// form with a remediation hint.
type RunError struct {
	Raw      string `yaml:"raw" json:"raw"`
	Message  string `yaml:"message" json:"message"`
	Category string `yaml:"category" json:"category"`
}

// Feature is one unit of backlog work.
type Feature struct {
	ID           string   `yaml:"id" json:"id"`
	Title        string   `yaml:"title" json:"title"`
	Description  string   `yaml:"description,omitempty" json:"description,omitempty"`
	Category     string   `yaml:"category,omitempty" json:"category,omitempty"`
	Status       Status   `yaml:"status" json:"status"`
	Dependencies []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`

	// Priority orders admission; higher runs first, ties break on CreatedAt.
	Priority int `yaml:"priority,omitempty" json:"priority,omitempty"`

	// Model is the provider-qualified model id, e.g. "claude/claude-sonnet-4-5".
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	Branch       string `yaml:"branch,omitempty" json:"branch,omitempty"`
	WorktreePath string `yaml:"worktree_path,omitempty" json:"worktree_path,omitempty"`

	Plan         string    `yaml:"plan,omitempty" json:"plan,omitempty"`
	PlanFeedback string    `yaml:"plan_feedback,omitempty" json:"plan_feedback,omitempty"`
	LastError    *RunError `yaml:"last_error,omitempty" json:"last_error,omitempty"`

	// SessionID is the provider session of the last plan run, used to
	// resume context in the execution run when the backend supports it.
	SessionID string `yaml:"session_id,omitempty" json:"session_id,omitempty"`

	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
}

// New creates a Feature in backlog with a fresh id.
func New(title, description string) (*Feature, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrInvalidTitle
	}
	now := time.Now().UTC()
	return &Feature{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Status:      StatusBacklog,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Clone returns a deep copy so callers can mutate without racing the store.
func (f *Feature) Clone() *Feature {
	c := *f
	if f.Dependencies != nil {
		c.Dependencies = make([]string, len(f.Dependencies))
		copy(c.Dependencies, f.Dependencies)
	}
	if f.LastError != nil {
		le := *f.LastError
		c.LastError = &le
	}
	return &c
}

// Validate checks the fields a store accepts.
func (f *Feature) Validate() error {
	if strings.TrimSpace(f.Title) == "" {
		return ErrInvalidTitle
	}
	if !f.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, f.Status)
	}
	for _, dep := range f.Dependencies {
		if dep == f.ID {
			return fmt.Errorf("%w: %s", ErrSelfDependency, f.ID)
		}
	}
	return nil
}

// DependsOn reports whether f lists id as a dependency.
func (f *Feature) DependsOn(id string) bool {
	for _, dep := range f.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}
