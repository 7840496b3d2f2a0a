package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/dispatchd/internal/feature"
	"github.com/fyrsmithlabs/dispatchd/internal/provider"
	"github.com/fyrsmithlabs/dispatchd/internal/services"
	"github.com/fyrsmithlabs/dispatchd/internal/workspace"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// ProjectResponse is one entry of GET /api/v1/projects.
type ProjectResponse struct {
	ID       string `json:"id"`
	RepoPath string `json:"repo_path"`
}

// CreateFeatureRequest is the body of POST .../features.
type CreateFeatureRequest struct {
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Category     string   `json:"category,omitempty"`
	Priority     int      `json:"priority,omitempty"`
	Model        string   `json:"model,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// UpdateFeatureRequest is the body of PATCH .../features/:id. Nil fields are
// left untouched.
type UpdateFeatureRequest struct {
	Title        *string   `json:"title,omitempty"`
	Description  *string   `json:"description,omitempty"`
	Category     *string   `json:"category,omitempty"`
	Priority     *int      `json:"priority,omitempty"`
	Model        *string   `json:"model,omitempty"`
	Dependencies *[]string `json:"dependencies,omitempty"`
	Status       *string   `json:"status,omitempty"`
}

// BulkDeleteRequest is the body of POST .../features:bulk-delete.
type BulkDeleteRequest struct {
	IDs []string `json:"ids"`
}

// ApproveRequest is the body of POST .../features/:id/approve. A non-empty
// Plan replaces the stored plan before execution.
type ApproveRequest struct {
	Plan string `json:"plan,omitempty"`
}

// RejectRequest is the body of POST .../features/:id/reject. Empty feedback
// returns the feature to the backlog; otherwise it re-plans.
type RejectRequest struct {
	Feedback string `json:"feedback,omitempty"`
}

// ConcurrencyRequest is the body of POST .../scheduler/concurrency.
type ConcurrencyRequest struct {
	Max int `json:"max"`
}

// CreateWorkspaceRequest is the body of POST .../workspace.
type CreateWorkspaceRequest struct {
	Branch string `json:"branch"`
}

// WorkspacePathRequest names the worktree for merge and destroy.
type WorkspacePathRequest struct {
	Path string `json:"path"`
}

// MergeWorkspaceRequest is the body of POST .../workspace/merge.
type MergeWorkspaceRequest struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// ErrorResponse is the uniform error body. Remediation is present when the
// failure has a known fix.
type ErrorResponse struct {
	Error       string `json:"error"`
	Remediation string `json:"remediation,omitempty"`
}

// httpError maps domain errors onto HTTP status codes. Validation and
// conflict failures surface synchronously; run failures never pass through
// here, they land on the feature record.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, feature.ErrNotFound),
		errors.Is(err, services.ErrUnknownProject):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())

	case errors.Is(err, feature.ErrDuplicateTitle),
		errors.Is(err, feature.ErrIllegalTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())

	case errors.Is(err, feature.ErrInvalidTitle),
		errors.Is(err, feature.ErrUnknownDependency),
		errors.Is(err, feature.ErrSelfDependency),
		errors.Is(err, provider.ErrUnknownModel),
		errors.Is(err, provider.ErrUnknownBackend):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var we *workspace.Error
	if errors.As(err, &we) {
		status := http.StatusInternalServerError
		switch we.Kind {
		case workspace.KindDirty, workspace.KindBranchInUse, workspace.KindLocked:
			status = http.StatusConflict
		case workspace.KindNotARepo:
			status = http.StatusBadRequest
		}
		return echo.NewHTTPError(status, ErrorResponse{
			Error:       we.Error(),
			Remediation: we.Remediation,
		})
	}

	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
