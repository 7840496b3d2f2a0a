package http

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/dispatchd/internal/feature"
)

func (s *Server) handleListProjects(c echo.Context) error {
	projects := s.services.Projects()
	out := make([]ProjectResponse, 0, len(projects))
	for _, p := range projects {
		out = append(out, ProjectResponse{ID: p.ID, RepoPath: p.RepoPath})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateFeature(c echo.Context) error {
	p, err := s.project(c)
	if err != nil {
		return err
	}

	var req CreateFeatureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	f, err := feature.New(req.Title, req.Description)
	if err != nil {
		return httpError(err)
	}
	f.Category = req.Category
	f.Priority = req.Priority
	f.Model = req.Model
	f.Dependencies = req.Dependencies

	if err := p.Store.Create(c.Request().Context(), f); err != nil {
		return httpError(err)
	}
	p.Scheduler.Tick()
	return c.JSON(http.StatusCreated, f)
}

func (s *Server) handleListFeatures(c echo.Context) error {
	p, err := s.project(c)
	if err != nil {
		return err
	}
	list, err := p.Store.List(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if status := c.QueryParam("status"); status != "" {
		filtered := list[:0]
		for _, f := range list {
			if string(f.Status) == status {
				filtered = append(filtered, f)
			}
		}
		list = filtered
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetFeature(c echo.Context) error {
	p, err := s.project(c)
	if err != nil {
		return err
	}
	f, err := p.Store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (s *Server) handleUpdateFeature(c echo.Context) error {
	p, err := s.project(c)
	if err != nil {
		return err
	}

	var req UpdateFeatureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	f, err := p.Store.Update(c.Request().Context(), c.Param("id"), func(work *feature.Feature) error {
		if req.Title != nil {
			work.Title = strings.TrimSpace(*req.Title)
		}
		if req.Description != nil {
			work.Description = *req.Description
		}
		if req.Category != nil {
			work.Category = *req.Category
		}
		if req.Priority != nil {
			work.Priority = *req.Priority
		}
		if req.Model != nil {
			work.Model = *req.Model
		}
		if req.Dependencies != nil {
			work.Dependencies = *req.Dependencies
		}
		if req.Status != nil {
			work.Status = feature.Status(*req.Status)
		}
		return nil
	})
	if err != nil {
		return httpError(err)
	}
	p.Scheduler.Tick()
	return c.JSON(http.StatusOK, f)
}

func (s *Server) handleDeleteFeature(c echo.Context) error {
	p, err := s.project(c)
	if err != nil {
		return err
	}
	if err := p.Scheduler.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleBulkDelete(c echo.Context) error {
	p, err := s.project(c)
	if err != nil {
		return err
	}
	var req BulkDeleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.IDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "ids field is required")
	}
	results := p.Scheduler.BulkDelete(c.Request().Context(), req.IDs)
	return c.JSON(http.StatusOK, results)
}

func (s *Server) handleRunFeature(c echo.Context) error {
	p, err := s.project(c)
	if err != nil {
		return err
	}
	if err := p.Scheduler.Run(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleAbortFeature(c echo.Context) error {
	p, err := s.project(c)
	if err != nil {
		return err
	}
	if err := p.Scheduler.Abort(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleResetFeature(c echo.Context) error {
	p, err := s.project(c)
	if err != nil {
		return err
	}
	if err := p.Scheduler.Reset(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleApproveFeature(c echo.Context) error {
	p, err := s.project(c)
	if err != nil {
		return err
	}
	var req ApproveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := p.Scheduler.Approve(c.Request().Context(), c.Param("id"), req.Plan); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleRejectFeature(c echo.Context) error {
	p, err := s.project(c)
	if err != nil {
		return err
	}
	var req RejectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := p.Scheduler.Reject(c.Request().Context(), c.Param("id"), req.Feedback); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleSchedulerStatus(c echo.Context) error {
	p, err := s.project(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p.Scheduler.Snapshot())
}

func (s *Server) handleSetConcurrency(c echo.Context) error {
	p, err := s.project(c)
	if err != nil {
		return err
	}
	var req ConcurrencyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Max < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "max must be zero or positive")
	}
	if err := p.Scheduler.SetMaxConcurrency(c.Request().Context(), req.Max); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleStartAuto(c echo.Context) error {
	p, err := s.project(c)
	if err != nil {
		return err
	}
	p.Scheduler.StartAuto(c.Request().Context())
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleStopAuto(c echo.Context) error {
	p, err := s.project(c)
	if err != nil {
		return err
	}
	p.Scheduler.StopAuto(c.Request().Context())
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleAbortAll(c echo.Context) error {
	p, err := s.project(c)
	if err != nil {
		return err
	}
	p.Scheduler.AbortAll(c.Request().Context())
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleCreateWorkspace(c echo.Context) error {
	p, err := s.project(c)
	if err != nil {
		return err
	}
	var req CreateWorkspaceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Branch == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "branch field is required")
	}
	rec, err := p.Workspaces.Create(c.Request().Context(), p.RepoPath, req.Branch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleWorkspaceStatus(c echo.Context) error {
	p, err := s.project(c)
	if err != nil {
		return err
	}
	path := c.QueryParam("path")
	if path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path query parameter is required")
	}
	rec, err := p.Workspaces.Status(c.Request().Context(), path)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleMergeWorkspace(c echo.Context) error {
	p, err := s.project(c)
	if err != nil {
		return err
	}
	var req MergeWorkspaceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Path == "" || req.Branch == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path and branch fields are required")
	}
	if err := p.Workspaces.MergeBack(c.Request().Context(), p.RepoPath, req.Branch, req.Path); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleDestroyWorkspace(c echo.Context) error {
	p, err := s.project(c)
	if err != nil {
		return err
	}
	var req WorkspacePathRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path field is required")
	}
	if err := p.Workspaces.Destroy(c.Request().Context(), req.Path); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusOK)
}
