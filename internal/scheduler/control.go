package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/events"
	"github.com/fyrsmithlabs/dispatchd/internal/feature"
)

// Run requests execution of one feature regardless of auto mode. A backlog
// feature moves to queued; admission picks it up on the next tick.
func (s *Scheduler) Run(ctx context.Context, featureID string) error {
	f, err := s.store.Get(ctx, featureID)
	if err != nil {
		return err
	}
	if f.Status == feature.StatusBacklog {
		if _, err := s.transition(ctx, featureID, feature.StatusQueued); err != nil {
			return err
		}
	} else if f.Status != feature.StatusQueued {
		return fmt.Errorf("%w: cannot run feature in status %s", feature.ErrIllegalTransition, f.Status)
	}
	s.Tick()
	return nil
}

// Approve releases a parked plan into execution. A non-empty editedPlan
// replaces the stored plan text.
func (s *Scheduler) Approve(ctx context.Context, featureID, editedPlan string) error {
	f, err := s.store.Get(ctx, featureID)
	if err != nil {
		return err
	}
	if f.Status != feature.StatusWaitingApproval {
		return fmt.Errorf("%w: approve requires waiting_approval, feature is %s", feature.ErrIllegalTransition, f.Status)
	}

	plan := f.Plan
	if editedPlan != "" {
		plan = editedPlan
		if _, err := s.store.Update(ctx, featureID, func(work *feature.Feature) error {
			work.Plan = editedPlan
			return nil
		}); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.approved[featureID] = plan
	s.mu.Unlock()

	s.logger.Info(ctx, "plan approved", zap.String("feature.id", featureID))
	s.Tick()
	return nil
}

// Reject turns a parked plan down. With feedback the feature re-plans,
// carrying the feedback into the next prompt; without feedback it returns to
// the backlog.
func (s *Scheduler) Reject(ctx context.Context, featureID, feedback string) error {
	f, err := s.store.Get(ctx, featureID)
	if err != nil {
		return err
	}
	if f.Status != feature.StatusWaitingApproval {
		return fmt.Errorf("%w: reject requires waiting_approval, feature is %s", feature.ErrIllegalTransition, f.Status)
	}

	s.mu.Lock()
	delete(s.approved, featureID)
	s.mu.Unlock()

	if feedback == "" {
		_, err := s.store.Update(ctx, featureID, func(work *feature.Feature) error {
			work.Status = feature.StatusBacklog
			work.Plan = ""
			return nil
		})
		if err != nil {
			return err
		}
		s.publish(ctx, events.Event{
			Type:      events.TypeStatusChanged,
			FeatureID: featureID,
			Status:    feature.StatusBacklog,
			Message:   "plan rejected",
		})
		return nil
	}

	_, err = s.store.Update(ctx, featureID, func(work *feature.Feature) error {
		work.Status = feature.StatusPlanning
		work.Plan = ""
		work.PlanFeedback = feedback
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.replan[featureID] = true
	s.mu.Unlock()

	s.publish(ctx, events.Event{
		Type:      events.TypeStatusChanged,
		FeatureID: featureID,
		Status:    feature.StatusPlanning,
		Message:   "plan rejected with feedback, re-planning",
	})
	s.Tick()
	return nil
}

// Abort cancels one feature. A running task's cancellation fires exactly
// once, its worktree is destroyed, and the freed slot re-triggers admission.
func (s *Scheduler) Abort(ctx context.Context, featureID string) error {
	f, err := s.store.Get(ctx, featureID)
	if err != nil {
		return err
	}
	if f.Status.Terminal() {
		return fmt.Errorf("%w: cannot abort feature in terminal status %s", feature.ErrIllegalTransition, f.Status)
	}

	s.mu.Lock()
	task := s.running[featureID]
	delete(s.approved, featureID)
	delete(s.replan, featureID)
	s.mu.Unlock()

	if task != nil {
		task.Cancel()
	}

	if _, err := s.transition(ctx, featureID, feature.StatusCancelled); err != nil {
		return err
	}

	if f.WorktreePath != "" {
		path := f.WorktreePath
		go func() {
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
			defer cancel()
			if err := s.workspaces.Destroy(dctx, path); err != nil {
				s.logger.Warn(dctx, "destroy after abort failed",
					zap.String("path", path),
					zap.Error(err),
				)
			}
		}()
		if _, err := s.store.Update(ctx, featureID, func(work *feature.Feature) error {
			work.WorktreePath = ""
			return nil
		}); err != nil {
			s.logger.Warn(ctx, "clear worktree path failed", zap.Error(err))
		}
	}

	s.Tick()
	return nil
}

// AbortAll cancels every running task, then waits up to the grace window for
// in-flight message application to flush.
func (s *Scheduler) AbortAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Abort(ctx, id); err != nil {
			s.logger.Warn(ctx, "abort failed during abort-all",
				zap.String("feature.id", id),
				zap.Error(err),
			)
		}
	}
	s.waitForDrain(time.Duration(s.cfg.GraceWindow))
}

// waitForDrain blocks until no task occupies a slot or the window elapses.
func (s *Scheduler) waitForDrain(window time.Duration) {
	if window <= 0 {
		window = 2 * time.Second
	}
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.running)
		s.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// SetMaxConcurrency adjusts the slot count at runtime. Zero aborts all
// running tasks and admits nothing until raised again.
func (s *Scheduler) SetMaxConcurrency(ctx context.Context, n int) error {
	if n < 0 {
		return fmt.Errorf("max concurrency cannot be negative: %d", n)
	}
	s.mu.Lock()
	s.maxConcurrency = n
	s.mu.Unlock()

	s.publish(ctx, events.Event{
		Type:    events.TypeSchedulerState,
		Message: fmt.Sprintf("max concurrency set to %d", n),
	})
	if n == 0 {
		s.AbortAll(ctx)
		return nil
	}
	s.Tick()
	return nil
}

// StartAuto begins admitting backlog features without explicit run requests.
func (s *Scheduler) StartAuto(ctx context.Context) {
	s.mu.Lock()
	s.auto = true
	s.mu.Unlock()
	s.publish(ctx, events.Event{Type: events.TypeSchedulerState, Message: "auto mode started"})
	s.Tick()
}

// StopAuto stops admitting backlog features. Running tasks continue.
func (s *Scheduler) StopAuto(ctx context.Context) {
	s.mu.Lock()
	s.auto = false
	s.mu.Unlock()
	s.publish(ctx, events.Event{Type: events.TypeSchedulerState, Message: "auto mode stopped"})
}

// SetAutoApprove toggles the plan-approval gate at runtime.
func (s *Scheduler) SetAutoApprove(enabled bool) {
	s.mu.Lock()
	s.autoApprove = enabled
	s.mu.Unlock()
}

// Reset returns a failed or cancelled feature to the backlog. A worktree
// kept around for post-mortem inspection is torn down here.
func (s *Scheduler) Reset(ctx context.Context, featureID string) error {
	f, err := s.store.Get(ctx, featureID)
	if err != nil {
		return err
	}
	leftover := f.WorktreePath

	_, err = s.store.Update(ctx, featureID, func(work *feature.Feature) error {
		if work.Status != feature.StatusFailed && work.Status != feature.StatusCancelled {
			return fmt.Errorf("%w: reset requires failed or cancelled, feature is %s",
				feature.ErrIllegalTransition, work.Status)
		}
		work.Status = feature.StatusBacklog
		work.LastError = nil
		work.Plan = ""
		work.PlanFeedback = ""
		work.SessionID = ""
		work.WorktreePath = ""
		return nil
	})
	if err != nil {
		return err
	}
	if leftover != "" {
		if err := s.workspaces.Destroy(ctx, leftover); err != nil {
			s.logger.Warn(ctx, "destroy during reset failed",
				zap.String("path", leftover),
				zap.Error(err),
			)
		}
	}
	s.publish(ctx, events.Event{
		Type:      events.TypeStatusChanged,
		FeatureID: featureID,
		Status:    feature.StatusBacklog,
		Message:   "manual reset",
	})
	s.Tick()
	return nil
}

// DeleteResult is the per-item outcome of a bulk delete.
type DeleteResult struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// Delete removes one feature, aborting it first if it is active.
func (s *Scheduler) Delete(ctx context.Context, featureID string) error {
	f, err := s.store.Get(ctx, featureID)
	if err != nil {
		return err
	}
	if !f.Status.Terminal() && f.Status != feature.StatusBacklog {
		if err := s.Abort(ctx, featureID); err != nil {
			return err
		}
	} else if f.WorktreePath != "" {
		if err := s.workspaces.Destroy(ctx, f.WorktreePath); err != nil {
			s.logger.Warn(ctx, "destroy during delete failed",
				zap.String("path", f.WorktreePath),
				zap.Error(err),
			)
		}
	}
	if err := s.store.Delete(ctx, featureID); err != nil {
		return err
	}
	s.Tick()
	return nil
}

// BulkDelete removes features in fixed-size batches, parallel within a
// batch. One failure never blocks the rest.
func (s *Scheduler) BulkDelete(ctx context.Context, ids []string) []DeleteResult {
	batchSize := s.cfg.DeleteBatchSize
	if batchSize < 1 {
		batchSize = 5
	}

	results := make([]DeleteResult, len(ids))
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i].ID = ids[i]
				if err := s.Delete(ctx, ids[i]); err != nil {
					results[i].Error = err.Error()
				}
			}(i)
		}
		wg.Wait()
	}
	return results
}

// RunningTaskView is a snapshot of one in-flight run.
type RunningTaskView struct {
	FeatureID    string    `json:"feature_id"`
	StartedAt    time.Time `json:"started_at"`
	WorktreePath string    `json:"worktree_path,omitempty"`
	Stalled      bool      `json:"stalled"`
}

// Status is a snapshot of the scheduler's control state.
type Status struct {
	ProjectID      string            `json:"project_id"`
	Auto           bool              `json:"auto"`
	AutoApprove    bool              `json:"auto_approve"`
	MaxConcurrency int               `json:"max_concurrency"`
	InFlight       int               `json:"in_flight"`
	Running        []RunningTaskView `json:"running"`
}

// Snapshot reports current control state and in-flight runs.
func (s *Scheduler) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ProjectID:      s.projectID,
		Auto:           s.auto,
		AutoApprove:    s.autoApprove,
		MaxConcurrency: s.maxConcurrency,
		InFlight:       len(s.running),
	}
	for _, t := range s.running {
		st.Running = append(st.Running, RunningTaskView{
			FeatureID:    t.FeatureID,
			StartedAt:    t.StartedAt,
			WorktreePath: t.WorktreePath,
			Stalled:      t.Stalled(),
		})
	}
	return st
}
