package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/classify"
	"github.com/fyrsmithlabs/dispatchd/internal/events"
	"github.com/fyrsmithlabs/dispatchd/internal/feature"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/provider"
	"github.com/fyrsmithlabs/dispatchd/internal/workspace"
)

type runPhase int

const (
	// phasePlan runs workspace provisioning and the plan-mode query.
	phasePlan runPhase = iota

	// phaseExecute runs the approved plan.
	phaseExecute
)

// run drives one feature through its pipeline phases. It owns the feature's
// slot until it parks, finishes, or fails.
func (s *Scheduler) run(ctx context.Context, task *RunningTask, featureID string, phase runPhase, approvedPlan string) {
	defer s.release(featureID)

	started := time.Now()
	defer func() {
		s.metrics.RunDuration.Observe(time.Since(started).Seconds())
	}()

	ctx = logging.WithRun(ctx, s.projectID, featureID)
	ctx, span := s.tracer.Start(ctx, "scheduler.run", trace.WithAttributes(
		attribute.String("feature.id", featureID),
		attribute.String("project.id", s.projectID),
	))
	defer span.End()

	f, err := s.store.Get(ctx, featureID)
	if err != nil {
		s.logger.Error(ctx, "run lookup failed", zap.Error(err))
		return
	}

	switch phase {
	case phasePlan:
		s.runPlanPhase(ctx, task, f)
	case phaseExecute:
		if _, err := s.transition(ctx, f.ID, feature.StatusInProgress); err != nil {
			return
		}
		s.runExecutePhase(ctx, task, f, approvedPlan)
	}
}

// runPlanPhase provisions the workspace and produces a plan.
func (s *Scheduler) runPlanPhase(ctx context.Context, task *RunningTask, f *feature.Feature) {
	// A backlog feature entering the pool passes through queued first.
	if f.Status == feature.StatusBacklog {
		if _, err := s.transition(ctx, f.ID, feature.StatusQueued); err != nil {
			return
		}
	}
	if _, err := s.transition(ctx, f.ID, feature.StatusPlanning); err != nil {
		return
	}

	rec, err := s.acquireWorkspace(ctx, f)
	if err != nil {
		s.fail(ctx, f.ID, err)
		return
	}
	task.WorktreePath = rec.Path

	prov, model, err := s.resolveProvider(ctx, f)
	if err != nil {
		s.fail(ctx, f.ID, err)
		return
	}

	outcome, err := s.query(ctx, task, prov, provider.ExecuteOptions{
		Prompt:       planPrompt(f),
		Model:        model,
		WorkDir:      rec.Path,
		MaxTurns:     s.cfg.MaxTurns,
		SystemPrompt: planSystemPrompt,
		PlanMode:     true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return // aborted; Abort owns the status
		}
		s.fail(ctx, f.ID, err)
		return
	}

	plan := outcome.resultText
	if plan == "" {
		plan = outcome.assistantText
	}
	if _, err := s.store.Update(ctx, f.ID, func(work *feature.Feature) error {
		work.Plan = plan
		work.PlanFeedback = ""
		work.LastError = nil
		work.SessionID = outcome.sessionID
		return nil
	}); err != nil {
		s.logger.Error(ctx, "persist plan failed", zap.Error(err))
		s.fail(ctx, f.ID, err)
		return
	}

	if s.isAutoApprove() {
		if _, err := s.transition(ctx, f.ID, feature.StatusInProgress); err != nil {
			return
		}
		updated, err := s.store.Get(ctx, f.ID)
		if err != nil {
			s.logger.Error(ctx, "run lookup failed", zap.Error(err))
			return
		}
		s.runExecutePhase(ctx, task, updated, plan)
		return
	}

	// Park on the approval gate. The deferred release frees the slot.
	if _, err := s.transition(ctx, f.ID, feature.StatusWaitingApproval); err != nil {
		return
	}
	s.publish(ctx, events.Event{
		Type:      events.TypePlanReady,
		FeatureID: f.ID,
		Status:    feature.StatusWaitingApproval,
		Message:   "plan awaiting approval",
	})
}

// runExecutePhase runs the approved plan inside the feature's worktree.
func (s *Scheduler) runExecutePhase(ctx context.Context, task *RunningTask, f *feature.Feature, plan string) {
	worktree := f.WorktreePath
	if worktree == "" {
		// The worktree can be gone after a reject/reset cycle; reacquire.
		rec, err := s.acquireWorkspace(ctx, f)
		if err != nil {
			s.fail(ctx, f.ID, err)
			return
		}
		worktree = rec.Path
	}
	task.WorktreePath = worktree

	prov, model, err := s.resolveProvider(ctx, f)
	if err != nil {
		s.fail(ctx, f.ID, err)
		return
	}

	sessionID := ""
	if f.SessionID != "" && prov.SupportsFeature(provider.CapabilityResume) {
		sessionID = f.SessionID
	}
	outcome, err := s.query(ctx, task, prov, provider.ExecuteOptions{
		Prompt:       executePrompt(f, plan),
		Model:        model,
		WorkDir:      worktree,
		MaxTurns:     s.cfg.MaxTurns,
		SystemPrompt: executeSystemPrompt,
		SessionID:    sessionID,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.fail(ctx, f.ID, err)
		return
	}

	if _, err := s.transition(ctx, f.ID, feature.StatusVerification); err != nil {
		return
	}
	s.publish(ctx, events.Event{
		Type:      events.TypeRunCompleted,
		FeatureID: f.ID,
		Status:    feature.StatusVerification,
		Message:   outcome.resultText,
	})

	s.verify(ctx, f.ID, worktree)
}

// verify runs the automated post-run check: the agent must have committed
// its work, so a dirty worktree fails verification. A clean worktree is
// merged back into trunk and released before the feature turns verified.
func (s *Scheduler) verify(ctx context.Context, featureID, worktreePath string) {
	rec, err := s.workspaces.Status(ctx, worktreePath)
	if err != nil {
		s.fail(ctx, featureID, err)
		return
	}
	if rec.HasChanges {
		s.fail(ctx, featureID, &classify.Classification{
			Category:    classify.CategoryStream,
			Message:     fmt.Sprintf("verification failed: %d uncommitted files left in the worktree", len(rec.ChangedFiles)),
			Remediation: "Inspect the worktree, commit or discard the leftover changes, and reset the feature to retry.",
			Raw:         strings.Join(rec.ChangedFiles, "\n"),
		})
		return
	}

	f, err := s.store.Get(ctx, featureID)
	if err != nil {
		s.fail(ctx, featureID, err)
		return
	}
	if err := s.workspaces.MergeBack(ctx, s.repoPath, f.Branch, worktreePath); err != nil {
		// The worktree stays put so the failed merge can be inspected.
		s.fail(ctx, featureID, err)
		return
	}
	if _, err := s.store.Update(ctx, featureID, func(work *feature.Feature) error {
		work.WorktreePath = ""
		return nil
	}); err != nil {
		s.logger.Warn(ctx, "clear worktree path failed", zap.Error(err))
	}
	if _, err := s.transition(ctx, featureID, feature.StatusVerified); err != nil {
		return
	}
}

// queryOutcome aggregates one stream's worth of messages.
type queryOutcome struct {
	resultText    string
	assistantText string
	sessionID     string
	numTurns      int
}

// query executes one provider call and drains its stream, applying each
// message to the feature and forwarding it to observers. Network failures
// retry the whole call under the configured policy.
func (s *Scheduler) query(ctx context.Context, task *RunningTask, prov provider.Provider, opts provider.ExecuteOptions) (*queryOutcome, error) {
	retrier := classify.NewRetrier(s.retry, s.classifier, s.logger)
	var outcome *queryOutcome
	err := retrier.Do(ctx, "provider query", func() error {
		var err error
		outcome, err = s.streamOnce(ctx, task, prov, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (s *Scheduler) streamOnce(ctx context.Context, task *RunningTask, prov provider.Provider, opts provider.ExecuteOptions) (*queryOutcome, error) {
	stream, err := prov.ExecuteQuery(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	outcome := &queryOutcome{}
	for {
		msg, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return outcome, nil
		}
		if err != nil {
			return nil, err
		}

		task.touch()
		s.metrics.StreamMessages.Inc()
		s.applyMessage(ctx, task.FeatureID, msg, outcome)

		if msg.Type == provider.MessageError {
			raw := msg.Raw
			if raw == "" {
				raw = msg.ErrorMessage
			}
			return nil, errors.New(raw)
		}
	}
}

// applyMessage folds one stream message into the outcome and mirrors it to
// the event bus. Applying the same message twice is harmless: outcome fields
// are overwritten, not appended to the persisted record.
func (s *Scheduler) applyMessage(ctx context.Context, featureID string, msg provider.Message, outcome *queryOutcome) {
	switch msg.Type {
	case provider.MessageSystem:
		if msg.SessionID != "" {
			outcome.sessionID = msg.SessionID
		}
	case provider.MessageAssistant:
		outcome.assistantText += msg.Text()
	case provider.MessageResult:
		outcome.resultText = msg.Result
		outcome.numTurns = msg.NumTurns
		if msg.SessionID != "" {
			outcome.sessionID = msg.SessionID
		}
	}

	s.publish(ctx, events.Event{
		Type:      events.TypeStreamMessage,
		FeatureID: featureID,
		Message:   string(msg.Type),
	})
}

// fail records a classified error and moves the feature to failed.
func (s *Scheduler) fail(ctx context.Context, featureID string, cause error) {
	runErr := s.toRunError(cause)
	s.metrics.RunsFailed.WithLabelValues(runErr.Category).Inc()

	_, err := s.store.Update(ctx, featureID, func(work *feature.Feature) error {
		work.LastError = runErr
		work.Status = feature.StatusFailed
		return nil
	})
	if err != nil {
		s.logger.Error(ctx, "mark failed rejected",
			zap.String("feature.id", featureID),
			zap.Error(err),
		)
		return
	}

	s.logger.Warn(ctx, "run failed",
		zap.String("feature.id", featureID),
		zap.String("category", runErr.Category),
		zap.String("message", runErr.Message),
	)
	s.publish(ctx, events.Event{
		Type:      events.TypeRunFailed,
		FeatureID: featureID,
		Status:    feature.StatusFailed,
		Message:   runErr.Message,
	})
}

// toRunError normalizes any failure into the persisted form.
func (s *Scheduler) toRunError(cause error) *feature.RunError {
	var we *workspace.Error
	if errors.As(cause, &we) {
		return &feature.RunError{
			Raw:      cause.Error(),
			Message:  we.Remediation,
			Category: "workspace_" + string(we.Kind),
		}
	}
	var cls *classify.Classification
	if !errors.As(cause, &cls) {
		cls = s.classifier.ClassifyError(cause)
	}
	msg := cls.Message
	if cls.Remediation != "" {
		msg = msg + ". " + cls.Remediation
	}
	return &feature.RunError{
		Raw:      cls.Raw,
		Message:  msg,
		Category: string(cls.Category),
	}
}

func (s *Scheduler) acquireWorkspace(ctx context.Context, f *feature.Feature) (workspace.Record, error) {
	branch := f.Branch
	if branch == "" {
		branch = s.workspaces.BranchName(f.ID)
	}
	rec, err := s.workspaces.Create(ctx, s.repoPath, branch)
	if err != nil {
		return workspace.Record{}, err
	}
	if _, err := s.store.Update(ctx, f.ID, func(work *feature.Feature) error {
		work.Branch = branch
		work.WorktreePath = rec.Path
		return nil
	}); err != nil {
		return workspace.Record{}, err
	}
	return rec, nil
}

func (s *Scheduler) resolveProvider(ctx context.Context, f *feature.Feature) (provider.Provider, string, error) {
	model := f.Model
	if model == "" {
		model = s.defaultModel
	}
	return s.registry.Resolve(ctx, model)
}

func (s *Scheduler) isAutoApprove() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoApprove
}

const planSystemPrompt = "You are planning a code change. Study the repository and produce a concise, step-by-step implementation plan. Do not modify any files."

const executeSystemPrompt = "You are implementing an approved plan. Make the changes, run the relevant checks, and commit your work with a clear message before finishing."

func planPrompt(f *feature.Feature) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", f.Title)
	if f.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", f.Description)
	}
	if f.PlanFeedback != "" {
		fmt.Fprintf(&b, "\nA previous plan was rejected with this feedback; address it:\n%s\n", f.PlanFeedback)
	}
	b.WriteString("\nProduce an implementation plan for this task.")
	return b.String()
}

func executePrompt(f *feature.Feature, plan string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", f.Title)
	if f.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", f.Description)
	}
	if plan != "" {
		fmt.Fprintf(&b, "\nApproved plan:\n%s\n", plan)
	}
	b.WriteString("\nImplement the task following the approved plan. Commit the result.")
	return b.String()
}
