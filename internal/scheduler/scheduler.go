package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/dispatchd/internal/classify"
	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/events"
	"github.com/fyrsmithlabs/dispatchd/internal/feature"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/provider"
	"github.com/fyrsmithlabs/dispatchd/internal/workspace"
)

// DefaultModel is used when a feature names no model.
const DefaultModel = "claude/claude-sonnet-4-5"

// Workspaces is the slice of the workspace manager the scheduler needs.
type Workspaces interface {
	Create(ctx context.Context, repoPath, branch string) (workspace.Record, error)
	Status(ctx context.Context, worktreePath string) (workspace.Record, error)
	MergeBack(ctx context.Context, repoPath, branch, worktreePath string) error
	Destroy(ctx context.Context, worktreePath string) error
	BranchName(featureID string) string
}

// Options wires one Scheduler.
type Options struct {
	ProjectID  string
	RepoPath   string
	Store      feature.Store
	Registry   *provider.Registry
	Workspaces Workspaces
	Bus        *events.Bus
	Config     config.SchedulerConfig
	Logger     *logging.Logger
	Metrics    *Metrics
	Tracer     trace.Tracer

	// DefaultModel overrides the package default when set.
	DefaultModel string
}

// Scheduler runs one project's features.
type Scheduler struct {
	projectID    string
	repoPath     string
	store        feature.Store
	registry     *provider.Registry
	workspaces   Workspaces
	bus          *events.Bus
	classifier   *classify.Classifier
	retry        classify.RetryPolicy
	logger       *logging.Logger
	metrics      *Metrics
	tracer       trace.Tracer
	cfg          config.SchedulerConfig
	defaultModel string

	mu             sync.Mutex
	running        map[string]*RunningTask
	approved       map[string]string // feature id -> approved plan text
	replan         map[string]bool   // feature ids rejected with feedback
	maxConcurrency int
	autoApprove    bool
	auto           bool
	started        bool

	tickCh  chan struct{}
	limiter *rate.Limiter
	wg      sync.WaitGroup
	stop    context.CancelFunc
}

// New builds a Scheduler. Start must be called before it admits anything.
func New(opts Options) (*Scheduler, error) {
	if opts.ProjectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	if opts.Store == nil || opts.Registry == nil || opts.Workspaces == nil {
		return nil, fmt.Errorf("store, registry and workspaces are required")
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("dispatchd/scheduler")
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = DefaultModel
	}

	return &Scheduler{
		projectID:  opts.ProjectID,
		repoPath:   opts.RepoPath,
		store:      opts.Store,
		registry:   opts.Registry,
		workspaces: opts.Workspaces,
		bus:        opts.Bus,
		classifier: classify.NewClassifier(),
		retry: classify.RetryPolicy{
			MaxRetries:        opts.Config.Retry.MaxRetries,
			InitialBackoff:    time.Duration(opts.Config.Retry.InitialBackoff),
			MaxBackoff:        time.Duration(opts.Config.Retry.MaxBackoff),
			BackoffMultiplier: opts.Config.Retry.BackoffMultiplier,
		},
		logger:         opts.Logger.Named("scheduler"),
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		cfg:            opts.Config,
		defaultModel:   opts.DefaultModel,
		running:        make(map[string]*RunningTask),
		approved:       make(map[string]string),
		replan:         make(map[string]bool),
		maxConcurrency: opts.Config.MaxConcurrency,
		autoApprove:    opts.Config.AutoApprove,
		tickCh:         make(chan struct{}, 1),
		// Ticks are cheap but storms of create/update calls should not
		// spin the admission pass continuously.
		limiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
	}, nil
}

// Start recovers persisted state and launches the admission and watchdog
// loops. It is not an auto-mode start; see StartAuto.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stop = cancel

	s.wg.Add(2)
	go s.admissionLoop(loopCtx)
	go s.watchdogLoop(loopCtx)

	s.Tick()
	return nil
}

// Shutdown aborts all running tasks and stops the loops.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.AbortAll(ctx)
	if s.stop != nil {
		s.stop()
	}
	s.wg.Wait()
}

// Tick requests an admission pass. Non-blocking; coalesces with a pending
// tick.
func (s *Scheduler) Tick() {
	select {
	case s.tickCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) admissionLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.tickCh:
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		s.admit(ctx)
	}
}

// admit runs one admission pass: approved executions first, then eligible
// backlog/queued features, in priority order, up to the free slot count.
func (s *Scheduler) admit(ctx context.Context) {
	list, err := s.store.List(ctx)
	if err != nil {
		s.logger.Error(ctx, "admission list failed", zap.Error(err))
		return
	}
	statusByID := make(map[string]feature.Status, len(list))
	for _, f := range list {
		statusByID[f.ID] = f.Status
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	free := s.maxConcurrency - len(s.running)
	for _, f := range list {
		if free <= 0 {
			return
		}
		if _, isRunning := s.running[f.ID]; isRunning {
			continue
		}

		switch {
		case f.Status == feature.StatusWaitingApproval:
			plan, ok := s.approved[f.ID]
			if !ok {
				continue
			}
			delete(s.approved, f.ID)
			s.launchLocked(ctx, f, phaseExecute, plan)
			free--

		case f.Status == feature.StatusPlanning:
			// A plan rejected with feedback re-enters the plan phase.
			if !s.replan[f.ID] {
				continue
			}
			delete(s.replan, f.ID)
			s.launchLocked(ctx, f, phasePlan, "")
			free--

		case f.Status.Runnable():
			// Backlog features wait for auto mode or an explicit run
			// request, which moves them to queued.
			if f.Status == feature.StatusBacklog && !s.auto {
				continue
			}
			if !s.depsVerified(f, statusByID) {
				continue
			}
			s.launchLocked(ctx, f, phasePlan, "")
			free--
		}
	}
}

func (s *Scheduler) depsVerified(f *feature.Feature, statusByID map[string]feature.Status) bool {
	for _, dep := range f.Dependencies {
		if statusByID[dep] != feature.StatusVerified {
			return false
		}
	}
	return true
}

// launchLocked registers the running task and starts its goroutine. Caller
// holds s.mu.
func (s *Scheduler) launchLocked(ctx context.Context, f *feature.Feature, phase runPhase, approvedPlan string) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	task := newRunningTask(f.ID, s.projectID, cancel)
	s.running[f.ID] = task

	s.metrics.Admissions.Inc()
	s.metrics.InFlight.Set(float64(len(s.running)))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx, task, f.ID, phase, approvedPlan)
	}()
}

// release frees the task's slot, invalidates its cancellation handle and
// re-ticks admission. The handle fires exactly once whether the run finished,
// parked or was aborted.
func (s *Scheduler) release(featureID string) {
	s.mu.Lock()
	task := s.running[featureID]
	delete(s.running, featureID)
	s.metrics.InFlight.Set(float64(len(s.running)))
	s.mu.Unlock()
	if task != nil {
		task.Cancel()
	}
	s.Tick()
}

// recover reconciles persisted status with the fact that no runs survived a
// restart. Interrupted plan and execution runs need a manual reset; parked
// plans survive untouched, and queued features are simply re-admitted.
func (s *Scheduler) recover(ctx context.Context) error {
	list, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	for _, f := range list {
		switch f.Status {
		case feature.StatusPlanning, feature.StatusInProgress:
			from := f.Status
			_, err := s.store.Update(ctx, f.ID, func(work *feature.Feature) error {
				work.Status = feature.StatusFailed
				work.LastError = &feature.RunError{
					Raw:      fmt.Sprintf("run interrupted in %s by daemon restart", from),
					Message:  "run was interrupted by a restart; manual resumption required",
					Category: string(classify.CategoryStream),
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("recover feature %s: %w", f.ID, err)
			}
			s.logger.Warn(ctx, "marked interrupted run failed",
				zap.String("feature.id", f.ID),
				zap.String("was", string(from)),
			)
			s.publish(ctx, events.Event{
				Type:      events.TypeRunFailed,
				ProjectID: s.projectID,
				FeatureID: f.ID,
				Status:    feature.StatusFailed,
				Message:   "interrupted by restart",
			})
		}
	}
	return nil
}

func (s *Scheduler) watchdogLoop(ctx context.Context) {
	defer s.wg.Done()
	idle := time.Duration(s.cfg.WatchdogIdle)
	if idle <= 0 {
		idle = 2 * time.Minute
	}
	interval := idle / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkStalls(ctx, idle)
		}
	}
}

// checkStalls flags silent streams. It never terminates them.
func (s *Scheduler) checkStalls(ctx context.Context, idle time.Duration) {
	s.mu.Lock()
	var stalled []*RunningTask
	for _, t := range s.running {
		if t.idle() > idle && !t.stalled.Swap(true) {
			stalled = append(stalled, t)
		}
	}
	s.mu.Unlock()

	for _, t := range stalled {
		s.metrics.WatchdogStalls.Inc()
		s.logger.Warn(ctx, "provider stream stalled",
			zap.String("feature.id", t.FeatureID),
			zap.Duration("idle", t.idle()),
		)
		s.publish(ctx, events.Event{
			Type:      events.TypeWatchdogStall,
			ProjectID: s.projectID,
			FeatureID: t.FeatureID,
			Message:   fmt.Sprintf("stream idle for %s", t.idle().Round(time.Second)),
		})
	}
}

func (s *Scheduler) publish(ctx context.Context, ev events.Event) {
	ev.ProjectID = s.projectID
	s.bus.Publish(ctx, ev)
}

// transition applies a validated status change and emits the event. Illegal
// transitions are logged, not applied.
func (s *Scheduler) transition(ctx context.Context, featureID string, to feature.Status) (*feature.Feature, error) {
	f, err := s.store.Transition(ctx, featureID, to)
	if err != nil {
		s.logger.Warn(ctx, "status transition rejected",
			zap.String("feature.id", featureID),
			zap.String("to", string(to)),
			zap.Error(err),
		)
		return nil, err
	}
	s.publish(ctx, events.Event{
		Type:      events.TypeStatusChanged,
		FeatureID: featureID,
		Status:    to,
	})
	return f, nil
}
