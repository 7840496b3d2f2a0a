package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/events"
	"github.com/fyrsmithlabs/dispatchd/internal/feature"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/provider"
	"github.com/fyrsmithlabs/dispatchd/internal/scheduler"
	"github.com/fyrsmithlabs/dispatchd/internal/workspace"
)

// ErrUnknownProject is returned when a project id is not registered.
var ErrUnknownProject = fmt.Errorf("unknown project")

// Project bundles the services scoped to one repository.
type Project struct {
	ID       string
	RepoPath string

	Store      *feature.FileStore
	Scheduler  *scheduler.Scheduler
	Workspaces *workspace.Manager
}

// Options configures the registry with daemon-wide service instances.
type Options struct {
	Config    *config.Config
	Logger    *logging.Logger
	Providers *provider.Registry
	Bus       *events.Bus
	Metrics   *scheduler.Metrics
	Tracer    trace.Tracer
}

// Registry owns the per-project bundles and the shared services they use.
type Registry struct {
	cfg       *config.Config
	logger    *logging.Logger
	providers *provider.Registry
	bus       *events.Bus
	metrics   *scheduler.Metrics
	tracer    trace.Tracer

	mu       sync.RWMutex
	projects map[string]*Project
}

// NewRegistry creates an empty registry. Projects are added one at a time so
// a broken repository never blocks the rest of the daemon from starting.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Providers == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}
	return &Registry{
		cfg:       opts.Config,
		logger:    opts.Logger.Named("services"),
		providers: opts.Providers,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		projects:  make(map[string]*Project),
	}, nil
}

// Bus returns the shared event bus.
func (r *Registry) Bus() *events.Bus { return r.bus }

// Providers returns the shared provider registry.
func (r *Registry) Providers() *provider.Registry { return r.providers }

// AddProject opens the project's backlog file, builds its workspace manager
// and scheduler, and starts the scheduler. The project id doubles as the
// state subdirectory name.
func (r *Registry) AddProject(ctx context.Context, id, repoPath string) (*Project, error) {
	if id == "" {
		return nil, fmt.Errorf("project id is required")
	}
	r.mu.Lock()
	if _, exists := r.projects[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("project %s already registered", id)
	}
	r.mu.Unlock()

	statePath := filepath.Join(r.cfg.State.Dir, id, "features.yaml")
	store, err := feature.NewFileStore(statePath, id, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open backlog for %s: %w", id, err)
	}

	wsCfg := r.cfg.Workspace
	if wsCfg.Root == "" {
		wsCfg.Root = filepath.Join(r.cfg.State.Dir, id, "worktrees")
	}
	workspaces, err := workspace.NewManager(wsCfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("workspace manager for %s: %w", id, err)
	}

	sched, err := scheduler.New(scheduler.Options{
		ProjectID:  id,
		RepoPath:   repoPath,
		Store:      store,
		Registry:   r.providers,
		Workspaces: workspaces,
		Bus:        r.bus,
		Config:     r.cfg.Scheduler,
		Logger:     r.logger,
		Metrics:    r.metrics,
		Tracer:     r.tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler for %s: %w", id, err)
	}

	if err := sched.Start(ctx); err != nil {
		return nil, fmt.Errorf("start scheduler for %s: %w", id, err)
	}

	if r.cfg.State.WatchFiles {
		// External edits to features.yaml re-enter admission on reload.
		store.OnReload(sched.Tick)
		if err := store.Watch(ctx); err != nil {
			r.logger.Warn(ctx, "backlog watch unavailable",
				zap.String("project.id", id),
				zap.Error(err),
			)
		}
	}

	p := &Project{
		ID:         id,
		RepoPath:   repoPath,
		Store:      store,
		Scheduler:  sched,
		Workspaces: workspaces,
	}

	r.mu.Lock()
	r.projects[id] = p
	r.mu.Unlock()

	r.logger.Info(ctx, "project registered",
		zap.String("project.id", id),
		zap.String("repo", repoPath),
	)
	return p, nil
}

// Project resolves a registered project by id.
func (r *Registry) Project(id string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProject, id)
	}
	return p, nil
}

// Projects lists registered projects sorted by id.
func (r *Registry) Projects() []*Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown stops every project's scheduler and closes its store. Projects
// shut down in parallel; each scheduler drains within its grace window.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	projects := make([]*Project, 0, len(r.projects))
	for _, p := range r.projects {
		projects = append(projects, p)
	}
	r.projects = make(map[string]*Project)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range projects {
		wg.Add(1)
		go func(p *Project) {
			defer wg.Done()
			p.Scheduler.Shutdown(ctx)
			if err := p.Store.Close(); err != nil {
				r.logger.Warn(ctx, "close backlog store failed",
					zap.String("project.id", p.ID),
					zap.Error(err),
				)
			}
		}(p)
	}
	wg.Wait()
}
