package scheduler

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/events"
	"github.com/fyrsmithlabs/dispatchd/internal/feature"
	"github.com/fyrsmithlabs/dispatchd/internal/provider"
	"github.com/fyrsmithlabs/dispatchd/internal/telemetry"
	"github.com/fyrsmithlabs/dispatchd/internal/workspace"
)

// scriptedProvider returns canned message streams and records every call.
type scriptedProvider struct {
	mu      sync.Mutex
	calls   []provider.ExecuteOptions
	handler func(opts provider.ExecuteOptions) ([]provider.Message, error)

	// block selects which streams stay open after their messages until the
	// run context is cancelled. Nil blocks nothing.
	block func(opts provider.ExecuteOptions) bool
}

// blockAll hangs every stream after its scripted messages.
func blockAll(provider.ExecuteOptions) bool { return true }

// blockExecute lets plan streams finish but hangs execution streams.
func blockExecute(opts provider.ExecuteOptions) bool { return !opts.PlanMode }

func (p *scriptedProvider) ExecuteQuery(_ context.Context, opts provider.ExecuteOptions) (provider.Stream, error) {
	p.mu.Lock()
	p.calls = append(p.calls, opts)
	blocked := p.block != nil && p.block(opts)
	p.mu.Unlock()

	msgs, err := p.handler(opts)
	if err != nil {
		return nil, err
	}
	return &scriptedStream{msgs: msgs, block: blocked}, nil
}

func (p *scriptedProvider) DetectInstallation(context.Context) provider.InstallationStatus {
	return provider.InstallationStatus{Installed: true, AuthOK: true}
}

func (p *scriptedProvider) AvailableModels() []provider.ModelDefinition {
	return []provider.ModelDefinition{{ID: "model-1", Default: true}}
}

func (p *scriptedProvider) SupportsFeature(name provider.Capability) bool {
	return name == provider.CapabilityResume
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *scriptedProvider) call(i int) provider.ExecuteOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[i]
}

type scriptedStream struct {
	msgs  []provider.Message
	i     int
	block bool
}

func (s *scriptedStream) Next(ctx context.Context) (provider.Message, error) {
	if s.i < len(s.msgs) {
		m := s.msgs[s.i]
		s.i++
		return m, nil
	}
	if s.block {
		<-ctx.Done()
		return provider.Message{}, ctx.Err()
	}
	return provider.Message{}, io.EOF
}

func (s *scriptedStream) Close() error { return nil }

// fakeWorkspaces hands out unique paths without touching git.
type fakeWorkspaces struct {
	mu        sync.Mutex
	seq       int
	created   []workspace.Record
	merged    []string
	destroyed []string
	dirty     map[string]bool
	mergeErr  error
}

func newFakeWorkspaces() *fakeWorkspaces {
	return &fakeWorkspaces{dirty: make(map[string]bool)}
}

func (w *fakeWorkspaces) Create(_ context.Context, _, branch string) (workspace.Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	rec := workspace.Record{
		Path:   fmt.Sprintf("/fake/worktrees/wt-%d", w.seq),
		Branch: branch,
	}
	w.created = append(w.created, rec)
	return rec, nil
}

func (w *fakeWorkspaces) Status(_ context.Context, path string) (workspace.Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return workspace.Record{Path: path, HasChanges: w.dirty[path]}, nil
}

func (w *fakeWorkspaces) MergeBack(_ context.Context, _, _ string, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mergeErr != nil {
		return w.mergeErr
	}
	w.merged = append(w.merged, path)
	return nil
}

func (w *fakeWorkspaces) Destroy(_ context.Context, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.destroyed = append(w.destroyed, path)
	return nil
}

func (w *fakeWorkspaces) BranchName(id string) string { return "dispatchd/" + id }

func (w *fakeWorkspaces) mergedPaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.merged...)
}

func (w *fakeWorkspaces) destroyedPaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.destroyed...)
}

func planResult(text string) []provider.Message {
	return []provider.Message{
		{Type: provider.MessageSystem, SessionID: "sess-1", Model: "model-1"},
		{Type: provider.MessageResult, Result: text, NumTurns: 1},
	}
}

// completing answers plan queries with a plan and execute queries with a
// completion result.
func completing(opts provider.ExecuteOptions) ([]provider.Message, error) {
	if opts.PlanMode {
		return planResult("1. do the thing"), nil
	}
	return []provider.Message{
		{Type: provider.MessageAssistant, Content: []provider.ContentBlock{{Type: "text", Text: "done"}}},
		{Type: provider.MessageResult, Result: "implemented", NumTurns: 3},
	}, nil
}

type testRig struct {
	s     *Scheduler
	store feature.Store
	prov  *scriptedProvider
	ws    *fakeWorkspaces
	bus   *events.Bus
	tel   *telemetry.TestTelemetry
}

func newTestScheduler(t *testing.T, mutate func(*Options)) *testRig {
	t.Helper()

	prov := &scriptedProvider{handler: completing}
	reg := provider.NewRegistry(nil)
	reg.Register("fake", prov)

	store := feature.NewMemoryStore()
	ws := newFakeWorkspaces()
	bus := events.NewBus(nil)
	tel := telemetry.NewTestTelemetry()

	opts := Options{
		ProjectID:  "proj-test",
		RepoPath:   "/fake/repo",
		Store:      store,
		Registry:   reg,
		Workspaces: ws,
		Bus:        bus,
		Tracer:     tel.Tracer("dispatchd/scheduler"),
		Metrics:    NewMetrics(prometheus.NewRegistry()),
		Config: config.SchedulerConfig{
			MaxConcurrency:  2,
			AutoApprove:     true,
			WatchdogIdle:    config.Duration(time.Minute),
			GraceWindow:     config.Duration(500 * time.Millisecond),
			DeleteBatchSize: 2,
			MaxTurns:        10,
			Retry: config.RetryConfig{
				MaxRetries:        1,
				InitialBackoff:    config.Duration(time.Millisecond),
				MaxBackoff:        config.Duration(5 * time.Millisecond),
				BackoffMultiplier: 2.0,
			},
		},
		DefaultModel: "fake/model-1",
	}
	if mutate != nil {
		mutate(&opts)
	}

	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Shutdown(context.Background())
		bus.Close()
	})

	return &testRig{s: s, store: store, prov: prov, ws: ws, bus: bus, tel: tel}
}

func (r *testRig) addFeature(t *testing.T, title string, mutate func(*feature.Feature)) *feature.Feature {
	t.Helper()
	f, err := feature.New(title, "")
	require.NoError(t, err)
	if mutate != nil {
		mutate(f)
	}
	require.NoError(t, r.store.Create(context.Background(), f))
	return f
}

func (r *testRig) waitForStatus(t *testing.T, id string, want feature.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		f, err := r.store.Get(context.Background(), id)
		return err == nil && f.Status == want
	}, 5*time.Second, 10*time.Millisecond, "feature %s never reached %s", id, want)
}

func TestScheduler_ScenarioA_CompletesToVerified(t *testing.T) {
	rig := newTestScheduler(t, nil)
	f := rig.addFeature(t, "feature x", nil)

	require.NoError(t, rig.s.Start(context.Background()))
	rig.s.StartAuto(context.Background())

	rig.waitForStatus(t, f.ID, feature.StatusVerified)

	got, err := rig.store.Get(context.Background(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, "1. do the thing", got.Plan)
	assert.Nil(t, got.LastError)

	// A verified run merges its branch back and lets go of the worktree.
	assert.Contains(t, rig.ws.mergedPaths(), "/fake/worktrees/wt-1")
	assert.Empty(t, got.WorktreePath)

	// The span ends when the run goroutine unwinds, shortly after the
	// status flips.
	require.Eventually(t, func() bool {
		return rig.tel.SpanByName("scheduler.run") != nil
	}, 2*time.Second, 10*time.Millisecond, "run span never recorded")
}

func TestScheduler_ScenarioB_DependencyGate(t *testing.T) {
	rig := newTestScheduler(t, nil)
	ctx := context.Background()

	// Block x's execution so y's admission can be observed while x is
	// unverified.
	release := make(chan struct{})
	rig.prov.mu.Lock()
	rig.prov.handler = func(opts provider.ExecuteOptions) ([]provider.Message, error) {
		if !opts.PlanMode {
			<-release
		}
		return completing(opts)
	}
	rig.prov.mu.Unlock()

	x := rig.addFeature(t, "feature x", nil)
	y := rig.addFeature(t, "feature y", func(f *feature.Feature) {
		f.Dependencies = []string{x.ID}
	})

	require.NoError(t, rig.s.Start(ctx))
	rig.s.StartAuto(ctx)

	rig.waitForStatus(t, x.ID, feature.StatusInProgress)

	// y must not be admitted while x is unverified.
	time.Sleep(200 * time.Millisecond)
	gotY, err := rig.store.Get(ctx, y.ID)
	require.NoError(t, err)
	assert.Equal(t, feature.StatusBacklog, gotY.Status)

	close(release)
	rig.waitForStatus(t, x.ID, feature.StatusVerified)
	rig.waitForStatus(t, y.ID, feature.StatusVerified)
}

func TestScheduler_ScenarioC_DistinctWorktrees(t *testing.T) {
	rig := newTestScheduler(t, nil)
	a := rig.addFeature(t, "feature a", nil)
	b := rig.addFeature(t, "feature b", nil)

	require.NoError(t, rig.s.Start(context.Background()))
	rig.s.StartAuto(context.Background())

	rig.waitForStatus(t, a.ID, feature.StatusVerified)
	rig.waitForStatus(t, b.ID, feature.StatusVerified)

	rig.ws.mu.Lock()
	defer rig.ws.mu.Unlock()
	paths := make(map[string]bool)
	for _, rec := range rig.ws.created {
		assert.False(t, paths[rec.Path], "worktree path %s reused", rec.Path)
		paths[rec.Path] = true
	}
}

func TestScheduler_ScenarioD_AuthErrorFailsWithoutRetry(t *testing.T) {
	rig := newTestScheduler(t, nil)
	rig.prov.mu.Lock()
	rig.prov.handler = func(opts provider.ExecuteOptions) ([]provider.Message, error) {
		return []provider.Message{{
			Type:         provider.MessageError,
			ErrorMessage: "401 unauthorized",
			Raw:          `{"type":"error","error":{"type":"authentication_error"}}`,
		}}, nil
	}
	rig.prov.mu.Unlock()

	f := rig.addFeature(t, "feature d", nil)
	require.NoError(t, rig.s.Start(context.Background()))
	rig.s.StartAuto(context.Background())

	rig.waitForStatus(t, f.ID, feature.StatusFailed)

	got, err := rig.store.Get(context.Background(), f.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "auth", got.LastError.Category)
	assert.NotEmpty(t, got.LastError.Raw)
	assert.Equal(t, 1, rig.prov.callCount(), "auth errors must not retry")
}

func TestScheduler_ScenarioE_RejectWithFeedbackReplans(t *testing.T) {
	rig := newTestScheduler(t, func(o *Options) {
		o.Config.AutoApprove = false
	})
	ctx := context.Background()
	f := rig.addFeature(t, "feature e", nil)

	require.NoError(t, rig.s.Start(ctx))
	rig.s.StartAuto(ctx)

	rig.waitForStatus(t, f.ID, feature.StatusWaitingApproval)

	require.NoError(t, rig.s.Reject(ctx, f.ID, "use the existing helper instead"))

	// The re-plan parks on the gate again, with the feedback in the prompt.
	rig.waitForStatus(t, f.ID, feature.StatusWaitingApproval)
	require.GreaterOrEqual(t, rig.prov.callCount(), 2)
	second := rig.prov.call(rig.prov.callCount() - 1)
	assert.True(t, second.PlanMode)
	assert.Contains(t, second.Prompt, "use the existing helper instead")
}

func TestScheduler_ScenarioF_AbortFreesSlotAndDestroys(t *testing.T) {
	rig := newTestScheduler(t, func(o *Options) {
		o.Config.MaxConcurrency = 1
	})
	ctx := context.Background()

	rig.prov.mu.Lock()
	rig.prov.block = blockExecute // plan finishes, execution hangs
	rig.prov.handler = func(opts provider.ExecuteOptions) ([]provider.Message, error) {
		if opts.PlanMode {
			return planResult("plan"), nil
		}
		return []provider.Message{{Type: provider.MessageAssistant}}, nil
	}
	rig.prov.mu.Unlock()

	first := rig.addFeature(t, "long runner", nil)
	require.NoError(t, rig.s.Start(ctx))
	rig.s.StartAuto(ctx)

	rig.waitForStatus(t, first.ID, feature.StatusInProgress)

	// Unblock future streams, then abort the stuck run.
	rig.prov.mu.Lock()
	rig.prov.block = nil
	rig.prov.handler = completing
	rig.prov.mu.Unlock()

	second := rig.addFeature(t, "next in line", nil)
	require.NoError(t, rig.s.Abort(ctx, first.ID))

	rig.waitForStatus(t, first.ID, feature.StatusCancelled)
	rig.waitForStatus(t, second.ID, feature.StatusVerified)

	require.Eventually(t, func() bool {
		return len(rig.ws.destroyedPaths()) > 0
	}, 2*time.Second, 10*time.Millisecond, "aborted worktree never destroyed")
}

func TestScheduler_ConcurrencyBoundHolds(t *testing.T) {
	rig := newTestScheduler(t, func(o *Options) {
		o.Config.MaxConcurrency = 1
	})
	ctx := context.Background()

	var mu sync.Mutex
	inFlight, maxSeen := 0, 0
	rig.prov.mu.Lock()
	rig.prov.handler = func(opts provider.ExecuteOptions) ([]provider.Message, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return completing(opts)
	}
	rig.prov.mu.Unlock()

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		f := rig.addFeature(t, fmt.Sprintf("feature %d", i), nil)
		ids = append(ids, f.ID)
	}

	require.NoError(t, rig.s.Start(ctx))
	rig.s.StartAuto(ctx)

	for _, id := range ids {
		rig.waitForStatus(t, id, feature.StatusVerified)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxSeen, 1, "concurrency bound violated")
}

func TestScheduler_ZeroConcurrencyAbortsAll(t *testing.T) {
	rig := newTestScheduler(t, nil)
	ctx := context.Background()

	rig.prov.mu.Lock()
	rig.prov.block = blockAll
	rig.prov.handler = func(opts provider.ExecuteOptions) ([]provider.Message, error) {
		return planResult("plan")[:1], nil // system message only, then hang
	}
	rig.prov.mu.Unlock()

	f := rig.addFeature(t, "stuck", nil)
	require.NoError(t, rig.s.Start(ctx))
	rig.s.StartAuto(ctx)

	rig.waitForStatus(t, f.ID, feature.StatusPlanning)

	require.NoError(t, rig.s.SetMaxConcurrency(ctx, 0))
	rig.waitForStatus(t, f.ID, feature.StatusCancelled)
	assert.Equal(t, 0, rig.s.Snapshot().InFlight)

	// Nothing admitted at zero.
	g := rig.addFeature(t, "never admitted", nil)
	time.Sleep(200 * time.Millisecond)
	got, err := rig.store.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, feature.StatusBacklog, got.Status)
}

func TestScheduler_ApprovalGate(t *testing.T) {
	rig := newTestScheduler(t, func(o *Options) {
		o.Config.AutoApprove = false
	})
	ctx := context.Background()
	f := rig.addFeature(t, "gated", nil)

	require.NoError(t, rig.s.Start(ctx))
	rig.s.StartAuto(ctx)

	rig.waitForStatus(t, f.ID, feature.StatusWaitingApproval)

	// Parked tasks hold no slot.
	require.Eventually(t, func() bool {
		return rig.s.Snapshot().InFlight == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, rig.s.Approve(ctx, f.ID, "edited plan text"))
	rig.waitForStatus(t, f.ID, feature.StatusVerified)

	last := rig.prov.call(rig.prov.callCount() - 1)
	assert.False(t, last.PlanMode)
	assert.Contains(t, last.Prompt, "edited plan text")

	got, err := rig.store.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited plan text", got.Plan)
}

func TestScheduler_RejectWithoutFeedbackReturnsToBacklog(t *testing.T) {
	rig := newTestScheduler(t, func(o *Options) {
		o.Config.AutoApprove = false
	})
	ctx := context.Background()
	f := rig.addFeature(t, "rejected", nil)

	require.NoError(t, rig.s.Start(ctx))
	rig.s.StartAuto(ctx)
	rig.waitForStatus(t, f.ID, feature.StatusWaitingApproval)

	rig.s.StopAuto(ctx) // keep it from being re-admitted immediately
	require.NoError(t, rig.s.Reject(ctx, f.ID, ""))

	got, err := rig.store.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, feature.StatusBacklog, got.Status)
	assert.Empty(t, got.Plan)
}

func TestScheduler_NetworkErrorRetriesThenSucceeds(t *testing.T) {
	rig := newTestScheduler(t, nil)
	ctx := context.Background()

	var calls int
	var mu sync.Mutex
	rig.prov.mu.Lock()
	rig.prov.handler = func(opts provider.ExecuteOptions) ([]provider.Message, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return []provider.Message{{
				Type:         provider.MessageError,
				ErrorMessage: "dial tcp: connection refused",
			}}, nil
		}
		return completing(opts)
	}
	rig.prov.mu.Unlock()

	f := rig.addFeature(t, "flaky network", nil)
	require.NoError(t, rig.s.Start(ctx))
	rig.s.StartAuto(ctx)

	rig.waitForStatus(t, f.ID, feature.StatusVerified)
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, calls, 3, "plan retry plus execute")
}

func TestScheduler_DirtyWorktreeFailsVerification(t *testing.T) {
	rig := newTestScheduler(t, nil)
	ctx := context.Background()
	f := rig.addFeature(t, "leaves mess", nil)

	// Every created worktree reports uncommitted changes.
	rig.ws.mu.Lock()
	rig.ws.dirty["/fake/worktrees/wt-1"] = true
	rig.ws.mu.Unlock()

	require.NoError(t, rig.s.Start(ctx))
	rig.s.StartAuto(ctx)

	rig.waitForStatus(t, f.ID, feature.StatusFailed)
	got, err := rig.store.Get(ctx, f.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastError)
	assert.Contains(t, got.LastError.Message, "uncommitted")
}

func TestScheduler_CrashRecovery(t *testing.T) {
	rig := newTestScheduler(t, nil)
	ctx := context.Background()

	planning := rig.addFeature(t, "was planning", nil)
	inProgress := rig.addFeature(t, "was running", nil)
	parked := rig.addFeature(t, "was parked", nil)

	// Simulate pre-restart persisted state.
	_, err := rig.store.Transition(ctx, planning.ID, feature.StatusQueued)
	require.NoError(t, err)
	_, err = rig.store.Transition(ctx, planning.ID, feature.StatusPlanning)
	require.NoError(t, err)

	for _, to := range []feature.Status{feature.StatusQueued, feature.StatusPlanning, feature.StatusInProgress} {
		_, err = rig.store.Transition(ctx, inProgress.ID, to)
		require.NoError(t, err)
	}
	for _, to := range []feature.Status{feature.StatusQueued, feature.StatusPlanning, feature.StatusWaitingApproval} {
		_, err = rig.store.Transition(ctx, parked.ID, to)
		require.NoError(t, err)
	}

	require.NoError(t, rig.s.Start(ctx))

	gotPlanning, err := rig.store.Get(ctx, planning.ID)
	require.NoError(t, err)
	assert.Equal(t, feature.StatusFailed, gotPlanning.Status)
	require.NotNil(t, gotPlanning.LastError)
	assert.Contains(t, gotPlanning.LastError.Message, "manual resumption")

	gotRunning, err := rig.store.Get(ctx, inProgress.ID)
	require.NoError(t, err)
	assert.Equal(t, feature.StatusFailed, gotRunning.Status)

	// The approval gate survives a restart.
	gotParked, err := rig.store.Get(ctx, parked.ID)
	require.NoError(t, err)
	assert.Equal(t, feature.StatusWaitingApproval, gotParked.Status)
}

func TestScheduler_ManualRunWithoutAutoMode(t *testing.T) {
	rig := newTestScheduler(t, nil)
	ctx := context.Background()
	f := rig.addFeature(t, "manual", nil)

	require.NoError(t, rig.s.Start(ctx))

	// No auto mode: nothing happens on its own.
	time.Sleep(200 * time.Millisecond)
	got, err := rig.store.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, feature.StatusBacklog, got.Status)

	require.NoError(t, rig.s.Run(ctx, f.ID))
	rig.waitForStatus(t, f.ID, feature.StatusVerified)
}

func TestScheduler_BulkDeleteReportsPerItem(t *testing.T) {
	rig := newTestScheduler(t, nil)
	ctx := context.Background()

	a := rig.addFeature(t, "delete a", nil)
	b := rig.addFeature(t, "delete b", nil)
	c := rig.addFeature(t, "keeps deps", func(f *feature.Feature) {
		f.Dependencies = []string{a.ID}
	})

	require.NoError(t, rig.s.Start(ctx))

	results := rig.s.BulkDelete(ctx, []string{a.ID, b.ID, "missing-id"})
	require.Len(t, results, 3)
	assert.Empty(t, results[0].Error)
	assert.Empty(t, results[1].Error)
	assert.NotEmpty(t, results[2].Error)

	// Dependency pruning cascaded.
	got, err := rig.store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Dependencies)
}

func TestScheduler_WatchdogFlagsWithoutKilling(t *testing.T) {
	rig := newTestScheduler(t, func(o *Options) {
		o.Config.WatchdogIdle = config.Duration(150 * time.Millisecond)
	})
	ctx := context.Background()

	rig.prov.mu.Lock()
	rig.prov.block = blockAll
	rig.prov.handler = func(opts provider.ExecuteOptions) ([]provider.Message, error) {
		return planResult("plan")[:1], nil
	}
	rig.prov.mu.Unlock()

	ch, cancel := rig.bus.Subscribe(32)
	defer cancel()

	f := rig.addFeature(t, "stalls", nil)
	require.NoError(t, rig.s.Start(ctx))
	rig.s.StartAuto(ctx)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == events.TypeWatchdogStall {
				// Flagged, but still running and still planning.
				got, err := rig.store.Get(ctx, f.ID)
				require.NoError(t, err)
				assert.Equal(t, feature.StatusPlanning, got.Status)
				assert.Equal(t, 1, rig.s.Snapshot().InFlight)
				return
			}
		case <-deadline:
			t.Fatal("watchdog never flagged the stalled stream")
		}
	}
}

func TestScheduler_ResetClearsRunState(t *testing.T) {
	rig := newTestScheduler(t, nil)
	ctx := context.Background()

	rig.prov.mu.Lock()
	rig.prov.handler = func(opts provider.ExecuteOptions) ([]provider.Message, error) {
		return []provider.Message{{Type: provider.MessageError, ErrorMessage: "401 unauthorized"}}, nil
	}
	rig.prov.mu.Unlock()

	f := rig.addFeature(t, "reset me", nil)
	require.NoError(t, rig.s.Start(ctx))
	rig.s.StartAuto(ctx)
	rig.waitForStatus(t, f.ID, feature.StatusFailed)

	rig.s.StopAuto(ctx)
	require.NoError(t, rig.s.Reset(ctx, f.ID))

	got, err := rig.store.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, feature.StatusBacklog, got.Status)
	assert.Nil(t, got.LastError)
	assert.Empty(t, got.Plan)
	assert.Empty(t, got.WorktreePath)

	// The worktree kept for inspecting the failure goes away on reset.
	assert.Contains(t, rig.ws.destroyedPaths(), "/fake/worktrees/wt-1")
}

func TestScheduler_MergeFailureFailsRun(t *testing.T) {
	rig := newTestScheduler(t, nil)
	ctx := context.Background()

	rig.ws.mu.Lock()
	rig.ws.mergeErr = &workspace.Error{
		Kind:        workspace.KindLocked,
		Op:          "merge",
		Path:        "/fake/repo",
		Remediation: "Another git process holds a lock; wait for it to finish or remove the stale lock file.",
		Err:         fmt.Errorf("index.lock exists"),
	}
	rig.ws.mu.Unlock()

	f := rig.addFeature(t, "merge blocked", nil)
	require.NoError(t, rig.s.Start(ctx))
	rig.s.StartAuto(ctx)

	rig.waitForStatus(t, f.ID, feature.StatusFailed)

	got, err := rig.store.Get(ctx, f.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "workspace_locked", got.LastError.Category)
	// The worktree stays put so the failed merge can be inspected.
	assert.NotEmpty(t, got.WorktreePath)
	assert.Empty(t, rig.ws.destroyedPaths())
}

func TestScheduler_ReleaseInvalidatesCancelHandle(t *testing.T) {
	rig := newTestScheduler(t, nil)

	fired := make(chan struct{})
	task := newRunningTask("feat-1", "proj-test", func() { close(fired) })
	rig.s.mu.Lock()
	rig.s.running["feat-1"] = task
	rig.s.mu.Unlock()

	rig.s.release("feat-1")

	select {
	case <-fired:
	default:
		t.Fatal("cancel handle survived release")
	}
	task.Cancel() // second invalidation is a no-op
	assert.Equal(t, 0, rig.s.Snapshot().InFlight)
}

func TestScheduler_MessageReplayIsIdempotent(t *testing.T) {
	rig := newTestScheduler(t, nil)
	ctx := context.Background()
	f := rig.addFeature(t, "replayed", nil)

	seq := []provider.Message{
		{Type: provider.MessageSystem, SessionID: "sess-9", Model: "model-1"},
		{Type: provider.MessageAssistant, Content: []provider.ContentBlock{{Type: "text", Text: "working"}}},
		{Type: provider.MessageResult, Result: "done", NumTurns: 2, SessionID: "sess-9"},
	}

	first := &queryOutcome{}
	for _, m := range seq {
		rig.s.applyMessage(ctx, f.ID, m, first)
	}
	second := &queryOutcome{}
	for _, m := range seq {
		rig.s.applyMessage(ctx, f.ID, m, second)
	}
	assert.Equal(t, first, second, "identical sequences must project identically")

	got, err := rig.store.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, feature.StatusBacklog, got.Status, "projection replay must not move status")
}

func TestScheduler_ResetRequiresTerminalFailure(t *testing.T) {
	rig := newTestScheduler(t, nil)
	f := rig.addFeature(t, "not failed", nil)
	require.NoError(t, rig.s.Start(context.Background()))

	err := rig.s.Reset(context.Background(), f.ID)
	require.ErrorIs(t, err, feature.ErrIllegalTransition)
}

func TestScheduler_StatusSnapshot(t *testing.T) {
	rig := newTestScheduler(t, func(o *Options) {
		o.Config.MaxConcurrency = 3
	})
	require.NoError(t, rig.s.Start(context.Background()))

	st := rig.s.Snapshot()
	assert.Equal(t, "proj-test", st.ProjectID)
	assert.Equal(t, 3, st.MaxConcurrency)
	assert.False(t, st.Auto)
	assert.True(t, st.AutoApprove)
	assert.Equal(t, 0, st.InFlight)
}

func TestExecutePromptIncludesPlanAndTitle(t *testing.T) {
	f := &feature.Feature{Title: "add caching", Description: "cache reads"}
	p := executePrompt(f, "1. add cache layer")
	assert.True(t, strings.Contains(p, "add caching"))
	assert.True(t, strings.Contains(p, "cache reads"))
	assert.True(t, strings.Contains(p, "1. add cache layer"))
}
