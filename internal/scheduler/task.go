package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// RunningTask is one feature occupying a concurrency slot. It exists only
// while the run is active; parked and terminal features have no entry.
type RunningTask struct {
	FeatureID    string
	ProjectID    string
	StartedAt    time.Time
	WorktreePath string

	cancel      context.CancelFunc
	cancelOnce  sync.Once
	lastMessage atomic.Int64
	stalled     atomic.Bool
}

func newRunningTask(featureID, projectID string, cancel context.CancelFunc) *RunningTask {
	t := &RunningTask{
		FeatureID: featureID,
		ProjectID: projectID,
		StartedAt: time.Now().UTC(),
		cancel:    cancel,
	}
	t.touch()
	return t
}

// Cancel fires the run's cancellation exactly once. Further calls are no-ops,
// so abort, abort-all and delete can race safely.
func (t *RunningTask) Cancel() {
	t.cancelOnce.Do(t.cancel)
}

// touch records stream liveness for the watchdog and clears a stall flag.
func (t *RunningTask) touch() {
	t.lastMessage.Store(time.Now().UnixNano())
	t.stalled.Store(false)
}

// idle reports how long the stream has been silent.
func (t *RunningTask) idle() time.Duration {
	return time.Since(time.Unix(0, t.lastMessage.Load()))
}

// Stalled reports whether the watchdog has flagged this run.
func (t *RunningTask) Stalled() bool {
	return t.stalled.Load()
}
