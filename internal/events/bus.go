package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/feature"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
)

// Type names an event kind.
type Type string

const (
	// TypeStatusChanged fires on every feature status transition.
	TypeStatusChanged Type = "status_changed"

	// TypeStreamMessage fires per provider stream message applied to a run.
	TypeStreamMessage Type = "stream_message"

	// TypePlanReady fires when a plan reaches the approval gate.
	TypePlanReady Type = "plan_ready"

	// TypeRunCompleted fires when a run reaches verification.
	TypeRunCompleted Type = "run_completed"

	// TypeRunFailed fires when a run fails with a classified error.
	TypeRunFailed Type = "run_failed"

	// TypeWatchdogStall fires when a stream goes idle beyond the window.
	TypeWatchdogStall Type = "watchdog_stall"

	// TypeSchedulerState fires on scheduler start/stop/concurrency changes.
	TypeSchedulerState Type = "scheduler_state"
)

// Event is one observable occurrence in a project.
type Event struct {
	Type      Type           `json:"type"`
	ProjectID string         `json:"project_id"`
	FeatureID string         `json:"feature_id,omitempty"`
	Status    feature.Status `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	Time      time.Time      `json:"time"`
}

// DefaultSubscriberBuffer is the channel depth handed to subscribers that
// pass 0.
const DefaultSubscriberBuffer = 64

// Bus is an in-process fan-out with non-blocking publish.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]chan Event
	dropped map[int]int
	logger  *logging.Logger
	closed  bool
}

// NewBus creates a Bus. A nil logger is replaced with a nop.
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bus{
		subs:    make(map[int]chan Event),
		dropped: make(map[int]int),
		logger:  logger,
	}
}

// Subscribe registers an observer. The returned cancel func is idempotent
// and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			// Close may have already torn the subscription down.
			if _, ok := b.subs[id]; !ok {
				return
			}
			delete(b.subs, id)
			delete(b.dropped, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking. A full
// subscriber buffer drops the event for that subscriber only.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped[id]++
			if b.dropped[id] == 1 || b.dropped[id]%100 == 0 {
				b.logger.Warn(ctx, "slow event subscriber, dropping",
					zap.Int("subscriber", id),
					zap.Int("dropped_total", b.dropped[id]),
					zap.String("event_type", string(ev.Type)),
				)
			}
		}
	}
}

// Close stops delivery and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
