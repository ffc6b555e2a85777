// Package progress fans stage-level progress events out to live subscribers
// keyed by execution id.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/timmy/playermarket/internal/metrics"
)

// EventType names a progress event.
type EventType string

const (
	EventSyncStarted    EventType = "sync_started"
	EventStageStarted   EventType = "stage_started"
	EventStageProgress  EventType = "stage_progress"
	EventStageCompleted EventType = "stage_completed"
	EventStageFailed    EventType = "stage_failed"
	EventSyncCompleted  EventType = "sync_completed"
	EventSyncFailed     EventType = "sync_failed"
	EventSyncCancelled  EventType = "sync_cancelled"
)

// IsTerminal reports whether no further events follow for the execution.
func (t EventType) IsTerminal() bool {
	return t == EventSyncCompleted || t == EventSyncFailed || t == EventSyncCancelled
}

// Wildcard subscribes to every execution.
const Wildcard = "*"

// Event is one progress update.
type Event struct {
	Type             EventType `json:"type"`
	ExecutionID      string    `json:"executionId"`
	SyncType         string    `json:"syncType,omitempty"`
	Stage            string    `json:"stage,omitempty"`
	StageIndex       int       `json:"stageIndex,omitempty"`
	TotalStages      int       `json:"totalStages,omitempty"`
	Page             int       `json:"page,omitempty"`
	RecordsProcessed int       `json:"recordsProcessed"`
	RecordsFailed    int       `json:"recordsFailed"`
	Message          string    `json:"message,omitempty"`
	Error            string    `json:"error,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Publisher is the write side used by the orchestrator and stages.
type Publisher interface {
	Publish(ev Event)
}

// Subscription is a live registration. C is closed once the subscription is removed.
type Subscription struct {
	C <-chan Event

	id          uint64
	executionID string
	ch          chan Event
	done        chan struct{}
	once        sync.Once
	b           *Broadcaster
}

// ExecutionID returns the execution the subscription listens to.
func (s *Subscription) ExecutionID() string {
	return s.executionID
}

// Done is closed when the subscription has been removed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close removes the subscription. Calling it more than once is a no-op.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.remove(s)
		close(s.done)
	})
}

// Broadcaster is an in-process pub/sub hub.
type Broadcaster struct {
	mu          sync.RWMutex
	subs        map[string]map[uint64]*Subscription
	nextID      uint64
	maxLifetime time.Duration
	bufferSize  int
	metrics     *metrics.Metrics
}

// Options configures a Broadcaster.
type Options struct {
	MaxLifetime time.Duration // upper bound on any subscription; 0 means 10 minutes
	BufferSize  int           // per-subscriber buffer; full buffers drop events
	Metrics     *metrics.Metrics
}

// NewBroadcaster creates a hub.
func NewBroadcaster(opts Options) *Broadcaster {
	if opts.MaxLifetime <= 0 {
		opts.MaxLifetime = 10 * time.Minute
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64
	}
	return &Broadcaster{
		subs:        make(map[string]map[uint64]*Subscription),
		maxLifetime: opts.MaxLifetime,
		bufferSize:  opts.BufferSize,
		metrics:     opts.Metrics,
	}
}

// Subscribe registers a subscriber for executionID (or Wildcard). The
// subscription is removed when ctx is done, when Close is called, or when the
// maximum lifetime elapses, whichever comes first.
func (b *Broadcaster) Subscribe(ctx context.Context, executionID string) *Subscription {
	ch := make(chan Event, b.bufferSize)
	s := &Subscription{
		C:           ch,
		executionID: executionID,
		ch:          ch,
		done:        make(chan struct{}),
		b:           b,
	}

	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	if b.subs[executionID] == nil {
		b.subs[executionID] = make(map[uint64]*Subscription)
	}
	b.subs[executionID][s.id] = s
	count := b.countLocked()
	b.mu.Unlock()
	b.metrics.SetProgressSubscribers(count)

	go func() {
		timer := time.NewTimer(b.maxLifetime)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			s.Close()
		case <-timer.C:
			s.Close()
		case <-s.done:
		}
	}()

	return s
}

// SubscribeFunc calls fn for every event of executionID until the returned
// unsubscribe function runs or the subscription expires.
func (b *Broadcaster) SubscribeFunc(ctx context.Context, executionID string, fn func(Event)) (unsubscribe func()) {
	s := b.Subscribe(ctx, executionID)
	go func() {
		for ev := range s.C {
			fn(ev)
		}
	}()
	return s.Close
}

// Publish delivers ev to every subscriber of its execution id and to wildcard
// subscribers. Delivery never blocks; a full subscriber misses the event.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	deliver := func(subs map[uint64]*Subscription) {
		for _, s := range subs {
			select {
			case s.ch <- ev:
			default:
				b.metrics.IncProgressDropped()
			}
		}
	}
	deliver(b.subs[ev.ExecutionID])
	if ev.ExecutionID != Wildcard {
		deliver(b.subs[Wildcard])
	}
}

// Count returns the number of live subscriptions.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.countLocked()
}

// Close removes every subscription.
func (b *Broadcaster) Close() {
	b.mu.RLock()
	var all []*Subscription
	for _, subs := range b.subs {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	b.mu.RUnlock()
	for _, s := range all {
		s.Close()
	}
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	if subs, ok := b.subs[s.executionID]; ok {
		if _, ok := subs[s.id]; ok {
			delete(subs, s.id)
			close(s.ch)
		}
		if len(subs) == 0 {
			delete(b.subs, s.executionID)
		}
	}
	count := b.countLocked()
	b.mu.Unlock()
	b.metrics.SetProgressSubscribers(count)
}

func (b *Broadcaster) countLocked() int {
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// Discard is a Publisher that drops every event.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Event) {}
