package syncengine

import (
	"sync"
	"time"
)

// State is the engine lifecycle state.
type State string

const (
	StateStopped State = "stopped"
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
)

// Status is the aggregate snapshot the UI renders: badge, spinner and
// pending count come from here, never from polling the store.
type Status struct {
	State        State     `json:"state"`
	IsOnline     bool      `json:"is_online"`
	LastSyncTime time.Time `json:"last_sync_time"`
	PendingCount int       `json:"pending_count"`
	FailedCount  int       `json:"failed_count"`
}

// StatusBus is a typed publish/subscribe channel for engine status. It
// replaces broadcasting over global stringly-typed events: subscribers are
// explicit and receive the latest snapshot on subscription.
type StatusBus struct {
	mu   sync.Mutex
	subs []chan Status
	last Status
}

// NewStatusBus creates a bus with an initial stopped status.
func NewStatusBus() *StatusBus {
	return &StatusBus{last: Status{State: StateStopped}}
}

// Subscribe registers a subscriber. The current status is delivered
// immediately; later updates arrive on every publish. Slow subscribers drop
// intermediate snapshots rather than blocking the engine.
func (b *StatusBus) Subscribe() <-chan Status {
	ch := make(chan Status, 8)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	ch <- b.last
	b.mu.Unlock()
	return ch
}

// Publish fans a snapshot out to all subscribers.
func (b *StatusBus) Publish(s Status) {
	b.mu.Lock()
	b.last = s
	subs := make([]chan Status, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// Last returns the most recently published snapshot.
func (b *StatusBus) Last() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}
