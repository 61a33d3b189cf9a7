package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the dispatch and tracking pipeline.
const (
	DispatchSent      = "dispatch.sent"
	DispatchFailed    = "dispatch.failed"
	DispatchCompleted = "dispatch.completed"

	DirectoryResolved = "directory.resolved"

	ConfirmationReplied   = "confirmation.replied"
	ConfirmationConfirmed = "confirmation.confirmed"
	ConfirmationTimedOut  = "confirmation.timed_out"
	ConfirmationReminded  = "confirmation.reminded"

	NotifierSent   = "notifier.sent"
	NotifierFailed = "notifier.failed"
)

// Event is an in-memory signal between components.
//
// Publish never blocks; a subscriber that falls behind loses events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Record is the common payload of pipeline events.
type Record struct {
	Round     string `json:"round,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	ChatID    int64  `json:"chat_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fan-out bus. It starts no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Emit publishes a Record event on b. A nil bus is ignored.
func Emit(b Bus, typ string, rec Record) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: rec})
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Holding the write lock excludes concurrent Publish, so close is safe.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
