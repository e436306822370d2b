package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Event types published by the delivery engine.
const (
	TypeLoopStarted   = "loop.started"
	TypeLoopStopped   = "loop.stopped"
	TypeSendOK        = "loop.send_ok"
	TypeSendRetryable = "loop.send_retryable"
	TypeGroupRemoved  = "loop.group_removed"
	TypeGroupMigrated = "loop.group_migrated"
	TypeRecoveryDone  = "loop.recovery_done"
)

// LoopEvent is the payload attached to delivery-engine events.
type LoopEvent struct {
	ChatID     int64     `json:"chat_id,omitempty"`
	NewChatID  int64     `json:"new_chat_id,omitempty"`
	CycleID    string    `json:"cycle_id,omitempty"`
	RetryCount int       `json:"retry_count,omitempty"`
	NextDue    time.Time `json:"next_due,omitempty"`
	Resumed    int       `json:"resumed,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It does not own any
// background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
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
	// Snapshot subscribers so Publish doesn't hold locks during sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; a concurrently-closed channel is survived
		// via recover (Unsubscribe may race with Publish).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
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
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
