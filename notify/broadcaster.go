package notify

import (
	"sync"

	"github.com/mcp-nexus/mcp-nexus-go/internal/obslog"
)

// EventKind discriminates the payload carried by Event.
type EventKind string

const (
	KindCommandStatus    EventKind = "commandStatus"
	KindCommandHeartbeat EventKind = "commandHeartbeat"
	KindSessionRecovery  EventKind = "sessionRecovery"
)

// Event is the envelope delivered to Broadcaster subscribers; exactly
// one of the three payload fields is set, matching Kind.
type Event struct {
	Kind             EventKind
	CommandStatus    *CommandStatus
	CommandHeartbeat *CommandHeartbeat
	SessionRecovery  *SessionRecovery
}

// Broadcaster is the in-process Sink implementation: it fans each
// event out to every subscriber channel without blocking, dropping the
// event for any subscriber whose channel is full (§ Supplemented
// Features: "subscriber fan-out with non-blocking send", mirroring the
// teacher's notifications.Service.Notify).
//
// Delivery is synchronous within NotifyX: the caller's goroutine walks
// the subscriber set and sends directly, so events from one caller are
// never reordered relative to each other — satisfying §5's per-
// commandId ordering guarantee as long as the caller (the queue
// dispatcher) itself emits in order.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	closed      bool
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber and returns its event channel
// plus an unsubscribe function. The channel is buffered so a momentary
// slow consumer does not immediately start losing events.
func (b *Broadcaster) Subscribe(bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	ch := make(chan Event, bufferSize)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subscribers[ch]; ok {
				delete(b.subscribers, ch)
				close(ch)
			}
		})
	}
	return ch, unsubscribe
}

func (b *Broadcaster) publish(evt Event) {
	defer func() {
		if r := recover(); r != nil {
			obslog.Error().Interface("panic", r).Msg("notify: recovered from subscriber panic")
		}
	}()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			obslog.Warn().Str("kind", string(evt.Kind)).Msg("notify: dropping event, subscriber channel full")
		}
	}
}

func (b *Broadcaster) NotifyCommandStatus(e CommandStatus) {
	b.publish(Event{Kind: KindCommandStatus, CommandStatus: &e})
}

func (b *Broadcaster) NotifyCommandHeartbeat(e CommandHeartbeat) {
	b.publish(Event{Kind: KindCommandHeartbeat, CommandHeartbeat: &e})
}

func (b *Broadcaster) NotifySessionRecovery(e SessionRecovery) {
	b.publish(Event{Kind: KindSessionRecovery, SessionRecovery: &e})
}

// Shutdown closes every subscriber channel and marks the broadcaster
// closed; subsequent NotifyX calls are no-ops (the subscriber map is
// empty, not an error).
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = make(map[chan Event]struct{})
}

// SubscriberCount reports the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
