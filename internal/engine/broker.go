package engine

import (
	"sync"

	"github.com/seantiz/pipetrigger/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// EventBroker fans out invocation progress events to live subscribers.
// It is safe for concurrent use.
//
// Finished invocations keep a closed marker so that late subscribers receive
// a closed channel instead of blocking forever.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan model.EventLine
	nextID int
	closed bool
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{topics: make(map[string]*eventTopic)}
}

func (b *EventBroker) topic(invocationID string) *eventTopic {
	t, ok := b.topics[invocationID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan model.EventLine)}
		b.topics[invocationID] = t
	}
	return t
}

// Subscribe returns a channel of events for the invocation and an
// unsubscribe function. For a finished invocation the channel is already
// closed; history is served from the store instead.
func (b *EventBroker) Subscribe(invocationID string) (<-chan model.EventLine, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(invocationID)
	ch := make(chan model.EventLine, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
	}
}

// Publish delivers ev to every subscriber of its invocation, dropping it
// for subscribers whose buffers are full.
func (b *EventBroker) Publish(ev model.EventLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.InvocationID]
	if !ok || t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends the stream of an invocation. Subscriber channels are closed
// and later subscriptions get a closed channel.
func (b *EventBroker) Close(invocationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(invocationID)
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
