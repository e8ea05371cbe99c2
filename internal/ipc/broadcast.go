/**
 * CONTEXT:   Fan-out of engine events to every SubscribeEvents client
 * INPUT:     Events emitted by the service loop after each processed source
 * OUTPUT:    Best-effort delivery to each subscribed client's outbound channel
 * BUSINESS:  A single slow/stuck client must never hold up event delivery to the rest
 * CHANGE:    Initial implementation
 * RISK:      Medium - getting the drop-on-overflow policy wrong either stalls the loop or silently loses events broadly
 */

package ipc

import (
	"sync"

	"github.com/parentkiosk/shepherdd/internal/ids"
	"github.com/parentkiosk/shepherdd/pkg/events"
)

// subscriberBacklog bounds how many undelivered events a subscriber may
// accumulate before being dropped, per spec.md §4.7.
const subscriberBacklog = 64

// Broadcaster fans out events to subscribed clients' outbound channels,
// dropping (and reporting) any client whose channel is full rather than
// blocking the publisher. Grounded on the teacher's NotifyStateChange
// select{default:} pattern, generalized from one channel to N.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[ids.ClientId]chan EventFrame
}

// NewBroadcaster constructs an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[ids.ClientId]chan EventFrame)}
}

// Subscribe registers client and returns the channel its writer goroutine
// should drain.
func (b *Broadcaster) Subscribe(client ids.ClientId) <-chan EventFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan EventFrame, subscriberBacklog)
	b.subs[client] = ch
	return ch
}

// Unsubscribe removes client, closing its channel so its writer goroutine
// exits.
func (b *Broadcaster) Unsubscribe(client ids.ClientId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[client]; ok {
		close(ch)
		delete(b.subs, client)
	}
}

// Publish delivers event to every subscriber. A subscriber whose channel
// is full is dropped immediately and reported via onDrop so the caller
// can append an audit entry, per spec.md §4.7's "prefer correctness for
// fast clients over guaranteed delivery to stalled ones".
func (b *Broadcaster) Publish(event events.Event, onDrop func(ids.ClientId)) {
	frame := NewEventFrame(event)

	b.mu.Lock()
	defer b.mu.Unlock()
	for client, ch := range b.subs {
		select {
		case ch <- frame:
		default:
			close(ch)
			delete(b.subs, client)
			if onDrop != nil {
				onDrop(client)
			}
		}
	}
}
