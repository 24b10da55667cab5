package progress

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrAlreadySubscribed indicates another connection already consumes the upload's events.
var ErrAlreadySubscribed = errors.New("upload events already have a subscriber")

type entry struct {
	ch         *Channel
	subscribed bool
}

// Hub owns the event channel of every upload that is still producing events.
type Hub struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{entries: make(map[string]*entry)}
}

func (h *Hub) lookup(uploadID string) *entry {
	e, ok := h.entries[uploadID]
	if !ok {
		e = &entry{ch: NewChannel()}
		h.entries[uploadID] = e
	}
	return e
}

// Emit publishes ev on the upload's channel, buffering it until a subscriber
// arrives.
func (h *Hub) Emit(uploadID string, ev Event) {
	h.mu.Lock()
	e := h.lookup(uploadID)
	h.mu.Unlock()
	e.ch.Emit(ev)
}

// Sink returns a Sink bound to uploadID.
func (h *Hub) Sink(uploadID string) Sink {
	return hubSink{hub: h, uploadID: uploadID}
}

// Subscribe attaches the caller as the single consumer of the upload's
// events. A consumer that went away may be replaced; it then receives only
// events produced from now on.
func (h *Hub) Subscribe(uploadID string) (*Channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e := h.lookup(uploadID)
	if e.subscribed {
		c := e.ch
		c.mu.Lock()
		detached := c.detached
		c.mu.Unlock()
		if !detached {
			return nil, ErrAlreadySubscribed
		}
		e.ch = NewChannel()
	}
	e.subscribed = true
	return e.ch, nil
}

// Unsubscribe is called when the consumer stops reading. Finished streams are
// dropped; unfinished ones are detached so producers become no-ops.
func (h *Hub) Unsubscribe(uploadID string, ch *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.entries[uploadID]
	if !ok || e.ch != ch {
		return
	}
	ch.mu.Lock()
	finished := ch.terminated && len(ch.pending) == 0
	ch.mu.Unlock()
	if finished {
		delete(h.entries, uploadID)
		return
	}
	ch.Detach()
}

// Len returns the number of tracked uploads.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Sweep forgets channels that saw no event for longer than olderThan and
// returns their upload ids. Live subscriptions on unfinished streams are kept.
func (h *Hub) Sweep(olderThan time.Duration) []string {
	cutoff := time.Now().Add(-olderThan)

	h.mu.Lock()
	defer h.mu.Unlock()

	var removed []string
	for id, e := range h.entries {
		if e.subscribed && !e.ch.Done() {
			continue
		}
		if e.ch.idleSince().Before(cutoff) {
			e.ch.Detach()
			delete(h.entries, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

type hubSink struct {
	hub      *Hub
	uploadID string
}

func (s hubSink) Emit(ev Event) {
	s.hub.Emit(s.uploadID, ev)
}
