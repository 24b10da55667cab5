// Package progress carries ordered per-upload events from the pipeline to the
// client connection that watches it.
package progress

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// EventType names an event on the wire.
type EventType string

const (
	UploadProgress   EventType = "upload_progress"
	Assembled        EventType = "assembled"
	AssemblyFailed   EventType = "assembly_failed"
	TransferProgress EventType = "transfer_progress"
	TransferComplete EventType = "transfer_complete"
	Error            EventType = "error"
)

// Event is one progress notification.
type Event struct {
	Type    EventType
	Percent int
	Speed   string
	JobID   string
	Message string
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == TransferComplete || e.Type == Error
}

// MarshalJSON emits only the fields meaningful for the event type.
func (e Event) MarshalJSON() ([]byte, error) {
	payload := map[string]any{"type": e.Type}
	switch e.Type {
	case UploadProgress:
		payload["percent"] = e.Percent
		if e.Speed != "" {
			payload["speed"] = e.Speed
		}
	case TransferProgress:
		payload["percent"] = e.Percent
		payload["jobId"] = e.JobID
	case Assembled, TransferComplete:
		payload["jobId"] = e.JobID
	case Error, AssemblyFailed:
		payload["message"] = e.Message
		if e.JobID != "" {
			payload["jobId"] = e.JobID
		}
	}
	return json.Marshal(payload)
}

// Sink receives events from a producer.
type Sink interface {
	Emit(Event)
}

// Channel is an ordered event queue with a single consumer. Emit never
// blocks. After a terminal event, or once the consumer detached, further
// events are dropped.
type Channel struct {
	mu         sync.Mutex
	pending    []Event
	signal     chan struct{}
	terminated bool
	detached   bool
	updated    time.Time
}

// NewChannel returns an empty Channel.
func NewChannel() *Channel {
	return &Channel{signal: make(chan struct{}, 1), updated: time.Now()}
}

// Emit appends e. It is a no-op when the stream ended or nobody listens.
func (c *Channel) Emit(e Event) {
	c.mu.Lock()
	if c.terminated || c.detached {
		c.mu.Unlock()
		return
	}
	c.pending = append(c.pending, e)
	c.terminated = e.Terminal()
	c.updated = time.Now()
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Next blocks until the next event is available. It returns io.EOF after the
// terminal event was delivered or the channel was detached.
func (c *Channel) Next(ctx context.Context) (Event, error) {
	for {
		c.mu.Lock()
		if c.detached {
			c.mu.Unlock()
			return Event{}, io.EOF
		}
		if len(c.pending) > 0 {
			e := c.pending[0]
			c.pending[0] = Event{}
			c.pending = c.pending[1:]
			c.mu.Unlock()
			return e, nil
		}
		if c.terminated {
			c.mu.Unlock()
			return Event{}, io.EOF
		}
		c.mu.Unlock()

		select {
		case <-c.signal:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Detach marks the consumer as gone and drops anything buffered.
func (c *Channel) Detach() {
	c.mu.Lock()
	c.detached = true
	c.pending = nil
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Done reports whether the stream reached a terminal event or lost its consumer.
func (c *Channel) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated || c.detached
}

func (c *Channel) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updated
}
