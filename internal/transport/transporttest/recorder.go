// Package transporttest provides an in-memory transport.Conn for tests.
package transporttest

import (
	"sync"

	"github.com/google/uuid"
	"github.com/mossy-p/realtime-chat/internal/models"
	"github.com/mossy-p/realtime-chat/internal/transport"
)

// Recorder records every envelope sent to it. Capacity bounds the number of
// undrained envelopes the way a real outbound buffer would; zero means
// unbounded.
type Recorder struct {
	id       string
	capacity int

	mu     sync.Mutex
	events []models.Envelope
	closed bool
}

func NewRecorder() *Recorder {
	return &Recorder{id: uuid.New().String()}
}

// NewBoundedRecorder returns a Recorder that overflows after capacity events.
func NewBoundedRecorder(capacity int) *Recorder {
	r := NewRecorder()
	r.capacity = capacity
	return r
}

func (r *Recorder) ID() string { return r.id }

func (r *Recorder) Send(env models.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return transport.ErrClosed
	}
	if r.capacity > 0 && len(r.events) >= r.capacity {
		r.closed = true
		return transport.ErrBufferFull
	}
	r.events = append(r.events, env)
	return nil
}

func (r *Recorder) TrySend(env models.Envelope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || (r.capacity > 0 && len(r.events) >= r.capacity) {
		return false
	}
	r.events = append(r.events, env)
	return true
}

func (r *Recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Events returns a copy of everything received so far.
func (r *Recorder) Events() []models.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Envelope, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the received envelopes of type t in arrival order.
func (r *Recorder) OfType(t models.EventType) []models.Envelope {
	var out []models.Envelope
	for _, env := range r.Events() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// Count returns how many envelopes of type t were received.
func (r *Recorder) Count(t models.EventType) int {
	return len(r.OfType(t))
}

// Last returns the most recent envelope of type t.
func (r *Recorder) Last(t models.EventType) (models.Envelope, bool) {
	events := r.OfType(t)
	if len(events) == 0 {
		return models.Envelope{}, false
	}
	return events[len(events)-1], true
}

// Reset forgets recorded envelopes.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
