// Package messagingtest provides in-memory collaborators for router tests.
package messagingtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mossy-p/realtime-chat/internal/messaging"
	"github.com/mossy-p/realtime-chat/internal/models"
)

// Members is an in-memory MembershipLookup.
type Members struct {
	mu    sync.RWMutex
	rooms map[string][]string
	Err   error
}

func NewMembers() *Members {
	return &Members{rooms: make(map[string][]string)}
}

func (m *Members) Set(roomID string, memberIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[roomID] = append([]string(nil), memberIDs...)
}

func (m *Members) Members(_ context.Context, roomID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	ids, ok := m.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", messaging.ErrNoSuchRoom, roomID)
	}
	return append([]string(nil), ids...), nil
}

// Sink records enqueued messages.
type Sink struct {
	mu       sync.Mutex
	messages []models.ChatMessage
}

func (s *Sink) Enqueue(msg models.ChatMessage) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
}

func (s *Sink) Messages() []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ChatMessage(nil), s.messages...)
}

// ErrUnavailable simulates a failing membership backend.
var ErrUnavailable = errors.New("membership backend unavailable")
