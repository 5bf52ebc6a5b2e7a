// Package inmem provides an in-memory implementation of message.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation (see internal/message/mongo).
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/csvanalyst/agent-server/internal/message"
)

// Store is an in-memory implementation of message.Store. It is safe for
// concurrent use.
type Store struct {
	mu       sync.RWMutex
	nextID   int64
	byThread map[string][]message.Message
}

// New returns an empty Store.
func New() *Store {
	return &Store{byThread: make(map[string][]message.Message)}
}

// Append implements message.Store.
func (s *Store) Append(_ context.Context, m message.Message) (message.Message, error) {
	if m.ThreadID == "" {
		return message.Message{}, errors.New("thread id is required")
	}
	if m.Role != message.RoleUser && m.Role != message.RoleAssistant {
		return message.Message{}, errors.New("role must be user or assistant")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	m.ID = s.nextID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.byThread[m.ThreadID] = append(s.byThread[m.ThreadID], cloneMessage(m))
	return cloneMessage(m), nil
}

// Recent implements message.Store.
func (s *Store) Recent(_ context.Context, threadID string, limit int) ([]message.Message, error) {
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.byThread[threadID]
	if len(all) <= limit {
		out := make([]message.Message, len(all))
		for i, m := range all {
			out[i] = cloneMessage(m)
		}
		return out, nil
	}

	start := len(all) - limit
	out := make([]message.Message, limit)
	for i, m := range all[start:] {
		out[i] = cloneMessage(m)
	}
	return out, nil
}

func cloneMessage(in message.Message) message.Message {
	out := in
	if len(in.Metadata) > 0 {
		out.Metadata = append([]byte(nil), in.Metadata...)
	}
	return out
}
