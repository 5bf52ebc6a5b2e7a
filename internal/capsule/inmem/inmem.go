// Package inmem provides an in-memory implementation of capsule.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation (see internal/capsule/mongo).
package inmem

import (
	"context"
	"errors"
	"sync"

	"github.com/csvanalyst/agent-server/internal/capsule"
)

// Store is an in-memory implementation of capsule.Store. It is safe for
// concurrent use.
type Store struct {
	mu       sync.RWMutex
	capsules map[string]capsule.Capsule
}

// New returns an empty Store.
func New() *Store {
	return &Store{capsules: make(map[string]capsule.Capsule)}
}

// Create implements capsule.Store.
func (s *Store) Create(_ context.Context, c capsule.Capsule) error {
	if c.RunID == "" {
		return errors.New("run id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.capsules[c.RunID]; exists {
		return errors.New("capsule: run id already recorded")
	}
	s.capsules[c.RunID] = cloneCapsule(c)
	return nil
}

// Get implements capsule.Store.
func (s *Store) Get(_ context.Context, runID string) (capsule.Capsule, error) {
	if runID == "" {
		return capsule.Capsule{}, errors.New("run id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.capsules[runID]
	if !ok {
		return capsule.Capsule{}, capsule.ErrNotFound
	}
	return cloneCapsule(c), nil
}

func cloneCapsule(in capsule.Capsule) capsule.Capsule {
	out := in
	if len(in.PlanJSON) > 0 {
		out.PlanJSON = append([]byte(nil), in.PlanJSON...)
	}
	if len(in.ResultJSON) > 0 {
		out.ResultJSON = append([]byte(nil), in.ResultJSON...)
	}
	if len(in.ErrorJSON) > 0 {
		out.ErrorJSON = append([]byte(nil), in.ErrorJSON...)
	}
	return out
}
