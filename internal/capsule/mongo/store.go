// Package mongo implements capsule.Store on top of MongoDB.
package mongo

import (
	"context"
	"errors"

	"github.com/csvanalyst/agent-server/internal/capsule"
	clientsmongo "github.com/csvanalyst/agent-server/internal/capsule/mongo/clients/mongo"
)

// Options configures the Mongo-backed capsule store.
type Options struct {
	Client clientsmongo.Client
}

// Store implements capsule.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo instantiates the Store by constructing the underlying
// client.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

// Create implements capsule.Store.
func (s *Store) Create(ctx context.Context, c capsule.Capsule) error {
	return s.client.InsertCapsule(ctx, c)
}

// Get implements capsule.Store.
func (s *Store) Get(ctx context.Context, runID string) (capsule.Capsule, error) {
	return s.client.GetCapsule(ctx, runID)
}
