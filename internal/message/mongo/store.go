// Package mongo implements message.Store on top of MongoDB.
package mongo

import (
	"context"
	"errors"

	"github.com/csvanalyst/agent-server/internal/message"
	clientsmongo "github.com/csvanalyst/agent-server/internal/message/mongo/clients/mongo"
)

// Options configures the Mongo-backed message store.
type Options struct {
	Client clientsmongo.Client
}

// Store implements message.Store by delegating to the Mongo client.
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

// Append implements message.Store.
func (s *Store) Append(ctx context.Context, m message.Message) (message.Message, error) {
	return s.client.AppendMessage(ctx, m)
}

// Recent implements message.Store.
func (s *Store) Recent(ctx context.Context, threadID string, limit int) ([]message.Message, error) {
	return s.client.RecentMessages(ctx, threadID, limit)
}
