// Package mongo hosts the MongoDB client used by the message store.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/csvanalyst/agent-server/internal/message"
)

const (
	defaultCollection = "thread_messages"
	countersName      = "thread_messages_counters"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "message-mongo"
	sequenceKey       = "thread_messages"
)

// Client exposes Mongo-backed operations for thread messages.
type Client interface {
	health.Pinger

	AppendMessage(ctx context.Context, m message.Message) (message.Message, error)
	RecentMessages(ctx context.Context, threadID string, limit int) ([]message.Message, error)
}

// Options configures the Mongo message client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	coll     collection
	counters counterStore
	timeout  time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collectionName := opts.Collection
	if collectionName == "" {
		collectionName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	mcoll := db.Collection(collectionName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	counters := mongoCounterStore{coll: db.Collection(countersName)}
	return &client{mongo: opts.Client, coll: wrapper, counters: counters, timeout: timeout}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

// AppendMessage inserts m after assigning it the next sequence value for
// its thread collection.
func (c *client) AppendMessage(ctx context.Context, m message.Message) (message.Message, error) {
	if m.ThreadID == "" {
		return message.Message{}, errors.New("thread id is required")
	}
	if m.Role != message.RoleUser && m.Role != message.RoleAssistant {
		return message.Message{}, errors.New("role must be user or assistant")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	id, err := c.counters.Next(ctx, sequenceKey)
	if err != nil {
		return message.Message{}, err
	}
	m.ID = id
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	doc, err := fromMessage(m)
	if err != nil {
		return message.Message{}, err
	}
	if _, err := c.coll.InsertOne(ctx, doc); err != nil {
		return message.Message{}, err
	}
	return m, nil
}

// RecentMessages returns up to limit messages for threadID in ascending
// order: it queries the latest limit rows by id descending, then reverses
// them in memory.
func (c *client) RecentMessages(ctx context.Context, threadID string, limit int) ([]message.Message, error) {
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	docs, err := c.coll.FindDescending(ctx, bson.M{"thread_id": threadID}, limit)
	if err != nil {
		return nil, err
	}
	out := make([]message.Message, len(docs))
	for i, doc := range docs {
		m, err := doc.toMessage()
		if err != nil {
			return nil, err
		}
		out[len(docs)-1-i] = m
	}
	return out, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// messageDocument is the BSON shape thread_messages documents are stored
// as. Metadata is kept as JSON text, matching the source schema's TEXT
// column holding json.dumps output.
type messageDocument struct {
	ID        int64     `bson:"id"`
	ThreadID  string    `bson:"thread_id"`
	CreatedAt time.Time `bson:"created_at"`
	DatasetID string    `bson:"dataset_id,omitempty"`
	Role      string    `bson:"role"`
	Content   string    `bson:"content"`
	RunID     string    `bson:"run_id,omitempty"`
	Metadata  string    `bson:"metadata_json,omitempty"`
}

func fromMessage(m message.Message) (messageDocument, error) {
	return messageDocument{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		CreatedAt: m.CreatedAt.UTC(),
		DatasetID: m.DatasetID,
		Role:      m.Role,
		Content:   m.Content,
		RunID:     m.RunID,
		Metadata:  rawToString(m.Metadata),
	}, nil
}

func (doc messageDocument) toMessage() (message.Message, error) {
	meta, err := stringToRaw(doc.Metadata)
	if err != nil {
		return message.Message{}, err
	}
	return message.Message{
		ID:        doc.ID,
		ThreadID:  doc.ThreadID,
		CreatedAt: doc.CreatedAt,
		DatasetID: doc.DatasetID,
		Role:      doc.Role,
		Content:   doc.Content,
		RunID:     doc.RunID,
		Metadata:  meta,
	}, nil
}

func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}

func stringToRaw(s string) (json.RawMessage, error) {
	if s == "" {
		return nil, nil
	}
	if !json.Valid([]byte(s)) {
		return nil, errors.New("message: stored metadata column is not valid JSON")
	}
	return json.RawMessage(s), nil
}

func ensureIndexes(ctx context.Context, coll collection) error {
	models := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "thread_id", Value: 1}}},
		{Keys: bson.D{{Key: "thread_id", Value: 1}, {Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
	}
	_, err := coll.Indexes().CreateMany(ctx, models)
	return err
}

type collection interface {
	InsertOne(ctx context.Context, doc any) (*mongodriver.InsertOneResult, error)
	FindDescending(ctx context.Context, filter any, limit int) ([]messageDocument, error)
	Indexes() indexView
}

type indexView interface {
	CreateMany(ctx context.Context, models []mongodriver.IndexModel) ([]string, error)
}

type counterStore interface {
	Next(ctx context.Context, key string) (int64, error)
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc)
}

func (c mongoCollection) FindDescending(ctx context.Context, filter any, limit int) ([]messageDocument, error) {
	opts := options.Find().SetSort(bson.D{{Key: "id", Value: -1}}).SetLimit(int64(limit))
	cur, err := c.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var docs []messageDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateMany(ctx context.Context, models []mongodriver.IndexModel) ([]string, error) {
	return v.view.CreateMany(ctx, models)
}

type counterDocument struct {
	Key   string `bson:"_id"`
	Value int64  `bson:"value"`
}

type mongoCounterStore struct {
	coll *mongodriver.Collection
}

func (s mongoCounterStore) Next(ctx context.Context, key string) (int64, error) {
	upsert := true
	after := options.After
	opts := &options.FindOneAndUpdateOptions{Upsert: &upsert, ReturnDocument: &after}
	res := s.coll.FindOneAndUpdate(ctx, bson.M{"_id": key}, bson.M{"$inc": bson.M{"value": int64(1)}}, opts)
	var doc counterDocument
	if err := res.Decode(&doc); err != nil {
		return 0, err
	}
	return doc.Value, nil
}
