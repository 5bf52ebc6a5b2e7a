// Package mongo hosts the MongoDB client used by the capsule store.
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

	"github.com/csvanalyst/agent-server/internal/capsule"
)

const (
	defaultCollection = "run_capsules"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "capsule-mongo"
)

// Client exposes Mongo-backed operations for run capsules.
type Client interface {
	health.Pinger

	InsertCapsule(ctx context.Context, c capsule.Capsule) error
	GetCapsule(ctx context.Context, runID string) (capsule.Capsule, error)
}

// Options configures the Mongo capsule client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
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
	mcoll := opts.Client.Database(opts.Database).Collection(collectionName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return &client{mongo: opts.Client, coll: wrapper, timeout: timeout}, nil
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

// InsertCapsule writes c. A duplicate run_id surfaces the unique-index
// violation as-is rather than silently overwriting: capsules are never
// mutated once recorded.
func (c *client) InsertCapsule(ctx context.Context, cap capsule.Capsule) error {
	if cap.RunID == "" {
		return errors.New("run id is required")
	}
	if cap.DatasetID == "" {
		return errors.New("dataset id is required")
	}
	doc, err := fromCapsule(cap)
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err = c.coll.InsertOne(ctx, doc)
	return err
}

func (c *client) GetCapsule(ctx context.Context, runID string) (capsule.Capsule, error) {
	if runID == "" {
		return capsule.Capsule{}, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": runID}
	var doc capsuleDocument
	if err := c.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return capsule.Capsule{}, capsule.ErrNotFound
		}
		return capsule.Capsule{}, err
	}
	return doc.toCapsule()
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

// capsuleDocument is the BSON shape run_capsules documents are stored as.
// JSON-valued fields (plan/result/error) are stored as their JSON text
// rather than decomposed BSON, mirroring the source schema's TEXT columns
// holding json.dumps output: it keeps round-tripping exact and avoids BSON
// type coercion on arbitrary result rows.
type capsuleDocument struct {
	RunID              string    `bson:"run_id"`
	CreatedAt          time.Time `bson:"created_at"`
	DatasetID          string    `bson:"dataset_id"`
	DatasetVersionHash string    `bson:"dataset_version_hash,omitempty"`
	Question           string    `bson:"question,omitempty"`
	QueryMode          string    `bson:"query_mode"`
	PlanJSON           string    `bson:"plan_json,omitempty"`
	CompiledSQL        string    `bson:"compiled_sql,omitempty"`
	PythonCode         string    `bson:"python_code,omitempty"`
	Status             string    `bson:"status"`
	ResultJSON         string    `bson:"result_json,omitempty"`
	ErrorJSON          string    `bson:"error_json,omitempty"`
	ExecTimeMs         int64     `bson:"exec_time_ms,omitempty"`
}

func fromCapsule(c capsule.Capsule) (capsuleDocument, error) {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return capsuleDocument{
		RunID:              c.RunID,
		CreatedAt:          createdAt.UTC(),
		DatasetID:          c.DatasetID,
		DatasetVersionHash: c.DatasetVersionHash,
		Question:           c.Question,
		QueryMode:          c.QueryMode,
		PlanJSON:           rawToString(c.PlanJSON),
		CompiledSQL:        c.CompiledSQL,
		PythonCode:         c.PythonCode,
		Status:             c.Status,
		ResultJSON:         rawToString(c.ResultJSON),
		ErrorJSON:          rawToString(c.ErrorJSON),
		ExecTimeMs:         c.ExecTimeMs,
	}, nil
}

func (doc capsuleDocument) toCapsule() (capsule.Capsule, error) {
	plan, err := stringToRaw(doc.PlanJSON)
	if err != nil {
		return capsule.Capsule{}, err
	}
	result, err := stringToRaw(doc.ResultJSON)
	if err != nil {
		return capsule.Capsule{}, err
	}
	errJSON, err := stringToRaw(doc.ErrorJSON)
	if err != nil {
		return capsule.Capsule{}, err
	}
	return capsule.Capsule{
		RunID:              doc.RunID,
		CreatedAt:          doc.CreatedAt,
		DatasetID:          doc.DatasetID,
		DatasetVersionHash: doc.DatasetVersionHash,
		Question:           doc.Question,
		QueryMode:          doc.QueryMode,
		PlanJSON:           plan,
		CompiledSQL:        doc.CompiledSQL,
		PythonCode:         doc.PythonCode,
		Status:             doc.Status,
		ResultJSON:         result,
		ErrorJSON:          errJSON,
		ExecTimeMs:         doc.ExecTimeMs,
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
		return nil, errors.New("capsule: stored JSON column is not valid JSON")
	}
	return json.RawMessage(s), nil
}

func ensureIndexes(ctx context.Context, coll collection) error {
	models := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "run_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "dataset_id", Value: 1}}},
	}
	_, err := coll.Indexes().CreateMany(ctx, models)
	return err
}

type collection interface {
	InsertOne(ctx context.Context, doc any) (*mongodriver.InsertOneResult, error)
	FindOne(ctx context.Context, filter any) singleResult
	Indexes() indexView
}

type indexView interface {
	CreateMany(ctx context.Context, models []mongodriver.IndexModel) ([]string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any) singleResult {
	return c.coll.FindOne(ctx, filter)
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
