package mongo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/csvanalyst/agent-server/internal/capsule"
)

func TestEnsureIndexes(t *testing.T) {
	fc := newFakeCollection()
	err := ensureIndexes(context.Background(), fc)
	require.NoError(t, err)
	require.Equal(t, 3, fc.indexesCreated)
}

func TestInsertThenGet(t *testing.T) {
	cl := mustNewTestClient()
	c := capsule.Capsule{
		RunID:       "run-1",
		DatasetID:   "sales",
		Question:    "how many orders last week?",
		QueryMode:   capsule.ModeSQL,
		CompiledSQL: "SELECT count(*) FROM orders",
		Status:      capsule.StatusSucceeded,
		ResultJSON:  []byte(`{"status":"success","columns":["n"],"rows":[[3]],"row_count":1}`),
		ExecTimeMs:  42,
	}
	require.NoError(t, cl.InsertCapsule(context.Background(), c))

	got, err := cl.GetCapsule(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, c.RunID, got.RunID)
	require.Equal(t, c.CompiledSQL, got.CompiledSQL)
	require.JSONEq(t, string(c.ResultJSON), string(got.ResultJSON))
	require.False(t, got.CreatedAt.IsZero())
}

func TestInsert_RequiresRunIDAndDatasetID(t *testing.T) {
	cl := mustNewTestClient()
	err := cl.InsertCapsule(context.Background(), capsule.Capsule{DatasetID: "sales"})
	require.EqualError(t, err, "run id is required")
	err = cl.InsertCapsule(context.Background(), capsule.Capsule{RunID: "run-1"})
	require.EqualError(t, err, "dataset id is required")
}

func TestGet_Missing_ReturnsErrNotFound(t *testing.T) {
	cl := mustNewTestClient()
	_, err := cl.GetCapsule(context.Background(), "missing")
	require.ErrorIs(t, err, capsule.ErrNotFound)
}

func TestGet_RequiresRunID(t *testing.T) {
	cl := mustNewTestClient()
	_, err := cl.GetCapsule(context.Background(), "")
	require.EqualError(t, err, "run id is required")
}

func mustNewTestClient() *client {
	return &client{coll: newFakeCollection(), timeout: time.Second}
}

type fakeCollection struct {
	mu             sync.Mutex
	indexesCreated int
	docs           map[string]capsuleDocument
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]capsuleDocument)}
}

func (c *fakeCollection) InsertOne(_ context.Context, doc any) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := doc.(capsuleDocument)
	if _, exists := c.docs[d.RunID]; exists {
		return nil, errors.New("duplicate key: run_id")
	}
	c.docs[d.RunID] = d
	return &mongodriver.InsertOneResult{}, nil
}

func (c *fakeCollection) FindOne(_ context.Context, filter any) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	runID := filter.(bson.M)["run_id"].(string)
	doc, ok := c.docs[runID]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	copyDoc := doc
	return fakeSingleResult{doc: &copyDoc}
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{parent: c}
}

type fakeIndexView struct {
	parent *fakeCollection
}

func (v fakeIndexView) CreateMany(_ context.Context, models []mongodriver.IndexModel) ([]string, error) {
	v.parent.mu.Lock()
	defer v.parent.mu.Unlock()
	v.parent.indexesCreated += len(models)
	names := make([]string, len(models))
	for i := range models {
		names[i] = "idx"
	}
	return names, nil
}

type fakeSingleResult struct {
	doc *capsuleDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	target, ok := val.(*capsuleDocument)
	if !ok {
		return errors.New("unsupported target")
	}
	*target = *r.doc
	return nil
}
