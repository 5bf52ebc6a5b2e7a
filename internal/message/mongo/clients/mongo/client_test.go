package mongo

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/csvanalyst/agent-server/internal/message"
)

func TestEnsureIndexes(t *testing.T) {
	fc := newFakeCollection()
	err := ensureIndexes(context.Background(), fc)
	require.NoError(t, err)
	require.Equal(t, 2, fc.indexesCreated)
}

func TestAppendMessage_AssignsSequentialIDs(t *testing.T) {
	cl := mustNewTestClient()
	ctx := context.Background()

	first, err := cl.AppendMessage(ctx, message.Message{ThreadID: "t1", Role: message.RoleUser, Content: "q1"})
	require.NoError(t, err)
	second, err := cl.AppendMessage(ctx, message.Message{ThreadID: "t1", Role: message.RoleAssistant, Content: "a1"})
	require.NoError(t, err)

	require.Equal(t, int64(1), first.ID)
	require.Equal(t, int64(2), second.ID)
	require.False(t, first.CreatedAt.IsZero())
}

func TestAppendMessage_RequiresThreadIDAndValidRole(t *testing.T) {
	cl := mustNewTestClient()
	_, err := cl.AppendMessage(context.Background(), message.Message{Role: message.RoleUser, Content: "x"})
	require.EqualError(t, err, "thread id is required")

	_, err = cl.AppendMessage(context.Background(), message.Message{ThreadID: "t1", Role: "system", Content: "x"})
	require.EqualError(t, err, "role must be user or assistant")
}

func TestRecentMessages_ReturnsAscendingOrder(t *testing.T) {
	cl := mustNewTestClient()
	ctx := context.Background()
	contents := []string{"q1", "a1", "q2", "a2", "q3", "a3"}
	for i, c := range contents {
		role := message.RoleUser
		if i%2 == 1 {
			role = message.RoleAssistant
		}
		_, err := cl.AppendMessage(ctx, message.Message{ThreadID: "t1", Role: role, Content: c})
		require.NoError(t, err)
	}

	got, err := cl.RecentMessages(ctx, "t1", 4)
	require.NoError(t, err)
	require.Len(t, got, 4)
	want := []string{"q2", "a2", "q3", "a3"}
	for i, m := range got {
		require.Equal(t, want[i], m.Content)
	}
}

func TestRecentMessages_RequiresThreadIDAndPositiveLimit(t *testing.T) {
	cl := mustNewTestClient()
	_, err := cl.RecentMessages(context.Background(), "", 5)
	require.EqualError(t, err, "thread id is required")

	_, err = cl.RecentMessages(context.Background(), "t1", 0)
	require.EqualError(t, err, "limit must be positive")
}

func mustNewTestClient() *client {
	return &client{coll: newFakeCollection(), counters: newFakeCounterStore(), timeout: time.Second}
}

type fakeCollection struct {
	mu             sync.Mutex
	indexesCreated int
	docs           []messageDocument
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{}
}

func (c *fakeCollection) InsertOne(_ context.Context, doc any) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = append(c.docs, doc.(messageDocument))
	return &mongodriver.InsertOneResult{}, nil
}

func (c *fakeCollection) FindDescending(_ context.Context, filter any, limit int) ([]messageDocument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	threadID := filter.(bson.M)["thread_id"].(string)
	var matched []messageDocument
	for _, d := range c.docs {
		if d.ThreadID == threadID {
			matched = append(matched, d)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
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

type fakeCounterStore struct {
	mu     sync.Mutex
	values map[string]int64
}

func newFakeCounterStore() *fakeCounterStore {
	return &fakeCounterStore{values: make(map[string]int64)}
}

func (s *fakeCounterStore) Next(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key]++
	return s.values[key], nil
}
