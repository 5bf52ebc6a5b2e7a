package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/csvanalyst/agent-server/internal/capsule"
)

func TestCreateThenGet_RoundTrips(t *testing.T) {
	store := New()
	ctx := context.Background()
	c := capsule.Capsule{
		RunID:     "run-1",
		CreatedAt: time.Now().UTC(),
		DatasetID: "sales",
		QueryMode: capsule.ModeSQL,
		Status:    capsule.StatusSucceeded,
	}
	if err := store.Create(ctx, c); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DatasetID != "sales" || got.Status != capsule.StatusSucceeded {
		t.Fatalf("got = %+v", got)
	}
}

func TestGet_UnknownRunID_ReturnsErrNotFound(t *testing.T) {
	store := New()
	if _, err := store.Get(context.Background(), "missing"); err != capsule.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreate_DuplicateRunID_Rejected(t *testing.T) {
	store := New()
	ctx := context.Background()
	c := capsule.Capsule{RunID: "run-1", DatasetID: "sales", QueryMode: capsule.ModeChat, Status: capsule.StatusSucceeded}
	if err := store.Create(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(ctx, c); err == nil {
		t.Fatal("expected error for duplicate run id")
	}
}

func TestCreate_MutatingCallerCopyAfterCreate_DoesNotAffectStore(t *testing.T) {
	store := New()
	ctx := context.Background()
	c := capsule.Capsule{RunID: "run-1", DatasetID: "sales", QueryMode: capsule.ModeChat, Status: capsule.StatusSucceeded, PlanJSON: []byte(`{"a":1}`)}
	if err := store.Create(ctx, c); err != nil {
		t.Fatal(err)
	}
	c.PlanJSON[2] = 'X'
	got, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.PlanJSON) != `{"a":1}` {
		t.Fatalf("PlanJSON was mutated via aliasing: %s", got.PlanJSON)
	}
}
