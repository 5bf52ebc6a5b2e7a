package mongo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/csvanalyst/agent-server/internal/capsule"
)

var (
	testClient    *mongodriver.Client
	testContainer testcontainers.Container
	skipMongoITs  bool
)

// setupMongoContainer starts a throwaway mongod in a container and connects
// testClient to it. Docker's absence is not a test failure: it just means
// these integration tests are skipped in environments without it.
func setupMongoContainer(t *testing.T) {
	t.Helper()
	if testClient != nil || skipMongoITs {
		return
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForLog("Waiting for connections"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		skipMongoITs = true
		t.Skipf("docker not available, skipping mongo integration test: %v", err)
	}
	testContainer = container

	host, err := container.Host(ctx)
	if err != nil {
		skipMongoITs = true
		t.Skipf("docker not available, skipping mongo integration test: %v", err)
	}
	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		skipMongoITs = true
		t.Skipf("docker not available, skipping mongo integration test: %v", err)
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	mc, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		skipMongoITs = true
		t.Skipf("failed to connect to mongo container: %v", err)
	}
	if err := mc.Ping(ctx, nil); err != nil {
		skipMongoITs = true
		t.Skipf("failed to ping mongo container: %v", err)
	}
	testClient = mc
}

func freshTestClient(t *testing.T) Client {
	t.Helper()
	setupMongoContainer(t)
	if skipMongoITs {
		t.Skip("docker not available, skipping mongo integration test")
	}
	cl, err := New(Options{Client: testClient, Database: "csvanalyst_it", Collection: t.Name(), Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return cl
}

// TestInsertThenGet_AgainstRealMongo exercises the client against an actual
// mongod rather than the in-package fakeCollection, catching anything the
// fake's simplified filter/decode logic can't.
func TestInsertThenGet_AgainstRealMongo(t *testing.T) {
	cl := freshTestClient(t)
	c := capsule.Capsule{
		RunID:       "run-real-1",
		DatasetID:   "sales",
		Question:    "total revenue last quarter?",
		QueryMode:   capsule.ModeSQL,
		CompiledSQL: "SELECT sum(amount) FROM orders",
		Status:      capsule.StatusSucceeded,
		ResultJSON:  []byte(`{"status":"success","columns":["total"],"rows":[[1250.5]],"row_count":1}`),
		ExecTimeMs:  17,
	}
	if err := cl.InsertCapsule(context.Background(), c); err != nil {
		t.Fatalf("InsertCapsule: %v", err)
	}
	got, err := cl.GetCapsule(context.Background(), c.RunID)
	if err != nil {
		t.Fatalf("GetCapsule: %v", err)
	}
	if got.RunID != c.RunID || got.CompiledSQL != c.CompiledSQL || got.Status != c.Status {
		t.Fatalf("got = %+v, want RunID/CompiledSQL/Status matching %+v", got, c)
	}
}

// TestInsertThenGet_RoundTripsArbitraryCapsules property-tests the insert/get
// round trip against real Mongo across generated run ids, dataset ids, and
// JSON result payloads.
func TestInsertThenGet_RoundTripsArbitraryCapsules(t *testing.T) {
	cl := freshTestClient(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	seq := 0
	properties.Property("insert then get returns an equivalent capsule", prop.ForAll(
		func(suffix, datasetID, sql string, execMs int) bool {
			seq++
			runID := fmt.Sprintf("run-%d-%s", seq, suffix)
			c := capsule.Capsule{
				RunID:       runID,
				DatasetID:   datasetID,
				QueryMode:   capsule.ModeSQL,
				CompiledSQL: sql,
				Status:      capsule.StatusSucceeded,
				ExecTimeMs:  int64(execMs),
			}
			if err := cl.InsertCapsule(context.Background(), c); err != nil {
				return false
			}
			got, err := cl.GetCapsule(context.Background(), runID)
			if err != nil {
				return false
			}
			return got.RunID == c.RunID && got.DatasetID == c.DatasetID &&
				got.CompiledSQL == c.CompiledSQL && got.ExecTimeMs == c.ExecTimeMs
		},
		genNonEmptyAlphaNum(),
		genNonEmptyAlphaNum(),
		gen.AlphaString(),
		gen.IntRange(0, 60_000),
	))

	properties.TestingRun(t)
}

func genNonEmptyAlphaNum() gopter.Gen {
	return gen.AlphaString().SuchThat(func(s string) bool { return len(s) > 0 })
}
