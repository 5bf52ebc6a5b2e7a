package dockerexec

import (
	"encoding/json"
	"testing"

	"github.com/csvanalyst/agent-server/internal/sandbox"
)

func TestMarshalPayload_FillsDefaults(t *testing.T) {
	raw, err := marshalPayload(sandbox.Payload{DatasetID: "d", QueryType: sandbox.ModeSQL, SQL: "select 1"})
	if err != nil {
		t.Fatalf("marshalPayload() error = %v", err)
	}
	var decoded sandbox.Payload
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if decoded.MaxRows != 200 {
		t.Fatalf("MaxRows = %d, want default 200", decoded.MaxRows)
	}
	if decoded.MaxOutputBytes != 65536 {
		t.Fatalf("MaxOutputBytes = %d, want default 65536", decoded.MaxOutputBytes)
	}
}

func TestMarshalPayload_PreservesExplicitValues(t *testing.T) {
	raw, err := marshalPayload(sandbox.Payload{DatasetID: "d", MaxRows: 5, MaxOutputBytes: 1024})
	if err != nil {
		t.Fatalf("marshalPayload() error = %v", err)
	}
	var decoded sandbox.Payload
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if decoded.MaxRows != 5 || decoded.MaxOutputBytes != 1024 {
		t.Fatalf("marshalPayload() overwrote explicit values: %+v", decoded)
	}
}

func TestNew_NeverFailsWithoutDaemon(t *testing.T) {
	// New must not panic or error even when no Docker SDK transport is
	// available in the test environment; checkAvailable, not New, carries
	// the connectivity requirement.
	e := New(Config{RunnerImage: "csv-analyst-runner:test", DatasetsDir: "/tmp", TimeoutSeconds: 10})
	if e == nil {
		t.Fatal("New() returned nil")
	}
	if st, _ := e.GetStatus(nil, "missing"); st.Status != sandbox.StatusNotFound { //nolint:staticcheck
		t.Fatalf("GetStatus(missing) = %+v, want not_found", st)
	}
}
