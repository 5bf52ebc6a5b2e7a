package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/csvanalyst/agent-server/internal/session"
	"github.com/csvanalyst/agent-server/internal/stream"
	"github.com/csvanalyst/agent-server/internal/toolerrors"
)

// turnErrorStatus maps an Orchestrator.Turn/StreamTurn error to an HTTP
// status: an unknown dataset is a client mistake (404), anything else is
// an infrastructure failure (a store write, a history read) and surfaces
// as a 500 rather than being folded into "not found".
func turnErrorStatus(err error) (int, string) {
	if errors.Is(err, session.ErrUnknownDataset) {
		return http.StatusNotFound, string(toolerrors.TypeNotFound)
	}
	return http.StatusInternalServerError, string(toolerrors.TypeRunnerInternalError)
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) listDatasets(w http.ResponseWriter, _ *http.Request) {
	descriptors := h.deps.Registry.List()
	out := make([]DatasetSummary, 0, len(descriptors))
	for _, ds := range descriptors {
		out = append(out, DatasetSummary{
			ID:          ds.ID,
			Name:        ds.Name,
			Description: ds.Description,
			Prompts:     ds.Prompts,
			VersionHash: ds.VersionHash,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) datasetSchema(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ds, ok := h.deps.Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, string(toolerrors.TypeNotFound), fmt.Sprintf("unknown dataset_id: %s", id))
		return
	}

	files := make([]FileSchema, 0, len(ds.Files))
	for _, f := range ds.Files {
		schema := make(map[string]any, len(f.Schema))
		for col, def := range f.Schema {
			schema[col] = def
		}
		samples, err := h.deps.Registry.SampleRows(f)
		if err != nil {
			writeError(w, http.StatusInternalServerError, string(toolerrors.TypeRunnerInternalError), err.Error())
			return
		}
		files = append(files, FileSchema{Name: f.Name, Path: f.Path, Schema: schema, SampleRows: samples})
	}
	writeJSON(w, http.StatusOK, files)
}

func (h *handler) chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(toolerrors.TypeValidationError), "malformed request body")
		return
	}

	resp, err := h.deps.Orchestrator.Turn(r.Context(), req.DatasetID, req.ThreadID, req.Message)
	if err != nil {
		status, errType := turnErrorStatus(err)
		writeError(w, status, errType, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) submitRun(w http.ResponseWriter, r *http.Request) {
	var req RunSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(toolerrors.TypeValidationError), "malformed request body")
		return
	}

	resp, err := h.deps.Orchestrator.Turn(r.Context(), req.DatasetID, req.ThreadID, req.Message)
	if err != nil {
		status, errType := turnErrorStatus(err)
		writeError(w, status, errType, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// chatStream upgrades POST /chat/stream to a Server-Sent Events response,
// forwarding every event the orchestrator emits for the turn. When the turn
// fails before the orchestrator sends any event, it writes error then done
// itself.
func (h *handler) chatStream(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(toolerrors.TypeValidationError), "malformed request body")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, string(toolerrors.TypeRunnerInternalError), "streaming not supported")
		return
	}

	sent := false
	sink := stream.SinkFunc(func(_ context.Context, e stream.Event) error {
		sent = true
		data, err := json.Marshal(e.Payload())
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type(), data)
		flusher.Flush()
		return nil
	})

	if err := h.deps.Orchestrator.StreamTurn(r.Context(), req.DatasetID, req.ThreadID, req.Message, sink); err != nil && !sent {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", stream.EventError, mustJSON(map[string]string{"message": err.Error()}))
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", stream.EventDone, mustJSON(map[string]string{"run_id": ""}))
		flusher.Flush()
	}
}

func (h *handler) getRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	c, err := h.deps.Capsules.Get(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, string(toolerrors.TypeNotFound), fmt.Sprintf("unknown run_id: %s", runID))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handler) getRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	c, err := h.deps.Capsules.Get(r.Context(), runID)
	if err != nil {
		writeJSON(w, http.StatusOK, RunStatusResponse{RunID: runID, Status: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, RunStatusResponse{RunID: runID, Status: c.Status})
}

func (h *handler) threadMessages(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["id"]
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}

	msgs, err := h.deps.Messages.Recent(r.Context(), threadID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(toolerrors.TypeRunnerInternalError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
