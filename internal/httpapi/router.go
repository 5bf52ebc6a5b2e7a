package httpapi

import (
	"github.com/gorilla/mux"

	"github.com/csvanalyst/agent-server/internal/capsule"
	"github.com/csvanalyst/agent-server/internal/dataset"
	"github.com/csvanalyst/agent-server/internal/message"
	"github.com/csvanalyst/agent-server/internal/session"
)

// Dependencies holds everything the handlers need. Orchestrator does all
// the work; Registry/Capsules/Messages are exposed separately because
// /datasets, /runs/{id}, and /threads/{id}/messages read them directly
// rather than going through a turn.
type Dependencies struct {
	Orchestrator *session.Orchestrator
	Registry     *dataset.Registry
	Capsules     capsule.Store
	Messages     message.Store
}

// NewRouter builds the mux.Router implementing the HTTP surface.
func NewRouter(deps Dependencies) *mux.Router {
	h := &handler{deps: deps}
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.healthz).Methods("GET")
	r.HandleFunc("/datasets", h.listDatasets).Methods("GET")
	r.HandleFunc("/datasets/{id}/schema", h.datasetSchema).Methods("GET")
	r.HandleFunc("/chat", h.chat).Methods("POST")
	r.HandleFunc("/chat/stream", h.chatStream).Methods("POST")
	r.HandleFunc("/runs", h.submitRun).Methods("POST")
	r.HandleFunc("/runs/{id}", h.getRun).Methods("GET")
	r.HandleFunc("/runs/{id}/status", h.getRunStatus).Methods("GET")
	r.HandleFunc("/threads/{id}/messages", h.threadMessages).Methods("GET")

	return r
}

type handler struct {
	deps Dependencies
}
