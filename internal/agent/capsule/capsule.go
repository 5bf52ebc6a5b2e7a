// Package capsule extracts a run capsule's fields from a completed agent
// turn trace. This is the "subtle part" of the turn engine: matching tool
// calls to their results by id, classifying status, and deciding which
// tool result (if any) is the question's actual answer versus an
// intermediate discovery step.
package capsule

import (
	"encoding/json"

	"github.com/csvanalyst/agent-server/internal/agent"
	"github.com/csvanalyst/agent-server/internal/toolerrors"
	"github.com/csvanalyst/agent-server/internal/tools"
)

// Data is everything a run capsule needs beyond its id and timestamp.
type Data struct {
	DatasetID        string
	Question         string
	QueryMode        string // "chat", "sql", "plan", or "python"
	CompiledSQL      string
	PlanJSON         json.RawMessage
	PythonCode       string
	Status           string // "succeeded", "failed", "rejected", or "timed_out"
	ResultJSON       json.RawMessage
	AssistantMessage string
}

type resultEnvelope struct {
	Status string `json:"status"`
	Error  *struct {
		Type    toolerrors.Type `json:"type"`
		Message string          `json:"message"`
	} `json:"error"`
}

// Extract walks trace in order and builds the capsule Data for (datasetID,
// question). trace is the full turn transcript RunTurn returned, including
// any replayed history — only the current turn's tool activity affects the
// result, since history never emits new tool calls or results in this
// model (only UserText/AssistantText entries come from history replay).
func Extract(trace []agent.TraceMessage, datasetID, question string) Data {
	// Phase 1: build the call-id -> tool-name map from every tool-call batch.
	toolNameByCallID := make(map[string]string)
	for _, msg := range trace {
		batch, ok := msg.(agent.AssistantToolCalls)
		if !ok {
			continue
		}
		for _, call := range batch.Calls {
			toolNameByCallID[call.ID] = call.Name
		}
	}

	data := Data{
		DatasetID: datasetID,
		Question:  question,
		QueryMode: "chat",
	}
	var lastErrorType toolerrors.Type
	var sawResult bool
	var resultStatus string

	// Phase 2: walk again, tracking the latest execution-tool inputs, the
	// latest text-only assistant reply, and the latest execution-tool
	// result.
	for _, msg := range trace {
		switch m := msg.(type) {
		case agent.AssistantToolCalls:
			for _, call := range m.Calls {
				switch call.Name {
				case "execute_sql":
					var args struct {
						SQL string `json:"sql"`
					}
					if json.Unmarshal(call.Args, &args) == nil {
						data.CompiledSQL = args.SQL
					}
					data.QueryMode = "sql"
				case "execute_query_plan":
					var args struct {
						Plan string `json:"plan"`
					}
					if json.Unmarshal(call.Args, &args) == nil && args.Plan != "" {
						var probe json.RawMessage
						if json.Unmarshal([]byte(args.Plan), &probe) == nil {
							data.PlanJSON = probe
						} else {
							data.PlanJSON = nil
						}
					}
					data.QueryMode = "plan"
				case "execute_python":
					var args struct {
						PythonCode string `json:"python_code"`
					}
					if json.Unmarshal(call.Args, &args) == nil {
						data.PythonCode = args.PythonCode
					}
					data.QueryMode = "python"
				}
			}
		case agent.AssistantText:
			if m.Text != "" {
				data.AssistantMessage = m.Text
			}
		case agent.ToolResult:
			name, ok := toolNameByCallID[m.CallID]
			if !ok || !tools.ExecutionToolNames[name] {
				continue
			}
			var env resultEnvelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				continue
			}
			data.ResultJSON = json.RawMessage(m.Payload)
			sawResult = true
			resultStatus = env.Status
			if env.Error != nil {
				lastErrorType = env.Error.Type
			} else {
				lastErrorType = ""
			}
		}
	}

	data.Status = deriveStatus(data.QueryMode, sawResult, resultStatus, lastErrorType)
	if data.AssistantMessage == "" {
		data.AssistantMessage = "Done."
	}
	return data
}

func deriveStatus(queryMode string, sawResult bool, resultStatus string, lastErrorType toolerrors.Type) string {
	if queryMode == "chat" {
		return "succeeded"
	}
	if !sawResult {
		return "succeeded"
	}
	switch {
	case resultStatus == "success":
		return "succeeded"
	case resultStatus == "timeout" || lastErrorType == toolerrors.TypeTimeout || lastErrorType == toolerrors.TypeRunnerTimeout:
		return "timed_out"
	case lastErrorType == toolerrors.TypeSQLPolicyViolation || lastErrorType == toolerrors.TypeFeatureDisabled:
		return "rejected"
	default:
		return "failed"
	}
}
