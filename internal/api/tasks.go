package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/eladberg/relay/internal/llm"
)

// StructuredCompleter produces schema-validated JSON completions.
// *llm.Client satisfies it; nil disables the task endpoint.
type StructuredCompleter interface {
	Structured(ctx context.Context, messages []llm.Message, schema *jsonschema.Schema, out any) error
}

// TaskItem is one action item extracted from free text.
type TaskItem struct {
	Title    string `json:"title"`
	Priority string `json:"priority,omitempty"`
	Due      string `json:"due,omitempty"`
}

// taskList is the schema root the model must produce.
type taskList struct {
	Tasks []TaskItem `json:"tasks"`
}

// taskListSchema is built once; jsonschema.For is deterministic for a
// fixed type.
var taskListSchema = func() *jsonschema.Schema {
	schema, err := jsonschema.For[taskList](nil)
	if err != nil {
		panic(err)
	}
	return schema
}()

const taskExtractionPrompt = "Extract action items from the user's text. " +
	"Respond with JSON only: {\"tasks\": [{\"title\": ..., \"priority\": ..., \"due\": ...}]}. " +
	"Use priority values low, medium or high. Omit fields you cannot infer. " +
	"Return {\"tasks\": []} when there are no action items."

// handleTaskExtract turns free text into a structured task list via a
// schema-validated completion.
func (s *Server) handleTaskExtract(w http.ResponseWriter, r *http.Request) {
	if s.extractor == nil {
		errorResponse(w, http.StatusNotFound, "task extraction disabled")
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}

	var out taskList
	err := s.extractor.Structured(r.Context(), []llm.Message{
		{Role: llm.RoleSystem, Content: taskExtractionPrompt},
		{Role: llm.RoleUser, Content: req.Text},
	}, taskListSchema, &out)
	if err != nil {
		s.logger.Warn("task extraction failed", "error", err)
		errorResponse(w, http.StatusBadGateway, "task extraction failed")
		return
	}

	if out.Tasks == nil {
		out.Tasks = []TaskItem{}
	}
	writeJSON(w, http.StatusOK, out)
}
