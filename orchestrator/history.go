package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/synaptic-labs/synapse/model"
	"github.com/synaptic-labs/synapse/state"
)

// Tool names the orchestrator expects the history server to expose.
const (
	toolSaveMessage    = "save_message"
	toolGetContext     = "get_conversation_context"
	toolSummarize      = "summarize_conversation"
	toolGenerateTitle  = "generate_title"
	toolExecutiveBrief = "generate_executive_summary"
)

// ReconstructToolHistory folds the generation's ordered tool event log into
// one execution record per toolId. Later events for the same toolId update
// the record; a complete or error event fixes its final status.
func ReconstructToolHistory(events []map[string]any) []state.ToolExecution {
	var order []string
	byID := make(map[string]*state.ToolExecution)

	for _, event := range events {
		toolID, _ := event["toolId"].(string)
		if toolID == "" {
			continue
		}
		exec, ok := byID[toolID]
		if !ok {
			exec = &state.ToolExecution{ToolID: toolID}
			byID[toolID] = exec
			order = append(order, toolID)
		}
		if name, ok := event["toolName"].(string); ok && name != "" {
			exec.ToolName = name
		}
		if status, ok := event["status"].(string); ok && status != "" {
			// A terminal status is never downgraded by a late progress event.
			if exec.Status != "complete" && exec.Status != "error" {
				exec.Status = status
			}
		}
		if params, ok := event["parameters"].(map[string]any); ok {
			exec.Parameters = params
		}
		if result, ok := event["result"]; ok {
			exec.Result = result
		}
		if errMsg, ok := event["error"].(string); ok && errMsg != "" {
			exec.Error = errMsg
		}
	}

	out := make([]state.ToolExecution, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

// messageStore persists chat messages through the history tool server.
type messageStore struct {
	tools state.ToolInvoker
	log   *slog.Logger
}

func (m *messageStore) save(ctx context.Context, meta state.ToolMeta, messageID, role, content string, executions []state.ToolExecution) {
	if m.tools == nil {
		return
	}
	args := map[string]any{
		"messageId":      messageID,
		"conversationId": meta.ConversationID,
		"role":           role,
		"content":        content,
		"toolExecutions": executionsAsPlain(executions),
	}
	if _, err := m.tools.CallTool(ctx, toolSaveMessage, args, meta); err != nil {
		m.log.Warn("message persistence failed",
			"messageId", messageID, "role", role, "error", err)
	}
}

func executionsAsPlain(executions []state.ToolExecution) []any {
	out := make([]any, 0, len(executions))
	for _, exec := range executions {
		data, err := json.Marshal(exec)
		if err != nil {
			continue
		}
		var m map[string]any
		if json.Unmarshal(data, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

// toolMemory loads conversation context through the history tool server.
type toolMemory struct {
	tools state.ToolInvoker
	log   *slog.Logger
	// maxTokens caps the requested context window; zero defers to the
	// history server's default.
	maxTokens int
}

// Context implements state.Memory. A missing or failing history tool yields
// an empty context rather than an error; a fresh conversation has none.
func (m *toolMemory) Context(ctx context.Context, conversationID string) ([]model.Message, string, error) {
	if m.tools == nil || conversationID == "" {
		return nil, "", nil
	}
	args := map[string]any{"conversationId": conversationID}
	if m.maxTokens > 0 {
		args["maxTokens"] = m.maxTokens
	}
	result, err := m.tools.CallTool(ctx, toolGetContext, args,
		state.ToolMeta{ConversationID: conversationID})
	if err != nil {
		m.log.Debug("context load failed", "conversationId", conversationID, "error", err)
		return nil, "", nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, "", nil
	}
	var decoded struct {
		Messages []model.Message `json:"messages"`
		Summary  string          `json:"summary"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, "", nil
	}
	return decoded.Messages, decoded.Summary, nil
}

var _ state.Memory = (*toolMemory)(nil)
