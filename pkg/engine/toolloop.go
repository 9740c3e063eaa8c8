package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/leeoohoo/mcp-subagent-router/pkg/llm"
	"github.com/leeoohoo/mcp-subagent-router/pkg/mcp"
	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

// runToolLoop drives the model-tool conversation until the model answers
// without tool calls, or the turn budget runs out. Tool calls are executed
// sequentially in the model's reply order.
func runToolLoop(ctx context.Context, client llm.Client, bridge ToolBridge, messages []llm.Message, maxTurns int, sink llm.Sink) (*llm.Result, error) {
	tools := toolDefinitions(bridge.Tools())

	for turn := 0; turn < maxTurns; turn++ {
		res, err := client.Generate(ctx, &llm.Request{Messages: messages, Tools: tools})
		if err != nil {
			return nil, err
		}
		if len(res.ToolCalls) == 0 {
			return res, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   res.Content,
			ToolCalls: res.ToolCalls,
		})
		for _, call := range res.ToolCalls {
			llm.Emit(sink, models.EventToolCall, map[string]any{
				"id":        call.ID,
				"tool":      call.Name,
				"arguments": call.Arguments,
			})
			result := invokeTool(ctx, bridge, call)
			llm.Emit(sink, models.EventToolResult, map[string]any{
				"id":     call.ID,
				"tool":   call.Name,
				"result": result,
			})
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}
	return nil, fmt.Errorf("tool loop exceeded %d turns", maxTurns)
}

// invokeTool dispatches one call to the bridge. Bridge-level refusals
// (unknown tool, malformed arguments) become an error result the model can
// read instead of aborting the loop; the bridge itself wraps transport
// errors in its result envelope.
func invokeTool(ctx context.Context, bridge ToolBridge, call llm.ToolCall) string {
	out, err := bridge.Call(ctx, call.Name, call.Arguments)
	if err != nil {
		return errorResult(err.Error())
	}
	return out
}

func errorResult(msg string) string {
	out, err := json.Marshal(struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}{Error: msg})
	if err != nil {
		return `{"ok":false,"error":"failed to encode tool result"}`
	}
	return string(out)
}

// toolDefinitions converts bridge tools into model tool declarations.
func toolDefinitions(tools []mcp.Tool) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return defs
}
