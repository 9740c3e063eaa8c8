package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// defaultToolSchema declares an argument-less tool when none was provided.
var defaultToolSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// openAIDriver streams chat completions from an OpenAI-compatible API.
type openAIDriver struct {
	cfg Config
	api *openai.Client
}

func newOpenAIDriver(cfg Config) *openAIDriver {
	apiCfg := openai.DefaultConfig(cfg.Model.APIKey)
	if cfg.Model.BaseURL != "" {
		apiCfg.BaseURL = cfg.Model.BaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if wantsThinking(cfg.Model.ReasoningEnabled, cfg.Model.BaseURL, cfg.Model.Model) {
		wrapped := *httpClient
		wrapped.Transport = &thinkingTransport{base: httpClient.Transport}
		httpClient = &wrapped
	}
	apiCfg.HTTPClient = httpClient
	return &openAIDriver{cfg: cfg, api: openai.NewClientWithConfig(apiCfg)}
}

func (d *openAIDriver) name() string { return "openai" }

func (d *openAIDriver) generate(ctx context.Context, req *Request) (*Result, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    d.cfg.Model.Model,
		Messages: toChatMessages(req.Messages),
		Stream:   true,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toChatTools(req.Tools)
	}

	stream, err := d.api.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var content strings.Builder
	truncated := false
	asm := newToolCallAssembler()
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			max := d.cfg.MaxOutput
			if max > 0 && int64(content.Len()+len(delta.Content)) > max {
				if keep := int(max) - content.Len(); keep > 0 {
					content.WriteString(delta.Content[:keep])
				}
				truncated = true
				// Closing the stream aborts the rest of the response.
				break
			}
			content.WriteString(delta.Content)
		}
		asm.add(delta.ToolCalls)
	}

	return &Result{
		Content:   content.String(),
		ToolCalls: asm.calls(),
		Truncated: truncated,
	}, nil
}

// toolCallAssembler rebuilds tool calls from streamed deltas: the first
// delta of an index carries id and name, later ones append argument text.
type toolCallAssembler struct {
	byIndex  map[int]*ToolCall
	implicit int
}

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{byIndex: map[int]*ToolCall{}}
}

func (a *toolCallAssembler) add(deltas []openai.ToolCall) {
	for _, d := range deltas {
		idx := a.implicit
		if d.Index != nil {
			idx = *d.Index
		} else {
			a.implicit++
		}
		tc, ok := a.byIndex[idx]
		if !ok {
			tc = &ToolCall{}
			a.byIndex[idx] = tc
		}
		if d.ID != "" {
			tc.ID = d.ID
		}
		if d.Function.Name != "" {
			tc.Name = d.Function.Name
		}
		tc.Arguments += d.Function.Arguments
	}
}

func (a *toolCallAssembler) calls() []ToolCall {
	if len(a.byIndex) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.byIndex))
	for idx := range a.byIndex {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	out := make([]ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, *a.byIndex[idx])
	}
	return out
}

func toChatMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		if m.Role == RoleTool {
			msg.Name = m.Name
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func toChatTools(tools []ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = defaultToolSchema
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}

// wantsThinking reports whether the provider expects the Kimi style
// thinking flag on chat requests.
func wantsThinking(reasoningEnabled bool, baseURL, model string) bool {
	if !reasoningEnabled {
		return false
	}
	haystack := strings.ToLower(baseURL + " " + model)
	return strings.Contains(haystack, "moonshot") || strings.Contains(haystack, "kimi")
}

// thinkingTransport injects {"thinking":{"type":"enabled"}} into chat
// completion request bodies.
type thinkingTransport struct {
	base http.RoundTripper
}

func (t *thinkingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	if req.Body == nil || !strings.HasSuffix(req.URL.Path, "/chat/completions") {
		return base.RoundTrip(req)
	}

	raw, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err == nil {
		body["thinking"] = map[string]any{"type": "enabled"}
		if enc, err := json.Marshal(body); err == nil {
			raw = enc
		}
	}
	req.Body = io.NopCloser(bytes.NewReader(raw))
	req.ContentLength = int64(len(raw))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}
	return base.RoundTrip(req)
}
