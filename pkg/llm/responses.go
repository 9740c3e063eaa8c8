package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// responsesDriver streams from an OpenAI Responses API endpoint.
type responsesDriver struct {
	cfg        Config
	httpClient *http.Client
}

func newResponsesDriver(cfg Config) *responsesDriver {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &responsesDriver{cfg: cfg, httpClient: httpClient}
}

func (d *responsesDriver) name() string { return "responses" }

// httpStatusError carries a non-2xx response for retry classification.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("responses endpoint returned status %d: %s", e.status, e.body)
}

type responsesInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (d *responsesDriver) generate(ctx context.Context, req *Request) (*Result, error) {
	input := make([]responsesInput, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := string(m.Role)
		if m.Role == RoleTool {
			role = string(RoleUser)
		}
		input = append(input, responsesInput{Role: role, Content: m.Content})
	}
	body, err := json.Marshal(map[string]any{
		"model":  d.cfg.Model.Model,
		"input":  input,
		"stream": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode responses request: %w", err)
	}

	endpoint := strings.TrimSuffix(d.cfg.Model.BaseURL, "/") + "/responses"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build responses request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if d.cfg.Model.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.cfg.Model.APIKey)
	}

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &httpStatusError{status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}

	return d.consumeStream(resp.Body)
}

// consumeStream accumulates output_text deltas, falling back to the final
// completed payload when the server never streamed deltas.
func (d *responsesDriver) consumeStream(body io.Reader) (*Result, error) {
	var (
		content   strings.Builder
		truncated bool
		sawDelta  bool
		completed *responsesCompleted
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			event = ""
			continue
		}
		if strings.HasPrefix(line, "event:") {
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		kind := event
		var probe struct {
			Type  string `json:"type"`
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal([]byte(data), &probe); err == nil && probe.Type != "" {
			kind = probe.Type
		}

		switch kind {
		case "response.output_text.delta":
			sawDelta = true
			delta := probe.Delta
			max := d.cfg.MaxOutput
			if max > 0 && int64(content.Len()+len(delta)) > max {
				if keep := int(max) - content.Len(); keep > 0 {
					content.WriteString(delta[:keep])
				}
				truncated = true
				// Stop reading; the deferred close aborts the stream.
				return &Result{Content: content.String(), Truncated: true}, nil
			}
			content.WriteString(delta)
		case "response.completed":
			var c responsesCompleted
			if err := json.Unmarshal([]byte(data), &c); err == nil {
				completed = &c
			}
		case "response.failed", "error":
			return nil, fmt.Errorf("responses stream failed: %s", data)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if !sawDelta && completed != nil {
		content.WriteString(completed.text())
	}
	return &Result{Content: content.String(), Truncated: truncated}, nil
}

type responsesCompleted struct {
	Response struct {
		Output []struct {
			Type    string `json:"type"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
	} `json:"response"`
}

// text joins every output_text block of the final response.
func (c *responsesCompleted) text() string {
	var b strings.Builder
	for _, out := range c.Response.Output {
		for _, part := range out.Content {
			if part.Type == "output_text" {
				b.WriteString(part.Text)
			}
		}
	}
	return b.String()
}
