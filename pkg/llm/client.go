package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

// Config selects and parameterizes a Client.
type Config struct {
	Model       models.ModelConfig
	CommandArgv []string // when set, a local command acts as the model
	TimeoutMS   int64    // per-attempt budget; <=0 no deadline
	MaxOutput   int64    // response byte cap; <=0 unbounded
	MaxAttempts int      // retry budget; <=0 uses DefaultMaxAttempts
	Sink        Sink
	HTTPClient  *http.Client // overrides the provider HTTP client
}

// driver is a single-attempt generation backend.
type driver interface {
	name() string
	generate(ctx context.Context, req *Request) (*Result, error)
}

// New builds a Client from the config: a local command when CommandArgv is
// set, the Responses API driver when the model enables it, otherwise the
// chat completions driver.
func New(cfg Config) Client {
	var d driver
	switch {
	case len(cfg.CommandArgv) > 0:
		d = &commandDriver{cfg: cfg}
	case cfg.Model.ResponsesEnabled:
		d = newResponsesDriver(cfg)
	default:
		d = newOpenAIDriver(cfg)
	}
	return &retryingClient{cfg: cfg, driver: d}
}

// retryingClient wraps a driver with the retry policy and event emission.
type retryingClient struct {
	cfg    Config
	driver driver
}

func (c *retryingClient) Generate(ctx context.Context, req *Request) (*Result, error) {
	maxAttempts := c.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	for attempt := 1; ; attempt++ {
		Emit(c.cfg.Sink, models.EventAIRequest, map[string]any{
			"driver":   c.driver.name(),
			"model":    c.cfg.Model.Model,
			"attempt":  attempt,
			"messages": len(req.Messages),
			"tools":    len(req.Tools),
		})

		attemptCtx := ctx
		var cancel context.CancelFunc
		if c.cfg.TimeoutMS > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutMS)*time.Millisecond)
		}
		res, err := c.driver.generate(attemptCtx, req)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			Emit(c.cfg.Sink, models.EventAIResponse, map[string]any{
				"attempt":    attempt,
				"content":    res.Content,
				"tool_calls": len(res.ToolCalls),
				"truncated":  res.Truncated,
			})
			return res, nil
		}

		aborted := ctx.Err() == context.Canceled
		status := HTTPStatus(err)
		Emit(c.cfg.Sink, models.EventAIError, map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
			"status":  status,
		})
		if aborted {
			return nil, ErrAborted
		}

		retry, delayMS := Decide(err, status, attempt, maxAttempts, false)
		if !retry {
			return nil, fmt.Errorf("model request failed: %w", err)
		}
		Emit(c.cfg.Sink, models.EventAIRetry, map[string]any{
			"attempt":  attempt,
			"delay_ms": delayMS,
			"error":    err.Error(),
		})
		select {
		case <-time.After(time.Duration(delayMS) * time.Millisecond):
		case <-ctx.Done():
			return nil, ErrAborted
		}
	}
}
