package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chattyhq/chatty/internal/ids"
	"github.com/chattyhq/chatty/internal/observability"
	"github.com/chattyhq/chatty/pkg/models"
)

// ClientConfig configures the upstream connection.
type ClientConfig struct {
	// BaseURL overrides the API endpoint for OpenAI-compatible servers
	// (vLLM, Ollama, proxies). Empty means api.openai.com.
	BaseURL string
	// APIKey may be empty for local servers that ignore authentication.
	APIKey string
	// Model is the model name sent with every request.
	Model string
}

// Client talks to an OpenAI-compatible chat completions endpoint and decodes
// its streams into Chunks. It is safe for concurrent use; BindTools returns a
// copy so tool bindings never race with in-flight calls.
type Client struct {
	api     *openai.Client
	model   string
	tools   []openai.Tool
	metrics *observability.Metrics
}

var _ ChatModel = (*Client)(nil)

// NewClient builds a Client. metrics may be nil.
func NewClient(cfg ClientConfig, metrics *observability.Metrics) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	return &Client{
		api:     openai.NewClientWithConfig(apiCfg),
		model:   cfg.Model,
		metrics: metrics,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Stream starts a streaming completion and decodes it chunk by chunk.
//
// Tool calls arrive from the upstream as incremental fragments: the first
// delta for an index carries the call ID and function name, later deltas
// carry argument text a few bytes at a time. Fragments are passed through
// unassembled so the consumer controls accumulation. Deltas that carry no
// content, reasoning, or fragments are dropped.
func (c *Client) Stream(ctx context.Context, messages []models.Message) (<-chan Chunk, error) {
	req := c.buildRequest(messages)
	req.Stream = true

	start := time.Now()
	stream, err := c.api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		c.recordRequest("error", start)
		return nil, fmt.Errorf("starting completion stream: %w", err)
	}

	out := make(chan Chunk)
	go c.decode(ctx, stream, out, start)
	return out, nil
}

// decode consumes the upstream stream and forwards decoded chunks until EOF,
// error, or context cancellation. It owns closing both the stream and the
// output channel.
func (c *Client) decode(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- Chunk, start time.Time) {
	defer close(out)
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.recordRequest("ok", start)
				c.send(ctx, out, Chunk{Done: true})
				return
			}
			c.recordRequest("error", start)
			c.send(ctx, out, Chunk{Err: err, Done: true})
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		// ReasoningContent is the non-standard reasoning_content delta field
		// used by DeepSeek-style models and vLLM reasoning deployments.
		chunk := Chunk{Content: delta.Content, Reasoning: delta.ReasoningContent}
		for _, tc := range delta.ToolCalls {
			frag := ToolCallFragment{ID: tc.ID, Name: tc.Function.Name, Args: tc.Function.Arguments}
			if tc.Index != nil {
				frag.Index = *tc.Index
			}
			chunk.ToolCalls = append(chunk.ToolCalls, frag)
		}

		if chunk.Content == "" && chunk.Reasoning == "" && len(chunk.ToolCalls) == 0 {
			continue
		}
		if !c.send(ctx, out, chunk) {
			return
		}
	}
}

func (c *Client) send(ctx context.Context, out chan<- Chunk, chunk Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// Complete runs a single non-streaming completion.
func (c *Client) Complete(ctx context.Context, messages []models.Message) (models.Message, error) {
	req := c.buildRequest(messages)

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		c.recordRequest("error", start)
		return models.Message{}, fmt.Errorf("chat completion: %w", err)
	}
	c.recordRequest("ok", start)

	if len(resp.Choices) == 0 {
		return models.Message{}, errors.New("chat completion returned no choices")
	}
	choice := resp.Choices[0].Message
	return models.NewAIMessage(ids.NewMessageID(), choice.Content, convertAPIToolCalls(choice.ToolCalls)), nil
}

// BindTools returns a copy of the client that advertises the given tools.
// Schemas that fail to parse degrade to an empty object schema so one broken
// tool cannot take down the rest.
func (c *Client) BindTools(defs []ToolDefinition) ChatModel {
	bound := *c
	bound.tools = make([]openai.Tool, len(defs))
	for i, def := range defs {
		var params map[string]any
		if err := json.Unmarshal(def.Schema, &params); err != nil || params == nil {
			params = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		bound.tools[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		}
	}
	return &bound
}

func (c *Client) buildRequest(messages []models.Message) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: convertMessages(messages),
	}
	if len(c.tools) > 0 {
		req.Tools = c.tools
	}
	return req
}

func (c *Client) recordRequest(status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordModelRequest(c.model, status, time.Since(start).Seconds())
}

// convertMessages translates transcript messages into the upstream format.
// Tool results become role "tool" messages linked by tool_call_id; assistant
// tool calls carry their arguments re-marshaled as JSON text.
func convertMessages(messages []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		case models.RoleHuman:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		case models.RoleAI:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Args)
				if err != nil {
					args = []byte("{}")
				}
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, m)
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				Name:       msg.Name,
				ToolCallID: msg.ToolCallID,
			})
		}
	}
	return out
}

// convertAPIToolCalls parses completed tool calls from a non-streaming
// response. Unparseable argument text degrades to an empty object.
func convertAPIToolCalls(calls []openai.ToolCall) []models.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]models.ToolCall, 0, len(calls))
	for _, tc := range calls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{}
			}
		}
		out = append(out, models.ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}
	return out
}
