// Package llm wraps the upstream OpenAI-compatible API behind a small
// streaming interface. The client decodes completion streams into domain
// chunks without interpreting them; accumulation and event mapping belong to
// the agent layer. GatedModel layers the model-slot semaphore onto any
// ChatModel so concurrency limits hold no matter which call path is used.
package llm

import (
	"context"
	"encoding/json"

	"github.com/chattyhq/chatty/pkg/models"
)

// ToolCallFragment is one incremental piece of a streamed tool call. The
// upstream splits a call across many deltas: the first fragment for an index
// carries the ID and function name, later fragments append raw argument text.
// Fragments are forwarded as received; callers fold them by ID or index.
type ToolCallFragment struct {
	Index int
	ID    string
	Name  string
	Args  string
}

// Chunk is one decoded unit of a completion stream.
//
// Exactly one of the payload fields is normally set per chunk. Done marks the
// end of the stream; when Err is non-nil the stream failed and Done is also
// set. Reasoning carries the reasoning_content delta emitted by
// reasoning-capable models, which plain OpenAI decoders discard.
type Chunk struct {
	Content   string
	Reasoning string
	ToolCalls []ToolCallFragment
	Done      bool
	Err       error
}

// ToolDefinition describes one callable tool in the form the upstream API
// expects: a name, a natural-language description, and a JSON Schema for the
// arguments object.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ChatModel is the surface the agent loop programs against. Implementations
// must be safe for concurrent use; each Stream call owns an independent
// channel that is closed when the stream ends.
type ChatModel interface {
	// Stream starts a streaming completion over the given transcript and
	// returns a channel of decoded chunks. The channel is closed after the
	// Done chunk. Errors that prevent the stream from starting are returned
	// directly; errors mid-stream arrive as a chunk with Err set.
	Stream(ctx context.Context, messages []models.Message) (<-chan Chunk, error)

	// Complete runs a non-streaming completion and returns the assistant
	// message. Used by the pre-warmer and anywhere token-level delivery is
	// not needed.
	Complete(ctx context.Context, messages []models.Message) (models.Message, error)

	// BindTools returns a model whose subsequent completions advertise the
	// given tools. The receiver is not modified.
	BindTools(defs []ToolDefinition) ChatModel
}
