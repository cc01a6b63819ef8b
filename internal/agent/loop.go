package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/chattyhq/chatty/internal/ids"
	"github.com/chattyhq/chatty/internal/llm"
	"github.com/chattyhq/chatty/internal/observability"
	"github.com/chattyhq/chatty/pkg/models"
)

const defaultMaxRounds = 3

// EmitFunc delivers one event to the client. It returns false once the
// client is gone, which stops the loop.
type EmitFunc func(models.StreamEvent) bool

// HistoryWriter persists transcript messages as the loop produces them.
// Appends are idempotent on message ID.
type HistoryWriter interface {
	Append(ctx context.Context, conversationID, traceID string, msg models.Message) error
}

// LoopOptions configures a Loop. Model and Tools are required; everything
// else may be nil or zero.
type LoopOptions struct {
	Model     llm.ChatModel
	Tools     *Registry
	History   HistoryWriter
	Persona   func() string
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	MaxRounds int
}

// Loop drives the multi-round conversation with the model. Each round
// streams one completion; rounds continue while the model requests tools, up
// to MaxRounds model calls. Hitting the cap ends the stream without an error
// so partial answers still reach the client.
type Loop struct {
	model     llm.ChatModel
	tools     *Registry
	history   HistoryWriter
	persona   func() string
	logger    *observability.Logger
	metrics   *observability.Metrics
	maxRounds int
}

// NewLoop builds a Loop from options.
func NewLoop(opts LoopOptions) *Loop {
	maxRounds := opts.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}
	if opts.Tools == nil {
		opts.Tools = NewRegistry(0)
	}
	return &Loop{
		model:     opts.Model,
		tools:     opts.Tools,
		history:   opts.History,
		persona:   opts.Persona,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		maxRounds: maxRounds,
	}
}

// Run executes one chat turn: persona and history plus the user's query go
// to the model, chunks stream out through emit, and tool rounds repeat until
// the model answers without tool calls or the round cap is hit. Errors that
// end the stream are returned for the transport to classify; a false emit
// (client gone) returns context.Canceled.
func (l *Loop) Run(ctx context.Context, chat models.ChatContext, emit EmitFunc) error {
	human := models.NewHumanMessage(ids.NewMessageID(), chat.Query)
	l.persist(ctx, chat, human)

	messages := make([]models.Message, 0, len(chat.History)+2)
	if l.persona != nil {
		if prompt := l.persona(); prompt != "" {
			messages = append(messages, models.NewSystemMessage(ids.NewMessageID(), prompt))
		}
	}
	messages = append(messages, chat.History...)
	messages = append(messages, human)

	model := l.model
	if l.tools != nil {
		if defs := l.tools.List(); len(defs) > 0 {
			model = model.BindTools(defs)
		}
	}

	for round := 0; round < l.maxRounds; round++ {
		chunks, err := model.Stream(ctx, messages)
		if err != nil {
			return fmt.Errorf("model stream (round %d): %w", round+1, err)
		}

		var acc Accumulator
		for chunk := range chunks {
			if chunk.Err != nil {
				return fmt.Errorf("model stream (round %d): %w", round+1, chunk.Err)
			}
			acc.Add(chunk)
			for _, event := range MapChunk(chunk) {
				if !emit(event) {
					return context.Canceled
				}
			}
		}

		ai := acc.Message()
		if len(ai.ToolCalls) == 0 {
			if ai.Content != "" {
				l.persist(ctx, chat, ai)
			}
			return nil
		}
		l.persist(ctx, chat, ai)
		messages = append(messages, ai)

		for _, call := range ai.ToolCalls {
			result, failed := l.executeTool(ctx, chat, call)
			toolMsg := models.NewToolMessage(ids.NewMessageID(), result, call.ID, call.Name)
			l.persist(ctx, chat, toolMsg)
			messages = append(messages, toolMsg)

			event := models.NewToolCallCompleted(call.Name, result, call.ID)
			if failed {
				event = models.NewToolCallError(call.Name, result, call.ID)
			}
			if !emit(event) {
				return context.Canceled
			}
		}

		if round == l.maxRounds-1 && l.logger != nil {
			l.logger.Warn(ctx, "tool round cap reached, ending turn",
				"max_rounds", l.maxRounds,
				"conversation_id", chat.ConversationID,
			)
		}
	}
	return nil
}

// executeTool runs one tool call and renders its outcome as the transcript
// text the model will see next round. Failures never abort the turn; the
// model gets "Error: ..." and decides what to do with it.
func (l *Loop) executeTool(ctx context.Context, chat models.ChatContext, call models.ToolCall) (result string, failed bool) {
	start := time.Now()
	out, err := l.tools.Execute(ctx, call.Name, call.Args)
	if err != nil {
		l.recordTool(call.Name, "error", start)
		if l.logger != nil {
			l.logger.Warn(ctx, "tool execution failed",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"conversation_id", chat.ConversationID,
				"error", err,
			)
		}
		return "Error: " + err.Error(), true
	}
	l.recordTool(call.Name, "ok", start)
	return out, false
}

func (l *Loop) recordTool(name, status string, start time.Time) {
	if l.metrics == nil {
		return
	}
	l.metrics.RecordToolCall(name, status, time.Since(start).Seconds())
}

// persist writes one message through the history writer. Persistence is best
// effort: a failed append is logged and the turn continues.
func (l *Loop) persist(ctx context.Context, chat models.ChatContext, msg models.Message) {
	if l.history == nil {
		return
	}
	if err := l.history.Append(ctx, chat.ConversationID, chat.TraceID, msg); err != nil && l.logger != nil {
		l.logger.Warn(ctx, "failed to persist message",
			"conversation_id", chat.ConversationID,
			"message_id", msg.ID,
			"role", string(msg.Role),
			"error", err,
		)
	}
}
