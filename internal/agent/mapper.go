package agent

import (
	"encoding/json"
	"strings"

	"github.com/chattyhq/chatty/internal/ids"
	"github.com/chattyhq/chatty/internal/llm"
	"github.com/chattyhq/chatty/pkg/models"
)

// MapChunk converts one model chunk into public stream events.
//
// Fragments carrying a name announce a tool call and win over any text in
// the same chunk; nameless fragments are argument continuations and emit
// nothing. Reasoning text maps to thinking events, content text to content
// events.
func MapChunk(chunk llm.Chunk) []models.StreamEvent {
	var started []models.StreamEvent
	for _, frag := range chunk.ToolCalls {
		if frag.Name == "" {
			continue
		}
		started = append(started, models.NewToolCallStarted(frag.Name, parseArguments(frag.Args), frag.ID))
	}
	if len(started) > 0 {
		return started
	}
	if chunk.Reasoning != "" {
		return []models.StreamEvent{models.NewThinkingEvent(chunk.Reasoning)}
	}
	if chunk.Content != "" {
		return []models.StreamEvent{models.NewContentEvent(chunk.Content)}
	}
	return nil
}

// parseArguments parses streamed argument text into an object. Anything
// unparseable, including the empty first fragment providers send before the
// argument bytes, becomes an empty object.
func parseArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// pendingCall is a tool call under assembly from streamed fragments.
type pendingCall struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

// Accumulator folds a stream of chunks into the final assistant message:
// content concatenates append-right, tool-call fragments union keyed by call
// ID when present, falling back to the fragment index. The zero value is
// ready to use.
type Accumulator struct {
	content strings.Builder
	calls   []*pendingCall
}

// Add folds one chunk into the accumulator.
func (a *Accumulator) Add(chunk llm.Chunk) {
	a.content.WriteString(chunk.Content)
	for _, frag := range chunk.ToolCalls {
		a.addFragment(frag)
	}
}

func (a *Accumulator) addFragment(frag llm.ToolCallFragment) {
	var entry *pendingCall
	if frag.ID != "" {
		for _, c := range a.calls {
			if c.id == frag.ID {
				entry = c
				break
			}
		}
	}
	if entry == nil {
		// Index match only claims an entry whose ID cannot conflict, so two
		// distinct calls a server sends under one index stay separate.
		for _, c := range a.calls {
			if c.index == frag.Index && (frag.ID == "" || c.id == "") {
				entry = c
				break
			}
		}
	}
	if entry == nil {
		entry = &pendingCall{index: frag.Index}
		a.calls = append(a.calls, entry)
	}

	if frag.ID != "" {
		entry.id = frag.ID
	}
	if frag.Name != "" {
		entry.name = frag.Name
	}
	entry.args.WriteString(frag.Args)
}

// Message assembles the accumulated assistant message. Entries that never
// received a name are stray continuations and are dropped; calls missing an
// ID get one minted so tool results can reference them.
func (a *Accumulator) Message() models.Message {
	var calls []models.ToolCall
	for _, pc := range a.calls {
		if pc.name == "" {
			continue
		}
		id := pc.id
		if id == "" {
			id = ids.New("call")
		}
		calls = append(calls, models.ToolCall{
			ID:   id,
			Name: pc.name,
			Args: parseArguments(pc.args.String()),
		})
	}
	return models.NewAIMessage(ids.NewMessageID(), a.content.String(), calls)
}
