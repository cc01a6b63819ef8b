package agent

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chattyhq/chatty/internal/llm"
	"github.com/chattyhq/chatty/pkg/models"
)

// scriptedModel plays back one canned chunk script per round.
type scriptedModel struct {
	mu          sync.Mutex
	rounds      [][]llm.Chunk
	calls       int
	transcripts [][]models.Message
	bound       []llm.ToolDefinition
	startErr    error
}

func (m *scriptedModel) Stream(ctx context.Context, msgs []models.Message) (<-chan llm.Chunk, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.mu.Lock()
	snapshot := make([]models.Message, len(msgs))
	copy(snapshot, msgs)
	m.transcripts = append(m.transcripts, snapshot)
	var script []llm.Chunk
	if m.calls < len(m.rounds) {
		script = m.rounds[m.calls]
	}
	m.calls++
	m.mu.Unlock()

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		for _, chunk := range script {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (m *scriptedModel) Complete(context.Context, []models.Message) (models.Message, error) {
	return models.Message{}, errors.New("not scripted")
}

func (m *scriptedModel) BindTools(defs []llm.ToolDefinition) llm.ChatModel {
	m.bound = defs
	return m
}

// memoryHistory records appended messages for assertions.
type memoryHistory struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (h *memoryHistory) Append(_ context.Context, _, _ string, msg models.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
	return nil
}

func (h *memoryHistory) roles() []models.Role {
	h.mu.Lock()
	defer h.mu.Unlock()
	roles := make([]models.Role, len(h.msgs))
	for i, m := range h.msgs {
		roles[i] = m.Role
	}
	return roles
}

func collectEvents(t *testing.T) (EmitFunc, *[]models.StreamEvent) {
	t.Helper()
	var events []models.StreamEvent
	return func(ev models.StreamEvent) bool {
		events = append(events, ev)
		return true
	}, &events
}

func testChat() models.ChatContext {
	return models.ChatContext{
		Query:          "what is chatty",
		ConversationID: "conv_test",
		TraceID:        "trace_test",
	}
}

func TestLoopPlainAnswer(t *testing.T) {
	model := &scriptedModel{rounds: [][]llm.Chunk{{
		{Content: "Hel"},
		{Content: "lo"},
		{Done: true},
	}}}
	hist := &memoryHistory{}
	loop := NewLoop(LoopOptions{Model: model, History: hist})
	emit, events := collectEvents(t)

	if err := loop.Run(context.Background(), testChat(), emit); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if model.calls != 1 {
		t.Errorf("model calls = %d, want 1", model.calls)
	}
	if model.bound != nil {
		t.Error("tools bound with an empty registry")
	}
	if len(*events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(*events), *events)
	}
	for _, ev := range *events {
		if ev.Type != models.EventContent {
			t.Errorf("event type = %q, want content", ev.Type)
		}
	}

	roles := hist.roles()
	if len(roles) != 2 || roles[0] != models.RoleHuman || roles[1] != models.RoleAI {
		t.Fatalf("persisted roles = %v, want [human ai]", roles)
	}
	if hist.msgs[1].Content != "Hello" {
		t.Errorf("persisted answer = %q, want %q", hist.msgs[1].Content, "Hello")
	}
}

func TestLoopExecutesToolsThenContinues(t *testing.T) {
	model := &scriptedModel{rounds: [][]llm.Chunk{
		{
			{ToolCalls: []llm.ToolCallFragment{{Index: 0, ID: "call_1", Name: "echo", Args: ""}}},
			{ToolCalls: []llm.ToolCallFragment{{Index: 0, Args: `{"text":"hi"}`}}},
			{Done: true},
		},
		{
			{Content: "the tool said hi"},
			{Done: true},
		},
	}}
	hist := &memoryHistory{}
	loop := NewLoop(LoopOptions{
		Model:   model,
		Tools:   newEchoRegistry(t, time.Second),
		History: hist,
	})
	emit, events := collectEvents(t)

	if err := loop.Run(context.Background(), testChat(), emit); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if model.calls != 2 {
		t.Fatalf("model calls = %d, want 2", model.calls)
	}
	if len(model.bound) != 1 || model.bound[0].Name != "echo" {
		t.Errorf("bound tools = %+v, want echo", model.bound)
	}

	evs := *events
	if len(evs) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(evs), evs)
	}
	if evs[0].Type != models.EventToolCall || evs[0].Status != models.ToolCallStarted || evs[0].MessageID != "call_1" {
		t.Errorf("event 0 = %+v, want started tool_call", evs[0])
	}
	if evs[1].Status != models.ToolCallCompleted || evs[1].Result != "hi" || evs[1].MessageID != "call_1" {
		t.Errorf("event 1 = %+v, want completed tool_call", evs[1])
	}
	if evs[2].Type != models.EventContent || evs[2].Content != "the tool said hi" {
		t.Errorf("event 2 = %+v, want content", evs[2])
	}

	roles := hist.roles()
	want := []models.Role{models.RoleHuman, models.RoleAI, models.RoleTool, models.RoleAI}
	if len(roles) != len(want) {
		t.Fatalf("persisted roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("persisted roles = %v, want %v", roles, want)
		}
	}

	// The second round's transcript must include the tool exchange.
	second := model.transcripts[1]
	last := second[len(second)-1]
	if last.Role != models.RoleTool || last.Content != "hi" || last.ToolCallID != "call_1" {
		t.Errorf("transcript tail = %+v, want the tool result", last)
	}
}

func TestLoopToolFailureFeedsErrorBack(t *testing.T) {
	reg := NewRegistry(time.Second)
	if err := reg.Register(&stubTool{
		name:   "flaky",
		schema: []byte(`{"type":"object"}`),
		fn: func(context.Context, map[string]any) (string, error) {
			return "", errors.New("boom")
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	model := &scriptedModel{rounds: [][]llm.Chunk{
		{
			{ToolCalls: []llm.ToolCallFragment{{Index: 0, ID: "call_9", Name: "flaky", Args: "{}"}}},
			{Done: true},
		},
		{
			{Content: "sorry, that failed"},
			{Done: true},
		},
	}}
	hist := &memoryHistory{}
	loop := NewLoop(LoopOptions{Model: model, Tools: reg, History: hist})
	emit, events := collectEvents(t)

	if err := loop.Run(context.Background(), testChat(), emit); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	evs := *events
	if len(evs) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(evs), evs)
	}
	if evs[1].Status != models.ToolCallError {
		t.Errorf("event 1 status = %q, want error", evs[1].Status)
	}
	if !strings.HasPrefix(evs[1].Result, "Error: ") || !strings.Contains(evs[1].Result, "boom") {
		t.Errorf("event 1 result = %q, want Error: ...boom", evs[1].Result)
	}

	// The model sees the failure as a tool message, not a broken stream.
	second := model.transcripts[1]
	last := second[len(second)-1]
	if last.Role != models.RoleTool || !strings.HasPrefix(last.Content, "Error: ") {
		t.Errorf("transcript tail = %+v, want Error tool message", last)
	}
}

func TestLoopUnknownToolBecomesErrorResult(t *testing.T) {
	model := &scriptedModel{rounds: [][]llm.Chunk{
		{
			{ToolCalls: []llm.ToolCallFragment{{Index: 0, ID: "call_2", Name: "ghost", Args: "{}"}}},
			{Done: true},
		},
		{
			{Content: "no such tool"},
			{Done: true},
		},
	}}
	loop := NewLoop(LoopOptions{Model: model})
	emit, events := collectEvents(t)

	if err := loop.Run(context.Background(), testChat(), emit); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	evs := *events
	if len(evs) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(evs), evs)
	}
	if evs[1].Status != models.ToolCallError || !strings.Contains(evs[1].Result, "tool not found") {
		t.Errorf("event 1 = %+v, want tool-not-found error result", evs[1])
	}
}

func TestLoopRoundCapEndsSilently(t *testing.T) {
	// Every round requests another tool call; the loop must stop at the cap
	// without emitting an error event or returning an error.
	toolRound := []llm.Chunk{
		{ToolCalls: []llm.ToolCallFragment{{Index: 0, ID: "call_x", Name: "echo", Args: `{"text":"again"}`}}},
		{Done: true},
	}
	model := &scriptedModel{rounds: [][]llm.Chunk{toolRound, toolRound, toolRound, toolRound}}
	loop := NewLoop(LoopOptions{
		Model:     model,
		Tools:     newEchoRegistry(t, time.Second),
		MaxRounds: 2,
	})
	emit, events := collectEvents(t)

	if err := loop.Run(context.Background(), testChat(), emit); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if model.calls != 2 {
		t.Errorf("model calls = %d, want 2", model.calls)
	}
	for _, ev := range *events {
		if ev.Type == models.EventError {
			t.Errorf("round cap emitted an error event: %+v", ev)
		}
	}
}

func TestLoopStreamStartErrorPropagates(t *testing.T) {
	wantErr := errors.New("connection refused")
	loop := NewLoop(LoopOptions{Model: &scriptedModel{startErr: wantErr}})
	emit, _ := collectEvents(t)

	err := loop.Run(context.Background(), testChat(), emit)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Run() error = %v, want wrapped %v", err, wantErr)
	}
}

func TestLoopMidStreamErrorPropagates(t *testing.T) {
	model := &scriptedModel{rounds: [][]llm.Chunk{{
		{Content: "partial"},
		{Err: io.ErrUnexpectedEOF, Done: true},
	}}}
	loop := NewLoop(LoopOptions{Model: model})
	emit, events := collectEvents(t)

	err := loop.Run(context.Background(), testChat(), emit)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("Run() error = %v, want unexpected EOF", err)
	}
	if len(*events) != 1 {
		t.Errorf("got %d events before the failure, want 1", len(*events))
	}
}

func TestLoopPersonaLeadsTranscript(t *testing.T) {
	model := &scriptedModel{rounds: [][]llm.Chunk{{{Content: "ok"}, {Done: true}}}}
	loop := NewLoop(LoopOptions{
		Model:   model,
		Persona: func() string { return "be concise" },
	})
	emit, _ := collectEvents(t)

	chat := testChat()
	chat.History = []models.Message{models.NewHumanMessage("msg_old", "earlier question")}
	if err := loop.Run(context.Background(), chat, emit); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	transcript := model.transcripts[0]
	if len(transcript) != 3 {
		t.Fatalf("transcript length = %d, want 3", len(transcript))
	}
	if transcript[0].Role != models.RoleSystem || transcript[0].Content != "be concise" {
		t.Errorf("transcript[0] = %+v, want persona system message", transcript[0])
	}
	if transcript[1].ID != "msg_old" {
		t.Errorf("transcript[1] = %+v, want history message", transcript[1])
	}
	if transcript[2].Role != models.RoleHuman || transcript[2].Content != chat.Query {
		t.Errorf("transcript[2] = %+v, want the query", transcript[2])
	}
}

func TestLoopStopsWhenEmitReportsClientGone(t *testing.T) {
	model := &scriptedModel{rounds: [][]llm.Chunk{{
		{Content: "a"},
		{Content: "b"},
		{Content: "c"},
		{Done: true},
	}}}
	loop := NewLoop(LoopOptions{Model: model})

	var delivered int
	emit := func(models.StreamEvent) bool {
		delivered++
		return delivered < 2
	}

	err := loop.Run(context.Background(), testChat(), emit)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if delivered != 2 {
		t.Errorf("delivered = %d events, want 2", delivered)
	}
}
