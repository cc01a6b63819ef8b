package llm

import (
	"context"

	"github.com/chattyhq/chatty/internal/gate"
	"github.com/chattyhq/chatty/pkg/models"
)

// GatedModel wraps a ChatModel so every upstream call first acquires a model
// slot and releases it when the call finishes. The slot covers exactly one
// completion: a streaming slot is returned as soon as the stream drains, so
// it is never held across tool execution between rounds.
type GatedModel struct {
	inner ChatModel
	slots *gate.Semaphore
}

var _ ChatModel = (*GatedModel)(nil)

// NewGatedModel wraps inner with the given semaphore.
func NewGatedModel(inner ChatModel, slots *gate.Semaphore) *GatedModel {
	return &GatedModel{inner: inner, slots: slots}
}

// Stream acquires a slot, starts the inner stream, and forwards its chunks.
// The slot is released when the inner stream closes, errors, or the context
// is cancelled, whichever happens first.
func (g *GatedModel) Stream(ctx context.Context, messages []models.Message) (<-chan Chunk, error) {
	if err := g.slots.Acquire(ctx); err != nil {
		return nil, err
	}

	chunks, err := g.inner.Stream(ctx, messages)
	if err != nil {
		_ = g.slots.Release(ctx)
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer func() { _ = g.slots.Release(ctx) }()
		for chunk := range chunks {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Complete acquires a slot for the duration of one non-streaming completion.
func (g *GatedModel) Complete(ctx context.Context, messages []models.Message) (models.Message, error) {
	if err := g.slots.Acquire(ctx); err != nil {
		return models.Message{}, err
	}
	defer func() { _ = g.slots.Release(ctx) }()
	return g.inner.Complete(ctx, messages)
}

// BindTools binds tools on the inner model and re-wraps the result so the
// bound model stays gated.
func (g *GatedModel) BindTools(defs []ToolDefinition) ChatModel {
	return &GatedModel{inner: g.inner.BindTools(defs), slots: g.slots}
}
