// Package cron keeps the model warm through idle periods: on a cron
// schedule it claims a free model slot, fires one tiny completion, and
// releases the slot. Real traffic always wins; a busy semaphore skips
// the tick.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/chattyhq/chatty/internal/ids"
	"github.com/chattyhq/chatty/internal/llm"
	"github.com/chattyhq/chatty/internal/observability"
	"github.com/chattyhq/chatty/pkg/models"
)

// cronParser accepts standard 5-field expressions, optional seconds, and
// descriptors like @hourly or @every 5m.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

const prewarmPrompt = "Reply with the single word: ok"

// Slots is the model-slot gate the prewarmer borrows capacity from.
type Slots interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// PrewarmerConfig configures the pre-warm schedule.
type PrewarmerConfig struct {
	// Schedule is the cron expression, e.g. "*/5 * * * *".
	Schedule string

	// Prompt is the warm-up message. Defaults to a one-word request.
	Prompt string

	// Timeout bounds each warm-up completion. Defaults to 10 seconds.
	Timeout time.Duration

	// WorkerID identifies this instance in logs. Defaults to a UUID.
	WorkerID string
}

// Prewarmer fires scheduled warm-up completions.
type Prewarmer struct {
	model    llm.ChatModel
	slots    Slots
	schedule cron.Schedule
	config   PrewarmerConfig
	logger   *observability.Logger

	now func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPrewarmer parses the schedule and builds the prewarmer. model must
// be the bare client: a gated model would wait for the slot the warm-up
// already holds.
func NewPrewarmer(cfg PrewarmerConfig, model llm.ChatModel, slots Slots, logger *observability.Logger) (*Prewarmer, error) {
	schedule, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse prewarm schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.Prompt == "" {
		cfg.Prompt = prewarmPrompt
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}

	return &Prewarmer{
		model:    model,
		slots:    slots,
		schedule: schedule,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Start launches the schedule loop. Calling Start on a running
// prewarmer is a no-op.
func (p *Prewarmer) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	if p.logger != nil {
		p.logger.Info(ctx, "prewarm schedule started",
			"schedule", p.config.Schedule, "worker_id", p.config.WorkerID)
	}

	p.wg.Add(1)
	go p.run(runCtx)
}

func (p *Prewarmer) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		next := p.schedule.Next(p.now())
		timer := time.NewTimer(next.Sub(p.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			p.warm(ctx)
		}
	}
}

// warm claims a slot if one is free and runs one tiny completion.
func (p *Prewarmer) warm(ctx context.Context) {
	ok, err := p.slots.TryAcquire(ctx)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn(ctx, "prewarm slot check failed", "error", err)
		}
		return
	}
	if !ok {
		if p.logger != nil {
			p.logger.Debug(ctx, "prewarm skipped, model busy", "worker_id", p.config.WorkerID)
		}
		return
	}
	defer func() {
		if err := p.slots.Release(context.WithoutCancel(ctx)); err != nil && p.logger != nil {
			p.logger.Warn(ctx, "prewarm slot release failed", "error", err)
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	start := p.now()
	_, err = p.model.Complete(callCtx, []models.Message{
		models.NewHumanMessage(ids.NewMessageID(), p.config.Prompt),
	})
	if err != nil {
		if p.logger != nil {
			p.logger.Warn(ctx, "prewarm completion failed",
				"worker_id", p.config.WorkerID, "error", err)
		}
		return
	}

	if p.logger != nil {
		p.logger.Debug(ctx, "prewarm completed",
			"worker_id", p.config.WorkerID, "duration", p.now().Sub(start).String())
	}
}

// Stop halts the schedule loop and waits for an in-flight warm-up.
func (p *Prewarmer) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}
