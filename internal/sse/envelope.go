// Package sse frames chat streams as server-sent events.
//
// The envelope owns everything between the HTTP handler and the event
// source: the wall-clock request timeout, per-event serialization and
// flushing, translation of terminal failures into a final error frame,
// and the session metrics. Sources never see the wire format.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/chattyhq/chatty/internal/gate"
	"github.com/chattyhq/chatty/internal/observability"
	"github.com/chattyhq/chatty/pkg/models"
)

// Source produces the events of one chat stream. It pushes each event
// through emit and returns once the stream is finished; a non-nil return
// becomes the terminal error frame. emit reports false when the stream
// can no longer accept events (client gone or deadline passed), at which
// point the source should unwind promptly.
type Source func(ctx context.Context, emit func(models.StreamEvent) bool) error

// Outcome codes recorded for streams that end without an error frame.
const (
	outcomeOK        = "ok"
	outcomeCancelled = "cancelled"
)

// Messages carried by terminal error frames. Processing failures show
// sanitizedMessage unless the envelope was built with tracebacks on.
const (
	busyMessage        = "The model is currently handling too many requests. Please retry shortly."
	unreachableMessage = "The model backend could not be reached."
	timeoutMessage     = "The request exceeded the time limit and was aborted."
	sanitizedMessage   = "An internal error occurred while processing your request."
)

// Envelope writes chat streams to HTTP responses as SSE bodies: one
// `data: <json>` frame per event, flushed as it is produced. A single
// envelope is shared by all requests; per-stream state lives in Stream.
type Envelope struct {
	timeout       time.Duration
	sendTraceback bool
	logger        *observability.Logger
	metrics       *observability.Metrics
}

// NewEnvelope builds an envelope enforcing requestTimeout over each
// whole stream (0 disables the limit). When sendTraceback is true,
// processing-error frames carry the full failure detail instead of a
// sanitized message.
func NewEnvelope(requestTimeout time.Duration, sendTraceback bool, logger *observability.Logger, metrics *observability.Metrics) *Envelope {
	return &Envelope{
		timeout:       requestTimeout,
		sendTraceback: sendTraceback,
		logger:        logger,
		metrics:       metrics,
	}
}

// Stream runs source and writes its events to w until the source
// finishes, fails, or the wall clock runs out. Failures become a final
// error frame so the client reads the outcome in-band; client
// disconnects and cancellations end the body silently. onFinish runs
// exactly once on every path, including panics inside the source.
func (e *Envelope) Stream(ctx context.Context, w http.ResponseWriter, source Source, onFinish func()) {
	start := time.Now()
	if e.metrics != nil {
		e.metrics.SessionStarted()
	}

	code := outcomeOK
	defer func() {
		if onFinish != nil {
			onFinish()
		}
		if e.metrics != nil {
			e.metrics.SessionEnded(code, time.Since(start).Seconds())
		}
	}()

	streamCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	flusher, _ := w.(http.Flusher)

	var writeFailed bool
	emit := func(event models.StreamEvent) bool {
		if writeFailed || streamCtx.Err() != nil {
			return false
		}
		if err := writeFrame(w, flusher, event); err != nil {
			writeFailed = true
			return false
		}
		if e.metrics != nil {
			e.metrics.RecordStreamEvent(string(event.Type))
		}
		return true
	}

	err := e.run(streamCtx, source, emit)
	code = e.finalize(ctx, streamCtx, w, flusher, err, writeFailed)
}

// run invokes the source with panics converted into ordinary errors.
func (e *Envelope) run(ctx context.Context, source Source, emit func(models.StreamEvent) bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return source(ctx, emit)
}

// finalize maps the source's terminal error onto the last frame of the
// body and returns the outcome code recorded for the session. The
// terminal frame is written even when the stream deadline has passed;
// the client is still connected and entitled to the outcome.
func (e *Envelope) finalize(ctx context.Context, streamCtx context.Context, w http.ResponseWriter, flusher http.Flusher, err error, writeFailed bool) string {
	switch {
	case err == nil:
		return outcomeOK

	case writeFailed:
		// The client stopped reading; there is no one left to tell.
		if e.logger != nil {
			e.logger.Debug(ctx, "client disconnected mid-stream")
		}
		return outcomeCancelled

	case errors.Is(err, gate.ErrAcquireTimeout):
		if e.logger != nil {
			e.logger.Warn(ctx, "no model slot available", "error", err)
		}
		e.writeTerminal(w, flusher, models.NewErrorEvent(busyMessage, models.CodeModelBusy))
		return models.CodeModelBusy

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(streamCtx.Err(), context.DeadlineExceeded):
		if e.logger != nil {
			e.logger.Warn(ctx, "stream exceeded request timeout", "timeout", e.timeout.String())
		}
		e.writeTerminal(w, flusher, models.NewErrorEvent(timeoutMessage, models.CodeRequestTimeout))
		return models.CodeRequestTimeout

	case errors.Is(err, context.Canceled):
		if e.logger != nil {
			e.logger.Debug(ctx, "stream cancelled", "error", err)
		}
		return outcomeCancelled

	case isUnreachable(err):
		if e.logger != nil {
			e.logger.Error(ctx, "model backend unreachable", "error", err)
		}
		e.writeTerminal(w, flusher, models.NewErrorEvent(unreachableMessage, models.CodeModelUnreachable))
		return models.CodeModelUnreachable

	default:
		if e.logger != nil {
			e.logger.Error(ctx, "chat stream failed", "error", err)
		}
		message := sanitizedMessage
		if e.sendTraceback {
			message = tracebackMessage(err)
		}
		e.writeTerminal(w, flusher, models.NewErrorEvent(message, models.CodeProcessingError))
		return models.CodeProcessingError
	}
}

func (e *Envelope) writeTerminal(w http.ResponseWriter, flusher http.Flusher, event models.StreamEvent) {
	if err := writeFrame(w, flusher, event); err != nil {
		return
	}
	if e.metrics != nil {
		e.metrics.RecordStreamEvent(string(event.Type))
	}
}

// writeFrame serializes one event as an SSE data frame and flushes it so
// the client sees tokens as they are produced rather than on buffer
// boundaries.
func writeFrame(w http.ResponseWriter, flusher http.Flusher, event models.StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding stream event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

// isUnreachable reports whether err is a transport-level failure to
// reach the upstream model: refused connections, DNS resolution, TLS
// handshakes. HTTP-status failures surface as typed API errors and take
// the generic path instead.
func isUnreachable(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	// The HTTP client wraps transport failures in url.Error; responses
	// that arrive with an error status never produce one.
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// tracebackMessage expands err for deployments running with tracebacks
// enabled. Panics recovered from the source carry their stack.
func tracebackMessage(err error) string {
	var pe *panicError
	if errors.As(err, &pe) {
		return fmt.Sprintf("panic: %v\n%s", pe.value, pe.stack)
	}
	return err.Error()
}

// panicError carries a panic recovered from a source through the
// terminal mapping.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}
