package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"github.com/chattyhq/chatty/internal/agent"
	"github.com/chattyhq/chatty/internal/gate"
	"github.com/chattyhq/chatty/internal/ids"
	"github.com/chattyhq/chatty/internal/observability"
	"github.com/chattyhq/chatty/internal/sse"
	"github.com/chattyhq/chatty/pkg/models"
)

// Request body bounds. Lengths are counted in characters, not bytes, so
// multi-byte queries get the full budget.
const (
	maxQueryChars = 512
	maxNonceChars = 128

	// maxBodyBytes caps the request body read; generous next to the field
	// bounds but stops pathological payloads before JSON decoding.
	maxBodyBytes = 64 << 10
)

// Rejection reasons recorded on the rejections counter. Rate limits are
// counted per scope as "rate_ip" and "rate_global".
const (
	reasonValidation = "validation"
	reasonDuplicate  = "duplicate"
	reasonInboxFull  = "inbox_full"
	reasonInternal   = "internal"
)

// Client-facing rejection messages.
const (
	detailRateLimited = "Too many requests. Please slow down."
	detailDuplicate   = "Duplicate request detected. Please wait before retrying."
	detailInboxFull   = "The server is at capacity. Please try again shortly."
	detailInternal    = "Internal server error."
)

// Runner drives one admitted chat turn. *agent.Loop is the production
// implementation.
type Runner interface {
	Run(ctx context.Context, chat models.ChatContext, emit agent.EmitFunc) error
}

// HistoryLoader reads the transcript replayed to the model, oldest first.
type HistoryLoader interface {
	Load(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
}

// ResponseCache serves and saves semantically cached answers.
type ResponseCache interface {
	Lookup(ctx context.Context, query string) (string, bool)
	Store(ctx context.Context, query, response string)
}

// ChatOptions wires the chat endpoint. Guard, Inbox, Loop, and Envelope are
// required; everything else may be nil.
type ChatOptions struct {
	Guard    *gate.Guard
	Inbox    *gate.Inbox
	Loop     Runner
	Envelope *sse.Envelope
	History  HistoryLoader
	Cache    ResponseCache
	Tracer   *observability.Tracer
	Logger   *observability.Logger
	Metrics  *observability.Metrics

	// MaxConversationLength bounds the replayed history.
	MaxConversationLength int
}

// ChatHandler serves the streaming chat endpoint. Each request runs the
// admission pipeline in a fixed order: validate the body, resolve the
// client IP, guard check, inbox enter; only then does the response commit
// to 200 and stream.
type ChatHandler struct {
	opts ChatOptions
}

// NewChatHandler builds the handler from its wired dependencies.
func NewChatHandler(opts ChatOptions) *ChatHandler {
	if opts.MaxConversationLength <= 0 {
		opts.MaxConversationLength = 20
	}
	return &ChatHandler{opts: opts}
}

// chatRequest is the POST body.
type chatRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id"`
	Nonce          string `json:"nonce"`
}

func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx := r.Context()

	req, err := parseChatRequest(w, r)
	if err != nil {
		h.reject(ctx, w, http.StatusUnprocessableEntity, reasonValidation, err.Error())
		return
	}

	ip := ClientIP(r)
	ctx = observability.AddClientIP(ctx, ip)

	if err := h.opts.Guard.Check(ctx, ip, req.Query, req.Nonce); err != nil {
		h.rejectGuard(ctx, w, err)
		return
	}

	// From here the request holds an inbox slot; the envelope's onFinish
	// releases it on every exit path.
	position, err := h.opts.Inbox.Enter(ctx)
	if err != nil {
		if errors.Is(err, gate.ErrInboxFull) {
			h.reject(ctx, w, http.StatusTooManyRequests, reasonInboxFull, detailInboxFull)
			return
		}
		h.logWarn(ctx, "inbox enter failed", err)
		h.reject(ctx, w, http.StatusInternalServerError, reasonInternal, detailInternal)
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = ids.NewConversationID()
	}
	traceID := ids.NewTraceID()

	ctx = observability.AddTraceID(ctx, traceID)
	ctx = observability.AddConversationID(ctx, conversationID)

	if h.opts.Tracer != nil {
		var span trace.Span
		ctx, span = h.opts.Tracer.TraceChatRequest(ctx, traceID, conversationID)
		defer span.End()
	}

	chat := models.ChatContext{
		Query:          req.Query,
		ConversationID: conversationID,
		TraceID:        traceID,
		History:        h.loadHistory(ctx, conversationID),
	}

	header := w.Header()
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Chatty-Trace", traceID)
	header.Set("X-Chatty-Conversation", conversationID)
	header.Set("Access-Control-Expose-Headers", "X-Chatty-Trace, X-Chatty-Conversation")
	w.WriteHeader(http.StatusOK)

	h.opts.Envelope.Stream(ctx, w, h.source(chat, position), func() {
		if err := h.opts.Inbox.Leave(ctx); err != nil {
			h.logWarn(ctx, "inbox leave failed", err)
		}
	})
}

// source builds the event stream for one admitted turn: the queued frame,
// then either the cached response or the agent loop.
func (h *ChatHandler) source(chat models.ChatContext, position int) sse.Source {
	return func(ctx context.Context, emit func(models.StreamEvent) bool) error {
		if !emit(models.NewQueuedEvent(position)) {
			return context.Canceled
		}

		if h.opts.Cache != nil {
			if response, ok := h.opts.Cache.Lookup(ctx, chat.Query); ok {
				if !emit(models.NewContentEvent(response)) {
					return context.Canceled
				}
				return nil
			}
		}

		var answer strings.Builder
		collect := agent.EmitFunc(func(event models.StreamEvent) bool {
			if event.Type == models.EventContent {
				answer.WriteString(event.Content)
			}
			return emit(event)
		})

		if err := h.opts.Loop.Run(ctx, chat, collect); err != nil {
			return err
		}
		if h.opts.Cache != nil && answer.Len() > 0 {
			// The store must survive a client that disconnects right after
			// the last token.
			h.opts.Cache.Store(context.WithoutCancel(ctx), chat.Query, answer.String())
		}
		return nil
	}
}

// loadHistory reads the bounded transcript. A failed load degrades to a
// fresh conversation rather than refusing the request.
func (h *ChatHandler) loadHistory(ctx context.Context, conversationID string) []models.Message {
	if h.opts.History == nil {
		return nil
	}
	messages, err := h.opts.History.Load(ctx, conversationID, h.opts.MaxConversationLength)
	if err != nil {
		h.logWarn(ctx, "history load failed, continuing without context", err)
		return nil
	}
	return messages
}

// parseChatRequest decodes and validates the body. The returned error text
// is client-facing.
func parseChatRequest(w http.ResponseWriter, r *http.Request) (chatRequest, error) {
	var req chatRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return req, errors.New("invalid JSON body")
	}
	req.Query = strings.TrimSpace(req.Query)
	switch {
	case req.Query == "":
		return req, errors.New("query is required")
	case utf8.RuneCountInString(req.Query) > maxQueryChars:
		return req, fmt.Errorf("query must be at most %d characters", maxQueryChars)
	case utf8.RuneCountInString(req.Nonce) > maxNonceChars:
		return req, fmt.Errorf("nonce must be at most %d characters", maxNonceChars)
	}
	return req, nil
}

// rejectGuard maps guard errors onto their HTTP statuses: 429 for rate
// limits, 409 for duplicates.
func (h *ChatHandler) rejectGuard(ctx context.Context, w http.ResponseWriter, err error) {
	var rle *gate.RateLimitError
	switch {
	case errors.As(err, &rle):
		h.reject(ctx, w, http.StatusTooManyRequests, "rate_"+rle.Scope, detailRateLimited)
	case errors.Is(err, gate.ErrDuplicate):
		h.reject(ctx, w, http.StatusConflict, reasonDuplicate, detailDuplicate)
	default:
		h.logWarn(ctx, "guard check failed", err)
		h.reject(ctx, w, http.StatusInternalServerError, reasonInternal, detailInternal)
	}
}

// reject writes a pre-admission refusal and counts it.
func (h *ChatHandler) reject(ctx context.Context, w http.ResponseWriter, status int, reason, detail string) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.RecordRejection(reason)
	}
	if h.opts.Logger != nil {
		h.opts.Logger.Info(ctx, "request rejected", "status", status, "reason", reason)
	}
	writeDetail(w, status, detail)
}

func (h *ChatHandler) logWarn(ctx context.Context, msg string, err error) {
	if h.opts.Logger != nil {
		h.opts.Logger.Warn(ctx, msg, "error", err)
	}
}

// writeDetail writes the JSON rejection body used by every non-200 response.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
