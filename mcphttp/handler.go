// Package mcphttp binds the method dispatcher to the two MCP transports:
// the persistent SSE channel with its companion submission endpoint, and
// the synchronous streamable HTTP channel.
package mcphttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/probekit/probekit/internal/dispatch"
	"github.com/probekit/probekit/internal/jsonrpc"
	"github.com/probekit/probekit/internal/logctx"
	"github.com/probekit/probekit/sessions"
)

var _ http.Handler = (*Handler)(nil)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	defaultBasePath  = "/mcp"
	defaultKeepAlive = 15 * time.Second
)

// Handler serves the MCP HTTP surface under a base path.
type Handler struct {
	mux  *http.ServeMux
	log  *slog.Logger
	disp *dispatch.Dispatcher
	reg  *sessions.Registry

	basePath   string
	serverName string
	keepAlive  time.Duration
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the slog logger used by the handler.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithServerName sets the name surfaced by the discovery endpoint.
func WithServerName(name string) Option {
	return func(h *Handler) { h.serverName = name }
}

// WithBasePath mounts the MCP surface somewhere other than /mcp.
func WithBasePath(path string) Option {
	return func(h *Handler) { h.basePath = strings.TrimRight(path, "/") }
}

// WithKeepAlive overrides the SSE idle keep-alive interval.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Handler) { h.keepAlive = d }
}

// New builds the transport handler over a dispatcher and session registry.
func New(disp *dispatch.Dispatcher, reg *sessions.Registry, opts ...Option) *Handler {
	h := &Handler{
		log:        slog.Default(),
		disp:       disp,
		reg:        reg,
		basePath:   defaultBasePath,
		serverName: "probekit",
		keepAlive:  defaultKeepAlive,
	}
	for _, opt := range opts {
		opt(h)
	}

	base := h.basePath
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+base, h.handleInfo)
	mux.HandleFunc("GET "+base+"/{$}", h.handleInfo)
	mux.HandleFunc("GET "+base+"/sse", h.handleSSE)
	mux.HandleFunc("POST "+base+"/messages/{session_id}", h.handleMessages)
	mux.HandleFunc("POST "+base, h.handleStreamable)
	mux.HandleFunc("POST "+base+"/{$}", h.handleStreamable)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// readPayload decodes the request body into individual JSON-RPC messages.
// A nil slice with ok=false means a parse-error reply was already written.
func (h *Handler) readPayload(w http.ResponseWriter, r *http.Request) (msgs []json.RawMessage, batch, ok bool) {
	ctx := r.Context()

	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, err := contenttype.GetMediaType(r)
		if err != nil || !mt.Matches(jsonMediaType) {
			h.log.WarnContext(ctx, "http.content_type.unsupported", slog.String("content_type", ct))
			writeJSON(w, http.StatusBadRequest, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "Parse error"))
			return nil, false, false
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		writeJSON(w, http.StatusBadRequest, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "Parse error"))
		return nil, false, false
	}

	msgs, batch, err = jsonrpc.DecodePayload(body)
	if err != nil {
		h.log.WarnContext(ctx, "jsonrpc.payload.invalid", slog.String("err", err.Error()))
		writeJSON(w, http.StatusBadRequest, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "Parse error"))
		return nil, false, false
	}
	return msgs, batch, true
}

// handleInfo serves the discovery document.
func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":            h.serverName,
		"sse":             h.basePath + "/sse",
		"streamable_http": h.basePath,
	})
}

// handleSSE registers a session and relays its queue as a server-sent event
// stream. Client disconnect (request context cancellation) or the nil
// sentinel ends the stream; either way the session is unregistered.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	wf := &lockedWriteFlusher{w: w, f: f, ctx: ctx}

	sess := h.reg.Create()
	defer h.reg.Remove(sess.ID())

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID()})
	h.log.InfoContext(ctx, "sse.stream.start")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	endpoint := fmt.Sprintf("%s/messages/%s", h.basePath, sess.ID())
	if err := writeSSEEvent(wf, "endpoint", []byte(endpoint)); err != nil {
		h.log.InfoContext(ctx, "sse.stream.closed", slog.String("err", err.Error()))
		return
	}

	for {
		item, err := sess.Pop(ctx, h.keepAlive)
		switch {
		case errors.Is(err, sessions.ErrIdle):
			if err := writeSSEComment(wf, "keepalive"); err != nil {
				h.log.InfoContext(ctx, "sse.stream.closed", slog.String("err", err.Error()))
				return
			}
			continue
		case err != nil:
			h.log.InfoContext(ctx, "sse.stream.disconnect")
			return
		case item == nil:
			h.log.InfoContext(ctx, "sse.stream.end")
			return
		}

		payload, err := json.Marshal(item)
		if err != nil {
			h.log.ErrorContext(ctx, "sse.message.encode.fail", slog.String("err", err.Error()))
			continue
		}
		if err := writeSSEEvent(wf, "message", payload); err != nil {
			h.log.InfoContext(ctx, "sse.stream.closed", slog.String("err", err.Error()))
			return
		}
		h.log.DebugContext(ctx, "sse.message.deliver")
	}
}

// handleMessages accepts JSON-RPC payloads addressed to a session and
// enqueues the dispatcher's responses onto that session's queue. Delivery
// happens asynchronously over the session's SSE stream.
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := r.PathValue("session_id")
	sess, ok := h.reg.Get(sessionID)
	if !ok {
		h.log.InfoContext(ctx, "session.miss", slog.String("session_id", sessionID))
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "session not found"})
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID()})

	msgs, _, ok := h.readPayload(w, r)
	if !ok {
		return
	}

	for _, resp := range h.disp.DispatchPayload(ctx, msgs) {
		if err := sess.Enqueue(resp); err != nil {
			h.log.WarnContext(ctx, "session.enqueue.fail", slog.String("err", err.Error()))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleStreamable dispatches one or many messages synchronously. When the
// caller advertises text/event-stream acceptance, each response is emitted
// as its own SSE event and the connection closes; this is a bounded,
// one-shot stream, not a session.
func (h *Handler) handleStreamable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	msgs, batch, ok := h.readPayload(w, r)
	if !ok {
		return
	}

	responses := h.disp.DispatchPayload(ctx, msgs)

	if acceptsEventStream(r) {
		f, fok := w.(http.Flusher)
		if !fok {
			h.log.ErrorContext(ctx, "sse.flusher.missing")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		wf := &lockedWriteFlusher{w: w, f: f, ctx: ctx}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		for _, resp := range responses {
			payload, err := json.Marshal(resp)
			if err != nil {
				h.log.ErrorContext(ctx, "sse.message.encode.fail", slog.String("err", err.Error()))
				continue
			}
			if err := writeSSEEvent(wf, "", payload); err != nil {
				h.log.InfoContext(ctx, "sse.stream.closed", slog.String("err", err.Error()))
				return
			}
		}
		return
	}

	switch {
	case len(responses) == 0:
		w.WriteHeader(http.StatusNoContent)
	case !batch:
		writeJSON(w, http.StatusOK, responses[0])
	default:
		writeJSON(w, http.StatusOK, responses)
	}
}

// acceptsEventStream reports whether the Accept header explicitly lists
// text/event-stream. Wildcard ranges do not select the streaming branch;
// callers get plain JSON unless they ask for a stream.
func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// lockedWriteFlusher serializes writes/flushes and refuses to write once the
// request context is canceled.
type lockedWriteFlusher struct {
	w   io.Writer
	f   http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.w.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.f.Flush()
}

// writeSSEEvent writes one server-sent event frame and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, event string, payload []byte) error {
	if event != "" {
		if _, err := fmt.Fprintf(wf, "event: %s\n", event); err != nil {
			return fmt.Errorf("write SSE event name: %w", err)
		}
	}
	if _, err := fmt.Fprintf(wf, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	wf.Flush()
	return nil
}

// writeSSEComment writes a no-op comment frame, used as the idle keep-alive.
func writeSSEComment(wf *lockedWriteFlusher, comment string) error {
	if _, err := fmt.Fprintf(wf, ": %s\n\n", comment); err != nil {
		return fmt.Errorf("write SSE comment: %w", err)
	}
	wf.Flush()
	return nil
}
