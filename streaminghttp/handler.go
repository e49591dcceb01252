package streaminghttp

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
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/jmandel/JiraFhirUtils-sub001/internal/jsonrpc"
	"github.com/jmandel/JiraFhirUtils-sub001/internal/logctx"
	"github.com/jmandel/JiraFhirUtils-sub001/internal/logging"
	"github.com/jmandel/JiraFhirUtils-sub001/metrics"
	"github.com/jmandel/JiraFhirUtils-sub001/sessions"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
	postMediaTypes        = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"

	DefaultPath         = "/mcp"
	DefaultMaxBodyBytes = 4 << 20

	allowedMethods = "GET, POST, DELETE, OPTIONS"
)

var allowedHeaders = []string{"Content-Type", "Accept", mcpSessionIDHeader, lastEventIDHeader, mcpProtocolVersionHeader}

// Transport delivers a client message to the tool server.
type Transport interface {
	Send(ctx context.Context, msg jsonrpc.Message) error
}

// Option configures the Handler.
type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(h *Handler) { h.metrics = r }
}

// WithMaxBodyBytes caps POST bodies. Defaults to 4 MiB.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) { h.maxBody = n }
}

// Handler serves the streamable HTTP endpoint and routes tool server output
// back to the clients waiting on it.
type Handler struct {
	path      string
	sessions  *sessions.Manager
	transport Transport
	log       *slog.Logger
	metrics   *metrics.Recorder
	maxBody   int64

	router chi.Router
}

// New mounts the endpoint at path (DefaultPath when empty).
func New(path string, sm *sessions.Manager, transport Transport, opts ...Option) *Handler {
	if path == "" {
		path = DefaultPath
	}
	h := &Handler{
		path:      path,
		sessions:  sm,
		transport: transport,
		log:       logging.Discard(),
		maxBody:   DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(cors.New(cors.Options{
		AllowOriginFunc:    func(r *http.Request, origin string) bool { return true },
		AllowedMethods:     strings.Split(allowedMethods, ", "),
		AllowedHeaders:     []string{"*"},
		ExposedHeaders:     []string{mcpSessionIDHeader},
		AllowCredentials:   false,
		OptionsPassthrough: true,
	}).Handler)
	r.Post(path, h.handlePost)
	r.Get(path, h.handleGet)
	r.Delete(path, h.handleDelete)
	r.Options(path, h.handleOptions)
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// reject answers with a plain-text transport error.
func (h *Handler) reject(ctx context.Context, w http.ResponseWriter, status int, event, msg string) {
	h.metrics.Rejected(status)
	h.log.WarnContext(ctx, event, slog.Int("status", status), slog.String("reason", msg))
	http.Error(w, msg, status)
}

// call tracks one Request of a POST body through delivery and reply.
type call struct {
	msg    *jsonrpc.AnyMessage
	waiter *sessions.Waiter
	// reply is set when the call was answered locally without forwarding.
	reply json.RawMessage
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	if r.Header.Get("Accept") == "" {
		h.reject(ctx, w, http.StatusBadRequest, "accept.missing", "Accept must include application/json or text/event-stream")
		return
	}
	accepted, _, err := contenttype.GetAcceptableMediaType(r, postMediaTypes)
	if err != nil {
		h.reject(ctx, w, http.StatusBadRequest, "accept.unsupported", "Accept must include application/json or text/event-stream")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID != "" {
		if _, err := h.sessions.Session(sessID); err != nil {
			h.reject(ctx, w, http.StatusNotFound, "session.load.miss", "session not found")
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(ctx, w, http.StatusBadRequest, "body.too_large", fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		h.reject(ctx, w, http.StatusBadRequest, "body.read.fail", "failed to read request body")
		return
	}

	msgs, batched, err := jsonrpc.ParseBatch(body)
	if err != nil {
		h.reject(ctx, w, http.StatusBadRequest, "jsonrpc.message.invalid", "invalid JSON-RPC message: "+err.Error())
		return
	}

	hasInit := false
	for _, msg := range msgs {
		if msg.IsInitialize() {
			hasInit = true
			break
		}
	}
	if len(msgs) == 1 {
		ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msgs[0].Method, ID: msgs[0].ID.String(), Type: msgs[0].Type()})
	} else {
		ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Type: "batch", Count: len(msgs)})
	}

	ephemeral := false
	if sessID == "" {
		sessID = h.sessions.CreateSession(ctx).ID()
		ephemeral = !hasInit
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, Ephemeral: ephemeral})
	if ephemeral {
		defer func() {
			if err := h.sessions.DeleteSession(context.WithoutCancel(ctx), sessID); err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
				h.log.WarnContext(ctx, "session.ephemeral.delete.fail", slog.String("err", err.Error()))
			}
		}()
	}

	// Waiters are registered before anything is forwarded so that a fast
	// reply cannot overtake its registration.
	var calls []*call
	skip := make(map[*jsonrpc.AnyMessage]bool)
	for _, msg := range msgs {
		if msg.Kind() != jsonrpc.KindRequest {
			continue
		}
		c := &call{msg: msg}
		calls = append(calls, c)

		wt, err := h.sessions.AddPendingRequest(sessID, msg.ID)
		switch {
		case err == nil:
			c.waiter = wt
		case errors.Is(err, sessions.ErrDuplicateRequestID):
			h.log.WarnContext(ctx, "rpc.id.duplicate", slog.String("id", msg.ID.String()))
			c.reply = h.errorReply(ctx, msg.ID, jsonrpc.ErrorCodeInvalidRequest, err.Error())
			skip[msg] = true
		default:
			h.abandon(calls)
			h.reject(ctx, w, http.StatusNotFound, "session.load.miss", "session not found")
			return
		}
	}

	var sendErr error
	for _, msg := range msgs {
		if skip[msg] {
			continue
		}
		if err := h.transport.Send(ctx, msg.Raw()); err != nil {
			err = fmt.Errorf("failed to deliver message to subprocess: %w", err)
			h.log.ErrorContext(ctx, "rpc.forward.fail", slog.String("type", msg.Type()), slog.String("err", err.Error()))
			if msg.Kind() == jsonrpc.KindRequest {
				h.sessions.RejectPendingRequest(sessID, msg.ID, err)
			} else if sendErr == nil {
				sendErr = err
			}
			continue
		}
		h.metrics.Message(metrics.DirectionInbound, msg.Type())
	}

	if hasInit {
		w.Header().Set(mcpSessionIDHeader, sessID)
	}

	if len(calls) == 0 {
		if sendErr != nil {
			h.metrics.Rejected(http.StatusInternalServerError)
			http.Error(w, sendErr.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.accepted", slog.Duration("dur", time.Since(start)))
		return
	}

	if accepted.Matches(eventStreamMediaType) && !hasInit {
		h.respondSSE(ctx, w, calls)
	} else {
		h.respondJSON(ctx, w, calls, batched)
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// await blocks until c is settled and renders its reply. ok is false when
// the client went away first.
func (h *Handler) await(ctx context.Context, c *call) (json.RawMessage, bool) {
	if c.reply != nil {
		return c.reply, true
	}
	msg, err := c.waiter.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false
		}
		return h.errorReply(ctx, c.msg.ID, jsonrpc.ErrorCodeInternalError, err.Error()), true
	}
	h.metrics.Message(metrics.DirectionOutbound, msg.Type())
	return json.RawMessage(msg.Raw()), true
}

func (h *Handler) errorReply(ctx context.Context, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, message string) json.RawMessage {
	b, err := json.Marshal(jsonrpc.NewErrorResponse(id, code, message, nil))
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
	}
	return b
}

func (h *Handler) abandon(calls []*call) {
	for _, c := range calls {
		if c.waiter != nil {
			h.sessions.AbandonPendingRequest(c.waiter)
		}
	}
}

func (h *Handler) respondJSON(ctx context.Context, w http.ResponseWriter, calls []*call, batched bool) {
	replies := make([]json.RawMessage, 0, len(calls))
	for i, c := range calls {
		reply, ok := h.await(ctx, c)
		if !ok {
			h.abandon(calls[i:])
			h.log.InfoContext(ctx, "http.post.client_gone", slog.Int("unanswered", len(calls)-i))
			return
		}
		replies = append(replies, reply)
	}

	var out any = replies
	if !batched && len(replies) == 1 {
		out = replies[0]
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(out); err != nil {
		h.log.ErrorContext(ctx, "http.post.write.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) respondSSE(ctx context.Context, w http.ResponseWriter, calls []*call) {
	f, ok := w.(http.Flusher)
	if !ok {
		h.abandon(calls)
		h.metrics.Rejected(http.StatusInternalServerError)
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	setEventStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	for i, c := range calls {
		reply, ok := h.await(ctx, c)
		if !ok {
			h.abandon(calls[i:])
			h.log.InfoContext(ctx, "http.post.client_gone", slog.Int("unanswered", len(calls)-i))
			return
		}
		if err := writeSSEEvent(wf, "", reply); err != nil {
			h.abandon(calls[i+1:])
			h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
	}
}

// handleGet opens the session's push stream.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil || r.Header.Get("Accept") == "" {
		h.reject(ctx, w, http.StatusBadRequest, "http.get.unsupported_media_type", "Accept must include text/event-stream")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.reject(ctx, w, http.StatusBadRequest, "session.id.missing", "missing Mcp-Session-Id header")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	f, ok := w.(http.Flusher)
	if !ok {
		h.metrics.Rejected(http.StatusInternalServerError)
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	stream, err := h.sessions.OpenStream(ctx, sessID, r.Header.Get(lastEventIDHeader))
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			h.reject(ctx, w, http.StatusNotFound, "session.load.miss", "session not found")
			return
		}
		h.metrics.Rejected(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.stream.open.fail", slog.String("err", err.Error()))
		http.Error(w, "failed to open stream", http.StatusInternalServerError)
		return
	}
	defer stream.Close()

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	setEventStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")
	for {
		env, err := stream.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, sessions.ErrStreamClosed):
				h.log.InfoContext(ctx, "sse.stream.closed")
			case ctx.Err() != nil:
				h.log.InfoContext(ctx, "sse.stream.client_gone")
			default:
				h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
			}
			break
		}
		if err := writeSSEEvent(wf, env.ID, env.Data); err != nil {
			h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			break
		}
		h.log.DebugContext(ctx, "sse.message.deliver", slog.String("event_id", env.ID))
	}

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleDelete terminates the session named by the header.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.reject(ctx, w, http.StatusBadRequest, "delete.missing_session_id", "missing Mcp-Session-Id header")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	if err := h.sessions.DeleteSession(ctx, sessID); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			h.reject(ctx, w, http.StatusNotFound, "session.delete.miss", "session not found")
			return
		}
		// The session is gone either way; only its backlog lingers.
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	hdr := w.Header()
	setDefault := func(key, value string) {
		if hdr.Get(key) == "" {
			hdr.Set(key, value)
		}
	}
	setDefault("Access-Control-Allow-Origin", "*")
	setDefault("Access-Control-Allow-Methods", allowedMethods)
	setDefault("Access-Control-Allow-Headers", strings.Join(allowedHeaders, ", "))
	setDefault("Access-Control-Expose-Headers", mcpSessionIDHeader)
	w.WriteHeader(http.StatusNoContent)
}

// HandleSubprocessMessage routes one message emitted by the tool server:
// responses go to the session waiting on their id, everything else is pushed
// to every session with a push stream.
func (h *Handler) HandleSubprocessMessage(ctx context.Context, raw jsonrpc.Message) {
	msg, err := jsonrpc.Parse(raw)
	if err != nil {
		h.log.WarnContext(ctx, "route.message.invalid", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})

	if msg.Kind() == jsonrpc.KindResponse {
		sessID, ok := h.sessions.Resolve(msg)
		if !ok {
			h.metrics.Unroutable()
			h.log.WarnContext(ctx, "route.response.unroutable")
			return
		}
		h.log.DebugContext(ctx, "route.response.ok", slog.String("session", sessID))
		return
	}

	h.metrics.Message(metrics.DirectionOutbound, msg.Type())
	live := h.sessions.Broadcast(ctx, msg.Raw())
	h.log.DebugContext(ctx, "route.push", slog.Int("live", live))
}

func setEventStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one event with an optional id line and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
