package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the request, session, rpc and process
// attributes carried by the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.Bool("ephemeral", sd.Ephemeral),
		))
	}

	if msg, ok := ctx.Value(rpcMsg{}).(*RPCMessage); ok {
		attrs := []any{slog.String("type", msg.Type)}
		if msg.Method != "" {
			attrs = append(attrs, slog.String("method", msg.Method))
		}
		if msg.ID != "" {
			attrs = append(attrs, slog.String("id", msg.ID))
		}
		if msg.Count > 1 {
			attrs = append(attrs, slog.Int("count", msg.Count))
		}
		r.AddAttrs(slog.Group("rpc", attrs...))
	}

	if pd, ok := ctx.Value(processDataKey{}).(*ProcessData); ok {
		r.AddAttrs(slog.Group("proc",
			slog.Int("pid", pd.PID),
			slog.String("cmd", pd.Command),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{h.Handler.WithGroup(name)}
}

type rpcMsg struct{}

type RPCMessage struct {
	Method string
	ID     string
	Type   string
	// Count is the number of messages in a batched body.
	Count int
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsg{}, msg)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID string
	Ephemeral bool
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type processDataKey struct{}

type ProcessData struct {
	PID     int
	Command string
}

func WithProcessData(ctx context.Context, data *ProcessData) context.Context {
	return context.WithValue(ctx, processDataKey{}, data)
}
