package sessions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/jmandel/JiraFhirUtils-sub001/broker"
	"github.com/jmandel/JiraFhirUtils-sub001/internal/logctx"
)

// Stream is a session's push channel. It is consumed by exactly one reader
// and ends when the reader closes it, when a newer stream replaces it, or
// when the session is deleted.
type Stream struct {
	m       *Manager
	session *Session
	sub     broker.MessageStream

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// OpenStream attaches a new push stream to sessionID, replacing any open
// one. A non-empty lastEventID resumes after that event if it is still
// retained.
func (m *Manager) OpenStream(ctx context.Context, sessionID, lastEventID string) (*Stream, error) {
	sess, err := m.Session(sessionID)
	if err != nil {
		return nil, err
	}

	sess.backlog.RLock()
	defer sess.backlog.RUnlock()
	if sess.deleted {
		return nil, ErrSessionNotFound
	}

	sub, err := m.broker.Subscribe(ctx, sessionID, lastEventID)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Stream{m: m, sub: sub, ctx: sctx, cancel: cancel}

	m.mu.Lock()
	if m.sessions[sessionID] != sess {
		m.mu.Unlock()
		cancel()
		_ = sub.Close()
		return nil, ErrSessionNotFound
	}
	prev := sess.stream
	sess.stream = s
	sess.pushEnabled = true
	s.session = sess
	m.mu.Unlock()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID})
	if prev != nil {
		prev.cancel()
		m.log.InfoContext(ctx, "sse.stream.replace")
	}
	m.metrics.StreamOpened()
	m.log.DebugContext(ctx, "sse.stream.attach", slog.String("last_event_id", lastEventID))
	return s, nil
}

// Next returns the next push message. It returns ErrStreamClosed once the
// stream has been replaced, closed or its session deleted.
func (s *Stream) Next(ctx context.Context) (broker.MessageEnvelope, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	env, err := s.sub.Next(ctx)
	if err != nil {
		if s.ctx.Err() != nil || errors.Is(err, io.EOF) {
			return broker.MessageEnvelope{}, ErrStreamClosed
		}
		return broker.MessageEnvelope{}, err
	}
	return env, nil
}

// Done is closed when the stream has been replaced, closed or its session
// deleted.
func (s *Stream) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Close detaches the stream from its session if it is still the current
// one. Safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()

		s.m.mu.Lock()
		if s.session.stream == s {
			s.session.stream = nil
		}
		s.m.mu.Unlock()

		_ = s.sub.Close()
		s.m.metrics.StreamClosed()
	})
	return nil
}
