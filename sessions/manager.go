package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jmandel/JiraFhirUtils-sub001/broker"
	"github.com/jmandel/JiraFhirUtils-sub001/broker/memory"
	"github.com/jmandel/JiraFhirUtils-sub001/internal/jsonrpc"
	"github.com/jmandel/JiraFhirUtils-sub001/internal/logctx"
	"github.com/jmandel/JiraFhirUtils-sub001/internal/logging"
	"github.com/jmandel/JiraFhirUtils-sub001/metrics"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultSweepInterval  = 10 * time.Second
)

// Session is a client session. Its mutable state is guarded by the owning
// Manager.
type Session struct {
	id string

	waiters map[string]*Waiter
	stream  *Stream
	// pushEnabled is set once the client has opened a push stream; from then
	// on push messages are retained for replay while it is disconnected.
	pushEnabled bool

	// backlog orders broker access for this session: publishes and
	// subscribes hold it for reading, deletion for writing while it
	// cleans up the namespace.
	backlog sync.RWMutex
	// deleted is guarded by backlog.
	deleted bool
}

func (s *Session) ID() string { return s.id }

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock replaces the clock used for waiter timestamps and the sweep ticker.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithBroker sets the push backlog. Defaults to an in-memory broker.
func WithBroker(b broker.Broker) Option {
	return func(m *Manager) { m.broker = b }
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// Manager is the registry of sessions and the process-wide correlation map
// of pending requests.
type Manager struct {
	log           *slog.Logger
	clock         clockwork.Clock
	timeout       time.Duration
	sweepInterval time.Duration
	broker        broker.Broker
	metrics       *metrics.Recorder

	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]*Waiter
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		log:           logging.Discard(),
		clock:         clockwork.NewRealClock(),
		timeout:       DefaultRequestTimeout,
		sweepInterval: DefaultSweepInterval,
		sessions:      make(map[string]*Session),
		pending:       make(map[string]*Waiter),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.broker == nil {
		m.broker = memory.New(memory.DefaultHistory)
	}
	return m
}

// CreateSession registers a new session with a random id.
func (m *Manager) CreateSession(ctx context.Context) *Session {
	sess := &Session{
		id:      uuid.NewString(),
		waiters: make(map[string]*Waiter),
	}

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	m.log.InfoContext(logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.id}), "session.create")
	return sess
}

// Session looks up a live session.
func (m *Manager) Session(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// PendingCount returns the number of requests awaiting a response.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// AddPendingRequest registers a waiter for id on behalf of sessionID.
func (m *Manager) AddPendingRequest(sessionID string, id *jsonrpc.RequestID) (*Waiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	w := newWaiter(sessionID, id, m.clock.Now())
	if _, dup := m.pending[w.key]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequestID, id.String())
	}
	m.pending[w.key] = w
	sess.waiters[w.key] = w
	return w, nil
}

// ResolvePendingRequest settles the waiter for id in sessionID with msg.
// It reports whether such a waiter existed.
func (m *Manager) ResolvePendingRequest(sessionID string, id *jsonrpc.RequestID, msg *jsonrpc.AnyMessage) bool {
	w := m.take(sessionID, id.Key())
	if w == nil {
		return false
	}
	w.settle(msg, nil)
	return true
}

// RejectPendingRequest settles the waiter for id in sessionID with err.
func (m *Manager) RejectPendingRequest(sessionID string, id *jsonrpc.RequestID, err error) bool {
	w := m.take(sessionID, id.Key())
	if w == nil {
		return false
	}
	w.settle(nil, err)
	return true
}

// Resolve routes a response to whichever session is waiting on its id and
// returns that session's id.
func (m *Manager) Resolve(msg *jsonrpc.AnyMessage) (string, bool) {
	if msg.ID == nil {
		return "", false
	}
	w := m.take("", msg.ID.Key())
	if w == nil {
		return "", false
	}
	w.settle(msg, nil)
	return w.sessionID, true
}

// AbandonPendingRequest drops w without settling it, freeing its id. It is a
// no-op when w has already been settled.
func (m *Manager) AbandonPendingRequest(w *Waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[w.key] != w {
		return
	}
	m.removeLocked(w)
}

// take removes and returns the waiter for key, restricted to sessionID when
// it is not empty.
func (m *Manager) take(sessionID, key string) *Waiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.pending[key]
	if !ok || (sessionID != "" && w.sessionID != sessionID) {
		return nil
	}
	m.removeLocked(w)
	return w
}

func (m *Manager) removeLocked(w *Waiter) {
	delete(m.pending, w.key)
	if sess, ok := m.sessions[w.sessionID]; ok {
		delete(sess.waiters, w.key)
	}
}

// DeleteSession terminates a session: its push stream is closed, every
// pending waiter is rejected with ErrSessionTerminated and its backlog is
// discarded.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	waiters := make([]*Waiter, 0, len(sess.waiters))
	for key, w := range sess.waiters {
		delete(m.pending, key)
		waiters = append(waiters, w)
	}
	sess.waiters = nil
	stream := sess.stream
	sess.stream = nil
	m.mu.Unlock()

	if stream != nil {
		stream.cancel()
	}
	for _, w := range waiters {
		w.settle(nil, ErrSessionTerminated)
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id})
	m.log.InfoContext(ctx, "session.delete", slog.Int("rejected", len(waiters)))

	sess.backlog.Lock()
	sess.deleted = true
	err := m.broker.Cleanup(ctx, id)
	sess.backlog.Unlock()
	if err != nil {
		m.log.WarnContext(ctx, "session.backlog.cleanup.fail", slog.String("err", err.Error()))
		return fmt.Errorf("cleanup backlog: %w", err)
	}
	return nil
}

// DeleteAll deletes every session.
func (m *Manager) DeleteAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var result *multierror.Error
	for _, id := range ids {
		if err := m.DeleteSession(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			result = multierror.Append(result, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}

// Cleanup rejects every waiter older than the request timeout with
// ErrRequestTimeout and returns how many were expired.
func (m *Manager) Cleanup() int {
	now := m.clock.Now()

	m.mu.Lock()
	var expired []*Waiter
	for _, w := range m.pending {
		if now.Sub(w.createdAt) > m.timeout {
			expired = append(expired, w)
		}
	}
	for _, w := range expired {
		m.removeLocked(w)
	}
	m.mu.Unlock()

	for _, w := range expired {
		w.settle(nil, ErrRequestTimeout)
		m.log.Warn("request.timeout",
			slog.String("session", w.sessionID),
			slog.String("id", w.id.String()),
			slog.Duration("age", now.Sub(w.createdAt)),
		)
	}
	m.metrics.Timeouts(len(expired))
	return len(expired)
}

// Run sweeps expired waiters every sweep interval until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			m.Cleanup()
		}
	}
}

// Broadcast publishes a push message to every session that has opened a
// push stream and returns how many of them currently have one open.
func (m *Manager) Broadcast(ctx context.Context, msg jsonrpc.Message) int {
	m.mu.Lock()
	var targets []*Session
	live := 0
	for _, sess := range m.sessions {
		if !sess.pushEnabled {
			continue
		}
		targets = append(targets, sess)
		if sess.stream != nil {
			live++
		}
	}
	m.mu.Unlock()

	for _, sess := range targets {
		m.publish(ctx, sess, msg)
	}
	return live
}

// publish appends msg to the backlog of sess unless the session was deleted
// after Broadcast selected it.
func (m *Manager) publish(ctx context.Context, sess *Session, msg jsonrpc.Message) {
	sess.backlog.RLock()
	defer sess.backlog.RUnlock()
	if sess.deleted {
		return
	}
	if _, err := m.broker.Publish(ctx, sess.id, msg); err != nil {
		m.log.WarnContext(logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.id}),
			"push.publish.fail", slog.String("err", err.Error()))
	}
}
