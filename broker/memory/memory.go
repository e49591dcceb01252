// Package memory provides an in-memory implementation of broker.Broker.
// State is process-local.
package memory

import (
	"context"
	"io"
	"sync"

	"github.com/jmandel/JiraFhirUtils-sub001/broker"
	"github.com/jmandel/JiraFhirUtils-sub001/internal/jsonrpc"
	"github.com/oklog/ulid/v2"
)

// DefaultHistory is the number of messages retained per namespace.
const DefaultHistory = 256

// Broker implements broker.Broker using in-memory storage.
type Broker struct {
	history int

	mu         sync.Mutex
	namespaces map[string]*namespace
}

type entry struct {
	seq uint64
	env broker.MessageEnvelope
}

type namespace struct {
	mu       sync.Mutex
	messages []entry
	nextSeq  uint64
	// changed is closed and replaced on every publish and on cleanup.
	changed chan struct{}
	closed  bool
}

type subscription struct {
	ns     *namespace
	cursor uint64 // seq of the next message to deliver

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a broker retaining history messages per namespace. A
// non-positive history selects DefaultHistory.
func New(history int) *Broker {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Broker{
		history:    history,
		namespaces: make(map[string]*namespace),
	}
}

func (b *Broker) namespace(name string) *namespace {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.namespaces[name]
	if !ok {
		ns = &namespace{changed: make(chan struct{})}
		b.namespaces[name] = ns
	}
	return ns
}

// Publish implements broker.Broker.Publish
func (b *Broker) Publish(ctx context.Context, namespaceName string, message jsonrpc.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ns := b.namespace(namespaceName)
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.closed {
		return "", broker.ErrNamespaceClosed
	}

	env := broker.MessageEnvelope{
		ID:   ulid.Make().String(),
		Data: append([]byte(nil), message...),
	}
	ns.messages = append(ns.messages, entry{seq: ns.nextSeq, env: env})
	ns.nextSeq++
	if over := len(ns.messages) - b.history; over > 0 {
		ns.messages = append(ns.messages[:0:0], ns.messages[over:]...)
	}

	close(ns.changed)
	ns.changed = make(chan struct{})
	return env.ID, nil
}

// Subscribe implements broker.Broker.Subscribe
func (b *Broker) Subscribe(ctx context.Context, namespaceName string, lastEventID string) (broker.MessageStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ns := b.namespace(namespaceName)
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.closed {
		return nil, broker.ErrNamespaceClosed
	}

	sub := &subscription{ns: ns, cursor: ns.nextSeq, done: make(chan struct{})}
	if lastEventID != "" {
		for _, e := range ns.messages {
			if e.env.ID == lastEventID {
				sub.cursor = e.seq + 1
				break
			}
		}
	}
	return sub, nil
}

// Cleanup implements broker.Broker.Cleanup
func (b *Broker) Cleanup(ctx context.Context, namespaceName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	ns, ok := b.namespaces[namespaceName]
	delete(b.namespaces, namespaceName)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if !ns.closed {
		ns.closed = true
		ns.messages = nil
		close(ns.changed)
	}
	return nil
}

// Next implements broker.MessageStream.Next
func (s *subscription) Next(ctx context.Context) (broker.MessageEnvelope, error) {
	for {
		select {
		case <-s.done:
			return broker.MessageEnvelope{}, io.EOF
		default:
		}

		s.ns.mu.Lock()
		if s.ns.closed {
			s.ns.mu.Unlock()
			return broker.MessageEnvelope{}, io.EOF
		}
		if s.cursor < s.ns.nextSeq {
			oldest := s.ns.nextSeq - uint64(len(s.ns.messages))
			if s.cursor < oldest {
				// Evicted while the consumer lagged.
				s.cursor = oldest
			}
			e := s.ns.messages[s.cursor-oldest]
			s.cursor++
			s.ns.mu.Unlock()
			return e.env, nil
		}
		changed := s.ns.changed
		s.ns.mu.Unlock()

		select {
		case <-changed:
		case <-s.done:
			return broker.MessageEnvelope{}, io.EOF
		case <-ctx.Done():
			return broker.MessageEnvelope{}, ctx.Err()
		}
	}
}

// Close implements broker.MessageStream.Close
func (s *subscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Compile-time interface checks
var (
	_ broker.Broker        = (*Broker)(nil)
	_ broker.MessageStream = (*subscription)(nil)
)
