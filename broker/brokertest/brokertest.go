// Package brokertest is a conformance suite for broker.Broker implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/jmandel/JiraFhirUtils-sub001/broker"
	"github.com/jmandel/JiraFhirUtils-sub001/internal/jsonrpc"
)

// BrokerFactory creates a broker retaining at least history messages per
// namespace.
type BrokerFactory func(t *testing.T, history int) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("SubscribeReceivesLaterMessages", func(t *testing.T) {
		testSubscribeReceivesLaterMessages(t, factory)
	})
	t.Run("ResumeFromLastEventID", func(t *testing.T) {
		testResumeFromLastEventID(t, factory)
	})
	t.Run("ResumeFromUnknownEventID", func(t *testing.T) {
		testResumeFromUnknownEventID(t, factory)
	})
	t.Run("MultipleSubscribers", func(t *testing.T) {
		testMultipleSubscribers(t, factory)
	})
	t.Run("NamespaceIsolation", func(t *testing.T) {
		testNamespaceIsolation(t, factory)
	})
	t.Run("NextHonoursContext", func(t *testing.T) {
		testNextHonoursContext(t, factory)
	})
	t.Run("HistoryIsBounded", func(t *testing.T) {
		testHistoryIsBounded(t, factory)
	})
	t.Run("Cleanup", func(t *testing.T) {
		testCleanup(t, factory)
	})
}

func msg(i int) jsonrpc.Message {
	return jsonrpc.Message(fmt.Sprintf(`{"jsonrpc":"2.0","method":"notifications/message","params":{"seq":%d}}`, i))
}

func publish(t *testing.T, b broker.Broker, ns string, m jsonrpc.Message) string {
	t.Helper()
	id, err := b.Publish(context.Background(), ns, m)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id == "" {
		t.Fatal("Publish returned empty event ID")
	}
	return id
}

func next(t *testing.T, s broker.MessageStream) broker.MessageEnvelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return env
}

func expectNothing(t *testing.T, s broker.MessageStream) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if env, err := s.Next(ctx); err == nil {
		t.Fatalf("unexpected message %s: %s", env.ID, env.Data)
	}
}

func subscribe(t *testing.T, b broker.Broker, ns, last string) broker.MessageStream {
	t.Helper()
	s, err := b.Subscribe(context.Background(), ns, last)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSubscribeReceivesLaterMessages(t *testing.T, factory BrokerFactory) {
	b := factory(t, 16)
	publish(t, b, "ns", msg(0))

	s := subscribe(t, b, "ns", "")
	id1 := publish(t, b, "ns", msg(1))
	id2 := publish(t, b, "ns", msg(2))

	if env := next(t, s); env.ID != id1 || string(env.Data) != string(msg(1)) {
		t.Fatalf("first message = %s %s, want %s", env.ID, env.Data, id1)
	}
	if env := next(t, s); env.ID != id2 {
		t.Fatalf("second message id = %s, want %s", env.ID, id2)
	}
}

func testResumeFromLastEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t, 16)
	id1 := publish(t, b, "ns", msg(1))
	id2 := publish(t, b, "ns", msg(2))
	id3 := publish(t, b, "ns", msg(3))

	s := subscribe(t, b, "ns", id1)
	if env := next(t, s); env.ID != id2 {
		t.Fatalf("resumed at %s, want %s", env.ID, id2)
	}
	if env := next(t, s); env.ID != id3 {
		t.Fatalf("second resumed message %s, want %s", env.ID, id3)
	}
	expectNothing(t, s)
}

func testResumeFromUnknownEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t, 16)
	publish(t, b, "ns", msg(1))

	s := subscribe(t, b, "ns", "not-an-event-id")
	id := publish(t, b, "ns", msg(2))
	if env := next(t, s); env.ID != id {
		t.Fatalf("got %s, want live message %s", env.ID, id)
	}
}

func testMultipleSubscribers(t *testing.T, factory BrokerFactory) {
	b := factory(t, 16)
	s1 := subscribe(t, b, "ns", "")
	s2 := subscribe(t, b, "ns", "")
	id := publish(t, b, "ns", msg(1))

	for i, s := range []broker.MessageStream{s1, s2} {
		if env := next(t, s); env.ID != id {
			t.Fatalf("subscriber %d got %s, want %s", i, env.ID, id)
		}
	}
}

func testNamespaceIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t, 16)
	a := subscribe(t, b, "a", "")
	bs := subscribe(t, b, "b", "")

	idA := publish(t, b, "a", msg(1))
	if env := next(t, a); env.ID != idA {
		t.Fatalf("namespace a got %s, want %s", env.ID, idA)
	}
	expectNothing(t, bs)
}

func testNextHonoursContext(t *testing.T, factory BrokerFactory) {
	b := factory(t, 16)
	s := subscribe(t, b, "ns", "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Next(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Next error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after cancellation")
	}
}

func testHistoryIsBounded(t *testing.T, factory BrokerFactory) {
	b := factory(t, 3)
	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, publish(t, b, "ns", msg(i)))
	}

	// The most recent message is always retained; resume right before it.
	s := subscribe(t, b, "ns", ids[8])
	if env := next(t, s); env.ID != ids[9] {
		t.Fatalf("got %s, want %s", env.ID, ids[9])
	}
}

func testCleanup(t *testing.T, factory BrokerFactory) {
	b := factory(t, 16)
	id := publish(t, b, "ns", msg(1))
	publish(t, b, "ns", msg(2))

	if err := b.Cleanup(context.Background(), "ns"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if err := b.Cleanup(context.Background(), "never-used"); err != nil {
		t.Fatalf("Cleanup of unknown namespace: %v", err)
	}

	// History is gone: resuming from a cleaned-up event yields nothing old.
	s := subscribe(t, b, "ns", id)
	expectNothing(t, s)
}

// ExpectEOF asserts the stream ends with io.EOF, for backends that signal
// cleanup to open streams.
func ExpectEOF(t *testing.T, s broker.MessageStream) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("Next error = %v, want io.EOF", err)
	}
}
