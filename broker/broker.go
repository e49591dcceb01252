// Package broker holds the bounded per-session backlog of push messages that
// backs SSE delivery and Last-Event-ID replay.
package broker

import (
	"context"
	"errors"

	"github.com/jmandel/JiraFhirUtils-sub001/internal/jsonrpc"
)

// ErrNamespaceClosed is returned when publishing to or subscribing on a
// namespace that has been cleaned up.
var ErrNamespaceClosed = errors.New("broker: namespace closed")

// Broker provides namespace-based message isolation and ordered delivery
// within each namespace. Each namespace retains a bounded history.
type Broker interface {
	// Publish appends message to namespace and returns its event ID.
	Publish(ctx context.Context, namespace string, message jsonrpc.Message) (eventID string, err error)

	// Subscribe to namespace messages. With an empty lastEventID, or one no
	// longer retained, the stream starts at the next published message.
	// Otherwise it resumes with the message after lastEventID.
	Subscribe(ctx context.Context, namespace string, lastEventID string) (MessageStream, error)

	// Cleanup removes all resources associated with a namespace. Open
	// streams on the namespace end with io.EOF where the backend can signal
	// it.
	Cleanup(ctx context.Context, namespace string) error
}

// MessageStream provides ordered message consumption within a namespace.
// A stream has a single consumer.
type MessageStream interface {
	// Next blocks until the next message is available or ctx is cancelled.
	// Returns io.EOF when the stream is closed.
	Next(ctx context.Context) (MessageEnvelope, error)

	// Close releases resources associated with this stream.
	Close() error
}

// MessageEnvelope wraps a message with metadata for ordered delivery.
type MessageEnvelope struct {
	// ID increases monotonically within the namespace and is sent as the SSE event id.
	ID string `json:"id"`
	// Data is the JSON-serialized message content.
	Data []byte `json:"data"`
}
