package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/jmandel/JiraFhirUtils-sub001/broker"
	"github.com/jmandel/JiraFhirUtils-sub001/internal/jsonrpc"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "mcp:bridge:"
	defaultHistory   = 256
	blockInterval    = time.Second
)

var streamIDPattern = regexp.MustCompile(`^\d+-\d+$`)

// Broker is a Redis Streams-based implementation of the broker.Broker
// interface. Each namespace is one stream capped at roughly History entries.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	history   int64
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a client for localhost:6379 is created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Redis keys used by the broker.
	// Defaults to "mcp:bridge:" if empty.
	KeyPrefix string
	// History is the approximate number of messages retained per namespace.
	History int
}

// New creates a new Redis-based broker instance.
func New(config Config) *Broker {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:                  "localhost:6379",
			ContextTimeoutEnabled: true,
		})
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}

	history := int64(config.History)
	if history <= 0 {
		history = defaultHistory
	}

	return &Broker{
		client:    client,
		keyPrefix: keyPrefix,
		history:   history,
	}
}

// Ping checks connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish implements broker.Broker.Publish using XADD with an approximate
// MAXLEN cap.
func (b *Broker) Publish(ctx context.Context, namespace string, message jsonrpc.Message) (string, error) {
	streamKey := b.streamKey(namespace)

	eventID, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: b.history,
		Approx: true,
		Values: map[string]any{
			"data": []byte(message),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish message to stream %s: %w", streamKey, err)
	}

	return eventID, nil
}

// Subscribe implements broker.Broker.Subscribe. Without a usable
// lastEventID the cursor starts at the newest entry present at subscribe
// time, so nothing published afterwards is missed.
func (b *Broker) Subscribe(ctx context.Context, namespace string, lastEventID string) (broker.MessageStream, error) {
	streamKey := b.streamKey(namespace)

	cursor := lastEventID
	if !streamIDPattern.MatchString(cursor) {
		latest, err := b.client.XRevRangeN(ctx, streamKey, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to read stream head %s: %w", streamKey, err)
		}
		cursor = "0-0"
		if len(latest) > 0 {
			cursor = latest[0].ID
		}
	}

	return &stream{
		client: b.client,
		key:    streamKey,
		cursor: cursor,
		done:   make(chan struct{}),
	}, nil
}

// Cleanup removes all resources associated with a namespace.
func (b *Broker) Cleanup(ctx context.Context, namespace string) error {
	streamKey := b.streamKey(namespace)

	err := b.client.Del(ctx, streamKey).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to cleanup namespace %s: %w", namespace, err)
	}

	return nil
}

func (b *Broker) streamKey(namespace string) string {
	return b.keyPrefix + "stream:" + namespace
}

type stream struct {
	client  redis.UniversalClient
	key     string
	cursor  string
	pending []redis.XMessage

	closeOnce sync.Once
	done      chan struct{}
}

// Next implements broker.MessageStream.Next
func (s *stream) Next(ctx context.Context) (broker.MessageEnvelope, error) {
	for {
		select {
		case <-s.done:
			return broker.MessageEnvelope{}, io.EOF
		default:
		}
		if err := ctx.Err(); err != nil {
			return broker.MessageEnvelope{}, err
		}

		for len(s.pending) > 0 {
			msg := s.pending[0]
			s.pending = s.pending[1:]
			s.cursor = msg.ID

			data, ok := msg.Values["data"].(string)
			if !ok {
				// Skip malformed entries.
				continue
			}
			return broker.MessageEnvelope{ID: msg.ID, Data: []byte(data)}, nil
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.key, s.cursor},
			Count:   64,
			Block:   blockInterval,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return broker.MessageEnvelope{}, ctxErr
			}
			return broker.MessageEnvelope{}, fmt.Errorf("failed to read from stream %s: %w", s.key, err)
		}
		for _, st := range streams {
			s.pending = append(s.pending, st.Messages...)
		}
	}
}

// Close implements broker.MessageStream.Close
func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

var (
	_ broker.Broker        = (*Broker)(nil)
	_ broker.MessageStream = (*stream)(nil)
)
