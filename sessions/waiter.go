package sessions

import (
	"context"
	"time"

	"github.com/jmandel/JiraFhirUtils-sub001/internal/jsonrpc"
)

// Waiter is the one-shot mailbox for a forwarded request.
type Waiter struct {
	id        *jsonrpc.RequestID
	key       string
	sessionID string
	createdAt time.Time
	ch        chan outcome
}

type outcome struct {
	msg *jsonrpc.AnyMessage
	err error
}

func newWaiter(sessionID string, id *jsonrpc.RequestID, now time.Time) *Waiter {
	return &Waiter{
		id:        id,
		key:       id.Key(),
		sessionID: sessionID,
		createdAt: now,
		ch:        make(chan outcome, 1),
	}
}

// Wait blocks until the waiter is settled or ctx ends. On ctx expiry the
// waiter stays registered; callers release it with
// Manager.AbandonPendingRequest.
func (w *Waiter) Wait(ctx context.Context) (*jsonrpc.AnyMessage, error) {
	select {
	case o := <-w.ch:
		return o.msg, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settle is only called by the goroutine that removed w from the registry,
// so it runs at most once and never blocks.
func (w *Waiter) settle(msg *jsonrpc.AnyMessage, err error) {
	w.ch <- outcome{msg: msg, err: err}
}
