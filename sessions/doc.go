// Package sessions tracks the HTTP client sessions that share the single
// tool server process.
//
// A session owns:
//   - its pending requests: one waiter per forwarded request id, settled
//     exactly once by a response, a timeout, or session termination;
//   - at most one open push stream, fed from a bounded per-session backlog
//     held in a broker.Broker.
//
// # Correlation
//
// Request ids are correlated through one process-wide map keyed by the id
// (numbers and strings never collide). Because ids are relayed to the tool
// server verbatim, an id may be in flight for only one caller at a time;
// AddPendingRequest refuses a duplicate with ErrDuplicateRequestID.
//
// # Expiry
//
// Manager.Run sweeps pending requests on a fixed interval and rejects those
// older than the request timeout with ErrRequestTimeout.
package sessions
