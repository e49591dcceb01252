// Package streaminghttp exposes a single stdio tool server to many HTTP
// clients using the MCP streamable HTTP transport. It mounts as a standard
// net/http handler on one endpoint path.
//
// # Endpoint
//
//   - POST delivers one message or a batch array to the tool server. Requests
//     are answered once the tool server replies, either as JSON or, when the
//     client prefers it, as a short Server-Sent Events stream. Sets without
//     requests are answered with 202.
//   - GET opens the session's push stream. Messages the tool server sends on
//     its own initiative are fanned out to every open push stream. Each event
//     carries an id that can be passed back as Last-Event-ID to resume.
//   - DELETE terminates the session and fails its outstanding requests.
//   - OPTIONS answers CORS preflight.
//
// A POST without Mcp-Session-Id that contains an initialize request creates
// a session and returns its id in the Mcp-Session-Id header. Without an
// initialize request the session only lives for the duration of the call.
//
// # Routing
//
// The tool server's output is fed to Handler.HandleSubprocessMessage.
// Responses are matched to the waiting request by id across all sessions;
// ids must therefore be unique among in-flight requests, and a duplicate is
// refused with an Invalid Request error instead of being forwarded.
//
// Construction
//
//	sm := sessions.NewManager()
//	proc := subprocess.New("node", []string{"server.js"})
//	h := streaminghttp.New("/mcp", sm, proc)
//	proc.OnMessage(h.HandleSubprocessMessage)
//
// # Error Handling
//
// Transport-level errors map to HTTP status codes with plain-text bodies.
// Delivery failures, timeouts and session termination are reported to the
// caller as JSON-RPC error responses with code -32603.
package streaminghttp
