package streaminghttp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmandel/JiraFhirUtils-sub001/internal/jsonrpc"
	"github.com/jmandel/JiraFhirUtils-sub001/internal/stubserver"
	"github.com/jmandel/JiraFhirUtils-sub001/metrics"
	"github.com/jmandel/JiraFhirUtils-sub001/sessions"
	"github.com/jmandel/JiraFhirUtils-sub001/streaminghttp"
	"github.com/jmandel/JiraFhirUtils-sub001/subprocess"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	acceptJSON = "application/json"
	acceptSSE  = "text/event-stream"
	acceptBoth = "application/json, text/event-stream"

	initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test","version":"1.0.0"}}}`
)

func TestMain(m *testing.M) {
	stubserver.Main()
	os.Exit(m.Run())
}

type bridge struct {
	url      string
	handler  *streaminghttp.Handler
	sessions *sessions.Manager
	proc     *subprocess.Manager
	metrics  *metrics.Recorder
}

func newBridge(t *testing.T, mode string, sessOpts ...sessions.Option) *bridge {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)

	rec := metrics.New()
	proc := subprocess.New(exe, nil,
		subprocess.WithEnv(stubserver.Env(mode)),
		subprocess.WithRestartDelay(50*time.Millisecond),
		subprocess.WithStopGrace(2*time.Second),
	)
	sm := sessions.NewManager(append([]sessions.Option{sessions.WithMetrics(rec)}, sessOpts...)...)
	h := streaminghttp.New("/mcp", sm, proc, streaminghttp.WithMetrics(rec))
	proc.OnMessage(h.HandleSubprocessMessage)
	require.NoError(t, proc.Start(context.Background()))

	runCtx, stopRun := context.WithCancel(context.Background())
	go func() { _ = sm.Run(runCtx) }()

	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		stopRun()
		_ = sm.DeleteAll(context.Background())
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = proc.Stop(ctx)
	})

	return &bridge{url: srv.URL + "/mcp", handler: h, sessions: sm, proc: proc, metrics: rec}
}

func (b *bridge) do(t *testing.T, ctx context.Context, method, sessID, accept, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.url, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if sessID != "" {
		req.Header.Set("Mcp-Session-Id", sessID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (b *bridge) post(t *testing.T, sessID, accept, body string) *http.Response {
	t.Helper()
	return b.do(t, t.Context(), http.MethodPost, sessID, accept, body)
}

func (b *bridge) initialize(t *testing.T) string {
	t.Helper()
	resp := b.post(t, "", acceptBoth, initializeBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessID := resp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sessID)
	return sessID
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func decodeResponse(t *testing.T, resp *http.Response) *jsonrpc.AnyMessage {
	t.Helper()
	msg, err := jsonrpc.Parse([]byte(readBody(t, resp)))
	require.NoError(t, err)
	require.Equal(t, jsonrpc.KindResponse, msg.Kind())
	return msg
}

type sseEvent struct {
	id   string
	data string
}

// events parses an SSE body; the channel closes when the body ends.
func events(body io.Reader) <-chan sseEvent {
	ch := make(chan sseEvent, 16)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(body)
		var ev sseEvent
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if ev.data != "" {
					ch <- ev
				}
				ev = sseEvent{}
			case strings.HasPrefix(line, "id: "):
				ev.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "data: "):
				ev.data += strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return ch
}

func nextEvent(t *testing.T, ch <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event stream ended")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SSE event")
		return sseEvent{}
	}
}

// openPush opens a GET push stream that is torn down by cancel.
func (b *bridge) openPush(t *testing.T, sessID, lastEventID string) (<-chan sseEvent, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", acceptSSE)
	req.Header.Set("Mcp-Session-Id", sessID)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, acceptSSE, resp.Header.Get("Content-Type"))
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	return events(resp.Body), cancel
}

func TestInitializeCreatesSession(t *testing.T) {
	b := newBridge(t, stubserver.ModeEcho)

	resp := b.post(t, "", acceptJSON, initializeBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	sessID := resp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sessID)

	msg := decodeResponse(t, resp)
	assert.Equal(t, "1", msg.ID.String())
	assert.JSONEq(t, `"initialize"`, string(mustField(t, msg.Result, "method")))

	_, err := b.sessions.Session(sessID)
	require.NoError(t, err)
}

func mustField(t *testing.T, raw json.RawMessage, name string) json.RawMessage {
	t.Helper()
	var obj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &obj))
	return obj[name]
}

func TestInitializeIsAlwaysJSON(t *testing.T) {
	b := newBridge(t, stubserver.ModeEcho)

	resp := b.post(t, "", "text/event-stream, application/json;q=0.5", initializeBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("Mcp-Session-Id"))
}

func TestRequestOnSessionReturnsSubprocessReply(t *testing.T) {
	b := newBridge(t, stubserver.ModeEcho)
	sessID := b.initialize(t)

	resp := b.post(t, sessID, acceptJSON, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Mcp-Session-Id"))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":2,"result":{"method":"tools/list"}}`, readBody(t, resp))
}

func TestDeleteThenPost(t *testing.T) {
	b := newBridge(t, stubserver.ModeEcho)
	sessID := b.initialize(t)

	resp := b.do(t, t.Context(), http.MethodDelete, sessID, "", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = b.do(t, t.Context(), http.MethodDelete, sessID, "", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = b.post(t, sessID, acceptJSON, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = b.do(t, t.Context(), http.MethodDelete, "", "", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteRejectsPendingRequests(t *testing.T) {
	b := newBridge(t, stubserver.ModeEcho)
	sessID := b.initialize(t)

	done := make(chan *http.Response, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, b.url, strings.NewReader(`{"jsonrpc":"2.0","id":"hang","method":"silent"}`))
		req.Header.Set("Accept", acceptJSON)
		req.Header.Set("Mcp-Session-Id", sessID)
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			done <- resp
		}
	}()
	require.Eventually(t, func() bool { return b.sessions.PendingCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	resp := b.do(t, t.Context(), http.MethodDelete, sessID, "", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	select {
	case resp := <-done:
		defer resp.Body.Close()
		msg := decodeResponse(t, resp)
		require.NotNil(t, msg.Error)
		assert.Equal(t, jsonrpc.ErrorCodeInternalError, msg.Error.Code)
		assert.Equal(t, sessions.ErrSessionTerminated.Error(), msg.Error.Message)
		assert.Equal(t, "hang", msg.ID.String())
	case <-time.After(5 * time.Second):
		t.Fatal("pending request was not rejected")
	}
}

func TestPendingRequestTimesOutAcrossCrash(t *testing.T) {
	b := newBridge(t, stubserver.ModeEcho,
		sessions.WithRequestTimeout(300*time.Millisecond),
		sessions.WithSweepInterval(50*time.Millisecond),
	)
	sessID := b.initialize(t)
	firstPID := b.proc.PID()

	resp := b.post(t, sessID, acceptJSON, `{"jsonrpc":"2.0","id":10,"method":"crash","params":{"code":2}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msg := decodeResponse(t, resp)
	require.NotNil(t, msg.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInternalError, msg.Error.Code)
	assert.Equal(t, "request timeout", msg.Error.Message)
	assert.Equal(t, "10", msg.ID.String())

	// New requests succeed once the replacement process is up.
	require.Eventually(t, func() bool {
		id := time.Now().UnixNano()
		resp := b.post(t, sessID, acceptJSON, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"ping"}`, id))
		if resp.StatusCode != http.StatusOK {
			return false
		}
		msg := decodeResponse(t, resp)
		return msg.Error == nil
	}, 10*time.Second, 50*time.Millisecond)
	assert.NotEqual(t, firstPID, b.proc.PID())
}

func TestNotificationsAreForwardedInOrder(t *testing.T) {
	b := newBridge(t, stubserver.ModeEcho)
	sessID := b.initialize(t)
	push, _ := b.openPush(t, sessID, "")

	resp := b.post(t, sessID, acceptJSON, `[{"jsonrpc":"2.0","method":"notifications/first"},{"jsonrpc":"2.0","method":"notifications/second"}]`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Empty(t, readBody(t, resp))

	// The stub echoes every notification back as stub/received.
	for _, want := range []string{"notifications/first", "notifications/second"} {
		ev := nextEvent(t, push)
		assert.NotEmpty(t, ev.id)
		received := mustField(t, json.RawMessage(ev.data), "params")
		assert.JSONEq(t, fmt.Sprintf(`{"jsonrpc":"2.0","method":%q}`, want), string(received))
	}
}

func TestEphemeralSessionIsDiscarded(t *testing.T) {
	b := newBridge(t, stubserver.ModeEcho)

	resp := b.post(t, "", acceptJSON, `{"jsonrpc":"2.0","id":"e","method":"tools/list"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Mcp-Session-Id"))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"e","result":{"method":"tools/list"}}`, readBody(t, resp))

	require.Eventually(t, func() bool { return b.sessions.Count() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestPostSSEResponse(t *testing.T) {
	b := newBridge(t, stubserver.ModeEcho)
	sessID := b.initialize(t)

	resp := b.post(t, sessID, acceptSSE, `[{"jsonrpc":"2.0","id":"a","method":"one"},{"jsonrpc":"2.0","id":"b","method":"two"}]`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, acceptSSE, resp.Header.Get("Content-Type"))

	evs := events(resp.Body)
	first := nextEvent(t, evs)
	assert.Empty(t, first.id)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"a","result":{"method":"one"}}`, first.data)
	second := nextEvent(t, evs)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"b","result":{"method":"two"}}`, second.data)

	select {
	case _, ok := <-evs:
		assert.False(t, ok, "stream should end after the last reply")
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end")
	}
}

func TestBatchResponseIsArray(t *testing.T) {
	b := newBridge(t, stubserver.ModeEcho)
	sessID := b.initialize(t)

	resp := b.post(t, sessID, acceptJSON, `[
		{"jsonrpc":"2.0","id":1,"method":"slow","params":{"ms":100}},
		{"jsonrpc":"2.0","method":"notifications/progress"},
		{"jsonrpc":"2.0","id":2,"method":"fast"}
	]`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[
		{"jsonrpc":"2.0","id":1,"result":{"method":"slow","params":{"ms":100}}},
		{"jsonrpc":"2.0","id":2,"result":{"method":"fast"}}
	]`, readBody(t, resp))
}

func TestDuplicateInFlightID(t *testing.T) {
	b := newBridge(t, stubserver.ModeEcho)
	a := b.initialize(t)
	other := b.initialize(t)

	var wg sync.WaitGroup
	wg.Add(1)
	var firstBody string
	go func() {
		defer wg.Done()
		req, _ := http.NewRequest(http.MethodPost, b.url, strings.NewReader(`{"jsonrpc":"2.0","id":"dup","method":"slow","params":{"ms":300}}`))
		req.Header.Set("Accept", acceptJSON)
		req.Header.Set("Mcp-Session-Id", a)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		firstBody = string(raw)
	}()
	require.Eventually(t, func() bool { return b.sessions.PendingCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	resp := b.post(t, other, acceptJSON, `{"jsonrpc":"2.0","id":"dup","method":"tools/list"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msg := decodeResponse(t, resp)
	require.NotNil(t, msg.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInvalidRequest, msg.Error.Code)
	assert.Equal(t, "dup", msg.ID.String())

	wg.Wait()
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"dup","result":{"method":"slow","params":{"ms":300}}}`, firstBody)
}

func TestDeadSubprocess(t *testing.T) {
	b := newBridge(t, stubserver.ModeEcho)
	sessID := b.initialize(t)
	require.NoError(t, b.proc.Stop(t.Context()))

	resp := b.post(t, sessID, acceptJSON, `{"jsonrpc":"2.0","id":7,"method":"tools/list"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msg := decodeResponse(t, resp)
	require.NotNil(t, msg.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInternalError, msg.Error.Code)
	assert.Contains(t, msg.Error.Message, "failed to deliver message to subprocess")
	assert.Zero(t, b.sessions.PendingCount())

	resp = b.post(t, sessID, acceptJSON, `{"jsonrpc":"2.0","method":"notifications/cancelled"}`)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "failed to deliver message to subprocess")
}

func TestPushStreamAndReplay(t *testing.T) {
	b := newBridge(t, stubserver.ModeEcho)
	sessID := b.initialize(t)
	push, disconnect := b.openPush(t, sessID, "")

	resp := b.post(t, sessID, acceptJSON, `{"jsonrpc":"2.0","id":20,"method":"push","params":{"n":1}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := nextEvent(t, push)
	require.NotEmpty(t, first.id)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/message","params":{"n":1}}`, first.data)

	disconnect()

	resp = b.post(t, sessID, acceptJSON, `{"jsonrpc":"2.0","id":21,"method":"push","params":{"n":2}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resumed, _ := b.openPush(t, sessID, first.id)
	ev := nextEvent(t, resumed)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/message","params":{"n":2}}`, ev.data)
	assert.NotEqual(t, first.id, ev.id)
}

func TestPushStreamEndsOnDelete(t *testing.T) {
	b := newBridge(t, stubserver.ModeEcho)
	sessID := b.initialize(t)
	push, _ := b.openPush(t, sessID, "")

	resp := b.do(t, t.Context(), http.MethodDelete, sessID, "", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	select {
	case _, ok := <-push:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("push stream survived session deletion")
	}
}

func TestRejections(t *testing.T) {
	b := newBridge(t, stubserver.ModeEcho)
	sessID := b.initialize(t)

	tests := []struct {
		name   string
		method string
		sessID string
		accept string
		body   string
		want   int
	}{
		{"post without accept", http.MethodPost, sessID, "", `{"jsonrpc":"2.0","id":1,"method":"x"}`, http.StatusBadRequest},
		{"post with unacceptable accept", http.MethodPost, sessID, "text/html", `{"jsonrpc":"2.0","id":1,"method":"x"}`, http.StatusBadRequest},
		{"post unknown session", http.MethodPost, "nope", acceptJSON, `{"jsonrpc":"2.0","id":1,"method":"x"}`, http.StatusNotFound},
		{"post invalid json", http.MethodPost, sessID, acceptJSON, `{"jsonrpc":`, http.StatusBadRequest},
		{"post missing version", http.MethodPost, sessID, acceptJSON, `{"id":1,"method":"x"}`, http.StatusBadRequest},
		{"post empty batch", http.MethodPost, sessID, acceptJSON, `[]`, http.StatusBadRequest},
		{"post result and error", http.MethodPost, sessID, acceptJSON, `{"jsonrpc":"2.0","id":1,"result":1,"error":{"code":1,"message":"x"}}`, http.StatusBadRequest},
		{"get without accept", http.MethodGet, sessID, "", "", http.StatusBadRequest},
		{"get json only", http.MethodGet, sessID, acceptJSON, "", http.StatusBadRequest},
		{"get without session", http.MethodGet, "", acceptSSE, "", http.StatusBadRequest},
		{"get unknown session", http.MethodGet, "nope", acceptSSE, "", http.StatusNotFound},
		{"put", http.MethodPut, sessID, acceptJSON, "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := b.do(t, t.Context(), tt.method, tt.sessID, tt.accept, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.NotEqual(t, acceptSSE, resp.Header.Get("Content-Type"))
		})
	}

	// Rejected bodies never reach the tool server or leave waiters behind.
	assert.Zero(t, b.sessions.PendingCount())
}

func TestUnknownPath(t *testing.T) {
	b := newBridge(t, stubserver.ModeEcho)
	resp, err := http.Post(strings.TrimSuffix(b.url, "/mcp")+"/other", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOptions(t *testing.T) {
	b := newBridge(t, stubserver.ModeEcho)

	resp := b.do(t, t.Context(), http.MethodOptions, "", "", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Mcp-Session-Id")
	assert.Empty(t, readBody(t, resp))

	req, err := http.NewRequest(http.MethodOptions, b.url, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	preflight, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer preflight.Body.Close()
	assert.Equal(t, http.StatusNoContent, preflight.StatusCode)
	assert.Equal(t, "http://example.test", preflight.Header.Get("Access-Control-Allow-Origin"))
}

func TestUnroutableResponseIsCounted(t *testing.T) {
	b := newBridge(t, stubserver.ModeEcho)

	b.handler.HandleSubprocessMessage(t.Context(), jsonrpc.Message(`{"jsonrpc":"2.0","id":"ghost","result":{}}`))
	b.handler.HandleSubprocessMessage(t.Context(), jsonrpc.Message(`{"not":"jsonrpc"}`))

	err := testutil.GatherAndCompare(b.metrics.Registry(), strings.NewReader(`
# HELP mcp_bridge_unroutable_responses_total Tool server responses that matched no pending request.
# TYPE mcp_bridge_unroutable_responses_total counter
mcp_bridge_unroutable_responses_total 1
`), "mcp_bridge_unroutable_responses_total")
	require.NoError(t, err)
}

func TestGoSDKClientEndToEnd(t *testing.T) {
	b := newBridge(t, stubserver.ModeMCP)
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Second)
	defer cancel()

	client := sdk.NewClient(&sdk.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, &sdk.StreamableClientTransport{Endpoint: b.url}, nil)
	require.NoError(t, err)
	defer cs.Close()

	assert.Equal(t, "stub", cs.InitializeResult().ServerInfo.Name)

	tools, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
	require.NoError(t, err)
	require.Len(t, tools.Tools, 1)
	assert.Equal(t, "echo", tools.Tools[0].Name)

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: "echo", Arguments: map[string]any{"text": "hi"}})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*sdk.TextContent)
	require.True(t, ok)
	assert.Equal(t, "echo: hi", text.Text)
}
