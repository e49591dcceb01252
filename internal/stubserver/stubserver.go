// Package stubserver implements throwaway stdio tool servers used by tests.
// A test binary calls Main from TestMain; when the mode variable is set the
// binary behaves as a tool server instead of running tests, so tests can
// spawn os.Executable() as a real subprocess.
package stubserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ModeEnv selects the stub behaviour.
const ModeEnv = "BRIDGE_STUB_MODE"

const (
	// ModeEcho answers every request with its own method and params and
	// understands a few control methods, see serveEcho.
	ModeEcho = "echo"
	// ModeIgnoreTerm behaves like ModeEcho but ignores SIGTERM.
	ModeIgnoreTerm = "ignore-term"
	// ModeCrash exits immediately with code 3.
	ModeCrash = "crash"
	// ModeMCP runs a go-sdk MCP server with an "echo" tool.
	ModeMCP = "mcp"
	// ModeSleep idles for a minute. The echo "orphan" method leaves one
	// running behind.
	ModeSleep = "sleep"
)

// Env returns os.Environ() with the stub mode set.
func Env(mode string) []string {
	return append(os.Environ(), ModeEnv+"="+mode)
}

// Main runs the stub and exits when ModeEnv is set; otherwise it returns.
func Main() {
	mode := os.Getenv(ModeEnv)
	if mode == "" {
		return
	}
	os.Exit(run(mode))
}

func run(mode string) int {
	switch mode {
	case ModeEcho:
		return serveEcho()
	case ModeIgnoreTerm:
		signal.Ignore(syscall.SIGTERM)
		return serveEcho()
	case ModeCrash:
		fmt.Fprintln(os.Stderr, "stub: crashing on start")
		return 3
	case ModeMCP:
		return serveMCP()
	case ModeSleep:
		time.Sleep(time.Minute)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "stub: unknown mode %q\n", mode)
		return 2
	}
}

type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// serveEcho answers requests with {"method":..,"params":..}. Control methods:
//
//	silent         never answered
//	slow           answered after params.ms milliseconds
//	crash          exit with params.code (default 1)
//	exit           exit 0
//	garbage        emit a non-JSON line before answering
//	stderr         write params.text to stderr before answering
//	push           emit a notification carrying params before answering
//	pid            answer with the process id
//	fork           start a sleeper sharing stdout and stderr, then answer
//	orphan         like fork, then exit with params.code (default 1)
//	               without answering
//
// Notifications and responses are echoed back as a "stub/received"
// notification wrapping the original line.
func serveEcho() int {
	var mu sync.Mutex
	out := bufio.NewWriter(os.Stdout)
	write := func(v any) {
		b, _ := json.Marshal(v)
		mu.Lock()
		defer mu.Unlock()
		out.Write(b)
		out.WriteByte('\n')
		out.Flush()
	}
	writeRaw := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		out.WriteString(s)
		out.Flush()
	}

	in := bufio.NewReader(os.Stdin)
	for {
		line, err := in.ReadBytes('\n')
		if len(line) > 0 {
			var msg message
			if jerr := json.Unmarshal(line, &msg); jerr != nil {
				fmt.Fprintf(os.Stderr, "stub: bad line %q\n", line)
				continue
			}
			if msg.Method == "" || len(msg.ID) == 0 {
				write(map[string]any{"jsonrpc": "2.0", "method": "stub/received", "params": json.RawMessage(bytes.TrimSpace(line))})
				continue
			}
			if code, exit := handleEcho(msg, write, writeRaw); exit {
				return code
			}
		}
		if err != nil {
			return 0
		}
	}
}

func handleEcho(msg message, write func(any), writeRaw func(string)) (int, bool) {
	var params struct {
		MS   int    `json:"ms"`
		Code *int   `json:"code"`
		Text string `json:"text"`
	}
	_ = json.Unmarshal(msg.Params, &params)

	result := map[string]any{"method": msg.Method}
	if len(msg.Params) > 0 {
		result["params"] = msg.Params
	}
	reply := func() {
		write(map[string]any{"jsonrpc": "2.0", "id": msg.ID, "result": result})
	}

	switch msg.Method {
	case "silent":
		return 0, false
	case "slow":
		go func() {
			time.Sleep(time.Duration(params.MS) * time.Millisecond)
			reply()
		}()
		return 0, false
	case "crash":
		code := 1
		if params.Code != nil {
			code = *params.Code
		}
		fmt.Fprintln(os.Stderr, "stub: crash requested")
		return code, true
	case "exit":
		return 0, true
	case "garbage":
		writeRaw("this is not json\n")
	case "stderr":
		fmt.Fprintln(os.Stderr, params.Text)
	case "push":
		write(map[string]any{"jsonrpc": "2.0", "method": "notifications/message", "params": msg.Params})
	case "fork":
		if err := startSleeper(); err != nil {
			fmt.Fprintf(os.Stderr, "stub: start sleeper: %v\n", err)
		}
	case "orphan":
		if err := startSleeper(); err != nil {
			fmt.Fprintf(os.Stderr, "stub: start sleeper: %v\n", err)
		}
		code := 1
		if params.Code != nil {
			code = *params.Code
		}
		return code, true
	case "pid":
		result["pid"] = strconv.Itoa(os.Getpid())
	}
	reply()
	return 0, false
}

func startSleeper() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(exe)
	cmd.Env = Env(ModeSleep)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

type echoArgs struct {
	Text string `json:"text" jsonschema:"text to echo back"`
}

func serveMCP() int {
	server := mcp.NewServer(&mcp.Implementation{Name: "stub", Version: "0.0.1"}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "echo",
		Description: "Echo the provided text",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args echoArgs) (*mcp.CallToolResult, any, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "echo: " + args.Text}},
		}, nil, nil
	})
	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		fmt.Fprintf(os.Stderr, "stub: mcp server: %v\n", err)
		return 1
	}
	return 0
}
