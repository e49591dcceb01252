// Package subprocess supervises the single stdio tool server process that
// the bridge fronts. Messages travel as newline-delimited JSON in both
// directions.
package subprocess

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jmandel/JiraFhirUtils-sub001/internal/jsonrpc"
	"github.com/jmandel/JiraFhirUtils-sub001/internal/logctx"
	"github.com/jmandel/JiraFhirUtils-sub001/internal/logging"
	"github.com/jmandel/JiraFhirUtils-sub001/metrics"
)

const (
	defaultRestartDelay = time.Second
	defaultStopGrace    = 5 * time.Second
	stderrTailLines     = 20

	// drainTimeout bounds how long output is read after the process exits.
	drainTimeout = 2 * time.Second
	// killWait bounds how long Stop waits for exit handling after SIGKILL.
	killWait = drainTimeout + time.Second
)

// MessageHandler receives every valid JSON line the process writes to
// stdout, in emission order, on the reader goroutine.
type MessageHandler func(ctx context.Context, msg jsonrpc.Message)

// ExitHandler observes process exits. err is nil for a clean exit and an
// *ExitError otherwise.
type ExitHandler func(code int, err error)

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithEnv sets the environment of the process. Defaults to os.Environ().
func WithEnv(env []string) Option {
	return func(m *Manager) { m.env = env }
}

// WithDir sets the working directory of the process.
func WithDir(dir string) Option {
	return func(m *Manager) { m.dir = dir }
}

// WithAutoRestart controls whether abnormal exits schedule a restart.
func WithAutoRestart(enabled bool) Option {
	return func(m *Manager) { m.restartPolicy = enabled }
}

func WithRestartDelay(d time.Duration) Option {
	return func(m *Manager) { m.restartDelay = d }
}

func WithStopGrace(d time.Duration) Option {
	return func(m *Manager) { m.stopGrace = d }
}

// WithStderr registers a callback for each stderr line, in addition to logging.
func WithStderr(fn func(line string)) Option {
	return func(m *Manager) { m.stderrFn = fn }
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// Manager owns at most one live process at a time and restarts it after
// abnormal exits when auto-restart is enabled.
type Manager struct {
	path string
	args []string

	log           *slog.Logger
	env           []string
	dir           string
	restartPolicy bool
	restartDelay  time.Duration
	stopGrace     time.Duration
	stderrFn      func(string)
	metrics       *metrics.Recorder

	mu           sync.Mutex
	proc         *process
	autoRestart  bool
	stopped      bool
	restartTimer *time.Timer
	onMessage    []MessageHandler
	onExit       []ExitHandler
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File
	writes chan writeReq
	// exited closes once the process has been reaped.
	exited chan struct{}
	// done closes once exit handling has finished.
	done chan struct{}
	ctx  context.Context

	// guarded by Manager.mu
	intentional bool

	tailMu sync.Mutex
	tail   []string
}

type writeReq struct {
	line []byte
	errc chan error
}

// New creates a Manager for the given command. The process is not started
// until Start is called.
func New(path string, args []string, opts ...Option) *Manager {
	m := &Manager{
		path:          path,
		args:          args,
		log:           logging.Discard(),
		restartPolicy: true,
		restartDelay:  defaultRestartDelay,
		stopGrace:     defaultStopGrace,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnMessage registers a stdout message handler. Handlers run in
// registration order.
func (m *Manager) OnMessage(h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = append(m.onMessage, h)
}

// OnExit registers an exit observer.
func (m *Manager) OnExit(h ExitHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit = append(m.onExit, h)
}

// Running reports whether a process is currently live.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proc != nil
}

// PID returns the pid of the live process, or 0.
func (m *Manager) PID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc == nil {
		return 0
	}
	return m.proc.cmd.Process.Pid
}

// Start spawns the process. It is a no-op while a process is live.
func (m *Manager) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.autoRestart = m.restartPolicy
	m.stopped = false
	if m.proc != nil {
		return nil
	}
	m.cancelRestartLocked()
	return m.spawnLocked()
}

// Stop disables auto-restart, asks the process to terminate and kills it if
// it is still alive after the grace period.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.autoRestart = false
	m.stopped = true
	m.cancelRestartLocked()
	p := m.proc
	if p != nil {
		p.intentional = true
	}
	m.mu.Unlock()

	if p == nil {
		return nil
	}
	return m.terminate(ctx, p)
}

// Restart replaces the live process with a fresh one. The exit caused by the
// restart does not count as a crash.
func (m *Manager) Restart(ctx context.Context) error {
	m.mu.Lock()
	p := m.proc
	if p != nil {
		p.intentional = true
	}
	m.mu.Unlock()

	if p != nil {
		m.log.InfoContext(p.ctx, "subprocess.restart")
		if err := m.terminate(ctx, p); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc != nil {
		return nil
	}
	m.cancelRestartLocked()
	m.metrics.SubprocessRestart()
	return m.spawnLocked()
}

// Send writes msg to the process stdin as a single line. Writes are applied
// in submission order.
func (m *Manager) Send(ctx context.Context, msg jsonrpc.Message) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, msg); err != nil {
		return fmt.Errorf("compact message: %w", err)
	}
	buf.WriteByte('\n')

	m.mu.Lock()
	p := m.proc
	m.mu.Unlock()
	if p == nil {
		return ErrNotRunning
	}

	req := writeReq{line: buf.Bytes(), errc: make(chan error, 1)}
	select {
	case p.writes <- req:
	case <-p.exited:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.errc:
		if err != nil {
			return fmt.Errorf("write to stdin: %w", err)
		}
		return nil
	case <-p.exited:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) cancelRestartLocked() {
	if m.restartTimer != nil {
		m.restartTimer.Stop()
		m.restartTimer = nil
	}
}

func (m *Manager) spawnLocked() error {
	//nolint:gosec // G204: the tool server command line is operator-supplied
	cmd := exec.Command(m.path, m.args...)
	cmd.Dir = m.dir
	cmd.Env = m.env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = drainTimeout

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &SpawnError{Command: m.path, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	// Output goes through plain os.Pipes so that Wait returns when the
	// process exits, even if a forked helper still holds the write ends.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return &SpawnError{Command: m.path, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeFiles(stdout, stdoutW)
		return &SpawnError{Command: m.path, Err: fmt.Errorf("stderr pipe: %w", err)}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	closeFiles(stdoutW, stderrW)
	if err != nil {
		closeFiles(stdout, stderr)
		m.log.Error("subprocess.spawn.fail", slog.String("cmd", m.path), slog.String("err", err.Error()))
		return &SpawnError{Command: m.path, Err: err}
	}

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		writes: make(chan writeReq),
		exited: make(chan struct{}),
		done:   make(chan struct{}),
		ctx: logctx.WithProcessData(context.Background(), &logctx.ProcessData{
			PID:     cmd.Process.Pid,
			Command: strings.Join(append([]string{m.path}, m.args...), " "),
		}),
	}
	m.proc = p

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		defer stderr.Close()
		m.readStderr(p, stderr)
	}()
	go func() {
		defer readers.Done()
		defer stdout.Close()
		m.readStdout(p, stdout)
	}()
	go m.writeLoop(p)
	go m.supervise(p, &readers)

	m.log.InfoContext(p.ctx, "subprocess.start")
	return nil
}

func (m *Manager) writeLoop(p *process) {
	for {
		select {
		case req := <-p.writes:
			_, err := p.stdin.Write(req.line)
			req.errc <- err
		case <-p.exited:
			return
		}
	}
}

// readStdout splits stdout into lines without a length cap. Lines that are
// not valid JSON are logged and dropped.
func (m *Manager) readStdout(p *process, r io.Reader) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			m.dispatchLine(p, line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				m.log.WarnContext(p.ctx, "subprocess.stdout.read.fail", slog.String("err", err.Error()))
			}
			return
		}
	}
}

func (m *Manager) dispatchLine(p *process, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	if !json.Valid(line) {
		m.metrics.InvalidLine()
		m.log.WarnContext(p.ctx, "subprocess.stdout.invalid_json", slog.String("line", truncate(string(line), 256)))
		return
	}

	m.mu.Lock()
	handlers := m.onMessage
	m.mu.Unlock()

	msg := jsonrpc.Message(line)
	for _, h := range handlers {
		h(p.ctx, msg)
	}
}

func (m *Manager) readStderr(p *process, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		p.tailMu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > stderrTailLines {
			p.tail = p.tail[len(p.tail)-stderrTailLines:]
		}
		p.tailMu.Unlock()

		m.log.InfoContext(p.ctx, "subprocess.stderr", slog.String("line", line))
		if m.stderrFn != nil {
			m.stderrFn(line)
		}
	}
	if err := scanner.Err(); err != nil {
		m.log.DebugContext(p.ctx, "subprocess.stderr.read.fail", slog.String("err", err.Error()))
		_, _ = io.Copy(io.Discard, r)
	}
}

func (m *Manager) supervise(p *process, readers *sync.WaitGroup) {
	waitErr := p.cmd.Wait()
	code := exitCode(waitErr)

	// Helpers left behind by the process go down with it.
	if err := signalGroup(p.cmd, syscall.SIGKILL); err != nil && !processGone(err) {
		m.log.DebugContext(p.ctx, "subprocess.group.kill.fail", slog.String("err", err.Error()))
	}

	m.mu.Lock()
	if m.proc == p {
		m.proc = nil
	}
	intentional := p.intentional
	restart := !intentional && m.autoRestart && code != 0
	if restart {
		m.scheduleRestartLocked()
	}
	m.mu.Unlock()
	close(p.exited)

	m.drain(p, readers)

	var exitErr error
	if code != 0 {
		p.tailMu.Lock()
		tail := append([]string(nil), p.tail...)
		p.tailMu.Unlock()
		exitErr = &ExitError{Code: code, Stderr: tail, Err: waitErr}
	}

	m.mu.Lock()
	observers := m.onExit
	m.mu.Unlock()

	m.metrics.SubprocessExit(code)
	switch {
	case intentional:
		m.log.InfoContext(p.ctx, "subprocess.exit", slog.Int("code", code), slog.Bool("intentional", true))
	case code == 0:
		m.log.InfoContext(p.ctx, "subprocess.exit", slog.Int("code", code))
	default:
		m.log.WarnContext(p.ctx, "subprocess.exit.abnormal",
			slog.Int("code", code),
			slog.Bool("restart", restart),
			slog.String("err", exitErr.Error()),
		)
	}

	for _, h := range observers {
		h(code, exitErr)
	}
	close(p.done)
}

// drain lets the readers consume what the process wrote before it exited.
// Pipes still held open by a process outside the group are closed after
// drainTimeout.
func (m *Manager) drain(p *process, readers *sync.WaitGroup) {
	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()

	t := time.NewTimer(drainTimeout)
	defer t.Stop()
	select {
	case <-drained:
	case <-t.C:
		m.log.WarnContext(p.ctx, "subprocess.drain.timeout", slog.Duration("timeout", drainTimeout))
		closeFiles(p.stdout, p.stderr)
		<-drained
	}
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func (m *Manager) scheduleRestartLocked() {
	m.cancelRestartLocked()
	var t *time.Timer
	t = time.AfterFunc(m.restartDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.restartTimer != t {
			return
		}
		m.restartTimer = nil
		if !m.autoRestart || m.proc != nil {
			return
		}
		m.metrics.SubprocessRestart()
		if err := m.spawnLocked(); err != nil {
			m.log.Error("subprocess.restart.fail", slog.String("err", err.Error()))
			m.scheduleRestartLocked()
		}
	})
	m.restartTimer = t
}

// terminate sends SIGTERM to the process group, then SIGKILL once the grace
// period elapses or ctx ends, and returns after exit handling has finished.
func (m *Manager) terminate(ctx context.Context, p *process) error {
	if err := signalGroup(p.cmd, syscall.SIGTERM); err != nil && !processGone(err) {
		m.log.DebugContext(p.ctx, "subprocess.signal.fail", slog.String("err", err.Error()))
	}

	grace := time.NewTimer(m.stopGrace)
	defer grace.Stop()

	// Once ctx has forced the kill, only killWait bounds the wait below.
	ctxDone := ctx.Done()
	select {
	case <-p.done:
		return nil
	case <-grace.C:
		m.log.WarnContext(p.ctx, "subprocess.stop.kill", slog.Duration("grace", m.stopGrace))
	case <-ctxDone:
		m.log.WarnContext(p.ctx, "subprocess.stop.kill", slog.String("err", ctx.Err().Error()))
		ctxDone = nil
	}

	if err := signalGroup(p.cmd, syscall.SIGKILL); err != nil && !processGone(err) {
		m.log.ErrorContext(p.ctx, "subprocess.kill.fail", slog.String("err", err.Error()))
	}

	wait := time.NewTimer(killWait)
	defer wait.Stop()
	select {
	case <-p.done:
		return nil
	case <-wait.C:
		return fmt.Errorf("subprocess %d still running %s after kill", p.cmd.Process.Pid, killWait)
	case <-ctxDone:
		return fmt.Errorf("wait for subprocess exit: %w", ctx.Err())
	}
}

func processGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
