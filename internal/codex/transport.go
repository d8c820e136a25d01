package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/codexhost/internal/logging"
)

var (
	// ErrProcessExited is wrapped by every error caused by the app-server
	// going away while a call was in flight.
	ErrProcessExited = errors.New("codex: process exited")
	// ErrClosed is returned once the transport has been closed.
	ErrClosed = errors.New("codex: transport closed")
)

// ExitError reports an app-server exit. All requests pending at exit are
// rejected with the same *ExitError value.
type ExitError struct {
	Pid    int
	Code   int // -1 when killed by a signal or never started
	Err    error
	Stderr string // last stderr lines, newest last
}

func (e *ExitError) Error() string {
	var b strings.Builder
	if e.Pid == 0 {
		b.WriteString("codex app-server failed to start")
	} else {
		fmt.Fprintf(&b, "codex app-server (pid %d) exited with code %d", e.Pid, e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Stderr != "" {
		b.WriteString("\nstderr: ")
		b.WriteString(e.Stderr)
	}
	return b.String()
}

func (e *ExitError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProcessExited}
	}
	return []error{ErrProcessExited, e.Err}
}

// Notification is a server → client notification.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Decode unmarshals the notification params into v.
func (n Notification) Decode(v any) error {
	if len(n.Params) == 0 {
		return nil
	}
	return json.Unmarshal(n.Params, v)
}

// NotificationHandler receives notifications on the transport read loop.
type NotificationHandler func(n Notification)

// RequestHandler is offered every server → client request. Returning true
// claims the request; the claimer must eventually call Respond exactly once.
type RequestHandler func(req *InboundRequest) bool

// ExitHandler is called after every pending request has been rejected.
type ExitHandler func(err *ExitError)

// InboundRequest is a server → client request awaiting a response.
type InboundRequest struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage

	proc *liveProcess
	once sync.Once
}

// Decode unmarshals the request params into v.
func (r *InboundRequest) Decode(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	return json.Unmarshal(r.Params, v)
}

// Respond sends result as the response. Only the first call has an effect.
func (r *InboundRequest) Respond(result any) error {
	err := errAlreadyResponded
	r.once.Do(func() {
		err = r.proc.write(response{ID: r.ID, Result: result})
	})
	return err
}

// RespondError sends an error response. Only the first Respond* call has an effect.
func (r *InboundRequest) RespondError(code int, message string) error {
	err := errAlreadyResponded
	r.once.Do(func() {
		err = r.proc.write(response{ID: r.ID, Error: &RPCError{Code: code, Message: message}})
	})
	return err
}

var errAlreadyResponded = errors.New("codex: request already answered")

// Config configures a Transport.
type Config struct {
	Spawner          Spawner
	ClientInfo       ClientInfo
	HandshakeTimeout time.Duration
	// StderrLines is how many trailing stderr lines are kept for exit errors.
	StderrLines int
}

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultStderrLines      = 20
	readChunkSize           = 64 * 1024
)

// Transport owns at most one live app-server and multiplexes requests,
// responses, notifications and server-initiated requests over its stdio.
type Transport struct {
	spawner          Spawner
	clientInfo       ClientInfo
	handshakeTimeout time.Duration
	stderrLines      int
	log              zerolog.Logger

	nextID atomic.Int64

	mu     sync.Mutex
	hs     *handshake // current process generation, nil when none
	closed bool

	lmu            sync.RWMutex
	listenerSeq    uint64
	notifyHandlers []listener[NotificationHandler]
	reqHandlers    []listener[RequestHandler]
	exitHandlers   []listener[ExitHandler]
}

type listener[T any] struct {
	id uint64
	fn T
}

// handshake is shared by every Ensure caller of one process generation.
type handshake struct {
	done chan struct{}
	proc *liveProcess
	err  error
}

// reply resolves a pending request.
type reply struct {
	msg *Message
	err error
}

// liveProcess is one spawned app-server and its correlation state.
type liveProcess struct {
	proc   Process
	hs     *handshake
	stderr *tail

	wmu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan reply
	err     error // set once; rejects later registrations

	exited chan struct{}
}

// New creates a Transport. No process is started until first use.
func New(cfg Config) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.StderrLines <= 0 {
		cfg.StderrLines = defaultStderrLines
	}
	if cfg.ClientInfo.Name == "" {
		cfg.ClientInfo = ClientInfo{Name: "codexhost", Version: "dev"}
	}
	return &Transport{
		spawner:          cfg.Spawner,
		clientInfo:       cfg.ClientInfo,
		handshakeTimeout: cfg.HandshakeTimeout,
		stderrLines:      cfg.StderrLines,
		log:              logging.Component("codex"),
	}
}

// Ensure starts the app-server if none is live and waits for its handshake.
// Concurrent callers share one handshake; ctx bounds only the caller's wait.
func (t *Transport) Ensure(ctx context.Context) error {
	_, err := t.ensure(ctx)
	return err
}

func (t *Transport) ensure(ctx context.Context) (*liveProcess, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	hs := t.hs
	if hs == nil {
		hs = &handshake{done: make(chan struct{})}
		t.hs = hs
		go t.start(hs)
	}
	t.mu.Unlock()

	select {
	case <-hs.done:
		if hs.err != nil {
			return nil, hs.err
		}
		return hs.proc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// start spawns a process and runs the handshake for hs.
func (t *Transport) start(hs *handshake) {
	ctx, cancel := context.WithTimeout(context.Background(), t.handshakeTimeout)
	defer cancel()

	err := t.startProcess(ctx, hs)

	t.mu.Lock()
	if err != nil && t.hs == hs {
		t.hs = nil
	}
	t.mu.Unlock()

	hs.err = err
	close(hs.done)
}

func (t *Transport) startProcess(ctx context.Context, hs *handshake) error {
	if t.spawner == nil {
		return errors.New("codex: no spawner configured")
	}

	proc, err := t.spawner.Spawn(ctx)
	if err != nil {
		err = fmt.Errorf("codex: spawn: %w", err)
		t.log.Error().Err(err).Msg("spawn failed")
		t.notifyExit(&ExitError{Code: -1, Err: err})
		return err
	}

	lp := &liveProcess{
		proc:    proc,
		hs:      hs,
		stderr:  newTail(t.stderrLines),
		pending: make(map[int64]chan reply),
		exited:  make(chan struct{}),
	}

	t.mu.Lock()
	closed := t.closed
	if !closed {
		hs.proc = lp
	}
	t.mu.Unlock()

	go t.run(lp)

	if closed {
		lp.failAll(ErrClosed)
		_ = proc.Kill()
		return ErrClosed
	}

	t.log.Debug().Int("pid", proc.Pid()).Msg("app-server spawned")

	var res InitializeResult
	if err := t.call(ctx, lp, MethodInitialize, InitializeParams{ClientInfo: t.clientInfo}, &res); err != nil {
		_ = proc.Kill()
		return fmt.Errorf("codex: initialize: %w", err)
	}
	if err := lp.write(notification{Method: MethodInitialized}); err != nil {
		_ = proc.Kill()
		return fmt.Errorf("codex: initialized: %w", err)
	}

	t.log.Info().Int("pid", proc.Pid()).Str("userAgent", res.UserAgent).Msg("app-server ready")
	return nil
}

// Request sends a request and decodes its result into result (which may be nil).
func (t *Transport) Request(ctx context.Context, method string, params, result any) error {
	lp, err := t.ensure(ctx)
	if err != nil {
		return err
	}
	return t.call(ctx, lp, method, params, result)
}

// Notify sends a notification.
func (t *Transport) Notify(ctx context.Context, method string, params any) error {
	lp, err := t.ensure(ctx)
	if err != nil {
		return err
	}
	return lp.write(notification{Method: method, Params: params})
}

func (t *Transport) call(ctx context.Context, lp *liveProcess, method string, params, result any) error {
	id := t.nextID.Add(1)
	ch, err := lp.register(id)
	if err != nil {
		return err
	}

	t.log.Debug().Int64("id", id).Str("method", method).Msg("request")

	if err := lp.write(request{ID: id, Method: method, Params: params}); err != nil {
		// A broken stdin leaves the process unusable; the exit path
		// rejects this request along with every other one.
		t.log.Warn().Err(err).Str("method", method).Msg("write failed, killing app-server")
		_ = lp.proc.Kill()
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if r.msg.Error != nil {
			return r.msg.Error
		}
		if result != nil && len(r.msg.Result) > 0 {
			if err := json.Unmarshal(r.msg.Result, result); err != nil {
				return fmt.Errorf("codex: decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		lp.unregister(id)
		return ctx.Err()
	}
}

// OnNotification subscribes to every notification. Handlers run on the read
// loop and must not block.
func (t *Transport) OnNotification(h NotificationHandler) func() {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	t.listenerSeq++
	id := t.listenerSeq
	t.notifyHandlers = append(t.notifyHandlers, listener[NotificationHandler]{id: id, fn: h})
	return func() {
		t.lmu.Lock()
		defer t.lmu.Unlock()
		t.notifyHandlers = removeListener(t.notifyHandlers, id)
	}
}

// OnRequest subscribes to server-initiated requests.
func (t *Transport) OnRequest(h RequestHandler) func() {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	t.listenerSeq++
	id := t.listenerSeq
	t.reqHandlers = append(t.reqHandlers, listener[RequestHandler]{id: id, fn: h})
	return func() {
		t.lmu.Lock()
		defer t.lmu.Unlock()
		t.reqHandlers = removeListener(t.reqHandlers, id)
	}
}

// OnExit subscribes to process exits and spawn failures.
func (t *Transport) OnExit(h ExitHandler) func() {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	t.listenerSeq++
	id := t.listenerSeq
	t.exitHandlers = append(t.exitHandlers, listener[ExitHandler]{id: id, fn: h})
	return func() {
		t.lmu.Lock()
		defer t.lmu.Unlock()
		t.exitHandlers = removeListener(t.exitHandlers, id)
	}
}

func removeListener[T any](ls []listener[T], id uint64) []listener[T] {
	for i, l := range ls {
		if l.id == id {
			return append(ls[:i:i], ls[i+1:]...)
		}
	}
	return ls
}

func snapshot[T any](mu *sync.RWMutex, ls *[]listener[T]) []T {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]T, len(*ls))
	for i, l := range *ls {
		out[i] = l.fn
	}
	return out
}

// Close rejects pending requests with ErrClosed, kills the app-server and
// waits for its exit path to finish or ctx to end.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	hs := t.hs
	var lp *liveProcess
	if hs != nil {
		lp = hs.proc
	}
	t.mu.Unlock()

	if lp == nil {
		return nil
	}

	lp.failAll(ErrClosed)
	if err := lp.proc.Kill(); err != nil {
		t.log.Warn().Err(err).Int("pid", lp.proc.Pid()).Msg("kill failed")
	}

	select {
	case <-lp.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pid returns the pid of the live app-server, or 0.
func (t *Transport) Pid() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hs == nil || t.hs.proc == nil {
		return 0
	}
	return t.hs.proc.proc.Pid()
}

// run drains stdout and stderr, then reaps the process and runs the exit path.
func (t *Transport) run(lp *liveProcess) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.readStdout(lp)
	}()
	go func() {
		defer wg.Done()
		t.readStderr(lp)
	}()
	wg.Wait()

	waitErr := lp.proc.Wait()
	exitErr := &ExitError{Pid: lp.proc.Pid(), Code: exitCode(waitErr), Stderr: lp.stderr.String()}
	if exitErr.Code != 0 && waitErr != nil {
		exitErr.Err = waitErr
	}

	lp.failAll(exitErr)

	t.mu.Lock()
	if t.hs == lp.hs {
		t.hs = nil
	}
	t.mu.Unlock()
	close(lp.exited)

	t.log.Info().Int("pid", exitErr.Pid).Int("code", exitErr.Code).Msg("app-server exited")
	t.notifyExit(exitErr)
}

func (t *Transport) notifyExit(err *ExitError) {
	for _, h := range snapshot(&t.lmu, &t.exitHandlers) {
		h(err)
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return -1
}

func (t *Transport) readStdout(lp *liveProcess) {
	var framer LineFramer
	buf := make([]byte, readChunkSize)
	r := lp.proc.Stdout()
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range framer.Feed(buf[:n]) {
				t.dispatch(lp, line)
			}
		}
		if err != nil {
			if err != io.EOF {
				t.log.Debug().Err(err).Msg("stdout closed")
			}
			if framer.Buffered() > 0 {
				t.log.Debug().Int("bytes", framer.Buffered()).Msg("dropping unterminated stdout line")
			}
			return
		}
	}
}

func (t *Transport) readStderr(lp *liveProcess) {
	r := lp.proc.Stderr()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		lp.stderr.Add(line)
		t.log.Debug().Int("pid", lp.proc.Pid()).Str("line", line).Msg("stderr")
	}
	// Keep draining so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func (t *Transport) dispatch(lp *liveProcess, line []byte) {
	msg, err := Decode(line)
	if err != nil {
		t.log.Debug().Err(err).Str("line", truncate(string(line), 200)).Msg("dropping malformed line")
		return
	}

	switch msg.Kind() {
	case KindResponse:
		id, err := parseID(msg.ID)
		if err != nil {
			t.log.Debug().Str("id", string(msg.ID)).Msg("dropping response with foreign id")
			return
		}
		if !lp.resolve(id, msg) {
			t.log.Debug().Int64("id", id).Msg("dropping response for unknown request")
		}

	case KindRequest:
		req := &InboundRequest{ID: msg.ID, Method: msg.Method, Params: msg.Params, proc: lp}
		for _, h := range snapshot(&t.lmu, &t.reqHandlers) {
			if h(req) {
				return
			}
		}
		t.log.Debug().Str("method", msg.Method).Msg("unclaimed request, cancelling")
		if err := req.Respond(ApprovalResponse{Decision: DecisionCancel}); err != nil {
			t.log.Debug().Err(err).Msg("auto-cancel failed")
		}

	case KindNotification:
		n := Notification{Method: msg.Method, Params: msg.Params}
		for _, h := range snapshot(&t.lmu, &t.notifyHandlers) {
			h(n)
		}
	}
}

func parseID(raw json.RawMessage) (int64, error) {
	s := string(raw)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	return strconv.ParseInt(s, 10, 64)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (lp *liveProcess) register(id int64) (chan reply, error) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.err != nil {
		return nil, lp.err
	}
	ch := make(chan reply, 1)
	lp.pending[id] = ch
	return ch, nil
}

func (lp *liveProcess) unregister(id int64) {
	lp.mu.Lock()
	delete(lp.pending, id)
	lp.mu.Unlock()
}

// resolve delivers msg to the request with id. Removal under the lock makes
// every id resolve at most once.
func (lp *liveProcess) resolve(id int64, msg *Message) bool {
	lp.mu.Lock()
	ch, ok := lp.pending[id]
	delete(lp.pending, id)
	lp.mu.Unlock()
	if !ok {
		return false
	}
	ch <- reply{msg: msg}
	return true
}

// failAll rejects every pending request with err and refuses new ones.
// Only the first call sets the error.
func (lp *liveProcess) failAll(err error) {
	lp.mu.Lock()
	if lp.err == nil {
		lp.err = err
	}
	pending := lp.pending
	lp.pending = make(map[int64]chan reply)
	lp.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: err}
	}
}

func (lp *liveProcess) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("codex: encode: %w", err)
	}
	data = append(data, '\n')

	lp.wmu.Lock()
	defer lp.wmu.Unlock()
	if _, err := lp.proc.Stdin().Write(data); err != nil {
		return fmt.Errorf("codex: write: %w", err)
	}
	return nil
}

// tail keeps the last n lines written to it.
type tail struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTail(n int) *tail {
	return &tail{max: n}
}

func (t *tail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
