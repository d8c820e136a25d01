// Package codextest provides a scriptable in-memory app-server for tests.
package codextest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/opencode-ai/codexhost/internal/codex"
)

// HandlerFunc answers one request. Returning a non-nil *codex.RPCError sends
// an error response instead of result. Handlers run on the connection's
// handler goroutine and must not call Conn.Request.
type HandlerFunc func(c *Conn, params json.RawMessage) (any, *codex.RPCError)

// Call is one message the host sent to the server.
type Call struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

// Decode unmarshals the call params into v.
func (c Call) Decode(v any) error {
	return json.Unmarshal(c.Params, v)
}

// Server is a fake app-server implementing codex.Spawner. Each Spawn starts a
// new connection sharing the server's handlers and call log.
type Server struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc
	held     map[string]bool
	calls    []Call
	changed  chan struct{}
	conn     *Conn
	spawns   int
	spawnErr error
	nextPid  int
}

// NewServer returns a server that completes the handshake and answers every
// other request with an empty result.
func NewServer() *Server {
	s := &Server{
		handlers: make(map[string]HandlerFunc),
		held:     make(map[string]bool),
		changed:  make(chan struct{}),
		nextPid:  1000,
	}
	s.Handle(codex.MethodInitialize, func(*Conn, json.RawMessage) (any, *codex.RPCError) {
		return codex.InitializeResult{UserAgent: "codextest/0.0.0"}, nil
	})
	return s
}

// Handle sets the handler for method.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Reply makes method answer with a fixed result.
func (s *Server) Reply(method string, result any) {
	s.Handle(method, func(*Conn, json.RawMessage) (any, *codex.RPCError) {
		return result, nil
	})
}

// Fail makes method answer with an error.
func (s *Server) Fail(method, message string) {
	s.Handle(method, func(*Conn, json.RawMessage) (any, *codex.RPCError) {
		return nil, &codex.RPCError{Code: -32000, Message: message}
	})
}

// Hold makes method record requests without answering them. Tests answer
// held requests with Conn.Respond.
func (s *Server) Hold(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held[method] = true
}

// FailSpawn makes the next spawns fail with err. nil restores spawning.
func (s *Server) FailSpawn(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawnErr = err
}

// Spawns returns how many processes were started.
func (s *Server) Spawns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

// Conn returns the most recent connection, or nil.
func (s *Server) Conn() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Calls returns every message received with method, across connections.
func (s *Server) Calls(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callsLocked(method)
}

func (s *Server) callsLocked(method string) []Call {
	var out []Call
	for _, c := range s.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Await blocks until at least n messages with method were received.
func (s *Server) Await(ctx context.Context, method string, n int) ([]Call, error) {
	for {
		s.mu.Lock()
		calls := s.callsLocked(method)
		changed := s.changed
		s.mu.Unlock()

		if len(calls) >= n {
			return calls, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return calls, fmt.Errorf("await %s x%d (got %d): %w", method, n, len(calls), ctx.Err())
		}
	}
}

func (s *Server) record(c Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) handler(method string) (HandlerFunc, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[method]
	return h, ok, s.held[method]
}

// Spawn implements codex.Spawner.
func (s *Server) Spawn(ctx context.Context) (codex.Process, error) {
	s.mu.Lock()
	if s.spawnErr != nil {
		err := s.spawnErr
		s.mu.Unlock()
		return nil, err
	}
	s.spawns++
	s.nextPid++
	c := newConn(s, s.nextPid)
	s.conn = c
	s.mu.Unlock()

	go c.serve()
	return c.proc, nil
}

// Conn is the server side of one fake process.
type Conn struct {
	server *Server
	proc   *process

	wmu sync.Mutex

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan codex.Message
}

func newConn(s *Server, pid int) *Conn {
	c := &Conn{
		server:  s,
		pending: make(map[int64]chan codex.Message),
	}
	c.proc = newProcess(pid)
	c.nextID.Store(10000)
	return c
}

// Pid returns the fake pid.
func (c *Conn) Pid() int {
	return c.proc.pid
}

// serve reads stdin on one goroutine and handles lines on another, so a host
// write never waits on a handler blocked writing stdout.
func (c *Conn) serve() {
	lines := make(chan []byte, 1024)
	go func() {
		defer close(lines)
		var framer codex.LineFramer
		buf := make([]byte, 4096)
		for {
			n, err := c.proc.stdinR.Read(buf)
			for _, line := range framer.Feed(buf[:n]) {
				lines <- line
			}
			if err != nil {
				return
			}
		}
	}()
	for line := range lines {
		c.handle(line)
	}
}

func (c *Conn) handle(line []byte) {
	msg, err := codex.Decode(line)
	if err != nil {
		return
	}

	switch msg.Kind() {
	case codex.KindResponse:
		id, err := strconv.ParseInt(string(msg.ID), 10, 64)
		if err != nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ok {
			ch <- *msg
		}

	case codex.KindNotification:
		c.server.record(Call{Method: msg.Method, Params: msg.Params})

	case codex.KindRequest:
		c.server.record(Call{ID: msg.ID, Method: msg.Method, Params: msg.Params})

		h, ok, held := c.server.handler(msg.Method)
		if held {
			return
		}
		if !ok {
			h = func(*Conn, json.RawMessage) (any, *codex.RPCError) { return struct{}{}, nil }
		}
		result, rpcErr := h(c, msg.Params)

		out := map[string]any{"id": msg.ID}
		if rpcErr != nil {
			out["error"] = rpcErr
		} else {
			out["result"] = result
		}
		_ = c.send(out)
	}
}

func (c *Conn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteRaw(string(data) + "\n")
}

// WriteRaw writes s to the host's stdout unmodified.
func (c *Conn) WriteRaw(s string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := io.WriteString(c.proc.stdoutW, s)
	return err
}

// Respond answers a held request.
func (c *Conn) Respond(id json.RawMessage, result any) error {
	return c.send(map[string]any{"id": id, "result": result})
}

// Notify sends a notification to the host.
func (c *Conn) Notify(method string, params any) error {
	return c.send(map[string]any{"method": method, "params": params})
}

// Request sends a server-initiated request and waits for the host's answer.
func (c *Conn) Request(ctx context.Context, method string, params any) (codex.Message, error) {
	id := c.nextID.Add(1)
	ch := make(chan codex.Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(map[string]any{"id": id, "method": method, "params": params}); err != nil {
		return codex.Message{}, err
	}

	select {
	case msg := <-ch:
		return msg, nil
	case <-c.proc.done:
		return codex.Message{}, io.ErrClosedPipe
	case <-ctx.Done():
		return codex.Message{}, ctx.Err()
	}
}

// Stderr writes a line to the host's stderr.
func (c *Conn) Stderr(line string) error {
	_, err := io.WriteString(c.proc.stderrW, line+"\n")
	return err
}

// Exit terminates the fake process with code.
func (c *Conn) Exit(code int) {
	c.proc.exit(code)
}

// Done is closed when the process has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.proc.done
}

// process is the host side of a fake app-server.
type process struct {
	pid int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	once sync.Once
	code int
	done chan struct{}
}

func newProcess(pid int) *process {
	p := &process{pid: pid, done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *process) Stdin() io.WriteCloser { return p.stdinW }
func (p *process) Stdout() io.Reader     { return p.stdoutR }
func (p *process) Stderr() io.Reader     { return p.stderrR }
func (p *process) Pid() int              { return p.pid }

func (p *process) Wait() error {
	<-p.done
	if p.code == 0 {
		return nil
	}
	return &ExitCodeError{Code: p.code}
}

func (p *process) Kill() error {
	p.exit(-1)
	return nil
}

func (p *process) exit(code int) {
	p.once.Do(func() {
		p.code = code
		p.stdoutW.Close()
		p.stderrW.Close()
		p.stdinR.CloseWithError(io.ErrClosedPipe)
		close(p.done)
	})
}

// ExitCodeError is returned by Wait for a non-zero exit.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string {
	if e.Code < 0 {
		return "signal: killed"
	}
	return "exit status " + strconv.Itoa(e.Code)
}

// ExitCode reports the exit code, -1 for a kill.
func (e *ExitCodeError) ExitCode() int {
	return e.Code
}
