package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
)

// ProtocolVersion identifies the wire contract spoken by this server.
const ProtocolVersion = "1.0"

// Handler processes one method call. Returning an *Error puts that
// exact code on the wire; any other error becomes an internal error.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// State is the lifecycle position of the server loop.
type State int

const (
	StateAwaitingInitialize State = iota
	StateReady
	StateShuttingDown
	StateExited
)

// Info names the server in the initialize result.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Options configures a Server.
type Options struct {
	Info     Info
	Handlers map[string]Handler
	// InitializeExtra supplies additional fields merged into the
	// initialize result (capabilities, catalog payload).
	InitializeExtra func(ctx context.Context) (map[string]any, error)
	Logger          *log.Logger
}

// Server runs the JSON-RPC loop. It owns the output stream: all writes
// go through its mutex and every message flushes before the next is
// composed, so the initialize response always precedes the readiness
// notifications.
type Server struct {
	opts Options
	in   *bufio.Reader
	out  *bufio.Writer

	mu    sync.Mutex
	state State
}

// maxLineBytes bounds a single request line. Longer lines are drained
// and answered with a parse error rather than killing the loop.
const maxLineBytes = 8 * 1024 * 1024

// errLineTooLong marks an input line that blew past maxLineBytes.
var errLineTooLong = errors.New("line exceeds maximum length")

// NewServer wires a server over the given streams.
func NewServer(in io.Reader, out io.Writer, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Server{
		opts: opts,
		in:   bufio.NewReaderSize(in, 64*1024),
		out:  bufio.NewWriter(out),
	}
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run reads messages until exit or EOF. A malformed line, an over-long
// line, an unknown method, or a failing handler never terminates the
// loop.
func (s *Server) Run(ctx context.Context) error {
	for {
		line, err := s.readLine()
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, errLineTooLong) {
			s.writeResponse(Response{
				JSONRPC: "2.0",
				ID:      json.RawMessage("null"),
				Error:   Errorf(CodeParseError, "parse error: line exceeds %d bytes", maxLineBytes),
			})
			continue
		}
		if err != nil {
			return fmt.Errorf("protocol: reading input: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(Response{
				JSONRPC: "2.0",
				ID:      json.RawMessage("null"),
				Error:   Errorf(CodeParseError, "parse error: %v", err),
			})
			continue
		}

		s.dispatch(ctx, &req)

		if s.State() == StateExited {
			return nil
		}
	}
}

// readLine returns the next input line. An unterminated final line is
// returned as-is; a line longer than maxLineBytes is drained through
// its newline and reported as errLineTooLong so the loop can answer
// and keep reading.
func (s *Server) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := s.in.ReadSlice('\n')
		line = append(line, chunk...)
		switch {
		case err == nil:
			return line, nil
		case err == bufio.ErrBufferFull:
			if len(line) > maxLineBytes {
				if derr := s.drainLine(); derr != nil {
					return nil, derr
				}
				return nil, errLineTooLong
			}
		case err == io.EOF:
			if len(line) == 0 {
				return nil, io.EOF
			}
			if len(line) > maxLineBytes {
				return nil, errLineTooLong
			}
			return line, nil
		default:
			return nil, err
		}
	}
}

// drainLine discards input through the next newline. EOF counts as the
// end of the line; the next readLine will report it.
func (s *Server) drainLine() error {
	for {
		_, err := s.in.ReadSlice('\n')
		switch {
		case err == nil, err == io.EOF:
			return nil
		case err == bufio.ErrBufferFull:
			continue
		default:
			return err
		}
	}
}

// Notify pushes a server-initiated notification. It is a no-op unless
// the handshake has completed, so change hooks firing during startup
// are silently dropped.
func (s *Server) Notify(method string, params any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return
	}
	s.writeLocked(Notification{JSONRPC: "2.0", Method: method, Params: params})
}

func (s *Server) dispatch(ctx context.Context, req *Request) {
	switch req.Method {
	case "initialize":
		s.handleInitialize(ctx, req)
		return
	case "initialized":
		return
	case "exit":
		s.handleExit()
		return
	case "shutdown":
		s.handleShutdown(req)
		return
	}

	switch s.State() {
	case StateAwaitingInitialize:
		if !req.IsNotification() {
			s.respondError(req, Errorf(CodeNotInitialized, "server not initialized"))
		}
		return
	case StateShuttingDown, StateExited:
		if !req.IsNotification() {
			s.respondError(req, Errorf(CodeInvalidRequest, "server is shutting down"))
		}
		return
	}

	handler, ok := s.opts.Handlers[req.Method]
	if !ok {
		if req.IsNotification() {
			return
		}
		s.respondError(req, Errorf(CodeMethodNotFound, "method not found: %s", req.Method))
		return
	}

	result, err := handler(ctx, req.Params)
	if req.IsNotification() {
		if err != nil {
			s.opts.Logger.Printf("notification %s failed: %v", req.Method, err)
		}
		return
	}
	if err != nil {
		s.respondError(req, asError(err))
		return
	}
	s.writeResponse(Response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *Server) handleInitialize(ctx context.Context, req *Request) {
	s.mu.Lock()
	if s.state != StateAwaitingInitialize {
		s.mu.Unlock()
		if !req.IsNotification() {
			s.respondError(req, Errorf(CodeInvalidRequest, "initialize may only be sent once"))
		}
		return
	}
	s.mu.Unlock()

	result := map[string]any{
		"protocolVersion": ProtocolVersion,
		"serverInfo":      s.opts.Info,
	}
	if s.opts.InitializeExtra != nil {
		extra, err := s.opts.InitializeExtra(ctx)
		if err != nil {
			s.respondError(req, asError(err))
			return
		}
		for k, v := range extra {
			result[k] = v
		}
	}

	// The response must reach the client before the readiness
	// notifications; writeLocked flushes each message.
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLocked(Response{JSONRPC: "2.0", ID: req.ID, Result: result})
	s.state = StateReady
	s.writeLocked(Notification{JSONRPC: "2.0", Method: "server/ready"})
	s.writeLocked(Notification{JSONRPC: "2.0", Method: "tools/list_changed"})
}

func (s *Server) handleShutdown(req *Request) {
	s.mu.Lock()
	s.state = StateShuttingDown
	s.mu.Unlock()
	if !req.IsNotification() {
		s.writeResponse(Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}})
	}
}

func (s *Server) handleExit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateExited
	s.out.Flush()
}

func (s *Server) respondError(req *Request, rpcErr *Error) {
	s.writeResponse(Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
}

func (s *Server) writeResponse(resp Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLocked(resp)
}

// writeLocked marshals, writes one line, and flushes. Callers hold
// s.mu.
func (s *Server) writeLocked(msg any) {
	b, err := json.Marshal(msg)
	if err != nil {
		s.opts.Logger.Printf("marshaling outgoing message: %v", err)
		return
	}
	s.out.Write(b)
	s.out.WriteByte('\n')
	if err := s.out.Flush(); err != nil {
		s.opts.Logger.Printf("flushing output: %v", err)
	}
}

func asError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return Errorf(CodeInternalError, "%v", err)
}
