package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"vivaldi-mod-manager/internal/vmmlog"
	"vivaldi-mod-manager/internal/vmmmetrics"
)

// MaxConcurrentClients is spec.md §4.9's "supports up to 10 concurrent
// clients" cap.
const MaxConcurrentClients = 10

// HandlerFunc answers one command. It receives the raw params and returns a
// JSON-marshalable payload or an error, which the server turns into a
// Response per spec.md §4.9 ("each either succeeds with a JSON payload or
// fails with an error string").
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Server is the C9 IPC endpoint: a Unix domain socket accepting line-
// delimited JSON requests, dispatching to registered HandlerFuncs, and
// broadcasting Events to every connected client.
type Server struct {
	socketPath string
	log        vmmlog.Logger
	metrics    *vmmmetrics.Registry

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	listener net.Listener

	clientsMu sync.Mutex
	clients   map[*client]struct{}
}

type client struct {
	conn net.Conn
	out  chan []byte
}

// New constructs a Server bound to socketPath. Call ListenAndServe to start
// accepting connections.
func New(socketPath string, log vmmlog.Logger, metrics *vmmmetrics.Registry) *Server {
	if log == nil {
		log = vmmlog.Noop()
	}
	return &Server{
		socketPath: socketPath,
		log:        log,
		metrics:    metrics,
		handlers:   make(map[string]HandlerFunc),
		clients:    make(map[*client]struct{}),
	}
}

// Handle registers a command handler. Call before ListenAndServe.
func (s *Server) Handle(command string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = fn
}

// ListenAndServe binds the Unix domain socket and accepts connections until
// ctx is cancelled. It enforces the duplicate-instance guard of spec.md
// §4.9: if a live listener already holds socketPath, binding fails at
// startup rather than silently stealing the socket.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.guardAgainstDuplicateInstance(); err != nil {
		return err
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("binding ipc socket %s: %w", s.socketPath, err)
	}
	s.listener = ln
	defer func() {
		_ = ln.Close()
		_ = os.Remove(s.socketPath)
	}()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accepting ipc connection: %w", err)
			}
		}

		s.clientsMu.Lock()
		n := len(s.clients)
		s.clientsMu.Unlock()
		if n >= MaxConcurrentClients {
			s.log.Warnf("ipc: rejecting connection, %d clients already connected", n)
			_ = conn.Close()
			continue
		}

		go s.serveConn(ctx, conn)
	}
}

// guardAgainstDuplicateInstance dials the existing socket file, if any; a
// successful dial means another instance is actively listening, and a stale
// (unconnectable) socket file is removed so this instance can bind cleanly.
func (s *Server) guardAgainstDuplicateInstance() error {
	if _, err := os.Stat(s.socketPath); err != nil {
		return nil // nothing there; nothing to guard against
	}
	conn, err := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("another instance already holds ipc socket %s", s.socketPath)
	}
	// Stale socket file from a previous, uncleanly-terminated run.
	if rerr := os.Remove(s.socketPath); rerr != nil {
		return fmt.Errorf("removing stale ipc socket %s: %w", s.socketPath, rerr)
	}
	return nil
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	c := &client{conn: conn, out: make(chan []byte, 32)}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveIPCConns.Inc()
	}

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, c)
		s.clientsMu.Unlock()
		if s.metrics != nil {
			s.metrics.ActiveIPCConns.Dec()
		}
		_ = conn.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readLoop(ctx, conn, c)
	}()
	go s.writeLoop(ctx, conn, c)

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Server) readLoop(ctx context.Context, conn net.Conn, c *client) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(c, Response{Error: "malformed request: " + err.Error()})
			continue
		}
		if req.MessageID == "" {
			req.MessageID = newMessageID()
		}
		resp := s.dispatch(ctx, req)
		s.writeResponse(c, resp)
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return Response{MessageID: req.MessageID, Success: false, Error: "unknown command: " + req.Command}
	}

	result, err := handler(ctx, req.Parameters)
	if err != nil {
		return Response{MessageID: req.MessageID, Success: false, Error: err.Error()}
	}

	data, merr := json.Marshal(result)
	if merr != nil {
		return Response{MessageID: req.MessageID, Success: false, Error: "marshalling response: " + merr.Error()}
	}
	return Response{MessageID: req.MessageID, Success: true, Data: data}
}

// writeLoop drains c.out onto the wire, one JSON document per line per
// spec.md §4.9's framing rule. Responses and broadcast Events share this
// single writer per connection so lines are never interleaved mid-write.
func (s *Server) writeLoop(ctx context.Context, conn net.Conn, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-c.out:
			if !ok {
				return
			}
			if _, err := conn.Write(append(line, '\n')); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeResponse(c *client, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Errorf("ipc: failed to marshal response %s: %v", resp.MessageID, err)
		return
	}
	select {
	case c.out <- data:
	default:
		s.log.Warnf("ipc: client send buffer full, dropping response for %s", resp.MessageID)
	}
}

// Broadcast sends an event to every currently connected client, per
// spec.md §4.9's broadcast event stream.
func (s *Server) Broadcast(name string, data map[string]any) {
	ev, err := newEvent(name, data)
	if err != nil {
		s.log.Errorf("ipc: failed to marshal event %s: %v", name, err)
		return
	}
	line, err := json.Marshal(ev)
	if err != nil {
		s.log.Errorf("ipc: failed to marshal event %s: %v", name, err)
		return
	}

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		select {
		case c.out <- line:
		default:
			s.log.Warnf("ipc: client send buffer full, dropping event %s", name)
		}
	}
}

// Publish implements heal.EventSink so the heal supervisor can broadcast
// InjectionCompleted/InjectionFailed without importing this package's
// client internals.
func (s *Server) Publish(event string, data map[string]any) {
	s.Broadcast(event, data)
}

// ClientCount reports the number of currently connected IPC clients.
func (s *Server) ClientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}
