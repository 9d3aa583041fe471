package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/toolgate-ai/toolgate/internal/hookerr"
)

// Handler produces a verdict for one request. A handler error closes the
// connection without a response; the client treats that as transport
// failure.
type Handler func(context.Context, *Request) (*Response, error)

// Server is the supervisor-side accept loop. One goroutine per connection,
// one request per connection.
type Server struct {
	socketPath string
	handler    Handler

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closed   bool
}

func NewServer(socketPath string, handler Handler) *Server {
	return &Server{socketPath: socketPath, handler: handler}
}

// Serve binds the socket and accepts until Shutdown. A stale socket file
// from a dead supervisor is removed before binding. The socket is
// owner-only; its directory is created 0700 when missing.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return &hookerr.IpcError{Reason: "creating socket dir", Err: err}
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return &hookerr.IpcError{Reason: "removing stale socket", Err: err}
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return &hookerr.IpcError{Reason: "binding " + s.socketPath, Err: err}
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return &hookerr.IpcError{Reason: "restricting socket perms", Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		os.Remove(s.socketPath)
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	slog.Info("supervisor listening", "socket", s.socketPath)

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				break
			}
			slog.Warn("accept failed", "err", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}

	s.wg.Wait()
	os.Remove(s.socketPath)
	return nil
}

// Shutdown stops accepting; in-flight connections drain inside Serve.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	req, err := readRequestLine(conn)
	if err != nil {
		slog.Warn("bad request on supervisor socket", "err", err)
		return
	}
	resp, err := s.handler(ctx, req)
	if err != nil {
		slog.Warn("supervisor handler failed",
			"session", req.SessionID, "tool", req.ToolName, "err", err)
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Warn("encoding supervisor response", "err", err)
		return
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		slog.Warn("writing supervisor response", "err", err)
	}
}
