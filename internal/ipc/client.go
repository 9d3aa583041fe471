package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"time"

	"github.com/toolgate-ai/toolgate/internal/hookerr"
)

// DefaultTimeout bounds a full request/response exchange.
const DefaultTimeout = 5 * time.Second

// Client connects to the supervisor socket. Each Request call opens a fresh
// connection; the supervisor serves one exchange per connection.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

// Request sends req and waits for the supervisor's verdict. A missing socket
// is a distinct error so the caller can skip the socket tier without
// burning the timeout.
func (c *Client) Request(ctx context.Context, req *Request) (*Response, error) {
	if _, err := os.Stat(c.socketPath); err != nil {
		return nil, &hookerr.SocketNotFoundError{Path: c.socketPath}
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, &hookerr.IpcError{Reason: "connect failed", Err: err}
	}
	defer conn.Close()
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, &hookerr.IpcError{Reason: "setting deadline", Err: err}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &hookerr.IpcError{Reason: "encoding request", Err: err}
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return nil, wrapNetErr("write failed", err, c.timeout)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		if err := uc.CloseWrite(); err != nil {
			return nil, &hookerr.IpcError{Reason: "closing write side", Err: err}
		}
	}

	raw, err := io.ReadAll(io.LimitReader(conn, MaxResponseBytes))
	if err != nil {
		return nil, wrapNetErr("read failed", err, c.timeout)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &hookerr.IpcError{Reason: "invalid response JSON", Err: err}
	}
	return &resp, nil
}

func wrapNetErr(reason string, err error, timeout time.Duration) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return &hookerr.SupervisorTimeoutError{Timeout: timeout}
	}
	return &hookerr.IpcError{Reason: reason, Err: err}
}

// readRequestLine is shared by the server: one JSON line, size-bounded.
func readRequestLine(r io.Reader) (*Request, error) {
	br := bufio.NewReaderSize(io.LimitReader(r, MaxResponseBytes), 64*1024)
	line, err := br.ReadBytes('\n')
	if err != nil && (err != io.EOF || len(line) == 0) {
		return nil, &hookerr.IpcError{Reason: "read failed", Err: err}
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, &hookerr.IpcError{Reason: "invalid request JSON", Err: err}
	}
	return &req, nil
}
