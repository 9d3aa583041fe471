package supervisor

import (
	"context"
	"time"

	"github.com/toolgate-ai/toolgate/internal/ipc"
)

// SocketSupervisor forwards requests to a local supervisor process over the
// team socket. The response already carries structured metadata, so no
// reply parsing is needed.
type SocketSupervisor struct {
	client *ipc.Client
}

func NewSocketSupervisor(socketPath string, timeout time.Duration) *SocketSupervisor {
	return &SocketSupervisor{client: ipc.NewClient(socketPath, timeout)}
}

func (s *SocketSupervisor) Name() string { return "socket" }

func (s *SocketSupervisor) Evaluate(ctx context.Context, req *ipc.Request) (*Verdict, error) {
	resp, err := s.client.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Verdict{
		Decision:   resp.Decision,
		Confidence: resp.Metadata.Confidence,
		Reason:     resp.Metadata.Reason,
	}, nil
}
