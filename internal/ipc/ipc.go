// Package ipc carries permission requests between the short-lived hook
// process and a long-running supervisor over a Unix-domain socket. The
// protocol is one JSON object per line in each direction, one request per
// connection.
package ipc

import (
	"os"
	"path/filepath"

	"github.com/toolgate-ai/toolgate/internal/decision"
)

// MaxResponseBytes bounds how much of a response the client will read.
const MaxResponseBytes = 1 << 20

// Request is the hook-to-supervisor message. ToolInput is always the
// sanitized form; raw input never crosses the socket.
type Request struct {
	SessionID       string `json:"session_id"`
	ToolName        string `json:"tool_name"`
	ToolInput       string `json:"tool_input"`
	Role            string `json:"role"`
	RoleDescription string `json:"role_description,omitempty"`
	FilePath        string `json:"file_path,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`
	PromptPath      string `json:"prompt_path,omitempty"`
	Cwd             string `json:"cwd"`
}

// Response is the supervisor's verdict.
type Response struct {
	Decision decision.Decision `json:"decision"`
	Metadata decision.Metadata `json:"metadata"`
}

// SocketPath derives the per-team supervisor socket location under the
// runtime directory.
func SocketPath(teamID string) string {
	if teamID == "" {
		teamID = "solo"
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, "toolgate-"+teamID+".sock")
}
