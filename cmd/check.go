package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/toolgate-ai/toolgate/internal/decision"
)

// hookRequest is the JSON the assistant writes to the hook's stdin. Unknown
// fields are tolerated; tool_input keeps its raw shape until the tool name
// tells us how to read it.
type hookRequest struct {
	SessionID string          `json:"session_id"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
	Cwd       string          `json:"cwd"`
}

// toolInputFields covers every input shape we canonicalize.
type toolInputFields struct {
	Command   string `json:"command"`
	FilePath  string `json:"file_path"`
	Pattern   string `json:"pattern"`
	Content   string `json:"content"`
	OldString string `json:"old_string"`
	NewString string `json:"new_string"`
}

func newCheckCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate one tool call (hook entry point)",
		Long: "check reads the hook request from stdin, runs the decision cascade, and\n" +
			"writes the verdict to stdout. Exit code signals deny: 1 in hook format,\n" +
			"2 in plain format.",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("reading hook request: %w", err)
			}
			var req hookRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return fmt.Errorf("parsing hook request: %w", err)
			}
			if req.SessionID == "" || req.ToolName == "" {
				return fmt.Errorf("hook request missing session_id or tool_name")
			}
			if req.Cwd != "" {
				projectFlag = req.Cwd
			}

			g, err := newGate(cmd.Context())
			if err != nil {
				return err
			}

			input, filePath := canonicalInput(req.ToolName, req.ToolInput)
			rec, err := g.runner.Evaluate(cmd.Context(), req.SessionID, req.ToolName, input, filePath)
			if err != nil {
				return err
			}

			if err := writeVerdict(os.Stdout, format, rec.Decision); err != nil {
				return err
			}
			if rec.Decision == decision.Deny {
				fmt.Fprintf(os.Stderr, "toolgate: deny -- %s\n", rec.Metadata.Reason)
				if format == "plain" {
					os.Exit(2)
				}
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "hook", `output shape: "hook" or "plain"`)
	return cmd
}

// canonicalInput flattens the tool-shaped input object into the single string
// the cascade keys on, plus the file path when the tool names one. Shell
// tools key on the command. File tools key on the path plus the edit payload:
// an approved write of one content must not cache an allow for arbitrary
// future content to the same file.
func canonicalInput(toolName string, raw json.RawMessage) (input, filePath string) {
	var fields toolInputFields
	if len(raw) > 0 {
		// Best effort: an unparseable input falls back to its raw text.
		if err := json.Unmarshal(raw, &fields); err != nil {
			return string(raw), ""
		}
	}
	switch {
	case fields.Command != "":
		return fields.Command, fields.FilePath
	case fields.FilePath != "":
		parts := []string{fields.FilePath}
		for _, s := range []string{fields.OldString, fields.NewString, fields.Content} {
			if s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n"), fields.FilePath
	case fields.Pattern != "":
		return fields.Pattern, ""
	case len(raw) > 0:
		return string(raw), ""
	}
	return "", ""
}

// writeVerdict emits one of the two supported response shapes.
func writeVerdict(w io.Writer, format string, d decision.Decision) error {
	var payload any
	switch format {
	case "plain":
		payload = map[string]string{"decision": string(d)}
	default:
		payload = map[string]any{
			"hookSpecificOutput": map[string]string{"permissionDecision": string(d)},
		}
	}
	enc := json.NewEncoder(w)
	return enc.Encode(payload)
}
