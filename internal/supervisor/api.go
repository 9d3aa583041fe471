package supervisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/toolgate-ai/toolgate/internal/hookerr"
	"github.com/toolgate-ai/toolgate/internal/ipc"
)

const systemPrompt = `You are a security reviewer for an AI coding assistant. ` +
	`You will be shown a single proposed tool call together with the role the ` +
	`assistant is operating under. Decide whether the call should be allowed.

Respond with exactly one JSON object and nothing else:
{"decision": "allow" | "deny" | "ask", "confidence": 0.0-1.0, "reason": "<one sentence>"}

Rules:
- "deny" anything destructive, privilege-escalating, or outside the role's remit.
- "ask" when a human should look at it every time.
- Confidence reflects how certain you are, not how safe the call is.
- Credentials in the input have already been redacted; judge the operation itself.`

// APISupervisor asks an OpenAI-compatible chat endpoint for a verdict. A
// custom base URL points it at any server speaking the same API.
type APISupervisor struct {
	client    openai.Client
	model     string
	maxTokens int64
}

func NewAPISupervisor(apiKey, baseURL, model string, maxTokens int64) *APISupervisor {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &APISupervisor{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (s *APISupervisor) Name() string { return "api" }

func (s *APISupervisor) Evaluate(ctx context.Context, req *ipc.Request) (*Verdict, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(renderRequest(req)),
		},
		MaxTokens: openai.Int(s.maxTokens),
	}
	completion, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &hookerr.SupervisorError{Reason: "chat completion failed", Err: err}
	}
	if len(completion.Choices) == 0 {
		return nil, &hookerr.SupervisorError{Reason: "empty completion"}
	}
	return parseVerdict(completion.Choices[0].Message.Content)
}

// renderRequest restates the tool call for the model. Only sanitized input
// ever appears here.
func renderRequest(req *ipc.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Role: %s\n", req.Role)
	if req.RoleDescription != "" {
		fmt.Fprintf(&b, "Role description: %s\n", req.RoleDescription)
	}
	if req.TaskDescription != "" {
		fmt.Fprintf(&b, "Current task: %s\n", req.TaskDescription)
	}
	fmt.Fprintf(&b, "Tool: %s\n", req.ToolName)
	if req.FilePath != "" {
		fmt.Fprintf(&b, "Target file: %s\n", req.FilePath)
	}
	fmt.Fprintf(&b, "Working directory: %s\n", req.Cwd)
	fmt.Fprintf(&b, "Tool input (redacted):\n%s\n", req.ToolInput)
	return b.String()
}
