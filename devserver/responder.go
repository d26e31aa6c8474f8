package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
)

// Responder answers one chat message given the user's earlier turns.
type Responder interface {
	Respond(ctx context.Context, history []Turn, message string) (Reply, error)
}

// Reply is a responder's answer. Tools run before Text is shown.
type Reply struct {
	Text  string
	Tools []ToolCall
}

// ToolCall is a tool invocation and its outcome.
type ToolCall struct {
	ID      string
	Name    string
	Input   json.RawMessage
	Output  string
	IsError bool
}

// EchoResponder repeats the message back. Messages mentioning files,
// commands or searches get a simulated tool call first.
type EchoResponder struct{}

func (EchoResponder) Respond(ctx context.Context, history []Turn, message string) (Reply, error) {
	lower := strings.ToLower(message)

	var tools []ToolCall
	switch {
	case strings.Contains(lower, "read") || strings.Contains(lower, "file"):
		tools = append(tools, ToolCall{
			Name:   "Read",
			Input:  json.RawMessage(`{"file_path":"/example/main.go"}`),
			Output: "package main\n\nimport \"fmt\"\n\nfunc main() {\n\tfmt.Println(\"Hello, World!\")\n}",
		})
	case strings.Contains(lower, "run") || strings.Contains(lower, "command") || strings.Contains(lower, "execute"):
		tools = append(tools, ToolCall{
			Name:   "Bash",
			Input:  json.RawMessage(`{"command":"ls -la"}`),
			Output: "total 16\n-rw-r--r--  1 user  staff   156 main.go\n-rw-r--r--  1 user  staff    45 go.mod",
		})
	case strings.Contains(lower, "search") || strings.Contains(lower, "find"):
		tools = append(tools, ToolCall{
			Name:   "Grep",
			Input:  json.RawMessage(`{"pattern":"func main","path":"."}`),
			Output: "main.go:5:func main() {",
		})
	}
	for i := range tools {
		tools[i].ID = "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	return Reply{
		Text:  fmt.Sprintf("You said: %s (message %d)", message, len(history)/2+1),
		Tools: tools,
	}, nil
}

// DefaultMaxTokens bounds ClaudeResponder replies.
const DefaultMaxTokens = 1024

// ClaudeResponder answers with the Anthropic Messages API, sending the
// user's history along with each message.
type ClaudeResponder struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewClaudeResponder creates a responder for model. Extra request options
// are passed to the SDK client.
func NewClaudeResponder(apiKey, model string, opts ...option.RequestOption) *ClaudeResponder {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &ClaudeResponder{
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(model),
		maxTokens: DefaultMaxTokens,
	}
}

func (c *ClaudeResponder) Respond(ctx context.Context, history []Turn, message string) (Reply, error) {
	messages := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, turn := range history {
		if turn.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Content)))
		} else {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(message)))

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  messages,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("claude request: %w", err)
	}

	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return Reply{}, fmt.Errorf("no response from Claude")
	}
	return Reply{Text: strings.Join(parts, "")}, nil
}
