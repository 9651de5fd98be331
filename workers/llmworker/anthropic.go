package llmworker

import (
	"context"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Role identifies a chat message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat transcript.
type Message struct {
	Role    Role
	Content string
}

// ChatOut is a model's response to a transcript.
type ChatOut struct {
	Text      string
	Model     string
	TokensIn  int
	TokensOut int
}

// ChatModel is the capability the Worker needs from a model backend.
// Declared as an interface so tests can substitute a mock without
// network access.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message) (ChatOut, error)
}

// AnthropicModel implements ChatModel against Anthropic's Claude API.
// Handles the Anthropic-specific message format: system prompts travel
// in a separate request parameter, not in the messages array, so they
// are extracted from the transcript before the call.
type AnthropicModel struct {
	apiKey    string
	modelName string
	maxTokens int64
}

// NewAnthropicModel creates an AnthropicModel.
// Parameters:
//   - apiKey: Anthropic API key (get from https://console.anthropic.com/)
//   - modelName: Model to use. Empty string uses the default.
func NewAnthropicModel(apiKey, modelName string) *AnthropicModel {
	if modelName == "" {
		modelName = "claude-sonnet-4-5-20250929"
	}
	return &AnthropicModel{
		apiKey:    apiKey,
		modelName: modelName,
		maxTokens: 4096,
	}
}

// Chat sends the transcript to Anthropic's API and returns the
// response text with token usage.
func (m *AnthropicModel) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}
	if m.apiKey == "" {
		return ChatOut{}, errors.New("llmworker: anthropic API key is required")
	}

	systemPrompt, conversation := extractSystemPrompt(messages)

	client := anthropicsdk.NewClient(option.WithAPIKey(m.apiKey))
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(m.modelName),
		Messages:  convertMessages(conversation),
		MaxTokens: m.maxTokens,
	}
	if systemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return ChatOut{}, fmt.Errorf("llmworker: anthropic API error: %w", err)
	}
	return convertResponse(resp), nil
}

// extractSystemPrompt separates system messages from conversation
// messages. Multiple system messages are concatenated.
func extractSystemPrompt(messages []Message) (string, []Message) {
	var systemPrompt string
	var conversation []Message

	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
		} else {
			conversation = append(conversation, msg)
		}
	}
	return systemPrompt, conversation
}

// convertMessages converts the worker's Message format to Anthropic's.
func convertMessages(messages []Message) []anthropicsdk.MessageParam {
	result := make([]anthropicsdk.MessageParam, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			result[i] = anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(msg.Content))
		default:
			// Unknown roles fall back to user (system is handled separately).
			result[i] = anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(msg.Content))
		}
	}
	return result
}

// convertResponse flattens Anthropic's content blocks into ChatOut.
func convertResponse(resp *anthropicsdk.Message) ChatOut {
	out := ChatOut{
		Model:     string(resp.Model),
		TokensIn:  int(resp.Usage.InputTokens),
		TokensOut: int(resp.Usage.OutputTokens),
	}
	for _, block := range resp.Content {
		if b, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += b.Text
		}
	}
	return out
}
