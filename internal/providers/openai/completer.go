package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"voicechat/internal/domain"
)

const defaultModel = "gpt-4o-mini"

// Config controls the OpenAI chat completion client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Completer implements ports.ChatCompleter with streamed chat completions.
type Completer struct {
	client *goopenai.Client
	model  string
	logger *slog.Logger
}

func NewCompleter(cfg Config, logger *slog.Logger) *Completer {
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.BaseURL = strings.TrimRight(base, "/")
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Completer{
		client: goopenai.NewClientWithConfig(clientCfg),
		model:  model,
		logger: logger,
	}
}

// StreamChat sends the conversation and calls onDelta for every non-empty content delta.
// Messages with a role other than user or assistant are skipped.
func (c *Completer) StreamChat(ctx context.Context, messages []domain.ChatMessage, onDelta func(string) error) error {
	req := goopenai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toRequestMessages(messages),
		Stream:   true,
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to start chat completion: %w", err)
	}
	defer stream.Close()

	deltas := 0
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			c.logger.Debug("chat completion finished", "model", c.model, "deltas", deltas)
			return nil
		}
		if err != nil {
			return fmt.Errorf("chat completion stream failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		content := resp.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		deltas++
		if err := onDelta(content); err != nil {
			return err
		}
	}
}

func toRequestMessages(messages []domain.ChatMessage) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case domain.RoleUser:
			out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: m.Content})
		case domain.RoleAssistant:
			out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleAssistant, Content: m.Content})
		}
	}
	return out
}
