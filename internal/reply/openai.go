package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyReply is returned when the model answers with no content
var ErrEmptyReply = errors.New("reply: empty completion")

const defaultSystemPrompt = "You are a concise voice assistant. Answer in the user's language in at most three short sentences suitable for speech."

// OpenAI generates replies with a chat completion model
type OpenAI struct {
	client       *openai.Client
	model        string
	systemPrompt string
	logger       *slog.Logger
}

// NewOpenAI creates a generator. baseURL is optional and points at any
// OpenAI-compatible endpoint.
func NewOpenAI(apiKey, baseURL, model, systemPrompt string, logger *slog.Logger) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{
		client:       openai.NewClientWithConfig(cfg),
		model:        model,
		systemPrompt: systemPrompt,
		logger:       logger.With("component", "reply"),
	}
}

// Reply asks the model for an answer to transcript
func (o *OpenAI) Reply(ctx context.Context, userID, transcript string) (string, error) {
	start := time.Now()

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
		User: userID,
	})
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	if content == "" {
		return "", ErrEmptyReply
	}

	o.logger.Debug("reply generated", "model", resp.Model, "tokens", resp.Usage.TotalTokens, "elapsed", time.Since(start))
	return content, nil
}
