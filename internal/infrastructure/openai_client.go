package infrastructure

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/rkromero/PlataformaChatIA/internal/config"
	"github.com/rkromero/PlataformaChatIA/internal/entities"
	"github.com/rkromero/PlataformaChatIA/internal/resilience"
)

// FallbackReply is sent when the model returns no content.
const FallbackReply = "Lo siento, no pude generar una respuesta."

// visionModels accept image inputs; matched by prefix.
var visionModels = []string{
	"gpt-4o", "gpt-4o-mini", "gpt-4.1", "gpt-4.1-mini", "gpt-4.1-nano",
	"gpt-4-turbo", "gpt-4-vision-preview",
}

// OpenAIClient generates replies with chat completions and transcribes
// voice notes with the audio API.
type OpenAIClient struct {
	client *openai.Client
	cfg    config.OpenAIConfig
}

// NewOpenAIClient creates the client from configuration.
func NewOpenAIClient(cfg config.OpenAIConfig, opts ...HTTPOption) *OpenAIClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	oc.HTTPClient = buildHTTPClient(timeout, opts)
	return &OpenAIClient{client: openai.NewClientWithConfig(oc), cfg: cfg}
}

// GenerateReply answers the user message given the system prompt, recent
// history and optional images.
func (c *OpenAIClient) GenerateReply(ctx context.Context, req entities.ReplyRequest) (string, error) {
	model := c.resolveModel(req.Model, len(req.Images) > 0)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     model,
		Messages:  buildMessages(req),
		MaxTokens: c.cfg.MaxTokens,
	})
	if err != nil {
		return "", classifyOpenAIError(err, "openai: chat completion")
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		zap.L().Warn("model returned empty reply", zap.String("model", model))
		return FallbackReply, nil
	}
	zap.L().Debug("reply generated",
		zap.String("model", model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens))
	return resp.Choices[0].Message.Content, nil
}

// resolveModel picks the tenant model, the default when unset, and the
// vision model when images are attached to a model that cannot read them.
func (c *OpenAIClient) resolveModel(model string, hasImages bool) string {
	if model == "" {
		model = c.cfg.DefaultModel
	}
	if !hasImages {
		return model
	}
	for _, prefix := range visionModels {
		if strings.HasPrefix(model, prefix) {
			return model
		}
	}
	return c.cfg.VisionModel
}

// buildMessages lays out system prompt, history and the new user turn. The
// user text is not repeated when the history already ends with it.
func buildMessages(req entities.ReplyRequest) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: req.SystemPrompt,
	})

	inHistory := false
	for _, h := range req.History {
		role := openai.ChatMessageRoleUser
		if h.Role == entities.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		if h.Role == entities.RoleUser && h.Content == req.UserMessage {
			inHistory = true
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: h.Content})
	}

	if len(req.Images) == 0 {
		if !inHistory {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: req.UserMessage,
			})
		}
		return messages
	}

	var parts []openai.ChatMessagePart
	if req.UserMessage != "" && !inHistory {
		parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: req.UserMessage})
	}
	for _, url := range req.Images {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailLow},
		})
	}
	return append(messages, openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	})
}

// Transcribe converts a voice note to text.
func (c *OpenAIClient) Transcribe(ctx context.Context, audio []byte, fileName string) (string, error) {
	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.cfg.TranscriptionModel,
		FilePath: fileName,
		Reader:   bytes.NewReader(audio),
		Language: c.cfg.Language,
	})
	if err != nil {
		return "", classifyOpenAIError(err, "openai: transcription")
	}
	text := strings.TrimSpace(resp.Text)
	zap.L().Info("audio transcribed", zap.Int("chars", len(text)))
	return text, nil
}

// classifyOpenAIError marks rate limits and server errors as transient.
func classifyOpenAIError(err error, msg string) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	wrapped := eris.Wrap(err, msg)
	if resilience.IsTransientHTTPStatus(status) {
		return resilience.NewTransientError(wrapped, status)
	}
	return wrapped
}
