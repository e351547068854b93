package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
	"github.com/danielpatrickdp/evalpipe/internal/config"
	"github.com/danielpatrickdp/evalpipe/internal/logging"
)

// #region interface

// Completer asks a model for a JSON object and decodes it into out.
type Completer interface {
	CompleteJSON(ctx context.Context, system, user string, maxTokens int, out any) error
}

// #endregion interface

// #region client

// Client is a Completer backed by the OpenAI chat completions API.
type Client struct {
	api       openai.Client
	model     string
	maxTokens int
	log       *zap.Logger
}

// New builds a client from cfg. A missing API key is a validation error so
// callers fail before spending a batch run.
func New(cfg config.LLMConfig, log *zap.Logger, extra ...option.RequestOption) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, apperr.Validation("new llm client", "OPENAI_API_KEY is not set")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	opts = append(opts, extra...)

	model := cfg.Model
	if model == "" {
		model = string(openai.ChatModelGPT4oMini)
	}
	l := logging.OrNop(log).Named("llm")
	l.Info("openai client configured", zap.String("model", model))
	return &Client{
		api:       openai.NewClient(opts...),
		model:     model,
		maxTokens: cfg.MaxTokens,
		log:       l,
	}, nil
}

// CompleteJSON sends one system and one user message with JSON-object output.
// maxTokens <= 0 uses the configured default.
func (c *Client) CompleteJSON(ctx context.Context, system, user string, maxTokens int, out any) error {
	const op = "llm completion"
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}

	c.log.Debug("sending chat completion", zap.String("model", c.model), zap.Int("max_tokens", maxTokens))
	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return apperr.Upstream(op, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return apperr.Upstream(op, errors.New("no content"))
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), out); err != nil {
		return apperr.Upstream(op, fmt.Errorf("invalid JSON: %w", err))
	}
	return nil
}

// #endregion client
