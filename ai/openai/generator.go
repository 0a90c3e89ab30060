package openai

import (
	"context"
	"errors"
	"iter"
	"log/slog"

	"github.com/poiesic/medrag/ai"
	"github.com/poiesic/medrag/core"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

var (
	// ErrEmptyResponse is returned when the model answers with no choices.
	ErrEmptyResponse = errors.New("no choices returned from model")

	// errStreamStopped aborts a streaming call when the consumer stops ranging.
	errStreamStopped = errors.New("stream stopped by consumer")
)

// Generator implements ai.Generator using OpenAI-compatible chat APIs.
type Generator struct {
	client      llms.Model
	temperature float64
	logger      *slog.Logger
}

func newGenerator(config *ai.Config) (*Generator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client, err := openai.New(
		openai.WithBaseURL(config.ChatHost),
		openai.WithToken(config.APIKey),
		openai.WithModel(config.ChatModel),
	)
	if err != nil {
		return nil, err
	}

	return &Generator{
		client:      client,
		temperature: config.Temperature,
		logger:      slog.Default().With("component", "openai-generator"),
	}, nil
}

// NewGenerator creates a generator for the configured chat host and model.
func NewGenerator(config *ai.Config) (ai.Generator, error) {
	return newGenerator(config)
}

func (g *Generator) Generate(ctx context.Context, messages []core.Message, opts ...ai.GenerateOption) (string, error) {
	response, err := g.client.GenerateContent(ctx, toMessageContent(messages), g.callOptions(opts)...)
	if err != nil {
		g.logger.Error("failed to generate content", "err", err)
		return "", err
	}

	if len(response.Choices) < 1 {
		g.logger.Warn("no choices returned from model")
		return "", ErrEmptyResponse
	}

	return response.Choices[0].Content, nil
}

func (g *Generator) GenerateStream(ctx context.Context, messages []core.Message, opts ...ai.GenerateOption) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stopped := false
		callOpts := append(g.callOptions(opts), llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			if !yield(string(chunk), nil) {
				stopped = true
				return errStreamStopped
			}
			return nil
		}))

		_, err := g.client.GenerateContent(ctx, toMessageContent(messages), callOpts...)
		if stopped {
			return
		}
		if err != nil {
			g.logger.Error("streaming generation failed", "err", err)
			yield("", err)
		}
	}
}

func (g *Generator) callOptions(opts []ai.GenerateOption) []llms.CallOption {
	o := ai.ApplyOptions(opts...)

	temperature := g.temperature
	if o.Temperature != nil {
		temperature = *o.Temperature
	}

	callOpts := []llms.CallOption{llms.WithTemperature(temperature)}
	if o.JSONMode {
		callOpts = append(callOpts, llms.WithJSONMode())
	}
	if o.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(o.MaxTokens))
	}
	return callOpts
}

func toMessageContent(messages []core.Message) []llms.MessageContent {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case core.RoleSystem:
			role = llms.ChatMessageTypeSystem
		case core.RoleAssistant:
			role = llms.ChatMessageTypeAI
		}
		content = append(content, llms.MessageContent{
			Role:  role,
			Parts: []llms.ContentPart{llms.TextPart(m.Content)},
		})
	}
	return content
}
