package openai

import (
	"context"
	"log/slog"
	"testing"

	"github.com/poiesic/medrag/ai"
	"github.com/poiesic/medrag/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type stubModel struct {
	response *llms.ContentResponse
	opts     llms.CallOptions
	messages []llms.MessageContent
}

func (s *stubModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	s.messages = messages
	for _, opt := range options {
		opt(&s.opts)
	}
	return s.response, nil
}

func (s *stubModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, s, prompt, options...)
}

func newStubGenerator(model *stubModel) *Generator {
	return &Generator{client: model, temperature: 0.7, logger: slog.Default()}
}

func TestGenerate(t *testing.T) {
	model := &stubModel{response: &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: "多喝水"}},
	}}
	g := newStubGenerator(model)

	text, err := g.Generate(context.Background(), []core.Message{
		{Role: core.RoleSystem, Content: "你是医生"},
		{Role: core.RoleUser, Content: "发热怎么办"},
	}, ai.WithJSONMode(), ai.WithCallTemperature(0.1))
	require.NoError(t, err)
	assert.Equal(t, "多喝水", text)

	require.Len(t, model.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.messages[1].Role)
	assert.True(t, model.opts.JSONMode)
	assert.InDelta(t, 0.1, model.opts.Temperature, 1e-9)
}

func TestGenerateNoChoices(t *testing.T) {
	g := newStubGenerator(&stubModel{response: &llms.ContentResponse{}})

	text, err := g.Generate(context.Background(), []core.Message{{Role: core.RoleUser, Content: "发热怎么办"}})
	assert.ErrorIs(t, err, ErrEmptyResponse)
	assert.Empty(t, text)
}
