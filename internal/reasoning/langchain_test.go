package reasoning

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

type fakeModel struct {
	messages []llms.MessageContent
	content  string
	err      error
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	if f.err != nil {
		return nil, f.err
	}
	if f.content == "" {
		return &llms.ContentResponse{}, nil
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.content}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestLangChainCompleter_Complete(t *testing.T) {
	model := &fakeModel{content: `{"passed":true}`}
	c := NewModelCompleter(model, LangChainConfig{})

	out, err := c.Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"passed":true}`, out)
	require.Len(t, model.messages, 2)
	assert.Equal(t, schema.ChatMessageTypeSystem, model.messages[0].Role)
	assert.Equal(t, schema.ChatMessageTypeHuman, model.messages[1].Role)
}

func TestLangChainCompleter_Errors(t *testing.T) {
	c := NewModelCompleter(&fakeModel{err: errors.New("boom")}, LangChainConfig{})
	_, err := c.Complete(context.Background(), "s", "p")
	assert.Error(t, err)

	c = NewModelCompleter(&fakeModel{}, LangChainConfig{})
	_, err = c.Complete(context.Background(), "s", "p")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c = NewModelCompleter(&fakeModel{content: "x"}, LangChainConfig{RequestsPerMinute: 1, Burst: 1})
	_, err = c.Complete(ctx, "s", "p")
	assert.Error(t, err)
}

func TestNewLangChainCompleter_RequiresModel(t *testing.T) {
	_, err := NewLangChainCompleter(LangChainConfig{})
	assert.Error(t, err)

	c, err := NewLangChainCompleter(LangChainConfig{BaseURL: "http://127.0.0.1:1/v1", Model: "local"})
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestReasoner_OverLangChain(t *testing.T) {
	c := NewModelCompleter(&fakeModel{content: "```json\n{\"passed\":false,\"needs_iteration\":true}\n```"}, LangChainConfig{})
	r, err := NewReasoner(c)
	require.NoError(t, err)
	j, err := r.Validate(context.Background(), ValidateRequest{Task: task, Iteration: 2})
	require.NoError(t, err)
	assert.False(t, j.IsFallback())
	assert.True(t, j.Value.NeedsIteration)
}
