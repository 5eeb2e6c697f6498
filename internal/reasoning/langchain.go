package reasoning

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"golang.org/x/time/rate"
)

// Rate limiter defaults: 50 requests per minute.
const (
	defaultRequestsPerMinute = 50
	defaultBurst             = 5
	defaultTemperature       = 0.2
)

// LangChainConfig configures a LangChainCompleter for any OpenAI-compatible
// endpoint.
type LangChainConfig struct {
	BaseURL           string
	Model             string
	Token             string
	RequestsPerMinute int
	Burst             int
	Temperature       float64
}

// LangChainCompleter implements Completer over a langchaingo model.
type LangChainCompleter struct {
	llm         llms.Model
	limiter     *rate.Limiter
	temperature float64
}

var _ Completer = (*LangChainCompleter)(nil)

// NewLangChainCompleter builds an OpenAI-compatible completer.
func NewLangChainCompleter(cfg LangChainConfig) (*LangChainCompleter, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("reasoning model is required")
	}
	opts := []openai.Option{openai.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Token != "" {
		opts = append(opts, openai.WithToken(cfg.Token))
	} else {
		// Local OpenAI-compatible servers accept any token.
		opts = append(opts, openai.WithToken("placeholder"))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return NewModelCompleter(llm, cfg), nil
}

// NewModelCompleter wraps an existing langchaingo model.
func NewModelCompleter(llm llms.Model, cfg LangChainConfig) *LangChainCompleter {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = defaultRequestsPerMinute
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	temp := cfg.Temperature
	if temp <= 0 {
		temp = defaultTemperature
	}
	return &LangChainCompleter{
		llm:         llm,
		limiter:     rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst),
		temperature: temp,
	}
}

// Complete implements Completer.
func (c *LangChainCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, system),
		llms.TextParts(schema.ChatMessageTypeHuman, prompt),
	}
	resp, err := c.llm.GenerateContent(ctx, messages, llms.WithTemperature(c.temperature))
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from model")
	}
	return resp.Choices[0].Content, nil
}
