package synth

import (
	"context"
	"fmt"
	"time"

	einoollama "github.com/cloudwego/eino-ext/components/model/ollama"
	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// ChatModel is the part of an eino chat model the synthesizer and the
// captcha solver use.
type ChatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// ModelConfig selects and configures a chat model backend.
type ModelConfig struct {
	Driver  string // "openai" or "ollama"
	Model   string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewChatModel builds the eino chat model named by cfg.Driver.
func NewChatModel(ctx context.Context, cfg ModelConfig) (ChatModel, error) {
	switch cfg.Driver {
	case "openai":
		return newOpenAI(ctx, cfg)
	case "ollama":
		return newOllama(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported model driver %q", cfg.Driver)
	}
}

func newOpenAI(ctx context.Context, cfg ModelConfig) (ChatModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	mc := &einoopenai.ChatModelConfig{
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	}
	if cfg.BaseURL != "" {
		mc.BaseURL = cfg.BaseURL
	}
	if mc.Timeout <= 0 {
		mc.Timeout = 120 * time.Second
	}
	return einoopenai.NewChatModel(ctx, mc)
}

func newOllama(ctx context.Context, cfg ModelConfig) (ChatModel, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	mc := &einoollama.ChatModelConfig{
		BaseURL: baseURL,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	}
	if mc.Timeout <= 0 {
		mc.Timeout = 300 * time.Second
	}
	return einoollama.NewChatModel(ctx, mc)
}
