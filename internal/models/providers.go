package models

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/adk/model"
	"google.golang.org/adk/model/gemini"
	"google.golang.org/genai"
)

// Provider names a chat model vendor.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderQianwen    Provider = "qianwen"
	ProviderZhipu      Provider = "zhipu"
	ProviderGrok       Provider = "grok"
	ProviderOpenRouter Provider = "openrouter"
	ProviderGemini     Provider = "gemini"
)

// 兼容 OpenAI 协议的厂商默认地址。
var defaultBaseURLs = map[Provider]string{
	ProviderOpenAI:     "",
	ProviderQianwen:    "https://dashscope.aliyuncs.com/compatible-mode/v1",
	ProviderZhipu:      "https://open.bigmodel.cn/api/paas/v4",
	ProviderGrok:       "https://api.x.ai/v1",
	ProviderOpenRouter: "https://openrouter.ai/api/v1",
}

var defaultModels = map[Provider]string{
	ProviderOpenAI:     "gpt-4o-mini",
	ProviderQianwen:    "qwen-plus",
	ProviderZhipu:      "glm-4-flash",
	ProviderGrok:       "grok-4-fast",
	ProviderOpenRouter: "openai/gpt-4o-mini",
	ProviderGemini:     "gemini-2.5-flash",
}

// ProviderConfig selects and configures a chat model.
type ProviderConfig struct {
	Provider Provider
	Model    string
	APIKey   string
	// BaseURL overrides the vendor default.
	BaseURL string
}

// ParseProvider validates a provider name.
func ParseProvider(name string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(name)))
	if p == "" {
		return ProviderOpenAI, nil
	}
	if _, ok := defaultModels[p]; !ok {
		return "", fmt.Errorf("unsupported AI provider: %s", name)
	}
	return p, nil
}

// DefaultModel returns the model used when none is configured.
func DefaultModel(p Provider) string {
	return defaultModels[p]
}

// NewLLM builds the model.LLM for cfg. Gemini goes through the native ADK
// client; every other vendor through the OpenAI-compatible adapter.
func NewLLM(ctx context.Context, cfg ProviderConfig) (model.LLM, error) {
	provider, err := ParseProvider(string(cfg.Provider))
	if err != nil {
		return nil, err
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = DefaultModel(provider)
	}

	if provider == ProviderGemini {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("API key is required for provider %s", provider)
		}
		llm, err := gemini.NewModel(ctx, modelName, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini model: %w", err)
		}
		return llm, nil
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURLs[provider]
	}
	return newOpenAICompatible(provider, modelName, cfg.APIKey, baseURL)
}
