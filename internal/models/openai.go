// Package models 提供各家模型提供方的适配器实现。
package models

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"runtime"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"google.golang.org/adk/model"
	"google.golang.org/genai"
)

// ErrEmptyResponse is returned when the provider answers without a choice.
var ErrEmptyResponse = errors.New("empty model response")

// 模型要求最后一条是用户消息，空对话或以模型结尾时补一句
const (
	bootstrapPrompt = "请按系统指令处理。"
	continuePrompt  = "请继续。"
)

// openaiModel 把 OpenAI 兼容的 chat completions 接口适配为 model.LLM，
// 通义千问、智谱、Grok、OpenRouter 共用。
type openaiModel struct {
	client    openai.Client
	name      string
	provider  Provider
	userAgent string
}

func newOpenAICompatible(provider Provider, modelName, apiKey, baseURL string, opts ...option.RequestOption) (*openaiModel, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required for provider %s", provider)
	}
	if modelName == "" {
		return nil, fmt.Errorf("model name cannot be empty")
	}

	userAgent := fmt.Sprintf("her-companion/%s go/%s", provider, strings.TrimPrefix(runtime.Version(), "go"))
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHeader("User-Agent", userAgent),
	}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	reqOpts = append(reqOpts, opts...)

	return &openaiModel{
		client:    openai.NewClient(reqOpts...),
		name:      modelName,
		provider:  provider,
		userAgent: userAgent,
	}, nil
}

func (m *openaiModel) Name() string {
	return m.name
}

// GenerateContent answers with one complete response. Streaming requests are
// served the same way; replies are filtered as a whole before delivery.
func (m *openaiModel) GenerateContent(ctx context.Context, req *model.LLMRequest, _ bool) iter.Seq2[*model.LLMResponse, error] {
	ensureUserTurn(req)
	params := buildOpenAIParams(req, m.name)
	opts := requestHeaders(req)

	return func(yield func(*model.LLMResponse, error) bool) {
		yield(m.generate(ctx, params, opts))
	}
}

// requestHeaders forwards per-request HTTP headers set by the caller.
func requestHeaders(req *model.LLMRequest) []option.RequestOption {
	if req.Config == nil || req.Config.HTTPOptions == nil {
		return nil
	}
	var opts []option.RequestOption
	for k, values := range req.Config.HTTPOptions.Headers {
		if len(values) > 0 {
			opts = append(opts, option.WithHeader(k, values[0]))
		}
	}
	return opts
}

func (m *openaiModel) generate(ctx context.Context, params *openai.ChatCompletionNewParams, opts []option.RequestOption) (*model.LLMResponse, error) {
	resp, err := m.client.Chat.Completions.New(ctx, *params, opts...)
	if err != nil {
		slog.Warn("llm call failed", "provider", m.provider, "model", params.Model, "error", err)
		return nil, fmt.Errorf("failed to call %s API: %w", m.provider, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	choice := resp.Choices[0]
	return &model.LLMResponse{
		Content:       contentFromMessage(choice.Message.Content, choice.Message.ToolCalls),
		UsageMetadata: usageFromOpenAI(resp.Usage),
		FinishReason:  finishReason(choice.FinishReason),
		TurnComplete:  true,
	}, nil
}

// contentFromMessage builds a model turn with one part per tool call.
func contentFromMessage(text string, calls []openai.ChatCompletionMessageToolCallUnion) *genai.Content {
	content := &genai.Content{Role: genai.RoleModel}
	if text != "" {
		content.Parts = append(content.Parts, &genai.Part{Text: text})
	}
	for _, call := range calls {
		if call.Type != "function" || call.Function.Name == "" {
			continue
		}
		content.Parts = append(content.Parts, &genai.Part{
			FunctionCall: &genai.FunctionCall{
				ID:   call.ID,
				Name: call.Function.Name,
				Args: parseFunctionArgs(call.Function.Arguments),
			},
		})
	}
	return content
}

func usageFromOpenAI(u openai.CompletionUsage) *genai.GenerateContentResponseUsageMetadata {
	if u.TotalTokens == 0 && u.PromptTokens == 0 && u.CompletionTokens == 0 {
		return nil
	}
	return &genai.GenerateContentResponseUsageMetadata{
		PromptTokenCount:     int32(u.PromptTokens),
		CandidatesTokenCount: int32(u.CompletionTokens),
		TotalTokenCount:      int32(u.TotalTokens),
	}
}

func finishReason(reason string) genai.FinishReason {
	switch reason {
	case "stop", "tool_calls", "function_call":
		return genai.FinishReasonStop
	case "length":
		return genai.FinishReasonMaxTokens
	case "content_filter":
		return genai.FinishReasonSafety
	case "":
		return genai.FinishReasonUnspecified
	default:
		return genai.FinishReasonOther
	}
}

func ensureUserTurn(req *model.LLMRequest) {
	if len(req.Contents) == 0 {
		req.Contents = append(req.Contents, genai.NewContentFromText(bootstrapPrompt, genai.RoleUser))
		return
	}
	if last := req.Contents[len(req.Contents)-1]; last != nil && last.Role != genai.RoleUser {
		req.Contents = append(req.Contents, genai.NewContentFromText(continuePrompt, genai.RoleUser))
	}
}

func parseFunctionArgs(raw string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	if err := sonic.UnmarshalString(raw, &args); err != nil {
		slog.Warn("failed to parse function arguments", "error", err, "json", raw)
		return map[string]any{}
	}
	return args
}
