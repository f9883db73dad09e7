package models

import (
	"log/slog"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"
	"google.golang.org/adk/model"
	"google.golang.org/genai"

	"github.com/easeaico/her-companion/internal/utils"
)

const mimeJSON = "application/json"

// buildOpenAIParams 把 ADK 请求转换为 chat completions 参数，req.Model 为空时用 fallbackModel。
func buildOpenAIParams(req *model.LLMRequest, fallbackModel string) *openai.ChatCompletionNewParams {
	params := &openai.ChatCompletionNewParams{Model: req.Model}
	if params.Model == "" {
		params.Model = fallbackModel
	}

	cfg := req.Config
	if cfg == nil {
		params.Messages = toOpenAIMessages(req.Contents)
		return params
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if text := utils.ExtractContentText(cfg.SystemInstruction); text != "" {
		messages = append(messages, openai.SystemMessage(text))
	}
	params.Messages = append(messages, toOpenAIMessages(req.Contents)...)

	if cfg.Temperature != nil {
		params.Temperature = openai.Float(float64(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		params.TopP = openai.Float(float64(*cfg.TopP))
	}
	if cfg.MaxOutputTokens > 0 {
		params.MaxTokens = openai.Int(int64(cfg.MaxOutputTokens))
	}
	if len(cfg.StopSequences) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: cfg.StopSequences}
	}
	// 记忆提取要求只输出 JSON
	if cfg.ResponseMIMEType == mimeJSON {
		format := shared.NewResponseFormatJSONObjectParam()
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{OfJSONObject: &format}
	}
	for _, t := range cfg.Tools {
		if t == nil {
			continue
		}
		for _, fn := range t.FunctionDeclarations {
			params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
				Name:        fn.Name,
				Description: openai.String(fn.Description),
				Parameters:  functionParameters(fn),
			}))
		}
	}
	return params
}

// toOpenAIMessages maps genai turns to chat messages. Function responses
// become tool messages; model function calls become assistant tool calls.
func toOpenAIMessages(contents []*genai.Content) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, content := range contents {
		if content == nil {
			continue
		}

		var calls []openai.ChatCompletionMessageToolCallUnionParam
		answered := false
		for _, part := range content.Parts {
			switch {
			case part == nil:
			case part.FunctionResponse != nil && part.FunctionResponse.ID != "":
				answered = true
				body, err := sonic.MarshalString(part.FunctionResponse.Response)
				if err != nil {
					slog.Warn("failed to encode function response", "function", part.FunctionResponse.Name, "error", err)
					continue
				}
				out = append(out, openai.ToolMessage(body, part.FunctionResponse.ID))
			case part.FunctionCall != nil && part.FunctionCall.ID != "":
				args, err := sonic.MarshalString(part.FunctionCall.Args)
				if err != nil {
					args = "{}"
				}
				calls = append(calls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: part.FunctionCall.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      part.FunctionCall.Name,
							Arguments: args,
						},
					},
				})
			}
		}
		if answered {
			continue
		}

		text := utils.ExtractContentText(content)
		switch content.Role {
		case genai.RoleModel:
			msg := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if text != "" || len(calls) == 0 {
				msg.Content.OfString = openai.String(text)
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &msg})
		case RoleSystem:
			out = append(out, openai.SystemMessage(text))
		default:
			out = append(out, openai.UserMessage(text))
		}
	}
	return out
}

// functionParameters returns the JSON schema of fn's arguments. Declarations
// may carry either a jsonschema document or a genai.Schema.
func functionParameters(fn *genai.FunctionDeclaration) openai.FunctionParameters {
	switch schema := fn.ParametersJsonSchema.(type) {
	case *jsonschema.Schema:
		if params := schemaToMap(schema); params != nil {
			return params
		}
	case map[string]any:
		return schema
	}
	if fn.Parameters != nil {
		return genaiSchemaToMap(fn.Parameters)
	}
	return openai.FunctionParameters{"type": "object", "properties": map[string]any{}}
}

func schemaToMap(schema *jsonschema.Schema) map[string]any {
	raw, err := sonic.Marshal(schema)
	if err != nil {
		slog.Warn("failed to encode tool schema", "error", err)
		return nil
	}
	var out map[string]any
	if err := sonic.Unmarshal(raw, &out); err != nil {
		slog.Warn("failed to decode tool schema", "error", err)
		return nil
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out
}

// genaiSchemaToMap converts the Gemini schema dialect, whose type names are
// upper case, to JSON schema.
func genaiSchemaToMap(s *genai.Schema) map[string]any {
	if s == nil {
		return nil
	}
	out := map[string]any{}
	if s.Type != genai.TypeUnspecified && s.Type != "" {
		out["type"] = strings.ToLower(string(s.Type))
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if s.Format != "" {
		out["format"] = s.Format
	}
	if len(s.Enum) > 0 {
		out["enum"] = s.Enum
	}
	if s.Items != nil {
		out["items"] = genaiSchemaToMap(s.Items)
	}
	if len(s.Properties) > 0 {
		props := make(map[string]any, len(s.Properties))
		for name, p := range s.Properties {
			props[name] = genaiSchemaToMap(p)
		}
		out["properties"] = props
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}
