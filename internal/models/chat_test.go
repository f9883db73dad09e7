package models

import (
	"context"
	"errors"
	"iter"
	"testing"

	"google.golang.org/adk/model"
	"google.golang.org/genai"

	"github.com/easeaico/her-companion/internal/tool"
	"github.com/easeaico/her-companion/internal/utils"
)

type fakeLLM struct {
	last  *model.LLMRequest
	reply string
	err   error
}

func (f *fakeLLM) Name() string { return "fake-model" }

func (f *fakeLLM) GenerateContent(_ context.Context, req *model.LLMRequest, _ bool) iter.Seq2[*model.LLMResponse, error] {
	f.last = req
	return func(yield func(*model.LLMResponse, error) bool) {
		if f.err != nil {
			yield(nil, f.err)
			return
		}
		yield(&model.LLMResponse{
			Content: genai.NewContentFromText(f.reply, genai.RoleModel),
			UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
				PromptTokenCount:     12,
				CandidatesTokenCount: 5,
				TotalTokenCount:      17,
			},
		}, nil)
	}
}

func TestChatBuildsRequest(t *testing.T) {
	llm := &fakeLLM{reply: "  在呢~  "}
	chat := NewChat(llm)

	res, err := chat.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "你是小爱"},
		{Role: RoleUser, Content: "你好"},
		{Role: RoleAssistant, Content: "嗨"},
		{Role: RoleUser, Content: "在吗"},
	}, ChatOptions{Temperature: 0.8, MaxTokens: 500, JSON: true})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if res.Content != "在呢~" {
		t.Fatalf("content = %q", res.Content)
	}
	if res.Usage.TotalTokens != 17 || res.Usage.PromptTokens != 12 {
		t.Fatalf("usage = %+v", res.Usage)
	}

	req := llm.last
	if len(req.Contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(req.Contents))
	}
	if req.Contents[1].Role != genai.RoleModel {
		t.Fatalf("assistant turn role = %q", req.Contents[1].Role)
	}
	if got := utils.ExtractContentText(req.Config.SystemInstruction); got != "你是小爱" {
		t.Fatalf("system instruction = %q", got)
	}
	if req.Config.ResponseMIMEType != "application/json" {
		t.Fatalf("json mode not requested")
	}
	if req.Config.MaxOutputTokens != 500 || req.Config.Temperature == nil || *req.Config.Temperature != 0.8 {
		t.Fatalf("unexpected sampling config: %+v", req.Config)
	}
}

func TestChatErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewChat(&fakeLLM{err: boom}).Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, ChatOptions{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}

	_, err = NewChat(&fakeLLM{reply: "   "}).SimpleChat(context.Background(), "hi", "")
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestBuildOpenAIParamsSystemAndJSON(t *testing.T) {
	req := &model.LLMRequest{
		Contents: []*genai.Content{
			genai.NewContentFromText("你好", genai.RoleUser),
			genai.NewContentFromText("嗨", genai.RoleModel),
		},
		Config: &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText("只输出JSON", genai.RoleUser),
			ResponseMIMEType:  "application/json",
			MaxOutputTokens:   100,
		},
	}
	params := buildOpenAIParams(req, "gpt-4o-mini")
	if params.Model != "gpt-4o-mini" {
		t.Fatalf("model = %q", params.Model)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil || params.Messages[1].OfUser == nil || params.Messages[2].OfAssistant == nil {
		t.Fatalf("unexpected message order")
	}
	if params.ResponseFormat.OfJSONObject == nil {
		t.Fatalf("json response format not set")
	}
}

func TestParseProvider(t *testing.T) {
	for name, want := range map[string]Provider{
		"":           ProviderOpenAI,
		"OpenAI":     ProviderOpenAI,
		" qianwen ":  ProviderQianwen,
		"zhipu":      ProviderZhipu,
		"grok":       ProviderGrok,
		"openrouter": ProviderOpenRouter,
		"gemini":     ProviderGemini,
	} {
		got, err := ParseProvider(name)
		if err != nil || got != want {
			t.Fatalf("ParseProvider(%q) = %q, %v", name, got, err)
		}
	}
	if _, err := ParseProvider("claude"); err == nil {
		t.Fatalf("expected error for unsupported provider")
	}
	if _, err := NewLLM(context.Background(), ProviderConfig{Provider: ProviderZhipu}); err == nil {
		t.Fatalf("expected missing API key error")
	}
}

func TestBuildOpenAIParamsTools(t *testing.T) {
	decl := tool.NewWeatherTool("", "", 0).Declaration()
	req := &model.LLMRequest{
		Config: &genai.GenerateContentConfig{
			Tools: []*genai.Tool{{FunctionDeclarations: []*genai.FunctionDeclaration{decl}}},
		},
	}
	params := buildOpenAIParams(req, "gpt-4o-mini")
	if len(params.Tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(params.Tools))
	}
	fn := params.Tools[0].OfFunction.Function
	if fn.Name != tool.WeatherToolName {
		t.Fatalf("unexpected tool name %q", fn.Name)
	}
	if fn.Parameters["type"] != "object" {
		t.Fatalf("unexpected parameters %v", fn.Parameters)
	}
	props, ok := fn.Parameters["properties"].(map[string]any)
	if !ok || props["city"] == nil {
		t.Fatalf("missing city property: %v", fn.Parameters)
	}
}

// scriptedLLM answers each call with the next turn in script.
type scriptedLLM struct {
	script []*genai.Content
	reqs   []*model.LLMRequest
}

func (s *scriptedLLM) Name() string { return "scripted" }

func (s *scriptedLLM) GenerateContent(_ context.Context, req *model.LLMRequest, _ bool) iter.Seq2[*model.LLMResponse, error] {
	clone := *req
	clone.Contents = append([]*genai.Content(nil), req.Contents...)
	s.reqs = append(s.reqs, &clone)
	turn := s.script[min(len(s.reqs)-1, len(s.script)-1)]
	return func(yield func(*model.LLMResponse, error) bool) {
		yield(&model.LLMResponse{
			Content:       turn,
			UsageMetadata: &genai.GenerateContentResponseUsageMetadata{TotalTokenCount: 10},
		}, nil)
	}
}

type recordingTool struct {
	args []map[string]any
}

func (r *recordingTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{Name: "get_weather"}
}

func (r *recordingTool) Call(_ context.Context, args map[string]any) (map[string]any, error) {
	r.args = append(r.args, args)
	return map[string]any{"summary": "北京现在25度，晴"}, nil
}

func callTurn(id, name string, args map[string]any) *genai.Content {
	return &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{
		{FunctionCall: &genai.FunctionCall{ID: id, Name: name, Args: args}},
	}}
}

func TestChatAnswersFunctionCalls(t *testing.T) {
	llm := &scriptedLLM{script: []*genai.Content{
		callTurn("call_1", "get_weather", map[string]any{"city": "北京"}),
		genai.NewContentFromText("北京今天晴天，25度哦", genai.RoleModel),
	}}
	weather := &recordingTool{}

	res, err := NewChat(llm).Chat(context.Background(), []Message{{Role: RoleUser, Content: "北京热吗"}}, ChatOptions{Tools: []FunctionTool{weather}})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if res.Content != "北京今天晴天，25度哦" || res.ToolCalls != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Usage.TotalTokens != 20 {
		t.Fatalf("usage should add up over rounds, got %+v", res.Usage)
	}
	if len(weather.args) != 1 || weather.args[0]["city"] != "北京" {
		t.Fatalf("tool args = %v", weather.args)
	}

	first := llm.reqs[0]
	if len(first.Config.Tools) != 1 || first.Config.Tools[0].FunctionDeclarations[0].Name != "get_weather" {
		t.Fatalf("tools not declared: %+v", first.Config.Tools)
	}
	second := llm.reqs[1]
	if len(second.Contents) != 3 {
		t.Fatalf("expected user, call and response turns, got %d", len(second.Contents))
	}
	resp := second.Contents[2].Parts[0].FunctionResponse
	if second.Contents[2].Role != genai.RoleUser || resp == nil || resp.ID != "call_1" || resp.Response["summary"] != "北京现在25度，晴" {
		t.Fatalf("unexpected function response turn: %+v", second.Contents[2])
	}

	// the follow-up converts to an assistant tool call plus a tool message
	params := buildOpenAIParams(second, "gpt-4o-mini")
	if len(params.Messages) != 3 || params.Messages[1].OfAssistant == nil || params.Messages[2].OfTool == nil {
		t.Fatalf("unexpected openai messages: %+v", params.Messages)
	}
	if calls := params.Messages[1].OfAssistant.ToolCalls; len(calls) != 1 || calls[0].OfFunction.ID != "call_1" {
		t.Fatalf("unexpected tool calls: %+v", calls)
	}
}

func TestChatStopsAfterMaxToolRounds(t *testing.T) {
	llm := &scriptedLLM{script: []*genai.Content{
		callTurn("call_x", "lookup", nil),
	}}
	_, err := NewChat(llm).Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, ChatOptions{Tools: []FunctionTool{&recordingTool{}}})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
	if len(llm.reqs) != maxToolRounds+1 {
		t.Fatalf("expected %d model calls, got %d", maxToolRounds+1, len(llm.reqs))
	}
	last := llm.reqs[len(llm.reqs)-1].Contents
	if resp := last[len(last)-1].Parts[0].FunctionResponse; resp == nil || resp.Response["error"] != "unknown tool lookup" {
		t.Fatalf("unknown tool should be reported to the model, got %+v", last[len(last)-1])
	}
}
