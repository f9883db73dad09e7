package models

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/adk/model"
	"google.golang.org/genai"

	"github.com/easeaico/her-companion/internal/utils"
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string
	Content string
}

// Usage counts the tokens of one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResult is the outcome of a chat call.
type ChatResult struct {
	Content  string
	Model    string
	Usage    Usage
	Duration time.Duration
	// ToolCalls counts the function calls answered during the call.
	ToolCalls int
}

// FunctionTool is a tool the model may call while answering.
type FunctionTool interface {
	Declaration() *genai.FunctionDeclaration
	Call(ctx context.Context, args map[string]any) (map[string]any, error)
}

// ChatOptions tune one call.
type ChatOptions struct {
	Temperature float32
	MaxTokens   int32
	// JSON asks the provider for a JSON object reply.
	JSON  bool
	Tools []FunctionTool
}

// 工具调用最多来回几轮，超过后用已有文本作答
const maxToolRounds = 3

// Chat exposes a plain chat interface over any model.LLM.
type Chat struct {
	llm model.LLM
}

// NewChat wraps llm.
func NewChat(llm model.LLM) *Chat {
	return &Chat{llm: llm}
}

// Name returns the underlying model name.
func (c *Chat) Name() string {
	return c.llm.Name()
}

// LLM returns the wrapped model.
func (c *Chat) LLM() model.LLM {
	return c.llm
}

// Chat sends messages and returns the full reply. System messages are merged
// into the system instruction. When opts.Tools is set, function calls from the
// model are answered and the model is asked again.
func (c *Chat) Chat(ctx context.Context, messages []Message, opts ChatOptions) (*ChatResult, error) {
	req := &model.LLMRequest{
		Model:  c.llm.Name(),
		Config: &genai.GenerateContentConfig{},
	}
	if opts.Temperature > 0 {
		req.Config.Temperature = genai.Ptr(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		req.Config.MaxOutputTokens = opts.MaxTokens
	}
	if opts.JSON {
		req.Config.ResponseMIMEType = mimeJSON
	}

	var system []string
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			req.Contents = append(req.Contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			req.Contents = append(req.Contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(system) > 0 {
		req.Config.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}

	tools := make(map[string]FunctionTool, len(opts.Tools))
	var decls []*genai.FunctionDeclaration
	for _, t := range opts.Tools {
		decl := t.Declaration()
		if decl == nil || decl.Name == "" {
			continue
		}
		tools[decl.Name] = t
		decls = append(decls, decl)
	}
	if len(decls) > 0 {
		req.Config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	start := time.Now()
	res := &ChatResult{Model: c.llm.Name()}
	for round := 0; ; round++ {
		turn, usage, err := c.generate(ctx, req)
		if err != nil {
			return nil, err
		}
		res.Usage.PromptTokens += usage.PromptTokens
		res.Usage.CompletionTokens += usage.CompletionTokens
		res.Usage.TotalTokens += usage.TotalTokens

		calls := functionCalls(turn)
		if len(calls) == 0 || round >= maxToolRounds {
			res.Content = strings.TrimSpace(utils.ExtractContentText(turn))
			break
		}
		req.Contents = append(req.Contents, turn, answerCalls(ctx, tools, calls))
		res.ToolCalls += len(calls)
	}

	if res.Content == "" {
		return nil, ErrEmptyResponse
	}
	res.Duration = time.Since(start)
	return res, nil
}

// generate runs one model call and merges its responses into a single turn.
func (c *Chat) generate(ctx context.Context, req *model.LLMRequest) (*genai.Content, Usage, error) {
	turn := &genai.Content{Role: genai.RoleModel}
	var usage Usage
	for resp, err := range c.llm.GenerateContent(ctx, req, false) {
		if err != nil {
			return nil, Usage{}, fmt.Errorf("failed to generate content: %w", err)
		}
		if resp == nil {
			continue
		}
		if resp.ErrorCode != "" {
			return nil, Usage{}, fmt.Errorf("model error %s: %s", resp.ErrorCode, resp.ErrorMessage)
		}
		if resp.Content != nil {
			for _, part := range resp.Content.Parts {
				if part != nil && !part.Thought {
					turn.Parts = append(turn.Parts, part)
				}
			}
		}
		if u := resp.UsageMetadata; u != nil {
			usage = Usage{
				PromptTokens:     int(u.PromptTokenCount),
				CompletionTokens: int(u.CandidatesTokenCount),
				TotalTokens:      int(u.TotalTokenCount),
			}
		}
	}
	return turn, usage, nil
}

func functionCalls(turn *genai.Content) []*genai.FunctionCall {
	var calls []*genai.FunctionCall
	for _, part := range turn.Parts {
		if part.FunctionCall != nil {
			calls = append(calls, part.FunctionCall)
		}
	}
	return calls
}

// answerCalls runs each call and returns the function responses as a user
// turn. Unknown tools and tool errors are reported back to the model.
func answerCalls(ctx context.Context, tools map[string]FunctionTool, calls []*genai.FunctionCall) *genai.Content {
	content := &genai.Content{Role: genai.RoleUser}
	for _, call := range calls {
		var out map[string]any
		t, ok := tools[call.Name]
		if !ok {
			out = map[string]any{"error": "unknown tool " + call.Name}
		} else if result, err := t.Call(ctx, call.Args); err != nil {
			slog.Warn("tool call failed", "tool", call.Name, "error", err)
			out = map[string]any{"error": err.Error()}
		} else {
			out = result
		}
		content.Parts = append(content.Parts, &genai.Part{
			FunctionResponse: &genai.FunctionResponse{ID: call.ID, Name: call.Name, Response: out},
		})
	}
	return content
}

// SimpleChat sends a single user message with an optional system prompt.
func (c *Chat) SimpleChat(ctx context.Context, userMessage, systemPrompt string) (string, error) {
	var messages []Message
	if systemPrompt != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, Message{Role: RoleUser, Content: userMessage})
	res, err := c.Chat(ctx, messages, ChatOptions{Temperature: 0.7})
	if err != nil {
		return "", err
	}
	return res.Content, nil
}
