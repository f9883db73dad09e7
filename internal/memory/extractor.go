// Package memory 负责短期记忆提取、长期记忆整合以及用户画像组装。
package memory

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"

	"google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/model"
	"google.golang.org/adk/runner"
	"google.golang.org/adk/session"
	"google.golang.org/genai"

	"github.com/easeaico/her-companion/internal/utils"
)

const (
	extractorAppName = "her_memory_extractor"
	extractorUserID  = "memory_extractor"
)

// extractionInstruction 要求模型仅返回符合结构的 JSON。
const extractionInstruction = `你是一个记忆提取助手，负责从对话中提取关于用户的重要信息。

请关注以下类型：用户基本信息、用户偏好、用户厌恶、重要事件、情感状态、关系信息、生活习惯、价值观、目标计划。

输出要求：
- 只输出一个 JSON 对象，不要输出任何额外文字
- 格式为 {"extracted_info": [{"type": "类型", "content": "具体内容", "importance": 0到1, "confidence": 0到1}], "emotional_state": "用户当前情绪"}
- content 用第三人称简洁描述，例如"用户喜欢喝奶茶"
- 用户的名字、生日这类固定信息可以额外带上 "key" 字段，例如 {"type": "用户基本信息", "key": "name", "content": "用户叫小明"}
- 对话中没有值得记住的信息时返回 {"extracted_info": [], "emotional_state": ""}`

// Extractor turns a transcript into the raw extraction reply.
type Extractor interface {
	Extract(ctx context.Context, transcript string) (string, error)
}

type extractorRunner interface {
	Run(ctx context.Context, userID, sessionID string, msg *genai.Content, cfg agent.RunConfig) iter.Seq2[*session.Event, error]
}

// agentExtractor 使用 ADK agent 执行记忆提取。
type agentExtractor struct {
	runner         extractorRunner
	sessionService session.Service
	counter        uint64
}

// NewAgentExtractor runs the extraction prompt through an ADK llmagent backed
// by llm.
func NewAgentExtractor(llm model.LLM) (Extractor, error) {
	llmAgent, err := llmagent.New(llmagent.Config{
		Name:            "memory_extractor",
		Description:     "对话记忆提取智能体",
		Model:           llm,
		Instruction:     extractionInstruction,
		OutputSchema:    extractionOutputSchema(),
		IncludeContents: llmagent.IncludeContentsNone,
		GenerateContentConfig: &genai.GenerateContentConfig{
			Temperature: genai.Ptr[float32](0.3),
		},
	})
	if err != nil {
		slog.Error("failed to create memory extractor agent", "error", err)
		return nil, fmt.Errorf("failed to create memory extractor agent: %w", err)
	}

	sessionService := session.InMemoryService()
	r, err := runner.New(runner.Config{
		AppName:        extractorAppName,
		Agent:          llmAgent,
		SessionService: sessionService,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create memory extractor runner: %w", err)
	}
	return &agentExtractor{runner: r, sessionService: sessionService}, nil
}

func (e *agentExtractor) Extract(ctx context.Context, transcript string) (string, error) {
	sessID := fmt.Sprintf("extract-%d", atomic.AddUint64(&e.counter, 1))
	if _, err := e.sessionService.Create(ctx, &session.CreateRequest{
		AppName:   extractorAppName,
		UserID:    extractorUserID,
		SessionID: sessID,
	}); err != nil {
		return "", fmt.Errorf("failed to create extractor session: %w", err)
	}
	// 每次提取使用一次性会话，结束后清理，避免内存增长。
	defer func() {
		if err := e.sessionService.Delete(context.WithoutCancel(ctx), &session.DeleteRequest{
			AppName:   extractorAppName,
			UserID:    extractorUserID,
			SessionID: sessID,
		}); err != nil {
			slog.Debug("failed to delete extractor session", "session_id", sessID, "error", err)
		}
	}()

	msg := genai.NewContentFromText(transcript, genai.RoleUser)
	events := e.runner.Run(ctx, extractorUserID, sessID, msg, agent.RunConfig{
		StreamingMode: agent.StreamingModeNone,
	})

	var last string
	for event, err := range events {
		if err != nil {
			return "", err
		}
		if event == nil || event.Content == nil {
			continue
		}
		if event.Author == "user" {
			continue
		}
		text := strings.TrimSpace(utils.ExtractContentText(event.Content))
		if text == "" {
			continue
		}
		last = text
		if event.IsFinalResponse() {
			break
		}
	}
	if last == "" {
		return "", fmt.Errorf("empty extraction response")
	}
	return last, nil
}

func extractionOutputSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"extracted_info": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"type":       {Type: genai.TypeString},
						"key":        {Type: genai.TypeString},
						"content":    {Type: genai.TypeString},
						"importance": {Type: genai.TypeNumber},
						"confidence": {Type: genai.TypeNumber},
					},
					Required: []string{"type", "content"},
				},
			},
			"emotional_state": {Type: genai.TypeString},
		},
		Required: []string{"extracted_info"},
	}
}
