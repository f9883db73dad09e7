// Package rag 实现对话示例的向量化、向量存储与相似检索。
package rag

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/genai"
)

const (
	taskRetrievalQuery    = "RETRIEVAL_QUERY"
	taskRetrievalDocument = "RETRIEVAL_DOCUMENT"

	defaultEmbeddingModel     = "text-embedding-004"
	defaultEmbeddingDimension = 768
)

// Embedder 负责将文本转换为向量表示。
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// GenAIEmbedder embeds text with the Gemini embedding API.
type GenAIEmbedder struct {
	client    *genai.Client
	model     string
	dimension int
}

// NewGenAIEmbedder 创建 GenAI 的向量化实现。
func NewGenAIEmbedder(ctx context.Context, apiKey, modelName string, dimension int) (*GenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google api key is required for embeddings")
	}
	if modelName == "" {
		modelName = defaultEmbeddingModel
	}
	if dimension <= 0 {
		dimension = defaultEmbeddingDimension
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GenAIEmbedder{
		client:    client,
		model:     modelName,
		dimension: dimension,
	}, nil
}

// Dimension returns the output vector length.
func (e *GenAIEmbedder) Dimension() int {
	return e.dimension
}

func (e *GenAIEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embed(ctx, []string{text}, taskRetrievalQuery)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *GenAIEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return e.embed(ctx, texts, taskRetrievalDocument)
}

func (e *GenAIEmbedder) embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, 0, len(texts))
	for _, text := range texts {
		contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
	}

	resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType:             taskType,
		OutputDimensionality: genai.Ptr(int32(e.dimension)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed content: %w", err)
	}
	if resp == nil || len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding response size mismatch")
	}

	results := make([][]float32, 0, len(texts))
	for _, emb := range resp.Embeddings {
		if emb == nil {
			return nil, fmt.Errorf("empty embedding in response")
		}
		values := emb.Values
		switch {
		case len(values) == e.dimension:
		case len(values) > e.dimension:
			slog.Warn("embedding dimensions exceed target, truncating", "actual", len(values), "target", e.dimension, "model", e.model)
			values = values[:e.dimension]
		default:
			return nil, fmt.Errorf("embedding dimensions mismatch: got %d want %d", len(values), e.dimension)
		}
		results = append(results, values)
	}
	return results, nil
}
