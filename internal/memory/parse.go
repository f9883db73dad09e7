package memory

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/easeaico/her-companion/internal/types"
)

var trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)

// parseExtractionResponse 解析模型返回的提取结果，无法解析时返回 nil。
// 回复里可能夹带说明文字或 markdown 代码块，只取最外层的 {...}。
func parseExtractionResponse(raw string) *types.ExtractionResult {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		slog.Warn("extraction response has no json object", "response", truncate(raw, 200))
		return nil
	}
	body := trailingCommaPattern.ReplaceAllString(raw[start:end+1], "$1")

	var payload map[string]any
	if err := sonic.UnmarshalString(body, &payload); err != nil {
		slog.Warn("failed to parse extraction response", "error", err, "response", truncate(raw, 200))
		return nil
	}

	result := &types.ExtractionResult{}
	switch state := payload["emotional_state"].(type) {
	case string:
		result.EmotionalState = state
	case map[string]any:
		// 部分模型会返回 {"emotion": "...", "intensity": ...}
		for _, key := range []string{"emotion", "primary_emotion", "state", "mood"} {
			if s, ok := state[key].(string); ok && s != "" {
				result.EmotionalState = s
				break
			}
		}
	}

	items, _ := payload["extracted_info"].([]any)
	for _, entry := range items {
		obj, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		item := types.ExtractedItem{
			Type:       stringField(obj, "type"),
			Content:    strings.TrimSpace(stringField(obj, "content")),
			Importance: unitField(obj, "importance", 0.5),
			Confidence: unitField(obj, "confidence", 0.8),
			Raw:        obj,
		}
		if item.Content == "" {
			continue
		}
		result.ExtractedInfo = append(result.ExtractedInfo, item)
	}
	return result
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

// unitField 读取 [0,1] 区间的数值，缺失或类型不对时使用默认值。
// 从数据库读回的 JSON 列里数字是 json.Number。
func unitField(obj map[string]any, key string, def float64) float64 {
	var v float64
	switch n := obj[key].(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return def
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return def
		}
		v = f
	default:
		return def
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
