package recommendation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

// SourceLLM marks advice written by the language model.
const SourceLLM = "llm"

// LLMConfig 控制大模型建议的行为。
type LLMConfig struct {
	Enabled bool
}

// LLMBridge 使用大模型生成调理建议，失败时回退到知识库。
type LLMBridge struct {
	enabled  bool
	chain    compose.Runnable[map[string]any, *schema.Message]
	fallback Bridge
}

// NewLLMBridge compiles the prompt chain. A nil chatModel or a disabled
// config yields a bridge that always answers from fallback.
func NewLLMBridge(ctx context.Context, chatModel model.ChatModel, fallback Bridge, cfg LLMConfig) (*LLMBridge, error) {
	if fallback == nil {
		fallback = NewKnowledgeBase()
	}
	b := &LLMBridge{
		enabled:  cfg.Enabled && chatModel != nil,
		fallback: fallback,
	}
	if !b.enabled {
		return b, nil
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(recommendSystemPrompt),
		schema.UserMessage(recommendUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile recommendation chain: %w", err)
	}
	b.chain = runnable
	return b, nil
}

// Enabled 返回是否使用大模型。
func (b *LLMBridge) Enabled() bool {
	return b != nil && b.enabled && b.chain != nil
}

// Recommend asks the model for advice grounded on the knowledge-base draft.
func (b *LLMBridge) Recommend(ctx context.Context, req Request) (Response, error) {
	base, err := b.fallback.Recommend(ctx, req)
	if err != nil || !b.Enabled() {
		return base, err
	}

	draft, err := json.Marshal(base)
	if err != nil {
		log.Printf("[recommendation] encode draft failed, use knowledge base: %v", err)
		return base, nil
	}
	input := map[string]any{
		"primary":    req.PrimaryPattern,
		"secondary":  strings.Join(req.SecondaryPatterns, "、"),
		"confidence": fmt.Sprintf("%.2f", req.Confidence),
		"draft":      string(draft),
	}

	msg, err := b.chain.Invoke(ctx, input)
	if err != nil {
		log.Printf("[recommendation] llm invoke failed, use knowledge base: %v", err)
		return base, nil
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return base, nil
	}

	payload, err := parseLLMOutput(msg.Content)
	if err != nil {
		log.Printf("[recommendation] llm output parse failed, use knowledge base: %v", err)
		return base, nil
	}

	resp := base
	resp.Source = SourceLLM
	if len(payload.TreatmentPrinciples) > 0 {
		resp.TreatmentPrinciples = payload.TreatmentPrinciples
	}
	if f := strings.TrimSpace(payload.HerbalFormula); f != "" {
		resp.HerbalFormula = f
	}
	if len(payload.Acupoints) > 0 {
		resp.Acupoints = payload.Acupoints
	}
	if len(payload.Lifestyle) > 0 {
		resp.Lifestyle = payload.Lifestyle
	}
	if len(payload.Diet) > 0 {
		resp.Diet = payload.Diet
	}
	return resp, nil
}

type llmPayload struct {
	TreatmentPrinciples []string `json:"treatment_principles"`
	HerbalFormula       string   `json:"herbal_formula"`
	Acupoints           []string `json:"acupoints"`
	Lifestyle           []string `json:"lifestyle"`
	Diet                []string `json:"diet"`
}

// parseLLMOutput 提取模型返回内容中的 JSON 对象。
func parseLLMOutput(content string) (*llmPayload, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("missing json object")
	}

	payload := &llmPayload{}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), payload); err != nil {
		return nil, err
	}
	return payload, nil
}

const recommendSystemPrompt = "你是一名经验丰富的中医师。请根据四诊合参得出的主证、兼证与置信度，参考给出的知识库草稿，给出调理建议。\n输出要求：只返回一个 JSON 对象，字段为 treatment_principles (字符串数组)、herbal_formula (方剂名)、acupoints (字符串数组)、lifestyle (字符串数组)、diet (字符串数组)。不得输出多余文本，不得给出剂量。"

const recommendUserPrompt = "主证：{primary}\n兼证：{secondary}\n置信度：{confidence}\n\n知识库草稿：\n{draft}\n\n请给出 JSON。"
