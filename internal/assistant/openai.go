package assistant

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"fluxur-go/internal/common"
	"fluxur-go/internal/config"
)

// 模型返回空内容时使用的固定文本。
const (
	FallbackReply   = "I'm sorry, I couldn't process that."
	FallbackSummary = "No summary available."
)

const (
	summaryPrompt    = "Summarize the following chat conversation into a concise paragraph of 2-3 sentences:\n\n"
	smartReplyPrompt = "Based on the following chat context, suggest a short, conversational, and natural smart reply. " +
		"Return only the reply text, no quotes or metadata.\n\nContext:\n"
	smartReplyTemperature = 0.7
	smartReplyMaxTokens   = 100
)

// OpenAI 通过任意兼容 OpenAI 的 chat completions 端点实现 Collaborator。
type OpenAI struct {
	client *openai.Client
	cfg    config.AssistantConfig
}

// NewOpenAI 根据配置创建客户端。
func NewOpenAI(cfg config.AssistantConfig) *OpenAI {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.SummaryModel == "" {
		cfg.SummaryModel = cfg.Model
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = config.DefaultSystemPrompt
	}
	return &OpenAI{client: openai.NewClientWithConfig(clientConfig), cfg: cfg}
}

// New 在配置了 API key 时返回 OpenAI 实现，否则返回 Disabled。
func New(cfg config.AssistantConfig) Collaborator {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return Disabled{}
	}
	return NewOpenAI(cfg)
}

func (o *OpenAI) Continue(ctx context.Context, history []Turn, prompt string) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: o.cfg.SystemPrompt})
	for _, t := range history {
		messages = append(messages, convertTurn(t))
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	text, err := o.complete(ctx, openai.ChatCompletionRequest{
		Model:       o.cfg.Model,
		Messages:    messages,
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: float32(o.cfg.Temperature),
	})
	if err != nil {
		return "", err
	}
	if text == "" {
		return FallbackReply, nil
	}
	return text, nil
}

func (o *OpenAI) Summarize(ctx context.Context, transcript string) (string, error) {
	text, err := o.complete(ctx, openai.ChatCompletionRequest{
		Model: o.cfg.SummaryModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: summaryPrompt + transcript},
		},
		MaxTokens: o.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	if text == "" {
		return FallbackSummary, nil
	}
	return text, nil
}

// SmartReply 只参考最后 SmartReplyWindow 轮。
func (o *OpenAI) SmartReply(ctx context.Context, recent []Turn) (string, error) {
	return o.complete(ctx, openai.ChatCompletionRequest{
		Model: o.cfg.SummaryModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: smartReplyPrompt + joinTurns(Recent(recent, SmartReplyWindow))},
		},
		MaxTokens:   smartReplyMaxTokens,
		Temperature: smartReplyTemperature,
	})
}

func (o *OpenAI) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	if o.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RequestTimeout)
		defer cancel()
	}
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrAICollaborator, err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return cleanReply(resp.Choices[0].Message.Content), nil
}

func convertTurn(t Turn) openai.ChatCompletionMessage {
	role := openai.ChatMessageRoleUser
	if t.Role == RoleAssistant {
		role = openai.ChatMessageRoleAssistant
	}
	return openai.ChatCompletionMessage{Role: role, Content: t.Text}
}

// cleanReply 去掉首尾空白和模型偶尔加上的引号。
func cleanReply(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}
