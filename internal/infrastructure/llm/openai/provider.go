package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Provider OpenAI chat-completions 适配器。
// 块模型与 tool_calls 之间的翻译: ToolUse 块 → assistant.tool_calls,
// ToolResult 块 → role=tool 消息。
type Provider struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

// New 创建 provider
func New(baseURL, apiKey, model string, logger *zap.Logger) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
			},
		},
		logger: logger.With(zap.String("provider", "openai")),
	}
}

// Name provider 标识
func (p *Provider) Name() string { return "openai" }

// SupportsModel gpt / o 系模型归本 provider
func (p *Provider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3")
}

// IsAvailable 配置了 key 即视为可用
func (p *Provider) IsAvailable(ctx context.Context) bool { return p.apiKey != "" }

// SendMessage 发送历史 + 工具定义
func (p *Provider) SendMessage(ctx context.Context, messages []entity.Message, tools []entity.ToolDefinition) (*entity.LLMResponse, error) {
	return p.SendMessageWithSystem(ctx, messages, tools, "")
}

// SendMessageWithSystem 附带系统提示词的变体
func (p *Provider) SendMessageWithSystem(ctx context.Context, messages []entity.Message, tools []entity.ToolDefinition, system string) (*entity.LLMResponse, error) {
	req := wireRequest{
		Model:    p.model,
		Messages: toWireMessages(messages, system),
		Tools:    toWireTools(tools),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr wireError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("openai API error (%d %s): %s",
				resp.StatusCode, apiErr.Error.Type, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("openai API error: status %d", resp.StatusCode)
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("openai response decode failed: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("openai response has no choices")
	}

	out := &entity.LLMResponse{Message: fromWireMessage(wire.Choices[0].Message)}
	if wire.Usage != nil {
		out.Usage = &entity.Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// toWireMessages: ToolResult 块展开成 role=tool 消息; 其余按角色透传。
func toWireMessages(messages []entity.Message, system string) []wireMessage {
	out := make([]wireMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, wireMessage{Role: "system", Content: system})
	}
	for _, msg := range messages {
		switch msg.Role {
		case entity.RoleAssistant:
			wm := wireMessage{Role: "assistant", Content: msg.Text()}
			for _, use := range msg.ToolUses() {
				tc := wireToolCall{ID: use.ID, Type: "function"}
				tc.Function.Name = use.Name
				tc.Function.Arguments = string(use.Input)
				wm.ToolCalls = append(wm.ToolCalls, tc)
			}
			out = append(out, wm)
		case entity.RoleUser:
			// 工具结果各自成一条 tool 消息
			for _, r := range msg.ToolResults() {
				out = append(out, wireMessage{
					Role:       "tool",
					Content:    r.ToolText,
					ToolCallID: r.ToolUseID,
				})
			}
			if text := msg.Text(); text != "" {
				out = append(out, wireMessage{Role: "user", Content: text})
			}
		}
	}
	return out
}

func toWireTools(tools []entity.ToolDefinition) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.InputSchema
		out = append(out, wt)
	}
	return out
}

func fromWireMessage(wm wireMessage) entity.Message {
	msg := entity.Message{Role: entity.RoleAssistant}
	if wm.Content != "" {
		msg.Content = append(msg.Content, entity.TextBlock(wm.Content))
	}
	for _, tc := range wm.ToolCalls {
		msg.Content = append(msg.Content, entity.ToolUseBlock(tc.ID, tc.Function.Name, compactJSON(tc.Function.Arguments)))
	}
	return msg
}
