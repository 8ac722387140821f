package anthropic

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

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 8192
)

// Provider Anthropic Messages API 适配器。
// 连接超时 30s; 总时长不设上限, 由调用方 context 控制。
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
		logger: logger.With(zap.String("provider", "anthropic")),
	}
}

// Name provider 标识
func (p *Provider) Name() string { return "anthropic" }

// SupportsModel claude 系模型归本 provider
func (p *Provider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "claude")
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
		Model:     p.model,
		MaxTokens: defaultMaxTokens,
		System:    system,
		Messages:  toWireMessages(messages),
		Tools:     toWireTools(tools),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr wireError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("anthropic API error (%d %s): %s",
				resp.StatusCode, apiErr.Error.Type, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("anthropic API error: status %d", resp.StatusCode)
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("anthropic response decode failed: %w", err)
	}

	p.logger.Debug("Anthropic call completed",
		zap.String("model", p.model),
		zap.String("stop_reason", wire.StopReason),
		zap.Duration("latency", time.Since(start)),
	)

	out := &entity.LLMResponse{Message: fromWireMessage(wire)}
	if wire.Usage != nil {
		out.Usage = &entity.Usage{
			InputTokens:         wire.Usage.InputTokens,
			OutputTokens:        wire.Usage.OutputTokens,
			CacheReadTokens:     wire.Usage.CacheReadInputTokens,
			CacheCreationTokens: wire.Usage.CacheCreationInputTokens,
		}
	}
	return out, nil
}

func toWireMessages(messages []entity.Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, msg := range messages {
		wm := wireMessage{Role: string(msg.Role)}
		for _, block := range msg.Content {
			switch block.Type {
			case entity.BlockText:
				wm.Content = append(wm.Content, wireBlock{Type: "text", Text: block.Text})
			case entity.BlockToolUse:
				input := block.Input
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				wm.Content = append(wm.Content, wireBlock{
					Type: "tool_use", ID: block.ID, Name: block.Name, Input: input,
				})
			case entity.BlockToolResult:
				wm.Content = append(wm.Content, wireBlock{
					Type: "tool_result", ToolUseID: block.ToolUseID, Content: block.ToolText,
				})
			}
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(tools []entity.ToolDefinition) []wireToolDef {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireToolDef, 0, len(tools))
	for _, t := range tools {
		out = append(out, wireToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}

func fromWireMessage(wire wireResponse) entity.Message {
	msg := entity.Message{Role: entity.RoleAssistant}
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			msg.Content = append(msg.Content, entity.TextBlock(block.Text))
		case "tool_use":
			msg.Content = append(msg.Content, entity.ToolUseBlock(block.ID, block.Name, block.Input))
		}
	}
	return msg
}
