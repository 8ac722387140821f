package context

import (
	"fmt"
	"sort"
	"strings"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
)

// Config 上下文压缩配置
type Config struct {
	// MaxTokens 触发压缩的上下文窗口上限
	MaxTokens int `mapstructure:"max_tokens"`
	// CompactThresholdPct 达到 MaxTokens 的该百分比时触发压缩
	CompactThresholdPct int `mapstructure:"compact_threshold_pct"`
	// PreserveRecentMessages 压缩时保留的最近消息数
	PreserveRecentMessages int `mapstructure:"preserve_recent_messages"`
	// PreserveToolResults 保留的工具结果数
	PreserveToolResults int `mapstructure:"preserve_tool_results"`
	// CharsPerToken 字符/Token 粗略换算
	CharsPerToken int `mapstructure:"chars_per_token"`
}

// DefaultConfig 默认配置 (Claude 级别上下文窗口)
func DefaultConfig() Config {
	return Config{
		MaxTokens:              128_000,
		CompactThresholdPct:    75,
		PreserveRecentMessages: 10,
		PreserveToolResults:    5,
		CharsPerToken:          4,
	}
}

// SubagentConfig 子代理的收紧预算
func SubagentConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxTokens = 80_000
	cfg.CompactThresholdPct = 40
	return cfg
}

// Stats 上下文分析结果
type Stats struct {
	EstimatedTokens int
	MessageCount    int
	ToolCallCount   int
	ToolResultCount int
	NeedsCompaction bool
	ContextUsagePct int
}

// maxToolResultLen 保留消息中单条工具结果的截断阈值
const maxToolResultLen = 2000

// Manager 管理单个会话的上下文压缩。无共享状态, 每会话一个实例。
type Manager struct {
	config Config
}

// NewManager 默认配置的管理器
func NewManager() *Manager {
	return &Manager{config: DefaultConfig()}
}

// NewManagerWithConfig 自定义配置的管理器
func NewManagerWithConfig(cfg Config) *Manager {
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = 4
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 128_000
	}
	if cfg.CompactThresholdPct <= 0 {
		cfg.CompactThresholdPct = 75
	}
	if cfg.PreserveRecentMessages <= 0 {
		cfg.PreserveRecentMessages = 10
	}
	return &Manager{config: cfg}
}

// SetMaxTokens 切换模型时调整窗口
func (m *Manager) SetMaxTokens(maxTokens int) {
	m.config.MaxTokens = maxTokens
}

// Analyze 估算 token 并判断是否需要压缩。
// 估算: 全部文本 + 工具名 + JSON 序列化输入 + 工具结果的字符数 / CharsPerToken。
func (m *Manager) Analyze(messages []entity.Message) Stats {
	totalChars := 0
	toolCalls := 0
	toolResults := 0

	for _, msg := range messages {
		for _, block := range msg.Content {
			switch block.Type {
			case entity.BlockText:
				totalChars += len(block.Text)
			case entity.BlockToolUse:
				toolCalls++
				totalChars += len(block.Name)
				totalChars += len(block.Input)
			case entity.BlockToolResult:
				toolResults++
				totalChars += len(block.ToolText)
			}
		}
	}

	estimated := totalChars / m.config.CharsPerToken
	usagePct := estimated * 100 / m.config.MaxTokens

	return Stats{
		EstimatedTokens: estimated,
		MessageCount:    len(messages),
		ToolCallCount:   toolCalls,
		ToolResultCount: toolResults,
		NeedsCompaction: usagePct >= m.config.CompactThresholdPct,
		ContextUsagePct: usagePct,
	}
}

// NeedsCompaction 是否需要压缩
func (m *Manager) NeedsCompaction(messages []entity.Message) bool {
	return m.Analyze(messages).NeedsCompaction
}

// Compact 压缩历史: 旧消息折叠成一条合成摘要 user 消息, 最近
// PreserveRecentMessages 条逐字保留 (超长工具结果截断)。
// 返回压缩后的历史和一行摘要说明。
//
// 保证: 压缩单调 (token 数不增)、在已压缩历史上幂等。
func (m *Manager) Compact(messages []entity.Message) ([]entity.Message, string) {
	if len(messages) <= m.config.PreserveRecentMessages {
		return messages, ""
	}
	// 已压缩历史 (摘要 + 最近消息) 原样返回, 保证幂等。
	if len(messages) == m.config.PreserveRecentMessages+1 && isSummaryMessage(messages[0]) {
		return messages, ""
	}

	split := len(messages) - m.config.PreserveRecentMessages
	oldMessages := messages[:split]
	recentMessages := messages[split:]

	compacted := make([]entity.Message, 0, len(recentMessages)+1)
	var summaryLine string

	oldSummary := m.summarizeMessages(oldMessages)
	if oldSummary != "" {
		summaryLine = fmt.Sprintf("Compacted %d messages", len(oldMessages))
		compacted = append(compacted, entity.NewUserMessage(fmt.Sprintf(
			"[Context Summary - %d earlier messages compacted]\n\n%s",
			len(oldMessages), oldSummary,
		)))
	}

	for _, msg := range recentMessages {
		compacted = append(compacted, m.pruneMessage(msg))
	}

	return compacted, summaryLine
}

// summarizeMessages 提取话题 (10-200 字符的首句, 最多 5 条)、
// 提到的文件路径 (最多 10 个, 排序去重) 和用过的工具名。
func (m *Manager) summarizeMessages(messages []entity.Message) string {
	var topics []string
	var files []string
	var tools []string
	toolSeen := map[string]bool{}

	for _, msg := range messages {
		for _, block := range msg.Content {
			switch block.Type {
			case entity.BlockText:
				if first := strings.SplitN(block.Text, ".", 2)[0]; true {
					trimmed := strings.TrimSpace(first)
					if len(trimmed) > 10 && len(trimmed) < 200 {
						topics = append(topics, trimmed)
					}
				}
				for _, word := range strings.Fields(block.Text) {
					if strings.Contains(word, "/") && strings.Contains(word, ".") {
						clean := strings.TrimFunc(word, func(r rune) bool {
							return !isPathRune(r)
						})
						if len(clean) > 3 {
							files = append(files, clean)
						}
					}
				}
			case entity.BlockToolUse:
				if !toolSeen[block.Name] {
					toolSeen[block.Name] = true
					tools = append(tools, block.Name)
				}
			}
		}
	}

	var sb strings.Builder

	if len(topics) > 0 {
		sb.WriteString("Discussion covered:\n")
		shown := topics
		if len(shown) > 5 {
			shown = shown[:5]
		}
		for i, topic := range shown {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, topic)
		}
		if len(topics) > 5 {
			fmt.Fprintf(&sb, "... and %d more topics\n", len(topics)-5)
		}
		sb.WriteString("\n")
	}

	if len(tools) > 0 {
		fmt.Fprintf(&sb, "Tools used: %s\n", strings.Join(tools, ", "))
	}

	sort.Strings(files)
	files = dedupe(files)
	if len(files) > 0 {
		shown := files
		if len(shown) > 10 {
			shown = shown[:10]
		}
		fmt.Fprintf(&sb, "Files referenced: %s\n", strings.Join(shown, ", "))
		if len(files) > 10 {
			fmt.Fprintf(&sb, "... and %d more files\n", len(files)-10)
		}
	}

	return sb.String()
}

// pruneMessage 截断超长工具结果, 其余内容原样保留。
func (m *Manager) pruneMessage(msg entity.Message) entity.Message {
	pruned := make([]entity.ContentBlock, 0, len(msg.Content))
	for _, block := range msg.Content {
		if block.Type == entity.BlockToolResult && len(block.ToolText) > maxToolResultLen {
			block.ToolText = fmt.Sprintf("%s...\n\n[Truncated: %d chars total]",
				block.ToolText[:maxToolResultLen], len(block.ToolText))
		}
		pruned = append(pruned, block)
	}
	msg.Content = pruned
	return msg
}

// UsageDisplay 上下文占用的展示串
func (m *Manager) UsageDisplay(messages []entity.Message) string {
	stats := m.Analyze(messages)
	return fmt.Sprintf("Context: ~%dk/%.0fk tokens (%d%%) | %d msgs | %d tool calls",
		stats.EstimatedTokens/1000,
		float64(m.config.MaxTokens)/1000,
		stats.ContextUsagePct,
		stats.MessageCount,
		stats.ToolCallCount,
	)
}

const summaryMarker = "[Context Summary"

// isSummaryMessage 识别压缩产生的合成摘要消息
func isSummaryMessage(msg entity.Message) bool {
	return msg.Role == entity.RoleUser && strings.HasPrefix(msg.Text(), summaryMarker)
}

func isPathRune(r rune) bool {
	return r == '/' || r == '.' || r == '_' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	var prev string
	for i, s := range sorted {
		if i == 0 || s != prev {
			out = append(out, s)
		}
		prev = s
	}
	return out
}
