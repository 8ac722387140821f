package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	contextmgr "github.com/siddharth-ghatti/safe-coder/internal/domain/context"
	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
	domaintool "github.com/siddharth-ghatti/safe-coder/internal/domain/tool"
)

// LLMClient is the capability the agent loop consumes. Implementations
// translate Message/ContentBlock/ToolDefinition to vendor formats; the loop
// assumes nothing beyond tool calls round-tripping as ToolUse blocks.
type LLMClient interface {
	// SendMessage sends the history plus tool definitions and returns the
	// assistant message with optional usage accounting.
	SendMessage(ctx context.Context, messages []entity.Message, tools []entity.ToolDefinition) (*entity.LLMResponse, error)

	// SendMessageWithSystem additionally carries a system prompt.
	SendMessageWithSystem(ctx context.Context, messages []entity.Message, tools []entity.ToolDefinition, system string) (*entity.LLMResponse, error)
}

// LoopStatus 循环终止状态
type LoopStatus string

const (
	LoopCompleted LoopStatus = "completed"
	LoopFailed    LoopStatus = "failed"
	LoopCancelled LoopStatus = "cancelled"
)

// AgentLoopConfig holds configuration for one agent loop instance.
type AgentLoopConfig struct {
	SystemPrompt string

	// AllowedTools, when non-nil, restricts both the definitions sent to
	// the model and每次 ToolUse 的二次检查 (子代理白名单)。
	AllowedTools []string

	// MaxIterations bounds LLM round-trips; exceeding it fails the run.
	MaxIterations int

	// Auto-retry for transient transport failures.
	MaxRetries    int
	RetryBaseWait time.Duration
}

// DefaultMaxIterations caps a run when MaxIterations is unset.
const DefaultMaxIterations = 25

// DefaultAgentLoopConfig returns production defaults.
func DefaultAgentLoopConfig() AgentLoopConfig {
	return AgentLoopConfig{
		MaxIterations: DefaultMaxIterations,
		MaxRetries:    3,
		RetryBaseWait: 2 * time.Second,
	}
}

// LoopResult is the final result of one agent loop run.
type LoopResult struct {
	Status        LoopStatus
	FinalText     string
	Messages      []entity.Message
	Iterations    int
	InputTokens   int
	OutputTokens  int
	ToolsUsed     []string
	FilesRead     []string
	FilesModified []string
	Err           error
}

// CompactionInfo is reported to the compaction hook after each compaction.
type CompactionInfo struct {
	MessagesBefore int
	MessagesAfter  int
	TokensBefore   int
	TokensAfter    int
}

// AgentLoop drives the LLM to completion or the iteration cap, executing
// tool calls through the registry. 单线程: 同一历史上绝不并发两次 LLM 请求。
type AgentLoop struct {
	llm      LLMClient
	registry *domaintool.Registry
	ctxMgr   *contextmgr.Manager
	toolCtx  *domaintool.Context
	config   AgentLoopConfig
	logger   *zap.Logger

	// onCompaction, when set, observes every compaction (event log wiring).
	onCompaction func(CompactionInfo)
	// onUsage, when set, observes per-call token usage.
	onUsage func(entity.Usage)
}

// NewAgentLoop creates an agent loop bound to one session's resources.
func NewAgentLoop(
	llm LLMClient,
	registry *domaintool.Registry,
	ctxMgr *contextmgr.Manager,
	toolCtx *domaintool.Context,
	config AgentLoopConfig,
	logger *zap.Logger,
) *AgentLoop {
	if config.MaxIterations <= 0 {
		config.MaxIterations = DefaultMaxIterations
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBaseWait <= 0 {
		config.RetryBaseWait = 2 * time.Second
	}
	return &AgentLoop{
		llm:      llm,
		registry: registry,
		ctxMgr:   ctxMgr,
		toolCtx:  toolCtx,
		config:   config,
		logger:   logger,
	}
}

// SetCompactionHook 注册压缩观察者
func (a *AgentLoop) SetCompactionHook(fn func(CompactionInfo)) { a.onCompaction = fn }

// SetUsageHook 注册 token 用量观察者
func (a *AgentLoop) SetUsageHook(fn func(entity.Usage)) { a.onUsage = fn }

// Run executes the loop over the given history, emitting events to eventCh.
// The caller must drain eventCh until closed; the result is complete once
// the channel closes.
func (a *AgentLoop) Run(ctx context.Context, messages []entity.Message, eventCh chan<- entity.AgentEvent) *LoopResult {
	result := &LoopResult{Status: LoopFailed, Messages: messages}
	defer close(eventCh)
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Agent loop panicked", zap.Any("panic", r), zap.Stack("stack"))
			result.Status = LoopFailed
			result.Err = fmt.Errorf("internal error: %v", r)
			a.emit(eventCh, entity.AgentEvent{Type: entity.EventError, Error: result.Err.Error()})
		}
	}()

	toolsUsed := map[string]bool{}
	filesRead := map[string]bool{}
	filesModified := map[string]bool{}

	for iteration := 1; ; iteration++ {
		result.Iterations = iteration

		// 取消检查在每轮顶部
		if err := ctx.Err(); err != nil {
			result.Status = LoopCancelled
			result.Err = err
			result.Messages = messages
			a.emit(eventCh, entity.AgentEvent{Type: entity.EventError, Error: "cancelled"})
			return result
		}

		if iteration > a.config.MaxIterations {
			result.Status = LoopFailed
			result.Err = fmt.Errorf("%w (%d round trips)", entity.ErrIterationLimit, a.config.MaxIterations)
			result.Messages = messages
			a.emit(eventCh, entity.AgentEvent{Type: entity.EventError, Error: "iteration limit"})
			return result
		}

		// 1. 压缩检查
		if a.ctxMgr != nil && a.ctxMgr.NeedsCompaction(messages) {
			before := a.ctxMgr.Analyze(messages)
			compacted, summary := a.ctxMgr.Compact(messages)
			after := a.ctxMgr.Analyze(compacted)
			messages = compacted
			a.emit(eventCh, entity.AgentEvent{Type: entity.EventThinking, Text: summary})
			if a.onCompaction != nil {
				a.onCompaction(CompactionInfo{
					MessagesBefore: before.MessageCount,
					MessagesAfter:  after.MessageCount,
					TokensBefore:   before.EstimatedTokens,
					TokensAfter:    after.EstimatedTokens,
				})
			}
			a.logger.Info("Context compacted",
				zap.Int("messages_before", before.MessageCount),
				zap.Int("messages_after", after.MessageCount),
				zap.Int("tokens_before", before.EstimatedTokens),
				zap.Int("tokens_after", after.EstimatedTokens),
			)
		}

		// 修复孤立 tool_use 块后再发请求
		messages = sanitizeMessages(messages)

		// 2. LLM 请求 (带重试)
		tools := a.registry.DefinitionsFiltered(a.config.AllowedTools)
		resp, err := a.callWithRetry(ctx, messages, tools)
		if err != nil {
			result.Status = LoopFailed
			result.Err = fmt.Errorf("%w: %v", entity.ErrModelUnavailable, err)
			result.Messages = messages
			a.emit(eventCh, entity.AgentEvent{Type: entity.EventError,
				Error: fmt.Sprintf("LLM error at iteration %d: %v", iteration, err)})
			return result
		}

		if resp.Usage != nil {
			result.InputTokens += resp.Usage.InputTokens
			result.OutputTokens += resp.Usage.OutputTokens
			if a.onUsage != nil {
				a.onUsage(*resp.Usage)
			}
		}

		// 3. 文本块按序发布, assistant 消息入历史
		assistant := resp.Message
		assistant.Role = entity.RoleAssistant
		for _, block := range assistant.Content {
			if block.Type == entity.BlockText && block.Text != "" {
				a.emit(eventCh, entity.AgentEvent{Type: entity.EventTextChunk, Text: block.Text})
			}
		}
		messages = append(messages, assistant)

		// 4. 无工具调用 — 文本即最终输出
		toolUses := assistant.ToolUses()
		if len(toolUses) == 0 {
			result.Status = LoopCompleted
			result.FinalText = assistant.Text()
			result.Messages = messages
			result.ToolsUsed = keys(toolsUsed)
			result.FilesRead = keys(filesRead)
			result.FilesModified = keys(filesModified)
			a.emit(eventCh, entity.AgentEvent{Type: entity.EventDone})
			return result
		}

		// 5. 按模型给出的块顺序逐个执行
		results := make([]entity.ContentBlock, 0, len(toolUses))
		cancelled := false
		for _, use := range toolUses {
			if cancelled || ctx.Err() != nil {
				// 取消后剩余调用全部以 cancelled 应答, 保证配对不变式
				results = append(results, entity.ToolResultBlock(use.ID, "cancelled"))
				cancelled = true
				continue
			}

			a.emit(eventCh, entity.AgentEvent{
				Type:     entity.EventToolStart,
				ToolCall: &entity.ToolCallEvent{ID: use.ID, Name: use.Name, Input: use.Input},
			})

			output, success := a.executeTool(ctx, use)
			toolsUsed[use.Name] = true
			if success {
				trackFiles(use, filesRead, filesModified)
			}

			a.emit(eventCh, entity.AgentEvent{
				Type: entity.EventToolOutput,
				ToolCall: &entity.ToolCallEvent{
					ID: use.ID, Name: use.Name, Output: output, Success: success,
				},
			})
			a.emit(eventCh, entity.AgentEvent{
				Type:     entity.EventToolComplete,
				ToolCall: &entity.ToolCallEvent{ID: use.ID, Name: use.Name, Success: success},
			})

			results = append(results, entity.ToolResultBlock(use.ID, output))
		}

		// 6. 所有工具结果合并为单条 user 消息
		messages = append(messages, entity.Message{Role: entity.RoleUser, Content: results})

		if cancelled {
			result.Status = LoopCancelled
			result.Err = ctx.Err()
			result.Messages = messages
			result.ToolsUsed = keys(toolsUsed)
			result.FilesRead = keys(filesRead)
			result.FilesModified = keys(filesModified)
			a.emit(eventCh, entity.AgentEvent{Type: entity.EventError, Error: "cancelled"})
			return result
		}

		a.emit(eventCh, entity.AgentEvent{Type: entity.EventIterationEnd, Iteration: iteration})
	}
}

// executeTool runs one tool use and returns model-visible output.
// 工具异常不终止循环: 错误文本进入 ToolResult, 模型自行恢复。
func (a *AgentLoop) executeTool(ctx context.Context, use entity.ContentBlock) (string, bool) {
	// 子代理白名单二次检查
	if a.config.AllowedTools != nil && !contains(a.config.AllowedTools, use.Name) {
		return fmt.Sprintf("Tool '%s' is not available to this agent", use.Name), false
	}

	output, err := a.registry.Execute(ctx, use.Name, use.Input, a.toolCtx)
	if err != nil {
		a.logger.Warn("Tool execution failed",
			zap.String("tool", use.Name),
			zap.Error(err),
		)
		return err.Error(), false
	}
	return output, true
}

// callWithRetry 指数退避重试瞬态传输错误
func (a *AgentLoop) callWithRetry(ctx context.Context, messages []entity.Message, tools []entity.ToolDefinition) (*entity.LLMResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= a.config.MaxRetries; attempt++ {
		var resp *entity.LLMResponse
		var err error
		if a.config.SystemPrompt != "" {
			resp, err = a.llm.SendMessageWithSystem(ctx, messages, tools, a.config.SystemPrompt)
		} else {
			resp, err = a.llm.SendMessage(ctx, messages, tools)
		}
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < a.config.MaxRetries {
			wait := a.config.RetryBaseWait * time.Duration(1<<(attempt-1))
			a.logger.Warn("LLM call failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func (a *AgentLoop) emit(ch chan<- entity.AgentEvent, ev entity.AgentEvent) {
	ev.Timestamp = time.Now().UTC()
	ch <- ev
}

// trackFiles collects read/modified paths from tool inputs. Modified files
// are parsed from explicit file_path arguments rather than inferred from
// tool names alone.
func trackFiles(use entity.ContentBlock, read, modified map[string]bool) {
	var params struct {
		FilePath string `json:"file_path"`
		Path     string `json:"path"`
	}
	if err := json.Unmarshal(use.Input, &params); err != nil {
		return
	}
	path := params.FilePath
	if path == "" {
		path = params.Path
	}
	if path == "" {
		return
	}
	switch use.Name {
	case "read_file", "list_file":
		read[path] = true
	case "write_file", "edit_file":
		modified[path] = true
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func keys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
