package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	contextmgr "github.com/siddharth-ghatti/safe-coder/internal/domain/context"
	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
	domaintool "github.com/siddharth-ghatti/safe-coder/internal/domain/tool"
)

// SubagentScope 子代理任务范围
type SubagentScope struct {
	Task          string
	Role          string
	FilePatterns  []string
	Timeout       time.Duration
	MaxIterations int
}

// NewSubagentScope 默认 300s / 15 轮
func NewSubagentScope(task string) SubagentScope {
	return SubagentScope{
		Task:          task,
		Timeout:       5 * time.Minute,
		MaxIterations: 15,
	}
}

// SubagentPromptFunc 按种类生成系统提示词 (基建层注入, 含构建命令探测)
type SubagentPromptFunc func(kind entity.SubagentKind, role, projectPath string) string

// SubagentExecutor 为每个步骤派生受限的子 agent loop (C8):
// 种类化系统提示词 + 工具白名单 + 独立的收紧上下文预算。
// 子代理的注册表中 subagent 工具被剔除 — 子代理不能再派生子代理。
type SubagentExecutor struct {
	BaseExecutor
	maxConcurrency int
	promptFn       SubagentPromptFunc
	kindClients    map[entity.SubagentKind]LLMClient
	logger         *zap.Logger

	// SubagentTx, when set, receives每个子代理事件 (tagged with id)。
	SubagentTx chan<- entity.SubagentEvent
}

// SetKindClient 按种类覆盖 LLM 客户端 (subagents.<kind> 配置)
func (e *SubagentExecutor) SetKindClient(kind entity.SubagentKind, llm LLMClient) {
	if e.kindClients == nil {
		e.kindClients = make(map[entity.SubagentKind]LLMClient)
	}
	e.kindClients[kind] = llm
}

// NewSubagentExecutor 创建子代理执行器
func NewSubagentExecutor(maxConcurrency int, promptFn SubagentPromptFunc, logger *zap.Logger) *SubagentExecutor {
	if maxConcurrency <= 0 {
		maxConcurrency = 3
	}
	return &SubagentExecutor{
		maxConcurrency: maxConcurrency,
		promptFn:       promptFn,
		logger:         logger,
	}
}

func (e *SubagentExecutor) Name() string           { return "subagent" }
func (e *SubagentExecutor) SupportsParallel() bool { return true }
func (e *SubagentExecutor) MaxConcurrency() int    { return e.maxConcurrency }

// ExecuteStep resolves the step's subagent kind, builds its scope, and runs
// a fresh agent loop with the kind's whitelist and the subagent budget.
func (e *SubagentExecutor) ExecuteStep(ctx context.Context, step *entity.UnifiedStep, groupID string, ec *ExecutorContext) (*entity.StepResult, error) {
	timer := StartTimer()
	ec.EmitStepStarted(groupID, step)

	kind := step.SuggestedExecutor.SubagentKind
	if kind == "" {
		kind = entity.SubagentCodeAnalyzer
	}

	scope := NewSubagentScope(step.Description + "\n\n" + step.Instructions)
	scope.FilePatterns = step.RelevantFiles

	res := e.RunSubagent(ctx, kind, scope, ec)

	result := &entity.StepResult{
		Success:       res.Success,
		Output:        res.Output,
		DurationMs:    timer.ElapsedMs(),
		FilesModified: res.FilesModified,
	}
	if !res.Success && len(res.Errors) > 0 {
		result.Error = strings.Join(res.Errors, "; ")
	}

	ec.EmitStepCompleted(step.ID, result)
	return result, nil
}

// SubagentRunResult 子代理运行结果
type SubagentRunResult struct {
	Success       bool
	Summary       string
	Output        string
	Iterations    int
	FilesRead     []string
	FilesModified []string
	Errors        []string
}

// RunSubagent 运行一个子代理到完成或超时。
// 最终输出是最后一条 assistant 文本; files_read/files_modified 取自
// 工具调用流 (read_file/list_file 与 write_file/edit_file)。
func (e *SubagentExecutor) RunSubagent(ctx context.Context, kind entity.SubagentKind, scope SubagentScope, ec *ExecutorContext) *SubagentRunResult {
	id := "sub-" + uuid.New().String()[:8]
	e.emitSub(entity.SubagentEvent{Type: entity.SubagentStarted, ID: id, Kind: kind, Task: scope.Task})

	timeout := scope.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	systemPrompt := ""
	if e.promptFn != nil {
		systemPrompt = e.promptFn(kind, scope.Role, ec.ProjectPath)
	}

	allowed := kind.AllowedTools()
	restricted := ec.Registry.Restricted(allowed)
	toolCtx := domaintool.NewContext(ec.ProjectPath, ec.ToolsConfig, domaintool.ModeBuild)

	maxIter := scope.MaxIterations
	if maxIter <= 0 {
		maxIter = 15
	}

	llm := ec.LLM
	if override, ok := e.kindClients[kind]; ok {
		llm = override
	}

	loop := NewAgentLoop(
		llm,
		restricted,
		contextmgr.NewManagerWithConfig(contextmgr.SubagentConfig()),
		toolCtx,
		AgentLoopConfig{
			SystemPrompt:  systemPrompt,
			AllowedTools:  allowed,
			MaxIterations: maxIter,
		},
		e.logger.With(zap.String("subagent_id", id), zap.String("kind", string(kind))),
	)

	task := scope.Task
	if len(scope.FilePatterns) > 0 {
		task += "\n\nFocus on files matching: " + strings.Join(scope.FilePatterns, ", ")
	}

	eventCh := make(chan entity.AgentEvent, 128)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range eventCh {
			e.forward(id, kind, ev)
		}
	}()

	res := loop.Run(runCtx, []entity.Message{entity.NewUserMessage(task)}, eventCh)
	<-done

	out := &SubagentRunResult{
		Success:       res.Status == LoopCompleted,
		Output:        res.FinalText,
		Iterations:    res.Iterations,
		FilesRead:     res.FilesRead,
		FilesModified: res.FilesModified,
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		out.Success = false
		out.Summary = "Subagent timed out"
		out.Errors = append(out.Errors, fmt.Sprintf("timeout after %s", timeout))
		e.emitSub(entity.SubagentEvent{Type: entity.SubagentErrored, ID: id, Error: out.Errors[0]})
	case res.Err != nil:
		out.Summary = "Subagent failed"
		out.Errors = append(out.Errors, res.Err.Error())
	default:
		out.Summary = firstLine(res.FinalText)
	}

	e.emitSub(entity.SubagentEvent{
		Type:    entity.SubagentCompleted,
		ID:      id,
		Success: out.Success,
		Summary: out.Summary,
	})
	return out
}

// forward 把子循环事件转成带 id 标签的 SubagentEvent
func (e *SubagentExecutor) forward(id string, kind entity.SubagentKind, ev entity.AgentEvent) {
	base := entity.SubagentEvent{ID: id, Kind: kind, Timestamp: ev.Timestamp}
	switch ev.Type {
	case entity.EventTextChunk:
		base.Type = entity.SubagentTextChunk
		base.Text = ev.Text
	case entity.EventThinking:
		base.Type = entity.SubagentThinking
		base.Text = ev.Text
	case entity.EventToolStart:
		base.Type = entity.SubagentToolStart
		if ev.ToolCall != nil {
			base.ToolName = ev.ToolCall.Name
		}
	case entity.EventToolOutput:
		base.Type = entity.SubagentToolOutput
		if ev.ToolCall != nil {
			base.ToolName = ev.ToolCall.Name
			base.Output = ev.ToolCall.Output
		}
	case entity.EventToolComplete:
		base.Type = entity.SubagentToolComplete
		if ev.ToolCall != nil {
			base.ToolName = ev.ToolCall.Name
			base.Success = ev.ToolCall.Success
		}
	case entity.EventIterationEnd:
		base.Type = entity.SubagentIterationEnd
		base.Iteration = ev.Iteration
	case entity.EventError:
		base.Type = entity.SubagentErrored
		base.Error = ev.Error
	default:
		return
	}
	e.emitSub(base)
}

func (e *SubagentExecutor) emitSub(ev entity.SubagentEvent) {
	if e.SubagentTx == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case e.SubagentTx <- ev:
	default:
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
