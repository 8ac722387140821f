package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	contextmgr "github.com/siddharth-ghatti/safe-coder/internal/domain/context"
	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
	domaintool "github.com/siddharth-ghatti/safe-coder/internal/domain/tool"
)

// directIterationCap — Direct 步骤的迷你循环轮次上限
const directIterationCap = 3

// DirectExecutor 在当前会话内联执行步骤: 为每步合成一条 user 消息,
// 跑一个低轮次上限的迷你 agent loop。总是串行。
type DirectExecutor struct {
	BaseExecutor
	logger *zap.Logger
}

// NewDirectExecutor 创建内联执行器
func NewDirectExecutor(logger *zap.Logger) *DirectExecutor {
	return &DirectExecutor{logger: logger}
}

func (e *DirectExecutor) Name() string           { return "direct" }
func (e *DirectExecutor) SupportsParallel() bool { return false }
func (e *DirectExecutor) MaxConcurrency() int    { return 1 }

// ExecuteStep 合成步骤指令消息并驱动迷你循环。
// 输出是 assistant 文本与带括号标注的工具结果拼接。
func (e *DirectExecutor) ExecuteStep(ctx context.Context, step *entity.UnifiedStep, groupID string, ec *ExecutorContext) (*entity.StepResult, error) {
	timer := StartTimer()
	ec.EmitStepStarted(groupID, step)
	ec.EmitStepProgress(step.ID, "Sending instructions to LLM...")

	var sb strings.Builder
	fmt.Fprintf(&sb, "Execute this step:\n\n%s\n\nInstructions:\n%s", step.Description, step.Instructions)
	if len(step.RelevantFiles) > 0 {
		fmt.Fprintf(&sb, "\n\nRelevant files: %s", strings.Join(step.RelevantFiles, ", "))
	}

	toolCtx := domaintool.NewContext(ec.ProjectPath, ec.ToolsConfig, ec.AgentMode)
	loop := NewAgentLoop(
		ec.LLM,
		ec.Registry,
		contextmgr.NewManager(),
		toolCtx,
		AgentLoopConfig{MaxIterations: directIterationCap},
		e.logger,
	)

	eventCh := make(chan entity.AgentEvent, 64)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for ev := range eventCh {
			if ev.Type == entity.EventToolStart && ev.ToolCall != nil {
				ec.EmitStepProgress(step.ID, fmt.Sprintf("Using tool: %s", ev.ToolCall.Name))
			}
		}
	}()

	res := loop.Run(ctx, []entity.Message{entity.NewUserMessage(sb.String())}, eventCh)
	<-forwarded

	output := collectLoopOutput(res)
	duration := timer.ElapsedMs()

	result := &entity.StepResult{
		Success:       res.Status == LoopCompleted,
		Output:        output,
		DurationMs:    duration,
		FilesModified: res.FilesModified,
	}
	if res.Err != nil {
		result.Error = res.Err.Error()
	}

	ec.EmitStepCompleted(step.ID, result)
	return result, nil
}

// collectLoopOutput 拼接 assistant 文本、[工具名] 行和 [result]: 输出 行
func collectLoopOutput(res *LoopResult) string {
	var sb strings.Builder
	for _, msg := range res.Messages {
		switch msg.Role {
		case entity.RoleAssistant:
			if text := msg.Text(); text != "" {
				sb.WriteString(text)
				sb.WriteString("\n")
			}
			for _, use := range msg.ToolUses() {
				fmt.Fprintf(&sb, "[%s]\n", use.Name)
			}
		case entity.RoleUser:
			for _, r := range msg.ToolResults() {
				out := r.ToolText
				if len(out) > 500 {
					out = out[:500] + "..."
				}
				fmt.Fprintf(&sb, "[result]: %s\n", out)
			}
		}
	}
	return sb.String()
}
