package service

import (
	"context"
	"time"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
	domaintool "github.com/siddharth-ghatti/safe-coder/internal/domain/tool"
)

// ExecutorContext 传给每个执行器的上下文。
// runner 之外不持有任何执行器状态; 每步状态在步骤自身上。
type ExecutorContext struct {
	ProjectPath   string
	PlanID        string
	ExecutionMode entity.ExecutionMode
	AgentMode     domaintool.AgentMode
	LLM           LLMClient
	Registry      *domaintool.Registry
	ToolsConfig   domaintool.ToolsConfig

	// EventTx 发布计划事件 (缓冲由调用方决定; 缓冲满时发送阻塞)
	EventTx chan<- entity.PlanEvent
}

// Emit 发布计划事件。通道由调用方以足够缓冲提供并负责消费;
// 事件按程序序到达每个订阅者。
func (c *ExecutorContext) Emit(ev entity.PlanEvent) {
	ev.Timestamp = time.Now().UTC()
	c.EventTx <- ev
}

// EmitStepStarted 步骤开始事件 (携带进行时描述)
func (c *ExecutorContext) EmitStepStarted(groupID string, step *entity.UnifiedStep) {
	c.Emit(entity.PlanEvent{
		Type:        entity.PlanEventStepStarted,
		PlanID:      c.PlanID,
		GroupID:     groupID,
		StepID:      step.ID,
		Description: step.ActiveDescription,
	})
}

// EmitStepProgress 步骤进度事件
func (c *ExecutorContext) EmitStepProgress(stepID, message string) {
	c.Emit(entity.PlanEvent{
		Type:    entity.PlanEventStepProgress,
		PlanID:  c.PlanID,
		StepID:  stepID,
		Message: message,
	})
}

// EmitStepCompleted 步骤完成事件
func (c *ExecutorContext) EmitStepCompleted(stepID string, result *entity.StepResult) {
	c.Emit(entity.PlanEvent{
		Type:       entity.PlanEventStepCompleted,
		PlanID:     c.PlanID,
		StepID:     stepID,
		Success:    result.Success,
		DurationMs: result.DurationMs,
	})
}

// PlanExecutor 统一执行器接口 — 三种执行模式都实现它。
// runner 只通过这个契约调用执行器。
type PlanExecutor interface {
	// Name 执行器名称 (日志/展示)
	Name() string
	// SupportsParallel 是否支持组内并行
	SupportsParallel() bool
	// MaxConcurrency 并行上限 (SupportsParallel 为 true 时有意义)
	MaxConcurrency() int
	// ExecuteStep 执行单个步骤
	ExecuteStep(ctx context.Context, step *entity.UnifiedStep, groupID string, ec *ExecutorContext) (*entity.StepResult, error)
	// Prepare 执行前钩子 (建工作区、初始化资源)
	Prepare(ctx context.Context, plan *entity.UnifiedPlan, ec *ExecutorContext) error
	// Finalize 执行后钩子 (清理、合并结果)
	Finalize(ctx context.Context, plan *entity.UnifiedPlan, ec *ExecutorContext) error
	// Cancel 取消钩子 (紧急清理)
	Cancel(ctx context.Context, plan *entity.UnifiedPlan, ec *ExecutorContext) error
}

// BaseExecutor 提供生命周期钩子的默认空实现
type BaseExecutor struct{}

func (BaseExecutor) Prepare(context.Context, *entity.UnifiedPlan, *ExecutorContext) error {
	return nil
}
func (BaseExecutor) Finalize(context.Context, *entity.UnifiedPlan, *ExecutorContext) error {
	return nil
}
func (BaseExecutor) Cancel(context.Context, *entity.UnifiedPlan, *ExecutorContext) error {
	return nil
}

// ExecutorRegistry 执行模式 → 执行器
type ExecutorRegistry struct {
	executors map[entity.ExecutionMode]PlanExecutor
}

// NewExecutorRegistry 空注册表
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[entity.ExecutionMode]PlanExecutor)}
}

// Register 注册执行器
func (r *ExecutorRegistry) Register(mode entity.ExecutionMode, ex PlanExecutor) {
	r.executors[mode] = ex
}

// Get 取执行器
func (r *ExecutorRegistry) Get(mode entity.ExecutionMode) (PlanExecutor, bool) {
	ex, ok := r.executors[mode]
	return ex, ok
}

// StepTimer 步骤计时
type StepTimer struct {
	start time.Time
}

// StartTimer 开始计时
func StartTimer() *StepTimer {
	return &StepTimer{start: time.Now()}
}

// ElapsedMs 已用毫秒
func (t *StepTimer) ElapsedMs() int64 {
	return time.Since(t.start).Milliseconds()
}

// failedResult 合成失败结果
func failedResult(errText string, durationMs int64) *entity.StepResult {
	return &entity.StepResult{
		Success:    false,
		Error:      errText,
		DurationMs: durationMs,
	}
}
