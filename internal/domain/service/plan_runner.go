package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
	domaintool "github.com/siddharth-ghatti/safe-coder/internal/domain/tool"
)

// approvalSignal 审批结果
type approvalSignal struct {
	approved bool
	reason   string
}

// PlanRunner 执行 UnifiedPlan (C6): 按依赖序遍历组, 组内受执行器
// MaxConcurrency 限制地分发步骤, 失败级联跳过依赖组。
// runner 独占它执行的计划; LLM 客户端与工具注册表从会话借用。
type PlanRunner struct {
	projectPath     string
	executors       *ExecutorRegistry
	llm             LLMClient
	registry        *domaintool.Registry
	toolsConfig     domaintool.ToolsConfig
	agentMode       domaintool.AgentMode
	requireApproval bool
	logger          *zap.Logger

	mu        sync.Mutex
	approvals map[string]chan approvalSignal
}

// PlanRunnerOption 构建选项
type PlanRunnerOption func(*PlanRunner)

// WithApproval 开启审批闸门
func WithApproval() PlanRunnerOption {
	return func(r *PlanRunner) { r.requireApproval = true }
}

// WithAgentMode 指定工具门控模式
func WithAgentMode(mode domaintool.AgentMode) PlanRunnerOption {
	return func(r *PlanRunner) { r.agentMode = mode }
}

// NewPlanRunner 创建 runner
func NewPlanRunner(
	projectPath string,
	executors *ExecutorRegistry,
	llm LLMClient,
	registry *domaintool.Registry,
	toolsConfig domaintool.ToolsConfig,
	logger *zap.Logger,
	opts ...PlanRunnerOption,
) *PlanRunner {
	r := &PlanRunner{
		projectPath: projectPath,
		executors:   executors,
		llm:         llm,
		registry:    registry,
		toolsConfig: toolsConfig,
		agentMode:   domaintool.ModeBuild,
		logger:      logger,
		approvals:   make(map[string]chan approvalSignal),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Approve 批准计划。审批契约: 以 plan_id 为键的单一 approve/reject 信号。
func (r *PlanRunner) Approve(planID string) error {
	return r.signal(planID, approvalSignal{approved: true})
}

// Reject 拒绝计划
func (r *PlanRunner) Reject(planID, reason string) error {
	return r.signal(planID, approvalSignal{approved: false, reason: reason})
}

func (r *PlanRunner) signal(planID string, sig approvalSignal) error {
	r.mu.Lock()
	ch, ok := r.approvals[planID]
	if ok {
		delete(r.approvals, planID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", entity.ErrPlanNotFound, planID)
	}
	ch <- sig
	return nil
}

// Execute 执行计划, 事件经 eventCh 发布 (调用方负责消费)。
// 返回时计划处于终态。组依赖校验失败时计划置为 Failed 并直接返回错误,
// 不发布任何事件; 其余路径上 PlanCompleted 恰好发布一次。
func (r *PlanRunner) Execute(ctx context.Context, plan *entity.UnifiedPlan, eventCh chan<- entity.PlanEvent) error {
	ordered, err := plan.ValidateGroups()
	if err != nil {
		plan.Status = entity.PlanFailed
		return err
	}

	ec := &ExecutorContext{
		ProjectPath:   r.projectPath,
		PlanID:        plan.ID,
		ExecutionMode: plan.ExecutionMode,
		AgentMode:     r.agentMode,
		LLM:           r.llm,
		Registry:      r.registry,
		ToolsConfig:   r.toolsConfig,
		EventTx:       eventCh,
	}

	ordered, err = plan.ValidateGroups()
	if err != nil {
		plan.Status = entity.PlanFailed
		r.emitPlanCompleted(ec, plan)
		return err
	}

	ec.Emit(entity.PlanEvent{
		Type:          entity.PlanEventCreated,
		PlanID:        plan.ID,
		Title:         plan.Title,
		TotalSteps:    plan.TotalSteps(),
		ExecutionMode: plan.ExecutionMode,
		Plan:          plan,
	})

	// 审批闸门
	if r.requireApproval {
		if err := r.awaitApproval(ctx, plan, ec); err != nil {
			return err
		}
	}

	executor, ok := r.executors.Get(plan.ExecutionMode)
	if !ok {
		plan.Status = entity.PlanFailed
		r.emitPlanCompleted(ec, plan)
		return fmt.Errorf("no executor registered for mode %s", plan.ExecutionMode)
	}

	plan.MarkExecuting()
	ec.Emit(entity.PlanEvent{Type: entity.PlanEventStarted, PlanID: plan.ID})

	if err := executor.Prepare(ctx, plan, ec); err != nil {
		r.logger.Error("Executor prepare failed", zap.Error(err))
		plan.Status = entity.PlanFailed
		r.emitPlanCompleted(ec, plan)
		return err
	}

	failedGroups := map[string]bool{}
	for _, group := range ordered {
		if ctx.Err() != nil {
			r.skipRemaining(plan, ordered, ec)
			plan.Status = entity.PlanCancelled
			_ = executor.Cancel(ctx, plan, ec)
			r.emitPlanCompleted(ec, plan)
			return ctx.Err()
		}

		// 依赖失败 ⇒ 组内步骤全部 Skipped
		if r.dependencyFailed(group, failedGroups) {
			for _, step := range group.Steps {
				step.Status = entity.StepSkipped
				step.Result = failedResult("skipped: dependency group failed", 0)
				ec.EmitStepCompleted(step.ID, step.Result)
			}
			failedGroups[group.ID] = true
			continue
		}

		r.runGroup(ctx, plan, group, executor, ec)
		if !group.IsSuccessful() {
			failedGroups[group.ID] = true
		}
	}

	if err := executor.Finalize(ctx, plan, ec); err != nil {
		r.logger.Warn("Executor finalize failed", zap.Error(err))
	}

	plan.MarkCompleted()
	r.emitPlanCompleted(ec, plan)
	return nil
}

// awaitApproval 发布 AwaitingApproval 并阻塞等待外部信号
func (r *PlanRunner) awaitApproval(ctx context.Context, plan *entity.UnifiedPlan, ec *ExecutorContext) error {
	ch := make(chan approvalSignal, 1)
	r.mu.Lock()
	r.approvals[plan.ID] = ch
	r.mu.Unlock()

	plan.Status = entity.PlanAwaitingApproval
	ec.Emit(entity.PlanEvent{Type: entity.PlanEventAwaitingApproval, PlanID: plan.ID})

	select {
	case sig := <-ch:
		if !sig.approved {
			plan.Status = entity.PlanCancelled
			ec.Emit(entity.PlanEvent{Type: entity.PlanEventRejected, PlanID: plan.ID, Reason: sig.reason})
			r.emitPlanCompleted(ec, plan)
			return entity.ErrApprovalRejected
		}
		ec.Emit(entity.PlanEvent{Type: entity.PlanEventApproved, PlanID: plan.ID})
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.approvals, plan.ID)
		r.mu.Unlock()
		plan.Status = entity.PlanCancelled
		r.emitPlanCompleted(ec, plan)
		return ctx.Err()
	}
}

// runGroup 组内并发执行, 受执行器 MaxConcurrency 约束。
// 任一步骤失败不中断组内其余步骤。
func (r *PlanRunner) runGroup(ctx context.Context, plan *entity.UnifiedPlan, group *entity.StepGroup, executor PlanExecutor, ec *ExecutorContext) {
	parallel := 1
	if executor.SupportsParallel() {
		parallel = len(group.Steps)
	}
	ec.Emit(entity.PlanEvent{
		Type:          entity.PlanEventGroupStarted,
		PlanID:        plan.ID,
		GroupID:       group.ID,
		ParallelCount: parallel,
	})

	limit := executor.MaxConcurrency()
	if !executor.SupportsParallel() || limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for _, step := range group.Steps {
		wg.Add(1)
		go func(step *entity.UnifiedStep) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				step.Status = entity.StepSkipped
				step.Result = failedResult("cancelled", 0)
				return
			}

			step.Status = entity.StepInProgress
			res, err := executor.ExecuteStep(ctx, step, group.ID, ec)
			if err != nil {
				res = failedResult(err.Error(), 0)
				ec.EmitStepCompleted(step.ID, res)
			}
			step.Result = res
			if res.Success {
				step.Status = entity.StepCompleted
			} else {
				step.Status = entity.StepFailed
			}
		}(step)
	}
	wg.Wait()

	ec.Emit(entity.PlanEvent{
		Type:    entity.PlanEventGroupCompleted,
		PlanID:  plan.ID,
		GroupID: group.ID,
		Success: group.IsSuccessful(),
	})
}

// dependencyFailed 组的任一依赖 (含传递) 失败
func (r *PlanRunner) dependencyFailed(group *entity.StepGroup, failed map[string]bool) bool {
	for _, dep := range group.DependsOn {
		if failed[dep] {
			return true
		}
	}
	return false
}

// skipRemaining 取消时把未到终态的步骤标记 Skipped
func (r *PlanRunner) skipRemaining(plan *entity.UnifiedPlan, ordered []*entity.StepGroup, ec *ExecutorContext) {
	for _, group := range ordered {
		for _, step := range group.Steps {
			if !step.Status.IsTerminal() {
				step.Status = entity.StepSkipped
				step.Result = failedResult("cancelled", 0)
				ec.EmitStepCompleted(step.ID, step.Result)
			}
		}
	}
}

func (r *PlanRunner) emitPlanCompleted(ec *ExecutorContext, plan *entity.UnifiedPlan) {
	ec.Emit(entity.PlanEvent{
		Type:    entity.PlanEventCompleted,
		PlanID:  plan.ID,
		Success: plan.Status == entity.PlanCompleted,
		Summary: plan.Summary(),
	})
	r.logger.Info("Plan finished",
		zap.String("plan_id", plan.ID),
		zap.String("status", string(plan.Status)),
		zap.Duration("elapsed", elapsed(plan)),
	)
}

func elapsed(plan *entity.UnifiedPlan) time.Duration {
	if plan.StartedAt == nil || plan.CompletedAt == nil {
		return 0
	}
	return plan.CompletedAt.Sub(*plan.StartedAt)
}
