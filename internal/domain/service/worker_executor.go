package service

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
)

// WorkerStrategy 工作者挑选策略
type WorkerStrategy string

const (
	StrategySingleWorker WorkerStrategy = "single_worker"
	StrategyRoundRobin   WorkerStrategy = "round_robin"
	StrategyLoadBalanced WorkerStrategy = "load_balanced"
	StrategyTaskBased    WorkerStrategy = "task_based"
)

// WorkerConfig 编排配置 (orchestrator.* 配置键)
type WorkerConfig struct {
	MaxWorkers     int                 `mapstructure:"max_workers"`
	DefaultWorker  entity.WorkerKind   `mapstructure:"default_worker"`
	Strategy       WorkerStrategy      `mapstructure:"worker_strategy"`
	EnabledWorkers []entity.WorkerKind `mapstructure:"enabled_workers"`
	UseWorktrees   bool                `mapstructure:"use_worktrees"`

	// ThrottleLimits 原始配置键: <kind>_max_concurrent 与 start_delay_ms。
	// Normalize 解析进 MaxConcurrent / StartDelayMs。
	ThrottleLimits map[string]int `mapstructure:"throttle_limits"`

	MaxConcurrent map[entity.WorkerKind]int `mapstructure:"-"`
	StartDelayMs  int                       `mapstructure:"start_delay_ms"`

	// Commands maps kinds to CLI binaries; defaults to the kind name.
	Commands map[entity.WorkerKind]string `mapstructure:"commands"`

	// StderrTailLines 失败时记录的 stderr 尾行数
	StderrTailLines int `mapstructure:"stderr_tail_lines"`
}

// Normalize 把 throttle_limits 的扁平键拆解到结构化字段
func (c *WorkerConfig) Normalize() {
	if c.MaxConcurrent == nil {
		c.MaxConcurrent = map[entity.WorkerKind]int{}
	}
	for key, value := range c.ThrottleLimits {
		if key == "start_delay_ms" {
			c.StartDelayMs = value
			continue
		}
		if kind, ok := strings.CutSuffix(key, "_max_concurrent"); ok {
			c.MaxConcurrent[entity.WorkerKind(kind)] = value
		}
	}
	if len(c.MaxConcurrent) == 0 {
		c.MaxConcurrent = DefaultWorkerConfig().MaxConcurrent
	}
}

// DefaultWorkerConfig 默认值
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MaxWorkers:     4,
		DefaultWorker:  entity.WorkerClaudeCode,
		Strategy:       StrategySingleWorker,
		EnabledWorkers: []entity.WorkerKind{entity.WorkerClaudeCode},
		UseWorktrees:   true,
		MaxConcurrent: map[entity.WorkerKind]int{
			entity.WorkerClaudeCode:    2,
			entity.WorkerGeminiCli:     2,
			entity.WorkerSafeCoder:     2,
			entity.WorkerGitHubCopilot: 1,
		},
		StartDelayMs:    500,
		StderrTailLines: 10,
	}
}

// Workspace 工作者的隔离工作区
type Workspace struct {
	Path   string
	Branch string
	// Isolated 为 true 表示 git worktree; false 表示项目根目录 + 协作写锁
	Isolated bool
}

// WorkspaceAllocator 工作区分配能力 (git worktree 由基建层实现)
type WorkspaceAllocator interface {
	// Allocate 为 worker 分配工作区; 非 worktree 模式返回项目根
	Allocate(ctx context.Context, workerID string) (*Workspace, error)
	// ModifiedFiles 相对基准收集修改过的文件
	ModifiedFiles(ctx context.Context, ws *Workspace) ([]string, error)
	// Release 释放工作区 (保留分支供后续合并/丢弃)
	Release(ctx context.Context, ws *Workspace) error
}

// WorkerThrottle 每种类信号量 + 全局错峰延迟。
// 防止并发雪崩: 相邻两次获取之间至少间隔 StartDelayMs。
type WorkerThrottle struct {
	mu        sync.Mutex
	sems      map[entity.WorkerKind]chan struct{}
	lastStart time.Time
	delay     time.Duration
}

// NewWorkerThrottle 按配置建立信号量
func NewWorkerThrottle(cfg WorkerConfig) *WorkerThrottle {
	sems := make(map[entity.WorkerKind]chan struct{})
	for kind, n := range cfg.MaxConcurrent {
		if n < 1 {
			n = 1
		}
		sems[kind] = make(chan struct{}, n)
	}
	return &WorkerThrottle{
		sems:  sems,
		delay: time.Duration(cfg.StartDelayMs) * time.Millisecond,
	}
}

// Acquire 占用一个槽位并施加错峰延迟; 返回释放函数。
func (t *WorkerThrottle) Acquire(ctx context.Context, kind entity.WorkerKind) (func(), error) {
	sem := t.sem(kind)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// 错峰: 计算距上次启动的等待时间
	t.mu.Lock()
	now := time.Now()
	wait := t.delay - now.Sub(t.lastStart)
	if wait < 0 {
		wait = 0
	}
	t.lastStart = now.Add(wait)
	t.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			<-sem
			return nil, ctx.Err()
		}
	}
	return func() { <-sem }, nil
}

// FreeSlots 某种类空闲槽位数
func (t *WorkerThrottle) FreeSlots(kind entity.WorkerKind) int {
	sem := t.sem(kind)
	return cap(sem) - len(sem)
}

func (t *WorkerThrottle) sem(kind entity.WorkerKind) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	sem, ok := t.sems[kind]
	if !ok {
		sem = make(chan struct{}, 1)
		t.sems[kind] = sem
	}
	return sem
}

// workerPicker 按策略挑选种类
type workerPicker struct {
	cfg      WorkerConfig
	throttle *WorkerThrottle
	mu       sync.Mutex
	rrIndex  int
}

// Pick 按策略返回工作者种类
func (p *workerPicker) Pick(step *entity.UnifiedStep) entity.WorkerKind {
	enabled := p.cfg.EnabledWorkers
	if len(enabled) == 0 {
		return p.cfg.DefaultWorker
	}

	switch p.cfg.Strategy {
	case StrategyRoundRobin:
		p.mu.Lock()
		kind := enabled[p.rrIndex%len(enabled)]
		p.rrIndex++
		p.mu.Unlock()
		return kind

	case StrategyLoadBalanced:
		best := enabled[0]
		bestFree := -1
		for _, kind := range enabled {
			if free := p.throttle.FreeSlots(kind); free > bestFree {
				best, bestFree = kind, free
			}
		}
		return best

	case StrategyTaskBased:
		// 步骤建议了 worker 种类时用它; 建议子代理为 Tester 且启用了
		// safe-coder 时选 safe-coder; 其余用默认 worker。不检查文件模式。
		if step.SuggestedExecutor.WorkerKind != "" {
			return step.SuggestedExecutor.WorkerKind
		}
		if step.SuggestedExecutor.SubagentKind == entity.SubagentTester {
			for _, kind := range enabled {
				if kind == entity.WorkerSafeCoder {
					return kind
				}
			}
		}
		return p.cfg.DefaultWorker

	default: // StrategySingleWorker
		return p.cfg.DefaultWorker
	}
}

// WorkerExecutor 把步骤派发给外部 CLI 进程 (C9)。
// 进程在隔离工作区内执行, 步骤指令作为 prompt 参数传入, 退出码 0 为成功。
// runner 不给 worker 进程附加隐式超时。
type WorkerExecutor struct {
	BaseExecutor
	cfg       WorkerConfig
	throttle  *WorkerThrottle
	picker    *workerPicker
	allocator WorkspaceAllocator
	logger    *zap.Logger

	mu       sync.Mutex
	children map[string]*exec.Cmd
}

// NewWorkerExecutor 创建 worker 执行器
func NewWorkerExecutor(cfg WorkerConfig, allocator WorkspaceAllocator, logger *zap.Logger) *WorkerExecutor {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.StderrTailLines <= 0 {
		cfg.StderrTailLines = 10
	}
	throttle := NewWorkerThrottle(cfg)
	return &WorkerExecutor{
		cfg:       cfg,
		throttle:  throttle,
		picker:    &workerPicker{cfg: cfg, throttle: throttle},
		allocator: allocator,
		logger:    logger,
		children:  make(map[string]*exec.Cmd),
	}
}

func (e *WorkerExecutor) Name() string           { return "worker" }
func (e *WorkerExecutor) SupportsParallel() bool { return true }
func (e *WorkerExecutor) MaxConcurrency() int    { return e.cfg.MaxWorkers }

// ExecuteStep: 选种类 → 占槽 (错峰) → 分配工作区 → 启动 CLI →
// 流式转发输出 → 收集 diff。非零退出记录 stderr 尾部。
func (e *WorkerExecutor) ExecuteStep(ctx context.Context, step *entity.UnifiedStep, groupID string, ec *ExecutorContext) (*entity.StepResult, error) {
	timer := StartTimer()
	ec.EmitStepStarted(groupID, step)

	kind := e.picker.Pick(step)

	release, err := e.throttle.Acquire(ctx, kind)
	if err != nil {
		res := failedResult("cancelled while waiting for worker slot", timer.ElapsedMs())
		ec.EmitStepCompleted(step.ID, res)
		return res, nil
	}
	defer release()

	ws, err := e.allocator.Allocate(ctx, step.ID)
	if err != nil {
		res := failedResult(fmt.Sprintf("workspace allocation failed: %v", err), timer.ElapsedMs())
		ec.EmitStepCompleted(step.ID, res)
		return res, nil
	}
	defer func() {
		if rerr := e.allocator.Release(context.Background(), ws); rerr != nil {
			e.logger.Warn("Workspace release failed", zap.Error(rerr))
		}
	}()

	command := e.commandFor(kind)
	prompt := step.Instructions
	if prompt == "" {
		prompt = step.Description
	}

	ec.EmitStepProgress(step.ID, fmt.Sprintf("Spawning %s worker in %s", kind, ws.Path))

	cmd := exec.CommandContext(ctx, command, prompt)
	cmd.Dir = ws.Path

	var stdout, stderr strings.Builder
	cmd.Stdout = &streamWriter{buf: &stdout, emit: func(line string) {
		ec.EmitStepProgress(step.ID, line)
	}}
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		res := failedResult(fmt.Sprintf("%v: %v", entity.ErrWorkerSpawnFailed, err), timer.ElapsedMs())
		ec.EmitStepCompleted(step.ID, res)
		return res, nil
	}

	e.track(step.ID, cmd)
	waitErr := cmd.Wait()
	e.untrack(step.ID)

	duration := timer.ElapsedMs()
	result := &entity.StepResult{
		Success:    waitErr == nil,
		Output:     stdout.String(),
		DurationMs: duration,
	}

	if waitErr != nil {
		result.Error = tailLines(stderr.String(), e.cfg.StderrTailLines)
		if result.Error == "" {
			result.Error = waitErr.Error()
		}
	}

	if files, ferr := e.allocator.ModifiedFiles(ctx, ws); ferr == nil {
		result.FilesModified = files
		for _, f := range files {
			ec.Emit(entity.PlanEvent{
				Type:   entity.PlanEventFileModified,
				PlanID: ec.PlanID,
				StepID: step.ID,
				Path:   f,
			})
		}
	}

	ec.EmitStepCompleted(step.ID, result)
	return result, nil
}

// Cancel 杀掉仍在运行的子进程 (drop 即清理)
func (e *WorkerExecutor) Cancel(ctx context.Context, plan *entity.UnifiedPlan, ec *ExecutorContext) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, cmd := range e.children {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		delete(e.children, id)
	}
	return nil
}

func (e *WorkerExecutor) commandFor(kind entity.WorkerKind) string {
	if cmd, ok := e.cfg.Commands[kind]; ok && cmd != "" {
		return cmd
	}
	return string(kind)
}

func (e *WorkerExecutor) track(id string, cmd *exec.Cmd) {
	e.mu.Lock()
	e.children[id] = cmd
	e.mu.Unlock()
}

func (e *WorkerExecutor) untrack(id string) {
	e.mu.Lock()
	delete(e.children, id)
	e.mu.Unlock()
}

// streamWriter 累积输出并按行转发
type streamWriter struct {
	buf     *strings.Builder
	emit    func(string)
	partial string
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	w.partial += string(p)
	for {
		i := strings.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(w.partial[:i], "\r")
		w.partial = w.partial[i+1:]
		if line != "" && w.emit != nil {
			w.emit(line)
		}
	}
	return len(p), nil
}

// tailLines 取末 n 行
func tailLines(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
