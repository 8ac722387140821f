package service

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
	domaintool "github.com/siddharth-ghatti/safe-coder/internal/domain/tool"
)

// stubAllocator 项目根工作区, 可配置修改文件列表
type stubAllocator struct {
	root     string
	modified []string
	released int
}

func (a *stubAllocator) Allocate(ctx context.Context, workerID string) (*Workspace, error) {
	return &Workspace{Path: a.root, Isolated: false}, nil
}

func (a *stubAllocator) ModifiedFiles(ctx context.Context, ws *Workspace) ([]string, error) {
	return a.modified, nil
}

func (a *stubAllocator) Release(ctx context.Context, ws *Workspace) error {
	a.released++
	return nil
}

func workerTestConfig() WorkerConfig {
	cfg := DefaultWorkerConfig()
	cfg.StartDelayMs = 0
	cfg.UseWorktrees = false
	return cfg
}

func workerEC(t *testing.T) (*ExecutorContext, chan entity.PlanEvent) {
	t.Helper()
	eventCh := make(chan entity.PlanEvent, 1024)
	return &ExecutorContext{
		ProjectPath: t.TempDir(),
		PlanID:      "plan-w",
		AgentMode:   domaintool.ModeBuild,
		Registry:    domaintool.NewRegistry(),
		ToolsConfig: domaintool.DefaultToolsConfig(),
		EventTx:     eventCh,
	}, eventCh
}

func TestWorkerExecutorSuccess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh semantics")
	}
	cfg := workerTestConfig()
	// 用 /bin/echo 充当外部 CLI: 参数即 prompt, 退出码 0
	cfg.Commands = map[entity.WorkerKind]string{entity.WorkerClaudeCode: "echo"}

	alloc := &stubAllocator{root: t.TempDir(), modified: []string{"src/lib.rs"}}
	ex := NewWorkerExecutor(cfg, alloc, testLogger())
	ec, eventCh := workerEC(t)

	step := entity.NewStep("s1", "Do work")
	step.Instructions = "hello worker"

	res, err := ex.ExecuteStep(context.Background(), step, "g1", ec)
	close(eventCh)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if !strings.Contains(res.Output, "hello worker") {
		t.Fatalf("expected echoed prompt, got %q", res.Output)
	}
	if len(res.FilesModified) != 1 || res.FilesModified[0] != "src/lib.rs" {
		t.Fatalf("expected diff-collected files, got %v", res.FilesModified)
	}
	if alloc.released != 1 {
		t.Fatal("workspace must be released")
	}
}

func TestWorkerExecutorNonzeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh semantics")
	}
	cfg := workerTestConfig()
	cfg.StderrTailLines = 2

	// 写一个失败的脚本当 worker CLI
	dir := t.TempDir()
	script := filepath.Join(dir, "failing-worker")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho line1 >&2\necho line2 >&2\necho line3 >&2\nexit 3\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	cfg.Commands = map[entity.WorkerKind]string{entity.WorkerClaudeCode: script}

	ex := NewWorkerExecutor(cfg, &stubAllocator{root: dir}, testLogger())
	ec, eventCh := workerEC(t)

	res, err := ex.ExecuteStep(context.Background(), entity.NewStep("s1", "Fail"), "g1", ec)
	close(eventCh)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("expected failure")
	}
	// 只保留末 k 行 stderr
	if strings.Contains(res.Error, "line1") || !strings.Contains(res.Error, "line3") {
		t.Fatalf("expected last 2 stderr lines, got %q", res.Error)
	}
}

func TestWorkerSpawnFailure(t *testing.T) {
	cfg := workerTestConfig()
	cfg.Commands = map[entity.WorkerKind]string{entity.WorkerClaudeCode: "/nonexistent/binary"}

	ex := NewWorkerExecutor(cfg, &stubAllocator{root: t.TempDir()}, testLogger())
	ec, eventCh := workerEC(t)

	res, err := ex.ExecuteStep(context.Background(), entity.NewStep("s1", "Spawn"), "g1", ec)
	close(eventCh)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("expected spawn failure")
	}
	if !strings.Contains(res.Error, "worker spawn failed") {
		t.Fatalf("expected spawn error, got %q", res.Error)
	}
}

func TestThrottleRespectsConcurrencyCap(t *testing.T) {
	cfg := workerTestConfig()
	cfg.MaxConcurrent = map[entity.WorkerKind]int{entity.WorkerClaudeCode: 2}
	throttle := NewWorkerThrottle(cfg)

	r1, err := throttle.Acquire(context.Background(), entity.WorkerClaudeCode)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := throttle.Acquire(context.Background(), entity.WorkerClaudeCode)
	if err != nil {
		t.Fatal(err)
	}
	if free := throttle.FreeSlots(entity.WorkerClaudeCode); free != 0 {
		t.Fatalf("expected 0 free slots, got %d", free)
	}

	// 第三次获取应阻塞直到释放
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := throttle.Acquire(ctx, entity.WorkerClaudeCode); err == nil {
		t.Fatal("expected acquire to block past the cap")
	}

	r1()
	r2()
	if free := throttle.FreeSlots(entity.WorkerClaudeCode); free != 2 {
		t.Fatalf("expected 2 free slots after release, got %d", free)
	}
}

func TestThrottleStaggersStarts(t *testing.T) {
	cfg := workerTestConfig()
	cfg.StartDelayMs = 30
	cfg.MaxConcurrent = map[entity.WorkerKind]int{entity.WorkerClaudeCode: 4}
	throttle := NewWorkerThrottle(cfg)

	start := time.Now()
	for i := 0; i < 3; i++ {
		release, err := throttle.Acquire(context.Background(), entity.WorkerClaudeCode)
		if err != nil {
			t.Fatal(err)
		}
		release()
	}
	// 三次获取至少间隔两个 delay
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("expected staggered acquisitions, elapsed %v", elapsed)
	}
}

func TestPickerStrategies(t *testing.T) {
	cfg := workerTestConfig()
	cfg.EnabledWorkers = []entity.WorkerKind{entity.WorkerClaudeCode, entity.WorkerGeminiCli}
	cfg.DefaultWorker = entity.WorkerClaudeCode
	throttle := NewWorkerThrottle(cfg)

	step := entity.NewStep("s1", "Any")

	// SingleWorker
	cfg.Strategy = StrategySingleWorker
	p := &workerPicker{cfg: cfg, throttle: throttle}
	if kind := p.Pick(step); kind != entity.WorkerClaudeCode {
		t.Fatalf("single worker should pick default, got %s", kind)
	}

	// RoundRobin 轮转
	cfg.Strategy = StrategyRoundRobin
	p = &workerPicker{cfg: cfg, throttle: throttle}
	first, second, third := p.Pick(step), p.Pick(step), p.Pick(step)
	if first != entity.WorkerClaudeCode || second != entity.WorkerGeminiCli || third != entity.WorkerClaudeCode {
		t.Fatalf("round robin broken: %s %s %s", first, second, third)
	}

	// LoadBalanced 选空闲最多的
	cfg.Strategy = StrategyLoadBalanced
	p = &workerPicker{cfg: cfg, throttle: throttle}
	release, err := throttle.Acquire(context.Background(), entity.WorkerClaudeCode)
	if err != nil {
		t.Fatal(err)
	}
	defer release()
	if kind := p.Pick(step); kind != entity.WorkerGeminiCli {
		t.Fatalf("load balanced should avoid busy kind, got %s", kind)
	}

	// TaskBased 尊重步骤元数据
	cfg.Strategy = StrategyTaskBased
	p = &workerPicker{cfg: cfg, throttle: throttle}
	step.SuggestedExecutor = entity.WorkerExecutorFor(entity.WorkerGeminiCli)
	if kind := p.Pick(step); kind != entity.WorkerGeminiCli {
		t.Fatalf("task based should honor step metadata, got %s", kind)
	}
}

func TestTailLines(t *testing.T) {
	in := "a\nb\nc\nd"
	if got := tailLines(in, 2); got != "c\nd" {
		t.Fatalf("tailLines = %q", got)
	}
	if got := tailLines("", 5); got != "" {
		t.Fatalf("empty input should stay empty, got %q", got)
	}
	if got := tailLines("only", 5); got != "only" {
		t.Fatalf("short input unchanged, got %q", got)
	}
}
