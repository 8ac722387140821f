package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
	domaintool "github.com/siddharth-ghatti/safe-coder/internal/domain/tool"
)

// scriptedExecutor 按步骤 id 决定成败
type scriptedExecutor struct {
	BaseExecutor
	mu       sync.Mutex
	failures map[string]bool
	executed []string
	parallel bool
}

func (e *scriptedExecutor) Name() string           { return "scripted" }
func (e *scriptedExecutor) SupportsParallel() bool { return e.parallel }
func (e *scriptedExecutor) MaxConcurrency() int    { return 4 }

func (e *scriptedExecutor) ExecuteStep(ctx context.Context, step *entity.UnifiedStep, groupID string, ec *ExecutorContext) (*entity.StepResult, error) {
	e.mu.Lock()
	e.executed = append(e.executed, step.ID)
	e.mu.Unlock()

	ec.EmitStepStarted(groupID, step)
	res := &entity.StepResult{Success: !e.failures[step.ID], Output: "ran " + step.ID, DurationMs: 1}
	if !res.Success {
		res.Error = "scripted failure"
	}
	ec.EmitStepCompleted(step.ID, res)
	return res, nil
}

func newTestRunner(ex PlanExecutor, opts ...PlanRunnerOption) *PlanRunner {
	registry := NewExecutorRegistry()
	registry.Register(entity.ModeDirect, ex)
	registry.Register(entity.ModeSubagent, ex)
	return NewPlanRunner(
		"/tmp/project",
		registry,
		&fakeLLM{responses: []entity.Message{entity.NewAssistantMessage("unused")}},
		domaintool.NewRegistry(),
		domaintool.DefaultToolsConfig(),
		testLogger(),
		opts...,
	)
}

func twoGroupPlan(mode entity.ExecutionMode) *entity.UnifiedPlan {
	plan := entity.NewPlan("plan-1", "test")
	plan.Title = "Two groups"
	plan.ExecutionMode = mode
	plan.Groups = []*entity.StepGroup{
		{ID: "g1", Steps: []*entity.UnifiedStep{entity.NewStep("s1", "Add failing test")}},
		{ID: "g2", DependsOn: []string{"g1"}, Steps: []*entity.UnifiedStep{entity.NewStep("s2", "Make it pass")}},
	}
	return plan
}

func collectEvents(t *testing.T, run func(chan entity.PlanEvent)) []entity.PlanEvent {
	t.Helper()
	eventCh := make(chan entity.PlanEvent, 1024)
	run(eventCh)
	close(eventCh)
	var events []entity.PlanEvent
	for ev := range eventCh {
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []entity.PlanEvent) []entity.PlanEventType {
	out := make([]entity.PlanEventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// 场景 2 的事件序列: 两组串行, 组/步骤事件成对嵌套, PlanCompleted 收尾。
func TestRunnerEventOrdering(t *testing.T) {
	ex := &scriptedExecutor{failures: map[string]bool{}}
	runner := newTestRunner(ex)
	plan := twoGroupPlan(entity.ModeSubagent)

	events := collectEvents(t, func(ch chan entity.PlanEvent) {
		if err := runner.Execute(context.Background(), plan, ch); err != nil {
			t.Fatal(err)
		}
	})

	want := []entity.PlanEventType{
		entity.PlanEventCreated,
		entity.PlanEventStarted,
		entity.PlanEventGroupStarted,   // g1
		entity.PlanEventStepStarted,    // s1
		entity.PlanEventStepCompleted,  // s1
		entity.PlanEventGroupCompleted, // g1
		entity.PlanEventGroupStarted,   // g2
		entity.PlanEventStepStarted,    // s2
		entity.PlanEventStepCompleted,  // s2
		entity.PlanEventGroupCompleted, // g2
		entity.PlanEventCompleted,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s (all: %v)", i, want[i], got[i], got)
		}
	}

	if plan.Status != entity.PlanCompleted {
		t.Fatalf("expected completed plan, got %s", plan.Status)
	}
	last := events[len(events)-1]
	if !last.Success {
		t.Fatal("expected successful completion")
	}
}

// 场景 5: g1 失败 ⇒ g2 的步骤 Skipped 并以 success:false + "skipped" 错误完成。
func TestRunnerFailureCascade(t *testing.T) {
	ex := &scriptedExecutor{failures: map[string]bool{"s1": true}}
	runner := newTestRunner(ex)
	plan := twoGroupPlan(entity.ModeDirect)

	events := collectEvents(t, func(ch chan entity.PlanEvent) {
		if err := runner.Execute(context.Background(), plan, ch); err != nil {
			t.Fatal(err)
		}
	})

	s2 := plan.FindStep("s2")
	if s2.Status != entity.StepSkipped {
		t.Fatalf("expected s2 skipped, got %s", s2.Status)
	}
	if s2.Result == nil || !strings.Contains(s2.Result.Error, "skipped") {
		t.Fatalf("skipped step needs a skip reason, got %+v", s2.Result)
	}

	// s2 从未真正执行
	for _, id := range ex.executed {
		if id == "s2" {
			t.Fatal("skipped step must not execute")
		}
	}

	if plan.Status != entity.PlanFailed {
		t.Fatalf("expected failed plan, got %s", plan.Status)
	}

	var sawS2Completed, sawPlanCompleted bool
	for _, ev := range events {
		if ev.Type == entity.PlanEventStepCompleted && ev.StepID == "s2" && !ev.Success {
			sawS2Completed = true
		}
		if ev.Type == entity.PlanEventCompleted {
			if ev.Success {
				t.Fatal("plan completion must carry success=false")
			}
			sawPlanCompleted = true
		}
	}
	if !sawS2Completed || !sawPlanCompleted {
		t.Fatal("missing cascade events")
	}
}

// 不变式 4/5: 终态计划的每个步骤都处于终态; Skipped 的步骤都有失败的祖先组。
func TestRunnerTerminalInvariants(t *testing.T) {
	ex := &scriptedExecutor{failures: map[string]bool{"s1": true}}
	runner := newTestRunner(ex)

	plan := entity.NewPlan("plan-2", "req")
	plan.ExecutionMode = entity.ModeDirect
	plan.Groups = []*entity.StepGroup{
		{ID: "g1", Steps: []*entity.UnifiedStep{entity.NewStep("s1", "Break")}},
		{ID: "g2", DependsOn: []string{"g1"}, Steps: []*entity.UnifiedStep{entity.NewStep("s2", "After")}},
		{ID: "g3", DependsOn: []string{"g2"}, Steps: []*entity.UnifiedStep{entity.NewStep("s3", "Later")}},
	}

	_ = collectEvents(t, func(ch chan entity.PlanEvent) {
		if err := runner.Execute(context.Background(), plan, ch); err != nil {
			t.Fatal(err)
		}
	})

	for _, s := range plan.AllSteps() {
		if !s.Status.IsTerminal() {
			t.Fatalf("step %s not terminal: %s", s.ID, s.Status)
		}
	}
	// 传递跳过: g3 依赖失败的 g2 (因 g1 失败被跳过)
	if plan.FindStep("s3").Status != entity.StepSkipped {
		t.Fatal("transitive dependents must be skipped")
	}
}

func TestRunnerApprovalReject(t *testing.T) {
	ex := &scriptedExecutor{failures: map[string]bool{}}
	runner := newTestRunner(ex, WithApproval())
	plan := twoGroupPlan(entity.ModeDirect)

	eventCh := make(chan entity.PlanEvent, 1024)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runner.Execute(context.Background(), plan, eventCh)
	}()

	// 等待 AwaitingApproval
	deadline := time.After(2 * time.Second)
	for plan.Status != entity.PlanAwaitingApproval {
		select {
		case <-deadline:
			t.Fatal("plan never reached awaiting approval")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := runner.Reject(plan.ID, "not today"); err != nil {
		t.Fatal(err)
	}

	err := <-errCh
	if !errors.Is(err, entity.ErrApprovalRejected) {
		t.Fatalf("expected ErrApprovalRejected, got %v", err)
	}
	if plan.Status != entity.PlanCancelled {
		t.Fatalf("expected cancelled, got %s", plan.Status)
	}
	if len(ex.executed) != 0 {
		t.Fatal("rejected plan must not execute")
	}
}

func TestRunnerApprovalApprove(t *testing.T) {
	ex := &scriptedExecutor{failures: map[string]bool{}}
	runner := newTestRunner(ex, WithApproval())
	plan := twoGroupPlan(entity.ModeDirect)

	eventCh := make(chan entity.PlanEvent, 1024)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runner.Execute(context.Background(), plan, eventCh)
	}()

	deadline := time.After(2 * time.Second)
	for plan.Status != entity.PlanAwaitingApproval {
		select {
		case <-deadline:
			t.Fatal("plan never reached awaiting approval")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := runner.Approve(plan.ID); err != nil {
		t.Fatal(err)
	}
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
	if plan.Status != entity.PlanCompleted {
		t.Fatalf("expected completed, got %s", plan.Status)
	}
}

func TestRunnerUnknownPlanApproval(t *testing.T) {
	runner := newTestRunner(&scriptedExecutor{failures: map[string]bool{}})
	if err := runner.Approve("nope"); err == nil {
		t.Fatal("expected error for unknown plan id")
	}
}

func TestRunnerNoExecutorForMode(t *testing.T) {
	runner := NewPlanRunner(
		"/tmp", NewExecutorRegistry(),
		&fakeLLM{responses: []entity.Message{entity.NewAssistantMessage("x")}},
		domaintool.NewRegistry(), domaintool.DefaultToolsConfig(), testLogger(),
	)
	plan := twoGroupPlan(entity.ModeOrchestration)

	eventCh := make(chan entity.PlanEvent, 64)
	err := runner.Execute(context.Background(), plan, eventCh)
	if err == nil {
		t.Fatal("expected missing-executor error")
	}
	if plan.Status != entity.PlanFailed {
		t.Fatalf("expected failed, got %s", plan.Status)
	}
}
