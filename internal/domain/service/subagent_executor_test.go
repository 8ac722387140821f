package service

import (
	"context"
	"testing"
	"time"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
	domaintool "github.com/siddharth-ghatti/safe-coder/internal/domain/tool"
)

func subagentEC(t *testing.T, llm LLMClient, registry *domaintool.Registry) *ExecutorContext {
	t.Helper()
	return &ExecutorContext{
		ProjectPath: t.TempDir(),
		PlanID:      "plan-s",
		AgentMode:   domaintool.ModeBuild,
		LLM:         llm,
		Registry:    registry,
		ToolsConfig: domaintool.DefaultToolsConfig(),
		EventTx:     make(chan entity.PlanEvent, 1024),
	}
}

func fullRegistry(t *testing.T) *domaintool.Registry {
	t.Helper()
	registry := domaintool.NewRegistry()
	for _, name := range []string{"read_file", "list_file", "glob", "grep", "write_file", "edit_file", "bash", "subagent"} {
		mode := domaintool.ModeBoth
		if name == "write_file" || name == "edit_file" || name == "bash" {
			mode = domaintool.ModeBuildOnly
		}
		_ = registry.Register(&fakeTool{name: name, mode: mode, out: "ok"})
	}
	return registry
}

func TestRestrictedRegistryExcludesSubagent(t *testing.T) {
	registry := fullRegistry(t)
	restricted := registry.Restricted(append(entity.SubagentTester.AllowedTools(), "subagent"))

	if restricted.Has("subagent") {
		t.Fatal("subagents must not spawn subagents")
	}
	if !restricted.Has("bash") || !restricted.Has("write_file") {
		t.Fatal("tester whitelist incomplete")
	}
	if restricted.Has("edit_file") {
		t.Fatal("tester must not edit files")
	}
}

func TestSubagentRunsToCompletion(t *testing.T) {
	llm := &fakeLLM{responses: []entity.Message{
		{Role: entity.RoleAssistant, Content: []entity.ContentBlock{
			toolUse("t1", "read_file", `{"file_path":"main.go"}`),
		}},
		entity.NewAssistantMessage("Analysis complete: the code looks fine."),
	}}

	var events []entity.SubagentEvent
	evCh := make(chan entity.SubagentEvent, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range evCh {
			events = append(events, ev)
		}
	}()

	ex := NewSubagentExecutor(2, nil, testLogger())
	ex.SubagentTx = evCh

	ec := subagentEC(t, llm, fullRegistry(t))
	res := ex.RunSubagent(context.Background(), entity.SubagentCodeAnalyzer,
		NewSubagentScope("analyze main.go"), ec)

	close(evCh)
	<-done

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Output != "Analysis complete: the code looks fine." {
		t.Fatalf("final output must be last assistant text, got %q", res.Output)
	}
	if len(res.FilesRead) != 1 || res.FilesRead[0] != "main.go" {
		t.Fatalf("expected files_read from tool stream, got %v", res.FilesRead)
	}

	// 事件带 id 且以 Started 开头、Completed 收尾
	if len(events) < 2 {
		t.Fatalf("expected forwarded events, got %d", len(events))
	}
	if events[0].Type != entity.SubagentStarted {
		t.Fatalf("first event must be Started, got %s", events[0].Type)
	}
	if events[len(events)-1].Type != entity.SubagentCompleted {
		t.Fatalf("last event must be Completed, got %s", events[len(events)-1].Type)
	}
	id := events[0].ID
	for _, ev := range events {
		if ev.ID != id {
			t.Fatal("all events must carry the subagent id")
		}
	}
}

func TestSubagentWhitelistBlocksEscapes(t *testing.T) {
	// 分析器尝试 write_file — 必须被拦下
	llm := &fakeLLM{responses: []entity.Message{
		{Role: entity.RoleAssistant, Content: []entity.ContentBlock{
			toolUse("t1", "write_file", `{"file_path":"hack.txt","content":"x"}`),
		}},
		entity.NewAssistantMessage("ok, read-only then"),
	}}

	ex := NewSubagentExecutor(2, nil, testLogger())
	ec := subagentEC(t, llm, fullRegistry(t))
	res := ex.RunSubagent(context.Background(), entity.SubagentCodeAnalyzer,
		NewSubagentScope("try to write"), ec)

	if len(res.FilesModified) != 0 {
		t.Fatal("analyzer must not modify files")
	}
}

func TestSubagentTimeout(t *testing.T) {
	// LLM 挂起直到 context 取消
	llm := &hangingLLM{}
	ex := NewSubagentExecutor(2, nil, testLogger())
	ec := subagentEC(t, llm, fullRegistry(t))

	scope := NewSubagentScope("slow task")
	scope.Timeout = 50 * time.Millisecond

	res := ex.RunSubagent(context.Background(), entity.SubagentTester, scope, ec)
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if len(res.Errors) == 0 {
		t.Fatal("expected a timeout error entry")
	}
}

func TestSubagentExecuteStepResolvesKind(t *testing.T) {
	llm := &fakeLLM{responses: []entity.Message{entity.NewAssistantMessage("documented")}}
	ex := NewSubagentExecutor(2, nil, testLogger())
	ec := subagentEC(t, llm, fullRegistry(t))

	step := entity.NewStep("s1", "Document the API")
	step.SuggestedExecutor = entity.SubagentExecutorFor(entity.SubagentDocumenter)

	res, err := ex.ExecuteStep(context.Background(), step, "g1", ec)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
}

// hangingLLM 阻塞到 context 结束
type hangingLLM struct{}

func (h *hangingLLM) SendMessage(ctx context.Context, messages []entity.Message, tools []entity.ToolDefinition) (*entity.LLMResponse, error) {
	return h.SendMessageWithSystem(ctx, messages, tools, "")
}

func (h *hangingLLM) SendMessageWithSystem(ctx context.Context, messages []entity.Message, tools []entity.ToolDefinition, system string) (*entity.LLMResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
