package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
	domaintool "github.com/siddharth-ghatti/safe-coder/internal/domain/tool"
)

// editTool 真实落盘的精简 edit_file (场景: 单文件重命名)
type editTool struct{}

func (t *editTool) Name() string          { return "edit_file" }
func (t *editTool) Description() string   { return "exact string replacement" }
func (t *editTool) Mode() domaintool.Mode { return domaintool.ModeBuildOnly }
func (t *editTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

func (t *editTool) Execute(ctx context.Context, input json.RawMessage, tc *domaintool.Context) (string, error) {
	var p struct {
		FilePath   string `json:"file_path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return "", err
	}
	path := filepath.Join(tc.WorkingDir, p.FilePath)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	out := strings.Replace(string(data), p.OldString, p.NewString, -1)
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return "", err
	}
	return "Successfully edited " + p.FilePath, nil
}

// 场景 1: "rename function foo to bar in src/lib.rs" — 一步计划, Inline 执行,
// 一次 edit_file 调用, files_modified == ["src/lib.rs"], 摘要含 "1/1 steps"。
func TestDirectModeSingleFileRefactor(t *testing.T) {
	registry := domaintool.NewRegistry()
	_ = registry.Register(&editTool{})

	llm := &fakeLLM{responses: []entity.Message{
		{Role: entity.RoleAssistant, Content: []entity.ContentBlock{
			entity.TextBlock("Renaming foo to bar."),
			toolUse("t1", "edit_file",
				`{"file_path":"src/lib.rs","old_string":"foo","new_string":"bar","replace_all":true}`),
		}},
		entity.NewAssistantMessage("Renamed foo to bar everywhere."),
	}}

	executors := NewExecutorRegistry()
	executors.Register(entity.ModeDirect, NewDirectExecutor(testLogger()))

	project := t.TempDir()
	if err := os.MkdirAll(filepath.Join(project, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(project, "src/lib.rs"),
		[]byte("fn foo() {}\nfn main() { foo(); }\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	runner := NewPlanRunner(project, executors, llm, registry,
		domaintool.DefaultToolsConfig(), testLogger())

	plan := entity.NewPlan("plan-rename", "rename function foo to bar in src/lib.rs")
	plan.Title = "Rename foo to bar"
	plan.ExecutionMode = entity.ModeDirect
	step := entity.NewStep("step-1", "Rename function foo to bar")
	step.Instructions = "Use edit_file with replace_all"
	step.RelevantFiles = []string{"src/lib.rs"}
	plan.Groups = []*entity.StepGroup{{ID: "group-1", Steps: []*entity.UnifiedStep{step}}}

	events := collectEvents(t, func(ch chan entity.PlanEvent) {
		if err := runner.Execute(context.Background(), plan, ch); err != nil {
			t.Fatal(err)
		}
	})

	if plan.Status != entity.PlanCompleted {
		t.Fatalf("expected completed, got %s", plan.Status)
	}
	if step.Result == nil || !step.Result.Success {
		t.Fatalf("step failed: %+v", step.Result)
	}
	if len(step.Result.FilesModified) != 1 || step.Result.FilesModified[0] != "src/lib.rs" {
		t.Fatalf("expected files_modified [src/lib.rs], got %v", step.Result.FilesModified)
	}

	data, _ := os.ReadFile(filepath.Join(project, "src/lib.rs"))
	if got := string(data); strings.Contains(got, "foo") || !strings.Contains(got, "bar") {
		t.Fatalf("rename not applied: %q", got)
	}

	last := events[len(events)-1]
	if last.Type != entity.PlanEventCompleted || !last.Success {
		t.Fatal("expected successful PlanCompleted")
	}
	if !strings.Contains(last.Summary, "1/1 steps") {
		t.Fatalf("summary should contain step ratio: %q", last.Summary)
	}
}
