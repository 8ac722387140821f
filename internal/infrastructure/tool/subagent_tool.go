package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
	"github.com/siddharth-ghatti/safe-coder/internal/domain/service"
	domaintool "github.com/siddharth-ghatti/safe-coder/internal/domain/tool"
)

// SubagentDeps 子代理工具依赖
type SubagentDeps struct {
	Executor *service.SubagentExecutor
	LLM      service.LLMClient
	Registry *domaintool.Registry
	EventTx  chan<- entity.PlanEvent
}

// SubagentTool 让模型派生受限子代理处理聚焦任务。
// 子代理自己的注册表不含本工具 — 嵌套派生被禁止。
type SubagentTool struct {
	deps   SubagentDeps
	logger *zap.Logger
}

// NewSubagentTool 创建 subagent 工具
func NewSubagentTool(deps SubagentDeps, logger *zap.Logger) *SubagentTool {
	return &SubagentTool{deps: deps, logger: logger}
}

func (t *SubagentTool) Name() string { return "subagent" }

func (t *SubagentTool) Description() string {
	return `Spawns a specialized subagent for a focused task.
Kinds: code_analyzer (read-only), tester, refactorer, documenter, custom.
The subagent works autonomously with a restricted toolset and reports back.`
}

func (t *SubagentTool) Mode() domaintool.Mode { return domaintool.ModeBoth }

func (t *SubagentTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "The task for the subagent to accomplish",
			},
			"kind": map[string]interface{}{
				"type":        "string",
				"description": "Subagent kind: code_analyzer, tester, refactorer, documenter, custom",
			},
			"role": map[string]interface{}{
				"type":        "string",
				"description": "Custom role description (custom kind only)",
			},
			"file_patterns": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "File patterns to focus on",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SubagentTool) Execute(ctx context.Context, input json.RawMessage, tc *domaintool.Context) (string, error) {
	var params struct {
		Task         string   `json:"task"`
		Kind         string   `json:"kind"`
		Role         string   `json:"role"`
		FilePatterns []string `json:"file_patterns"`
	}
	if err := decodeParams(input, &params); err != nil {
		return "", err
	}
	if params.Task == "" {
		return "", domaintool.NewError(domaintool.ErrInvalidArguments, "task is required")
	}

	kind := entity.SubagentKind(params.Kind)
	switch kind {
	case entity.SubagentCodeAnalyzer, entity.SubagentTester, entity.SubagentRefactorer,
		entity.SubagentDocumenter, entity.SubagentCustom:
	case "":
		kind = entity.SubagentCodeAnalyzer
	default:
		return "", domaintool.NewError(domaintool.ErrInvalidArguments,
			fmt.Sprintf("Unknown subagent kind %q", params.Kind))
	}

	scope := service.NewSubagentScope(params.Task)
	scope.Role = params.Role
	scope.FilePatterns = params.FilePatterns

	ec := &service.ExecutorContext{
		ProjectPath: tc.WorkingDir,
		AgentMode:   tc.Mode,
		LLM:         t.deps.LLM,
		Registry:    t.deps.Registry,
		ToolsConfig: tc.Config,
		EventTx:     t.deps.EventTx,
	}

	t.logger.Info("Spawning subagent",
		zap.String("kind", string(kind)),
		zap.Int("task_len", len(params.Task)),
	)

	start := time.Now()
	res := t.deps.Executor.RunSubagent(ctx, kind, scope, ec)

	var sb strings.Builder
	status := "✓"
	if !res.Success {
		status = "✗"
	}
	fmt.Fprintf(&sb, "%s %s (%d iterations, %s)\n", status, res.Summary, res.Iterations, time.Since(start).Round(time.Millisecond))
	if res.Output != "" {
		fmt.Fprintf(&sb, "\n%s\n", res.Output)
	}
	if len(res.FilesModified) > 0 {
		fmt.Fprintf(&sb, "\nModified files: %s\n", strings.Join(res.FilesModified, ", "))
	}
	if len(res.Errors) > 0 {
		fmt.Fprintf(&sb, "\nErrors: %s\n", strings.Join(res.Errors, ", "))
	}
	return sb.String(), nil
}
