package tool

import (
	"context"

	"go.uber.org/zap"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
	"github.com/siddharth-ghatti/safe-coder/internal/domain/service"
	domaintool "github.com/siddharth-ghatti/safe-coder/internal/domain/tool"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/codeintel"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/sandbox"
)

// Deps aggregates the external dependencies of the tool layer.
// This is the single configuration point for the entire tool subsystem.
type Deps struct {
	Logger  *zap.Logger
	Sandbox *sandbox.ProcessSandbox
	Indexer *codeintel.Indexer
	Todos   *TodoStore

	// Subagent — nil 时不注册 subagent 工具 (例如子代理自己的注册表)
	Subagent *SubagentDeps

	// MCP — nil 时跳过外部工具发现
	MCPManager  *MCPManager
	MCPManifest *MCPManifest
}

// RegisterAll registers every built-in tool in one place. This is the ONLY
// tool registration entry point. Adding a new tool? Add it here.
//
// Registration order:
//  1. File operations (read_file, write_file, edit_file, list_file)
//  2. Search (glob, grep), then ast_grep and shell (bash) when a sandbox is set
//  3. code_search when an indexer is set
//  4. Session state (todowrite, todoread)
//  5. Agent capabilities (subagent)
//  6. Dynamic MCP server tools (mcp_<server>_<tool>)
func RegisterAll(registry *domaintool.Registry, deps Deps) error {
	logger := deps.Logger
	if deps.Todos == nil {
		deps.Todos = NewTodoStore()
	}

	tools := []domaintool.Tool{
		&ReadFileTool{},
		&WriteFileTool{},
		&EditFileTool{},
		&ListFileTool{},
		&GlobTool{},
		NewGrepTool(logger),
	}
	if deps.Sandbox != nil {
		tools = append(tools,
			NewAstGrepTool(deps.Sandbox, logger),
			NewBashTool(deps.Sandbox, logger),
		)
	}
	if deps.Indexer != nil {
		tools = append(tools, NewCodeSearchTool(deps.Indexer, logger))
	}
	tools = append(tools,
		NewTodoWriteTool(deps.Todos),
		NewTodoReadTool(deps.Todos),
	)
	if deps.Subagent != nil {
		tools = append(tools, NewSubagentTool(*deps.Subagent, logger))
	}

	for _, t := range tools {
		if err := registry.Register(t); err != nil {
			return err
		}
	}

	if deps.MCPManager != nil && deps.MCPManifest != nil {
		n := deps.MCPManager.RegisterServers(context.Background(), deps.MCPManifest, registry)
		if n > 0 {
			logger.Info("MCP tools registered", zap.Int("count", n))
		}
	}
	return nil
}

// NewSubagentDeps 组装 subagent 工具依赖
func NewSubagentDeps(
	executor *service.SubagentExecutor,
	llm service.LLMClient,
	registry *domaintool.Registry,
	eventTx chan<- entity.PlanEvent,
) *SubagentDeps {
	return &SubagentDeps{
		Executor: executor,
		LLM:      llm,
		Registry: registry,
		EventTx:  eventTx,
	}
}
