package application

import (
	"path/filepath"

	"go.uber.org/zap"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
	"github.com/siddharth-ghatti/safe-coder/internal/domain/service"
	domaintool "github.com/siddharth-ghatti/safe-coder/internal/domain/tool"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/codeintel"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/config"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/llm"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/llm/anthropic"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/llm/openai"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/persistence"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/prompt"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/sandbox"
	infratool "github.com/siddharth-ghatti/safe-coder/internal/infrastructure/tool"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/workspace"
	apperrors "github.com/siddharth-ghatti/safe-coder/pkg/errors"
)

// App 组装整个核心: 配置 → LLM 路由 → 工具注册表 → 执行器 → runner。
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	LLM         service.LLMClient
	Registry    *domaintool.Registry
	Executors   *service.ExecutorRegistry
	Repo        persistence.SessionRepository
	ProjectPath string

	mcpManager *infratool.MCPManager
}

// NewApp 按配置装配依赖
func NewApp(cfg *config.Config, projectPath string, logger *zap.Logger) (*App, error) {
	// LLM 路由: 按配置顺序注册 provider, 带熔断与故障转移
	router := llm.NewRouter(logger)
	for _, pc := range cfg.Providers {
		switch pc.Name {
		case "anthropic":
			router.AddProvider(anthropic.New(pc.BaseURL, pc.APIKey, modelOr(pc.Model, cfg.Agent.Model), logger))
		case "openai":
			router.AddProvider(openai.New(pc.BaseURL, pc.APIKey, modelOr(pc.Model, cfg.Agent.Model), logger))
		default:
			return nil, apperrors.New(apperrors.CodeInvalidInput, "unknown provider "+pc.Name)
		}
	}

	// 工具层
	sb, err := sandbox.NewProcessSandbox(sandbox.DefaultConfig(), logger)
	if err != nil {
		return nil, err
	}
	registry := domaintool.NewRegistry()
	indexer := codeintel.NewIndexer(logger)

	subagentExec := service.NewSubagentExecutor(3, prompt.SubagentPrompt, logger)
	for kindName, override := range cfg.Subagents {
		client := providerFor(override.Provider, override.APIKey, override.Model, logger)
		if client == nil {
			logger.Warn("Subagent override ignored, unknown provider",
				zap.String("kind", kindName),
				zap.String("provider", override.Provider),
			)
			continue
		}
		subagentExec.SetKindClient(entity.SubagentKind(kindName), client)
	}
	mcpManager := infratool.NewMCPManager(logger)
	manifest := loadMCPManifest(logger)

	deps := infratool.Deps{
		Logger:      logger,
		Sandbox:     sb,
		Indexer:     indexer,
		Todos:       infratool.NewTodoStore(),
		Subagent:    infratool.NewSubagentDeps(subagentExec, router, registry, nil),
		MCPManager:  mcpManager,
		MCPManifest: manifest,
	}
	if err := infratool.RegisterAll(registry, deps); err != nil {
		return nil, err
	}

	// 执行器注册表: 每种执行模式一个
	allocator := workspace.NewAllocator(projectPath, cfg.Orchestrator.UseWorktrees, logger)
	executors := service.NewExecutorRegistry()
	executors.Register(entity.ModeDirect, service.NewDirectExecutor(logger))
	executors.Register(entity.ModeSubagent, subagentExec)
	executors.Register(entity.ModeOrchestration, service.NewWorkerExecutor(cfg.Orchestrator, allocator, logger))

	// 持久化 (sessions.db)
	var repo persistence.SessionRepository
	if db, err := persistence.NewDBConnection(&cfg.Database); err != nil {
		logger.Warn("Session database unavailable, persistence disabled", zap.Error(err))
	} else {
		repo = persistence.NewGormSessionRepository(db)
	}

	return &App{
		Config:      cfg,
		Logger:      logger,
		LLM:         router,
		Registry:    registry,
		Executors:   executors,
		Repo:        repo,
		ProjectPath: projectPath,
		mcpManager:  mcpManager,
	}, nil
}

// NewSession 以应用依赖开启会话
func (a *App) NewSession(mode domaintool.AgentMode) (*Session, error) {
	return NewSession(a.ProjectPath, mode, a.sessionDeps())
}

// ResumeSession 以应用依赖恢复会话
func (a *App) ResumeSession(id string, mode domaintool.AgentMode) (*Session, error) {
	return ResumeSession(id, a.ProjectPath, mode, a.sessionDeps())
}

// NewPlanRunner 构造 plan runner (审批开关取自配置)
func (a *App) NewPlanRunner(mode domaintool.AgentMode) *service.PlanRunner {
	opts := []service.PlanRunnerOption{service.WithAgentMode(mode)}
	if a.Config.Agent.RequireApproval {
		opts = append(opts, service.WithApproval())
	}
	return service.NewPlanRunner(
		a.ProjectPath,
		a.Executors,
		a.LLM,
		a.Registry,
		a.Config.Tools,
		a.Logger,
		opts...,
	)
}

// Shutdown 释放外部资源
func (a *App) Shutdown() {
	if a.mcpManager != nil {
		a.mcpManager.Shutdown()
	}
}

func (a *App) sessionDeps() SessionDeps {
	return SessionDeps{
		LLM:           a.LLM,
		Registry:      a.Registry,
		ToolsConfig:   a.Config.Tools,
		ContextCfg:    a.Config.Context,
		Repo:          a.Repo,
		Logger:        a.Logger,
		Model:         a.Config.Agent.Model,
		MaxIterations: a.Config.Agent.MaxIterations,
	}
}

// providerFor 按名字构造 provider; 未知返回 nil
func providerFor(name, apiKey, model string, logger *zap.Logger) service.LLMClient {
	switch name {
	case "anthropic":
		return anthropic.New("", apiKey, model, logger)
	case "openai":
		return openai.New("", apiKey, model, logger)
	default:
		return nil
	}
}

func modelOr(model, fallback string) string {
	if model != "" {
		return model
	}
	return fallback
}

func loadMCPManifest(logger *zap.Logger) *infratool.MCPManifest {
	dir, err := config.ConfigDir()
	if err != nil {
		return &infratool.MCPManifest{}
	}
	manifest, err := infratool.LoadMCPManifest(filepath.Join(dir, "mcp.yaml"))
	if err != nil {
		logger.Warn("MCP manifest unreadable", zap.Error(err))
		return &infratool.MCPManifest{}
	}
	return manifest
}
