package application

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	contextmgr "github.com/siddharth-ghatti/safe-coder/internal/domain/context"
	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
	"github.com/siddharth-ghatti/safe-coder/internal/domain/service"
	domaintool "github.com/siddharth-ghatti/safe-coder/internal/domain/tool"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/eventbus"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/eventlog"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/persistence"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/prompt"
	"github.com/siddharth-ghatti/safe-coder/pkg/safego"
)

// SessionDeps 会话依赖
type SessionDeps struct {
	LLM         service.LLMClient
	Registry    *domaintool.Registry
	ToolsConfig domaintool.ToolsConfig
	ContextCfg  contextmgr.Config
	Repo        persistence.SessionRepository
	Logger      *zap.Logger

	Model         string
	MaxIterations int
}

// Session 一次长会话: 独占自己的消息历史、上下文管理器、事件日志
// 和一个 planner 句柄。单写者 — 同一历史绝不并发两个 LLM 请求。
type Session struct {
	ID          string
	ProjectPath string
	Mode        domaintool.AgentMode

	deps     SessionDeps
	messages []entity.Message
	ctxMgr   *contextmgr.Manager
	eventLog *eventlog.Logger
	bus      *eventbus.Bus
	cancel   context.CancelFunc
	logger   *zap.Logger
}

// NewSession 创建新会话并打开事件日志
func NewSession(projectPath string, mode domaintool.AgentMode, deps SessionDeps) (*Session, error) {
	id := uuid.New().String()[:8]

	log, err := eventlog.New(id, projectPath, deps.Model)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	if err := log.Log(eventlog.Event{
		Type:        eventlog.EventSessionStart,
		SessionID:   id,
		ProjectPath: projectPath,
		Model:       deps.Model,
	}); err != nil {
		return nil, err
	}

	return &Session{
		ID:          id,
		ProjectPath: projectPath,
		Mode:        mode,
		deps:        deps,
		ctxMgr:      contextmgr.NewManagerWithConfig(deps.ContextCfg),
		eventLog:    log,
		bus:         eventbus.NewBus(256, deps.Logger),
		logger:      deps.Logger.With(zap.String("session_id", id)),
	}, nil
}

// ResumeSession 按 id 恢复会话: 回放 JSONL 日志重建消息历史,
// 追加 SessionResumed 事件。
func ResumeSession(id, projectPath string, mode domaintool.AgentMode, deps SessionDeps) (*Session, error) {
	messages, err := eventlog.LoadMessages(id)
	if err != nil {
		return nil, err
	}
	log, err := eventlog.Resume(id)
	if err != nil {
		return nil, err
	}
	if err := log.LogSessionResumed(id, len(messages)); err != nil {
		return nil, err
	}

	s := &Session{
		ID:          id,
		ProjectPath: projectPath,
		Mode:        mode,
		deps:        deps,
		messages:    messages,
		ctxMgr:      contextmgr.NewManagerWithConfig(deps.ContextCfg),
		eventLog:    log,
		bus:         eventbus.NewBus(256, deps.Logger),
		logger:      deps.Logger.With(zap.String("session_id", id)),
	}
	return s, nil
}

// Subscribe 订阅会话事件流
func (s *Session) Subscribe() *eventbus.Subscription {
	return s.bus.Subscribe()
}

// Messages 当前历史快照
func (s *Session) Messages() []entity.Message {
	out := make([]entity.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// SetMode 切换 Plan/Build 模式
func (s *Session) SetMode(mode domaintool.AgentMode) { s.Mode = mode }

// ProcessMessage 处理一条用户输入: 驱动 agent loop 到完成,
// 把每个状态转换写入事件日志并广播。
func (s *Session) ProcessMessage(ctx context.Context, text string) (*service.LoopResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer func() { s.cancel = nil }()

	_ = s.eventLog.LogUserMessage(text)
	userMsg := entity.NewUserMessage(text)
	_ = s.eventLog.LogMessage(userMsg)
	s.messages = append(s.messages, userMsg)

	toolCtx := domaintool.NewContext(s.ProjectPath, s.deps.ToolsConfig, s.Mode)
	loop := service.NewAgentLoop(
		s.deps.LLM,
		s.deps.Registry,
		s.ctxMgr,
		toolCtx,
		service.AgentLoopConfig{
			SystemPrompt:  prompt.SessionSystemPrompt(s.ProjectPath, string(s.Mode)),
			MaxIterations: s.deps.MaxIterations,
		},
		s.logger,
	)
	loop.SetCompactionHook(func(info service.CompactionInfo) {
		_ = s.eventLog.LogCompaction(info.MessagesBefore, info.MessagesAfter, info.TokensBefore, info.TokensAfter)
	})
	loop.SetUsageHook(func(usage entity.Usage) {
		_ = s.eventLog.LogTokenUsage(usage)
	})

	eventCh := make(chan entity.AgentEvent, 256)
	done := make(chan struct{})
	safego.Go(s.logger, "session-event-pump", func() {
		defer close(done)
		for ev := range eventCh {
			s.recordAgentEvent(ev)
			s.bus.Publish(eventbus.NewEvent(eventbus.TypeAgentEvent, s.ID, ev))
		}
	})

	// 历史的增量 (assistant 消息 + 工具结果) 在循环结束后统一落日志
	before := len(s.messages)
	res := loop.Run(runCtx, s.messages, eventCh)
	<-done

	s.messages = res.Messages
	for _, msg := range s.messages[start(before, len(s.messages)):] {
		_ = s.eventLog.LogMessage(msg)
	}
	if res.FinalText != "" {
		_ = s.eventLog.LogAssistantMessage(res.FinalText)
	}

	switch res.Status {
	case service.LoopFailed:
		errText := "unknown failure"
		if res.Err != nil {
			errText = res.Err.Error()
		}
		_ = s.eventLog.LogError(errText, "agent loop")
	case service.LoopCancelled:
		_ = s.eventLog.LogSessionEnd("cancelled", len(s.messages))
	}

	s.persist(ctx)
	return res, nil
}

// 防御: 压缩可能让历史变短
func start(before, now int) int {
	if before < now {
		return before
	}
	return now
}

// Cancel 取消当前处理 (当前工具调用允许完成)
func (s *Session) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Close 结束会话
func (s *Session) Close(reason string) {
	_ = s.eventLog.LogSessionEnd(reason, len(s.messages))
	_ = s.eventLog.Close()
	s.bus.Close()
}

// TokenUsage 累计 token (输入, 输出)
func (s *Session) TokenUsage() (int, int) {
	return s.eventLog.CumulativeTokens()
}

// ContextUsage 上下文占用展示串
func (s *Session) ContextUsage() string {
	return s.ctxMgr.UsageDisplay(s.messages)
}

// recordAgentEvent 把循环事件落到 JSONL
func (s *Session) recordAgentEvent(ev entity.AgentEvent) {
	switch ev.Type {
	case entity.EventToolStart:
		if ev.ToolCall != nil {
			_ = s.eventLog.LogToolExecution(ev.ToolCall.Name, ev.ToolCall.ID, ev.ToolCall.Input)
		}
	case entity.EventToolOutput:
		if ev.ToolCall != nil {
			_ = s.eventLog.LogToolResult(ev.ToolCall.ID, ev.ToolCall.Success, ev.ToolCall.Output)
		}
	case entity.EventError:
		_ = s.eventLog.LogError(ev.Error, "agent loop")
	}
}

// persist 同步会话快照到 sessions.db
func (s *Session) persist(ctx context.Context) {
	if s.deps.Repo == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.deps.Repo.Save(saveCtx, &persistence.SessionRecord{
		ID:          s.ID,
		ProjectPath: s.ProjectPath,
		Messages:    s.messages,
	}); err != nil {
		s.logger.Warn("Session persist failed", zap.Error(err))
	}
}
