package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
)

// AgentMode 会话模式 — Plan 模式下禁止一切修改工作区的工具。
type AgentMode string

const (
	ModePlan  AgentMode = "plan"
	ModeBuild AgentMode = "build"
)

// Mode 工具的模式门控声明
type Mode int

const (
	// ModeBoth 两种模式均可执行 (只读工具)
	ModeBoth Mode = iota
	// ModeBuildOnly 仅 Build 模式可执行 (修改工作区的工具)
	ModeBuildOnly
	// ModePlanOnly 仅 Plan 模式可执行
	ModePlanOnly
)

// AllowedIn 检查模式门控
func (m Mode) AllowedIn(mode AgentMode) bool {
	switch m {
	case ModeBuildOnly:
		return mode == ModeBuild
	case ModePlanOnly:
		return mode == ModePlan
	default:
		return true
	}
}

// ErrorKind 工具错误分类
type ErrorKind string

const (
	ErrNotFound         ErrorKind = "not_found"
	ErrInvalidArguments ErrorKind = "invalid_arguments"
	ErrModeDisallowed   ErrorKind = "mode_disallowed"
	ErrDangerousRefused ErrorKind = "dangerous_refused"
	ErrIoFailed         ErrorKind = "io_failed"
	ErrTimeout          ErrorKind = "timeout"
	ErrOutputTooLarge   ErrorKind = "output_too_large"
	ErrInternal         ErrorKind = "internal"
)

// Error 类型化的工具错误。Message 会原样作为 ToolResult 回给模型。
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NewError 构造工具错误
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError 包装底层错误
func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// ToolsConfig 工具层配置 (超时、输出上限、危险命令)
type ToolsConfig struct {
	BashTimeoutSecs       int      `mapstructure:"bash_timeout_secs"`
	MaxOutputBytes        int      `mapstructure:"max_output_bytes"`
	WarnDangerousCommands bool     `mapstructure:"warn_dangerous_commands"`
	DangerousPatterns     []string `mapstructure:"dangerous_patterns"`
}

// DefaultToolsConfig 默认值
func DefaultToolsConfig() ToolsConfig {
	return ToolsConfig{
		BashTimeoutSecs:       120,
		MaxOutputBytes:        64 * 1024,
		WarnDangerousCommands: true,
		DangerousPatterns: []string{
			"rm -rf /",
			"rm -rf ~",
			"mkfs",
			"dd if=",
			":(){ :|:& };:",
			"> /dev/sda",
			"chmod -R 777 /",
		},
	}
}

// Context 工具执行环境: 工作目录、配置、当前会话模式。
type Context struct {
	WorkingDir string
	Config     ToolsConfig
	Mode       AgentMode
}

// NewContext 构造执行上下文
func NewContext(workingDir string, cfg ToolsConfig, mode AgentMode) *Context {
	return &Context{WorkingDir: workingDir, Config: cfg, Mode: mode}
}

// Tool 工具接口 - 所有可执行工具的抽象。
// Execute 的输出是回给模型的单个字符串; 二进制数据不支持。
type Tool interface {
	// Name 返回工具名称 (注册表内唯一)
	Name() string
	// Description 返回工具描述
	Description() string
	// InputSchema 返回参数的 JSON Schema
	InputSchema() map[string]interface{}
	// Mode 返回模式门控声明
	Mode() Mode
	// Execute 执行工具
	Execute(ctx context.Context, input json.RawMessage, tc *Context) (string, error)
}

// Registry 工具注册表。构建完成后不可变地共享; 注册阶段持锁。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register 注册工具; 重名返回错误
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Unregister 注销工具
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("tool %s not found", name)
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get 获取工具
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has 检查工具是否存在
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names 返回注册顺序的工具名
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions 返回全部工具定义 (传给模型)
func (r *Registry) Definitions() []entity.ToolDefinition {
	return r.DefinitionsFiltered(nil)
}

// DefinitionsFiltered 返回白名单过滤后的工具定义。
// allowed 为 nil 表示不过滤。
func (r *Registry) DefinitionsFiltered(allowed []string) []entity.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	allowSet := map[string]bool{}
	for _, n := range allowed {
		allowSet[n] = true
	}

	defs := make([]entity.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		if allowed != nil && !allowSet[name] {
			continue
		}
		t := r.tools[name]
		defs = append(defs, entity.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}

// Restricted 返回仅含白名单工具的新注册表 (用于子代理)。
// subagent 工具总是被剔除: 子代理不能再派生子代理。
func (r *Registry) Restricted(allowed []string) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub := NewRegistry()
	allowSet := map[string]bool{}
	for _, n := range allowed {
		allowSet[n] = true
	}
	for _, name := range r.order {
		if !allowSet[name] || name == "subagent" {
			continue
		}
		_ = sub.Register(r.tools[name])
	}
	return sub
}

// Execute 查找并执行工具, 施加模式门控。
// 所有失败都会归一成 *Error, 其 Message 可直接回给模型。
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage, tc *Context) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", NewError(ErrNotFound, fmt.Sprintf("Tool '%s' not found", name))
	}
	if !t.Mode().AllowedIn(tc.Mode) {
		return "", NewError(ErrModeDisallowed,
			fmt.Sprintf("Tool '%s' is not available in %s mode", name, tc.Mode))
	}
	out, err := t.Execute(ctx, input, tc)
	if err != nil {
		var te *Error
		if errors.As(err, &te) {
			return "", te
		}
		return "", WrapError(ErrInternal, fmt.Sprintf("tool %s failed", name), err)
	}
	return out, nil
}

// SortedNames 返回排序后的工具名 (用于展示)
func (r *Registry) SortedNames() []string {
	names := r.Names()
	sort.Strings(names)
	return names
}
