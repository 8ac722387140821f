package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	domaincontext "github.com/siddharth-ghatti/safe-coder/internal/domain/context"
	"github.com/siddharth-ghatti/safe-coder/internal/domain/service"
	domaintool "github.com/siddharth-ghatti/safe-coder/internal/domain/tool"
)

// Config 应用配置
type Config struct {
	Log          LogConfig                   `mapstructure:"log"`
	Database     DatabaseConfig              `mapstructure:"database"`
	Agent        AgentConfig                 `mapstructure:"agent"`
	Tools        domaintool.ToolsConfig      `mapstructure:"tools"`
	Context      domaincontext.Config        `mapstructure:"context"`
	Orchestrator service.WorkerConfig        `mapstructure:"orchestrator"`
	Providers    []ProviderConfig            `mapstructure:"providers"`
	Subagents    map[string]SubagentOverride `mapstructure:"subagents"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// AgentConfig Agent 配置
type AgentConfig struct {
	Model           string `mapstructure:"model"`
	MaxIterations   int    `mapstructure:"max_iterations"`
	ExecutionMode   string `mapstructure:"execution_mode"` // Plan, Act
	RequireApproval bool   `mapstructure:"require_approval"`
	Workspace       string `mapstructure:"workspace"`
}

// ProviderConfig LLM provider 配置
type ProviderConfig struct {
	Name    string `mapstructure:"name"` // anthropic, openai
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// SubagentOverride 按种类覆盖 provider/model
type SubagentOverride struct {
	Provider  string `mapstructure:"provider"`
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// ConfigDir 返回 ~/.safe-coder
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home directory unavailable: %w", err)
	}
	return filepath.Join(home, ".safe-coder"), nil
}

// setDefaults 集中登记缺省值
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.type", "sqlite")

	v.SetDefault("agent.model", "claude-sonnet-4-20250514")
	v.SetDefault("agent.max_iterations", 25)
	v.SetDefault("agent.execution_mode", "Act")
	v.SetDefault("agent.require_approval", false)

	tools := domaintool.DefaultToolsConfig()
	v.SetDefault("tools.bash_timeout_secs", tools.BashTimeoutSecs)
	v.SetDefault("tools.max_output_bytes", tools.MaxOutputBytes)
	v.SetDefault("tools.warn_dangerous_commands", tools.WarnDangerousCommands)
	v.SetDefault("tools.dangerous_patterns", tools.DangerousPatterns)

	cm := domaincontext.DefaultConfig()
	v.SetDefault("context.max_tokens", cm.MaxTokens)
	v.SetDefault("context.compact_threshold_pct", cm.CompactThresholdPct)
	v.SetDefault("context.preserve_recent_messages", cm.PreserveRecentMessages)
	v.SetDefault("context.preserve_tool_results", cm.PreserveToolResults)
	v.SetDefault("context.chars_per_token", cm.CharsPerToken)

	wc := service.DefaultWorkerConfig()
	v.SetDefault("orchestrator.max_workers", wc.MaxWorkers)
	v.SetDefault("orchestrator.default_worker", string(wc.DefaultWorker))
	v.SetDefault("orchestrator.worker_strategy", string(wc.Strategy))
	v.SetDefault("orchestrator.use_worktrees", wc.UseWorktrees)
	v.SetDefault("orchestrator.start_delay_ms", wc.StartDelayMs)
	v.SetDefault("orchestrator.stderr_tail_lines", wc.StderrTailLines)
}

// Load 读取 ~/.safe-coder/config.yaml (可缺省) + 环境变量覆盖。
// 环境变量前缀 SAFE_CODER, 点号换下划线 (SAFE_CODER_AGENT_MODEL)。
func Load() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(filepath.Join(dir, "config.yaml"))
}

// LoadFrom 从指定路径读取配置
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SAFE_CODER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// 配置文件可缺省, 其余错误上抛
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Orchestrator.Normalize()

	if cfg.Database.DSN == "" {
		dir, err := ConfigDir()
		if err == nil {
			cfg.Database.DSN = filepath.Join(dir, "sessions.db")
		}
	}
	return &cfg, nil
}

// Watcher 热重载安全键 (日志级别、危险模式列表等)。
type Watcher struct {
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
	watcher  *fsnotify.Watcher
}

// NewWatcher 监听配置文件变化
func NewWatcher(path string, initial *Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{current: initial, watcher: fsw}

	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Name != path || !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				cfg, err := LoadFrom(path)
				if err != nil {
					continue
				}
				w.mu.Lock()
				w.current = cfg
				callbacks := append([]func(*Config){}, w.onChange...)
				w.mu.Unlock()
				for _, cb := range callbacks {
					cb(cfg)
				}
			case _, ok := <-fsw.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return w, nil
}

// Current 当前配置快照
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange 注册变更回调
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Close 停止监听
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
