package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Config 沙箱配置。沙箱提供进程组隔离和超时, 不提供文件系统隔离。
type Config struct {
	DefaultTimeout time.Duration // 缺省执行超时
	TempDir        string        // 临时文件目录
	EnableNetwork  bool          // 是否透传代理环境变量
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		DefaultTimeout: 120 * time.Second,
		TempDir:        filepath.Join(os.TempDir(), "safe-coder-sandbox"),
		EnableNetwork:  true,
	}
}

// ProcessSandbox 进程级沙箱 — bash 工具和外部结构化搜索的执行载体。
type ProcessSandbox struct {
	config *Config
	logger *zap.Logger
}

// NewProcessSandbox 创建进程沙箱
func NewProcessSandbox(config *Config, logger *zap.Logger) (*ProcessSandbox, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := os.MkdirAll(config.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	return &ProcessSandbox{config: config, logger: logger}, nil
}

// Result 执行结果
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	Killed   bool // 被超时杀死
}

// Options 单次执行选项
type Options struct {
	WorkDir string        // 工作目录 (必填)
	Timeout time.Duration // 0 = 沙箱缺省超时
}

// Execute 执行命令。超时返回 Killed=true 的结果和错误;
// 非零退出码不视为 error, 由调用方决定语义。
func (s *ProcessSandbox) Execute(ctx context.Context, command string, args []string, opts Options) (*Result, error) {
	start := time.Now()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.config.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, command, args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = s.buildEnvironment()
	// 新进程组: 超时连同子进程一起终止
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.logger.Debug("Executing sandboxed command",
		zap.String("command", command),
		zap.String("work_dir", opts.WorkDir),
		zap.Duration("timeout", timeout),
	)

	err := cmd.Run()

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if execCtx.Err() == context.DeadlineExceeded {
		result.Killed = true
		result.ExitCode = -1
		return result, fmt.Errorf("command timed out after %v", timeout)
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return result, fmt.Errorf("execution failed: %w", err)
		}
	}

	return result, nil
}

// ExecuteShell 执行 shell 命令字符串
func (s *ProcessSandbox) ExecuteShell(ctx context.Context, command string, opts Options) (*Result, error) {
	return s.Execute(ctx, "bash", []string{"-c", command}, opts)
}

// buildEnvironment 构建受控环境变量
func (s *ProcessSandbox) buildEnvironment() []string {
	sysPath := os.Getenv("PATH")
	if sysPath == "" {
		sysPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	}
	home, _ := os.UserHomeDir()

	env := []string{
		"PATH=" + sysPath,
		"HOME=" + home,
		"TMPDIR=" + s.config.TempDir,
		"LANG=en_US.UTF-8",
		"LC_ALL=en_US.UTF-8",
		"USER=" + os.Getenv("USER"),
	}

	if s.config.EnableNetwork {
		for _, key := range []string{"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY"} {
			if v := os.Getenv(key); v != "" {
				env = append(env, key+"="+v)
			}
		}
	}
	return env
}
