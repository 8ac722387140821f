package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	domaintool "github.com/siddharth-ghatti/safe-coder/internal/domain/tool"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/sandbox"
)

// BashTool 超时受限的 shell 执行。危险命令按配置警告或拒绝。
type BashTool struct {
	sandbox *sandbox.ProcessSandbox
	logger  *zap.Logger
}

// NewBashTool 创建 bash 工具
func NewBashTool(sb *sandbox.ProcessSandbox, logger *zap.Logger) *BashTool {
	return &BashTool{sandbox: sb, logger: logger}
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return `Executes a bash command in the project directory and returns the output.
Commands run under a timeout (default 120s); long output is truncated.
Avoid interactive or long-running commands (top, watch, tail -f).`
}

func (t *BashTool) Mode() domaintool.Mode { return domaintool.ModeBuildOnly }

func (t *BashTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The bash command to execute",
			},
			"timeout": map[string]interface{}{
				"type":        "number",
				"description": "Optional timeout in seconds (default: 120)",
			},
		},
		"required": []string{"command"},
	}
}

func (t *BashTool) Execute(ctx context.Context, input json.RawMessage, tc *domaintool.Context) (string, error) {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := decodeParams(input, &params); err != nil {
		return "", err
	}
	if params.Command == "" {
		return "", domaintool.NewError(domaintool.ErrInvalidArguments, "command is required")
	}

	// 危险命令筛查: 命中模式时按配置警告 (带前缀继续) 或拒绝
	warning := ""
	if pattern := matchDangerous(params.Command, tc.Config.DangerousPatterns); pattern != "" {
		if tc.Config.WarnDangerousCommands {
			warning = fmt.Sprintf("[WARNING] command matches dangerous pattern %q\n", pattern)
			t.logger.Warn("Dangerous command allowed with warning",
				zap.String("pattern", pattern),
			)
		} else {
			return "", domaintool.NewError(domaintool.ErrDangerousRefused,
				fmt.Sprintf("Command refused: matches dangerous pattern %q", pattern))
		}
	}

	timeout := time.Duration(params.Timeout) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(tc.Config.BashTimeoutSecs) * time.Second
	}

	result, err := t.sandbox.ExecuteShell(ctx, params.Command, sandbox.Options{
		WorkDir: tc.WorkingDir,
		Timeout: timeout,
	})
	if err != nil {
		if result != nil && result.Killed {
			return "", domaintool.NewError(domaintool.ErrTimeout,
				fmt.Sprintf("Command timed out after %s", timeout))
		}
		return "", domaintool.WrapError(domaintool.ErrIoFailed, "command execution failed", err)
	}

	var sb strings.Builder
	sb.WriteString(warning)
	sb.WriteString(result.Stdout)
	if result.Stderr != "" {
		if result.Stdout != "" {
			sb.WriteString("\n")
		}
		sb.WriteString(result.Stderr)
	}
	output := sb.String()

	// 输出上限: 截断但保留退出码信息
	if max := tc.Config.MaxOutputBytes; max > 0 && len(output) > max {
		output = fmt.Sprintf("%s\n[Truncated: %d bytes total]", output[:max], len(output))
	}

	if result.ExitCode != 0 {
		output += fmt.Sprintf("\nCommand exited with status: %d", result.ExitCode)
	}
	return output, nil
}

// matchDangerous 返回命中的模式, 未命中返回空串
func matchDangerous(command string, patterns []string) string {
	for _, p := range patterns {
		if p != "" && strings.Contains(command, p) {
			return p
		}
	}
	return ""
}
