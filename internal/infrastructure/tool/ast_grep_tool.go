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

// astGrepLanguages 支持的结构化搜索语言
var astGrepLanguages = map[string]string{
	"rust":       "rust",
	"typescript": "ts",
	"javascript": "js",
	"python":     "python",
	"go":         "go",
}

// AstGrepTool 基于 ast-grep 的树结构搜索。
// 进程内校验语言集合, 实际匹配交给外部 ast-grep 二进制。
type AstGrepTool struct {
	sandbox *sandbox.ProcessSandbox
	logger  *zap.Logger
}

// NewAstGrepTool 创建结构化搜索工具
func NewAstGrepTool(sb *sandbox.ProcessSandbox, logger *zap.Logger) *AstGrepTool {
	return &AstGrepTool{sandbox: sb, logger: logger}
}

func (t *AstGrepTool) Name() string { return "ast_grep" }

func (t *AstGrepTool) Description() string {
	return `Structural code search using AST patterns (e.g. 'fn $NAME($$$ARGS)').
Supported languages: rust, typescript, javascript, python, go.`
}

func (t *AstGrepTool) Mode() domaintool.Mode { return domaintool.ModeBoth }

func (t *AstGrepTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pattern": map[string]interface{}{
				"type":        "string",
				"description": "AST pattern to search for",
			},
			"language": map[string]interface{}{
				"type":        "string",
				"description": "Language: rust, typescript, javascript, python, go",
			},
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Optional subdirectory to search (default: project root)",
			},
		},
		"required": []string{"pattern", "language"},
	}
}

func (t *AstGrepTool) Execute(ctx context.Context, input json.RawMessage, tc *domaintool.Context) (string, error) {
	var params struct {
		Pattern  string `json:"pattern"`
		Language string `json:"language"`
		Path     string `json:"path"`
	}
	if err := decodeParams(input, &params); err != nil {
		return "", err
	}

	lang, ok := astGrepLanguages[strings.ToLower(params.Language)]
	if !ok {
		return "", domaintool.NewError(domaintool.ErrInvalidArguments,
			fmt.Sprintf("Unsupported language %q (supported: rust, typescript, javascript, python, go)", params.Language))
	}
	if params.Pattern == "" {
		return "", domaintool.NewError(domaintool.ErrInvalidArguments, "pattern is required")
	}

	searchPath := "."
	if params.Path != "" {
		searchPath = params.Path
	}

	result, err := t.sandbox.Execute(ctx, "ast-grep",
		[]string{"run", "--pattern", params.Pattern, "--lang", lang, searchPath},
		sandbox.Options{WorkDir: tc.WorkingDir, Timeout: 60 * time.Second},
	)
	if err != nil {
		if result != nil && result.Killed {
			return "", domaintool.NewError(domaintool.ErrTimeout, "ast-grep timed out")
		}
		return "", domaintool.WrapError(domaintool.ErrIoFailed,
			"ast-grep unavailable (is the ast-grep binary installed?)", err)
	}
	if result.ExitCode != 0 && result.Stderr != "" {
		return "", domaintool.NewError(domaintool.ErrIoFailed,
			fmt.Sprintf("ast-grep failed: %s", strings.TrimSpace(result.Stderr)))
	}

	out := strings.TrimSpace(result.Stdout)
	if out == "" {
		return "No structural matches for pattern: " + params.Pattern, nil
	}
	if max := tc.Config.MaxOutputBytes; max > 0 && len(out) > max {
		out = fmt.Sprintf("%s\n[Truncated: %d bytes total]", out[:max], len(out))
	}
	return out, nil
}
