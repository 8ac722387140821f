package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
)

// BuildCommands 项目的构建/测试命令, 从项目类型探测得出。
type BuildCommands struct {
	Build string
	Test  string
}

// DetectBuildCommand 检查项目标志文件推导构建命令, 而不是在提示词里
// 硬编码特定语言的文本。
func DetectBuildCommand(projectPath string) BuildCommands {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(projectPath, name))
		return err == nil
	}

	switch {
	case exists("go.mod"):
		return BuildCommands{Build: "go build ./...", Test: "go test ./..."}
	case exists("Cargo.toml"):
		return BuildCommands{Build: "cargo build", Test: "cargo test"}
	case exists("package.json"):
		return BuildCommands{Build: "npm run build", Test: "npm test"}
	case exists("pyproject.toml"), exists("setup.py"):
		return BuildCommands{Build: "python -m py_compile $(git ls-files '*.py')", Test: "pytest"}
	case exists("Makefile"):
		return BuildCommands{Build: "make", Test: "make test"}
	default:
		return BuildCommands{}
	}
}

// SessionSystemPrompt 主会话系统提示词
func SessionSystemPrompt(projectPath string, mode string) string {
	var sb strings.Builder
	sb.WriteString("You are Safe-Coder, an interactive coding assistant working in ")
	sb.WriteString(projectPath)
	sb.WriteString(".\n\n")
	sb.WriteString("Use the available tools to read, search, and modify code. ")
	sb.WriteString("Prefer small, verifiable changes. Report what you changed and why.\n")

	if mode == "plan" {
		sb.WriteString("\nYou are in PLAN mode: analyze and propose changes, but do not modify any files. ")
		sb.WriteString("Tools that mutate the working tree are unavailable.\n")
	}

	cmds := DetectBuildCommand(projectPath)
	if cmds.Build != "" {
		fmt.Fprintf(&sb, "\nProject build command: %s\nProject test command: %s\n", cmds.Build, cmds.Test)
	}
	return sb.String()
}

// subagentBasePrompt 所有子代理共享的纪律要求
const subagentBasePrompt = `You are an autonomous subagent with a restricted toolset and a single focused task.

Discipline:
1. Discover context yourself: read the relevant files before changing anything.
2. After every edit, verify with the project's build command and fix what broke.
3. Stay inside your task scope; do not refactor unrelated code.
4. Finish with a concise summary of what you did and what remains.`

// SubagentPrompt 按种类生成系统提示词。构建命令来自项目类型探测。
func SubagentPrompt(kind entity.SubagentKind, role, projectPath string) string {
	var sb strings.Builder
	sb.WriteString(subagentBasePrompt)
	sb.WriteString("\n\n")

	switch kind {
	case entity.SubagentCodeAnalyzer:
		sb.WriteString("Role: Code Analyzer. You are read-only — analyze structure, patterns, and potential issues; never attempt modifications.")
	case entity.SubagentTester:
		sb.WriteString("Role: Tester. Write focused tests for the requested behavior and run them. Iterate edit → build → fix until the suite is coherent.")
	case entity.SubagentRefactorer:
		sb.WriteString("Role: Refactorer. Make targeted improvements with exact-string edits. Keep behavior identical; verify with the build after each change.")
	case entity.SubagentDocumenter:
		sb.WriteString("Role: Documenter. Generate or update documentation matching the existing style of the project.")
	default:
		if role != "" {
			sb.WriteString("Role: " + role)
		} else {
			sb.WriteString("Role: General assistant (read-only by default).")
		}
	}

	cmds := DetectBuildCommand(projectPath)
	if cmds.Build != "" {
		fmt.Fprintf(&sb, "\n\nBuild with: %s\nTest with: %s", cmds.Build, cmds.Test)
	}
	return sb.String()
}
