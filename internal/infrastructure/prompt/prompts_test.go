package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
)

func touch(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDetectBuildCommand(t *testing.T) {
	tests := []struct {
		marker string
		build  string
	}{
		{"go.mod", "go build ./..."},
		{"Cargo.toml", "cargo build"},
		{"package.json", "npm run build"},
		{"pyproject.toml", ""}, // 非空即可, 单独断言
		{"Makefile", "make"},
	}
	for _, tt := range tests {
		dir := t.TempDir()
		touch(t, dir, tt.marker)
		cmds := DetectBuildCommand(dir)
		if tt.build != "" && cmds.Build != tt.build {
			t.Errorf("%s: expected %q, got %q", tt.marker, tt.build, cmds.Build)
		}
		if cmds.Build == "" {
			t.Errorf("%s: expected a build command", tt.marker)
		}
	}

	empty := DetectBuildCommand(t.TempDir())
	if empty.Build != "" {
		t.Errorf("unknown project should yield no build command, got %q", empty.Build)
	}
}

func TestSubagentPromptDerivesBuildCommand(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "go.mod")

	p := SubagentPrompt(entity.SubagentTester, "", dir)
	if !strings.Contains(p, "go build ./...") {
		t.Errorf("tester prompt should carry the detected build command: %q", p)
	}
	if !strings.Contains(p, "Tester") {
		t.Errorf("prompt should name the role")
	}
}

func TestSubagentPromptAnalyzerIsReadOnly(t *testing.T) {
	p := SubagentPrompt(entity.SubagentCodeAnalyzer, "", t.TempDir())
	if !strings.Contains(p, "read-only") {
		t.Errorf("analyzer prompt should state read-only discipline: %q", p)
	}
}

func TestSubagentPromptCustomRole(t *testing.T) {
	p := SubagentPrompt(entity.SubagentCustom, "security auditor", t.TempDir())
	if !strings.Contains(p, "security auditor") {
		t.Errorf("custom role should appear in prompt: %q", p)
	}
}

func TestSessionSystemPromptPlanMode(t *testing.T) {
	p := SessionSystemPrompt(t.TempDir(), "plan")
	if !strings.Contains(p, "PLAN mode") {
		t.Errorf("plan mode must be announced: %q", p)
	}
}
