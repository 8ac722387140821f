package tool

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"go.uber.org/zap"

	domaintool "github.com/siddharth-ghatti/safe-coder/internal/domain/tool"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/sandbox"
)

func testCtx(t *testing.T) *domaintool.Context {
	t.Helper()
	return domaintool.NewContext(t.TempDir(), domaintool.DefaultToolsConfig(), domaintool.ModeBuild)
}

func mustWrite(t *testing.T, tc *domaintool.Context, rel, content string) {
	t.Helper()
	path := filepath.Join(tc.WorkingDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func input(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestReadWriteRoundTrip(t *testing.T) {
	tc := testCtx(t)
	w := &WriteFileTool{}
	r := &ReadFileTool{}

	out, err := w.Execute(context.Background(), input(t, map[string]string{
		"file_path": "notes/a.txt", "content": "hello",
	}), tc)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "a.txt") {
		t.Fatalf("unexpected write output: %q", out)
	}

	content, err := r.Execute(context.Background(), input(t, map[string]string{
		"file_path": "notes/a.txt",
	}), tc)
	if err != nil {
		t.Fatal(err)
	}
	if content != "hello" {
		t.Fatalf("round trip mismatch: %q", content)
	}
}

func TestReadMissingFile(t *testing.T) {
	tc := testCtx(t)
	r := &ReadFileTool{}
	_, err := r.Execute(context.Background(), input(t, map[string]string{"file_path": "nope.txt"}), tc)
	var te *domaintool.Error
	if !errors.As(err, &te) || te.Kind != domaintool.ErrIoFailed {
		t.Fatalf("expected io_failed, got %v", err)
	}
}

func TestEditReplacesFirstOccurrence(t *testing.T) {
	tc := testCtx(t)
	mustWrite(t, tc, "src/lib.rs", "fn foo() {}\nfn call() { foo(); }\n")

	e := &EditFileTool{}
	_, err := e.Execute(context.Background(), input(t, map[string]interface{}{
		"file_path": "src/lib.rs", "old_string": "fn foo", "new_string": "fn bar",
	}), tc)
	if err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(filepath.Join(tc.WorkingDir, "src/lib.rs"))
	if got := string(data); got != "fn bar() {}\nfn call() { foo(); }\n" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestEditReplaceAll(t *testing.T) {
	tc := testCtx(t)
	mustWrite(t, tc, "src/lib.rs", "foo foo foo")

	e := &EditFileTool{}
	_, err := e.Execute(context.Background(), input(t, map[string]interface{}{
		"file_path": "src/lib.rs", "old_string": "foo", "new_string": "bar", "replace_all": true,
	}), tc)
	if err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(filepath.Join(tc.WorkingDir, "src/lib.rs"))
	if string(data) != "bar bar bar" {
		t.Fatalf("replace_all failed: %q", data)
	}
}

func TestEditStringNotFound(t *testing.T) {
	tc := testCtx(t)
	mustWrite(t, tc, "a.txt", "content")

	e := &EditFileTool{}
	_, err := e.Execute(context.Background(), input(t, map[string]interface{}{
		"file_path": "a.txt", "old_string": "missing", "new_string": "x",
	}), tc)
	if err == nil || !strings.Contains(err.Error(), "String not found in file") {
		t.Fatalf("expected string-not-found error, got %v", err)
	}
}

func TestListFile(t *testing.T) {
	tc := testCtx(t)
	mustWrite(t, tc, "a.txt", "x")
	mustWrite(t, tc, "sub/b.txt", "y")

	l := &ListFileTool{}
	out, err := l.Execute(context.Background(), input(t, map[string]string{}), tc)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "a.txt") || !strings.Contains(out, "sub/") {
		t.Fatalf("unexpected listing: %q", out)
	}
}

func TestGlobMatches(t *testing.T) {
	tc := testCtx(t)
	mustWrite(t, tc, "x/main.go", "package main")
	mustWrite(t, tc, "x/util.go", "package main")
	mustWrite(t, tc, "readme.md", "#")

	g := &GlobTool{}
	out, err := g.Execute(context.Background(), input(t, map[string]string{"pattern": "**/*.go"}), tc)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "x/main.go") || !strings.Contains(out, "x/util.go") {
		t.Fatalf("glob missed files: %q", out)
	}
	if strings.Contains(out, "readme.md") {
		t.Fatalf("glob overmatched: %q", out)
	}
}

func TestGrepFindsLines(t *testing.T) {
	tc := testCtx(t)
	mustWrite(t, tc, "code.go", "package main\nfunc Hello() {}\n")

	g := NewGrepTool(zap.NewNop())
	out, err := g.Execute(context.Background(), input(t, map[string]string{"pattern": `func \w+`}), tc)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "code.go:2:func Hello() {}") {
		t.Fatalf("grep output wrong: %q", out)
	}
}

func TestGrepInvalidRegex(t *testing.T) {
	tc := testCtx(t)
	g := NewGrepTool(zap.NewNop())
	_, err := g.Execute(context.Background(), input(t, map[string]string{"pattern": "("}), tc)
	var te *domaintool.Error
	if !errors.As(err, &te) || te.Kind != domaintool.ErrInvalidArguments {
		t.Fatalf("expected invalid_arguments, got %v", err)
	}
}

func newBash(t *testing.T) *BashTool {
	t.Helper()
	sb, err := sandbox.NewProcessSandbox(&sandbox.Config{
		DefaultTimeout: sandbox.DefaultConfig().DefaultTimeout,
		TempDir:        t.TempDir(),
		EnableNetwork:  false,
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return NewBashTool(sb, zap.NewNop())
}

func TestBashRunsCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires bash")
	}
	tc := testCtx(t)
	b := newBash(t)

	out, err := b.Execute(context.Background(), input(t, map[string]string{"command": "echo one && echo two"}), tc)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "one") || !strings.Contains(out, "two") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestBashExitCodePreserved(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires bash")
	}
	tc := testCtx(t)
	b := newBash(t)

	out, err := b.Execute(context.Background(), input(t, map[string]string{"command": "exit 7"}), tc)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Command exited with status: 7") {
		t.Fatalf("exit code missing: %q", out)
	}
}

func TestBashOutputTruncated(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires bash")
	}
	tc := testCtx(t)
	tc.Config.MaxOutputBytes = 100
	b := newBash(t)

	out, err := b.Execute(context.Background(), input(t, map[string]string{
		"command": "yes x | head -c 5000",
	}), tc)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "[Truncated:") || !strings.Contains(out, "bytes total]") {
		t.Fatalf("expected truncation marker: %q", out)
	}
}

func TestBashDangerousBlocked(t *testing.T) {
	tc := testCtx(t)
	tc.Config.WarnDangerousCommands = false
	b := newBash(t)

	_, err := b.Execute(context.Background(), input(t, map[string]string{"command": "rm -rf / --no-preserve-root"}), tc)
	var te *domaintool.Error
	if !errors.As(err, &te) || te.Kind != domaintool.ErrDangerousRefused {
		t.Fatalf("expected dangerous_refused, got %v", err)
	}
}

func TestBashDangerousWarns(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires bash")
	}
	tc := testCtx(t)
	tc.Config.WarnDangerousCommands = true
	b := newBash(t)

	out, err := b.Execute(context.Background(), input(t, map[string]string{"command": "echo rm -rf / done"}), tc)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "[WARNING]") {
		t.Fatalf("expected warning prefix, got %q", out)
	}
}

func TestTodoTools(t *testing.T) {
	tc := testCtx(t)
	store := NewTodoStore()
	w := NewTodoWriteTool(store)
	r := NewTodoReadTool(store)

	if _, err := w.Execute(context.Background(), input(t, map[string]interface{}{
		"todos": []map[string]string{
			{"content": "write tests", "status": "in_progress"},
			{"content": "ship", "status": "pending"},
		},
	}), tc); err != nil {
		t.Fatal(err)
	}

	out, err := r.Execute(context.Background(), input(t, map[string]string{}), tc)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "write tests") || !strings.Contains(out, "[>]") {
		t.Fatalf("unexpected todo list: %q", out)
	}
}

func TestTodoWriteRejectsBadStatus(t *testing.T) {
	tc := testCtx(t)
	w := NewTodoWriteTool(NewTodoStore())
	_, err := w.Execute(context.Background(), input(t, map[string]interface{}{
		"todos": []map[string]string{{"content": "x", "status": "someday"}},
	}), tc)
	if err == nil {
		t.Fatal("expected status validation error")
	}
}
