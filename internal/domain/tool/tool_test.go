package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
)

type stubTool struct {
	name string
	mode Mode
	out  string
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "stub" }
func (t *stubTool) Mode() Mode          { return t.mode }
func (t *stubTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (t *stubTool) Execute(ctx context.Context, input json.RawMessage, tc *Context) (string, error) {
	return t.out, nil
}

func buildCtx(mode AgentMode) *Context {
	return NewContext("/tmp", DefaultToolsConfig(), mode)
}

func TestRegistryRegisterAndDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubTool{name: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&stubTool{name: "a"}); err == nil {
		t.Fatal("duplicate registration must fail")
	}
	if !r.Has("a") {
		t.Fatal("registered tool missing")
	}
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "ghost", nil, buildCtx(ModeBuild))
	var te *Error
	if !errors.As(err, &te) || te.Kind != ErrNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestRegistryModeGating(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(&stubTool{name: "write_file", mode: ModeBuildOnly, out: "written"})
	_ = r.Register(&stubTool{name: "read_file", mode: ModeBoth, out: "content"})

	// Plan 模式: 只读放行, 写被拒
	if _, err := r.Execute(context.Background(), "read_file", nil, buildCtx(ModePlan)); err != nil {
		t.Fatalf("read should pass in plan mode: %v", err)
	}
	_, err := r.Execute(context.Background(), "write_file", nil, buildCtx(ModePlan))
	var te *Error
	if !errors.As(err, &te) || te.Kind != ErrModeDisallowed {
		t.Fatalf("expected mode_disallowed, got %v", err)
	}

	// Build 模式放行
	if _, err := r.Execute(context.Background(), "write_file", nil, buildCtx(ModeBuild)); err != nil {
		t.Fatalf("write should pass in build mode: %v", err)
	}
}

func TestDefinitionsFiltered(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(&stubTool{name: "a"})
	_ = r.Register(&stubTool{name: "b"})
	_ = r.Register(&stubTool{name: "c"})

	defs := r.DefinitionsFiltered([]string{"a", "c"})
	if len(defs) != 2 {
		t.Fatalf("expected 2 defs, got %d", len(defs))
	}
	names := map[string]bool{}
	for _, d := range defs {
		names[d.Name] = true
	}
	if !names["a"] || !names["c"] || names["b"] {
		t.Fatalf("wrong filter result: %v", names)
	}

	all := r.Definitions()
	if len(all) != 3 {
		t.Fatalf("nil filter must return all, got %d", len(all))
	}
	var _ []entity.ToolDefinition = all
}

func TestRestrictedDropsSubagent(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(&stubTool{name: "read_file"})
	_ = r.Register(&stubTool{name: "subagent"})

	sub := r.Restricted([]string{"read_file", "subagent"})
	if sub.Has("subagent") {
		t.Fatal("restricted registries never expose subagent")
	}
	if !sub.Has("read_file") {
		t.Fatal("whitelisted tool missing")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := WrapError(ErrIoFailed, "io blew up", cause)
	if !errors.Is(err, cause) {
		t.Fatal("wrapped cause must unwrap")
	}
}
