package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	domaintool "github.com/siddharth-ghatti/safe-coder/internal/domain/tool"
)

// TodoItem 待办项
type TodoItem struct {
	Content string `json:"content"`
	Status  string `json:"status"` // pending, in_progress, completed
}

// TodoStore 会话级共享的待办列表 (todowrite / todoread 共用)
type TodoStore struct {
	mu    sync.Mutex
	items []TodoItem
}

// NewTodoStore 创建空列表
func NewTodoStore() *TodoStore {
	return &TodoStore{}
}

// Replace 整体替换
func (s *TodoStore) Replace(items []TodoItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = items
}

// Items 当前快照
func (s *TodoStore) Items() []TodoItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TodoItem, len(s.items))
	copy(out, s.items)
	return out
}

// TodoWriteTool 写入待办列表
type TodoWriteTool struct {
	store *TodoStore
}

// NewTodoWriteTool 创建 todowrite
func NewTodoWriteTool(store *TodoStore) *TodoWriteTool {
	return &TodoWriteTool{store: store}
}

func (t *TodoWriteTool) Name() string { return "todowrite" }

func (t *TodoWriteTool) Description() string {
	return "Replaces the session todo list. Each item has content and a status (pending, in_progress, completed)."
}

func (t *TodoWriteTool) Mode() domaintool.Mode { return domaintool.ModeBoth }

func (t *TodoWriteTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"todos": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"content": map[string]interface{}{"type": "string"},
						"status":  map[string]interface{}{"type": "string"},
					},
					"required": []string{"content", "status"},
				},
			},
		},
		"required": []string{"todos"},
	}
}

func (t *TodoWriteTool) Execute(ctx context.Context, input json.RawMessage, tc *domaintool.Context) (string, error) {
	var params struct {
		Todos []TodoItem `json:"todos"`
	}
	if err := decodeParams(input, &params); err != nil {
		return "", err
	}
	for i, item := range params.Todos {
		switch item.Status {
		case "pending", "in_progress", "completed":
		default:
			return "", domaintool.NewError(domaintool.ErrInvalidArguments,
				fmt.Sprintf("todo %d has invalid status %q", i+1, item.Status))
		}
	}
	t.store.Replace(params.Todos)
	return fmt.Sprintf("Todo list updated (%d items)", len(params.Todos)), nil
}

// TodoReadTool 读取待办列表
type TodoReadTool struct {
	store *TodoStore
}

// NewTodoReadTool 创建 todoread
func NewTodoReadTool(store *TodoStore) *TodoReadTool {
	return &TodoReadTool{store: store}
}

func (t *TodoReadTool) Name() string { return "todoread" }

func (t *TodoReadTool) Description() string {
	return "Reads the current session todo list."
}

func (t *TodoReadTool) Mode() domaintool.Mode { return domaintool.ModeBoth }

func (t *TodoReadTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *TodoReadTool) Execute(ctx context.Context, input json.RawMessage, tc *domaintool.Context) (string, error) {
	items := t.store.Items()
	if len(items) == 0 {
		return "Todo list is empty", nil
	}
	var sb strings.Builder
	for i, item := range items {
		marker := " "
		switch item.Status {
		case "in_progress":
			marker = ">"
		case "completed":
			marker = "x"
		}
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, marker, item.Content)
	}
	return sb.String(), nil
}
