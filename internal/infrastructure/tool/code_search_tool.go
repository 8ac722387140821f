package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	domaintool "github.com/siddharth-ghatti/safe-coder/internal/domain/tool"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/codeintel"
)

// CodeSearchTool 多模式代码搜索: content / definitions / structure / usages。
// definitions、structure、usages 由 codeintel 符号索引支撑,
// content 模式复用 grep 的逐行扫描。
type CodeSearchTool struct {
	indexer *codeintel.Indexer
	logger  *zap.Logger

	mu      sync.Mutex
	indexed map[string]bool // 已索引的工作目录
}

// NewCodeSearchTool 创建代码搜索工具
func NewCodeSearchTool(indexer *codeintel.Indexer, logger *zap.Logger) *CodeSearchTool {
	return &CodeSearchTool{
		indexer: indexer,
		logger:  logger,
		indexed: make(map[string]bool),
	}
}

func (t *CodeSearchTool) Name() string { return "code_search" }

func (t *CodeSearchTool) Description() string {
	return `Searches code with multiple modes:
- content: regex search across files (supports multiple patterns)
- definitions: find where a symbol is defined
- structure: outline the symbols of one file
- usages: find references to a symbol`
}

func (t *CodeSearchTool) Mode() domaintool.Mode { return domaintool.ModeBoth }

func (t *CodeSearchTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"mode": map[string]interface{}{
				"type":        "string",
				"description": "Search mode: content, definitions, structure, usages",
			},
			"patterns": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Regex patterns (content mode)",
			},
			"symbol": map[string]interface{}{
				"type":        "string",
				"description": "Symbol name (definitions / usages modes)",
			},
			"file": map[string]interface{}{
				"type":        "string",
				"description": "File path (structure mode)",
			},
		},
		"required": []string{"mode"},
	}
}

func (t *CodeSearchTool) Execute(ctx context.Context, input json.RawMessage, tc *domaintool.Context) (string, error) {
	var params struct {
		Mode     string   `json:"mode"`
		Patterns []string `json:"patterns"`
		Symbol   string   `json:"symbol"`
		File     string   `json:"file"`
	}
	if err := decodeParams(input, &params); err != nil {
		return "", err
	}

	switch params.Mode {
	case "content":
		return t.searchContent(tc, params.Patterns)
	case "definitions":
		return t.searchDefinitions(tc, params.Symbol)
	case "structure":
		return t.showStructure(tc, params.File)
	case "usages":
		return t.searchUsages(tc, params.Symbol)
	default:
		return "", domaintool.NewError(domaintool.ErrInvalidArguments,
			fmt.Sprintf("Unknown mode %q (expected content, definitions, structure, usages)", params.Mode))
	}
}

// ensureIndexed 首次访问时索引工作目录
func (t *CodeSearchTool) ensureIndexed(workingDir string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.indexed[workingDir] {
		return
	}
	count, err := t.indexer.IndexDirectory(workingDir, nil)
	if err != nil {
		t.logger.Warn("Workspace indexing incomplete", zap.Error(err))
	}
	t.logger.Info("Workspace indexed for code search",
		zap.String("dir", workingDir),
		zap.Int("files", count),
	)
	t.indexed[workingDir] = true
}

func (t *CodeSearchTool) searchContent(tc *domaintool.Context, patterns []string) (string, error) {
	if len(patterns) == 0 {
		return "", domaintool.NewError(domaintool.ErrInvalidArguments, "patterns is required for content mode")
	}

	grep := &GrepTool{logger: t.logger}
	var sb strings.Builder
	for _, pattern := range patterns {
		raw, _ := json.Marshal(map[string]string{"pattern": pattern})
		out, err := grep.Execute(context.Background(), raw, tc)
		if err != nil {
			return "", err
		}
		if len(patterns) > 1 {
			fmt.Fprintf(&sb, "=== %s ===\n", pattern)
		}
		sb.WriteString(out)
		if !strings.HasSuffix(out, "\n") {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func (t *CodeSearchTool) searchDefinitions(tc *domaintool.Context, symbol string) (string, error) {
	if symbol == "" {
		return "", domaintool.NewError(domaintool.ErrInvalidArguments, "symbol is required for definitions mode")
	}
	t.ensureIndexed(tc.WorkingDir)

	syms := t.indexer.Definitions(symbol)
	if len(syms) == 0 {
		// 退化为模糊匹配
		syms = t.indexer.SearchSymbols(symbol)
	}
	if len(syms) == 0 {
		return "No definitions found for: " + symbol, nil
	}

	var sb strings.Builder
	for _, s := range syms {
		rel := relTo(tc.WorkingDir, s.File)
		fmt.Fprintf(&sb, "%s:%d [%s] %s", rel, s.Line, s.Kind, s.Name)
		if s.Signature != "" {
			fmt.Fprintf(&sb, " — %s", s.Signature)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func (t *CodeSearchTool) showStructure(tc *domaintool.Context, file string) (string, error) {
	if file == "" {
		return "", domaintool.NewError(domaintool.ErrInvalidArguments, "file is required for structure mode")
	}
	t.ensureIndexed(tc.WorkingDir)

	path := resolvePath(tc, file)
	syms := t.indexer.Structure(path)
	if len(syms) == 0 {
		if fi, err := t.indexer.IndexFile(path); err != nil || fi == nil {
			return "No symbols found in: " + file, nil
		}
		syms = t.indexer.Structure(path)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Structure of %s:\n", file)
	for _, s := range syms {
		indent := ""
		if s.Kind == "method" {
			indent = "  "
		}
		fmt.Fprintf(&sb, "%s%d: [%s] %s\n", indent, s.Line, s.Kind, s.Name)
	}
	return sb.String(), nil
}

func (t *CodeSearchTool) searchUsages(tc *domaintool.Context, symbol string) (string, error) {
	if symbol == "" {
		return "", domaintool.NewError(domaintool.ErrInvalidArguments, "symbol is required for usages mode")
	}
	if _, err := regexp.Compile(regexp.QuoteMeta(symbol)); err != nil {
		return "", domaintool.WrapError(domaintool.ErrInvalidArguments, "invalid symbol", err)
	}
	t.ensureIndexed(tc.WorkingDir)

	sites := t.indexer.Usages(symbol, 100)
	if len(sites) == 0 {
		return "No usages found for: " + symbol, nil
	}

	var sb strings.Builder
	for _, site := range sites {
		fmt.Fprintf(&sb, "%s:%d:%s\n", relTo(tc.WorkingDir, site.File), site.Line, site.Text)
	}
	return sb.String(), nil
}

func relTo(base, path string) string {
	if rel, err := filepath.Rel(base, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}
