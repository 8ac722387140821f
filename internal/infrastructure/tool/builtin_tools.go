package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	domaintool "github.com/siddharth-ghatti/safe-coder/internal/domain/tool"
)

// resolvePath 把相对路径落到工作目录下
func resolvePath(tc *domaintool.Context, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(tc.WorkingDir, path)
}

func decodeParams(input json.RawMessage, out interface{}) error {
	if err := json.Unmarshal(input, out); err != nil {
		return domaintool.WrapError(domaintool.ErrInvalidArguments, "invalid parameters", err)
	}
	return nil
}

// ─── read_file ───

// ReadFileTool 读取文件内容
type ReadFileTool struct{}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Reads a file from the project directory and returns its contents."
}

func (t *ReadFileTool) Mode() domaintool.Mode { return domaintool.ModeBoth }

func (t *ReadFileTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"file_path": map[string]interface{}{
				"type":        "string",
				"description": "The path to the file to read (relative to project root)",
			},
		},
		"required": []string{"file_path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, input json.RawMessage, tc *domaintool.Context) (string, error) {
	var params struct {
		FilePath string `json:"file_path"`
	}
	if err := decodeParams(input, &params); err != nil {
		return "", err
	}
	if params.FilePath == "" {
		return "", domaintool.NewError(domaintool.ErrInvalidArguments, "file_path is required")
	}

	data, err := os.ReadFile(resolvePath(tc, params.FilePath))
	if err != nil {
		if os.IsNotExist(err) {
			return "", domaintool.NewError(domaintool.ErrIoFailed, fmt.Sprintf("File not found: %s", params.FilePath))
		}
		return "", domaintool.WrapError(domaintool.ErrIoFailed, "failed to read file", err)
	}
	if max := tc.Config.MaxOutputBytes; max > 0 && len(data) > max {
		return fmt.Sprintf("%s\n[Truncated: %d bytes total]", data[:max], len(data)), nil
	}
	return string(data), nil
}

// ─── write_file ───

// WriteFileTool 写入/覆盖文件。Plan 模式下由注册表拒绝。
type WriteFileTool struct{}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Writes content to a file, creating it (and parent directories) if needed."
}

func (t *WriteFileTool) Mode() domaintool.Mode { return domaintool.ModeBuildOnly }

func (t *WriteFileTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"file_path": map[string]interface{}{
				"type":        "string",
				"description": "The path to the file to write (relative to project root)",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The content to write",
			},
		},
		"required": []string{"file_path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, input json.RawMessage, tc *domaintool.Context) (string, error) {
	var params struct {
		FilePath string `json:"file_path"`
		Content  string `json:"content"`
	}
	if err := decodeParams(input, &params); err != nil {
		return "", err
	}
	if params.FilePath == "" {
		return "", domaintool.NewError(domaintool.ErrInvalidArguments, "file_path is required")
	}

	path := resolvePath(tc, params.FilePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", domaintool.WrapError(domaintool.ErrIoFailed, "failed to create directories", err)
	}
	if err := os.WriteFile(path, []byte(params.Content), 0o644); err != nil {
		return "", domaintool.WrapError(domaintool.ErrIoFailed, "failed to write file", err)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(params.Content), params.FilePath), nil
}

// ─── edit_file ───

// EditFileTool 精确字符串替换。old_string 不存在且未设 replace_all 时失败。
type EditFileTool struct{}

func (t *EditFileTool) Name() string { return "edit_file" }

func (t *EditFileTool) Description() string {
	return "Performs exact string replacements in files. The old_string must match exactly."
}

func (t *EditFileTool) Mode() domaintool.Mode { return domaintool.ModeBuildOnly }

func (t *EditFileTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"file_path": map[string]interface{}{
				"type":        "string",
				"description": "The path to the file to edit (relative to project root)",
			},
			"old_string": map[string]interface{}{
				"type":        "string",
				"description": "The exact text to replace",
			},
			"new_string": map[string]interface{}{
				"type":        "string",
				"description": "The text to replace it with",
			},
			"replace_all": map[string]interface{}{
				"type":        "boolean",
				"description": "Replace all occurrences (default: false)",
			},
		},
		"required": []string{"file_path", "old_string", "new_string"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, input json.RawMessage, tc *domaintool.Context) (string, error) {
	var params struct {
		FilePath   string `json:"file_path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := decodeParams(input, &params); err != nil {
		return "", err
	}

	path := resolvePath(tc, params.FilePath)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", domaintool.NewError(domaintool.ErrIoFailed, fmt.Sprintf("File not found: %s", params.FilePath))
		}
		return "", domaintool.WrapError(domaintool.ErrIoFailed, "failed to read file", err)
	}

	content := string(data)
	var newContent string
	if params.ReplaceAll {
		newContent = strings.ReplaceAll(content, params.OldString, params.NewString)
	} else {
		idx := strings.Index(content, params.OldString)
		if idx < 0 {
			return "", domaintool.NewError(domaintool.ErrInvalidArguments,
				fmt.Sprintf("String not found in file: %s", params.OldString))
		}
		newContent = content[:idx] + params.NewString + content[idx+len(params.OldString):]
	}

	if err := os.WriteFile(path, []byte(newContent), 0o644); err != nil {
		return "", domaintool.WrapError(domaintool.ErrIoFailed, "failed to write file", err)
	}
	return fmt.Sprintf("Successfully edited %s", params.FilePath), nil
}

// ─── list_file ───

// ListFileTool 列目录
type ListFileTool struct{}

func (t *ListFileTool) Name() string { return "list_file" }

func (t *ListFileTool) Description() string {
	return "Lists files and directories at the given path."
}

func (t *ListFileTool) Mode() domaintool.Mode { return domaintool.ModeBoth }

func (t *ListFileTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory to list (default: project root)",
			},
		},
	}
}

func (t *ListFileTool) Execute(ctx context.Context, input json.RawMessage, tc *domaintool.Context) (string, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := decodeParams(input, &params); err != nil {
		return "", err
	}
	dir := tc.WorkingDir
	if params.Path != "" {
		dir = resolvePath(tc, params.Path)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", domaintool.WrapError(domaintool.ErrIoFailed, "failed to list directory", err)
	}

	var sb strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&sb, "%s/\n", e.Name())
		} else {
			fmt.Fprintf(&sb, "%s\n", e.Name())
		}
	}
	if sb.Len() == 0 {
		return "(empty directory)", nil
	}
	return sb.String(), nil
}

// ─── glob ───

// GlobTool 模式匹配文件查找, 结果按修改时间倒序。
type GlobTool struct{}

func (t *GlobTool) Name() string { return "glob" }

func (t *GlobTool) Description() string {
	return "Finds files matching a glob pattern (e.g. '**/*.go'). Results sorted by modification time."
}

func (t *GlobTool) Mode() domaintool.Mode { return domaintool.ModeBoth }

func (t *GlobTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pattern": map[string]interface{}{
				"type":        "string",
				"description": "Glob pattern to match files against",
			},
		},
		"required": []string{"pattern"},
	}
}

func (t *GlobTool) Execute(ctx context.Context, input json.RawMessage, tc *domaintool.Context) (string, error) {
	var params struct {
		Pattern string `json:"pattern"`
	}
	if err := decodeParams(input, &params); err != nil {
		return "", err
	}
	if params.Pattern == "" {
		return "", domaintool.NewError(domaintool.ErrInvalidArguments, "pattern is required")
	}

	type match struct {
		path string
		mod  int64
	}
	var matches []match

	err := filepath.WalkDir(tc.WorkingDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, rerr := filepath.Rel(tc.WorkingDir, path)
		if rerr != nil {
			return nil
		}
		if matchGlob(params.Pattern, rel) {
			var mod int64
			if info, ierr := d.Info(); ierr == nil {
				mod = info.ModTime().UnixNano()
			}
			matches = append(matches, match{path: rel, mod: mod})
		}
		return nil
	})
	if err != nil {
		return "", domaintool.WrapError(domaintool.ErrIoFailed, "glob walk failed", err)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].mod > matches[j].mod })

	if len(matches) == 0 {
		return "No files matched pattern: " + params.Pattern, nil
	}
	var sb strings.Builder
	for _, m := range matches {
		sb.WriteString(m.path)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// matchGlob 支持 **/ 前缀的简化 glob
func matchGlob(pattern, rel string) bool {
	if strings.HasPrefix(pattern, "**/") {
		suffix := strings.TrimPrefix(pattern, "**/")
		if ok, _ := filepath.Match(suffix, filepath.Base(rel)); ok {
			return true
		}
		ok, _ := filepath.Match(suffix, rel)
		return ok
	}
	ok, _ := filepath.Match(pattern, rel)
	return ok
}

func skipDir(name string) bool {
	switch name {
	case ".git", "node_modules", "target", "vendor", ".idea":
		return true
	}
	return false
}

// ─── grep ───

// GrepTool 正则内容搜索
type GrepTool struct {
	logger *zap.Logger
}

// NewGrepTool 创建 grep 工具
func NewGrepTool(logger *zap.Logger) *GrepTool {
	return &GrepTool{logger: logger}
}

func (t *GrepTool) Name() string { return "grep" }

func (t *GrepTool) Description() string {
	return "Searches file contents with a regular expression; returns matching lines with file:line prefixes."
}

func (t *GrepTool) Mode() domaintool.Mode { return domaintool.ModeBoth }

func (t *GrepTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pattern": map[string]interface{}{
				"type":        "string",
				"description": "Regular expression to search for",
			},
			"include": map[string]interface{}{
				"type":        "string",
				"description": "Optional glob to filter files (e.g. '*.go')",
			},
		},
		"required": []string{"pattern"},
	}
}

// grepMaxMatches 单次搜索返回的最大匹配行数
const grepMaxMatches = 200

func (t *GrepTool) Execute(ctx context.Context, input json.RawMessage, tc *domaintool.Context) (string, error) {
	var params struct {
		Pattern string `json:"pattern"`
		Include string `json:"include"`
	}
	if err := decodeParams(input, &params); err != nil {
		return "", err
	}

	re, err := regexp.Compile(params.Pattern)
	if err != nil {
		return "", domaintool.WrapError(domaintool.ErrInvalidArguments, "invalid regex", err)
	}

	var sb strings.Builder
	count := 0
	_ = filepath.WalkDir(tc.WorkingDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if count >= grepMaxMatches {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil || isBinary(data) {
			return nil
		}
		if params.Include != "" {
			if ok, _ := filepath.Match(params.Include, filepath.Base(path)); !ok {
				return nil
			}
		}
		rel, _ := filepath.Rel(tc.WorkingDir, path)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				fmt.Fprintf(&sb, "%s:%d:%s\n", rel, i+1, strings.TrimRight(line, "\r"))
				count++
				if count >= grepMaxMatches {
					break
				}
			}
		}
		return nil
	})

	if count == 0 {
		return "No matches found for pattern: " + params.Pattern, nil
	}
	if count >= grepMaxMatches {
		fmt.Fprintf(&sb, "[truncated at %d matches]\n", grepMaxMatches)
	}
	return sb.String(), nil
}

func isBinary(data []byte) bool {
	n := len(data)
	if n > 512 {
		n = 512
	}
	for _, b := range data[:n] {
		if b == 0 {
			return true
		}
	}
	return false
}
