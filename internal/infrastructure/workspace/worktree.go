package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/service"
)

// Allocator 实现 service.WorkspaceAllocator。
// use_worktrees 且项目是含至少一个提交的 git 仓库时, 每个 worker 得到
// 独立分支上的全新 worktree (临时目录); 否则退化为项目根 + 协作写锁。
type Allocator struct {
	projectPath  string
	useWorktrees bool
	logger       *zap.Logger

	// rootLock 非隔离模式下的协作写锁
	rootLock sync.Mutex
}

// NewAllocator 创建分配器
func NewAllocator(projectPath string, useWorktrees bool, logger *zap.Logger) *Allocator {
	return &Allocator{
		projectPath:  projectPath,
		useWorktrees: useWorktrees,
		logger:       logger,
	}
}

// Allocate 分配工作区
func (a *Allocator) Allocate(ctx context.Context, workerID string) (*service.Workspace, error) {
	if a.useWorktrees && a.hasCommit(ctx) {
		return a.allocateWorktree(ctx, workerID)
	}

	// 项目根 + 协作写锁: 同一时刻只允许一个 worker 写
	a.rootLock.Lock()
	return &service.Workspace{Path: a.projectPath, Isolated: false}, nil
}

// allocateWorktree 在临时目录上建唯一命名分支的 worktree
func (a *Allocator) allocateWorktree(ctx context.Context, workerID string) (*service.Workspace, error) {
	branch := fmt.Sprintf("safe-coder/worker-%s-%d", sanitizeRef(workerID), time.Now().UnixNano())
	dir, err := os.MkdirTemp("", "safe-coder-worker-")
	if err != nil {
		return nil, fmt.Errorf("create worktree dir: %w", err)
	}
	// git worktree add 要求目标目录不存在
	path := filepath.Join(dir, "ws")

	out, err := a.git(ctx, "worktree", "add", "-b", branch, path)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("git worktree add: %v: %s", err, out)
	}

	a.logger.Info("Worktree allocated",
		zap.String("worker", workerID),
		zap.String("branch", branch),
		zap.String("path", path),
	)
	return &service.Workspace{Path: path, Branch: branch, Isolated: true}, nil
}

// ModifiedFiles 用 git diff --name-only 对基准收集修改文件
func (a *Allocator) ModifiedFiles(ctx context.Context, ws *service.Workspace) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "diff", "--name-only", "HEAD")
	cmd.Dir = ws.Path
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git diff: %w", err)
	}

	var files []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// Release 释放工作区。worktree 从仓库注销但分支保留,
// 供后续 (核心范围外) 合并或丢弃。
func (a *Allocator) Release(ctx context.Context, ws *service.Workspace) error {
	if !ws.Isolated {
		a.rootLock.Unlock()
		return nil
	}
	if out, err := a.git(ctx, "worktree", "remove", "--force", ws.Path); err != nil {
		return fmt.Errorf("git worktree remove: %v: %s", err, out)
	}
	_ = os.RemoveAll(filepath.Dir(ws.Path))
	return nil
}

// hasCommit 项目是 git 仓库且有至少一个提交
func (a *Allocator) hasCommit(ctx context.Context) bool {
	_, err := a.git(ctx, "rev-parse", "--verify", "HEAD")
	return err == nil
}

func (a *Allocator) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = a.projectPath
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func sanitizeRef(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, s)
}
