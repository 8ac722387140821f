package entity

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// ExecutionMode 计划执行模式
type ExecutionMode string

const (
	// ModeDirect executes steps inline in the current session, sequentially.
	ModeDirect ExecutionMode = "direct"
	// ModeSubagent spawns internal specialized agents, parallel in-process.
	ModeSubagent ExecutionMode = "subagent"
	// ModeOrchestration delegates to external CLI workers in isolated workspaces.
	ModeOrchestration ExecutionMode = "orchestration"
)

func (m ExecutionMode) String() string {
	switch m {
	case ModeDirect:
		return "Direct"
	case ModeSubagent:
		return "Subagent"
	case ModeOrchestration:
		return "Orchestration"
	default:
		return string(m)
	}
}

// SubagentKind 子代理种类
type SubagentKind string

const (
	SubagentCodeAnalyzer SubagentKind = "code_analyzer"
	SubagentTester       SubagentKind = "tester"
	SubagentRefactorer   SubagentKind = "refactorer"
	SubagentDocumenter   SubagentKind = "documenter"
	SubagentCustom       SubagentKind = "custom"
)

// AllowedTools 返回该种类可使用的工具白名单
func (k SubagentKind) AllowedTools() []string {
	switch k {
	case SubagentCodeAnalyzer:
		return []string{"read_file", "list_file", "glob", "grep"}
	case SubagentTester:
		return []string{"read_file", "list_file", "glob", "grep", "write_file", "bash"}
	case SubagentRefactorer:
		return []string{"read_file", "list_file", "glob", "grep", "edit_file"}
	case SubagentDocumenter:
		return []string{"read_file", "list_file", "glob", "grep", "write_file", "edit_file"}
	default:
		return []string{"read_file", "list_file", "glob", "grep"}
	}
}

// IsToolAllowed 检查工具是否在白名单内
func (k SubagentKind) IsToolAllowed(name string) bool {
	for _, t := range k.AllowedTools() {
		if t == name {
			return true
		}
	}
	return false
}

// DisplayName 返回展示名称
func (k SubagentKind) DisplayName() string {
	switch k {
	case SubagentCodeAnalyzer:
		return "Code Analyzer"
	case SubagentTester:
		return "Tester"
	case SubagentRefactorer:
		return "Refactorer"
	case SubagentDocumenter:
		return "Documenter"
	default:
		return "Custom Agent"
	}
}

// WorkerKind 外部 CLI 工作者种类
type WorkerKind string

const (
	WorkerClaudeCode    WorkerKind = "claude"
	WorkerGeminiCli     WorkerKind = "gemini"
	WorkerSafeCoder     WorkerKind = "safe-coder"
	WorkerGitHubCopilot WorkerKind = "copilot"
)

// StepExecutorKind identifies which executor family runs a step.
type StepExecutorKind string

const (
	ExecutorInline   StepExecutorKind = "inline"
	ExecutorSubagent StepExecutorKind = "subagent"
	ExecutorWorker   StepExecutorKind = "worker"
)

// StepExecutor 步骤执行者 — inline / subagent{kind} / worker{kind}
type StepExecutor struct {
	Kind         StepExecutorKind `json:"kind"`
	SubagentKind SubagentKind     `json:"subagent_kind,omitempty"`
	WorkerKind   WorkerKind       `json:"worker_kind,omitempty"`
}

// InlineExecutor 构造 inline 执行者
func InlineExecutor() StepExecutor {
	return StepExecutor{Kind: ExecutorInline}
}

// SubagentExecutorFor 构造 subagent 执行者
func SubagentExecutorFor(kind SubagentKind) StepExecutor {
	return StepExecutor{Kind: ExecutorSubagent, SubagentKind: kind}
}

// WorkerExecutorFor 构造 worker 执行者
func WorkerExecutorFor(kind WorkerKind) StepExecutor {
	return StepExecutor{Kind: ExecutorWorker, WorkerKind: kind}
}

// StepStatus 步骤状态
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// IsTerminal 终态判断 (completed / failed / skipped)
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// PlanStatus 计划状态
type PlanStatus string

const (
	PlanPlanning         PlanStatus = "planning"
	PlanReady            PlanStatus = "ready"
	PlanAwaitingApproval PlanStatus = "awaiting_approval"
	PlanExecuting        PlanStatus = "executing"
	PlanCompleted        PlanStatus = "completed"
	PlanFailed           PlanStatus = "failed"
	PlanCancelled        PlanStatus = "cancelled"
)

// IsTerminal 终态判断
func (s PlanStatus) IsTerminal() bool {
	return s == PlanCompleted || s == PlanFailed || s == PlanCancelled
}

// StepResult 步骤执行结果
type StepResult struct {
	Success       bool     `json:"success"`
	Output        string   `json:"output"`
	Error         string   `json:"error,omitempty"`
	DurationMs    int64    `json:"duration_ms"`
	FilesModified []string `json:"files_modified"`
}

// UnifiedStep 计划中的单个步骤
type UnifiedStep struct {
	ID                string       `json:"id"`
	Description       string       `json:"description"`
	ActiveDescription string       `json:"active_description"`
	Instructions      string       `json:"instructions"`
	RelevantFiles     []string     `json:"relevant_files"`
	ComplexityScore   int          `json:"complexity_score"` // 0-100
	SuggestedExecutor StepExecutor `json:"suggested_executor"`
	Status            StepStatus   `json:"status"`
	Result            *StepResult  `json:"result,omitempty"`
}

// NewStep creates a pending step; the active description is derived
// from the imperative description.
func NewStep(id, description string) *UnifiedStep {
	return &UnifiedStep{
		ID:                id,
		Description:       description,
		ActiveDescription: ToActiveForm(description),
		Status:            StepPending,
		SuggestedExecutor: InlineExecutor(),
	}
}

// StepGroup 可并行执行的步骤组。组间按 depends_on 串行。
type StepGroup struct {
	ID        string         `json:"id"`
	Steps     []*UnifiedStep `json:"steps"`
	DependsOn []string       `json:"depends_on"`
}

// IsParallel 组内是否存在并行空间
func (g *StepGroup) IsParallel() bool { return len(g.Steps) > 1 }

// IsCompleted 组内所有步骤均到达终态
func (g *StepGroup) IsCompleted() bool {
	for _, s := range g.Steps {
		if !s.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// IsSuccessful 组内所有步骤均成功
func (g *StepGroup) IsSuccessful() bool {
	for _, s := range g.Steps {
		if s.Status != StepCompleted {
			return false
		}
	}
	return true
}

// UnifiedPlan 统一计划 — 组的有序列表构成 DAG
type UnifiedPlan struct {
	ID            string        `json:"id"`
	Request       string        `json:"request"`
	Title         string        `json:"title"`
	ExecutionMode ExecutionMode `json:"execution_mode"`
	Groups        []*StepGroup  `json:"groups"`
	Status        PlanStatus    `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// NewPlan creates a plan in Planning status.
func NewPlan(id, request string) *UnifiedPlan {
	return &UnifiedPlan{
		ID:            id,
		Request:       request,
		ExecutionMode: ModeDirect,
		Status:        PlanPlanning,
		CreatedAt:     time.Now().UTC(),
	}
}

// AllSteps 展开全部步骤
func (p *UnifiedPlan) AllSteps() []*UnifiedStep {
	var steps []*UnifiedStep
	for _, g := range p.Groups {
		steps = append(steps, g.Steps...)
	}
	return steps
}

// TotalSteps 步骤总数
func (p *UnifiedPlan) TotalSteps() int {
	n := 0
	for _, g := range p.Groups {
		n += len(g.Steps)
	}
	return n
}

// CompletedSteps 成功步骤数
func (p *UnifiedPlan) CompletedSteps() int {
	n := 0
	for _, s := range p.AllSteps() {
		if s.Status == StepCompleted {
			n++
		}
	}
	return n
}

// FailedSteps 失败步骤数
func (p *UnifiedPlan) FailedSteps() int {
	n := 0
	for _, s := range p.AllSteps() {
		if s.Status == StepFailed {
			n++
		}
	}
	return n
}

// Progress 完成百分比
func (p *UnifiedPlan) Progress() float64 {
	total := p.TotalSteps()
	if total == 0 {
		return 0
	}
	return float64(p.CompletedSteps()) / float64(total) * 100
}

// FindGroup 按 ID 查找组
func (p *UnifiedPlan) FindGroup(groupID string) *StepGroup {
	for _, g := range p.Groups {
		if g.ID == groupID {
			return g
		}
	}
	return nil
}

// FindStep 按 ID 查找步骤
func (p *UnifiedPlan) FindStep(stepID string) *UnifiedStep {
	for _, g := range p.Groups {
		for _, s := range g.Steps {
			if s.ID == stepID {
				return s
			}
		}
	}
	return nil
}

// DependenciesMet 组的所有依赖均到达终态
func (p *UnifiedPlan) DependenciesMet(g *StepGroup) bool {
	for _, depID := range g.DependsOn {
		dep := p.FindGroup(depID)
		if dep == nil {
			continue // 未知依赖视为已满足
		}
		if !dep.IsCompleted() {
			return false
		}
	}
	return true
}

// MarkExecuting 进入执行态并记录开始时间
func (p *UnifiedPlan) MarkExecuting() {
	now := time.Now().UTC()
	p.Status = PlanExecuting
	p.StartedAt = &now
}

// MarkCompleted 根据步骤失败数落到 Completed 或 Failed
func (p *UnifiedPlan) MarkCompleted() {
	now := time.Now().UTC()
	if p.FailedSteps() > 0 {
		p.Status = PlanFailed
	} else {
		p.Status = PlanCompleted
	}
	p.CompletedAt = &now
}

// Summary 一行摘要
func (p *UnifiedPlan) Summary() string {
	parallel := 0
	for _, g := range p.Groups {
		if g.IsParallel() {
			parallel++
		}
	}
	return fmt.Sprintf("%s: %d/%d steps (%d failed), %d parallel groups, mode: %s",
		p.Title, p.CompletedSteps(), p.TotalSteps(), p.FailedSteps(), parallel, p.ExecutionMode)
}

// ToActiveForm 将祈使句转为进行时:
// "Add validation" -> "Adding validation", "Fix bug" -> "Fixing bug"
func ToActiveForm(description string) string {
	trimmed := strings.TrimSpace(description)
	if trimmed == "" {
		return ""
	}

	first := trimmed
	rest := ""
	if i := strings.IndexByte(trimmed, ' '); i >= 0 {
		first = trimmed[:i]
		rest = trimmed[i+1:]
	}

	lower := strings.ToLower(first)
	var active string
	switch {
	case strings.HasSuffix(lower, "e") && !strings.HasSuffix(lower, "ee"):
		// remove -> removing, create -> creating
		active = first[:len(first)-1] + "ing"
	case strings.HasSuffix(lower, "ie"):
		active = first[:len(first)-2] + "ying"
	case shouldDoubleConsonant(lower):
		// run -> running, set -> setting
		active = first + string(first[len(first)-1]) + "ing"
	default:
		active = first + "ing"
	}

	// 保持首字母大小写
	if r := []rune(first); len(r) > 0 && unicode.IsUpper(r[0]) {
		ar := []rune(active)
		ar[0] = unicode.ToUpper(ar[0])
		active = string(ar)
	}

	if rest == "" {
		return active
	}
	return active + " " + rest
}

// shouldDoubleConsonant: 短词 (≤4) 且结尾为元音+辅音, 不含 w/x/y
func shouldDoubleConsonant(word string) bool {
	if len(word) < 2 || len(word) > 4 {
		return false
	}
	last := rune(word[len(word)-1])
	secondLast := rune(word[len(word)-2])

	isVowel := func(c rune) bool {
		return c == 'a' || c == 'e' || c == 'i' || c == 'o' || c == 'u'
	}
	if last == 'w' || last == 'x' || last == 'y' {
		return false
	}
	return unicode.IsLetter(last) && !isVowel(last) && isVowel(secondLast)
}
