package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
	domaintool "github.com/siddharth-ghatti/safe-coder/internal/domain/tool"
)

// detailedPlanningPrompt — Plan 模式下的详细规划提示词
const detailedPlanningPrompt = `You are a task planning expert. Break down coding tasks into clear, actionable steps.

Your job is to analyze the user's request and create a structured plan with steps that can be executed independently.

## Guidelines:
1. Each step should be independently completable
2. Order steps by dependencies (analysis → implementation → testing → documentation)
3. Keep steps focused - one logical change per step
4. Identify relevant files for each step
5. Provide detailed instructions for each step

## Complexity hints:
- Simple: Single file changes, documentation updates, small fixes
- Medium: Multi-file changes, new features, significant modifications
- Complex: Refactoring, architectural changes, cross-cutting concerns

## Output Format:
Respond with ONLY a JSON object (no markdown, no explanation):
{
  "title": "Brief plan title (max 50 chars)",
  "steps": [
    {
      "description": "Imperative description (e.g., Add validation to signup form)",
      "instructions": "Detailed step-by-step instructions for completing this step",
      "relevant_files": ["path/to/file.go", "path/to/another.go"]
    }
  ]
}

Important: Output ONLY the JSON object, nothing else.`

// quickPlanningPrompt — Build 模式下的精简规划提示词
const quickPlanningPrompt = `You are a task planning expert. Quickly break down coding tasks into steps.

Create a brief plan with the key steps needed. Keep it concise - this will execute immediately.

## Guidelines:
1. 2-5 steps maximum
2. Focus on the essential actions
3. Keep descriptions brief
4. Identify key files

## Output Format:
Respond with ONLY a JSON object (no markdown, no explanation):
{
  "title": "Brief title",
  "steps": [
    {
      "description": "Brief action description",
      "instructions": "Key instructions",
      "relevant_files": ["path/to/file.go"]
    }
  ]
}

Important: Output ONLY the JSON object, nothing else.`

// planResponse LLM 规划响应结构
type planResponse struct {
	Title string `json:"title"`
	Steps []struct {
		Description   string   `json:"description"`
		Instructions  string   `json:"instructions"`
		RelevantFiles []string `json:"relevant_files"`
	} `json:"steps"`
}

// Planner 调用 LLM 把用户请求分解为结构化计划 (C5)。
type Planner struct {
	mode     entity.ExecutionMode
	detailed bool
	logger   *zap.Logger
}

// NewPlanner creates a planner for the given execution mode.
// agentMode picks the prompt: Plan -> detailed, Build -> quick.
func NewPlanner(mode entity.ExecutionMode, agentMode domaintool.AgentMode, logger *zap.Logger) *Planner {
	return &Planner{
		mode:     mode,
		detailed: agentMode == domaintool.ModePlan,
		logger:   logger,
	}
}

// CreatePlan 单次 LLM 调用产出计划; 解析失败返回 ErrPlanMalformed。
func (p *Planner) CreatePlan(ctx context.Context, llm LLMClient, request, projectContext string) (*entity.UnifiedPlan, error) {
	planID := "plan-" + uuid.New().String()[:8]
	plan := entity.NewPlan(planID, request)
	plan.ExecutionMode = p.mode

	userMessage := fmt.Sprintf("Create a plan for this task:\n\n%s", request)
	if projectContext != "" {
		userMessage += fmt.Sprintf("\n\nProject context:\n%s", projectContext)
	}

	systemPrompt := quickPlanningPrompt
	if p.detailed {
		systemPrompt = detailedPlanningPrompt
	}

	resp, err := llm.SendMessageWithSystem(ctx,
		[]entity.Message{entity.NewUserMessage(userMessage)}, nil, systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", entity.ErrModelUnavailable, err)
	}

	parsed, err := parsePlanJSON(resp.Message.Text())
	if err != nil {
		return nil, err
	}

	plan.Title = parsed.Title
	steps := make([]*entity.UnifiedStep, 0, len(parsed.Steps))
	for i, s := range parsed.Steps {
		step := entity.NewStep(fmt.Sprintf("step-%d", i+1), s.Description)
		step.Instructions = s.Instructions
		step.RelevantFiles = s.RelevantFiles
		step.ComplexityScore = ScoreComplexity(s.Description, s.Instructions, s.RelevantFiles)
		step.SuggestedExecutor = p.assignExecutor(step)
		steps = append(steps, step)
	}

	plan.Groups = groupSteps(steps)
	if _, err := plan.ValidateGroups(); err != nil {
		return nil, err
	}
	plan.Status = entity.PlanReady

	p.logger.Info("Plan created",
		zap.String("plan_id", plan.ID),
		zap.String("title", plan.Title),
		zap.Int("steps", plan.TotalSteps()),
		zap.String("mode", string(p.mode)),
	)
	return plan, nil
}

// parsePlanJSON 宽松解析: 剥掉 Markdown 围栏, 取首个 { 到末个 } 之间。
func parsePlanJSON(text string) (*planResponse, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty response", entity.ErrPlanMalformed)
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON object in response", entity.ErrPlanMalformed)
	}

	var parsed planResponse
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		preview := text
		if len(preview) > 200 {
			preview = preview[:200]
		}
		return nil, fmt.Errorf("%w: %v (response was: %s)", entity.ErrPlanMalformed, err, preview)
	}
	if len(parsed.Steps) == 0 {
		return nil, fmt.Errorf("%w: plan has no steps", entity.ErrPlanMalformed)
	}
	return &parsed, nil
}

// Complexity buckets.
const (
	complexitySimpleMax = 30
	complexityMediumMax = 60
)

// crossCuttingKeywords 高复杂度信号
var crossCuttingKeywords = []string{"refactor", "migrate", "architecture", "redesign", "rewrite"}

// specialistKeywords 测试/文档信号
var specialistKeywords = []string{"test", "document", "docs", "benchmark"}

// ScoreComplexity combines file count and keyword signals into [0,100].
func ScoreComplexity(description, instructions string, relevantFiles []string) int {
	score := 10
	text := strings.ToLower(description + " " + instructions)

	// 文件数量信号
	switch n := len(relevantFiles); {
	case n > 5:
		score += 40
	case n > 2:
		score += 25
	case n > 1:
		score += 15
	}

	for _, kw := range crossCuttingKeywords {
		if strings.Contains(text, kw) {
			score += 30
			break
		}
	}
	for _, kw := range specialistKeywords {
		if strings.Contains(text, kw) {
			score += 15
			break
		}
	}

	// 指令长度信号
	if len(instructions) > 500 {
		score += 10
	}

	if score > 100 {
		score = 100
	}
	return score
}

// assignExecutor: Simple → Inline; Medium → Inline (文件模式指向专家时 Subagent);
// Complex → 关键词选定的 Subagent 种类。Orchestration 模式改派 Worker。
func (p *Planner) assignExecutor(step *entity.UnifiedStep) entity.StepExecutor {
	if p.mode == entity.ModeOrchestration {
		return entity.WorkerExecutorFor(entity.WorkerClaudeCode)
	}

	// Subagent 模式下专家关键词直接定种类, 不看复杂度
	if p.mode == entity.ModeSubagent {
		if kind, ok := specialistKind(step); ok {
			return entity.SubagentExecutorFor(kind)
		}
	}

	switch {
	case step.ComplexityScore <= complexitySimpleMax:
		return entity.InlineExecutor()
	case step.ComplexityScore <= complexityMediumMax:
		if kind, ok := specialistKind(step); ok {
			return entity.SubagentExecutorFor(kind)
		}
		return entity.InlineExecutor()
	default:
		if kind, ok := specialistKind(step); ok {
			return entity.SubagentExecutorFor(kind)
		}
		return entity.SubagentExecutorFor(entity.SubagentRefactorer)
	}
}

// specialistKind 按关键词匹配子代理种类
func specialistKind(step *entity.UnifiedStep) (entity.SubagentKind, bool) {
	text := strings.ToLower(step.Description + " " + step.Instructions)
	switch {
	// fix/refactor 先于 test: "fix the failing test" 是修复任务
	case strings.Contains(text, "refactor") || strings.Contains(text, "fix"):
		return entity.SubagentRefactorer, true
	case strings.Contains(text, "test"):
		return entity.SubagentTester, true
	case strings.Contains(text, "document") || strings.Contains(text, "docs"):
		return entity.SubagentDocumenter, true
	case strings.Contains(text, "analyze") || strings.Contains(text, "review") || strings.Contains(text, "inspect"):
		return entity.SubagentCodeAnalyzer, true
	}
	return "", false
}

// groupSteps 把步骤切分为串行依赖的链。子代理步骤各自成组 (其前后
// 步骤通常依赖其产出); inline / worker 的相邻步骤合并为最多 3 个一组,
// 组内由执行器决定能否并行。
func groupSteps(steps []*entity.UnifiedStep) []*entity.StepGroup {
	var groups []*entity.StepGroup
	newGroup := func() *entity.StepGroup {
		g := &entity.StepGroup{ID: fmt.Sprintf("group-%d", len(groups)+1)}
		if len(groups) > 0 {
			g.DependsOn = []string{groups[len(groups)-1].ID}
		}
		groups = append(groups, g)
		return g
	}

	var current *entity.StepGroup
	for _, step := range steps {
		standalone := step.SuggestedExecutor.Kind == entity.ExecutorSubagent
		if current == nil || standalone || len(current.Steps) >= 3 {
			current = newGroup()
		}
		current.Steps = append(current.Steps, step)
		if standalone {
			current = nil
		}
	}
	return groups
}

// orchestrationKeywords / subagentKeywords 驱动模式建议
var orchestrationKeywords = []string{
	"refactor", "redesign", "rewrite", "implement", "create",
	"add feature", "multiple", "all files", "entire", "comprehensive",
}

var subagentKeywords = []string{
	"test", "analyze", "document", "review", "check", "fix", "update",
}

// SuggestExecutionMode picks an execution mode from request characteristics:
// orchestration keywords / >5 files / parallel work over >2 files ⇒
// Orchestration; specialist keywords / parallel work / >1 file ⇒ Subagent;
// otherwise Direct.
func SuggestExecutionMode(request string, estimatedFiles int, hasParallelWork bool) entity.ExecutionMode {
	lower := strings.ToLower(request)

	isOrchestration := estimatedFiles > 5 || (hasParallelWork && estimatedFiles > 2)
	for _, kw := range orchestrationKeywords {
		if strings.Contains(lower, kw) {
			isOrchestration = true
			break
		}
	}

	isSubagent := hasParallelWork || estimatedFiles > 1
	for _, kw := range subagentKeywords {
		if strings.Contains(lower, kw) {
			isSubagent = true
			break
		}
	}

	switch {
	case isOrchestration:
		return entity.ModeOrchestration
	case isSubagent:
		return entity.ModeSubagent
	default:
		return entity.ModeDirect
	}
}
