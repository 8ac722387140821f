package entity

import (
	"encoding/json"
	"time"
)

// AgentEventType defines the type of event emitted during an agent loop
type AgentEventType string

const (
	EventTextChunk    AgentEventType = "text_chunk"
	EventThinking     AgentEventType = "thinking"
	EventToolStart    AgentEventType = "tool_start"
	EventToolOutput   AgentEventType = "tool_output"
	EventToolComplete AgentEventType = "tool_complete"
	EventIterationEnd AgentEventType = "iteration_end"
	EventDone         AgentEventType = "done"
	EventError        AgentEventType = "error"
)

// AgentEvent represents a single event in the agent's tool-use loop.
// Consumers (CLI renderer, event log, plan runner) subscribe to a channel
// of these events.
type AgentEvent struct {
	Type      AgentEventType `json:"type"`
	Text      string         `json:"text,omitempty"`
	ToolCall  *ToolCallEvent `json:"tool_call,omitempty"`
	Iteration int            `json:"iteration,omitempty"`
	Error     string         `json:"error,omitempty"`
	// SubagentID tags events forwarded from a child agent loop.
	SubagentID string    `json:"subagent_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ToolCallEvent describes a tool invocation within the agent loop
type ToolCallEvent struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	Success  bool            `json:"success"`
	Duration time.Duration   `json:"duration,omitempty"`
}

// PlanEventType 计划事件类型
type PlanEventType string

const (
	PlanEventCreated          PlanEventType = "plan_created"
	PlanEventAwaitingApproval PlanEventType = "plan_awaiting_approval"
	PlanEventApproved         PlanEventType = "plan_approved"
	PlanEventRejected         PlanEventType = "plan_rejected"
	PlanEventStarted          PlanEventType = "plan_started"
	PlanEventGroupStarted     PlanEventType = "group_started"
	PlanEventStepStarted      PlanEventType = "step_started"
	PlanEventStepProgress     PlanEventType = "step_progress"
	PlanEventStepCompleted    PlanEventType = "step_completed"
	PlanEventFileModified     PlanEventType = "file_modified"
	PlanEventGroupCompleted   PlanEventType = "group_completed"
	PlanEventCompleted        PlanEventType = "plan_completed"
)

// PlanEvent 计划执行期间发布的事件。单一事件流, 不再有旧/新两套转换层。
type PlanEvent struct {
	Type   PlanEventType `json:"type"`
	PlanID string        `json:"plan_id"`

	// PlanEventCreated
	Title         string        `json:"title,omitempty"`
	TotalSteps    int           `json:"total_steps,omitempty"`
	ExecutionMode ExecutionMode `json:"execution_mode,omitempty"`
	Plan          *UnifiedPlan  `json:"plan,omitempty"`

	// group / step scoped fields
	GroupID       string `json:"group_id,omitempty"`
	StepID        string `json:"step_id,omitempty"`
	Description   string `json:"description,omitempty"`
	Message       string `json:"message,omitempty"`
	ParallelCount int    `json:"parallel_count,omitempty"`
	Success       bool   `json:"success,omitempty"`
	DurationMs    int64  `json:"duration_ms,omitempty"`
	Path          string `json:"path,omitempty"`

	// PlanEventRejected / PlanEventCompleted
	Reason  string `json:"reason,omitempty"`
	Summary string `json:"summary,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// SubagentEventType 子代理事件类型
type SubagentEventType string

const (
	SubagentStarted      SubagentEventType = "started"
	SubagentThinking     SubagentEventType = "thinking"
	SubagentToolStart    SubagentEventType = "tool_start"
	SubagentToolOutput   SubagentEventType = "tool_output"
	SubagentToolComplete SubagentEventType = "tool_complete"
	SubagentTextChunk    SubagentEventType = "text_chunk"
	SubagentIterationEnd SubagentEventType = "iteration_complete"
	SubagentCompleted    SubagentEventType = "completed"
	SubagentErrored      SubagentEventType = "error"
)

// SubagentEvent 子代理执行期间发出的事件, 均携带子代理 id
type SubagentEvent struct {
	Type          SubagentEventType `json:"type"`
	ID            string            `json:"id"`
	Kind          SubagentKind      `json:"kind,omitempty"`
	Task          string            `json:"task,omitempty"`
	ToolName      string            `json:"tool_name,omitempty"`
	Text          string            `json:"text,omitempty"`
	Output        string            `json:"output,omitempty"`
	Success       bool              `json:"success,omitempty"`
	Iteration     int               `json:"iteration,omitempty"`
	MaxIterations int               `json:"max_iterations,omitempty"`
	Summary       string            `json:"summary,omitempty"`
	Error         string            `json:"error,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}
