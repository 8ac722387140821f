package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
)

var (
	styleTool    = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	styleToolErr = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	styleDim     = lipgloss.NewStyle().Faint(true)
	styleStep    = lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true)
	styleOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
)

// Renderer 终端输出渲染: markdown、工具调用、计划进度。
type Renderer struct {
	markdown *glamour.TermRenderer
	width    int
}

// NewRenderer 按终端宽度构造渲染器
func NewRenderer() *Renderer {
	width := 100
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
		width = w
	}
	md, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width-2),
	)
	return &Renderer{markdown: md, width: width}
}

// Markdown 渲染最终回答
func (r *Renderer) Markdown(text string) string {
	if r.markdown == nil {
		return text
	}
	out, err := r.markdown.Render(text)
	if err != nil {
		return text
	}
	return out
}

// AgentEvent 渲染单个循环事件
func (r *Renderer) AgentEvent(ev entity.AgentEvent) {
	switch ev.Type {
	case entity.EventToolStart:
		if ev.ToolCall != nil {
			fmt.Println(styleTool.Render("→ " + ev.ToolCall.Name))
		}
	case entity.EventToolComplete:
		if ev.ToolCall != nil && !ev.ToolCall.Success {
			fmt.Println(styleToolErr.Render("✗ " + ev.ToolCall.Name + " failed"))
		}
	case entity.EventThinking:
		if ev.Text != "" {
			fmt.Println(styleDim.Render("· context compacted: " + ev.Text))
		}
	case entity.EventError:
		fmt.Println(styleToolErr.Render("error: " + ev.Error))
	}
}

// PlanEvent 渲染计划事件
func (r *Renderer) PlanEvent(ev entity.PlanEvent) {
	switch ev.Type {
	case entity.PlanEventCreated:
		fmt.Println(styleStep.Render(fmt.Sprintf("Plan: %s (%d steps, %s mode)",
			ev.Title, ev.TotalSteps, ev.ExecutionMode)))
		if ev.Plan != nil {
			for _, g := range ev.Plan.Groups {
				for _, s := range g.Steps {
					fmt.Printf("  %s %s\n", styleDim.Render(s.ID+":"), s.Description)
				}
			}
		}
	case entity.PlanEventAwaitingApproval:
		fmt.Println(styleStep.Render("Plan awaiting approval — /approve or /reject"))
	case entity.PlanEventStepStarted:
		fmt.Println(styleDim.Render("  ◐ " + ev.Description))
	case entity.PlanEventStepCompleted:
		icon := styleOK.Render("  ✓")
		if !ev.Success {
			icon = styleToolErr.Render("  ✗")
		}
		fmt.Printf("%s %s (%s)\n", icon, ev.StepID, time.Duration(ev.DurationMs)*time.Millisecond)
	case entity.PlanEventCompleted:
		if ev.Success {
			fmt.Println(styleOK.Render("Plan completed: " + ev.Summary))
		} else {
			fmt.Println(styleToolErr.Render("Plan failed: " + ev.Summary))
		}
	}
}

// Divider 分隔线
func (r *Renderer) Divider() {
	fmt.Println(styleDim.Render(strings.Repeat("─", r.width)))
}
