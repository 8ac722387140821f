package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chzyer/readline"

	"github.com/siddharth-ghatti/safe-coder/internal/application"
	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
	"github.com/siddharth-ghatti/safe-coder/internal/domain/service"
	domaintool "github.com/siddharth-ghatti/safe-coder/internal/domain/tool"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/eventbus"
	"github.com/siddharth-ghatti/safe-coder/pkg/safego"
)

// ReplApp 交互式 REPL。消息直接走会话 agent loop;
// /plan 走规划 + runner 流程。
type ReplApp struct {
	app      *application.App
	session  *application.Session
	renderer *Renderer
	runner   *service.PlanRunner

	pendingPlanID string
}

// NewReplApp 创建 REPL
func NewReplApp(app *application.App, resume string) (*ReplApp, error) {
	mode := domaintool.ModeBuild
	if strings.EqualFold(app.Config.Agent.ExecutionMode, "plan") {
		mode = domaintool.ModePlan
	}

	var session *application.Session
	var err error
	if resume != "" {
		session, err = app.ResumeSession(resume, mode)
	} else {
		session, err = app.NewSession(mode)
	}
	if err != nil {
		return nil, err
	}

	return &ReplApp{
		app:      app,
		session:  session,
		renderer: NewRenderer(),
		runner:   app.NewPlanRunner(mode),
	}, nil
}

// Run 主循环
func (r *ReplApp) Run(version string) error {
	PrintBanner(version, r.app.ProjectPath, r.app.Config.Agent.Model)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	// Ctrl+C 取消当前处理而不是退出
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigCh {
			r.session.Cancel()
		}
	}()

	// 会话事件流渲染
	sub := r.session.Subscribe()
	safego.Go(r.app.Logger, "repl-event-render", func() {
		for ev := range sub.Events {
			if ev.Type == eventbus.TypeAgentEvent {
				if ae, ok := ev.Payload.(entity.AgentEvent); ok {
					r.renderer.AgentEvent(ae)
				}
			}
		}
	})
	defer sub.Cancel()
	defer r.session.Close("exit")

	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF / readline.ErrInterrupt
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if done := r.handleCommand(line); done {
				return nil
			}
			continue
		}

		res, err := r.session.ProcessMessage(context.Background(), line)
		if err != nil {
			fmt.Println(styleToolErr.Render("error: " + err.Error()))
			continue
		}
		if res.FinalText != "" {
			fmt.Print(r.renderer.Markdown(res.FinalText))
		}
		r.renderer.Divider()
	}
}

// handleCommand 处理斜杠命令; 返回 true 表示退出
func (r *ReplApp) handleCommand(line string) bool {
	parts := strings.Fields(line)
	cmd := parts[0]
	arg := strings.TrimSpace(strings.TrimPrefix(line, cmd))

	switch cmd {
	case "/exit", "/quit":
		return true

	case "/help":
		fmt.Println(`Commands:
  /plan <request>   decompose a request into a plan and execute it
  /mode plan|build  switch session mode
  /approve          approve the pending plan
  /reject [reason]  reject the pending plan
  /context          show context usage
  /tokens           show cumulative token usage
  /exit             quit`)

	case "/mode":
		switch arg {
		case "plan":
			r.session.SetMode(domaintool.ModePlan)
			fmt.Println("mode: plan (mutating tools disabled)")
		case "build":
			r.session.SetMode(domaintool.ModeBuild)
			fmt.Println("mode: build")
		default:
			fmt.Println("usage: /mode plan|build")
		}

	case "/context":
		fmt.Println(r.session.ContextUsage())

	case "/tokens":
		in, out := r.session.TokenUsage()
		fmt.Printf("tokens: %d in / %d out\n", in, out)

	case "/plan":
		if arg == "" {
			fmt.Println("usage: /plan <request>")
			break
		}
		r.runPlan(arg)

	case "/approve":
		if r.pendingPlanID == "" {
			fmt.Println("no plan awaiting approval")
			break
		}
		if err := r.runner.Approve(r.pendingPlanID); err != nil {
			fmt.Println(styleToolErr.Render(err.Error()))
		}

	case "/reject":
		if r.pendingPlanID == "" {
			fmt.Println("no plan awaiting approval")
			break
		}
		reason := arg
		if reason == "" {
			reason = "rejected by user"
		}
		if err := r.runner.Reject(r.pendingPlanID, reason); err != nil {
			fmt.Println(styleToolErr.Render(err.Error()))
		}

	default:
		fmt.Println("unknown command: " + cmd)
	}
	return false
}

// runPlan 规划一条请求并后台执行。执行放在独立 goroutine,
// REPL 保持响应以接收 /approve、/reject。
func (r *ReplApp) runPlan(request string) {
	ctx := context.Background()

	mode := service.SuggestExecutionMode(request, len(strings.Fields(request))/8, false)
	planner := service.NewPlanner(mode, r.session.Mode, r.app.Logger)

	plan, err := planner.CreatePlan(ctx, r.app.LLM, request, "")
	if err != nil {
		fmt.Println(styleToolErr.Render("planning failed: " + err.Error()))
		return
	}
	r.pendingPlanID = plan.ID

	eventCh := make(chan entity.PlanEvent, 1024)
	safego.Go(r.app.Logger, "plan-event-render", func() {
		for ev := range eventCh {
			r.renderer.PlanEvent(ev)
		}
	})

	safego.Go(r.app.Logger, "plan-execute", func() {
		err := r.runner.Execute(ctx, plan, eventCh)
		close(eventCh)
		r.pendingPlanID = ""
		if err != nil && err != entity.ErrApprovalRejected {
			fmt.Println(styleToolErr.Render("plan execution: " + err.Error()))
		}
	})
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.safe-coder/history"
}
