package application

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"

	"go.uber.org/zap"

	contextmgr "github.com/siddharth-ghatti/safe-coder/internal/domain/context"
	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
	domaintool "github.com/siddharth-ghatti/safe-coder/internal/domain/tool"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/eventlog"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/persistence"
)

type scriptedLLM struct {
	reply string
}

func (s *scriptedLLM) SendMessage(ctx context.Context, messages []entity.Message, tools []entity.ToolDefinition) (*entity.LLMResponse, error) {
	return s.SendMessageWithSystem(ctx, messages, tools, "")
}

func (s *scriptedLLM) SendMessageWithSystem(ctx context.Context, messages []entity.Message, tools []entity.ToolDefinition, system string) (*entity.LLMResponse, error) {
	return &entity.LLMResponse{
		Message: entity.NewAssistantMessage(s.reply),
		Usage:   &entity.Usage{InputTokens: 5, OutputTokens: 3},
	}, nil
}

func testDeps(t *testing.T) SessionDeps {
	t.Helper()
	eventlog.SetBaseDir(t.TempDir())
	return SessionDeps{
		LLM:           &scriptedLLM{reply: "ack"},
		Registry:      domaintool.NewRegistry(),
		ToolsConfig:   domaintool.DefaultToolsConfig(),
		ContextCfg:    contextmgr.DefaultConfig(),
		Repo:          persistence.NewMemorySessionRepository(),
		Logger:        zap.NewNop(),
		Model:         "test-model",
		MaxIterations: 5,
	}
}

func TestProcessMessageAppendsHistory(t *testing.T) {
	deps := testDeps(t)
	s, err := NewSession(t.TempDir(), domaintool.ModeBuild, deps)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close("test done")

	res, err := s.ProcessMessage(context.Background(), "hello there")
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalText != "ack" {
		t.Fatalf("unexpected final text %q", res.FinalText)
	}

	messages := s.Messages()
	if len(messages) != 2 {
		t.Fatalf("expected user+assistant, got %d", len(messages))
	}
	if messages[0].Role != entity.RoleUser || messages[1].Role != entity.RoleAssistant {
		t.Fatal("wrong roles in history")
	}

	in, out := s.TokenUsage()
	if in != 5 || out != 3 {
		t.Fatalf("expected usage accounting 5/3, got %d/%d", in, out)
	}
}

// 场景 6: 三条用户消息, 进程消失, 同 id 恢复后 load_messages 还原历史,
// 追加尾部的第一个事件是 SessionResumed; 每轮都有 assistant 回复,
// 故 messages_restored 为 6 (3 user + 3 assistant)。
func TestResumeRestoresMessages(t *testing.T) {
	deps := testDeps(t)
	project := t.TempDir()

	s, err := NewSession(project, domaintool.ModeBuild, deps)
	if err != nil {
		t.Fatal(err)
	}
	id := s.ID
	for _, text := range []string{"one", "two", "three"} {
		if _, err := s.ProcessMessage(context.Background(), text); err != nil {
			t.Fatal(err)
		}
	}
	logPath := eventLogPath(t, id)
	linesBefore := countLines(t, logPath)
	// 模拟崩溃: 不调用 Close
	_ = s

	resumed, err := ResumeSession(id, project, domaintool.ModeBuild, deps)
	if err != nil {
		t.Fatal(err)
	}
	defer resumed.Close("done")

	messages := resumed.Messages()
	var userTexts []string
	for _, m := range messages {
		if m.Role == entity.RoleUser {
			userTexts = append(userTexts, m.Text())
		}
	}
	if len(userTexts) != 3 || userTexts[0] != "one" || userTexts[2] != "three" {
		t.Fatalf("restored user messages wrong: %v", userTexts)
	}

	// 追加尾部第一行必须是 session_resumed
	f, err := os.Open(logPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo <= linesBefore {
			continue
		}
		var ev eventlog.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Type != eventlog.EventSessionResumed {
			t.Fatalf("first appended event must be session_resumed, got %s", ev.Type)
		}
		if ev.MessagesRestored != 6 { // 3 user + 3 assistant Message 事件
			t.Fatalf("expected 6 restored messages, got %d", ev.MessagesRestored)
		}
		break
	}
}

func eventLogPath(t *testing.T, id string) string {
	t.Helper()
	sessions, err := eventlog.ListRecentSessions(1)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range sessions {
		if s.SessionID == id {
			return s.LogPath
		}
	}
	t.Fatalf("session %s log not found", id)
	return ""
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		n++
	}
	return n
}
