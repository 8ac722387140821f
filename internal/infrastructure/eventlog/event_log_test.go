package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
)

func setupLogDir(t *testing.T) {
	t.Helper()
	SetBaseDir(t.TempDir())
}

func TestHeaderWrittenOnce(t *testing.T) {
	setupLogDir(t)
	l, err := New("sess-1", "/proj", "claude-sonnet")
	if err != nil {
		t.Fatal(err)
	}
	_ = l.LogUserMessage("hello")
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(l.LogPath())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("missing header line")
	}
	var header Header
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		t.Fatal(err)
	}
	if header.Version != "1.0" || header.SessionID != "sess-1" || header.ProjectPath != "/proj" || header.Model != "claude-sonnet" {
		t.Fatalf("bad header: %+v", header)
	}
}

func TestEventRecordsRoundTripByteEqual(t *testing.T) {
	setupLogDir(t)
	l, err := New("sess-rt", "/proj", "m")
	if err != nil {
		t.Fatal(err)
	}
	_ = l.LogUserMessage("first")
	_ = l.LogToolExecution("bash", "t1", json.RawMessage(`{"command":"ls"}`))
	_ = l.LogToolResult("t1", true, "files")
	_ = l.Close()

	data, err := os.ReadFile(l.LogPath())
	if err != nil {
		t.Fatal(err)
	}

	// 逐行重编码后字节一致 (尾随换行除外)
	f, _ := os.Open(l.LogPath())
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var rebuilt []byte
	first := true
	for scanner.Scan() {
		line := append([]byte{}, scanner.Bytes()...)
		if first {
			first = false
			rebuilt = append(rebuilt, line...)
			rebuilt = append(rebuilt, '\n')
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			t.Fatal(err)
		}
		re, err := json.Marshal(ev)
		if err != nil {
			t.Fatal(err)
		}
		if string(re) != string(line) {
			t.Fatalf("record not byte-stable:\n got %s\nwant %s", re, line)
		}
		rebuilt = append(rebuilt, line...)
		rebuilt = append(rebuilt, '\n')
	}
	if string(rebuilt) != string(data) {
		t.Fatal("file content mismatch after rebuild")
	}
}

func TestResumeRecoversCounters(t *testing.T) {
	setupLogDir(t)
	l, err := New("sess-2", "/proj", "m")
	if err != nil {
		t.Fatal(err)
	}
	_ = l.LogTokenUsage(entity.Usage{InputTokens: 100, OutputTokens: 50})
	_ = l.LogTokenUsage(entity.Usage{InputTokens: 30, OutputTokens: 20})
	_ = l.LogCompaction(20, 11, 4000, 2000)
	_ = l.Close()

	resumed, err := Resume("sess-2")
	if err != nil {
		t.Fatal(err)
	}
	defer resumed.Close()

	in, out := resumed.CumulativeTokens()
	if in != 130 || out != 70 {
		t.Fatalf("expected 130/70 cumulative, got %d/%d", in, out)
	}
	if resumed.CompactionCount() != 1 {
		t.Fatalf("expected 1 compaction, got %d", resumed.CompactionCount())
	}
}

func TestLoadMessagesReturnsOnlyMessageEvents(t *testing.T) {
	setupLogDir(t)
	l, err := New("sess-3", "/proj", "m")
	if err != nil {
		t.Fatal(err)
	}
	_ = l.LogUserMessage("plain text event")
	_ = l.LogMessage(entity.NewUserMessage("one"))
	_ = l.LogMessage(entity.NewAssistantMessage("two"))
	_ = l.LogError("boom", "test")
	_ = l.LogMessage(entity.NewUserMessage("three"))
	_ = l.Close()

	messages, err := LoadMessages("sess-3")
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	if messages[0].Text() != "one" || messages[1].Text() != "two" || messages[2].Text() != "three" {
		t.Fatal("messages out of order")
	}
	if messages[1].Role != entity.RoleAssistant {
		t.Fatal("roles must round-trip")
	}
}

func TestListRecentSessions(t *testing.T) {
	setupLogDir(t)
	for _, id := range []string{"a1", "a2"} {
		l, err := New(id, "/proj/"+id, "m")
		if err != nil {
			t.Fatal(err)
		}
		_ = l.LogUserMessage("hi")
		_ = l.Close()
	}

	sessions, err := ListRecentSessions(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	for _, s := range sessions {
		if s.EventCount != 1 {
			t.Fatalf("expected 1 event (header excluded), got %d", s.EventCount)
		}
	}
}

func TestResumeMissingSession(t *testing.T) {
	setupLogDir(t)
	if _, err := Resume("never-existed"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}
