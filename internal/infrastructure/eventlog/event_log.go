package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/entity"
)

// EventType 会话日志事件类型
type EventType string

const (
	EventSessionStart      EventType = "session_start"
	EventUserMessage       EventType = "user_message"
	EventAssistantMessage  EventType = "assistant_message"
	EventMessage           EventType = "message"
	EventToolExecution     EventType = "tool_execution"
	EventToolResult        EventType = "tool_result"
	EventContextCompaction EventType = "context_compaction"
	EventTokenUsage        EventType = "token_usage"
	EventSessionEnd        EventType = "session_end"
	EventError             EventType = "error"
	EventCheckpointCreated EventType = "checkpoint_created"
	EventSessionResumed    EventType = "session_resumed"
)

// Event 会话日志事件 (tagged union, 每个变体都带 UTC 时间戳)。
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// session_start
	SessionID   string `json:"session_id,omitempty"`
	ProjectPath string `json:"project_path,omitempty"`
	Model       string `json:"model,omitempty"`

	// user_message / assistant_message
	Content string `json:"content,omitempty"`

	// message (完整内容块)
	Message *entity.Message `json:"message,omitempty"`

	// tool_execution / tool_result
	ToolName string          `json:"tool_name,omitempty"`
	ToolID   string          `json:"tool_id,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Success  bool            `json:"success,omitempty"`
	Output   string          `json:"output,omitempty"`

	// context_compaction
	MessagesBefore  int `json:"messages_before,omitempty"`
	MessagesAfter   int `json:"messages_after,omitempty"`
	TokensBefore    int `json:"tokens_before,omitempty"`
	TokensAfter     int `json:"tokens_after,omitempty"`
	CompactionCount int `json:"compaction_count,omitempty"`

	// token_usage
	InputTokens         int  `json:"input_tokens,omitempty"`
	OutputTokens        int  `json:"output_tokens,omitempty"`
	CacheReadTokens     *int `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens *int `json:"cache_creation_tokens,omitempty"`
	CumulativeInput     int  `json:"cumulative_input,omitempty"`
	CumulativeOutput    int  `json:"cumulative_output,omitempty"`

	// session_end
	Reason        string `json:"reason,omitempty"`
	TotalMessages int    `json:"total_messages,omitempty"`
	TotalTokens   int    `json:"total_tokens,omitempty"`

	// error
	Error        string `json:"error,omitempty"`
	ErrorContext string `json:"context,omitempty"`

	// checkpoint_created
	CheckpointID string `json:"checkpoint_id,omitempty"`
	Label        string `json:"label,omitempty"`

	// session_resumed
	OriginalSessionID string `json:"original_session_id,omitempty"`
	MessagesRestored  int    `json:"messages_restored,omitempty"`
}

// Header JSONL 文件首行
type Header struct {
	Version     string    `json:"version"`
	SessionID   string    `json:"session_id"`
	ProjectPath string    `json:"project_path"`
	Model       string    `json:"model"`
	CreatedAt   time.Time `json:"created_at"`
}

// logVersion 当前日志格式版本
const logVersion = "1.0"

// Logger 追加式 JSONL 会话日志。每行写后即 flush, 崩溃安全。
// 布局: <config>/safe-coder/sessions/YYYY/MM/DD/session-<id>.jsonl
type Logger struct {
	sessionID string
	logPath   string
	file      *os.File
	writer    *bufio.Writer

	cumulativeInput  int
	cumulativeOutput int
	compactionCount  int
}

// baseDir 会话日志根目录; 可注入用于测试。
var baseDir = defaultBaseDir

func defaultBaseDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config directory unavailable: %w", err)
	}
	return filepath.Join(dir, "safe-coder", "sessions"), nil
}

// SetBaseDir 覆盖日志根目录 (测试用)
func SetBaseDir(dir string) {
	baseDir = func() (string, error) { return dir, nil }
}

// New 为新会话创建日志并写入头行
func New(sessionID, projectPath, model string) (*Logger, error) {
	logPath, err := sessionLogPath(sessionID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}

	l := &Logger{
		sessionID: sessionID,
		logPath:   logPath,
		file:      file,
		writer:    bufio.NewWriter(file),
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.Size() == 0 {
		header := Header{
			Version:     logVersion,
			SessionID:   sessionID,
			ProjectPath: projectPath,
			Model:       model,
			CreatedAt:   time.Now().UTC(),
		}
		raw, err := json.Marshal(header)
		if err != nil {
			file.Close()
			return nil, err
		}
		if err := l.writeLine(raw); err != nil {
			file.Close()
			return nil, err
		}
	}
	return l, nil
}

// Resume 打开既有会话日志用于追加; 扫描恢复累计 token 和压缩计数。
func Resume(sessionID string) (*Logger, error) {
	logPath, err := findSessionLog(sessionID)
	if err != nil {
		return nil, err
	}

	ci, co, cc, err := scanCounters(logPath)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}

	return &Logger{
		sessionID:        sessionID,
		logPath:          logPath,
		file:             file,
		writer:           bufio.NewWriter(file),
		cumulativeInput:  ci,
		cumulativeOutput: co,
		compactionCount:  cc,
	}, nil
}

// Log 追加一个事件 (缺省补 UTC 时间戳)
func (l *Logger) Log(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return l.writeLine(raw)
}

// LogUserMessage 记录用户消息
func (l *Logger) LogUserMessage(content string) error {
	return l.Log(Event{Type: EventUserMessage, Content: content})
}

// LogAssistantMessage 记录助手消息
func (l *Logger) LogAssistantMessage(content string) error {
	return l.Log(Event{Type: EventAssistantMessage, Content: content})
}

// LogMessage 记录完整内容块消息 (回放数据源)
func (l *Logger) LogMessage(msg entity.Message) error {
	return l.Log(Event{Type: EventMessage, Message: &msg})
}

// LogToolExecution 记录工具执行
func (l *Logger) LogToolExecution(toolName, toolID string, input json.RawMessage) error {
	return l.Log(Event{Type: EventToolExecution, ToolName: toolName, ToolID: toolID, Input: input})
}

// LogToolResult 记录工具结果
func (l *Logger) LogToolResult(toolID string, success bool, output string) error {
	return l.Log(Event{Type: EventToolResult, ToolID: toolID, Success: success, Output: output})
}

// LogTokenUsage 记录 token 用量并更新累计值
func (l *Logger) LogTokenUsage(usage entity.Usage) error {
	l.cumulativeInput += usage.InputTokens
	l.cumulativeOutput += usage.OutputTokens
	return l.Log(Event{
		Type:                EventTokenUsage,
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		CacheReadTokens:     usage.CacheReadTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		CumulativeInput:     l.cumulativeInput,
		CumulativeOutput:    l.cumulativeOutput,
	})
}

// LogCompaction 记录上下文压缩
func (l *Logger) LogCompaction(messagesBefore, messagesAfter, tokensBefore, tokensAfter int) error {
	l.compactionCount++
	return l.Log(Event{
		Type:            EventContextCompaction,
		MessagesBefore:  messagesBefore,
		MessagesAfter:   messagesAfter,
		TokensBefore:    tokensBefore,
		TokensAfter:     tokensAfter,
		CompactionCount: l.compactionCount,
	})
}

// LogSessionEnd 记录会话结束
func (l *Logger) LogSessionEnd(reason string, totalMessages int) error {
	return l.Log(Event{
		Type:          EventSessionEnd,
		Reason:        reason,
		TotalMessages: totalMessages,
		TotalTokens:   l.cumulativeInput + l.cumulativeOutput,
	})
}

// LogError 记录错误
func (l *Logger) LogError(errText, errContext string) error {
	return l.Log(Event{Type: EventError, Error: errText, ErrorContext: errContext})
}

// LogSessionResumed 记录会话恢复
func (l *Logger) LogSessionResumed(originalID string, messagesRestored int) error {
	return l.Log(Event{
		Type:              EventSessionResumed,
		OriginalSessionID: originalID,
		MessagesRestored:  messagesRestored,
	})
}

// SessionID 会话 id
func (l *Logger) SessionID() string { return l.sessionID }

// LogPath 日志文件路径
func (l *Logger) LogPath() string { return l.logPath }

// CompactionCount 压缩次数
func (l *Logger) CompactionCount() int { return l.compactionCount }

// CumulativeTokens 累计 (输入, 输出) token
func (l *Logger) CumulativeTokens() (int, int) {
	return l.cumulativeInput, l.cumulativeOutput
}

// Close 关闭日志文件
func (l *Logger) Close() error {
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

func (l *Logger) writeLine(raw []byte) error {
	if _, err := l.writer.Write(raw); err != nil {
		return err
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		return err
	}
	// 每行即时落盘
	return l.writer.Flush()
}

// SessionInfo 会话摘要 (不加载消息体)
type SessionInfo struct {
	SessionID   string
	ProjectPath string
	Model       string
	CreatedAt   time.Time
	LogPath     string
	EventCount  int
}

// ListRecentSessions 遍历最近 n 天的日期目录, 按创建时间倒序。
func ListRecentSessions(days int) ([]SessionInfo, error) {
	root, err := baseDir()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}

	var sessions []SessionInfo
	now := time.Now().UTC()
	for offset := 0; offset < days; offset++ {
		date := now.AddDate(0, 0, -offset)
		dayDir := filepath.Join(root, date.Format("2006"), date.Format("01"), date.Format("02"))
		entries, err := os.ReadDir(dayDir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
				continue
			}
			info, err := parseSessionFile(filepath.Join(dayDir, e.Name()))
			if err == nil && info != nil {
				sessions = append(sessions, *info)
			}
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// LoadMessages 按序返回日志中的 Message 事件。
func LoadMessages(sessionID string) ([]entity.Message, error) {
	logPath, err := findSessionLog(sessionID)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(logPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var messages []entity.Message
	scanner := newLineScanner(file)
	first := true
	for scanner.Scan() {
		if first {
			first = false // 跳过头行
			continue
		}
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if ev.Type == EventMessage && ev.Message != nil {
			messages = append(messages, *ev.Message)
		}
	}
	return messages, scanner.Err()
}

func parseSessionFile(path string) (*SessionInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := newLineScanner(file)
	if !scanner.Scan() {
		return nil, nil
	}
	var header Header
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil || header.SessionID == "" {
		return nil, nil
	}

	count := 0
	for scanner.Scan() {
		count++
	}

	return &SessionInfo{
		SessionID:   header.SessionID,
		ProjectPath: header.ProjectPath,
		Model:       header.Model,
		CreatedAt:   header.CreatedAt,
		LogPath:     path,
		EventCount:  count,
	}, nil
}

// scanCounters 恢复累计 token / 压缩计数 (取最后一次出现的值)
func scanCounters(logPath string) (int, int, int, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return 0, 0, 0, err
	}
	defer file.Close()

	var ci, co, cc int
	scanner := newLineScanner(file)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case EventTokenUsage:
			ci, co = ev.CumulativeInput, ev.CumulativeOutput
		case EventContextCompaction:
			cc = ev.CompactionCount
		}
	}
	return ci, co, cc, scanner.Err()
}

// sessionLogPath 当日目录下的日志路径
func sessionLogPath(sessionID string, now time.Time) (string, error) {
	root, err := baseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(root,
		now.Format("2006"), now.Format("01"), now.Format("02"),
		fmt.Sprintf("session-%s.jsonl", sessionID)), nil
}

// findSessionLog 在最近 90 天内查找会话日志
func findSessionLog(sessionID string) (string, error) {
	now := time.Now().UTC()
	for offset := 0; offset < 90; offset++ {
		path, err := sessionLogPath(sessionID, now.AddDate(0, 0, -offset))
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("session log not found: %s", sessionID)
}

func newLineScanner(file *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return scanner
}
