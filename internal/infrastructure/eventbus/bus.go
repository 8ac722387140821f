package eventbus

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event 总线事件
type Event struct {
	Type      string
	SessionID string
	Payload   any
	Timestamp time.Time
}

// NewEvent 构造事件
func NewEvent(eventType, sessionID string, payload any) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// 预定义事件类型
const (
	TypeAgentEvent    = "agent_event"
	TypePlanEvent     = "plan_event"
	TypeSubagentEvent = "subagent_event"
	TypeSessionStart  = "session_start"
	TypeSessionEnd    = "session_end"
	TypeError         = "error"
)

// Subscription 订阅句柄。Events 在取消订阅或总线关闭后被关闭。
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Cancel 取消订阅
func (s *Subscription) Cancel() {
	s.cancel()
}

// Bus 单生产者多订阅者的会话广播总线。
// 事件按发布顺序到达每个订阅者; 跨会话不保证顺序。
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
	buffer int
	logger *zap.Logger
}

// NewBus 创建总线; buffer 是每个订阅者的通道缓冲。
func NewBus(buffer int, logger *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe 新建订阅
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return &Subscription{Events: ch, cancel: func() {}}
	}
	b.subs[id] = ch

	return &Subscription{
		Events: ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		},
	}
}

// Publish 向全部订阅者广播。慢订阅者的缓冲满时丢弃并告警,
// 发布方永不阻塞。
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("Subscriber buffer full, dropping event",
				zap.String("type", ev.Type),
				zap.Int("subscriber", id),
			)
		}
	}
}

// Close 关闭总线和全部订阅通道
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
