// Package notify 在运行结束后对外发布完成通知。
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Event 描述一次运行的结束情况。
type Event struct {
	RunID      string    `json:"run_id"`
	Task       string    `json:"task"`
	Status     string    `json:"status"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	Chunks     int       `json:"chunks"`
	Dropped    int       `json:"dropped"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration 返回运行耗时。
func (e Event) Duration() time.Duration {
	return e.FinishedAt.Sub(e.StartedAt)
}

// Encode 把事件编码为 JSON。
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher 负责投递通知。实现必须并发安全。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop 丢弃所有通知。
type Nop struct{}

// Publish 实现 Publisher 接口。
func (Nop) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher 接口。
func (Nop) Close() error { return nil }

// MemoryPublisher 在内存中保留最近的通知，主要用于测试与本地调试。
type MemoryPublisher struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

// NewMemoryPublisher 创建内存通知器，limit <= 0 时保留 100 条。
func NewMemoryPublisher(limit int) *MemoryPublisher {
	if limit <= 0 {
		limit = 100
	}
	return &MemoryPublisher{limit: limit}
}

// Publish 追加通知，超过上限时丢弃最早的一条。
func (m *MemoryPublisher) Publish(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	if len(m.events) > m.limit {
		m.events = append(m.events[:0:0], m.events[len(m.events)-m.limit:]...)
	}
	return nil
}

// Events 返回已发布通知的副本，按发布顺序排列。
func (m *MemoryPublisher) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Close 实现 Publisher 接口。
func (m *MemoryPublisher) Close() error { return nil }

// Multi 把通知依次投递给多个发布器，单个失败不影响其余发布器。
type Multi []Publisher

// Publish 实现 Publisher 接口，返回所有失败的合并错误。
func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close 关闭全部发布器。
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
