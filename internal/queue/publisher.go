package queue

import (
	"context"
	"sync"

	"paid_channel/internal/metrics"

	rd "github.com/redis/go-redis/v9"
)

// Publisher 发布生命周期事件。业务侧只做尽力而为的发布，失败不影响主流程。
type Publisher interface {
	Publish(ctx context.Context, ev LifecycleEvent) error
}

// StreamPublisher 写入 Redis Stream（outbox），由 Relay 异步转发到 Kafka。
type StreamPublisher struct {
	rdb    *rd.Client
	stream string
	maxLen int64
}

func NewStreamPublisher(rdb *rd.Client, stream string) *StreamPublisher {
	return &StreamPublisher{rdb: rdb, stream: stream, maxLen: 100000}
}

func (p *StreamPublisher) Publish(ctx context.Context, ev LifecycleEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	err := p.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: ev.streamValues(),
	}).Err()
	if err == nil {
		metrics.EventsRelayed.WithLabelValues("published").Inc()
	}
	return err
}

// Discard 未启用 Redis 时使用。
type Discard struct{}

func (Discard) Publish(context.Context, LifecycleEvent) error { return nil }

// Memory 收集事件，测试用。
type Memory struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (m *Memory) Publish(_ context.Context, ev LifecycleEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Types 按发布顺序返回事件类型。
func (m *Memory) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Type)
	}
	return out
}

func (m *Memory) Events() []LifecycleEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LifecycleEvent, len(m.events))
	copy(out, m.events)
	return out
}
