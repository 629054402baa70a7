package queue

import (
	"context"
	"encoding/json"
	"time"

	"paid_channel/internal/metrics"
	"paid_channel/internal/model"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// EventSink 持久化事件，event_id 重复时返回 inserted=false。store.Store 实现它。
type EventSink interface {
	SaveEvent(ctx context.Context, ev *model.LifecycleEvent) (bool, error)
}

// Consumer 从 Kafka 读取生命周期事件并落库（审计）。
type Consumer struct {
	r    *kafka.Reader
	sink EventSink

	retryDelay    time.Duration
	maxRetryDelay time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, sink EventSink) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		sink:          sink,
		retryDelay:    500 * time.Millisecond,
		maxRetryDelay: 10 * time.Second,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

// Run 逐条落库后提交 offset。offset 提交是累积的，落库失败时不能跳到下一条，
// 只能退避重试同一条，直到成功或 ctx 取消。
func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			return // ctx cancel / 连接断开等
		}
		if err := c.store(ctx, m.Value); err != nil {
			return
		}
		if err := c.r.CommitMessages(ctx, m); err != nil {
			log.Warn().Err(err).Int64("offset", m.Offset).Msg("consumer commit")
		}
	}
}

// store 反复执行 handle 直到成功；只有 ctx 取消时返回错误，此时消息未提交，重启后重放。
func (c *Consumer) store(ctx context.Context, raw []byte) error {
	delay := c.retryDelay
	for {
		err := c.handle(ctx, raw)
		if err == nil {
			return nil
		}
		log.Error().Err(err).Dur("retry_in", delay).Msg("consumer store event")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > c.maxRetryDelay {
			delay = c.maxRetryDelay
		}
	}
}

// handle 脏消息返回 nil（丢弃），只有存储错误才需要重放。
func (c *Consumer) handle(ctx context.Context, raw []byte) error {
	var ev LifecycleEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		metrics.EventsRelayed.WithLabelValues("dropped").Inc()
		log.Warn().Err(err).Msg("consumer unmarshal")
		return nil
	}
	if err := ev.Validate(); err != nil {
		metrics.EventsRelayed.WithLabelValues("dropped").Inc()
		log.Warn().Err(err).Str("event_id", ev.EventID).Msg("consumer invalid event")
		return nil
	}

	inserted, err := c.sink.SaveEvent(ctx, ev.Model())
	if err != nil {
		return err
	}
	// 幂等：重复消息直接当作成功
	if inserted {
		metrics.EventsRelayed.WithLabelValues("stored").Inc()
	}
	return nil
}
