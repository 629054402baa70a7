package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"paid_channel/internal/metrics"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Relay 将 Redis Stream 事件异步转发到 Kafka。
// 语义：下游发布成功后才 ACK Stream，失败则保留消息等待重试。
type Relay struct {
	rdb  *rd.Client
	sink Publisher

	stream   string
	group    string
	consumer string
}

func NewRelay(rdb *rd.Client, sink Publisher, stream, group, consumer string) *Relay {
	return &Relay{
		rdb:      rdb,
		sink:     sink,
		stream:   stream,
		group:    group,
		consumer: consumer,
	}
}

func (r *Relay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		log.Error().Err(err).Str("stream", r.stream).Msg("relay ensure group")
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		// 先处理当前消费者历史 pending，避免遗留消息长期堆积。
		msgs, err := r.readGroup(ctx, "0", 0)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Warn().Err(err).Msg("relay read pending")
			time.Sleep(300 * time.Millisecond)
			continue
		}
		if len(msgs) == 0 {
			msgs, err = r.readGroup(ctx, ">", 2*time.Second)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				log.Warn().Err(err).Msg("relay read new")
				time.Sleep(300 * time.Millisecond)
				continue
			}
		}

		for _, xm := range msgs {
			if err := r.processOne(ctx, xm); err != nil {
				// 发布失败不 ACK，消息会继续保留用于重试。
				log.Warn().Err(err).Str("msg_id", xm.ID).Msg("relay process message")
				time.Sleep(200 * time.Millisecond)
				break
			}
		}
	}
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := r.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    16,
		Block:    block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 16)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	ev, err := parseLifecycleEvent(xm.Values)
	if err != nil {
		// 脏消息直接 ACK 丢弃，避免阻塞队列。
		metrics.EventsRelayed.WithLabelValues("dropped").Inc()
		log.Warn().Err(err).Str("msg_id", xm.ID).Msg("relay drop malformed event")
		if ackErr := r.ackAndDelete(ctx, xm.ID); ackErr != nil {
			return fmt.Errorf("parse failed: %v, ack failed: %w", err, ackErr)
		}
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.sink.Publish(pubCtx, ev); err != nil {
		return err
	}
	metrics.EventsRelayed.WithLabelValues("relayed").Inc()
	return r.ackAndDelete(ctx, xm.ID)
}

func (r *Relay) ackAndDelete(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func parseLifecycleEvent(values map[string]interface{}) (LifecycleEvent, error) {
	var ev LifecycleEvent
	var err error

	if ev.EventID, err = getStreamString(values, "event_id"); err != nil {
		return LifecycleEvent{}, err
	}
	if ev.Type, err = getStreamString(values, "type"); err != nil {
		return LifecycleEvent{}, err
	}
	if ev.ChannelID, err = getStreamInt(values, "channel_id", true); err != nil {
		return LifecycleEvent{}, err
	}
	if ev.UserID, err = getStreamInt(values, "user_id", true); err != nil {
		return LifecycleEvent{}, err
	}
	if ev.OccurredAt, err = getStreamInt(values, "occurred_at", true); err != nil {
		return LifecycleEvent{}, err
	}
	if ev.ExpireAt, err = getStreamInt(values, "expire_at", false); err != nil {
		return LifecycleEvent{}, err
	}
	tariffID, err := getStreamInt(values, "tariff_id", false)
	if err != nil {
		return LifecycleEvent{}, err
	}
	orderID, err := getStreamInt(values, "order_id", false)
	if err != nil {
		return LifecycleEvent{}, err
	}
	if tariffID < 0 || orderID < 0 {
		return LifecycleEvent{}, fmt.Errorf("negative id")
	}
	ev.TariffID = uint(tariffID)
	ev.OrderID = uint(orderID)
	if _, ok := values["detail"]; ok {
		if ev.Detail, err = getStreamString(values, "detail"); err != nil {
			return LifecycleEvent{}, err
		}
	}

	if err := ev.Validate(); err != nil {
		return LifecycleEvent{}, err
	}
	return ev, nil
}

// getStreamInt required=false 时字段缺失或为空返回 0。
func getStreamInt(values map[string]interface{}, key string, required bool) (int64, error) {
	if _, ok := values[key]; !ok && !required {
		return 0, nil
	}
	s, err := getStreamString(values, key)
	if err != nil {
		return 0, err
	}
	if s == "" && !required {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, s)
	}
	return n, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatInt(int64(x), 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
