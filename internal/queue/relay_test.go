package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testStream = "paid_channel:test_events"

func newRelayHarness(t *testing.T, sink Publisher) (*rd.Client, *Relay) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	r := NewRelay(rdb, sink, testStream, "relay-group", "relay-1")
	require.NoError(t, r.ensureGroup(context.Background()))
	// 重复创建组视为成功。
	require.NoError(t, r.ensureGroup(context.Background()))
	return rdb, r
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, LifecycleEvent) error {
	return errors.New("broker unavailable")
}

func TestStreamPublisherToRelay(t *testing.T) {
	var sink Memory
	rdb, r := newRelayHarness(t, &sink)
	ctx := context.Background()

	ev := sampleEvent()
	ev.Detail = "manual"
	require.NoError(t, NewStreamPublisher(rdb, testStream).Publish(ctx, ev))
	assert.Error(t, NewStreamPublisher(rdb, testStream).Publish(ctx, LifecycleEvent{}), "invalid events never reach the stream")

	n, err := rdb.XLen(ctx, testStream).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	msgs, err := r.readGroup(ctx, ">", 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, r.processOne(ctx, msgs[0]))
	assert.Equal(t, []LifecycleEvent{ev}, sink.Events())

	// 发布成功后消息被 ACK 并删除。
	n, err = rdb.XLen(ctx, testStream).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayKeepsMessageWhenPublishFails(t *testing.T) {
	rdb, r := newRelayHarness(t, failingPublisher{})
	ctx := context.Background()

	require.NoError(t, NewStreamPublisher(rdb, testStream).Publish(ctx, sampleEvent()))
	msgs, err := r.readGroup(ctx, ">", 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	assert.Error(t, r.processOne(ctx, msgs[0]))

	n, err := rdb.XLen(ctx, testStream).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// 未 ACK 的消息仍在本消费者的 pending 列表里，下一轮从 "0" 读回。
	pending, err := r.readGroup(ctx, "0", 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, msgs[0].ID, pending[0].ID)
}

func TestRelayDropsMalformedMessage(t *testing.T) {
	var sink Memory
	rdb, r := newRelayHarness(t, &sink)
	ctx := context.Background()

	require.NoError(t, rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: testStream,
		Values: map[string]any{"event_id": "x", "type": "unknown"},
	}).Err())

	msgs, err := r.readGroup(ctx, ">", 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, r.processOne(ctx, msgs[0]))
	assert.Empty(t, sink.Events())
	n, err := rdb.XLen(ctx, testStream).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}
