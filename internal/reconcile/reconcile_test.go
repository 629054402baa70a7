package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"paid_channel/internal/clock"
	"paid_channel/internal/model"
	"paid_channel/internal/notify"
	"paid_channel/internal/notify/notifytest"
	"paid_channel/internal/queue"
	"paid_channel/internal/store"
	"paid_channel/internal/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	channelID int64 = -1001
	ownerID   int64 = 7
	buyerID   int64 = 42
)

var start = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	st     *store.Store
	clk    *clock.Fake
	gw     *notifytest.Recorder
	events *queue.Memory
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := clock.NewFake(start)
	st, err := store.Open(filepath.Join(t.TempDir(), "rc.db"), store.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.UpsertChannel(context.Background(), model.Channel{ChannelID: channelID, OwnerID: ownerID, Title: "Alpha"}))
	return &env{st: st, clk: clk, gw: notifytest.NewRecorder(), events: &queue.Memory{}}
}

func (e *env) reconciler(cfg Config, opts ...Option) *Reconciler {
	opts = append([]Option{WithPublisher(e.events)}, opts...)
	return New(e.st, e.gw, notify.Links{BotUsername: "paid_bot"}, e.clk, cfg, opts...)
}

func TestEndToEndLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	svc := workflow.New(e.st, e.gw, e.events, time.UTC)

	tariff, err := e.st.CreateTariff(ctx, channelID, "Month", 30, 500)
	require.NoError(t, err)
	key := model.OrderKey{ChannelID: channelID, UserID: buyerID, TariffID: tariff.ID}

	q, err := svc.PlaceOrder(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, q.Order.Status)
	pr, err := svc.SubmitProof(ctx, key, "file-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderAwaiting, pr.Order.Status)
	ap, err := svc.Approve(ctx, key, ownerID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderApproved, ap.Order.Status)
	assert.Equal(t, start.Add(30*24*time.Hour).Unix(), ap.Subscription.ExpireAt)

	rc := e.reconciler(Config{})
	e.gw.Reset()

	// 29 天 23 小时：进入提醒窗口。
	e.clk.Set(start.Add(30*24*time.Hour - time.Hour))
	rep := rc.Tick(ctx)
	assert.Equal(t, 1, rep.Reminded)
	assert.Equal(t, 0, rep.Expired)
	reminders := e.gw.CallsOf("send_message")
	require.Len(t, reminders, 1)
	assert.Equal(t, buyerID, reminders[0].Recipient)
	assert.Contains(t, reminders[0].Text, "Alpha")
	assert.Contains(t, reminders[0].Text, "31.03.2025 12:00")
	require.Len(t, reminders[0].Actions, 1)
	assert.Equal(t, "https://t.me/paid_bot?start=-1001", reminders[0].Actions[0].URL)

	sub, err := e.st.GetSubscription(ctx, channelID, buyerID)
	require.NoError(t, err)
	assert.True(t, sub.Reminded1h)

	// 闩锁生效，不重复提醒。
	e.clk.Advance(30 * time.Minute)
	rep = rc.Tick(ctx)
	assert.Equal(t, 0, rep.Due)
	assert.Len(t, e.gw.CallsOf("send_message"), 1)

	// 到期后：踢出并删除。
	e.clk.Set(start.Add(30*24*time.Hour + time.Minute))
	rep = rc.Tick(ctx)
	assert.Equal(t, 1, rep.Revoked)
	assert.Equal(t, 1, rep.Removed)
	revokes := e.gw.CallsOf("revoke")
	require.Len(t, revokes, 1)
	assert.Equal(t, channelID, revokes[0].ChannelID)
	_, err = e.st.GetSubscription(ctx, channelID, buyerID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Contains(t, e.events.Types(), queue.EventReminderSent)
	assert.Contains(t, e.events.Types(), queue.EventRevoked)
}

func TestExpirySweepIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.st.Grant(ctx, channelID, buyerID, 1)
	require.NoError(t, err)
	e.clk.Advance(48 * time.Hour)

	rc := e.reconciler(Config{})
	rep := rc.Tick(ctx)
	assert.Equal(t, 1, rep.Removed)

	e.gw.Reset()
	rep = rc.Tick(ctx)
	assert.Equal(t, 0, rep.Expired)
	assert.Empty(t, e.gw.Calls())
}

func TestRevokeFailureStillRemovesByDefault(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.st.Grant(ctx, channelID, buyerID, 1)
	require.NoError(t, err)
	e.clk.Advance(48 * time.Hour)
	e.gw.Fail("revoke")

	rep := e.reconciler(Config{}).Tick(ctx)
	assert.Equal(t, 1, rep.RevokeFailed)
	assert.Equal(t, 1, rep.Removed)
	_, err = e.st.GetSubscription(ctx, channelID, buyerID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, e.events.Types(), queue.EventRevokeAbandoned)
}

func TestRevokeRetryPolicy(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.st.Grant(ctx, channelID, buyerID, 1)
	require.NoError(t, err)
	e.clk.Advance(48 * time.Hour)
	e.gw.Fail("revoke")

	rc := e.reconciler(Config{MaxAttempts: 3})
	for i := 1; i <= 2; i++ {
		rep := rc.Tick(ctx)
		assert.Equal(t, 1, rep.Kept, "tick %d", i)
		sub, err := e.st.GetSubscription(ctx, channelID, buyerID)
		require.NoError(t, err)
		assert.Equal(t, i, sub.RevokeAttempts)
	}

	rep := rc.Tick(ctx)
	assert.Equal(t, 0, rep.Kept)
	assert.Equal(t, 1, rep.Removed)
	assert.Len(t, e.gw.CallsOf("revoke"), 3)
}

func TestRevokeRetrySucceedsLater(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.st.Grant(ctx, channelID, buyerID, 1)
	require.NoError(t, err)
	e.clk.Advance(48 * time.Hour)

	rc := e.reconciler(Config{MaxAttempts: 3})
	e.gw.Fail("revoke")
	assert.Equal(t, 1, rc.Tick(ctx).Kept)

	e.gw.Recover("revoke")
	rep := rc.Tick(ctx)
	assert.Equal(t, 1, rep.Revoked)
	assert.Equal(t, 1, rep.Removed)
}

func TestReminderFailureDoesNotLatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.st.Grant(ctx, channelID, buyerID, 1)
	require.NoError(t, err)
	e.clk.Advance(24*time.Hour - 50*time.Minute)

	rc := e.reconciler(Config{})
	e.gw.Fail("send_message")
	rep := rc.Tick(ctx)
	assert.Equal(t, 1, rep.ReminderFailed)
	sub, err := e.st.GetSubscription(ctx, channelID, buyerID)
	require.NoError(t, err)
	assert.False(t, sub.Reminded1h)

	e.gw.Recover("send_message")
	rep = rc.Tick(ctx)
	assert.Equal(t, 1, rep.Reminded)
	sub, err = e.st.GetSubscription(ctx, channelID, buyerID)
	require.NoError(t, err)
	assert.True(t, sub.Reminded1h)
}

func TestReminderTitleFallback(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.st.Grant(ctx, -2002, buyerID, 1)
	require.NoError(t, err)
	e.clk.Advance(24*time.Hour - 10*time.Minute)

	rep := e.reconciler(Config{}).Tick(ctx)
	assert.Equal(t, 1, rep.Reminded)
	msgs := e.gw.CallsOf("send_message")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "ID -2002")
	assert.EqualValues(t, 1, rep.Integrity.OrphanSubscriptions)
}

func TestRenewalAfterReminderGetsFreshReminder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.st.Grant(ctx, channelID, buyerID, 1)
	require.NoError(t, err)

	rc := e.reconciler(Config{})
	e.clk.Advance(24*time.Hour - 30*time.Minute)
	assert.Equal(t, 1, rc.Tick(ctx).Reminded)

	_, err = e.st.Grant(ctx, channelID, buyerID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, rc.Tick(ctx).Due)

	e.clk.Advance(24 * time.Hour)
	assert.Equal(t, 1, rc.Tick(ctx).Reminded)
	assert.Len(t, e.gw.CallsOf("send_message"), 2)
}

type stubLeader struct {
	held bool
	err  error
}

func (s stubLeader) Hold(context.Context) (bool, error) { return s.held, s.err }

func TestTickSkippedWithoutLease(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.st.Grant(ctx, channelID, buyerID, 1)
	require.NoError(t, err)
	e.clk.Advance(48 * time.Hour)

	rep := e.reconciler(Config{}, WithLeader(stubLeader{held: false})).Tick(ctx)
	assert.True(t, rep.Skipped)
	rep = e.reconciler(Config{}, WithLeader(stubLeader{err: errors.New("redis down")})).Tick(ctx)
	assert.True(t, rep.Skipped)
	assert.Empty(t, e.gw.Calls())

	rep = e.reconciler(Config{}, WithLeader(stubLeader{held: true})).Tick(ctx)
	assert.False(t, rep.Skipped)
	assert.Equal(t, 1, rep.Removed)
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	_, err := e.st.Grant(context.Background(), channelID, buyerID, 1)
	require.NoError(t, err)
	e.clk.Advance(48 * time.Hour)

	rc := e.reconciler(Config{Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rc.Run(ctx)
		close(done)
	}()

	// 首轮立即执行。
	require.Eventually(t, func() bool { return len(e.gw.CallsOf("revoke")) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
