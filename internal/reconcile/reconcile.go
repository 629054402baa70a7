// Package reconcile 周期性对齐真实的频道成员关系与存储中的订阅：
// 过期即踢出并删除授权，到期前发送一次续费提醒，同时巡检数据缺口。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paid_channel/internal/clock"
	"paid_channel/internal/metrics"
	"paid_channel/internal/model"
	"paid_channel/internal/notify"
	"paid_channel/internal/queue"
	"paid_channel/internal/store"

	"github.com/rs/zerolog/log"
)

const DefaultInterval = 60 * time.Second

type Config struct {
	Interval       time.Duration
	ReminderWindow time.Duration
	// MaxAttempts 踢出失败多少次后放弃并删除授权；1 表示失败也立即删除。
	MaxAttempts int
	Location    *time.Location
}

// Leader 多实例部署时只有持有租约的实例执行清理。pkg/redis.Lease 实现它。
type Leader interface {
	Hold(ctx context.Context) (bool, error)
}

type Reconciler struct {
	store  *store.Store
	gw     notify.Gateway
	links  notify.Links
	clock  clock.Clock
	cfg    Config
	events queue.Publisher
	leader Leader
}

type Option func(*Reconciler)

func WithPublisher(p queue.Publisher) Option {
	return func(r *Reconciler) { r.events = p }
}

func WithLeader(l Leader) Option {
	return func(r *Reconciler) { r.leader = l }
}

func New(st *store.Store, gw notify.Gateway, links notify.Links, clk clock.Clock, cfg Config, opts ...Option) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ReminderWindow <= 0 {
		cfg.ReminderWindow = time.Duration(store.ReminderWindow) * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if clk == nil {
		clk = clock.System{}
	}
	r := &Reconciler{store: st, gw: gw, links: links, clock: clk, cfg: cfg, events: queue.Discard{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TickReport 一轮清理的统计。
type TickReport struct {
	Skipped bool

	Expired      int
	Revoked      int
	RevokeFailed int
	Removed      int
	Kept         int

	Due            int
	Reminded       int
	ReminderFailed int

	Integrity store.IntegrityReport
	Errors    int
}

// Run 立即执行一轮，之后按周期执行，直到 ctx 取消。取消只在两行之间生效，不会打断正在处理的行。
func (r *Reconciler) Run(ctx context.Context) {
	log.Info().Dur("interval", r.cfg.Interval).Int("max_attempts", r.cfg.MaxAttempts).Msg("reconciler started")

	r.Tick(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("reconciler stopped")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick 执行一轮：过期清理、到期提醒、完整性巡检。单行失败不会中断本轮。
func (r *Reconciler) Tick(ctx context.Context) TickReport {
	var rep TickReport
	started := time.Now()

	if r.leader != nil {
		held, err := r.leader.Hold(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("reconciler lease check failed, skipping tick")
		}
		if err != nil || !held {
			rep.Skipped = true
			metrics.ReconcileTicks.WithLabelValues("skipped").Inc()
			return rep
		}
	}

	now := r.clock.Now().Unix()
	r.sweepExpired(ctx, now, &rep)
	if ctx.Err() == nil {
		r.sweepReminders(ctx, now, &rep)
	}
	if ctx.Err() == nil {
		r.checkIntegrity(ctx, now, &rep)
	}

	result := "ran"
	if rep.Errors > 0 {
		result = "error"
	}
	metrics.ReconcileTicks.WithLabelValues(result).Inc()
	metrics.ReconcileDuration.Observe(time.Since(started).Seconds())

	if rep.Expired > 0 || rep.Due > 0 || rep.Errors > 0 {
		log.Info().
			Int("expired", rep.Expired).Int("revoked", rep.Revoked).Int("revoke_failed", rep.RevokeFailed).
			Int("removed", rep.Removed).Int("kept", rep.Kept).
			Int("due", rep.Due).Int("reminded", rep.Reminded).Int("reminder_failed", rep.ReminderFailed).
			Int("errors", rep.Errors).
			Msg("reconcile tick")
	}
	return rep
}

func (r *Reconciler) sweepExpired(ctx context.Context, now int64, rep *TickReport) {
	expired, err := r.store.ListExpired(ctx, now)
	if err != nil {
		rep.Errors++
		log.Error().Err(err).Msg("list expired subscriptions")
		return
	}
	rep.Expired = len(expired)

	for _, m := range expired {
		if ctx.Err() != nil {
			return
		}
		// 单行的踢出与删除不受关停打断。
		r.expireOne(context.WithoutCancel(ctx), now, m, rep)
	}
}

func (r *Reconciler) expireOne(ctx context.Context, now int64, m model.MemberKey, rep *TickReport) {
	logger := log.With().Int64("channel_id", m.ChannelID).Int64("user_id", m.UserID).Logger()

	revokeErr := r.gw.RevokeMembership(ctx, m.ChannelID, m.UserID)
	metrics.Deliveries.WithLabelValues("revoke", metrics.DeliveryResult(revokeErr)).Inc()
	if revokeErr == nil {
		rep.Revoked++
		r.remove(ctx, now, m, rep, "revoked", queue.EventRevoked, "")
		return
	}

	rep.RevokeFailed++
	logger.Warn().Err(revokeErr).Msg("revoke membership failed")

	if r.cfg.MaxAttempts > 1 {
		attempts, err := r.store.RecordRevokeFailure(ctx, m.ChannelID, m.UserID, now)
		if err != nil {
			rep.Errors++
			logger.Error().Err(err).Msg("record revoke failure")
			return
		}
		if attempts > 0 && attempts < r.cfg.MaxAttempts {
			rep.Kept++
			metrics.Revocations.WithLabelValues("failed_kept").Inc()
			logger.Info().Int("attempts", attempts).Msg("revocation will be retried next tick")
			return
		}
		if attempts == 0 {
			// 行在本轮期间已被续期或删除。
			return
		}
	}

	// 放弃踢出，仍然删除授权，保证清理能继续前进。
	r.remove(ctx, now, m, rep, "failed_removed", queue.EventRevokeAbandoned, revokeErr.Error())
}

func (r *Reconciler) remove(ctx context.Context, now int64, m model.MemberKey, rep *TickReport, result, eventType, detail string) {
	removed, err := r.store.RemoveExpired(ctx, m.ChannelID, m.UserID, now)
	if err != nil {
		rep.Errors++
		log.Error().Err(err).Int64("channel_id", m.ChannelID).Int64("user_id", m.UserID).Msg("remove expired subscription")
		return
	}
	if !removed {
		return
	}
	rep.Removed++
	metrics.Revocations.WithLabelValues(result).Inc()

	ev := queue.NewEvent(eventType, m.ChannelID, m.UserID, time.Unix(now, 0))
	ev.Detail = queue.ClipDetail(detail)
	r.publish(ctx, ev)
}

func (r *Reconciler) sweepReminders(ctx context.Context, now int64, rep *TickReport) {
	window := int64(r.cfg.ReminderWindow / time.Second)
	due, err := r.store.ListDueForReminder(ctx, now, window)
	if err != nil {
		rep.Errors++
		log.Error().Err(err).Msg("list subscriptions due for reminder")
		return
	}
	rep.Due = len(due)

	for _, d := range due {
		if ctx.Err() != nil {
			return
		}
		r.remindOne(context.WithoutCancel(ctx), now, d, rep)
	}
}

// remindOne 发送失败不置闩锁，下一轮重试。
func (r *Reconciler) remindOne(ctx context.Context, now int64, d model.DueReminder, rep *TickReport) {
	logger := log.With().Int64("channel_id", d.ChannelID).Int64("user_id", d.UserID).Logger()

	title := ""
	ch, err := r.store.GetChannel(ctx, d.ChannelID)
	switch {
	case err == nil:
		title = ch.Title
	case !errors.Is(err, store.ErrNotFound):
		logger.Warn().Err(err).Msg("load channel for reminder")
	}

	msg := notify.Message{Text: notify.ReminderText(notify.ChannelTitle(title, d.ChannelID), d.ExpireAt, r.cfg.Location)}
	if r.links.BotUsername != "" {
		msg.Actions = []notify.Action{{Text: "🔄 Renew", URL: r.links.RenewURL(d.ChannelID)}}
	}

	if err := r.gw.SendMessage(ctx, d.UserID, msg); err != nil {
		rep.ReminderFailed++
		metrics.Reminders.WithLabelValues("failed").Inc()
		logger.Warn().Err(err).Msg("send reminder failed")
		return
	}
	rep.Reminded++
	metrics.Reminders.WithLabelValues("sent").Inc()

	if _, err := r.store.MarkReminded(ctx, d.ChannelID, d.UserID, d.ExpireAt); err != nil {
		rep.Errors++
		logger.Error().Err(err).Msg("mark reminded")
		return
	}

	ev := queue.NewEvent(queue.EventReminderSent, d.ChannelID, d.UserID, time.Unix(now, 0))
	ev.ExpireAt = d.ExpireAt
	r.publish(ctx, ev)
}

func (r *Reconciler) checkIntegrity(ctx context.Context, now int64, rep *TickReport) {
	ir, err := r.store.CheckIntegrity(ctx, now)
	if err != nil {
		rep.Errors++
		log.Error().Err(err).Msg("integrity check")
		return
	}
	rep.Integrity = ir
	metrics.IntegrityGaps.WithLabelValues("orphan_subscription").Set(float64(ir.OrphanSubscriptions))
	metrics.IntegrityGaps.WithLabelValues("approved_without_grant").Set(float64(ir.ApprovedWithoutGrant))
	if ir.Gaps() > 0 {
		err := fmt.Errorf("%w: %d orphan subscriptions, %d approved orders without grant",
			store.ErrIntegrity, ir.OrphanSubscriptions, ir.ApprovedWithoutGrant)
		log.Warn().Err(err).Msg("integrity gaps detected")
	}
}

func (r *Reconciler) publish(ctx context.Context, ev queue.LifecycleEvent) {
	if err := r.events.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("type", ev.Type).Msg("publish lifecycle event")
	}
}
