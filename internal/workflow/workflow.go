// Package workflow 串起买家与审核人的操作：下单、提交凭证、批准（授权 + 邀请）、拒绝。
// 状态变更都在 store 的守卫条件更新里完成；通知失败只记录在结果里，不回滚业务。
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"paid_channel/internal/metrics"
	"paid_channel/internal/model"
	"paid_channel/internal/notify"
	"paid_channel/internal/queue"
	"paid_channel/internal/store"

	"github.com/rs/zerolog/log"
)

// SilentRejectReason 不通知买家的拒绝写入的固定原因。
const SilentRejectReason = "rejected without notification"

type Service struct {
	store  *store.Store
	gw     notify.Gateway
	events queue.Publisher
	loc    *time.Location
}

// New events 为 nil 时不发布事件；loc 为 nil 时按 UTC 展示时间。
func New(st *store.Store, gw notify.Gateway, events queue.Publisher, loc *time.Location) *Service {
	if events == nil {
		events = queue.Discard{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{store: st, gw: gw, events: events, loc: loc}
}

// Quote 下单后展示给买家的付款信息。
type Quote struct {
	Order   *model.Order   `json:"order"`
	Channel *model.Channel `json:"channel"`
	Tariff  *model.Tariff  `json:"tariff"`
}

// PlaceOrder 校验频道与档位后插入 pending 订单。
func (s *Service) PlaceOrder(ctx context.Context, key model.OrderKey) (*Quote, error) {
	ch, tariff, err := s.resolve(ctx, s.store, key)
	if err != nil {
		return nil, err
	}
	order, err := s.store.CreateOrder(ctx, key)
	if err != nil {
		return nil, err
	}
	ev := s.event(queue.EventOrderCreated, key)
	ev.OrderID = order.ID
	s.publish(ctx, ev)
	return &Quote{Order: order, Channel: ch, Tariff: tariff}, nil
}

// ProofResult DeliveryErr 非空表示凭证已记录但没能转发给 owner。
type ProofResult struct {
	Order       *model.Order
	DeliveryErr error
}

// SubmitProof pending -> awaiting，然后把截图连同三个审核按钮转发给频道 owner。
func (s *Service) SubmitProof(ctx context.Context, key model.OrderKey, proofRef string) (*ProofResult, error) {
	ch, tariff, err := s.resolve(ctx, s.store, key)
	if err != nil {
		return nil, err
	}
	order, err := s.store.AttachProof(ctx, key, proofRef)
	record(model.OrderAwaiting, err)
	if err != nil {
		return nil, err
	}

	ev := s.event(queue.EventProofSubmitted, key)
	ev.OrderID = order.ID
	s.publish(ctx, ev)

	caption := notify.ProofCaption(key.UserID, notify.ChannelTitle(ch.Title, ch.ChannelID), tariff.Title, tariff.DurationDays, tariff.Price)
	acts := reviewActions(key)
	buttons := []notify.Action{
		{Text: "✅ Approve", Data: acts[0].String()},
		{Text: "❌ Reject with reason", Data: acts[1].String()},
		{Text: "🚫 Reject silently", Data: acts[2].String()},
	}
	derr := s.gw.SendPhoto(ctx, ch.OwnerID, *order.ProofRef, caption, buttons)
	metrics.Deliveries.WithLabelValues("send_photo", metrics.DeliveryResult(derr)).Inc()
	if derr != nil {
		log.Warn().Err(derr).Int64("channel_id", key.ChannelID).Int64("user_id", key.UserID).
			Uint("order_id", order.ID).Msg("forward proof to owner failed")
	}
	return &ProofResult{Order: order, DeliveryErr: derr}, nil
}

// Approval 批准结果。DeliveryErr 非空表示授权已生效但邀请或通知没送达。
type Approval struct {
	Order        *model.Order
	Subscription *model.Subscription
	InviteLink   string
	DeliveryErr  error
}

// Approve 在一个事务里完成：档位解析（缺失即失败，不做默认）、审核人校验、守卫流转、授权。
// 事务提交后再生成一次性邀请并通知买家。
func (s *Service) Approve(ctx context.Context, key model.OrderKey, reviewerID int64) (*Approval, error) {
	var (
		ch    *model.Channel
		order *model.Order
		sub   *model.Subscription
	)
	err := s.store.Transaction(ctx, func(tx *store.Store) error {
		c, tariff, err := s.resolve(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := checkReviewer(c, key, model.OrderApproved, reviewerID); err != nil {
			return err
		}
		if order, err = tx.ApproveOrder(ctx, key); err != nil {
			return err
		}
		if sub, err = tx.Grant(ctx, key.ChannelID, key.UserID, tariff.DurationDays); err != nil {
			return err
		}
		ch = c
		return nil
	})
	record(model.OrderApproved, err)
	if err != nil {
		return nil, err
	}

	log.Info().Int64("channel_id", key.ChannelID).Int64("user_id", key.UserID).Uint("tariff_id", key.TariffID).
		Uint("order_id", order.ID).Int64("expire_at", sub.ExpireAt).Msg("order approved")

	ev := s.event(queue.EventOrderApproved, key)
	ev.OrderID = order.ID
	s.publish(ctx, ev)
	ev = s.event(queue.EventGranted, key)
	ev.OrderID = order.ID
	ev.ExpireAt = sub.ExpireAt
	s.publish(ctx, ev)

	res := &Approval{Order: order, Subscription: sub}
	link, ierr := s.gw.CreateOneTimeInvite(ctx, key.ChannelID, sub.ExpireAt)
	metrics.Deliveries.WithLabelValues("invite", metrics.DeliveryResult(ierr)).Inc()
	if ierr == nil {
		res.InviteLink = link
	}
	text := notify.ApprovedText(notify.ChannelTitle(ch.Title, ch.ChannelID), sub.ExpireAt, s.loc, res.InviteLink)
	merr := s.gw.SendMessage(ctx, key.UserID, notify.Message{Text: text})
	metrics.Deliveries.WithLabelValues("send_message", metrics.DeliveryResult(merr)).Inc()

	res.DeliveryErr = errors.Join(ierr, merr)
	if res.DeliveryErr != nil {
		log.Warn().Err(res.DeliveryErr).Int64("channel_id", key.ChannelID).Int64("user_id", key.UserID).
			Msg("approval delivered partially")
	}
	return res, nil
}

// Rejection 拒绝结果。Notified 表示是否尝试通知了买家。
type Rejection struct {
	Order       *model.Order
	Notified    bool
	DeliveryErr error
}

// Reject {pending, awaiting} -> rejected。notifyBuyer=false 时写入固定原因且不发消息。
func (s *Service) Reject(ctx context.Context, key model.OrderKey, reviewerID int64, reason string, notifyBuyer bool) (*Rejection, error) {
	reason = strings.TrimSpace(reason)
	if !notifyBuyer {
		reason = SilentRejectReason
	}

	var (
		ch    *model.Channel
		order *model.Order
	)
	err := s.store.Transaction(ctx, func(tx *store.Store) error {
		c, err := tx.GetChannel(ctx, key.ChannelID)
		if err != nil {
			return err
		}
		if err := checkReviewer(c, key, model.OrderRejected, reviewerID); err != nil {
			return err
		}
		if order, err = tx.RejectOrder(ctx, key, reason); err != nil {
			return err
		}
		ch = c
		return nil
	})
	record(model.OrderRejected, err)
	if err != nil {
		return nil, err
	}

	ev := s.event(queue.EventOrderRejected, key)
	ev.OrderID = order.ID
	ev.Detail = queue.ClipDetail(reason)
	s.publish(ctx, ev)

	res := &Rejection{Order: order}
	if notifyBuyer {
		res.Notified = true
		res.DeliveryErr = s.gw.SendMessage(ctx, key.UserID, notify.Message{
			Text: notify.RejectedText(notify.ChannelTitle(ch.Title, ch.ChannelID), reason),
		})
		metrics.Deliveries.WithLabelValues("send_message", metrics.DeliveryResult(res.DeliveryErr)).Inc()
		if res.DeliveryErr != nil {
			log.Warn().Err(res.DeliveryErr).Int64("user_id", key.UserID).Msg("rejection notice failed")
		}
	}
	return res, nil
}

// Revocation 手动收回结果。Forced 表示踢出失败但仍按要求删除了授权。
type Revocation struct {
	ChannelID int64
	UserID    int64
	Forced    bool
	RevokeErr error
}

// Revoke 频道 owner 手动收回授权：先踢出，成功后删除授权行。
// 踢出失败时默认保留授权并返回错误；force=true 时仍然删除。
func (s *Service) Revoke(ctx context.Context, channelID, userID, ownerID int64, force bool) (*Revocation, error) {
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.OwnerID != ownerID {
		return nil, &store.TransitionError{ChannelID: channelID, UserID: userID, To: "revoked", Reason: "wrong actor"}
	}
	if _, err := s.store.GetSubscription(ctx, channelID, userID); err != nil {
		return nil, err
	}

	res := &Revocation{ChannelID: channelID, UserID: userID}
	res.RevokeErr = s.gw.RevokeMembership(ctx, channelID, userID)
	metrics.Deliveries.WithLabelValues("revoke", metrics.DeliveryResult(res.RevokeErr)).Inc()
	if res.RevokeErr != nil {
		if !force {
			return nil, res.RevokeErr
		}
		res.Forced = true
		log.Warn().Err(res.RevokeErr).Int64("channel_id", channelID).Int64("user_id", userID).
			Msg("manual revoke failed, removing subscription anyway")
	}

	if err := s.store.Remove(ctx, channelID, userID); err != nil {
		return nil, err
	}
	log.Info().Int64("channel_id", channelID).Int64("user_id", userID).Bool("forced", res.Forced).Msg("subscription revoked by owner")

	ev := queue.NewEvent(queue.EventRevoked, channelID, userID, time.Unix(s.store.Now(), 0))
	ev.Detail = "manual"
	if res.Forced {
		ev.Type = queue.EventRevokeAbandoned
		ev.Detail = queue.ClipDetail("manual: " + res.RevokeErr.Error())
	}
	s.publish(ctx, ev)
	return res, nil
}

// Outcome 是 Handle 的统一结果，只有与动作对应的字段非空。
type Outcome struct {
	Action    Action
	Approval  *Approval
	Rejection *Rejection
}

// Handle 执行审核按钮标识对应的动作。reject_ 使用调用方收集到的 reason。
func (s *Service) Handle(ctx context.Context, actionID string, reviewerID int64, reason string) (*Outcome, error) {
	a, err := ParseAction(actionID)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Action: a}
	switch a.Verb {
	case VerbApprove:
		out.Approval, err = s.Approve(ctx, a.Key, reviewerID)
	case VerbReject:
		out.Rejection, err = s.Reject(ctx, a.Key, reviewerID, reason, true)
	case VerbRejectSilent:
		out.Rejection, err = s.Reject(ctx, a.Key, reviewerID, "", false)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// resolve 读取频道与档位；档位不存在或不属于该频道都按 NotFound 处理。
func (s *Service) resolve(ctx context.Context, st *store.Store, key model.OrderKey) (*model.Channel, *model.Tariff, error) {
	ch, err := st.GetChannel(ctx, key.ChannelID)
	if err != nil {
		return nil, nil, err
	}
	tariff, err := st.GetTariff(ctx, key.TariffID)
	if err != nil {
		return nil, nil, err
	}
	if tariff.ChannelID != key.ChannelID {
		return nil, nil, &store.NotFoundError{Entity: "tariff", Key: fmt.Sprintf("%d in channel %d", key.TariffID, key.ChannelID)}
	}
	return ch, tariff, nil
}

func checkReviewer(ch *model.Channel, key model.OrderKey, to model.OrderStatus, reviewerID int64) error {
	if ch.OwnerID == reviewerID {
		return nil
	}
	return &store.TransitionError{
		ChannelID: key.ChannelID,
		UserID:    key.UserID,
		TariffID:  key.TariffID,
		To:        string(to),
		Reason:    "wrong actor",
	}
}

func (s *Service) event(typ string, key model.OrderKey) queue.LifecycleEvent {
	ev := queue.NewEvent(typ, key.ChannelID, key.UserID, time.Unix(s.store.Now(), 0))
	ev.TariffID = key.TariffID
	return ev
}

// publish 尽力而为，失败只记日志。
func (s *Service) publish(ctx context.Context, ev queue.LifecycleEvent) {
	if err := s.events.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("type", ev.Type).Int64("channel_id", ev.ChannelID).Msg("publish lifecycle event")
	}
}

func record(to model.OrderStatus, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, store.ErrInvalidTransition):
		outcome = "stale"
	case errors.Is(err, store.ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, store.ErrInvalidInput):
		outcome = "invalid"
	default:
		outcome = "error"
	}
	metrics.OrderTransitions.WithLabelValues(string(to), outcome).Inc()
}
