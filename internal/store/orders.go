package store

import (
	"context"
	"errors"
	"strings"

	"paid_channel/internal/model"

	"gorm.io/gorm"
)

// CreateOrder 总是插入一条新的 pending 订单，不与同三元组的未结订单去重（允许买家重试）。
func (s *Store) CreateOrder(ctx context.Context, key model.OrderKey) (*model.Order, error) {
	if key.ChannelID == 0 || key.UserID == 0 || key.TariffID == 0 {
		return nil, invalidInput("channel_id, user_id and tariff_id are required")
	}
	o := &model.Order{
		ChannelID: key.ChannelID,
		UserID:    key.UserID,
		TariffID:  key.TariffID,
		Status:    model.OrderPending,
		CreatedAt: s.Now(),
	}
	if err := s.conn(ctx).Create(o).Error; err != nil {
		return nil, err
	}
	return o, nil
}

// GetOrder 按 ID 查询，仅供只读视图使用；状态变更一律走三元组。
func (s *Store) GetOrder(ctx context.Context, id uint) (*model.Order, error) {
	var o model.Order
	err := s.conn(ctx).First(&o, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("order", "%d", id)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// LatestOrder 返回三元组下、状态在 statuses 内、created_at 最新的一条。
// created_at 相同时按 id 取最大，保证结果确定。statuses 为空表示不限状态。
func (s *Store) LatestOrder(ctx context.Context, key model.OrderKey, statuses ...model.OrderStatus) (*model.Order, error) {
	q := s.conn(ctx).
		Where("channel_id = ? AND user_id = ? AND tariff_id = ?", key.ChannelID, key.UserID, key.TariffID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var o model.Order
	err := q.Order("created_at DESC, id DESC").Limit(1).Take(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("order", "%d/%d/%d", key.ChannelID, key.UserID, key.TariffID)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// AttachProof pending -> awaiting，写入付款凭证。
func (s *Store) AttachProof(ctx context.Context, key model.OrderKey, proofRef string) (*model.Order, error) {
	proofRef = strings.TrimSpace(proofRef)
	if proofRef == "" {
		return nil, invalidInput("proof_ref is required")
	}
	return s.transition(ctx, key, model.OrderAwaiting, []model.OrderStatus{model.OrderPending}, map[string]any{
		"proof_ref": proofRef,
	})
}

// ApproveOrder {pending, awaiting} -> approved。
func (s *Store) ApproveOrder(ctx context.Context, key model.OrderKey) (*model.Order, error) {
	return s.transition(ctx, key, model.OrderApproved, model.SourcesOf(model.OrderApproved), map[string]any{
		"decided_at": s.Now(),
	})
}

// RejectOrder {pending, awaiting} -> rejected。reason 允许为空（不说明原因的拒绝）。
func (s *Store) RejectOrder(ctx context.Context, key model.OrderKey, reason string) (*model.Order, error) {
	return s.transition(ctx, key, model.OrderRejected, model.SourcesOf(model.OrderRejected), map[string]any{
		"rejection_reason": reason,
		"decided_at":       s.Now(),
	})
}

// transition 定位最新一条可流转的订单，再用 "id + status IN from" 做条件更新。
// 命中 0 行说明动作已过期（别的审核抢先）或三元组下根本没有订单。
func (s *Store) transition(ctx context.Context, key model.OrderKey, to model.OrderStatus, from []model.OrderStatus, set map[string]any) (*model.Order, error) {
	var out *model.Order
	err := s.Transaction(ctx, func(tx *Store) error {
		latest, err := tx.LatestOrder(ctx, key, from...)
		if errors.Is(err, ErrNotFound) {
			return tx.explainMiss(ctx, key, to)
		}
		if err != nil {
			return err
		}
		if !model.CanTransition(latest.Status, to) {
			return &TransitionError{ChannelID: key.ChannelID, UserID: key.UserID, TariffID: key.TariffID, To: string(to), Reason: "status " + string(latest.Status)}
		}

		updates := make(map[string]any, len(set)+1)
		for k, v := range set {
			updates[k] = v
		}
		updates["status"] = to

		res := tx.conn(ctx).Model(&model.Order{}).
			Where("id = ? AND status IN ?", latest.ID, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &TransitionError{ChannelID: key.ChannelID, UserID: key.UserID, TariffID: key.TariffID, To: string(to), Reason: "lost race"}
		}
		out, err = tx.GetOrder(ctx, latest.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// explainMiss 区分 "订单不存在" 与 "已经处理过"，前端据此给出不同提示。
func (s *Store) explainMiss(ctx context.Context, key model.OrderKey, to model.OrderStatus) error {
	latest, err := s.LatestOrder(ctx, key)
	if err != nil {
		return err
	}
	return &TransitionError{
		ChannelID: key.ChannelID,
		UserID:    key.UserID,
		TariffID:  key.TariffID,
		To:        string(to),
		Reason:    "already " + string(latest.Status),
	}
}
