package store

import (
	"context"
	"errors"
	"math"

	"paid_channel/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReminderWindow 到期前多少秒进入提醒窗口。
const ReminderWindow int64 = 3600

// Grant 首购与续期共用的唯一入口：
// new_expire = max(existing_expire, now) + duration_days*86400，并重置提醒闩锁。
// 先读一次做溢出检查，写入仍由单条 upsert 完成，同一 (channel, user) 永远只有一行。
func (s *Store) Grant(ctx context.Context, channelID, userID int64, durationDays int) (*model.Subscription, error) {
	if durationDays <= 0 || durationDays > model.MaxDurationDays {
		return nil, invalidInput("duration_days must be in 1..%d", model.MaxDurationDays)
	}
	now := s.Now()
	secs := int64(durationDays) * model.SecondsPerDay

	base := now
	cur, err := s.GetSubscription(ctx, channelID, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if cur != nil && cur.ExpireAt > base {
		base = cur.ExpireAt
	}
	if base > math.MaxInt64-secs {
		return nil, invalidInput("expire_at overflows for %d/%d", channelID, userID)
	}

	sub := model.Subscription{
		ChannelID: channelID,
		UserID:    userID,
		ExpireAt:  now + secs,
	}
	err = s.conn(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "channel_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"expire_at":       gorm.Expr("MAX(subscriptions.expire_at, ?) + ?", now, secs),
			"reminded_1h":     false,
			"revoke_attempts": 0,
		}),
	}).Create(&sub).Error
	if err != nil {
		return nil, err
	}
	return s.GetSubscription(ctx, channelID, userID)
}

// GetSubscription 查询单条授权。
func (s *Store) GetSubscription(ctx context.Context, channelID, userID int64) (*model.Subscription, error) {
	var sub model.Subscription
	err := s.conn(ctx).Where("channel_id = ? AND user_id = ?", channelID, userID).Take(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("subscription", "%d/%d", channelID, userID)
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListExpired 返回 expire_at < now 的全部授权，顺序不保证。
func (s *Store) ListExpired(ctx context.Context, now int64) ([]model.MemberKey, error) {
	var rows []model.Subscription
	if err := s.conn(ctx).Where("expire_at < ?", now).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.MemberKey, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.MemberKey{ChannelID: r.ChannelID, UserID: r.UserID})
	}
	return out, nil
}

// ListDueForReminder 返回 now < expire_at <= now+window 且未提醒的授权。
// 左开区间：已经过期的行归 ListExpired 处理，不再发提醒。
func (s *Store) ListDueForReminder(ctx context.Context, now, window int64) ([]model.DueReminder, error) {
	if window <= 0 {
		window = ReminderWindow
	}
	var rows []model.Subscription
	err := s.conn(ctx).
		Where("expire_at > ? AND expire_at <= ? AND reminded_1h = ?", now, now+window, false).
		Order("expire_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.DueReminder, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.DueReminder{ChannelID: r.ChannelID, UserID: r.UserID, ExpireAt: r.ExpireAt})
	}
	return out, nil
}

// MarkReminded 置提醒闩锁，可重复调用。
// 只有 expire_at 仍等于提醒时看到的值才会置位，期间发生的续期保留新的未提醒状态。
func (s *Store) MarkReminded(ctx context.Context, channelID, userID, expireAt int64) (bool, error) {
	res := s.conn(ctx).Model(&model.Subscription{}).
		Where("channel_id = ? AND user_id = ? AND expire_at = ?", channelID, userID, expireAt).
		Update("reminded_1h", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Remove 硬删除授权（owner 手动收回），并给该用户在频道下已批准的订单打上 revoked_at，
// 完整性巡检不再把这些订单算作缺失授权。
func (s *Store) Remove(ctx context.Context, channelID, userID int64) error {
	return s.Transaction(ctx, func(tx *Store) error {
		res := tx.conn(ctx).
			Where("channel_id = ? AND user_id = ?", channelID, userID).
			Delete(&model.Subscription{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return notFound("subscription", "%d/%d", channelID, userID)
		}
		return tx.conn(ctx).Model(&model.Order{}).
			Where("channel_id = ? AND user_id = ? AND status = ? AND revoked_at = 0", channelID, userID, model.OrderApproved).
			Update("revoked_at", tx.Now()).Error
	})
}

// RemoveExpired 仅删除仍处于过期状态的授权。清理与续期并发时，续期后的行不会被误删。
func (s *Store) RemoveExpired(ctx context.Context, channelID, userID, now int64) (bool, error) {
	res := s.conn(ctx).
		Where("channel_id = ? AND user_id = ? AND expire_at < ?", channelID, userID, now).
		Delete(&model.Subscription{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RecordRevokeFailure 踢出失败时累加次数，返回累加后的值；行已续期或不存在时返回 0。
func (s *Store) RecordRevokeFailure(ctx context.Context, channelID, userID, now int64) (int, error) {
	var attempts int
	err := s.Transaction(ctx, func(tx *Store) error {
		res := tx.conn(ctx).Model(&model.Subscription{}).
			Where("channel_id = ? AND user_id = ? AND expire_at < ?", channelID, userID, now).
			Update("revoke_attempts", gorm.Expr("revoke_attempts + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		sub, err := tx.GetSubscription(ctx, channelID, userID)
		if err != nil {
			return err
		}
		attempts = sub.RevokeAttempts
		return nil
	})
	return attempts, err
}

// ListForUser "我的订阅"：按到期时间升序，带频道标题。
func (s *Store) ListForUser(ctx context.Context, userID int64) ([]model.UserSubscription, error) {
	var out []model.UserSubscription
	err := s.conn(ctx).Table("subscriptions AS s").
		Select("s.channel_id, c.title AS channel_title, s.expire_at").
		Joins("JOIN channels AS c ON c.channel_id = s.channel_id").
		Where("s.user_id = ?", userID).
		Order("s.expire_at ASC").
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
