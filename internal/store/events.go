package store

import (
	"context"

	"paid_channel/internal/model"

	"gorm.io/gorm/clause"
)

// SaveEvent 幂等落库，event_id 重复时忽略。返回是否真正插入。
func (s *Store) SaveEvent(ctx context.Context, ev *model.LifecycleEvent) (bool, error) {
	res := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(ev)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListChannelEvents 按发生时间倒序返回频道最近的事件。
func (s *Store) ListChannelEvents(ctx context.Context, channelID int64, limit int) ([]model.LifecycleEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var list []model.LifecycleEvent
	err := s.conn(ctx).Where("channel_id = ?", channelID).
		Order("occurred_at DESC, id DESC").
		Limit(limit).
		Find(&list).Error
	if err != nil {
		return nil, err
	}
	return list, nil
}
