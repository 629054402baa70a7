package store

import (
	"context"
	"errors"
	"strings"

	"paid_channel/internal/model"

	"gorm.io/gorm"
)

// CreateTariff 在频道下新增档位，频道必须已登记。
func (s *Store) CreateTariff(ctx context.Context, channelID int64, title string, durationDays int, price int64) (*model.Tariff, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, invalidInput("tariff title is required")
	}
	if durationDays <= 0 || durationDays > model.MaxDurationDays {
		return nil, invalidInput("duration_days must be in 1..%d", model.MaxDurationDays)
	}
	if price < 0 {
		return nil, invalidInput("price must be >= 0")
	}
	if _, err := s.GetChannel(ctx, channelID); err != nil {
		return nil, err
	}

	t := &model.Tariff{
		ChannelID:    channelID,
		Title:        title,
		DurationDays: durationDays,
		Price:        price,
	}
	if err := s.conn(ctx).Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

// ListTariffs 按创建顺序返回频道的档位。
func (s *Store) ListTariffs(ctx context.Context, channelID int64) ([]model.Tariff, error) {
	var list []model.Tariff
	if err := s.conn(ctx).Where("channel_id = ?", channelID).Order("id ASC").Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// GetTariff 缺失时返回 ErrNotFound，调用方不得用默认时长/价格兜底。
func (s *Store) GetTariff(ctx context.Context, id uint) (*model.Tariff, error) {
	var t model.Tariff
	err := s.conn(ctx).First(&t, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("tariff", "%d", id)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// RemoveTariff 硬删除档位。已有订单/授权不受影响。
func (s *Store) RemoveTariff(ctx context.Context, id uint) error {
	res := s.conn(ctx).Delete(&model.Tariff{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound("tariff", "%d", id)
	}
	return nil
}
