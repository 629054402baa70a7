package store

import (
	"context"
	"errors"
	"strings"

	"paid_channel/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertChannel 登记或覆盖频道信息。
func (s *Store) UpsertChannel(ctx context.Context, ch model.Channel) error {
	ch.Title = strings.TrimSpace(ch.Title)
	if ch.ChannelID == 0 || ch.OwnerID == 0 {
		return invalidInput("channel_id and owner_id are required")
	}
	if ch.Title == "" {
		return invalidInput("title is required")
	}
	return s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_id", "title", "payment_info"}),
	}).Create(&ch).Error
}

// GetChannel 按 ID 查询频道。
func (s *Store) GetChannel(ctx context.Context, channelID int64) (*model.Channel, error) {
	var ch model.Channel
	err := s.conn(ctx).Where("channel_id = ?", channelID).First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("channel", "%d", channelID)
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// ListOwnerChannels 列出 owner 名下的全部频道。
func (s *Store) ListOwnerChannels(ctx context.Context, ownerID int64) ([]model.Channel, error) {
	var list []model.Channel
	if err := s.conn(ctx).Where("owner_id = ?", ownerID).Order("channel_id ASC").Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// UpdatePaymentInfo 只改付款信息。
func (s *Store) UpdatePaymentInfo(ctx context.Context, channelID int64, paymentInfo string) error {
	res := s.conn(ctx).Model(&model.Channel{}).
		Where("channel_id = ?", channelID).
		Update("payment_info", strings.TrimSpace(paymentInfo))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound("channel", "%d", channelID)
	}
	return nil
}

// DeleteChannel 删除频道并级联删除其档位与授权。订单只保存引用，不随之删除。
func (s *Store) DeleteChannel(ctx context.Context, channelID int64) error {
	return s.Transaction(ctx, func(tx *Store) error {
		db := tx.conn(ctx)
		if err := db.Where("channel_id = ?", channelID).Delete(&model.Tariff{}).Error; err != nil {
			return err
		}
		if err := db.Where("channel_id = ?", channelID).Delete(&model.Subscription{}).Error; err != nil {
			return err
		}
		res := db.Where("channel_id = ?", channelID).Delete(&model.Channel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return notFound("channel", "%d", channelID)
		}
		return nil
	})
}
