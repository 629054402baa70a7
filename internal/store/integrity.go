package store

import (
	"context"

	"paid_channel/internal/model"
)

// IntegrityReport 统计两类数据缺口，调度器每轮导出为指标。
type IntegrityReport struct {
	// OrphanSubscriptions 授权指向已不存在的频道。
	OrphanSubscriptions int64
	// ApprovedWithoutGrant 已批准、未被手动收回、按档位时长仍应有效，却没有授权行的订单。
	ApprovedWithoutGrant int64
}

func (r IntegrityReport) Gaps() int64 {
	return r.OrphanSubscriptions + r.ApprovedWithoutGrant
}

// CheckIntegrity 只读检查，不做修复。档位已删除的订单无法计算应有期限，跳过。
func (s *Store) CheckIntegrity(ctx context.Context, now int64) (IntegrityReport, error) {
	var rep IntegrityReport
	db := s.conn(ctx)

	err := db.Table("subscriptions AS s").
		Joins("LEFT JOIN channels AS c ON c.channel_id = s.channel_id").
		Where("c.channel_id IS NULL").
		Count(&rep.OrphanSubscriptions).Error
	if err != nil {
		return rep, err
	}

	err = db.Table("orders AS o").
		Joins("JOIN tariffs AS t ON t.id = o.tariff_id").
		Joins("LEFT JOIN subscriptions AS s ON s.channel_id = o.channel_id AND s.user_id = o.user_id").
		Where("o.status = ? AND o.revoked_at = 0 AND o.decided_at + t.duration_days * ? > ? AND s.channel_id IS NULL",
			model.OrderApproved, model.SecondsPerDay, now).
		Count(&rep.ApprovedWithoutGrant).Error
	if err != nil {
		return rep, err
	}
	return rep, nil
}
