package model

import "time"

// LifecycleEvent 是消费者从 Kafka 落库的审计记录，event_id 唯一保证重复消息幂等。
type LifecycleEvent struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	EventID    string `gorm:"size:64;uniqueIndex;not null" json:"event_id"`
	Type       string `gorm:"size:32;not null;index" json:"type"`
	ChannelID  int64  `gorm:"not null;index" json:"channel_id"`
	UserID     int64  `gorm:"not null;index" json:"user_id"`
	TariffID   uint   `json:"tariff_id"`
	OrderID    uint   `json:"order_id"`
	ExpireAt   int64  `json:"expire_at"`
	OccurredAt int64  `gorm:"not null" json:"occurred_at"`
	Detail     string `gorm:"size:255" json:"detail"`
}

func (LifecycleEvent) TableName() string { return "lifecycle_events" }
