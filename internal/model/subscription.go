package model

// Subscription 是 (channel, user) 当前唯一的访问授权。
type Subscription struct {
	ChannelID int64 `gorm:"primaryKey;autoIncrement:false" json:"channel_id"`
	UserID    int64 `gorm:"primaryKey;autoIncrement:false;index" json:"user_id"`
	ExpireAt  int64 `gorm:"not null;index" json:"expire_at"` // unix 秒

	// Reminded1h 是提醒闩锁：发过一次到期提醒后置 true，每次续期重置。
	Reminded1h bool `gorm:"column:reminded_1h;not null;default:false" json:"reminded_1h"`
	// RevokeAttempts 记录踢出失败次数，仅在开启重试策略时使用。
	RevokeAttempts int `gorm:"not null;default:0" json:"revoke_attempts"`
}

func (Subscription) TableName() string { return "subscriptions" }

// UserSubscription 是 "我的订阅" 视图的只读投影。
type UserSubscription struct {
	ChannelID    int64  `json:"channel_id"`
	ChannelTitle string `json:"channel_title"`
	ExpireAt     int64  `json:"expire_at"`
}

// MemberKey 标识一条授权。
type MemberKey struct {
	ChannelID int64
	UserID    int64
}

// DueReminder 是提醒窗口内尚未提醒的授权。
type DueReminder struct {
	ChannelID int64
	UserID    int64
	ExpireAt  int64
}
