package model

// Tariff 频道下的价格/时长档位。创建后不可修改，只能删除重建。
type Tariff struct {
	ID        uint   `gorm:"primarykey" json:"id"`
	ChannelID int64  `gorm:"not null;index" json:"channel_id"`
	Title     string `gorm:"size:128;not null" json:"title"`

	DurationDays int   `gorm:"not null" json:"duration_days"`
	Price        int64 `gorm:"not null" json:"price"` // 单位：元（整数）
}

func (Tariff) TableName() string { return "tariffs" }

// DurationSeconds 返回续期秒数，天数按 86400 秒计。
func (t Tariff) DurationSeconds() int64 {
	return int64(t.DurationDays) * SecondsPerDay
}

const SecondsPerDay int64 = 86400

// MaxDurationDays 单个档位时长上限（约 100 年）。
const MaxDurationDays = 36500
