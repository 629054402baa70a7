package model

// Channel 是卖家登记的私有频道：owner 负责审核，PaymentInfo 展示给买家用于线下付款。
type Channel struct {
	ChannelID   int64  `gorm:"primaryKey;autoIncrement:false" json:"channel_id"`
	OwnerID     int64  `gorm:"not null;index" json:"owner_id"`
	Title       string `gorm:"size:255;not null" json:"title"`
	PaymentInfo string `gorm:"size:1024" json:"payment_info"`
}

func (Channel) TableName() string { return "channels" }
