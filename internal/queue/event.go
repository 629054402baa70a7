package queue

import (
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"paid_channel/internal/model"

	"github.com/google/uuid"
)

// 生命周期事件类型。
const (
	EventOrderCreated    = "order_created"
	EventProofSubmitted  = "proof_submitted"
	EventOrderApproved   = "order_approved"
	EventOrderRejected   = "order_rejected"
	EventGranted         = "subscription_granted"
	EventReminderSent    = "reminder_sent"
	EventRevoked         = "membership_revoked"
	EventRevokeAbandoned = "revoke_abandoned"
)

var knownEvents = map[string]bool{
	EventOrderCreated:    true,
	EventProofSubmitted:  true,
	EventOrderApproved:   true,
	EventOrderRejected:   true,
	EventGranted:         true,
	EventReminderSent:    true,
	EventRevoked:         true,
	EventRevokeAbandoned: true,
}

// MaxDetailLen 与 lifecycle_events.detail 列宽一致（字节）。
const MaxDetailLen = 255

// ClipDetail 截断到 MaxDetailLen 字节以内，不会切断多字节字符。
func ClipDetail(s string) string {
	if len(s) <= MaxDetailLen {
		return s
	}
	n := MaxDetailLen
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// LifecycleEvent 是写入 Stream / Kafka 的订单与订阅生命周期事件。
type LifecycleEvent struct {
	EventID    string `json:"event_id"`
	Type       string `json:"type"`
	ChannelID  int64  `json:"channel_id"`
	UserID     int64  `json:"user_id"`
	TariffID   uint   `json:"tariff_id,omitempty"`
	OrderID    uint   `json:"order_id,omitempty"`
	ExpireAt   int64  `json:"expire_at,omitempty"`
	OccurredAt int64  `json:"occurred_at"`
	Detail     string `json:"detail,omitempty"`
}

// NewEvent 分配 event_id，occurred_at 取 at 的 unix 秒。
func NewEvent(typ string, channelID, userID int64, at time.Time) LifecycleEvent {
	return LifecycleEvent{
		EventID:    uuid.NewString(),
		Type:       typ,
		ChannelID:  channelID,
		UserID:     userID,
		OccurredAt: at.Unix(),
	}
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (e LifecycleEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if !knownEvents[e.Type] {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.ChannelID == 0 {
		return fmt.Errorf("channel_id is required")
	}
	if e.UserID <= 0 {
		return fmt.Errorf("user_id is required")
	}
	if e.OccurredAt <= 0 {
		return fmt.Errorf("occurred_at is required")
	}
	return nil
}

// Key 同一 (channel, user) 的事件落在同一分区，保持相对顺序。
func (e LifecycleEvent) Key() string {
	return strconv.FormatInt(e.ChannelID, 10) + ":" + strconv.FormatInt(e.UserID, 10)
}

// Model 转成落库记录。
func (e LifecycleEvent) Model() *model.LifecycleEvent {
	return &model.LifecycleEvent{
		EventID:    e.EventID,
		Type:       e.Type,
		ChannelID:  e.ChannelID,
		UserID:     e.UserID,
		TariffID:   e.TariffID,
		OrderID:    e.OrderID,
		ExpireAt:   e.ExpireAt,
		OccurredAt: e.OccurredAt,
		Detail:     e.Detail,
	}
}

// streamValues 是 XADD 的字段表，与 parseLifecycleEvent 对应。
func (e LifecycleEvent) streamValues() map[string]any {
	return map[string]any{
		"event_id":    e.EventID,
		"type":        e.Type,
		"channel_id":  e.ChannelID,
		"user_id":     e.UserID,
		"tariff_id":   uint64(e.TariffID),
		"order_id":    uint64(e.OrderID),
		"expire_at":   e.ExpireAt,
		"occurred_at": e.OccurredAt,
		"detail":      e.Detail,
	}
}
