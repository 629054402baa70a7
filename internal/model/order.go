package model

// OrderStatus 描述一次购买的审核状态机。
type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"  // 已下单，等待付款凭证
	OrderAwaiting OrderStatus = "awaiting" // 已提交凭证，等待审核
	OrderApproved OrderStatus = "approved"
	OrderRejected OrderStatus = "rejected"
)

var orderTransitions = map[OrderStatus]map[OrderStatus]struct{}{
	OrderPending:  {OrderAwaiting: {}, OrderApproved: {}, OrderRejected: {}},
	OrderAwaiting: {OrderApproved: {}, OrderRejected: {}},
	OrderApproved: {},
	OrderRejected: {},
}

// CanTransition 只允许向前流转，终态不可再变。
func CanTransition(from, to OrderStatus) bool {
	allowed, ok := orderTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// SourcesOf 返回可以流转到 to 的全部状态，用作条件更新的 status 守卫。
func SourcesOf(to OrderStatus) []OrderStatus {
	var out []OrderStatus
	for _, from := range []OrderStatus{OrderPending, OrderAwaiting, OrderApproved, OrderRejected} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

func (s OrderStatus) Terminal() bool {
	return s == OrderApproved || s == OrderRejected
}

// Order 买家的一次购买尝试。同一 (channel, user, tariff) 可以有多条历史记录，
// 业务上总是操作 created_at 最新的那条。
type Order struct {
	ID        uint        `gorm:"primarykey" json:"id"`
	ChannelID int64       `gorm:"not null;index:idx_orders_triple,priority:1" json:"channel_id"`
	UserID    int64       `gorm:"not null;index:idx_orders_triple,priority:2" json:"user_id"`
	TariffID  uint        `gorm:"not null;index:idx_orders_triple,priority:3" json:"tariff_id"`
	Status    OrderStatus `gorm:"size:16;not null;index" json:"status"`

	ProofRef        *string `gorm:"size:255" json:"proof_ref,omitempty"` // 付款截图的文件引用，不做自动校验
	RejectionReason *string `gorm:"size:1024" json:"rejection_reason,omitempty"`

	CreatedAt int64 `gorm:"not null;index" json:"created_at"` // unix 秒
	DecidedAt int64 `gorm:"not null;default:0" json:"decided_at"`
	RevokedAt int64 `gorm:"not null;default:0" json:"revoked_at,omitempty"` // owner 手动收回授权的时间
}

func (Order) TableName() string { return "orders" }

// OrderKey 是审核动作里携带的三元组。审核按钮不带订单 ID，只能按三元组 + 状态定位。
type OrderKey struct {
	ChannelID int64 `json:"channel_id"`
	UserID    int64 `json:"user_id"`
	TariffID  uint  `json:"tariff_id"`
}
