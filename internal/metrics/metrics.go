// Package metrics 定义订单流转与调度器的 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "paid_channel"

var (
	// OrderTransitions 按目标状态与结果统计订单流转（ok / stale / not_found / error）。
	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "transitions_total",
		Help:      "Order state transitions by target status and outcome.",
	}, []string{"to", "outcome"})

	// Deliveries 网关调用结果，op 为 send_message / send_photo / invite / revoke。
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "deliveries_total",
		Help:      "Notification gateway calls by operation and result.",
	}, []string{"op", "result"})

	ReconcileTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "ticks_total",
		Help:      "Reconciliation ticks by result (ran / skipped / error).",
	}, []string{"result"})

	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "tick_duration_seconds",
		Help:      "Duration of one reconciliation tick in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// Revocations 过期清理结果：revoked / failed_removed / failed_kept。
	Revocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "revocations_total",
		Help:      "Expired subscriptions processed by result.",
	}, []string{"result"})

	Reminders = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "reminders_total",
		Help:      "Pre-expiry reminders by result (sent / failed).",
	}, []string{"result"})

	// IntegrityGaps 最近一次检查发现的数据缺口。
	IntegrityGaps = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "integrity_gaps",
		Help:      "Data integrity gaps found by the last check, by kind.",
	}, []string{"kind"})

	EventsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "processed_total",
		Help:      "Lifecycle events by stage (published / relayed / stored / dropped).",
	}, []string{"stage"})
)

// DeliveryResult 把错误折算成标签值。
func DeliveryResult(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
