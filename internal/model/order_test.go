package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderPending, OrderAwaiting, true},
		{OrderPending, OrderApproved, true},
		{OrderPending, OrderRejected, true},
		{OrderAwaiting, OrderApproved, true},
		{OrderAwaiting, OrderRejected, true},
		{OrderAwaiting, OrderPending, false},
		{OrderApproved, OrderRejected, false},
		{OrderRejected, OrderApproved, false},
		{OrderApproved, OrderApproved, false},
		{OrderStatus("unknown"), OrderApproved, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestSourcesOf(t *testing.T) {
	assert.Equal(t, []OrderStatus{OrderPending}, SourcesOf(OrderAwaiting))
	assert.Equal(t, []OrderStatus{OrderPending, OrderAwaiting}, SourcesOf(OrderApproved))
	assert.Equal(t, []OrderStatus{OrderPending, OrderAwaiting}, SourcesOf(OrderRejected))
	assert.Empty(t, SourcesOf(OrderPending))
}

func TestTerminal(t *testing.T) {
	assert.True(t, OrderApproved.Terminal())
	assert.True(t, OrderRejected.Terminal())
	assert.False(t, OrderPending.Terminal())
	assert.False(t, OrderAwaiting.Terminal())
}

func TestTariffDurationSeconds(t *testing.T) {
	assert.Equal(t, int64(30*86400), Tariff{DurationDays: 30}.DurationSeconds())
	assert.Equal(t, int64(86400), Tariff{DurationDays: 1}.DurationSeconds())
}
