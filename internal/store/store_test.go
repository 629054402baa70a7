package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"paid_channel/internal/clock"
	"paid_channel/internal/model"

	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testStart)
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func seedChannel(t *testing.T, s *Store, channelID, ownerID int64) {
	t.Helper()
	require.NoError(t, s.UpsertChannel(context.Background(), model.Channel{
		ChannelID:   channelID,
		OwnerID:     ownerID,
		Title:       "Channel",
		PaymentInfo: "card 0000",
	}))
}

func seedTariff(t *testing.T, s *Store, channelID int64, days int, price int64) *model.Tariff {
	t.Helper()
	tr, err := s.CreateTariff(context.Background(), channelID, "Month", days, price)
	require.NoError(t, err)
	return tr
}
