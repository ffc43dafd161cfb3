package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gregtusar/fundingarb/pkg/models"
	"github.com/gregtusar/fundingarb/pkg/trader"
)

var _ trader.HistoryStore = (*Store)(nil)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.CreateTables(context.Background()); err != nil {
		t.Fatalf("CreateTables: %v", err)
	}
	return s
}

func samplePosition(id, token string, state models.PositionState) *models.ActiveArbitragePosition {
	entry := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return &models.ActiveArbitragePosition{
		ID:          id,
		Token:       token,
		LongVenue:   "alpha",
		ShortVenue:  "beta",
		EntrySpread: 0.004,
		EntryTime:   entry,
		Notional:    1000,
		Leverage:    3,
		Legs: [2]models.Leg{
			{Venue: "alpha", TradingPair: token + "-USDT", Side: models.OrderSideBuy, Amount: 1, EntryPrice: 100, Handle: "a-1"},
			{Venue: "beta", TradingPair: token + "-USDT", Side: models.OrderSideSell, Amount: 1, EntryPrice: 100, Handle: "b-1"},
		},
		FundingPayments: []models.FundingPayment{
			{Venue: "alpha", Amount: 0.5, Timestamp: entry.Add(time.Hour)},
			{Venue: "beta", Amount: 1.25, Timestamp: entry.Add(8 * time.Hour)},
		},
		State: state,
	}
}

func TestSaveAndListHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	clock := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	closing := samplePosition("p1", "BTC", models.PositionStateClosing)
	closing.ExitReason = "spread flipped negative"
	if err := s.SavePosition(ctx, closing); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}
	if err := s.SavePosition(ctx, samplePosition("p2", "ETH", models.PositionStateRolledBack)); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}

	closedAt := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)
	closing.State = models.PositionStateClosed
	closing.ClosedAt = &closedAt
	if err := s.SavePosition(ctx, closing); err != nil {
		t.Fatalf("SavePosition update: %v", err)
	}

	all, err := s.ListHistory(ctx, HistoryFilter{})
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("rows=%d want 2 (upsert)", len(all))
	}
	if all[0].ID != "p1" {
		t.Fatalf("first=%s want p1 (most recently updated)", all[0].ID)
	}

	got := all[0]
	if got.State != models.PositionStateClosed || got.ExitReason != "spread flipped negative" {
		t.Fatalf("state=%s reason=%q", got.State, got.ExitReason)
	}
	if got.ClosedAt == nil || !got.ClosedAt.Equal(closedAt) {
		t.Fatalf("closed_at=%v want %v", got.ClosedAt, closedAt)
	}
	if len(got.FundingPayments) != 2 || got.FundingTotal() != 1.75 {
		t.Fatalf("funding=%v", got.FundingPayments)
	}
	if got.LongLeg().Handle != "a-1" || got.ShortLeg().Side != models.OrderSideSell {
		t.Fatalf("legs=%+v", got.Legs)
	}
}

func TestListHistoryFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, token := range []string{"BTC", "ETH", "BTC"} {
		pos := samplePosition(string(rune('a'+i)), token, models.PositionStateClosed)
		if i == 2 {
			pos.State = models.PositionStateCloseFailed
		}
		if err := s.SavePosition(ctx, pos); err != nil {
			t.Fatalf("SavePosition: %v", err)
		}
	}

	btc, err := s.ListHistory(ctx, HistoryFilter{Token: "btc"})
	if err != nil || len(btc) != 2 {
		t.Fatalf("btc rows=%d err=%v want 2", len(btc), err)
	}
	failed, err := s.ListHistory(ctx, HistoryFilter{State: models.PositionStateCloseFailed})
	if err != nil || len(failed) != 1 || failed[0].ID != "c" {
		t.Fatalf("failed=%v err=%v", failed, err)
	}
	limited, err := s.ListHistory(ctx, HistoryFilter{Limit: 1})
	if err != nil || len(limited) != 1 {
		t.Fatalf("limited rows=%d err=%v want 1", len(limited), err)
	}
}

func TestFundingByToken(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.SavePosition(ctx, samplePosition("a", "BTC", models.PositionStateClosed))
	s.SavePosition(ctx, samplePosition("b", "BTC", models.PositionStateClosed))
	s.SavePosition(ctx, samplePosition("c", "ETH", models.PositionStateClosed))

	sum, err := s.FundingByToken(ctx)
	if err != nil {
		t.Fatalf("FundingByToken: %v", err)
	}
	if len(sum) != 2 || sum[0].Token != "BTC" || sum[0].Positions != 2 || sum[0].Funding != 3.5 {
		t.Fatalf("summary=%+v", sum)
	}
}
