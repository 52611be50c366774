package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"paper-trading-go/order"
	"paper-trading-go/position"
)

// 两个实现共用一套行为测试。
func withStores(t *testing.T, run func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore()
		defer s.Close()
		run(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "orders.db"))
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		defer s.Close()
		run(t, s)
	})
}

func newOrder(account, clientID string) *order.Order {
	price := decimal.RequireFromString("100")
	return &order.Order{
		AccountID:     account,
		ClientOrderID: clientID,
		Symbol:        "BTCUSDT",
		Side:          order.SideBuy,
		Type:          order.TypeLimit,
		Quantity:      decimal.NewFromInt(10),
		Price:         &price,
		TimeInForce:   order.TIFGoodTillCancel,
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		first, err := s.SubmitOrder(ctx, newOrder("acc1", "tok-1"))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if first.Status != order.StatusPending || first.ID == "" {
			t.Fatalf("unexpected stored order: %+v", first)
		}

		second, err := s.SubmitOrder(ctx, newOrder("acc1", "tok-1"))
		if !errors.Is(err, ErrDuplicateClientOrderID) {
			t.Fatalf("expected duplicate error, got %v", err)
		}
		if second.ID != first.ID {
			t.Fatalf("duplicate returned different order: %s vs %s", second.ID, first.ID)
		}

		// 不同账户可以复用同一令牌
		if _, err := s.SubmitOrder(ctx, newOrder("acc2", "tok-1")); err != nil {
			t.Fatalf("other account same token: %v", err)
		}

		open, err := s.OpenOrders(ctx)
		if err != nil {
			t.Fatalf("open orders: %v", err)
		}
		if len(open) != 2 {
			t.Fatalf("expected 2 stored orders, got %d", len(open))
		}
	})
}

func TestCancelSemantics(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		o, err := s.SubmitOrder(ctx, newOrder("acc1", "c1"))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}

		if _, err := s.CancelOrder(ctx, o.ID, "acc2"); !errors.Is(err, ErrNotOwner) {
			t.Fatalf("expected ErrNotOwner, got %v", err)
		}
		if _, err := s.CancelOrder(ctx, "missing", "acc1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		cancelled, err := s.CancelOrder(ctx, o.ID, "acc1")
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if cancelled.Status != order.StatusCancelled {
			t.Fatalf("status got %s", cancelled.Status)
		}

		// 已终态：返回原订单 + ErrOrderTerminal，订单不变
		again, err := s.CancelOrder(ctx, o.ID, "acc1")
		if !errors.Is(err, ErrOrderTerminal) {
			t.Fatalf("expected ErrOrderTerminal, got %v", err)
		}
		if again.Status != order.StatusCancelled || again.Version != cancelled.Version {
			t.Fatalf("terminal order mutated: %+v", again)
		}
	})
}

func TestApplyFillWeightedAverage(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		o, err := s.SubmitOrder(ctx, newOrder("acc1", "c1"))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}

		o, err = s.ApplyFill(ctx, o.ID, decimal.NewFromInt(4), decimal.NewFromInt(100))
		if err != nil {
			t.Fatalf("fill 1: %v", err)
		}
		if o.Status != order.StatusPartiallyFilled {
			t.Fatalf("status got %s", o.Status)
		}
		if o.AvgFillPrice == nil || !o.AvgFillPrice.Equal(decimal.NewFromInt(100)) {
			t.Fatalf("avg after first fill: %v", o.AvgFillPrice)
		}

		o, err = s.ApplyFill(ctx, o.ID, decimal.NewFromInt(6), decimal.NewFromInt(110))
		if err != nil {
			t.Fatalf("fill 2: %v", err)
		}
		if o.Status != order.StatusFilled {
			t.Fatalf("status got %s", o.Status)
		}
		// (4×100 + 6×110) / 10 = 106
		if !o.AvgFillPrice.Equal(decimal.NewFromInt(106)) {
			t.Fatalf("weighted avg got %s want 106", o.AvgFillPrice)
		}
		if !o.FilledQuantity.Equal(o.Quantity) {
			t.Fatalf("filled %s want %s", o.FilledQuantity, o.Quantity)
		}

		// 终态后不再接受成交
		if _, err := s.ApplyFill(ctx, o.ID, decimal.NewFromInt(1), decimal.NewFromInt(100)); !errors.Is(err, ErrOrderTerminal) {
			t.Fatalf("expected ErrOrderTerminal, got %v", err)
		}
	})
}

func TestApplyFillRejectsOverfill(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		o, err := s.SubmitOrder(ctx, newOrder("acc1", "c1"))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if _, err := s.ApplyFill(ctx, o.ID, decimal.NewFromInt(11), decimal.NewFromInt(100)); !errors.Is(err, ErrOverfill) {
			t.Fatalf("expected ErrOverfill, got %v", err)
		}
		if _, err := s.ApplyFill(ctx, o.ID, decimal.Zero, decimal.NewFromInt(100)); !errors.Is(err, ErrOverfill) {
			t.Fatalf("zero qty fill should be rejected, got %v", err)
		}

		got, err := s.GetOrder(ctx, o.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !got.FilledQuantity.IsZero() || got.Status != order.StatusPending {
			t.Fatalf("rejected fill mutated order: %+v", got)
		}
	})
}

func TestAcceptOrder(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		o, err := s.SubmitOrder(ctx, newOrder("acc1", "c1"))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		o, err = s.AcceptOrder(ctx, o.ID)
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		if o.Status != order.StatusAccepted {
			t.Fatalf("status got %s", o.Status)
		}
		// 幂等
		o, err = s.AcceptOrder(ctx, o.ID)
		if err != nil || o.Status != order.StatusAccepted {
			t.Fatalf("re-accept: %v %s", err, o.Status)
		}
	})
}

func TestExpireOrder(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		o, err := s.SubmitOrder(ctx, newOrder("acc1", "c1"))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		expired, err := s.ExpireOrder(ctx, o.ID)
		if err != nil {
			t.Fatalf("expire: %v", err)
		}
		if expired.Status != order.StatusExpired {
			t.Fatalf("status got %s", expired.Status)
		}
		if _, err := s.ExpireOrder(ctx, o.ID); !errors.Is(err, ErrOrderTerminal) {
			t.Fatalf("expected ErrOrderTerminal, got %v", err)
		}
	})
}

func TestOpenOrdersBySymbol(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		a, _ := s.SubmitOrder(ctx, newOrder("acc1", "c1"))
		eth := newOrder("acc1", "c2")
		eth.Symbol = "ETHUSDT"
		if _, err := s.SubmitOrder(ctx, eth); err != nil {
			t.Fatalf("submit eth: %v", err)
		}

		if _, err := s.CancelOrder(ctx, a.ID, "acc1"); err != nil {
			t.Fatalf("cancel: %v", err)
		}

		open, err := s.OpenOrdersBySymbol(ctx, "BTCUSDT")
		if err != nil {
			t.Fatalf("open by symbol: %v", err)
		}
		if len(open) != 0 {
			t.Fatalf("cancelled order still listed open: %d", len(open))
		}
		open, err = s.OpenOrdersBySymbol(ctx, "ETHUSDT")
		if err != nil || len(open) != 1 {
			t.Fatalf("expected 1 open ETH order, got %d err %v", len(open), err)
		}
	})
}

func TestPositionUpsert(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		got, err := s.GetPosition(ctx, "acc1", "BTCUSDT")
		if err != nil || got != nil {
			t.Fatalf("missing position should be (nil, nil): %v %v", got, err)
		}

		p := &position.Position{
			AccountID:     "acc1",
			Symbol:        "BTCUSDT",
			NetQuantity:   decimal.NewFromInt(2),
			AvgEntryPrice: decimal.RequireFromString("50000.5"),
			CostBasis:     decimal.RequireFromString("100001"),
			RealizedPnL:   decimal.Zero,
			UnrealizedPnL: decimal.Zero,
			UpdatedAt:     time.Now().UTC(),
		}
		if err := s.UpsertPosition(ctx, p); err != nil {
			t.Fatalf("upsert: %v", err)
		}

		got, err = s.GetPosition(ctx, "acc1", "BTCUSDT")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !got.AvgEntryPrice.Equal(p.AvgEntryPrice) || !got.NetQuantity.Equal(p.NetQuantity) {
			t.Fatalf("roundtrip mismatch: %+v", got)
		}

		// 平仓后行保留，但不再出现在 by-symbol 列表
		p.NetQuantity = decimal.Zero
		p.AvgEntryPrice = decimal.Zero
		if err := s.UpsertPosition(ctx, p); err != nil {
			t.Fatalf("upsert flat: %v", err)
		}
		open, err := s.PositionsBySymbol(ctx, "BTCUSDT")
		if err != nil {
			t.Fatalf("by symbol: %v", err)
		}
		if len(open) != 0 {
			t.Fatalf("flat position listed as open")
		}
		got, err = s.GetPosition(ctx, "acc1", "BTCUSDT")
		if err != nil || got == nil {
			t.Fatalf("flat row should survive: %v %v", got, err)
		}
	})
}

func TestRetryReadOnlyRetriesUnavailable(t *testing.T) {
	calls := 0
	err := RetryRead(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return ErrStoreUnavailable
	})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}

	calls = 0
	err = RetryRead(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return ErrNotFound
	})
	if !errors.Is(err, ErrNotFound) || calls != 1 {
		t.Fatalf("non-retryable error retried: calls=%d err=%v", calls, err)
	}
}
