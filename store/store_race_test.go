package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"paper-trading-go/order"
)

// TestStore_ConcurrentFillVsCancel 成交与撤单竞争：在序列化点只能有一方胜出。
func TestStore_ConcurrentFillVsCancel(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for i := 0; i < 20; i++ {
			o, err := s.SubmitOrder(ctx, newOrder("acc1", fmt.Sprintf("race-%d", i)))
			if err != nil {
				t.Fatalf("submit: %v", err)
			}

			var wg sync.WaitGroup
			var fillErr, cancelErr error

			wg.Add(2)
			go func() {
				defer wg.Done()
				_, fillErr = s.ApplyFill(ctx, o.ID, o.Quantity, decimal.NewFromInt(100))
			}()
			go func() {
				defer wg.Done()
				_, cancelErr = s.CancelOrder(ctx, o.ID, "acc1")
			}()
			wg.Wait()

			final, err := s.GetOrder(ctx, o.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}

			switch final.Status {
			case order.StatusFilled:
				if fillErr != nil {
					t.Fatalf("winner fill reported error: %v", fillErr)
				}
				if !errors.Is(cancelErr, ErrOrderTerminal) {
					t.Fatalf("losing cancel got %v", cancelErr)
				}
				if !final.FilledQuantity.Equal(o.Quantity) {
					t.Fatalf("filled qty %s want %s", final.FilledQuantity, o.Quantity)
				}
			case order.StatusCancelled:
				if cancelErr != nil {
					t.Fatalf("winner cancel reported error: %v", cancelErr)
				}
				if !errors.Is(fillErr, ErrOrderTerminal) {
					t.Fatalf("losing fill got %v", fillErr)
				}
				if !final.FilledQuantity.IsZero() {
					t.Fatalf("cancelled order carries fills: %s", final.FilledQuantity)
				}
			default:
				t.Fatalf("order left in non-terminal state %s", final.Status)
			}
		}
	})
}

// TestStore_ConcurrentPartialFills 并发部分成交不超过订单数量。
func TestStore_ConcurrentPartialFills(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		big := newOrder("acc1", "partial")
		big.Quantity = decimal.NewFromInt(10)
		o, err := s.SubmitOrder(ctx, big)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}

		var wg sync.WaitGroup
		workers := 20
		var okCount int64
		var mu sync.Mutex

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.ApplyFill(ctx, o.ID, decimal.NewFromInt(1), decimal.NewFromInt(100))
				if err == nil {
					mu.Lock()
					okCount++
					mu.Unlock()
					return
				}
				if !errors.Is(err, ErrOrderTerminal) && !errors.Is(err, ErrOverfill) {
					t.Errorf("unexpected fill error: %v", err)
				}
			}()
		}
		wg.Wait()

		final, err := s.GetOrder(ctx, o.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if okCount != 10 {
			t.Fatalf("expected exactly 10 accepted fills, got %d", okCount)
		}
		if final.Status != order.StatusFilled || !final.FilledQuantity.Equal(decimal.NewFromInt(10)) {
			t.Fatalf("final order: status=%s filled=%s", final.Status, final.FilledQuantity)
		}
	})
}

// TestStore_ConcurrentSubmitSameClientID 同一 (account, client_order_id) 并发提交只落一单。
func TestStore_ConcurrentSubmitSameClientID(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		var wg sync.WaitGroup
		workers := 10
		ids := make([]string, workers)

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				o, err := s.SubmitOrder(ctx, newOrder("acc1", "same-token"))
				if err != nil && !errors.Is(err, ErrDuplicateClientOrderID) {
					t.Errorf("submit: %v", err)
					return
				}
				ids[n] = o.ID
			}(i)
		}
		wg.Wait()

		for _, id := range ids {
			if id != ids[0] {
				t.Fatalf("divergent order IDs: %v", ids)
			}
		}
		open, err := s.OpenOrders(ctx)
		if err != nil {
			t.Fatalf("open orders: %v", err)
		}
		if len(open) != 1 {
			t.Fatalf("expected a single stored order, got %d", len(open))
		}
	})
}
