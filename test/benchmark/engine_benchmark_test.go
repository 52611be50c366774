package benchmark

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"paper-trading-go/auth"
	"paper-trading-go/exec"
	"paper-trading-go/feed"
	"paper-trading-go/infrastructure/logger"
	"paper-trading-go/internal/engine"
	"paper-trading-go/order"
	"paper-trading-go/position"
	"paper-trading-go/pubsub"
	"paper-trading-go/store"
)

// createBenchmarkEngine 创建用于基准测试的引擎
func createBenchmarkEngine(b *testing.B) (*engine.Engine, *feed.Feed) {
	b.Helper()

	st := store.NewMemoryStore()
	acct := position.NewAccountant(st)
	bus := pubsub.NewBus()
	fd := feed.New([]feed.SymbolSpec{{
		Symbol:       "BTCUSDT",
		InitialPrice: 50000,
		Volatility:   0.0001,
		SpreadBps:    2,
		TickSize:     0.1,
	}}, 100*time.Millisecond, 1, nil)
	sim := exec.New(st, acct, bus, exec.DefaultConfig(), exec.NowUTC, 1, nil)

	// 只记录错误，减少基准测试开销
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	if err != nil {
		b.Fatalf("logger: %v", err)
	}

	eng, err := engine.New(engine.Config{}, engine.Components{
		Store: st, Accountant: acct, Simulator: sim, Feed: fd, Bus: bus, Logger: log,
	})
	if err != nil {
		b.Fatalf("engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		b.Fatalf("start: %v", err)
	}
	b.Cleanup(func() {
		eng.Stop()
		bus.Close()
		st.Close()
	})
	return eng, fd
}

func benchTrader() *auth.Context {
	return auth.NewContext("acc1", auth.RoleTrader, auth.RolePermissions(auth.RoleTrader))
}

// BenchmarkSubmitLimitOrder 限价单提交吞吐
func BenchmarkSubmitLimitOrder(b *testing.B) {
	eng, _ := createBenchmarkEngine(b)
	ctx := context.Background()
	ac := benchTrader()
	price := decimal.NewFromInt(40000)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := eng.SubmitOrder(ctx, ac, engine.SubmitRequest{
			ClientOrderID: fmt.Sprintf("bench-%d", i),
			Symbol:        "BTCUSDT",
			Side:          order.SideBuy,
			Type:          order.TypeLimit,
			Quantity:      decimal.NewFromInt(1),
			Price:         &price,
		})
		if err != nil {
			b.Fatalf("submit: %v", err)
		}
	}
}

// BenchmarkSubmitCancel 提交后立刻撤单
func BenchmarkSubmitCancel(b *testing.B) {
	eng, _ := createBenchmarkEngine(b)
	ctx := context.Background()
	ac := benchTrader()
	price := decimal.NewFromInt(40000)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		o, err := eng.SubmitOrder(ctx, ac, engine.SubmitRequest{
			ClientOrderID: fmt.Sprintf("bench-cancel-%d", i),
			Symbol:        "BTCUSDT",
			Side:          order.SideBuy,
			Type:          order.TypeLimit,
			Quantity:      decimal.NewFromInt(1),
			Price:         &price,
		})
		if err != nil {
			b.Fatalf("submit: %v", err)
		}
		if _, err := eng.CancelOrder(ctx, ac, o.ID); err != nil {
			b.Fatalf("cancel: %v", err)
		}
	}
}

// BenchmarkMarketOrderFill 市价单端到端（落库+记账+广播）
func BenchmarkMarketOrderFill(b *testing.B) {
	eng, fd := createBenchmarkEngine(b)
	ctx := context.Background()
	ac := benchTrader()
	fd.Step(time.Now().UTC())

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := eng.SubmitOrder(ctx, ac, engine.SubmitRequest{
			ClientOrderID: fmt.Sprintf("bench-mkt-%d", i),
			Symbol:        "BTCUSDT",
			Side:          order.SideBuy,
			Type:          order.TypeMarket,
			Quantity:      decimal.NewFromInt(1),
		})
		if err != nil {
			b.Fatalf("submit: %v", err)
		}
	}
}

// BenchmarkAccountantApplyFill 仓位记账
func BenchmarkAccountantApplyFill(b *testing.B) {
	st := store.NewMemoryStore()
	b.Cleanup(func() { st.Close() })
	acct := position.NewAccountant(st)
	ctx := context.Background()
	price := decimal.NewFromInt(50000)
	qty := decimal.NewFromInt(1)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		side := order.SideBuy
		if i%2 == 1 {
			side = order.SideSell
		}
		_, err := acct.ApplyFill(ctx, position.Fill{
			OrderID:   fmt.Sprintf("bench-fill-%d", i),
			AccountID: "acc1",
			Symbol:    "BTCUSDT",
			Side:      side,
			Quantity:  qty,
			Price:     price,
			Ts:        time.Now().UTC(),
		})
		if err != nil {
			b.Fatalf("apply fill: %v", err)
		}
	}
}

// BenchmarkFeedStep 行情生成
func BenchmarkFeedStep(b *testing.B) {
	fd := feed.New([]feed.SymbolSpec{
		{Symbol: "BTCUSDT", InitialPrice: 50000, Volatility: 0.0005, SpreadBps: 2, TickSize: 0.1},
		{Symbol: "ETHUSDT", InitialPrice: 3000, Volatility: 0.0008, SpreadBps: 3, TickSize: 0.01},
	}, 100*time.Millisecond, 1, nil)
	now := time.Now().UTC()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fd.Step(now)
		now = now.Add(100 * time.Millisecond)
	}
}
