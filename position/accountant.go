package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Store 仓位持久化抽象，由 store 包实现。
type Store interface {
	// GetPosition 返回 (account, symbol) 的当前仓位；不存在时返回 (nil, nil)。
	GetPosition(ctx context.Context, accountID, symbol string) (*Position, error)
	UpsertPosition(ctx context.Context, p *Position) error
	// PositionsBySymbol 返回该交易对下所有非空仓位，供 mark-to-market 使用。
	PositionsBySymbol(ctx context.Context, symbol string) ([]*Position, error)
}

// Accountant 将已提交成交落到仓位上：加权平均成本、已实现/未实现盈亏。
// 同一 (account, symbol) 的更新通过分键互斥锁串行化——计算依赖
// 读-改-写当前均价与数量，乱序会破坏不变量。
type Accountant struct {
	store Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAccountant creates an accountant over the given position store.
func NewAccountant(store Store) *Accountant {
	return &Accountant{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

func (a *Accountant) keyLock(accountID, symbol string) *sync.Mutex {
	key := accountID + "/" + symbol
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[key]
	if !ok {
		l = &sync.Mutex{}
		a.locks[key] = l
	}
	return l
}

// ApplyFill 应用一笔成交并持久化，返回更新后的仓位。
func (a *Accountant) ApplyFill(ctx context.Context, f Fill) (*Position, error) {
	l := a.keyLock(f.AccountID, f.Symbol)
	l.Lock()
	defer l.Unlock()

	prior, err := a.store.GetPosition(ctx, f.AccountID, f.Symbol)
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	next := applyFill(prior, f)
	if err := a.store.UpsertPosition(ctx, next); err != nil {
		return nil, fmt.Errorf("persist position: %w", err)
	}
	return next.Clone(), nil
}

// MarkToMarket 用最新标记价重算未实现盈亏，返回发生变化的仓位。
func (a *Accountant) MarkToMarket(ctx context.Context, symbol string, mark decimal.Decimal) ([]*Position, error) {
	open, err := a.store.PositionsBySymbol(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("load positions for %s: %w", symbol, err)
	}

	updated := make([]*Position, 0, len(open))
	for _, p := range open {
		l := a.keyLock(p.AccountID, p.Symbol)
		l.Lock()
		cur, err := a.store.GetPosition(ctx, p.AccountID, p.Symbol)
		if err != nil || cur == nil || cur.Flat() {
			l.Unlock()
			continue
		}
		unrealized := cur.NetQuantity.Mul(mark.Sub(cur.AvgEntryPrice))
		if unrealized.Equal(cur.UnrealizedPnL) {
			l.Unlock()
			continue
		}
		cur.UnrealizedPnL = unrealized
		cur.UpdatedAt = time.Now().UTC()
		if err := a.store.UpsertPosition(ctx, cur); err != nil {
			l.Unlock()
			return updated, fmt.Errorf("persist mark for %s/%s: %w", p.AccountID, p.Symbol, err)
		}
		updated = append(updated, cur.Clone())
		l.Unlock()
	}
	return updated, nil
}

// applyFill 加权平均成本规则：
//   - 同向加仓：新均价 = (|旧净量|×旧均价 + 成交量×成交价) / (|旧净量| + 成交量)
//   - 反向减仓（不翻向）：已实现 += (成交价 − 均价) × 平掉数量 × sign(旧净量)，均价不变
//   - 反向穿仓（翻向）：先按全部旧仓实现盈亏，新均价 = 成交价
//   - 平到零：实现全部盈亏，均价清零
func applyFill(prior *Position, f Fill) *Position {
	now := time.Now().UTC()
	delta := f.SignedQuantity()

	if prior == nil || prior.Flat() {
		pos := &Position{
			AccountID:     f.AccountID,
			Symbol:        f.Symbol,
			NetQuantity:   delta,
			AvgEntryPrice: f.Price,
			CostBasis:     delta.Abs().Mul(f.Price),
			UpdatedAt:     now,
		}
		if prior != nil {
			pos.RealizedPnL = prior.RealizedPnL
		}
		return pos
	}

	next := prior.Clone()
	next.UpdatedAt = now
	newQty := prior.NetQuantity.Add(delta)
	sign := signOf(prior.NetQuantity)

	sameDirection := prior.NetQuantity.Sign() == delta.Sign()
	switch {
	case sameDirection:
		// 加仓
		totalCost := prior.NetQuantity.Abs().Mul(prior.AvgEntryPrice).Add(f.Quantity.Mul(f.Price))
		next.NetQuantity = newQty
		next.AvgEntryPrice = totalCost.Div(newQty.Abs())

	case newQty.IsZero():
		// 精确平仓
		next.RealizedPnL = prior.RealizedPnL.Add(
			f.Price.Sub(prior.AvgEntryPrice).Mul(prior.NetQuantity.Abs()).Mul(sign))
		next.NetQuantity = decimal.Zero
		next.AvgEntryPrice = decimal.Zero
		next.UnrealizedPnL = decimal.Zero

	case newQty.Sign() == prior.NetQuantity.Sign():
		// 减仓，方向未变
		next.RealizedPnL = prior.RealizedPnL.Add(
			f.Price.Sub(prior.AvgEntryPrice).Mul(f.Quantity).Mul(sign))
		next.NetQuantity = newQty

	default:
		// 穿仓：旧仓全部实现，按成交价开新仓
		next.RealizedPnL = prior.RealizedPnL.Add(
			f.Price.Sub(prior.AvgEntryPrice).Mul(prior.NetQuantity.Abs()).Mul(sign))
		next.NetQuantity = newQty
		next.AvgEntryPrice = f.Price
		next.UnrealizedPnL = decimal.Zero
	}

	next.CostBasis = next.NetQuantity.Abs().Mul(next.AvgEntryPrice)
	return next
}

func signOf(d decimal.Decimal) decimal.Decimal {
	if d.Sign() < 0 {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}
