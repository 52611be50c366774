package position

import (
	"time"

	"github.com/shopspring/decimal"

	"paper-trading-go/order"
)

// Position (账户, 交易对) 维度的净持仓。行一旦创建不再删除，平仓后数量归零。
type Position struct {
	AccountID     string          `json:"account_id"`
	Symbol        string          `json:"symbol"`
	NetQuantity   decimal.Decimal `json:"net_quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"` // 仅在 NetQuantity != 0 时有意义
	CostBasis     decimal.Decimal `json:"cost_basis"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Flat 是否空仓。
func (p *Position) Flat() bool {
	return p.NetQuantity.IsZero()
}

// Clone returns a copy safe to hand to other goroutines.
func (p *Position) Clone() *Position {
	cp := *p
	return &cp
}

// Fill 已提交成交：对订单的一次 (数量, 价格) 执行。
type Fill struct {
	OrderID   string
	AccountID string
	Symbol    string
	Side      order.Side
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Ts        time.Time
}

// SignedQuantity 买为正、卖为负。
func (f Fill) SignedQuantity() decimal.Decimal {
	return f.Quantity.Mul(f.Side.Sign())
}
