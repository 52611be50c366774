// Package store 持久化订单与仓位。提供两个实现：内存版（演示/测试）与
// sqlite 版（落盘）。所有变更在串行化点检查当前状态，成交与撤单竞争时
// 先到者胜出，后到者拿到 ErrOrderTerminal。
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"paper-trading-go/order"
	"paper-trading-go/position"
)

var (
	ErrNotFound               = errors.New("order not found")
	ErrDuplicateClientOrderID = errors.New("duplicate client order id")
	ErrOrderTerminal          = errors.New("order already terminal")
	ErrNotOwner               = errors.New("order owned by another account")
	ErrOverfill               = errors.New("fill exceeds remaining quantity")
	ErrStoreUnavailable       = errors.New("store unavailable")
)

// Store 订单 + 仓位的持久化契约。实现必须保证每个方法原子。
type Store interface {
	// SubmitOrder 以 pending 状态落库。幂等：(account, clientOrderID) 已存在时
	// 返回已有订单与 ErrDuplicateClientOrderID，由调用方决定如何呈现。
	SubmitOrder(ctx context.Context, o *order.Order) (*order.Order, error)
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	// OpenOrders 返回所有非终态订单，进程重启后模拟器据此恢复。
	OpenOrders(ctx context.Context) ([]*order.Order, error)
	OpenOrdersBySymbol(ctx context.Context, symbol string) ([]*order.Order, error)
	OrdersByAccount(ctx context.Context, accountID string) ([]*order.Order, error)

	// AcceptOrder pending -> accepted；已终态返回 ErrOrderTerminal。
	AcceptOrder(ctx context.Context, id string) (*order.Order, error)
	// CancelOrder 仅在非终态且归属匹配时转为 cancelled；
	// 已终态返回原订单与 ErrOrderTerminal，订单不变。
	CancelOrder(ctx context.Context, id, accountID string) (*order.Order, error)
	RejectOrder(ctx context.Context, id, reason string) (*order.Order, error)
	// ExpireOrder 非终态 -> expired，DAY 单过期由模拟器触发。
	ExpireOrder(ctx context.Context, id string) (*order.Order, error)
	// ApplyFill 原子累加成交：重算加权均价，按需置 partially_filled/filled。
	ApplyFill(ctx context.Context, id string, qty, price decimal.Decimal) (*order.Order, error)

	GetPosition(ctx context.Context, accountID, symbol string) (*position.Position, error)
	ListPositions(ctx context.Context, accountID string) ([]*position.Position, error)
	PositionsBySymbol(ctx context.Context, symbol string) ([]*position.Position, error)
	UpsertPosition(ctx context.Context, p *position.Position) error

	Close() error
}

// 编译期确认两个实现都满足仓位侧契约。
var (
	_ position.Store = Store(nil)
)

// ctxAlive 操作入口的统一超时检查。
func ctxAlive(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return ErrStoreUnavailable
	}
	return nil
}
