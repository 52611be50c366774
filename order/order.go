package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether the side is one of the known values.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Sign returns +1 for buy, -1 for sell.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Type represents order execution type.
type Type string

const (
	TypeMarket    Type = "market"
	TypeLimit     Type = "limit"
	TypeStop      Type = "stop"
	TypeStopLimit Type = "stop_limit"
)

// Valid reports whether the type is one of the known values.
func (t Type) Valid() bool {
	switch t {
	case TypeMarket, TypeLimit, TypeStop, TypeStopLimit:
		return true
	}
	return false
}

// NeedsLimitPrice 限价/止损限价单必须携带限价。
func (t Type) NeedsLimitPrice() bool {
	return t == TypeLimit || t == TypeStopLimit
}

// NeedsStopPrice 止损类订单必须携带触发价。
func (t Type) NeedsStopPrice() bool {
	return t == TypeStop || t == TypeStopLimit
}

// TimeInForce controls how long an order stays working.
type TimeInForce string

const (
	TIFGoodTillCancel    TimeInForce = "GTC"
	TIFImmediateOrCancel TimeInForce = "IOC"
	TIFDay               TimeInForce = "DAY"
)

// Valid reports whether the time-in-force is one of the known values.
func (t TimeInForce) Valid() bool {
	switch t {
	case TIFGoodTillCancel, TIFImmediateOrCancel, TIFDay:
		return true
	}
	return false
}

// Status represents order lifecycle.
type Status string

const (
	StatusPending         Status = "pending"
	StatusAccepted        Status = "accepted"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCancelled       Status = "cancelled"
	StatusRejected        Status = "rejected"
	StatusExpired         Status = "expired"
)

// Order 订单全量视图。数量/价格一律使用 decimal，广播时按字符串编码。
type Order struct {
	ID             string           `json:"id"`
	AccountID      string           `json:"account_id"`
	ClientOrderID  string           `json:"client_order_id"`
	Symbol         string           `json:"symbol"`
	Side           Side             `json:"side"`
	Type           Type             `json:"type"`
	Quantity       decimal.Decimal  `json:"quantity"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	StopPrice      *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce    TimeInForce      `json:"time_in_force"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice   *decimal.Decimal `json:"avg_fill_price,omitempty"`
	Status         Status           `json:"status"`
	Reason         string           `json:"reason,omitempty"`
	Version        int64            `json:"version"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Remaining 未成交数量。
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (o *Order) Clone() *Order {
	cp := *o
	if o.Price != nil {
		p := *o.Price
		cp.Price = &p
	}
	if o.StopPrice != nil {
		p := *o.StopPrice
		cp.StopPrice = &p
	}
	if o.AvgFillPrice != nil {
		p := *o.AvgFillPrice
		cp.AvgFillPrice = &p
	}
	return &cp
}
