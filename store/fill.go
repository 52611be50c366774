package store

import (
	"time"

	"github.com/shopspring/decimal"

	"paper-trading-go/order"
)

// applyFillTo 把一笔成交合并进订单副本：
// 均价按成交量加权重算，filled == quantity 时转为 filled。
// 调用方负责串行化；本函数只做校验与纯计算。
func applyFillTo(o *order.Order, qty, price decimal.Decimal) error {
	if order.IsTerminal(o.Status) {
		return ErrOrderTerminal
	}
	if qty.Sign() <= 0 || price.Sign() <= 0 {
		return ErrOverfill
	}
	if qty.GreaterThan(o.Remaining()) {
		return ErrOverfill
	}

	newFilled := o.FilledQuantity.Add(qty)
	if o.AvgFillPrice == nil {
		avg := price
		o.AvgFillPrice = &avg
	} else {
		// 加权均价：(已成交×旧均价 + 本次×成交价) / 新已成交
		total := o.FilledQuantity.Mul(*o.AvgFillPrice).Add(qty.Mul(price))
		avg := total.Div(newFilled)
		o.AvgFillPrice = &avg
	}
	o.FilledQuantity = newFilled

	next := order.StatusPartiallyFilled
	if newFilled.Equal(o.Quantity) {
		next = order.StatusFilled
	}
	o.Status = next
	o.Version++
	o.UpdatedAt = time.Now().UTC()
	return nil
}
