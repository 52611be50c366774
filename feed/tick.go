package feed

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick 单个符号的一次行情快照。
type Tick struct {
	Symbol  string          `json:"symbol"`
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
	Last    decimal.Decimal `json:"last"`
	High24h decimal.Decimal `json:"high24h"`
	Low24h  decimal.Decimal `json:"low24h"`
	Volume  decimal.Decimal `json:"volume"`
	Ts      time.Time       `json:"ts"`
}

// Mid 返回买卖中间价。
func (t Tick) Mid() decimal.Decimal {
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}
