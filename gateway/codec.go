package gateway

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"paper-trading-go/auth"
	"paper-trading-go/exec"
	"paper-trading-go/internal/engine"
	"paper-trading-go/order"
	"paper-trading-go/position"
	"paper-trading-go/pubsub"
	"paper-trading-go/store"
)

// 错误码（线上协议的一部分，客户端据此分支）
const (
	CodeValidationError  = "validation_error"
	CodePermissionDenied = "permission_denied"
	CodeUnauthenticated  = "unauthenticated"
	CodeOrderNotFound    = "order_not_found"
	CodeAlreadyTerminal  = "already_terminal"
	CodeRateLimited      = "rate_limited"
	CodeStoreUnavailable = "store_unavailable"
	CodeNoMarketData     = "no_market_data"
	CodeInternalError    = "internal_error"
)

// ClientMessage 客户端入站帧。
type ClientMessage struct {
	Type    string        `json:"type"`
	ReqID   string        `json:"req_id,omitempty"`
	Token   string        `json:"token,omitempty"`
	Order   *OrderRequest `json:"order,omitempty"`
	OrderID string        `json:"order_id,omitempty"`
	Channel string        `json:"channel,omitempty"`
	Account string        `json:"account,omitempty"`
}

// OrderRequest 下单入参。数量与价格走十进制字符串。
type OrderRequest struct {
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	Type          string           `json:"type"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce   string           `json:"time_in_force,omitempty"`
}

// ToSubmitRequest 转为引擎入参。账户字段由会话补齐。
func (r *OrderRequest) ToSubmitRequest() engine.SubmitRequest {
	return engine.SubmitRequest{
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          order.Side(r.Side),
		Type:          order.Type(r.Type),
		Quantity:      r.Quantity,
		Price:         r.Price,
		StopPrice:     r.StopPrice,
		TimeInForce:   order.TimeInForce(r.TimeInForce),
	}
}

// ServerMessage 服务端出站帧。
type ServerMessage struct {
	Type      string               `json:"type"`
	ReqID     string               `json:"req_id,omitempty"`
	Account   string               `json:"account,omitempty"`
	Role      string               `json:"role,omitempty"`
	Channel   string               `json:"channel,omitempty"`
	Order     *order.Order         `json:"order,omitempty"`
	Orders    []*order.Order       `json:"orders,omitempty"`
	Positions []*position.Position `json:"positions,omitempty"`
	Event     *pubsub.Event        `json:"event,omitempty"`
	Code      string               `json:"code,omitempty"`
	Message   string               `json:"message,omitempty"`
	Ts        time.Time            `json:"ts"`
}

func resultMsg(reqID string, o *order.Order) ServerMessage {
	return ServerMessage{Type: "result", ReqID: reqID, Order: o, Ts: time.Now().UTC()}
}

func errorMsg(reqID, code, message string) ServerMessage {
	return ServerMessage{Type: "error", ReqID: reqID, Code: code, Message: message, Ts: time.Now().UTC()}
}

// errorCode 把内部错误折叠成线上错误码。
func errorCode(err error) string {
	var verr *engine.ValidationError
	switch {
	case errors.As(err, &verr):
		return CodeValidationError
	case errors.Is(err, auth.ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, auth.ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrNotOwner):
		// 非属主一律当不存在处理，避免泄露他人订单
		return CodeOrderNotFound
	case errors.Is(err, store.ErrOrderTerminal):
		return CodeAlreadyTerminal
	case errors.Is(err, store.ErrStoreUnavailable):
		return CodeStoreUnavailable
	case errors.Is(err, exec.ErrNoMarketData):
		return CodeNoMarketData
	default:
		return CodeInternalError
	}
}
