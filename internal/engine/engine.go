// Package engine 订单生命周期协调核心：校验、权限、落库、撮合与事件。
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paper-trading-go/auth"
	"paper-trading-go/exec"
	"paper-trading-go/feed"
	"paper-trading-go/infrastructure/logger"
	"paper-trading-go/metrics"
	"paper-trading-go/order"
	"paper-trading-go/position"
	"paper-trading-go/pubsub"
	"paper-trading-go/store"
)

// EngineState 引擎状态
type EngineState int

const (
	// StateIdle 空闲状态
	StateIdle EngineState = iota
	// StateRunning 运行状态
	StateRunning
	// StateStopped 停止状态
	StateStopped
)

// String 返回状态名称
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// ErrNotRunning 引擎未在运行状态。
var ErrNotRunning = errors.New("engine not running")

// ValidationError 订单入参校验失败。
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// 幂等读的重试参数，只对 ErrStoreUnavailable 生效
const (
	readAttempts = 3
	readBackoff  = 50 * time.Millisecond
)

// Config 引擎配置
type Config struct {
	// OpTimeout 单个请求的存储超时
	OpTimeout time.Duration
	// MaxQuantity 单笔数量上限，0 表示不限制
	MaxQuantity decimal.Decimal
}

// Components 引擎依赖组件
type Components struct {
	Store      store.Store
	Accountant *position.Accountant
	Simulator  *exec.Simulator
	Feed       *feed.Feed
	Bus        *pubsub.Bus
	Logger     *logger.Logger
}

// Engine 协调订单生命周期的核心服务。
type Engine struct {
	config Config

	st     store.Store
	acct   *position.Accountant
	sim    *exec.Simulator
	feed   *feed.Feed
	bus    *pubsub.Bus
	logger *logger.Logger

	symbols map[string]struct{}

	state EngineState
	mu    sync.RWMutex

	stats statistics
}

type statistics struct {
	mu             sync.RWMutex
	startTime      time.Time
	totalSubmitted int64
	totalCancelled int64
	totalRejected  int64
	totalFailed    int64
	lastSubmitTime time.Time
}

// Statistics 引擎统计快照。
type Statistics struct {
	StartTime      time.Time
	TotalSubmitted int64
	TotalCancelled int64
	TotalRejected  int64
	TotalFailed    int64
	LastSubmitTime time.Time
}

// New 创建引擎
func New(cfg Config, components Components) (*Engine, error) {
	if err := validateComponents(components); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 3 * time.Second
	}

	symbols := make(map[string]struct{})
	for _, s := range components.Feed.Symbols() {
		symbols[s] = struct{}{}
	}

	return &Engine{
		config:  cfg,
		st:      components.Store,
		acct:    components.Accountant,
		sim:     components.Simulator,
		feed:    components.Feed,
		bus:     components.Bus,
		logger:  components.Logger,
		symbols: symbols,
		state:   StateIdle,
	}, nil
}

// Start 启动引擎：热启动恢复未终结订单计数后进入运行状态。
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateRunning {
		e.mu.Unlock()
		return fmt.Errorf("engine already started (state: %s)", e.state)
	}
	e.state = StateRunning
	e.mu.Unlock()

	e.stats.mu.Lock()
	e.stats.startTime = time.Now()
	e.stats.mu.Unlock()

	if err := e.warmStart(ctx); err != nil {
		return fmt.Errorf("warm start: %w", err)
	}

	e.logger.Info("engine started", zap.Int("symbols", len(e.symbols)))
	return nil
}

// warmStart 从存储恢复现场：未终结订单数与持仓指标。
func (e *Engine) warmStart(ctx context.Context) error {
	open, err := e.st.OpenOrders(ctx)
	if err != nil {
		return err
	}
	metrics.OpenOrders.Set(float64(len(open)))

	for symbol := range e.symbols {
		positions, err := e.st.PositionsBySymbol(ctx, symbol)
		if err != nil {
			return err
		}
		for _, p := range positions {
			net, _ := p.NetQuantity.Float64()
			realized, _ := p.RealizedPnL.Float64()
			unrealized, _ := p.UnrealizedPnL.Float64()
			metrics.UpdatePositionMetrics(p.AccountID, p.Symbol, net, realized, unrealized)
		}
	}

	if len(open) > 0 {
		e.logger.Info("recovered open orders", zap.Int("count", len(open)))
	}
	return nil
}

// Stop 停止引擎。幂等。
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateStopped {
		return
	}
	e.state = StateStopped
	e.logger.Info("engine stopped")
}

// GetState 获取引擎状态
func (e *Engine) GetState() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// GetStatistics 获取统计信息
func (e *Engine) GetStatistics() Statistics {
	e.stats.mu.RLock()
	defer e.stats.mu.RUnlock()
	return Statistics{
		StartTime:      e.stats.startTime,
		TotalSubmitted: e.stats.totalSubmitted,
		TotalCancelled: e.stats.totalCancelled,
		TotalRejected:  e.stats.totalRejected,
		TotalFailed:    e.stats.totalFailed,
		LastSubmitTime: e.stats.lastSubmitTime,
	}
}

func (e *Engine) running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == StateRunning
}

// SubmitRequest 下单入参。账户一律取认证上下文，不信客户端字段。
type SubmitRequest struct {
	ClientOrderID string
	Symbol        string
	Side          order.Side
	Type          order.Type
	Quantity      decimal.Decimal
	Price         *decimal.Decimal
	StopPrice     *decimal.Decimal
	TimeInForce   order.TimeInForce
}

// SubmitOrder 下单：鉴权 → 校验 → 幂等落库 → 市价立即撮合 / 其余挂单。
func (e *Engine) SubmitOrder(ctx context.Context, ac *auth.Context, req SubmitRequest) (*order.Order, error) {
	started := time.Now()
	if !e.running() {
		return nil, ErrNotRunning
	}
	if ac == nil {
		return nil, auth.ErrUnauthenticated
	}
	if !ac.Has(auth.PermOrdersCreate) {
		return nil, auth.ErrPermissionDenied
	}
	if err := e.validateSubmit(&req); err != nil {
		metrics.UpdateOrderRejected("validation_error")
		return nil, err
	}

	o := &order.Order{
		AccountID:     ac.AccountID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		TimeInForce:   req.TimeInForce,
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.OpTimeout)
	defer cancel()

	stored, err := e.st.SubmitOrder(ctx, o)
	if errors.Is(err, store.ErrDuplicateClientOrderID) {
		// 重复提交视为成功，返回已有订单
		e.logger.LogOrder("duplicate_submit", stored.ID, map[string]interface{}{
			"account": ac.AccountID, "client_order_id": req.ClientOrderID,
		})
		return stored, nil
	}
	if err != nil {
		metrics.UpdateStoreError("submit")
		return nil, err
	}

	e.stats.mu.Lock()
	e.stats.totalSubmitted++
	e.stats.lastSubmitTime = time.Now()
	e.stats.mu.Unlock()

	metrics.UpdateOrderSubmitted(stored.Symbol, string(stored.Side), string(stored.Type))
	e.bus.PublishOrder(stored)
	e.logger.LogOrder("submitted", stored.ID, map[string]interface{}{
		"account": stored.AccountID, "symbol": stored.Symbol,
		"side": string(stored.Side), "type": string(stored.Type),
		"quantity": stored.Quantity.String(),
	})

	var result *order.Order
	if stored.Type == order.TypeMarket {
		result, err = e.executeMarket(ctx, stored)
	} else {
		result, err = e.st.AcceptOrder(ctx, stored.ID)
		if err == nil {
			e.bus.PublishOrder(result)
		}
	}
	if err != nil {
		// 市价单无行情时 result 是已拒绝的订单，随错误一起返回
		return result, err
	}

	e.refreshOpenGauge(ctx)
	metrics.ObserveSubmitLatency(time.Since(started))
	return result, nil
}

// ErrNoMarketData 重新导出，便于网关映射错误码。
var ErrNoMarketData = exec.ErrNoMarketData

func (e *Engine) executeMarket(ctx context.Context, o *order.Order) (*order.Order, error) {
	tk, ok := e.feed.Last(o.Symbol)
	if !ok {
		rejected, rerr := e.st.RejectOrder(ctx, o.ID, "no market data")
		if rerr != nil {
			return nil, rerr
		}
		e.bus.PublishOrder(rejected)
		metrics.UpdateOrderRejected("no_market_data")
		e.stats.mu.Lock()
		e.stats.totalRejected++
		e.stats.mu.Unlock()
		return rejected, ErrNoMarketData
	}
	filled, err := e.sim.ExecuteMarket(ctx, o, tk, true)
	if err != nil {
		metrics.UpdateStoreError("execute_market")
		e.stats.mu.Lock()
		e.stats.totalFailed++
		e.stats.mu.Unlock()
		return nil, err
	}
	avgPx := ""
	if filled.AvgFillPrice != nil {
		avgPx = filled.AvgFillPrice.String()
	}
	e.logger.LogTrade("market_executed", map[string]interface{}{
		"order_id": filled.ID, "symbol": filled.Symbol,
		"filled_quantity": filled.FilledQuantity.String(),
		"avg_fill_price":  avgPx,
	})
	return filled, nil
}

// CancelOrder 撤单。管理员可撤任意账户的订单。
func (e *Engine) CancelOrder(ctx context.Context, ac *auth.Context, orderID string) (*order.Order, error) {
	if !e.running() {
		return nil, ErrNotRunning
	}
	if ac == nil {
		return nil, auth.ErrUnauthenticated
	}
	if !ac.Has(auth.PermOrdersCancel) {
		return nil, auth.ErrPermissionDenied
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.OpTimeout)
	defer cancel()

	owner := ac.AccountID
	if ac.Has(auth.PermAdminFull) {
		existing, err := e.st.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		owner = existing.AccountID
	}

	cancelled, err := e.st.CancelOrder(ctx, orderID, owner)
	if err != nil {
		return cancelled, err
	}

	e.stats.mu.Lock()
	e.stats.totalCancelled++
	e.stats.mu.Unlock()

	metrics.OrdersCancelled.Inc()
	e.bus.PublishOrder(cancelled)
	e.logger.LogOrder("cancelled", cancelled.ID, map[string]interface{}{
		"account": cancelled.AccountID,
	})
	e.refreshOpenGauge(ctx)
	return cancelled, nil
}

// GetOrder 查询订单，非管理员只能查自己的。
func (e *Engine) GetOrder(ctx context.Context, ac *auth.Context, orderID string) (*order.Order, error) {
	if ac == nil {
		return nil, auth.ErrUnauthenticated
	}
	if !ac.Has(auth.PermOrdersRead) {
		return nil, auth.ErrPermissionDenied
	}
	ctx, cancel := context.WithTimeout(ctx, e.config.OpTimeout)
	defer cancel()

	var o *order.Order
	err := store.RetryRead(ctx, readAttempts, readBackoff, func() error {
		var rerr error
		o, rerr = e.st.GetOrder(ctx, orderID)
		return rerr
	})
	if err != nil {
		return nil, err
	}
	if !ac.CanAccessAccount(o.AccountID) {
		// 不泄露存在性
		return nil, store.ErrNotFound
	}
	return o, nil
}

// ListOrders 列出账户全部订单。
func (e *Engine) ListOrders(ctx context.Context, ac *auth.Context, accountID string) ([]*order.Order, error) {
	if ac == nil {
		return nil, auth.ErrUnauthenticated
	}
	if !ac.Has(auth.PermOrdersRead) {
		return nil, auth.ErrPermissionDenied
	}
	if accountID == "" {
		accountID = ac.AccountID
	}
	if !ac.CanAccessAccount(accountID) {
		return nil, auth.ErrPermissionDenied
	}
	ctx, cancel := context.WithTimeout(ctx, e.config.OpTimeout)
	defer cancel()

	var orders []*order.Order
	err := store.RetryRead(ctx, readAttempts, readBackoff, func() error {
		var rerr error
		orders, rerr = e.st.OrdersByAccount(ctx, accountID)
		return rerr
	})
	return orders, err
}

// ListPositions 列出账户持仓。
func (e *Engine) ListPositions(ctx context.Context, ac *auth.Context, accountID string) ([]*position.Position, error) {
	if ac == nil {
		return nil, auth.ErrUnauthenticated
	}
	if !ac.Has(auth.PermPositionsRead) {
		return nil, auth.ErrPermissionDenied
	}
	if accountID == "" {
		accountID = ac.AccountID
	}
	if !ac.CanAccessAccount(accountID) {
		return nil, auth.ErrPermissionDenied
	}
	ctx, cancel := context.WithTimeout(ctx, e.config.OpTimeout)
	defer cancel()

	var positions []*position.Position
	err := store.RetryRead(ctx, readAttempts, readBackoff, func() error {
		var rerr error
		positions, rerr = e.st.ListPositions(ctx, accountID)
		return rerr
	})
	return positions, err
}

// Subscribe 订阅事件频道，权限随频道类别走。
func (e *Engine) Subscribe(ac *auth.Context, channel string) (*pubsub.Subscription, error) {
	if ac == nil {
		return nil, auth.ErrUnauthenticated
	}
	switch {
	case channel == pubsub.ChannelAllOrders:
		if !ac.Has(auth.PermPositionsReadAll) {
			return nil, auth.ErrPermissionDenied
		}
	case strings.HasPrefix(channel, "orders:"):
		account := strings.TrimPrefix(channel, "orders:")
		if !ac.Has(auth.PermOrdersRead) || !ac.CanAccessAccount(account) {
			return nil, auth.ErrPermissionDenied
		}
	case strings.HasPrefix(channel, "ticks:"):
		if !ac.Has(auth.PermMarketRead) {
			return nil, auth.ErrPermissionDenied
		}
		symbol := strings.TrimPrefix(channel, "ticks:")
		if _, ok := e.symbols[symbol]; !ok {
			return nil, invalid("channel", "unknown symbol "+symbol)
		}
	default:
		return nil, invalid("channel", "unknown channel "+channel)
	}
	return e.bus.Subscribe(channel, 64), nil
}

// LastTick 查询符号最新行情。
func (e *Engine) LastTick(ac *auth.Context, symbol string) (feed.Tick, error) {
	if ac == nil {
		return feed.Tick{}, auth.ErrUnauthenticated
	}
	if !ac.Has(auth.PermMarketRead) {
		return feed.Tick{}, auth.ErrPermissionDenied
	}
	tk, ok := e.feed.Last(symbol)
	if !ok {
		return feed.Tick{}, ErrNoMarketData
	}
	return tk, nil
}

func (e *Engine) validateSubmit(req *SubmitRequest) error {
	if req.ClientOrderID == "" {
		return invalid("client_order_id", "required")
	}
	if len(req.ClientOrderID) > 64 {
		return invalid("client_order_id", "too long")
	}
	if req.Symbol == "" {
		return invalid("symbol", "required")
	}
	if _, ok := e.symbols[req.Symbol]; !ok {
		return invalid("symbol", "unknown symbol "+req.Symbol)
	}
	if !req.Side.Valid() {
		return invalid("side", "must be buy or sell")
	}
	if !req.Type.Valid() {
		return invalid("type", "unknown order type")
	}
	if req.Quantity.Sign() <= 0 {
		return invalid("quantity", "must be positive")
	}
	if e.config.MaxQuantity.Sign() > 0 && req.Quantity.GreaterThan(e.config.MaxQuantity) {
		return invalid("quantity", "exceeds per-order limit")
	}
	if req.Type.NeedsLimitPrice() {
		if req.Price == nil || req.Price.Sign() <= 0 {
			return invalid("price", "required for limit orders")
		}
	} else if req.Price != nil {
		return invalid("price", "not allowed for "+string(req.Type))
	}
	if req.Type.NeedsStopPrice() {
		if req.StopPrice == nil || req.StopPrice.Sign() <= 0 {
			return invalid("stop_price", "required for stop orders")
		}
	} else if req.StopPrice != nil {
		return invalid("stop_price", "not allowed for "+string(req.Type))
	}
	if req.TimeInForce == "" {
		req.TimeInForce = order.TIFGoodTillCancel
	}
	if !req.TimeInForce.Valid() {
		return invalid("time_in_force", "unknown value")
	}
	return nil
}

func (e *Engine) refreshOpenGauge(ctx context.Context) {
	open, err := e.st.OpenOrders(ctx)
	if err != nil {
		return
	}
	metrics.OpenOrders.Set(float64(len(open)))
}

func validateComponents(comp Components) error {
	if comp.Store == nil {
		return errors.New("store is required")
	}
	if comp.Accountant == nil {
		return errors.New("accountant is required")
	}
	if comp.Simulator == nil {
		return errors.New("simulator is required")
	}
	if comp.Feed == nil {
		return errors.New("feed is required")
	}
	if comp.Bus == nil {
		return errors.New("bus is required")
	}
	if comp.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}
