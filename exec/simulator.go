// Package exec 撮合模拟器：用合成行情驱动订单成交。
package exec

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paper-trading-go/feed"
	"paper-trading-go/metrics"
	"paper-trading-go/order"
	"paper-trading-go/position"
	"paper-trading-go/pubsub"
	"paper-trading-go/store"
)

// ErrNoMarketData 符号尚无行情，市价单无价可用。
var ErrNoMarketData = errors.New("no market data for symbol")

// Config 撮合参数。
type Config struct {
	// SlippageBps 市价单滑点（基点）。买单向上吃价，卖单向下。
	SlippageBps float64
	// PartialFillFraction 限价单每笔行情最多成交剩余量的比例，(0,1]。
	// <=0 或 >=1 时一次吃满。
	PartialFillFraction float64
	// MinFillStep 部分成交的最小步长，避免碎末成交。
	MinFillStep decimal.Decimal
	// FillTimeout 单笔成交落库的超时。
	FillTimeout time.Duration
}

// DefaultConfig 返回默认撮合参数。
func DefaultConfig() Config {
	return Config{
		SlippageBps:         2,
		PartialFillFraction: 0,
		MinFillStep:         decimal.Zero,
		FillTimeout:         2 * time.Second,
	}
}

// Simulator 按行情扫描未终结订单并产生成交。
//
// 成交先落库（store.ApplyFill 是与撤单竞争的序列化点），落库失败即丢弃，
// 仓位与事件只跟着已提交的成交走。
type Simulator struct {
	st     store.Store
	acct   *position.Accountant
	bus    *pubsub.Bus
	clock  Clock
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	triggered map[string]struct{} // 已触发的止损限价单
}

// New 构造撮合模拟器。seed 固定时部分成交序列可复现。
func New(st store.Store, acct *position.Accountant, bus *pubsub.Bus, cfg Config, clock Clock, seed int64, logger *zap.Logger) *Simulator {
	if clock == nil {
		clock = NowUTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 2 * time.Second
	}
	return &Simulator{
		st:        st,
		acct:      acct,
		bus:       bus,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		rng:       rand.New(rand.NewSource(seed)),
		triggered: make(map[string]struct{}),
	}
}

// ExecuteMarket 用最新行情立即全额成交一张市价单。
// tick 缺失时返回 ErrNoMarketData，调用方负责拒单。
func (s *Simulator) ExecuteMarket(ctx context.Context, o *order.Order, tk feed.Tick, ok bool) (*order.Order, error) {
	if !ok {
		return nil, ErrNoMarketData
	}
	price := s.marketPrice(o.Side, tk.Last)
	return s.commitFill(ctx, o.ID, o.Remaining(), price, tk.Ts)
}

// OnTick 行情回调：先撮合该符号的未终结订单，再对持仓盯市。
func (s *Simulator) OnTick(tk feed.Tick) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config().FillTimeout)
	defer cancel()

	open, err := s.st.OpenOrdersBySymbol(ctx, tk.Symbol)
	if err != nil {
		metrics.UpdateStoreError("open_by_symbol")
		s.logger.Warn("scan open orders failed", zap.String("symbol", tk.Symbol), zap.Error(err))
		return
	}
	for _, o := range open {
		s.matchOrder(ctx, o, tk)
	}

	s.markToMarket(ctx, tk)
}

func (s *Simulator) matchOrder(ctx context.Context, o *order.Order, tk feed.Tick) {
	// DAY 单过期优先于撮合
	if o.TimeInForce == order.TIFDay && s.clock.Now().Sub(o.CreatedAt) >= 24*time.Hour {
		expired, err := s.st.ExpireOrder(ctx, o.ID)
		if err == nil {
			s.bus.PublishOrder(expired)
			s.disarm(o.ID)
		}
		return
	}
	switch o.Type {
	case order.TypeLimit:
		s.matchLimit(ctx, o, tk)
	case order.TypeStop:
		if s.stopTriggered(o, tk.Last) {
			price := s.marketPrice(o.Side, tk.Last)
			if _, err := s.commitFill(ctx, o.ID, o.Remaining(), price, tk.Ts); err != nil {
				s.discard(o.ID, err)
			}
		}
	case order.TypeStopLimit:
		if !s.armed(o.ID) {
			if !s.stopTriggered(o, tk.Last) {
				return
			}
			s.arm(o.ID)
		}
		s.matchLimit(ctx, o, tk)
	case order.TypeMarket:
		// 市价单在提交路径上已处理；残留的按最新价直接吃掉
		if _, err := s.commitFill(ctx, o.ID, o.Remaining(), s.marketPrice(o.Side, tk.Last), tk.Ts); err != nil {
			s.discard(o.ID, err)
		}
	}
}

func (s *Simulator) matchLimit(ctx context.Context, o *order.Order, tk feed.Tick) {
	if o.Price == nil {
		return
	}
	limit := *o.Price

	var fillPrice decimal.Decimal
	switch o.Side {
	case order.SideBuy:
		// 卖一价低于等于限价才成交，按更优的卖一价
		if tk.Ask.GreaterThan(limit) {
			return
		}
		fillPrice = tk.Ask
	case order.SideSell:
		if tk.Bid.LessThan(limit) {
			return
		}
		fillPrice = tk.Bid
	default:
		return
	}

	qty := s.fillQuantity(o.Remaining())
	if qty.Sign() <= 0 {
		return
	}
	if _, err := s.commitFill(ctx, o.ID, qty, fillPrice, tk.Ts); err != nil {
		s.discard(o.ID, err)
	}
}

// commitFill 单笔成交的提交顺序：订单落库 → 仓位记账 → 事件 → 指标。
func (s *Simulator) commitFill(ctx context.Context, orderID string, qty, price decimal.Decimal, ts time.Time) (*order.Order, error) {
	updated, err := s.st.ApplyFill(ctx, orderID, qty, price)
	if err != nil {
		return nil, err
	}

	pos, err := s.acct.ApplyFill(ctx, position.Fill{
		OrderID:   updated.ID,
		AccountID: updated.AccountID,
		Symbol:    updated.Symbol,
		Side:      updated.Side,
		Quantity:  qty,
		Price:     price,
		Ts:        ts,
	})
	if err != nil {
		// 订单侧已提交，仓位落库失败只能记日志，下一笔成交会重算
		metrics.UpdateStoreError("apply_fill_position")
		s.logger.Error("position update failed after committed fill",
			zap.String("order_id", updated.ID), zap.Error(err))
	}

	s.bus.PublishOrder(updated)
	if pos != nil {
		s.bus.PublishPosition(pos)
		net, _ := pos.NetQuantity.Float64()
		realized, _ := pos.RealizedPnL.Float64()
		unrealized, _ := pos.UnrealizedPnL.Float64()
		metrics.UpdatePositionMetrics(pos.AccountID, pos.Symbol, net, realized, unrealized)
	}

	metrics.UpdateFill(updated.Symbol)
	if updated.Status == order.StatusFilled {
		metrics.OrdersFilled.Inc()
		s.disarm(updated.ID)
	}
	return updated, nil
}

func (s *Simulator) markToMarket(ctx context.Context, tk feed.Tick) {
	changed, err := s.acct.MarkToMarket(ctx, tk.Symbol, tk.Last)
	if err != nil {
		metrics.UpdateStoreError("mark_to_market")
		s.logger.Warn("mark to market failed", zap.String("symbol", tk.Symbol), zap.Error(err))
		return
	}
	for _, pos := range changed {
		s.bus.PublishPosition(pos)
		net, _ := pos.NetQuantity.Float64()
		realized, _ := pos.RealizedPnL.Float64()
		unrealized, _ := pos.UnrealizedPnL.Float64()
		metrics.UpdatePositionMetrics(pos.AccountID, pos.Symbol, net, realized, unrealized)
	}
}

func (s *Simulator) marketPrice(side order.Side, last decimal.Decimal) decimal.Decimal {
	slip := last.Mul(decimal.NewFromFloat(s.config().SlippageBps)).Div(decimal.NewFromInt(10000))
	if side == order.SideBuy {
		return last.Add(slip)
	}
	return last.Sub(slip)
}

func (s *Simulator) stopTriggered(o *order.Order, last decimal.Decimal) bool {
	if o.StopPrice == nil {
		return false
	}
	if o.Side == order.SideBuy {
		return last.GreaterThanOrEqual(*o.StopPrice)
	}
	return last.LessThanOrEqual(*o.StopPrice)
}

// fillQuantity 部分成交量：剩余量 × 配置比例（带随机抖动），不低于最小步长。
func (s *Simulator) fillQuantity(remaining decimal.Decimal) decimal.Decimal {
	s.mu.Lock()
	cfg := s.cfg
	jitter := 0.5 + s.rng.Float64()*0.5
	s.mu.Unlock()
	f := cfg.PartialFillFraction
	if f <= 0 || f >= 1 {
		return remaining
	}
	qty := remaining.Mul(decimal.NewFromFloat(f * jitter))
	if cfg.MinFillStep.Sign() > 0 && qty.LessThan(cfg.MinFillStep) {
		qty = cfg.MinFillStep
	}
	if qty.GreaterThan(remaining) {
		qty = remaining
	}
	return qty
}

// SetConfig 热更新撮合参数。
func (s *Simulator) SetConfig(cfg Config) {
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 2 * time.Second
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Simulator) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Simulator) discard(orderID string, err error) {
	// 与撤单竞争失败属于正常路径
	if errors.Is(err, store.ErrOrderTerminal) || errors.Is(err, store.ErrOverfill) {
		s.logger.Debug("fill discarded", zap.String("order_id", orderID), zap.Error(err))
		s.disarm(orderID)
		return
	}
	metrics.UpdateStoreError("apply_fill")
	s.logger.Warn("fill rejected", zap.String("order_id", orderID), zap.Error(err))
}

func (s *Simulator) armed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.triggered[id]
	return ok
}

func (s *Simulator) arm(id string) {
	s.mu.Lock()
	s.triggered[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Simulator) disarm(id string) {
	s.mu.Lock()
	delete(s.triggered, id)
	s.mu.Unlock()
}
