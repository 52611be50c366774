// Package feed 合成行情源：按符号做随机游走，驱动撮合与盯市。
package feed

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SymbolSpec 单个符号的行情参数。
type SymbolSpec struct {
	Symbol       string
	InitialPrice float64
	DriftPerSec  float64 // 对数漂移（每秒）
	Volatility   float64 // 对数波动率（每秒标准差）
	SpreadBps    float64 // 买卖价差（基点）
	TickSize     float64 // 价格最小变动单位
}

// Handler 接收每一笔新行情。回调在 Feed 的单个 goroutine 上串行执行。
type Handler func(Tick)

type symbolState struct {
	spec        SymbolSpec
	price       float64
	high        float64
	low         float64
	volume      float64
	windowStart time.Time
	last        Tick
	hasTick     bool
}

// Feed 定时为所有符号生成行情并回调订阅者。
type Feed struct {
	mu       sync.RWMutex
	symbols  map[string]*symbolState
	handlers []Handler
	interval time.Duration
	rng      *rand.Rand
	logger   *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New 构造行情源。seed 固定时序列可复现。
func New(specs []SymbolSpec, interval time.Duration, seed int64, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	f := &Feed{
		symbols:  make(map[string]*symbolState, len(specs)),
		interval: interval,
		rng:      rand.New(rand.NewSource(seed)),
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, sp := range specs {
		f.symbols[sp.Symbol] = &symbolState{
			spec:  sp,
			price: sp.InitialPrice,
			high:  sp.InitialPrice,
			low:   sp.InitialPrice,
		}
	}
	return f
}

// OnTick 注册行情回调。必须在 Start 之前调用。
func (f *Feed) OnTick(h Handler) {
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.mu.Unlock()
}

// Start 启动生成循环。
func (f *Feed) Start(ctx context.Context) {
	go f.run(ctx)
}

// Stop 停止生成循环并等待退出。
func (f *Feed) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	<-f.doneCh
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.doneCh)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	// 启动时先发一轮初始行情，保证市价单立即有价可用
	f.Step(time.Now().UTC())

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case now := <-ticker.C:
			f.Step(now.UTC())
		}
	}
}

// Step 为所有符号推进一步并分发行情。导出以便确定性驱动。
func (f *Feed) Step(now time.Time) {
	f.mu.Lock()
	ticks := make([]Tick, 0, len(f.symbols))
	dt := f.interval.Seconds()
	for _, st := range f.symbols {
		ticks = append(ticks, f.stepSymbol(st, now, dt))
	}
	handlers := f.handlers
	f.mu.Unlock()

	for _, tk := range ticks {
		for _, h := range handlers {
			h(tk)
		}
	}
}

// 调用方需持有 f.mu。
func (f *Feed) stepSymbol(st *symbolState, now time.Time, dt float64) Tick {
	sp := st.spec

	// 几何随机游走
	step := sp.DriftPerSec*dt + sp.Volatility*math.Sqrt(dt)*f.rng.NormFloat64()
	st.price *= math.Exp(step)
	if st.price < sp.TickSize {
		st.price = sp.TickSize
	}

	// 24h 窗口滚动
	if st.windowStart.IsZero() || now.Sub(st.windowStart) >= 24*time.Hour {
		st.windowStart = now
		st.high = st.price
		st.low = st.price
		st.volume = 0
	}
	if st.price > st.high {
		st.high = st.price
	}
	if st.price < st.low {
		st.low = st.price
	}
	st.volume += f.rng.Float64() * 10

	half := st.price * sp.SpreadBps / 10000 / 2
	exp := tickExponent(sp.TickSize)
	last := roundToTick(st.price, sp.TickSize, exp)
	bid := roundToTick(st.price-half, sp.TickSize, exp)
	ask := roundToTick(st.price+half, sp.TickSize, exp)
	if ask.LessThanOrEqual(bid) {
		ask = bid.Add(decimal.NewFromFloat(sp.TickSize))
	}

	tk := Tick{
		Symbol:  sp.Symbol,
		Bid:     bid,
		Ask:     ask,
		Last:    last,
		High24h: roundToTick(st.high, sp.TickSize, exp),
		Low24h:  roundToTick(st.low, sp.TickSize, exp),
		Volume:  decimal.NewFromFloat(st.volume).Round(4),
		Ts:      now,
	}
	st.last = tk
	st.hasTick = true
	return tk
}

// Last 返回符号的最新行情；尚无行情时 ok 为 false。
func (f *Feed) Last(symbol string) (Tick, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st, ok := f.symbols[symbol]
	if !ok || !st.hasTick {
		return Tick{}, false
	}
	return st.last, true
}

// Symbols 返回已配置的符号列表。
func (f *Feed) Symbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.symbols))
	for s := range f.symbols {
		out = append(out, s)
	}
	return out
}

func tickExponent(tickSize float64) int32 {
	if tickSize <= 0 {
		return 8
	}
	exp := int32(math.Ceil(-math.Log10(tickSize)))
	if exp < 0 {
		exp = 0
	}
	return exp
}

func roundToTick(price, tickSize float64, exp int32) decimal.Decimal {
	if tickSize <= 0 {
		return decimal.NewFromFloat(price).Round(8)
	}
	steps := math.Round(price / tickSize)
	return decimal.NewFromFloat(steps * tickSize).Round(exp)
}
