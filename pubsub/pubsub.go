// Package pubsub 订单生命周期与行情的频道分发器。
//
// 尽力而为：订阅者缓冲满时丢弃消息（至多一次投递），慢消费者不会
// 阻塞撮合路径。
package pubsub

import (
	"sync"

	"paper-trading-go/feed"
	"paper-trading-go/metrics"
	"paper-trading-go/order"
	"paper-trading-go/position"
)

// 频道命名
const (
	// ChannelAllOrders 管理员频道：全部账户的订单与仓位事件。
	ChannelAllOrders = "orders:*"

	ordersPrefix = "orders:"
	ticksPrefix  = "ticks:"
)

// OrderChannel 账户私有频道名。
func OrderChannel(accountID string) string { return ordersPrefix + accountID }

// TickChannel 符号行情频道名。
func TickChannel(symbol string) string { return ticksPrefix + symbol }

// EventType 事件类别。
type EventType string

const (
	EventOrderUpdate    EventType = "order_update"
	EventPositionUpdate EventType = "position_update"
	EventTick           EventType = "tick"
)

// Event 分发给订阅者的事件。按类别恰好一个负载字段非空。
type Event struct {
	Type     EventType          `json:"type"`
	Channel  string             `json:"channel"`
	Order    *order.Order       `json:"order,omitempty"`
	Position *position.Position `json:"position,omitempty"`
	Tick     *feed.Tick         `json:"tick,omitempty"`
}

// Subscription 单个订阅者的接收端。
type Subscription struct {
	bus     *Bus
	channel string
	ch      chan Event
}

// C 事件接收通道。订阅取消后关闭。
func (s *Subscription) C() <-chan Event { return s.ch }

// Channel 返回订阅的频道名。
func (s *Subscription) Channel() string { return s.channel }

// Close 取消订阅并关闭接收通道。可重复调用。
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus 频道到订阅者集合的映射。
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

// NewBus 构造事件总线。
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe 订阅频道。buffer 为接收缓冲大小，<=0 时取 16。
func (b *Bus) Subscribe(channel string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &Subscription{bus: b, channel: channel, ch: make(chan Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[channel] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sub.channel]
	if !ok {
		return
	}
	if _, live := set[sub]; !live {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.channel)
	}
	close(sub.ch)
}

// PublishOrder 推送订单事件到所属账户频道和管理员频道。
func (b *Bus) PublishOrder(o *order.Order) {
	ev := Event{Type: EventOrderUpdate, Order: o}
	b.publish(OrderChannel(o.AccountID), ev)
	b.publish(ChannelAllOrders, ev)
}

// PublishPosition 推送仓位事件到所属账户频道和管理员频道。
func (b *Bus) PublishPosition(p *position.Position) {
	ev := Event{Type: EventPositionUpdate, Position: p}
	b.publish(OrderChannel(p.AccountID), ev)
	b.publish(ChannelAllOrders, ev)
}

// PublishTick 推送行情到符号频道。
func (b *Bus) PublishTick(tk feed.Tick) {
	b.publish(TickChannel(tk.Symbol), Event{Type: EventTick, Tick: &tk})
}

func (b *Bus) publish(channel string, ev Event) {
	ev.Channel = channel

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs[channel] {
		select {
		case sub.ch <- ev:
			metrics.UpdateEventPublished(channel)
		default:
			// 订阅者跟不上就丢
			metrics.UpdateEventDropped(channel)
		}
	}
}

// Close 关闭总线并断开所有订阅者。
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subs {
		for sub := range set {
			close(sub.ch)
		}
	}
	b.subs = make(map[string]map[*Subscription]struct{})
}
