package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"paper-trading-go/order"
	"paper-trading-go/position"
)

// MemoryStore 内存实现。一把读写锁覆盖全部索引，状态检查与写入在同一
// 临界区内完成，天然满足“先到串行化点者胜”的竞争语义。
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[string]*order.Order
	byClient  map[string]string // account/clientOrderID -> order id
	positions map[string]*position.Position
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*order.Order),
		byClient:  make(map[string]string),
		positions: make(map[string]*position.Position),
	}
}

var _ Store = (*MemoryStore)(nil)

func clientKey(accountID, clientOrderID string) string {
	return accountID + "/" + clientOrderID
}

func posKey(accountID, symbol string) string {
	return accountID + "/" + symbol
}

// SubmitOrder 落库为 pending；重复客户端令牌返回已有订单。
func (s *MemoryStore) SubmitOrder(ctx context.Context, o *order.Order) (*order.Order, error) {
	if err := ctxAlive(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := clientKey(o.AccountID, o.ClientOrderID)
	if existingID, ok := s.byClient[key]; ok {
		return s.orders[existingID].Clone(), ErrDuplicateClientOrderID
	}

	stored := o.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	stored.Status = order.StatusPending
	stored.FilledQuantity = decimal.Zero
	stored.AvgFillPrice = nil
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now

	s.orders[stored.ID] = stored
	s.byClient[key] = stored.ID
	return stored.Clone(), nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	if err := ctxAlive(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) OpenOrders(ctx context.Context) ([]*order.Order, error) {
	if err := ctxAlive(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*order.Order
	for _, o := range s.orders {
		if !order.IsTerminal(o.Status) {
			res = append(res, o.Clone())
		}
	}
	return res, nil
}

func (s *MemoryStore) OpenOrdersBySymbol(ctx context.Context, symbol string) ([]*order.Order, error) {
	if err := ctxAlive(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*order.Order
	for _, o := range s.orders {
		if o.Symbol == symbol && !order.IsTerminal(o.Status) {
			res = append(res, o.Clone())
		}
	}
	return res, nil
}

func (s *MemoryStore) OrdersByAccount(ctx context.Context, accountID string) ([]*order.Order, error) {
	if err := ctxAlive(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*order.Order
	for _, o := range s.orders {
		if o.AccountID == accountID {
			res = append(res, o.Clone())
		}
	}
	return res, nil
}

func (s *MemoryStore) AcceptOrder(ctx context.Context, id string) (*order.Order, error) {
	if err := ctxAlive(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if order.IsTerminal(o.Status) {
		return o.Clone(), ErrOrderTerminal
	}
	if o.Status == order.StatusPending {
		o.Status = order.StatusAccepted
		o.Version++
		o.UpdatedAt = time.Now().UTC()
	}
	return o.Clone(), nil
}

func (s *MemoryStore) CancelOrder(ctx context.Context, id, accountID string) (*order.Order, error) {
	if err := ctxAlive(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if o.AccountID != accountID {
		return nil, ErrNotOwner
	}
	if order.IsTerminal(o.Status) {
		return o.Clone(), ErrOrderTerminal
	}
	o.Status = order.StatusCancelled
	o.Version++
	o.UpdatedAt = time.Now().UTC()
	return o.Clone(), nil
}

func (s *MemoryStore) RejectOrder(ctx context.Context, id, reason string) (*order.Order, error) {
	if err := ctxAlive(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if order.IsTerminal(o.Status) {
		return o.Clone(), ErrOrderTerminal
	}
	o.Status = order.StatusRejected
	o.Reason = reason
	o.Version++
	o.UpdatedAt = time.Now().UTC()
	return o.Clone(), nil
}

func (s *MemoryStore) ExpireOrder(ctx context.Context, id string) (*order.Order, error) {
	if err := ctxAlive(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if order.IsTerminal(o.Status) {
		return o.Clone(), ErrOrderTerminal
	}
	o.Status = order.StatusExpired
	o.Version++
	o.UpdatedAt = time.Now().UTC()
	return o.Clone(), nil
}

func (s *MemoryStore) ApplyFill(ctx context.Context, id string, qty, price decimal.Decimal) (*order.Order, error) {
	if err := ctxAlive(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := applyFillTo(o, qty, price); err != nil {
		return o.Clone(), err
	}
	return o.Clone(), nil
}

func (s *MemoryStore) GetPosition(ctx context.Context, accountID, symbol string) (*position.Position, error) {
	if err := ctxAlive(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[posKey(accountID, symbol)]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListPositions(ctx context.Context, accountID string) ([]*position.Position, error) {
	if err := ctxAlive(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*position.Position
	for _, p := range s.positions {
		if p.AccountID == accountID {
			res = append(res, p.Clone())
		}
	}
	return res, nil
}

func (s *MemoryStore) PositionsBySymbol(ctx context.Context, symbol string) ([]*position.Position, error) {
	if err := ctxAlive(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*position.Position
	for _, p := range s.positions {
		if p.Symbol == symbol && !p.Flat() {
			res = append(res, p.Clone())
		}
	}
	return res, nil
}

func (s *MemoryStore) UpsertPosition(ctx context.Context, p *position.Position) error {
	if err := ctxAlive(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[posKey(p.AccountID, p.Symbol)] = p.Clone()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
