package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"alert-trader/internal/option"
)

// DefaultSimulatedEquity 为模拟账户的默认净值。
var DefaultSimulatedEquity = decimal.NewFromInt(100000)

var (
	simulatedMarkFactor  = decimal.RequireFromString("1.5")
	simulatedDefaultMark = decimal.RequireFromString("1.50")
)

type simPosition struct {
	contract option.Contract
	quantity int64
	avgPrice decimal.Decimal
}

// Simulated 在内存中模拟下单：限价买单立即成交，止损单挂起直至撤单。
type Simulated struct {
	logger *zap.Logger

	mu        sync.Mutex
	equity    decimal.Decimal
	positions map[string]*simPosition
	orders    map[string]Order
	seq       int64
}

var _ Broker = (*Simulated)(nil)

// NewSimulated 创建模拟券商，equity 非正时使用默认净值。
func NewSimulated(equity decimal.Decimal, logger *zap.Logger) *Simulated {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !equity.IsPositive() {
		equity = DefaultSimulatedEquity
	}
	return &Simulated{
		logger:    logger,
		equity:    equity,
		positions: make(map[string]*simPosition),
		orders:    make(map[string]Order),
	}
}

// Name 返回 "simulated"。
func (s *Simulated) Name() string {
	return "simulated"
}

func (s *Simulated) AccountEquity(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.equity, nil
}

func (s *Simulated) FindOpenPosition(ctx context.Context, c option.Contract) (PositionSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return PositionSnapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[c.Key()]
	if !ok || pos.quantity <= 0 {
		return PositionSnapshot{}, ErrNoPosition
	}
	return pos.snapshot(), nil
}

func (s *Simulated) OpenOrdersFor(ctx context.Context, instrument string) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Order
	for _, o := range s.sortedOrders() {
		if o.Instrument == instrument {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *Simulated) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[orderID]; !ok {
		return fmt.Errorf("broker: 模拟委托 %s 不存在", orderID)
	}
	delete(s.orders, orderID)
	s.logger.Info("[模拟] 已撤单", zap.String("order_id", orderID))
	return nil
}

// PlaceLimitBuy 按限价立即成交，重复买入按加权均价合并。
func (s *Simulated) PlaceLimitBuy(ctx context.Context, c option.Contract, quantity int64, limit decimal.Decimal) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	if quantity <= 0 {
		return Order{}, fmt.Errorf("broker: 买入数量必须为正: %d", quantity)
	}
	limit = limit.Round(2)

	s.mu.Lock()
	defer s.mu.Unlock()

	key := c.Key()
	pos, ok := s.positions[key]
	if !ok {
		pos = &simPosition{contract: c}
		s.positions[key] = pos
	}
	total := pos.avgPrice.Mul(decimal.NewFromInt(pos.quantity)).Add(limit.Mul(decimal.NewFromInt(quantity)))
	pos.quantity += quantity
	pos.avgPrice = total.Div(decimal.NewFromInt(pos.quantity))

	order := s.newOrder(c, SideBuy, OrderTypeLimit, quantity)
	order.LimitPrice = limit
	order.Status = "filled"

	s.logger.Info("[模拟] 限价买入成交",
		zap.String("contract", c.String()),
		zap.Int64("quantity", quantity),
		zap.String("limit", limit.String()),
	)
	return order, nil
}

// PlaceStopLoss 挂出止损卖单，保留为未成交委托。
func (s *Simulated) PlaceStopLoss(ctx context.Context, c option.Contract, quantity int64, stop decimal.Decimal) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	if quantity <= 0 {
		return Order{}, fmt.Errorf("broker: 止损数量必须为正: %d", quantity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order := s.newOrder(c, SideSell, OrderTypeStop, quantity)
	order.StopPrice = stop.Round(2)
	order.Status = "new"
	s.orders[order.ID] = order

	s.logger.Info("[模拟] 已挂止损单",
		zap.String("contract", c.String()),
		zap.Int64("quantity", quantity),
		zap.String("stop", order.StopPrice.String()),
	)
	return order, nil
}

// PlaceMarketSell 按市价卖出，持仓归零时删除。
func (s *Simulated) PlaceMarketSell(ctx context.Context, c option.Contract, quantity int64) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	if quantity <= 0 {
		return Order{}, fmt.Errorf("broker: 卖出数量必须为正: %d", quantity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := c.Key()
	pos, ok := s.positions[key]
	if !ok || pos.quantity <= 0 {
		return Order{}, fmt.Errorf("%w: %s", ErrNoPosition, c)
	}
	if quantity > pos.quantity {
		return Order{}, fmt.Errorf("broker: 卖出数量 %d 超过持仓 %d", quantity, pos.quantity)
	}

	pos.quantity -= quantity
	if pos.quantity == 0 {
		delete(s.positions, key)
	}

	order := s.newOrder(c, SideSell, OrderTypeMarket, quantity)
	order.Status = "filled"

	s.logger.Info("[模拟] 市价卖出成交",
		zap.String("contract", c.String()),
		zap.Int64("quantity", quantity),
		zap.Int64("remaining", pos.quantity),
	)
	return order, nil
}

// MarkPrice 返回均价的 1.5 倍，未持仓时返回 1.50。
func (s *Simulated) MarkPrice(ctx context.Context, c option.Contract) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if pos, ok := s.positions[c.Key()]; ok && pos.avgPrice.IsPositive() {
		return pos.avgPrice.Mul(simulatedMarkFactor).Round(2), nil
	}
	return simulatedDefaultMark, nil
}

func (s *Simulated) OpenPositions(ctx context.Context) ([]PositionSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PositionSnapshot, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, pos.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}

func (s *Simulated) OpenOrders(ctx context.Context) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedOrders(), nil
}

// Reconnect 对模拟券商无实际操作。
func (s *Simulated) Reconnect(ctx context.Context) error {
	s.logger.Info("[模拟] 重新连接")
	return ctx.Err()
}

func (s *Simulated) newOrder(c option.Contract, side Side, typ OrderType, quantity int64) Order {
	s.seq++
	return Order{
		ID:         fmt.Sprintf("sim-%d", s.seq),
		Instrument: instrumentFor(c),
		Side:       side,
		Type:       typ,
		Quantity:   quantity,
	}
}

func (s *Simulated) sortedOrders() []Order {
	out := make([]Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *simPosition) snapshot() PositionSnapshot {
	return PositionSnapshot{
		Contract:     p.contract,
		Instrument:   instrumentFor(p.contract),
		Quantity:     p.quantity,
		AveragePrice: p.avgPrice,
	}
}

// instrumentFor 优先使用 OCC 代码作为委托标的。
func instrumentFor(c option.Contract) string {
	if occ, err := c.OCCSymbol(); err == nil {
		return occ
	}
	return c.Key()
}
