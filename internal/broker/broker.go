// Package broker 抽象期权下单通道，提供实盘（Alpaca）与模拟两种实现。
package broker

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"alert-trader/internal/option"
)

// ErrNoPosition 表示券商侧不存在对应合约持仓。
var ErrNoPosition = errors.New("broker: 无对应持仓")

// Side 表示委托方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType 表示委托类型。
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
	OrderTypeStop   OrderType = "stop"
)

// PositionSnapshot 为券商侧某合约的持仓快照。
type PositionSnapshot struct {
	Contract     option.Contract `json:"contract"`
	Instrument   string          `json:"instrument"`
	Quantity     int64           `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
}

// Order 为券商侧委托记录。
type Order struct {
	ID         string          `json:"id"`
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Type       OrderType       `json:"type"`
	Quantity   int64           `json:"quantity"`
	LimitPrice decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice  decimal.Decimal `json:"stop_price,omitempty"`
	Status     string          `json:"status"`
}

// Broker 为交易生命周期引擎所需的券商能力。
type Broker interface {
	Name() string
	AccountEquity(ctx context.Context) (decimal.Decimal, error)
	// FindOpenPosition 在券商侧无持仓时返回 ErrNoPosition。
	FindOpenPosition(ctx context.Context, c option.Contract) (PositionSnapshot, error)
	OpenOrdersFor(ctx context.Context, instrument string) ([]Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	PlaceLimitBuy(ctx context.Context, c option.Contract, quantity int64, limit decimal.Decimal) (Order, error)
	PlaceStopLoss(ctx context.Context, c option.Contract, quantity int64, stop decimal.Decimal) (Order, error)
	PlaceMarketSell(ctx context.Context, c option.Contract, quantity int64) (Order, error)
	MarkPrice(ctx context.Context, c option.Contract) (decimal.Decimal, error)

	OpenPositions(ctx context.Context) ([]PositionSnapshot, error)
	OpenOrders(ctx context.Context) ([]Order, error)
	Reconnect(ctx context.Context) error
}
