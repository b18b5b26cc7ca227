package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"alert-trader/internal/config"
	"alert-trader/internal/option"
)

type alpacaClient interface {
	GetAccount() (*alpaca.Account, error)
	GetPosition(symbol string) (*alpaca.Position, error)
	GetPositions() ([]alpaca.Position, error)
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
	CancelOrder(orderID string) error
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
}

// Alpaca 通过 Alpaca 交易 API 下单期权，合约以 OCC 代码标识。
type Alpaca struct {
	cfg    config.BrokerConfig
	logger *zap.Logger

	mu     sync.RWMutex
	client alpacaClient
	dial   func() alpacaClient
}

var _ Broker = (*Alpaca)(nil)

// NewAlpaca 构造 Alpaca 实盘券商。
func NewAlpaca(cfg config.BrokerConfig, logger *zap.Logger) *Alpaca {
	dial := func() alpacaClient {
		return alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		})
	}
	return newAlpaca(cfg, dial, logger)
}

func newAlpaca(cfg config.BrokerConfig, dial func() alpacaClient, logger *zap.Logger) *Alpaca {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Alpaca{
		cfg:    cfg,
		logger: logger,
		client: dial(),
		dial:   dial,
	}
}

// Name 返回 "alpaca"。
func (a *Alpaca) Name() string {
	return "alpaca"
}

func (a *Alpaca) api() alpacaClient {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client
}

func (a *Alpaca) AccountEquity(ctx context.Context) (decimal.Decimal, error) {
	var equity decimal.Decimal
	err := a.callWithRetry(ctx, "get_account", func() error {
		acct, err := a.api().GetAccount()
		if err != nil {
			return err
		}
		equity = acct.Equity
		return nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("broker: 获取账户净值失败: %w", err)
	}
	return equity, nil
}

func (a *Alpaca) FindOpenPosition(ctx context.Context, c option.Contract) (PositionSnapshot, error) {
	occ, err := c.OCCSymbol()
	if err != nil {
		return PositionSnapshot{}, err
	}

	var pos *alpaca.Position
	err = a.callWithRetry(ctx, "get_position", func() error {
		p, err := a.api().GetPosition(occ)
		if err != nil {
			return err
		}
		pos = p
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return PositionSnapshot{}, ErrNoPosition
		}
		return PositionSnapshot{}, fmt.Errorf("broker: 查询持仓失败: %w", err)
	}

	snap := convertPosition(c, *pos)
	if snap.Quantity <= 0 {
		return PositionSnapshot{}, ErrNoPosition
	}
	return snap, nil
}

func (a *Alpaca) OpenOrdersFor(ctx context.Context, instrument string) ([]Order, error) {
	return a.listOpenOrders(ctx, []string{instrument})
}

func (a *Alpaca) OpenOrders(ctx context.Context) ([]Order, error) {
	return a.listOpenOrders(ctx, nil)
}

func (a *Alpaca) listOpenOrders(ctx context.Context, symbols []string) ([]Order, error) {
	var raw []alpaca.Order
	err := a.callWithRetry(ctx, "get_orders", func() error {
		orders, err := a.api().GetOrders(alpaca.GetOrdersRequest{
			Status:  "open",
			Limit:   500,
			Symbols: symbols,
		})
		if err != nil {
			return err
		}
		raw = orders
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("broker: 查询未成交委托失败: %w", err)
	}

	out := make([]Order, 0, len(raw))
	for _, o := range raw {
		out = append(out, convertOrder(o))
	}
	return out, nil
}

func (a *Alpaca) CancelOrder(ctx context.Context, orderID string) error {
	err := a.callWithRetry(ctx, "cancel_order", func() error {
		return a.api().CancelOrder(orderID)
	})
	if err != nil {
		return fmt.Errorf("broker: 撤单 %s 失败: %w", orderID, err)
	}
	a.logger.Info("已撤单", zap.String("order_id", orderID))
	return nil
}

func (a *Alpaca) PlaceLimitBuy(ctx context.Context, c option.Contract, quantity int64, limit decimal.Decimal) (Order, error) {
	price := limit.Round(2)
	return a.place(ctx, c, alpaca.PlaceOrderRequest{
		Qty:         decimalPtr(decimal.NewFromInt(quantity)),
		Side:        alpaca.Buy,
		Type:        alpaca.Limit,
		TimeInForce: alpaca.Day,
		LimitPrice:  &price,
	})
}

func (a *Alpaca) PlaceStopLoss(ctx context.Context, c option.Contract, quantity int64, stop decimal.Decimal) (Order, error) {
	price := stop.Round(2)
	return a.place(ctx, c, alpaca.PlaceOrderRequest{
		Qty:         decimalPtr(decimal.NewFromInt(quantity)),
		Side:        alpaca.Sell,
		Type:        alpaca.Stop,
		TimeInForce: alpaca.Day,
		StopPrice:   &price,
	})
}

func (a *Alpaca) PlaceMarketSell(ctx context.Context, c option.Contract, quantity int64) (Order, error) {
	return a.place(ctx, c, alpaca.PlaceOrderRequest{
		Qty:         decimalPtr(decimal.NewFromInt(quantity)),
		Side:        alpaca.Sell,
		Type:        alpaca.Market,
		TimeInForce: alpaca.Day,
	})
}

// place 提交委托。下单不重试，避免重复成交。
func (a *Alpaca) place(ctx context.Context, c option.Contract, req alpaca.PlaceOrderRequest) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	if req.Qty == nil || !req.Qty.IsPositive() {
		return Order{}, errors.New("broker: 下单数量必须为正")
	}
	occ, err := c.OCCSymbol()
	if err != nil {
		return Order{}, err
	}
	req.Symbol = occ

	placed, err := a.api().PlaceOrder(req)
	if err != nil {
		a.logger.Error("下单失败",
			zap.String("symbol", occ),
			zap.String("side", string(req.Side)),
			zap.String("type", string(req.Type)),
			zap.Error(err),
		)
		return Order{}, fmt.Errorf("broker: 下单 %s 失败: %w", occ, err)
	}

	order := convertOrder(*placed)
	a.logger.Info("已提交委托",
		zap.String("order_id", order.ID),
		zap.String("symbol", occ),
		zap.String("side", string(order.Side)),
		zap.String("type", string(order.Type)),
		zap.Int64("quantity", order.Quantity),
	)
	return order, nil
}

// MarkPrice 取持仓的最新价，缺失时退回持仓均价。
func (a *Alpaca) MarkPrice(ctx context.Context, c option.Contract) (decimal.Decimal, error) {
	occ, err := c.OCCSymbol()
	if err != nil {
		return decimal.Zero, err
	}

	var pos *alpaca.Position
	err = a.callWithRetry(ctx, "get_mark", func() error {
		p, err := a.api().GetPosition(occ)
		if err != nil {
			return err
		}
		pos = p
		return nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("broker: 获取最新价失败: %w", err)
	}

	if pos.CurrentPrice != nil && pos.CurrentPrice.IsPositive() {
		return *pos.CurrentPrice, nil
	}
	a.logger.Warn("缺少最新价，使用持仓均价", zap.String("symbol", occ))
	if pos.AvgEntryPrice.IsPositive() {
		return pos.AvgEntryPrice, nil
	}
	return decimal.Zero, fmt.Errorf("broker: %s 无可用价格", occ)
}

// OpenPositions 返回账户中的期权持仓，股票持仓被忽略。
func (a *Alpaca) OpenPositions(ctx context.Context) ([]PositionSnapshot, error) {
	var raw []alpaca.Position
	err := a.callWithRetry(ctx, "get_positions", func() error {
		positions, err := a.api().GetPositions()
		if err != nil {
			return err
		}
		raw = positions
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("broker: 查询持仓列表失败: %w", err)
	}

	out := make([]PositionSnapshot, 0, len(raw))
	for _, p := range raw {
		c, err := option.ParseOCCSymbol(p.Symbol)
		if err != nil {
			continue
		}
		out = append(out, convertPosition(c, p))
	}
	return out, nil
}

// Reconnect 重新创建 API 客户端并校验账户可访问。
func (a *Alpaca) Reconnect(ctx context.Context) error {
	client := a.dial()
	if _, err := client.GetAccount(); err != nil {
		return fmt.Errorf("broker: 重新连接失败: %w", err)
	}

	a.mu.Lock()
	a.client = client
	a.mu.Unlock()

	a.logger.Info("已重新连接 Alpaca")
	return ctx.Err()
}

func (a *Alpaca) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := a.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := a.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := a.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		err := fn()
		if err == nil {
			if attempt > 1 {
				a.logger.Info("券商调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
				)
			}
			return nil
		}

		if !IsRetryable(err) || attempt >= maxAttempts {
			if !isNotFound(err) {
				a.logger.Error("券商调用失败",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Error(err),
				)
			}
			return err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}
		a.logger.Warn("券商调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// IsRetryable 判断券商错误是否可重试：网络错误、限流与服务端错误。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func isNotFound(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func convertPosition(c option.Contract, p alpaca.Position) PositionSnapshot {
	return PositionSnapshot{
		Contract:     c,
		Instrument:   p.Symbol,
		Quantity:     p.Qty.IntPart(),
		AveragePrice: p.AvgEntryPrice,
	}
}

func convertOrder(o alpaca.Order) Order {
	order := Order{
		ID:         o.ID,
		Instrument: o.Symbol,
		Side:       Side(o.Side),
		Type:       OrderType(o.Type),
		Status:     o.Status,
	}
	if o.Qty != nil {
		order.Quantity = o.Qty.IntPart()
	}
	if o.LimitPrice != nil {
		order.LimitPrice = *o.LimitPrice
	}
	if o.StopPrice != nil {
		order.StopPrice = *o.StopPrice
	}
	return order
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
