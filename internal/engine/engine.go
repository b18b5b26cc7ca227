// Package engine 将交易意图转化为券商委托，并维护频道持仓的开仓、减仓与平仓流转。
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"alert-trader/internal/broker"
	"alert-trader/internal/config"
	"alert-trader/internal/intent"
	"alert-trader/internal/lock"
	"alert-trader/internal/option"
	"alert-trader/internal/position"
	"alert-trader/internal/risk"
)

const noPositionSummary = "no tracked position found"

type positionStore interface {
	Add(channelID int64, in intent.TradeIntent) (position.Position, error)
	Find(channelID int64, query option.Contract) (position.Position, bool)
	Remove(channelID int64, tradeID string) error
}

// Engine 负责交易生命周期：开仓 → 减仓 → 平仓。
type Engine struct {
	store     positionStore
	sizer     *risk.Sizer
	live      broker.Broker
	simulated broker.Broker
	locker    lock.Locker
	logger    *zap.Logger
}

// New 创建引擎。live 可为 nil，此时实盘请求会被拒绝。
func New(store positionStore, sizer *risk.Sizer, live, simulated broker.Broker, locker lock.Locker, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Engine{
		store:     store,
		sizer:     sizer,
		live:      live,
		simulated: simulated,
		locker:    locker,
		logger:    logger,
	}
}

// HandleTrade 处理单条交易意图。任何失败都转为 Result 返回，不影响其他意图。
func (e *Engine) HandleTrade(ctx context.Context, channelID int64, in intent.TradeIntent, channel config.ChannelConfig, exec ExecutionContext) (res Result) {
	in.ChannelID = channelID
	res = Result{Intent: in}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("处理交易时发生 panic", zap.Int64("channel_id", channelID), zap.Any("panic", r))
			res = failed(res, fmt.Errorf("engine: panic: %v", r), "internal error while handling trade")
		}
	}()

	b, err := e.brokerFor(exec)
	if err != nil {
		return rejected(res, err.Error())
	}
	res.Broker = b.Name()

	if len(in.Invalid) > 0 {
		return rejected(res, fmt.Sprintf("invalid contract information: %s", strings.Join(in.Invalid, ", ")))
	}

	contract := e.resolveContract(channelID, in.Contract())
	in = in.WithContract(contract)
	res.Intent = in

	if !contract.Complete() {
		return rejected(res, fmt.Sprintf("missing contract information: %s", strings.Join(contract.Missing(), ", ")))
	}

	unlock, err := e.locker.Acquire(ctx, b.Name()+":"+contract.Key())
	if err != nil {
		return failed(res, err, fmt.Sprintf("could not lock %s", contract))
	}
	defer unlock()

	logger := e.logger.With(
		zap.Int64("channel_id", channelID),
		zap.String("action", string(in.Action)),
		zap.String("contract", contract.String()),
		zap.String("broker", b.Name()),
	)

	switch in.Action {
	case intent.ActionBuy:
		return e.handleBuy(ctx, b, channelID, in, channel, res, logger)
	case intent.ActionTrim, intent.ActionExit:
		return e.handleReduce(ctx, b, channelID, in, channel, res, logger)
	default:
		return rejected(res, fmt.Sprintf("unsupported action %q", in.Action))
	}
}

func (e *Engine) brokerFor(exec ExecutionContext) (broker.Broker, error) {
	if exec.UseLiveBroker {
		if e.live == nil {
			return nil, errors.New("live broker is not configured")
		}
		return e.live, nil
	}
	if e.simulated == nil {
		return nil, errors.New("simulated broker is not configured")
	}
	return e.simulated, nil
}

// resolveContract 用频道内匹配到的持仓补全缺失字段。
func (e *Engine) resolveContract(channelID int64, c option.Contract) option.Contract {
	if c.Complete() {
		return c
	}
	pos, ok := e.store.Find(channelID, c)
	if !ok {
		return c
	}

	if c.Symbol == "" {
		c.Symbol = pos.Symbol
	}
	if !c.Strike.IsPositive() {
		c.Strike = pos.Strike
	}
	if c.Expiration == "" {
		c.Expiration = pos.Expiration
	}
	if c.Type == "" {
		c.Type = pos.Type
	}

	e.logger.Info("已用历史持仓补全合约字段",
		zap.Int64("channel_id", channelID),
		zap.String("trade_id", pos.TradeID),
		zap.String("contract", c.String()),
	)
	return c
}

func (e *Engine) handleBuy(ctx context.Context, b broker.Broker, channelID int64, in intent.TradeIntent, channel config.ChannelConfig, res Result, logger *zap.Logger) Result {
	contract := in.Contract()

	if in.Price.Breakeven || !in.Price.Amount.IsPositive() {
		return rejected(res, fmt.Sprintf("buy requires a positive price, got %s", in.Price))
	}

	equity, err := b.AccountEquity(ctx)
	if err != nil {
		return failed(res, err, "could not fetch account equity")
	}

	order, err := e.sizer.ComputeBuyOrder(in.Price.Amount, in.Size, channel, equity)
	if err != nil {
		if errors.Is(err, risk.ErrInvalidPrice) {
			return rejected(res, err.Error())
		}
		return failed(res, err, "could not size order")
	}

	logger.Info("开仓参数",
		zap.String("equity", equity.String()),
		zap.String("size", string(in.Size)),
		zap.Int64("contracts", order.Contracts),
		zap.String("limit", order.LimitPrice.StringFixed(2)),
		zap.String("stop", order.StopPrice.StringFixed(2)),
	)

	buy, err := b.PlaceLimitBuy(ctx, contract, order.Contracts, order.LimitPrice)
	if err != nil {
		return failed(res, err, fmt.Sprintf("buy order for %s failed", contract))
	}
	res.Orders = append(res.Orders, buy)

	stop, err := b.PlaceStopLoss(ctx, contract, order.Contracts, order.StopPrice)
	if err != nil {
		logger.Error("止损单下单失败，持仓仍将记录", zap.Error(err))
		res.Warnings = append(res.Warnings, fmt.Sprintf("stop-loss at %s failed: %v", order.StopPrice.StringFixed(2), err))
	} else {
		res.Orders = append(res.Orders, stop)
	}

	pos, err := e.store.Add(channelID, in)
	if err != nil {
		return failed(res, err, fmt.Sprintf("bought %s but could not record the position", contract))
	}
	res.TradeID = pos.TradeID
	res.Outcome = OutcomeOpened
	res.Summary = fmt.Sprintf("Bought %d x %s @ %s limit, stop %s",
		order.Contracts, contract, order.LimitPrice.StringFixed(2), order.StopPrice.StringFixed(2))
	if len(res.Warnings) > 0 {
		res.Summary += " (warning: " + strings.Join(res.Warnings, "; ") + ")"
	}

	logger.Info("开仓完成", zap.String("trade_id", pos.TradeID))
	return res
}

func (e *Engine) handleReduce(ctx context.Context, b broker.Broker, channelID int64, in intent.TradeIntent, channel config.ChannelConfig, res Result, logger *zap.Logger) Result {
	contract := in.Contract()

	pos, ok := e.store.Find(channelID, contract)
	if !ok {
		res.Outcome = OutcomeNoPosition
		res.Summary = noPositionSummary
		logger.Info("未找到跟踪中的持仓")
		return res
	}
	res.TradeID = pos.TradeID
	logger = logger.With(zap.String("trade_id", pos.TradeID))

	if in.Price.Breakeven {
		if !pos.PurchasePrice.IsPositive() {
			return rejected(res, "breakeven price requested but the tracked position has no purchase price")
		}
		in.Price = intent.At(pos.PurchasePrice)
		res.Intent = in
		logger.Info("保本价已解析为开仓价", zap.String("price", pos.PurchasePrice.String()))
	}

	snap, err := b.FindOpenPosition(ctx, contract)
	if errors.Is(err, broker.ErrNoPosition) || (err == nil && snap.Quantity <= 0) {
		if err := e.store.Remove(channelID, pos.TradeID); err != nil {
			return failed(res, err, "broker is flat but the tracked position could not be cleared")
		}
		res.Outcome = OutcomeReconciled
		res.Summary = fmt.Sprintf("%s is already closed at the broker; cleared tracked position", contract)
		logger.Info("券商侧已无持仓，已清除跟踪记录")
		return res
	}
	if err != nil {
		return failed(res, err, fmt.Sprintf("could not query broker position for %s", contract))
	}

	if err := e.cancelOpenOrders(ctx, b, snap.Instrument, logger); err != nil {
		return failed(res, err, fmt.Sprintf("could not cancel open orders for %s", contract))
	}

	if in.Action == intent.ActionExit {
		return e.exit(ctx, b, channelID, pos, snap, res, logger)
	}
	return e.trim(ctx, b, channelID, pos, snap, channel, res, logger)
}

func (e *Engine) cancelOpenOrders(ctx context.Context, b broker.Broker, instrument string, logger *zap.Logger) error {
	orders, err := b.OpenOrdersFor(ctx, instrument)
	if err != nil {
		return err
	}
	for _, o := range orders {
		if err := b.CancelOrder(ctx, o.ID); err != nil {
			return err
		}
	}
	if len(orders) > 0 {
		logger.Info("已撤销未成交委托", zap.Int("count", len(orders)))
	}
	return nil
}

func (e *Engine) exit(ctx context.Context, b broker.Broker, channelID int64, pos position.Position, snap broker.PositionSnapshot, res Result, logger *zap.Logger) Result {
	contract := pos.Contract()

	sell, err := b.PlaceMarketSell(ctx, contract, snap.Quantity)
	if err != nil {
		return failed(res, err, fmt.Sprintf("exit sell for %s failed", contract))
	}
	res.Orders = append(res.Orders, sell)

	if err := e.store.Remove(channelID, pos.TradeID); err != nil {
		return failed(res, err, fmt.Sprintf("sold %s but could not clear the tracked position", contract))
	}

	res.Outcome = OutcomeClosed
	res.Summary = fmt.Sprintf("Exited %d x %s at market", snap.Quantity, contract)
	logger.Info("平仓完成", zap.Int64("quantity", snap.Quantity))
	return res
}

func (e *Engine) trim(ctx context.Context, b broker.Broker, channelID int64, pos position.Position, snap broker.PositionSnapshot, channel config.ChannelConfig, res Result, logger *zap.Logger) Result {
	contract := pos.Contract()
	qty := risk.TrimQuantity(snap.Quantity)

	sell, err := b.PlaceMarketSell(ctx, contract, qty)
	if err != nil {
		return failed(res, err, fmt.Sprintf("trim sell for %s failed", contract))
	}
	res.Orders = append(res.Orders, sell)

	remaining := snap.Quantity - qty
	if remaining <= 0 {
		if err := e.store.Remove(channelID, pos.TradeID); err != nil {
			return failed(res, err, fmt.Sprintf("sold %s but could not clear the tracked position", contract))
		}
		res.Outcome = OutcomeClosed
		res.Summary = fmt.Sprintf("Trimmed %d x %s at market; nothing left, position closed", qty, contract)
		logger.Info("减仓后已无剩余，持仓关闭", zap.Int64("quantity", qty))
		return res
	}

	costBasis := pos.PurchasePrice
	if !costBasis.IsPositive() {
		costBasis = snap.AveragePrice
	}

	mark, err := b.MarkPrice(ctx, contract)
	if err != nil {
		logger.Warn("获取最新价失败，止损设为成本价", zap.Error(err))
		mark = decimal.Zero
	}
	stopPrice := risk.TrailingStop(costBasis, mark, channel.TrailingStopLossPct)

	res.Outcome = OutcomeTrimmed
	res.Summary = fmt.Sprintf("Trimmed %d x %s at market, %d left", qty, contract, remaining)

	if !stopPrice.IsPositive() {
		res.Warnings = append(res.Warnings, "no cost basis or mark price; remainder has no stop")
	} else if stop, err := b.PlaceStopLoss(ctx, contract, remaining, stopPrice); err != nil {
		logger.Error("减仓后止损单下单失败", zap.Error(err))
		res.Warnings = append(res.Warnings, fmt.Sprintf("trailing stop at %s failed: %v", stopPrice.StringFixed(2), err))
	} else {
		res.Orders = append(res.Orders, stop)
		res.Summary += fmt.Sprintf(", trailing stop %s", stopPrice.StringFixed(2))
	}
	if len(res.Warnings) > 0 {
		res.Summary += " (warning: " + strings.Join(res.Warnings, "; ") + ")"
	}

	logger.Info("减仓完成",
		zap.Int64("sold", qty),
		zap.Int64("remaining", remaining),
		zap.String("mark", mark.String()),
		zap.String("stop", stopPrice.String()),
	)
	return res
}

func rejected(res Result, reason string) Result {
	res.Outcome = OutcomeRejected
	res.Summary = reason
	return res
}

func failed(res Result, err error, summary string) Result {
	res.Outcome = OutcomeFailed
	res.Err = err
	res.Summary = fmt.Sprintf("%s: %v", summary, err)
	return res
}
