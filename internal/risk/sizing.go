package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"alert-trader/internal/config"
	"alert-trader/internal/intent"
)

// ContractMultiplier 为每张期权对应的股数。
const ContractMultiplier = 100

// ErrInvalidPrice 表示下单价格非正。
var ErrInvalidPrice = errors.New("risk: 价格必须为正")

var defaultSizeMultipliers = map[intent.Size]float64{
	intent.SizeLotto: 0.10,
	intent.SizeSmall: 0.25,
	intent.SizeHalf:  0.50,
	intent.SizeFull:  1.00,
}

// BuyOrder 为一次开仓的下单参数。
type BuyOrder struct {
	Contracts        int64
	LimitPrice       decimal.Decimal
	StopPrice        decimal.Decimal
	MaxDollarAmount  decimal.Decimal
	AllocationFactor decimal.Decimal
}

// Sizer 根据全局仓位约束计算开仓数量。
type Sizer struct {
	cfg config.SizingConfig
}

// NewSizer 创建仓位计算器。
func NewSizer(cfg config.SizingConfig) *Sizer {
	return &Sizer{cfg: cfg}
}

// SizeMultiplier 返回规模关键字对应的系数，未配置时使用默认值。
func (s *Sizer) SizeMultiplier(size intent.Size) decimal.Decimal {
	if v, ok := s.cfg.SizeMultipliers[string(size)]; ok && v > 0 {
		return decimal.NewFromFloat(v)
	}
	if v, ok := defaultSizeMultipliers[size]; ok {
		return decimal.NewFromFloat(v)
	}
	return decimal.NewFromFloat(defaultSizeMultipliers[intent.SizeFull])
}

// ComputeBuyOrder 计算合约数量、限价及初始止损价。纯函数。
func (s *Sizer) ComputeBuyOrder(price decimal.Decimal, size intent.Size, channel config.ChannelConfig, equity decimal.Decimal) (BuyOrder, error) {
	if !price.IsPositive() {
		return BuyOrder{}, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}

	allocation := decimal.NewFromFloat(s.cfg.MaxPctPortfolio).
		Mul(s.SizeMultiplier(size)).
		Mul(decimal.NewFromFloat(channel.Multiplier))

	maxDollar := decimal.Min(allocation.Mul(equity), decimal.NewFromFloat(s.cfg.MaxDollarAmount))

	limit := price.Mul(decimal.NewFromInt(1).Add(decimal.NewFromFloat(s.cfg.BuyPricePadding)))

	contracts := maxDollar.Div(limit.Mul(decimal.NewFromInt(ContractMultiplier))).Floor().IntPart()
	if contracts < s.cfg.MinTradeQuantity {
		contracts = s.cfg.MinTradeQuantity
	}

	stop := price.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(channel.InitialStopLoss))).Round(2)

	return BuyOrder{
		Contracts:        contracts,
		LimitPrice:       limit,
		StopPrice:        stop,
		MaxDollarAmount:  maxDollar,
		AllocationFactor: allocation,
	}, nil
}

// TrimQuantity 返回减仓数量：当前数量的四分之一，至少 1 张且不超过持仓。
func TrimQuantity(held int64) int64 {
	if held <= 0 {
		return 0
	}
	qty := held / 4
	if qty < 1 {
		qty = 1
	}
	if qty > held {
		qty = held
	}
	return qty
}

// TrailingStop 计算减仓后的追踪止损价，不低于成本价。
func TrailingStop(costBasis, mark decimal.Decimal, trailingPct float64) decimal.Decimal {
	trailing := mark.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(trailingPct)))
	return decimal.Max(costBasis, trailing).Round(2)
}
