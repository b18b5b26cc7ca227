package position

import (
	"time"

	"github.com/shopspring/decimal"

	"alert-trader/internal/intent"
	"alert-trader/internal/option"
)

// Position 表示频道内一张未平仓合约。
type Position struct {
	TradeID       string          `json:"trade_id"`
	Symbol        string          `json:"symbol,omitempty"`
	Strike        decimal.Decimal `json:"strike"`
	Type          option.Type     `json:"type,omitempty"`
	Expiration    string          `json:"expiration,omitempty"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	Size          intent.Size     `json:"size,omitempty"`
	OpenedAt      time.Time       `json:"opened_at"`
}

// Contract 返回持仓对应的合约。
func (p Position) Contract() option.Contract {
	return option.Contract{
		Symbol:     p.Symbol,
		Strike:     p.Strike,
		Expiration: p.Expiration,
		Type:       p.Type,
	}
}
