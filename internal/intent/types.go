package intent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"alert-trader/internal/option"
)

// Action 表示交易动作。
type Action string

const (
	ActionBuy  Action = "buy"
	ActionTrim Action = "trim"
	ActionExit Action = "exit"
)

// Size 表示仓位规模关键字。
type Size string

const (
	SizeLotto Size = "lotto"
	SizeSmall Size = "small"
	SizeHalf  Size = "half"
	SizeFull  Size = "full"
)

// ParseSize 将规模关键字归一化，非法取值一律视为 full。
func ParseSize(raw string) Size {
	switch s := Size(strings.ToLower(strings.TrimSpace(raw))); s {
	case SizeLotto, SizeSmall, SizeHalf, SizeFull:
		return s
	default:
		return SizeFull
	}
}

// Price 为数值价格或保本价(BE)标记。
type Price struct {
	Amount    decimal.Decimal
	Breakeven bool
}

// Breakeven 返回保本价标记。
func Breakeven() Price {
	return Price{Breakeven: true}
}

// At 返回数值价格。
func At(amount decimal.Decimal) Price {
	return Price{Amount: amount}
}

// IsZero 判断价格是否缺失。
func (p Price) IsZero() bool {
	return !p.Breakeven && p.Amount.IsZero()
}

// String 输出 BE 或数值。
func (p Price) String() string {
	if p.Breakeven {
		return "BE"
	}
	return p.Amount.String()
}

// MarshalJSON 保本价序列化为 "BE"，否则为数值。
func (p Price) MarshalJSON() ([]byte, error) {
	if p.Breakeven {
		return json.Marshal("BE")
	}
	if p.Amount.IsZero() {
		return []byte("null"), nil
	}
	return []byte(p.Amount.String()), nil
}

// UnmarshalJSON 接受 "BE"、数值或数值字符串。
func (p *Price) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		*p = Price{}
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if strings.EqualFold(strings.TrimSpace(s), "BE") {
			*p = Breakeven()
			return nil
		}
		raw = s
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("intent: 价格无效 %q: %w", raw, err)
	}
	*p = At(amount)
	return nil
}

// TradeIntent 为规范化后的交易意图。
type TradeIntent struct {
	Action     Action          `json:"action"`
	ChannelID  int64           `json:"channel_id"`
	Ticker     string          `json:"ticker,omitempty"`
	Strike     decimal.Decimal `json:"strike"`
	OptionType option.Type     `json:"type,omitempty"`
	Expiration string          `json:"expiration,omitempty"`
	Price      Price           `json:"price"`
	Size       Size            `json:"size"`
	Averaging  bool            `json:"averaging,omitempty"`
	ReceivedAt time.Time       `json:"received_ts"`
	// Invalid 列出已给出但无法解析的合约字段。
	Invalid []string `json:"invalid_fields,omitempty"`
}

// Contract 返回意图中已知的合约字段。
func (t TradeIntent) Contract() option.Contract {
	return option.Contract{
		Symbol:     t.Ticker,
		Strike:     t.Strike,
		Expiration: t.Expiration,
		Type:       t.OptionType,
	}
}

// WithContract 用给定合约覆盖合约字段。
func (t TradeIntent) WithContract(c option.Contract) TradeIntent {
	t.Ticker = c.Symbol
	t.Strike = c.Strike
	t.Expiration = c.Expiration
	t.OptionType = c.Type
	return t
}

// JSON 输出缩进后的 JSON，用于告警与审计。
func (t TradeIntent) JSON() string {
	b, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}
