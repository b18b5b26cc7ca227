package option

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ExpirationLayout 为到期日的标准格式。
const ExpirationLayout = "2006-01-02"

// Type 表示期权类型。
type Type string

const (
	Call Type = "call"
	Put  Type = "put"
)

// ParseType 将 call/put 的各种写法统一为 Type，无法识别时返回空值。
func ParseType(raw string) Type {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "call", "calls", "c":
		return Call
	case "put", "puts", "p":
		return Put
	default:
		return ""
	}
}

// Contract 唯一标识一张期权合约。
type Contract struct {
	Symbol     string          `json:"symbol"`
	Strike     decimal.Decimal `json:"strike"`
	Expiration string          `json:"expiration"`
	Type       Type            `json:"type"`
}

// Complete 判断四个身份字段是否齐全。
func (c Contract) Complete() bool {
	return c.Symbol != "" && c.Strike.IsPositive() && c.Expiration != "" && c.Type != ""
}

// Missing 返回缺失的字段名。
func (c Contract) Missing() []string {
	var missing []string
	if c.Symbol == "" {
		missing = append(missing, "ticker")
	}
	if !c.Strike.IsPositive() {
		missing = append(missing, "strike")
	}
	if c.Expiration == "" {
		missing = append(missing, "expiration")
	}
	if c.Type == "" {
		missing = append(missing, "type")
	}
	return missing
}

// Key 生成合约的稳定键，用于加锁与模拟持仓。
func (c Contract) Key() string {
	return fmt.Sprintf("%s_%s_%s_%s", strings.ToUpper(c.Symbol), c.Strike.String(), c.Expiration, c.Type)
}

// Equal 比较两张合约是否一致。
func (c Contract) Equal(other Contract) bool {
	return strings.EqualFold(c.Symbol, other.Symbol) &&
		c.Strike.Equal(other.Strike) &&
		c.Expiration == other.Expiration &&
		c.Type == other.Type
}

// String 输出形如 SPY 2024-01-19 450C 的可读描述。
func (c Contract) String() string {
	suffix := ""
	if c.Type != "" {
		suffix = strings.ToUpper(string(c.Type)[:1])
	}
	return fmt.Sprintf("%s %s %s%s", c.Symbol, c.Expiration, c.Strike.String(), suffix)
}

// OCCSymbol 生成 OCC 标准期权代码，例如 SPY240119C00450000。
func (c Contract) OCCSymbol() (string, error) {
	if !c.Complete() {
		return "", fmt.Errorf("option: 合约信息不完整: %s", strings.Join(c.Missing(), ","))
	}
	exp, err := time.Parse(ExpirationLayout, c.Expiration)
	if err != nil {
		return "", fmt.Errorf("option: 到期日格式错误 %q: %w", c.Expiration, err)
	}
	strike := c.Strike.Mul(decimal.NewFromInt(1000)).Truncate(0)
	if strike.GreaterThanOrEqual(decimal.NewFromInt(100_000_000)) {
		return "", fmt.Errorf("option: 行权价超出范围 %s", c.Strike)
	}
	side := "C"
	if c.Type == Put {
		side = "P"
	}
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(c.Symbol), exp.Format("060102"), side, strike.IntPart()), nil
}

// ParseOCCSymbol 将 OCC 期权代码解析为 Contract。
func ParseOCCSymbol(symbol string) (Contract, error) {
	s := strings.ReplaceAll(strings.TrimSpace(symbol), " ", "")
	if len(s) < 16 {
		return Contract{}, errors.New("option: OCC 代码长度不足")
	}
	root := s[:len(s)-15]
	datePart := s[len(s)-15 : len(s)-9]
	side := s[len(s)-9 : len(s)-8]
	strikePart := s[len(s)-8:]

	exp, err := time.Parse("060102", datePart)
	if err != nil {
		return Contract{}, fmt.Errorf("option: 解析到期日失败 %q: %w", datePart, err)
	}
	strike, err := decimal.NewFromString(strikePart)
	if err != nil {
		return Contract{}, fmt.Errorf("option: 解析行权价失败 %q: %w", strikePart, err)
	}
	typ := ParseType(side)
	if typ == "" {
		return Contract{}, fmt.Errorf("option: 未知期权类型 %q", side)
	}

	return Contract{
		Symbol:     root,
		Strike:     strike.Div(decimal.NewFromInt(1000)),
		Expiration: exp.Format(ExpirationLayout),
		Type:       typ,
	}, nil
}
