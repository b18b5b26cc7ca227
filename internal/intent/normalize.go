package intent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"alert-trader/internal/option"
)

// ErrNonActionable 表示记录缺少可执行动作，应直接丢弃。
var ErrNonActionable = errors.New("intent: 非交易指令")

// Record 为分类器输出的松散类型记录。
type Record map[string]interface{}

var keyAliases = map[string]string{
	"option_type": "type",
	"entry_price": "price",
}

var expirationLayouts = []string{
	option.ExpirationLayout,
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"1/2/06",
}

// NormalizeKeys 将键名转为小写下划线形式并处理别名。
func NormalizeKeys(raw Record) Record {
	cleaned := make(Record, len(raw))
	for k, v := range raw {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), " ", "_")
		if alias, ok := keyAliases[key]; ok {
			key = alias
		}
		cleaned[key] = v
	}
	return cleaned
}

// Normalize 按当前时间规范化记录。
func Normalize(raw Record) (TradeIntent, error) {
	return NormalizeAt(raw, time.Now())
}

// NormalizeAt 将原始记录转换为 TradeIntent；now 用于补全缺少年份的到期日。
func NormalizeAt(raw Record, now time.Time) (TradeIntent, error) {
	rec := NormalizeKeys(raw)

	action, ok := parseAction(stringValue(rec["action"]))
	if !ok {
		return TradeIntent{}, ErrNonActionable
	}

	channelID, err := int64Value(rec["channel_id"])
	if err != nil {
		return TradeIntent{}, fmt.Errorf("intent: channel_id 无效: %w", err)
	}

	out := TradeIntent{
		Action:     action,
		ChannelID:  channelID,
		Ticker:     normalizeTicker(stringValue(rec["ticker"])),
		OptionType: option.ParseType(stringValue(rec["type"])),
		Expiration: normalizeExpiration(stringValue(rec["expiration"]), now),
		Price:      parsePrice(rec["price"]),
		Size:       ParseSize(stringValue(rec["size"])),
	}

	if strike, ok := decimalValue(rec["strike"]); ok && strike.IsPositive() {
		out.Strike = strike
	}

	// 已给出但无法解析的合约字段单独记录，不能当作缺失去借用历史持仓。
	if supplied(rec["strike"]) && out.Strike.IsZero() {
		out.Invalid = append(out.Invalid, "strike")
	}
	if supplied(rec["expiration"]) && out.Expiration == "" {
		out.Invalid = append(out.Invalid, "expiration")
	}
	if supplied(rec["type"]) && out.OptionType == "" {
		out.Invalid = append(out.Invalid, "type")
	}
	if b, ok := rec["averaging"].(bool); ok {
		out.Averaging = b
	}
	if ts := stringValue(rec["received_ts"]); ts != "" {
		if parsed, parseErr := time.Parse(time.RFC3339Nano, ts); parseErr == nil {
			out.ReceivedAt = parsed.UTC()
		}
	}
	if out.ReceivedAt.IsZero() {
		out.ReceivedAt = now.UTC()
	}

	return out, nil
}

// supplied 判断字段是否给出了值；null 及其常见写法视为缺失。
func supplied(value interface{}) bool {
	if value == nil {
		return false
	}
	s, ok := value.(string)
	if !ok {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "null", "none", "n/a":
		return false
	default:
		return true
	}
}

func parseAction(raw string) (Action, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy":
		return ActionBuy, true
	case "trim":
		return ActionTrim, true
	case "exit", "stop":
		return ActionExit, true
	default:
		return "", false
	}
}

func normalizeTicker(raw string) string {
	return strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(raw, "$", "")))
}

func normalizeExpiration(raw string, now time.Time) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	for _, layout := range expirationLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(option.ExpirationLayout)
		}
	}
	for _, layout := range []string{"1/2", "01/02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(now.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Format(option.ExpirationLayout)
		}
	}
	return ""
}

func parsePrice(value interface{}) Price {
	if s, ok := value.(string); ok && strings.EqualFold(strings.TrimSpace(s), "BE") {
		return Breakeven()
	}
	amount, ok := decimalValue(value)
	if !ok || !amount.IsPositive() {
		return Price{}
	}
	return At(amount)
}

func stringValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func decimalValue(value interface{}) (decimal.Decimal, bool) {
	switch v := value.(type) {
	case nil:
		return decimal.Zero, false
	case decimal.Decimal:
		return v, true
	case float64:
		return decimal.NewFromFloat(v), true
	case float32:
		return decimal.NewFromFloat32(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case string:
		s := strings.NewReplacer("$", "", ",", "").Replace(strings.TrimSpace(v))
		if s == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

func int64Value(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	case nil:
		return 0, errors.New("缺失")
	default:
		return 0, fmt.Errorf("不支持的类型 %T", value)
	}
}
