// Package classifier 调用大模型将频道消息解析为松散类型的交易记录，
// 每个频道在配置加载时绑定一种解析器。
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"alert-trader/internal/config"
	"alert-trader/internal/intent"
	"alert-trader/internal/option"
)

// Parser 将一条消息解析为零到多条交易记录。
type Parser interface {
	Name() string
	Parse(ctx context.Context, msg Message) ([]intent.Record, error)
}

type completion interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// normalizeFunc 为各解析器类型的记录修正钩子。
type normalizeFunc func(entry intent.Record, msg Message, now time.Time)

var normalizers = map[string]normalizeFunc{
	config.ParserTitled:    normalizeTitled,
	config.ParserOpenClose: normalizeOpenClose,
	config.ParserSwing:     normalizeSwing,
	config.ParserFreeform:  nil,
	config.ParserStrict:    nil,
}

// LLMParser 通过提示词模板与大模型完成解析。
type LLMParser struct {
	channel   config.ChannelConfig
	client    completion
	normalize normalizeFunc
	logger    *zap.Logger
	now       func() time.Time
}

// NewParser 按频道配置的解析器类型创建解析器。
func NewParser(channel config.ChannelConfig, client completion, logger *zap.Logger) (*LLMParser, error) {
	normalize, ok := normalizers[channel.Parser]
	if !ok {
		return nil, fmt.Errorf("classifier: 频道 %s 的解析器类型 %q 不受支持", channel.Name, channel.Parser)
	}
	if client == nil {
		return nil, fmt.Errorf("classifier: 频道 %s 缺少模型客户端", channel.Name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMParser{
		channel:   channel,
		client:    client,
		normalize: normalize,
		logger:    logger.With(zap.String("channel", channel.Name)),
		now:       time.Now,
	}, nil
}

// Registry 在配置加载时为每个频道绑定解析器。
func Registry(channels []config.ChannelConfig, client completion, logger *zap.Logger) (map[int64]Parser, error) {
	out := make(map[int64]Parser, len(channels))
	for _, ch := range channels {
		p, err := NewParser(ch, client, logger)
		if err != nil {
			return nil, err
		}
		out[ch.ID] = p
	}
	return out, nil
}

// Name 返回频道名称。
func (p *LLMParser) Name() string {
	return p.channel.Name
}

// Parse 渲染提示词、调用模型并整理输出。action 为 "null" 的条目被丢弃。
func (p *LLMParser) Parse(ctx context.Context, msg Message) ([]intent.Record, error) {
	prompt, err := BuildPrompt(p.channel.Parser, p.channel.Name, msg)
	if err != nil {
		return nil, err
	}

	content, err := p.client.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	entries, err := parseEntries(content)
	if err != nil {
		p.logger.Error("解析模型输出失败", zap.Error(err), zap.String("raw_content", content))
		return nil, err
	}

	now := p.now().UTC()
	received := msg.ReceivedAt
	if received.IsZero() {
		received = now
	}

	records := make([]intent.Record, 0, len(entries))
	for _, entry := range entries {
		if isNullAction(entry["action"]) {
			continue
		}
		entry["channel_id"] = p.channel.ID
		entry["received_ts"] = received.UTC().Format(time.RFC3339Nano)
		if p.normalize != nil {
			p.normalize(entry, msg, now)
		}
		records = append(records, entry)
	}

	p.logger.Debug("消息解析完成", zap.Int("records", len(records)))
	return records, nil
}

// parseEntries 从模型输出中提取 JSON 对象或对象列表。
func parseEntries(content string) ([]intent.Record, error) {
	payload, err := extractJSON(content)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("解析模型JSON失败: %w", err)
	}

	var items []interface{}
	switch v := raw.(type) {
	case []interface{}:
		items = v
	case map[string]interface{}:
		items = []interface{}{v}
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("模型输出类型不支持: %T", raw)
	}

	out := make([]intent.Record, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, intent.Record(m))
		}
	}
	return out, nil
}

func extractJSON(content string) ([]byte, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "null" {
		return []byte(trimmed), nil
	}

	objStart := strings.Index(trimmed, "{")
	listStart := strings.Index(trimmed, "[")

	closing := "}"
	start := objStart
	if listStart != -1 && (objStart == -1 || listStart < objStart) {
		closing = "]"
		start = listStart
	}
	end := strings.LastIndex(trimmed, closing)

	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("模型输出未找到有效JSON: %s", content)
	}
	return []byte(trimmed[start : end+1]), nil
}

func isNullAction(v interface{}) bool {
	s, ok := v.(string)
	return ok && strings.EqualFold(strings.TrimSpace(s), "null")
}

func today(now time.Time) string {
	return now.UTC().Format(option.ExpirationLayout)
}

func missing(entry intent.Record, key string) bool {
	v, ok := entry[key]
	if !ok || v == nil {
		return true
	}
	s, isString := v.(string)
	return isString && strings.TrimSpace(s) == ""
}

// normalizeTitled 以标题决定动作，描述中出现加仓字样时标记 averaging，缺少到期日视为当日到期。
func normalizeTitled(entry intent.Record, msg Message, now time.Time) {
	switch strings.ToUpper(msg.title()) {
	case "ENTRY":
		entry["action"] = "buy"
	case "TRIM":
		entry["action"] = "trim"
	case "EXIT":
		entry["action"] = "exit"
	}

	desc := strings.ToLower(msg.description())
	if strings.Contains(desc, "avg") || strings.Contains(desc, "average") || strings.Contains(desc, "adding") {
		entry["averaging"] = true
	}

	if missing(entry, "expiration") {
		entry["expiration"] = today(now)
	}
}

// normalizeOpenClose 将 OPEN 映射为买入，CLOSE 依模型分类映射为减仓或止损。
func normalizeOpenClose(entry intent.Record, msg Message, now time.Time) {
	switch strings.ToUpper(msg.title()) {
	case "OPEN":
		entry["action"] = "buy"
	case "CLOSE":
		action := "stop"
		if c, ok := entry["classification"].(string); ok && c != "" {
			action = c
		} else if a, ok := entry["action"].(string); ok {
			switch strings.ToLower(a) {
			case "trim", "stop", "exit":
				action = strings.ToLower(a)
			}
		}
		entry["action"] = action
	}

	if a, _ := entry["action"].(string); a == "buy" {
		if missing(entry, "size") {
			entry["size"] = "full"
		}
		if missing(entry, "expiration") {
			entry["expiration"] = today(now)
		}
	}
}

// normalizeSwing 把模糊的规模词归为 half，exit 统一为 stop。
func normalizeSwing(entry intent.Record, _ Message, _ time.Time) {
	if s, ok := entry["size"].(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "some", "small", "starter":
			entry["size"] = "half"
		}
	}
	if a, ok := entry["action"].(string); ok && strings.EqualFold(a, "exit") {
		entry["action"] = "stop"
	}
}
