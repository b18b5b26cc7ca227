// Package notify 将交易处理结果推送到 Discord webhook：
// 实盘频道推送到 live_play，测试频道推送到 test_logging，运行日志推送到 live_logging。
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"alert-trader/internal/config"
)

const (
	alertUsername  = "TradeBot"
	loggerUsername = "UnifiedBot Logger"
	testModeTag    = "[TEST-MODE] "
	// Discord 字段值上限。
	fieldLimit = 1024
)

// Alert 为一条交易提醒。
type Alert struct {
	Channel  config.ChannelConfig
	Action   string
	Original string
	Parsed   string
	Summary  string
	At       time.Time
}

// Notifier 按频道模式选择 webhook。
type Notifier struct {
	livePlay    *Webhook
	testLogging *Webhook
	liveLogging *Webhook
	logger      *zap.Logger
}

// New 根据配置创建推送器；未配置的地址会被静默跳过。
func New(cfg config.WebhookConfig, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		livePlay:    NewWebhook(cfg.LivePlay, cfg.Timeout),
		testLogging: NewWebhook(cfg.TestLogging, cfg.Timeout),
		liveLogging: NewWebhook(cfg.LiveLogging, cfg.Timeout),
		logger:      logger,
	}
}

// TradeAlert 推送交易提醒嵌入消息。
func (n *Notifier) TradeAlert(ctx context.Context, alert Alert) error {
	target := n.testLogging
	if alert.Channel.Live() {
		target = n.livePlay
	}
	if !target.Enabled() {
		return nil
	}

	if err := target.Post(ctx, BuildAlert(alert)); err != nil {
		n.logger.Warn("推送交易提醒失败", zap.String("channel", alert.Channel.Name), zap.Error(err))
		return err
	}
	return nil
}

// Log 推送一行运行日志。
func (n *Notifier) Log(ctx context.Context, msg string) error {
	if err := n.liveLogging.Post(ctx, Payload{Username: loggerUsername, Content: truncate(msg, 2000)}); err != nil {
		n.logger.Warn("推送运行日志失败", zap.Error(err))
		return err
	}
	return nil
}

// BuildAlert 生成交易提醒的 webhook 请求体。
func BuildAlert(alert Alert) Payload {
	tag := ""
	if !alert.Channel.Live() {
		tag = testModeTag
	}
	at := alert.At
	if at.IsZero() {
		at = time.Now()
	}

	return Payload{
		Username: alertUsername,
		Embeds: []Embed{{
			Title: fmt.Sprintf("%s[%s] %s", tag, alert.Channel.Name, strings.ToUpper(alert.Action)),
			Fields: []EmbedField{
				{Name: "Original Message", Value: truncate(alert.Original, fieldLimit)},
				{Name: "Parsed Message", Value: codeBlock("json\n", alert.Parsed)},
				{Name: "Execution Summary", Value: codeBlock("", alert.Summary)},
			},
			Timestamp: at.UTC().Format(time.RFC3339),
		}},
	}
}

func codeBlock(lang, body string) string {
	const fence = "```"
	room := fieldLimit - 2*len(fence) - len(lang)
	return fence + lang + truncate(body, room) + fence
}

func truncate(s string, limit int) string {
	if s == "" {
		return "-"
	}
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
