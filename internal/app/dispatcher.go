package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"alert-trader/internal/classifier"
	"alert-trader/internal/config"
	"alert-trader/internal/engine"
	"alert-trader/internal/intent"
	"alert-trader/internal/notify"
)

var (
	// ErrUnknownChannel 表示消息来自未配置的频道。
	ErrUnknownChannel = errors.New("app: 未配置的频道")
	// ErrQueueFull 表示待处理队列已满。
	ErrQueueFull = errors.New("app: 消息队列已满")
	// ErrEmptyMessage 表示消息既无正文也无嵌入内容。
	ErrEmptyMessage = errors.New("app: 消息内容为空")
)

type tradeHandler interface {
	HandleTrade(ctx context.Context, channelID int64, in intent.TradeIntent, channel config.ChannelConfig, exec engine.ExecutionContext) engine.Result
}

type auditor interface {
	RecordFeedback(ctx context.Context, channelID int64, channel, original string, parsed intent.Record)
	RecordExecution(ctx context.Context, channelID int64, channel string, live bool, result engine.Result)
	RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{})
}

type alerter interface {
	TradeAlert(ctx context.Context, alert notify.Alert) error
	Log(ctx context.Context, msg string) error
}

// DispatcherDeps 为消息分发所需依赖。Audit 与 Alerts 可为空。
type DispatcherDeps struct {
	Channels []config.ChannelConfig
	Workers  config.WorkersConfig
	Parsers  map[int64]classifier.Parser
	Engine   tradeHandler
	Audit    auditor
	Alerts   alerter
}

// Dispatcher 将入站消息排队，由固定数量的 worker 依次完成分类与交易处理。
type Dispatcher struct {
	channels map[int64]config.ChannelConfig
	parsers  map[int64]classifier.Parser
	engine   tradeHandler
	audit    auditor
	alerts   alerter
	logger   *zap.Logger

	workers int
	jobs    chan classifier.Message
	now     func() time.Time
}

// NewDispatcher 创建分发器。每个已配置频道必须绑定解析器。
func NewDispatcher(deps DispatcherDeps, logger *zap.Logger) (*Dispatcher, error) {
	if deps.Engine == nil {
		return nil, errors.New("app: engine 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	channels := make(map[int64]config.ChannelConfig, len(deps.Channels))
	for _, ch := range deps.Channels {
		if _, ok := deps.Parsers[ch.ID]; !ok {
			return nil, fmt.Errorf("app: 频道 %s 未绑定解析器", ch.Name)
		}
		channels[ch.ID] = ch
	}

	workers := deps.Workers.Size
	if workers <= 0 {
		workers = 1
	}
	queue := deps.Workers.QueueSize
	if queue <= 0 {
		queue = 64
	}

	d := &Dispatcher{
		channels: channels,
		parsers:  deps.Parsers,
		engine:   deps.Engine,
		audit:    deps.Audit,
		alerts:   deps.Alerts,
		logger:   logger,
		workers:  workers,
		jobs:     make(chan classifier.Message, queue),
		now:      time.Now,
	}
	if d.audit == nil {
		d.audit = nopAudit{}
	}
	if d.alerts == nil {
		d.alerts = nopAlerts{}
	}
	return d, nil
}

// Channels 返回已配置频道。
func (d *Dispatcher) Channels() []config.ChannelConfig {
	out := make([]config.ChannelConfig, 0, len(d.channels))
	for _, ch := range d.channels {
		out = append(out, ch)
	}
	return out
}

// Submit 非阻塞地将消息放入队列。
func (d *Dispatcher) Submit(msg classifier.Message) error {
	msg, err := d.accept(msg)
	if err != nil {
		return err
	}
	select {
	case d.jobs <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) accept(msg classifier.Message) (classifier.Message, error) {
	if _, ok := d.channels[msg.ChannelID]; !ok {
		return msg, fmt.Errorf("%w: %d", ErrUnknownChannel, msg.ChannelID)
	}
	if msg.Text() == "" {
		return msg, ErrEmptyMessage
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = d.now().UTC()
	}
	return msg, nil
}

// Run 启动 worker 并阻塞至 ctx 结束。
func (d *Dispatcher) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		group.Go(func() error {
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case msg := <-d.jobs:
					d.Process(groupCtx, msg)
				}
			}
		})
	}
	d.logger.Info("消息分发已启动", zap.Int("workers", d.workers), zap.Int("queue", cap(d.jobs)))
	return group.Wait()
}

// Process 同步处理一条消息：分类 → 规范化 → 审计 → 交易 → 提醒。
// 单条意图失败不影响同一消息中的其他意图。
func (d *Dispatcher) Process(ctx context.Context, msg classifier.Message) []engine.Result {
	msg, err := d.accept(msg)
	if err != nil {
		d.logger.Warn("忽略消息", zap.Int64("channel_id", msg.ChannelID), zap.Error(err))
		return nil
	}
	channel := d.channels[msg.ChannelID]
	logger := d.logger.With(zap.String("channel", channel.Name), zap.Int64("channel_id", channel.ID))

	records, err := d.parsers[channel.ID].Parse(ctx, msg)
	if err != nil {
		logger.Error("消息分类失败", zap.Error(err))
		d.audit.RecordError(ctx, "消息分类失败", err, map[string]interface{}{
			"channel_id": channel.ID,
			"message":    msg.Original(),
		})
		_ = d.alerts.Log(ctx, fmt.Sprintf("❌ Failed to parse message for %s: %v", channel.Name, err))
		return nil
	}

	results := make([]engine.Result, 0, len(records))
	for _, raw := range records {
		rec := intent.NormalizeKeys(raw)
		d.audit.RecordFeedback(ctx, channel.ID, channel.Name, msg.Original(), rec)

		in, err := intent.Normalize(rec)
		if err != nil {
			if !errors.Is(err, intent.ErrNonActionable) {
				logger.Warn("交易记录无效", zap.Error(err), zap.Any("record", rec))
				d.audit.RecordError(ctx, "交易记录无效", err, map[string]interface{}{"channel_id": channel.ID})
			}
			continue
		}

		results = append(results, d.handle(ctx, channel, msg, rec, in))
	}
	return results
}

func (d *Dispatcher) handle(ctx context.Context, channel config.ChannelConfig, msg classifier.Message, rec intent.Record, in intent.TradeIntent) engine.Result {
	// 交易开始后执行到完成或失败，不随关停信号或客户端断开取消。
	ctx = context.WithoutCancel(ctx)
	live := channel.Live()
	mode := strings.ToUpper(string(channel.Mode))

	_ = d.alerts.Log(ctx, fmt.Sprintf("🕠 Handling trade for %s: %s (Mode: %s)", channel.Name, compact(in), mode))

	res := d.engine.HandleTrade(ctx, channel.ID, in, channel, engine.ExecutionContext{UseLiveBroker: live})

	fields := []zap.Field{
		zap.String("channel", channel.Name),
		zap.String("outcome", string(res.Outcome)),
		zap.String("summary", res.Summary),
		zap.Error(res.Err),
	}
	if res.OK() {
		d.logger.Info("交易处理完成", fields...)
	} else {
		d.logger.Warn("交易未执行", fields...)
	}
	d.audit.RecordExecution(ctx, channel.ID, channel.Name, live, res)
	_ = d.alerts.Log(ctx, "Execution Summary: "+res.Summary)

	action, _ := rec["action"].(string)
	if action == "" {
		action = string(in.Action)
	}
	_ = d.alerts.TradeAlert(ctx, notify.Alert{
		Channel:  channel,
		Action:   action,
		Original: msg.Original(),
		Parsed:   res.Intent.JSON(),
		Summary:  res.Summary,
		At:       d.now(),
	})
	return res
}

func compact(in intent.TradeIntent) string {
	return fmt.Sprintf("%s %s @ %s size=%s", in.Action, in.Contract(), in.Price, in.Size)
}

type nopAudit struct{}

func (nopAudit) RecordFeedback(context.Context, int64, string, string, intent.Record) {}
func (nopAudit) RecordExecution(context.Context, int64, string, bool, engine.Result)  {}
func (nopAudit) RecordError(context.Context, string, error, map[string]interface{})   {}

type nopAlerts struct{}

func (nopAlerts) TradeAlert(context.Context, notify.Alert) error { return nil }
func (nopAlerts) Log(context.Context, string) error              { return nil }
