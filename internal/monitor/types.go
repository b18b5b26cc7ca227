package monitor

import (
	"time"

	"alert-trader/internal/engine"
	"alert-trader/internal/intent"
)

// EventType 表示审计事件类型。
type EventType string

const (
	EventFeedback  EventType = "feedback"
	EventExecution EventType = "execution"
	EventError     EventType = "error"
)

// ParseEventType 解析查询参数中的事件类型，空串表示全部。
func ParseEventType(raw string) (EventType, bool) {
	switch t := EventType(raw); t {
	case "", EventFeedback, EventExecution, EventError:
		return t, true
	default:
		return "", false
	}
}

// Event 封装通用审计事件。
type Event struct {
	Type      EventType   `json:"type"`
	ChannelID int64       `json:"channel_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// FeedbackPayload 对照原始消息与解析结果，用于人工校对分类质量。
type FeedbackPayload struct {
	Channel  string        `json:"channel"`
	Original string        `json:"original_message"`
	Parsed   intent.Record `json:"parsed_message"`
	// Verdict 与 Notes 由人工回填。
	Verdict string `json:"is_correct,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// ExecutionPayload 记录单条意图的处理结果。
type ExecutionPayload struct {
	Channel string        `json:"channel"`
	Live    bool          `json:"live"`
	Result  engine.Result `json:"result"`
	Error   string        `json:"error,omitempty"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
