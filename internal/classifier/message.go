package classifier

import (
	"strings"
	"time"
)

// Message 为一条入站聊天消息：嵌入式提醒带标题与描述，普通消息只有正文。
type Message struct {
	ChannelID   int64     `json:"channel_id"`
	Content     string    `json:"content,omitempty"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	ReceivedAt  time.Time `json:"received_ts,omitempty"`
}

// Embedded 判断是否为嵌入式提醒。
func (m Message) Embedded() bool {
	return strings.TrimSpace(m.Title) != "" || strings.TrimSpace(m.Description) != ""
}

// Text 返回用于分类与审计的完整文本。
func (m Message) Text() string {
	if m.Embedded() {
		return strings.TrimSpace(strings.TrimSpace(m.Title) + "\n" + strings.TrimSpace(m.Description))
	}
	return strings.TrimSpace(m.Content)
}

func (m Message) title() string {
	if !m.Embedded() {
		return "UNKNOWN"
	}
	return strings.TrimSpace(m.Title)
}

func (m Message) description() string {
	if !m.Embedded() {
		return strings.TrimSpace(m.Content)
	}
	return strings.TrimSpace(m.Description)
}

func (m Message) primary() string {
	if m.Embedded() {
		return strings.TrimSpace(m.Title)
	}
	return strings.TrimSpace(m.Content)
}

// Original 返回用于提醒与审计展示的原始消息。
func (m Message) Original() string {
	if strings.TrimSpace(m.Title) != "" {
		return "Title: " + strings.TrimSpace(m.Title) + "\nDesc: " + strings.TrimSpace(m.Description)
	}
	if m.Embedded() {
		return strings.TrimSpace(m.Description)
	}
	return strings.TrimSpace(m.Content)
}
