package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EmbedField 为嵌入消息中的一个字段。
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Embed 为 Discord 嵌入消息。
type Embed struct {
	Title     string       `json:"title"`
	Fields    []EmbedField `json:"fields,omitempty"`
	Timestamp string       `json:"timestamp,omitempty"`
}

// Payload 为 webhook 请求体。
type Payload struct {
	Username string  `json:"username,omitempty"`
	Content  string  `json:"content,omitempty"`
	Embeds   []Embed `json:"embeds,omitempty"`
}

// Webhook 向单个 Discord webhook 地址推送消息。
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook 创建 webhook 推送器；url 为空时 Post 不做任何事。
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Enabled 判断是否配置了地址。
func (w *Webhook) Enabled() bool {
	return w != nil && w.url != ""
}

// Post 发送一次 webhook 请求。Discord 成功时返回 204。
func (w *Webhook) Post(ctx context.Context, payload Payload) error {
	if !w.Enabled() {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: 序列化消息失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: 创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: 发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notify: webhook 返回状态 %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
