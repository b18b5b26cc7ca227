package classifier

import (
	"bytes"
	"fmt"
	"text/template"
)

const commonRules = `--- RULES ---
1. ENTRY: Represents a new trade. Must include Ticker, Strike, Option Type, and Entry Price.
2. TRIM: Represents a partial take-profit. Must include a price.
3. EXIT: Represents a full close of the position.
4. Breakeven (BE): If the message indicates an exit at "BE" or "breakeven", you MUST return "BE" as the value for the "price" field. Example: {"action": "exit", "price": "BE"}
5. COMMENT: Not a trade instruction. Return {"action": "null"}.
Expiration must use YYYY-MM-DD. Type must be "call" or "put".`

var promptTemplates = map[string]string{
	"titled": `You are a highly accurate assistant for parsing structured option trading signals from Discord.

Messages come from a trader named {{ .Channel }} and are embedded alerts with one of the following titles: ENTRY, TRIM, EXIT, or COMMENT.

Return a valid JSON object only if the title is ENTRY, TRIM, or EXIT. Return {"action": "null"} if the message is COMMENT or not a trade instruction.

ENTRY must include ticker, strike, type and price. Optional: size (lotto, small, half, full), averaging, expiration (if not present it is a 0DTE trade for today).
TRIM must include a price. EXIT is a full close of the position.

{{ .Rules }}

Return only the valid JSON object. Do not include explanations or markdown formatting.

Title: "{{ .Title }}"
Description: "{{ .Description }}"
`,
	"open_close": `You are a highly accurate assistant for parsing option trading messages from a trader named {{ .Channel }}. Each message is an embedded Discord alert with a title and description.

Message types:
- OPEN: opening a new trade.
- CLOSE: closing a trade, either a partial close ("trim") or a full close ("stop"). If unsure, use "stop".
- UPDATE: not a trading instruction. Return {"action": "null"}.

Extract ticker, strike, type, price, size and expiration from the description. If the expiration is not mentioned, it is a 0DTE trade for today.

{{ .Rules }}

Return only a JSON object.

Title: {{ .Title }}
Description: {{ .Description }}
`,
	"swing": `You are a trading assistant extracting structured swing trade data from Discord messages sent by a trader named {{ .Channel }}.

Classify each message into one or more actions: "buy" (new entry), "trim" (partial profit), "stop" (full exit) or "null" (commentary, status updates, stop-loss adjustments).

Return a list of JSON objects, one per action, with fields: action, ticker, strike, expiration, type, price, size ("full", "half" or "lotto").

- "Out", "closing out", "going flat" or "done here" always imply "stop".
- "trim", "partial" or "took some" imply "trim".
- Only label as "buy" if it contains "fill", "adding", "entry" or clearly initiates a new position.
- If unsure, lean toward "null".

{{ .Rules }}

If it is not actionable return [{"action": "null"}]. Return only valid JSON.

Message:
"{{ .Text }}"
`,
	"freeform": `You are an expert trading assistant. Classify messages from a trader named {{ .Channel }} as "buy" (new position), "trim" (partial profit), "stop" (full exit) or "null" (commentary, sentiment, general update).

Return a JSON object with: action, ticker, strike, expiration, type, price, size.
Size: "half size" or moderately risky → "half"; "lotto", "very small size" or very risky → "lotto"; otherwise "full".
Messages without an explicit trade directive ("all cash", "still holding", "watching") must be {"action": "null"}.
If multiple tickers are exited, return a list with one object per ticker.

{{ .Rules }}

Message:
"""{{ .Text }}"""
`,
	"strict": `You are a highly strict data extraction assistant for a trader named {{ .Channel }}. Find explicit trading commands and convert them to a JSON object. Ignore all other commentary.

A message is only a trading command if it contains a clear action word and a specific contract.
- "BTO", "buy", "long" → "buy"
- "Trim", "scale out" → "trim"
- "STC", "sell", "exit", "close", "out" → "exit"
If any field is missing, omit the key. If the message is commentary return {"action": "null"}.

{{ .Rules }}

Return only a valid JSON object.

Message:
"{{ .Primary }}"
`,
}

var templates = func() map[string]*template.Template {
	out := make(map[string]*template.Template, len(promptTemplates))
	for kind, body := range promptTemplates {
		out[kind] = template.Must(template.New(kind).Parse(body))
	}
	return out
}()

// PromptContext 用于渲染提示词。
type PromptContext struct {
	Channel     string
	Title       string
	Description string
	Text        string
	Primary     string
	Rules       string
}

// BuildPrompt 按解析器类型渲染提示词。
func BuildPrompt(kind, channel string, msg Message) (string, error) {
	tmpl, ok := templates[kind]
	if !ok {
		return "", fmt.Errorf("classifier: 未知解析器类型 %q", kind)
	}

	ctx := PromptContext{
		Channel:     channel,
		Title:       msg.title(),
		Description: msg.description(),
		Text:        msg.Text(),
		Primary:     msg.primary(),
		Rules:       commonRules,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("渲染提示词失败: %w", err)
	}
	return buf.String(), nil
}
