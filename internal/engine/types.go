package engine

import (
	"alert-trader/internal/broker"
	"alert-trader/internal/intent"
)

// ExecutionContext 为单次调用的执行参数。
type ExecutionContext struct {
	UseLiveBroker bool
}

// Outcome 表示一次交易处理的结果类别。
type Outcome string

const (
	OutcomeOpened     Outcome = "opened"
	OutcomeTrimmed    Outcome = "trimmed"
	OutcomeClosed     Outcome = "closed"
	OutcomeReconciled Outcome = "reconciled"
	OutcomeNoPosition Outcome = "no_position"
	OutcomeRejected   Outcome = "rejected"
	OutcomeFailed     Outcome = "failed"
)

// Result 为面向调用方的处理摘要。
type Result struct {
	Summary string             `json:"summary"`
	Outcome Outcome            `json:"outcome"`
	Intent  intent.TradeIntent `json:"intent"`
	Broker  string             `json:"broker,omitempty"`
	TradeID string             `json:"trade_id,omitempty"`
	Orders  []broker.Order     `json:"orders,omitempty"`
	// Warnings 记录未中断流程的失败，例如止损单下单失败。
	Warnings []string `json:"warnings,omitempty"`
	Err      error    `json:"-"`
}

// OK 判断是否为成功或信息类结果。
func (r Result) OK() bool {
	switch r.Outcome {
	case OutcomeRejected, OutcomeFailed:
		return false
	default:
		return true
	}
}
