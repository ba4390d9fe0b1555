package models

import "time"

// ExecutionOutcome is the terminal result of one rule firing
type ExecutionOutcome string

const (
	OutcomeSent    ExecutionOutcome = "SENT"
	OutcomeSkipped ExecutionOutcome = "SKIPPED"
	OutcomeFailed  ExecutionOutcome = "FAILED"
)

// Reasons recorded on SKIPPED and FAILED executions and recipients
const (
	ReasonFrequencyCap        = "frequency cap reached"
	ReasonMaxSendCount        = "max send count reached"
	ReasonTemplateNotApproved = "template not approved"
	ReasonNoEligibleWindow    = "no eligible schedule window"
	ReasonRuleInactive        = "rule inactive"
	ReasonRejected            = "rejected by provider"
	ReasonSendTimeout         = "send timed out"
	ReasonTemplateRevoked     = "template revoked"
	ReasonInterrupted         = "send interrupted before completion"
	ReasonProviderAuthRevoked = "provider credentials revoked"
)

// ExecutionLog is one append-only record per (rule, conversation, firing).
type ExecutionLog struct {
	ID                string           `json:"id"`
	RuleID            string           `json:"ruleId"`
	ConversationID    string           `json:"conversationId"`
	FiredAt           time.Time        `json:"firedAt"`
	Outcome           ExecutionOutcome `json:"outcome"`
	Reason            string           `json:"reason,omitempty"`
	ProviderMessageID string           `json:"providerMessageId,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
}

type ScheduledSendStatus string

const (
	ScheduledSendPending     ScheduledSendStatus = "PENDING"
	ScheduledSendDispatching ScheduledSendStatus = "DISPATCHING"
	ScheduledSendDone        ScheduledSendStatus = "DONE"
)

// ScheduledSend is an automation send waiting for its eligible instant.
type ScheduledSend struct {
	ID             string              `json:"id"`
	RuleID         string              `json:"ruleId"`
	ConversationID string              `json:"conversationId"`
	Phone          string              `json:"phone"`
	TemplateID     string              `json:"templateId"`
	Params         map[string]string   `json:"params,omitempty"`
	FiredAt        time.Time           `json:"firedAt"`
	DueAt          time.Time           `json:"dueAt"`
	Status         ScheduledSendStatus `json:"status"`
	CreatedAt      time.Time           `json:"createdAt"`
}
