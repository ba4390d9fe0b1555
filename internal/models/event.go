package models

import (
	"strings"
	"time"

	"whatsauto/internal/errors"
	"whatsauto/internal/validation"
)

// EventType names a domain event from the CRM event feed
type EventType string

const (
	EventConversationWindowExpired EventType = "CONVERSATION_WINDOW_EXPIRED"
	EventLabelAssigned             EventType = "LABEL_ASSIGNED"
	EventTimeTick                  EventType = "TIME_TICK"
)

// TriggerType is the rule trigger that listens to e
func (e EventType) TriggerType() (TriggerType, bool) {
	switch e {
	case EventConversationWindowExpired:
		return TriggerConversationWindowExpired, true
	case EventLabelAssigned:
		return TriggerLabelAssigned, true
	case EventTimeTick:
		return TriggerTimeDelay, true
	}
	return "", false
}

type EventPayload struct {
	LabelID         string            `json:"labelId,omitempty"`
	Phone           string            `json:"phone,omitempty"`
	OptedOut        bool              `json:"optedOut,omitempty"`
	ReferenceAt     *time.Time        `json:"referenceAt,omitempty"`
	WindowStartedAt *time.Time        `json:"windowStartedAt,omitempty"`
	Variables       map[string]string `json:"variables,omitempty"`
}

type DomainEvent struct {
	Type           EventType    `json:"type"`
	ConversationID string       `json:"conversationId"`
	Timestamp      time.Time    `json:"timestamp"`
	Payload        EventPayload `json:"payload"`
}

func (e *DomainEvent) Validate() error {
	if _, ok := e.Type.TriggerType(); !ok {
		return errors.NewValidationError("type", string(e.Type), "is not a known event type")
	}
	if strings.TrimSpace(e.ConversationID) == "" {
		return errors.NewValidationError("conversationId", e.ConversationID, "is required")
	}
	if e.Timestamp.IsZero() {
		return errors.NewValidationError("timestamp", "", "is required")
	}
	return validation.ValidatePhoneNumber("payload.phone", e.Payload.Phone)
}

// DeliveryUpdate is one provider status callback for a sent message.
type DeliveryUpdate struct {
	ProviderMessageID string          `json:"providerMessageId"`
	Status            RecipientStatus `json:"status"`
	Reason            string          `json:"reason,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
}
