// Package trigger decides whether an automation rule fires for a domain event.
package trigger

import (
	"time"

	"whatsauto/internal/models"
)

// Decision is the evaluator's verdict. FiredAt is the instant the scheduling
// gate counts sendAfterMinutes from.
type Decision struct {
	Fire    bool
	FiredAt time.Time
	Reason  string
}

func noFire(reason string) Decision {
	return Decision{Reason: reason}
}

// Evaluate is pure: it reads only event and rule.
func Evaluate(event models.DomainEvent, rule models.AutomationRule) Decision {
	if !rule.IsActive {
		return noFire("rule inactive")
	}

	triggerType, ok := event.Type.TriggerType()
	if !ok || triggerType != rule.TriggerType {
		return noFire("trigger type mismatch")
	}

	switch conditions := rule.TriggerConditions.(type) {
	case models.WindowExpiredConditions, nil:
		if rule.TriggerType != models.TriggerConversationWindowExpired {
			return noFire("missing trigger conditions")
		}
		if event.Payload.OptedOut {
			return noFire("conversation opted out")
		}
		return Decision{Fire: true, FiredAt: event.Timestamp}

	case models.LabelAssignedConditions:
		if conditions.LabelID == "" || event.Payload.LabelID == "" {
			return noFire("label missing")
		}
		if conditions.LabelID != event.Payload.LabelID {
			return noFire("label mismatch")
		}
		return Decision{Fire: true, FiredAt: event.Timestamp}

	case models.TimeDelayConditions:
		reference := event.Timestamp
		if event.Payload.ReferenceAt != nil {
			reference = *event.Payload.ReferenceAt
		}
		if event.Timestamp.Sub(reference) < 0 {
			return noFire("reference in the future")
		}
		return Decision{Fire: true, FiredAt: reference}
	}

	return noFire("unsupported trigger conditions")
}
