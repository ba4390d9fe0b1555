package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"whatsauto/internal/constants"
	"whatsauto/internal/errors"
	"whatsauto/internal/validation"
)

// TriggerType selects which domain event a rule listens to
type TriggerType string

const (
	TriggerConversationWindowExpired TriggerType = "CONVERSATION_WINDOW_EXPIRED"
	TriggerLabelAssigned             TriggerType = "LABEL_ASSIGNED"
	TriggerTimeDelay                 TriggerType = "TIME_DELAY"
)

func (t TriggerType) Valid() bool {
	switch t {
	case TriggerConversationWindowExpired, TriggerLabelAssigned, TriggerTimeDelay:
		return true
	}
	return false
}

// SendingFrequency caps how often one rule may send to one conversation
type SendingFrequency string

const (
	FrequencyOnce        SendingFrequency = "ONCE"
	FrequencyEveryWindow SendingFrequency = "EVERY_WINDOW"
	FrequencyDaily       SendingFrequency = "DAILY"
	FrequencyWeekly      SendingFrequency = "WEEKLY"
)

func (f SendingFrequency) Valid() bool {
	switch f {
	case FrequencyOnce, FrequencyEveryWindow, FrequencyDaily, FrequencyWeekly:
		return true
	}
	return false
}

// TriggerConditions is the per-trigger payload of a rule. The set of
// implementations is closed: one struct per TriggerType.
type TriggerConditions interface {
	TriggerType() TriggerType
	validate() error
}

// WindowExpiredConditions carries no fields; opt-out is read from the event.
type WindowExpiredConditions struct{}

func (WindowExpiredConditions) TriggerType() TriggerType { return TriggerConversationWindowExpired }
func (WindowExpiredConditions) validate() error          { return nil }

type LabelAssignedConditions struct {
	LabelID string `json:"labelId"`
}

func (LabelAssignedConditions) TriggerType() TriggerType { return TriggerLabelAssigned }

func (c LabelAssignedConditions) validate() error {
	if strings.TrimSpace(c.LabelID) == "" {
		return errors.NewValidationError("triggerConditions.labelId", c.LabelID, "is required for LABEL_ASSIGNED rules")
	}
	return nil
}

// TimeDelayConditions names the event whose timestamp the delay counts from.
// It is informational; the tick event carries the reference instant.
type TimeDelayConditions struct {
	ReferenceEvent string `json:"referenceEvent,omitempty"`
}

func (TimeDelayConditions) TriggerType() TriggerType { return TriggerTimeDelay }
func (TimeDelayConditions) validate() error          { return nil }

// DecodeTriggerConditions picks the variant for triggerType and decodes raw
// into it. Empty or null raw yields the zero variant.
func DecodeTriggerConditions(triggerType TriggerType, raw []byte) (TriggerConditions, error) {
	empty := len(raw) == 0 || string(raw) == "null"

	switch triggerType {
	case TriggerConversationWindowExpired:
		return WindowExpiredConditions{}, nil
	case TriggerLabelAssigned:
		var c LabelAssignedConditions
		if !empty {
			if err := json.Unmarshal(raw, &c); err != nil {
				return nil, fmt.Errorf("failed to decode LABEL_ASSIGNED conditions: %w", err)
			}
		}
		return c, nil
	case TriggerTimeDelay:
		var c TimeDelayConditions
		if !empty {
			if err := json.Unmarshal(raw, &c); err != nil {
				return nil, fmt.Errorf("failed to decode TIME_DELAY conditions: %w", err)
			}
		}
		return c, nil
	default:
		return nil, nil
	}
}

// EncodeTriggerConditions is the storage form of c
func EncodeTriggerConditions(c TriggerConditions) ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

// AutomationRule binds a trigger to a template with scheduling and frequency
// constraints. ActiveDays uses time.Weekday numbering (0 = Sunday).
type AutomationRule struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	IsActive          bool              `json:"isActive"`
	TriggerType       TriggerType       `json:"triggerType"`
	TriggerConditions TriggerConditions `json:"-"`
	TemplateID        string            `json:"templateId"`
	SendingFrequency  SendingFrequency  `json:"sendingFrequency"`
	MaxSendCount      *int              `json:"maxSendCount,omitempty"`
	SendAfterMinutes  int               `json:"sendAfterMinutes"`
	ActiveDays        []time.Weekday    `json:"activeDays,omitempty"`
	ActiveHoursStart  *int              `json:"activeHoursStart,omitempty"`
	ActiveHoursEnd    *int              `json:"activeHoursEnd,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

type ruleJSON AutomationRule

func (r AutomationRule) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ruleJSON
		TriggerConditions TriggerConditions `json:"triggerConditions"`
	}{ruleJSON(r), r.TriggerConditions})
}

func (r *AutomationRule) UnmarshalJSON(data []byte) error {
	var aux struct {
		ruleJSON
		TriggerConditions json.RawMessage `json:"triggerConditions"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	conditions, err := DecodeTriggerConditions(aux.TriggerType, aux.TriggerConditions)
	if err != nil {
		return err
	}

	*r = AutomationRule(aux.ruleJSON)
	r.TriggerConditions = conditions
	return nil
}

// LabelID returns the configured label for LABEL_ASSIGNED rules, else "".
func (r *AutomationRule) LabelID() string {
	if c, ok := r.TriggerConditions.(LabelAssignedConditions); ok {
		return c.LabelID
	}
	return ""
}

// HasHoursWindow reports whether both activeHours bounds are set.
func (r *AutomationRule) HasHoursWindow() bool {
	return r.ActiveHoursStart != nil && r.ActiveHoursEnd != nil
}

// Validate checks everything that can be checked without collaborators. A
// rule that fails here is a configuration error and must not be stored.
func (r *AutomationRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.NewValidationError("name", r.Name, "is required")
	}
	if err := validation.ValidateStringLength("name", r.Name, 1, constants.MaxNameLength); err != nil {
		return err
	}
	if !r.TriggerType.Valid() {
		return errors.NewValidationError("triggerType", string(r.TriggerType), "is not a known trigger type")
	}

	conditions := r.TriggerConditions
	if conditions == nil {
		if r.TriggerType != TriggerConversationWindowExpired {
			return errors.NewValidationError("triggerConditions", "", "is required")
		}
		conditions = WindowExpiredConditions{}
	}
	if conditions.TriggerType() != r.TriggerType {
		return errors.NewValidationError("triggerConditions", string(conditions.TriggerType()), "does not match triggerType")
	}
	if err := conditions.validate(); err != nil {
		return err
	}

	if strings.TrimSpace(r.TemplateID) == "" {
		return errors.NewValidationError("templateId", r.TemplateID, "is required")
	}
	if !r.SendingFrequency.Valid() {
		return errors.NewValidationError("sendingFrequency", string(r.SendingFrequency), "is not a known frequency")
	}
	if r.SendAfterMinutes < 0 {
		return errors.NewValidationError("sendAfterMinutes", strconv.Itoa(r.SendAfterMinutes), "must not be negative")
	}
	if r.MaxSendCount != nil && *r.MaxSendCount < 1 {
		return errors.NewValidationError("maxSendCount", strconv.Itoa(*r.MaxSendCount), "must be at least 1")
	}

	if (r.ActiveHoursStart == nil) != (r.ActiveHoursEnd == nil) {
		return errors.NewValidationError("activeHours", "", "start and end must be set together")
	}
	if r.HasHoursWindow() {
		if err := validateHour("activeHoursStart", *r.ActiveHoursStart); err != nil {
			return err
		}
		if err := validateHour("activeHoursEnd", *r.ActiveHoursEnd); err != nil {
			return err
		}
		if *r.ActiveHoursStart == *r.ActiveHoursEnd {
			return errors.NewValidationError("activeHours", strconv.Itoa(*r.ActiveHoursStart), "start and end must differ")
		}
	}

	seen := make(map[time.Weekday]bool, len(r.ActiveDays))
	for _, day := range r.ActiveDays {
		if day < time.Sunday || day > time.Saturday {
			return errors.NewValidationError("activeDays", strconv.Itoa(int(day)), "weekday must be between 0 and 6")
		}
		if seen[day] {
			return errors.NewValidationError("activeDays", day.String(), "weekday listed twice")
		}
		seen[day] = true
	}

	return nil
}

func validateHour(field string, hour int) error {
	if hour < 0 || hour > 23 {
		return errors.NewValidationError(field, strconv.Itoa(hour), "hour must be between 0 and 23")
	}
	return nil
}
