package models

import (
	"encoding/json"
	"testing"
	"time"

	"whatsauto/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func validLabelRule() AutomationRule {
	return AutomationRule{
		Name:              "Welcome on label",
		IsActive:          true,
		TriggerType:       TriggerLabelAssigned,
		TriggerConditions: LabelAssignedConditions{LabelID: "L1"},
		TemplateID:        "tpl-1",
		SendingFrequency:  FrequencyOnce,
	}
}

func TestAutomationRule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *AutomationRule)
		wantErr string
	}{
		{name: "valid label rule", mutate: func(r *AutomationRule) {}},
		{
			name: "window expired rule without conditions",
			mutate: func(r *AutomationRule) {
				r.TriggerType = TriggerConversationWindowExpired
				r.TriggerConditions = nil
			},
		},
		{
			name:    "missing name",
			mutate:  func(r *AutomationRule) { r.Name = " " },
			wantErr: "name",
		},
		{
			name:    "unknown trigger type",
			mutate:  func(r *AutomationRule) { r.TriggerType = "KEYWORD" },
			wantErr: "triggerType",
		},
		{
			name:    "label rule missing label id",
			mutate:  func(r *AutomationRule) { r.TriggerConditions = LabelAssignedConditions{} },
			wantErr: "triggerConditions.labelId",
		},
		{
			name:    "label rule without conditions",
			mutate:  func(r *AutomationRule) { r.TriggerConditions = nil },
			wantErr: "triggerConditions",
		},
		{
			name:    "conditions variant mismatch",
			mutate:  func(r *AutomationRule) { r.TriggerConditions = TimeDelayConditions{} },
			wantErr: "triggerConditions",
		},
		{
			name:    "missing template",
			mutate:  func(r *AutomationRule) { r.TemplateID = "" },
			wantErr: "templateId",
		},
		{
			name:    "unknown frequency",
			mutate:  func(r *AutomationRule) { r.SendingFrequency = "HOURLY" },
			wantErr: "sendingFrequency",
		},
		{
			name:    "negative delay",
			mutate:  func(r *AutomationRule) { r.SendAfterMinutes = -5 },
			wantErr: "sendAfterMinutes",
		},
		{
			name:    "zero max send count",
			mutate:  func(r *AutomationRule) { r.MaxSendCount = intPtr(0) },
			wantErr: "maxSendCount",
		},
		{
			name:    "only start hour",
			mutate:  func(r *AutomationRule) { r.ActiveHoursStart = intPtr(9) },
			wantErr: "activeHours",
		},
		{
			name: "hour out of range",
			mutate: func(r *AutomationRule) {
				r.ActiveHoursStart = intPtr(9)
				r.ActiveHoursEnd = intPtr(24)
			},
			wantErr: "activeHoursEnd",
		},
		{
			name: "empty hour window",
			mutate: func(r *AutomationRule) {
				r.ActiveHoursStart = intPtr(9)
				r.ActiveHoursEnd = intPtr(9)
			},
			wantErr: "activeHours",
		},
		{
			name: "overnight window is valid",
			mutate: func(r *AutomationRule) {
				r.ActiveHoursStart = intPtr(22)
				r.ActiveHoursEnd = intPtr(6)
			},
		},
		{
			name:    "duplicate weekday",
			mutate:  func(r *AutomationRule) { r.ActiveDays = []time.Weekday{time.Monday, time.Monday} },
			wantErr: "activeDays",
		},
		{
			name:    "invalid weekday",
			mutate:  func(r *AutomationRule) { r.ActiveDays = []time.Weekday{7} },
			wantErr: "activeDays",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := validLabelRule()
			tt.mutate(&rule)

			err := rule.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			appErr, ok := errors.As(err)
			require.True(t, ok)
			assert.Equal(t, errors.ErrCodeValidationFailed, appErr.Code)
			assert.Equal(t, tt.wantErr, appErr.Context["field"])
		})
	}
}

func TestAutomationRule_JSONSelectsConditionsVariant(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected TriggerConditions
	}{
		{
			name:     "label assigned",
			body:     `{"name":"r","triggerType":"LABEL_ASSIGNED","triggerConditions":{"labelId":"L1"}}`,
			expected: LabelAssignedConditions{LabelID: "L1"},
		},
		{
			name:     "time delay",
			body:     `{"name":"r","triggerType":"TIME_DELAY","triggerConditions":{"referenceEvent":"lead_created"}}`,
			expected: TimeDelayConditions{ReferenceEvent: "lead_created"},
		},
		{
			name:     "window expired ignores payload",
			body:     `{"name":"r","triggerType":"CONVERSATION_WINDOW_EXPIRED","triggerConditions":{"labelId":"L1"}}`,
			expected: WindowExpiredConditions{},
		},
		{
			name:     "label assigned without conditions",
			body:     `{"name":"r","triggerType":"LABEL_ASSIGNED"}`,
			expected: LabelAssignedConditions{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rule AutomationRule
			require.NoError(t, json.Unmarshal([]byte(tt.body), &rule))
			assert.Equal(t, tt.expected, rule.TriggerConditions)
		})
	}
}

func TestAutomationRule_MarshalJSONIncludesConditions(t *testing.T) {
	rule := validLabelRule()
	rule.ActiveDays = []time.Weekday{time.Monday}

	data, err := json.Marshal(rule)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, map[string]interface{}{"labelId": "L1"}, decoded["triggerConditions"])
	assert.Equal(t, "LABEL_ASSIGNED", decoded["triggerType"])
	assert.Equal(t, []interface{}{float64(1)}, decoded["activeDays"])
}

func TestAutomationRule_UnmarshalRejectsMalformedConditions(t *testing.T) {
	var rule AutomationRule
	err := json.Unmarshal([]byte(`{"triggerType":"LABEL_ASSIGNED","triggerConditions":{"labelId":5}}`), &rule)
	assert.Error(t, err)
}

func TestAutomationRule_LabelID(t *testing.T) {
	rule := validLabelRule()
	assert.Equal(t, "L1", rule.LabelID())

	rule.TriggerConditions = TimeDelayConditions{}
	assert.Empty(t, rule.LabelID())
}
