package models

import (
	"strconv"
	"strings"
	"time"

	"whatsauto/internal/constants"
	"whatsauto/internal/errors"
	"whatsauto/internal/validation"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "DRAFT"
	CampaignScheduled CampaignStatus = "SCHEDULED"
	CampaignRunning   CampaignStatus = "RUNNING"
	CampaignPaused    CampaignStatus = "PAUSED"
	CampaignCompleted CampaignStatus = "COMPLETED"
	CampaignFailed    CampaignStatus = "FAILED"
)

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignScheduled, CampaignRunning},
	CampaignScheduled: {CampaignRunning},
	CampaignRunning:   {CampaignPaused, CampaignCompleted, CampaignFailed},
	CampaignPaused:    {CampaignRunning, CampaignFailed},
}

// CanTransitionTo reports whether the campaign state machine allows s -> to.
func (s CampaignStatus) CanTransitionTo(to CampaignStatus) bool {
	for _, allowed := range campaignTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignFailed
}

type TargetType string

const (
	TargetSpecificContacts TargetType = "SPECIFIC_CONTACTS"
	TargetContactGroup     TargetType = "CONTACT_GROUP"
	TargetAllContacts      TargetType = "ALL_CONTACTS"
	TargetCustomFilter     TargetType = "CUSTOM_FILTER"
)

// SendingSpeed maps to a minimum gap between two sends of one campaign
type SendingSpeed string

const (
	SpeedSlow   SendingSpeed = "SLOW"
	SpeedNormal SendingSpeed = "NORMAL"
	SpeedFast   SendingSpeed = "FAST"
)

func (s SendingSpeed) Valid() bool {
	return s == SpeedSlow || s == SpeedNormal || s == SpeedFast
}

// CampaignTarget holds the parameters for the campaign's TargetType. Only the
// field matching the type is read.
type CampaignTarget struct {
	ContactIDs []string `json:"contactIds,omitempty"`
	GroupID    string   `json:"groupId,omitempty"`
	Filter     string   `json:"filter,omitempty"`
}

// Campaign counters only grow. SentCount counts provider-accepted sends and
// is never decremented. FailedCount counts both sends that failed and sent
// messages later reported FAILED by the provider, so SentCount + FailedCount
// may exceed TotalContacts.
type Campaign struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Status              CampaignStatus    `json:"status"`
	TemplateID          string            `json:"templateId"`
	TargetType          TargetType        `json:"targetType"`
	Target              CampaignTarget    `json:"target"`
	TemplateParams      map[string]string `json:"templateParams,omitempty"`
	TotalContacts       int               `json:"totalContacts"`
	SentCount           int               `json:"sentCount"`
	DeliveredCount      int               `json:"deliveredCount"`
	ReadCount           int               `json:"readCount"`
	FailedCount         int               `json:"failedCount"`
	ScheduledAt         *time.Time        `json:"scheduledAt,omitempty"`
	SendingSpeed        SendingSpeed      `json:"sendingSpeed"`
	RespectWorkingHours bool              `json:"respectWorkingHours"`
	WorkingHoursStart   int               `json:"workingHoursStart"`
	WorkingHoursEnd     int               `json:"workingHoursEnd"`
	FailureReason       string            `json:"failureReason,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
	StartedAt           *time.Time        `json:"startedAt,omitempty"`
	CompletedAt         *time.Time        `json:"completedAt,omitempty"`
}

// Validate checks the campaign definition. Template approval and target
// resolution need collaborators and are checked by the dispatcher.
func (c *Campaign) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.NewValidationError("name", c.Name, "is required")
	}
	if err := validation.ValidateStringLength("name", c.Name, 1, constants.MaxNameLength); err != nil {
		return err
	}
	if strings.TrimSpace(c.TemplateID) == "" {
		return errors.NewValidationError("templateId", c.TemplateID, "is required")
	}

	switch c.TargetType {
	case TargetSpecificContacts:
		if len(c.Target.ContactIDs) == 0 {
			return errors.NewValidationError("target.contactIds", "", "at least one contact is required")
		}
	case TargetContactGroup:
		if strings.TrimSpace(c.Target.GroupID) == "" {
			return errors.NewValidationError("target.groupId", "", "is required for CONTACT_GROUP campaigns")
		}
	case TargetCustomFilter:
		if strings.TrimSpace(c.Target.Filter) == "" {
			return errors.NewValidationError("target.filter", "", "is required for CUSTOM_FILTER campaigns")
		}
	case TargetAllContacts:
	default:
		return errors.NewValidationError("targetType", string(c.TargetType), "is not a known target type")
	}

	if !c.SendingSpeed.Valid() {
		return errors.NewValidationError("sendingSpeed", string(c.SendingSpeed), "must be SLOW, NORMAL or FAST")
	}

	if c.RespectWorkingHours {
		if err := validateHour("workingHoursStart", c.WorkingHoursStart); err != nil {
			return err
		}
		if err := validateHour("workingHoursEnd", c.WorkingHoursEnd); err != nil {
			return err
		}
		if c.WorkingHoursStart == c.WorkingHoursEnd {
			return errors.NewValidationError("workingHours", strconv.Itoa(c.WorkingHoursStart), "start and end must differ")
		}
	}

	return nil
}

// Progress is the snapshot pushed to progress subscribers
func (c *Campaign) Progress(at time.Time) CampaignProgress {
	return CampaignProgress{
		CampaignID:     c.ID,
		Status:         c.Status,
		TotalContacts:  c.TotalContacts,
		SentCount:      c.SentCount,
		DeliveredCount: c.DeliveredCount,
		ReadCount:      c.ReadCount,
		FailedCount:    c.FailedCount,
		FailureReason:  c.FailureReason,
		At:             at,
	}
}

// CampaignProgress is a point-in-time copy of a campaign's counters, with the
// same meaning as on Campaign.
type CampaignProgress struct {
	CampaignID     string         `json:"campaignId"`
	Status         CampaignStatus `json:"status"`
	TotalContacts  int            `json:"totalContacts"`
	SentCount      int            `json:"sentCount"`
	DeliveredCount int            `json:"deliveredCount"`
	ReadCount      int            `json:"readCount"`
	FailedCount    int            `json:"failedCount"`
	FailureReason  string         `json:"failureReason,omitempty"`
	At             time.Time      `json:"at"`
}
