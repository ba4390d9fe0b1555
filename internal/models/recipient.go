package models

import "time"

// RecipientStatus tracks one contact through a campaign. The same values are
// used for provider webhook statuses.
type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "PENDING"
	RecipientSent      RecipientStatus = "SENT"
	RecipientDelivered RecipientStatus = "DELIVERED"
	RecipientRead      RecipientStatus = "READ"
	RecipientFailed    RecipientStatus = "FAILED"
)

type CampaignRecipient struct {
	ID                string            `json:"id"`
	CampaignID        string            `json:"campaignId"`
	Seq               int               `json:"seq"`
	ContactID         string            `json:"contactId"`
	Phone             string            `json:"phone"`
	Name              string            `json:"name,omitempty"`
	Attributes        map[string]string `json:"attributes,omitempty"`
	Status            RecipientStatus   `json:"status"`
	ProviderMessageID string            `json:"providerMessageId,omitempty"`
	LastAttemptAt     *time.Time        `json:"lastAttemptAt,omitempty"`
	FailureReason     string            `json:"failureReason,omitempty"`
}

// CounterDelta is the change applied to a campaign's counters together with a
// recipient status change.
type CounterDelta struct {
	Sent      int
	Delivered int
	Read      int
	Failed    int
}

func (d CounterDelta) IsZero() bool {
	return d == CounterDelta{}
}

// ApplyDeliveryStatus computes the effect of a provider webhook status on a
// recipient. ok is false for duplicates, regressions and updates to
// recipients that were never sent.
func ApplyDeliveryStatus(current, incoming RecipientStatus) (RecipientStatus, CounterDelta, bool) {
	switch incoming {
	case RecipientDelivered:
		if current == RecipientSent {
			return RecipientDelivered, CounterDelta{Delivered: 1}, true
		}
	case RecipientRead:
		switch current {
		case RecipientSent:
			return RecipientRead, CounterDelta{Delivered: 1, Read: 1}, true
		case RecipientDelivered:
			return RecipientRead, CounterDelta{Read: 1}, true
		}
	case RecipientFailed:
		if current == RecipientSent || current == RecipientDelivered {
			return RecipientFailed, CounterDelta{Failed: 1}, true
		}
	}
	return current, CounterDelta{}, false
}
