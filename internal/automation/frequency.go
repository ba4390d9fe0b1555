package automation

import (
	"time"

	"whatsauto/internal/models"
)

// capReached applies the rule's sending frequency to the instants already
// spent for one (rule, conversation), as seen from sendAt. windowStart only
// matters for EVERY_WINDOW.
func capReached(freq models.SendingFrequency, history []time.Time, sendAt, windowStart time.Time, loc *time.Location) bool {
	if len(history) == 0 {
		return false
	}

	switch freq {
	case models.FrequencyOnce:
		return true
	case models.FrequencyEveryWindow:
		for _, at := range history {
			if !at.Before(windowStart) {
				return true
			}
		}
	case models.FrequencyDaily:
		y, m, d := sendAt.In(loc).Date()
		for _, at := range history {
			ay, am, ad := at.In(loc).Date()
			if ay == y && am == m && ad == d {
				return true
			}
		}
	case models.FrequencyWeekly:
		since := sendAt.Add(-7 * 24 * time.Hour)
		for _, at := range history {
			if at.After(since) {
				return true
			}
		}
	}
	return false
}
