package delivery

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"whatsauto/internal/models"
	"whatsauto/pkg/whatsapp"
	"whatsauto/pkg/whatsapp/types"
)

var providerStatuses = map[string]models.RecipientStatus{
	"sent":      models.RecipientSent,
	"delivered": models.RecipientDelivered,
	"read":      models.RecipientRead,
	"failed":    models.RecipientFailed,
}

// ParseDeliveryUpdates decodes a status webhook body. Statuses the domain
// does not track (deleted, warning, ...) are dropped.
func ParseDeliveryUpdates(body []byte) ([]models.DeliveryUpdate, error) {
	statuses, err := whatsapp.ParseWebhook(body)
	if err != nil {
		return nil, err
	}

	updates := make([]models.DeliveryUpdate, 0, len(statuses))
	for _, s := range statuses {
		if update, ok := toDeliveryUpdate(s); ok {
			updates = append(updates, update)
		}
	}
	return updates, nil
}

func toDeliveryUpdate(s types.Status) (models.DeliveryUpdate, bool) {
	status, ok := providerStatuses[strings.ToLower(s.Status)]
	if !ok || s.ID == "" {
		return models.DeliveryUpdate{}, false
	}

	update := models.DeliveryUpdate{ProviderMessageID: s.ID, Status: status}
	if secs, err := strconv.ParseInt(s.Timestamp, 10, 64); err == nil {
		update.Timestamp = time.Unix(secs, 0).UTC()
	}
	if status == models.RecipientFailed && len(s.Errors) > 0 {
		update.Reason = strings.TrimSpace(fmt.Sprintf("%d %s", s.Errors[0].Code, s.Errors[0].Title))
	}
	return update, true
}
