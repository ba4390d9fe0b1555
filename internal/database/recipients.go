package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"whatsauto/internal/models"
)

const recipientColumns = `id, campaign_id, seq, contact_id, phone, name, attributes, status, provider_message_id, last_attempt_at, failure_reason`

// maxDeliveryCASAttempts bounds re-reads when two webhook updates for the
// same message race.
const maxDeliveryCASAttempts = 3

// NextPendingRecipient returns the PENDING recipient with the lowest seq, or
// nil when none is left.
func (d *Database) NextPendingRecipient(ctx context.Context, campaignID string) (*models.CampaignRecipient, error) {
	recipients, err := d.selectRecipients(ctx, d.db,
		`SELECT `+recipientColumns+` FROM campaign_recipients WHERE campaign_id = ? AND status = ? ORDER BY seq LIMIT 1`,
		campaignID, string(models.RecipientPending))
	if err != nil {
		return nil, fmt.Errorf("failed to get next recipient: %w", err)
	}
	if len(recipients) == 0 {
		return nil, nil
	}
	return &recipients[0], nil
}

func (d *Database) ListRecipients(ctx context.Context, campaignID string) ([]models.CampaignRecipient, error) {
	recipients, err := d.selectRecipients(ctx, d.db,
		`SELECT `+recipientColumns+` FROM campaign_recipients WHERE campaign_id = ? ORDER BY seq`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}
	return recipients, nil
}

// MarkRecipientSent moves a PENDING recipient to SENT and bumps sentCount in
// the same transaction. It reports false if the recipient was not PENDING.
func (d *Database) MarkRecipientSent(ctx context.Context, r *models.CampaignRecipient, providerMessageID string, at time.Time) (bool, error) {
	return d.settleRecipient(ctx, r, models.RecipientSent, providerMessageID, "", at, "sent_count")
}

// MarkRecipientFailed moves a PENDING recipient to FAILED and bumps
// failedCount in the same transaction.
func (d *Database) MarkRecipientFailed(ctx context.Context, r *models.CampaignRecipient, reason string, at time.Time) (bool, error) {
	return d.settleRecipient(ctx, r, models.RecipientFailed, "", reason, at, "failed_count")
}

func (d *Database) settleRecipient(ctx context.Context, r *models.CampaignRecipient, status models.RecipientStatus,
	providerMessageID, reason string, at time.Time, counter string) (bool, error) {
	var settled bool

	var messageID sql.NullString
	if providerMessageID != "" {
		messageID = sql.NullString{String: providerMessageID, Valid: true}
	}

	err := d.inTx(ctx, "settle recipient", func(tx *sql.Tx) error {
		res, err := d.exec(ctx, tx, `UPDATE campaign_recipients
			SET status = ?, provider_message_id = ?, last_attempt_at = ?, failure_reason = ?
			WHERE id = ? AND status = ?`,
			string(status), messageID, utc(at), reason, r.ID, string(models.RecipientPending))
		if err != nil {
			return err
		}
		if settled, err = affected(res); err != nil || !settled {
			return err
		}
		_, err = d.exec(ctx, tx, `UPDATE campaigns SET `+counter+` = `+counter+` + 1, updated_at = ? WHERE id = ?`, utc(at), r.CampaignID)
		return err
	})
	if err != nil {
		return false, err
	}

	if settled {
		r.Status = status
		r.ProviderMessageID = providerMessageID
		r.FailureReason = reason
		stamp := at.UTC()
		r.LastAttemptAt = &stamp
	}
	return settled, nil
}

// DeliveryResult reports what a webhook status did to the store
type DeliveryResult struct {
	CampaignID string
	Applied    bool
	Delta      models.CounterDelta
}

// ApplyDeliveryUpdate applies a provider status to the recipient that owns
// the provider message id. Recipient status and campaign counters change in
// one transaction. Unknown message ids, duplicates and regressions are
// ignored.
func (d *Database) ApplyDeliveryUpdate(ctx context.Context, update models.DeliveryUpdate) (DeliveryResult, error) {
	var result DeliveryResult
	if update.ProviderMessageID == "" {
		return result, nil
	}
	at := update.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	for attempt := 0; attempt < maxDeliveryCASAttempts; attempt++ {
		result = DeliveryResult{}
		raced := false

		err := d.inTx(ctx, "apply delivery update", func(tx *sql.Tx) error {
			var id, campaignID, current string
			err := d.queryRow(ctx, tx,
				`SELECT id, campaign_id, status FROM campaign_recipients WHERE provider_message_id = ?`,
				update.ProviderMessageID).Scan(&id, &campaignID, &current)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return err
			}
			result.CampaignID = campaignID

			next, delta, ok := models.ApplyDeliveryStatus(models.RecipientStatus(current), update.Status)
			if !ok {
				return nil
			}

			reasonSet := ""
			args := []any{string(next)}
			if next == models.RecipientFailed {
				reasonSet = ", failure_reason = ?"
				args = append(args, update.Reason)
			}
			args = append(args, id, current)

			res, err := d.exec(ctx, tx, `UPDATE campaign_recipients SET status = ?`+reasonSet+` WHERE id = ? AND status = ?`, args...)
			if err != nil {
				return err
			}
			moved, err := affected(res)
			if err != nil {
				return err
			}
			if !moved {
				raced = true
				return nil
			}

			_, err = d.exec(ctx, tx, `UPDATE campaigns SET
				delivered_count = delivered_count + ?,
				read_count = read_count + ?,
				failed_count = failed_count + ?,
				updated_at = ?
				WHERE id = ?`,
				delta.Delivered, delta.Read, delta.Failed, utc(at), campaignID)
			if err != nil {
				return err
			}
			result.Applied = true
			result.Delta = delta
			return nil
		})
		if err != nil {
			return DeliveryResult{}, err
		}
		if !raced {
			return result, nil
		}
	}
	return result, nil
}

// CountStaleSent counts recipients still SENT whose send is older than before.
func (d *Database) CountStaleSent(ctx context.Context, before time.Time) (int, error) {
	var count int
	err := d.queryRow(ctx, d.db,
		`SELECT COUNT(*) FROM campaign_recipients WHERE status = ? AND last_attempt_at < ?`,
		string(models.RecipientSent), utc(before)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count stale recipients: %w", err)
	}
	return count, nil
}

func (d *Database) selectRecipients(ctx context.Context, q queryer, query string, args ...any) ([]models.CampaignRecipient, error) {
	rows, err := d.query(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []models.CampaignRecipient
	for rows.Next() {
		var (
			r             models.CampaignRecipient
			phone, name   string
			attributes    string
			status        string
			messageID     sql.NullString
			lastAttemptAt sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.Seq, &r.ContactID, &phone, &name, &attributes, &status,
			&messageID, &lastAttemptAt, &r.FailureReason); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		if r.Phone, err = d.encryptor.Decrypt(phone); err != nil {
			return nil, fmt.Errorf("failed to decrypt phone: %w", err)
		}
		if r.Name, err = d.encryptor.Decrypt(name); err != nil {
			return nil, fmt.Errorf("failed to decrypt name: %w", err)
		}
		if r.Attributes, err = d.openAttributes(attributes); err != nil {
			return nil, err
		}
		r.Status = models.RecipientStatus(status)
		r.ProviderMessageID = messageID.String
		r.LastAttemptAt = timePtr(lastAttemptAt)
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

// sealAttributes is the stored form of a contact's attributes: encrypted
// JSON, or "" when there are none.
func (d *Database) sealAttributes(attrs map[string]string) (string, error) {
	if len(attrs) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("failed to encode attributes: %w", err)
	}
	sealed, err := d.encryptor.Encrypt(string(raw))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt attributes: %w", err)
	}
	return sealed, nil
}

func (d *Database) openAttributes(stored string) (map[string]string, error) {
	if stored == "" {
		return nil, nil
	}
	raw, err := d.encryptor.Decrypt(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt attributes: %w", err)
	}
	var attrs map[string]string
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil, fmt.Errorf("failed to decode attributes: %w", err)
	}
	return attrs, nil
}
