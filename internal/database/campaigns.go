package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"whatsauto/internal/models"

	"github.com/google/uuid"
)

const campaignColumns = `id, name, status, template_id, target_type, target, template_params,
	total_contacts, sent_count, delivered_count, read_count, failed_count,
	scheduled_at, sending_speed, respect_working_hours, working_hours_start, working_hours_end,
	failure_reason, created_at, updated_at, started_at, completed_at`

// CreateCampaign stores a new campaign. Recipients are added by
// StartCampaign.
func (d *Database) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	target, err := json.Marshal(c.Target)
	if err != nil {
		return fmt.Errorf("failed to encode target: %w", err)
	}
	params, err := json.Marshal(c.TemplateParams)
	if err != nil {
		return fmt.Errorf("failed to encode template params: %w", err)
	}

	return d.retryable(ctx, "create campaign", func(ctx context.Context) error {
		_, err := d.exec(ctx, d.db, `INSERT INTO campaigns (`+campaignColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Name, string(c.Status), c.TemplateID, string(c.TargetType), string(target), string(params),
			c.TotalContacts, c.SentCount, c.DeliveredCount, c.ReadCount, c.FailedCount,
			nullTime(c.ScheduledAt), string(c.SendingSpeed), c.RespectWorkingHours, c.WorkingHoursStart, c.WorkingHoursEnd,
			c.FailureReason, utc(c.CreatedAt), utc(c.UpdatedAt), nullTime(c.StartedAt), nullTime(c.CompletedAt))
		return err
	})
}

// StartCampaign moves the campaign from `from` to RUNNING and inserts its
// recipients as PENDING in the given order, all in one transaction.
// Duplicate contact ids keep their first position. totalContacts becomes the
// number of distinct recipients. It reports false, inserting nothing, when
// the campaign was not in `from`.
func (d *Database) StartCampaign(ctx context.Context, id string, from models.CampaignStatus, recipients []models.CampaignRecipient, at time.Time) (bool, error) {
	seen := make(map[string]bool, len(recipients))
	var sealed []models.CampaignRecipient
	var sealedAttrs []string
	for _, r := range recipients {
		if seen[r.ContactID] {
			continue
		}
		seen[r.ContactID] = true

		var err error
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.CampaignID = id
		r.Seq = len(sealed) + 1
		r.Status = models.RecipientPending
		if r.Phone, err = d.encryptor.Encrypt(r.Phone); err != nil {
			return false, fmt.Errorf("failed to encrypt phone: %w", err)
		}
		if r.Name, err = d.encryptor.Encrypt(r.Name); err != nil {
			return false, fmt.Errorf("failed to encrypt name: %w", err)
		}
		attrs, err := d.sealAttributes(r.Attributes)
		if err != nil {
			return false, err
		}
		sealed = append(sealed, r)
		sealedAttrs = append(sealedAttrs, attrs)
	}

	var started bool
	err := d.inTx(ctx, "start campaign", func(tx *sql.Tx) error {
		started = false
		res, err := d.exec(ctx, tx, `UPDATE campaigns
			SET status = ?, total_contacts = ?, updated_at = ?, started_at = COALESCE(started_at, ?)
			WHERE id = ? AND status = ?`,
			string(models.CampaignRunning), len(sealed), utc(at), utc(at), id, string(from))
		if err != nil {
			return err
		}
		if started, err = affected(res); err != nil || !started {
			return err
		}

		for i, r := range sealed {
			if _, err := d.exec(ctx, tx, `INSERT INTO campaign_recipients
				(id, campaign_id, seq, contact_id, phone, name, attributes, status, failure_reason)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.ID, r.CampaignID, r.Seq, r.ContactID, r.Phone, r.Name, sealedAttrs[i], string(r.Status), ""); err != nil {
				return err
			}
		}
		return nil
	})
	return started, err
}

// GetCampaign returns nil, nil when the campaign does not exist.
func (d *Database) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	campaigns, err := d.selectCampaigns(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	if len(campaigns) == 0 {
		return nil, nil
	}
	return &campaigns[0], nil
}

func (d *Database) ListCampaigns(ctx context.Context) ([]models.Campaign, error) {
	campaigns, err := d.selectCampaigns(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	return campaigns, nil
}

func (d *Database) ListCampaignsByStatus(ctx context.Context, statuses ...models.CampaignStatus) ([]models.Campaign, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	campaigns, err := d.selectCampaigns(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE status IN (`+placeholders(len(statuses))+`) ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns by status: %w", err)
	}
	return campaigns, nil
}

// ListDueCampaigns returns DRAFT and SCHEDULED campaigns whose scheduledAt has
// passed.
func (d *Database) ListDueCampaigns(ctx context.Context, now time.Time) ([]models.Campaign, error) {
	campaigns, err := d.selectCampaigns(ctx,
		`SELECT `+campaignColumns+` FROM campaigns
		WHERE status IN (?, ?) AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at, id`,
		string(models.CampaignDraft), string(models.CampaignScheduled), utc(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list due campaigns: %w", err)
	}
	return campaigns, nil
}

// Transition describes one compare-and-set move of the campaign state machine
type Transition struct {
	From   models.CampaignStatus
	To     models.CampaignStatus
	At     time.Time
	Reason string
}

// TransitionCampaign moves the campaign from t.From to t.To if it is still in
// t.From. It reports false when the campaign was not in t.From. The first
// move to RUNNING stamps startedAt; terminal states stamp completedAt.
func (d *Database) TransitionCampaign(ctx context.Context, id string, t Transition) (bool, error) {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(t.To), utc(t.At)}

	if t.To == models.CampaignRunning {
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, utc(t.At))
	}
	if t.To.IsTerminal() {
		sets = append(sets, "completed_at = ?")
		args = append(args, utc(t.At))
	}
	if t.Reason != "" {
		sets = append(sets, "failure_reason = ?")
		args = append(args, t.Reason)
	}
	args = append(args, id, string(t.From))

	query := `UPDATE campaigns SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status = ?`

	var moved bool
	err := d.retryable(ctx, "transition campaign", func(ctx context.Context) error {
		res, err := d.exec(ctx, d.db, query, args...)
		if err != nil {
			return err
		}
		moved, err = affected(res)
		return err
	})
	return moved, err
}

func (d *Database) selectCampaigns(ctx context.Context, query string, args ...any) ([]models.Campaign, error) {
	rows, err := d.query(ctx, d.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		var (
			c                                models.Campaign
			status, targetType, speed        string
			target, params                   string
			scheduledAt, startedAt, complete sql.NullTime
			createdAt, updatedAt             time.Time
		)
		if err := rows.Scan(&c.ID, &c.Name, &status, &c.TemplateID, &targetType, &target, &params,
			&c.TotalContacts, &c.SentCount, &c.DeliveredCount, &c.ReadCount, &c.FailedCount,
			&scheduledAt, &speed, &c.RespectWorkingHours, &c.WorkingHoursStart, &c.WorkingHoursEnd,
			&c.FailureReason, &createdAt, &updatedAt, &startedAt, &complete); err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		if err := json.Unmarshal([]byte(target), &c.Target); err != nil {
			return nil, fmt.Errorf("campaign %s: failed to decode target: %w", c.ID, err)
		}
		if err := json.Unmarshal([]byte(params), &c.TemplateParams); err != nil {
			return nil, fmt.Errorf("campaign %s: failed to decode template params: %w", c.ID, err)
		}
		c.Status = models.CampaignStatus(status)
		c.TargetType = models.TargetType(targetType)
		c.SendingSpeed = models.SendingSpeed(speed)
		c.ScheduledAt = timePtr(scheduledAt)
		c.StartedAt = timePtr(startedAt)
		c.CompletedAt = timePtr(complete)
		c.CreatedAt = createdAt.UTC()
		c.UpdatedAt = updatedAt.UTC()
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}
