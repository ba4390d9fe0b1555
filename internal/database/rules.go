package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"whatsauto/internal/models"

	"github.com/google/uuid"
)

const ruleColumns = `id, name, is_active, trigger_type, trigger_conditions, template_id,
	sending_frequency, max_send_count, send_after_minutes, active_days,
	active_hours_start, active_hours_end, created_at, updated_at`

// SaveRule inserts the rule or replaces the stored definition with the same id.
func (d *Database) SaveRule(ctx context.Context, rule *models.AutomationRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	conditions, err := models.EncodeTriggerConditions(rule.TriggerConditions)
	if err != nil {
		return fmt.Errorf("failed to encode trigger conditions: %w", err)
	}
	days, err := json.Marshal(weekdays(rule.ActiveDays))
	if err != nil {
		return fmt.Errorf("failed to encode active days: %w", err)
	}

	query := `INSERT INTO automation_rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			is_active = excluded.is_active,
			trigger_type = excluded.trigger_type,
			trigger_conditions = excluded.trigger_conditions,
			template_id = excluded.template_id,
			sending_frequency = excluded.sending_frequency,
			max_send_count = excluded.max_send_count,
			send_after_minutes = excluded.send_after_minutes,
			active_days = excluded.active_days,
			active_hours_start = excluded.active_hours_start,
			active_hours_end = excluded.active_hours_end,
			updated_at = excluded.updated_at`

	return d.retryable(ctx, "save rule", func(ctx context.Context) error {
		_, err := d.exec(ctx, d.db, query,
			rule.ID, rule.Name, rule.IsActive, string(rule.TriggerType), string(conditions), rule.TemplateID,
			string(rule.SendingFrequency), nullInt(rule.MaxSendCount), rule.SendAfterMinutes, string(days),
			nullInt(rule.ActiveHoursStart), nullInt(rule.ActiveHoursEnd), utc(rule.CreatedAt), utc(rule.UpdatedAt),
		)
		return err
	})
}

// GetRule returns nil, nil when the rule does not exist.
func (d *Database) GetRule(ctx context.Context, id string) (*models.AutomationRule, error) {
	rows, err := d.query(ctx, d.db, `SELECT `+ruleColumns+` FROM automation_rules WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	rules, err := scanRules(rows)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}
	return &rules[0], nil
}

func (d *Database) ListRules(ctx context.Context) ([]models.AutomationRule, error) {
	rows, err := d.query(ctx, d.db, `SELECT `+ruleColumns+` FROM automation_rules ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return scanRules(rows)
}

// ListActiveRules returns the active rules listening to triggerType.
func (d *Database) ListActiveRules(ctx context.Context, triggerType models.TriggerType) ([]models.AutomationRule, error) {
	rows, err := d.query(ctx, d.db,
		`SELECT `+ruleColumns+` FROM automation_rules WHERE is_active = ? AND trigger_type = ? ORDER BY created_at, id`,
		true, string(triggerType))
	if err != nil {
		return nil, fmt.Errorf("failed to list active rules: %w", err)
	}
	return scanRules(rows)
}

// SetRuleActive flips is_active. It reports false when no rule has that id.
func (d *Database) SetRuleActive(ctx context.Context, id string, active bool, at time.Time) (bool, error) {
	var found bool
	err := d.retryable(ctx, "set rule active", func(ctx context.Context) error {
		res, err := d.exec(ctx, d.db, `UPDATE automation_rules SET is_active = ?, updated_at = ? WHERE id = ?`, active, utc(at), id)
		if err != nil {
			return err
		}
		found, err = affected(res)
		return err
	})
	return found, err
}

func scanRules(rows *sql.Rows) ([]models.AutomationRule, error) {
	defer rows.Close()

	var rules []models.AutomationRule
	for rows.Next() {
		var (
			rule                   models.AutomationRule
			triggerType, frequency string
			conditions, days       string
			maxSend, hStart, hEnd  sql.NullInt64
			createdAt, updatedAt   time.Time
		)
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.IsActive, &triggerType, &conditions, &rule.TemplateID,
			&frequency, &maxSend, &rule.SendAfterMinutes, &days,
			&hStart, &hEnd, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}

		rule.TriggerType = models.TriggerType(triggerType)
		rule.SendingFrequency = models.SendingFrequency(frequency)
		c, err := models.DecodeTriggerConditions(rule.TriggerType, []byte(conditions))
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		rule.TriggerConditions = c

		var dayNumbers []int
		if err := json.Unmarshal([]byte(days), &dayNumbers); err != nil {
			return nil, fmt.Errorf("rule %s: failed to decode active days: %w", rule.ID, err)
		}
		for _, n := range dayNumbers {
			rule.ActiveDays = append(rule.ActiveDays, time.Weekday(n))
		}

		rule.MaxSendCount = intPtr(maxSend)
		rule.ActiveHoursStart = intPtr(hStart)
		rule.ActiveHoursEnd = intPtr(hEnd)
		rule.CreatedAt = createdAt.UTC()
		rule.UpdatedAt = updatedAt.UTC()
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rules: %w", err)
	}
	return rules, nil
}

func weekdays(days []time.Weekday) []int {
	out := make([]int, 0, len(days))
	for _, day := range days {
		out = append(out, int(day))
	}
	return out
}
