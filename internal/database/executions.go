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

const executionColumns = `id, rule_id, conversation_id, fired_at, outcome, reason, provider_message_id, created_at`

// AppendExecution stores one execution log entry. Entries are never updated.
func (d *Database) AppendExecution(ctx context.Context, log *models.ExecutionLog) error {
	return d.retryable(ctx, "append execution", func(ctx context.Context) error {
		return d.insertExecution(ctx, d.db, log)
	})
}

func (d *Database) insertExecution(ctx context.Context, q queryer, log *models.ExecutionLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	_, err := d.exec(ctx, q, `INSERT INTO execution_logs (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.RuleID, log.ConversationID, utc(log.FiredAt), string(log.Outcome), log.Reason, log.ProviderMessageID, utc(log.CreatedAt))
	return err
}

// ListExecutions returns the newest entries for a rule first.
func (d *Database) ListExecutions(ctx context.Context, ruleID string, limit int) ([]models.ExecutionLog, error) {
	rows, err := d.query(ctx, d.db,
		`SELECT `+executionColumns+` FROM execution_logs WHERE rule_id = ? ORDER BY created_at DESC, id LIMIT ?`,
		ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var logs []models.ExecutionLog
	for rows.Next() {
		var (
			log                models.ExecutionLog
			outcome            string
			firedAt, createdAt time.Time
		)
		if err := rows.Scan(&log.ID, &log.RuleID, &log.ConversationID, &firedAt, &outcome, &log.Reason, &log.ProviderMessageID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		log.Outcome = models.ExecutionOutcome(outcome)
		log.FiredAt = firedAt.UTC()
		log.CreatedAt = createdAt.UTC()
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate executions: %w", err)
	}
	return logs, nil
}

// SendHistory returns the instants of every send for one rule and
// conversation: SENT executions at their creation time plus scheduled sends
// that have not finished yet at their due time. Frequency caps and
// maxSendCount are computed from it.
func (d *Database) SendHistory(ctx context.Context, ruleID, conversationID string) ([]time.Time, error) {
	var history []time.Time

	collect := func(query string, args ...any) error {
		rows, err := d.query(ctx, d.db, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var at time.Time
			if err := rows.Scan(&at); err != nil {
				return err
			}
			history = append(history, at.UTC())
		}
		return rows.Err()
	}

	if err := collect(`SELECT created_at FROM execution_logs WHERE rule_id = ? AND conversation_id = ? AND outcome = ?`,
		ruleID, conversationID, string(models.OutcomeSent)); err != nil {
		return nil, fmt.Errorf("failed to read send history: %w", err)
	}
	if err := collect(`SELECT due_at FROM scheduled_sends WHERE rule_id = ? AND conversation_id = ? AND status IN (?, ?)`,
		ruleID, conversationID, string(models.ScheduledSendPending), string(models.ScheduledSendDispatching)); err != nil {
		return nil, fmt.Errorf("failed to read scheduled sends: %w", err)
	}
	return history, nil
}

const scheduledColumns = `id, rule_id, conversation_id, phone, template_id, params, fired_at, due_at, status, created_at`

func (d *Database) InsertScheduledSend(ctx context.Context, send *models.ScheduledSend) error {
	if send.ID == "" {
		send.ID = uuid.NewString()
	}
	if send.Status == "" {
		send.Status = models.ScheduledSendPending
	}
	phone, err := d.encryptor.Encrypt(send.Phone)
	if err != nil {
		return fmt.Errorf("failed to encrypt phone: %w", err)
	}
	params, err := json.Marshal(send.Params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}

	return d.retryable(ctx, "insert scheduled send", func(ctx context.Context) error {
		_, err := d.exec(ctx, d.db, `INSERT INTO scheduled_sends (`+scheduledColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			send.ID, send.RuleID, send.ConversationID, phone, send.TemplateID, string(params),
			utc(send.FiredAt), utc(send.DueAt), string(send.Status), utc(send.CreatedAt))
		return err
	})
}

// ClaimDueScheduledSends moves up to limit PENDING sends due at or before now
// to DISPATCHING and returns them. A send is claimed by exactly one caller.
func (d *Database) ClaimDueScheduledSends(ctx context.Context, now time.Time, limit int) ([]models.ScheduledSend, error) {
	var claimed []models.ScheduledSend

	err := d.inTx(ctx, "claim scheduled sends", func(tx *sql.Tx) error {
		claimed = claimed[:0]
		due, err := d.selectScheduled(ctx, tx,
			`SELECT `+scheduledColumns+` FROM scheduled_sends WHERE status = ? AND due_at <= ? ORDER BY due_at, id LIMIT ?`,
			string(models.ScheduledSendPending), utc(now), limit)
		if err != nil {
			return err
		}
		for _, send := range due {
			res, err := d.exec(ctx, tx, `UPDATE scheduled_sends SET status = ? WHERE id = ? AND status = ?`,
				string(models.ScheduledSendDispatching), send.ID, string(models.ScheduledSendPending))
			if err != nil {
				return err
			}
			ok, err := affected(res)
			if err != nil {
				return err
			}
			if ok {
				send.Status = models.ScheduledSendDispatching
				claimed = append(claimed, send)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteScheduledSend marks a claimed send DONE and appends its execution
// log in one transaction.
func (d *Database) CompleteScheduledSend(ctx context.Context, id string, log *models.ExecutionLog) error {
	return d.inTx(ctx, "complete scheduled send", func(tx *sql.Tx) error {
		if _, err := d.exec(ctx, tx, `UPDATE scheduled_sends SET status = ? WHERE id = ?`, string(models.ScheduledSendDone), id); err != nil {
			return err
		}
		return d.insertExecution(ctx, tx, log)
	})
}

// ListScheduledSends returns sends in the given status, oldest due first.
func (d *Database) ListScheduledSends(ctx context.Context, status models.ScheduledSendStatus) ([]models.ScheduledSend, error) {
	sends, err := d.selectScheduled(ctx, d.db,
		`SELECT `+scheduledColumns+` FROM scheduled_sends WHERE status = ? ORDER BY due_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled sends: %w", err)
	}
	return sends, nil
}

func (d *Database) selectScheduled(ctx context.Context, q queryer, query string, args ...any) ([]models.ScheduledSend, error) {
	rows, err := d.query(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sends []models.ScheduledSend
	for rows.Next() {
		var (
			send                      models.ScheduledSend
			phone, params, status     string
			firedAt, dueAt, createdAt time.Time
		)
		if err := rows.Scan(&send.ID, &send.RuleID, &send.ConversationID, &phone, &send.TemplateID, &params,
			&firedAt, &dueAt, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled send: %w", err)
		}
		if send.Phone, err = d.encryptor.Decrypt(phone); err != nil {
			return nil, fmt.Errorf("failed to decrypt phone: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &send.Params); err != nil {
			return nil, fmt.Errorf("failed to decode params: %w", err)
		}
		send.FiredAt = firedAt.UTC()
		send.DueAt = dueAt.UTC()
		send.CreatedAt = createdAt.UTC()
		send.Status = models.ScheduledSendStatus(status)
		sends = append(sends, send)
	}
	return sends, rows.Err()
}
