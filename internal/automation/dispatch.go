package automation

import (
	"context"

	"whatsauto/internal/constants"
	"whatsauto/internal/errors"
	"whatsauto/internal/metrics"
	"whatsauto/internal/models"
	"whatsauto/internal/templates"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DispatchDue sends every scheduled send whose instant has come, in batches,
// and returns how many were completed. Each send is claimed before it is
// sent so that concurrent dispatchers never send it twice.
func (e *Engine) DispatchDue(ctx context.Context) (int, error) {
	done := 0
	for {
		batch, err := e.store.ClaimDueScheduledSends(ctx, e.opts.Now(), e.opts.DueBatchSize)
		if err != nil {
			return done, errors.NewDatabaseError("claim due sends", err)
		}
		if len(batch) == 0 {
			return done, nil
		}

		for i := range batch {
			if err := ctx.Err(); err != nil {
				return done, err
			}
			if err := e.dispatch(ctx, batch[i]); err != nil {
				return done, err
			}
			done++
		}

		if len(batch) < e.opts.DueBatchSize {
			return done, nil
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, send models.ScheduledSend) error {
	unlock := e.locks.Lock(lockKey(send.RuleID, send.ConversationID))
	defer unlock()

	log := &models.ExecutionLog{
		ID:             uuid.NewString(),
		RuleID:         send.RuleID,
		ConversationID: send.ConversationID,
		FiredAt:        send.FiredAt,
		CreatedAt:      e.opts.Now(),
	}

	rule, err := e.store.GetRule(ctx, send.RuleID)
	if err != nil {
		return errors.NewDatabaseError("get rule", err)
	}

	switch {
	case rule == nil || !rule.IsActive:
		log.Outcome = models.OutcomeSkipped
		log.Reason = models.ReasonRuleInactive
	default:
		tpl, err := e.registry.GetTemplate(ctx, send.TemplateID)
		switch {
		case err != nil:
			log.Outcome = models.OutcomeFailed
			log.Reason = "template lookup failed: " + failureReason(err)
		case !tpl.IsApproved():
			log.Outcome = models.OutcomeSkipped
			log.Reason = models.ReasonTemplateNotApproved
		default:
			e.send(ctx, rule, send.Phone, tpl, templates.Params(tpl, send.Params), log)
		}
	}

	if err := e.store.CompleteScheduledSend(ctx, send.ID, log); err != nil {
		return errors.NewDatabaseError("complete scheduled send", err)
	}

	triggerType := models.TriggerType("")
	if rule != nil {
		triggerType = rule.TriggerType
	}
	metrics.AutomationExecutions.WithLabelValues(string(triggerType), string(log.Outcome)).Inc()
	return nil
}

// Recover closes scheduled sends left DISPATCHING by a crash. Whether the
// provider received them is unknown, so they are recorded FAILED rather than
// sent again.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	stuck, err := e.store.ListScheduledSends(ctx, models.ScheduledSendDispatching)
	if err != nil {
		return 0, errors.NewDatabaseError("list dispatching sends", err)
	}

	for _, send := range stuck {
		log := &models.ExecutionLog{
			ID:             uuid.NewString(),
			RuleID:         send.RuleID,
			ConversationID: send.ConversationID,
			FiredAt:        send.FiredAt,
			Outcome:        models.OutcomeFailed,
			Reason:         models.ReasonInterrupted,
			CreatedAt:      e.opts.Now(),
		}
		if err := e.store.CompleteScheduledSend(ctx, send.ID, log); err != nil {
			return 0, errors.NewDatabaseError("complete interrupted send", err)
		}
	}

	if len(stuck) > 0 {
		e.logger.WithField("count", len(stuck)).Warn("Marked interrupted automation sends as failed")
	}
	return len(stuck), nil
}

// CreateRule validates rule, checks its template is APPROVED and stores it.
func (e *Engine) CreateRule(ctx context.Context, rule *models.AutomationRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if _, err := templates.RequireApproved(ctx, e.registry, rule.TemplateID); err != nil {
		return err
	}

	now := e.opts.Now()
	rule.ID = uuid.NewString()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if err := e.store.SaveRule(ctx, rule); err != nil {
		return errors.NewDatabaseError("save rule", err)
	}

	e.logger.WithFields(logrus.Fields{
		"rule_id":      rule.ID,
		"trigger_type": rule.TriggerType,
		"active":       rule.IsActive,
	}).Info("Automation rule created")
	return nil
}

// SetRuleActive activates or deactivates a rule. Activation re-checks the
// template, since rules are deactivated when their template is revoked.
func (e *Engine) SetRuleActive(ctx context.Context, id string, active bool) (*models.AutomationRule, error) {
	rule, err := e.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if active {
		if _, err := templates.RequireApproved(ctx, e.registry, rule.TemplateID); err != nil {
			return nil, err
		}
	}

	if _, err := e.store.SetRuleActive(ctx, id, active, e.opts.Now()); err != nil {
		return nil, errors.NewDatabaseError("set rule active", err)
	}
	return e.GetRule(ctx, id)
}

func (e *Engine) GetRule(ctx context.Context, id string) (*models.AutomationRule, error) {
	rule, err := e.store.GetRule(ctx, id)
	if err != nil {
		return nil, errors.NewDatabaseError("get rule", err)
	}
	if rule == nil {
		return nil, errors.NewNotFoundError("rule", id)
	}
	return rule, nil
}

func (e *Engine) ListRules(ctx context.Context) ([]models.AutomationRule, error) {
	rules, err := e.store.ListRules(ctx)
	if err != nil {
		return nil, errors.NewDatabaseError("list rules", err)
	}
	return rules, nil
}

// ListExecutions returns a rule's newest executions first. limit is clamped
// to a sane range.
func (e *Engine) ListExecutions(ctx context.Context, ruleID string, limit int) ([]models.ExecutionLog, error) {
	if _, err := e.GetRule(ctx, ruleID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = constants.DefaultExecutionListLimit
	}
	if limit > constants.MaxExecutionListLimit {
		limit = constants.MaxExecutionListLimit
	}

	logs, err := e.store.ListExecutions(ctx, ruleID, limit)
	if err != nil {
		return nil, errors.NewDatabaseError("list executions", err)
	}
	return logs, nil
}
