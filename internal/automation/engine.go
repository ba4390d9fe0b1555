// Package automation runs automation rules against domain events: evaluate,
// cap, gate, send or defer, and log exactly one outcome per firing.
package automation

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"whatsauto/internal/constants"
	"whatsauto/internal/delivery"
	"whatsauto/internal/errors"
	"whatsauto/internal/metrics"
	"whatsauto/internal/models"
	"whatsauto/internal/privacy"
	"whatsauto/internal/schedule"
	"whatsauto/internal/templates"
	"whatsauto/internal/tracing"
	"whatsauto/internal/trigger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// ErrQueueFull is returned by Submit when every worker is busy and the queue
// is at capacity.
var ErrQueueFull = errors.New(errors.ErrCodeQueueFull, "automation queue is full").
	WithUserMessage("Event queue is full, retry later")

// Store is the persistence the engine needs
type Store interface {
	SaveRule(ctx context.Context, rule *models.AutomationRule) error
	GetRule(ctx context.Context, id string) (*models.AutomationRule, error)
	ListRules(ctx context.Context) ([]models.AutomationRule, error)
	ListActiveRules(ctx context.Context, triggerType models.TriggerType) ([]models.AutomationRule, error)
	SetRuleActive(ctx context.Context, id string, active bool, at time.Time) (bool, error)

	AppendExecution(ctx context.Context, log *models.ExecutionLog) error
	ListExecutions(ctx context.Context, ruleID string, limit int) ([]models.ExecutionLog, error)
	SendHistory(ctx context.Context, ruleID, conversationID string) ([]time.Time, error)

	InsertScheduledSend(ctx context.Context, send *models.ScheduledSend) error
	ClaimDueScheduledSends(ctx context.Context, now time.Time, limit int) ([]models.ScheduledSend, error)
	CompleteScheduledSend(ctx context.Context, id string, log *models.ExecutionLog) error
	ListScheduledSends(ctx context.Context, status models.ScheduledSendStatus) ([]models.ScheduledSend, error)
}

type Options struct {
	Workers         int
	QueueSize       int
	MessagingWindow time.Duration
	SendTimeout     time.Duration
	DueBatchSize    int
	Location        *time.Location
	Now             func() time.Time
	// Verbose logs full phone numbers
	Verbose bool
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = constants.DefaultAutomationWorkers
	}
	if o.QueueSize <= 0 {
		o.QueueSize = constants.DefaultAutomationQueueSize
	}
	if o.MessagingWindow <= 0 {
		o.MessagingWindow = constants.DefaultMessagingWindowHours * time.Hour
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = constants.DefaultSendTimeoutSec * time.Second
	}
	if o.DueBatchSize <= 0 {
		o.DueBatchSize = constants.DefaultDueSendBatchSize
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Engine struct {
	store     Store
	registry  templates.Registry
	sink      delivery.Sink
	logger    *logrus.Logger
	errLogger *errors.Logger
	opts      Options
	locks     *keyedMutex
	queue     chan models.DomainEvent
	wg        sync.WaitGroup
}

func NewEngine(store Store, registry templates.Registry, sink delivery.Sink, logger *logrus.Logger, opts Options) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opts.setDefaults()
	return &Engine{
		store:     store,
		registry:  registry,
		sink:      sink,
		logger:    logger,
		errLogger: errors.NewLogger(logger),
		opts:      opts,
		locks:     newKeyedMutex(),
		queue:     make(chan models.DomainEvent, opts.QueueSize),
	}
}

// Submit validates event and queues it for the workers without blocking.
func (e *Engine) Submit(event models.DomainEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	select {
	case e.queue <- event:
		metrics.AutomationQueueDepth.Set(float64(len(e.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is done and they have exited.
// Events still queued at that point are dropped.
func (e *Engine) Run(ctx context.Context) {
	e.logger.WithField("workers", e.opts.Workers).Info("Starting automation workers")

	for i := 0; i < e.opts.Workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event := <-e.queue:
					metrics.AutomationQueueDepth.Set(float64(len(e.queue)))
					if _, err := e.HandleEvent(ctx, event); err != nil {
						e.errLogger.LogError(err, "Failed to handle domain event", logrus.Fields{
							"event_type":      event.Type,
							"conversation_id": event.ConversationID,
						})
					}
				}
			}
		}()
	}

	e.wg.Wait()
	e.logger.Info("Automation workers stopped")
}

// HandleEvent runs event against every active rule listening to its type and
// returns the outcomes decided now. Firings deferred to a later instant have
// no outcome yet and are not returned.
func (e *Engine) HandleEvent(ctx context.Context, event models.DomainEvent) ([]models.ExecutionLog, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	triggerType, _ := event.Type.TriggerType()

	ctx, span := tracing.StartSpan(ctx, "automation.handle_event",
		attribute.String("event.type", string(event.Type)),
		attribute.String("conversation.id", event.ConversationID))
	defer span.End()

	rules, err := e.store.ListActiveRules(ctx, triggerType)
	if err != nil {
		return nil, errors.NewDatabaseError("list active rules", err)
	}

	var (
		logs     []models.ExecutionLog
		firstErr error
	)
	for _, rule := range rules {
		log, err := e.processRule(ctx, event, rule)
		if err != nil {
			e.errLogger.LogError(err, "Failed to process rule", logrus.Fields{
				"rule_id":         rule.ID,
				"conversation_id": event.ConversationID,
			})
			if firstErr == nil {
				firstErr = err
				tracing.RecordError(ctx, err)
			}
			continue
		}
		if log != nil {
			logs = append(logs, *log)
		}
	}
	return logs, firstErr
}

func (e *Engine) processRule(ctx context.Context, event models.DomainEvent, rule models.AutomationRule) (*models.ExecutionLog, error) {
	decision := trigger.Evaluate(event, rule)
	if !decision.Fire {
		e.logger.WithFields(logrus.Fields{
			"rule_id":         rule.ID,
			"conversation_id": event.ConversationID,
			"reason":          decision.Reason,
		}).Debug("Rule did not fire")
		return nil, nil
	}

	unlock := e.locks.Lock(lockKey(rule.ID, event.ConversationID))
	defer unlock()

	// A systemic failure on another conversation may have deactivated the rule
	// since it was listed.
	current, err := e.store.GetRule(ctx, rule.ID)
	if err != nil {
		return nil, errors.NewDatabaseError("get rule", err)
	}
	if current == nil || !current.IsActive {
		return nil, nil
	}
	rule = *current

	history, err := e.store.SendHistory(ctx, rule.ID, event.ConversationID)
	if err != nil {
		return nil, errors.NewDatabaseError("load send history", err)
	}

	// Caps are measured at the instant this firing would send. For TIME_DELAY
	// rules FiredAt is the reference time and can be days old.
	now := e.opts.Now()
	due, gateErr := sendInstant(rule, decision.FiredAt, now, e.opts.Location)
	sendAt := now
	if gateErr == nil {
		sendAt = due
	}

	windowStart := sendAt.Add(-e.opts.MessagingWindow)
	if event.Payload.WindowStartedAt != nil {
		windowStart = *event.Payload.WindowStartedAt
	}

	newLog := func(outcome models.ExecutionOutcome, reason string) *models.ExecutionLog {
		return &models.ExecutionLog{
			RuleID:         rule.ID,
			ConversationID: event.ConversationID,
			FiredAt:        decision.FiredAt,
			Outcome:        outcome,
			Reason:         reason,
			CreatedAt:      e.opts.Now(),
		}
	}

	if capReached(rule.SendingFrequency, history, sendAt, windowStart, e.opts.Location) {
		return e.record(ctx, rule, newLog(models.OutcomeSkipped, models.ReasonFrequencyCap))
	}
	if rule.MaxSendCount != nil && len(history) >= *rule.MaxSendCount {
		return e.record(ctx, rule, newLog(models.OutcomeSkipped, models.ReasonMaxSendCount))
	}

	tpl, err := e.registry.GetTemplate(ctx, rule.TemplateID)
	if err != nil {
		e.errLogger.LogWarn(err, "Template lookup failed", logrus.Fields{"rule_id": rule.ID, "template_id": rule.TemplateID})
		return e.record(ctx, rule, newLog(models.OutcomeFailed, fmt.Sprintf("template lookup failed: %s", delivery.Reason(err))))
	}
	if !tpl.IsApproved() {
		return e.record(ctx, rule, newLog(models.OutcomeSkipped, models.ReasonTemplateNotApproved))
	}

	if gateErr != nil {
		return e.record(ctx, rule, newLog(models.OutcomeSkipped, models.ReasonNoEligibleWindow))
	}

	if due.After(now) {
		send := &models.ScheduledSend{
			RuleID:         rule.ID,
			ConversationID: event.ConversationID,
			Phone:          event.Payload.Phone,
			TemplateID:     rule.TemplateID,
			Params:         event.Payload.Variables,
			FiredAt:        decision.FiredAt,
			DueAt:          due,
			Status:         models.ScheduledSendPending,
			CreatedAt:      now,
		}
		if err := e.store.InsertScheduledSend(ctx, send); err != nil {
			return nil, errors.NewDatabaseError("insert scheduled send", err)
		}
		metrics.AutomationScheduled.Inc()
		e.logger.WithFields(logrus.Fields{
			"rule_id":         rule.ID,
			"conversation_id": event.ConversationID,
			"due_at":          due,
		}).Info("Automation send scheduled")
		return nil, nil
	}

	log := newLog("", "")
	e.send(ctx, &rule, event.Payload.Phone, tpl, templates.Params(tpl, event.Payload.Variables), log)
	return e.record(ctx, rule, log)
}

// send hands one message to the sink and fills in log's outcome. Systemic
// failures deactivate the rule.
func (e *Engine) send(ctx context.Context, rule *models.AutomationRule, phone string, tpl *models.Template, params []string, log *models.ExecutionLog) {
	sendCtx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
	defer cancel()

	start := time.Now()
	result, err := e.sink.Send(sendCtx, phone, tpl, params)
	metrics.ObserveSend("automation", time.Since(start))
	log.CreatedAt = e.opts.Now()

	fields := logrus.Fields{
		"rule_id":         rule.ID,
		"conversation_id": log.ConversationID,
		"phone":           e.maskPhone(phone),
	}

	switch {
	case err == nil && result.Accepted:
		log.Outcome = models.OutcomeSent
		log.ProviderMessageID = result.ProviderMessageID
		e.logger.WithFields(fields).WithField("provider_message_id", result.ProviderMessageID).Info("Automation message sent")
	case err == nil:
		log.Outcome = models.OutcomeFailed
		log.Reason = models.ReasonRejected
		e.logger.WithFields(fields).Warn("Automation message not accepted")
	default:
		log.Outcome = models.OutcomeFailed
		log.Reason = failureReason(err)
		e.errLogger.LogSendFailure(err, "Automation send failed", fields)
		if errors.IsSystemic(err) {
			e.deactivate(ctx, rule.ID, err)
		}
	}
}

func (e *Engine) deactivate(ctx context.Context, ruleID string, cause error) {
	changed, err := e.store.SetRuleActive(ctx, ruleID, false, e.opts.Now())
	if err != nil {
		e.errLogger.LogError(err, "Failed to deactivate rule after systemic failure", logrus.Fields{"rule_id": ruleID})
		return
	}
	if changed {
		e.errLogger.LogError(cause, "Rule deactivated after systemic send failure", logrus.Fields{"rule_id": ruleID})
	}
}

func (e *Engine) record(ctx context.Context, rule models.AutomationRule, log *models.ExecutionLog) (*models.ExecutionLog, error) {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if err := e.store.AppendExecution(ctx, log); err != nil {
		return nil, errors.NewDatabaseError("append execution", err)
	}
	metrics.AutomationExecutions.WithLabelValues(string(rule.TriggerType), string(log.Outcome)).Inc()

	if log.Outcome == models.OutcomeSkipped {
		e.logger.WithFields(logrus.Fields{
			"rule_id":         rule.ID,
			"conversation_id": log.ConversationID,
			"reason":          log.Reason,
		}).Info("Automation skipped")
	}
	return log, nil
}

func (e *Engine) maskPhone(phone string) string {
	if e.opts.Verbose {
		return phone
	}
	return privacy.MaskPhoneNumber(phone)
}

// sendInstant is the gate's instant for firedAt. When that instant has
// already passed, the send happens now and must fall in an eligible window
// as of now.
func sendInstant(rule models.AutomationRule, firedAt, now time.Time, loc *time.Location) (time.Time, error) {
	due, err := schedule.NextEligibleInstant(rule, firedAt, loc)
	if err != nil || !due.Before(now) {
		return due, err
	}
	rule.SendAfterMinutes = 0
	return schedule.NextEligibleInstant(rule, now, loc)
}

func failureReason(err error) string {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return models.ReasonSendTimeout
	}
	return delivery.Reason(err)
}
