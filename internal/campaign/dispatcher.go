// Package campaign runs bulk template campaigns: the campaign state machine,
// one pacing pump per running campaign, and delivery webhook accounting.
package campaign

import (
	"context"
	"sync"
	"time"

	"whatsauto/internal/constants"
	"whatsauto/internal/database"
	"whatsauto/internal/delivery"
	"whatsauto/internal/errors"
	"whatsauto/internal/metrics"
	"whatsauto/internal/models"
	"whatsauto/internal/privacy"
	"whatsauto/internal/templates"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Store interface {
	CreateCampaign(ctx context.Context, c *models.Campaign) error
	StartCampaign(ctx context.Context, id string, from models.CampaignStatus, recipients []models.CampaignRecipient, at time.Time) (bool, error)
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	ListCampaigns(ctx context.Context) ([]models.Campaign, error)
	ListCampaignsByStatus(ctx context.Context, statuses ...models.CampaignStatus) ([]models.Campaign, error)
	ListDueCampaigns(ctx context.Context, now time.Time) ([]models.Campaign, error)
	TransitionCampaign(ctx context.Context, id string, t database.Transition) (bool, error)

	NextPendingRecipient(ctx context.Context, campaignID string) (*models.CampaignRecipient, error)
	ListRecipients(ctx context.Context, campaignID string) ([]models.CampaignRecipient, error)
	MarkRecipientSent(ctx context.Context, r *models.CampaignRecipient, providerMessageID string, at time.Time) (bool, error)
	MarkRecipientFailed(ctx context.Context, r *models.CampaignRecipient, reason string, at time.Time) (bool, error)
	ApplyDeliveryUpdate(ctx context.Context, update models.DeliveryUpdate) (database.DeliveryResult, error)
}

// TargetResolver expands a campaign target into contacts
type TargetResolver interface {
	ResolveTargets(ctx context.Context, targetType models.TargetType, target models.CampaignTarget) ([]models.Contact, error)
}

// Publisher receives a progress snapshot after every change
type Publisher interface {
	Publish(p models.CampaignProgress)
}

type Options struct {
	Gaps        map[models.SendingSpeed]time.Duration
	SendTimeout time.Duration
	// RetryWait is how long a pump waits after a store or registry error
	// before trying the same step again.
	RetryWait time.Duration
	Location  *time.Location
	Now       func() time.Time
	Verbose   bool
}

func (o *Options) setDefaults() {
	defaults := map[models.SendingSpeed]time.Duration{
		models.SpeedSlow:   constants.DefaultSlowPacingMs * time.Millisecond,
		models.SpeedNormal: constants.DefaultNormalPacingMs * time.Millisecond,
		models.SpeedFast:   constants.DefaultFastPacingMs * time.Millisecond,
	}
	gaps := make(map[models.SendingSpeed]time.Duration, len(defaults))
	for speed, gap := range defaults {
		if g, ok := o.Gaps[speed]; ok && g > 0 {
			gap = g
		}
		gaps[speed] = gap
	}
	o.Gaps = gaps

	if o.SendTimeout <= 0 {
		o.SendTimeout = constants.DefaultSendTimeoutSec * time.Second
	}
	if o.RetryWait <= 0 {
		o.RetryWait = 5 * time.Second
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Dispatcher struct {
	store     Store
	registry  templates.Registry
	resolver  TargetResolver
	sink      delivery.Sink
	publisher Publisher
	logger    *logrus.Logger
	errLogger *errors.Logger
	opts      Options

	// sendCtx outlives pause and graceful shutdown so that an in-flight send
	// is always recorded; abort cancels it when shutdown runs out of time.
	sendCtx context.Context
	abort   context.CancelFunc

	mu      sync.Mutex
	pumps   map[string]*pump
	closing bool
	wg      sync.WaitGroup
}

func NewDispatcher(store Store, registry templates.Registry, resolver TargetResolver, sink delivery.Sink,
	publisher Publisher, logger *logrus.Logger, opts Options) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opts.setDefaults()
	sendCtx, abort := context.WithCancel(context.Background())
	return &Dispatcher{
		store:     store,
		registry:  registry,
		resolver:  resolver,
		sink:      sink,
		publisher: publisher,
		logger:    logger,
		errLogger: errors.NewLogger(logger),
		opts:      opts,
		sendCtx:   sendCtx,
		abort:     abort,
		pumps:     make(map[string]*pump),
	}
}

// Create validates c, checks its template is APPROVED and its target
// resolves to at least one contact, then stores it as DRAFT, or SCHEDULED
// when scheduledAt is in the future.
func (d *Dispatcher) Create(ctx context.Context, c *models.Campaign) error {
	applyDefaults(c)
	if err := c.Validate(); err != nil {
		return err
	}
	if _, err := templates.RequireApproved(ctx, d.registry, c.TemplateID); err != nil {
		return err
	}
	contacts, err := d.resolve(ctx, c)
	if err != nil {
		return err
	}

	now := d.opts.Now()
	c.ID = uuid.NewString()
	c.Status = models.CampaignDraft
	if c.ScheduledAt != nil && c.ScheduledAt.After(now) {
		c.Status = models.CampaignScheduled
	}
	c.TotalContacts = len(contacts)
	c.SentCount, c.DeliveredCount, c.ReadCount, c.FailedCount = 0, 0, 0, 0
	c.FailureReason = ""
	c.CreatedAt, c.UpdatedAt = now, now
	c.StartedAt, c.CompletedAt = nil, nil

	if err := d.store.CreateCampaign(ctx, c); err != nil {
		return errors.NewDatabaseError("create campaign", err)
	}

	d.logger.WithFields(logrus.Fields{
		"campaign_id": c.ID,
		"status":      c.Status,
		"contacts":    len(contacts),
	}).Info("Campaign created")
	return nil
}

func applyDefaults(c *models.Campaign) {
	if c.SendingSpeed == "" {
		c.SendingSpeed = models.SpeedNormal
	}
	if c.RespectWorkingHours && c.WorkingHoursStart == 0 && c.WorkingHoursEnd == 0 {
		c.WorkingHoursStart = constants.DefaultWorkingHoursStart
		c.WorkingHoursEnd = constants.DefaultWorkingHoursEnd
	}
}

func (d *Dispatcher) resolve(ctx context.Context, c *models.Campaign) ([]models.Contact, error) {
	contacts, err := d.resolver.ResolveTargets(ctx, c.TargetType, c.Target)
	if err != nil {
		return nil, err
	}
	if len(contacts) == 0 {
		return nil, errors.NewConfigError("target", "campaign target resolves to no contacts")
	}
	return contacts, nil
}

// Start resolves the campaign's targets, inserts them as PENDING recipients,
// moves the campaign to RUNNING and launches its pump. It does not wait for
// any send.
func (d *Dispatcher) Start(ctx context.Context, id string) (*models.Campaign, error) {
	c, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != models.CampaignDraft && c.Status != models.CampaignScheduled {
		return nil, errors.NewTransitionError("campaign", id, string(c.Status), string(models.CampaignRunning))
	}
	if _, err := templates.RequireApproved(ctx, d.registry, c.TemplateID); err != nil {
		return nil, err
	}

	contacts, err := d.resolve(ctx, c)
	if err != nil {
		return nil, err
	}
	recipients := make([]models.CampaignRecipient, len(contacts))
	for i, contact := range contacts {
		recipients[i] = models.CampaignRecipient{
			ContactID:  contact.ID,
			Phone:      contact.Phone,
			Name:       contact.Name,
			Attributes: contact.Attributes,
		}
	}

	started, err := d.store.StartCampaign(ctx, id, c.Status, recipients, d.opts.Now())
	if err != nil {
		return nil, errors.NewDatabaseError("start campaign", err)
	}
	if !started {
		return nil, d.transitionConflict(ctx, id, models.CampaignRunning)
	}

	d.launch(id)
	d.logger.WithField("campaign_id", id).Info("Campaign started")
	return d.reload(ctx, id)
}

// Pause stops the pump before its next send. A send already in flight
// completes and is recorded.
func (d *Dispatcher) Pause(ctx context.Context, id string) (*models.Campaign, error) {
	moved, err := d.store.TransitionCampaign(ctx, id, database.Transition{
		From: models.CampaignRunning, To: models.CampaignPaused, At: d.opts.Now(),
	})
	if err != nil {
		return nil, errors.NewDatabaseError("pause campaign", err)
	}
	if !moved {
		return nil, d.transitionConflict(ctx, id, models.CampaignPaused)
	}

	d.stopPump(id)
	d.logger.WithField("campaign_id", id).Info("Campaign paused")
	return d.reload(ctx, id)
}

// Resume continues a paused campaign from its first PENDING recipient. The
// new pump starts sending only after the previous one has exited.
func (d *Dispatcher) Resume(ctx context.Context, id string) (*models.Campaign, error) {
	moved, err := d.store.TransitionCampaign(ctx, id, database.Transition{
		From: models.CampaignPaused, To: models.CampaignRunning, At: d.opts.Now(),
	})
	if err != nil {
		return nil, errors.NewDatabaseError("resume campaign", err)
	}
	if !moved {
		return nil, d.transitionConflict(ctx, id, models.CampaignRunning)
	}

	d.launch(id)
	d.logger.WithField("campaign_id", id).Info("Campaign resumed")
	return d.reload(ctx, id)
}

// transitionConflict explains a failed compare-and-set
func (d *Dispatcher) transitionConflict(ctx context.Context, id string, to models.CampaignStatus) error {
	c, err := d.Get(ctx, id)
	if err != nil {
		return err
	}
	return errors.NewTransitionError("campaign", id, string(c.Status), string(to))
}

// StartDue starts every DRAFT or SCHEDULED campaign whose scheduledAt has
// passed and returns how many started. A campaign that cannot start stays
// where it is and is retried on the next call.
func (d *Dispatcher) StartDue(ctx context.Context) (int, error) {
	due, err := d.store.ListDueCampaigns(ctx, d.opts.Now())
	if err != nil {
		return 0, errors.NewDatabaseError("list due campaigns", err)
	}

	started := 0
	for _, c := range due {
		if _, err := d.Start(ctx, c.ID); err != nil {
			d.errLogger.LogWarn(err, "Failed to start scheduled campaign", logrus.Fields{"campaign_id": c.ID})
			continue
		}
		started++
	}
	return started, nil
}

// Recover relaunches pumps for campaigns stored as RUNNING, typically after
// a restart.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	running, err := d.store.ListCampaignsByStatus(ctx, models.CampaignRunning)
	if err != nil {
		return 0, errors.NewDatabaseError("list running campaigns", err)
	}
	for _, c := range running {
		d.launch(c.ID)
	}
	if len(running) > 0 {
		d.logger.WithField("count", len(running)).Info("Relaunched running campaigns")
	}
	return len(running), nil
}

// Shutdown stops every pump and waits for them. When ctx expires first,
// in-flight sends are aborted and Shutdown returns ctx's error.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	for _, p := range d.pumps {
		p.stop()
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.abort()
		return nil
	case <-ctx.Done():
		d.abort()
		<-done
		return ctx.Err()
	}
}

// HandleDeliveryUpdate applies one provider status. Unknown message ids,
// duplicates and regressions are ignored.
func (d *Dispatcher) HandleDeliveryUpdate(ctx context.Context, update models.DeliveryUpdate) error {
	result, err := d.store.ApplyDeliveryUpdate(ctx, update)
	if err != nil {
		metrics.WebhookUpdates.WithLabelValues(string(update.Status), "error").Inc()
		return errors.NewDatabaseError("apply delivery update", err)
	}
	if result.CampaignID == "" {
		// Also hit when the webhook beats the commit of the send that
		// produced the id; such a recipient stays SENT.
		metrics.WebhookUpdates.WithLabelValues(string(update.Status), "unknown_message").Inc()
		d.logger.WithFields(logrus.Fields{
			"provider_message_id": privacy.MaskMessageID(update.ProviderMessageID),
			"status":              update.Status,
		}).Debug("Delivery update for unknown message id")
		return nil
	}
	if !result.Applied {
		metrics.WebhookUpdates.WithLabelValues(string(update.Status), "ignored").Inc()
		return nil
	}

	metrics.WebhookUpdates.WithLabelValues(string(update.Status), "applied").Inc()
	d.publish(ctx, result.CampaignID)
	return nil
}

func (d *Dispatcher) Get(ctx context.Context, id string) (*models.Campaign, error) {
	c, err := d.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, errors.NewDatabaseError("get campaign", err)
	}
	if c == nil {
		return nil, errors.NewNotFoundError("campaign", id)
	}
	return c, nil
}

func (d *Dispatcher) List(ctx context.Context) ([]models.Campaign, error) {
	campaigns, err := d.store.ListCampaigns(ctx)
	if err != nil {
		return nil, errors.NewDatabaseError("list campaigns", err)
	}
	return campaigns, nil
}

func (d *Dispatcher) ListRecipients(ctx context.Context, id string) ([]models.CampaignRecipient, error) {
	if _, err := d.Get(ctx, id); err != nil {
		return nil, err
	}
	recipients, err := d.store.ListRecipients(ctx, id)
	if err != nil {
		return nil, errors.NewDatabaseError("list recipients", err)
	}
	return recipients, nil
}

// Progress is the current snapshot of one campaign
func (d *Dispatcher) Progress(ctx context.Context, id string) (models.CampaignProgress, error) {
	c, err := d.Get(ctx, id)
	if err != nil {
		return models.CampaignProgress{}, err
	}
	return c.Progress(d.opts.Now()), nil
}

// Running reports whether a pump is registered for id
func (d *Dispatcher) Running(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pumps[id]
	return ok
}

// reload reads the campaign after a state change and pushes its progress.
func (d *Dispatcher) reload(ctx context.Context, id string) (*models.Campaign, error) {
	c, err := d.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, errors.NewDatabaseError("reload campaign", err)
	}
	if c == nil {
		return nil, errors.NewNotFoundError("campaign", id)
	}
	if d.publisher != nil {
		d.publisher.Publish(c.Progress(d.opts.Now()))
	}
	return c, nil
}

// publish is reload for callers whose own operation already succeeded;
// errors are only logged.
func (d *Dispatcher) publish(ctx context.Context, id string) {
	if _, err := d.reload(ctx, id); err != nil {
		d.errLogger.LogWarn(err, "Failed to reload campaign for progress", logrus.Fields{"campaign_id": id})
	}
}
