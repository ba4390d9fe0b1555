package campaign

import (
	"context"
	stderrors "errors"
	"time"

	"whatsauto/internal/database"
	"whatsauto/internal/delivery"
	"whatsauto/internal/errors"
	"whatsauto/internal/metrics"
	"whatsauto/internal/models"
	"whatsauto/internal/privacy"
	"whatsauto/internal/schedule"
	"whatsauto/internal/templates"
	"whatsauto/internal/tracing"
	"whatsauto/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// maxIdleWait bounds one sleep outside working hours so that pause and
// shutdown are noticed promptly.
const maxIdleWait = time.Minute

type pump struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *pump) stop() { p.cancel() }

// launch starts a pump for id. A previous pump for the same campaign is
// stopped and the new one sends nothing until it has exited, so at most one
// send per campaign is ever in flight.
func (d *Dispatcher) launch(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return
	}

	prev := d.pumps[id]
	if prev != nil {
		prev.stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &pump{cancel: cancel, done: make(chan struct{})}
	d.pumps[id] = p

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(p.done)
		defer cancel()

		if prev != nil {
			<-prev.done
		}
		d.run(ctx, id)

		d.mu.Lock()
		if d.pumps[id] == p {
			delete(d.pumps, id)
		}
		d.mu.Unlock()
	}()
}

func (d *Dispatcher) stopPump(id string) {
	d.mu.Lock()
	p := d.pumps[id]
	d.mu.Unlock()
	if p != nil {
		p.stop()
	}
}

// run sends to the campaign's PENDING recipients in order, one at a time,
// no faster than the campaign's pacing gap. It exits when ctx is cancelled,
// the campaign leaves RUNNING, or no recipient is left.
func (d *Dispatcher) run(ctx context.Context, id string) {
	metrics.RunningPumps.Inc()
	defer metrics.RunningPumps.Dec()

	log := d.logger.WithField("campaign_id", id)
	log.Debug("Campaign pump started")
	defer log.Debug("Campaign pump stopped")

	var limiter *rate.Limiter
	for ctx.Err() == nil {
		c, err := d.store.GetCampaign(ctx, id)
		if err != nil {
			d.errLogger.LogWarn(err, "Failed to load campaign", logrus.Fields{"campaign_id": id})
			if !d.sleep(ctx, d.opts.RetryWait) {
				return
			}
			continue
		}
		if c == nil || c.Status != models.CampaignRunning {
			return
		}
		if limiter == nil {
			limiter = rate.NewLimiter(rate.Every(d.opts.Gaps[c.SendingSpeed]), 1)
		}

		if c.RespectWorkingHours {
			now := d.opts.Now().In(d.opts.Location)
			window := schedule.Window{Start: c.WorkingHoursStart, End: c.WorkingHoursEnd}
			if !window.Contains(now) {
				wait := window.NextOpen(now).Sub(now)
				if wait > maxIdleWait {
					wait = maxIdleWait
				}
				log.WithField("wait", wait).Debug("Outside working hours")
				if !d.sleep(ctx, wait) {
					return
				}
				continue
			}
		}

		r, err := d.store.NextPendingRecipient(ctx, id)
		if err != nil {
			d.errLogger.LogWarn(err, "Failed to load next recipient", logrus.Fields{"campaign_id": id})
			if !d.sleep(ctx, d.opts.RetryWait) {
				return
			}
			continue
		}
		if r == nil {
			d.complete(ctx, id)
			return
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}

		// The template is checked before every send; it can be revoked
		// while the campaign runs.
		tpl, err := d.registry.GetTemplate(ctx, c.TemplateID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.errLogger.LogWarn(err, "Template lookup failed, retrying", logrus.Fields{"campaign_id": id})
			if !d.sleep(ctx, d.opts.RetryWait) {
				return
			}
			continue
		}
		if tpl == nil || !tpl.IsApproved() {
			d.fail(context.WithoutCancel(ctx), id, models.ReasonTemplateRevoked)
			return
		}

		if !d.sendOne(ctx, c, tpl, r) {
			return
		}
	}
}

// sendOne sends to one recipient and records the result. It reports whether
// the pump should continue.
func (d *Dispatcher) sendOne(ctx context.Context, c *models.Campaign, tpl *models.Template, r *models.CampaignRecipient) bool {
	contact := models.Contact{ID: r.ContactID, Phone: r.Phone, Name: r.Name, Attributes: r.Attributes}
	params := templates.Params(tpl, templates.ContactValues(c.TemplateParams, contact))

	fields := logrus.Fields{
		"campaign_id": c.ID,
		"seq":         r.Seq,
		"phone":       d.maskPhone(r.Phone),
	}

	spanCtx, span := tracing.StartSpan(d.sendCtx, "campaign.send",
		attribute.String("campaign.id", c.ID),
		attribute.Int("recipient.seq", r.Seq))
	defer span.End()

	sendCtx, cancel := context.WithTimeout(spanCtx, d.opts.SendTimeout)
	start := time.Now()
	result, err := d.sink.Send(sendCtx, r.Phone, tpl, params)
	cancel()
	metrics.ObserveSend("campaign", time.Since(start))

	// Results are recorded even when the pump is paused mid-send.
	recordCtx := context.WithoutCancel(ctx)
	at := d.opts.Now()

	if err != nil && stderrors.Is(err, circuitbreaker.ErrOpen) {
		wait := d.opts.RetryWait
		var open *circuitbreaker.OpenError
		if stderrors.As(err, &open) && open.RetryAfter > 0 {
			wait = open.RetryAfter
		}
		d.logger.WithFields(fields).WithField("retry_after", wait).Warn("Provider circuit open, deferring recipient")
		return d.sleep(ctx, wait)
	}

	if err != nil {
		tracing.RecordError(spanCtx, err)
	} else {
		tracing.AddSpanAttributes(spanCtx, attribute.Bool("send.accepted", result.Accepted))
	}

	var settled bool
	var markErr error
	switch {
	case err == nil && result.Accepted:
		settled, markErr = d.store.MarkRecipientSent(recordCtx, r, result.ProviderMessageID, at)
		metrics.CampaignSends.WithLabelValues("sent").Inc()
		d.logger.WithFields(fields).Debug("Campaign message sent")
	case err == nil:
		settled, markErr = d.store.MarkRecipientFailed(recordCtx, r, models.ReasonRejected, at)
		metrics.CampaignSends.WithLabelValues("failed").Inc()
	default:
		outcome := "failed"
		if timedOut(err) {
			outcome = "timeout"
		}
		metrics.CampaignSends.WithLabelValues(outcome).Inc()
		d.errLogger.LogSendFailure(err, "Campaign send failed", fields)
		settled, markErr = d.store.MarkRecipientFailed(recordCtx, r, failureReason(err), at)
	}

	if markErr != nil {
		d.errLogger.LogError(errors.NewDatabaseError("record campaign send", markErr),
			"Failed to record send result, stopping pump", fields)
		return false
	}
	if !settled {
		d.logger.WithFields(fields).Warn("Recipient was no longer pending")
	}

	if err != nil && errors.IsSystemic(err) {
		d.fail(recordCtx, c.ID, failureReason(err))
		return false
	}

	d.publish(recordCtx, c.ID)
	return true
}

func (d *Dispatcher) complete(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	moved, err := d.store.TransitionCampaign(ctx, id, database.Transition{
		From: models.CampaignRunning, To: models.CampaignCompleted, At: d.opts.Now(),
	})
	if err != nil {
		d.errLogger.LogError(errors.NewDatabaseError("complete campaign", err), "Failed to complete campaign",
			logrus.Fields{"campaign_id": id})
		return
	}
	if moved {
		d.logger.WithField("campaign_id", id).Info("Campaign completed")
		d.publish(ctx, id)
	}
}

// fail moves a RUNNING or PAUSED campaign to FAILED with reason.
func (d *Dispatcher) fail(ctx context.Context, id, reason string) {
	at := d.opts.Now()
	for _, from := range []models.CampaignStatus{models.CampaignRunning, models.CampaignPaused} {
		moved, err := d.store.TransitionCampaign(ctx, id, database.Transition{
			From: from, To: models.CampaignFailed, At: at, Reason: reason,
		})
		if err != nil {
			d.errLogger.LogError(errors.NewDatabaseError("fail campaign", err), "Failed to mark campaign failed",
				logrus.Fields{"campaign_id": id})
			return
		}
		if moved {
			d.logger.WithFields(logrus.Fields{"campaign_id": id, "reason": reason}).Error("Campaign failed")
			d.publish(ctx, id)
			return
		}
	}
}

// sleep waits for wait or until ctx is done. It reports whether ctx is still
// live.
func (d *Dispatcher) sleep(ctx context.Context, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (d *Dispatcher) maskPhone(phone string) string {
	if d.opts.Verbose {
		return phone
	}
	return privacy.MaskPhoneNumber(phone)
}

func timedOut(err error) bool {
	return stderrors.Is(err, context.DeadlineExceeded) || errors.GetCode(err) == errors.ErrCodeTimeout
}

func failureReason(err error) string {
	if timedOut(err) {
		return models.ReasonSendTimeout
	}
	return delivery.Reason(err)
}
