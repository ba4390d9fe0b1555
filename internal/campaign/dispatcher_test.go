package campaign

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"whatsauto/internal/database"
	"whatsauto/internal/delivery"
	"whatsauto/internal/errors"
	"whatsauto/internal/metrics"
	"whatsauto/internal/models"
	"whatsauto/pkg/circuitbreaker"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2026-03-04 is a Wednesday.
var t0 = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

const testGap = 50 * time.Millisecond

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeRegistry struct {
	mu        sync.Mutex
	templates map[string]*models.Template
}

func (r *fakeRegistry) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tpl, ok := r.templates[id]
	if !ok {
		return nil, nil
	}
	copied := *tpl
	return &copied, nil
}

func (r *fakeRegistry) ListApproved(ctx context.Context, category string) ([]models.Template, error) {
	return nil, nil
}

func (r *fakeRegistry) setStatus(id string, status models.TemplateStatus) {
	r.mu.Lock()
	r.templates[id].Status = status
	r.mu.Unlock()
}

type fakeResolver struct {
	mu       sync.Mutex
	contacts []models.Contact
	err      error
}

func (r *fakeResolver) ResolveTargets(ctx context.Context, targetType models.TargetType, target models.CampaignTarget) ([]models.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return append([]models.Contact(nil), r.contacts...), nil
}

type sinkCall struct {
	To     string
	Params []string
	At     time.Time
}

type fakeSink struct {
	mu    sync.Mutex
	calls []sinkCall
	send  func(ctx context.Context, n int) (delivery.SendResult, error)
}

func (s *fakeSink) Send(ctx context.Context, to string, tpl *models.Template, params []string) (delivery.SendResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, sinkCall{To: to, Params: params, At: time.Now()})
	n := len(s.calls)
	send := s.send
	s.mu.Unlock()

	if send != nil {
		return send(ctx, n)
	}
	return delivery.SendResult{Accepted: true, ProviderMessageID: fmt.Sprintf("wamid.%d", n)}, nil
}

func (s *fakeSink) snapshot() []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkCall(nil), s.calls...)
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fakePublisher struct {
	mu      sync.Mutex
	updates []models.CampaignProgress
}

func (p *fakePublisher) Publish(update models.CampaignProgress) {
	p.mu.Lock()
	p.updates = append(p.updates, update)
	p.mu.Unlock()
}

func (p *fakePublisher) last() models.CampaignProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.updates) == 0 {
		return models.CampaignProgress{}
	}
	return p.updates[len(p.updates)-1]
}

type fixture struct {
	dispatcher *Dispatcher
	db         *database.Database
	registry   *fakeRegistry
	resolver   *fakeResolver
	sink       *fakeSink
	publisher  *fakePublisher
	clock      *clock
	logger     *logrus.Logger
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	db, err := database.New(context.Background(), models.DatabaseConfig{
		Driver: "sqlite3",
		Path:   filepath.Join(t.TempDir(), "campaign.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	f := &fixture{
		db: db,
		registry: &fakeRegistry{templates: map[string]*models.Template{
			"tpl-1":     {ID: "tpl-1", Name: "promo", Language: "en", Status: models.TemplateStatusApproved, Body: "Hi {name}, use {code}"},
			"tpl-draft": {ID: "tpl-draft", Name: "draft", Language: "en", Status: models.TemplateStatusPending},
		}},
		resolver: &fakeResolver{contacts: []models.Contact{
			{ID: "c1", Phone: "+15550000001", Name: "Ann"},
			{ID: "c2", Phone: "+15550000002", Name: "Bob"},
			{ID: "c3", Phone: "+15550000003", Name: "Cy"},
		}},
		sink:      &fakeSink{},
		publisher: &fakePublisher{},
		clock:     &clock{now: t0},
		logger:    logger,
	}
	f.dispatcher = f.newDispatcher(opts)
	return f
}

func (f *fixture) newDispatcher(opts Options) *Dispatcher {
	return f.newDispatcherWith(f.db, opts)
}

func (f *fixture) newDispatcherWith(store Store, opts Options) *Dispatcher {
	if opts.Gaps == nil {
		opts.Gaps = map[models.SendingSpeed]time.Duration{
			models.SpeedSlow:   testGap,
			models.SpeedNormal: testGap,
			models.SpeedFast:   testGap,
		}
	}
	if opts.RetryWait == 0 {
		opts.RetryWait = 10 * time.Millisecond
	}
	opts.Now = f.clock.Now
	return NewDispatcher(store, f.registry, f.resolver, f.sink, f.publisher, f.logger, opts)
}

func shutdown(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
}

func newCampaign() *models.Campaign {
	return &models.Campaign{
		Name:           "Spring promo",
		TemplateID:     "tpl-1",
		TargetType:     models.TargetContactGroup,
		Target:         models.CampaignTarget{GroupID: "vip"},
		TemplateParams: map[string]string{"code": "SPRING"},
	}
}

func (f *fixture) create(t *testing.T, c *models.Campaign) *models.Campaign {
	t.Helper()
	require.NoError(t, f.dispatcher.Create(context.Background(), c))
	return c
}

func (f *fixture) waitStatus(t *testing.T, id string, status models.CampaignStatus) *models.Campaign {
	t.Helper()
	var got *models.Campaign
	require.Eventually(t, func() bool {
		c, err := f.dispatcher.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = c
		return c.Status == status && !f.dispatcher.Running(id)
	}, 5*time.Second, 5*time.Millisecond, "campaign never reached %s", status)
	return got
}

func (f *fixture) recipients(t *testing.T, id string) []models.CampaignRecipient {
	t.Helper()
	recipients, err := f.dispatcher.ListRecipients(context.Background(), id)
	require.NoError(t, err)
	return recipients
}

func TestCreate_Defaults(t *testing.T) {
	f := newFixture(t, Options{})

	c := newCampaign()
	c.RespectWorkingHours = true
	f.create(t, c)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, models.CampaignDraft, c.Status)
	assert.Equal(t, models.SpeedNormal, c.SendingSpeed)
	assert.Equal(t, 9, c.WorkingHoursStart)
	assert.Equal(t, 18, c.WorkingHoursEnd)
	assert.Equal(t, 3, c.TotalContacts)

	stored, err := f.dispatcher.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignDraft, stored.Status)
	assert.Empty(t, f.recipients(t, c.ID), "recipients are resolved at start")
}

func TestCreate_FutureScheduleIsScheduled(t *testing.T) {
	f := newFixture(t, Options{})

	c := newCampaign()
	at := t0.Add(time.Hour)
	c.ScheduledAt = &at
	f.create(t, c)

	assert.Equal(t, models.CampaignScheduled, c.Status)
}

func TestCreate_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *models.Campaign, f *fixture)
		wantCode errors.ErrorCode
	}{
		{"missing name", func(c *models.Campaign, f *fixture) { c.Name = "" }, errors.ErrCodeValidationFailed},
		{"bad speed", func(c *models.Campaign, f *fixture) { c.SendingSpeed = "TURBO" }, errors.ErrCodeValidationFailed},
		{"template not approved", func(c *models.Campaign, f *fixture) { c.TemplateID = "tpl-draft" }, errors.ErrCodeInvalidConfig},
		{"template missing", func(c *models.Campaign, f *fixture) { c.TemplateID = "tpl-gone" }, errors.ErrCodeNotFound},
		{"target resolves to nobody", func(c *models.Campaign, f *fixture) { f.resolver.contacts = nil }, errors.ErrCodeInvalidConfig},
		{"resolver down", func(c *models.Campaign, f *fixture) {
			f.resolver.err = errors.NewUpstreamError(errors.ErrCodeContactResolver, "/contacts/resolve", 502, nil)
		}, errors.ErrCodeContactResolver},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			c := newCampaign()
			tt.mutate(c, f)

			err := f.dispatcher.Create(context.Background(), c)

			require.Error(t, err)
			assert.Equal(t, tt.wantCode, errors.GetCode(err))
			campaigns, err := f.dispatcher.List(context.Background())
			require.NoError(t, err)
			assert.Empty(t, campaigns)
		})
	}
}

func TestStart_SendsInOrderWithPacing(t *testing.T) {
	f := newFixture(t, Options{})
	defer shutdown(t, f.dispatcher)
	c := f.create(t, newCampaign())

	started, err := f.dispatcher.Start(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignRunning, started.Status)

	done := f.waitStatus(t, c.ID, models.CampaignCompleted)
	assert.Equal(t, 3, done.TotalContacts)
	assert.Equal(t, 3, done.SentCount)
	assert.Zero(t, done.FailedCount)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)

	calls := f.sink.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, "+15550000001", calls[0].To)
	assert.Equal(t, "+15550000002", calls[1].To)
	assert.Equal(t, "+15550000003", calls[2].To)
	assert.Equal(t, []string{"Ann", "SPRING"}, calls[0].Params)
	for i := 1; i < len(calls); i++ {
		gap := calls[i].At.Sub(calls[i-1].At)
		assert.GreaterOrEqual(t, gap, testGap-10*time.Millisecond, "send %d came too soon", i+1)
	}

	for i, r := range f.recipients(t, c.ID) {
		assert.Equal(t, i+1, r.Seq)
		assert.Equal(t, models.RecipientSent, r.Status)
		assert.Equal(t, fmt.Sprintf("wamid.%d", i+1), r.ProviderMessageID)
	}

	assert.Equal(t, models.CampaignCompleted, f.publisher.last().Status)
}

func TestPump_ContactAttributesReachTemplateParams(t *testing.T) {
	f := newFixture(t, Options{})
	defer shutdown(t, f.dispatcher)
	f.registry.templates["tpl-policy"] = &models.Template{
		ID: "tpl-policy", Name: "renewal", Language: "en", Status: models.TemplateStatusApproved,
		Body: "Hi {name}, policy {policy} renews on {renewal_date}",
	}
	f.resolver.contacts = []models.Contact{
		{ID: "c1", Phone: "+15550000001", Name: "Ann", Attributes: map[string]string{"policy": "P-100", "renewal_date": "1 May"}},
		{ID: "c2", Phone: "+15550000002", Name: "Bob", Attributes: map[string]string{"policy": "P-200"}},
	}

	c := newCampaign()
	c.TemplateID = "tpl-policy"
	c.TemplateParams = nil
	f.create(t, c)

	_, err := f.dispatcher.Start(context.Background(), c.ID)
	require.NoError(t, err)
	f.waitStatus(t, c.ID, models.CampaignCompleted)

	calls := f.sink.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"Ann", "P-100", "1 May"}, calls[0].Params)
	assert.Equal(t, []string{"Bob", "P-200", ""}, calls[1].Params)

	recipients := f.recipients(t, c.ID)
	require.Len(t, recipients, 2)
	assert.Equal(t, map[string]string{"policy": "P-100", "renewal_date": "1 May"}, recipients[0].Attributes)
}

// flakyStore fails campaign reads while failGets is set.
type flakyStore struct {
	*database.Database
	failGets atomic.Bool
}

func (s *flakyStore) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	if s.failGets.Load() {
		return nil, stderrors.New("database is locked")
	}
	return s.Database.GetCampaign(ctx, id)
}

func TestResume_ReloadFailureIsReturned(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	c := f.create(t, newCampaign())

	started, err := f.db.StartCampaign(ctx, c.ID, models.CampaignDraft,
		[]models.CampaignRecipient{{ContactID: "c1", Phone: "+15550000001", Name: "Ann"}}, t0)
	require.NoError(t, err)
	require.True(t, started)
	moved, err := f.db.TransitionCampaign(ctx, c.ID, database.Transition{
		From: models.CampaignRunning, To: models.CampaignPaused, At: t0,
	})
	require.NoError(t, err)
	require.True(t, moved)

	store := &flakyStore{Database: f.db}
	d := f.newDispatcherWith(store, Options{})
	defer shutdown(t, d)

	store.failGets.Store(true)
	got, err := d.Resume(ctx, c.ID)
	require.Error(t, err)
	assert.Nil(t, got)
	assert.Equal(t, errors.ErrCodeDatabaseQuery, errors.GetCode(err))

	// the transition itself committed and the pump carries on
	store.failGets.Store(false)
	require.Eventually(t, func() bool {
		stored, err := f.db.GetCampaign(ctx, c.ID)
		return err == nil && stored.Status == models.CampaignCompleted
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.sink.count())
}

func TestStart_InvalidState(t *testing.T) {
	f := newFixture(t, Options{})
	defer shutdown(t, f.dispatcher)
	c := f.create(t, newCampaign())

	_, err := f.dispatcher.Start(context.Background(), c.ID)
	require.NoError(t, err)
	f.waitStatus(t, c.ID, models.CampaignCompleted)

	_, err = f.dispatcher.Start(context.Background(), c.ID)
	assert.Equal(t, errors.ErrCodeInvalidTransition, errors.GetCode(err))

	_, err = f.dispatcher.Pause(context.Background(), c.ID)
	assert.Equal(t, errors.ErrCodeInvalidTransition, errors.GetCode(err))

	_, err = f.dispatcher.Resume(context.Background(), c.ID)
	assert.Equal(t, errors.ErrCodeInvalidTransition, errors.GetCode(err))

	_, err = f.dispatcher.Start(context.Background(), "missing")
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetCode(err))

	_, err = f.dispatcher.Pause(context.Background(), "missing")
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetCode(err))

	_, err = f.dispatcher.ListRecipients(context.Background(), "missing")
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetCode(err))
}

func TestStart_TemplateRevokedBeforeStart(t *testing.T) {
	f := newFixture(t, Options{})
	c := f.create(t, newCampaign())
	f.registry.setStatus("tpl-1", models.TemplateStatusRejected)

	_, err := f.dispatcher.Start(context.Background(), c.ID)

	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.GetCode(err))
	stored, err := f.dispatcher.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignDraft, stored.Status)
	assert.Zero(t, f.sink.count())
}

func TestPauseResume_NoResend(t *testing.T) {
	f := newFixture(t, Options{})
	defer shutdown(t, f.dispatcher)

	f.resolver.contacts = f.resolver.contacts[:2]
	inFlight := make(chan struct{})
	release := make(chan struct{})
	f.sink.send = func(ctx context.Context, n int) (delivery.SendResult, error) {
		if n == 1 {
			close(inFlight)
			<-release
		}
		return delivery.SendResult{Accepted: true, ProviderMessageID: fmt.Sprintf("wamid.%d", n)}, nil
	}

	c := f.create(t, newCampaign())
	_, err := f.dispatcher.Start(context.Background(), c.ID)
	require.NoError(t, err)

	<-inFlight
	paused, err := f.dispatcher.Pause(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignPaused, paused.Status)
	close(release)

	// The in-flight send completes and is recorded; nothing else goes out.
	stored := f.waitStatus(t, c.ID, models.CampaignPaused)
	assert.Equal(t, 1, stored.SentCount)
	time.Sleep(3 * testGap)
	assert.Equal(t, 1, f.sink.count())

	recipients := f.recipients(t, c.ID)
	assert.Equal(t, models.RecipientSent, recipients[0].Status)
	assert.Equal(t, models.RecipientPending, recipients[1].Status)

	_, err = f.dispatcher.Resume(context.Background(), c.ID)
	require.NoError(t, err)

	done := f.waitStatus(t, c.ID, models.CampaignCompleted)
	assert.Equal(t, 2, done.SentCount)

	calls := f.sink.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "+15550000001", calls[0].To)
	assert.Equal(t, "+15550000002", calls[1].To)
}

func TestPump_FailureDoesNotStopCampaign(t *testing.T) {
	f := newFixture(t, Options{})
	defer shutdown(t, f.dispatcher)
	f.sink.send = func(ctx context.Context, n int) (delivery.SendResult, error) {
		if n == 2 {
			return delivery.SendResult{}, errors.NewProviderError(errors.ErrCodeProviderRejected, 400, "131026 message undeliverable", nil)
		}
		return delivery.SendResult{Accepted: true, ProviderMessageID: fmt.Sprintf("wamid.%d", n)}, nil
	}

	c := f.create(t, newCampaign())
	_, err := f.dispatcher.Start(context.Background(), c.ID)
	require.NoError(t, err)

	done := f.waitStatus(t, c.ID, models.CampaignCompleted)
	assert.Equal(t, 2, done.SentCount)
	assert.Equal(t, 1, done.FailedCount)

	recipients := f.recipients(t, c.ID)
	assert.Equal(t, models.RecipientFailed, recipients[1].Status)
	assert.Equal(t, "131026 message undeliverable", recipients[1].FailureReason)
	assert.Equal(t, models.RecipientSent, recipients[2].Status)
}

func TestPump_SendTimeout(t *testing.T) {
	f := newFixture(t, Options{SendTimeout: 20 * time.Millisecond})
	defer shutdown(t, f.dispatcher)
	f.resolver.contacts = f.resolver.contacts[:1]
	f.sink.send = func(ctx context.Context, n int) (delivery.SendResult, error) {
		<-ctx.Done()
		return delivery.SendResult{}, ctx.Err()
	}

	c := f.create(t, newCampaign())
	_, err := f.dispatcher.Start(context.Background(), c.ID)
	require.NoError(t, err)

	done := f.waitStatus(t, c.ID, models.CampaignCompleted)
	assert.Equal(t, 1, done.FailedCount)
	assert.Equal(t, models.ReasonSendTimeout, f.recipients(t, c.ID)[0].FailureReason)
}

func TestPump_SystemicFailureStopsCampaign(t *testing.T) {
	f := newFixture(t, Options{})
	defer shutdown(t, f.dispatcher)
	f.sink.send = func(ctx context.Context, n int) (delivery.SendResult, error) {
		return delivery.SendResult{}, errors.NewProviderError(errors.ErrCodeProviderAuthRevoked, 401, "190 token expired", nil)
	}

	c := f.create(t, newCampaign())
	_, err := f.dispatcher.Start(context.Background(), c.ID)
	require.NoError(t, err)

	done := f.waitStatus(t, c.ID, models.CampaignFailed)
	assert.Equal(t, models.ReasonProviderAuthRevoked, done.FailureReason)
	assert.Equal(t, 1, done.FailedCount)
	assert.Equal(t, 1, f.sink.count())

	recipients := f.recipients(t, c.ID)
	assert.Equal(t, models.RecipientFailed, recipients[0].Status)
	assert.Equal(t, models.RecipientPending, recipients[1].Status)
	assert.Equal(t, models.RecipientPending, recipients[2].Status)
}

func TestPump_TemplateRevokedMidRun(t *testing.T) {
	f := newFixture(t, Options{})
	defer shutdown(t, f.dispatcher)
	f.sink.send = func(ctx context.Context, n int) (delivery.SendResult, error) {
		f.registry.setStatus("tpl-1", models.TemplateStatusRejected)
		return delivery.SendResult{Accepted: true, ProviderMessageID: fmt.Sprintf("wamid.%d", n)}, nil
	}

	c := f.create(t, newCampaign())
	_, err := f.dispatcher.Start(context.Background(), c.ID)
	require.NoError(t, err)

	done := f.waitStatus(t, c.ID, models.CampaignFailed)
	assert.Equal(t, models.ReasonTemplateRevoked, done.FailureReason)
	assert.Equal(t, 1, done.SentCount)
	assert.Equal(t, 1, f.sink.count())
}

func TestPump_CircuitOpenDefersRecipient(t *testing.T) {
	f := newFixture(t, Options{})
	defer shutdown(t, f.dispatcher)
	f.sink.send = func(ctx context.Context, n int) (delivery.SendResult, error) {
		if n == 1 {
			return delivery.SendResult{}, &circuitbreaker.OpenError{Name: "whatsapp", State: circuitbreaker.StateOpen, RetryAfter: 20 * time.Millisecond}
		}
		return delivery.SendResult{Accepted: true, ProviderMessageID: fmt.Sprintf("wamid.%d", n)}, nil
	}

	c := f.create(t, newCampaign())
	_, err := f.dispatcher.Start(context.Background(), c.ID)
	require.NoError(t, err)

	done := f.waitStatus(t, c.ID, models.CampaignCompleted)
	assert.Equal(t, 3, done.SentCount)
	assert.Zero(t, done.FailedCount)

	calls := f.sink.snapshot()
	require.Len(t, calls, 4)
	assert.Equal(t, calls[0].To, calls[1].To, "deferred recipient is retried first")
}

func TestPump_WaitsOutsideWorkingHours(t *testing.T) {
	f := newFixture(t, Options{})
	f.clock.Set(time.Date(2026, 3, 4, 20, 0, 0, 0, time.UTC))

	c := newCampaign()
	c.RespectWorkingHours = true
	f.create(t, c)
	_, err := f.dispatcher.Start(context.Background(), c.ID)
	require.NoError(t, err)

	time.Sleep(4 * testGap)
	assert.Zero(t, f.sink.count())
	assert.True(t, f.dispatcher.Running(c.ID))

	shutdown(t, f.dispatcher)
	assert.False(t, f.dispatcher.Running(c.ID))

	stored, err := f.dispatcher.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignRunning, stored.Status)
}

func TestStartDue(t *testing.T) {
	f := newFixture(t, Options{})
	defer shutdown(t, f.dispatcher)

	c := newCampaign()
	at := t0.Add(time.Hour)
	c.ScheduledAt = &at
	f.create(t, c)

	started, err := f.dispatcher.StartDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, started)

	f.clock.Set(t0.Add(2 * time.Hour))
	started, err = f.dispatcher.StartDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	f.waitStatus(t, c.ID, models.CampaignCompleted)
}

func TestStartDue_FailedStartIsRetried(t *testing.T) {
	f := newFixture(t, Options{})
	defer shutdown(t, f.dispatcher)

	c := newCampaign()
	at := t0.Add(time.Minute)
	c.ScheduledAt = &at
	f.create(t, c)
	f.clock.Set(t0.Add(time.Hour))

	f.resolver.err = errors.NewUpstreamError(errors.ErrCodeContactResolver, "/contacts/resolve", 503, nil)
	started, err := f.dispatcher.StartDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, started)

	stored, err := f.dispatcher.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignScheduled, stored.Status)

	f.resolver.err = nil
	started, err = f.dispatcher.StartDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	f.waitStatus(t, c.ID, models.CampaignCompleted)
}

func TestShutdownAndRecover(t *testing.T) {
	f := newFixture(t, Options{Gaps: map[models.SendingSpeed]time.Duration{models.SpeedNormal: time.Hour}})

	c := f.create(t, newCampaign())
	_, err := f.dispatcher.Start(context.Background(), c.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.sink.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	shutdown(t, f.dispatcher)
	assert.False(t, f.dispatcher.Running(c.ID))

	restarted := f.newDispatcher(Options{})
	f.dispatcher = restarted
	defer shutdown(t, restarted)

	recovered, err := restarted.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	done := f.waitStatus(t, c.ID, models.CampaignCompleted)
	assert.Equal(t, 3, done.SentCount)
	assert.Equal(t, 3, f.sink.count())
}

func TestHandleDeliveryUpdate(t *testing.T) {
	f := newFixture(t, Options{})
	defer shutdown(t, f.dispatcher)
	c := f.create(t, newCampaign())
	_, err := f.dispatcher.Start(context.Background(), c.ID)
	require.NoError(t, err)
	f.waitStatus(t, c.ID, models.CampaignCompleted)

	ctx := context.Background()
	updates := []models.DeliveryUpdate{
		{ProviderMessageID: "wamid.1", Status: models.RecipientDelivered},
		{ProviderMessageID: "wamid.1", Status: models.RecipientDelivered},
		{ProviderMessageID: "wamid.1", Status: models.RecipientRead},
		{ProviderMessageID: "wamid.2", Status: models.RecipientRead},
		{ProviderMessageID: "wamid.3", Status: models.RecipientFailed, Reason: "131047 re-engagement required"},
		{ProviderMessageID: "wamid.unknown", Status: models.RecipientDelivered},
	}
	for _, u := range updates {
		require.NoError(t, f.dispatcher.HandleDeliveryUpdate(ctx, u))
	}

	stored, err := f.dispatcher.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.SentCount)
	assert.Equal(t, 2, stored.DeliveredCount)
	assert.Equal(t, 2, stored.ReadCount)
	assert.Equal(t, 1, stored.FailedCount)
	// a post-send failure keeps the earlier sentCount
	assert.Equal(t, stored.TotalContacts+1, stored.SentCount+stored.FailedCount)

	recipients := f.recipients(t, c.ID)
	assert.Equal(t, models.RecipientRead, recipients[0].Status)
	assert.Equal(t, models.RecipientRead, recipients[1].Status)
	assert.Equal(t, models.RecipientFailed, recipients[2].Status)
	assert.Equal(t, "131047 re-engagement required", recipients[2].FailureReason)

	last := f.publisher.last()
	assert.Equal(t, c.ID, last.CampaignID)
	assert.Equal(t, 1, last.FailedCount)
}

func TestHandleDeliveryUpdate_UnknownMessageIsCounted(t *testing.T) {
	f := newFixture(t, Options{})
	unknown := metrics.WebhookUpdates.WithLabelValues(string(models.RecipientDelivered), "unknown_message")
	ignored := metrics.WebhookUpdates.WithLabelValues(string(models.RecipientDelivered), "ignored")
	beforeUnknown := testutil.ToFloat64(unknown)
	beforeIgnored := testutil.ToFloat64(ignored)

	err := f.dispatcher.HandleDeliveryUpdate(context.Background(),
		models.DeliveryUpdate{ProviderMessageID: "wamid.not-yet-recorded", Status: models.RecipientDelivered})

	require.NoError(t, err)
	assert.Equal(t, beforeUnknown+1, testutil.ToFloat64(unknown))
	assert.Equal(t, beforeIgnored, testutil.ToFloat64(ignored))
}

func TestProgress(t *testing.T) {
	f := newFixture(t, Options{})
	c := f.create(t, newCampaign())

	progress, err := f.dispatcher.Progress(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, progress.CampaignID)
	assert.Equal(t, models.CampaignDraft, progress.Status)
	assert.Equal(t, 3, progress.TotalContacts)

	_, err = f.dispatcher.Progress(context.Background(), "missing")
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetCode(err))
}
