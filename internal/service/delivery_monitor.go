package service

import (
	"context"
	"time"

	"whatsauto/internal/metrics"

	"github.com/sirupsen/logrus"
)

// StaleCounter counts campaign recipients accepted by the provider that
// never got a delivery status.
type StaleCounter interface {
	CountStaleSent(ctx context.Context, before time.Time) (int, error)
}

type DeliveryMonitor struct {
	db             StaleCounter
	checkInterval  time.Duration
	staleThreshold time.Duration
	logger         *logrus.Logger
	now            func() time.Time
	stopCh         chan struct{}
}

func NewDeliveryMonitor(db StaleCounter, checkInterval, staleThreshold time.Duration, logger *logrus.Logger) *DeliveryMonitor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DeliveryMonitor{
		db:             db,
		checkInterval:  checkInterval,
		staleThreshold: staleThreshold,
		logger:         logger,
		now:            time.Now,
		stopCh:         make(chan struct{}),
	}
}

func (m *DeliveryMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.logger.WithFields(logrus.Fields{
		"check_interval":  m.checkInterval,
		"stale_threshold": m.staleThreshold,
	}).Info("Starting delivery monitor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkStale(ctx)
		}
	}
}

func (m *DeliveryMonitor) Stop() {
	close(m.stopCh)
}

func (m *DeliveryMonitor) checkStale(ctx context.Context) {
	count, err := m.db.CountStaleSent(ctx, m.now().Add(-m.staleThreshold))
	if err != nil {
		m.logger.WithError(err).Error("Failed to count stale recipients")
		return
	}
	metrics.StaleRecipients.Set(float64(count))
	if count > 0 {
		m.logger.WithFields(logrus.Fields{
			"stale_count": count,
			"threshold":   m.staleThreshold,
		}).Warn("Recipients stuck in SENT without delivery confirmation")
	}
}
