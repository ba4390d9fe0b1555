package service

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Job is one periodic task. Run returns how many items it handled.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

// Scheduler runs each job on its own ticker. Runs of one job never overlap.
type Scheduler struct {
	jobs     []Job
	logger   *logrus.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewScheduler(logger *logrus.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{
		jobs:   jobs,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start runs every job once immediately and then on its interval. It blocks
// until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.WithField(LogFieldCount, len(s.jobs)).Info("Starting scheduler")

	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	wg.Wait()

	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	s.runJob(ctx, job)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runJob(ctx, job)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	start := time.Now()
	n, err := job.Run(ctx)

	entry := LogWithContext(ctx, s.logger).WithFields(logrus.Fields{
		LogFieldJob:      job.Name,
		LogFieldCount:    n,
		LogFieldDuration: time.Since(start).Milliseconds(),
	})
	switch {
	case err != nil && ctx.Err() == nil:
		entry.WithError(err).Error("Scheduled job failed")
	case n > 0:
		entry.Info("Scheduled job completed")
	default:
		entry.Debug("Scheduled job completed")
	}
}
