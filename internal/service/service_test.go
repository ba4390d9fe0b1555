package service

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"whatsauto/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

type mockStaleCounter struct {
	mock.Mock
}

func (m *mockStaleCounter) CountStaleSent(ctx context.Context, before time.Time) (int, error) {
	args := m.Called(ctx, before)
	return args.Int(0), args.Error(1)
}

func TestVerboseContext(t *testing.T) {
	assert.False(t, IsVerboseLogging(context.Background()))
	assert.True(t, IsVerboseLogging(WithVerbose(context.Background(), true)))
	assert.False(t, IsVerboseLogging(WithVerbose(context.Background(), false)))

	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	LogWithContext(WithVerbose(context.Background(), true), logger).Info("hello")
	assert.Contains(t, buf.String(), `"verbose":true`)
}

func TestScheduler_RunsJobsImmediatelyAndOnInterval(t *testing.T) {
	var fast, slow atomic.Int32
	s := NewScheduler(quietLogger(),
		Job{Name: "fast", Interval: 10 * time.Millisecond, Run: func(ctx context.Context) (int, error) {
			fast.Add(1)
			return 1, nil
		}},
		Job{Name: "slow", Interval: time.Hour, Run: func(ctx context.Context) (int, error) {
			slow.Add(1)
			return 0, assert.AnError
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return fast.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Scheduler did not stop within timeout")
	}
	assert.Equal(t, int32(1), slow.Load())
}

func TestScheduler_StopSignal(t *testing.T) {
	s := NewScheduler(quietLogger(), Job{Name: "noop", Interval: time.Hour, Run: func(ctx context.Context) (int, error) {
		return 0, nil
	}})

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	s.Stop()
	s.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Scheduler did not stop within timeout")
	}
}

func TestDeliveryMonitor_CheckStale(t *testing.T) {
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	counter := &mockStaleCounter{}
	counter.On("CountStaleSent", mock.Anything, now.Add(-30*time.Minute)).Return(4, nil).Once()

	m := NewDeliveryMonitor(counter, time.Minute, 30*time.Minute, quietLogger())
	m.now = func() time.Time { return now }
	m.checkStale(context.Background())

	counter.AssertExpectations(t)
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.StaleRecipients))
}

func TestDeliveryMonitor_CheckStaleError(t *testing.T) {
	metrics.StaleRecipients.Set(7)
	counter := &mockStaleCounter{}
	counter.On("CountStaleSent", mock.Anything, mock.Anything).Return(0, assert.AnError).Once()

	m := NewDeliveryMonitor(counter, time.Minute, 30*time.Minute, quietLogger())
	m.checkStale(context.Background())

	counter.AssertExpectations(t)
	assert.Equal(t, float64(7), testutil.ToFloat64(metrics.StaleRecipients), "gauge keeps its last value")
}

func TestDeliveryMonitor_StartStop(t *testing.T) {
	counter := &mockStaleCounter{}
	counter.On("CountStaleSent", mock.Anything, mock.Anything).Return(0, nil).Maybe()

	m := NewDeliveryMonitor(counter, 5*time.Millisecond, time.Minute, quietLogger())
	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	m.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Delivery monitor did not stop within timeout")
	}
}
