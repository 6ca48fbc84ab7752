package gcsuspend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	snaperrors "github.com/gitsnap/gitsnap/common/errors"
	"github.com/gitsnap/gitsnap/common/stats"
)

func newTestCoordinator(ctrl Controller, stat stats.StatsReceiver) *Coordinator {
	c := NewCoordinator(ctrl, Config{
		MaxWait:      50 * time.Millisecond,
		PollInterval: time.Millisecond,
		EndTimeout:   time.Second,
	}, stat)
	c.NewBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return c
}

func TestBeginEnd(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	ctrl := NewMockController(mockCtrl)
	ctrl.EXPECT().Host().Return("ghe").AnyTimes()
	gomock.InOrder(
		ctrl.EXPECT().Suspend(gomock.Any()).Return(nil),
		ctrl.EXPECT().InFlight(gomock.Any()).Return(true, nil),
		ctrl.EXPECT().InFlight(gomock.Any()).Return(false, nil),
		ctrl.EXPECT().Resume(gomock.Any()).Return(nil).Times(1),
	)

	stat := stats.DefaultStatsReceiver()
	s, err := newTestCoordinator(ctrl, stat).Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.End())
	require.NoError(t, s.End())
	assert.Equal(t, int64(1), stat.Counter("gc", stats.GCResumeCounter).Count())
	assert.Equal(t, int64(0), stat.Gauge("gc", stats.GCWaitExpiredGauge).Value())
}

func TestEndIgnoresCancelledRunContext(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	ctrl := NewMockController(mockCtrl)
	ctrl.EXPECT().Host().Return("ghe").AnyTimes()
	ctrl.EXPECT().Suspend(gomock.Any()).Return(nil)
	ctrl.EXPECT().InFlight(gomock.Any()).Return(false, nil)
	ctrl.EXPECT().Resume(gomock.Any()).DoAndReturn(func(ctx context.Context) error {
		return ctx.Err()
	}).Times(1)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := newTestCoordinator(ctrl, nil).Begin(ctx)
	require.NoError(t, err)
	cancel()
	assert.NoError(t, s.End())
}

func TestSuspendFailureResumesAndAborts(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	ctrl := NewMockController(mockCtrl)
	ctrl.EXPECT().Host().Return("ghe").AnyTimes()
	ctrl.EXPECT().Suspend(gomock.Any()).Return(errors.New("permission denied")).Times(DefaultTries)
	ctrl.EXPECT().Resume(gomock.Any()).Return(nil).Times(1)

	s, err := newTestCoordinator(ctrl, nil).Begin(context.Background())
	assert.Nil(t, s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, snaperrors.ErrGCSuspendFailed))
}

func TestSuspendRetriesTransientFailure(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	ctrl := NewMockController(mockCtrl)
	ctrl.EXPECT().Host().Return("ghe").AnyTimes()
	gomock.InOrder(
		ctrl.EXPECT().Suspend(gomock.Any()).Return(errors.New("connection reset")),
		ctrl.EXPECT().Suspend(gomock.Any()).Return(nil),
	)
	ctrl.EXPECT().InFlight(gomock.Any()).Return(false, nil)
	ctrl.EXPECT().Resume(gomock.Any()).Return(nil).Times(1)

	s, err := newTestCoordinator(ctrl, nil).Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.End())
}

func TestWaitExpiryIsBestEffort(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	ctrl := NewMockController(mockCtrl)
	ctrl.EXPECT().Host().Return("ghe").AnyTimes()
	ctrl.EXPECT().Suspend(gomock.Any()).Return(nil)
	ctrl.EXPECT().InFlight(gomock.Any()).Return(true, nil).MinTimes(1)
	ctrl.EXPECT().Resume(gomock.Any()).Return(nil).Times(1)

	stat := stats.DefaultStatsReceiver()
	s, err := newTestCoordinator(ctrl, stat).Begin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stat.Gauge("gc", stats.GCWaitExpiredGauge).Value())
	require.NoError(t, s.End())
}

func TestProbeFailureProceeds(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	ctrl := NewMockController(mockCtrl)
	ctrl.EXPECT().Host().Return("ghe").AnyTimes()
	ctrl.EXPECT().Suspend(gomock.Any()).Return(nil)
	ctrl.EXPECT().InFlight(gomock.Any()).Return(false, errors.New("pgrep: not found"))
	ctrl.EXPECT().Resume(gomock.Any()).Return(nil).Times(1)

	s, err := newTestCoordinator(ctrl, nil).Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.End())
}

func TestInterruptDuringWaitResumes(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	ctx, cancel := context.WithCancel(context.Background())
	ctrl := NewMockController(mockCtrl)
	ctrl.EXPECT().Host().Return("ghe").AnyTimes()
	ctrl.EXPECT().Suspend(gomock.Any()).Return(nil)
	ctrl.EXPECT().InFlight(gomock.Any()).DoAndReturn(func(context.Context) (bool, error) {
		cancel()
		return true, nil
	})
	ctrl.EXPECT().Resume(gomock.Any()).Return(nil).Times(1)

	c := newTestCoordinator(ctrl, nil)
	c.cfg.MaxWait = time.Hour
	c.cfg.PollInterval = time.Hour
	s, err := c.Begin(ctx)
	assert.Nil(t, s)
	assert.True(t, errors.Is(err, snaperrors.ErrInterrupted))
}

func TestResumeFailureReportedOnce(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	ctrl := NewMockController(mockCtrl)
	ctrl.EXPECT().Host().Return("ghe").AnyTimes()
	ctrl.EXPECT().Suspend(gomock.Any()).Return(nil)
	ctrl.EXPECT().InFlight(gomock.Any()).Return(false, nil)
	ctrl.EXPECT().Resume(gomock.Any()).Return(errors.New("broken pipe")).Times(DefaultTries)

	stat := stats.DefaultStatsReceiver()
	s, err := newTestCoordinator(ctrl, stat).Begin(context.Background())
	require.NoError(t, err)
	err1 := s.End()
	err2 := s.End()
	require.Error(t, err1)
	assert.Equal(t, err1, err2)
	assert.Equal(t, int64(1), stat.Counter("gc", stats.GCResumeErrCounter).Count())
}
