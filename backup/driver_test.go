package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitsnap/gitsnap/catalog"
	snaperrors "github.com/gitsnap/gitsnap/common/errors"
	"github.com/gitsnap/gitsnap/common/stats"
	"github.com/gitsnap/gitsnap/gcsuspend"
	"github.com/gitsnap/gitsnap/phases"
	"github.com/gitsnap/gitsnap/segments"
	"github.com/gitsnap/gitsnap/transfer"
	"github.com/gitsnap/gitsnap/transport"
	vt "github.com/gitsnap/gitsnap/verify/verifytest"
)

type fixture struct {
	driver *Driver
	ch     *transport.MockChannel
	gc     *gcsuspend.MockController
	exec   *transfer.MockExecutor
	stat   stats.StatsReceiver
}

func newFixture(t *testing.T, mockCtrl *gomock.Controller) *fixture {
	f := &fixture{
		ch:   transport.NewMockChannel(mockCtrl),
		gc:   gcsuspend.NewMockController(mockCtrl),
		exec: transfer.NewMockExecutor(mockCtrl),
		stat: stats.DefaultStatsReceiver(),
	}
	f.gc.EXPECT().Host().Return("ghe").AnyTimes()

	cat, err := catalog.Open(filepath.Join(t.TempDir(), "snapshots"))
	require.NoError(t, err)
	coord := gcsuspend.NewCoordinator(f.gc, gcsuspend.Config{
		MaxWait: 10 * time.Millisecond, PollInterval: time.Millisecond, EndTimeout: time.Second,
	}, f.stat)
	coord.NewBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	f.driver = &Driver{
		Catalog:   cat,
		Channel:   f.ch,
		GC:        coord,
		Sequencer: phases.NewSequencer(f.exec, phases.Default(phases.DefaultCaches), f.stat),
		Stat:      f.stat,
		Opts:      Options{Source: "admin@ghe:/data/user/repositories", SourceRoot: "/data/user/repositories"},
	}
	return f
}

// expectWindow expects one suspend and one resume around the phases.
func (f *fixture) expectWindow() {
	f.ch.EXPECT().Ping(gomock.Any()).Return(nil)
	f.gc.EXPECT().Suspend(gomock.Any()).Return(nil).Times(1)
	f.gc.EXPECT().InFlight(gomock.Any()).Return(false, nil)
	f.gc.EXPECT().Resume(gomock.Any()).Return(nil).Times(1)
}

func (f *fixture) failAt(phase string, err error) *[]string {
	var ran []string
	f.exec.EXPECT().Transfer(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req transfer.Request) (transfer.Result, error) {
			ran = append(ran, req.Name)
			if req.Name == phase {
				return transfer.Result{}, err
			}
			return transfer.Result{Files: 1, Bytes: 100}, nil
		}).AnyTimes()
	return &ran
}

func TestRunFinalizes(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	f := newFixture(t, mockCtrl)
	f.expectWindow()
	ran := f.failAt("", nil)

	report, err := f.driver.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, *ran, 5)
	assert.Len(t, report.Phases, 5)
	assert.True(t, report.Snapshot.Complete)
	assert.NotEmpty(t, report.RunID)

	prev, err := f.driver.Catalog.Previous()
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, report.Snapshot.Name, prev.Name)
	assert.Equal(t, int64(1), f.stat.Counter(stats.RunFinalizedCounter).Count())
}

func TestSecondRunUsesReference(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	f := newFixture(t, mockCtrl)

	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	f.driver.Catalog.Now = func() time.Time { return now }
	var refs []string
	f.exec.EXPECT().Transfer(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req transfer.Request) (transfer.Result, error) {
			refs = append(refs, req.Reference)
			return transfer.Result{}, nil
		}).Times(10)

	f.expectWindow()
	first, err := f.driver.Run(context.Background(), nil)
	require.NoError(t, err)

	now = now.Add(24 * time.Hour)
	f.expectWindow()
	_, err = f.driver.Run(context.Background(), nil)
	require.NoError(t, err)

	for _, r := range refs[:5] {
		assert.Empty(t, r)
	}
	for _, r := range refs[5:] {
		assert.Equal(t, first.Snapshot.Repositories(), r)
	}
}

func TestTransportUnavailableBeforeSuspend(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	f := newFixture(t, mockCtrl)

	// no Suspend, Resume or Transfer is expected
	f.ch.EXPECT().Ping(gomock.Any()).Return(
		fmt.Errorf("ssh admin@ghe: no route to host: %w", snaperrors.ErrTransportUnavailable))

	_, err := f.driver.Run(context.Background(), nil)
	assert.True(t, errors.Is(err, snaperrors.ErrTransportUnavailable))
	assert.Equal(t, snaperrors.TransportUnavailableExitCode, snaperrors.Classify(err).GetExitCode())

	all, err := f.driver.Catalog.List()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestResumeExactlyOnceOnFailure(t *testing.T) {
	for _, tc := range []struct {
		name  string
		phase string
		err   error
		want  error
	}{
		{"packed-refs fails", phases.PackedRefs, errors.New("rsync: exit 23"), snaperrors.ErrPhaseTransferFailed},
		{"objects fails", phases.Objects, errors.New("rsync: exit 23"), snaperrors.ErrPhaseTransferFailed},
		{"transport lost mid-run", phases.Refs, snaperrors.ErrTransportUnavailable, snaperrors.ErrPhaseTransferFailed},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mockCtrl := gomock.NewController(t)
			defer mockCtrl.Finish()
			f := newFixture(t, mockCtrl)
			f.expectWindow()
			ran := f.failAt(tc.phase, tc.err)

			report, err := f.driver.Run(context.Background(), nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want))
			assert.Equal(t, tc.phase, (*ran)[len(*ran)-1])
			assert.False(t, report.Snapshot.Complete)
			assert.FileExists(t, filepath.Join(report.Snapshot.Dir, catalog.IncompleteMarker))

			prev, err := f.driver.Catalog.Previous()
			require.NoError(t, err)
			assert.Nil(t, prev)
			assert.Equal(t, int64(1), f.stat.Counter("gc", stats.GCResumeCounter).Count())
			assert.Equal(t, int64(1), f.stat.Counter(stats.RunAbortedCounter).Count())
		})
	}
}

func TestInterruptMidPhase(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	f := newFixture(t, mockCtrl)
	f.expectWindow()

	ctx, cancel := context.WithCancel(context.Background())
	f.exec.EXPECT().Transfer(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req transfer.Request) (transfer.Result, error) {
			if req.Name == phases.Refs {
				cancel()
				return transfer.Result{}, ctx.Err()
			}
			return transfer.Result{}, nil
		}).Times(3)

	report, err := f.driver.Run(ctx, nil)
	assert.True(t, errors.Is(err, snaperrors.ErrInterrupted))
	assert.Equal(t, snaperrors.InterruptedExitCode, snaperrors.Classify(err).GetExitCode())
	assert.False(t, report.Snapshot.Complete)
}

func TestStopFinishesCurrentPhase(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	f := newFixture(t, mockCtrl)
	f.expectWindow()

	stop := make(chan struct{})
	f.exec.EXPECT().Transfer(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req transfer.Request) (transfer.Result, error) {
			close(stop)
			return transfer.Result{}, nil
		}).Times(1)

	report, err := f.driver.Run(context.Background(), stop)
	assert.True(t, errors.Is(err, snaperrors.ErrInterrupted))
	assert.Len(t, report.Phases, 1)
	assert.False(t, report.Snapshot.Complete)
}

func TestSuspendFailureRunsNoPhase(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	f := newFixture(t, mockCtrl)

	f.ch.EXPECT().Ping(gomock.Any()).Return(nil)
	f.gc.EXPECT().Suspend(gomock.Any()).Return(errors.New("read-only file system")).Times(gcsuspend.DefaultTries)
	f.gc.EXPECT().Resume(gomock.Any()).Return(nil).Times(1)

	report, err := f.driver.Run(context.Background(), nil)
	assert.True(t, errors.Is(err, snaperrors.ErrGCSuspendFailed))
	assert.Empty(t, report.Phases)
}

type fullDisk struct{}

func (fullDisk) FreeBytes(string) (uint64, error) { return 1 << 20, nil }

func TestInsufficientSpace(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	f := newFixture(t, mockCtrl)
	f.driver.Disk = fullDisk{}
	f.driver.Opts.MinFreeBytes = 1 << 30

	_, err := f.driver.Run(context.Background(), nil)
	assert.True(t, errors.Is(err, snaperrors.ErrInsufficientSpace))
}

func TestSegmentFailureDoesNotFailRun(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	f := newFixture(t, mockCtrl)
	f.expectWindow()
	f.failAt("", nil)

	src := segments.NewMockSource(mockCtrl)
	src.EXPECT().List(gomock.Any()).Return([]string{"audit_log-2024-04", "audit_log-2024-05"}, nil)
	src.EXPECT().CurrentPeriod(gomock.Any()).Return(segments.Period{Year: 2024, Month: 5}, nil)
	src.EXPECT().Fetch(gomock.Any(), "audit_log-2024-04", gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, w io.Writer) (int64, error) {
			n, err := io.WriteString(w, "april")
			return int64(n), err
		})
	src.EXPECT().Fetch(gomock.Any(), "audit_log-2024-05", gomock.Any()).Return(int64(0), errors.New("gone")).Times(1)
	seg := segments.NewBackup(src, segments.Options{Tries: 1}, f.stat)
	f.driver.Segments = seg

	report, err := f.driver.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, report.Snapshot.Complete)
	assert.True(t, errors.Is(report.SegmentErr, snaperrors.ErrSegmentFetchFailed))
	assert.Equal(t, []string{"audit_log-2024-05"}, report.Segments.Failed)
	assert.FileExists(t, filepath.Join(report.Snapshot.AuditLog(), segments.PeriodFile))
	b, err := os.ReadFile(filepath.Join(report.Snapshot.AuditLog(), "audit_log-2024-04"))
	require.NoError(t, err)
	assert.Equal(t, "april", string(b))
}

func TestVerifyBeforeFinalize(t *testing.T) {
	src := t.TempDir()
	repo, err := vt.NewRepo(src, "app/app.git")
	require.NoError(t, err)
	oid := vt.OID("main")
	require.NoError(t, repo.Pack("1", oid))
	require.NoError(t, repo.Ref("refs/heads/main", oid))

	run := func(t *testing.T) (*Report, error) {
		mockCtrl := gomock.NewController(t)
		defer mockCtrl.Finish()
		f := newFixture(t, mockCtrl)
		f.expectWindow()
		f.driver.Sequencer = phases.NewSequencer(transfer.NewLocal(), phases.Default(phases.DefaultCaches), nil)
		f.driver.Opts = Options{Source: src, SourceRoot: src, Verify: true}
		return f.driver.Run(context.Background(), nil)
	}

	report, err := run(t)
	require.NoError(t, err)
	assert.True(t, report.Verify.OK())
	assert.True(t, report.Snapshot.Complete)

	require.NoError(t, repo.Ref("refs/heads/broken", vt.OID("nowhere")))
	report, err = run(t)
	require.Error(t, err)
	assert.Len(t, report.Verify.Dangling, 1)
	assert.False(t, report.Snapshot.Complete)
}
