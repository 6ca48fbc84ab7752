// Package backup runs one snapshot of a live repository store:
//
//	check disk and transport
//	suspend compaction          (gcsuspend)
//	run the five phases         (phases)
//	resume compaction, always
//	finalize the snapshot       (catalog)
//
// Log segments are backed up alongside, outside the compaction window.
package backup

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gitsnap/gitsnap/catalog"
	snaperrors "github.com/gitsnap/gitsnap/common/errors"
	"github.com/gitsnap/gitsnap/common/stats"
	"github.com/gitsnap/gitsnap/gcsuspend"
	"github.com/gitsnap/gitsnap/phases"
	"github.com/gitsnap/gitsnap/segments"
	"github.com/gitsnap/gitsnap/transport"
	"github.com/gitsnap/gitsnap/verify"
)

// DiskChecker reports free space on the filesystem holding dir.
type DiskChecker interface {
	FreeBytes(dir string) (uint64, error)
}

type Options struct {
	// Source is the repository root as the transfer executor addresses it,
	// e.g. "admin@ghe:/data/user/repositories" for rsync.
	Source string

	// SourceRoot is the repository root's path on the source host.
	SourceRoot string

	MinFreeBytes uint64

	// Verify checks referential closure before finalizing.
	Verify bool
}

type Driver struct {
	Catalog   *catalog.Catalog
	Channel   transport.Channel
	GC        *gcsuspend.Coordinator
	Sequencer *phases.Sequencer

	// Segments is nil when segment backup is disabled.
	Segments *segments.Backup

	Disk DiskChecker
	Stat stats.StatsReceiver
	Opts Options
}

// Report is what a run did. Fields are filled as far as the run got.
type Report struct {
	RunID    string
	Snapshot *catalog.Snapshot
	Phases   []phases.Report
	Segments *segments.Result
	Verify   *verify.Report
	Duration time.Duration

	// SegmentErr holds per-segment failures. They do not fail the run.
	SegmentErr error
}

func newRunID() string {
	id, err := uuid.NewV4()
	for err != nil {
		id, err = uuid.NewV4()
	}
	return id.String()
}

// Run takes one snapshot. Closing stop lets the running phase finish and
// then abandons the run; cancelling ctx also kills the running transfer.
// Either way compaction is resumed and the snapshot stays incomplete.
func (d *Driver) Run(ctx context.Context, stop <-chan struct{}) (*Report, error) {
	stat := d.Stat
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	report := &Report{RunID: newRunID()}
	logger := log.WithField("run", report.RunID)
	start := stats.Time.Now()
	defer func() { report.Duration = stats.Time.Since(start) }()

	if err := d.checkDisk(); err != nil {
		return report, err
	}
	if err := d.Channel.Ping(ctx); err != nil {
		return report, err
	}

	prev, err := d.Catalog.Previous()
	if err != nil {
		return report, err
	}
	snap, err := d.Catalog.Create(report.RunID)
	if err != nil {
		return report, err
	}
	report.Snapshot = snap
	stat.Counter(stats.RunStartedCounter).Inc(1)
	reference, prevAuditLog := "", ""
	if prev != nil {
		reference, prevAuditLog = prev.Repositories(), prev.AuditLog()
		logger.Infof("Reusing unchanged files from %s", prev.Name)
	} else {
		logger.Info("No previous snapshot, copying everything")
	}

	var segs errgroup.Group
	if d.Segments != nil {
		segs.Go(func() error {
			report.Segments, report.SegmentErr = d.Segments.Run(ctx, snap.AuditLog(), prevAuditLog)
			return nil
		})
	}

	err = d.runPhases(ctx, stop, report, reference)
	segs.Wait()
	if err != nil {
		stat.Counter(stats.RunAbortedCounter).Inc(1)
		logger.Errorf("Run failed, snapshot %s left incomplete: %v", snap.Name, err)
		return report, err
	}

	if d.Opts.Verify {
		vr, err := verify.Check(ctx, snap.Repositories(), verify.Options{SourceRoot: d.Opts.SourceRoot, Reflogs: true})
		report.Verify = vr
		if err != nil {
			stat.Counter(stats.RunAbortedCounter).Inc(1)
			return report, errors.Wrap(err, "verifying snapshot")
		}
		if !vr.OK() {
			stat.Counter(stats.RunAbortedCounter).Inc(1)
			return report, errors.Wrapf(snaperrors.ErrPhaseTransferFailed,
				"snapshot %s has %d dangling refs", snap.Name, len(vr.Dangling))
		}
	}

	if err := d.Catalog.Finalize(snap, report.RunID); err != nil {
		return report, err
	}
	stat.Counter(stats.RunFinalizedCounter).Inc(1)
	stat.Latency(stats.RunLatency_ms).Record(stats.Time.Since(start))

	var copied, files int64
	for _, p := range report.Phases {
		copied += p.Result.Bytes
		files += p.Result.Files
	}
	logger.Infof("Finalized %s: %d files, %s copied in %v", snap.Name, files,
		humanize.IBytes(uint64(copied)), stats.Time.Since(start).Round(time.Second))
	if report.SegmentErr != nil {
		logger.Warnf("Segment backup incomplete: %v", report.SegmentErr)
	}
	return report, nil
}

// runPhases holds the compaction window open exactly as long as the phases
// run.
func (d *Driver) runPhases(ctx context.Context, stop <-chan struct{}, report *Report, reference string) (err error) {
	suspension, err := d.GC.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if endErr := suspension.End(); endErr != nil && err == nil {
			err = endErr
		}
	}()

	report.Phases, err = d.Sequencer.RunAll(ctx, phases.Target{
		Source:    d.Opts.Source,
		Dest:      report.Snapshot.Repositories(),
		Reference: reference,
		Stop:      stop,
	})
	return err
}

func (d *Driver) checkDisk() error {
	if d.Disk == nil || d.Opts.MinFreeBytes == 0 {
		return nil
	}
	free, err := d.Disk.FreeBytes(d.Catalog.Root())
	if err != nil {
		return errors.Wrapf(err, "checking free space on %s", d.Catalog.Root())
	}
	if free < d.Opts.MinFreeBytes {
		return errors.Wrapf(snaperrors.ErrInsufficientSpace, "%s free on %s, need %s",
			humanize.IBytes(free), d.Catalog.Root(), humanize.IBytes(d.Opts.MinFreeBytes))
	}
	return nil
}
