package segments

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cenkalti/backoff"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	snaperrors "github.com/gitsnap/gitsnap/common/errors"
	"github.com/gitsnap/gitsnap/common/stats"
)

const (
	DefaultWorkers = 4
	DefaultTries   = 3

	// PeriodFile in a backup directory records the period that was open when
	// the backup ran. Segments before it were closed and are safe to reuse.
	PeriodFile = ".period"
)

type Options struct {
	Prefix  string
	Workers int

	// FetchesPerSecond limits how fast fetches start. Zero is unlimited.
	FetchesPerSecond float64

	// Attempts per segment fetch.
	Tries int
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Tries <= 0 {
		o.Tries = DefaultTries
	}
	return o
}

// Result lists what happened to each segment.
type Result struct {
	Current Period
	Reused  []string
	Fetched []string
	Failed  []string

	// Bytes fetched; reused segments cost nothing.
	Bytes int64
}

type Backup struct {
	src     Source
	opts    Options
	stat    stats.StatsReceiver
	limiter *rate.Limiter

	NewBackOff func() backoff.BackOff
}

func NewBackup(src Source, opts Options, stat stats.StatsReceiver) *Backup {
	opts = opts.withDefaults()
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	limit := rate.Inf
	if opts.FetchesPerSecond > 0 {
		limit = rate.Limit(opts.FetchesPerSecond)
	}
	return &Backup{
		src:        src,
		opts:       opts,
		stat:       stat.Scope("segments"),
		limiter:    rate.NewLimiter(limit, 1),
		NewBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// Run copies every segment into dest. A segment is linked from previous only
// if it was already closed when previous was taken, that is its period comes
// before the one recorded in previous's PeriodFile. Everything else,
// including ids that name no period, is fetched.
//
// Failing segments do not stop the others. Their errors, each wrapping
// ErrSegmentFetchFailed, are combined into the returned error and the result
// is still valid for the rest.
func (b *Backup) Run(ctx context.Context, dest, previous string) (*Result, error) {
	ids, err := b.src.List(ctx)
	if err != nil {
		return nil, errors.Wrapf(snaperrors.ErrSegmentFetchFailed, "listing: %v", err)
	}
	res := &Result{}
	current, err := b.src.CurrentPeriod(ctx)
	haveCurrent := err == nil
	if haveCurrent {
		res.Current = current
	} else {
		log.Warnf("Could not read the current segment period, fetching every segment: %v", err)
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", dest)
	}
	if haveCurrent {
		if err := writePeriod(dest, current); err != nil {
			return nil, err
		}
	}
	var closedBefore Period
	havePrevious := false
	if previous != "" {
		if closedBefore, havePrevious = ReadPeriod(previous); !havePrevious {
			log.Warnf("No period recorded in %s, fetching every segment", previous)
		}
	}

	var (
		mu   sync.Mutex
		errs error
	)
	sem := semaphore.NewWeighted(int64(b.opts.Workers))
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			closed := false
			if p, ok := PeriodOf(id, b.opts.Prefix); ok && haveCurrent && havePrevious {
				closed = p.Before(current) && p.Before(closedBefore)
			}

			if closed && b.reuse(id, dest, previous) {
				mu.Lock()
				res.Reused = append(res.Reused, id)
				mu.Unlock()
				return nil
			}

			n, err := b.fetch(gctx, id, dest)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				b.stat.Counter(stats.SegmentFailedCounter).Inc(1)
				res.Failed = append(res.Failed, id)
				errs = multierr.Append(errs, errors.Wrapf(snaperrors.ErrSegmentFetchFailed, "%s: %v", id, err))
				log.WithField("segment", id).Errorf("Fetch failed: %v", err)
				return nil
			}
			res.Fetched = append(res.Fetched, id)
			res.Bytes += n
			return nil
		})
	}
	g.Wait()
	if ctx.Err() != nil {
		errs = multierr.Append(errs, errors.Wrap(snaperrors.ErrInterrupted, "segment backup"))
	}

	sort.Strings(res.Reused)
	sort.Strings(res.Fetched)
	sort.Strings(res.Failed)
	log.Infof("Segments: %d reused, %d fetched (%s), %d failed",
		len(res.Reused), len(res.Fetched), humanize.IBytes(uint64(res.Bytes)), len(res.Failed))
	return res, errs
}

func writePeriod(dir string, p Period) error {
	path := filepath.Join(dir, PeriodFile)
	return errors.Wrapf(os.WriteFile(path, []byte(p.String()+"\n"), 0644), "writing %s", path)
}

// ReadPeriod returns the period recorded in dir, if any.
func ReadPeriod(dir string) (Period, bool) {
	data, err := os.ReadFile(filepath.Join(dir, PeriodFile))
	if err != nil {
		return Period{}, false
	}
	p, err := ParsePeriod(strings.TrimSpace(string(data)))
	return p, err == nil
}

func (b *Backup) reuse(id, dest, previous string) bool {
	src := filepath.Join(previous, id)
	fi, err := os.Stat(src)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	if err := os.Link(src, filepath.Join(dest, id)); err != nil {
		log.WithField("segment", id).Warnf("Could not link from previous snapshot, fetching: %v", err)
		return false
	}
	b.stat.Counter(stats.SegmentReusedCounter).Inc(1)
	log.WithField("segment", id).Debug("Reused closed segment")
	return true
}

// fetch writes the segment to a temporary file and renames it into place,
// so dest never holds a partial segment.
func (b *Backup) fetch(ctx context.Context, id, dest string) (int64, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	defer b.stat.Latency(stats.SegmentFetchLatency_ms).Time().Stop()

	var n int64
	op := func() error {
		f, err := os.CreateTemp(dest, "."+id+".tmp-")
		if err != nil {
			return backoff.Permanent(err)
		}
		n, err = b.src.Fetch(ctx, id, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err == nil {
			err = os.Rename(f.Name(), filepath.Join(dest, id))
		}
		if err != nil {
			os.Remove(f.Name())
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(b.NewBackOff(), uint64(b.opts.Tries-1)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return n, err
	}
	b.stat.Counter(stats.SegmentFetchedCounter).Inc(1)
	b.stat.Counter(stats.SegmentBytesCounter).Inc(n)
	log.WithField("segment", id).Debugf("Fetched %s", humanize.IBytes(uint64(n)))
	return n, nil
}
