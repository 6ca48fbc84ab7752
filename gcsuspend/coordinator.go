// Package gcsuspend brackets a backup run with a window in which the source
// host does not compact its object storage. Begin opens the window and hands
// back a Suspension; ending the Suspension is the only way to close it.
package gcsuspend

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	snaperrors "github.com/gitsnap/gitsnap/common/errors"
	"github.com/gitsnap/gitsnap/common/stats"
)

const (
	DefaultMaxWait      = 60 * time.Second
	DefaultPollInterval = 2 * time.Second
	DefaultEndTimeout   = 30 * time.Second
	DefaultTries        = 3
)

type Config struct {
	// Upper bound on waiting for in-flight compaction. Expiry is logged and
	// the run proceeds.
	MaxWait      time.Duration
	PollInterval time.Duration

	// Budget for resuming compaction, independent of the run's context.
	EndTimeout time.Duration

	// Attempts for each of suspend and resume.
	Tries int
}

func (c Config) withDefaults() Config {
	if c.MaxWait == 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.EndTimeout == 0 {
		c.EndTimeout = DefaultEndTimeout
	}
	if c.Tries == 0 {
		c.Tries = DefaultTries
	}
	return c
}

type Coordinator struct {
	ctrl Controller
	cfg  Config
	stat stats.StatsReceiver

	// NewBackOff builds the retry policy for suspend and resume.
	NewBackOff func() backoff.BackOff
}

func NewCoordinator(ctrl Controller, cfg Config, stat stats.StatsReceiver) *Coordinator {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Coordinator{
		ctrl: ctrl,
		cfg:  cfg.withDefaults(),
		stat: stat.Scope("gc"),
		NewBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

func (c *Coordinator) retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(c.NewBackOff(), uint64(c.cfg.Tries-1)), ctx)
	var err error
	if retryErr := backoff.Retry(func() error {
		err = op()
		return err
	}, b); retryErr != nil {
		if err == nil {
			err = retryErr
		}
		return err
	}
	return nil
}

// Begin suspends compaction on the host and waits, up to MaxWait, for any
// compaction already running to finish. On success the caller owns the
// returned Suspension and must End it. On failure compaction has already
// been resumed.
func (c *Coordinator) Begin(ctx context.Context) (*Suspension, error) {
	host := c.ctrl.Host()
	s := &Suspension{
		ctrl:  c.ctrl,
		coord: c,
	}

	log.WithField("host", host).Info("Suspending compaction")
	if err := c.retry(ctx, func() error { return c.ctrl.Suspend(ctx) }); err != nil {
		// The flag may have been set before the channel broke.
		if endErr := s.End(); endErr != nil {
			log.WithField("host", host).Warnf("Best-effort resume after failed suspend: %v", endErr)
		}
		if ctx.Err() != nil {
			return nil, errors.Wrapf(snaperrors.ErrInterrupted, "suspending compaction on %s", host)
		}
		return nil, errors.Wrapf(snaperrors.ErrGCSuspendFailed, "host %s: %v", host, err)
	}

	if err := c.waitIdle(ctx, host); err != nil {
		if endErr := s.End(); endErr != nil {
			log.WithField("host", host).Errorf("Resume after interrupted wait: %v", endErr)
		}
		return nil, err
	}
	return s, nil
}

func (c *Coordinator) waitIdle(ctx context.Context, host string) error {
	defer c.stat.Latency(stats.GCWaitLatency_ms).Time().Stop()
	c.stat.Gauge(stats.GCWaitExpiredGauge).Update(0)

	deadline := time.NewTimer(c.cfg.MaxWait)
	defer deadline.Stop()
	for {
		busy, err := c.ctrl.InFlight(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrapf(snaperrors.ErrInterrupted, "waiting for compaction on %s", host)
			}
			log.WithField("host", host).Warnf("Could not probe for in-flight compaction, proceeding: %v", err)
			return nil
		}
		if !busy {
			return nil
		}
		log.WithField("host", host).Debug("Compaction in flight, waiting")

		select {
		case <-ctx.Done():
			return errors.Wrapf(snaperrors.ErrInterrupted, "waiting for compaction on %s", host)
		case <-deadline.C:
			c.stat.Gauge(stats.GCWaitExpiredGauge).Update(1)
			log.WithField("host", host).Warnf("Compaction still in flight after %v, proceeding", c.cfg.MaxWait)
			return nil
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// Suspension is an open no-compaction window.
type Suspension struct {
	ctrl  Controller
	coord *Coordinator
	once  sync.Once
	err   error
}

// End resumes compaction. It issues the resume at most once, no matter how
// often it is called, and always on its own timeout rather than a caller's
// context, which may already be cancelled.
func (s *Suspension) End() error {
	s.once.Do(func() {
		c := s.coord
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.EndTimeout)
		defer cancel()

		c.stat.Counter(stats.GCResumeCounter).Inc(1)
		err := c.retry(ctx, func() error { return s.ctrl.Resume(ctx) })
		if err != nil {
			c.stat.Counter(stats.GCResumeErrCounter).Inc(1)
			s.err = errors.Wrapf(err, "resuming compaction on %s", s.ctrl.Host())
			log.Error(s.err)
			return
		}
		log.WithField("host", s.ctrl.Host()).Info("Resumed compaction")
	})
	return s.err
}
