// Package phases copies a repository store in five ordered passes, each
// selecting one slice of every repository.
package phases

import (
	"context"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	snaperrors "github.com/gitsnap/gitsnap/common/errors"
	"github.com/gitsnap/gitsnap/common/stats"
	"github.com/gitsnap/gitsnap/transfer"
)

// Target is where one run copies from and to.
type Target struct {
	Source string
	Dest   string

	// Reference is the previous snapshot's repository root, or empty.
	Reference string

	// Closing Stop lets the running phase finish but starts no new one.
	// Cancelling the context passed to RunAll aborts the running phase.
	Stop <-chan struct{}
}

// Report describes one completed phase.
type Report struct {
	Phase    string
	Result   transfer.Result
	Duration time.Duration
}

type Sequencer struct {
	exec   transfer.Executor
	phases []Phase
	stat   stats.StatsReceiver
}

func NewSequencer(exec transfer.Executor, phases []Phase, stat stats.StatsReceiver) *Sequencer {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Sequencer{exec: exec, phases: phases, stat: stat.Scope("phases")}
}

func (s *Sequencer) Phases() []Phase {
	return s.phases
}

// RunAll runs every phase in order, one at a time. The first failure ends
// the run: the remaining phases are not started, and the reports of the
// phases that completed are returned along with the error.
func (s *Sequencer) RunAll(ctx context.Context, t Target) ([]Report, error) {
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("Phase plan: %s", spew.Sdump(t))
		for _, p := range s.phases {
			log.Debugf("Phase %s rules:\n%s", p.Name, p.Rules)
		}
	}

	reports := make([]Report, 0, len(s.phases))
	for i, p := range s.phases {
		if stopped(ctx, t.Stop) {
			return reports, errors.Wrapf(snaperrors.ErrInterrupted,
				"stopped before phase %d/%d (%s)", i+1, len(s.phases), p.Name)
		}

		fields := log.Fields{"phase": p.Name, "step": i + 1}
		log.WithFields(fields).Info("Starting phase")
		stat := s.stat.Scope(p.Name)
		start := stats.Time.Now()

		res, err := s.exec.Transfer(ctx, p.request(t.Source, t.Dest, t.Reference))
		elapsed := stats.Time.Since(start)
		stat.Latency(stats.PhaseLatency_ms).Record(elapsed)
		if err != nil {
			stat.Counter(stats.PhaseErrCounter).Inc(1)
			if ctx.Err() != nil {
				return reports, errors.Wrapf(snaperrors.ErrInterrupted, "phase %s: %v", p.Name, err)
			}
			return reports, errors.Wrapf(snaperrors.ErrPhaseTransferFailed, "phase %s: %v", p.Name, err)
		}

		stat.Counter(stats.PhaseFilesCounter).Inc(res.Files)
		stat.Counter(stats.PhaseBytesCounter).Inc(res.Bytes)
		if res.Vanished {
			stat.Gauge(stats.PhaseVanishedGauge).Update(1)
		}
		log.WithFields(fields).Infof("Finished phase in %v: %s", elapsed.Round(time.Millisecond), res)
		reports = append(reports, Report{Phase: p.Name, Result: res, Duration: elapsed})
	}
	return reports, nil
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
