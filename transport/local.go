package transport

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	snaperrors "github.com/gitsnap/gitsnap/common/errors"
	"github.com/gitsnap/gitsnap/common/os/exec"
)

// Local runs commands on this host through /bin/sh, for stores that are
// mounted locally.
type Local struct {
	execer      exec.OsExec
	KillTimeout time.Duration
}

var _ Channel = &Local{}

func NewLocal(execer exec.OsExec) *Local {
	if execer == nil {
		execer = exec.NewOsExec()
	}
	return &Local{execer: execer, KillTimeout: DefaultKillTimeout}
}

func (l *Local) Host() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "localhost"
}

func (l *Local) run(ctx context.Context, command string, w io.Writer) exec.RunResult {
	return exec.RunKillableCommand(l.execer.Command("/bin/sh", "-c", command), exec.KillableOpts{
		KillCh:      ctx.Done(),
		KillTimeout: l.KillTimeout,
		Stdout:      w,
	})
}

func (l *Local) Run(ctx context.Context, command string) ([]byte, error) {
	rr := l.run(ctx, command, nil)
	return rr.Stdout, l.classify(command, rr)
}

func (l *Local) Stream(ctx context.Context, command string, w io.Writer) error {
	return l.classify(command, l.run(ctx, command, w))
}

// Ping checks a shell can be started.
func (l *Local) Ping(ctx context.Context) error {
	_, err := l.Run(ctx, "true")
	if err != nil && !errors.Is(err, snaperrors.ErrTransportUnavailable) {
		return errors.Wrapf(snaperrors.ErrTransportUnavailable, "local shell: %v", err)
	}
	return err
}

func (l *Local) classify(command string, rr exec.RunResult) error {
	if rr.Error == nil {
		return nil
	}
	if _, ok := exec.ExitStatus(rr.Error); !ok && !errors.Is(rr.Error, exec.KilledError) && !errors.Is(rr.Error, exec.TimeoutError) {
		return errors.Wrapf(snaperrors.ErrTransportUnavailable, "local shell: %v", rr.Error)
	}
	return NewCommandError(command, strings.TrimSpace(string(rr.Stderr)), rr.Error)
}
