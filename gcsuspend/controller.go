//go:generate mockgen -source=controller.go -package=gcsuspend -destination=controller_mock.go

package gcsuspend

import (
	"context"
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/gitsnap/gitsnap/common/os/exec"
	"github.com/gitsnap/gitsnap/transport"
)

// Controller toggles background compaction on one source host. Suspend and
// Resume must be idempotent.
type Controller interface {
	Host() string
	Suspend(ctx context.Context) error
	Resume(ctx context.Context) error

	// InFlight reports whether a compaction started before Suspend is still
	// running.
	InFlight(ctx context.Context) (bool, error)
}

const (
	FlagFile = ".sync_in_progress"

	// Bracketed letters keep the pattern from matching the shell that runs
	// pgrep, whose command line contains the pattern itself.
	DefaultInFlightMatch = "git (gc|repac[k])|[n]w-repack"
)

// Commands are the shell commands run on the source host.
type Commands struct {
	Suspend string `yaml:"suspend"`
	Resume  string `yaml:"resume"`

	// Probe exits 0 when compaction is in flight and 1 when none is.
	Probe string `yaml:"probe"`
}

// DefaultCommands uses a flag file under the repositories root, which the
// host's maintenance jobs check before compacting.
func DefaultCommands(root string) Commands {
	flag := shellQuote(path.Join(root, FlagFile))
	return Commands{
		Suspend: "touch " + flag,
		Resume:  "rm -f " + flag,
		Probe:   "pgrep -f " + shellQuote(DefaultInFlightMatch),
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// RemoteController runs Commands over a transport.Channel.
type RemoteController struct {
	ch   transport.Channel
	cmds Commands
}

var _ Controller = &RemoteController{}

func NewRemoteController(ch transport.Channel, cmds Commands) *RemoteController {
	return &RemoteController{ch: ch, cmds: cmds}
}

func (r *RemoteController) Host() string {
	return r.ch.Host()
}

func (r *RemoteController) Suspend(ctx context.Context) error {
	_, err := r.ch.Run(ctx, r.cmds.Suspend)
	return errors.Wrap(err, "suspend")
}

func (r *RemoteController) Resume(ctx context.Context) error {
	_, err := r.ch.Run(ctx, r.cmds.Resume)
	return errors.Wrap(err, "resume")
}

func (r *RemoteController) InFlight(ctx context.Context) (bool, error) {
	_, err := r.ch.Run(ctx, r.cmds.Probe)
	if err == nil {
		return true, nil
	}
	var ce *transport.CommandError
	if errors.As(err, &ce) {
		if status, ok := exec.ExitStatus(ce); ok && status == 1 {
			return false, nil
		}
	}
	return false, errors.Wrap(err, "probe")
}
