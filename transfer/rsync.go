package transfer

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gitsnap/gitsnap/common/os/exec"
	"github.com/gitsnap/gitsnap/os/temp"
)

// rsync exits 24 when source files vanish between listing and copying, which
// is routine against a live store.
const rsyncVanishedStatus = 24

const DefaultKillTimeout = 10 * time.Second

type RsyncConfig struct {
	// Binary defaults to "rsync".
	Binary string

	// RemoteBinary is passed as --rsync-path when set.
	RemoteBinary string

	// RemoteShell is passed as -e when set, e.g. the ssh channel's command.
	RemoteShell string

	ExtraArgs []string

	KillTimeout time.Duration

	// Log receives rsync's output as it runs. Optional.
	Log io.Writer
}

// Rsync runs the rsync binary once per request. The rule set is handed over
// as a filter merge file.
type Rsync struct {
	cfg    RsyncConfig
	execer exec.OsExec
	tmp    *temp.TempDir
}

var _ Executor = &Rsync{}

func NewRsync(cfg RsyncConfig, execer exec.OsExec, tmp *temp.TempDir) *Rsync {
	if cfg.Binary == "" {
		cfg.Binary = "rsync"
	}
	if cfg.KillTimeout == 0 {
		cfg.KillTimeout = DefaultKillTimeout
	}
	if execer == nil {
		execer = exec.NewOsExec()
	}
	return &Rsync{cfg: cfg, execer: execer, tmp: tmp}
}

func (r *Rsync) args(req Request, filterFile string) []string {
	args := []string{
		"--archive",
		"--numeric-ids",
		"--prune-empty-dirs",
		"--stats",
		"--filter=merge " + filterFile,
	}
	if req.Compress {
		args = append(args, "--compress")
	}
	if req.Reference != "" {
		args = append(args, "--link-dest="+withSlash(req.Reference))
	}
	if r.cfg.RemoteShell != "" {
		args = append(args, "--rsh="+r.cfg.RemoteShell)
	}
	if r.cfg.RemoteBinary != "" {
		args = append(args, "--rsync-path="+r.cfg.RemoteBinary)
	}
	args = append(args, r.cfg.ExtraArgs...)
	return append(args, withSlash(req.Source), withSlash(req.Dest))
}

func withSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

func (r *Rsync) Transfer(ctx context.Context, req Request) (Result, error) {
	filterFile, err := r.tmp.WriteFile("filter-"+req.Name+"-", []byte(req.Rules.String()))
	if err != nil {
		return Result{}, errors.Wrap(err, "writing filter file")
	}
	defer removeQuietly(filterFile)

	cmd := r.execer.Command(r.cfg.Binary, r.args(req, filterFile)...)
	rr := exec.RunKillableCommand(cmd, exec.KillableOpts{
		KillCh:      ctx.Done(),
		KillTimeout: r.cfg.KillTimeout,
		StreamLog:   r.cfg.Log,
	})
	res := parseStats(rr.Stdout)
	if rr.Error == nil {
		return res, nil
	}
	if status, ok := exec.ExitStatus(rr.Error); ok && status == rsyncVanishedStatus {
		res.Vanished = true
		log.WithField("phase", req.Name).Warn("Source files vanished during transfer")
		return res, nil
	}
	if ctx.Err() != nil {
		return res, errors.Wrapf(ctx.Err(), "rsync %s", req.Name)
	}
	return res, &RsyncError{Stderr: tail(string(rr.Stderr), 5), err: rr.Error}
}

var (
	filesRe = regexp.MustCompile(`(?m)^Number of regular files transferred: ([\d,]+)`)
	bytesRe = regexp.MustCompile(`(?m)^Total transferred file size: ([\d,]+)`)
)

// parseStats reads the --stats trailer. Missing fields stay zero.
func parseStats(out []byte) Result {
	var res Result
	if m := filesRe.FindSubmatch(out); m != nil {
		res.Files, _ = strconv.ParseInt(strings.ReplaceAll(string(m[1]), ",", ""), 10, 64)
	}
	if m := bytesRe.FindSubmatch(out); m != nil {
		res.Bytes, _ = strconv.ParseInt(strings.ReplaceAll(string(m[1]), ",", ""), 10, 64)
	}
	return res
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// RsyncError is a failed rsync run. The exit status is reachable through
// exec.ExitStatus.
type RsyncError struct {
	Stderr string
	err    error
}

func (e *RsyncError) Error() string {
	return fmt.Sprintf("rsync: %v: %s", e.err, e.Stderr)
}

func (e *RsyncError) Unwrap() error {
	return e.err
}
