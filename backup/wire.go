package backup

import (
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/gitsnap/gitsnap/catalog"
	hostos "github.com/gitsnap/gitsnap/common/os"
	"github.com/gitsnap/gitsnap/common/os/exec"
	"github.com/gitsnap/gitsnap/common/stats"
	"github.com/gitsnap/gitsnap/config"
	"github.com/gitsnap/gitsnap/gcsuspend"
	"github.com/gitsnap/gitsnap/os/temp"
	"github.com/gitsnap/gitsnap/phases"
	"github.com/gitsnap/gitsnap/segments"
	"github.com/gitsnap/gitsnap/transfer"
	"github.com/gitsnap/gitsnap/transport"
)

// Deps are the process-level pieces a Driver is built from.
type Deps struct {
	Execer exec.OsExec
	Tmp    *temp.TempDir
	Stat   stats.StatsReceiver

	// TransferLog receives transfer tool output. Optional.
	TransferLog io.Writer
}

// Channel builds the command channel to the source host.
func Channel(cfg *config.Config, execer exec.OsExec) transport.Channel {
	if cfg.Transfer == "local" {
		return transport.NewLocal(execer)
	}
	ssh := transport.NewSSH(transport.SSHConfig{
		Host:        cfg.Source.Host,
		User:        cfg.Source.User,
		Port:        cfg.Source.Port,
		Options:     cfg.Source.SSHOptions,
		KillTimeout: cfg.KillGrace,
	}, execer)
	return ssh
}

// SegmentSource builds the configured log store source.
func SegmentSource(cfg *config.Config, ch transport.Channel) segments.Source {
	if cfg.Segments.Source == "http" {
		return segments.NewHTTPSource(cfg.Segments.URL, nil)
	}
	return segments.NewRemoteSource(ch, cfg.Segments.Commands)
}

// New wires a Driver from a validated configuration.
func New(cfg *config.Config, deps Deps) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	minFree, err := cfg.MinFreeBytes()
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Open(cfg.Snapshots)
	if err != nil {
		return nil, err
	}
	ch := Channel(cfg, deps.Execer)
	if deps.Tmp == nil {
		if deps.Tmp, err = temp.TempDirDefault(); err != nil {
			return nil, err
		}
	}

	var (
		exe    transfer.Executor
		source string
	)
	switch cfg.Transfer {
	case "local":
		local := transfer.NewLocal()
		local.Checksum = cfg.Checksum
		exe, source = local, cfg.Source.Root
	case "rsync":
		ssh := ch.(*transport.SSH)
		exe = transfer.NewRsync(transfer.RsyncConfig{
			Binary:       cfg.Rsync.Path,
			RemoteBinary: cfg.Rsync.RemotePath,
			RemoteShell:  ssh.RemoteShell(),
			ExtraArgs:    cfg.Rsync.ExtraArgs,
			KillTimeout:  cfg.KillGrace,
			Log:          deps.TransferLog,
		}, deps.Execer, deps.Tmp)
		source = ssh.Destination() + ":" + strings.TrimSuffix(cfg.Source.Root, "/")
	default:
		return nil, errors.Errorf("unknown transfer %q", cfg.Transfer)
	}

	d := &Driver{
		Catalog: cat,
		Channel: ch,
		GC: gcsuspend.NewCoordinator(gcsuspend.NewRemoteController(ch, cfg.GC.Commands), gcsuspend.Config{
			MaxWait:      cfg.GC.MaxWait,
			PollInterval: cfg.GC.PollInterval,
			EndTimeout:   cfg.GC.EndTimeout,
		}, deps.Stat),
		Sequencer: phases.NewSequencer(exe, phases.Default(cfg.Caches), deps.Stat),
		Disk:      hostos.NewDisk(),
		Stat:      deps.Stat,
		Opts: Options{
			Source:       source,
			SourceRoot:   cfg.Source.Root,
			MinFreeBytes: minFree,
			Verify:       cfg.Verify,
		},
	}
	if cfg.Segments.Enabled {
		d.Segments = segments.NewBackup(SegmentSource(cfg, ch), segments.Options{
			Prefix:           cfg.Segments.Prefix,
			Workers:          cfg.Segments.Workers,
			FetchesPerSecond: cfg.Segments.FetchesPerSecond,
		}, deps.Stat)
	}
	return d, nil
}
