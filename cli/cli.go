// Package cli builds the gitsnap command tree.
//
// main constructs an Injector and passes it to MakeCLI. Each subcommand
// registers its own flags; when cobra runs one, the wrapper asks the
// Injector for the configuration and hands it to the command's run.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gitsnap/gitsnap/backup"
	"github.com/gitsnap/gitsnap/catalog"
	"github.com/gitsnap/gitsnap/common/os/exec"
	"github.com/gitsnap/gitsnap/common/stats"
	"github.com/gitsnap/gitsnap/config"
	"github.com/gitsnap/gitsnap/segments"
	"github.com/gitsnap/gitsnap/verify"
)

type Injector interface {
	RegisterFlags(cmd *cobra.Command)
	Inject() (*config.Config, error)
	Stats() stats.StatsReceiver
}

type command interface {
	register() *cobra.Command
	run(cfg *config.Config, stat stats.StatsReceiver, cmd *cobra.Command, args []string) error
}

func MakeCLI(injector Injector) *cobra.Command {
	root := &cobra.Command{
		Use:           "gitsnap",
		Short:         "consistent incremental snapshots of a live repository store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	injector.RegisterFlags(root)

	add := func(sub command, parent *cobra.Command) {
		cmd := sub.register()
		cmd.RunE = func(inner *cobra.Command, args []string) error {
			cfg, err := injector.Inject()
			if err != nil {
				return err
			}
			return sub.run(cfg, injector.Stats(), inner, args)
		}
		parent.AddCommand(cmd)
	}

	add(&backupCommand{}, root)
	add(&segmentsCommand{}, root)
	add(&verifyCommand{}, root)

	snapshots := &cobra.Command{
		Use:   "snapshots",
		Short: "inspect the snapshot catalog",
	}
	root.AddCommand(snapshots)
	add(&listCommand{}, snapshots)
	add(&pruneCommand{}, snapshots)
	return root
}

type backupCommand struct {
	rsyncLog string
}

func (c *backupCommand) register() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "take one snapshot",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&c.rsyncLog, "transfer_log", "", "append transfer tool output to this file")
	return cmd
}

func (c *backupCommand) run(cfg *config.Config, stat stats.StatsReceiver, _ *cobra.Command, _ []string) error {
	deps := backup.Deps{Execer: exec.NewOsExec(), Stat: stat}
	if c.rsyncLog != "" {
		f, err := os.OpenFile(c.rsyncLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		deps.TransferLog = f
	}
	driver, err := backup.New(cfg, deps)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	stop := backup.HandleInterrupts(sigCh, cancel)

	report, err := driver.Run(ctx, stop)
	if err != nil {
		return err
	}
	fmt.Println(report.Snapshot.Dir)
	return report.SegmentErr
}

type segmentsCommand struct {
	previous string
}

func (c *segmentsCommand) register() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "segments <dest>",
		Short: "back up log segments into dest",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&c.previous, "previous", "", "directory holding the previous backup's segments")
	return cmd
}

func (c *segmentsCommand) run(cfg *config.Config, stat stats.StatsReceiver, _ *cobra.Command, args []string) error {
	ch := backup.Channel(cfg, exec.NewOsExec())
	b := segments.NewBackup(backup.SegmentSource(cfg, ch), segments.Options{
		Prefix:           cfg.Segments.Prefix,
		Workers:          cfg.Segments.Workers,
		FetchesPerSecond: cfg.Segments.FetchesPerSecond,
	}, stat)
	if err := os.MkdirAll(args[0], 0755); err != nil {
		return err
	}
	_, err := b.Run(context.Background(), args[0], c.previous)
	return err
}

type verifyCommand struct {
	workers int
	reflogs bool
}

func (c *verifyCommand) register() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [snapshot]",
		Short: "check that every ref in a snapshot resolves",
		Args:  cobra.MaximumNArgs(1),
	}
	cmd.Flags().IntVar(&c.workers, "workers", 0, "repositories checked at once (default 8)")
	cmd.Flags().BoolVar(&c.reflogs, "reflogs", true, "also check reflog entries")
	return cmd
}

func (c *verifyCommand) run(cfg *config.Config, _ stats.StatsReceiver, _ *cobra.Command, args []string) error {
	cat, err := catalog.Open(cfg.Snapshots)
	if err != nil {
		return err
	}
	var snap *catalog.Snapshot
	if len(args) == 1 {
		snap, err = cat.Get(args[0])
	} else if snap, err = cat.Previous(); err == nil && snap == nil {
		return fmt.Errorf("no complete snapshot in %s", cfg.Snapshots)
	}
	if err != nil {
		return err
	}

	report, err := verify.Check(context.Background(), snap.Repositories(), verify.Options{
		Workers:    c.workers,
		SourceRoot: cfg.Source.Root,
		Reflogs:    c.reflogs,
	})
	if err != nil {
		return err
	}
	for _, d := range report.Dangling {
		fmt.Println(d)
	}
	log.Infof("%s: %d repositories, %d refs, %d dangling", snap.Name, report.Repos, report.Refs, len(report.Dangling))
	if !report.OK() {
		return fmt.Errorf("%s has %d dangling refs", snap.Name, len(report.Dangling))
	}
	return nil
}

type listCommand struct{}

func (c *listCommand) register() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list snapshots, oldest first",
		Args:  cobra.NoArgs,
	}
}

func (c *listCommand) run(cfg *config.Config, _ stats.StatsReceiver, _ *cobra.Command, _ []string) error {
	cat, err := catalog.Open(cfg.Snapshots)
	if err != nil {
		return err
	}
	all, err := cat.List()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, s := range all {
		state := "incomplete"
		if s.Complete {
			state = "complete"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, state, humanize.Time(s.Created))
	}
	return w.Flush()
}

type pruneCommand struct{}

func (c *pruneCommand) register() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "remove snapshots left incomplete by failed runs",
		Args:  cobra.NoArgs,
	}
}

func (c *pruneCommand) run(cfg *config.Config, _ stats.StatsReceiver, _ *cobra.Command, _ []string) error {
	cat, err := catalog.Open(cfg.Snapshots)
	if err != nil {
		return err
	}
	removed, err := cat.PruneIncomplete("")
	for _, name := range removed {
		fmt.Println(name)
	}
	return err
}
