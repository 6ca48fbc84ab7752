package main

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gitsnap/gitsnap/cli"
	snaperrors "github.com/gitsnap/gitsnap/common/errors"
	"github.com/gitsnap/gitsnap/common/log/hooks"
	"github.com/gitsnap/gitsnap/common/stats"
	"github.com/gitsnap/gitsnap/config"
)

func main() {
	log.AddHook(hooks.NewContextHook())

	inj := &injector{stat: stats.DefaultStatsReceiver()}
	cmd := cli.MakeCLI(inj)
	err := cmd.Execute()
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("Stats:\n%s", inj.stat.Render(true))
	}
	if err != nil {
		classified := snaperrors.Classify(err)
		log.Error(err)
		os.Exit(int(classified.GetExitCode()))
	}
}

type injector struct {
	logLevel   string
	configPath string
	host       string
	snapshots  string
	transfer   string

	stat stats.StatsReceiver
}

func (i *injector) RegisterFlags(rootCmd *cobra.Command) {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&i.logLevel, "log_level", "info", "Log everything at this level and above (error|info|debug)")
	flags.StringVar(&i.configPath, "config", "", "YAML configuration file")
	flags.StringVar(&i.host, "host", "", "source host, overrides source.host")
	flags.StringVar(&i.snapshots, "snapshots", "", "snapshots root, overrides snapshots")
	flags.StringVar(&i.transfer, "transfer", "", "rsync or local, overrides transfer")
}

func (i *injector) Inject() (*config.Config, error) {
	level, err := log.ParseLevel(i.logLevel)
	if err != nil {
		return nil, errors.Wrapf(snaperrors.ErrConfig, "log_level: %v", err)
	}
	log.SetLevel(level)

	cfg, err := config.Load(i.configPath)
	if err != nil {
		return nil, err
	}
	if i.host != "" {
		cfg.Source.Host = i.host
	}
	if i.snapshots != "" {
		cfg.Snapshots = i.snapshots
	}
	if i.transfer != "" {
		cfg.Transfer = i.transfer
	}
	return cfg, nil
}

func (i *injector) Stats() stats.StatsReceiver {
	return i.stat
}
