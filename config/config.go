// Package config loads the backup configuration from a YAML file.
//
//	source:
//	  host: ghe.example.com
//	  user: admin
//	  port: 122
//	  root: /data/user/repositories
//	snapshots: /backup/snapshots
//	gc:
//	  max_wait: 60s
//	segments:
//	  enabled: true
//	  workers: 8
//	min_free: 50GiB
package config

import (
	"bytes"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	snaperrors "github.com/gitsnap/gitsnap/common/errors"
	"github.com/gitsnap/gitsnap/gcsuspend"
	"github.com/gitsnap/gitsnap/phases"
	"github.com/gitsnap/gitsnap/segments"
	"github.com/gitsnap/gitsnap/transport"
)

const (
	DefaultRoot      = "/data/user/repositories"
	DefaultMinFree   = "1GiB"
	DefaultKillGrace = 10 * time.Second
	DefaultTransfer  = "rsync"
)

type Config struct {
	Source    Source `yaml:"source"`
	Snapshots string `yaml:"snapshots"`

	// Transfer is "rsync", or "local" when Source.Root is on this host.
	Transfer string   `yaml:"transfer"`
	Rsync    Rsync    `yaml:"rsync"`
	Caches   []string `yaml:"caches"`

	// Checksum makes reuse compare content too. Local transfers only.
	Checksum bool `yaml:"checksum"`

	GC       GC       `yaml:"gc"`
	Segments Segments `yaml:"segments"`

	// KillGrace is the time between SIGTERM and kill for a cancelled transfer.
	KillGrace time.Duration `yaml:"kill_grace"`

	// MinFree is the free space the snapshots filesystem needs to start, in
	// humanized form ("50GiB").
	MinFree string `yaml:"min_free"`

	// Verify checks referential closure before finalizing.
	Verify bool `yaml:"verify"`
}

type Source struct {
	Host       string   `yaml:"host"`
	User       string   `yaml:"user"`
	Port       int      `yaml:"port"`
	SSHOptions []string `yaml:"ssh_options"`
	Root       string   `yaml:"root"`
}

type Rsync struct {
	Path       string   `yaml:"path"`
	RemotePath string   `yaml:"remote_path"`
	ExtraArgs  []string `yaml:"extra_args"`
}

type GC struct {
	// Commands default to gcsuspend.DefaultCommands(Source.Root).
	Commands     gcsuspend.Commands `yaml:"commands"`
	MaxWait      time.Duration      `yaml:"max_wait"`
	PollInterval time.Duration      `yaml:"poll_interval"`
	EndTimeout   time.Duration      `yaml:"end_timeout"`
}

type Segments struct {
	Enabled bool `yaml:"enabled"`

	// Source is "remote" (over ssh) or "http".
	Source   string                  `yaml:"source"`
	URL      string                  `yaml:"url"`
	Dir      string                  `yaml:"dir"`
	Commands segments.RemoteCommands `yaml:"commands"`

	Prefix           string  `yaml:"prefix"`
	Workers          int     `yaml:"workers"`
	FetchesPerSecond float64 `yaml:"fetches_per_second"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills unset fields. Derived commands follow Source.Root and
// Segments.Dir, so call it after those are known.
func (c *Config) ApplyDefaults() {
	if c.Source.Port == 0 {
		c.Source.Port = transport.DefaultPort
	}
	if c.Source.Root == "" {
		c.Source.Root = DefaultRoot
	}
	if c.Transfer == "" {
		c.Transfer = DefaultTransfer
	}
	if c.Caches == nil {
		c.Caches = append([]string(nil), phases.DefaultCaches...)
	}
	def := gcsuspend.DefaultCommands(c.Source.Root)
	if c.GC.Commands.Suspend == "" {
		c.GC.Commands.Suspend = def.Suspend
	}
	if c.GC.Commands.Resume == "" {
		c.GC.Commands.Resume = def.Resume
	}
	if c.GC.Commands.Probe == "" {
		c.GC.Commands.Probe = def.Probe
	}
	if c.GC.MaxWait == 0 {
		c.GC.MaxWait = gcsuspend.DefaultMaxWait
	}
	if c.GC.PollInterval == 0 {
		c.GC.PollInterval = gcsuspend.DefaultPollInterval
	}
	if c.GC.EndTimeout == 0 {
		c.GC.EndTimeout = gcsuspend.DefaultEndTimeout
	}
	if c.Segments.Source == "" {
		c.Segments.Source = "remote"
	}
	if c.Segments.Dir == "" {
		c.Segments.Dir = segments.DefaultRemoteDir
	}
	segDef := segments.DefaultRemoteCommands(c.Segments.Dir)
	if c.Segments.Commands.List == "" {
		c.Segments.Commands.List = segDef.List
	}
	if c.Segments.Commands.Period == "" {
		c.Segments.Commands.Period = segDef.Period
	}
	if c.Segments.Commands.Fetch == "" {
		c.Segments.Commands.Fetch = segDef.Fetch
	}
	if c.Segments.Prefix == "" {
		c.Segments.Prefix = segments.DefaultPrefix
	}
	if c.Segments.Workers == 0 {
		c.Segments.Workers = segments.DefaultWorkers
	}
	if c.KillGrace == 0 {
		c.KillGrace = DefaultKillGrace
	}
	if c.MinFree == "" {
		c.MinFree = DefaultMinFree
	}
}

// Parse decodes YAML, rejecting unknown keys, and applies defaults. It does
// not validate.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(snaperrors.ErrConfig, "parsing: %v", err)
	}
	c.ApplyDefaults()
	return c, nil
}

// Load reads and parses the file at path. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(snaperrors.ErrConfig, "reading %s: %v", path, err)
	}
	return Parse(data)
}

// MinFreeBytes parses MinFree.
func (c *Config) MinFreeBytes() (uint64, error) {
	return humanize.ParseBytes(c.MinFree)
}

// Validate checks the configuration is complete enough to run a backup.
func (c *Config) Validate() error {
	var problems []string
	if c.Snapshots == "" {
		problems = append(problems, "snapshots root is required")
	}
	switch c.Transfer {
	case "rsync":
		if c.Source.Host == "" {
			problems = append(problems, "source.host is required for rsync transfers")
		}
	case "local":
	default:
		problems = append(problems, "transfer must be rsync or local, not "+c.Transfer)
	}
	if !strings.HasPrefix(c.Source.Root, "/") {
		problems = append(problems, "source.root must be absolute")
	}
	if c.Source.Port < 1 || c.Source.Port > 65535 {
		problems = append(problems, "source.port out of range")
	}
	if c.GC.MaxWait < 0 || c.GC.PollInterval <= 0 || c.GC.EndTimeout <= 0 {
		problems = append(problems, "gc durations must be positive")
	}
	if _, err := c.MinFreeBytes(); err != nil {
		problems = append(problems, "min_free: "+err.Error())
	}
	if c.Segments.Enabled {
		switch c.Segments.Source {
		case "remote":
			if c.Source.Host == "" {
				problems = append(problems, "source.host is required for remote segments")
			}
			if strings.Count(c.Segments.Commands.Fetch, "%s") != 1 {
				problems = append(problems, "segments.commands.fetch needs exactly one %s")
			}
		case "http":
			if c.Segments.URL == "" {
				problems = append(problems, "segments.url is required for http segments")
			}
		default:
			problems = append(problems, "segments.source must be remote or http, not "+c.Segments.Source)
		}
		if c.Segments.Workers < 1 {
			problems = append(problems, "segments.workers must be at least 1")
		}
	}
	if len(problems) > 0 {
		return errors.Wrap(snaperrors.ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}
