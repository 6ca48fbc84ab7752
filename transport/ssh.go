package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	snaperrors "github.com/gitsnap/gitsnap/common/errors"
	"github.com/gitsnap/gitsnap/common/os/exec"
)

// sshUnreachableStatus is the status ssh itself exits with on connection
// failure, as opposed to the remote command's own status.
const sshUnreachableStatus = 255

const (
	DefaultPort           = 22
	DefaultConnectTimeout = 10 * time.Second
	DefaultKillTimeout    = 5 * time.Second
	DefaultPingTries      = 3
)

// SSHConfig describes how to reach the source host.
type SSHConfig struct {
	Host string
	User string
	Port int

	// Extra "-o Key=Value" options, passed through verbatim.
	Options []string

	// Binary defaults to "ssh".
	Binary string

	ConnectTimeout time.Duration

	// Grace period between SIGTERM and kill when a command is cancelled.
	KillTimeout time.Duration

	PingTries int
}

func (c SSHConfig) withDefaults() SSHConfig {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Binary == "" {
		c.Binary = "ssh"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.KillTimeout == 0 {
		c.KillTimeout = DefaultKillTimeout
	}
	if c.PingTries == 0 {
		c.PingTries = DefaultPingTries
	}
	return c
}

// SSH is a Channel over the ssh client binary.
type SSH struct {
	cfg    SSHConfig
	execer exec.OsExec

	// NewBackOff builds the retry policy for Ping. Tests swap in a zero backoff.
	NewBackOff func() backoff.BackOff
}

var _ Channel = &SSH{}

func NewSSH(cfg SSHConfig, execer exec.OsExec) *SSH {
	if execer == nil {
		execer = exec.NewOsExec()
	}
	return &SSH{
		cfg:        cfg.withDefaults(),
		execer:     execer,
		NewBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

func (s *SSH) Host() string {
	return s.cfg.Host
}

// Destination is the "[user@]host" argument.
func (s *SSH) Destination() string {
	if s.cfg.User == "" {
		return s.cfg.Host
	}
	return s.cfg.User + "@" + s.cfg.Host
}

// Options returns the ssh options shared by every connection, excluding the
// destination.
func (s *SSH) Options() []string {
	secs := int(s.cfg.ConnectTimeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	args := []string{
		"-p", strconv.Itoa(s.cfg.Port),
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=" + strconv.Itoa(secs),
	}
	for _, o := range s.cfg.Options {
		args = append(args, "-o", o)
	}
	return args
}

// RemoteShell renders the ssh invocation for tools that take a remote shell
// command line, such as rsync's -e.
func (s *SSH) RemoteShell() string {
	return strings.Join(append([]string{s.cfg.Binary}, s.Options()...), " ")
}

func (s *SSH) command(command string) exec.Cmd {
	args := append(s.Options(), s.Destination(), "--", command)
	return s.execer.Command(s.cfg.Binary, args...)
}

func (s *SSH) Run(ctx context.Context, command string) ([]byte, error) {
	rr := exec.RunKillableCommand(s.command(command), exec.KillableOpts{
		KillCh:      ctx.Done(),
		KillTimeout: s.cfg.KillTimeout,
	})
	if err := s.classify(command, rr); err != nil {
		return rr.Stdout, err
	}
	return rr.Stdout, nil
}

func (s *SSH) Stream(ctx context.Context, command string, w io.Writer) error {
	rr := exec.RunKillableCommand(s.command(command), exec.KillableOpts{
		KillCh:      ctx.Done(),
		KillTimeout: s.cfg.KillTimeout,
		Stdout:      w,
	})
	return s.classify(command, rr)
}

func (s *SSH) Ping(ctx context.Context) error {
	try := 1
	var err error
	b := backoff.WithContext(backoff.WithMaxRetries(s.NewBackOff(), uint64(s.cfg.PingTries-1)), ctx)
	retryErr := backoff.Retry(func() error {
		log.Debugf("Ping %s try #%d", s.cfg.Host, try)
		try++
		_, err = s.Run(ctx, "true")
		return err
	}, b)
	if retryErr == nil {
		return nil
	}
	if err == nil {
		err = retryErr
	}
	if errors.Is(err, snaperrors.ErrTransportUnavailable) {
		return err
	}
	return errors.Wrapf(snaperrors.ErrTransportUnavailable, "ping %s: %v", s.cfg.Host, err)
}

func (s *SSH) classify(command string, rr exec.RunResult) error {
	if rr.Error == nil {
		return nil
	}
	stderr := strings.TrimSpace(string(bytes.TrimSpace(rr.Stderr)))
	status, ok := exec.ExitStatus(rr.Error)
	if !ok {
		if errors.Is(rr.Error, exec.KilledError) || errors.Is(rr.Error, exec.TimeoutError) {
			return errors.Wrapf(rr.Error, "ssh %s %q", s.cfg.Host, command)
		}
		// ssh could not even be started
		return errors.Wrapf(snaperrors.ErrTransportUnavailable, "ssh %s: %v", s.cfg.Host, rr.Error)
	}
	if status == sshUnreachableStatus {
		return errors.Wrapf(snaperrors.ErrTransportUnavailable, "ssh %s: %s", s.cfg.Host, stderr)
	}
	return NewCommandError(command, stderr, rr.Error)
}

// CommandError is a remote command that ran and exited non-zero.
type CommandError struct {
	Command string
	Stderr  string
	err     error
}

func NewCommandError(command, stderr string, err error) *CommandError {
	return &CommandError{Command: command, Stderr: stderr, err: err}
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("remote command %q: %v", e.Command, e.err)
	}
	return fmt.Sprintf("remote command %q: %v: %s", e.Command, e.err, e.Stderr)
}

func (e *CommandError) Unwrap() error {
	return e.err
}
