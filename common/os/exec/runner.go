package exec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	CmdSeparator = "--------------------------------------------------------------"
)

var TimeoutError = errors.New("command timeout")

// KilledError is returned when a command was stopped through its kill channel.
var KilledError = errors.New("command killed on request")

// RunResult encapsulates a return from RunKillableCommand: the exit state plus
// buffered stdout (unless redirected) and stderr.
type RunResult struct {
	// A command that fails to start may have a nil ProcessState.
	ProcessState *os.ProcessState

	Stdout []byte
	Stderr []byte

	// Error from Start() or Wait(), or TimeoutError / KilledError.
	Error error
}

func (rr RunResult) String() string {
	return fmt.Sprintf("Error:%v, Stdout:%s, Stderr:%s", rr.Error, rr.Stdout, rr.Stderr)
}

// KillableOpts controls RunKillableCommand.
type KillableOpts struct {
	// When KillCh is closed or receives, the command is SIGTERM'd and, after
	// KillTimeout, killed.
	KillCh      <-chan struct{}
	KillTimeout time.Duration

	// If > 0 the command is killed if it has not completed within Timeout.
	Timeout time.Duration

	// StreamLog receives stdout and stderr as they are produced. Optional.
	StreamLog io.Writer

	// Stdout, if set, receives stdout instead of the RunResult buffer. Used to
	// stream large outputs to disk.
	Stdout io.Writer
}

func truncateCmd(cmd Cmd) string {
	args := cmd.Args()
	if len(args) > 0 {
		args[0] = filepath.Base(args[0])
	}
	return strings.Join(args, " ")
}

// RunKillableCommand starts cmd and waits for it to exit, time out or be
// killed through opts.KillCh. The process is always reaped before returning.
func RunKillableCommand(cmd Cmd, opts KillableOpts) RunResult {
	rr := RunResult{}

	streamLog := opts.StreamLog
	if streamLog == nil {
		streamLog = io.Discard
	}
	var outBuf, errBuf bytes.Buffer
	syncLog := &syncWriter{w: streamLog}
	if opts.Stdout != nil {
		cmd.SetStdout(opts.Stdout)
	} else {
		cmd.SetStdout(io.MultiWriter(&outBuf, syncLog))
	}
	cmd.SetStderr(io.MultiWriter(&errBuf, syncLog))
	cmd.SetSession(true)

	doneCh := make(chan struct{})

	log.Debugf("Running Command: %s", cmd.String())
	syncLog.Write([]byte(fmt.Sprintf("\n%s\nRunning Command: %s\n", CmdSeparator, truncateCmd(cmd))))
	cmdErr := cmd.Start()
	if cmdErr != nil {
		rr.Error = cmdErr
		rr.Stdout = outBuf.Bytes()
		rr.Stderr = errBuf.Bytes()
		return rr
	}

	go func() {
		cmdErr = cmd.Wait()
		close(doneCh)
	}()

	var timeoutCh <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-doneCh:
		syncLog.Write([]byte(fmt.Sprintf("\nExited - ExitCode: %d\n%s\n", cmd.ProcessState().ExitCode(), CmdSeparator)))
	case <-timeoutCh:
		log.Infof("command timed out %v. Killing command", opts.Timeout)
		termThenKill(cmd.Process(), opts.KillTimeout, doneCh)
		// must still wait for cmd.Wait()
		<-doneCh
		syncLog.Write([]byte(fmt.Sprintf("\nTimeout after %v\n%s\n", opts.Timeout, CmdSeparator)))
		cmdErr = TimeoutError
	case <-opts.KillCh:
		log.Info("Received kill request for command")
		termThenKill(cmd.Process(), opts.KillTimeout, doneCh)
		<-doneCh
		syncLog.Write([]byte(fmt.Sprintf("\nTerminated by external request\n%s\n", CmdSeparator)))
		cmdErr = KilledError
	}

	rr.ProcessState = cmd.ProcessState()
	rr.Stdout = outBuf.Bytes()
	rr.Stderr = errBuf.Bytes()
	rr.Error = cmdErr
	return rr
}

// termThenKill will SIGTERM a process, then Kill it if it hasn't exited after duration d.
// waitDoneCh must be closed by the caller when the process exits (to avoid double Wait()ing)
func termThenKill(p *os.Process, d time.Duration, waitDoneCh <-chan struct{}) error {
	if p == nil {
		return nil
	}
	log.Info("Sending SIGTERM to command")
	// negative pid signals the whole session started with setsid
	if err := syscall.Kill(-p.Pid, syscall.SIGTERM); err != nil {
		if err := p.Signal(syscall.SIGTERM); err != nil {
			log.Errorf("Failed to send SIGTERM to process: %s", err)
			return err
		}
	}

	select {
	case <-waitDoneCh:
	case <-time.After(d):
		log.Info("Command hasn't exited, using Kill()")
		if err := p.Kill(); err != nil {
			log.Errorf("Failed to Kill() process: %s", err)
			return err
		}
	}
	return nil
}

// syncWriter is an io.Writer wrapper around another io.Writer that supports safe concurrent Writes.
type syncWriter struct {
	w  io.Writer
	mu sync.Mutex
}

func (b *syncWriter) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.w.Write(p)
}
