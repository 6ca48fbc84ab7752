package exec

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
)

type (
	// ValidatingExecer is an OsExec implementation that instead of running Commands,
	// validates that commands would have been run against an expected set.
	// Process and ProcessState of validated commands are always nil.
	ValidatingExecer struct {
		vCmd *ValidatingCmd
	}

	// ValidatingCmd implements Cmd. It does not run anything; Run, Start and
	// Wait check the argv against the next expected command and perform any
	// injected fake action.
	ValidatingCmd struct {
		Cmd
		mu             sync.Mutex
		t              *testing.T
		currentCmd     []string
		expectedCmdsRe [][]string
		commandIdx     int
		fakeActions    map[int]func(cmd *ValidatingCmd) error
		doneCh         chan error
		stdout         io.Writer
		stderr         io.Writer
	}

	// FakeExitError is an ExitError for fake actions that simulate a
	// non-zero exit status.
	FakeExitError struct {
		Status int
		Argv   []string
	}
)

var _ ExitError = &FakeExitError{}

// NewValidatingExecer returns a ValidatingExecer with a set of expected commands that will be called.
// Each expected command is a list of regular expressions, one per argv entry.
func NewValidatingExecer(t *testing.T, expectedCmdsRe [][]string) *ValidatingExecer {
	return &ValidatingExecer{vCmd: &ValidatingCmd{t: t, expectedCmdsRe: expectedCmdsRe, commandIdx: -1}}
}

// SetFakeActions allow the test to inject fake actions, keyed by expected command index.
// Actions run only if validation passes, and their return value becomes the
// command's result.
func (v *ValidatingExecer) SetFakeActions(fakeActions map[int]func(cmd *ValidatingCmd) error) *ValidatingExecer {
	v.vCmd.fakeActions = fakeActions
	return v
}

// GetStdout returns the writer the command's stdout was pointed at.
func (v *ValidatingCmd) GetStdout() io.Writer {
	if v.stdout == nil {
		return io.Discard
	}
	return v.stdout
}

// GetStderr returns the writer the command's stderr was pointed at.
func (v *ValidatingCmd) GetStderr() io.Writer {
	if v.stderr == nil {
		return io.Discard
	}
	return v.stderr
}

// CurrentArgs returns the argv of the command being validated.
func (v *ValidatingCmd) CurrentArgs() []string {
	return append([]string(nil), v.currentCmd...)
}

func (v *ValidatingCmd) SetStdout(w io.Writer) { v.stdout = w }
func (v *ValidatingCmd) SetStderr(w io.Writer) { v.stderr = w }

// Command initializes a ValidatingExecer's Cmd object. When run, will be validated
// such that command was one of the predefined expected commands.
func (v *ValidatingExecer) Command(cmd string, args ...string) Cmd {
	v.vCmd.mu.Lock()
	defer v.vCmd.mu.Unlock()
	// Create a real Command mainly for interface compatibility
	v.vCmd.Cmd = NewOsExec().Command(cmd, args...)
	v.vCmd.currentCmd = append([]string{cmd}, args...)
	v.vCmd.doneCh = make(chan error, 1)
	v.vCmd.stdout = nil
	v.vCmd.stderr = nil
	return v.vCmd
}

// run validates an exec command by comparing it with the next expected one, and executes any fake actions
func (v *ValidatingCmd) run() error {
	v.mu.Lock()
	v.commandIdx++
	idx := v.commandIdx
	v.mu.Unlock()

	err := v.validateCmd(idx)
	if err != nil {
		log.Error(err)
		v.doneCh <- err
		return err
	}
	if fn, ok := v.fakeActions[idx]; ok {
		err = fn(v)
	}
	v.doneCh <- err
	return err
}

// Start overrides Start() with validating behavior.
func (v *ValidatingCmd) Start() error {
	go v.run()
	return nil
}

// Wait overrides Wait() to return the validation or fake action result.
func (v *ValidatingCmd) Wait() error {
	return <-v.doneCh
}

// Run overrides Run() with validating behavior.
func (v *ValidatingCmd) Run() error {
	v.Start()
	return v.Wait()
}

func (v *ValidatingCmd) Output() ([]byte, error) {
	var outBuf bytes.Buffer
	v.SetStdout(&outBuf)
	err := v.Run()
	return outBuf.Bytes(), err
}

func (v *ValidatingCmd) Process() *os.Process           { return nil }
func (v *ValidatingCmd) ProcessState() *os.ProcessState { return nil }

func (v *ValidatingCmd) validateCmd(idx int) error {
	if idx >= len(v.expectedCmdsRe) {
		return fmt.Errorf("command validation failed.\n\tonly expected %d commands.\n\treceived extra command: %s\n",
			len(v.expectedCmdsRe), v.currentCmd)
	}

	commandRes := v.expectedCmdsRe[idx]
	if len(commandRes) != len(v.currentCmd) {
		return fmt.Errorf("command validation failed.\n\tcmd index: %d\n\texpected: %d args (%s)\n\treceived: %d args (%s)\n",
			idx, len(commandRes), strings.Join(commandRes, ","), len(v.currentCmd), strings.Join(v.currentCmd, ","))
	}
	for i, re := range commandRes {
		rec := regexp.MustCompile(re)
		if !rec.MatchString(v.currentCmd[i]) {
			return fmt.Errorf("command validation failed.\n\tcmd index: %d, entry: %d\n\texpected: %s\n\treceived: %s\n\treceivedCmd: %s\n",
				idx, i, re, v.currentCmd[i], strings.Join(v.currentCmd, ","))
		}
	}
	return nil
}

// CheckAllValidated verifies that all expected commands were validated (tests can
// `defer v.CheckAllValidated()`).
func (v *ValidatingExecer) CheckAllValidated() {
	v.vCmd.mu.Lock()
	defer v.vCmd.mu.Unlock()
	if v.vCmd.commandIdx != len(v.vCmd.expectedCmdsRe)-1 {
		v.vCmd.t.Fatalf("Number of expected commands: %d did not match validated command count: %d",
			len(v.vCmd.expectedCmdsRe), v.vCmd.commandIdx+1)
	}
}

func (e *FakeExitError) Error() string   { return fmt.Sprintf("exit status %d", e.Status) }
func (e *FakeExitError) ExitStatus() int { return e.Status }
func (e *FakeExitError) Signaled() bool  { return false }
func (e *FakeExitError) Path() string    { return "" }
func (e *FakeExitError) Args() []string  { return e.Argv }
