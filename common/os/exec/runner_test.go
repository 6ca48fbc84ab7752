package exec

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	outputExitScript string = `
#!/bin/bash
echo "stdout line"
echo "stderr line" 1>&2`
	noTrapScript string = `
#!/bin/bash
while :
do sleep 1
done`
	trapScript string = `
#!/bin/bash
trap ':' SIGTERM
while :
do sleep 1
done`
)

func TestUnrunnableCommand(t *testing.T) {
	cmd := NewOsExec().Command("sjkldoeiujeiuc")
	rr := RunKillableCommand(cmd, KillableOpts{})
	if rr.Error == nil {
		t.Fatal("unexpected nil error from unrunnable command")
	}
}

func TestRunKillableCommandOutput(t *testing.T) {
	tf, err := setupTempScript(outputExitScript)
	require.NoError(t, err)
	defer os.Remove(tf.Name())

	var stream bytes.Buffer
	cmd := NewOsExec().Command("/bin/bash", tf.Name())
	rr := RunKillableCommand(cmd, KillableOpts{StreamLog: &stream})
	require.NoError(t, rr.Error)
	assert.True(t, rr.ProcessState.Exited())
	assert.Equal(t, 0, rr.ProcessState.ExitCode())
	assert.Contains(t, string(rr.Stdout), "stdout line")
	assert.Contains(t, string(rr.Stderr), "stderr line")
	assert.Contains(t, stream.String(), "stdout line")
	assert.Contains(t, stream.String(), "stderr line")
}

func TestRunKillableCommandRedirectedStdout(t *testing.T) {
	var out bytes.Buffer
	cmd := NewOsExec().Command("echo", "segment-bytes")
	rr := RunKillableCommand(cmd, KillableOpts{Stdout: &out})
	require.NoError(t, rr.Error)
	assert.Empty(t, rr.Stdout)
	assert.Equal(t, "segment-bytes\n", out.String())
}

// The child leads its own session, so a terminal's SIGINT to our foreground
// process group does not reach it.
func TestRunKillableCommandOwnSession(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("no /proc")
	}
	cmd := NewOsExec().Command("/bin/sh", "-c", `echo $$ $(cut -d' ' -f6 /proc/$$/stat)`)
	rr := RunKillableCommand(cmd, KillableOpts{})
	require.NoError(t, rr.Error)
	fields := strings.Fields(string(rr.Stdout))
	require.Len(t, fields, 2)
	assert.Equal(t, fields[0], fields[1])
}

func TestExitStatus(t *testing.T) {
	rr := RunKillableCommand(NewOsExec().Command("/bin/sh", "-c", "exit 24"), KillableOpts{})
	status, ok := ExitStatus(rr.Error)
	require.True(t, ok)
	assert.Equal(t, 24, status)

	_, ok = ExitStatus(errors.New("not an exit"))
	assert.False(t, ok)
}

func TestRunKillableCommandSigterm(t *testing.T) {
	tf, err := setupTempScript(noTrapScript)
	require.NoError(t, err)
	defer os.Remove(tf.Name())

	// close channel right away so the command gets term'd immediately
	killCh := make(chan struct{})
	close(killCh)

	cmd := NewOsExec().Command("/bin/bash", tf.Name())
	rr := RunKillableCommand(cmd, KillableOpts{KillCh: killCh, KillTimeout: 100 * time.Millisecond})
	assert.True(t, errors.Is(rr.Error, KilledError))
	require.NotNil(t, rr.ProcessState)
	assert.False(t, rr.ProcessState.Exited())
	assert.Equal(t, -1, rr.ProcessState.ExitCode())
}

func TestRunKillableCommandKill(t *testing.T) {
	tf, err := setupTempScript(trapScript)
	require.NoError(t, err)
	defer os.Remove(tf.Name())

	killCh := make(chan struct{})
	go func() {
		// must wait until the script's "trap" command takes effect or the term will succeed in stopping it
		time.Sleep(1 * time.Second)
		close(killCh)
	}()

	cmd := NewOsExec().Command("/bin/bash", tf.Name())
	rr := RunKillableCommand(cmd, KillableOpts{KillCh: killCh, KillTimeout: 100 * time.Millisecond})
	assert.True(t, errors.Is(rr.Error, KilledError))
	require.NotNil(t, rr.ProcessState)
	assert.False(t, rr.ProcessState.Exited())
}

func TestValidatingExecer(t *testing.T) {
	expectedCmds := [][]string{{"testCmd1"}, {"testCmd2", "arg1"}, {"testCmd3"}}
	fakeActions := map[int]func(cmd *ValidatingCmd) error{
		1: func(cmd *ValidatingCmd) error {
			return &FakeExitError{Status: 24}
		},
		2: func(cmd *ValidatingCmd) error {
			cmd.GetStdout().Write([]byte("stdout!"))
			cmd.GetStderr().Write([]byte("stderr!"))
			return nil
		},
	}
	ve := NewValidatingExecer(t, expectedCmds)
	defer ve.CheckAllValidated()
	ve.SetFakeActions(fakeActions)

	rr := RunKillableCommand(ve.Command("testCmd1"), KillableOpts{})
	assert.NoError(t, rr.Error)

	rr = RunKillableCommand(ve.Command("testCmd2", "arg1"), KillableOpts{})
	status, ok := ExitStatus(rr.Error)
	assert.True(t, ok)
	assert.Equal(t, 24, status)

	var outBuf, errBuf bytes.Buffer
	cmd := ve.Command("testCmd3")
	cmd.SetStdout(&outBuf)
	cmd.SetStderr(&errBuf)

	assert.Nil(t, cmd.Run())
	assert.Equal(t, "stdout!", outBuf.String())
	assert.Equal(t, "stderr!", errBuf.String())
}

func setupTempScript(contents string) (*os.File, error) {
	tf, err := os.CreateTemp("", "script")
	if err != nil {
		return nil, err
	}
	defer tf.Close()
	if err := os.Chmod(tf.Name(), 0777); err != nil {
		os.Remove(tf.Name())
		return nil, err
	}
	if _, err := tf.Write([]byte(contents)); err != nil {
		os.Remove(tf.Name())
		return nil, err
	}
	return tf, nil
}

func TestCommandTimeout(t *testing.T) {
	cmd := NewOsExec().Command("sleep", "5")
	start := time.Now()
	rr := RunKillableCommand(cmd, KillableOpts{KillTimeout: time.Second, Timeout: 500 * time.Millisecond})
	assert.True(t, time.Since(start) < 2*time.Second)
	assert.True(t, errors.Is(rr.Error, TimeoutError))
}

func TestTruncateCmd(t *testing.T) {
	cmd := NewOsExec().Command("hello")
	assert.Equal(t, "hello", truncateCmd(cmd))

	cmd = NewOsExec().Command("/foo/bar/xyz/hello", "world")
	assert.Equal(t, "hello world", truncateCmd(cmd))
}
