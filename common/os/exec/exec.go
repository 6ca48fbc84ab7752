// Package exec provides an injectable interface around os/exec, plus helpers
// for running long, killable child processes such as rsync and ssh.
package exec

import (
	"errors"
	"io"
	"os"
	osexec "os/exec"
	"syscall"
)

type (
	// OsExec creates commands. Tests substitute ValidatingExecer to check argv
	// without running anything.
	OsExec interface {
		// Command creates a Cmd for the executable 'cmd' with the given args.
		// Args should not include the command name itself.
		Command(cmd string, args ...string) Cmd
	}

	defaultOsExec struct{}

	// Cmd wraps the os/exec.Cmd struct with our own interface
	Cmd interface {
		// Path returns the path to the executable to run
		Path() string

		// Args returns a copy of the arguments, including the command name.
		Args() []string

		// Run starts the command and waits for it to complete.
		Run() error

		// Start starts the command but does not wait for it to complete.
		Start() error

		// Wait waits for a started command to exit and releases its resources.
		Wait() error

		// Enables/disables setsid for the child, so a SIGTERM reaches the
		// child's whole process group (ssh spawned by rsync, for instance).
		SetSession(enable bool)

		SetStdin(io.Reader)
		SetStdout(io.Writer)
		SetStderr(io.Writer)

		// String returns a human-readable description of c, for logging only.
		String() string

		// Process returns the underlying os.Process once started, else nil.
		Process() *os.Process

		// ProcessState returns the underlying ProcessState once exited, else nil.
		ProcessState() *os.ProcessState

		SetEnv(env []string)
		SetDir(string)
	}

	// ExitError describes a child that ran and exited unsuccessfully.
	//
	//   err := NewOsExec().Command("false").Run()
	//   if status, ok := ExitStatus(err); ok { ... }
	ExitError interface {
		error

		// ExitStatus returns the numerical exit status, or -1 if the process
		// was killed by a signal.
		ExitStatus() int

		// Signaled returns true if the process died because of a signal.
		Signaled() bool

		Path() string
		Args() []string
	}

	cmdAdapter struct {
		cmd *osexec.Cmd
	}

	exitErrorAdapter struct {
		err  *osexec.ExitError
		ws   syscall.WaitStatus
		path string
		args []string
	}
)

var (
	_ ExitError = &exitErrorAdapter{}
	_ Cmd       = &cmdAdapter{}
)

// NewOsExec creates a default OsExec instance
func NewOsExec() OsExec {
	return &defaultOsExec{}
}

func (d *defaultOsExec) Command(cmd string, args ...string) Cmd {
	c := osexec.Command(cmd, args...)
	c.SysProcAttr = &syscall.SysProcAttr{}
	return &cmdAdapter{cmd: c}
}

// ExitStatus reports the exit status carried by err, if an ExitError is
// anywhere in its chain.
func ExitStatus(err error) (int, bool) {
	var ee ExitError
	if errors.As(err, &ee) {
		return ee.ExitStatus(), true
	}
	return 0, false
}

func wrapExitError(cmd Cmd, err error) error {
	if err == nil {
		return nil
	}
	if ex, ok := err.(*osexec.ExitError); ok {
		if ws, ok := ex.Sys().(syscall.WaitStatus); ok {
			return &exitErrorAdapter{
				err:  ex,
				ws:   ws,
				path: cmd.Path(),
				args: cmd.Args(),
			}
		}
	}
	return err
}

func (e *exitErrorAdapter) ExitStatus() int { return e.ws.ExitStatus() }
func (e *exitErrorAdapter) Signaled() bool  { return e.ws.Signaled() }
func (e *exitErrorAdapter) Error() string   { return e.err.Error() }
func (e *exitErrorAdapter) Path() string    { return e.path }
func (e *exitErrorAdapter) Args() []string  { return e.args }

func (c *cmdAdapter) SetSession(enable bool) {
	if c.cmd.SysProcAttr != nil {
		c.cmd.SysProcAttr.Setsid = enable
	}
}

func (c *cmdAdapter) Run() error   { return wrapExitError(c, c.cmd.Run()) }
func (c *cmdAdapter) Start() error { return c.cmd.Start() }
func (c *cmdAdapter) Wait() error  { return wrapExitError(c, c.cmd.Wait()) }

func (c *cmdAdapter) Path() string                   { return c.cmd.Path }
func (c *cmdAdapter) SetStdin(r io.Reader)           { c.cmd.Stdin = r }
func (c *cmdAdapter) SetStdout(w io.Writer)          { c.cmd.Stdout = w }
func (c *cmdAdapter) SetStderr(w io.Writer)          { c.cmd.Stderr = w }
func (c *cmdAdapter) String() string                 { return c.cmd.String() }
func (c *cmdAdapter) Process() *os.Process           { return c.cmd.Process }
func (c *cmdAdapter) ProcessState() *os.ProcessState { return c.cmd.ProcessState }
func (c *cmdAdapter) SetEnv(env []string)            { c.cmd.Env = env }
func (c *cmdAdapter) SetDir(dir string)              { c.cmd.Dir = dir }

func (c *cmdAdapter) Args() []string {
	return append([]string(nil), c.cmd.Args...)
}
