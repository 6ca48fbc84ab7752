//go:generate mockgen -source=channel.go -package=transport -destination=channel_mock.go

// Package transport runs commands on the source host. The production channel
// shells out to ssh, the same way rsync reaches the host, so both share one
// set of connection options.
package transport

import (
	"context"
	"io"
)

// Channel executes commands on one remote host.
type Channel interface {
	// Host names the remote end, for logging.
	Host() string

	// Run executes command and returns its standard output.
	Run(ctx context.Context, command string) ([]byte, error)

	// Stream executes command and copies its standard output to w as it is
	// produced.
	Stream(ctx context.Context, command string, w io.Writer) error

	// Ping checks the host is reachable, retrying transient failures. A host
	// that stays unreachable yields an error wrapping ErrTransportUnavailable.
	Ping(ctx context.Context) error
}
