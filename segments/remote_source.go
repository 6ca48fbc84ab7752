package segments

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/gitsnap/gitsnap/transport"
)

const DefaultRemoteDir = "/data/user/audit-log"

// RemoteCommands are run through the transport channel. Fetch is a format
// string taking the segment's path.
type RemoteCommands struct {
	List   string `yaml:"list"`
	Period string `yaml:"period"`
	Fetch  string `yaml:"fetch"`
}

func DefaultRemoteCommands(dir string) RemoteCommands {
	return RemoteCommands{
		List:   "ls -1 " + dir,
		Period: "date -u +%Y-%m",
		Fetch:  "cat " + strings.TrimSuffix(dir, "/") + "/%s",
	}
}

type RemoteSource struct {
	ch   transport.Channel
	cmds RemoteCommands
}

var _ Source = &RemoteSource{}

func NewRemoteSource(ch transport.Channel, cmds RemoteCommands) *RemoteSource {
	return &RemoteSource{ch: ch, cmds: cmds}
}

func (r *RemoteSource) List(ctx context.Context) ([]string, error) {
	out, err := r.ch.Run(ctx, r.cmds.List)
	if err != nil {
		return nil, errors.Wrap(err, "listing segments")
	}
	return splitIDs(string(out)), nil
}

func splitIDs(s string) []string {
	var ids []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			ids = append(ids, line)
		}
	}
	return ids
}

func (r *RemoteSource) CurrentPeriod(ctx context.Context) (Period, error) {
	out, err := r.ch.Run(ctx, r.cmds.Period)
	if err != nil {
		return Period{}, errors.Wrap(err, "reading current period")
	}
	return ParsePeriod(string(out))
}

func (r *RemoteSource) Fetch(ctx context.Context, id string, w io.Writer) (int64, error) {
	if err := checkID(id); err != nil {
		return 0, err
	}
	cw := &countingWriter{w: w}
	err := r.ch.Stream(ctx, fmt.Sprintf(r.cmds.Fetch, id), cw)
	return cw.n, err
}

func checkID(id string) error {
	if id == "" || id != path.Base(id) || strings.HasPrefix(id, ".") || strings.ContainsAny(id, "'\"$`\\ ") {
		return fmt.Errorf("invalid segment id %q", id)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
