//go:generate mockgen -source=transfer.go -package=transfer -destination=transfer_mock.go

// Package transfer drives one pass of a bulk copy from a source root into a
// snapshot directory under a rule set.
package transfer

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/gitsnap/gitsnap/filter"
)

// Request is one pass of the copy primitive.
type Request struct {
	// Name labels the pass in logs.
	Name string

	Rules *filter.RuleSet

	// Source and Dest are roots; the rules are evaluated relative to them.
	Source string
	Dest   string

	// Reference, if set, is a previous snapshot's root whose unchanged files
	// are hard-linked instead of copied.
	Reference string

	Compress bool
}

type Result struct {
	// Files and Bytes count content actually copied.
	Files int64
	Bytes int64

	// Reused counts files linked from the reference, when the executor knows.
	Reused int64

	// Vanished is set when source files disappeared mid-pass. The pass still
	// succeeded.
	Vanished bool
}

func (r Result) String() string {
	s := fmt.Sprintf("%d files, %s", r.Files, humanize.IBytes(uint64(r.Bytes)))
	if r.Reused > 0 {
		s += fmt.Sprintf(", %d reused", r.Reused)
	}
	if r.Vanished {
		s += ", some source files vanished"
	}
	return s
}

type Executor interface {
	Transfer(ctx context.Context, req Request) (Result, error)
}
