//go:generate mockgen -source=source.go -package=segments -destination=source_mock.go

// Package segments backs up the audit log store: one segment per calendar
// month, of which only the current month's is still being written. Closed
// segments already present in the previous snapshot are hard-linked instead
// of fetched.
package segments

import (
	"context"
	"io"
)

// Source is the host side of the log store.
type Source interface {
	// List returns every segment id.
	List(ctx context.Context) ([]string, error)

	// CurrentPeriod is the period of the open segment, as the host sees it.
	CurrentPeriod(ctx context.Context) (Period, error)

	// Fetch copies one segment's content to w.
	Fetch(ctx context.Context, id string, w io.Writer) (int64, error)
}
