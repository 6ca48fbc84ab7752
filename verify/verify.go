// Package verify checks a snapshot for referential closure: every packed
// ref, loose ref and reflog entry of every repository names an object that
// is present in the same snapshot.
package verify

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/gitsnap/gitsnap/layout"
)

const DefaultWorkers = 8

type Options struct {
	Workers int

	// SourceRoot is the repository root on the source host. Absolute
	// alternates under it are rebased onto the snapshot.
	SourceRoot string

	// Reflogs also checks reflog entries.
	Reflogs bool
}

// Dangling is a ref whose object is missing.
type Dangling struct {
	Repo   layout.Repo
	Ref    string
	Object string
}

func (d Dangling) String() string {
	return fmt.Sprintf("%s %s -> %s", layout.Path(d.Repo), d.Ref, d.Object)
}

type Report struct {
	Repos    int
	Refs     int
	Dangling []Dangling
}

func (r *Report) OK() bool {
	return len(r.Dangling) == 0
}

// Check walks every repository under root. Read failures are aggregated and
// returned alongside whatever was checked.
func Check(ctx context.Context, root string, opts Options) (*Report, error) {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	repos, err := layout.Walk(root)
	if err != nil {
		return nil, errors.Wrapf(err, "listing repositories under %s", root)
	}
	rebase := func(alt string) string {
		if opts.SourceRoot != "" {
			if rel, err := filepath.Rel(opts.SourceRoot, alt); err == nil && !strings.HasPrefix(rel, "..") {
				return filepath.Join(root, rel)
			}
		}
		return alt
	}

	var (
		mu      sync.Mutex
		report  = &Report{Repos: len(repos)}
		readErr error
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, repo := range repos {
		repo := repo
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			refs, dangling, err := checkRepo(root, repo, opts, rebase)
			mu.Lock()
			defer mu.Unlock()
			report.Refs += refs
			report.Dangling = append(report.Dangling, dangling...)
			readErr = multierr.Append(readErr, errors.Wrapf(err, "%s", layout.Path(repo)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	for _, d := range report.Dangling {
		log.Warnf("dangling ref %s", d)
	}
	return report, readErr
}

func checkRepo(root string, repo layout.Repo, opts Options, rebase func(string) string) (int, []Dangling, error) {
	gitDir := filepath.Join(root, filepath.FromSlash(layout.Path(repo)))
	store, err := openObjectStore(filepath.Join(gitDir, "objects"), rebase)
	if err != nil {
		return 0, nil, err
	}

	var all []ref
	var errs error
	packed, err := packedRefs(gitDir)
	errs = multierr.Append(errs, err)
	all = append(all, packed...)
	loose, err := looseRefs(gitDir)
	errs = multierr.Append(errs, err)
	all = append(all, loose...)
	if opts.Reflogs {
		logs, err := reflogs(gitDir)
		errs = multierr.Append(errs, err)
		all = append(all, logs...)
	}

	var dangling []Dangling
	for _, r := range all {
		if !store.has(r.OID) {
			dangling = append(dangling, Dangling{Repo: repo, Ref: r.Name, Object: r.OID})
		}
	}
	return len(all), dangling, errs
}
