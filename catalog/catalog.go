// Package catalog owns the on-disk snapshot layout:
//
//	<root>/<YYYYMMDDThhmmss>/repositories/   the repository namespace
//	<root>/<YYYYMMDDThhmmss>/audit-log/      log segments
//	<root>/<YYYYMMDDThhmmss>/incomplete      present until finalized
//	<root>/<YYYYMMDDThhmmss>/complete        present once finalized
//	<root>/current -> <YYYYMMDDThhmmss>      last finalized snapshot
//
// Only a snapshot carrying the complete marker is ever used as a reuse
// reference.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	RepositoriesDir  = "repositories"
	AuditLogDir      = "audit-log"
	IncompleteMarker = "incomplete"
	CompleteMarker   = "complete"
	CurrentLink      = "current"

	NameFormat = "20060102T150405"
)

type Snapshot struct {
	Name     string
	Dir      string
	Created  time.Time
	Complete bool
}

func (s *Snapshot) Repositories() string {
	return filepath.Join(s.Dir, RepositoriesDir)
}

func (s *Snapshot) AuditLog() string {
	return filepath.Join(s.Dir, AuditLogDir)
}

func (s *Snapshot) String() string {
	state := "incomplete"
	if s.Complete {
		state = "complete"
	}
	return fmt.Sprintf("%s (%s)", s.Name, state)
}

type Catalog struct {
	root string

	// Now names new snapshots. Overridable for tests.
	Now func() time.Time
}

// Open returns the catalog rooted at root, creating root if needed.
func Open(root string) (*Catalog, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating snapshots root %s", root)
	}
	return &Catalog{root: root, Now: time.Now}, nil
}

func (c *Catalog) Root() string {
	return c.root
}

// Create makes a new, empty, incomplete snapshot. The marker records runID.
func (c *Catalog) Create(runID string) (*Snapshot, error) {
	created := c.Now().UTC()
	name := created.Format(NameFormat)
	dir := filepath.Join(c.root, name)
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating snapshot %s", name)
	}
	for _, sub := range []string{RepositoriesDir, AuditLogDir} {
		if err := os.Mkdir(filepath.Join(dir, sub), 0755); err != nil {
			return nil, errors.Wrapf(err, "creating snapshot %s", name)
		}
	}
	if err := writeMarker(filepath.Join(dir, IncompleteMarker), runID, created); err != nil {
		return nil, err
	}
	log.Infof("Created snapshot %s", dir)
	return &Snapshot{Name: name, Dir: dir, Created: created}, nil
}

func writeMarker(path, runID string, at time.Time) error {
	body := fmt.Sprintf("run %s\n%s\n", runID, at.Format(time.RFC3339))
	return errors.Wrapf(os.WriteFile(path, []byte(body), 0644), "writing marker %s", path)
}

// Get loads the named snapshot.
func (c *Catalog) Get(name string) (*Snapshot, error) {
	dir := filepath.Join(c.root, name)
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a snapshot directory", dir)
	}
	created, err := time.Parse(NameFormat, name)
	if err != nil {
		return nil, errors.Wrapf(err, "%s is not a snapshot name", name)
	}
	_, err = os.Stat(filepath.Join(dir, CompleteMarker))
	return &Snapshot{Name: name, Dir: dir, Created: created, Complete: err == nil}, nil
}

// Previous returns the snapshot current points at, or nil when there is no
// usable one. A current that points at an unfinalized snapshot is ignored.
func (c *Catalog) Previous() (*Snapshot, error) {
	target, err := os.Readlink(filepath.Join(c.root, CurrentLink))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "reading current snapshot")
	}
	s, err := c.Get(filepath.Base(target))
	if os.IsNotExist(errors.Cause(err)) {
		log.Warnf("current points at missing snapshot %s, doing a full copy", target)
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if !s.Complete {
		log.Warnf("current points at unfinalized snapshot %s, doing a full copy", s.Name)
		return nil, nil
	}
	return s, nil
}

// Finalize marks s complete and points current at it. The pointer swing is a
// rename, so readers see either the old or the new target.
func (c *Catalog) Finalize(s *Snapshot, runID string) error {
	if err := writeMarker(filepath.Join(s.Dir, CompleteMarker), runID, c.Now().UTC()); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.Dir, IncompleteMarker)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing incomplete marker")
	}
	s.Complete = true

	tmp := filepath.Join(c.root, "."+CurrentLink+"."+s.Name)
	os.Remove(tmp)
	if err := os.Symlink(s.Name, tmp); err != nil {
		return errors.Wrap(err, "linking current")
	}
	if err := os.Rename(tmp, filepath.Join(c.root, CurrentLink)); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "swinging current")
	}
	log.Infof("Finalized snapshot %s", s.Dir)
	return nil
}

// List returns every snapshot under the root, oldest first.
func (c *Catalog) List() ([]*Snapshot, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, err
	}
	var out []*Snapshot
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := time.Parse(NameFormat, e.Name()); err != nil {
			continue
		}
		s, err := c.Get(e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PruneIncomplete removes snapshots left behind by failed or interrupted
// runs, except keep. Returns the names removed.
func (c *Catalog) PruneIncomplete(keep string) ([]string, error) {
	all, err := c.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, s := range all {
		if s.Complete || s.Name == keep {
			continue
		}
		log.Infof("Removing incomplete snapshot %s", s.Dir)
		if err := os.RemoveAll(s.Dir); err != nil {
			return removed, errors.Wrapf(err, "removing %s", s.Dir)
		}
		removed = append(removed, s.Name)
	}
	return removed, nil
}
