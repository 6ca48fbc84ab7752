package transfer

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gitsnap/gitsnap/catalog"
)

// Local copies from a directory on this host, applying the rules and the
// linker's copy/reuse/skip decision itself. Empty directories are not
// created, matching rsync's --prune-empty-dirs.
type Local struct {
	// Checksum makes reuse also require identical content.
	Checksum bool
}

var _ Executor = &Local{}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Transfer(ctx context.Context, req Request) (Result, error) {
	linker := catalog.NewLinker(req.Rules, req.Reference)
	linker.Checksum = l.Checksum

	var res Result
	err := filepath.WalkDir(req.Source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path != req.Source {
				res.Vanished = true
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, err := filepath.Rel(req.Source, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		fi, err := d.Info()
		if os.IsNotExist(err) {
			res.Vanished = true
			return nil
		} else if err != nil {
			return err
		}

		action, err := linker.Decide(rel, path, fi)
		if err != nil {
			return err
		}
		dst := filepath.Join(req.Dest, filepath.FromSlash(rel))
		switch {
		case action == catalog.Skip && d.IsDir():
			return filepath.SkipDir
		case action == catalog.Skip, d.IsDir():
			return nil
		case action == catalog.Reuse:
			if err := linkFile(filepath.Join(linker.Reference(), filepath.FromSlash(rel)), dst); err != nil {
				return err
			}
			res.Reused++
			return nil
		}

		n, err := copyEntry(path, dst, fi)
		if os.IsNotExist(err) {
			res.Vanished = true
			return nil
		} else if err != nil {
			return err
		}
		res.Files++
		res.Bytes += n
		return nil
	})
	if res.Vanished {
		log.WithField("phase", req.Name).Warn("Source files vanished during transfer")
	}
	return res, errors.Wrapf(err, "local transfer %s", req.Name)
}

func linkFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	os.Remove(dst)
	return os.Link(src, dst)
}

// copyEntry copies a regular file or symlink, preserving mode and mtime, and
// returns the bytes written. Other file types are ignored.
func copyEntry(src, dst string, fi os.FileInfo) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, err
	}
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return 0, err
		}
		os.Remove(dst)
		return 0, os.Symlink(target, dst)
	case !fi.Mode().IsRegular():
		return 0, nil
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	// Replace rather than write through, dst may be a link into a reference.
	os.Remove(dst)
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fi.Mode().Perm())
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	if err := os.Chmod(dst, fi.Mode().Perm()); err != nil {
		return n, err
	}
	return n, os.Chtimes(dst, fi.ModTime(), fi.ModTime())
}
