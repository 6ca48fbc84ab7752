package catalog

import (
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"

	"github.com/gitsnap/gitsnap/filter"
)

// Action is what a transfer does with one source entry.
type Action int

const (
	// Copy the entry's content from the source.
	Copy Action = iota
	// Reuse hard-links the entry from the reference snapshot.
	Reuse
	// Skip leaves the entry out, the rules exclude it.
	Skip
)

func (a Action) String() string {
	switch a {
	case Copy:
		return "copy"
	case Reuse:
		return "reuse"
	case Skip:
		return "skip"
	}
	return "unknown"
}

// Linker decides, entry by entry, whether a phase copies, reuses or skips.
// Rules are consulted first so a reference never smuggles in an excluded path.
type Linker struct {
	rules     *filter.RuleSet
	reference string

	// Checksum additionally requires identical content before reusing.
	Checksum bool
}

// NewLinker decides against rules, reusing from the reference root when it is
// not empty.
func NewLinker(rules *filter.RuleSet, reference string) *Linker {
	return &Linker{rules: rules, reference: reference}
}

func (l *Linker) Reference() string {
	return l.reference
}

// Decide returns the action for the entry at rel (slash separated, relative
// to the source root) whose source is srcPath.
func (l *Linker) Decide(rel, srcPath string, src os.FileInfo) (Action, error) {
	if !l.rules.Allows(rel, src.IsDir()) {
		return Skip, nil
	}
	if l.reference == "" || !src.Mode().IsRegular() {
		return Copy, nil
	}
	refPath := filepath.Join(l.reference, filepath.FromSlash(rel))
	ref, err := os.Lstat(refPath)
	if os.IsNotExist(err) {
		return Copy, nil
	} else if err != nil {
		return Copy, err
	}
	if !Unchanged(src, ref) {
		return Copy, nil
	}
	if l.Checksum {
		same, err := sameContent(srcPath, refPath)
		if err != nil || !same {
			return Copy, err
		}
	}
	return Reuse, nil
}

// Unchanged compares the way rsync's quick check does: regular file, size,
// permission bits and modification time to the second.
func Unchanged(src, ref os.FileInfo) bool {
	return ref.Mode().IsRegular() &&
		src.Size() == ref.Size() &&
		src.Mode().Perm() == ref.Mode().Perm() &&
		src.ModTime().Unix() == ref.ModTime().Unix()
}

func sameContent(a, b string) (bool, error) {
	da, err := digest(a)
	if err != nil {
		return false, err
	}
	db, err := digest(b)
	if err != nil {
		return false, err
	}
	return da == db, nil
}

func digest(path string) ([sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	f, err := os.Open(path)
	if err != nil {
		return sum, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}
