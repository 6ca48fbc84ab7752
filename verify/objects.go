package verify

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var idxMagic = []byte{0xff, 't', 'O', 'c'}

// objectStore answers "is this object present" for one repository, following
// its alternates.
type objectStore struct {
	dirs   []string
	packed map[string]bool
}

func openObjectStore(objectsDir string, rebase func(string) string) (*objectStore, error) {
	s := &objectStore{packed: map[string]bool{}}
	seen := map[string]bool{}
	var add func(dir string, depth int) error
	add = func(dir string, depth int) error {
		dir = filepath.Clean(dir)
		if seen[dir] || depth > 5 {
			return nil
		}
		seen[dir] = true
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			log.Debugf("object directory %s is missing", dir)
			return nil
		}
		s.dirs = append(s.dirs, dir)
		if err := s.loadPacks(dir); err != nil {
			return err
		}
		alts, err := readAlternates(dir)
		if err != nil {
			return err
		}
		for _, alt := range alts {
			if filepath.IsAbs(alt) {
				alt = rebase(alt)
			} else {
				alt = filepath.Join(dir, alt)
			}
			if err := add(alt, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := add(objectsDir, 0); err != nil {
		return nil, err
	}
	return s, nil
}

func readAlternates(objectsDir string) ([]string, error) {
	b, err := os.ReadFile(filepath.Join(objectsDir, "info", "alternates"))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}

func (s *objectStore) loadPacks(objectsDir string) error {
	idxs, err := filepath.Glob(filepath.Join(objectsDir, "pack", "*.idx"))
	if err != nil {
		return err
	}
	for _, idx := range idxs {
		// an index without its pack names nothing usable
		if _, err := os.Stat(strings.TrimSuffix(idx, ".idx") + ".pack"); err != nil {
			log.Warnf("pack index %s has no pack", idx)
			continue
		}
		if err := s.loadIdx(idx); err != nil {
			return errors.Wrapf(err, "reading %s", idx)
		}
	}
	return nil
}

// loadIdx reads the object names of a version 2 pack index.
func (s *objectStore) loadIdx(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	if !bytes.Equal(header[:4], idxMagic) || binary.BigEndian.Uint32(header[4:]) != 2 {
		return fmt.Errorf("not a version 2 pack index")
	}
	var fanout [256]uint32
	if err := binary.Read(r, binary.BigEndian, &fanout); err != nil {
		return err
	}
	var name [20]byte
	for i := uint32(0); i < fanout[255]; i++ {
		if _, err := io.ReadFull(r, name[:]); err != nil {
			return err
		}
		s.packed[hex.EncodeToString(name[:])] = true
	}
	return nil
}

func (s *objectStore) has(oid string) bool {
	if s.packed[oid] {
		return true
	}
	for _, dir := range s.dirs {
		if _, err := os.Stat(filepath.Join(dir, oid[:2], oid[2:])); err == nil {
			return true
		}
	}
	return false
}
