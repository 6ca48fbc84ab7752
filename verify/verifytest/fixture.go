// Package verifytest builds small bare repositories on disk, with fabricated
// object names, for tests that check referential closure.
package verifytest

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// OID fabricates a stable object name from seed.
func OID(seed string) string {
	sum := sha1.Sum([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// Repo is a bare repository directory.
type Repo struct {
	Dir string
}

// NewRepo creates the repository at rel under root with a HEAD and config.
func NewRepo(root, rel string) (*Repo, error) {
	r := &Repo{Dir: filepath.Join(root, filepath.FromSlash(rel))}
	if err := r.write("HEAD", "ref: refs/heads/main\n"); err != nil {
		return nil, err
	}
	if err := r.write("config", "[core]\n\tbare = true\n"); err != nil {
		return nil, err
	}
	return r, nil
}

var (
	baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	writes   int64
)

// nextMtime hands out distinct whole-second mtimes, so a rewrite is always
// visible to a size and mtime comparison.
func nextMtime() time.Time {
	return baseTime.Add(time.Duration(atomic.AddInt64(&writes, 1)) * time.Second)
}

func (r *Repo) write(rel, data string) error {
	p := filepath.Join(r.Dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		return err
	}
	mtime := nextMtime()
	return os.Chtimes(p, mtime, mtime)
}

// LooseObject writes an (unreadable) loose object file for oid.
func (r *Repo) LooseObject(oid string) error {
	return r.write(fmt.Sprintf("objects/%s/%s", oid[:2], oid[2:]), "blob "+oid)
}

// RemoveLooseObject deletes a loose object, as compaction would.
func (r *Repo) RemoveLooseObject(oid string) error {
	return os.Remove(filepath.Join(r.Dir, "objects", oid[:2], oid[2:]))
}

func (r *Repo) Ref(name, oid string) error {
	return r.write(name, oid+"\n")
}

func (r *Repo) PackedRefs(refs map[string]string) error {
	names := make([]string, 0, len(refs))
	for n := range refs {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("# pack-refs with: peeled fully-peeled sorted \n")
	for _, n := range names {
		fmt.Fprintf(&b, "%s %s\n", refs[n], n)
	}
	return r.write("packed-refs", b.String())
}

// Reflog appends an entry to logs/<name>.
func (r *Repo) Reflog(name, old, new string) error {
	p := filepath.Join(r.Dir, "logs", filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s %s Test <test@example.com> 1704067200 +0000\tpush\n", old, new)
	return err
}

// Pack writes pack-<name>.pack and a version 2 index naming oids.
func (r *Repo) Pack(name string, oids ...string) error {
	sorted := append([]string(nil), oids...)
	sort.Strings(sorted)

	var b bytes.Buffer
	b.Write([]byte{0xff, 't', 'O', 'c'})
	binary.Write(&b, binary.BigEndian, uint32(2))
	var fanout [256]uint32
	for _, oid := range sorted {
		raw, err := hex.DecodeString(oid)
		if err != nil {
			return err
		}
		for i := int(raw[0]); i < 256; i++ {
			fanout[i]++
		}
	}
	binary.Write(&b, binary.BigEndian, fanout)
	for _, oid := range sorted {
		raw, _ := hex.DecodeString(oid)
		b.Write(raw)
	}
	// crc32 and offset tables, then trailers; not read by the checker
	b.Write(make([]byte, 8*len(sorted)+40))

	if err := r.write("objects/pack/pack-"+name+".pack", "PACK"); err != nil {
		return err
	}
	return r.write("objects/pack/pack-"+name+".idx", b.String())
}

// Alternates points the repository at other object directories.
func (r *Repo) Alternates(dirs ...string) error {
	return r.write("objects/info/alternates", strings.Join(dirs, "\n")+"\n")
}
