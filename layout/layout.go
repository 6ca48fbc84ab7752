// Package layout maps repository identifiers to their on-disk location in
// the repository namespace. Three layouts coexist under one root:
//
//	flat:     <id>/<id>.git
//	gist:     <s1>/<s2>/<s3>/gist/<id>.git
//	network:  <s1>/<s2>/<s3>/<network-id>/<network-id>.git
//
// where s1..s3 are the first six hex characters of the MD5 digest of the
// identifier, two per level. Path construction is kept apart from the
// transfer rule sets, which only describe these shapes with globs.
package layout

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

type Kind int

const (
	Flat Kind = iota
	Gist
	Network
)

func (k Kind) String() string {
	switch k {
	case Flat:
		return "flat"
	case Gist:
		return "gist"
	case Network:
		return "network"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// GistBucket is the directory holding gists under their shard directories.
const GistBucket = "gist"

// Repo identifies one repository directory.
type Repo struct {
	Kind Kind
	ID   string
}

func (r Repo) String() string {
	return r.Kind.String() + ":" + r.ID
}

// Shard returns the three shard directory names for id.
func Shard(id string) [3]string {
	sum := md5.Sum([]byte(id))
	h := hex.EncodeToString(sum[:3])
	return [3]string{h[0:2], h[2:4], h[4:6]}
}

// Path returns the slash-separated path of r relative to the namespace root.
func Path(r Repo) string {
	switch r.Kind {
	case Gist:
		s := Shard(r.ID)
		return path.Join(s[0], s[1], s[2], GistBucket, r.ID+".git")
	case Network:
		s := Shard(r.ID)
		return path.Join(s[0], s[1], s[2], r.ID, r.ID+".git")
	default:
		return path.Join(r.ID, r.ID+".git")
	}
}

// Parse recognises a repository directory path relative to the namespace
// root. Shard directories must be two hex characters but are not checked
// against the identifier's digest.
func Parse(rel string) (Repo, bool) {
	parts := strings.Split(strings.Trim(filepath.ToSlash(rel), "/"), "/")
	switch len(parts) {
	case 2:
		id := parts[0]
		if id == "" || isSpecial(id) || parts[1] != id+".git" {
			return Repo{}, false
		}
		return Repo{Flat, id}, true
	case 5:
		if !isShard(parts[0]) || !isShard(parts[1]) || !isShard(parts[2]) {
			return Repo{}, false
		}
		id := strings.TrimSuffix(parts[4], ".git")
		if id == "" || id == parts[4] {
			return Repo{}, false
		}
		if parts[3] == GistBucket {
			return Repo{Gist, id}, true
		}
		if parts[3] == id {
			return Repo{Network, id}, true
		}
	}
	return Repo{}, false
}

// Walk lists every repository directory under root, sorted by path.
func Walk(root string) ([]Repo, error) {
	globs := []string{"*/*.git", "??/??/??/*/*.git"}
	seen := map[string]bool{}
	var repos []Repo
	for _, g := range globs {
		matches, err := filepath.Glob(filepath.Join(root, g))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			rel, err := filepath.Rel(root, m)
			if err != nil {
				return nil, err
			}
			r, ok := Parse(rel)
			if !ok || seen[rel] {
				continue
			}
			seen[rel] = true
			repos = append(repos, r)
		}
	}
	sort.Slice(repos, func(i, j int) bool { return Path(repos[i]) < Path(repos[j]) })
	return repos, nil
}

// IsSpecial reports whether a top-level directory name belongs to the
// special namespace (__name__).
func IsSpecial(name string) bool {
	return isSpecial(name)
}

func isSpecial(name string) bool {
	return len(name) > 4 && strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__")
}

func isShard(s string) bool {
	if len(s) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
