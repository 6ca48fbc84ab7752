package verify

import (
	"bufio"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const zeroOID = "0000000000000000000000000000000000000000"

// ref is one name to object edge found in a repository.
type ref struct {
	Name string
	OID  string
}

func isOID(s string) bool {
	if len(s) != 40 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// packedRefs reads packed-refs, including peeled "^<oid>" lines.
func packedRefs(gitDir string) ([]ref, error) {
	f, err := os.Open(filepath.Join(gitDir, "packed-refs"))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []ref
	last := ""
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
		case strings.HasPrefix(line, "^"):
			if oid := line[1:]; isOID(oid) {
				out = append(out, ref{Name: last + "^{}", OID: oid})
			}
		default:
			fields := strings.SplitN(line, " ", 2)
			if len(fields) == 2 && isOID(fields[0]) {
				last = fields[1]
				out = append(out, ref{Name: last, OID: fields[0]})
			}
		}
	}
	return out, sc.Err()
}

// looseRefs reads every file under refs/. Symbolic refs are skipped.
func looseRefs(gitDir string) ([]ref, error) {
	var out []ref
	root := filepath.Join(gitDir, "refs")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		content := strings.TrimSpace(string(b))
		if !isOID(content) {
			return nil
		}
		rel, _ := filepath.Rel(gitDir, path)
		out = append(out, ref{Name: filepath.ToSlash(rel), OID: content})
		return nil
	})
	return out, err
}

// reflogs reads every entry's old and new object under logs/. The all-zero
// object marks creation or deletion and names nothing.
func reflogs(gitDir string) ([]ref, error) {
	var out []ref
	root := filepath.Join(gitDir, "logs")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		rel, _ := filepath.Rel(gitDir, path)
		name := filepath.ToSlash(rel)
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			fields := strings.SplitN(sc.Text(), " ", 3)
			if len(fields) < 2 {
				continue
			}
			for _, oid := range fields[:2] {
				if isOID(oid) && oid != zeroOID {
					out = append(out, ref{Name: name, OID: oid})
				}
			}
		}
		return sc.Err()
	})
	return out, err
}
