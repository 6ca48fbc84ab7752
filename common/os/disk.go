// Package os holds host probes used before a run starts.
package os

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Disk reports free space for the filesystem holding a directory. The
// function field lets tests fake a nearly full snapshots root.
type Disk struct {
	statfs func(path string, buf *unix.Statfs_t) error
}

func NewDisk() *Disk {
	return &Disk{statfs: unix.Statfs}
}

// FreeBytes returns the bytes available to an unprivileged user on the
// filesystem containing dir.
func (d *Disk) FreeBytes(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := d.statfs(dir, &st); err != nil {
		return 0, errors.Wrapf(err, "statfs %s", dir)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
