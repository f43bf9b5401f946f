//go:build unix

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Usage reports capacity and free space of the filesystem holding dir.
func Usage(dir string) (*DiskUsage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", dir, err)
	}
	bsize := uint64(st.Bsize)
	return &DiskUsage{
		Total: uint64(st.Blocks) * bsize,
		Free:  uint64(st.Bavail) * bsize,
	}, nil
}
