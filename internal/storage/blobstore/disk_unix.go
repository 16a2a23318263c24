//go:build !windows

package blobstore

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DiskUsage возвращает информацию о дисковом пространстве корня хранилища.
func (s *Store) DiskUsage() (*DiskUsage, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(s.root, &stat); err != nil {
		return nil, fmt.Errorf("ошибка statfs %s: %w", s.root, err)
	}

	bsize := int64(stat.Bsize) //nolint:unconvert // uint32 на darwin
	du := &DiskUsage{
		Total: int64(stat.Blocks) * bsize,
		Free:  int64(stat.Bavail) * bsize,
	}
	du.Used = du.Total - int64(stat.Bfree)*bsize
	if du.Total > 0 {
		du.Percent = int(du.Used * 100 / du.Total)
	}
	return du, nil
}
