//go:build windows

package blobstore

import "errors"

// DiskUsage не поддерживается на Windows.
func (s *Store) DiskUsage() (*DiskUsage, error) {
	return nil, errors.New("информация о диске недоступна на этой платформе")
}
