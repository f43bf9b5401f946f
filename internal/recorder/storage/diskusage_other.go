//go:build !unix

package storage

import "errors"

func Usage(string) (*DiskUsage, error) {
	return nil, errors.New("disk usage not supported on this platform")
}
