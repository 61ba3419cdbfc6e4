//go:build !unix && !windows

package util

import "errors"

func freeSpace(path string) (uint64, error) {
	return 0, errors.ErrUnsupported
}

func elevated() bool {
	return false
}
