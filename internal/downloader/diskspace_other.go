//go:build !linux && !darwin

package downloader

import "errors"

func diskFree(dir string) (uint64, error) {
	return 0, errors.New("free space query not supported on this platform")
}
