//go:build !unix

package arena

import "github.com/pkg/errors"

// Map falls back to Go memory on platforms without mmap.
func Map(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Errorf("arena: invalid mapping size %d", size)
	}
	return Make(size), nil
}

// Unmap ...
func Unmap(data []byte) error {
	return nil
}
