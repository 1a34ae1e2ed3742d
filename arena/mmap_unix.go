//go:build unix

package arena

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Map returns an anonymous private read-write mapping of size bytes.
// Mappings are page aligned, which satisfies allocator.Alignment.
func Map(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Errorf("arena: invalid mapping size %d", size)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "arena: mmap %d bytes", size)
	}
	return data, nil
}

// Unmap releases a mapping returned by Map. Unmapping twice is a no-op.
func Unmap(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	err := unix.Munmap(data)
	if errors.Is(err, unix.EINVAL) {
		return nil
	}
	return errors.Wrap(err, "arena: munmap")
}
