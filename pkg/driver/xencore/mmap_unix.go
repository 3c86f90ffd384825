//go:build unix

package xencore

import (
	"bytes"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// mapFile maps f read-only into memory.
func mapFile(f *os.File, size int64) (io.ReaderAt, func() error, error) {
	if size == 0 {
		return f, func() error { return nil }, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}
	return bytes.NewReader(data), func() error { return unix.Munmap(data) }, nil
}
