package disk

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// A store is the contiguous byte array backing a Disk. Reads and writes are
// whole-chunk copies issued under the disk mutex; IO failure on a file store
// is fatal because the flush path has no way to report it.
type store interface {
	readAt(off uint64, p []byte)
	writeAt(off uint64, p []byte)
	close() error
}

type memStore []byte

func (s memStore) readAt(off uint64, p []byte) {
	copy(p, s[off:off+uint64(len(p))])
}

func (s memStore) writeAt(off uint64, p []byte) {
	copy(s[off:off+uint64(len(p))], p)
}

func (s memStore) close() error {
	return nil
}

type fileStore struct {
	fd int
}

func (s fileStore) readAt(off uint64, p []byte) {
	if _, err := unix.Pread(s.fd, p, int64(off)); err != nil {
		panic("disk: read failed: " + err.Error())
	}
}

func (s fileStore) writeAt(off uint64, p []byte) {
	if _, err := unix.Pwrite(s.fd, p, int64(off)); err != nil {
		panic("disk: write failed: " + err.Error())
	}
}

func (s fileStore) close() error {
	if err := unix.Fsync(s.fd); err != nil {
		return err
	}
	return unix.Close(s.fd)
}

// NewFileDisk opens (creating if needed) a disk image at path, sized to the
// given geometry.
func NewFileDisk(path string, chunkCount uint64, chunkSize uint64) (*Disk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, err
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, err
	}
	size := chunkCount * chunkSize
	if (stat.Mode&unix.S_IFREG) != 0 && uint64(stat.Size) != size {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("sizing disk image: %w", err)
		}
	}
	return newDisk(fileStore{fd: fd}, chunkCount, chunkSize), nil
}
