package lazfs

import (
	"encoding/binary"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// sizeAttr is the extended attribute on a `.laz` carrying the logical
// (uncompressed) size, encoded as a little-endian int64. It is
// authoritative only while no live entry references the file.
const sizeAttr = "user.lazfs.size"

func getSizeAttr(path string) (int64, error) {
	var buf [8]byte
	n, err := unix.Getxattr(path, sizeAttr, buf[:])
	if err != nil {
		return 0, err
	}
	if n != 8 {
		return 0, xerrors.Errorf("sidecar on %s has %d bytes: %w", path, n, syscall.EIO)
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func setSizeAttr(path string, size int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(size))
	return unix.Setxattr(path, sizeAttr, buf[:], 0)
}

// getSize returns the logical size of the `.laz` at path. Archives that
// never went through the file system have no sidecar yet; for those the
// codec streams the decoded form to a counter, and the result is written
// back best-effort so the next query is cheap.
func (fs *FS) getSize(path string) (int64, error) {
	size, err := getSizeAttr(path)
	if err == nil {
		return size, nil
	}
	if !sidecarAbsent(err) {
		return 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	size, err = fs.codec.UncompressedSize(f)
	if err != nil {
		return 0, err
	}
	// Best effort: a read-only backing store keeps probing instead.
	setSizeAttr(path, size)
	return size, nil
}

// sidecarAbsent reports whether err means the attribute is missing or
// can not be stored on this file system, as opposed to a real failure.
func sidecarAbsent(err error) bool {
	return err == unix.ENODATA || err == unix.ENOTSUP || err == unix.EOPNOTSUPP ||
		err == unix.EACCES || err == unix.EPERM || err == unix.EROFS
}
