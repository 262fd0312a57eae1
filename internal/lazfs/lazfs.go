// Package lazfs implements the upcall dispatcher of the LazFS
// pass-through file system: compressed `.laz` archives below the backing
// root are exposed as synthetic `.las` files, decompressed into private
// scratch files on first open and recompressed at last release when
// written to. Everything else is forwarded to the backing store.
//
// The package is independent of the kernel transport; internal/fuse
// binds it to the FUSE protocol.
package lazfs

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/renameio"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/lazfs/lazfs/internal/cache"
	"github.com/lazfs/lazfs/internal/codec"
	"github.com/lazfs/lazfs/internal/workq"
)

// FS is the per-mount state: backing root, entry table, worker pool and
// codec. It is created before the transport starts dispatching and torn
// down in Destroy.
type FS struct {
	root       string // absolute path of the backing store
	scratchDir string
	cache      *cache.Table
	pool       *workq.Pool
	codec      codec.Codec
}

// New creates the dispatcher state. workers is the size of the
// (de)compression pool.
func New(root, scratchDir string, workers int, c codec.Codec) *FS {
	return &FS{
		root:       root,
		scratchDir: scratchDir,
		cache:      cache.New(),
		pool:       workq.New(workers),
		codec:      c,
	}
}

// Errno extracts the errno carried by err, falling back to EIO. Used at
// the transport boundary, where only errno values can travel.
func Errno(err error) syscall.Errno {
	var errno syscall.Errno
	if xerrors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}

// A Handle represents one successful Open or Create. Passthrough
// handles own a descriptor on the backing file; synthetic handles
// resolve the scratch descriptor through the entry table on every data
// operation.
type Handle struct {
	fs        *FS
	name      string
	synthetic bool
	f         *os.File // passthrough only
}

// Getattr implements the stat upcall. For a synthetic path the identity
// comes from an lstat of the `.laz` and the size from the sidecar; the
// table lock serializes against a concurrent compress-back updating
// both.
func (fs *FS) Getattr(name string) (unix.Stat_t, error) {
	var st unix.Stat_t
	full := fs.fullPath(name)
	if isSyntheticLas(full) {
		lazPath := toBacking(full)
		fs.cache.Lock()
		defer fs.cache.Unlock()
		if err := unix.Lstat(lazPath, &st); err != nil {
			return st, err
		}
		size, err := fs.getSize(lazPath)
		if err != nil {
			return st, err
		}
		st.Size = size
		return st, nil
	}
	err := unix.Lstat(full, &st)
	return st, err
}

// Open opens name for I/O. A synthetic path is served from the entry
// table: a hit takes another reference, a miss decompresses the `.laz`
// into a fresh scratch file first. An entry caught mid-teardown yields
// EAGAIN ("try again"); the open is not retried here.
func (fs *FS) Open(name string, flags int) (*Handle, error) {
	full := fs.fullPath(name)
	if !isSyntheticLas(full) {
		f, err := os.OpenFile(full, flags, 0)
		if err != nil {
			return nil, err
		}
		return &Handle{fs: fs, name: name, f: f}, nil
	}

	c := fs.cache
	c.Lock()
	defer c.Unlock()

	_, err := c.Lookup(name, true)
	if err == nil {
		return &Handle{fs: fs, name: name, synthetic: true}, nil
	}
	if xerrors.Is(err, cache.ErrDead) {
		return nil, syscall.EAGAIN
	}

	lazPath := toBacking(full)
	backing, scratch, scratchPath, err := fs.prepareTmp(lazPath, flags, 0)
	if err != nil {
		return nil, err
	}
	c.Insert(name, scratchPath, backing, scratch, false)
	if err := c.Decompress(name, fs.pool, fs.codec.Decompress); err != nil {
		c.Remove(name)
		finishTmp(scratchPath, backing, scratch)
		return nil, err
	}
	return &Handle{fs: fs, name: name, synthetic: true}, nil
}

// Create creates name and opens it. A synthetic path gets an empty
// `.laz` plus an empty scratch file; there is nothing to decompress, so
// the entry starts out ready.
func (fs *FS) Create(name string, mode os.FileMode) (*Handle, error) {
	full := fs.fullPath(name)
	if !isSyntheticLas(full) {
		// Read-write: the kernel reuses the create handle for reads.
		f, err := os.OpenFile(full, os.O_CREATE|os.O_RDWR|os.O_TRUNC, mode)
		if err != nil {
			return nil, err
		}
		return &Handle{fs: fs, name: name, f: f}, nil
	}

	c := fs.cache
	c.Lock()
	defer c.Unlock()

	lazPath := toBacking(full)
	backing, scratch, scratchPath, err := fs.prepareTmp(lazPath, -1, mode)
	if err != nil {
		return nil, err
	}
	c.Insert(name, scratchPath, backing, scratch, true)
	return &Handle{fs: fs, name: name, synthetic: true}, nil
}

// borrow takes a temporary reference on the entry for one I/O and
// returns its snapshot. Every data operation arrives between a
// successful open and its release, so a missing entry is a bug.
func (h *Handle) borrow() cache.Snapshot {
	c := h.fs.cache
	c.Lock()
	defer c.Unlock()
	snap, err := c.Lookup(h.name, true)
	if err != nil {
		panic("lazfs: I/O on unopened synthetic file " + h.name)
	}
	return snap
}

func (h *Handle) unborrow() {
	c := h.fs.cache
	c.Lock()
	c.Release(h.name)
	c.Unlock()
}

// ReadAt serves the read upcall. The scratch descriptor is borrowed
// under the table lock, but the pread itself runs outside it so that
// slow I/O does not stall other upcalls.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	if !h.synthetic {
		n, err := h.f.ReadAt(p, off)
		if err == io.EOF {
			err = nil
		}
		return n, err
	}
	snap := h.borrow()
	n, err := snap.Scratch.ReadAt(p, off)
	h.unborrow()
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// WriteAt serves the write upcall: like ReadAt, plus latching the dirty
// flag (once, under the same lock hold as the lookup) so that the last
// release recompresses.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	if !h.synthetic {
		return h.f.WriteAt(p, off)
	}
	c := h.fs.cache
	c.Lock()
	snap, err := c.Lookup(h.name, true)
	if err != nil {
		c.Unlock()
		panic("lazfs: I/O on unopened synthetic file " + h.name)
	}
	if !snap.Dirty {
		c.Dirty(h.name)
	}
	c.Unlock()
	n, werr := snap.Scratch.WriteAt(p, off)
	h.unborrow()
	return n, werr
}

// Fgetattr merges the scratch file's size and times over the backing
// file's identity fields.
func (h *Handle) Fgetattr() (unix.Stat_t, error) {
	var st unix.Stat_t
	if !h.synthetic {
		err := unix.Fstat(int(h.f.Fd()), &st)
		return st, err
	}
	snap := h.borrow()
	defer h.unborrow()
	if err := unix.Fstat(int(snap.Backing.Fd()), &st); err != nil {
		return st, err
	}
	var tmpst unix.Stat_t
	if err := unix.Fstat(int(snap.Scratch.Fd()), &tmpst); err != nil {
		return st, err
	}
	st.Size = tmpst.Size
	st.Atim = tmpst.Atim
	st.Mtim = tmpst.Mtim
	st.Ctim = tmpst.Ctim
	return st, nil
}

// Ftruncate truncates through the handle. For a synthetic file the
// scratch is truncated and the entry turns dirty, exactly as a write
// would.
func (h *Handle) Ftruncate(size int64) error {
	if !h.synthetic {
		return h.f.Truncate(size)
	}
	c := h.fs.cache
	c.Lock()
	snap, err := c.Lookup(h.name, true)
	if err != nil {
		c.Unlock()
		panic("lazfs: I/O on unopened synthetic file " + h.name)
	}
	if !snap.Dirty {
		c.Dirty(h.name)
	}
	c.Unlock()
	terr := snap.Scratch.Truncate(size)
	h.unborrow()
	return terr
}

// Fsync flushes the descriptor backing the handle.
func (h *Handle) Fsync(datasync bool) error {
	if !h.synthetic {
		if datasync {
			return unix.Fdatasync(int(h.f.Fd()))
		}
		return h.f.Sync()
	}
	snap := h.borrow()
	defer h.unborrow()
	if datasync {
		return unix.Fdatasync(int(snap.Scratch.Fd()))
	}
	return snap.Scratch.Sync()
}

// Flush is called on every close of a descriptor; there is nothing to
// write back here (dirty data lives in the scratch file until release).
func (h *Handle) Flush() error {
	return nil
}

// Release drops the handle. The last holder of a dirty synthetic file
// pays for the recompression; either way the last holder tears down the
// scratch file before the entry disappears.
func (h *Handle) Release() error {
	if !h.synthetic {
		return h.f.Close()
	}
	c := h.fs.cache
	c.Lock()
	defer c.Unlock()
	snap, err := c.Lookup(h.name, false)
	if err != nil {
		panic("lazfs: release of unopened synthetic file " + h.name)
	}
	var reterr error
	if snap.LastRef {
		if snap.Dirty {
			reterr = h.fs.compressBack(h.name, snap)
		}
		finishTmp(snap.ScratchPath, snap.Backing, snap.Scratch)
	}
	c.Release(h.name)
	return reterr
}

// compressBack recompresses the scratch file over the `.laz`, called
// with the table lock held by the last holder of a dirty entry:
// compress into a temporary next to the `.laz` (same device, so the
// replace is one rename), carry over owner and mode from the old file,
// replace it, then persist the logical size in the sidecar. The first
// failure wins; cleanup of the temporary always happens.
func (fs *FS) compressBack(name string, snap cache.Snapshot) error {
	lazPath := toBacking(fs.fullPath(name))
	t, err := renameio.TempFile(filepath.Dir(lazPath), lazPath)
	if err != nil {
		return err
	}
	if err := fs.cache.MarkDeadAndCompress(name, fs.pool, fs.codec.Compress, t.File); err != nil {
		t.Cleanup()
		return err
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(snap.Backing.Fd()), &st); err != nil {
		t.Cleanup()
		return err
	}
	if err := t.Chown(int(st.Uid), int(st.Gid)); err != nil {
		t.Cleanup()
		return err
	}
	if err := unix.Fchmod(int(t.File.Fd()), st.Mode&07777); err != nil {
		t.Cleanup()
		return err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		t.Cleanup()
		return err
	}
	tmpfi, err := snap.Scratch.Stat()
	if err != nil {
		return err
	}
	return setSizeAttr(lazPath, tmpfi.Size())
}

// A Dirent is one directory entry after the `.laz` → `.las` rewrite.
type Dirent struct {
	Name string
	Mode os.FileMode
}

// ReadDir lists a backing directory, offering every `.laz` under its
// synthetic `.las` name. No other filtering happens.
func (fs *FS) ReadDir(name string) ([]Dirent, error) {
	fis, err := ioutil.ReadDir(fs.fullPath(name))
	if err != nil {
		return nil, err
	}
	ents := make([]Dirent, 0, len(fis))
	for _, fi := range fis {
		n := fi.Name()
		if strings.HasSuffix(n, ".laz") {
			n = toSynthetic(n)
		}
		ents = append(ents, Dirent{Name: n, Mode: fi.Mode()})
	}
	return ents, nil
}

// Readlink resolves a symlink in the backing store.
func (fs *FS) Readlink(name string) (string, error) {
	return os.Readlink(fs.fullPath(name))
}

// Mknod creates a file system node. Regular files and FIFOs get the
// portable treatment; everything else is a raw mknod.
func (fs *FS) Mknod(name string, mode uint32, dev uint64) error {
	full := fs.fullPath(name)
	switch mode & unix.S_IFMT {
	case unix.S_IFREG, 0:
		f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, os.FileMode(mode&0777))
		if err != nil {
			return err
		}
		return f.Close()
	case unix.S_IFIFO:
		return unix.Mkfifo(full, mode&07777)
	default:
		return unix.Mknod(full, mode, int(dev))
	}
}

func (fs *FS) Mkdir(name string, mode os.FileMode) error {
	return os.Mkdir(fs.fullPath(name), mode)
}

// Unlink removes name; removing a synthetic `.las` removes the `.laz`.
func (fs *FS) Unlink(name string) error {
	return unix.Unlink(fs.targetPath(name))
}

func (fs *FS) Rmdir(name string) error {
	return unix.Rmdir(fs.fullPath(name))
}

// Symlink creates newname pointing at target. The target is stored
// verbatim, like the symlink system call does.
func (fs *FS) Symlink(target, newname string) error {
	return os.Symlink(target, fs.fullPath(newname))
}

func (fs *FS) Rename(oldname, newname string) error {
	return os.Rename(fs.fullPath(oldname), fs.fullPath(newname))
}

func (fs *FS) Link(oldname, newname string) error {
	return os.Link(fs.fullPath(oldname), fs.fullPath(newname))
}

func (fs *FS) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(fs.fullPath(name), mode)
}

func (fs *FS) Chown(name string, uid, gid int) error {
	return os.Chown(fs.fullPath(name), uid, gid)
}

func (fs *FS) Truncate(name string, size int64) error {
	return os.Truncate(fs.fullPath(name), size)
}

// Utimens updates access and modification times; for a synthetic path
// they land on the `.laz`.
func (fs *FS) Utimens(name string, atime, mtime time.Time) error {
	return os.Chtimes(fs.targetPath(name), atime, mtime)
}

// Access checks permissions; for a synthetic path against the `.laz`.
func (fs *FS) Access(name string, mask uint32) error {
	return unix.Access(fs.targetPath(name), mask)
}

func (fs *FS) Statfs(name string) (unix.Statfs_t, error) {
	var st unix.Statfs_t
	err := unix.Statfs(fs.fullPath(name), &st)
	return st, err
}

// Setxattr and the other attribute operations act on the `.laz` for
// synthetic paths; the scratch file carries no attributes of its own.
func (fs *FS) Setxattr(name, attr string, value []byte, flags int) error {
	return unix.Lsetxattr(fs.targetPath(name), attr, value, flags)
}

// Getxattr reads one attribute, sizing the buffer with a query call
// first.
func (fs *FS) Getxattr(name, attr string) ([]byte, error) {
	path := fs.targetPath(name)
	for {
		sz, err := unix.Lgetxattr(path, attr, nil)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, sz)
		n, err := unix.Lgetxattr(path, attr, buf)
		if err == unix.ERANGE {
			continue // attribute grew between the calls
		}
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}
}

// Listxattr returns the raw NUL-separated attribute name list.
func (fs *FS) Listxattr(name string) ([]byte, error) {
	path := fs.targetPath(name)
	for {
		sz, err := unix.Llistxattr(path, nil)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, sz)
		n, err := unix.Llistxattr(path, buf)
		if err == unix.ERANGE {
			continue
		}
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}
}

func (fs *FS) Removexattr(name, attr string) error {
	return unix.Lremovexattr(fs.targetPath(name), attr)
}

// Destroy tears the mount state down: surviving entries (the kernel may
// not have released everything before unmount) lose their scratch files
// and descriptors, then the pool is stopped (its queue must be empty)
// and its workers joined.
func (fs *FS) Destroy() {
	c := fs.cache
	c.Lock()
	for _, name := range c.Names() {
		if snap, ok := c.Peek(name); ok {
			finishTmp(snap.ScratchPath, snap.Backing, snap.Scratch)
			c.Remove(name)
		}
	}
	c.Unlock()
	fs.pool.Destroy()
}
