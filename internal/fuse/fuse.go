// Package fuse binds the LazFS dispatcher to the kernel: it owns the
// mount, the inode and handle bookkeeping the FUSE protocol requires,
// and the translation between dispatcher results and fuseops replies.
// All policy lives in internal/lazfs; this package is transport glue.
package fuse

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/lazfs/lazfs/internal/codec"
	"github.com/lazfs/lazfs/internal/lazfs"
)

const help = `lazfs [-flags] <backing root> <mountpoint>

Mount the LazFS pass-through file system: .laz archives below the
backing root appear as uncompressed .las files at the mountpoint.

Example:
  % lazfs /data/tiles /mnt/tiles
`

// attrTTL is how long the kernel may cache attributes and entries. The
// backing store can change underneath us, so this stays at the FUSE
// default of one second.
const attrTTL = 1 * time.Second

func Mount(ctx context.Context, args []string) (join func(context.Context) error, _ error) {
	fset := flag.NewFlagSet("lazfs", flag.ExitOnError)
	var (
		scratchDir = fset.String("scratchdir", os.TempDir(), "directory for decompressed scratch files")
		workers    = fset.Int("workers", 2, "number of (de)compression workers")
		codecName  = fset.String("codec", "las", "archive codec (one of las, gzip)")
		debug      = fset.Bool("debug", false, "log every file system operation")
	)
	fset.Usage = func() {
		fmt.Fprint(os.Stderr, help)
		fmt.Fprintf(os.Stderr, "Flags for %s:\n", fset.Name())
		fset.PrintDefaults()
	}
	fset.Parse(args)
	if fset.NArg() != 2 {
		return nil, xerrors.Errorf("syntax: lazfs [-flags] <backing root> <mountpoint>")
	}
	root, err := filepath.EvalSymlinks(fset.Arg(0))
	if err != nil {
		return nil, err
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if fi, err := os.Stat(root); err != nil {
		return nil, err
	} else if !fi.IsDir() {
		return nil, xerrors.Errorf("backing root %s is not a directory", root)
	}
	mountpoint := fset.Arg(1)

	cdc, err := codec.ByName(*codecName)
	if err != nil {
		return nil, err
	}

	fs := &fuseFS{
		core:    lazfs.New(root, *scratchDir, *workers, cdc),
		inodes:  map[fuseops.InodeID]string{fuseops.RootInodeID: "/"},
		byPath:  map[string]fuseops.InodeID{"/": fuseops.RootInodeID},
		nextIno: fuseops.RootInodeID,
		files:   make(map[fuseops.HandleID]*fileHandle),
		dirs:    make(map[fuseops.HandleID][]fuseutil.Dirent),
	}
	server := fuseutil.NewFileSystemServer(fs)

	cfg := &fuse.MountConfig{
		FSName:  "lazfs",
		Subtype: "lazfs",
		// Writes must reach the scratch file before release decides
		// whether to recompress.
		DisableWritebackCaching: true,
		ErrorLogger:             log.New(os.Stderr, "fuse: ", log.LstdFlags),
	}
	if *debug {
		cfg.DebugLogger = log.New(os.Stderr, "[debug] ", log.LstdFlags)
	}
	mfs, err := fuse.Mount(mountpoint, server, cfg)
	if err != nil {
		return nil, xerrors.Errorf("fuse.Mount: %v", err)
	}
	join = func(ctx context.Context) error {
		defer func() {
			if err := fuse.Unmount(mountpoint); err != nil {
				fmt.Fprintf(os.Stderr, "fuse.Unmount: %v\n", err)
			}
		}()
		return mfs.Join(ctx)
	}
	return join, nil
}

// fileHandle pairs a dispatcher handle with the logical path it was
// opened under (SetInodeAttributes needs to find open handles by path).
type fileHandle struct {
	path string
	h    *lazfs.Handle
}

type fuseFS struct {
	fuseutil.NotImplementedFileSystem

	core *lazfs.FS

	mu      sync.Mutex
	nextIno fuseops.InodeID
	inodes  map[fuseops.InodeID]string // inode -> logical path
	byPath  map[string]fuseops.InodeID
	nextFh  fuseops.HandleID
	files   map[fuseops.HandleID]*fileHandle
	dirs    map[fuseops.HandleID][]fuseutil.Dirent
}

// path resolves an inode to its logical path.
func (fs *fuseFS) path(ino fuseops.InodeID) (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p, ok := fs.inodes[ino]
	return p, ok
}

// inode returns the inode for a logical path, allocating on first use.
func (fs *fuseFS) inode(p string) fuseops.InodeID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.inodeLocked(p)
}

func (fs *fuseFS) inodeLocked(p string) fuseops.InodeID {
	if ino, ok := fs.byPath[p]; ok {
		return ino
	}
	fs.nextIno++
	ino := fs.nextIno
	fs.byPath[p] = ino
	fs.inodes[ino] = p
	return ino
}

// forgetPath drops the mapping for a removed path. Open handles are
// unaffected; they carry their path themselves.
func (fs *fuseFS) forgetPath(p string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if ino, ok := fs.byPath[p]; ok {
		delete(fs.byPath, p)
		delete(fs.inodes, ino)
	}
}

// movePath rewrites the inode table after a rename, including every
// path below a renamed directory.
func (fs *fuseFS) movePath(old, new string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	// The rename target may have existed; its inode is stale now.
	if ino, ok := fs.byPath[new]; ok {
		delete(fs.byPath, new)
		delete(fs.inodes, ino)
	}
	prefix := old + "/"
	for ino, p := range fs.inodes {
		switch {
		case p == old:
			delete(fs.byPath, p)
			fs.inodes[ino] = new
			fs.byPath[new] = ino
		case strings.HasPrefix(p, prefix):
			np := new + p[len(old):]
			delete(fs.byPath, p)
			fs.inodes[ino] = np
			fs.byPath[np] = ino
		}
	}
}

func (fs *fuseFS) newFileHandle(p string, h *lazfs.Handle) fuseops.HandleID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.nextFh++
	fs.files[fs.nextFh] = &fileHandle{path: p, h: h}
	return fs.nextFh
}

func (fs *fuseFS) file(fh fuseops.HandleID) (*fileHandle, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	h, ok := fs.files[fh]
	return h, ok
}

// errno translates a non-nil dispatcher error into the errno the kernel
// receives.
func errno(err error) error {
	return lazfs.Errno(err)
}

func timespec(ts unix.Timespec) time.Time {
	return time.Unix(ts.Sec, ts.Nsec)
}

// goMode converts raw stat mode bits into an os.FileMode.
func goMode(m uint32) os.FileMode {
	mode := os.FileMode(m & 0777)
	switch m & unix.S_IFMT {
	case unix.S_IFDIR:
		mode |= os.ModeDir
	case unix.S_IFLNK:
		mode |= os.ModeSymlink
	case unix.S_IFIFO:
		mode |= os.ModeNamedPipe
	case unix.S_IFSOCK:
		mode |= os.ModeSocket
	case unix.S_IFBLK:
		mode |= os.ModeDevice
	case unix.S_IFCHR:
		mode |= os.ModeDevice | os.ModeCharDevice
	}
	if m&unix.S_ISUID != 0 {
		mode |= os.ModeSetuid
	}
	if m&unix.S_ISGID != 0 {
		mode |= os.ModeSetgid
	}
	if m&unix.S_ISVTX != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// unixMode is the inverse of goMode.
func unixMode(mode os.FileMode) uint32 {
	m := uint32(mode & 0777)
	switch {
	case mode&os.ModeDir != 0:
		m |= unix.S_IFDIR
	case mode&os.ModeSymlink != 0:
		m |= unix.S_IFLNK
	case mode&os.ModeNamedPipe != 0:
		m |= unix.S_IFIFO
	case mode&os.ModeSocket != 0:
		m |= unix.S_IFSOCK
	case mode&os.ModeCharDevice != 0:
		m |= unix.S_IFCHR
	case mode&os.ModeDevice != 0:
		m |= unix.S_IFBLK
	default:
		m |= unix.S_IFREG
	}
	if mode&os.ModeSetuid != 0 {
		m |= unix.S_ISUID
	}
	if mode&os.ModeSetgid != 0 {
		m |= unix.S_ISGID
	}
	if mode&os.ModeSticky != 0 {
		m |= unix.S_ISVTX
	}
	return m
}

func attrFromStat(st unix.Stat_t) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  uint64(st.Size),
		Nlink: uint32(st.Nlink),
		Mode:  goMode(uint32(st.Mode)),
		Atime: timespec(st.Atim),
		Mtime: timespec(st.Mtim),
		Ctime: timespec(st.Ctim),
		Uid:   st.Uid,
		Gid:   st.Gid,
	}
}

func direntType(mode os.FileMode) fuseutil.DirentType {
	switch {
	case mode.IsDir():
		return fuseutil.DT_Directory
	case mode&os.ModeSymlink != 0:
		return fuseutil.DT_Link
	default:
		return fuseutil.DT_File
	}
}

func (fs *fuseFS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	st, err := fs.core.Statfs("/")
	if err != nil {
		return errno(err)
	}
	op.BlockSize = uint32(st.Bsize)
	op.Blocks = st.Blocks
	op.BlocksFree = st.Bfree
	op.BlocksAvailable = st.Bavail
	op.IoSize = uint32(st.Bsize)
	op.Inodes = st.Files
	op.InodesFree = st.Ffree
	return nil
}

func (fs *fuseFS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parent, ok := fs.path(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := path.Join(parent, op.Name)
	st, err := fs.core.Getattr(childPath)
	if err != nil {
		return errno(err)
	}
	op.Entry.Child = fs.inode(childPath)
	op.Entry.Attributes = attrFromStat(st)
	op.Entry.AttributesExpiration = time.Now().Add(attrTTL)
	op.Entry.EntryExpiration = time.Now().Add(attrTTL)
	return nil
}

func (fs *fuseFS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	p, ok := fs.path(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	st, err := fs.core.Getattr(p)
	if err != nil {
		return errno(err)
	}
	op.Attributes = attrFromStat(st)
	op.AttributesExpiration = time.Now().Add(attrTTL)
	return nil
}

func (fs *fuseFS) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	p, ok := fs.path(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	if op.Size != nil {
		if err := fs.truncate(p, int64(*op.Size)); err != nil {
			return errno(err)
		}
	}
	if op.Mode != nil {
		if err := fs.core.Chmod(p, *op.Mode); err != nil {
			return errno(err)
		}
	}
	if op.Atime != nil || op.Mtime != nil {
		st, err := fs.core.Getattr(p)
		if err != nil {
			return errno(err)
		}
		atime, mtime := timespec(st.Atim), timespec(st.Mtim)
		if op.Atime != nil {
			atime = *op.Atime
		}
		if op.Mtime != nil {
			mtime = *op.Mtime
		}
		if err := fs.core.Utimens(p, atime, mtime); err != nil {
			return errno(err)
		}
	}
	st, err := fs.core.Getattr(p)
	if err != nil {
		return errno(err)
	}
	op.Attributes = attrFromStat(st)
	op.AttributesExpiration = time.Now().Add(attrTTL)
	return nil
}

// truncate prefers an open handle on the path, so a synthetic file's
// scratch is truncated (and the entry turns dirty) instead of the
// nonexistent literal path.
func (fs *fuseFS) truncate(p string, size int64) error {
	fs.mu.Lock()
	for _, fh := range fs.files {
		if fh.path == p {
			h := fh.h
			fs.mu.Unlock()
			return h.Ftruncate(size)
		}
	}
	fs.mu.Unlock()
	return fs.core.Truncate(p, size)
}

func (fs *fuseFS) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parent, ok := fs.path(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := path.Join(parent, op.Name)
	if err := fs.core.Mkdir(childPath, op.Mode); err != nil {
		return errno(err)
	}
	return fs.fillEntry(childPath, &op.Entry)
}

func (fs *fuseFS) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	parent, ok := fs.path(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := path.Join(parent, op.Name)
	if err := fs.core.Mknod(childPath, unixMode(op.Mode), 0); err != nil {
		return errno(err)
	}
	return fs.fillEntry(childPath, &op.Entry)
}

func (fs *fuseFS) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	parent, ok := fs.path(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := path.Join(parent, op.Name)
	h, err := fs.core.Create(childPath, op.Mode)
	if err != nil {
		return errno(err)
	}
	st, err := h.Fgetattr()
	if err != nil {
		h.Release()
		return errno(err)
	}
	op.Entry.Child = fs.inode(childPath)
	op.Entry.Attributes = attrFromStat(st)
	op.Entry.AttributesExpiration = time.Now().Add(attrTTL)
	op.Entry.EntryExpiration = time.Now().Add(attrTTL)
	op.Handle = fs.newFileHandle(childPath, h)
	return nil
}

func (fs *fuseFS) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	parent, ok := fs.path(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := path.Join(parent, op.Name)
	if err := fs.core.Symlink(op.Target, childPath); err != nil {
		return errno(err)
	}
	return fs.fillEntry(childPath, &op.Entry)
}

func (fs *fuseFS) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	parent, ok := fs.path(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	target, ok := fs.path(op.Target)
	if !ok {
		return fuse.ENOENT
	}
	childPath := path.Join(parent, op.Name)
	if err := fs.core.Link(target, childPath); err != nil {
		return errno(err)
	}
	return fs.fillEntry(childPath, &op.Entry)
}

func (fs *fuseFS) fillEntry(p string, entry *fuseops.ChildInodeEntry) error {
	st, err := fs.core.Getattr(p)
	if err != nil {
		return errno(err)
	}
	entry.Child = fs.inode(p)
	entry.Attributes = attrFromStat(st)
	entry.AttributesExpiration = time.Now().Add(attrTTL)
	entry.EntryExpiration = time.Now().Add(attrTTL)
	return nil
}

func (fs *fuseFS) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParent, ok := fs.path(op.OldParent)
	if !ok {
		return fuse.ENOENT
	}
	newParent, ok := fs.path(op.NewParent)
	if !ok {
		return fuse.ENOENT
	}
	oldPath := path.Join(oldParent, op.OldName)
	newPath := path.Join(newParent, op.NewName)
	if err := fs.core.Rename(oldPath, newPath); err != nil {
		return errno(err)
	}
	fs.movePath(oldPath, newPath)
	return nil
}

func (fs *fuseFS) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parent, ok := fs.path(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := path.Join(parent, op.Name)
	if err := fs.core.Rmdir(childPath); err != nil {
		return errno(err)
	}
	fs.forgetPath(childPath)
	return nil
}

func (fs *fuseFS) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parent, ok := fs.path(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := path.Join(parent, op.Name)
	if err := fs.core.Unlink(childPath); err != nil {
		return errno(err)
	}
	fs.forgetPath(childPath)
	return nil
}

func (fs *fuseFS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	p, ok := fs.path(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	ents, err := fs.core.ReadDir(p)
	if err != nil {
		return errno(err)
	}
	dirents := make([]fuseutil.Dirent, 0, len(ents))
	for _, e := range ents {
		dirents = append(dirents, fuseutil.Dirent{
			Offset: fuseops.DirOffset(len(dirents) + 1), // (opaque) offset of the next entry
			Inode:  fs.inode(path.Join(p, e.Name)),
			Name:   e.Name,
			Type:   direntType(e.Mode),
		})
	}
	fs.mu.Lock()
	fs.nextFh++
	op.Handle = fs.nextFh
	fs.dirs[op.Handle] = dirents
	fs.mu.Unlock()
	return nil
}

func (fs *fuseFS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	dirents, ok := fs.dirs[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return fuse.EIO
	}
	if op.Offset > fuseops.DirOffset(len(dirents)) {
		return fuse.EIO
	}
	for _, e := range dirents[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *fuseFS) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	delete(fs.dirs, op.Handle)
	fs.mu.Unlock()
	return nil
}

func (fs *fuseFS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	p, ok := fs.path(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	// The kernel's open flags are not part of the protocol op; open
	// read-write and fall back for read-only files.
	h, err := fs.core.Open(p, os.O_RDWR)
	if err != nil {
		h, err = fs.core.Open(p, os.O_RDONLY)
	}
	if err != nil {
		return errno(err)
	}
	op.Handle = fs.newFileHandle(p, h)
	return nil
}

func (fs *fuseFS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fh, ok := fs.file(op.Handle)
	if !ok {
		return fuse.EIO
	}
	var err error
	op.BytesRead, err = fh.h.ReadAt(op.Dst, op.Offset)
	if err == io.EOF {
		err = nil // FUSE does not want io.EOF
	}
	if err != nil {
		return errno(err)
	}
	return nil
}

func (fs *fuseFS) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	fh, ok := fs.file(op.Handle)
	if !ok {
		return fuse.EIO
	}
	if _, err := fh.h.WriteAt(op.Data, op.Offset); err != nil {
		return errno(err)
	}
	return nil
}

func (fs *fuseFS) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	fh, ok := fs.file(op.Handle)
	if !ok {
		return fuse.EIO
	}
	if err := fh.h.Fsync(false); err != nil {
		return errno(err)
	}
	return nil
}

func (fs *fuseFS) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	fh, ok := fs.file(op.Handle)
	if !ok {
		return fuse.EIO
	}
	if err := fh.h.Flush(); err != nil {
		return errno(err)
	}
	return nil
}

func (fs *fuseFS) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	fh, ok := fs.files[op.Handle]
	delete(fs.files, op.Handle)
	fs.mu.Unlock()
	if !ok {
		return fuse.EIO
	}
	if err := fh.h.Release(); err != nil {
		return errno(err)
	}
	return nil
}

func (fs *fuseFS) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	p, ok := fs.path(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	target, err := fs.core.Readlink(p)
	if err != nil {
		return errno(err)
	}
	op.Target = target
	return nil
}

func (fs *fuseFS) SetXattr(ctx context.Context, op *fuseops.SetXattrOp) error {
	p, ok := fs.path(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	if err := fs.core.Setxattr(p, op.Name, op.Value, int(op.Flags)); err != nil {
		return errno(err)
	}
	return nil
}

func (fs *fuseFS) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	p, ok := fs.path(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	val, err := fs.core.Getxattr(p, op.Name)
	if err != nil {
		return errno(err)
	}
	op.BytesRead = len(val)
	if op.BytesRead > len(op.Dst) {
		if len(op.Dst) == 0 {
			return nil
		}
		return syscall.ERANGE
	}
	copy(op.Dst, val)
	return nil
}

func (fs *fuseFS) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	p, ok := fs.path(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	list, err := fs.core.Listxattr(p)
	if err != nil {
		return errno(err)
	}
	op.BytesRead = len(list)
	if op.BytesRead > len(op.Dst) {
		if len(op.Dst) == 0 {
			return nil
		}
		return syscall.ERANGE
	}
	copy(op.Dst, list)
	return nil
}

func (fs *fuseFS) RemoveXattr(ctx context.Context, op *fuseops.RemoveXattrOp) error {
	p, ok := fs.path(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	if err := fs.core.Removexattr(p, op.Name); err != nil {
		return errno(err)
	}
	return nil
}

func (fs *fuseFS) Destroy() {
	fs.core.Destroy()
}
