// Package fuse implements the filesystem operation handler (component
// D): a POSIX surface over the metadata index, object store, and
// write buffer, exposed through the kernel FUSE interface.
package fuse

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/cowfs/cowfs/pkg/types"
	"github.com/cowfs/cowfs/pkg/utils"
)

// safeInt64ToUint64 converts a non-negative int64 to uint64, clamping
// negative inputs to 0 rather than wrapping.
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// Config configures the operation handler's defaults and kernel-facing
// cache timeouts. Mount-point and access-mode fields mirror
// config.MountConfig; the rest has no external config-file surface.
type Config struct {
	MountPoint string
	ReadOnly   bool
	AllowOther bool

	DefaultUID  uint32
	DefaultGID  uint32
	DefaultMode uint32

	AttrTimeout  time.Duration
	EntryTimeout time.Duration
	Debug        bool
	FSName       string
}

// DefaultConfig returns sane defaults for a single-user mount.
func DefaultConfig() *Config {
	return &Config{
		DefaultUID:   1000,
		DefaultGID:   1000,
		DefaultMode:  0644,
		AttrTimeout:  time.Second,
		EntryTimeout: time.Second,
		FSName:       "cowfs",
	}
}

// Stats tracks per-operation counters, mirrored into metrics on every
// call and also readable in-process through Snapshot. `cowfsctl stats`
// does not read them; it prints the metadata index's report.
type Stats struct {
	mu sync.Mutex

	Lookups int64
	Opens   int64
	Reads   int64
	Writes  int64
	Creates int64
	Deletes int64

	BytesRead    int64
	BytesWritten int64

	Errors int64
}

func (s *Stats) inc(field *int64, delta int64) {
	s.mu.Lock()
	*field += delta
	s.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Lookups: s.Lookups, Opens: s.Opens, Reads: s.Reads, Writes: s.Writes,
		Creates: s.Creates, Deletes: s.Deletes,
		BytesRead: s.BytesRead, BytesWritten: s.BytesWritten, Errors: s.Errors,
	}
}

// FileSystem is the root of the go-fuse node tree, bundling the
// components every node needs to resolve, read, and mutate state.
type FileSystem struct {
	store   types.Store
	index   types.Index
	buffer  types.WriteBuffer
	metrics types.MetricsCollector
	config  *Config
	logger  *utils.StructuredLogger

	lockMu sync.Mutex
	locks  map[int64]*sync.Mutex

	stats *Stats
}

// NewFileSystem constructs the operation handler over an already-open
// store, index, and write buffer. A nil logger falls back to a
// text-format StructuredLogger at INFO level, matching the default
// pkg/memmon.MemoryMonitor builds for itself.
func NewFileSystem(store types.Store, index types.Index, buffer types.WriteBuffer, metrics types.MetricsCollector, config *Config, logger *utils.StructuredLogger) *FileSystem {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	}
	return &FileSystem{
		store:   store,
		index:   index,
		buffer:  buffer,
		metrics: metrics,
		config:  config,
		logger:  logger,
		locks:   make(map[int64]*sync.Mutex),
		stats:   &Stats{},
	}
}

// Root returns the node for the backend's fixed root inode.
func (fsys *FileSystem) Root() fs.InodeEmbedder {
	return &Node{fsys: fsys, id: types.RootInodeID}
}

// GetStats returns a snapshot of operation counters.
func (fsys *FileSystem) GetStats() Stats {
	return fsys.stats.Snapshot()
}

// lockFor returns the per-inode mutex serializing one file's
// write/flush/release sequence (spec.md §5), creating it on first use.
// Locks are never removed: the table is bounded by the number of
// distinct inodes ever touched by this mount, which already bounds the
// metadata index's own row count.
func (fsys *FileSystem) lockFor(id int64) *sync.Mutex {
	fsys.lockMu.Lock()
	defer fsys.lockMu.Unlock()
	m, ok := fsys.locks[id]
	if !ok {
		m = &sync.Mutex{}
		fsys.locks[id] = m
	}
	return m
}

func (fsys *FileSystem) record(op string, start time.Time, size int64, err error) {
	if err != nil {
		fsys.stats.inc(&fsys.stats.Errors, 1)
	}
	if fsys.metrics == nil {
		return
	}
	fsys.metrics.RecordOperation(op, time.Since(start), size, err == nil)
	if err != nil {
		fsys.metrics.RecordError(op, err)
	}
}

// fillAttr populates out from inode, using the write buffer's
// in-flight size for an open file over the last-flushed version size.
func fillAttr(ctx context.Context, fsys *FileSystem, inode *types.Inode, out *fuse.Attr) {
	out.Ino = safeInt64ToUint64(inode.ID)
	out.Uid = inode.UID
	out.Gid = inode.GID
	mtime := safeInt64ToUint64(inode.UpdatedAt.Unix())
	out.Mtime, out.Atime, out.Ctime = mtime, mtime, mtime

	if inode.IsDir() {
		out.Mode = fuse.S_IFDIR | inode.Mode
		out.Nlink = 2
		return
	}

	out.Mode = fuse.S_IFREG | inode.Mode
	out.Nlink = 1

	if size, ok := fsys.buffer.BufferedSize(inode.ID); ok {
		out.Size = safeInt64ToUint64(size)
		return
	}
	if inode.CurrentID != 0 {
		if v, err := fsys.index.CurrentVersion(ctx, inode.ID); err == nil && v != nil {
			out.Size = safeInt64ToUint64(v.Size)
		}
	}
}

// establishEmptyVersion gives a freshly created file its first version,
// pointing at the well-known empty-bytes object, so every non-deleted
// file inode has a non-null current version id from the moment it is
// created. The version insert, current-pointer update, and object ref
// bump happen as CommitVersion's single transaction.
func establishEmptyVersion(ctx context.Context, st types.Store, idx types.Index, inodeID int64) error {
	digest, err := st.Put(ctx, nil)
	if err != nil {
		return err
	}
	_, err = idx.CommitVersion(ctx, inodeID, digest, 0, st.Algo())
	return err
}

func stableAttrFor(inode *types.Inode) fs.StableAttr {
	mode := uint32(fuse.S_IFREG)
	if inode.IsDir() {
		mode = fuse.S_IFDIR
	}
	return fs.StableAttr{Mode: mode, Ino: safeInt64ToUint64(inode.ID)}
}

// Node is one directory or regular-file entry, addressed by the
// metadata index's inode id rather than a path.
type Node struct {
	fs.Inode
	fsys *FileSystem
	id   int64
}

var (
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeSetattrer = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeMkdirer   = (*Node)(nil)
	_ fs.NodeCreater   = (*Node)(nil)
	_ fs.NodeUnlinker  = (*Node)(nil)
	_ fs.NodeRmdirer   = (*Node)(nil)
	_ fs.NodeRenamer   = (*Node)(nil)
	_ fs.NodeOpener    = (*Node)(nil)
)

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	start := time.Now()
	n.fsys.stats.inc(&n.fsys.stats.Lookups, 1)

	child, err := n.fsys.index.Resolve(ctx, n.id, name)
	n.fsys.record("lookup", start, 0, err)
	if err != nil {
		return nil, errnoFor(err)
	}

	out.SetEntryTimeout(n.fsys.config.EntryTimeout)
	out.SetAttrTimeout(n.fsys.config.AttrTimeout)
	fillAttr(ctx, n.fsys, child, &out.Attr)

	childNode := &Node{fsys: n.fsys, id: child.ID}
	return n.NewInode(ctx, childNode, stableAttrFor(child)), 0
}

func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	inode, err := n.fsys.index.GetInode(ctx, n.id)
	if err != nil {
		return errnoFor(err)
	}
	out.SetTimeout(n.fsys.config.AttrTimeout)
	fillAttr(ctx, n.fsys, inode, &out.Attr)
	return 0
}

func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}

	var attrs types.SetAttrs
	if mode, ok := in.GetMode(); ok {
		m := mode & 0o7777
		attrs.Mode = &m
	}
	if uid, ok := in.GetUID(); ok {
		attrs.UID = &uid
	}
	if gid, ok := in.GetGID(); ok {
		attrs.GID = &gid
	}
	if mtime, ok := in.GetMTime(); ok {
		attrs.Mtime = &mtime
	}
	if atime, ok := in.GetATime(); ok {
		attrs.Atime = &atime
	}

	if size, ok := in.GetSize(); ok {
		lock := n.fsys.lockFor(n.id)
		lock.Lock()
		err := n.fsys.buffer.Truncate(ctx, n.id, int64(size))
		lock.Unlock()
		if err != nil {
			return errnoFor(err)
		}
		sz := int64(size)
		attrs.Size = &sz
	}

	updated, err := n.fsys.index.SetAttr(ctx, n.id, attrs)
	if err != nil {
		return errnoFor(err)
	}
	out.SetTimeout(n.fsys.config.AttrTimeout)
	fillAttr(ctx, n.fsys, updated, &out.Attr)
	return 0
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	children, err := n.fsys.index.ListChildren(ctx, n.id)
	if err != nil {
		return nil, errnoFor(err)
	}

	entries := make([]fuse.DirEntry, 0, len(children))
	for _, c := range children {
		mode := uint32(fuse.S_IFREG)
		if c.IsDir() {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: c.Name, Mode: mode, Ino: safeInt64ToUint64(c.ID)})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.fsys.config.ReadOnly {
		return nil, syscall.EROFS
	}

	inode, err := n.fsys.index.CreateInode(ctx, n.id, name, types.KindDirectory, mode&0o7777, n.fsys.config.DefaultUID, n.fsys.config.DefaultGID)
	if err != nil {
		return nil, errnoFor(err)
	}

	out.SetEntryTimeout(n.fsys.config.EntryTimeout)
	fillAttr(ctx, n.fsys, inode, &out.Attr)
	childNode := &Node{fsys: n.fsys, id: inode.ID}
	return n.NewInode(ctx, childNode, stableAttrFor(inode)), 0
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if n.fsys.config.ReadOnly {
		return nil, nil, 0, syscall.EROFS
	}

	inode, err := n.fsys.index.CreateInode(ctx, n.id, name, types.KindFile, mode&0o7777, n.fsys.config.DefaultUID, n.fsys.config.DefaultGID)
	if err != nil {
		return nil, nil, 0, errnoFor(err)
	}
	if err := establishEmptyVersion(ctx, n.fsys.store, n.fsys.index, inode.ID); err != nil {
		return nil, nil, 0, errnoFor(err)
	}
	n.fsys.stats.inc(&n.fsys.stats.Creates, 1)

	out.SetEntryTimeout(n.fsys.config.EntryTimeout)
	fillAttr(ctx, n.fsys, inode, &out.Attr)

	childNode := &Node{fsys: n.fsys, id: inode.ID}
	child := n.NewInode(ctx, childNode, stableAttrFor(inode))
	return child, &FileHandle{fsys: n.fsys, id: inode.ID}, 0, 0
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}

	target, err := n.fsys.index.Resolve(ctx, n.id, name)
	if err != nil {
		return errnoFor(err)
	}
	if target.IsDir() {
		return syscall.EISDIR
	}

	if v, err := n.fsys.index.CurrentVersion(ctx, target.ID); err == nil && v != nil {
		if _, err := n.fsys.index.DecrementRef(ctx, v.Digest); err != nil {
			return errnoFor(err)
		}
	}
	if err := n.fsys.index.SoftDelete(ctx, target.ID); err != nil {
		return errnoFor(err)
	}
	n.fsys.stats.inc(&n.fsys.stats.Deletes, 1)
	return 0
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}

	target, err := n.fsys.index.Resolve(ctx, n.id, name)
	if err != nil {
		return errnoFor(err)
	}
	if !target.IsDir() {
		return syscall.ENOTDIR
	}
	children, err := n.fsys.index.ListChildren(ctx, target.ID)
	if err != nil {
		return errnoFor(err)
	}
	if len(children) > 0 {
		return syscall.ENOTEMPTY
	}
	if err := n.fsys.index.SoftDelete(ctx, target.ID); err != nil {
		return errnoFor(err)
	}
	n.fsys.stats.inc(&n.fsys.stats.Deletes, 1)
	return 0
}

func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}
	destDir, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}

	src, err := n.fsys.index.Resolve(ctx, n.id, name)
	if err != nil {
		return errnoFor(err)
	}

	if dst, err := n.fsys.index.Resolve(ctx, destDir.id, newName); err == nil {
		if dst.ID == src.ID {
			return 0
		}
		if dst.IsDir() {
			children, err := n.fsys.index.ListChildren(ctx, dst.ID)
			if err != nil {
				return errnoFor(err)
			}
			if len(children) > 0 {
				return syscall.ENOTEMPTY
			}
		} else if v, err := n.fsys.index.CurrentVersion(ctx, dst.ID); err == nil && v != nil {
			if _, err := n.fsys.index.DecrementRef(ctx, v.Digest); err != nil {
				return errnoFor(err)
			}
		}
		if err := n.fsys.index.SoftDelete(ctx, dst.ID); err != nil {
			return errnoFor(err)
		}
	}

	if err := n.fsys.index.Rename(ctx, src.ID, destDir.id, newName); err != nil {
		return errnoFor(err)
	}
	return 0
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if n.fsys.config.ReadOnly && flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	n.fsys.stats.inc(&n.fsys.stats.Opens, 1)
	return &FileHandle{fsys: n.fsys, id: n.id}, 0, 0
}

// FileHandle is an open file descriptor's view of one inode's content,
// backed entirely by the write buffer.
type FileHandle struct {
	fsys *FileSystem
	id   int64
}

var (
	_ fs.FileReader   = (*FileHandle)(nil)
	_ fs.FileWriter   = (*FileHandle)(nil)
	_ fs.FileFlusher  = (*FileHandle)(nil)
	_ fs.FileReleaser = (*FileHandle)(nil)
	_ fs.FileFsyncer  = (*FileHandle)(nil)
)

func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	start := time.Now()
	data, err := fh.fsys.buffer.Read(ctx, fh.id, off, int64(len(dest)))
	fh.fsys.record("read", start, int64(len(data)), err)
	if err != nil {
		return nil, errnoFor(err)
	}
	fh.fsys.stats.inc(&fh.fsys.stats.Reads, 1)
	fh.fsys.stats.inc(&fh.fsys.stats.BytesRead, int64(len(data)))
	return fuse.ReadResultData(data), 0
}

func (fh *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if fh.fsys.config.ReadOnly {
		return 0, syscall.EROFS
	}

	start := time.Now()
	lock := fh.fsys.lockFor(fh.id)
	lock.Lock()
	n, err := fh.fsys.buffer.Write(ctx, fh.id, off, data)
	lock.Unlock()

	fh.fsys.record("write", start, int64(n), err)
	if err != nil {
		return 0, errnoFor(err)
	}
	fh.fsys.stats.inc(&fh.fsys.stats.Writes, 1)
	fh.fsys.stats.inc(&fh.fsys.stats.BytesWritten, int64(n))
	return uint32(n), 0
}

func (fh *FileHandle) flushLocked(ctx context.Context) syscall.Errno {
	start := time.Now()
	lock := fh.fsys.lockFor(fh.id)
	lock.Lock()
	err := fh.fsys.buffer.Flush(ctx, fh.id)
	lock.Unlock()

	fh.fsys.record("flush", start, 0, err)
	if err != nil {
		return errnoFor(err)
	}
	return 0
}

func (fh *FileHandle) Flush(ctx context.Context) syscall.Errno {
	if fh.fsys.config.ReadOnly {
		return 0
	}
	return fh.flushLocked(ctx)
}

func (fh *FileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	if fh.fsys.config.ReadOnly {
		return 0
	}
	return fh.flushLocked(ctx)
}

func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	if fh.fsys.config.ReadOnly {
		return 0
	}
	start := time.Now()
	lock := fh.fsys.lockFor(fh.id)
	lock.Lock()
	err := fh.fsys.buffer.Release(ctx, fh.id)
	lock.Unlock()

	fh.fsys.record("release", start, 0, err)
	if err != nil {
		fh.fsys.logger.Error("release: flush failed", map[string]interface{}{
			"inode": fh.id,
			"error": err.Error(),
		})
		return errnoFor(err)
	}
	return 0
}
