//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/cowfs/cowfs/pkg/types"
	"github.com/cowfs/cowfs/pkg/utils"
)

// CgoFuseFS implements the cowfs POSIX surface over cgofuse, the
// cross-platform (Linux/macOS/Windows) alternative to the go-fuse
// binding in filesystem.go. Unlike go-fuse's node tree, cgofuse's API
// is path-based, so every operation resolves its path to an inode id
// by walking the metadata index one segment at a time.
type CgoFuseFS struct {
	fuse.FileSystemBase

	store   types.Store
	index   types.Index
	buffer  types.WriteBuffer
	metrics types.MetricsCollector
	config  *Config
	logger  *utils.StructuredLogger

	mu      sync.RWMutex
	host    *fuse.FileSystemHost
	mounted bool
	stats   *Stats
}

// NewCgoFuseFS creates a cgofuse-based filesystem over the same
// store/index/buffer trio the go-fuse binding uses.
func NewCgoFuseFS(store types.Store, index types.Index, buffer types.WriteBuffer,
	metrics types.MetricsCollector, config *Config, logger *utils.StructuredLogger) *CgoFuseFS {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	}
	return &CgoFuseFS{
		store:   store,
		index:   index,
		buffer:  buffer,
		metrics: metrics,
		config:  config,
		logger:  logger,
		stats:   &Stats{},
	}
}

// Mount mounts the filesystem.
func (cf *CgoFuseFS) Mount(ctx context.Context) error {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	if cf.mounted {
		return fmt.Errorf("filesystem already mounted")
	}

	cf.host = fuse.NewFileSystemHost(cf)

	options := []string{
		"-o", fmt.Sprintf("fsname=%s", cf.config.FSName),
		"-o", "subtype=cowfs",
	}
	if cf.config.AllowOther {
		options = append(options, "-o", "allow_other")
	}

	switch {
	case strings.Contains(os.Getenv("GOOS"), "darwin"):
		options = append(options, "-o", "volname=cowfs")
	case strings.Contains(os.Getenv("GOOS"), "windows"):
		options = append(options, "-o", "FileSystemName=cowfs")
	}

	go func() {
		ret := cf.host.Mount(cf.config.MountPoint, options)
		if ret != 0 {
			cf.logger.Error("mount failed", map[string]interface{}{"code": ret})
		}
	}()

	time.Sleep(100 * time.Millisecond)

	cf.mounted = true
	cf.logger.Info("filesystem mounted", map[string]interface{}{"mount_point": cf.config.MountPoint})
	return nil
}

// Unmount unmounts the filesystem.
func (cf *CgoFuseFS) Unmount() error {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	if !cf.mounted {
		return fmt.Errorf("filesystem not mounted")
	}

	if cf.host != nil {
		ret := cf.host.Unmount()
		if ret != 0 {
			return fmt.Errorf("unmount failed with code: %d", ret)
		}
	}

	cf.mounted = false
	cf.logger.Info("filesystem unmounted", map[string]interface{}{"mount_point": cf.config.MountPoint})
	return nil
}

// IsMounted returns whether the filesystem is mounted.
func (cf *CgoFuseFS) IsMounted() bool {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return cf.mounted
}

// resolvePath walks p segment by segment from the root inode,
// returning the final inode. An empty or "/" path resolves to root.
func (cf *CgoFuseFS) resolvePath(ctx context.Context, p string) (*types.Inode, error) {
	clean := path.Clean("/" + p)
	if clean == "/" {
		return cf.index.GetInode(ctx, types.RootInodeID)
	}

	parts := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	parentID := types.RootInodeID
	var current *types.Inode
	for _, part := range parts {
		inode, err := cf.index.Resolve(ctx, parentID, part)
		if err != nil {
			return nil, err
		}
		current = inode
		parentID = inode.ID
	}
	return current, nil
}

// resolveParent splits p into its parent inode and final path
// segment, for operations that create or remove an entry.
func (cf *CgoFuseFS) resolveParent(ctx context.Context, p string) (*types.Inode, string, error) {
	clean := path.Clean("/" + p)
	dir, name := path.Split(clean)
	parent, err := cf.resolvePath(ctx, dir)
	if err != nil {
		return nil, "", err
	}
	return parent, name, nil
}

func (cf *CgoFuseFS) fillStat(stat *fuse.Stat_t, inode *types.Inode, size int64) {
	if inode.IsDir() {
		stat.Mode = fuse.S_IFDIR | inode.Mode
		stat.Nlink = 2
	} else {
		stat.Mode = fuse.S_IFREG | inode.Mode
		stat.Nlink = 1
		stat.Size = size
	}
	stat.Uid = inode.UID
	stat.Gid = inode.GID
	stat.Mtim.Sec = inode.UpdatedAt.Unix()
}

func (cf *CgoFuseFS) sizeOf(ctx context.Context, inode *types.Inode) int64 {
	if inode.IsDir() {
		return 0
	}
	if size, ok := cf.buffer.BufferedSize(inode.ID); ok {
		return size
	}
	if inode.CurrentID != 0 {
		if v, err := cf.index.CurrentVersion(ctx, inode.ID); err == nil && v != nil {
			return v.Size
		}
	}
	return 0
}

// Getattr gets file attributes.
func (cf *CgoFuseFS) Getattr(p string, stat *fuse.Stat_t, fh uint64) int {
	defer cf.recordOperation("getattr", time.Now())
	ctx := context.Background()

	inode, err := cf.resolvePath(ctx, p)
	if err != nil {
		return -fuse.ENOENT
	}
	cf.fillStat(stat, inode, cf.sizeOf(ctx, inode))
	return 0
}

// Open opens a file.
func (cf *CgoFuseFS) Open(p string, flags int) (int, uint64) {
	defer cf.recordOperation("open", time.Now())
	ctx := context.Background()

	inode, err := cf.resolvePath(ctx, p)
	if err != nil {
		return -fuse.ENOENT, 0
	}
	cf.stats.inc(&cf.stats.Opens, 1)
	return 0, uint64(inode.ID)
}

// Create creates and opens a new file.
func (cf *CgoFuseFS) Create(p string, flags int, mode uint32) (int, uint64) {
	defer cf.recordOperation("create", time.Now())
	ctx := context.Background()

	parent, name, err := cf.resolveParent(ctx, p)
	if err != nil {
		return -fuse.ENOENT, 0
	}
	inode, err := cf.index.CreateInode(ctx, parent.ID, name, types.KindFile, mode&0o7777, cf.config.DefaultUID, cf.config.DefaultGID)
	if err != nil {
		return -fuse.EIO, 0
	}
	if err := establishEmptyVersion(ctx, cf.store, cf.index, inode.ID); err != nil {
		return -fuse.EIO, 0
	}
	cf.stats.inc(&cf.stats.Creates, 1)
	return 0, uint64(inode.ID)
}

// Read reads from a file.
func (cf *CgoFuseFS) Read(p string, buff []byte, ofst int64, fh uint64) int {
	start := time.Now()
	defer cf.recordOperation("read", start)
	ctx := context.Background()

	data, err := cf.buffer.Read(ctx, int64(fh), ofst, int64(len(buff)))
	if err != nil {
		return -fuse.EIO
	}
	n := copy(buff, data)
	cf.stats.inc(&cf.stats.Reads, 1)
	cf.stats.inc(&cf.stats.BytesRead, int64(n))
	return n
}

// Write writes to a file.
func (cf *CgoFuseFS) Write(p string, buff []byte, ofst int64, fh uint64) int {
	defer cf.recordOperation("write", time.Now())
	ctx := context.Background()

	if cf.config.ReadOnly {
		return -fuse.EROFS
	}
	n, err := cf.buffer.Write(ctx, int64(fh), ofst, buff)
	if err != nil {
		return -fuse.EIO
	}
	cf.stats.inc(&cf.stats.Writes, 1)
	cf.stats.inc(&cf.stats.BytesWritten, int64(n))
	return n
}

// Mkdir creates a directory.
func (cf *CgoFuseFS) Mkdir(p string, mode uint32) int {
	defer cf.recordOperation("mkdir", time.Now())
	ctx := context.Background()

	parent, name, err := cf.resolveParent(ctx, p)
	if err != nil {
		return -fuse.ENOENT
	}
	if _, err := cf.index.CreateInode(ctx, parent.ID, name, types.KindDirectory, mode&0o7777, cf.config.DefaultUID, cf.config.DefaultGID); err != nil {
		return -fuse.EIO
	}
	return 0
}

// Rmdir removes an empty directory.
func (cf *CgoFuseFS) Rmdir(p string) int {
	defer cf.recordOperation("rmdir", time.Now())
	ctx := context.Background()

	inode, err := cf.resolvePath(ctx, p)
	if err != nil {
		return -fuse.ENOENT
	}
	children, err := cf.index.ListChildren(ctx, inode.ID)
	if err != nil {
		return -fuse.EIO
	}
	if len(children) > 0 {
		return -fuse.ENOTEMPTY
	}
	if err := cf.index.SoftDelete(ctx, inode.ID); err != nil {
		return -fuse.EIO
	}
	return 0
}

// Unlink removes a file, decrementing its current version's object
// reference before soft-deleting the inode.
func (cf *CgoFuseFS) Unlink(p string) int {
	defer cf.recordOperation("unlink", time.Now())
	ctx := context.Background()

	inode, err := cf.resolvePath(ctx, p)
	if err != nil {
		return -fuse.ENOENT
	}
	if inode.IsDir() {
		return -fuse.EISDIR
	}
	if v, err := cf.index.CurrentVersion(ctx, inode.ID); err == nil && v != nil {
		if _, err := cf.index.DecrementRef(ctx, v.Digest); err != nil {
			return -fuse.EIO
		}
	}
	if err := cf.index.SoftDelete(ctx, inode.ID); err != nil {
		return -fuse.EIO
	}
	cf.stats.inc(&cf.stats.Deletes, 1)
	return 0
}

// Rename moves oldpath to newpath.
func (cf *CgoFuseFS) Rename(oldpath string, newpath string) int {
	defer cf.recordOperation("rename", time.Now())
	ctx := context.Background()

	src, err := cf.resolvePath(ctx, oldpath)
	if err != nil {
		return -fuse.ENOENT
	}
	destParent, destName, err := cf.resolveParent(ctx, newpath)
	if err != nil {
		return -fuse.ENOENT
	}
	if err := cf.index.Rename(ctx, src.ID, destParent.ID, destName); err != nil {
		return -fuse.EIO
	}
	return 0
}

// Truncate resizes a file.
func (cf *CgoFuseFS) Truncate(p string, size int64, fh uint64) int {
	defer cf.recordOperation("truncate", time.Now())
	ctx := context.Background()

	inode, err := cf.resolvePath(ctx, p)
	if err != nil {
		return -fuse.ENOENT
	}
	if inode.IsDir() {
		return -fuse.EISDIR
	}
	if err := cf.buffer.Truncate(ctx, inode.ID, size); err != nil {
		return -fuse.EIO
	}
	return 0
}

// Flush flushes a file's buffered writes.
func (cf *CgoFuseFS) Flush(p string, fh uint64) int {
	defer cf.recordOperation("flush", time.Now())
	ctx := context.Background()

	if err := cf.buffer.Flush(ctx, int64(fh)); err != nil {
		return -fuse.EIO
	}
	return 0
}

// Release closes a file, flushing and discarding its write buffer.
func (cf *CgoFuseFS) Release(p string, fh uint64) int {
	defer cf.recordOperation("release", time.Now())
	ctx := context.Background()

	if err := cf.buffer.Release(ctx, int64(fh)); err != nil {
		cf.logger.Error("release: flush failed", map[string]interface{}{
			"inode": fh,
			"error": err.Error(),
		})
		return -fuse.EIO
	}
	return 0
}

// Readdir reads directory contents.
func (cf *CgoFuseFS) Readdir(p string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	defer cf.recordOperation("readdir", time.Now())
	ctx := context.Background()

	inode, err := cf.resolvePath(ctx, p)
	if err != nil {
		return -fuse.ENOENT
	}

	fill(".", nil, 0)
	fill("..", nil, 0)

	children, err := cf.index.ListChildren(ctx, inode.ID)
	if err != nil {
		return -fuse.EIO
	}
	for _, c := range children {
		stat := &fuse.Stat_t{}
		cf.fillStat(stat, c, cf.sizeOf(ctx, c))
		if !fill(c.Name, stat, 0) {
			break
		}
	}
	return 0
}

func (cf *CgoFuseFS) recordOperation(op string, start time.Time) {
	duration := time.Since(start)
	if cf.metrics != nil {
		cf.metrics.RecordOperation(op, duration, 0, true)
	}
}

// GetStats returns filesystem statistics.
func (cf *CgoFuseFS) GetStats() *FilesystemStats {
	s := cf.stats.Snapshot()
	return &FilesystemStats{
		Lookups:      s.Lookups,
		Opens:        s.Opens,
		Reads:        s.Reads,
		Writes:       s.Writes,
		Creates:      s.Creates,
		Deletes:      s.Deletes,
		BytesRead:    s.BytesRead,
		BytesWritten: s.BytesWritten,
		Errors:       s.Errors,
	}
}
