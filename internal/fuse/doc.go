/*
Package fuse implements the filesystem operation handler (component D):
a POSIX surface mounted with FUSE that translates file and directory
system calls into calls against the metadata index, content-addressed
object store, and per-inode write buffer.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│              User Applications              │
	│        (ls, cat, cp, vim, databases)        │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│              Kernel VFS Layer                │
	│           (POSIX system calls)               │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│               FUSE driver                    │
	│          (platform-specific)                 │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│               This package                   │
	│  ┌─────────────┐        ┌──────────────────┐ │
	│  │  go-fuse     │        │  cgofuse         │ │
	│  │  (default)   │        │  (-tags cgofuse) │ │
	│  └─────────────┘        └──────────────────┘ │
	└─────────────────────────────────────────────┘
	                      │
	     ┌────────────────┼────────────────┐
	     ▼                ▼                ▼
	metadata index   write buffer    object store

# Platform Support

Default build (go-fuse):
  - Target: Linux, macOS
  - Implementation: github.com/hanwen/go-fuse/v2
  - Node-tree API: each Node is addressed by inode id, not path

CGO build (cgofuse):
  - Target: Windows (via WinFsp), macOS, Linux fallback
  - Implementation: github.com/winfsp/cgofuse
  - Path-based API: every call resolves a path to an inode id by
    walking the metadata index one segment at a time

Build selection:

	go build ./...                 # go-fuse
	go build -tags cgofuse ./...   # cgofuse

# Filesystem Operations

File operations: open, read, write, flush, fsync, release, truncate.
Directory operations: mkdir, rmdir, readdir, rename, lookup.
Metadata operations: getattr, setattr (mode, ownership, timestamps,
size).

Every write is buffered in memory per open file (component C) until
flush or release, at which point the buffer's full contents are
hashed, written to the object store, and appended to the file's
version chain (component E handles snapshotting and pruning older
versions). A file's current size, as reported by getattr, reflects an
open write buffer's length when one exists, falling back to the last
flushed version's recorded size.

Hard links, symbolic links, and extended attributes are not
implemented; see the module-level specification for the full list of
excluded features.

# Configuration

	config := &fuse.Config{
		MountPoint:   "/mnt/cowfs",
		ReadOnly:     false,
		AllowOther:   true,
		DefaultUID:   1000,
		DefaultGID:   1000,
		DefaultMode:  0644,
		AttrTimeout:  time.Second,
		EntryTimeout: time.Second,
		FSName:       "cowfs",
	}

# Usage

	filesystem := fuse.NewFileSystem(store, index, buffer, metrics, config, logger)
	mountManager := fuse.CreatePlatformMountManager(store, index, buffer, metrics, mountConfig)

	if err := mountManager.Mount(ctx); err != nil {
		log.Fatal(err)
	}
	defer mountManager.Unmount()

Once mounted, standard POSIX operations work transparently:

	os.WriteFile("/mnt/cowfs/data.txt", []byte("hello"), 0644)
	data, _ := os.ReadFile("/mnt/cowfs/data.txt")

# Error Handling

Errors returned by the metadata index, store, or write buffer are
expected to be (or wrap) a pkg/errors.CowfsError; errnoFor maps each
error code to the syscall.Errno the kernel expects back from a FUSE
operation. Any error that isn't a CowfsError is reported as EIO.

# Concurrency

FUSE dispatches operations from the kernel concurrently. Reads rely on
the write buffer's own internal locking for correctness. Writes,
truncates, flushes, fsyncs, and releases against the same inode take a
per-inode lock so that two concurrent flushes never race past the
buffer's dirty-check-then-persist sequence and append duplicate
version rows.

# Statistics

FileSystem.GetStats returns process-local operation counters (lookups,
opens, reads, writes, creates, deletes, bytes transferred, errors).
When a MetricsCollector is configured, the same counts are also
recorded there for export.
*/
package fuse
