/*
Package types provides the core data structures and component
interfaces shared across COWFS.

COWFS decomposes into five components, leaves-first:

	┌─────────────────────────────────────────────┐
	│     Filesystem Operation Handler (D)        │
	│            (internal/fuse)                  │
	└─────────────────────────────────────────────┘
	          │                          │
	┌─────────┴──────────┐    ┌──────────┴──────────┐
	│ Write-Buffer Cache  │    │ Version/Snapshot/GC │
	│ (C, internal/buffer)│    │  Engine (E)         │
	└─────────┬───────────┘    │ (internal/engine)   │
	          │                └──────────┬──────────┘
	┌─────────┴────────────────────────────┴──────────┐
	│   Metadata Index (B)      │   Object Store (A)   │
	│  (internal/metadata)      │   (internal/store)    │
	└───────────────────────────┴───────────────────────┘

# Core Interfaces

Store (component A) is the content-addressed blob store: Put, Get,
GetSlice, Exists, Delete, keyed by digest.

Index (component B) is the transactional metadata index: the inode
tree, version chains, snapshot entries, and object reference counts.

WriteBuffer (component C) coalesces per-syscall writes into one
version per flush.

Cache is an optional read-side byte-range cache sitting in front of
Store; a cache hit and a Store read return identical bytes.

# Core Data Model

Inode, Version, Object, Snapshot, and SnapshotEntry mirror the
persistent entities of the backend on disk, described in full in
internal/metadata's schema.
*/
package types
