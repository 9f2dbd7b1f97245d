package types

import (
	"context"
	"time"
)

// Store defines the content-addressed object store interface
// (component A, spec.md §4.A).
type Store interface {
	// Put writes bytes and returns their digest. A second Put of
	// identical content is a no-op that returns the same digest.
	Put(ctx context.Context, data []byte) (digest string, err error)
	Get(ctx context.Context, digest string) ([]byte, error)
	GetSlice(ctx context.Context, digest string, offset, length int64) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
	Delete(ctx context.Context, digest string) error
	Algo() string
}

// Index defines the metadata index interface (component B, spec.md
// §4.B): the inode tree, version chains, snapshots, and object
// reference counts.
type Index interface {
	Resolve(ctx context.Context, parentID int64, name string) (*Inode, error)
	ResolveAny(ctx context.Context, parentID int64, name string) (*Inode, error)
	GetInode(ctx context.Context, id int64) (*Inode, error)
	ListChildren(ctx context.Context, parentID int64) ([]*Inode, error)
	CurrentVersion(ctx context.Context, inodeID int64) (*Version, error)

	CreateInode(ctx context.Context, parentID int64, name string, kind Kind, mode, uid, gid uint32) (*Inode, error)
	SetAttr(ctx context.Context, inodeID int64, attrs SetAttrs) (*Inode, error)
	SoftDelete(ctx context.Context, inodeID int64) error
	Undelete(ctx context.Context, inodeID int64) error
	Rename(ctx context.Context, inodeID, newParentID int64, newName string) error

	AppendVersion(ctx context.Context, inodeID int64, digest string, size int64) (*Version, error)
	CommitVersion(ctx context.Context, inodeID int64, digest string, size int64, algo string) (*Version, error)
	History(ctx context.Context, inodeID int64) ([]*Version, error)
	GetVersion(ctx context.Context, versionID int64) (*Version, error)
	SoftDeleteVersion(ctx context.Context, versionID int64) error
	AllFileIDs(ctx context.Context) ([]int64, error)

	BumpRef(ctx context.Context, digest string, size int64, algo string) error
	DecrementRef(ctx context.Context, digest string) (int64, error)

	SnapshotCreate(ctx context.Context, name, description string) (*Snapshot, error)
	SnapshotList(ctx context.Context) ([]*Snapshot, error)
	SnapshotGet(ctx context.Context, name string) (*Snapshot, error)
	SnapshotEntries(ctx context.Context, snapshotID int64) ([]*SnapshotEntry, error)
	SnapshotDelete(ctx context.Context, name string) error

	ListObjects(ctx context.Context) ([]*Object, error)
	ReferencedDigests(ctx context.Context) (map[string]bool, error)
	DeleteObject(ctx context.Context, digest string) error

	Stats(ctx context.Context) (*StatsReport, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// WriteBuffer defines the per-inode write buffering interface
// (component C, spec.md §4.C).
type WriteBuffer interface {
	Write(ctx context.Context, inodeID int64, offset int64, data []byte) (int, error)
	Read(ctx context.Context, inodeID int64, offset, length int64) ([]byte, error)
	Truncate(ctx context.Context, inodeID int64, size int64) error
	Flush(ctx context.Context, inodeID int64) error
	Release(ctx context.Context, inodeID int64) error
	Dirty(inodeID int64) bool
	BufferedSize(inodeID int64) (int64, bool)
	Size() int64
	Count() int
}

// Cache defines the read-side byte-range cache interface sitting in
// front of the object store.
type Cache interface {
	Get(key string, offset, size int64) []byte
	Put(key string, offset int64, data []byte)
	Delete(key string)
	Evict(size int64) bool
	Size() int64
	Stats() CacheStats
}

// MetricsCollector defines the metrics collection interface.
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordCacheHit(key string, size int64)
	RecordCacheMiss(key string, size int64)
	RecordError(operation string, err error)
	GetMetrics() map[string]interface{}
}

// ConfigManager defines configuration management interface.
type ConfigManager interface {
	Get(key string) interface{}
	GetString(key string) string
	GetInt(key string) int
	GetDuration(key string) time.Duration
	GetBool(key string) bool
	Reload() error
}

// HealthChecker defines health monitoring interface.
type HealthChecker interface {
	Check(ctx context.Context) HealthStatus
	RegisterCheck(name string, check func(context.Context) error)
	GetStatus() map[string]HealthStatus
}

// ConnectionManager defines the metadata index's connection liveness
// interface.
type ConnectionManager interface {
	HealthCheck() error
	GetStats() ConnectionStats
}
