package types

import (
	"time"

	"github.com/cowfs/cowfs/internal/config"
)

// Kind distinguishes a directory inode from a regular-file inode.
type Kind string

const (
	KindDirectory Kind = "dir"
	KindFile      Kind = "file"
)

// RootInodeID is the fixed id of the backend's root directory.
const RootInodeID int64 = 1

// Inode identifies one filesystem entry: a directory or a regular file.
//
// (ParentID, Name) is unique among non-deleted siblings. Path is
// denormalized for tooling; the handler itself navigates by
// (ParentID, Name), never by Path.
type Inode struct {
	ID        int64     `json:"id"`
	ParentID  int64     `json:"parent_id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Kind      Kind      `json:"kind"`
	CurrentID int64     `json:"current_version_id"` // 0 (null) iff Kind == KindDirectory
	Deleted   bool      `json:"deleted"`
	Mode      uint32    `json:"mode"`
	UID       uint32    `json:"uid"`
	GID       uint32    `json:"gid"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsDir reports whether the inode is a directory.
func (i *Inode) IsDir() bool { return i.Kind == KindDirectory }

// Version is one saved state of one file, part of its chronological
// version chain. Versions are append-only: restore appends, it never
// rewrites.
type Version struct {
	ID        int64     `json:"id"`
	FileID    int64     `json:"file_id"`
	Digest    string    `json:"digest"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Deleted   bool      `json:"deleted"`
}

// Object is one row per distinct byte sequence ever stored. RefCount
// equals the number of live version rows (and live snapshot entries)
// citing Digest.
type Object struct {
	Digest    string    `json:"digest"`
	Size      int64     `json:"size"`
	RefCount  int64     `json:"ref_count"`
	Algo      string    `json:"algo"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is a named point-in-time capture of the whole tree.
type Snapshot struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SnapshotEntry binds one snapshot to one file's then-current version.
type SnapshotEntry struct {
	SnapshotID int64 `json:"snapshot_id"`
	FileID     int64 `json:"file_id"`
	VersionID  int64 `json:"version_id"`
}

// SetAttrs is the mutable subset of Inode attributes accepted by setattr.
// A nil field means "leave unchanged".
type SetAttrs struct {
	Mode  *uint32
	UID   *uint32
	GID   *uint32
	Atime *time.Time
	Mtime *time.Time
	Size  *int64
}

// CacheStats represents cache performance statistics.
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// HealthStatus represents the health status of a component.
type HealthStatus struct {
	Status     string            `json:"status"`
	LastCheck  time.Time         `json:"last_check"`
	Response   time.Duration     `json:"response_time"`
	ErrorCount int64             `json:"error_count"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details"`
}

// ConnectionStats represents connection/pool liveness statistics for the
// metadata index.
type ConnectionStats struct {
	Active      int           `json:"active"`
	Idle        int           `json:"idle"`
	Total       int           `json:"total"`
	MaxOpen     int           `json:"max_open"`
	Lifetime    time.Duration `json:"lifetime"`
	IdleTimeout time.Duration `json:"idle_timeout"`
}

// GCReport summarizes one garbage-collection pass.
type GCReport struct {
	Scanned        int64 `json:"objects_scanned"`
	Reclaimed      int64 `json:"objects_reclaimed"`
	BytesFreed     int64 `json:"bytes_freed"`
	VersionsPruned int64 `json:"versions_pruned"`
	DryRun         bool  `json:"dry_run"`
}

// StatsReport is the `stats` command's machine-readable contract
// (spec.md §6): format version, logical/actual size, dedup ratio,
// counts, orphan count, digest algorithm.
type StatsReport struct {
	FormatVersion   int     `json:"format_version"`
	DigestAlgo      string  `json:"digest_algo"`
	LogicalSize     int64   `json:"logical_size"`
	ActualSize      int64   `json:"actual_size"`
	DedupSavings    int64   `json:"dedup_savings"`
	DedupRatio      float64 `json:"dedup_ratio"`
	TotalFiles      int64   `json:"total_files"`
	TotalVersions   int64   `json:"total_versions"`
	TotalObjects    int64   `json:"total_objects"`
	OrphanedObjects int64   `json:"orphaned_objects"`
}

// Configuration type aliases, re-exported from internal/config so
// callers outside internal/ can reference the configuration shape
// without importing the internal package directly.
type (
	Configuration        = config.Configuration
	MountConfig          = config.MountConfig
	StoreConfig          = config.StoreConfig
	CacheConfig           = config.CacheConfig
	WriteBufferConfig    = config.WriteBufferConfig
	GCConfig             = config.GCConfig
	NetworkConfig        = config.NetworkConfig
	TimeoutConfig        = config.TimeoutConfig
	RetryConfig          = config.RetryConfig
	CircuitBreakerConfig = config.CircuitBreakerConfig
	MonitoringConfig     = config.MonitoringConfig
	MetricsConfig        = config.MetricsConfig
	HealthChecksConfig   = config.HealthChecksConfig
	LoggingConfig        = config.LoggingConfig
)
