//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"

	"github.com/cowfs/cowfs/pkg/types"
)

// PlatformFileSystem is the mount lifecycle contract shared by both
// the go-fuse and cgofuse bindings, so callers in cmd/cowfsd don't
// need a build-tag switch of their own.
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	GetStats() *FilesystemStats
}

// CreatePlatformMountManager creates the cgofuse mount manager, used
// on platforms without a native go-fuse binding (Windows via WinFsp).
func CreatePlatformMountManager(store types.Store, index types.Index, writeBuffer types.WriteBuffer,
	metrics types.MetricsCollector, config *MountConfig) PlatformFileSystem {

	return NewCgoFuseMountManager(store, index, writeBuffer, metrics, config)
}
