//go:build !cgofuse
// +build !cgofuse

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

// CreatePlatformMountManager creates the go-fuse-backed mount manager,
// the default on Linux and macOS.
func CreatePlatformMountManager(store types.Store, index types.Index, writeBuffer types.WriteBuffer,
	metrics types.MetricsCollector, config *MountConfig) PlatformFileSystem {
	fuseConfig := DefaultConfig()
	fuseConfig.MountPoint = config.MountPoint
	if config.Options != nil {
		fuseConfig.ReadOnly = config.Options.ReadOnly
		fuseConfig.AllowOther = config.Options.AllowOther
		fuseConfig.Debug = config.Options.Debug
		if config.Options.AttrTimeout > 0 {
			fuseConfig.AttrTimeout = config.Options.AttrTimeout
		}
		if config.Options.EntryTimeout > 0 {
			fuseConfig.EntryTimeout = config.Options.EntryTimeout
		}
		if config.Options.FSName != "" {
			fuseConfig.FSName = config.Options.FSName
		}
	}
	if config.Permissions != nil {
		fuseConfig.DefaultUID = config.Permissions.UID
		fuseConfig.DefaultGID = config.Permissions.GID
		fuseConfig.DefaultMode = config.Permissions.FileMode
	}

	filesystem := NewFileSystem(store, index, writeBuffer, metrics, fuseConfig, nil)
	return NewMountManager(filesystem, config)
}
