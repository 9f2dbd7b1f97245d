//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"

	"github.com/cowfs/cowfs/pkg/types"
)

// CgoFuseMountManager manages cgofuse-based mounts.
type CgoFuseMountManager struct {
	filesystem *CgoFuseFS
	config     *MountConfig
}

// NewCgoFuseMountManager creates a cgofuse mount manager over the
// same store/index/buffer trio the go-fuse binding uses.
func NewCgoFuseMountManager(store types.Store, index types.Index, writeBuffer types.WriteBuffer,
	metrics types.MetricsCollector, config *MountConfig) *CgoFuseMountManager {

	fuseConfig := DefaultConfig()
	fuseConfig.MountPoint = config.MountPoint
	if config.Options != nil {
		fuseConfig.ReadOnly = config.Options.ReadOnly
		fuseConfig.AllowOther = config.Options.AllowOther
		fuseConfig.Debug = config.Options.Debug
		if config.Options.FSName != "" {
			fuseConfig.FSName = config.Options.FSName
		}
	}
	if config.Permissions != nil {
		fuseConfig.DefaultUID = config.Permissions.UID
		fuseConfig.DefaultGID = config.Permissions.GID
		fuseConfig.DefaultMode = config.Permissions.FileMode
	}

	filesystem := NewCgoFuseFS(store, index, writeBuffer, metrics, fuseConfig, nil)

	return &CgoFuseMountManager{
		filesystem: filesystem,
		config:     config,
	}
}

// Mount mounts the filesystem.
func (m *CgoFuseMountManager) Mount(ctx context.Context) error {
	return m.filesystem.Mount(ctx)
}

// Unmount unmounts the filesystem.
func (m *CgoFuseMountManager) Unmount() error {
	return m.filesystem.Unmount()
}

// IsMounted returns whether the filesystem is mounted.
func (m *CgoFuseMountManager) IsMounted() bool {
	return m.filesystem.IsMounted()
}

// GetStats returns filesystem statistics.
func (m *CgoFuseMountManager) GetStats() *FilesystemStats {
	return m.filesystem.GetStats()
}
