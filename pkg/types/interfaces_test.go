package types

import (
	"context"
	"testing"
	"time"
)

// TestInterfaces verifies that our interfaces are properly structured
// via compile-time assertions against minimal mock implementations.
func TestInterfaces(t *testing.T) {
	var (
		_ Store              = (*mockStore)(nil)
		_ Index              = (*mockIndex)(nil)
		_ WriteBuffer        = (*mockWriteBuffer)(nil)
		_ Cache              = (*mockCache)(nil)
		_ MetricsCollector   = (*mockMetricsCollector)(nil)
		_ ConfigManager      = (*mockConfigManager)(nil)
		_ HealthChecker      = (*mockHealthChecker)(nil)
		_ ConnectionManager  = (*mockConnectionManager)(nil)
	)
}

type mockStore struct{}

func (m *mockStore) Put(ctx context.Context, data []byte) (string, error)  { return "", nil }
func (m *mockStore) Get(ctx context.Context, digest string) ([]byte, error) { return nil, nil }
func (m *mockStore) GetSlice(ctx context.Context, digest string, offset, length int64) ([]byte, error) {
	return nil, nil
}
func (m *mockStore) Exists(ctx context.Context, digest string) (bool, error) { return false, nil }
func (m *mockStore) Delete(ctx context.Context, digest string) error        { return nil }
func (m *mockStore) Algo() string                                           { return "sha256" }

type mockIndex struct{}

func (m *mockIndex) Resolve(ctx context.Context, parentID int64, name string) (*Inode, error) {
	return nil, nil
}
func (m *mockIndex) ResolveAny(ctx context.Context, parentID int64, name string) (*Inode, error) {
	return nil, nil
}
func (m *mockIndex) GetInode(ctx context.Context, id int64) (*Inode, error) { return nil, nil }
func (m *mockIndex) ListChildren(ctx context.Context, parentID int64) ([]*Inode, error) {
	return nil, nil
}
func (m *mockIndex) CurrentVersion(ctx context.Context, inodeID int64) (*Version, error) {
	return nil, nil
}
func (m *mockIndex) CreateInode(ctx context.Context, parentID int64, name string, kind Kind, mode, uid, gid uint32) (*Inode, error) {
	return nil, nil
}
func (m *mockIndex) SetAttr(ctx context.Context, inodeID int64, attrs SetAttrs) (*Inode, error) {
	return nil, nil
}
func (m *mockIndex) SoftDelete(ctx context.Context, inodeID int64) error { return nil }
func (m *mockIndex) Undelete(ctx context.Context, inodeID int64) error   { return nil }
func (m *mockIndex) Rename(ctx context.Context, inodeID, newParentID int64, newName string) error {
	return nil
}
func (m *mockIndex) AppendVersion(ctx context.Context, inodeID int64, digest string, size int64) (*Version, error) {
	return nil, nil
}
func (m *mockIndex) CommitVersion(ctx context.Context, inodeID int64, digest string, size int64, algo string) (*Version, error) {
	return nil, nil
}
func (m *mockIndex) History(ctx context.Context, inodeID int64) ([]*Version, error) { return nil, nil }
func (m *mockIndex) GetVersion(ctx context.Context, versionID int64) (*Version, error) {
	return nil, nil
}
func (m *mockIndex) BumpRef(ctx context.Context, digest string, size int64, algo string) error {
	return nil
}
func (m *mockIndex) DecrementRef(ctx context.Context, digest string) (int64, error) { return 0, nil }
func (m *mockIndex) SnapshotCreate(ctx context.Context, name, description string) (*Snapshot, error) {
	return nil, nil
}
func (m *mockIndex) SnapshotList(ctx context.Context) ([]*Snapshot, error) { return nil, nil }
func (m *mockIndex) SnapshotGet(ctx context.Context, name string) (*Snapshot, error) {
	return nil, nil
}
func (m *mockIndex) SnapshotEntries(ctx context.Context, snapshotID int64) ([]*SnapshotEntry, error) {
	return nil, nil
}
func (m *mockIndex) SnapshotDelete(ctx context.Context, name string) error { return nil }
func (m *mockIndex) ListObjects(ctx context.Context) ([]*Object, error)   { return nil, nil }
func (m *mockIndex) ReferencedDigests(ctx context.Context) (map[string]bool, error) {
	return nil, nil
}
func (m *mockIndex) Stats(ctx context.Context) (*StatsReport, error) { return nil, nil }
func (m *mockIndex) HealthCheck(ctx context.Context) error           { return nil }
func (m *mockIndex) Close() error                                    { return nil }
func (m *mockIndex) SoftDeleteVersion(ctx context.Context, versionID int64) error { return nil }
func (m *mockIndex) AllFileIDs(ctx context.Context) ([]int64, error)             { return nil, nil }
func (m *mockIndex) DeleteObject(ctx context.Context, digest string) error       { return nil }

type mockWriteBuffer struct{}

func (m *mockWriteBuffer) Write(ctx context.Context, inodeID int64, offset int64, data []byte) (int, error) {
	return len(data), nil
}
func (m *mockWriteBuffer) Read(ctx context.Context, inodeID int64, offset, length int64) ([]byte, error) {
	return nil, nil
}
func (m *mockWriteBuffer) Truncate(ctx context.Context, inodeID int64, size int64) error { return nil }
func (m *mockWriteBuffer) Flush(ctx context.Context, inodeID int64) error                { return nil }
func (m *mockWriteBuffer) Release(ctx context.Context, inodeID int64) error              { return nil }
func (m *mockWriteBuffer) Dirty(inodeID int64) bool                                      { return false }
func (m *mockWriteBuffer) Size() int64                                                   { return 0 }
func (m *mockWriteBuffer) Count() int                                                    { return 0 }
func (m *mockWriteBuffer) BufferedSize(inodeID int64) (int64, bool)                      { return 0, false }

type mockCache struct{}

func (m *mockCache) Get(key string, offset, size int64) []byte { return nil }
func (m *mockCache) Put(key string, offset int64, data []byte) {}
func (m *mockCache) Delete(key string)                          {}
func (m *mockCache) Evict(size int64) bool                      { return false }
func (m *mockCache) Size() int64                                { return 0 }
func (m *mockCache) Stats() CacheStats                          { return CacheStats{} }

type mockMetricsCollector struct{}

func (m *mockMetricsCollector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
}
func (m *mockMetricsCollector) RecordCacheHit(key string, size int64)  {}
func (m *mockMetricsCollector) RecordCacheMiss(key string, size int64) {}
func (m *mockMetricsCollector) RecordError(operation string, err error) {}
func (m *mockMetricsCollector) GetMetrics() map[string]interface{}     { return nil }

type mockConfigManager struct{}

func (m *mockConfigManager) Get(key string) interface{}             { return nil }
func (m *mockConfigManager) GetString(key string) string             { return "" }
func (m *mockConfigManager) GetInt(key string) int                   { return 0 }
func (m *mockConfigManager) GetDuration(key string) time.Duration    { return 0 }
func (m *mockConfigManager) GetBool(key string) bool                 { return false }
func (m *mockConfigManager) Reload() error                           { return nil }

type mockHealthChecker struct{}

func (m *mockHealthChecker) Check(ctx context.Context) HealthStatus { return HealthStatus{} }
func (m *mockHealthChecker) RegisterCheck(name string, check func(context.Context) error) {}
func (m *mockHealthChecker) GetStatus() map[string]HealthStatus { return nil }

type mockConnectionManager struct{}

func (m *mockConnectionManager) HealthCheck() error           { return nil }
func (m *mockConnectionManager) GetStats() ConnectionStats    { return ConnectionStats{} }
