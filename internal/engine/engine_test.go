package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cowfs/cowfs/internal/metadata"
	"github.com/cowfs/cowfs/internal/store"
	"github.com/cowfs/cowfs/pkg/status"
	"github.com/cowfs/cowfs/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store, *metadata.Index) {
	t.Helper()
	dir := t.TempDir()

	if err := store.Init(dir, store.AlgoSHA256); err != nil {
		t.Fatalf("store.Init: %v", err)
	}
	s, err := store.Open(dir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	idx, err := metadata.Open(filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("metadata.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	return New(s, idx, nil), s, idx
}

// writeFile creates a file inode and appends one version whose bytes
// are actually stored, mirroring what a flush through the write
// buffer would do.
func writeFile(t *testing.T, ctx context.Context, s *store.Store, idx *metadata.Index, parentID int64, name string, content []byte) *types.Inode {
	t.Helper()
	inode, err := idx.CreateInode(ctx, parentID, name, types.KindFile, 0644, 0, 0)
	if err != nil {
		t.Fatalf("CreateInode(%s): %v", name, err)
	}
	digest, err := s.Put(ctx, content)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := idx.BumpRef(ctx, digest, int64(len(content)), s.Algo()); err != nil {
		t.Fatalf("BumpRef: %v", err)
	}
	if _, err := idx.AppendVersion(ctx, inode.ID, digest, int64(len(content))); err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}
	return inode
}

func TestHistoryRejectsDirectory(t *testing.T) {
	eng, _, idx := newTestEngine(t)
	ctx := context.Background()

	dir, err := idx.CreateInode(ctx, types.RootInodeID, "d", types.KindDirectory, 0755, 0, 0)
	if err != nil {
		t.Fatalf("CreateInode: %v", err)
	}
	if _, err := eng.History(ctx, dir); err == nil {
		t.Fatal("expected History on a directory to fail")
	}
}

func TestRestoreVersionAppendsNotRewrites(t *testing.T) {
	eng, s, idx := newTestEngine(t)
	ctx := context.Background()

	inode := writeFile(t, ctx, s, idx, types.RootInodeID, "f", []byte("v1"))
	v1, _ := idx.CurrentVersion(ctx, inode.ID)

	digest2, _ := s.Put(ctx, []byte("v2"))
	idx.BumpRef(ctx, digest2, 2, s.Algo())
	idx.AppendVersion(ctx, inode.ID, digest2, 2)

	restored, err := eng.RestoreVersion(ctx, inode, v1.ID)
	if err != nil {
		t.Fatalf("RestoreVersion: %v", err)
	}
	if restored.Digest != v1.Digest {
		t.Errorf("restored digest = %s, want %s", restored.Digest, v1.Digest)
	}

	history, err := eng.History(ctx, inode)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 versions after restore (append, not rewrite), got %d", len(history))
	}
}

func TestRestoreOfDeletedFileUndeletes(t *testing.T) {
	eng, s, idx := newTestEngine(t)
	ctx := context.Background()

	inode := writeFile(t, ctx, s, idx, types.RootInodeID, "f", []byte("content"))
	v1, _ := idx.CurrentVersion(ctx, inode.ID)

	if err := idx.SoftDelete(ctx, inode.ID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	deleted, _ := idx.GetInode(ctx, inode.ID)

	if _, err := eng.RestoreVersion(ctx, deleted, v1.ID); err != nil {
		t.Fatalf("RestoreVersion: %v", err)
	}

	got, err := idx.GetInode(ctx, inode.ID)
	if err != nil {
		t.Fatalf("GetInode: %v", err)
	}
	if got.Deleted {
		t.Error("expected inode to no longer be deleted after restore")
	}
}

func TestSnapshotRestoreSoftDeletesNewFilesByDefault(t *testing.T) {
	eng, s, idx := newTestEngine(t)
	ctx := context.Background()

	writeFile(t, ctx, s, idx, types.RootInodeID, "old.txt", []byte("old"))
	if _, err := eng.SnapshotCreate(ctx, "snap1", ""); err != nil {
		t.Fatalf("SnapshotCreate: %v", err)
	}
	newFile := writeFile(t, ctx, s, idx, types.RootInodeID, "new.txt", []byte("new"))

	if err := eng.SnapshotRestore(ctx, "snap1", false); err != nil {
		t.Fatalf("SnapshotRestore: %v", err)
	}

	got, err := idx.GetInode(ctx, newFile.ID)
	if err != nil {
		t.Fatalf("GetInode: %v", err)
	}
	if !got.Deleted {
		t.Error("expected file created after the snapshot to be soft-deleted on restore")
	}
}

func TestSnapshotRestoreKeepNewPreservesNewFiles(t *testing.T) {
	eng, s, idx := newTestEngine(t)
	ctx := context.Background()

	writeFile(t, ctx, s, idx, types.RootInodeID, "old.txt", []byte("old"))
	if _, err := eng.SnapshotCreate(ctx, "snap1", ""); err != nil {
		t.Fatalf("SnapshotCreate: %v", err)
	}
	newFile := writeFile(t, ctx, s, idx, types.RootInodeID, "new.txt", []byte("new"))

	if err := eng.SnapshotRestore(ctx, "snap1", true); err != nil {
		t.Fatalf("SnapshotRestore: %v", err)
	}

	got, err := idx.GetInode(ctx, newFile.ID)
	if err != nil {
		t.Fatalf("GetInode: %v", err)
	}
	if got.Deleted {
		t.Error("expected --keep-new to preserve files created after the snapshot")
	}
}

func TestGCReclaimsUnreferencedObjectsPastSafetyWindow(t *testing.T) {
	eng, s, idx := newTestEngine(t)
	ctx := context.Background()

	digest, err := s.Put(ctx, []byte("orphan"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := idx.BumpRef(ctx, digest, 6, s.Algo()); err != nil {
		t.Fatalf("BumpRef: %v", err)
	}
	if _, err := idx.DecrementRef(ctx, digest); err != nil {
		t.Fatalf("DecrementRef: %v", err)
	}

	report, err := eng.GC(ctx, GCOptions{}, -time.Hour) // negative window: everything is "old enough"
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if report.Reclaimed != 1 {
		t.Fatalf("Reclaimed = %d, want 1", report.Reclaimed)
	}

	exists, _ := s.Exists(ctx, digest)
	if exists {
		t.Error("expected reclaimed blob to be deleted")
	}

	objects, err := idx.ListObjects(ctx)
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	for _, o := range objects {
		if o.Digest == digest {
			t.Error("expected reclaimed object row to be deleted, not just its blob")
		}
	}
}

func TestGCRespectsSafetyWindow(t *testing.T) {
	eng, s, idx := newTestEngine(t)
	ctx := context.Background()

	digest, _ := s.Put(ctx, []byte("fresh"))
	idx.BumpRef(ctx, digest, 5, s.Algo())
	idx.DecrementRef(ctx, digest)

	report, err := eng.GC(ctx, GCOptions{}, time.Hour) // object is younger than the window
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if report.Reclaimed != 0 {
		t.Fatalf("Reclaimed = %d, want 0 (too young)", report.Reclaimed)
	}

	exists, _ := s.Exists(ctx, digest)
	if !exists {
		t.Error("expected young unreferenced blob to survive this pass")
	}
}

func TestGCDryRunDoesNotDelete(t *testing.T) {
	eng, s, idx := newTestEngine(t)
	ctx := context.Background()

	digest, _ := s.Put(ctx, []byte("orphan"))
	idx.BumpRef(ctx, digest, 6, s.Algo())
	idx.DecrementRef(ctx, digest)

	report, err := eng.GC(ctx, GCOptions{DryRun: true}, -time.Hour)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if report.Reclaimed != 1 {
		t.Fatalf("Reclaimed = %d, want 1 in dry-run report", report.Reclaimed)
	}

	exists, _ := s.Exists(ctx, digest)
	if !exists {
		t.Error("expected dry-run to leave the blob in place")
	}
}

func TestGCKeepLastPrunesOlderVersions(t *testing.T) {
	eng, s, idx := newTestEngine(t)
	ctx := context.Background()

	inode := writeFile(t, ctx, s, idx, types.RootInodeID, "f", []byte("v1"))
	d2, _ := s.Put(ctx, []byte("v2"))
	idx.BumpRef(ctx, d2, 2, s.Algo())
	idx.AppendVersion(ctx, inode.ID, d2, 2)

	d1, _ := idx.History(ctx, inode.ID)
	oldDigest := d1[0].Digest

	report, err := eng.GC(ctx, GCOptions{KeepLast: 1}, -time.Hour)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if report.VersionsPruned != 1 {
		t.Fatalf("VersionsPruned = %d, want 1", report.VersionsPruned)
	}

	exists, _ := s.Exists(ctx, oldDigest)
	if exists {
		t.Error("expected the pruned older version's object to be reclaimed")
	}
}

func TestGCRecordsStatusOperation(t *testing.T) {
	_, s, idx := newTestEngine(t)
	ctx := context.Background()

	tracker := status.NewTracker(status.DefaultTrackerConfig())
	eng := New(s, idx, tracker)

	if _, err := eng.GC(ctx, GCOptions{}, time.Hour); err != nil {
		t.Fatalf("GC: %v", err)
	}

	history := tracker.GetHistory(10)
	if len(history) != 1 {
		t.Fatalf("GetHistory() = %d entries, want 1", len(history))
	}
	if history[0].Type != "gc" {
		t.Errorf("Type = %q, want %q", history[0].Type, "gc")
	}
	if history[0].Status != status.StatusCompleted {
		t.Errorf("Status = %v, want StatusCompleted", history[0].Status)
	}
}
