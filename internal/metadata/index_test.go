package metadata

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cowfs/cowfs/pkg/types"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestOpenCreatesRoot(t *testing.T) {
	idx := openTestIndex(t)
	root, err := idx.GetInode(context.Background(), types.RootInodeID)
	if err != nil {
		t.Fatalf("GetInode(root): %v", err)
	}
	if !root.IsDir() {
		t.Errorf("root inode should be a directory")
	}
	if root.Path != "/" {
		t.Errorf("root path = %q, want /", root.Path)
	}
}

func TestCreateInodeAndResolve(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	inode, err := idx.CreateInode(ctx, types.RootInodeID, "foo.txt", types.KindFile, 0644, 1000, 1000)
	if err != nil {
		t.Fatalf("CreateInode: %v", err)
	}
	if inode.Path != "/foo.txt" {
		t.Errorf("path = %q, want /foo.txt", inode.Path)
	}

	got, err := idx.Resolve(ctx, types.RootInodeID, "foo.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != inode.ID {
		t.Errorf("Resolve returned id %d, want %d", got.ID, inode.ID)
	}
}

func TestCreateInodeDuplicateRejected(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	if _, err := idx.CreateInode(ctx, types.RootInodeID, "dup", types.KindFile, 0644, 0, 0); err != nil {
		t.Fatalf("CreateInode: %v", err)
	}
	if _, err := idx.CreateInode(ctx, types.RootInodeID, "dup", types.KindFile, 0644, 0, 0); err == nil {
		t.Fatal("expected second CreateInode of the same name to fail")
	}
}

func TestSoftDeleteThenCreateAllocatesNewInode(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	first, err := idx.CreateInode(ctx, types.RootInodeID, "f", types.KindFile, 0644, 0, 0)
	if err != nil {
		t.Fatalf("CreateInode: %v", err)
	}
	if err := idx.SoftDelete(ctx, first.ID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	if _, err := idx.Resolve(ctx, types.RootInodeID, "f"); err == nil {
		t.Fatal("expected Resolve to miss a soft-deleted inode")
	}

	second, err := idx.CreateInode(ctx, types.RootInodeID, "f", types.KindFile, 0644, 0, 0)
	if err != nil {
		t.Fatalf("second CreateInode: %v", err)
	}
	if second.ID == first.ID {
		t.Error("expected a new inode id after soft delete, not reuse")
	}
}

func TestAppendVersionAndHistory(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	inode, err := idx.CreateInode(ctx, types.RootInodeID, "f", types.KindFile, 0644, 0, 0)
	if err != nil {
		t.Fatalf("CreateInode: %v", err)
	}

	v1, err := idx.AppendVersion(ctx, inode.ID, "deadbeef", 4)
	if err != nil {
		t.Fatalf("AppendVersion 1: %v", err)
	}
	v2, err := idx.AppendVersion(ctx, inode.ID, "cafebabe", 8)
	if err != nil {
		t.Fatalf("AppendVersion 2: %v", err)
	}
	if v1.ID == v2.ID {
		t.Fatal("expected two distinct version rows")
	}

	cur, err := idx.CurrentVersion(ctx, inode.ID)
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if cur.ID != v2.ID {
		t.Errorf("current version id = %d, want %d", cur.ID, v2.ID)
	}

	hist, err := idx.History(ctx, inode.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].ID != v1.ID || hist[1].ID != v2.ID {
		t.Error("history not in chronological order")
	}
}

func TestBumpRefAndDecrementRef(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	if err := idx.BumpRef(ctx, "digest1", 10, "sha256"); err != nil {
		t.Fatalf("BumpRef 1: %v", err)
	}
	if err := idx.BumpRef(ctx, "digest1", 10, "sha256"); err != nil {
		t.Fatalf("BumpRef 2: %v", err)
	}

	objs, err := idx.ListObjects(ctx)
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if len(objs) != 1 || objs[0].RefCount != 2 {
		t.Fatalf("expected one object with ref_count 2, got %+v", objs)
	}

	count, err := idx.DecrementRef(ctx, "digest1")
	if err != nil {
		t.Fatalf("DecrementRef: %v", err)
	}
	if count != 1 {
		t.Errorf("ref count after decrement = %d, want 1", count)
	}

	count, err = idx.DecrementRef(ctx, "digest1")
	if err != nil || count != 0 {
		t.Fatalf("expected ref count to floor at 0, got %d, %v", count, err)
	}
	count, err = idx.DecrementRef(ctx, "digest1")
	if err != nil || count != 0 {
		t.Fatalf("expected ref count to stay at 0, got %d, %v", count, err)
	}
}

func TestDeleteObjectRemovesRow(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	if err := idx.BumpRef(ctx, "digest1", 10, "sha256"); err != nil {
		t.Fatalf("BumpRef: %v", err)
	}
	if err := idx.DeleteObject(ctx, "digest1"); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	objs, err := idx.ListObjects(ctx)
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if len(objs) != 0 {
		t.Fatalf("expected no object rows after DeleteObject, got %+v", objs)
	}

	// Idempotent: deleting an already-gone row is not an error.
	if err := idx.DeleteObject(ctx, "digest1"); err != nil {
		t.Fatalf("DeleteObject (repeat): %v", err)
	}
}

func TestRenameUpdatesSubtreePaths(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	dir, err := idx.CreateInode(ctx, types.RootInodeID, "dir1", types.KindDirectory, 0755, 0, 0)
	if err != nil {
		t.Fatalf("CreateInode dir: %v", err)
	}
	child, err := idx.CreateInode(ctx, dir.ID, "child.txt", types.KindFile, 0644, 0, 0)
	if err != nil {
		t.Fatalf("CreateInode child: %v", err)
	}

	if err := idx.Rename(ctx, dir.ID, types.RootInodeID, "dir2"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	renamedDir, err := idx.GetInode(ctx, dir.ID)
	if err != nil {
		t.Fatalf("GetInode: %v", err)
	}
	if renamedDir.Path != "/dir2" {
		t.Errorf("renamed dir path = %q, want /dir2", renamedDir.Path)
	}

	renamedChild, err := idx.GetInode(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetInode child: %v", err)
	}
	if renamedChild.Path != "/dir2/child.txt" {
		t.Errorf("child path after rename = %q, want /dir2/child.txt", renamedChild.Path)
	}
}

func TestSnapshotCreateListAndEntries(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	inode, err := idx.CreateInode(ctx, types.RootInodeID, "f", types.KindFile, 0644, 0, 0)
	if err != nil {
		t.Fatalf("CreateInode: %v", err)
	}
	v, err := idx.AppendVersion(ctx, inode.ID, "abc123", 3)
	if err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}

	snap, err := idx.SnapshotCreate(ctx, "snap1", "first snapshot")
	if err != nil {
		t.Fatalf("SnapshotCreate: %v", err)
	}

	list, err := idx.SnapshotList(ctx)
	if err != nil {
		t.Fatalf("SnapshotList: %v", err)
	}
	if len(list) != 1 || list[0].Name != "snap1" {
		t.Fatalf("unexpected snapshot list: %+v", list)
	}

	entries, err := idx.SnapshotEntries(ctx, snap.ID)
	if err != nil {
		t.Fatalf("SnapshotEntries: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.FileID == inode.ID && e.VersionID == v.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("expected snapshot entry binding file %d to version %d, got %+v", inode.ID, v.ID, entries)
	}

	if err := idx.SnapshotDelete(ctx, "snap1"); err != nil {
		t.Fatalf("SnapshotDelete: %v", err)
	}
	if _, err := idx.SnapshotGet(ctx, "snap1"); err == nil {
		t.Fatal("expected snapshot to be gone after delete")
	}
}

func TestReferencedDigestsIncludesSnapshotOnlyVersions(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	inode, err := idx.CreateInode(ctx, types.RootInodeID, "f", types.KindFile, 0644, 0, 0)
	if err != nil {
		t.Fatalf("CreateInode: %v", err)
	}
	if _, err := idx.AppendVersion(ctx, inode.ID, "old-digest", 1); err != nil {
		t.Fatalf("AppendVersion 1: %v", err)
	}
	if _, err := idx.SnapshotCreate(ctx, "keep", ""); err != nil {
		t.Fatalf("SnapshotCreate: %v", err)
	}
	if _, err := idx.AppendVersion(ctx, inode.ID, "new-digest", 1); err != nil {
		t.Fatalf("AppendVersion 2: %v", err)
	}

	live, err := idx.ReferencedDigests(ctx)
	if err != nil {
		t.Fatalf("ReferencedDigests: %v", err)
	}
	if !live["old-digest"] {
		t.Error("expected snapshot-only digest to remain live")
	}
	if !live["new-digest"] {
		t.Error("expected current digest to be live")
	}
}

func TestStatsReport(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	inode, err := idx.CreateInode(ctx, types.RootInodeID, "f", types.KindFile, 0644, 0, 0)
	if err != nil {
		t.Fatalf("CreateInode: %v", err)
	}
	if _, err := idx.AppendVersion(ctx, inode.ID, "digest-x", 100); err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}
	if err := idx.BumpRef(ctx, "digest-x", 100, "sha256"); err != nil {
		t.Fatalf("BumpRef: %v", err)
	}

	report, err := idx.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if report.TotalFiles != 1 {
		t.Errorf("TotalFiles = %d, want 1", report.TotalFiles)
	}
	if report.LogicalSize != 100 || report.ActualSize != 100 {
		t.Errorf("sizes = %d/%d, want 100/100", report.LogicalSize, report.ActualSize)
	}
}

func TestHealthCheck(t *testing.T) {
	idx := openTestIndex(t)
	if err := idx.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}
