package fuse

import (
	"bytes"
	"context"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/cowfs/cowfs/internal/buffer"
	"github.com/cowfs/cowfs/internal/metadata"
	"github.com/cowfs/cowfs/internal/store"
	"github.com/cowfs/cowfs/pkg/types"
)

// testHarness wires a real store + metadata index + write buffer
// together the way the top-level wiring package (internal/cowfs) does,
// so Node/FileHandle methods can be exercised without a kernel mount.
type testHarness struct {
	fsys  *FileSystem
	index *metadata.Index
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()

	if err := store.Init(filepath.Join(dir, "objects"), store.AlgoBLAKE3); err != nil {
		t.Fatalf("store.Init: %v", err)
	}
	st, err := store.Open(filepath.Join(dir, "objects"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	idx, err := metadata.Open(filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("metadata.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	seed := func(ctx context.Context, inodeID int64) ([]byte, error) {
		v, err := idx.CurrentVersion(ctx, inodeID)
		if err != nil || v == nil {
			return nil, nil
		}
		return st.Get(ctx, v.Digest)
	}
	flush := func(ctx context.Context, inodeID int64, data []byte) error {
		digest, err := st.Put(ctx, data)
		if err != nil {
			return err
		}
		if err := idx.BumpRef(ctx, digest, int64(len(data)), st.Algo()); err != nil {
			return err
		}
		_, err = idx.AppendVersion(ctx, inodeID, digest, int64(len(data)))
		return err
	}
	wb := buffer.New(nil, seed, flush)

	cfg := DefaultConfig()
	fsys := NewFileSystem(st, idx, wb, nil, cfg, nil)
	return &testHarness{fsys: fsys, index: idx}
}

func (h *testHarness) root() *Node {
	return &Node{fsys: h.fsys, id: types.RootInodeID}
}

func TestCreateWriteReadFlushRelease(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	root := h.root()

	var eOut fuse.EntryOut
	_, fhAny, _, errno := root.Create(ctx, "hello.txt", 0, 0644, &eOut)
	if errno != 0 {
		t.Fatalf("Create errno = %v", errno)
	}
	fh := fhAny.(*FileHandle)

	n, errno := fh.Write(ctx, []byte("hello world"), 0)
	if errno != 0 {
		t.Fatalf("Write errno = %v", errno)
	}
	if n != 11 {
		t.Fatalf("Write n = %d, want 11", n)
	}

	dest := make([]byte, 11)
	res, errno := fh.Read(ctx, dest, 0)
	if errno != 0 {
		t.Fatalf("Read errno = %v", errno)
	}
	buf := make([]byte, 11)
	got, status := res.Bytes(buf)
	if !status.Ok() {
		t.Fatalf("ReadResult status = %v", status)
	}
	if !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("Read = %q, want %q", got, "hello world")
	}

	if errno := fh.Flush(ctx); errno != 0 {
		t.Fatalf("Flush errno = %v", errno)
	}
	v, err := h.index.CurrentVersion(ctx, fh.id)
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if v == nil || v.Size != 11 {
		t.Fatalf("expected a flushed version of size 11, got %+v", v)
	}

	if errno := fh.Release(ctx); errno != 0 {
		t.Fatalf("Release errno = %v", errno)
	}
}

func TestCreateEstablishesEmptyCurrentVersion(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	root := h.root()

	var eOut fuse.EntryOut
	_, fhAny, _, errno := root.Create(ctx, "empty.txt", 0, 0644, &eOut)
	if errno != 0 {
		t.Fatalf("Create errno = %v", errno)
	}
	fh := fhAny.(*FileHandle)

	v, err := h.index.CurrentVersion(ctx, fh.id)
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if v == nil || v.Size != 0 {
		t.Fatalf("expected a current version of size 0 right after create, got %+v", v)
	}

	dest := make([]byte, 0)
	if _, errno := fh.Read(ctx, dest, 0); errno != 0 {
		t.Fatalf("Read of freshly created empty file errno = %v", errno)
	}
}

func TestMkdirLookupReaddir(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	root := h.root()

	var eOut fuse.EntryOut
	if _, errno := root.Mkdir(ctx, "sub", 0755, &eOut); errno != 0 {
		t.Fatalf("Mkdir errno = %v", errno)
	}

	var lookupOut fuse.EntryOut
	inode, errno := root.Lookup(ctx, "sub", &lookupOut)
	if errno != 0 {
		t.Fatalf("Lookup errno = %v", errno)
	}
	if inode == nil {
		t.Fatal("Lookup returned nil inode")
	}

	stream, errno := root.Readdir(ctx)
	if errno != 0 {
		t.Fatalf("Readdir errno = %v", errno)
	}
	found := false
	for stream.HasNext() {
		e, errno := stream.Next()
		if errno != 0 {
			t.Fatalf("stream.Next errno = %v", errno)
		}
		if e.Name == "sub" {
			found = true
		}
	}
	if !found {
		t.Fatal("readdir did not include sub")
	}
}

func TestUnlinkDecrementsRefAndSoftDeletes(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	root := h.root()

	var eOut fuse.EntryOut
	_, fhAny, _, errno := root.Create(ctx, "f.txt", 0, 0644, &eOut)
	if errno != 0 {
		t.Fatalf("Create errno = %v", errno)
	}
	fh := fhAny.(*FileHandle)
	if _, errno := fh.Write(ctx, []byte("data"), 0); errno != 0 {
		t.Fatalf("Write errno = %v", errno)
	}
	if errno := fh.Release(ctx); errno != 0 {
		t.Fatalf("Release errno = %v", errno)
	}

	v, err := h.index.CurrentVersion(ctx, fh.id)
	if err != nil || v == nil {
		t.Fatalf("CurrentVersion: %v / %+v", err, v)
	}

	if errno := root.Unlink(ctx, "f.txt"); errno != 0 {
		t.Fatalf("Unlink errno = %v", errno)
	}

	if _, errno := root.Lookup(ctx, "f.txt", &fuse.EntryOut{}); errno == 0 {
		t.Fatal("expected Lookup to fail after Unlink")
	}
}

func TestRmdirRejectsNonEmpty(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	root := h.root()

	var eOut fuse.EntryOut
	if _, errno := root.Mkdir(ctx, "dir", 0755, &eOut); errno != 0 {
		t.Fatalf("Mkdir errno = %v", errno)
	}
	dirNode := &Node{fsys: h.fsys, id: int64(eOut.Attr.Ino)}

	if _, _, _, errno := dirNode.Create(ctx, "child.txt", 0, 0644, &eOut); errno != 0 {
		t.Fatalf("Create errno = %v", errno)
	}

	if errno := root.Rmdir(ctx, "dir"); errno != syscall.ENOTEMPTY {
		t.Fatalf("Rmdir errno = %v, want ENOTEMPTY", errno)
	}
}
