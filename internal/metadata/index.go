// Package metadata implements the metadata index (component B): the
// transactional store of the inode tree, version chains, snapshot
// entries, and object reference counts.
package metadata

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cowfs/cowfs/pkg/errors"
	"github.com/cowfs/cowfs/pkg/types"
)

const timeLayout = time.RFC3339Nano

// Index is the SQLite-backed metadata index.
type Index struct {
	db *sql.DB
}

// Open opens (creating if necessary) the metadata index at path,
// enables WAL journaling so reads proceed concurrently with writers,
// applies the schema, and ensures the root inode (id 1) exists.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "failed to open metadata index").WithCause(err)
	}
	db.SetMaxOpenConns(1) // single-writer-many-readers discipline is enforced by WAL + this cap

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errors.NewError(errors.ErrCodeIOFailure, "failed to apply pragma").
				WithComponent("metadata").WithCause(err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.NewError(errors.ErrCodeIOFailure, "failed to apply schema").
			WithComponent("metadata").WithCause(err)
	}

	idx := &Index{db: db}
	if err := idx.ensureRoot(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) ensureRoot() error {
	var count int
	if err := idx.db.QueryRow("SELECT COUNT(*) FROM inodes WHERE id = 1").Scan(&count); err != nil {
		return errors.NewError(errors.ErrCodeIOFailure, "failed to check for root inode").WithCause(err)
	}
	if count > 0 {
		return nil
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err := idx.db.Exec(
		`INSERT INTO inodes (id, parent_id, name, path, kind, current_version_id, deleted, mode, uid, gid, created_at, updated_at)
		 VALUES (1, 0, '', '/', 'dir', NULL, 0, ?, 0, 0, ?, ?)`,
		0755, now, now,
	)
	if err != nil {
		return errors.NewError(errors.ErrCodeIOFailure, "failed to create root inode").WithCause(err)
	}
	return nil
}

// Close closes the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// HealthCheck pings the underlying database.
func (idx *Index) HealthCheck(ctx context.Context) error {
	if err := idx.db.PingContext(ctx); err != nil {
		return errors.NewError(errors.ErrCodeServiceDegraded, "metadata index unreachable").WithCause(err)
	}
	return nil
}

func scanInode(row interface{ Scan(...interface{}) error }) (*types.Inode, error) {
	var (
		i         types.Inode
		current   sql.NullInt64
		deleted   int
		kind      string
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&i.ID, &i.ParentID, &i.Name, &i.Path, &kind, &current, &deleted,
		&i.Mode, &i.UID, &i.GID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	i.Kind = types.Kind(kind)
	i.CurrentID = current.Int64
	i.Deleted = deleted != 0
	i.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	i.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &i, nil
}

const inodeColumns = "id, parent_id, name, path, kind, current_version_id, deleted, mode, uid, gid, created_at, updated_at"

// Resolve looks up the non-deleted child named name under parentID.
func (idx *Index) Resolve(ctx context.Context, parentID int64, name string) (*types.Inode, error) {
	row := idx.db.QueryRowContext(ctx,
		"SELECT "+inodeColumns+" FROM inodes WHERE parent_id = ? AND name = ? AND deleted = 0",
		parentID, name)
	inode, err := scanInode(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewError(errors.ErrCodeNotFound, "no such file or directory").
			WithComponent("metadata").WithOperation("resolve")
	}
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "resolve failed").WithCause(err)
	}
	return inode, nil
}

// ResolveAny looks up the child named name under parentID regardless of
// its soft-deleted state, picking the most recently updated match if
// more than one deleted inode has occupied that name (rename-over and
// unlink both leave the row in place rather than removing it). Used by
// restore-by-path, which must be able to target a file that Resolve
// can no longer see.
func (idx *Index) ResolveAny(ctx context.Context, parentID int64, name string) (*types.Inode, error) {
	row := idx.db.QueryRowContext(ctx,
		"SELECT "+inodeColumns+" FROM inodes WHERE parent_id = ? AND name = ? ORDER BY deleted ASC, updated_at DESC LIMIT 1",
		parentID, name)
	inode, err := scanInode(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewError(errors.ErrCodeNotFound, "no such file or directory").
			WithComponent("metadata").WithOperation("resolve")
	}
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "resolve failed").WithCause(err)
	}
	return inode, nil
}

// GetInode fetches an inode by id, including soft-deleted ones (needed
// by restore and by version history lookups keyed on file id).
func (idx *Index) GetInode(ctx context.Context, id int64) (*types.Inode, error) {
	row := idx.db.QueryRowContext(ctx, "SELECT "+inodeColumns+" FROM inodes WHERE id = ?", id)
	inode, err := scanInode(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewError(errors.ErrCodeStaleHandle, "no such inode").WithComponent("metadata")
	}
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "get inode failed").WithCause(err)
	}
	return inode, nil
}

// ListChildren lists the non-deleted children of parentID.
func (idx *Index) ListChildren(ctx context.Context, parentID int64) ([]*types.Inode, error) {
	rows, err := idx.db.QueryContext(ctx,
		"SELECT "+inodeColumns+" FROM inodes WHERE parent_id = ? AND deleted = 0 ORDER BY name", parentID)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "list children failed").WithCause(err)
	}
	defer rows.Close()

	var out []*types.Inode
	for rows.Next() {
		inode, err := scanInode(rows)
		if err != nil {
			return nil, errors.NewError(errors.ErrCodeIOFailure, "scan child failed").WithCause(err)
		}
		out = append(out, inode)
	}
	return out, rows.Err()
}

// CurrentVersion fetches the current version row for a file inode.
func (idx *Index) CurrentVersion(ctx context.Context, inodeID int64) (*types.Version, error) {
	inode, err := idx.GetInode(ctx, inodeID)
	if err != nil {
		return nil, err
	}
	if inode.CurrentID == 0 {
		return nil, errors.NewError(errors.ErrCodeNotFound, "inode has no current version").WithComponent("metadata")
	}
	return idx.GetVersion(ctx, inode.CurrentID)
}

// GetVersion fetches one version row by id.
func (idx *Index) GetVersion(ctx context.Context, versionID int64) (*types.Version, error) {
	var (
		v         types.Version
		deleted   int
		createdAt string
	)
	err := idx.db.QueryRowContext(ctx,
		"SELECT id, file_id, digest, size, deleted, created_at FROM versions WHERE id = ?", versionID).
		Scan(&v.ID, &v.FileID, &v.Digest, &v.Size, &deleted, &createdAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewError(errors.ErrCodeNotFound, "version not found").WithComponent("metadata")
	}
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "get version failed").WithCause(err)
	}
	v.Deleted = deleted != 0
	v.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &v, nil
}

// CreateInode allocates a new inode under parentID. For regular files
// the caller must follow up with CommitVersion to establish the empty
// current version (spec.md §4.D's empty-file convention).
func (idx *Index) CreateInode(ctx context.Context, parentID int64, name string, kind types.Kind, mode, uid, gid uint32) (*types.Inode, error) {
	parent, err := idx.GetInode(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if !parent.IsDir() {
		return nil, errors.NewError(errors.ErrCodeNotDirectory, "parent is not a directory").WithComponent("metadata")
	}

	if _, err := idx.Resolve(ctx, parentID, name); err == nil {
		return nil, errors.NewError(errors.ErrCodeExists, "already exists").
			WithComponent("metadata").WithOperation("create")
	}

	path := joinPath(parent.Path, name)
	now := time.Now().UTC().Format(timeLayout)

	res, err := idx.db.ExecContext(ctx,
		`INSERT INTO inodes (parent_id, name, path, kind, current_version_id, deleted, mode, uid, gid, created_at, updated_at)
		 VALUES (?, ?, ?, ?, NULL, 0, ?, ?, ?, ?, ?)`,
		parentID, name, path, string(kind), mode, uid, gid, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.NewError(errors.ErrCodeExists, "already exists").WithComponent("metadata")
		}
		return nil, errors.NewError(errors.ErrCodeIOFailure, "create inode failed").WithCause(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "create inode failed").WithCause(err)
	}
	return idx.GetInode(ctx, id)
}

// SetAttr updates the mutable subset of an inode's attributes.
func (idx *Index) SetAttr(ctx context.Context, inodeID int64, attrs types.SetAttrs) (*types.Inode, error) {
	inode, err := idx.GetInode(ctx, inodeID)
	if err != nil {
		return nil, err
	}

	mode, uid, gid := inode.Mode, inode.UID, inode.GID
	if attrs.Mode != nil {
		mode = *attrs.Mode
	}
	if attrs.UID != nil {
		uid = *attrs.UID
	}
	if attrs.GID != nil {
		gid = *attrs.GID
	}
	now := time.Now().UTC()
	updatedAt := now.Format(timeLayout)
	if attrs.Mtime != nil {
		updatedAt = attrs.Mtime.UTC().Format(timeLayout)
	}

	_, err = idx.db.ExecContext(ctx,
		"UPDATE inodes SET mode = ?, uid = ?, gid = ?, updated_at = ? WHERE id = ?",
		mode, uid, gid, updatedAt, inodeID)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "setattr failed").WithCause(err)
	}
	return idx.GetInode(ctx, inodeID)
}

// SoftDelete marks an inode as logically deleted without removing its row.
func (idx *Index) SoftDelete(ctx context.Context, inodeID int64) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := idx.db.ExecContext(ctx, "UPDATE inodes SET deleted = 1, updated_at = ? WHERE id = ?", now, inodeID)
	if err != nil {
		return errors.NewError(errors.ErrCodeIOFailure, "soft delete failed").WithCause(err)
	}
	return nil
}

// Undelete clears an inode's soft-deleted flag.
func (idx *Index) Undelete(ctx context.Context, inodeID int64) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := idx.db.ExecContext(ctx, "UPDATE inodes SET deleted = 0, updated_at = ? WHERE id = ?", now, inodeID)
	if err != nil {
		return errors.NewError(errors.ErrCodeIOFailure, "undelete failed").WithCause(err)
	}
	return nil
}

// Rename moves inodeID to (newParentID, newName), rewriting path for
// it and every descendant. If a non-deleted inode already occupies the
// destination name, the caller is responsible for soft-deleting it
// first (spec.md §9's adopted "soft-delete, no terminal version"
// resolution for rename-over-existing).
func (idx *Index) Rename(ctx context.Context, inodeID, newParentID int64, newName string) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewError(errors.ErrCodeIOFailure, "rename failed to begin transaction").WithCause(err)
	}
	defer tx.Rollback()

	var oldPath string
	if err := tx.QueryRowContext(ctx, "SELECT path FROM inodes WHERE id = ?", inodeID).Scan(&oldPath); err != nil {
		return errors.NewError(errors.ErrCodeNotFound, "source inode not found").WithCause(err)
	}

	var newParentPath string
	if err := tx.QueryRowContext(ctx, "SELECT path FROM inodes WHERE id = ?", newParentID).Scan(&newParentPath); err != nil {
		return errors.NewError(errors.ErrCodeNotFound, "destination parent not found").WithCause(err)
	}
	newPath := joinPath(newParentPath, newName)
	now := time.Now().UTC().Format(timeLayout)

	if _, err := tx.ExecContext(ctx,
		"UPDATE inodes SET parent_id = ?, name = ?, path = ?, updated_at = ? WHERE id = ?",
		newParentID, newName, newPath, now, inodeID); err != nil {
		if isUniqueViolation(err) {
			return errors.NewError(errors.ErrCodeExists, "destination exists").WithCause(err)
		}
		return errors.NewError(errors.ErrCodeIOFailure, "rename failed").WithCause(err)
	}

	// Rewrite path for every descendant of the renamed subtree.
	likePrefix := oldPath
	if !strings.HasSuffix(likePrefix, "/") {
		likePrefix += "/"
	}
	rows, err := tx.QueryContext(ctx, "SELECT id, path FROM inodes WHERE path LIKE ? || '%' AND id != ?", likePrefix, inodeID)
	if err != nil {
		return errors.NewError(errors.ErrCodeIOFailure, "rename descendant scan failed").WithCause(err)
	}
	type rewrite struct {
		id   int64
		path string
	}
	var descendants []rewrite
	for rows.Next() {
		var d rewrite
		if err := rows.Scan(&d.id, &d.path); err != nil {
			rows.Close()
			return errors.NewError(errors.ErrCodeIOFailure, "rename descendant scan failed").WithCause(err)
		}
		descendants = append(descendants, d)
	}
	rows.Close()

	for _, d := range descendants {
		rewritten := newPath + strings.TrimPrefix(d.path, oldPath)
		if _, err := tx.ExecContext(ctx, "UPDATE inodes SET path = ?, updated_at = ? WHERE id = ?", rewritten, now, d.id); err != nil {
			return errors.NewError(errors.ErrCodeIOFailure, "rename descendant update failed").WithCause(err)
		}
	}

	return tx.Commit()
}

// AppendVersion appends a new version row for inodeID and updates its
// current pointer. This is the sole place a file's current_version_id
// changes; it never rewrites an existing version row.
//
// AppendVersion does not touch object reference counts — callers
// writing fresh content should use CommitVersion instead, which does
// the version insert, current-pointer update, and ref bump as one
// transaction. The restore paths use CommitVersion as well;
// AppendVersion's callers are tests that handle ref counts themselves.
func (idx *Index) AppendVersion(ctx context.Context, inodeID int64, digest string, size int64) (*types.Version, error) {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "append version failed to begin transaction").WithCause(err)
	}
	defer tx.Rollback()

	versionID, err := insertVersionTx(ctx, tx, inodeID, digest, size)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "append version commit failed").WithCause(err)
	}

	return idx.GetVersion(ctx, versionID)
}

// CommitVersion is the durable write path's single metadata
// transaction: it appends a version row, advances inodeID's current
// pointer, and bumps digest's reference count (creating the object row
// on first reference), all under one commit. Every fresh-content write
// — buffered-write flush, truncate-to-empty, create's initial empty
// version — must go through this rather than calling AppendVersion and
// BumpRef separately, since a crash between two independent
// transactions would leave a ref-counted object with no citing
// version, which GC can never reclaim (it skips any ref_count > 0 row).
func (idx *Index) CommitVersion(ctx context.Context, inodeID int64, digest string, size int64, algo string) (*types.Version, error) {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "commit version failed to begin transaction").WithCause(err)
	}
	defer tx.Rollback()

	versionID, err := insertVersionTx(ctx, tx, inodeID, digest, size)
	if err != nil {
		return nil, err
	}

	if err := bumpRefTx(ctx, tx, digest, size, algo); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "commit version commit failed").WithCause(err)
	}

	return idx.GetVersion(ctx, versionID)
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting the insert
// helpers below run either standalone or as part of a larger
// transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertVersionTx(ctx context.Context, tx execer, inodeID int64, digest string, size int64) (int64, error) {
	now := time.Now().UTC().Format(timeLayout)
	res, err := tx.ExecContext(ctx,
		"INSERT INTO versions (file_id, digest, size, deleted, created_at) VALUES (?, ?, ?, 0, ?)",
		inodeID, digest, size, now)
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeIOFailure, "insert version failed").WithCause(err)
	}
	versionID, err := res.LastInsertId()
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeIOFailure, "insert version failed").WithCause(err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE inodes SET current_version_id = ?, updated_at = ? WHERE id = ?", versionID, now, inodeID); err != nil {
		return 0, errors.NewError(errors.ErrCodeIOFailure, "update current version failed").WithCause(err)
	}
	return versionID, nil
}

// History returns the full chronological version chain for inodeID,
// including soft-deleted versions (so GC's --keep-last pruning remains
// visible in `history`).
func (idx *Index) History(ctx context.Context, inodeID int64) ([]*types.Version, error) {
	rows, err := idx.db.QueryContext(ctx,
		"SELECT id, file_id, digest, size, deleted, created_at FROM versions WHERE file_id = ? ORDER BY id ASC", inodeID)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "history query failed").WithCause(err)
	}
	defer rows.Close()

	var out []*types.Version
	for rows.Next() {
		var (
			v         types.Version
			deleted   int
			createdAt string
		)
		if err := rows.Scan(&v.ID, &v.FileID, &v.Digest, &v.Size, &deleted, &createdAt); err != nil {
			return nil, errors.NewError(errors.ErrCodeIOFailure, "history scan failed").WithCause(err)
		}
		v.Deleted = deleted != 0
		v.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, &v)
	}
	return out, rows.Err()
}

// SoftDeleteVersion marks a version row deleted, used by GC's
// --keep-last/--before pruning passes.
func (idx *Index) SoftDeleteVersion(ctx context.Context, versionID int64) error {
	_, err := idx.db.ExecContext(ctx, "UPDATE versions SET deleted = 1 WHERE id = ?", versionID)
	if err != nil {
		return errors.NewError(errors.ErrCodeIOFailure, "soft delete version failed").WithCause(err)
	}
	return nil
}

// AllFileIDs returns every file inode id, including soft-deleted ones,
// so GC's pruning passes can still reclaim history for unlinked files.
func (idx *Index) AllFileIDs(ctx context.Context) ([]int64, error) {
	rows, err := idx.db.QueryContext(ctx, "SELECT id FROM inodes WHERE kind = 'file'")
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "list file ids failed").WithCause(err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.NewError(errors.ErrCodeIOFailure, "scan file id failed").WithCause(err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// BumpRef increments an object's reference count, creating the object
// row with count 1 if this is the first reference to digest.
func (idx *Index) BumpRef(ctx context.Context, digest string, size int64, algo string) error {
	return bumpRefTx(ctx, idx.db, digest, size, algo)
}

func bumpRefTx(ctx context.Context, tx execer, digest string, size int64, algo string) error {
	res, err := tx.ExecContext(ctx, "UPDATE objects SET ref_count = ref_count + 1 WHERE digest = ?", digest)
	if err != nil {
		return errors.NewError(errors.ErrCodeIOFailure, "bump ref failed").WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewError(errors.ErrCodeIOFailure, "bump ref failed").WithCause(err)
	}
	if n > 0 {
		return nil
	}

	now := time.Now().UTC().Format(timeLayout)
	_, err = tx.ExecContext(ctx,
		"INSERT INTO objects (digest, size, ref_count, algo, created_at) VALUES (?, ?, 1, ?, ?)",
		digest, size, algo, now)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a race with a concurrent first-reference insert; retry the update.
			_, err = tx.ExecContext(ctx, "UPDATE objects SET ref_count = ref_count + 1 WHERE digest = ?", digest)
			if err != nil {
				return errors.NewError(errors.ErrCodeIOFailure, "bump ref retry failed").WithCause(err)
			}
			return nil
		}
		return errors.NewError(errors.ErrCodeIOFailure, "insert object failed").WithCause(err)
	}
	return nil
}

// DecrementRef decrements an object's reference count and returns the
// new count. The object row is never removed here; GC removes rows at
// count 0 once past the safety window.
func (idx *Index) DecrementRef(ctx context.Context, digest string) (int64, error) {
	_, err := idx.db.ExecContext(ctx,
		"UPDATE objects SET ref_count = CASE WHEN ref_count > 0 THEN ref_count - 1 ELSE 0 END WHERE digest = ?", digest)
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeIOFailure, "decrement ref failed").WithCause(err)
	}
	var count int64
	if err := idx.db.QueryRowContext(ctx, "SELECT ref_count FROM objects WHERE digest = ?", digest).Scan(&count); err != nil {
		return 0, errors.NewError(errors.ErrCodeIOFailure, "decrement ref lookup failed").WithCause(err)
	}
	return count, nil
}

// SnapshotCreate creates a named snapshot and, in the same
// transaction, appends one snapshot entry per non-deleted inode
// pointing at its then-current version.
func (idx *Index) SnapshotCreate(ctx context.Context, name, description string) (*types.Snapshot, error) {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "snapshot create failed to begin transaction").WithCause(err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeLayout)
	res, err := tx.ExecContext(ctx,
		"INSERT INTO snapshots (name, description, created_at) VALUES (?, ?, ?)", name, description, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.NewError(errors.ErrCodeExists, "snapshot already exists").WithCause(err)
		}
		return nil, errors.NewError(errors.ErrCodeIOFailure, "insert snapshot failed").WithCause(err)
	}
	snapshotID, err := res.LastInsertId()
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "insert snapshot failed").WithCause(err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT id, current_version_id FROM inodes WHERE deleted = 0 AND current_version_id IS NOT NULL")
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "snapshot scan failed").WithCause(err)
	}
	type entry struct {
		fileID, versionID int64
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.fileID, &e.versionID); err != nil {
			rows.Close()
			return nil, errors.NewError(errors.ErrCodeIOFailure, "snapshot scan failed").WithCause(err)
		}
		entries = append(entries, e)
	}
	rows.Close()

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO snapshot_entries (snapshot_id, file_id, version_id) VALUES (?, ?, ?)",
			snapshotID, e.fileID, e.versionID); err != nil {
			return nil, errors.NewError(errors.ErrCodeIOFailure, "insert snapshot entry failed").WithCause(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "snapshot create commit failed").WithCause(err)
	}

	return &types.Snapshot{ID: snapshotID, Name: name, Description: description, CreatedAt: time.Now().UTC()}, nil
}

// SnapshotList lists all snapshots, newest first.
func (idx *Index) SnapshotList(ctx context.Context) ([]*types.Snapshot, error) {
	rows, err := idx.db.QueryContext(ctx, "SELECT id, name, description, created_at FROM snapshots ORDER BY id DESC")
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "snapshot list failed").WithCause(err)
	}
	defer rows.Close()

	var out []*types.Snapshot
	for rows.Next() {
		var (
			s         types.Snapshot
			createdAt string
		)
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &createdAt); err != nil {
			return nil, errors.NewError(errors.ErrCodeIOFailure, "snapshot scan failed").WithCause(err)
		}
		s.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, &s)
	}
	return out, rows.Err()
}

// SnapshotGet fetches one snapshot by name.
func (idx *Index) SnapshotGet(ctx context.Context, name string) (*types.Snapshot, error) {
	var (
		s         types.Snapshot
		createdAt string
	)
	err := idx.db.QueryRowContext(ctx,
		"SELECT id, name, description, created_at FROM snapshots WHERE name = ?", name).
		Scan(&s.ID, &s.Name, &s.Description, &createdAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewError(errors.ErrCodeNotFound, "snapshot not found").WithComponent("metadata")
	}
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "snapshot get failed").WithCause(err)
	}
	s.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &s, nil
}

// SnapshotEntries lists every (file, version) entry recorded for a snapshot.
func (idx *Index) SnapshotEntries(ctx context.Context, snapshotID int64) ([]*types.SnapshotEntry, error) {
	rows, err := idx.db.QueryContext(ctx,
		"SELECT snapshot_id, file_id, version_id FROM snapshot_entries WHERE snapshot_id = ?", snapshotID)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "snapshot entries query failed").WithCause(err)
	}
	defer rows.Close()

	var out []*types.SnapshotEntry
	for rows.Next() {
		var e types.SnapshotEntry
		if err := rows.Scan(&e.SnapshotID, &e.FileID, &e.VersionID); err != nil {
			return nil, errors.NewError(errors.ErrCodeIOFailure, "snapshot entry scan failed").WithCause(err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// SnapshotDelete removes a snapshot and its entries. Objects are left
// untouched; GC reclaims any that become unreferenced.
func (idx *Index) SnapshotDelete(ctx context.Context, name string) error {
	snap, err := idx.SnapshotGet(ctx, name)
	if err != nil {
		return err
	}
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewError(errors.ErrCodeIOFailure, "snapshot delete failed to begin transaction").WithCause(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM snapshot_entries WHERE snapshot_id = ?", snap.ID); err != nil {
		return errors.NewError(errors.ErrCodeIOFailure, "delete snapshot entries failed").WithCause(err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM snapshots WHERE id = ?", snap.ID); err != nil {
		return errors.NewError(errors.ErrCodeIOFailure, "delete snapshot failed").WithCause(err)
	}
	return tx.Commit()
}

// ListObjects lists every object row.
func (idx *Index) ListObjects(ctx context.Context) ([]*types.Object, error) {
	rows, err := idx.db.QueryContext(ctx, "SELECT digest, size, ref_count, algo, created_at FROM objects")
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "list objects failed").WithCause(err)
	}
	defer rows.Close()

	var out []*types.Object
	for rows.Next() {
		var (
			o         types.Object
			createdAt string
		)
		if err := rows.Scan(&o.Digest, &o.Size, &o.RefCount, &o.Algo, &createdAt); err != nil {
			return nil, errors.NewError(errors.ErrCodeIOFailure, "object scan failed").WithCause(err)
		}
		o.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, &o)
	}
	return out, rows.Err()
}

// ReferencedDigests returns the union of digests cited by non-deleted
// versions and by any snapshot entry's version — the GC live set.
func (idx *Index) ReferencedDigests(ctx context.Context) (map[string]bool, error) {
	live := make(map[string]bool)

	rows, err := idx.db.QueryContext(ctx, "SELECT DISTINCT digest FROM versions WHERE deleted = 0")
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "referenced digests query failed").WithCause(err)
	}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			rows.Close()
			return nil, errors.NewError(errors.ErrCodeIOFailure, "referenced digests scan failed").WithCause(err)
		}
		live[d] = true
	}
	rows.Close()

	rows, err = idx.db.QueryContext(ctx,
		`SELECT DISTINCT v.digest FROM versions v
		 JOIN snapshot_entries se ON se.version_id = v.id`)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "snapshot referenced digests query failed").WithCause(err)
	}
	defer rows.Close()
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, errors.NewError(errors.ErrCodeIOFailure, "snapshot referenced digests scan failed").WithCause(err)
		}
		live[d] = true
	}
	return live, rows.Err()
}

// DeleteObject removes an object row. Called by GC in the same pass
// it deletes the row's blob, once the row's reference count has
// reached zero and it is past the safety window.
func (idx *Index) DeleteObject(ctx context.Context, digest string) error {
	_, err := idx.db.ExecContext(ctx, "DELETE FROM objects WHERE digest = ?", digest)
	if err != nil {
		return errors.NewError(errors.ErrCodeIOFailure, "delete object failed").WithCause(err)
	}
	return nil
}

// Stats computes the `stats` report contract (spec.md §6).
func (idx *Index) Stats(ctx context.Context) (*types.StatsReport, error) {
	report := &types.StatsReport{FormatVersion: 1}

	if err := idx.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM inodes WHERE deleted = 0 AND kind = 'file'").
		Scan(&report.TotalFiles); err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "stats failed").WithCause(err)
	}
	if err := idx.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM versions").Scan(&report.TotalVersions); err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "stats failed").WithCause(err)
	}
	if err := idx.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM objects").Scan(&report.TotalObjects); err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "stats failed").WithCause(err)
	}
	if err := idx.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM objects WHERE ref_count = 0").
		Scan(&report.OrphanedObjects); err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "stats failed").WithCause(err)
	}

	var logical sql.NullInt64
	if err := idx.db.QueryRowContext(ctx, "SELECT SUM(size) FROM versions WHERE deleted = 0").Scan(&logical); err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "stats failed").WithCause(err)
	}
	report.LogicalSize = logical.Int64

	var actual sql.NullInt64
	if err := idx.db.QueryRowContext(ctx, "SELECT SUM(size) FROM objects").Scan(&actual); err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "stats failed").WithCause(err)
	}
	report.ActualSize = actual.Int64

	report.DedupSavings = report.LogicalSize - report.ActualSize
	if report.LogicalSize > 0 {
		report.DedupRatio = float64(report.ActualSize) / float64(report.LogicalSize)
	}

	return report, nil
}

func joinPath(parentPath, name string) string {
	if parentPath == "/" {
		return "/" + name
	}
	return parentPath + "/" + name
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
