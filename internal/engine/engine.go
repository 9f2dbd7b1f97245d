// Package engine implements the version/snapshot/GC engine (component
// E): restore by version or time, snapshot lifecycle, and garbage
// collection of unreferenced objects. It operates directly on the
// object store and metadata index and works whether or not the
// filesystem is currently mounted.
package engine

import (
	"context"
	"sort"
	"time"

	"github.com/cowfs/cowfs/internal/batch"
	"github.com/cowfs/cowfs/pkg/errors"
	"github.com/cowfs/cowfs/pkg/status"
	"github.com/cowfs/cowfs/pkg/types"
	"github.com/cowfs/cowfs/pkg/utils"
)

// gcBatchSize is how many objects one GC pass reclaims between
// progress updates. Each object is deleted by its own store and index
// calls; a group does not share one transaction.
const gcBatchSize = 500

// Engine bundles the object store and metadata index references needed
// to run version history, restore, snapshot, and GC operations.
type Engine struct {
	store   types.Store
	index   types.Index
	tracker *status.Tracker
}

// New constructs an Engine over an already-open store and index. A nil
// tracker is fine — cowfsctl's one-shot commands run without one — but
// a daemon that also serves pkg/api's /status surface should supply
// its own so a long-running GC pass shows up there while it runs.
func New(store types.Store, index types.Index, tracker *status.Tracker) *Engine {
	return &Engine{store: store, index: index, tracker: tracker}
}

// History returns the chronological version chain for the inode
// resolved at path, marking which entry is current.
func (e *Engine) History(ctx context.Context, inode *types.Inode) ([]*types.Version, error) {
	if inode.IsDir() {
		return nil, errors.NewError(errors.ErrCodeIsDirectory, "directories have no version history").
			WithComponent("engine").WithOperation("history")
	}
	return e.index.History(ctx, inode.ID)
}

// RestoreVersion appends a new version pointing at versionID's object
// digest and advances inode's current pointer. Restore is an append,
// never a rewrite, so prior history remains intact.
func (e *Engine) RestoreVersion(ctx context.Context, inode *types.Inode, versionID int64) (*types.Version, error) {
	v, err := e.index.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v.FileID != inode.ID {
		return nil, errors.NewError(errors.ErrCodeNotFound, "version does not belong to this file").
			WithComponent("engine").WithOperation("restore")
	}

	if inode.Deleted {
		if err := e.index.Undelete(ctx, inode.ID); err != nil {
			return nil, err
		}
	}

	return e.index.CommitVersion(ctx, inode.ID, v.Digest, v.Size, e.store.Algo())
}

// RestoreBefore selects the newest version of inode created strictly
// before cutoff and restores it.
func (e *Engine) RestoreBefore(ctx context.Context, inode *types.Inode, cutoff time.Time) (*types.Version, error) {
	history, err := e.index.History(ctx, inode.ID)
	if err != nil {
		return nil, err
	}

	var chosen *types.Version
	for _, v := range history {
		if v.CreatedAt.Before(cutoff) {
			if chosen == nil || v.CreatedAt.After(chosen.CreatedAt) {
				chosen = v
			}
		}
	}
	if chosen == nil {
		return nil, errors.NewError(errors.ErrCodeNotFound, "no version older than the given time").
			WithComponent("engine").WithOperation("restore")
	}
	return e.RestoreVersion(ctx, inode, chosen.ID)
}

// SnapshotCreate captures the tree's current state: a snapshot row
// plus one entry per non-deleted inode's current version.
func (e *Engine) SnapshotCreate(ctx context.Context, name, description string) (*types.Snapshot, error) {
	return e.index.SnapshotCreate(ctx, name, description)
}

// SnapshotList lists all snapshots, newest first.
func (e *Engine) SnapshotList(ctx context.Context) ([]*types.Snapshot, error) {
	return e.index.SnapshotList(ctx)
}

// SnapshotShow returns one snapshot and its recorded (file, version) entries.
func (e *Engine) SnapshotShow(ctx context.Context, name string) (*types.Snapshot, []*types.SnapshotEntry, error) {
	snap, err := e.index.SnapshotGet(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	entries, err := e.index.SnapshotEntries(ctx, snap.ID)
	if err != nil {
		return nil, nil, err
	}
	return snap, entries, nil
}

// SnapshotDelete removes a snapshot and its entries. The objects it
// referenced remain until a later GC pass finds them unreferenced.
func (e *Engine) SnapshotDelete(ctx context.Context, name string) error {
	return e.index.SnapshotDelete(ctx, name)
}

// SnapshotRestore rolls the tree back to a snapshot: every recorded
// entry gets a fresh version appended pointing at its snapshotted
// object (undeleting the inode if it was soft-deleted since; an entry
// whose inode row can no longer be loaded is skipped, and no inode is
// recreated), and — unless
// keepNew is set — every inode created after the snapshot is
// soft-deleted.
func (e *Engine) SnapshotRestore(ctx context.Context, name string, keepNew bool) error {
	snap, err := e.index.SnapshotGet(ctx, name)
	if err != nil {
		return err
	}
	entries, err := e.index.SnapshotEntries(ctx, snap.ID)
	if err != nil {
		return err
	}

	recorded := make(map[int64]bool, len(entries))
	for _, entry := range entries {
		recorded[entry.FileID] = true

		v, err := e.index.GetVersion(ctx, entry.VersionID)
		if err != nil {
			return err
		}

		inode, err := e.index.GetInode(ctx, entry.FileID)
		if err != nil {
			// The inode row itself is gone; minimal recovery only
			// restores state that the snapshot entry can reconstruct
			// (its version pointer), not its name or parent.
			continue
		}
		if inode.Deleted {
			if err := e.index.Undelete(ctx, inode.ID); err != nil {
				return err
			}
		}
		if _, err := e.index.CommitVersion(ctx, inode.ID, v.Digest, v.Size, e.store.Algo()); err != nil {
			return err
		}
	}

	if keepNew {
		return nil
	}

	root, err := e.index.GetInode(ctx, types.RootInodeID)
	if err != nil {
		return err
	}
	return e.softDeleteUnrecorded(ctx, root.ID, recorded)
}

// softDeleteUnrecorded walks the tree under parentID, soft-deleting
// any non-deleted file inode absent from recorded.
func (e *Engine) softDeleteUnrecorded(ctx context.Context, parentID int64, recorded map[int64]bool) error {
	children, err := e.index.ListChildren(ctx, parentID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.IsDir() {
			if err := e.softDeleteUnrecorded(ctx, child.ID, recorded); err != nil {
				return err
			}
			continue
		}
		if !recorded[child.ID] {
			if err := e.index.SoftDelete(ctx, child.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// GCOptions configures one garbage-collection pass.
type GCOptions struct {
	KeepLast int
	Before   time.Time
	DryRun   bool
}

// GC prunes version history per options, then reclaims any object
// whose reference count has fallen to zero and whose age exceeds
// safetyWindow. The age check prevents a race against a blob that was
// just written but whose version row has not yet committed. GC is the
// only operation long enough to be worth reporting through the status
// tracker, so its whole run is recorded as one tracked operation; its
// progress advances as reclaim batches complete.
func (e *Engine) GC(ctx context.Context, opts GCOptions, safetyWindow time.Duration) (report *types.GCReport, err error) {
	trace := utils.StartTrace(utils.FromContext(ctx), "gc", "run", map[string]interface{}{
		"keep_last": opts.KeepLast,
		"dry_run":   opts.DryRun,
	})
	defer func() {
		if err != nil {
			trace.EndWithError(err)
			return
		}
		trace.End("gc pass finished")
	}()

	var opID string
	if e.tracker != nil {
		op, _ := e.tracker.StartOperation(ctx, "gc", map[string]interface{}{
			"keep_last": opts.KeepLast,
			"dry_run":   opts.DryRun,
		})
		opID = op.ID
		defer func() {
			if err != nil {
				e.tracker.FailOperation(opID, err)
				return
			}
			e.tracker.CompleteOperation(opID)
		}()
	}

	report = &types.GCReport{DryRun: opts.DryRun}

	if opts.KeepLast > 0 {
		pruned, err := e.pruneKeepLast(ctx, opts.KeepLast)
		if err != nil {
			return nil, err
		}
		report.VersionsPruned += pruned
	}
	if !opts.Before.IsZero() {
		pruned, err := e.pruneBefore(ctx, opts.Before)
		if err != nil {
			return nil, err
		}
		report.VersionsPruned += pruned
	}

	live, err := e.index.ReferencedDigests(ctx)
	if err != nil {
		return nil, err
	}

	objects, err := e.index.ListObjects(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-safetyWindow)
	var candidates []*types.Object
	for _, obj := range objects {
		report.Scanned++
		if obj.RefCount > 0 || live[obj.Digest] {
			continue
		}
		if obj.CreatedAt.After(cutoff) {
			continue // too young; its version row may not have committed yet
		}
		candidates = append(candidates, obj)
	}

	if e.tracker != nil {
		e.tracker.SetPhase(opID, "reclaiming")
	}

	for _, group := range batch.Chunk(candidates, gcBatchSize) {
		for _, obj := range group {
			if !opts.DryRun {
				if err := e.store.Delete(ctx, obj.Digest); err != nil {
					return nil, err
				}
				if err := e.index.DeleteObject(ctx, obj.Digest); err != nil {
					return nil, err
				}
			}
			report.Reclaimed++
			report.BytesFreed += obj.Size
		}
		if e.tracker != nil {
			e.tracker.UpdateProgress(opID, report.Reclaimed, int64(len(candidates)), "objects")
		}
	}

	return report, nil
}

// pruneKeepLast soft-deletes, for every file, all versions older than
// its most recent keepLast, decrementing their object reference
// counts.
func (e *Engine) pruneKeepLast(ctx context.Context, keepLast int) (int64, error) {
	files, err := e.index.AllFileIDs(ctx)
	if err != nil {
		return 0, err
	}

	var pruned int64
	for _, fileID := range files {
		history, err := e.index.History(ctx, fileID)
		if err != nil {
			return pruned, err
		}
		sort.Slice(history, func(i, j int) bool { return history[i].CreatedAt.Before(history[j].CreatedAt) })

		keepFrom := len(history) - keepLast
		for i := 0; i < keepFrom; i++ {
			v := history[i]
			if v.Deleted {
				continue
			}
			if err := e.softDeleteVersion(ctx, v); err != nil {
				return pruned, err
			}
			pruned++
		}
	}
	return pruned, nil
}

// pruneBefore soft-deletes every live version created before cutoff.
func (e *Engine) pruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	files, err := e.index.AllFileIDs(ctx)
	if err != nil {
		return 0, err
	}

	var pruned int64
	for _, fileID := range files {
		history, err := e.index.History(ctx, fileID)
		if err != nil {
			return pruned, err
		}
		for _, v := range history {
			if v.Deleted || !v.CreatedAt.Before(cutoff) {
				continue
			}
			if err := e.softDeleteVersion(ctx, v); err != nil {
				return pruned, err
			}
			pruned++
		}
	}
	return pruned, nil
}

func (e *Engine) softDeleteVersion(ctx context.Context, v *types.Version) error {
	if _, err := e.index.DecrementRef(ctx, v.Digest); err != nil {
		return err
	}
	return e.index.SoftDeleteVersion(ctx, v.ID)
}

// Stats computes the `stats` command's report.
func (e *Engine) Stats(ctx context.Context) (*types.StatsReport, error) {
	report, err := e.index.Stats(ctx)
	if err != nil {
		return nil, err
	}
	report.DigestAlgo = e.store.Algo()
	return report, nil
}
