// Command cowfsctl operates on a COWFS backend directory directly
// through the metadata index and version/snapshot/GC engine. None of
// its subcommands require the filesystem to be mounted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cowfs/cowfs/internal/engine"
	"github.com/cowfs/cowfs/internal/metadata"
	"github.com/cowfs/cowfs/internal/store"
	"github.com/cowfs/cowfs/pkg/types"
	"github.com/cowfs/cowfs/pkg/utils"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "cowfsctl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("cowfsctl", flag.ContinueOnError)
	backend := fs.String("backend", "", "backend directory")
	jsonOut := fs.Bool("json", false, "machine-readable JSON output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("usage: cowfsctl -backend DIR [-json] <command> [args...]\ncommands: history, restore, snapshot, gc, stats")
	}
	if *backend == "" {
		return fmt.Errorf("-backend is required")
	}

	st, idx, err := openBackend(*backend)
	if err != nil {
		return err
	}
	defer idx.Close()

	eng := engine.New(st, idx, nil)
	ctx := context.Background()
	cmd, cmdArgs := rest[0], rest[1:]

	switch cmd {
	case "history":
		return cmdHistory(ctx, idx, eng, cmdArgs, *jsonOut)
	case "restore":
		return cmdRestore(ctx, idx, eng, cmdArgs, *jsonOut)
	case "snapshot":
		return cmdSnapshot(ctx, idx, eng, cmdArgs, *jsonOut)
	case "gc":
		return cmdGC(ctx, eng, cmdArgs, *jsonOut)
	case "stats":
		return cmdStats(ctx, eng, *jsonOut)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func openBackend(backend string) (*store.Store, *metadata.Index, error) {
	objectsPath := filepath.Join(backend, "objects")
	st, err := store.Open(objectsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening backend: %w", err)
	}
	idx, err := metadata.Open(filepath.Join(backend, "metadata.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("opening metadata index: %w", err)
	}
	return st, idx, nil
}

// resolvePath walks path components from the root inode, since
// cowfsctl never mounts the filesystem and has no kernel-supplied
// inode to start from. Every component, including the leaf, must
// resolve to a live (non-deleted) inode.
func resolvePath(ctx context.Context, idx *metadata.Index, path string) (*types.Inode, error) {
	return resolvePathWith(ctx, idx, path, idx.Resolve)
}

// resolvePathRestorable is like resolvePath but its leaf component
// may also match a soft-deleted inode: `restore` needs to reach a
// file by the path it used to occupy even after it has been unlinked,
// since it still carries the version history restore operates on.
// Parent directories along the way must still be live.
func resolvePathRestorable(ctx context.Context, idx *metadata.Index, path string) (*types.Inode, error) {
	return resolvePathWith(ctx, idx, path, idx.ResolveAny)
}

func resolvePathWith(ctx context.Context, idx *metadata.Index, path string, resolveLeaf func(context.Context, int64, string) (*types.Inode, error)) (*types.Inode, error) {
	path = strings.Trim(path, "/")
	parentID := types.RootInodeID
	if path == "" {
		return idx.GetInode(ctx, parentID)
	}

	parts := strings.Split(path, "/")
	var inode *types.Inode
	for i, part := range parts {
		if part == "" {
			continue
		}
		resolve := idx.Resolve
		if i == len(parts)-1 {
			resolve = resolveLeaf
		}
		in, err := resolve(ctx, parentID, part)
		if err != nil {
			return nil, fmt.Errorf("resolving %q: %w", path, err)
		}
		inode = in
		parentID = in.ID
	}
	return inode, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdHistory(ctx context.Context, idx *metadata.Index, eng *engine.Engine, args []string, jsonOut bool) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cowfsctl history <path>")
	}
	inode, err := resolvePath(ctx, idx, args[0])
	if err != nil {
		return err
	}
	versions, err := eng.History(ctx, inode)
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(versions)
	}
	for _, v := range versions {
		marker := " "
		if v.ID == inode.CurrentID {
			marker = "*"
		}
		fmt.Printf("%s %-6d %-20s %10d bytes  %s\n", marker, v.ID, v.Digest[:minInt(20, len(v.Digest))], v.Size, v.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func cmdRestore(ctx context.Context, idx *metadata.Index, eng *engine.Engine, args []string, jsonOut bool) error {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	version := fs.Int64("version", 0, "version id to restore")
	before := fs.String("before", "", "restore the newest version created before this RFC3339 timestamp")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: cowfsctl restore <path> [-version N | -before TIME]")
	}
	path := fs.Arg(0)

	inode, err := resolvePathRestorable(ctx, idx, path)
	if err != nil {
		return err
	}

	var restored *types.Version
	switch {
	case *version != 0:
		restored, err = eng.RestoreVersion(ctx, inode, *version)
	case *before != "":
		cutoff, perr := time.Parse(time.RFC3339, *before)
		if perr != nil {
			return fmt.Errorf("invalid -before timestamp: %w", perr)
		}
		restored, err = eng.RestoreBefore(ctx, inode, cutoff)
	default:
		return fmt.Errorf("one of -version or -before is required")
	}
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(restored)
	}
	fmt.Printf("restored %s to version %d (%d bytes)\n", path, restored.ID, restored.Size)
	return nil
}

func cmdSnapshot(ctx context.Context, idx *metadata.Index, eng *engine.Engine, args []string, jsonOut bool) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: cowfsctl snapshot {create,list,show,restore,delete} ...")
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "create":
		fs := flag.NewFlagSet("snapshot create", flag.ContinueOnError)
		desc := fs.String("description", "", "snapshot description")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: cowfsctl snapshot create <name> [-description TEXT]")
		}
		snap, err := eng.SnapshotCreate(ctx, fs.Arg(0), *desc)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(snap)
		}
		fmt.Printf("created snapshot %q (id %d)\n", snap.Name, snap.ID)
		return nil

	case "list":
		snaps, err := eng.SnapshotList(ctx)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(snaps)
		}
		for _, s := range snaps {
			fmt.Printf("%-20s %s  %s\n", s.Name, s.CreatedAt.Format(time.RFC3339), s.Description)
		}
		return nil

	case "show":
		if len(rest) != 1 {
			return fmt.Errorf("usage: cowfsctl snapshot show <name>")
		}
		snap, entries, err := eng.SnapshotShow(ctx, rest[0])
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(map[string]interface{}{"snapshot": snap, "entries": entries})
		}
		fmt.Printf("%s  created %s\n", snap.Name, snap.CreatedAt.Format(time.RFC3339))
		for _, e := range entries {
			fmt.Printf("  file %-6d version %-6d\n", e.FileID, e.VersionID)
		}
		return nil

	case "restore":
		fs := flag.NewFlagSet("snapshot restore", flag.ContinueOnError)
		keepNew := fs.Bool("keep-new", false, "leave files created after the snapshot untouched")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: cowfsctl snapshot restore <name> [-keep-new]")
		}
		if err := eng.SnapshotRestore(ctx, fs.Arg(0), *keepNew); err != nil {
			return err
		}
		if jsonOut {
			return printJSON(map[string]string{"status": "restored", "snapshot": fs.Arg(0)})
		}
		fmt.Printf("restored snapshot %q\n", fs.Arg(0))
		return nil

	case "delete":
		if len(rest) != 1 {
			return fmt.Errorf("usage: cowfsctl snapshot delete <name>")
		}
		if err := eng.SnapshotDelete(ctx, rest[0]); err != nil {
			return err
		}
		if jsonOut {
			return printJSON(map[string]string{"status": "deleted", "snapshot": rest[0]})
		}
		fmt.Printf("deleted snapshot %q\n", rest[0])
		return nil

	default:
		return fmt.Errorf("unknown snapshot subcommand %q", sub)
	}
}

func cmdGC(ctx context.Context, eng *engine.Engine, args []string, jsonOut bool) error {
	fs := flag.NewFlagSet("gc", flag.ContinueOnError)
	keepLast := fs.Int("keep-last", 0, "keep only the N most recent versions per file")
	before := fs.String("before", "", "prune versions created before this RFC3339 timestamp")
	dryRun := fs.Bool("dry-run", false, "report what would be reclaimed without changing anything")
	safetyWindow := fs.Duration("safety-window", 60*time.Second, "minimum age before an unreferenced object is reclaimed")
	debugTrace := fs.Bool("debug", false, "print a phase-by-phase trace of this pass alongside the report")
	if err := fs.Parse(args); err != nil {
		return err
	}

	opts := engine.GCOptions{KeepLast: *keepLast, DryRun: *dryRun}
	if *before != "" {
		cutoff, err := time.Parse(time.RFC3339, *before)
		if err != nil {
			return fmt.Errorf("invalid -before timestamp: %w", err)
		}
		opts.Before = cutoff
	}

	var session *utils.DebugSession
	if *debugTrace {
		const sessionID = "cowfsctl-gc"
		session = utils.GetDebugManager().StartSession(sessionID, []string{"gc"}, 1000)
		ctx = utils.WithContext(ctx, sessionID)
		defer utils.GetDebugManager().StopSession(sessionID)
	}

	report, err := eng.GC(ctx, opts, *safetyWindow)
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(report)
	}
	fmt.Printf("scanned %d objects, reclaimed %d (%d bytes freed), pruned %d versions",
		report.Scanned, report.Reclaimed, report.BytesFreed, report.VersionsPruned)
	if report.DryRun {
		fmt.Print(" [dry run]")
	}
	fmt.Println()

	if session != nil {
		for _, ev := range session.GetEvents() {
			fmt.Printf("  [%s] %s.%s: %s (%v)\n", ev.Timestamp.Format(time.RFC3339), ev.Component, ev.Operation, ev.Message, ev.Duration)
		}
	}
	return nil
}

func cmdStats(ctx context.Context, eng *engine.Engine, jsonOut bool) error {
	stats, err := eng.Stats(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(stats)
	}
	fmt.Printf("format version:   %d\n", stats.FormatVersion)
	fmt.Printf("digest algo:      %s\n", stats.DigestAlgo)
	fmt.Printf("files:            %d\n", stats.TotalFiles)
	fmt.Printf("versions:         %d\n", stats.TotalVersions)
	fmt.Printf("objects:          %d\n", stats.TotalObjects)
	fmt.Printf("orphaned objects: %d\n", stats.OrphanedObjects)
	fmt.Printf("logical size:     %d bytes (%s)\n", stats.LogicalSize, utils.FormatBytes(stats.LogicalSize))
	fmt.Printf("actual size:      %d bytes (%s)\n", stats.ActualSize, utils.FormatBytes(stats.ActualSize))
	fmt.Printf("dedup savings:    %d bytes (%.1f%%)\n", stats.DedupSavings, stats.DedupRatio*100)
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
