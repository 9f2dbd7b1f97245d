// Package cowfs wires the object store, metadata index, write buffer,
// FUSE operation handler, and monitoring stack together into one
// running daemon. This is the only package that constructs all of
// those pieces from a single internal/config.Configuration; cmd/cowfsd
// is a thin flag-parsing shell around it.
package cowfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cowfs/cowfs/internal/buffer"
	"github.com/cowfs/cowfs/internal/cache"
	"github.com/cowfs/cowfs/internal/config"
	"github.com/cowfs/cowfs/internal/engine"
	"github.com/cowfs/cowfs/internal/fuse"
	"github.com/cowfs/cowfs/internal/health"
	"github.com/cowfs/cowfs/internal/metadata"
	"github.com/cowfs/cowfs/internal/metrics"
	"github.com/cowfs/cowfs/internal/store"
	"github.com/cowfs/cowfs/pkg/api"
	pkghealth "github.com/cowfs/cowfs/pkg/health"
	"github.com/cowfs/cowfs/pkg/memmon"
	"github.com/cowfs/cowfs/pkg/recovery"
	"github.com/cowfs/cowfs/pkg/status"
	"github.com/cowfs/cowfs/pkg/utils"
)

// Daemon owns every long-lived component of a mounted COWFS instance.
type Daemon struct {
	config *config.Configuration

	store  *store.Store
	index  *metadata.Index
	buffer *buffer.WriteBuffer
	engine *engine.Engine

	fsys       *fuse.FileSystem
	mountMgr   *fuse.MountManager
	collector  *metrics.Collector
	checker    *health.Checker
	monitor    *health.Monitor
	remediator *health.RemediationEngine
	healthTrk  *pkghealth.Tracker
	statusTrk  *status.Tracker
	apiServer  *api.Server
	dbConn     *recovery.ConnectionManager
	memMon     *memmon.MemoryMonitor
	logger     *utils.StructuredLogger
}

// dbFileName and objectsSubdir name the two on-disk children of a
// backend directory. The object store is rooted at objects/, so its
// format marker is objects/.cowfs and its blobs live under
// objects/objects/<xx>/<rest>; the backend directory itself carries
// no marker.
const (
	dbFileName    = "metadata.db"
	objectsSubdir = "objects"
)

// New opens (initializing if necessary) the backend directory named by
// cfg.Mount.Backend and constructs every component that operates on
// it, without mounting or starting background servers yet.
func New(cfg *config.Configuration) (*Daemon, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	backend := cfg.Mount.Backend
	if backend == "" {
		return nil, fmt.Errorf("mount.backend is required")
	}

	objectsPath := filepath.Join(backend, objectsSubdir)
	if _, err := os.Stat(filepath.Join(objectsPath, ".cowfs")); os.IsNotExist(err) {
		if err := store.Init(objectsPath, cfg.Store.DigestAlgo); err != nil {
			return nil, fmt.Errorf("failed to initialize backend: %w", err)
		}
	}

	st, err := store.Open(objectsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open backend: %w", err)
	}

	idx, err := metadata.Open(filepath.Join(backend, dbFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata index: %w", err)
	}

	logLevel, err := utils.ParseLogLevel(cfg.Global.LogLevel)
	if err != nil {
		logLevel = utils.INFO
	}
	loggerCfg := utils.DefaultStructuredLoggerConfig()
	loggerCfg.Level = logLevel
	if cfg.Global.LogFile != "" {
		// LogRotator opens and owns cfg.Global.LogFile itself, so there
		// is no separate os.OpenFile here.
		loggerCfg.Rotation = &utils.RotationConfig{
			Filename:   cfg.Global.LogFile,
			MaxSize:    int64(cfg.Global.LogMaxSizeMB),
			MaxAge:     cfg.Global.LogMaxAgeDays,
			MaxBackups: cfg.Global.LogMaxBackups,
			Compress:   cfg.Global.LogCompress,
			LocalTime:  true,
		}
	}
	logger, err := utils.NewStructuredLogger(loggerCfg)
	if err != nil {
		idx.Close()
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	utils.GetDebugManager().SetLogger(logger)

	if cfg.Cache.MaxSize != "" {
		st.EnableCache(&cache.CacheConfig{
			MaxSize:    parseSizeOrDefault(cfg.Cache.MaxSize, 256<<20),
			MaxEntries: cfg.Cache.MaxEntries,
			TTL:        cfg.Cache.TTL,
		})
	}

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
		_, err = idx.CommitVersion(ctx, inodeID, digest, int64(len(data)), st.Algo())
		return err
	}

	bufCfg := &buffer.Config{
		MaxBufferSize: parseSizeOrDefault(cfg.WriteBuffer.MaxMemory, buffer.DefaultConfig().MaxBufferSize),
		MaxBuffers:    cfg.WriteBuffer.MaxBuffers,
		IdleTimeout:   cfg.WriteBuffer.FlushInterval,
	}
	wb := buffer.New(bufCfg, seed, flush)

	statusTrk := status.NewTracker(status.DefaultTrackerConfig())
	eng := engine.New(st, idx, statusTrk)

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:        cfg.Monitoring.Metrics.Enabled,
		Port:           cfg.Global.MetricsPort,
		Path:           "/metrics",
		Namespace:      "cowfs",
		UpdateInterval: 30 * time.Second,
		Labels:         cfg.Monitoring.Metrics.CustomLabels,
		CacheSizeFunc:  st.CacheSize,
	})
	if err != nil {
		idx.Close()
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}

	fsCfg := fuse.DefaultConfig()
	fsCfg.MountPoint = cfg.Mount.MountPoint
	fsCfg.ReadOnly = cfg.Mount.ReadOnly
	fsCfg.AllowOther = cfg.Mount.AllowOther
	fsCfg.Debug = cfg.Mount.Debug
	fsys := fuse.NewFileSystem(st, idx, wb, collector, fsCfg, logger)

	mountMgr := fuse.NewMountManager(fsys, &fuse.MountConfig{
		MountPoint: cfg.Mount.MountPoint,
		Options: &fuse.MountOptions{
			ReadOnly:     cfg.Mount.ReadOnly,
			AllowOther:   cfg.Mount.AllowOther,
			DefaultPerms: true,
			MaxRead:      128 * 1024,
			MaxWrite:     128 * 1024,
			Debug:        cfg.Mount.Debug,
			FSName:       "cowfs",
			Subtype:      "cowfs",
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
		},
	})

	checker, err := health.NewChecker(&health.Config{
		Enabled:          cfg.Monitoring.HealthChecks.Enabled,
		CheckInterval:    cfg.Monitoring.HealthChecks.Interval,
		Timeout:          cfg.Monitoring.HealthChecks.Timeout,
		MaxFailures:      3,
		FailureWindow:    5 * time.Minute,
		RecoveryRequired: 2,
	})
	if err != nil {
		idx.Close()
		return nil, fmt.Errorf("failed to create health checker: %w", err)
	}
	registerChecks(checker, st, idx)

	monitor, err := health.NewMonitor(nil)
	if err != nil {
		idx.Close()
		return nil, fmt.Errorf("failed to create health monitor: %w", err)
	}

	memCfg := memmon.DefaultMonitorConfig()
	memCfg.Logger = logger
	memCfg.OnAlert = func(alert memmon.MemoryAlert) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = wb.FlushAll(ctx)
		st.ShrinkCache(st.CacheSize() / 2)
	}
	memMon := memmon.NewMemoryMonitor(memCfg)

	d := &Daemon{
		config:     cfg,
		store:      st,
		index:      idx,
		buffer:     wb,
		engine:     eng,
		fsys:       fsys,
		mountMgr:   mountMgr,
		collector:  collector,
		checker:    checker,
		monitor:    monitor,
		memMon:     memMon,
		remediator: health.NewRemediationEngine(),
		healthTrk:  pkghealth.NewTracker(pkghealth.DefaultConfig()),
		statusTrk:  statusTrk,
		logger:     logger,
	}

	d.apiServer = api.NewServer(api.ServerConfig{
		Address:       fmt.Sprintf(":%d", cfg.Global.HealthPort),
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		IdleTimeout:   60 * time.Second,
		EnableCORS:    true,
		EnableMetrics: cfg.Monitoring.Metrics.Enabled,
	}, d.statusTrk, d.healthTrk, logger)

	d.healthTrk.RegisterComponent("store")
	d.healthTrk.RegisterComponent("metadata")
	d.healthTrk.RegisterComponent("fuse")

	d.dbConn = recovery.NewConnectionManager("metadata-index", recovery.DefaultConnectionConfig(), idx.HealthCheck)
	d.dbConn.MarkConnected()

	return d, nil
}

// registerChecks wires the two checks that matter before a mount can
// serve traffic: the object store can still stat a blob path (a
// missing blob is not an error; the format marker is not re-read),
// and the metadata index still answers a query.
func registerChecks(checker *health.Checker, st *store.Store, idx *metadata.Index) {
	_ = checker.RegisterCheck("backend_storage", "backend object directory reachable",
		health.CategoryStorage, health.PriorityCritical, func(ctx context.Context) error {
			_, err := st.Exists(ctx, st.EmptyDigest())
			return err
		})
	_ = checker.RegisterCheck("metadata_index", "metadata index accepts a query",
		health.CategoryCore, health.PriorityCritical, func(ctx context.Context) error {
			return idx.HealthCheck(ctx)
		})
}

// Engine exposes the version/snapshot/GC engine for callers that want
// to drive it without a mount, e.g. an in-process admin path.
func (d *Daemon) Engine() *engine.Engine { return d.engine }

// Start mounts the filesystem and brings up the metrics, health, and
// monitoring HTTP servers. It returns once the mount has been
// established; servers and the FUSE session continue running in the
// background.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.mountMgr.Mount(ctx); err != nil {
		return fmt.Errorf("failed to mount: %w", err)
	}

	if d.config.Monitoring.Metrics.Enabled {
		go func() {
			if err := d.collector.Start(ctx); err != nil {
				d.healthTrk.RecordError("store", err)
			}
		}()
	}

	if d.config.Monitoring.HealthChecks.Enabled {
		if err := d.checker.Start(ctx); err != nil {
			return fmt.Errorf("failed to start health checker: %w", err)
		}
	}

	if err := d.memMon.Start(ctx); err != nil {
		return fmt.Errorf("failed to start memory monitor: %w", err)
	}

	d.apiServer.StartBackground()

	return nil
}

// Stop unmounts the filesystem, flushes any buffered writes, and
// shuts down the metrics/health/API servers in reverse dependency
// order: FUSE first (so no new writes arrive), buffer second (so they
// land before the store closes), then the index and servers.
func (d *Daemon) Stop(ctx context.Context) error {
	var firstErr error
	recordErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if d.mountMgr.IsMounted() {
		recordErr(d.mountMgr.Unmount())
	}
	recordErr(d.buffer.FlushAll(ctx))
	_ = d.checker.Stop()
	_ = d.memMon.Stop()
	recordErr(d.apiServer.Shutdown(ctx))
	recordErr(d.collector.Stop(ctx))
	_ = d.dbConn.Close()
	recordErr(d.index.Close())
	_ = d.logger.Close()

	return firstErr
}

// Wait blocks until the FUSE session exits.
func (d *Daemon) Wait() {
	d.mountMgr.Wait()
}

// parseSizeOrDefault parses a "512MB"-style size string, falling back
// to def on any parse failure or empty input.
// parseSizeOrDefault parses a human-readable byte size ("512MB", "1GB",
// "2048", "4KB") via utils.ParseBytes, falling back to def on an empty
// or malformed string rather than failing daemon startup over it.
func parseSizeOrDefault(s string, def int64) int64 {
	if s == "" {
		return def
	}
	n, err := utils.ParseBytes(s)
	if err != nil {
		return def
	}
	return n
}
