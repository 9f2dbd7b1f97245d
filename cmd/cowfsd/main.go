// Command cowfsd mounts a COWFS backend directory as a FUSE filesystem
// and serves it until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cowfs/cowfs/internal/config"
	"github.com/cowfs/cowfs/internal/cowfs"
	"github.com/cowfs/cowfs/pkg/utils"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML configuration file")
		backend    = flag.String("backend", "", "backend directory (overrides config)")
		mountPoint = flag.String("mount", "", "mount point (overrides config)")
		readOnly   = flag.Bool("read-only", false, "mount read-only")
		allowOther = flag.Bool("allow-other", false, "allow other users to access the mount")
	)
	flag.Parse()

	if err := run(*configPath, *backend, *mountPoint, *readOnly, *allowOther); err != nil {
		fmt.Fprintln(os.Stderr, "cowfsd:", err)
		os.Exit(1)
	}
}

func run(configPath, backend, mountPoint string, readOnly, allowOther bool) error {
	cfg := config.NewDefault()
	if configPath != "" {
		if err := cfg.LoadFromFile(configPath); err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return fmt.Errorf("loading env overrides: %w", err)
	}
	if backend != "" {
		cfg.Mount.Backend = backend
	}
	if mountPoint != "" {
		cfg.Mount.MountPoint = mountPoint
	}
	if readOnly {
		cfg.Mount.ReadOnly = true
	}
	if allowOther {
		cfg.Mount.AllowOther = true
	}

	if cfg.Mount.Backend == "" {
		return fmt.Errorf("a backend directory is required (-backend or mount.backend in config)")
	}
	if cfg.Mount.MountPoint == "" {
		return fmt.Errorf("a mount point is required (-mount or mount.mount_point in config)")
	}

	// The daemon's subsystems log through the structured logger built
	// from this same config; this just points the bootstrap/shutdown
	// lines below (which run before and after the daemon exists) at the
	// same level and destination.
	if err := utils.SetupLogging(cfg.Global.LogLevel, cfg.Global.LogFile); err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}

	daemon, err := cowfs.New(cfg)
	if err != nil {
		return fmt.Errorf("initializing daemon: %w", err)
	}

	ctx := context.Background()
	if err := daemon.Start(ctx); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	log.Printf("cowfsd: mounted %s at %s", cfg.Mount.Backend, cfg.Mount.MountPoint)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		daemon.Wait()
		close(done)
	}()

	select {
	case <-sigCh:
		log.Printf("cowfsd: received shutdown signal, unmounting")
	case <-done:
		log.Printf("cowfsd: FUSE session ended")
	}

	return daemon.Stop(context.Background())
}
