// Command tachyond is the headless download-engine process: it loads
// configuration, opens storage and the write-ahead log, recovers any
// in-flight tasks from a previous run, and serves the HTTP/WebSocket
// control surface until an OS signal asks it to stop.
//
// Grounded on the teacher's main.go wiring order (logger, then storage,
// then the engine, then the control server), with the Wails/systray/MCP
// branches removed: this build has no desktop host, so there is exactly
// one mode of operation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"tachyon/internal/api"
	"tachyon/internal/config"
	"tachyon/internal/logger"
	"tachyon/internal/manager"
	"tachyon/internal/netdiskport"
	"tachyon/internal/security"
	"tachyon/internal/storage"
)

const (
	exitOK = iota
	exitConfigError
	exitStorageError
	exitBindError
)

func main() {
	os.Exit(run())
}

func run() int {
	root := flag.String("root", defaultRoot(), "data root directory (downloads/, wal/, data/, logs/ live under here)")
	configPath := flag.String("config", "", "path to the config file (defaults to <root>/tachyon.conf)")
	flag.Parse()

	if *configPath == "" {
		*configPath = filepath.Join(*root, "tachyon.conf")
	}

	if err := manager.EnsureDataDirs(*root); err != nil {
		fmt.Fprintln(os.Stderr, "tachyond: create data directories:", err)
		return exitStorageError
	}

	log, err := logger.New(filepath.Join(*root, "logs"), os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tachyond: init logger:", err)
		return exitStorageError
	}

	cfg, err := config.Load(*configPath, filepath.Join(*root, "downloads"))
	if err != nil {
		log.Error("tachyond: load config", "error", err)
		return exitConfigError
	}

	st, err := storage.NewStorage(filepath.Join(*root, "data"))
	if err != nil {
		log.Error("tachyond: open storage", "error", err)
		return exitStorageError
	}
	defer st.Close()

	// The real netdisk client (authenticated listing/URL resolution
	// against the upstream service) is the inbound dependency at this
	// boundary and is out of scope here (spec §1): the engine only
	// consumes netdiskport.Port, it does not implement one.
	port := netdiskport.NewFake()

	walPath := filepath.Join(*root, "wal", "manager.wal")
	mgr, err := manager.New(log, st, walPath, port, manager.Config{
		DownloadDir:        cfg.Download.DownloadDir,
		MaxConcurrentTasks: cfg.Download.MaxConcurrentTasks,
		MaxRetries:         cfg.Download.MaxRetries,
		SlotCapacity:       cfg.Download.MaxGlobalThreads,
	})
	if err != nil {
		log.Error("tachyond: init manager", "error", err)
		return exitStorageError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr.Start(ctx)
	if err := mgr.Recover(); err != nil {
		log.Error("tachyond: recover from wal", "error", err)
		return exitStorageError
	}
	log.Info("tachyond: manager ready", "root", *root)

	audit, err := security.NewAuditLogger(log, filepath.Join(*root, "logs", "access.log"))
	if err != nil {
		log.Warn("tachyond: open access log", "error", err)
	} else {
		defer audit.Close()
	}

	srv := api.New(mgr, cfg.Server, log, audit)
	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErrCh:
		if err != nil {
			log.Error("tachyond: http server", "error", err)
			mgr.Shutdown()
			return exitBindError
		}
	case <-ctx.Done():
		log.Info("tachyond: shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("tachyond: http server shutdown", "error", err)
	}
	if err := mgr.Shutdown(); err != nil {
		log.Warn("tachyond: manager shutdown", "error", err)
	}

	return exitOK
}

func defaultRoot() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tachyon")
	}
	return "./tachyon-data"
}
