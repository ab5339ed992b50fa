package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwygoda/snatcher/internal/adapter/archive"
	httpAdapter "github.com/cwygoda/snatcher/internal/adapter/http"
	"github.com/cwygoda/snatcher/internal/adapter/sqlite"
	"github.com/cwygoda/snatcher/internal/adapter/ytdlp"
	"github.com/cwygoda/snatcher/internal/config"
	"github.com/cwygoda/snatcher/internal/manager"
	"github.com/cwygoda/snatcher/internal/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	log.Printf("starting snatcher on %s", cfg.Addr)
	log.Printf("database: %s", cfg.DBPath)
	log.Printf("download dir: %s", cfg.DownloadDir)
	log.Printf("max concurrency: %d", cfg.MaxConcurrency)

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}
	defer store.Close()

	arc, err := archive.Open(cfg.ArchiveDir)
	if err != nil {
		log.Fatalf("failed to open download archive: %v", err)
	}
	defer arc.Close()

	runner := ytdlp.NewRunner(ytdlp.Options{
		Path:      cfg.YTDLP.Path,
		Proxy:     cfg.YTDLP.Proxy,
		ExtraArgs: cfg.YTDLP.ExtraArgs,
	}, cfg.Grace())

	mgr := manager.New(runner, arc, store, manager.Config{
		MaxConcurrency: cfg.MaxConcurrency,
		Policy: retry.Policy{
			MaxRetries: cfg.MaxRetries,
			Base:       cfg.BackoffBase(),
			Cap:        cfg.BackoffCap(),
		},
		ProgressInterval: cfg.ProgressInterval(),
	})

	if stale, err := store.Stale(context.Background()); err == nil && stale > 0 {
		log.Printf("found %d interrupted job(s) from previous run", stale)
	}
	if err := mgr.Restore(context.Background()); err != nil {
		log.Printf("warning: failed to restore jobs: %v", err)
	}

	srv := httpAdapter.NewServer(mgr, cfg.Addr, cfg.DownloadDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("HTTP server listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	sig := <-sigCh
	log.Printf("received signal %v, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	mgr.Close()
	log.Println("shutdown complete")
}
