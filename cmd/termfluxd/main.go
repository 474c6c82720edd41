// termfluxd serves browser terminal sessions and runs workflow workers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/termflux/termflux/internal/cache"
	"github.com/termflux/termflux/internal/config"
	"github.com/termflux/termflux/internal/docker"
	"github.com/termflux/termflux/internal/gateway"
	"github.com/termflux/termflux/internal/logging"
	"github.com/termflux/termflux/internal/provisioner"
	"github.com/termflux/termflux/internal/secrets"
	"github.com/termflux/termflux/internal/store"
	"github.com/termflux/termflux/internal/workflow"
)

const orphanCleanupInterval = time.Hour

func main() {
	configPath := flag.String("config", "termflux.yaml", "path to the config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "termfluxd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, cfg.DevLogging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	drv, err := docker.NewClient()
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer drv.Close()
	if err := drv.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	c, err := cache.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer c.Close()

	if cfg.Secrets.MasterKey == "" {
		return errors.New("secrets master key is required; set TERMFLUX_MASTER_KEY")
	}
	vault, err := secrets.New(cfg.Secrets.MasterKey, st, drv, log.Named("secrets"))
	if err != nil {
		return err
	}

	prov := provisioner.New(drv, c, st, vault, provisioner.Defaults{
		Image:     cfg.Docker.Image,
		CPUCores:  cfg.Docker.DefaultCPUCores,
		MemoryMiB: cfg.Docker.DefaultMemoryMiB,
		DiskMiB:   cfg.Docker.DefaultDiskMiB,
	}, log.Named("provisioner"))

	queue := workflow.NewQueue(c.Client())
	engine := workflow.New(drv, st, queue, cfg.Workflows.Concurrency, log.Named("workflow"))
	engineCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()
	engine.Start(engineCtx)

	gw := gateway.New(drv, c, st, log.Named("gateway"))

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Mount("/", gw.Router())

	go reapOrphans(ctx, prov, log)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		stopEngine()
		engine.Wait()
		return err
	}

	// Teardown mirrors startup in reverse: stop accepting traffic, close
	// live terminals, drain workflow workers, then release the backends
	// via the deferred closes above.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = gw.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	stopEngine()
	engine.Wait()
	log.Info("shutdown complete")
	return nil
}

// reapOrphans periodically removes managed containers that lost their
// workspace row, keeping volumes for manual recovery.
func reapOrphans(ctx context.Context, prov *provisioner.Provisioner, log *zap.Logger) {
	ticker := time.NewTicker(orphanCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := prov.CleanupOrphans(ctx, orphanCleanupInterval)
			if err != nil {
				log.Warn("orphan cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("removed orphaned containers", zap.Int("count", n))
			}
		}
	}
}
