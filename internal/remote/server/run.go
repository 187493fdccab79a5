package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/isaacmuchunu/offsync/internal/remote/entitystore"
)

// EntitiesFile is the entity database name inside the data directory.
const EntitiesFile = "entities.db"

// RunConfig describes a standalone server process.
type RunConfig struct {
	Listen        string
	DataDir       string
	TLSCert       string
	TLSKey        string
	PruneInterval time.Duration
	Server        *ServerConfig
}

// Run opens the entity store under DataDir and serves until ctx is done,
// then drains in-flight requests for up to 30 seconds.
func Run(ctx context.Context, rc RunConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if rc.Server == nil {
		rc.Server = DefaultServerConfig()
	}

	if err := os.MkdirAll(rc.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", rc.DataDir, err)
	}
	store, err := entitystore.NewBboltStore(filepath.Join(rc.DataDir, EntitiesFile))
	if err != nil {
		return err
	}
	defer store.Close()

	h, handlerCleanup := Handler(store, rc.Server, logger)
	defer handlerCleanup()

	srv := &http.Server{
		Addr:              rc.Listen,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      time.Minute,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return context.Background() },
	}

	pruneCtx, stopPruner := context.WithCancel(ctx)
	defer stopPruner()
	go RunPruner(pruneCtx, store, rc.Server.IdempotencyTTL, rc.PruneInterval, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting offsync-server", "listen", rc.Listen, "data_dir", rc.DataDir,
			"auth", rc.Server.Auth != nil, "tls", rc.TLSCert != "")
		var err error
		if rc.TLSCert != "" && rc.TLSKey != "" {
			err = srv.ListenAndServeTLS(rc.TLSCert, rc.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("server stopped")
	return nil
}
