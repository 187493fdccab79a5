// Command offsync-server runs the offsync reference sync server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/isaacmuchunu/offsync/internal/logging"
	"github.com/isaacmuchunu/offsync/internal/remote/server"
)

func main() {
	listen := flag.String("listen", envOrDefault("OFFSYNC_LISTEN", "0.0.0.0:8780"), "Listen address")
	dataDir := flag.String("data-dir", envOrDefault("OFFSYNC_DATA_DIR", "/var/lib/offsync-server"), "Data directory")
	adminToken := flag.String("admin-token", os.Getenv("OFFSYNC_ADMIN_TOKEN"), "Admin API token")
	jwtSecret := flag.String("jwt-secret", os.Getenv("OFFSYNC_JWT_SECRET"), "Secret for device JWTs")
	token := flag.String("token", os.Getenv("OFFSYNC_TOKEN"), "Static bearer token shared by all devices")
	rateLimit := flag.Int("rate-limit", 600, "Requests per minute per device")
	idempotencyTTL := flag.Duration("idempotency-ttl", server.DefaultIdempotencyTTL, "How long create results stay replayable")
	pruneInterval := flag.Duration("prune-interval", time.Hour, "Interval between idempotency prunes")
	logLevel := flag.String("log-level", envOrDefault("OFFSYNC_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", envOrDefault("OFFSYNC_LOG_FORMAT", "json"), "Log format (json, text)")
	tlsCert := flag.String("tls-cert", os.Getenv("OFFSYNC_TLS_CERT"), "TLS certificate file")
	tlsKey := flag.String("tls-key", os.Getenv("OFFSYNC_TLS_KEY"), "TLS key file")
	flag.Parse()

	logger := logging.New(*logLevel, *logFormat, os.Stdout)

	// Server config
	cfg := server.DefaultServerConfig()
	cfg.AdminToken = *adminToken
	cfg.JWTSecret = *jwtSecret
	cfg.RequestsPerMinute = *rateLimit
	cfg.IdempotencyTTL = *idempotencyTTL
	switch {
	case *jwtSecret != "":
		cfg.Auth = server.NewJWTAuthenticator(*jwtSecret)
	case *token != "":
		cfg.Auth = server.StaticAuthenticator(*token)
	default:
		logger.Warn("no device authentication configured, entity API is open")
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := server.Run(ctx, server.RunConfig{
		Listen:        *listen,
		DataDir:       *dataDir,
		TLSCert:       *tlsCert,
		TLSKey:        *tlsKey,
		PruneInterval: *pruneInterval,
		Server:        cfg,
	}, logger)
	if err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
