package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/isaacmuchunu/offsync/internal/logging"
	"github.com/isaacmuchunu/offsync/internal/remote"
	"github.com/isaacmuchunu/offsync/internal/remote/server"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run or administer the reference sync server",
	Long:  "Commands for running the offsync reference server and managing a running instance.",
}

var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the reference sync server",
	Long: `Start an HTTP server that stores entities in a bbolt database and serves
the entity API offsync devices sync against.

Devices authenticate with JWTs signed by --jwt-secret, or with a single
--token shared by every device. Without either, the API is open.`,
	Run: runServerStart,
}

var (
	serverListen     string
	serverDataDir    string
	serverJWTSecret  string
	serverToken      string
	serverLogLevel   string
	serverLogFormat  string
	serverTLSCert    string
	serverTLSKey     string
	serverAdminURL   string
	serverAdminToken string
)

// --- offsync server token ---

var serverTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue device tokens",
	Long:  "Commands for minting device tokens on a running server configured with a JWT secret.",
}

var serverTokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a device token",
	Run:   runServerTokenIssue,
}

var serverGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Prune cached create results",
	Long: `Remove idempotency records older than --older-than. A device replaying a
create after its record was pruned gets a conflict instead of the original result.`,
	Run: runServerGC,
}

var (
	serverTokenUser   string
	serverTokenDevice string
	serverTokenTTL    time.Duration
	serverGCOlderThan time.Duration
)

func init() {
	serverCmd.AddCommand(serverStartCmd, serverTokenCmd, serverGCCmd)
	serverTokenCmd.AddCommand(serverTokenIssueCmd)

	f := serverStartCmd.Flags()
	f.StringVar(&serverListen, "listen", envOrDefault("OFFSYNC_LISTEN", "127.0.0.1:8780"), "Listen address (host:port)")
	f.StringVar(&serverDataDir, "data-dir", envOrDefault("OFFSYNC_DATA_DIR", defaultDataDir()), "Data directory")
	f.StringVar(&serverJWTSecret, "jwt-secret", os.Getenv("OFFSYNC_JWT_SECRET"), "Secret for device JWTs (env: OFFSYNC_JWT_SECRET)")
	f.StringVar(&serverToken, "token", os.Getenv("OFFSYNC_TOKEN"), "Static bearer token shared by all devices (env: OFFSYNC_TOKEN)")
	f.StringVar(&serverLogLevel, "log-level", envOrDefault("OFFSYNC_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	f.StringVar(&serverLogFormat, "log-format", envOrDefault("OFFSYNC_LOG_FORMAT", "json"), "Log format (json, text)")
	f.StringVar(&serverTLSCert, "tls-cert", os.Getenv("OFFSYNC_TLS_CERT"), "TLS certificate file")
	f.StringVar(&serverTLSKey, "tls-key", os.Getenv("OFFSYNC_TLS_KEY"), "TLS key file")

	// Shared admin connection flags. Both parents bind the same package-level
	// vars; only one command path executes at runtime.
	for _, cmd := range []*cobra.Command{serverTokenCmd, serverGCCmd} {
		cmd.PersistentFlags().StringVar(&serverAdminURL, "url",
			envOrDefault("OFFSYNC_SERVER_URL", ""),
			"Server base URL (env: OFFSYNC_SERVER_URL)")
		cmd.PersistentFlags().StringVar(&serverAdminToken, "admin-token",
			os.Getenv("OFFSYNC_ADMIN_TOKEN"),
			"Admin token (env: OFFSYNC_ADMIN_TOKEN)")
	}

	tf := serverTokenIssueCmd.Flags()
	tf.StringVar(&serverTokenUser, "user", "", "User id (required)")
	tf.StringVar(&serverTokenDevice, "device", "", "Device id (required)")
	tf.DurationVar(&serverTokenTTL, "ttl", 24*time.Hour, "Token lifetime")

	serverGCCmd.Flags().DurationVar(&serverGCOlderThan, "older-than", 0,
		"Prune records older than this (default: the server's retention)")
}

func runServerStart(_ *cobra.Command, _ []string) {
	logger := logging.New(serverLogLevel, serverLogFormat, os.Stdout)

	cfg := server.DefaultServerConfig()
	cfg.AdminToken = os.Getenv("OFFSYNC_ADMIN_TOKEN")
	cfg.JWTSecret = serverJWTSecret
	switch {
	case serverJWTSecret != "":
		cfg.Auth = server.NewJWTAuthenticator(serverJWTSecret)
	case serverToken != "":
		cfg.Auth = server.StaticAuthenticator(serverToken)
	default:
		logger.Warn("no device authentication configured, entity API is open")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := server.Run(ctx, server.RunConfig{
		Listen:  serverListen,
		DataDir: serverDataDir,
		TLSCert: serverTLSCert,
		TLSKey:  serverTLSKey,
		Server:  cfg,
	}, logger)
	if err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// defaultDataDir returns the default server data directory (~/.offsync-server).
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/offsync-server"
	}
	return filepath.Join(home, ".offsync-server")
}

// resolveAdminClient builds an AdminClient from the package-level admin flag vars.
func resolveAdminClient() *remote.AdminClient {
	if serverAdminURL == "" {
		exitError("--url or OFFSYNC_SERVER_URL is required")
	}
	if serverAdminToken == "" {
		exitError("--admin-token or OFFSYNC_ADMIN_TOKEN is required")
	}
	c := remote.NewAdminClient(serverAdminURL, serverAdminToken)
	if c.Insecure() {
		color.New(color.FgYellow).Fprintln(os.Stderr, "warning: sending the admin token over plain http")
	}
	return c
}

func runServerTokenIssue(_ *cobra.Command, _ []string) {
	if serverTokenUser == "" || serverTokenDevice == "" {
		exitError("--user and --device are required")
	}
	c := resolveAdminClient()

	resp, err := c.IssueToken(context.Background(), serverTokenUser, serverTokenDevice, serverTokenTTL)
	if err != nil {
		exitError("%v", err)
	}

	green := color.New(color.FgGreen)
	fmt.Println("Token issued.")
	fmt.Printf("  User:    %s\n", serverTokenUser)
	fmt.Printf("  Device:  %s\n", serverTokenDevice)
	fmt.Printf("  Expires: %s\n", resp.ExpiresAt.Local().Format(time.DateTime))
	fmt.Println()
	green.Printf("Token: %s\n", resp.Token)
}

func runServerGC(_ *cobra.Command, _ []string) {
	c := resolveAdminClient()

	resp, err := c.PruneIdempotency(context.Background(), serverGCOlderThan)
	if err != nil {
		exitError("%v", err)
	}
	fmt.Printf("Pruned %d idempotency records older than %s\n",
		resp.Removed, resp.Cutoff.Local().Format(time.DateTime))
}
