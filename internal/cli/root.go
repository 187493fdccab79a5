// Package cli implements the command-line interface for offsync.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/isaacmuchunu/offsync/internal/config"
	"github.com/isaacmuchunu/offsync/internal/connectivity"
	"github.com/isaacmuchunu/offsync/internal/core"
	"github.com/isaacmuchunu/offsync/internal/logging"
	"github.com/isaacmuchunu/offsync/internal/notify"
	"github.com/isaacmuchunu/offsync/internal/remote"
	"github.com/isaacmuchunu/offsync/internal/store"
	"github.com/isaacmuchunu/offsync/internal/weaviate"
	"github.com/spf13/cobra"
)

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config   *config.Config
	Backend  store.Backend
	Engine   *core.Engine
	Poller   *connectivity.Poller
	Logger   *slog.Logger
	notifier *notify.WebhookNotifier
}

// Close waits for webhook deliveries and releases the store.
func (c *cmdContext) Close() {
	if c.notifier != nil {
		c.notifier.Wait()
	}
	if c.Backend != nil {
		c.Backend.Close()
	}
}

// globalLogLevel overrides log.level from the config when set.
var globalLogLevel string

func newLogger(cfg *config.Config) *slog.Logger {
	level := cfg.Log.Level
	if globalLogLevel != "" {
		level = globalLogLevel
	}
	return logging.New(level, cfg.Log.Format, os.Stderr)
}

// initContext loads the config, opens the store, wires the remote adapter
// and connectivity, and initializes the engine.
func initContext() *cmdContext {
	cfg, err := config.Load()
	if err != nil {
		exitError("%v", err)
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	backend, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		exitError("failed to open store: %v", err)
	}
	c := &cmdContext{Config: cfg, Backend: backend, Logger: logger}

	adapter, err := buildAdapter(cfg, logger)
	if err != nil {
		c.Close()
		exitError("%v", err)
	}

	// Offline until the first probe says otherwise.
	monitor := connectivity.NewMonitor(false, logger)
	if p, ok := adapter.(remote.Pinger); ok {
		c.Poller = connectivity.NewPoller(monitor, p,
			cfg.Connectivity.ProbeInterval.Std(), cfg.Connectivity.ProbeTimeout.Std(), logger)
	} else {
		monitor.Set(true)
	}

	var observers []core.Observer
	c.notifier = notify.NewWebhookNotifier(&notify.WebhookConfig{
		URLs:      cfg.Notify.WebhookURLs,
		DeviceID:  cfg.Remote.DeviceID,
		AllPasses: cfg.Notify.AllPasses,
	}, logger)
	if c.notifier != nil {
		observers = append(observers, c.notifier)
	}

	policy, err := cfg.Conflict.Policy()
	if err != nil {
		c.Close()
		exitError("%v", err)
	}
	queueOpts := cfg.QueueOptions()
	queueOpts.Logger = logger

	engine, err := core.New(core.Deps{
		Backend:   backend,
		Adapter:   adapter,
		Monitor:   monitor,
		Poller:    c.Poller,
		Observers: observers,
	}, core.Options{
		BatchSize:   cfg.Sync.BatchSize,
		Interval:    cfg.Sync.Interval.Std(),
		CallTimeout: cfg.Sync.CallTimeout.Std(),
		Queue:       queueOpts,
		Policy:      policy,
		Logger:      logger,
	})
	if err != nil {
		c.Close()
		exitError("%v", err)
	}
	if err := engine.Init(ctx); err != nil {
		c.Close()
		exitError("failed to load queue: %v", err)
	}
	c.Engine = engine
	return c
}

// probe runs one connectivity check and reports the result.
func (c *cmdContext) probe(ctx context.Context) bool {
	if c.Poller == nil {
		return c.Engine.Monitor().Online()
	}
	return c.Poller.Probe(ctx)
}

// buildAdapter connects to the configured system of record.
func buildAdapter(cfg *config.Config, logger *slog.Logger) (remote.Adapter, error) {
	if cfg.Remote.URL == "" {
		return nil, fmt.Errorf("no remote configured, run 'offsync remote set-url <url>'")
	}

	retry := remote.DefaultRetryConfig()
	retry.MaxRetries = cfg.Remote.ReadRetries

	switch cfg.Remote.Kind {
	case config.RemoteWeaviate:
		client, err := weaviate.NewClient(cfg.Remote.URL, cfg.Remote.Token)
		if err != nil {
			return nil, err
		}
		return remote.NewRetryAdapter(weaviate.NewAdapter(client, logger), retry), nil
	default:
		var tokens remote.TokenSource
		switch {
		case cfg.Remote.JWTSecret != "":
			userID := cfg.Remote.UserID
			if userID == "" {
				userID = cfg.Remote.DeviceID
			}
			tokens = remote.NewJWTTokenSource(cfg.Remote.JWTSecret, userID, cfg.Remote.DeviceID, time.Hour)
		case cfg.Remote.Token != "":
			tokens = remote.StaticToken(cfg.Remote.Token)
		}
		client := remote.NewHTTPClient(cfg.Remote.URL, tokens, cfg.Remote.DeviceID)
		return remote.NewRetryAdapter(client, retry), nil
	}
}

var rootCmd = &cobra.Command{
	Use:   "offsync",
	Short: "Offline-first sync engine",
	Long: `offsync queues local mutations while a device is offline and replays them
against a remote system of record when connectivity returns. Conflicting
remote edits are detected and resolved by policy or held for a person.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalLogLevel, "log-level", "",
		"Override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(deadLetterCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(remoteCmd)
	rootCmd.AddCommand(serverCmd)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// shortIDLen covers the random tail of a UUID. Operation ids are UUIDv7,
// whose leading characters are a millisecond timestamp shared by
// operations queued close together.
const shortIDLen = 12

// shortID returns the last 12 characters of an ID.
func shortID(id string) string {
	if len(id) > shortIDLen {
		return id[len(id)-shortIDLen:]
	}
	return id
}

// envOrDefault returns the value of the environment variable key, or defaultVal if unset.
func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
