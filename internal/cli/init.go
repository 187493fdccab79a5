package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/isaacmuchunu/offsync/internal/config"
	"github.com/isaacmuchunu/offsync/internal/store"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new offsync device directory",
	Long: `Initialize offsync in the current directory.
This creates a .offsync directory holding the configuration and the
durable operation queue.`,
	Run: runInit,
}

var (
	initURL      string
	initKind     string
	initDeviceID string
	initDriver   string
	initDSN      string
)

func init() {
	f := initCmd.Flags()
	f.StringVar(&initURL, "url", "http://localhost:8780", "Remote system of record URL")
	f.StringVar(&initKind, "kind", config.RemoteHTTP, "Remote kind: http or weaviate")
	f.StringVar(&initDeviceID, "device-id", "", "Device identifier (default: random)")
	f.StringVar(&initDriver, "driver", store.DriverBolt, "Queue store driver: bbolt, sqlite or postgres")
	f.StringVar(&initDSN, "dsn", os.Getenv("OFFSYNC_DSN"), "PostgreSQL connection string (env: OFFSYNC_DSN)")
}

func runInit(cmd *cobra.Command, args []string) {
	cwd, err := os.Getwd()
	if err != nil {
		exitError("%v", err)
	}
	if _, err := config.FindRoot(cwd); err == nil {
		exitError("offsync directory already exists")
	}

	cfg := config.Default()
	cfg.Remote.URL = initURL
	cfg.Remote.Kind = initKind
	cfg.Remote.DeviceID = initDeviceID
	if cfg.Remote.DeviceID == "" {
		cfg.Remote.DeviceID = uuid.NewString()
	}
	cfg.Store.Driver = initDriver
	cfg.Store.DSN = initDSN
	if initDriver == store.DriverSQLite {
		cfg.Store.Path = "offsync.sqlite"
	}

	fmt.Printf("Initializing offsync...\n")
	cfg, err = config.Initialize(cwd, cfg)
	if err != nil {
		exitError("failed to initialize config: %v", err)
	}

	// Open once so the schema exists before the first enqueue.
	backend, err := store.Open(context.Background(), cfg.StoreOptions())
	if err != nil {
		os.RemoveAll(cfg.Root())
		exitError("failed to initialize store: %v", err)
	}
	backend.Close()

	green := color.New(color.FgGreen)
	green.Printf("Initialized offsync in %s\n", cfg.Root())
	fmt.Printf("  Device:  %s\n", cfg.Remote.DeviceID)
	fmt.Printf("  Remote:  %s (%s)\n", cfg.Remote.URL, cfg.Remote.Kind)
	fmt.Printf("  Store:   %s\n", cfg.Store.Driver)
}
