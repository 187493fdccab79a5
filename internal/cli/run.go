package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync engine in the foreground",
	Long: `Probe the remote on the configured interval and sync whenever it comes
online, and again on every sync interval. Stops cleanly on SIGINT or SIGTERM,
letting an in-flight pass finish.`,
	Run: runRun,
}

func runRun(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Engine.Start(ctx); err != nil {
		exitError("%v", err)
	}
	c.Logger.Info("offsync running",
		"device_id", c.Config.Remote.DeviceID,
		"remote", c.Config.Remote.URL,
		"queued", c.Engine.Queue().Len())

	<-ctx.Done()
	c.Logger.Info("shutting down...")
	if err := c.Engine.Shutdown(); err != nil {
		c.Logger.Error("shutdown error", "error", err)
	}
}
