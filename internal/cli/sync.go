package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/isaacmuchunu/offsync/internal/models"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass now",
	Long: `Probe the remote and, if it is reachable, drain every due operation in
the queue. Conflicts needing a decision are listed at the end.`,
	Run: runSync,
}

func runSync(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initContext()
	defer c.Close()

	if !c.probe(ctx) {
		exitError("remote %s is unreachable", c.Config.Remote.URL)
	}

	res, err := c.Engine.PerformSync(ctx)
	printSyncResult(res)
	if err != nil {
		c.Close()
		exitError("%v", err)
	}
	if !res.Success && !res.Skipped {
		// exitError skips deferred calls; flush webhooks and the store first.
		c.Close()
		exitError("sync finished with failures")
	}
}

func printSyncResult(res *models.SyncResult) {
	if res == nil {
		return
	}
	if res.Skipped {
		fmt.Printf("Skipped: %s\n", res.Message)
		return
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	if res.Success {
		green.Println(res.Message)
	} else {
		red.Println(res.Message)
	}
	if res.ConflictCount > 0 {
		fmt.Printf("  Conflicts resolved or held: %d\n", res.ConflictCount)
	}
	for _, ce := range res.Created {
		fmt.Printf("  created %s/%s (operation %s)\n", ce.EntityType, ce.EntityID, shortID(ce.OperationID))
	}
	for _, id := range res.DeadLettered {
		red.Printf("  dead-lettered %s\n", shortID(id))
	}
	for _, id := range res.ManualPending {
		yellow.Printf("  conflict %s awaits resolution\n", shortID(id))
	}
	for _, e := range res.Errors {
		fmt.Printf("  %s\n", e)
	}
}
