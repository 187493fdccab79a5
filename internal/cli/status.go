package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/isaacmuchunu/offsync/internal/models"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the queue and sync status",
	Long:  `Show queued operations, sync counters and, with --probe, whether the remote is reachable.`,
	Run:   runStatus,
}

var (
	statusProbe   bool
	statusVerbose bool
	statusJSON    bool
)

func init() {
	statusCmd.Flags().BoolVar(&statusProbe, "probe", false, "Check whether the remote is reachable")
	statusCmd.Flags().BoolVarP(&statusVerbose, "verbose", "v", false, "List every queued operation")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the metrics as JSON")
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initContext()
	defer c.Close()

	metrics := c.Engine.Metrics()
	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(metrics); err != nil {
			exitError("%v", err)
		}
		return
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	fmt.Printf("Device %s\n", c.Config.Remote.DeviceID)
	fmt.Printf("Remote %s (%s)", c.Config.Remote.URL, c.Config.Remote.Kind)
	if statusProbe {
		if c.probe(ctx) {
			green.Print(" online")
		} else {
			red.Print(" offline")
		}
	}
	fmt.Println()
	fmt.Println()

	ops := c.Engine.Queue().List()
	if len(ops) == 0 {
		fmt.Println("Queue empty")
	} else {
		counts := make(map[models.OperationStatus]int)
		held := 0
		var nextRetry *time.Time
		for _, op := range ops {
			counts[op.Status]++
			if op.Held() {
				held++
			}
			if op.NextRetryAt != nil && (nextRetry == nil || op.NextRetryAt.Before(*nextRetry)) {
				nextRetry = op.NextRetryAt
			}
		}
		fmt.Printf("Queued operations: %d of %d\n", len(ops), c.Engine.Queue().Capacity())
		statuses := make([]string, 0, len(counts))
		for s := range counts {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			fmt.Printf("  %-12s %d\n", s, counts[models.OperationStatus(s)])
		}
		if held > 0 {
			yellow.Printf("  %-12s %d\n", "held", held)
		}
		if nextRetry != nil {
			fmt.Printf("  next retry   %s\n", nextRetry.Local().Format(time.DateTime))
		}
	}

	if statusVerbose && len(ops) > 0 {
		fmt.Println()
		for _, op := range ops {
			printOperation(op)
		}
	}

	fmt.Println()
	fmt.Println("Sync counters:")
	fmt.Printf("  passes      %d ok, %d partial, %d failed\n",
		metrics.SuccessfulSyncs, metrics.PartialSyncs, metrics.FailedSyncs)
	fmt.Printf("  operations  %d synced, %d failed\n", metrics.OperationsSynced, metrics.OperationsFailed)
	fmt.Printf("  conflicts   %d resolved, %d pending\n", metrics.ConflictsResolved, metrics.PendingConflicts)
	if metrics.DeadLettered > 0 {
		red.Printf("  dead letters %d\n", metrics.DeadLettered)
	}
	if metrics.LastSyncAt != nil {
		fmt.Printf("  last sync   %s (%s)\n", metrics.LastSyncAt.Local().Format(time.DateTime), metrics.LastSyncStatus)
	} else {
		fmt.Println("  last sync   never")
	}
}

func printOperation(op *models.SyncOperation) {
	yellow := color.New(color.FgYellow)
	yellow.Printf("%s ", shortID(op.ID))
	fmt.Printf("%-7s %s", op.Kind, op.EntityType)
	if op.EntityID != "" {
		fmt.Printf("/%s", op.EntityID)
	}
	fmt.Printf("  [%s, %s", op.Status, op.Priority)
	if op.RetryCount > 0 {
		fmt.Printf(", retry %d", op.RetryCount)
	}
	if op.Held() {
		fmt.Printf(", held by %s", shortID(op.HeldBy))
	}
	fmt.Println("]")
	if op.LastError != "" {
		fmt.Printf("         %s\n", op.LastError)
	}
}
