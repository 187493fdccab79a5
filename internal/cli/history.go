package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/isaacmuchunu/offsync/internal/models"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show sync history",
	Long:  `Display completed sync passes, newest first. With --resolutions, show the conflict resolution log instead.`,
	Run:   runHistory,
}

var (
	historyOneline     bool
	historyLimit       int
	historyResolutions bool
)

func init() {
	historyCmd.Flags().BoolVar(&historyOneline, "oneline", false, "Show each pass on a single line")
	historyCmd.Flags().IntVarP(&historyLimit, "n", "n", 20, "Limit the number of entries to show (0 for all)")
	historyCmd.Flags().BoolVar(&historyResolutions, "resolutions", false, "Show conflict resolutions")
}

func runHistory(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	if historyResolutions {
		showResolutions(c)
		return
	}

	entries, err := c.Engine.History(context.Background(), historyLimit)
	if err != nil {
		exitError("failed to read history: %v", err)
	}
	if len(entries) == 0 {
		fmt.Println("No sync passes yet")
		return
	}

	yellow := color.New(color.FgYellow)
	for _, h := range entries {
		sc := statusColor(h.Status)
		if historyOneline {
			yellow.Printf("%s ", shortID(h.ID))
			sc.Printf("%-7s ", h.Status)
			fmt.Printf("%s  %d ok, %d failed\n",
				h.StartedAt.Local().Format("2006-01-02 15:04:05"), h.SuccessCount, h.FailureCount)
			continue
		}
		yellow.Printf("pass %s ", h.ID)
		sc.Printf("(%s)\n", h.Status)
		fmt.Printf("Date:     %s\n", h.StartedAt.Local().Format("Mon Jan 2 15:04:05 2006"))
		fmt.Printf("Duration: %s\n", h.Duration)
		fmt.Printf("\n    %d synced, %d failed\n", h.SuccessCount, h.FailureCount)
		for _, e := range h.Errors {
			fmt.Printf("    %s\n", e)
		}
		fmt.Println()
	}
}

func showResolutions(c *cmdContext) {
	resolutions, err := c.Engine.Resolutions(context.Background(), historyLimit)
	if err != nil {
		exitError("failed to read resolutions: %v", err)
	}
	if len(resolutions) == 0 {
		fmt.Println("No conflicts resolved yet")
		return
	}

	yellow := color.New(color.FgYellow)
	for _, r := range resolutions {
		yellow.Printf("%s ", shortID(r.ConflictID))
		fmt.Printf("%-11s %s/%s", r.Strategy, r.EntityType, r.EntityID)
		switch {
		case r.Pending():
			color.New(color.FgRed).Print("  awaiting decision")
		case r.ResolvedBy != "":
			fmt.Printf("  by %s", r.ResolvedBy)
		}
		fmt.Printf("  %s\n", r.ResolvedAt.Local().Format("2006-01-02 15:04:05"))
	}
}

func statusColor(s models.HistoryStatus) *color.Color {
	switch s {
	case models.HistorySuccess:
		return color.New(color.FgGreen)
	case models.HistoryPartial:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}
