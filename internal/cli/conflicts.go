package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/isaacmuchunu/offsync/internal/models"
	"github.com/spf13/cobra"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Review conflicts waiting for a decision",
	Long: `Conflicts resolved by the manual strategy hold their operation until
someone decides. Without a subcommand, lists them.

Examples:
  offsync conflicts                               List pending conflicts
  offsync conflicts show 9c1e                     Show the field differences
  offsync conflicts resolve 9c1e --keep local     Push the local payload
  offsync conflicts resolve 9c1e --payload -      Push a hand-edited payload from stdin
  offsync conflicts discard 9c1e                  Drop the local change`,
	Run: runConflictsList,
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <conflict-id>",
	Short: "Show a conflict's field differences",
	Args:  cobra.ExactArgs(1),
	Run:   runConflictsShow,
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Release the held operation with a chosen payload",
	Args:  cobra.ExactArgs(1),
	Run:   runConflictsResolve,
}

var conflictsDiscardCmd = &cobra.Command{
	Use:   "discard <conflict-id>",
	Short: "Drop the held operation and keep the remote copy",
	Args:  cobra.ExactArgs(1),
	Run:   runConflictsDiscard,
}

var (
	conflictsKeep    string
	conflictsPayload string
	conflictsBy      string
)

func init() {
	conflictsCmd.AddCommand(conflictsShowCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	conflictsCmd.AddCommand(conflictsDiscardCmd)

	rf := conflictsResolveCmd.Flags()
	rf.StringVar(&conflictsKeep, "keep", "local", "Side to keep when no payload is given: local or remote")
	rf.StringVarP(&conflictsPayload, "payload", "p", "", "JSON object to write instead, or - to read stdin")

	for _, cmd := range []*cobra.Command{conflictsResolveCmd, conflictsDiscardCmd} {
		cmd.Flags().StringVar(&conflictsBy, "by", envOrDefault("USER", ""), "Name recorded as the resolver")
	}
}

func runConflictsList(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	conflicts, err := c.Engine.PendingConflicts(context.Background())
	if err != nil {
		exitError("%v", err)
	}
	if len(conflicts) == 0 {
		fmt.Println("No conflicts awaiting a decision")
		return
	}

	yellow := color.New(color.FgYellow)
	for _, sc := range conflicts {
		yellow.Printf("%s ", shortID(sc.ID))
		fmt.Printf("%s/%s  %d fields differ  local v%s, remote v%s  %s\n",
			sc.EntityType, sc.EntityID, len(sc.Differences),
			sc.LocalVersion, sc.RemoteVersion,
			sc.DetectedAt.Local().Format("2006-01-02 15:04:05"))
	}
}

// loadConflict expands an id or its short form and loads the conflict.
func loadConflict(c *cmdContext, ref string) *models.SyncConflict {
	conflicts, err := c.Engine.PendingConflicts(context.Background())
	if err != nil {
		exitError("%v", err)
	}
	ids := make([]string, 0, len(conflicts))
	for _, sc := range conflicts {
		ids = append(ids, sc.ID)
	}
	id := matchID(ref, ids, "conflict")
	for _, sc := range conflicts {
		if sc.ID == id {
			return sc
		}
	}
	return nil
}

func runConflictsShow(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	sc := loadConflict(c, args[0])

	fmt.Printf("Conflict %s\n", sc.ID)
	fmt.Printf("Entity:    %s/%s\n", sc.EntityType, sc.EntityID)
	fmt.Printf("Operation: %s\n", sc.OperationID)
	fmt.Printf("Versions:  local %s, remote %s\n\n", sc.LocalVersion, sc.RemoteVersion)

	diffs := append([]models.FieldDifference(nil), sc.Differences...)
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Field < diffs[j].Field })

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	for _, d := range diffs {
		fmt.Printf("  %s (%s)\n", d.Field, d.Kind)
		if d.Kind != models.DifferenceRemoved {
			green.Printf("    local:  %s\n", formatValue(d.LocalValue))
		}
		if d.Kind != models.DifferenceAdded {
			red.Printf("    remote: %s\n", formatValue(d.RemoteValue))
		}
	}
}

func formatValue(v models.Value) string {
	data, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(data)
}

func runConflictsResolve(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	sc := loadConflict(c, args[0])

	var payload models.Payload
	switch {
	case conflictsPayload != "":
		data := []byte(conflictsPayload)
		if conflictsPayload == "-" {
			var err error
			data, err = io.ReadAll(os.Stdin)
			if err != nil {
				exitError("failed to read payload: %v", err)
			}
		}
		p, err := models.ParsePayload(data)
		if err != nil {
			exitError("invalid payload: %v", err)
		}
		payload = p
	case conflictsKeep == "remote":
		payload = sc.RemotePayload
	case conflictsKeep == "local":
		payload = sc.LocalPayload
	default:
		exitError("--keep must be 'local' or 'remote'")
	}

	res, err := c.Engine.ResolveConflict(context.Background(), sc.ID, payload, conflictsBy)
	if err != nil {
		exitError("%v", err)
	}
	color.New(color.FgGreen).Printf("Resolved %s by %s; %s/%s will sync on the next pass\n",
		shortID(res.ConflictID), res.ResolvedBy, res.EntityType, res.EntityID)
}

func runConflictsDiscard(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	sc := loadConflict(c, args[0])
	if err := c.Engine.DiscardConflict(context.Background(), sc.ID, conflictsBy); err != nil {
		exitError("%v", err)
	}
	fmt.Printf("Discarded local change to %s/%s\n", sc.EntityType, sc.EntityID)
}
