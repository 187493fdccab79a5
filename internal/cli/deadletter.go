package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var deadLetterCmd = &cobra.Command{
	Use:     "deadletter",
	Aliases: []string{"dl"},
	Short:   "Inspect and recover dead-lettered operations",
	Long: `Operations that exhaust their retry budget are moved out of the queue.

Without a subcommand, lists them.

Examples:
  offsync deadletter                 List dead letters
  offsync deadletter requeue 3f2a    Queue an operation again with fresh retries
  offsync deadletter discard 3f2a    Drop an operation for good`,
	Run: runDeadLetterList,
}

var deadLetterRequeueCmd = &cobra.Command{
	Use:   "requeue <operation-id>",
	Short: "Queue a dead-lettered operation again",
	Args:  cobra.ExactArgs(1),
	Run:   runDeadLetterRequeue,
}

var deadLetterDiscardCmd = &cobra.Command{
	Use:   "discard <operation-id>",
	Short: "Permanently drop a dead-lettered operation",
	Args:  cobra.ExactArgs(1),
	Run:   runDeadLetterDiscard,
}

func init() {
	deadLetterCmd.AddCommand(deadLetterRequeueCmd)
	deadLetterCmd.AddCommand(deadLetterDiscardCmd)
}

func runDeadLetterList(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	dead, err := c.Engine.DeadLetters(context.Background())
	if err != nil {
		exitError("%v", err)
	}
	if len(dead) == 0 {
		fmt.Println("No dead letters")
		return
	}

	red := color.New(color.FgRed)
	for _, dl := range dead {
		printOperation(dl.Operation)
		red.Printf("         %s\n", dl.Reason)
		fmt.Printf("         dead-lettered %s\n", dl.DeadLetteredAt.Local().Format("2006-01-02 15:04:05"))
	}
}

// resolveDeadLetterID expands an id or its short form to a single dead letter id.
func resolveDeadLetterID(c *cmdContext, ref string) string {
	dead, err := c.Engine.DeadLetters(context.Background())
	if err != nil {
		exitError("%v", err)
	}
	ids := make([]string, 0, len(dead))
	for _, dl := range dead {
		ids = append(ids, dl.Operation.ID)
	}
	return matchID(ref, ids, "dead letter")
}

func runDeadLetterRequeue(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	id := resolveDeadLetterID(c, args[0])
	newID, err := c.Engine.Requeue(context.Background(), id)
	if err != nil {
		exitError("%v", err)
	}
	color.New(color.FgGreen).Printf("Requeued %s as %s\n", shortID(id), shortID(newID))
}

func runDeadLetterDiscard(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	id := resolveDeadLetterID(c, args[0])
	if err := c.Engine.DiscardDeadLetter(context.Background(), id); err != nil {
		exitError("%v", err)
	}
	fmt.Printf("Discarded %s\n", shortID(id))
}

// matchID returns the one id in ids matching ref exactly, by prefix, or by
// suffix. A suffix is what shortID prints.
func matchID(ref string, ids []string, what string) string {
	var found []string
	for _, id := range ids {
		if id == ref {
			return id
		}
		if strings.HasPrefix(id, ref) || strings.HasSuffix(id, ref) {
			found = append(found, id)
		}
	}
	switch len(found) {
	case 0:
		exitError("no %s matches '%s'", what, ref)
	case 1:
		return found[0]
	default:
		exitError("'%s' is ambiguous: matches %d %ss", ref, len(found), what)
	}
	return ""
}
