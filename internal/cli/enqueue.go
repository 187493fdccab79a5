package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/isaacmuchunu/offsync/internal/models"
	"github.com/spf13/cobra"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <kind> <entity-type> [<entity-id>]",
	Short: "Queue a mutation for the remote",
	Long: `Queue a create, update, delete or custom operation. The payload is a JSON
object given with --payload, or read from stdin with --payload -.

Examples:
  offsync enqueue create patient --payload '{"name":"Amina"}'
  offsync enqueue update patient p-1 --payload '{"status":"discharged"}' --version 7
  offsync enqueue delete patient p-1 --priority high
  offsync enqueue custom visit v-9 --action close --payload '{}'`,
	Args: cobra.RangeArgs(2, 3),
	Run:  runEnqueue,
}

var (
	enqueuePayload  string
	enqueuePriority string
	enqueueVersion  string
	enqueueAction   string
)

func init() {
	f := enqueueCmd.Flags()
	f.StringVarP(&enqueuePayload, "payload", "p", "", "JSON object payload, or - to read stdin")
	f.StringVar(&enqueuePriority, "priority", "normal", "Priority: low, normal, high or critical")
	f.StringVar(&enqueueVersion, "version", "", "Remote version the change was based on")
	f.StringVar(&enqueueAction, "action", "", "Action name for custom operations")
}

func runEnqueue(cmd *cobra.Command, args []string) {
	kind, err := models.ParseOperationKind(args[0])
	if err != nil {
		exitError("%v", err)
	}
	priority, err := models.ParsePriority(enqueuePriority)
	if err != nil {
		exitError("%v", err)
	}

	payload := models.Payload{}
	if enqueuePayload != "" {
		data := []byte(enqueuePayload)
		if enqueuePayload == "-" {
			data, err = io.ReadAll(os.Stdin)
			if err != nil {
				exitError("failed to read payload: %v", err)
			}
		}
		payload, err = models.ParsePayload(data)
		if err != nil {
			exitError("invalid payload: %v", err)
		}
	}

	op := &models.SyncOperation{
		Kind:       kind,
		EntityType: args[1],
		Payload:    payload,
		Priority:   priority,
		Action:     enqueueAction,
	}
	if len(args) == 3 {
		op.EntityID = args[2]
	}
	op.SetVersion(enqueueVersion)

	c := initContext()
	defer c.Close()

	id, err := c.Engine.Enqueue(context.Background(), op)
	if err != nil {
		exitError("%v", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Queued %s %s", kind, op.EntityType)
	if op.EntityID != "" {
		fmt.Printf("/%s", op.EntityID)
	}
	fmt.Printf(" as %s (%d queued)\n", shortID(id), c.Engine.Queue().Len())
}
