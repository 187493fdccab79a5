package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every pending operation",
	Long: `Remove all queued operations, including ones held for a conflict decision.
Dead letters and history are kept. Asks for confirmation unless --force is given.`,
	Run: runClear,
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Fold redundant queued operations",
	Long: `Merge queued operations that target the same entity, the same way the
queue does when it reaches capacity.`,
	Run: runCompact,
}

var clearForce bool

func init() {
	clearCmd.Flags().BoolVarP(&clearForce, "force", "f", false, "Do not ask for confirmation")
}

func runClear(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	n := c.Engine.Queue().Len()
	if n == 0 {
		fmt.Println("Queue already empty")
		return
	}

	if !clearForce && !confirm(fmt.Sprintf("Discard %d queued operations?", n)) {
		fmt.Println("Aborted")
		return
	}

	removed, err := c.Engine.ClearQueue(context.Background())
	if err != nil {
		exitError("%v", err)
	}
	color.New(color.FgGreen).Printf("Removed %d operations\n", removed)
}

func runCompact(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	removed, err := c.Engine.Queue().Compact(context.Background())
	if err != nil {
		exitError("%v", err)
	}
	fmt.Printf("Compacted %d operations, %d queued\n", removed, c.Engine.Queue().Len())
}

// confirm asks a yes/no question on stderr and reads the answer from stdin.
func confirm(question string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", question)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
