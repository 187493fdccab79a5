// Command offsync queues local mutations and syncs them to a remote when online.
package main

import (
	"os"

	"github.com/isaacmuchunu/offsync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
