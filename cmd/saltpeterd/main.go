// Command saltpeterd is the scheduler daemon: it owns the shared
// in-memory state, the scheduling loop, the dispatcher, the monitor,
// the agent channel server, and the HTTP API, all wired together and
// run as goroutines of a single process.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "saltpeterd",
		Short: "Run the saltpeter scheduling daemon",
	}
	root.AddCommand(newServeCommand())
	return root
}
