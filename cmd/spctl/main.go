// Command spctl is an operator CLI against a running saltpeterd's HTTP
// API: list what's currently running, and kill a job with an
// interactive confirmation before the request goes out.
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
	var apiAddr string

	root := &cobra.Command{
		Use:   "spctl",
		Short: "Operate a running saltpeter daemon",
	}
	root.PersistentFlags().StringVar(&apiAddr, "api", "http://localhost:7350", "saltpeterd API base URL")

	root.AddCommand(newStateCommand(&apiAddr))
	root.AddCommand(newKillCommand(&apiAddr))
	return root
}
