package main

import (
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/odpf/saltpeter/api"
)

func newStateCommand(apiAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "List currently running job instances",
		RunE: func(*cobra.Command, []string) error {
			var snap api.StateSnapshot
			if err := newAPIClient(*apiAddr).get("/v1/state", &snap); err != nil {
				return err
			}
			printState(snap)
			return nil
		},
	}
}

func printState(snap api.StateSnapshot) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Job", "Instance", "Machine", "Confirmed", "Finalized", "RetCode", "Idle (s)"})
	for _, job := range snap.Running {
		for _, t := range job.Targets {
			table.Append([]string{
				job.JobName,
				job.JobInstanceID,
				t.Machine,
				boolCell(t.Confirmed),
				boolCell(t.Finalized),
				itoa(t.RetCode),
				ftoa(t.SecondsIdle),
			})
		}
	}
	table.Render()
}
